/*
Copyright The PGKeeper Contributors

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

    http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

// Package dcs is the typed wrapper over the ZooKeeper ensemble the
// cluster coordinates through: text and JSON nodes, ephemeral locks,
// shared read locks and session lifecycle callbacks
package dcs

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/json"
	"fmt"
	"net"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-zookeeper/zk"

	"github.com/pgkeeper/pgkeeper/pkg/log"
)

// ErrNotConnected is reported when an operation needs a live session
// and there is none
var ErrNotConnected = fmt.Errorf("no usable zookeeper session")

// SessionCallbacks receives the session lifecycle notifications
type SessionCallbacks struct {
	OnConnected func()
	OnSuspended func()
	OnLost      func()
}

// Options groups everything needed to build a Client
type Options struct {
	Hosts          []string
	PathPrefix     string
	SessionTimeout time.Duration
	// ContenderName identifies this client inside lock nodes; it
	// defaults to the FQDN and the CLI overrides it with fqdn_pid
	ContenderName string

	Auth     bool
	Username string
	Password string

	SSL         bool
	CertFile    string
	KeyFile     string
	CAFile      string
	VerifyCerts bool

	ReleaseLockAfterAcquireFailed bool

	Callbacks SessionCallbacks
}

// Client wraps a ZooKeeper connection with the typed operations the
// agent needs. It is not safe for concurrent use: the agent is a
// single-threaded control loop.
type Client struct {
	options Options

	conn   *zk.Conn
	events <-chan zk.Event

	mu        sync.Mutex
	locks     map[string]*Lock
	connected bool

	closeWatcher chan struct{}
}

// NewClient connects to the ensemble and starts the session watcher
func NewClient(options Options) (*Client, error) {
	c := &Client{
		options: options,
		locks:   make(map[string]*Lock),
	}
	if err := c.connect(); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) connect() error {
	var conn *zk.Conn
	var events <-chan zk.Event
	var err error
	if c.options.SSL {
		dialer, dialerErr := c.tlsDialer()
		if dialerErr != nil {
			return dialerErr
		}
		conn, events, err = zk.Connect(c.options.Hosts, c.options.SessionTimeout,
			zk.WithLogInfo(false), zk.WithDialer(dialer))
	} else {
		conn, events, err = zk.Connect(c.options.Hosts, c.options.SessionTimeout,
			zk.WithLogInfo(false))
	}
	if err != nil {
		return fmt.Errorf("while connecting to zookeeper: %w", err)
	}

	if c.options.Auth {
		credentials := fmt.Sprintf("%s:%s", c.options.Username, c.options.Password)
		if err := conn.AddAuth("digest", []byte(credentials)); err != nil {
			conn.Close()
			return fmt.Errorf("while authenticating to zookeeper: %w", err)
		}
	}

	c.conn = conn
	c.events = events
	c.closeWatcher = make(chan struct{})
	go c.watchSession(events, c.closeWatcher)
	return nil
}

func (c *Client) tlsDialer() (zk.Dialer, error) {
	tlsConfig := &tls.Config{
		InsecureSkipVerify: !c.options.VerifyCerts, // #nosec
		MinVersion:         tls.VersionTLS12,
	}
	if c.options.CertFile != "" && c.options.KeyFile != "" {
		certificate, err := tls.LoadX509KeyPair(c.options.CertFile, c.options.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("while loading zookeeper client certificate: %w", err)
		}
		tlsConfig.Certificates = []tls.Certificate{certificate}
	}
	if c.options.CAFile != "" {
		caContents, err := os.ReadFile(c.options.CAFile) // #nosec
		if err != nil {
			return nil, fmt.Errorf("while loading zookeeper CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		pool.AppendCertsFromPEM(caContents)
		tlsConfig.RootCAs = pool
	}
	return func(network, address string, timeout time.Duration) (net.Conn, error) {
		deadline := time.Now().Add(timeout)
		tcpConn, err := net.DialTimeout(network, address, timeout)
		if err != nil {
			return nil, err
		}
		tlsConn := tls.Client(tcpConn, tlsConfig)
		if err := tlsConn.SetDeadline(deadline); err != nil {
			_ = tlsConn.Close()
			return nil, err
		}
		if err := tlsConn.Handshake(); err != nil {
			_ = tlsConn.Close()
			return nil, err
		}
		return tlsConn, tlsConn.SetDeadline(time.Time{})
	}, nil
}

func (c *Client) watchSession(events <-chan zk.Event, closer chan struct{}) {
	for {
		select {
		case <-closer:
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if event.Type != zk.EventSession {
				continue
			}
			switch event.State {
			case zk.StateHasSession:
				log.Info("Connected to ZooKeeper")
				c.setConnected(true)
				if c.options.Callbacks.OnConnected != nil {
					c.options.Callbacks.OnConnected()
				}
			case zk.StateDisconnected:
				log.Warning("Being disconnected from ZooKeeper")
				c.setConnected(false)
				if c.options.Callbacks.OnSuspended != nil {
					c.options.Callbacks.OnSuspended()
				}
			case zk.StateExpired:
				log.Error(nil, "ZooKeeper session expired, dropping all lock state")
				c.setConnected(false)
				c.forgetLocks()
				if c.options.Callbacks.OnLost != nil {
					c.options.Callbacks.OnLost()
				}
			}
		}
	}
}

func (c *Client) setConnected(connected bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = connected
}

func (c *Client) forgetLocks() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.locks = make(map[string]*Lock)
}

// ContenderName is the identity this client competes for locks with
func (c *Client) ContenderName() string {
	return c.options.ContenderName
}

// IsAlive tells whether the session is currently usable
func (c *Client) IsAlive() bool {
	if c.conn == nil {
		return false
	}
	return c.conn.State() == zk.StateHasSession
}

// Reconnect tears the session down, releasing every ephemeral node,
// and builds a fresh one
func (c *Client) Reconnect() error {
	log.Warning("Reconnecting to ZooKeeper")
	c.Close()
	c.forgetLocks()
	if err := c.connect(); err != nil {
		return err
	}
	if !c.IsAlive() {
		// The connection is asynchronous; give the session a chance
		// to establish within the configured timeout
		deadline := time.Now().Add(c.options.SessionTimeout)
		for time.Now().Before(deadline) && !c.IsAlive() {
			time.Sleep(100 * time.Millisecond)
		}
	}
	if !c.IsAlive() {
		return ErrNotConnected
	}
	return nil
}

// Close shuts the session down, releasing all ephemeral nodes
func (c *Client) Close() {
	if c.closeWatcher != nil {
		close(c.closeWatcher)
		c.closeWatcher = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

func (c *Client) absPath(relative string) string {
	if strings.HasPrefix(relative, c.options.PathPrefix) {
		return relative
	}
	prefix := strings.TrimSuffix(c.options.PathPrefix, "/")
	if relative == "" {
		return prefix
	}
	return prefix + "/" + strings.TrimPrefix(relative, "/")
}

// Get reads a node as text. A missing node is reported with
// found=false and no error; any other failure is an error.
func (c *Client) Get(key string) (value string, found bool, err error) {
	if c.conn == nil {
		return "", false, ErrNotConnected
	}
	data, _, err := c.conn.Get(c.absPath(key))
	if err == zk.ErrNoNode {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("while reading %q: %w", key, err)
	}
	return string(data), true, nil
}

// GetInt reads a node as an integer; unparsable contents are treated
// as a missing node
func (c *Client) GetInt(key string) (int64, bool, error) {
	value, found, err := c.Get(key)
	if err != nil || !found {
		return 0, found, err
	}
	parsed, err := strconv.ParseInt(strings.TrimSpace(value), 10, 64)
	if err != nil {
		log.Debug("Failed to parse node as integer", "key", key, "value", value)
		return 0, false, nil
	}
	return parsed, true, nil
}

// GetFloat reads a node as a float; unparsable contents are treated
// as a missing node
func (c *Client) GetFloat(key string) (float64, bool, error) {
	value, found, err := c.Get(key)
	if err != nil || !found {
		return 0, found, err
	}
	parsed, err := strconv.ParseFloat(strings.TrimSpace(value), 64)
	if err != nil {
		log.Debug("Failed to parse node as float", "key", key, "value", value)
		return 0, false, nil
	}
	return parsed, true, nil
}

// GetJSON unmarshals a node into target; unparsable contents are
// treated as a missing node
func (c *Client) GetJSON(key string, target interface{}) (bool, error) {
	value, found, err := c.Get(key)
	if err != nil || !found {
		return found, err
	}
	if err := json.Unmarshal([]byte(value), target); err != nil {
		log.Debug("Failed to parse node as JSON", "key", key, "value", value)
		return false, nil
	}
	return true, nil
}

// Set writes a node, creating it when missing. With needLock the write
// is refused unless this client currently holds the leader lock: the
// primary-side nodes must never be written by a bystander.
func (c *Client) Set(key, value string, needLock bool) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	if needLock {
		holder, err := c.CurrentLockHolder(PrimaryLockPath)
		if err != nil {
			return err
		}
		if holder != c.ContenderName() {
			return fmt.Errorf("refusing to write %q: leader lock is held by %q", key, holder)
		}
	}

	fullPath := c.absPath(key)
	exists, stat, err := c.conn.Exists(fullPath)
	if err != nil {
		return fmt.Errorf("while checking %q: %w", key, err)
	}
	if exists {
		_, err = c.conn.Set(fullPath, []byte(value), stat.Version)
	} else {
		_, err = c.conn.Create(fullPath, []byte(value), 0, zk.WorldACL(zk.PermAll))
	}
	if err != nil {
		return fmt.Errorf("while writing %q: %w", key, err)
	}
	return nil
}

// SetJSON marshals target and writes it as a node
func (c *Client) SetJSON(key string, target interface{}, needLock bool) error {
	contents, err := json.Marshal(target)
	if err != nil {
		return fmt.Errorf("while encoding %q: %w", key, err)
	}
	return c.Set(key, string(contents), needLock)
}

// SetFloat writes a float node
func (c *Client) SetFloat(key string, value float64, needLock bool) error {
	return c.Set(key, strconv.FormatFloat(value, 'f', -1, 64), needLock)
}

// SetInt writes an integer node
func (c *Client) SetInt(key string, value int64, needLock bool) error {
	return c.Set(key, strconv.FormatInt(value, 10), needLock)
}

// EnsurePath creates a node and all its ancestors when missing
func (c *Client) EnsurePath(key string) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	fullPath := c.absPath(key)
	segments := strings.Split(strings.TrimPrefix(fullPath, "/"), "/")
	current := ""
	for _, segment := range segments {
		current += "/" + segment
		exists, _, err := c.conn.Exists(current)
		if err != nil {
			return fmt.Errorf("while ensuring %q: %w", key, err)
		}
		if exists {
			continue
		}
		if _, err := c.conn.Create(current, nil, 0, zk.WorldACL(zk.PermAll)); err != nil && err != zk.ErrNodeExists {
			return fmt.Errorf("while ensuring %q: %w", key, err)
		}
	}
	return nil
}

// Exists checks the presence of a node
func (c *Client) Exists(key string) (bool, error) {
	if c.conn == nil {
		return false, ErrNotConnected
	}
	exists, _, err := c.conn.Exists(c.absPath(key))
	if err != nil {
		return false, fmt.Errorf("while checking %q: %w", key, err)
	}
	return exists, nil
}

// Children lists the child node names of a path; a missing node is an
// empty result
func (c *Client) Children(key string) ([]string, error) {
	if c.conn == nil {
		return nil, ErrNotConnected
	}
	children, _, err := c.conn.Children(c.absPath(key))
	if err == zk.ErrNoNode {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("while listing %q: %w", key, err)
	}
	return children, nil
}

// Delete removes a node, optionally with everything below it.
// Deleting a missing node succeeds.
func (c *Client) Delete(key string, recursive bool) error {
	if c.conn == nil {
		return ErrNotConnected
	}
	return c.deletePath(c.absPath(key), recursive)
}

func (c *Client) deletePath(fullPath string, recursive bool) error {
	if recursive {
		children, _, err := c.conn.Children(fullPath)
		if err != nil && err != zk.ErrNoNode {
			return fmt.Errorf("while listing %q for deletion: %w", fullPath, err)
		}
		for _, child := range children {
			if err := c.deletePath(fullPath+"/"+child, true); err != nil {
				return err
			}
		}
	}
	err := c.conn.Delete(fullPath, -1)
	if err == zk.ErrNoNode {
		log.Info("No node found in ZooKeeper to delete", "path", fullPath)
		return nil
	}
	if err != nil {
		return fmt.Errorf("while deleting %q: %w", fullPath, err)
	}
	return nil
}

// GetMtime returns the modification time of a node
func (c *Client) GetMtime(key string) (time.Time, bool, error) {
	if c.conn == nil {
		return time.Time{}, false, ErrNotConnected
	}
	_, stat, err := c.conn.Get(c.absPath(key))
	if err == zk.ErrNoNode {
		return time.Time{}, false, nil
	}
	if err != nil {
		return time.Time{}, false, fmt.Errorf("while reading %q: %w", key, err)
	}
	return time.UnixMilli(stat.Mtime), true, nil
}
