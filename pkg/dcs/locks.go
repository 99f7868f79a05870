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

package dcs

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/go-zookeeper/zk"

	"github.com/pgkeeper/pgkeeper/pkg/log"
)

// The lock recipe uses ephemeral sequential children below the lock
// path. Writers queue behind every earlier node; readers only queue
// behind earlier writers. The node data carries the contender name.
const (
	writeLockSuffix = "__lock__"
	readLockSuffix  = "__rlock__"
)

// Lock is one contender slot on a lock path. The zero state is
// "not acquired".
type Lock struct {
	client   *Client
	name     string
	readLock bool

	// nodePath is the ephemeral node we created, empty when we are
	// not holding nor queueing
	nodePath string
}

type lockNode struct {
	name     string
	sequence int
	write    bool
}

func parseLockNode(name string) (lockNode, bool) {
	var write bool
	var sep string
	switch {
	case strings.Contains(name, writeLockSuffix):
		write, sep = true, writeLockSuffix
	case strings.Contains(name, readLockSuffix):
		write, sep = false, readLockSuffix
	default:
		return lockNode{}, false
	}
	parts := strings.Split(name, sep)
	sequence, err := strconv.Atoi(parts[len(parts)-1])
	if err != nil {
		return lockNode{}, false
	}
	return lockNode{name: name, sequence: sequence, write: write}, true
}

func (c *Client) lockInstance(name string, readLock bool) *Lock {
	c.mu.Lock()
	defer c.mu.Unlock()
	if lock, found := c.locks[name]; found {
		return lock
	}
	log.Debug("No lock instance found, creating one", "lock", name)
	lock := &Lock{client: c, name: name, readLock: readLock}
	c.locks[name] = lock
	return lock
}

// sortedLockNodes lists the lock path children ordered by sequence
func (c *Client) sortedLockNodes(name string) ([]lockNode, error) {
	children, err := c.Children(name)
	if err != nil {
		return nil, err
	}
	nodes := make([]lockNode, 0, len(children))
	for _, child := range children {
		if node, ok := parseLockNode(child); ok {
			nodes = append(nodes, node)
		}
	}
	sort.Slice(nodes, func(i, j int) bool { return nodes[i].sequence < nodes[j].sequence })
	return nodes, nil
}

// LockContenders returns the names of every host competing for the
// lock, the holder first
func (c *Client) LockContenders(name string) ([]string, error) {
	nodes, err := c.sortedLockNodes(name)
	if err != nil {
		return nil, err
	}
	contenders := make([]string, 0, len(nodes))
	for _, node := range nodes {
		data, _, err := c.conn.Get(c.absPath(name) + "/" + node.name)
		if err == zk.ErrNoNode {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("while reading lock contender %q: %w", node.name, err)
		}
		contenders = append(contenders, string(data))
	}
	return contenders, nil
}

// CurrentLockHolder returns the holder of an exclusive lock, or the
// empty string when the lock is free
func (c *Client) CurrentLockHolder(name string) (string, error) {
	contenders, err := c.LockContenders(name)
	if err != nil {
		return "", err
	}
	if len(contenders) == 0 {
		return "", nil
	}
	return contenders[0], nil
}

// CurrentLockVersion returns the lowest sequence number currently
// queued on the leader lock
func (c *Client) CurrentLockVersion() (int, bool, error) {
	nodes, err := c.sortedLockNodes(PrimaryLockPath)
	if err != nil || len(nodes) == 0 {
		return 0, false, err
	}
	return nodes[0].sequence, true, nil
}

// TryAcquireLock attempts to take a lock, queueing behind other
// contenders only when allowQueue is set. It returns whether the lock
// is held by this client afterwards.
func (c *Client) TryAcquireLock(ctx context.Context, name string, allowQueue bool, timeout time.Duration) bool {
	return c.tryAcquire(ctx, name, allowQueue, timeout, false)
}

// TryAcquireReadLock attempts to take a shared read slot on a lock path
func (c *Client) TryAcquireReadLock(ctx context.Context, name string, timeout time.Duration) bool {
	return c.tryAcquire(ctx, name, true, timeout, true)
}

func (c *Client) tryAcquire(ctx context.Context, name string, allowQueue bool, timeout time.Duration, readLock bool) bool {
	if timeout <= 0 {
		timeout = c.options.SessionTimeout
	}
	if !c.IsAlive() {
		log.Warning("Not able to acquire lock without an alive session", "lock", name)
		return false
	}

	contenders, err := c.LockContenders(name)
	if err != nil {
		log.Error(err, "Could not list lock contenders", "lock", name)
		return false
	}
	if len(contenders) != 0 {
		relevant := contenders
		if !readLock {
			relevant = contenders[:1]
		}
		for _, contender := range relevant {
			if contender == c.ContenderName() {
				log.Debug("We already hold the lock", "lock", name)
				return true
			}
		}
		if !allowQueue && !readLock {
			log.Warning("Lock is already taken", "lock", name, "holder", contenders[0])
			return false
		}
	}

	lock := c.lockInstance(name, readLock)
	acquired, err := lock.acquire(ctx, timeout)
	if err != nil {
		log.Error(err, "Unable to acquire lock", "lock", name)
	} else if !acquired {
		log.Warning("Unable to obtain lock within timeout", "lock", name, "timeout", timeout)
	}
	if !acquired && c.options.ReleaseLockAfterAcquireFailed {
		log.Debug("Releasing failed lock attempt to recreate it on the next iteration", "lock", name)
		if err := c.ReleaseLock(name); err != nil {
			log.Error(err, "Could not release failed lock attempt", "lock", name)
		}
	}
	return acquired
}

// AcquireLock is TryAcquireLock returning an error on failure
func (c *Client) AcquireLock(ctx context.Context, name string, allowQueue bool, timeout time.Duration) error {
	if !c.TryAcquireLock(ctx, name, allowQueue, timeout) {
		return fmt.Errorf("failed to acquire lock %q", name)
	}
	log.Debug("Lock acquired", "lock", name)
	return nil
}

func (l *Lock) suffix() string {
	if l.readLock {
		return readLockSuffix
	}
	return writeLockSuffix
}

// acquire creates our contender node when missing and waits until
// nothing blocks it, within the timeout
func (l *Lock) acquire(ctx context.Context, timeout time.Duration) (bool, error) {
	c := l.client
	if err := c.EnsurePath(l.name); err != nil {
		return false, err
	}

	if l.nodePath == "" {
		created, err := c.conn.CreateProtectedEphemeralSequential(
			c.absPath(l.name)+"/"+l.suffix(),
			[]byte(c.ContenderName()),
			zk.WorldACL(zk.PermAll))
		if err != nil {
			return false, fmt.Errorf("while creating lock node under %q: %w", l.name, err)
		}
		l.nodePath = created
	}

	deadline := time.Now().Add(timeout)
	for {
		blocker, err := l.currentBlocker()
		if err != nil {
			l.abandon()
			return false, err
		}
		if blocker == "" {
			return true, nil
		}

		exists, _, watch, err := c.conn.ExistsW(c.absPath(l.name) + "/" + blocker)
		if err != nil {
			l.abandon()
			return false, fmt.Errorf("while watching lock blocker %q: %w", blocker, err)
		}
		if !exists {
			continue
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			l.abandon()
			return false, nil
		}
		select {
		case <-watch:
		case <-time.After(remaining):
			l.abandon()
			return false, nil
		case <-ctx.Done():
			l.abandon()
			return false, ctx.Err()
		}
	}
}

// currentBlocker names the nearest node our contender slot queues
// behind, or the empty string when the lock is ours
func (l *Lock) currentBlocker() (string, error) {
	nodes, err := l.client.sortedLockNodes(l.name)
	if err != nil {
		return "", err
	}
	ownName := l.nodePath[strings.LastIndex(l.nodePath, "/")+1:]
	own, ok := parseLockNode(ownName)
	if !ok {
		return "", fmt.Errorf("unexpected lock node name %q", ownName)
	}
	var blocker string
	for _, node := range nodes {
		if node.sequence >= own.sequence {
			break
		}
		if l.readLock && !node.write {
			continue
		}
		blocker = node.name
	}
	return blocker, nil
}

// abandon removes our queued contender node so a timed out attempt
// cannot become a surprise acquisition later
func (l *Lock) abandon() {
	if l.nodePath == "" {
		return
	}
	if err := l.client.conn.Delete(l.nodePath, -1); err != nil && err != zk.ErrNoNode {
		log.Warning("Could not remove abandoned lock node", "node", l.nodePath, "err", err)
	}
	l.nodePath = ""
}

// ReleaseLock drops our contender slot on a lock
func (c *Client) ReleaseLock(name string) error {
	c.mu.Lock()
	lock, found := c.locks[name]
	delete(c.locks, name)
	c.mu.Unlock()
	if !found || lock.nodePath == "" {
		return nil
	}
	err := c.conn.Delete(lock.nodePath, -1)
	if err != nil && err != zk.ErrNoNode {
		return fmt.Errorf("while releasing lock %q: %w", name, err)
	}
	return nil
}

// ReleaseLockWait releases a lock and verifies the release took
// effect, retrying up to wait times
func (c *Client) ReleaseLockWait(name string, wait int) error {
	if wait <= 0 {
		return c.ReleaseLock(name)
	}
	for attempt := 0; attempt < wait; attempt++ {
		if err := c.ReleaseLock(name); err != nil {
			log.Warning("Unable to release lock, retrying", "lock", name, "err", err)
		} else {
			holder, err := c.CurrentLockHolder(name)
			if err == nil && holder != c.ContenderName() {
				return nil
			}
		}
		time.Sleep(time.Second)
	}
	return fmt.Errorf("unable to release lock %q after %d attempts", name, wait)
}

// ReleaseIfHold releases a lock only when this client is among its
// holders
func (c *Client) ReleaseIfHold(name string, readLock bool) error {
	var holders []string
	if readLock {
		contenders, err := c.LockContenders(name)
		if err != nil {
			return err
		}
		holders = contenders
	} else {
		holder, err := c.CurrentLockHolder(name)
		if err != nil {
			return err
		}
		holders = []string{holder}
	}
	for _, holder := range holders {
		if holder == c.ContenderName() {
			return c.ReleaseLock(name)
		}
	}
	return nil
}
