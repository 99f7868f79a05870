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

// Package sdnotify implements the systemd readiness protocol over the
// NOTIFY_SOCKET datagram socket
package sdnotify

import (
	"fmt"
	"net"
	"os"
	"strings"

	"github.com/pgkeeper/pgkeeper/pkg/log"
)

// Notifier sends readiness and watchdog datagrams to systemd.
// A Notifier built without NOTIFY_SOCKET in the environment is
// disabled and every method is a no-op.
type Notifier struct {
	socketAddr string
}

// NewNotifier builds a notifier from the process environment
func NewNotifier() *Notifier {
	return &Notifier{socketAddr: os.Getenv("NOTIFY_SOCKET")}
}

// Enabled tells whether systemd asked to be notified
func (n *Notifier) Enabled() bool {
	return n.socketAddr != ""
}

func (n *Notifier) send(state string) {
	if !n.Enabled() {
		return
	}
	addr := n.socketAddr
	// Abstract sockets are advertised with a leading "@"
	if strings.HasPrefix(addr, "@") {
		addr = "\x00" + addr[1:]
	}
	conn, err := net.DialUnix("unixgram", nil, &net.UnixAddr{Name: addr, Net: "unixgram"})
	if err != nil {
		log.Debug("Cannot reach the systemd notify socket", "err", err)
		return
	}
	defer func() {
		_ = conn.Close()
	}()
	if _, err := conn.Write([]byte(state)); err != nil {
		log.Debug("Cannot notify systemd", "err", err)
	}
}

// Ready tells systemd the service finished starting up
func (n *Notifier) Ready() {
	n.send("READY=1")
}

// Watchdog pats the systemd watchdog
func (n *Notifier) Watchdog() {
	n.send("WATCHDOG=1")
}

// Status propagates a human-readable service status line
func (n *Notifier) Status(msg string) {
	n.send(fmt.Sprintf("STATUS=%s", msg))
}

// Error reports a failure, optionally with a status line
func (n *Notifier) Error(msg string) {
	if msg != "" {
		n.send(fmt.Sprintf("STATUS=%s\nWATCHDOG=trigger", msg))
		return
	}
	n.send("WATCHDOG=trigger")
}
