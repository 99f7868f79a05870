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

// Package pooler starts, stops and probes the connection pooler
// sitting in front of the local PostgreSQL
package pooler

import (
	"context"
	"fmt"
	"net"

	"github.com/pgkeeper/pgkeeper/internal/configuration"
	"github.com/pgkeeper/pgkeeper/pkg/log"
	"github.com/pgkeeper/pgkeeper/pkg/management/command"
)

// Pooler wraps the pooler service control commands and the optional
// direct TCP reachability probe
type Pooler struct {
	config *configuration.Data
	cmd    *command.Runner
}

// NewPooler builds the pooler controller
func NewPooler(config *configuration.Data, cmd *command.Runner) *Pooler {
	return &Pooler{config: config, cmd: cmd}
}

// Status probes the pooler. The first value tells whether clients can
// reach it, the second whether the service itself runs.
func (p *Pooler) Status(ctx context.Context) (reachable bool, serviceRunning bool) {
	if p.config.Global.StandalonePooler {
		address := net.JoinHostPort(p.config.Global.PoolerAddr,
			fmt.Sprintf("%d", p.config.Global.PoolerPort))
		conn, err := net.DialTimeout("tcp", address, p.config.PoolerConnTimeout())
		if err == nil {
			_ = conn.Close()
			return true, true
		}
		return false, p.cmd.PoolerStatus(ctx) == 0
	}
	running := p.cmd.PoolerStatus(ctx) == 0
	return running, running
}

// Start brings the pooler up when it is not already running
func (p *Pooler) Start(ctx context.Context) bool {
	if p.cmd.PoolerStatus(ctx) == 0 {
		return true
	}
	log.Info("Starting pooler")
	return p.cmd.StartPooler(ctx) == 0
}

// Stop brings the pooler down when it is running
func (p *Pooler) Stop(ctx context.Context) bool {
	if p.cmd.PoolerStatus(ctx) != 0 {
		return true
	}
	log.Info("Stopping pooler")
	return p.cmd.StopPooler(ctx) == 0
}
