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

// Package agent implements the "agent" subcommand, the per-host
// control loop daemon
package agent

import (
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/pgkeeper/pgkeeper/internal/cmd/common"
	"github.com/pgkeeper/pgkeeper/internal/controller"
	"github.com/pgkeeper/pgkeeper/pkg/fileutils"
	"github.com/pgkeeper/pgkeeper/pkg/log"
)

// NewCmd creates the "agent" subcommand
func NewCmd(flags *common.Flags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "agent",
		Short: "Run the per-host HA agent",
		RunE: func(cmd *cobra.Command, _ []string) error {
			config, err := flags.LoadConfig()
			if err != nil {
				return common.ExitCodeError{Code: 1, Err: err}
			}
			if err := common.SetupLogging(config); err != nil {
				return common.ExitCodeError{Code: 1, Err: err}
			}

			release, err := acquirePidFile(config.Global.PidFile)
			if err != nil {
				fmt.Fprintln(os.Stderr, "Already running!")
				return common.ExitCodeError{Code: 1, Err: err}
			}
			defer release()

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGTERM, os.Interrupt)
			defer stop()
			ctx = log.IntoContext(ctx, log.WithName("agent"))

			agent, err := controller.New(ctx, config)
			if err != nil {
				log.Error(err, "Agent startup failed")
				return common.ExitCodeError{Code: 1, Err: err}
			}
			if err := agent.Run(ctx); err != nil {
				log.Error(err, "Agent stopped on a fatal condition")
				return common.ExitCodeError{Code: 1, Err: err}
			}
			return nil
		},
	}
	return cmd
}

// acquirePidFile takes an exclusive pidfile, breaking a stale one
// whose process is gone
func acquirePidFile(path string) (func(), error) {
	if path == "" {
		return func() {}, nil
	}
	if contents, err := fileutils.ReadFile(path); err == nil && len(contents) > 0 {
		if pid, err := strconv.Atoi(string(contents)); err == nil {
			if process, err := os.FindProcess(pid); err == nil {
				if err := process.Signal(syscall.Signal(0)); err == nil {
					return nil, fmt.Errorf("pidfile %q is held by running process %d", path, pid)
				}
			}
		}
		// Stale pidfile, break it
		_ = os.Remove(path)
	}
	if _, err := fileutils.WriteStringToFile(path, strconv.Itoa(os.Getpid())); err != nil {
		return nil, fmt.Errorf("could not write pidfile %q: %w", path, err)
	}
	return func() { _ = os.Remove(path) }, nil
}
