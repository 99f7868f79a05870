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

// Package maintenance implements the "maintenance" subcommand
// freezing and unfreezing the cluster automation
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pgkeeper/pgkeeper/internal/cmd/common"
	"github.com/pgkeeper/pgkeeper/pkg/dcs"
	"github.com/pgkeeper/pgkeeper/pkg/log"
	"github.com/pgkeeper/pgkeeper/pkg/retry"
)

// NewCmd creates the "maintenance" subcommand
func NewCmd(flags *common.Flags) *cobra.Command {
	var mode string
	var waitAll bool
	var timeout int

	cmd := &cobra.Command{
		Use:   "maintenance",
		Short: "Enable or disable maintenance mode",
		RunE: func(cmd *cobra.Command, _ []string) error {
			config, err := flags.LoadConfig()
			if err != nil {
				return common.ExitCodeError{Code: 1, Err: err}
			}
			if err := common.SetupLogging(config); err != nil {
				return common.ExitCodeError{Code: 1, Err: err}
			}
			zk, err := common.NewZkClient(config, 0, true)
			if err != nil {
				return common.ExitCodeError{Code: 1, Err: err}
			}
			defer zk.Close()

			ctx := cmd.Context()
			waitTimeout := time.Duration(timeout) * time.Second

			switch mode {
			case "enable":
				if err := zk.EnsurePath(dcs.MaintenancePath); err != nil {
					return common.ExitCodeError{Code: 1, Err: err}
				}
				if err := zk.Set(dcs.MaintenancePath, dcs.MaintenanceEnable, false); err != nil {
					return common.ExitCodeError{Code: 1, Err: err}
				}
				if waitAll {
					return waitMaintenanceEnabled(ctx, zk, waitTimeout)
				}
			case "disable":
				if err := zk.Set(dcs.MaintenancePath, dcs.MaintenanceDisable, false); err != nil {
					return common.ExitCodeError{Code: 1, Err: err}
				}
				if waitAll {
					return waitMaintenanceDisabled(ctx, zk, waitTimeout)
				}
			case "show":
				value, found, err := zk.Get(dcs.MaintenancePath)
				if err != nil {
					return common.ExitCodeError{Code: 1, Err: err}
				}
				if !found || value == "" {
					value = dcs.MaintenanceDisable
				}
				fmt.Printf("%sd\n", value)
			default:
				return common.ExitCodeError{Code: 1,
					Err: fmt.Errorf("unknown maintenance mode %q", mode)}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&mode, "mode", "m", "enable",
		"Maintenance mode action: enable, disable or show")
	cmd.Flags().BoolVarP(&waitAll, "wait_all", "w", false,
		"Wait for every alive HA host to finish entering or leaving maintenance mode")
	cmd.Flags().IntVarP(&timeout, "timeout", "t", 300,
		"Timeout in seconds for the --wait_all option")
	return cmd
}

// maintenanceEnabled reports whether every alive host acknowledged
// the maintenance mode
func maintenanceEnabled(ctx context.Context, zk *dcs.Client) bool {
	for _, host := range zk.GetAliveHosts(ctx, time.Second, 0) {
		value, _, err := zk.Get(dcs.HostMaintenancePath(host))
		if err != nil || value != dcs.MaintenanceEnable {
			return false
		}
	}
	return true
}

func waitMaintenanceEnabled(ctx context.Context, zk *dcs.Client, timeout time.Duration) error {
	enabled := retry.Await(ctx, timeout, "enabling maintenance mode", func() bool {
		return maintenanceEnabled(ctx, zk)
	})
	if !enabled {
		// Return the cluster to its last state
		_ = zk.Set(dcs.MaintenancePath, dcs.MaintenanceDisable, false)
		return common.ExitCodeError{Code: 1,
			Err: fmt.Errorf("timed out waiting for maintenance mode to be enabled")}
	}
	log.Info("Success")
	return nil
}

func waitMaintenanceDisabled(ctx context.Context, zk *dcs.Client, timeout time.Duration) error {
	disabled := retry.Await(ctx, timeout, "disabling maintenance mode", func() bool {
		_, found, err := zk.Get(dcs.MaintenancePath)
		return err == nil && !found
	})
	if !disabled {
		// Return the cluster to its last state; a race with the primary
		// deleting the tree is possible, the long timeout papers over it
		_ = zk.Set(dcs.MaintenancePath, dcs.MaintenanceEnable, false)
		return common.ExitCodeError{Code: 1,
			Err: fmt.Errorf("timed out waiting for maintenance mode to be disabled")}
	}
	log.Info("Success")
	return nil
}
