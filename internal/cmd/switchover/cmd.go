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

// Package switchover implements the "switchover" subcommand seeding a
// planned switchover and optionally watching it complete
package switchover

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pgkeeper/pgkeeper/internal/cmd/common"
	"github.com/pgkeeper/pgkeeper/pkg/log"
	"github.com/pgkeeper/pgkeeper/pkg/switchover"
)

// NewCmd creates the "switchover" subcommand
func NewCmd(flags *common.Flags) *cobra.Command {
	var destination string
	var primary string
	var timeline int64
	var block bool
	var yes bool
	var reset bool
	var replicas int
	var timeout int

	cmd := &cobra.Command{
		Use:   "switchover",
		Short: "Perform a graceful switchover of the current primary",
		Long: "Perform a graceful switchover of the current primary. " +
			"The default is to autodetect its hostname and timeline; " +
			"the options below override the autodetection.",
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
			var timelinePtr *int64
			if cmd.Flags().Changed("timeline") {
				timelinePtr = &timeline
			}
			sw := switchover.New(zk, time.Duration(timeout)*time.Second,
				primary, timelinePtr, destination)

			if reset {
				if err := sw.Reset(ctx, true); err != nil {
					return common.ExitCodeError{Code: 1, Err: err}
				}
				return nil
			}

			if err := sw.ResolvePlan(ctx); err != nil {
				return common.ExitCodeError{Code: 1, Err: err}
			}
			plan := sw.Plan()
			log.Info("Planned switchover",
				"primary", plan.Primary, "timeline", plan.Timeline, "syncReplica", plan.SyncReplica)

			if !yes {
				if err := common.Confirm("yes"); err != nil {
					return common.ExitCodeError{Code: 1, Err: err}
				}
			}
			if !sw.IsPossible(ctx) {
				return common.ExitCodeError{Code: 1,
					Err: fmt.Errorf("switchover is impossible now")}
			}
			done, err := sw.Perform(ctx, replicas, block)
			if err != nil {
				return common.ExitCodeError{Code: 1, Err: err}
			}
			if !done {
				return common.ExitCodeError{Code: 2,
					Err: fmt.Errorf("switchover did not complete")}
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&destination, "destination", "d", "", "Host to switch to")
	cmd.Flags().StringVar(&primary, "primary", "", "Override the current primary hostname")
	cmd.Flags().Int64Var(&timeline, "timeline", 0, "Override the current primary timeline")
	cmd.Flags().BoolVarP(&block, "block", "b", false,
		"Block until the switchover completes or fails")
	cmd.Flags().BoolVarP(&yes, "yes", "y", false,
		"Do not ask confirmation before proceeding")
	cmd.Flags().BoolVarP(&reset, "reset", "r", false,
		"Reset the switchover state (potentially disruptive)")
	cmd.Flags().IntVar(&replicas, "replicas", 2,
		"In blocking mode, wait until this number of replicas come online")
	cmd.Flags().IntVarP(&timeout, "timeout", "t", 60,
		"Limit each step to this number of seconds")
	return cmd
}
