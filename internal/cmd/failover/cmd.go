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

// Package failover implements the "failover" subcommand operating on
// the failover state machine
package failover

import (
	"github.com/spf13/cobra"

	"github.com/pgkeeper/pgkeeper/internal/cmd/common"
	"github.com/pgkeeper/pgkeeper/pkg/switchover"
)

// NewCmd creates the "failover" subcommand
func NewCmd(flags *common.Flags) *cobra.Command {
	var reset bool

	cmd := &cobra.Command{
		Use:   "failover",
		Short: "Operations on the failover state",
		RunE: func(cmd *cobra.Command, _ []string) error {
			if !reset {
				return cmd.Help()
			}
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

			if err := switchover.NewFailover(zk).Reset(); err != nil {
				return common.ExitCodeError{Code: 1, Err: err}
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&reset, "reset", "r", false,
		"Reset the failover state (potentially disruptive)")
	return cmd
}
