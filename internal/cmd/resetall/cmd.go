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

// Package resetall implements the destructive "reset-all" subcommand
// deleting every coordination node except the member registry
package resetall

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/pgkeeper/pgkeeper/internal/cmd/common"
	"github.com/pgkeeper/pgkeeper/pkg/dcs"
	"github.com/pgkeeper/pgkeeper/pkg/log"
)

// NewCmd creates the "reset-all" subcommand
func NewCmd(flags *common.Flags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "reset-all",
		Short: "Reset every coordination node except the member registry",
		RunE: func(cmd *cobra.Command, _ []string) error {
			config, err := flags.LoadConfig()
			if err != nil {
				return common.ExitCodeError{Code: 1, Err: err}
			}
			if err := common.SetupLogging(config); err != nil {
				return common.ExitCodeError{Code: 1, Err: err}
			}
			zk, err := common.NewZkClient(config, 5*time.Second, true)
			if err != nil {
				return common.ExitCodeError{Code: 1, Err: err}
			}
			defer zk.Close()

			log.Debug("Resetting all coordination nodes")
			nodes, err := zk.Children("")
			if err != nil {
				return common.ExitCodeError{Code: 1, Err: err}
			}
			for _, node := range nodes {
				if node == dcs.MembersPath {
					continue
				}
				log.Debug("Resetting node", "node", node)
				if err := zk.Delete(node, true); err != nil {
					return common.ExitCodeError{Code: 1,
						Err: fmt.Errorf("could not reset node %q: %w", node, err)}
				}
			}
			log.Debug("Coordination structures are reset")
			return nil
		},
	}
	return cmd
}
