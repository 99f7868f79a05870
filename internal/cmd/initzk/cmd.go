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

// Package initzk implements the "initzk" subcommand populating or
// verifying the member registry
package initzk

import (
	"fmt"
	"net"
	"time"

	"github.com/spf13/cobra"

	"github.com/pgkeeper/pgkeeper/internal/cmd/common"
	"github.com/pgkeeper/pgkeeper/pkg/dcs"
	"github.com/pgkeeper/pgkeeper/pkg/log"
)

// The session timeout is raised here: initzk runs during cluster
// restores where the ensemble may answer slowly, and one second
// operations would flake
const initzkSessionTimeout = 5 * time.Second

// NewCmd creates the "initzk" subcommand
func NewCmd(flags *common.Flags) *cobra.Command {
	var test bool

	cmd := &cobra.Command{
		Use:   "initzk <fqdn>...",
		Short: "Define the coordination structures for the given members",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			for _, member := range args {
				if _, err := net.LookupHost(member); err != nil {
					return common.ExitCodeError{Code: 1,
						Err: fmt.Errorf("invalid hostname %q: %w", member, err)}
				}
			}

			config, err := flags.LoadConfig()
			if err != nil {
				return common.ExitCodeError{Code: 1, Err: err}
			}
			if err := common.SetupLogging(config); err != nil {
				return common.ExitCodeError{Code: 1, Err: err}
			}
			zk, err := common.NewZkClient(config, initzkSessionTimeout, true)
			if err != nil {
				return common.ExitCodeError{Code: 1, Err: err}
			}
			defer zk.Close()

			for _, member := range args {
				path := dcs.MemberPath(member)
				if test {
					log.Debug("Fetching member path", "path", path)
					exists, err := zk.Exists(path)
					if err != nil {
						return common.ExitCodeError{Code: 1, Err: err}
					}
					if !exists {
						log.Debug("Member path not found, initialization was not performed earlier",
							"path", path)
						return common.ExitCodeError{Code: 2,
							Err: fmt.Errorf("member %q is not initialized", member)}
					}
					continue
				}
				log.Debug("Creating member path", "path", path)
				if err := zk.EnsurePath(path); err != nil {
					return common.ExitCodeError{Code: 1,
						Err: fmt.Errorf("could not create path %q: %w", path, err)}
				}
			}
			if test {
				log.Debug("Initialization for all fqdns was performed earlier")
			} else {
				log.Debug("Coordination structures are initialized")
			}
			return nil
		},
	}
	cmd.Flags().BoolVarP(&test, "test", "t", false,
		"Check whether initialization had already been performed for the given hosts")
	return cmd
}
