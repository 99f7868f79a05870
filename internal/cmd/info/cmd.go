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

// Package info implements the "info" subcommand rendering the cluster
// state as seen through the coordination service
package info

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	"github.com/cheynewallace/tabby"
	"github.com/logrusorgru/aurora/v3"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/pgkeeper/pgkeeper/internal/cmd/common"
	"github.com/pgkeeper/pgkeeper/pkg/dcs"
	"github.com/pgkeeper/pgkeeper/pkg/fileutils"
	pgmgmt "github.com/pgkeeper/pgkeeper/pkg/management/postgres"
)

// NewCmd creates the "info" subcommand
func NewCmd(flags *common.Flags) *cobra.Command {
	var short bool
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "info",
		Short: "Show cluster information",
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

			zkState, err := zk.GetState()
			if err != nil {
				return common.ExitCodeError{Code: 1, Err: err}
			}

			if short && !jsonOutput {
				printShortTable(zkState)
				return nil
			}

			var payload interface{}
			if short {
				payload = shortView(zkState)
			} else {
				payload = fullView(config.Global.WorkingDir, zkState)
			}
			if jsonOutput {
				contents, err := json.MarshalIndent(payload, "", "    ")
				if err != nil {
					return common.ExitCodeError{Code: 1, Err: err}
				}
				fmt.Println(string(contents))
				return nil
			}
			contents, err := yaml.Marshal(payload)
			if err != nil {
				return common.ExitCodeError{Code: 1, Err: err}
			}
			fmt.Print(string(contents))
			return nil
		},
	}
	cmd.Flags().BoolVarP(&short, "short", "s", false, "Short output")
	cmd.Flags().BoolVarP(&jsonOutput, "json", "j", false, "Show output in JSON format")
	return cmd
}

func shortView(zkState *dcs.State) map[string]interface{} {
	replics := map[string]string{}
	for _, replica := range zkState.ReplicsInfo {
		replics[replica.ClientHostname] = fmt.Sprintf("%s, sync_state %s, replay_lag_msec %d",
			replica.State, replica.SyncState, replica.ReplayLagMsec)
	}
	var maintenance interface{}
	if zkState.Maintenance.Status != "" {
		maintenance = zkState.Maintenance
	}
	return map[string]interface{}{
		"alive":              zkState.Alive,
		"primary":            zkState.LockHolder,
		"last_failover_time": zkState.LastFailoverTime,
		"maintenance":        maintenance,
		"replics_info":       replics,
	}
}

func fullView(workingDir string, zkState *dcs.State) map[string]interface{} {
	result := map[string]interface{}{
		"zk_state": zkState,
	}
	cacheFile := filepath.Join(workingDir, pgmgmt.StateCacheFileName)
	if contents, err := fileutils.ReadFile(cacheFile); err == nil && contents != nil {
		var dbState map[string]interface{}
		if err := json.Unmarshal(contents, &dbState); err == nil {
			for key, value := range dbState {
				result[key] = value
			}
		}
	}
	return result
}

func printShortTable(zkState *dcs.State) {
	t := tabby.New()
	primary := zkState.LockHolder
	if primary == "" {
		t.AddLine("primary", aurora.Red("none").String())
	} else {
		t.AddLine("primary", aurora.Green(primary).String())
	}
	maintenance := zkState.Maintenance.Status
	if maintenance == "" {
		maintenance = "disabled"
	}
	t.AddLine("maintenance", maintenance)
	if zkState.Timeline != nil {
		t.AddLine("timeline", *zkState.Timeline)
	}
	t.AddLine("")
	t.AddHeader("REPLICA", "STATE", "SYNC STATE", "REPLAY LAG MS")
	for _, replica := range zkState.ReplicsInfo {
		syncState := replica.SyncState
		if syncState == "sync" || syncState == "quorum" {
			syncState = aurora.Green(syncState).String()
		}
		t.AddLine(replica.ClientHostname, replica.State, syncState, replica.ReplayLagMsec)
	}
	t.Print()
}
