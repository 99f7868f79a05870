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

// pgkeeper is the PostgreSQL automatic failover agent and its
// operator toolbox
package main

import (
	"errors"
	"os"

	"github.com/spf13/cobra"

	"github.com/pgkeeper/pgkeeper/internal/cmd/agent"
	"github.com/pgkeeper/pgkeeper/internal/cmd/common"
	"github.com/pgkeeper/pgkeeper/internal/cmd/failover"
	"github.com/pgkeeper/pgkeeper/internal/cmd/info"
	"github.com/pgkeeper/pgkeeper/internal/cmd/initzk"
	"github.com/pgkeeper/pgkeeper/internal/cmd/maintenance"
	"github.com/pgkeeper/pgkeeper/internal/cmd/resetall"
	"github.com/pgkeeper/pgkeeper/internal/cmd/switchover"
	"github.com/pgkeeper/pgkeeper/internal/configuration"
	"github.com/pgkeeper/pgkeeper/pkg/log"
)

func main() {
	flags := &common.Flags{}

	rootCmd := &cobra.Command{
		Use:           "pgkeeper",
		Short:         "Automatic failover of PostgreSQL clusters coordinated through ZooKeeper",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVarP(&flags.ConfigFile, "config", "c",
		configuration.DefaultConfigurationFile, "Path to the pgkeeper configuration file")
	rootCmd.PersistentFlags().StringVar(&flags.LogLevel, "log-level", "",
		"Override the configured log level")
	rootCmd.PersistentFlags().StringVarP(&flags.WorkingDir, "working-dir", "w", "",
		"Override the configured working directory")
	rootCmd.PersistentFlags().StringVar(&flags.ZkHosts, "zk", "",
		"Override the configured ZooKeeper connection string")
	rootCmd.PersistentFlags().StringVar(&flags.ZkPrefix, "zk-prefix", "",
		"Override the configured ZooKeeper path prefix")

	rootCmd.AddCommand(
		agent.NewCmd(flags),
		initzk.NewCmd(flags),
		maintenance.NewCmd(flags),
		switchover.NewCmd(flags),
		failover.NewCmd(flags),
		info.NewCmd(flags),
		resetall.NewCmd(flags),
	)

	if err := rootCmd.Execute(); err != nil {
		var exitCode common.ExitCodeError
		if errors.As(err, &exitCode) {
			if exitCode.Err != nil {
				log.Error(exitCode.Err, "Command failed")
			}
			os.Exit(exitCode.Code)
		}
		log.Error(err, "Command failed")
		os.Exit(1)
	}
}
