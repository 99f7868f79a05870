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

// Package common holds what every pgkeeper subcommand shares: the
// configuration plumbing, the coordination client construction and
// the exit code convention
package common

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pgkeeper/pgkeeper/internal/configuration"
	"github.com/pgkeeper/pgkeeper/pkg/dcs"
	"github.com/pgkeeper/pgkeeper/pkg/hostutil"
	"github.com/pgkeeper/pgkeeper/pkg/log"
)

// ExitCodeError carries a process exit code through the cobra error
// path
type ExitCodeError struct {
	Code int
	Err  error
}

// Error implements the error interface
func (e ExitCodeError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("exit code %d", e.Code)
	}
	return e.Err.Error()
}

// Unwrap exposes the wrapped error
func (e ExitCodeError) Unwrap() error {
	return e.Err
}

// Flags are the root-level overrides shared by every subcommand
type Flags struct {
	ConfigFile   string
	LogLevel     string
	WorkingDir   string
	ZkHosts      string
	ZkPrefix     string
}

// LoadConfig reads the configuration file and applies the root flag
// overrides
func (f *Flags) LoadConfig() (*configuration.Data, error) {
	config, err := configuration.Load(f.ConfigFile)
	if err != nil {
		return nil, err
	}
	if f.LogLevel != "" {
		config.Global.LogLevel = f.LogLevel
	}
	if f.WorkingDir != "" {
		config.Global.WorkingDir = f.WorkingDir
	}
	if f.ZkHosts != "" {
		config.Global.ZkHosts = f.ZkHosts
	}
	if f.ZkPrefix != "" {
		config.Global.ZkLockpathPrefix = f.ZkPrefix
	}
	return config, nil
}

// SetupLogging installs the process logger at the configured level
func SetupLogging(config *configuration.Data) error {
	logger, err := log.NewLogger(config.Global.LogLevel)
	if err != nil {
		return err
	}
	log.SetLogger(logger)
	return nil
}

// NewZkClient builds a coordination client from the configuration.
// Out-of-band tools contend for locks as fqdn_pid so they can never be
// confused with the agent of the same host.
func NewZkClient(config *configuration.Data, sessionTimeout time.Duration, cliContender bool) (*dcs.Client, error) {
	contender := hostutil.Hostname()
	if cliContender {
		contender = fmt.Sprintf("%s_%d", contender, os.Getpid())
	}
	if sessionTimeout <= 0 {
		sessionTimeout = config.IterationTimeout()
	}
	pathPrefix := config.Global.ZkLockpathPrefix
	if pathPrefix == "" {
		pathPrefix = hostutil.LockpathPrefix(hostutil.Hostname())
	}
	return dcs.NewClient(dcs.Options{
		Hosts:                         config.ZkHostList(),
		PathPrefix:                    pathPrefix,
		SessionTimeout:                sessionTimeout,
		ContenderName:                 contender,
		Auth:                          config.Global.ZkAuth,
		Username:                      config.Global.ZkUsername,
		Password:                      config.Global.ZkPassword,
		SSL:                           config.Global.ZkSSL,
		CertFile:                      config.Global.CertFile,
		KeyFile:                       config.Global.KeyFile,
		CAFile:                        config.Global.CACert,
		VerifyCerts:                   config.Global.VerifyCerts,
		ReleaseLockAfterAcquireFailed: config.Global.ReleaseLockAfterAcquireFailed,
	})
}

// Confirm asks the operator to type the prompt word before a
// disruptive action
func Confirm(prompt string) error {
	fmt.Printf("type %q to continue: ", prompt)
	var answer string
	if _, err := fmt.Scanln(&answer); err != nil {
		return fmt.Errorf("there was no confirmation")
	}
	if !strings.EqualFold(answer, prompt) {
		return fmt.Errorf("there was no confirmation")
	}
	return nil
}
