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

// Package command runs the PostgreSQL and pooler control commands.
// Every command is a configured template where %p is replaced by the
// PGDATA path, %m by the primary host, %t by a timeout in seconds and
// %a by a free-form argument.
package command

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"

	"github.com/google/shlex"

	"github.com/pgkeeper/pgkeeper/internal/configuration"
	"github.com/pgkeeper/pgkeeper/pkg/log"
)

// Substitutions maps the placeholder characters to their values
type Substitutions map[byte]string

// Runner executes the configured control command templates
type Runner struct {
	commands configuration.CommandsConfiguration
}

// NewRunner builds a runner around the configured command set
func NewRunner(commands configuration.CommandsConfiguration) *Runner {
	return &Runner{commands: commands}
}

func substitute(template string, subs Substitutions) string {
	result := template
	for placeholder, value := range subs {
		result = strings.ReplaceAll(result, "%"+string(placeholder), value)
	}
	return result
}

// exec runs a substituted command template, logging the command by name
// and its output on failure. The returned code is the process exit code,
// or -1 when the process could not be spawned.
func (r *Runner) exec(ctx context.Context, name, template string, subs Substitutions) int {
	contextLogger := log.FromContext(ctx)

	commandLine := substitute(template, subs)
	args, err := shlex.Split(commandLine)
	if err != nil || len(args) == 0 {
		contextLogger.Error(err, "Invalid command template", "command", name, "commandLine", commandLine)
		return -1
	}

	contextLogger.Debug("Running command", "command", name, "commandLine", commandLine)
	cmd := exec.CommandContext(ctx, args[0], args[1:]...) // #nosec
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		if exitError, ok := err.(*exec.ExitError); ok {
			contextLogger.Warning("Command failed",
				"command", name,
				"exitCode", exitError.ExitCode(),
				"stdout", stdout.String(),
				"stderr", stderr.String())
			return exitError.ExitCode()
		}
		contextLogger.Error(err, "Could not run command", "command", name, "commandLine", commandLine)
		return -1
	}
	return 0
}

// output runs a substituted command template and returns its stdout
func (r *Runner) output(ctx context.Context, name, template string, subs Substitutions) (string, error) {
	contextLogger := log.FromContext(ctx)

	commandLine := substitute(template, subs)
	args, err := shlex.Split(commandLine)
	if err != nil || len(args) == 0 {
		return "", fmt.Errorf("invalid command template %q: %w", name, err)
	}

	cmd := exec.CommandContext(ctx, args[0], args[1:]...) // #nosec
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		contextLogger.Warning("Command failed",
			"command", name,
			"stdout", stdout.String(),
			"stderr", stderr.String())
		return "", fmt.Errorf("while running %q: %w", name, err)
	}
	return stdout.String(), nil
}

// Promote runs the promote command against the local data directory
func (r *Runner) Promote(ctx context.Context, pgdata string) int {
	return r.exec(ctx, "promote", r.commands.Promote, Substitutions{'p': pgdata})
}

// Rewind runs pg_rewind against a source primary
func (r *Runner) Rewind(ctx context.Context, pgdata, primaryHost string) int {
	return r.exec(ctx, "rewind", r.commands.Rewind, Substitutions{'p': pgdata, 'm': primaryHost})
}

// GetControlParameter runs pg_controldata and extracts a single
// parameter value from its output
func (r *Runner) GetControlParameter(ctx context.Context, pgdata, parameter string) (string, error) {
	out, err := r.output(ctx, "get_control_parameter", r.commands.GetControlParameter,
		Substitutions{'p': pgdata, 'a': parameter})
	if err != nil {
		return "", err
	}
	for _, line := range strings.Split(out, "\n") {
		if strings.HasPrefix(line, parameter+":") {
			return strings.TrimSpace(strings.TrimPrefix(line, parameter+":")), nil
		}
	}
	return "", fmt.Errorf("parameter %q not found in pg_controldata output", parameter)
}

// ListClusters returns the output rows of pg_lsclusters
func (r *Runner) ListClusters(ctx context.Context) ([]string, error) {
	out, err := r.output(ctx, "list_clusters", r.commands.ListClusters, nil)
	if err != nil {
		return nil, err
	}
	return strings.Split(strings.TrimRight(out, "\n"), "\n"), nil
}

// StartPostgres starts the local PostgreSQL service
func (r *Runner) StartPostgres(ctx context.Context, timeout int, pgdata string) int {
	return r.exec(ctx, "pg_start", r.commands.PgStart,
		Substitutions{'t': strconv.Itoa(timeout), 'p': pgdata})
}

// StopPostgres stops the local PostgreSQL service
func (r *Runner) StopPostgres(ctx context.Context, timeout int, pgdata string) int {
	return r.exec(ctx, "pg_stop", r.commands.PgStop,
		Substitutions{'t': strconv.Itoa(timeout), 'p': pgdata})
}

// PostgresStatus reports the exit code of the status command,
// zero meaning a running service
func (r *Runner) PostgresStatus(ctx context.Context, pgdata string) int {
	return r.exec(ctx, "pg_status", r.commands.PgStatus, Substitutions{'p': pgdata})
}

// ReloadPostgres asks the local PostgreSQL to reload its configuration
func (r *Runner) ReloadPostgres(ctx context.Context, pgdata string) int {
	return r.exec(ctx, "pg_reload", r.commands.PgReload, Substitutions{'p': pgdata})
}

// StartPooler starts the connection pooler service
func (r *Runner) StartPooler(ctx context.Context) int {
	return r.exec(ctx, "pooler_start", r.commands.PoolerStart, nil)
}

// StopPooler stops the connection pooler service
func (r *Runner) StopPooler(ctx context.Context) int {
	return r.exec(ctx, "pooler_stop", r.commands.PoolerStop, nil)
}

// PoolerStatus reports the exit code of the pooler status command,
// zero meaning a running service
func (r *Runner) PoolerStatus(ctx context.Context) int {
	return r.exec(ctx, "pooler_status", r.commands.PoolerStatus, nil)
}

// GenerateRecoveryConf regenerates the recovery configuration pointing
// the local instance at the given primary
func (r *Runner) GenerateRecoveryConf(ctx context.Context, filePath, primaryHost string) int {
	return r.exec(ctx, "generate_recovery_conf", r.commands.GenerateRecoveryConf,
		Substitutions{'p': filePath, 'm': primaryHost})
}
