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

package postgres

import (
	"context"
	"fmt"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/lib/pq"

	"github.com/pgkeeper/pgkeeper/pkg/fileutils"
	"github.com/pgkeeper/pgkeeper/pkg/hostutil"
	"github.com/pgkeeper/pgkeeper/pkg/log"
	"github.com/pgkeeper/pgkeeper/pkg/retry"
)

var primaryConninfoHostRegexp = regexp.MustCompile(`host=([\w\-.]*)`)

// GetParameter reads a single configuration parameter through SHOW
func (instance *Instance) GetParameter(ctx context.Context, param string) (string, error) {
	var value string
	err := instance.queryScalar(ctx, fmt.Sprintf("SHOW %s", pq.QuoteIdentifier(param)), &value)
	return value, err
}

// alterSystemSetParam changes a parameter with ALTER SYSTEM, reloads
// the configuration and waits until the change is visible
func (instance *Instance) alterSystemSetParam(ctx context.Context, param, value string, reset bool) bool {
	contextLogger := log.FromContext(ctx)

	var awaitFunc func() bool
	var awaitMessage string
	if reset {
		prevValue, err := instance.GetParameter(ctx, param)
		if err != nil {
			contextLogger.Error(err, "Could not read parameter before reset", "param", param)
			return false
		}
		contextLogger.Debug("Resetting parameter with ALTER SYSTEM", "param", param)
		if err := instance.exec(ctx, fmt.Sprintf(
			"ALTER SYSTEM RESET %s", pq.QuoteIdentifier(param))); err != nil {
			contextLogger.Error(err, "ALTER SYSTEM RESET failed", "param", param)
			return false
		}
		awaitFunc = func() bool {
			current, err := instance.GetParameter(ctx, param)
			return err == nil && current != prevValue
		}
		awaitMessage = fmt.Sprintf("%s is reset after reload", param)
	} else {
		contextLogger.Debug("Setting parameter with ALTER SYSTEM", "param", param, "value", value)
		if err := instance.exec(ctx, fmt.Sprintf(
			"ALTER SYSTEM SET %s TO %s", pq.QuoteIdentifier(param), pq.QuoteLiteral(value))); err != nil {
			contextLogger.Error(err, "ALTER SYSTEM SET failed", "param", param)
			return false
		}
		awaitFunc = func() bool {
			current, err := instance.GetParameter(ctx, param)
			return err == nil && current == value
		}
		awaitMessage = fmt.Sprintf("%s is set to %s after reload", param, value)
	}

	if instance.cmd.ReloadPostgres(ctx, instance.PgData) != 0 {
		contextLogger.Debug("Reload has failed, not waiting for the parameter change", "param", param)
		return false
	}
	return retry.Await(ctx, instance.config.PostgresTimeout(), awaitMessage, awaitFunc)
}

// ChangeReplicationToAsync empties synchronous_standby_names
func (instance *Instance) ChangeReplicationToAsync(ctx context.Context) bool {
	return instance.changeReplicationType(ctx, "")
}

// ChangeReplicationToSyncHost names a single synchronous standby
func (instance *Instance) ChangeReplicationToSyncHost(ctx context.Context, hostFqdn string) bool {
	return instance.changeReplicationType(ctx, hostutil.AppName(hostFqdn))
}

// ChangeReplicationToQuorum installs an ANY q(...) standby set over
// the given replica list
func (instance *Instance) ChangeReplicationToQuorum(ctx context.Context, replicaList []string) bool {
	quorumSize := (len(replicaList) + 1) / 2
	appNames := make([]string, 0, len(replicaList))
	for _, host := range replicaList {
		appNames = append(appNames, hostutil.AppName(host))
	}
	return instance.changeReplicationType(ctx,
		fmt.Sprintf("ANY %d(%s)", quorumSize, strings.Join(appNames, ",")))
}

func (instance *Instance) changeReplicationType(ctx context.Context, synchronousStandbyNames string) bool {
	return instance.alterSystemSetParam(ctx, "synchronous_standby_names", synchronousStandbyNames, false)
}

// EnsureArchiveMode verifies WAL archiving is configured at all
func (instance *Instance) EnsureArchiveMode(ctx context.Context) bool {
	archiveMode, err := instance.GetParameter(ctx, "archive_mode")
	if err != nil {
		return false
	}
	return archiveMode != "off"
}

// EnsureArchivingWal re-enables the archive command when it was left
// on the off-switch, either live or in postgresql.auto.conf
func (instance *Instance) EnsureArchivingWal(ctx context.Context) {
	archiveCommand, err := instance.GetParameter(ctx, "archive_command")
	if err == nil && archiveCommand == DisabledArchiveCommand {
		log.Info("Archive command was disabled, enabling it")
		instance.ResumeArchivingWal(ctx)
	}
	autoConf, err := instance.readPostgresqlAutoConf()
	if err == nil && autoConf["archive_command"] == DisabledArchiveCommand {
		log.Info("Archive command was disabled in postgresql.auto.conf, resetting it")
		instance.ResumeArchivingWal(ctx)
	}
}

// StopArchivingWal flips the archive command to the off-switch
func (instance *Instance) StopArchivingWal(ctx context.Context) bool {
	return instance.alterSystemSetParam(ctx, "archive_command", DisabledArchiveCommand, false)
}

// ResumeArchivingWal resets the archive command to its configured value
func (instance *Instance) ResumeArchivingWal(ctx context.Context) bool {
	return instance.alterSystemSetParam(ctx, "archive_command", "", true)
}

// StopArchivingWalStopped flips the archive command to the off-switch
// while PostgreSQL is down, by rewriting postgresql.auto.conf
func (instance *Instance) StopArchivingWalStopped() bool {
	return instance.alterSystemStopped("archive_command", DisabledArchiveCommand)
}

func (instance *Instance) postgresqlAutoConfPath() string {
	return filepath.Join(instance.PgData, "postgresql.auto.conf")
}

func (instance *Instance) readPostgresqlAutoConf() (map[string]string, error) {
	contents, err := fileutils.ReadFile(instance.postgresqlAutoConfPath())
	if err != nil {
		return nil, err
	}
	config := make(map[string]string)
	for _, line := range strings.Split(string(contents), "\n") {
		if strings.HasPrefix(strings.TrimSpace(line), "#") || !strings.Contains(line, "=") {
			continue
		}
		parts := strings.SplitN(strings.TrimRight(line, "\n"), "=", 2)
		key := strings.TrimSpace(parts[0])
		value := strings.Trim(strings.TrimSpace(parts[1]), "'")
		config[key] = value
	}
	return config, nil
}

// alterSystemStopped sets a parameter by rewriting
// postgresql.auto.conf. Must only be called with PostgreSQL stopped;
// the change is temporary and a later ALTER SYSTEM will rewrite the
// whole file anyway.
func (instance *Instance) alterSystemStopped(param, value string) bool {
	config, err := instance.readPostgresqlAutoConf()
	if err != nil {
		log.Error(err, "Could not read postgresql.auto.conf")
		return false
	}
	if config[param] == value {
		log.Debug("Parameter already has the wanted value in postgresql.auto.conf",
			"param", param, "value", value)
		return true
	}
	log.Debug("Changing parameter in postgresql.auto.conf",
		"param", param, "from", config[param], "to", value)
	config[param] = value

	var builder strings.Builder
	builder.WriteString("# Do not edit this file manually!\n")
	builder.WriteString("# It will be overwritten by the ALTER SYSTEM command.\n")
	for key, v := range config {
		builder.WriteString(fmt.Sprintf("%s = '%s'\n", key, v))
	}
	if _, err := fileutils.WriteStringToFile(instance.postgresqlAutoConfPath(), builder.String()); err != nil {
		log.Error(err, "Could not rewrite postgresql.auto.conf")
		return false
	}
	return true
}

// GenerateRecoveryConf regenerates the recovery configuration against
// a new primary
func (instance *Instance) GenerateRecoveryConf(ctx context.Context, primaryHost string) int {
	return instance.cmd.GenerateRecoveryConf(ctx, instance.RecoveryConfPath(), primaryHost)
}

// RemoveRecoveryConf drops the managed recovery configuration
func (instance *Instance) RemoveRecoveryConf() error {
	exists, err := fileutils.FileExists(instance.RecoveryConfPath())
	if err != nil || !exists {
		return err
	}
	return removeFile(instance.RecoveryConfPath())
}

// GetPrimaryFqdn parses the current upstream out of the recovery
// configuration, empty when the instance follows nobody
func (instance *Instance) GetPrimaryFqdn() string {
	contents, err := fileutils.ReadFile(instance.RecoveryConfPath())
	if err != nil || contents == nil {
		return ""
	}
	for _, line := range strings.Split(string(contents), "\n") {
		if !strings.Contains(line, "primary_conninfo") {
			continue
		}
		if match := primaryConninfoHostRegexp.FindStringSubmatch(line); match != nil {
			return match[1]
		}
	}
	return ""
}
