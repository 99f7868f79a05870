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

// Package configuration contains the configuration of the agent, read
// from the YAML configuration file and from environment variables
package configuration

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pgkeeper/pgkeeper/pkg/log"
)

var configurationLog = log.WithName("configuration")

// DefaultConfigurationFile is where the agent looks for its
// configuration unless told otherwise
const DefaultConfigurationFile = "/etc/pgkeeper.yaml"

// GlobalConfiguration groups the settings shared by every role
type GlobalConfiguration struct {
	LogFile    string `yaml:"log_file" env:"PGKEEPER_LOG_FILE"`
	LogLevel   string `yaml:"log_level" env:"PGKEEPER_LOG_LEVEL"`
	PidFile    string `yaml:"pid_file" env:"PGKEEPER_PID_FILE"`
	WorkingDir string `yaml:"working_dir" env:"PGKEEPER_WORKING_DIR"`

	LocalConnString         string `yaml:"local_conn_string" env:"PGKEEPER_LOCAL_CONN_STRING"`
	AppendPrimaryConnString string `yaml:"append_primary_conn_string" env:"PGKEEPER_APPEND_PRIMARY_CONN_STRING"`

	IterationTimeout float64 `yaml:"iteration_timeout" env:"PGKEEPER_ITERATION_TIMEOUT"`

	ZkHosts           string  `yaml:"zk_hosts" env:"PGKEEPER_ZK_HOSTS"`
	ZkLockpathPrefix  string  `yaml:"zk_lockpath_prefix" env:"PGKEEPER_ZK_LOCKPATH_PREFIX"`
	ZkConnectMaxDelay float64 `yaml:"zk_connect_max_delay" env:"PGKEEPER_ZK_CONNECT_MAX_DELAY"`
	ZkAuth            bool    `yaml:"zk_auth" env:"PGKEEPER_ZK_AUTH"`
	ZkUsername        string  `yaml:"zk_username" env:"PGKEEPER_ZK_USERNAME"`
	ZkPassword        string  `yaml:"zk_password" env:"PGKEEPER_ZK_PASSWORD"`
	ZkSSL             bool    `yaml:"zk_ssl" env:"PGKEEPER_ZK_SSL"`
	CertFile          string  `yaml:"certfile" env:"PGKEEPER_CERTFILE"`
	KeyFile           string  `yaml:"keyfile" env:"PGKEEPER_KEYFILE"`
	CACert            string  `yaml:"ca_cert" env:"PGKEEPER_CA_CERT"`
	VerifyCerts       bool    `yaml:"verify_certs" env:"PGKEEPER_VERIFY_CERTS"`

	RecoveryConfRelPath string `yaml:"recovery_conf_rel_path" env:"PGKEEPER_RECOVERY_CONF_REL_PATH"`

	UseReplicationSlots     bool `yaml:"use_replication_slots" env:"PGKEEPER_USE_REPLICATION_SLOTS"`
	ReplicationSlotsPolling bool `yaml:"replication_slots_polling" env:"PGKEEPER_REPLICATION_SLOTS_POLLING"`
	DropSlotCountdown       int  `yaml:"drop_slot_countdown" env:"PGKEEPER_DROP_SLOT_COUNTDOWN"`

	MaxRewindRetries int     `yaml:"max_rewind_retries" env:"PGKEEPER_MAX_REWIND_RETRIES"`
	PostgresTimeout  float64 `yaml:"postgres_timeout" env:"PGKEEPER_POSTGRES_TIMEOUT"`

	ElectionTimeout float64 `yaml:"election_timeout" env:"PGKEEPER_ELECTION_TIMEOUT"`
	Priority        int     `yaml:"priority" env:"PGKEEPER_PRIORITY"`
	UpdatePrioInZk  bool    `yaml:"update_prio_in_zk" env:"PGKEEPER_UPDATE_PRIO_IN_ZK"`

	StandalonePooler  bool    `yaml:"standalone_pooler" env:"PGKEEPER_STANDALONE_POOLER"`
	PoolerAddr        string  `yaml:"pooler_addr" env:"PGKEEPER_POOLER_ADDR"`
	PoolerPort        int     `yaml:"pooler_port" env:"PGKEEPER_POOLER_PORT"`
	PoolerConnTimeout float64 `yaml:"pooler_conn_timeout" env:"PGKEEPER_POOLER_CONN_TIMEOUT"`

	StreamFrom   string `yaml:"stream_from" env:"PGKEEPER_STREAM_FROM"`
	Autofailover bool   `yaml:"autofailover" env:"PGKEEPER_AUTOFAILOVER"`

	DoConsecutivePrimarySwitch bool `yaml:"do_consecutive_primary_switch" env:"PGKEEPER_DO_CONSECUTIVE_PRIMARY_SWITCH"`

	QuorumCommit bool `yaml:"quorum_commit" env:"PGKEEPER_QUORUM_COMMIT"`
	UseLwaldump  bool `yaml:"use_lwaldump" env:"PGKEEPER_USE_LWALDUMP"`

	MaxAllowedSwitchoverLagMs int64 `yaml:"max_allowed_switchover_lag_ms" env:"PGKEEPER_MAX_ALLOWED_SWITCHOVER_LAG_MS"`

	ReleaseLockAfterAcquireFailed bool `yaml:"release_lock_after_acquire_failed" env:"PGKEEPER_RELEASE_LOCK_AFTER_ACQUIRE_FAILED"`

	MetricsBindAddress string `yaml:"metrics_bind_address" env:"PGKEEPER_METRICS_BIND_ADDRESS"`
}

// PrimaryConfiguration groups the settings used when the local
// instance is the primary
type PrimaryConfiguration struct {
	ChangeReplicationType   bool    `yaml:"change_replication_type" env:"PGKEEPER_CHANGE_REPLICATION_TYPE"`
	ChangeReplicationMetric string  `yaml:"change_replication_metric" env:"PGKEEPER_CHANGE_REPLICATION_METRIC"`
	OverloadSessionsRatio   float64 `yaml:"overload_sessions_ratio" env:"PGKEEPER_OVERLOAD_SESSIONS_RATIO"`
	WeekdayChangeHours      string  `yaml:"weekday_change_hours" env:"PGKEEPER_WEEKDAY_CHANGE_HOURS"`
	WeekendChangeHours      string  `yaml:"weekend_change_hours" env:"PGKEEPER_WEEKEND_CHANGE_HOURS"`
	PrimarySwitchChecks     int     `yaml:"primary_switch_checks" env:"PGKEEPER_PRIMARY_SWITCH_CHECKS"`

	SyncReplicationInMaintenance bool `yaml:"sync_replication_in_maintenance" env:"PGKEEPER_SYNC_REPLICATION_IN_MAINTENANCE"`

	BeforeAsyncUnavailabilityTimeout float64 `yaml:"before_async_unavailability_timeout" env:"PGKEEPER_BEFORE_ASYNC_UNAVAILABILITY_TIMEOUT"`
}

// ReplicaConfiguration groups the settings used when the local
// instance is a replica
type ReplicaConfiguration struct {
	PrimaryUnavailabilityTimeout float64 `yaml:"primary_unavailability_timeout" env:"PGKEEPER_PRIMARY_UNAVAILABILITY_TIMEOUT"`
	StartPooler                  bool    `yaml:"start_pooler" env:"PGKEEPER_START_POOLER"`
	PrimarySwitchChecks          int     `yaml:"primary_switch_checks" env:"PGKEEPER_REPLICA_PRIMARY_SWITCH_CHECKS"`
	MinFailoverTimeout           float64 `yaml:"min_failover_timeout" env:"PGKEEPER_MIN_FAILOVER_TIMEOUT"`
	AllowPotentialDataLoss       bool    `yaml:"allow_potential_data_loss" env:"PGKEEPER_ALLOW_POTENTIAL_DATA_LOSS"`
	RecoveryTimeout              float64 `yaml:"recovery_timeout" env:"PGKEEPER_RECOVERY_TIMEOUT"`
	CanDelayed                   bool    `yaml:"can_delayed" env:"PGKEEPER_CAN_DELAYED"`
	PrimarySwitchRestart         bool    `yaml:"primary_switch_restart" env:"PGKEEPER_PRIMARY_SWITCH_RESTART"`
	CloseDetachedAfter           float64 `yaml:"close_detached_after" env:"PGKEEPER_CLOSE_DETACHED_AFTER"`
}

// CommandsConfiguration holds the shell command templates the agent
// substitutes and runs. Placeholders: %p pgdata, %m primary host,
// %t timeout, %a argument.
type CommandsConfiguration struct {
	Promote              string `yaml:"promote" env:"PGKEEPER_CMD_PROMOTE"`
	Rewind               string `yaml:"rewind" env:"PGKEEPER_CMD_REWIND"`
	GetControlParameter  string `yaml:"get_control_parameter" env:"PGKEEPER_CMD_GET_CONTROL_PARAMETER"`
	PgStart              string `yaml:"pg_start" env:"PGKEEPER_CMD_PG_START"`
	PgStop               string `yaml:"pg_stop" env:"PGKEEPER_CMD_PG_STOP"`
	PgStatus             string `yaml:"pg_status" env:"PGKEEPER_CMD_PG_STATUS"`
	PgReload             string `yaml:"pg_reload" env:"PGKEEPER_CMD_PG_RELOAD"`
	PoolerStart          string `yaml:"pooler_start" env:"PGKEEPER_CMD_POOLER_START"`
	PoolerStop           string `yaml:"pooler_stop" env:"PGKEEPER_CMD_POOLER_STOP"`
	PoolerStatus         string `yaml:"pooler_status" env:"PGKEEPER_CMD_POOLER_STATUS"`
	ListClusters         string `yaml:"list_clusters" env:"PGKEEPER_CMD_LIST_CLUSTERS"`
	GenerateRecoveryConf string `yaml:"generate_recovery_conf" env:"PGKEEPER_CMD_GENERATE_RECOVERY_CONF"`
}

// DebugConfiguration holds the settings only container tests use
type DebugConfiguration struct {
	ElectionLoserTimeout float64 `yaml:"election_loser_timeout" env:"PGKEEPER_ELECTION_LOSER_TIMEOUT"`
	PromoteCheckpointSQL string  `yaml:"promote_checkpoint_sql" env:"PGKEEPER_PROMOTE_CHECKPOINT_SQL"`
}

// Data is the whole agent configuration
type Data struct {
	Global   GlobalConfiguration   `yaml:"global"`
	Primary  PrimaryConfiguration  `yaml:"primary"`
	Replica  ReplicaConfiguration  `yaml:"replica"`
	Commands CommandsConfiguration `yaml:"commands"`
	Debug    DebugConfiguration    `yaml:"debug"`
}

// newDefaultConfig creates a configuration holding the defaults
func newDefaultConfig() *Data {
	return &Data{
		Global: GlobalConfiguration{
			LogFile:                       "/var/log/pgkeeper/pgkeeper.log",
			LogLevel:                      log.DebugLevelString,
			PidFile:                       "/var/run/pgkeeper/pgkeeper.pid",
			WorkingDir:                    ".",
			LocalConnString:               "dbname=postgres user=postgres connect_timeout=1",
			AppendPrimaryConnString:       "connect_timeout=1",
			IterationTimeout:              1.0,
			ZkHosts:                       "localhost:2181",
			ZkConnectMaxDelay:             60,
			RecoveryConfRelPath:           "conf.d/recovery.conf",
			MaxRewindRetries:              3,
			PostgresTimeout:               60,
			ElectionTimeout:               5,
			UpdatePrioInZk:                true,
			StandalonePooler:              true,
			PoolerAddr:                    "localhost",
			PoolerPort:                    6432,
			PoolerConnTimeout:             1,
			Autofailover:                  true,
			DropSlotCountdown:             300,
			MaxAllowedSwitchoverLagMs:     60000,
			ReleaseLockAfterAcquireFailed: true,
		},
		Primary: PrimaryConfiguration{
			ChangeReplicationType:            true,
			ChangeReplicationMetric:          "count,load",
			OverloadSessionsRatio:            75,
			WeekdayChangeHours:               "10-22",
			WeekendChangeHours:               "0-0",
			PrimarySwitchChecks:              3,
			SyncReplicationInMaintenance:     true,
			BeforeAsyncUnavailabilityTimeout: 15,
		},
		Replica: ReplicaConfiguration{
			PrimaryUnavailabilityTimeout: 5,
			StartPooler:                  true,
			PrimarySwitchChecks:          3,
			MinFailoverTimeout:           3600,
			RecoveryTimeout:              60,
			PrimarySwitchRestart:         true,
			CloseDetachedAfter:           300,
		},
		Commands: CommandsConfiguration{
			Promote:              "/usr/lib/postgresql/14/bin/pg_ctl promote -D %p",
			Rewind:               "/usr/lib/postgresql/14/bin/pg_rewind --target-pgdata=%p --source-server=host=%m connect_timeout=10",
			GetControlParameter:  "/usr/lib/postgresql/14/bin/pg_controldata %p",
			PgStart:              "sudo service postgresql start",
			PgStop:               "/usr/lib/postgresql/14/bin/pg_ctl stop -s -m fast -t %t -D %p",
			PgStatus:             "/usr/lib/postgresql/14/bin/pg_ctl status -D %p",
			PgReload:             "/usr/lib/postgresql/14/bin/pg_ctl reload -s -D %p",
			PoolerStart:          "sudo service pgbouncer start",
			PoolerStop:           "sudo service pgbouncer stop",
			PoolerStatus:         "sudo service pgbouncer status",
			ListClusters:         "pg_lsclusters --no-header",
			GenerateRecoveryConf: "/usr/local/bin/populate_recovery_conf -s -r -p %p %m",
		},
	}
}

// Load reads the configuration from a YAML file, when it exists,
// and overlays it with the environment
func Load(fileName string) (*Data, error) {
	config := newDefaultConfig()

	if fileName != "" {
		contents, err := os.ReadFile(fileName) // #nosec
		switch {
		case os.IsNotExist(err):
			configurationLog.Warning("Configuration file is missing, using defaults", "file", fileName)
		case err != nil:
			return nil, fmt.Errorf("while reading configuration file %q: %w", fileName, err)
		default:
			if err := yaml.Unmarshal(contents, config); err != nil {
				return nil, fmt.Errorf("while parsing configuration file %q: %w", fileName, err)
			}
		}
	}

	ReadEnvironment(config, EnvironmentSource{})

	if !config.Global.UseReplicationSlots && config.Global.ReplicationSlotsPolling {
		configurationLog.Warning(
			"Force disabling replication_slots_polling because use_replication_slots is disabled")
		config.Global.ReplicationSlotsPolling = false
	}

	return config, nil
}

// An EnvironmentResolver is anything able to resolve environment
// variables, allowing the tests to fake the process environment
type EnvironmentResolver interface {
	Getenv(name string) string
}

// EnvironmentSource reads the process environment
type EnvironmentSource struct{}

// Getenv resolves a variable against the process environment
func (EnvironmentSource) Getenv(name string) string {
	return os.Getenv(name)
}

// ReadEnvironment overlays the configuration with the values found in
// the environment, honoring the `env` tag of every leaf field
func ReadEnvironment(config *Data, env EnvironmentResolver) {
	readSection(reflect.ValueOf(config).Elem(), env)
}

func readSection(section reflect.Value, env EnvironmentResolver) {
	t := section.Type()
	for i := 0; i < t.NumField(); i++ {
		field := section.Field(i)
		if field.Kind() == reflect.Struct {
			readSection(field, env)
			continue
		}
		envName := t.Field(i).Tag.Get("env")
		if envName == "" {
			continue
		}
		value := env.Getenv(envName)
		if value == "" {
			continue
		}
		switch field.Kind() {
		case reflect.String:
			field.SetString(value)
		case reflect.Bool:
			if parsed, err := strconv.ParseBool(value); err == nil {
				field.SetBool(parsed)
			} else {
				configurationLog.Warning("Skipping invalid boolean environment variable",
					"name", envName, "value", value)
			}
		case reflect.Int, reflect.Int64:
			if parsed, err := strconv.ParseInt(value, 10, 64); err == nil {
				field.SetInt(parsed)
			} else {
				configurationLog.Warning("Skipping invalid integer environment variable",
					"name", envName, "value", value)
			}
		case reflect.Float64:
			if parsed, err := strconv.ParseFloat(value, 64); err == nil {
				field.SetFloat(parsed)
			} else {
				configurationLog.Warning("Skipping invalid float environment variable",
					"name", envName, "value", value)
			}
		}
	}
}

func seconds(value float64) time.Duration {
	return time.Duration(value * float64(time.Second))
}

// IterationTimeout is the tick length of the control loop
func (config *Data) IterationTimeout() time.Duration {
	return seconds(config.Global.IterationTimeout)
}

// PostgresTimeout bounds every PostgreSQL control operation
func (config *Data) PostgresTimeout() time.Duration {
	return seconds(config.Global.PostgresTimeout)
}

// ElectionTimeout bounds every phase of the failover election
func (config *Data) ElectionTimeout() time.Duration {
	return seconds(config.Global.ElectionTimeout)
}

// RecoveryTimeout bounds the wait for a replica to come back streaming
func (config *Data) RecoveryTimeout() time.Duration {
	return seconds(config.Replica.RecoveryTimeout)
}

// MinFailoverTimeout is the minimum pause between role transitions
func (config *Data) MinFailoverTimeout() time.Duration {
	return seconds(config.Replica.MinFailoverTimeout)
}

// PrimaryUnavailabilityTimeout is how long the primary must be silent
// before a failover may begin
func (config *Data) PrimaryUnavailabilityTimeout() time.Duration {
	return seconds(config.Replica.PrimaryUnavailabilityTimeout)
}

// CloseDetachedAfter is how long a DCS-detached replica stays open
func (config *Data) CloseDetachedAfter() time.Duration {
	return seconds(config.Replica.CloseDetachedAfter)
}

// BeforeAsyncUnavailabilityTimeout dampens sync-to-async flipping
func (config *Data) BeforeAsyncUnavailabilityTimeout() time.Duration {
	return seconds(config.Primary.BeforeAsyncUnavailabilityTimeout)
}

// ZkConnectMaxDelay caps the ZooKeeper connection retry backoff
func (config *Data) ZkConnectMaxDelay() time.Duration {
	return seconds(config.Global.ZkConnectMaxDelay)
}

// PoolerConnTimeout bounds the pooler reachability probe
func (config *Data) PoolerConnTimeout() time.Duration {
	return seconds(config.Global.PoolerConnTimeout)
}

// ZkHostList parses the comma-separated ensemble list
func (config *Data) ZkHostList() []string {
	var result []string
	for _, host := range strings.Split(config.Global.ZkHosts, ",") {
		if trimmed := strings.TrimSpace(host); trimmed != "" {
			result = append(result, trimmed)
		}
	}
	return result
}

// ElectionLoserTimeout is an artificial pause for election losers,
// only meaningful inside container tests
func (config *Data) ElectionLoserTimeout() time.Duration {
	return seconds(config.Debug.ElectionLoserTimeout)
}
