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

// Package postgres is the typed query and control layer over the local
// PostgreSQL instance, built on a lazily reconnected libpq connection
// and the control command runner
package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/blang/semver"
	"github.com/lib/pq"

	"github.com/pgkeeper/pgkeeper/internal/configuration"
	"github.com/pgkeeper/pgkeeper/pkg/log"
	"github.com/pgkeeper/pgkeeper/pkg/management/command"
	pgtypes "github.com/pgkeeper/pgkeeper/pkg/postgres"
)

// DisabledArchiveCommand is the archive_command value used as an
// off-switch to keep a demoted primary from archiving diverging WAL
const DisabledArchiveCommand = "/bin/false"

// The connection errors that mean the service is up but not yet
// accepting connections
var (
	// ErrStartingUp is reported while the database starts
	ErrStartingUp = errors.New("the database system is starting up")
	// ErrShuttingDown is reported while the database stops
	ErrShuttingDown = errors.New("the database system is shutting down")
)

// cannotConnectNowCode is the SQLSTATE for both startup and shutdown
const cannotConnectNowCode = "57P03"

// Instance owns the local database connection and every operation
// against the local PostgreSQL. It is single-threaded like the control
// loop driving it.
type Instance struct {
	config *configuration.Data
	cmd    *command.Runner

	db *sql.DB

	// Role is the last observed role
	Role pgtypes.Role
	// PgData is the data directory, rediscovered on reconnection
	PgData string
	// PgVersion is the numeric server version
	PgVersion int

	// running is the last known service state, refreshed by Status
	running bool

	useLwaldump bool
}

// NewInstance builds the adapter, detecting the data directory offline
// and trying a first connection
func NewInstance(ctx context.Context, config *configuration.Data, cmd *command.Runner) *Instance {
	instance := &Instance{
		config:      config,
		cmd:         cmd,
		useLwaldump: config.Global.UseLwaldump || config.Global.QuorumCommit,
	}
	instance.offlineDetectPgData(ctx)
	instance.running = cmd.PostgresStatus(ctx, instance.PgData) == 0
	if err := instance.Reconnect(ctx); err != nil {
		log.Warning("Could not connect to the local PostgreSQL on startup", "err", err)
	}
	return instance
}

// localConnPort extracts the port from the configured local
// connection string, defaulting to 5432
func (instance *Instance) localConnPort() string {
	for _, param := range strings.Fields(instance.config.Global.LocalConnString) {
		if value, found := strings.CutPrefix(param, "port="); found {
			return value
		}
	}
	return "5432"
}

// offlineDetectPgData discovers the data directory and version from
// the cluster listing when the database cannot be queried
func (instance *Instance) offlineDetectPgData(ctx context.Context) {
	rows, err := instance.cmd.ListClusters(ctx)
	if err != nil {
		log.Error(err, "Could not list local clusters")
		return
	}
	neededPort := instance.localConnPort()
	found := false
	for _, row := range rows {
		fields := strings.Fields(row)
		if len(fields) < 6 {
			continue
		}
		version, port, pgState, pgdata := fields[0], fields[2], fields[3], fields[5]
		if port != neededPort {
			continue
		}
		if found {
			log.Error(nil, "Found more than one cluster on the local port", "port", neededPort)
			return
		}
		found = true
		instance.PgData = pgdata
		if strings.Contains(pgState, "recovery") {
			instance.Role = pgtypes.RoleReplica
		} else {
			instance.Role = pgtypes.RolePrimary
		}
		if major, err := parseMajorVersion(version); err == nil {
			instance.PgVersion = major
		}
	}
}

// Reconnect drops the current connection and establishes a fresh one,
// refreshing the cached role, version and data directory.
// A connection refused during startup or shutdown is reported as
// ErrStartingUp or ErrShuttingDown.
func (instance *Instance) Reconnect(ctx context.Context) error {
	if instance.db != nil {
		_ = instance.db.Close()
		instance.db = nil
	}
	if !instance.running {
		log.Error(nil, "PostgreSQL is dead, unable to reconnect")
		return nil
	}

	db, err := sql.Open("postgres", instance.config.Global.LocalConnString)
	if err != nil {
		return fmt.Errorf("while opening local connection: %w", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return classifyConnError(err)
	}
	instance.db = db

	instance.Role = instance.GetRole(ctx)
	if version, err := instance.getPgVersion(ctx); err == nil {
		instance.PgVersion = version
	}
	if pgdata, err := instance.getPgDataPath(ctx); err == nil {
		instance.PgData = pgdata
	}
	return nil
}

func classifyConnError(err error) error {
	var pqErr *pq.Error
	if errors.As(err, &pqErr) && string(pqErr.Code) == cannotConnectNowCode {
		if strings.Contains(pqErr.Message, "shutting down") {
			return ErrShuttingDown
		}
		return ErrStartingUp
	}
	message := err.Error()
	if strings.Contains(message, "starting up") {
		return ErrStartingUp
	}
	if strings.Contains(message, "shutting down") {
		return ErrShuttingDown
	}
	return err
}

// query runs a query on the local connection, reconnecting once when
// the connection went away
func (instance *Instance) query(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error) {
	if instance.db == nil {
		if err := instance.Reconnect(ctx); err != nil {
			return nil, err
		}
		if instance.db == nil {
			return nil, errors.New("local connection is dead")
		}
	}
	rows, err := instance.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classifyConnError(err)
	}
	return rows, nil
}

func (instance *Instance) queryScalar(ctx context.Context, query string, target interface{}) error {
	rows, err := instance.query(ctx, query)
	if err != nil {
		return err
	}
	defer func() {
		_ = rows.Close()
	}()
	if !rows.Next() {
		return sql.ErrNoRows
	}
	if err := rows.Scan(target); err != nil {
		return err
	}
	return rows.Err()
}

func (instance *Instance) exec(ctx context.Context, query string, args ...interface{}) error {
	rows, err := instance.query(ctx, query, args...)
	if err != nil {
		return err
	}
	return rows.Close()
}

// IsAlive tells whether the local database answers queries
func (instance *Instance) IsAlive(ctx context.Context) bool {
	alive, _ := instance.Status(ctx)
	return alive
}

// Status probes the local database. The second value is false during
// the transient starting-up and shutting-down windows.
func (instance *Instance) Status(ctx context.Context) (alive bool, terminal bool) {
	if instance.running {
		// Drop the current connection and establish a fresh one, so a
		// half-dead backend cannot answer for a dead service
		err := instance.Reconnect(ctx)
		if errors.Is(err, ErrStartingUp) || errors.Is(err, ErrShuttingDown) {
			return false, false
		}
		if err == nil && instance.db != nil {
			var fortyTwo int
			if err := instance.queryScalar(ctx, "SELECT 42", &fortyTwo); err == nil && fortyTwo == 42 {
				return true, true
			}
		}
		instance.running = instance.cmd.PostgresStatus(ctx, instance.PgData) == 0
		return false, true
	}
	instance.running = instance.cmd.PostgresStatus(ctx, instance.PgData) == 0
	return false, true
}

// MarkRunning overrides the cached service state, used after an
// explicit service start
func (instance *Instance) MarkRunning(running bool) {
	instance.running = running
}

// GetRole observes the role of the local database, RoleUnknown when
// it cannot be queried
func (instance *Instance) GetRole(ctx context.Context) pgtypes.Role {
	var inRecovery bool
	if err := instance.queryScalar(ctx, "SELECT pg_is_in_recovery()", &inRecovery); err != nil {
		return pgtypes.RoleUnknown
	}
	if inRecovery {
		return pgtypes.RoleReplica
	}
	return pgtypes.RolePrimary
}

func (instance *Instance) getPgVersion(ctx context.Context) (int, error) {
	var version int
	err := instance.queryScalar(ctx, "SHOW server_version_num", &version)
	return version, err
}

func (instance *Instance) getPgDataPath(ctx context.Context) (string, error) {
	var pgdata string
	err := instance.queryScalar(ctx, "SHOW data_directory", &pgdata)
	return pgdata, err
}

// ControlFileTimeline reads the latest checkpoint timeline from
// pg_controldata
func (instance *Instance) ControlFileTimeline(ctx context.Context) (int64, error) {
	value, err := instance.cmd.GetControlParameter(ctx, instance.PgData, "Latest checkpoint's TimeLineID")
	if err != nil {
		return 0, err
	}
	var timeline int64
	if _, err := fmt.Sscanf(value, "%d", &timeline); err != nil {
		return 0, fmt.Errorf("unexpected timeline value %q: %w", value, err)
	}
	return timeline, nil
}

// ControlFileClusterState reads the database cluster state from
// pg_controldata
func (instance *Instance) ControlFileClusterState(ctx context.Context) (string, error) {
	return instance.cmd.GetControlParameter(ctx, instance.PgData, "Database cluster state")
}

// ControlFileRedoLocation reads the latest checkpoint REDO LSN
func (instance *Instance) ControlFileRedoLocation(ctx context.Context) (string, error) {
	return instance.cmd.GetControlParameter(ctx, instance.PgData, "Latest checkpoint's REDO location")
}

// IsReadyForRewind tells whether pg_rewind can work on this data
// directory, which needs checksums or wal_log_hints
func (instance *Instance) IsReadyForRewind(ctx context.Context) bool {
	if value, err := instance.cmd.GetControlParameter(ctx, instance.PgData,
		"Data page checksum version"); err == nil && value != "" && value != "0" {
		log.Info("Checksums are enabled, host is ready for pg_rewind")
		return true
	}
	if value, err := instance.cmd.GetControlParameter(ctx, instance.PgData,
		"wal_log_hints setting"); err == nil && value == "on" {
		log.Info("Checksums are disabled but wal_log_hints is on, host is ready for pg_rewind")
		return true
	}
	log.Error(nil, "Checksums or wal_log_hints should be enabled for pg_rewind to work properly")
	return false
}

// CheckExtensionInstalled verifies an extension is present
func (instance *Instance) CheckExtensionInstalled(ctx context.Context, name string) bool {
	var count int
	err := instance.queryScalar(ctx,
		fmt.Sprintf("SELECT count(*) FROM pg_extension WHERE extname = %s", pq.QuoteLiteral(name)), &count)
	return err == nil && count == 1
}

// RecoveryConfPath is the managed recovery configuration location
func (instance *Instance) RecoveryConfPath() string {
	return filepath.Join(instance.PgData, instance.config.Global.RecoveryConfRelPath)
}

// WaitForPrimaryRole polls the role until the promotion settles
func (instance *Instance) WaitForPrimaryRole(ctx context.Context) bool {
	sleepTime := instance.config.IterationTimeout()
	for {
		role := instance.GetRole(ctx)
		if role == pgtypes.RolePrimary {
			return true
		}
		if role == pgtypes.RoleUnknown {
			return false
		}
		log.Info("Waiting to become primary", "sleep", sleepTime)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(sleepTime):
		}
	}
}

// parseMajorVersion understands both the bare major ("14") and the
// full ("14.9") forms printed by pg_lsclusters
func parseMajorVersion(version string) (int, error) {
	parsed, err := semver.ParseTolerant(version)
	if err != nil {
		return 0, err
	}
	return int(parsed.Major), nil
}
