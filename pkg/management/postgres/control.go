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
	"os"

	"github.com/pgkeeper/pgkeeper/pkg/fileutils"
	"github.com/pgkeeper/pgkeeper/pkg/log"
	pgtypes "github.com/pgkeeper/pgkeeper/pkg/postgres"
)

// ReplicationSlotsBackupDir is where the slot directory is parked
// around pg_rewind, which does not handle it
const ReplicationSlotsBackupDir = "/tmp/pgkeeper_replslots_backup"

func removeFile(path string) error {
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// StartPostgres starts the local PostgreSQL service
func (instance *Instance) StartPostgres(ctx context.Context) int {
	code := instance.cmd.StartPostgres(ctx, int(instance.config.Global.PostgresTimeout), instance.PgData)
	if code == 0 {
		instance.MarkRunning(true)
	}
	return code
}

// StopPostgres stops the local PostgreSQL service. Synchronous
// replication is dropped first: a sync primary with a dead standby
// cannot otherwise complete its shutdown checkpoint.
func (instance *Instance) StopPostgres(ctx context.Context) int {
	if instance.db != nil {
		if !instance.ChangeReplicationToAsync(ctx) {
			log.Warning("Could not disable synchronous replication before stopping")
		}
	}
	return instance.cmd.StopPostgres(ctx, int(instance.config.Global.PostgresTimeout), instance.PgData)
}

// PostgresStatus reports the service status exit code, zero for a
// running service
func (instance *Instance) PostgresStatus(ctx context.Context) int {
	return instance.cmd.PostgresStatus(ctx, instance.PgData)
}

// Reload asks PostgreSQL to reload its configuration
func (instance *Instance) Reload(ctx context.Context) bool {
	return instance.cmd.ReloadPostgres(ctx, instance.PgData) == 0
}

// Promote makes the local instance the new primary. WAL archiving is
// stopped around the promote so a failed attempt cannot push a wrong
// history file into the archive.
func (instance *Instance) Promote(ctx context.Context) bool {
	if !instance.StopArchivingWal(ctx) {
		log.Error(nil, "Could not stop archiving WAL before promote")
		return false
	}

	// Replay must be running for the promote to complete
	if err := instance.WalReplayResume(ctx); err != nil {
		log.Debug("Could not resume WAL replay before promote", "err", err)
	}

	promoted := instance.cmd.Promote(ctx, instance.PgData) == 0
	if promoted {
		if !instance.ResumeArchivingWal(ctx) {
			log.Error(nil, "Could not resume archiving WAL after promote")
		}
		instance.WaitForPrimaryRole(ctx)
	}
	return promoted
}

// Rewind runs pg_rewind against the given primary, parking the
// replication slot directory away and back since pg_rewind does not
// carry it over
func (instance *Instance) Rewind(ctx context.Context, primaryHost string) int {
	if instance.config.Global.UseReplicationSlots {
		if err := fileutils.CopyDir(
			instance.PgData+"/pg_replslot", ReplicationSlotsBackupDir); err != nil {
			log.Warning("Could not backup replication slots before rewinding, skipping it", "err", err)
		}
	}

	code := instance.cmd.Rewind(ctx, instance.PgData, primaryHost)

	if instance.config.Global.UseReplicationSlots && code == 0 {
		if exists, _ := fileutils.FileExists(ReplicationSlotsBackupDir); exists {
			if err := fileutils.CopyDir(
				ReplicationSlotsBackupDir, instance.PgData+"/pg_replslot"); err != nil {
				log.Warning("Could not restore replication slots after rewinding, skipping it", "err", err)
			}
		}
	}
	return code
}

// State is the snapshot of the local instance persisted in the cache
// file every tick and read back when the instance is dead
type State struct {
	Alive   bool         `json:"alive"`
	Running bool         `json:"running"`
	Role    pgtypes.Role `json:"role,omitempty"`

	PgVersion int    `json:"pg_version,omitempty"`
	PgData    string `json:"pgdata,omitempty"`
	Opened    bool   `json:"opened,omitempty"`

	Timeline    int64                     `json:"timeline,omitempty"`
	WalReceiver *pgtypes.WalReceiverInfo  `json:"wal_receiver,omitempty"`
	ReplicsInfo []pgtypes.ReplicaInfo     `json:"replics_info,omitempty"`
	Replication *pgtypes.ReplicationState `json:"replication_state,omitempty"`

	SessionsRatio float64 `json:"sessions_ratio,omitempty"`
	PrimaryFqdn   string  `json:"primary_fqdn,omitempty"`

	PrevState *State `json:"prev_state,omitempty"`
}

// GetState collects the full view of the local instance. The previous
// snapshot is loaded from the cache file, and the fresh one replaces
// it when the instance is alive.
func (instance *Instance) GetState(ctx context.Context, cache *StateCache, poolerOpened bool) *State {
	state := &State{PrevState: cache.Load()}

	alive, terminal := instance.Status(ctx)
	state.Alive = alive
	state.Running = instance.running || !terminal

	if !state.Alive {
		return state
	}

	state.Role = instance.GetRole(ctx)
	instance.Role = state.Role
	if version, err := instance.getPgVersion(ctx); err == nil {
		state.PgVersion = version
	}
	if pgdata, err := instance.getPgDataPath(ctx); err == nil {
		state.PgData = pgdata
	}
	state.Opened = poolerOpened
	if timeline, err := instance.ControlFileTimeline(ctx); err == nil {
		state.Timeline = timeline
	}
	if walReceiver, err := instance.GetWalReceiverInfo(ctx); err == nil {
		state.WalReceiver = walReceiver
	}

	switch state.Role {
	case pgtypes.RolePrimary:
		if infos, err := instance.GetReplicsInfo(ctx, pgtypes.RolePrimary); err == nil {
			state.ReplicsInfo = infos
		}
		if replication, err := instance.GetReplicationState(ctx); err == nil {
			state.Replication = &replication
		}
		if ratio, err := instance.GetSessionsRatio(ctx); err == nil {
			state.SessionsRatio = ratio
		}
	case pgtypes.RoleReplica:
		state.PrimaryFqdn = instance.GetPrimaryFqdn()
		if infos, err := instance.GetReplicsInfo(ctx, pgtypes.RoleReplica); err == nil {
			state.ReplicsInfo = infos
		}
	}

	// The instance could have died while we were collecting all of
	// the above; report what the last probe saw
	state.Alive = instance.IsAlive(ctx)

	if state.Alive {
		cache.Store(state)
	}
	return state
}
