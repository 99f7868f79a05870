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

package replication

import (
	"context"

	"github.com/pgkeeper/pgkeeper/pkg/dcs"
	"github.com/pgkeeper/pgkeeper/pkg/hostutil"
	"github.com/pgkeeper/pgkeeper/pkg/log"
	pgmgmt "github.com/pgkeeper/pgkeeper/pkg/management/postgres"
	pgtypes "github.com/pgkeeper/pgkeeper/pkg/postgres"
)

// SingleSyncManager keeps exactly one synchronous replica, elected
// through the sync_replica lock
type SingleSyncManager struct {
	base
}

// InitDCS needs nothing for the single-sync variant
func (m *SingleSyncManager) InitDCS() bool {
	return true
}

// ShouldClose keeps the primary open after a session loss only while
// the synchronous replica kept reporting past the loss
func (m *SingleSyncManager) ShouldClose(ctx context.Context) bool {
	connected, err := m.freshReplicsCount(ctx, pgtypes.SyncStateSync)
	if err != nil {
		log.Error(err, "Error while checking for close conditions")
		return true
	}
	replState, err := m.db.GetReplicationState(ctx)
	if err != nil {
		log.Error(err, "Error while checking for close conditions")
		return true
	}
	if replState.Type == pgtypes.ReplicationAsync {
		return false
	}
	log.Info("Probably lost the coordination session, checking the need to close",
		"connectedSyncReplicas", connected)
	return connected < 1
}

// UpdateReplicationType reconciles synchronous_standby_names with the
// wanted mode and the sync_replica lock holder
func (m *SingleSyncManager) UpdateReplicationType(
	ctx context.Context,
	dbState *pgmgmt.State,
	haReplicas []string,
) {
	holderFqdn, err := m.zk.CurrentLockHolder(dcs.SyncReplicaLockPath)
	if err != nil {
		log.Error(err, "Could not read the sync replica lock holder")
		return
	}
	if holderFqdn == m.hostname {
		log.Info("We are primary but holding the sync replica lock, releasing it now")
		if err := m.zk.ReleaseLock(dcs.SyncReplicaLockPath); err != nil {
			log.Error(err, "Could not release the sync replica lock")
		}
		return
	}

	current, err := m.db.GetReplicationState(ctx)
	if err != nil {
		log.Error(err, "Could not read the current replication state")
		return
	}
	log.Info("Current replication type", "type", current.Type, "names", current.Names)
	needed := NeededReplicationType(m.config, DecisionInputs{
		ReplicsInfo:   dbState.ReplicsInfo,
		HAReplicas:    haReplicas,
		SessionsRatio: dbState.SessionsRatio,
	})
	log.Info("Needed replication type", "type", needed)

	if needed == pgtypes.ReplicationAsync {
		if current.Type == pgtypes.ReplicationAsync {
			log.Debug("No replication type change needed")
			m.resetAsyncDamping()
			return
		}
		if !m.asyncDampingExpired() {
			log.Info("Delaying the switch to asynchronous replication")
			return
		}
		m.ChangeReplicationToAsync(ctx)
		m.resetAsyncDamping()
		return
	}
	m.resetAsyncDamping()

	if holderFqdn == "" {
		log.Error(nil, "Sync replication requires an explicit lock holder but no one holds the lock now")
		return
	}

	if current.Type == pgtypes.ReplicationSync && current.Names == hostutil.AppName(holderFqdn) {
		log.Debug("No replication type change needed")
		// A walsender can keep a stale sync seat after the holder
		// changed (upstream bug 15617)
		m.db.CheckWalsender(ctx, dbState.ReplicsInfo, holderFqdn)
		return
	}
	log.Info("Turning synchronous replication on", "standby", holderFqdn)
	if m.db.ChangeReplicationToSyncHost(ctx, holderFqdn) {
		log.Info("Turned synchronous replication ON")
	}
}

// ChangeReplicationToAsync turns synchronous replication off, first
// rewriting the published replica view so a partition-isolated sync
// replica cannot keep believing it is synchronous
func (m *SingleSyncManager) ChangeReplicationToAsync(ctx context.Context) bool {
	log.Warning("Killing synchronous replication")
	if !m.resetSyncReplicationInDCS() {
		log.Warning("Unable to reset the published replication status to async")
		log.Warning("Killing synchronous replication is impossible")
		return false
	}
	if m.db.ChangeReplicationToAsync(ctx) {
		log.Info("Turned synchronous replication OFF")
		return true
	}
	return false
}

// resetSyncReplicationInDCS rewrites replics_info demoting every sync
// entry to async. There is a race between turning sync replication off
// locally and the next publication of replics_info; a replica reading
// the stale view during a partition could wrongly deem itself
// promotable.
func (m *SingleSyncManager) resetSyncReplicationInDCS() bool {
	var infos []pgtypes.ReplicaInfo
	found, err := m.zk.GetJSON(dcs.ReplicsInfoPath, &infos)
	if err != nil || !found {
		return false
	}
	for i := range infos {
		if infos[i].SyncState == pgtypes.SyncStateSync {
			infos[i].SyncState = pgtypes.SyncStateAsync
		}
	}
	return m.zk.SetJSON(dcs.ReplicsInfoPath, infos, true) == nil
}

// EnterSyncGroup contends for the sync_replica lock according to the
// replica priorities
func (m *SingleSyncManager) EnterSyncGroup(ctx context.Context, replicaInfos []pgtypes.ReplicaInfo) {
	holder, err := m.zk.CurrentLockHolder(dcs.SyncReplicaLockPath)
	if err != nil {
		log.Error(err, "Could not read the sync replica lock holder")
		return
	}
	if holder == "" {
		_ = m.zk.AcquireLock(ctx, dcs.SyncReplicaLockPath, false, 0)
		return
	}

	if holder == m.hostname {
		contenders, err := m.zk.LockContenders(dcs.SyncReplicaLockPath)
		if err == nil && len(contenders) > 1 {
			log.Info("We hold the sync replica lock but a higher priority host is alive, releasing it",
				"next", contenders[1])
			if err := m.zk.ReleaseLock(dcs.SyncReplicaLockPath); err != nil {
				log.Error(err, "Could not release the sync replica lock")
			}
		}
		return
	}

	if m.isPriorityReplica(replicaInfos, holder) {
		log.Info("We have a higher priority than the current synchronous replica, contending for the lock")
		_ = m.zk.AcquireLock(ctx, dcs.SyncReplicaLockPath, true, 0)
	}
}

// LeaveSyncGroup drops the sync_replica lock when held
func (m *SingleSyncManager) LeaveSyncGroup(ctx context.Context) {
	if err := m.zk.ReleaseIfHold(dcs.SyncReplicaLockPath, false); err != nil {
		log.Error(err, "Could not leave the sync group")
	}
}

// isPriorityReplica tells whether we are an asynchronous replica with
// a higher priority than the current lock holder
func (m *SingleSyncManager) isPriorityReplica(
	replicaInfos []pgtypes.ReplicaInfo,
	syncReplicaLockHolder string,
) bool {
	if syncReplicaLockHolder == "" {
		return false
	}
	myAppName := hostutil.AppName(m.hostname)
	for _, replica := range replicaInfos {
		if replica.ApplicationName != myAppName {
			continue
		}
		if replica.SyncState != pgtypes.SyncStateAsync {
			return false
		}
	}

	syncPriority, found, err := m.zk.GetInt(dcs.MemberPrioPath(syncReplicaLockHolder))
	if err != nil || !found {
		syncPriority = 0
	}
	return int64(m.config.Global.Priority) > syncPriority
}

// IsPromoteSafe requires the published sync replica to belong to the
// candidate host group
func (m *SingleSyncManager) IsPromoteSafe(
	ctx context.Context,
	hostGroup []string,
	replicaInfos []pgtypes.ReplicaInfo,
) bool {
	syncReplica := m.GetEnsuredSyncReplica(ctx, replicaInfos)
	log.Info("Ensured sync replica", "host", syncReplica)
	if syncReplica == "" {
		return false
	}
	for _, host := range hostGroup {
		if host == syncReplica {
			return true
		}
	}
	return false
}

// GetEnsuredSyncReplica names the host whose walsender reports the
// sync state
func (m *SingleSyncManager) GetEnsuredSyncReplica(
	ctx context.Context,
	replicaInfos []pgtypes.ReplicaInfo,
) string {
	haHosts, err := m.zk.GetHAHosts()
	if err != nil {
		return ""
	}
	appNameMap := hostutil.AppNameMap(haHosts)
	for _, replica := range replicaInfos {
		if replica.SyncState == pgtypes.SyncStateSync {
			return appNameMap[replica.ApplicationName]
		}
	}
	return ""
}
