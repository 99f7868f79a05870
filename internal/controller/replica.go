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

package controller

import (
	"context"
	"time"

	"github.com/pgkeeper/pgkeeper/pkg/dcs"
	"github.com/pgkeeper/pgkeeper/pkg/hostutil"
	"github.com/pgkeeper/pgkeeper/pkg/log"
	pgmgmt "github.com/pgkeeper/pgkeeper/pkg/management/postgres"
	pgtypes "github.com/pgkeeper/pgkeeper/pkg/postgres"
)

// replicaIter is the tick of an HA replica
func (c *Controller) replicaIter(ctx context.Context, dbState *pgmgmt.State, zkState *dcs.State) {
	contextLogger := log.FromContext(ctx)

	myAppName := hostutil.AppName(c.hostname)
	c.removeStaleOperation(ctx, c.hostname)
	holder := zkState.LockHolder
	c.writeHostStat(ctx, dbState)

	if c.isSingleNode {
		contextLogger.Error(nil, "An HA replica should not exist inside a single node cluster")
		return
	}

	streaming := false
	for _, info := range zkState.ReplicsInfo {
		if info.ApplicationName == myAppName && info.State == pgtypes.ReplicaStateStreaming {
			streaming = true
		}
	}

	if c.detectReplicaSwitchover(ctx) {
		contextLogger.Warning("Planned switchover condition detected")
		c.replManager.EnterSyncGroup(ctx, zkState.ReplicsInfo)
		c.acceptSwitchover(ctx, holder, dbState.PrimaryFqdn)
		return
	}

	// No leader lock holder outside a switchover means the primary
	// has died
	if holder == "" {
		contextLogger.Error(nil,
			"According to the coordination service the primary died, verifying and trying failover")
		c.acceptFailover(ctx, zkState)
		return
	}

	c.checks.failover = 0

	if holder != dbState.PrimaryFqdn && holder != c.hostname {
		c.replManager.LeaveSyncGroup(ctx)
		c.changePrimary(ctx, dbState, holder)
		return
	}
	c.acquireReplicationSourceSlotLock(ctx, holder)

	c.db.EnsureReplayingWal(ctx)

	if !streaming {
		contextLogger.Warning("Seems that we are not really streaming WAL", "upstream", holder)
		c.replManager.LeaveSyncGroup(ctx)
		c.replicaReturn(ctx, dbState, zkState)
		return
	}

	c.startPooler(ctx)
	c.resetSimplePrimarySwitchTry()

	c.replManager.EnterSyncGroup(ctx, zkState.ReplicsInfo)
	c.handleSlots(ctx)
}

// replicaReturn tries to bring a non-streaming replica back behind
// the current leader
func (c *Controller) replicaReturn(ctx context.Context, dbState *pgmgmt.State, zkState *dcs.State) {
	contextLogger := log.FromContext(ctx)
	c.writeHostStat(ctx, dbState)
	holder := zkState.LockHolder
	c.checks.failover = 0
	limit := c.config.RecoveryTimeout()

	// Replay may have been paused by an aborted failover check
	contextLogger.Debug("Replica is returning, resuming WAL replay", "upstream", holder)
	if err := c.db.WalReplayResume(ctx); err != nil {
		contextLogger.Debug("Could not resume WAL replay", "err", err)
	}

	if !c.checkArchiveRecovery(ctx, holder, limit) && !c.waitForStreaming(ctx, holder, limit) {
		// The walreceiver is down and there is no archive recovery
		// under way; a restart against the holder is the way back
		contextLogger.Warning("We should try to switch the primary again", "upstream", holder)
		c.returnToCluster(ctx, holder, pgtypes.RoleReplica, false)
	}
}

// changePrimary follows the leader lock to a new upstream
func (c *Controller) changePrimary(ctx context.Context, dbState *pgmgmt.State, primary string) {
	log.FromContext(ctx).Warning(
		"Seems that the primary was switched while we are streaming from the old one, switching",
		"new", primary, "old", dbState.PrimaryFqdn)
	c.returnToCluster(ctx, primary, pgtypes.RoleReplica, false)
}

// streamingReplicaFromReplicsInfo finds the streaming entry of a host
// inside a replica view
func streamingReplicaFromReplicsInfo(fqdn string, infos []pgtypes.ReplicaInfo) *pgtypes.ReplicaInfo {
	return pgtypes.StreamingReplica(infos, hostutil.AppName(fqdn))
}

// nonHAReplicaIter is the tick of a replica with a fixed stream_from
// upstream, which never promotes
func (c *Controller) nonHAReplicaIter(ctx context.Context, dbState *pgmgmt.State, zkState *dcs.State) {
	contextLogger := log.FromContext(ctx)
	contextLogger.Info("Current replica is non HA")
	if !zkState.Alive {
		return
	}

	c.removeStaleOperation(ctx, c.hostname)
	c.writeHostStat(ctx, dbState)
	streamFrom := c.config.Global.StreamFrom
	canDelayed := c.config.Replica.CanDelayed
	replicsInfo := c.getReplicsInfo(zkState)
	c.checks.failover = 0

	streaming := streamingReplicaFromReplicsInfo(c.hostname, replicsInfo) != nil &&
		dbState.WalReceiver != nil
	streamingFromPrimary := streamingReplicaFromReplicsInfo(c.hostname, zkState.ReplicsInfo) != nil &&
		dbState.WalReceiver != nil
	contextLogger.Info("Streaming state",
		"streaming", streaming,
		"streamingFromPrimary", streamingFromPrimary,
		"walReceiver", dbState.WalReceiver != nil)
	currentPrimary := zkState.LockHolder

	switch {
	case streaming:
		c.acquireReplicationSourceSlotLock(ctx, streamFrom)
	case streamingFromPrimary:
		c.acquireReplicationSourceSlotLock(ctx, currentPrimary)
	}

	if !streaming && !canDelayed {
		contextLogger.Warning("Seems that we are not really streaming WAL", "upstream", streamFrom)
		c.replManager.LeaveSyncGroup(ctx)
		sourceIsDead := c.checkHostIsReallyDead(ctx, streamFrom)

		var sourceWalReceiver pgtypes.WalReceiverInfo
		sourceStreams := false
		if found, err := c.zk.GetJSON(dcs.MemberWalReceiverPath(streamFrom), &sourceWalReceiver); err == nil && found {
			sourceStreams = sourceWalReceiver.Status == pgtypes.ReplicaStateStreaming
		}

		if sourceIsDead {
			switch {
			case streamFrom == currentPrimary || currentPrimary == "":
				contextLogger.Warning(
					"Our replication source seems dead and it was the primary; waiting for a new primary or its return",
					"source", streamFrom)
			case !streamingFromPrimary:
				contextLogger.Warning(
					"Our replication source seems dead, trying to stream from the primary",
					"source", streamFrom, "primary", currentPrimary)
				c.returnToCluster(ctx, currentPrimary, pgtypes.RoleReplica, false)
				return
			default:
				contextLogger.Warning(
					"Our replication source seems dead; already streaming from the primary, waiting for its return",
					"source", streamFrom, "primary", currentPrimary)
			}
		} else {
			switch {
			case sourceStreams:
				contextLogger.Warning(
					"Our replication source is alive and streams, trying to stream from it",
					"source", streamFrom)
				c.returnToCluster(ctx, streamFrom, pgtypes.RoleReplica, false)
				return
			case streamFrom == currentPrimary:
				contextLogger.Warning(
					"Our replication source is alive and is the current primary, trying to stream from it",
					"source", streamFrom)
				c.returnToCluster(ctx, streamFrom, pgtypes.RoleReplica, false)
				return
			default:
				contextLogger.Warning(
					"Our replication source is alive but does not stream yet, waiting for it",
					"source", streamFrom)
			}
		}
	}

	c.startPooler(ctx)
	c.resetSimplePrimarySwitchTry()
	c.handleSlots(ctx)
}

// handleDetachedReplica closes the pooler of a replica that lost the
// coordination session, unless the walreceiver stays fresh
func (c *Controller) handleDetachedReplica(ctx context.Context, dbState *pgmgmt.State) {
	contextLogger := log.FromContext(ctx)
	closeAfter := c.config.CloseDetachedAfter()
	if closeAfter <= 0 {
		return
	}
	writeDelay := time.Since(c.lastZkHostStatWrite)
	if writeDelay < closeAfter {
		contextLogger.Debug("Replica coordination write delay is within bounds, keeping the replica open",
			"delay", writeDelay, "bound", closeAfter)
		return
	}
	if dbState.WalReceiver == nil {
		contextLogger.Debug(
			"Stopping the pooler of a replica with a lost coordination session and no walreceiver")
		c.pooler.Stop(ctx)
		return
	}
	walReceiverDelay := time.Since(time.UnixMilli(dbState.WalReceiver.LastMsgReceiptTimeMs))
	if walReceiverDelay > closeAfter {
		contextLogger.Debug(
			"Stopping the pooler of a replica with a lost coordination session and a stale walreceiver",
			"walReceiverDelay", walReceiverDelay, "bound", closeAfter)
		c.pooler.Stop(ctx)
		return
	}
	contextLogger.Debug("Walreceiver is fresh, keeping the replica open",
		"writeDelay", writeDelay, "walReceiverDelay", walReceiverDelay, "bound", closeAfter)
}

// deadIter is the tick of a host whose PostgreSQL cannot be queried
func (c *Controller) deadIter(ctx context.Context, dbState *pgmgmt.State, zkState *dcs.State, terminal bool) {
	contextLogger := log.FromContext(ctx)
	if !zkState.Alive || dbState.Alive {
		return
	}

	c.pooler.Stop(ctx)
	if c.isSingleNode {
		contextLogger.Info("We are in single node mode, starting PostgreSQL")
		c.db.StartPostgres(ctx)
		return
	}

	c.replManager.LeaveSyncGroup(ctx)
	if err := c.zk.ReleaseIfHold(dcs.PrimaryLockPath, false); err != nil {
		contextLogger.Error(err, "Could not release the leader lock")
	}

	role := c.db.Role
	lastPrimary := ""
	if role == pgtypes.RoleReplica && dbState.PrevState != nil {
		lastPrimary = dbState.PrevState.PrimaryFqdn
	}

	holder, err := c.zk.CurrentLockHolder(dcs.PrimaryLockPath)
	if err != nil {
		return
	}
	if holder != "" && holder != c.hostname {
		if role == pgtypes.RoleReplica && holder == lastPrimary {
			if !terminal {
				contextLogger.Warning("Waiting for PostgreSQL to finish starting or stopping")
				return
			}
			c.acquireReplicationSourceSlotLock(ctx, lastPrimary)
			contextLogger.Info("The primary has not changed but PostgreSQL is dead, starting it")
			c.db.StartPostgres(ctx)
			return
		}

		// Either we were the primary and died, or we were a replica and
		// the primary changed while we were down
		contextLogger.Warning(
			"A peer is the primary and the local PostgreSQL is dead, returning to the cluster",
			"holder", holder)
		c.returnToCluster(ctx, holder, role, terminal)
		return
	}

	// No one holds the lock and our PostgreSQL is dead: everyone is
	// down, so try a local start
	contextLogger.Error(nil, "Seems that all hosts, including us, are dead; trying to start PostgreSQL")
	if role == pgtypes.RolePrimary {
		lastTli, err := c.db.ControlFileTimeline(ctx)
		if err != nil {
			contextLogger.Error(err, "Could not read the control file timeline, not doing anything")
			return
		}
		if zkState.Timeline != nil && *zkState.Timeline != lastTli {
			contextLogger.Error(nil,
				"Seems that we were a primary but not the last one in the cluster, not doing anything",
				"cluster", *zkState.Timeline, "local", lastTli)
			return
		}
		// A former primary must not archive WAL before knowing whether a
		// newer primary exists
		c.db.StopArchivingWalStopped()
	}
	c.db.StartPostgres(ctx)
}
