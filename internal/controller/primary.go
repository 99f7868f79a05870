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
	"github.com/pgkeeper/pgkeeper/pkg/log"
	pgmgmt "github.com/pgkeeper/pgkeeper/pkg/management/postgres"
	pgtypes "github.com/pgkeeper/pgkeeper/pkg/postgres"
)

// singleNodePrimaryIter is the tick of the only member of the cluster
func (c *Controller) singleNodePrimaryIter(ctx context.Context, dbState *pgmgmt.State, zkState *dcs.State) {
	contextLogger := log.FromContext(ctx)
	contextLogger.Info("Primary is in single node state")

	c.zk.TryAcquirePrimaryLock(ctx, false, 0)
	c.storeReplicsInfo(ctx, dbState, zkState)
	if err := c.zk.SetInt(dcs.TimelineInfoPath, dbState.Timeline, true); err != nil {
		contextLogger.Warning("Could not write the timeline", "err", err)
	}

	c.pooler.Start(ctx)
	c.db.EnsureArchivingWal(ctx)

	if dbState.Replication != nil && dbState.Replication.Type != pgtypes.ReplicationAsync {
		c.replManager.ChangeReplicationToAsync(ctx)
	}
}

// primaryIter is the tick of a primary inside a multi-member cluster
func (c *Controller) primaryIter(ctx context.Context, dbState *pgmgmt.State, zkState *dcs.State) {
	contextLogger := log.FromContext(ctx)

	lastOp, _, err := c.zk.Get(dcs.MemberOpPath(c.hostname))
	if err != nil {
		contextLogger.Error(err, "Coordination error during primary iteration")
		if !c.zk.TryAcquirePrimaryLock(ctx, false, 0) {
			c.resolveZkPrimaryLock(ctx)
		}
		return
	}
	// A rewind that failed midway makes the lock unsafe
	if c.isOpDestructive(lastOp) {
		contextLogger.Warning("Not acquiring the lock after a failed destructive operation", "op", lastOp)
		c.releaseLockAndReturnToCluster(ctx)
		return
	}
	if c.config.Global.StreamFrom != "" {
		contextLogger.Warning("Host is not in the HA group, returning to its stream_from upstream")
		c.releaseLockAndReturnToCluster(ctx)
		return
	}

	if zkState.CurrentPromotingHost != "" && zkState.CurrentPromotingHost != c.hostname {
		contextLogger.Warning("Another host was promoted, we should not be primary",
			"promoted", zkState.CurrentPromotingHost)
		c.resolveZkPrimaryLock(ctx)
		return
	}

	// Never contend for a free lock with a stale timeline
	holder, err := c.zk.CurrentLockHolder(dcs.PrimaryLockPath)
	if err != nil {
		c.resolveZkPrimaryLock(ctx)
		return
	}
	if holder == "" {
		if !c.verifyTimeline(ctx, dbState, zkState, true) {
			return
		}
	}

	if !c.zk.TryAcquirePrimaryLock(ctx, false, 0) {
		c.resolveZkPrimaryLock(ctx)
		return
	}
	_ = c.zk.SetFloat(dcs.LastPrimaryAvailabilityTimePath, float64(time.Now().UnixNano())/1e9, true)

	c.resetSimplePrimarySwitchTry()

	// Drop any replication source read locks we may still hold from a
	// past replica life
	c.acquireReplicationSourceSlotLock(ctx, "")

	c.handleSlots(ctx)

	c.storeReplicsInfo(ctx, dbState, zkState)

	if !c.verifyTimeline(ctx, dbState, zkState, false) {
		return
	}

	if zkState.FailoverMustBeReset {
		c.resetFailoverNode(ctx, zkState)
		return
	}

	// An unfinished failover we started ourselves is reset; one a peer
	// started means we lost and must rejoin as a replica
	if zkState.FailoverState == dcs.FailoverStatePromoting ||
		zkState.FailoverState == dcs.FailoverStateCheckpointing {
		if zkState.CurrentPromotingHost == c.hostname || zkState.CurrentPromotingHost == "" {
			c.resetFailoverNode(ctx, zkState)
			return
		}
		contextLogger.Info("Failover is unfinished and the last promoted host is a peer",
			"failoverState", zkState.FailoverState, "promotingHost", zkState.CurrentPromotingHost)
		c.releaseLockAndReturnToCluster(ctx)
		return
	}

	c.dropStaleSwitchover(ctx, dbState)

	c.pooler.Start(ctx)
	// Archiving may have been disabled earlier over coordination
	// connectivity trouble
	c.db.EnsureArchivingWal(ctx)

	haReplicsConfig := c.getHAReplics()
	if haReplicsConfig == nil {
		return
	}
	contextLogger.Debug("Checking HA replicas for aliveness")
	aliveHosts := c.zk.GetAliveHosts(ctx, 3*time.Second, 0)
	haReplics := make([]string, 0, len(haReplicsConfig))
	for _, replica := range haReplicsConfig {
		for _, alive := range aliveHosts {
			if replica == alive {
				haReplics = append(haReplics, replica)
				break
			}
		}
	}
	if len(haReplics) != len(haReplicsConfig) {
		contextLogger.Debug("Some of the replicas are unavailable",
			"configured", haReplicsConfig, "alive", haReplics)
	}

	contextLogger.Debug("Checking whether the replication type needs a change")
	if c.config.Primary.ChangeReplicationType {
		c.replManager.UpdateReplicationType(ctx, dbState, haReplics)
		if dbState.Replication != nil {
			c.zk.WriteSSN(c.hostname, dbState.Replication.Names)
		}
	}

	// Scheduled switchover: validate, perform, transition
	if !c.checkPrimarySwitchover(ctx, dbState, zkState) {
		return
	}
	if !c.doPrimarySwitchover(ctx, zkState) {
		return
	}
	if !c.transitionPrimarySwitchover(ctx) {
		// Wait for the replica to free the leader lock before retrying
		limit := c.config.PostgresTimeout()
		waitForFreedLock(ctx, c, limit)
	}
}

// resetFailoverNode closes the failover state machine, leaving a
// marker to retry when any step fails
func (c *Controller) resetFailoverNode(ctx context.Context, zkState *dcs.State) {
	contextLogger := log.FromContext(ctx)

	current, _, _ := c.zk.Get(dcs.FailoverStatePath)
	stateDone := current == dcs.FailoverStateFinished ||
		c.zk.Set(dcs.FailoverStatePath, dcs.FailoverStateFinished, true) == nil
	if stateDone && c.zk.Delete(dcs.CurrentPromotingHostPath, false) == nil {
		_ = c.zk.Delete(dcs.FailoverMustBeResetPath, false)
		contextLogger.Info("Failover state was reset to finished", "was", zkState.FailoverState)
		return
	}
	_ = c.zk.EnsurePath(dcs.FailoverMustBeResetPath)
	contextLogger.Info("Resetting failover failed, will retry on the next iteration")
}

// resolveZkPrimaryLock decides what a primary does when it cannot hold
// the leader lock: with the lock free, stay open only while promote
// safety says so; with a peer holding it, rejoin the cluster
func (c *Controller) resolveZkPrimaryLock(ctx context.Context) {
	contextLogger := log.FromContext(ctx)
	holder, err := c.zk.CurrentLockHolder(dcs.PrimaryLockPath)
	if err != nil {
		holder = ""
	}
	switch holder {
	case "":
		if c.replManager.ShouldClose(ctx) {
			c.pooler.Stop(ctx)
			// When connectivity returns there may be another primary in
			// the cluster; its archive must not receive our WAL
			c.db.StopArchivingWal(ctx)
		} else {
			c.startPooler(ctx)
		}
		contextLogger.Warning("The leader lock is released but could not be acquired, reconnecting")
		if err := c.zk.Reconnect(); err != nil {
			contextLogger.Error(err, "Reconnection failed")
		}
	case c.hostname:
	default:
		c.pooler.Stop(ctx)
		contextLogger.Warning("The leader lock is held by a peer, returning to the cluster",
			"holder", holder)
		c.returnToCluster(ctx, holder, pgtypes.RolePrimary, false)
	}
}

// verifyTimeline makes sure the local timeline corresponds to the
// cluster one, publishing ours when the coordination service has none
// and stepping down when the cluster moved past us
func (c *Controller) verifyTimeline(
	ctx context.Context,
	dbState *pgmgmt.State,
	zkState *dcs.State,
	withoutLeaderLock bool,
) bool {
	contextLogger := log.FromContext(ctx)

	if c.db.Role != pgtypes.RolePrimary {
		contextLogger.Error(nil, "We are not primary, not doing anything")
		return false
	}

	switch {
	case zkState.Timeline != nil && *zkState.Timeline == dbState.Timeline:
		if zkState.ReplicsInfoWritten != nil && !*zkState.ReplicsInfoWritten {
			// Should never happen; end the iteration so the next one can
			// reevaluate the lock from scratch
			contextLogger.Error(nil, "Some error with the coordination service")
			return false
		}
	case zkState.Timeline == nil:
		if withoutLeaderLock {
			return true
		}
		contextLogger.Warning("Could not get the timeline from the coordination service, saving ours")
		_ = c.zk.SetInt(dcs.TimelineInfoPath, dbState.Timeline, true)
	default:
		if err := c.db.Checkpoint(ctx, ""); err != nil {
			contextLogger.Warning("Could not checkpoint during timeline verification", "err", err)
		}
		zkTli := *zkState.Timeline
		dbTli := dbState.Timeline
		if zkTli > dbTli {
			contextLogger.Error(nil, "Cluster timeline is newer than the local one, releasing the leader lock",
				"cluster", zkTli, "local", dbTli)
			c.pooler.Stop(ctx)
			if err := c.zk.ReleaseLock(dcs.PrimaryLockPath); err != nil {
				contextLogger.Error(err, "Could not release the leader lock")
			}
			// Let the primary with the newer timeline take the lock
			select {
			case <-ctx.Done():
			case <-time.After(10 * c.config.IterationTimeout()):
			}
			return false
		}
		if zkTli < dbTli {
			if withoutLeaderLock {
				return true
			}
			contextLogger.Warning("Cluster timeline is older than ours, updating it",
				"cluster", zkTli, "local", dbTli)
			_ = c.zk.SetInt(dcs.TimelineInfoPath, dbTli, true)
		}
	}
	contextLogger.Debug("Timeline verification succeeded")
	return true
}
