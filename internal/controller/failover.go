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
	"github.com/pgkeeper/pgkeeper/pkg/election"
	"github.com/pgkeeper/pgkeeper/pkg/hostutil"
	"github.com/pgkeeper/pgkeeper/pkg/log"
	pgtypes "github.com/pgkeeper/pgkeeper/pkg/postgres"
	"github.com/pgkeeper/pgkeeper/pkg/replication"
)

// acceptFailover runs the whole failover path on a replica that lost
// sight of the primary
func (c *Controller) acceptFailover(ctx context.Context, zkState *dcs.State) {
	contextLogger := log.FromContext(ctx)

	if !c.canDoFailover(ctx, zkState) {
		return
	}

	// All checks are done: take the lock, promote and record the
	// failover timestamp
	if !c.zk.TryAcquirePrimaryLock(ctx, false, 0) {
		contextLogger.Info("Could not acquire the leader lock, not doing anything")
		return
	}
	if err := c.db.WalReplayResume(ctx); err != nil {
		contextLogger.Debug("Could not resume WAL replay", "err", err)
	}

	if !c.doFailover(ctx) {
		return
	}

	if err := c.zk.SetFloat(dcs.LastFailoverTimePath, float64(time.Now().UnixNano())/1e9, true); err != nil {
		contextLogger.Warning("Could not record the failover time", "err", err)
	}
}

// canDoFailover runs the failover preconditions and, when they hold,
// the election. True means this host won and holds the right to
// promote.
func (c *Controller) canDoFailover(ctx context.Context, zkState *dcs.State) bool {
	contextLogger := log.FromContext(ctx)

	if !c.config.Global.Autofailover {
		contextLogger.Info("Autofailover is disabled, not doing anything")
		return false
	}
	if !c.checkMyTimelineSync(ctx) {
		return false
	}
	if !c.checkLastFailoverTimeout(ctx) {
		return false
	}
	if !c.checkPrimaryIsReallyDead(ctx, "") {
		contextLogger.Warning(
			"According to the coordination service the primary died but it still answers through libpq")
		return false
	}
	if !c.checkPrimaryUnavailabilityTimeout(ctx) {
		return false
	}
	if c.db.IsReplayingWal(ctx, c.config.IterationTimeout()) {
		contextLogger.Info("Host is still replaying WAL, so it can't be promoted")
		return false
	}

	var replicaInfos []pgtypes.ReplicaInfo
	if found, err := c.zk.GetJSON(dcs.ReplicsInfoPath, &replicaInfos); err != nil || !found {
		contextLogger.Error(err, "Unable to get the replica view from the coordination service")
		return false
	}

	allowDataLoss := c.config.Replica.AllowPotentialDataLoss
	contextLogger.Info("Failover precondition", "allowPotentialDataLoss", allowDataLoss)
	if !allowDataLoss {
		aliveHosts := c.zk.GetAliveHosts(ctx, time.Second, 0)
		if !c.replManager.IsPromoteSafe(ctx, aliveHosts, replicaInfos) {
			contextLogger.Warning("Promote is not allowed with the given configuration")
			return false
		}
	}

	// Pause replay to freeze our LSN for the vote; the election winner
	// resumes it before promoting. Pause fails once a promotion was
	// already triggered, which also ends this attempt.
	if err := c.db.WalReplayPause(ctx); err != nil {
		contextLogger.Error(err, "Could not pause WAL replay")
		return false
	}

	hostLsn, err := c.db.GetWalReceiveLsn(ctx)
	if err != nil {
		contextLogger.Error(err, "Could not read the local WAL position")
		return false
	}

	electionTimeout := c.config.ElectionTimeout()
	quorum := replication.CurrentReplicsQuorum(replicaInfos,
		c.zk.GetAliveHosts(ctx, time.Second, electionTimeout/3))
	vote := election.New(
		c.zk,
		electionTimeout,
		c.hostname,
		replicaInfos,
		c.replManager,
		allowDataLoss,
		int64(c.config.Global.Priority),
		hostLsn,
		len(quorum),
	)
	isWinner, err := vote.MakeElection(ctx)
	if err != nil {
		contextLogger.Error(err, "Election failed")
		if c.config.ElectionLoserTimeout() > 0 {
			select {
			case <-ctx.Done():
			case <-time.After(c.config.ElectionLoserTimeout()):
			}
		}
		return false
	}
	if !isWinner && c.config.ElectionLoserTimeout() > 0 {
		select {
		case <-ctx.Done():
		case <-time.After(c.config.ElectionLoserTimeout()):
		}
	}
	return isWinner
}

// checkMyTimelineSync compares the local timeline with the cluster
// one, checkpointing on divergence so the next tick can retry
func (c *Controller) checkMyTimelineSync(ctx context.Context) bool {
	contextLogger := log.FromContext(ctx)
	myTli, err := c.db.ControlFileTimeline(ctx)
	if err != nil {
		contextLogger.Error(err, "Could not read the control file timeline")
		return false
	}
	zkTli, found, err := c.zk.GetInt(dcs.TimelineInfoPath)
	if err != nil {
		contextLogger.Error(err, "Could not get the timeline from the coordination service")
		return false
	}
	if !found {
		contextLogger.Warning("There was no timeline in the coordination service, skipping this check")
		return true
	}
	if zkTli != myTli {
		contextLogger.Error(nil, "Local timeline differs from the cluster one, checkpointing and skipping",
			"local", myTli, "cluster", zkTli)
		if err := c.db.Checkpoint(ctx, ""); err != nil {
			contextLogger.Warning("Could not checkpoint", "err", err)
		}
		return false
	}
	return true
}

// checkLastFailoverTimeout enforces the pause between failovers
func (c *Controller) checkLastFailoverTimeout(ctx context.Context) bool {
	contextLogger := log.FromContext(ctx)
	lastFailover, found, err := c.zk.GetFloat(dcs.LastFailoverTimePath)
	if err != nil {
		contextLogger.Error(err, "Can't get the last failover time from the coordination service")
		return false
	}
	if !found {
		contextLogger.Warning("There was no last failover time in the coordination service, skipping this check")
		return true
	}
	elapsed := time.Since(time.Unix(0, int64(lastFailover*1e9)))
	if elapsed <= c.config.MinFailoverTimeout() {
		contextLogger.Info("Last failover was done too recently, not doing anything", "elapsed", elapsed)
		return false
	}
	contextLogger.Info("Last failover is old enough", "elapsed", elapsed)
	return true
}

// checkPrimaryUnavailabilityTimeout requires the primary's activity
// timestamp to be stale enough
func (c *Controller) checkPrimaryUnavailabilityTimeout(ctx context.Context) bool {
	contextLogger := log.FromContext(ctx)
	lastActivity, found, err := c.zk.GetFloat(dcs.LastPrimaryAvailabilityTimePath)
	if err != nil || !found {
		contextLogger.Error(err, "Failed to get the last primary availability time")
		return false
	}
	elapsed := time.Since(time.Unix(0, int64(lastActivity*1e9)))
	if elapsed < c.config.PrimaryUnavailabilityTimeout() {
		contextLogger.Info("The primary was seen too recently, not doing anything", "elapsed", elapsed)
		return false
	}
	return true
}

// doFailover finishes the promotion of an election winner already
// holding the leader lock
func (c *Controller) doFailover(ctx context.Context) bool {
	contextLogger := log.FromContext(ctx)

	if err := c.zk.Delete(dcs.FailoverStatePath, false); err != nil {
		contextLogger.Error(err, "Could not remove the previous failover state, releasing the lock")
		_ = c.zk.ReleaseLock(dcs.PrimaryLockPath)
		return false
	}

	if !c.promoteHandleSlots(ctx) || !c.promote(ctx) {
		_ = c.zk.ReleaseLock(dcs.PrimaryLockPath)
		return false
	}
	c.replManager.LeaveSyncGroup(ctx)
	return true
}

// promoteHandleSlots pre-creates the physical slots for every HA peer
// before the promote makes them necessary
func (c *Controller) promoteHandleSlots(ctx context.Context) bool {
	contextLogger := log.FromContext(ctx)
	if !c.config.Global.UseReplicationSlots {
		return true
	}
	if err := c.zk.Set(dcs.FailoverStatePath, dcs.FailoverStateCreatingSlots, true); err != nil {
		contextLogger.Warning("Could not write the failover state", "err", err)
	}
	hosts := c.getHAReplics()
	if hosts == nil {
		contextLogger.Error(nil,
			"Could not get the host list; replication slots are needed but cannot be created, releasing the lock")
		return false
	}
	slotNames := make([]string, 0, len(hosts))
	for _, host := range hosts {
		slotNames = append(slotNames, hostutil.AppName(host))
	}
	if !c.db.CreateReplicationSlots(ctx, slotNames, true) {
		contextLogger.Error(nil, "Could not create the replication slots, releasing the lock")
		return false
	}
	return true
}

// promote runs the actual promotion state machine on the winner
func (c *Controller) promote(ctx context.Context) bool {
	contextLogger := log.FromContext(ctx)

	if err := c.zk.Set(dcs.FailoverStatePath, dcs.FailoverStatePromoting, true); err != nil {
		contextLogger.Error(err, "Could not write the failover state")
		return false
	}
	if err := c.zk.Set(dcs.CurrentPromotingHostPath, c.hostname, true); err != nil {
		contextLogger.Error(err, "Could not record ourselves as the promoting host")
		return false
	}

	if !c.db.Promote(ctx) {
		contextLogger.Error(nil, "Could not promote, releasing the lock")
		// The promote command can fail after the instance already
		// accepted writes; in that case stepping back would lose them,
		// so only a still-replica instance rolls the attempt back
		if c.db.GetRole(ctx) != pgtypes.RolePrimary {
			c.pooler.Stop(ctx)
			if err := c.zk.Delete(dcs.CurrentPromotingHostPath, false); err != nil {
				contextLogger.Error(err, "Could not remove ourselves as the promoting host")
			}
			if err := c.zk.Set(dcs.FailoverStatePath, dcs.FailoverStateFinished, true); err != nil {
				contextLogger.Error(err, "Could not write the failover state")
			}
			return false
		}
		contextLogger.Info("The promote command failed but we are the current primary, continuing")
	}

	c.slotDropCountdown = make(map[string]int)

	if err := c.zk.Set(dcs.FailoverStatePath, dcs.FailoverStateCheckpointing, true); err != nil {
		contextLogger.Warning("Could not write the failover state", "err", err)
	}
	contextLogger.Debug("Doing a checkpoint after promoting")
	if err := c.db.Checkpoint(ctx, c.config.Debug.PromoteCheckpointSQL); err != nil {
		contextLogger.Warning("Could not checkpoint after the failover", "err", err)
	}

	if myTli, err := c.db.ControlFileTimeline(ctx); err == nil {
		if err := c.zk.SetInt(dcs.TimelineInfoPath, myTli, true); err != nil {
			contextLogger.Warning("Could not write the timeline", "err", err)
		}
	}

	if err := c.zk.Set(dcs.FailoverStatePath, dcs.FailoverStateFinished, true); err != nil {
		contextLogger.Error(err, "Could not write the failover state")
	}
	if err := c.zk.Delete(dcs.CurrentPromotingHostPath, false); err != nil {
		contextLogger.Error(err, "Could not remove ourselves as the promoting host")
	}
	return true
}
