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
	"github.com/pgkeeper/pgkeeper/pkg/replication"
	"github.com/pgkeeper/pgkeeper/pkg/retry"
)

// waitForFreedLock blocks until no one holds the leader lock
func waitForFreedLock(ctx context.Context, c *Controller, limit time.Duration) {
	retry.Await(ctx, limit, "no one holds the leader lock", func() bool {
		holder, err := c.zk.CurrentLockHolder(dcs.PrimaryLockPath)
		if err != nil {
			return false
		}
		log.FromContext(ctx).Debug("Current leader lock holder", "holder", holder)
		return holder == ""
	})
}

// dropStaleSwitchover garbage-collects a switchover intent that can
// no longer run, under the switchover lock
func (c *Controller) dropStaleSwitchover(ctx context.Context, dbState *pgmgmt.State) {
	contextLogger := log.FromContext(ctx)
	if !c.zk.TryAcquireLock(ctx, dcs.SwitchoverLockPath, false, 0) {
		return
	}
	defer func() {
		if err := c.zk.ReleaseLock(dcs.SwitchoverLockPath); err != nil {
			contextLogger.Error(err, "Could not release the switchover lock")
		}
	}()

	var info dcs.SwitchoverInfo
	found, err := c.zk.GetJSON(dcs.SwitchoverPrimaryPath, &info)
	if err != nil || !found || info.Hostname == "" {
		return
	}
	state, _, err := c.zk.Get(dcs.SwitchoverStatePath)
	if err != nil {
		return
	}
	if state != dcs.SwitchoverStateScheduled || info.Timeline == nil || *info.Timeline < dbState.Timeline {
		contextLogger.Warning("Dropping a stale switchover")
		contextLogger.Debug("Stale switchover details",
			"state", state, "info", info, "dbTimeline", dbState.Timeline)
		c.cleanupSwitchover(ctx)
	}
}

// cleanupSwitchover removes every switchover node and the failover
// state backing it
func (c *Controller) cleanupSwitchover(ctx context.Context) {
	contextLogger := log.FromContext(ctx)
	for _, path := range []string{
		dcs.SwitchoverLsnPath,
		dcs.SwitchoverStatePath,
		dcs.SwitchoverPrimaryPath,
		dcs.FailoverStatePath,
	} {
		if err := c.zk.Delete(path, false); err != nil {
			contextLogger.Error(err, "Could not delete a switchover node", "path", path)
		}
	}
}

// getSwitchoverCandidate resolves the host that should take over: the
// operator's destination when given, the oldest replica with data
// loss allowed, or the ensured synchronous replica
func (c *Controller) getSwitchoverCandidate(ctx context.Context) string {
	var info dcs.SwitchoverInfo
	found, err := c.zk.GetJSON(dcs.SwitchoverPrimaryPath, &info)
	if err != nil || !found {
		return ""
	}
	if info.Destination != "" {
		return info.Destination
	}
	replicaInfos := c.getExtendedReplicaInfos(ctx)
	if replicaInfos == nil {
		return ""
	}
	if c.config.Replica.AllowPotentialDataLoss {
		haHosts, err := c.zk.GetHAHosts()
		if err != nil {
			return ""
		}
		return hostutil.AppNameMap(haHosts)[replication.OldestReplica(replicaInfos)]
	}
	return c.replManager.GetEnsuredSyncReplica(ctx, replicaInfos)
}

// getExtendedReplicaInfos enriches the published replica view with the
// registry priorities
func (c *Controller) getExtendedReplicaInfos(ctx context.Context) []pgtypes.ReplicaInfo {
	contextLogger := log.FromContext(ctx)
	var infos []pgtypes.ReplicaInfo
	if found, err := c.zk.GetJSON(dcs.ReplicsInfoPath, &infos); err != nil || !found {
		contextLogger.Error(err, "Unable to get the replica view from the coordination service")
		return nil
	}
	haHosts, err := c.zk.GetHAHosts()
	if err != nil {
		return nil
	}
	appNameMap := hostutil.AppNameMap(haHosts)
	for i := range infos {
		hostname := appNameMap[infos[i].ApplicationName]
		if hostname == "" {
			continue
		}
		if prio, found, err := c.zk.GetInt(dcs.MemberPrioPath(hostname)); err == nil && found {
			infos[i].Priority = prio
		}
	}
	return infos
}

// checkPrimarySwitchover validates a scheduled switchover intent
// against the local and cluster condition
func (c *Controller) checkPrimarySwitchover(ctx context.Context, dbState *pgmgmt.State, zkState *dcs.State) bool {
	contextLogger := log.FromContext(ctx)

	info := zkState.Switchover
	if info == nil {
		return false
	}
	if info.Hostname != c.hostname {
		return false
	}
	if c.db.GetRole(ctx) != pgtypes.RolePrimary {
		contextLogger.Error(nil, "Switchover requested but the current role is not primary")
		return false
	}

	state, found, err := c.zk.Get(dcs.SwitchoverStatePath)
	if err != nil || !found {
		return false
	}
	if state != dcs.SwitchoverStateScheduled {
		contextLogger.Warning("Switchover state is not scheduled, will not proceed", "state", state)
		return false
	}

	if info.Timeline == nil || *info.Timeline != dbState.Timeline {
		contextLogger.Warning("Switchover timeline does not match the local one, ignoring the switchover",
			"switchover", info.Timeline, "local", dbState.Timeline)
		return false
	}

	// The transition pause may be relaxed only while every HA replica
	// is streaming
	lastFailover, _, _ := c.zk.GetFloat(dcs.LastFailoverTimePath)
	lastSwitchover, _, _ := c.zk.GetFloat(dcs.LastSwitchoverTimePath)
	lastTransition := lastFailover
	if lastSwitchover > lastTransition {
		lastTransition = lastSwitchover
	}

	aliveReplicsNumber := 0
	for _, replica := range dbState.ReplicsInfo {
		if replica.State == pgtypes.ReplicaStateStreaming {
			aliveReplicsNumber++
		}
	}
	haReplics := c.getHAReplics()
	if haReplics == nil {
		return false
	}
	if lastTransition > 0 {
		elapsed := time.Since(time.Unix(0, int64(lastTransition*1e9)))
		if elapsed <= c.config.MinFailoverTimeout() && aliveReplicsNumber < len(haReplics) {
			contextLogger.Warning(
				"Last role transition is too recent and not every HA replica is streaming, ignoring the switchover",
				"elapsed", elapsed, "haReplics", len(haReplics), "streaming", aliveReplicsNumber)
			return false
		}
	}

	failoverState, _, _ := c.zk.Get(dcs.FailoverStatePath)
	if failoverState != "" && failoverState != dcs.FailoverStateFinished {
		contextLogger.Error(nil, "Switchover requested during an active failover",
			"failoverState", failoverState)
		return false
	}

	candidate := c.getSwitchoverCandidate(ctx)
	if candidate == "" {
		return false
	}
	if !c.candidateIsSyncWithPrimary(ctx, dbState, candidate) {
		return false
	}

	contextLogger.Info("Scheduled switchover checks passed OK")
	return true
}

// doPrimarySwitchover runs the primary side of the handover: fence,
// wait for the candidate, stop, publish the shutdown LSN, release
func (c *Controller) doPrimarySwitchover(ctx context.Context, zkState *dcs.State) bool {
	contextLogger := log.FromContext(ctx)
	contextLogger.Warning("Starting scheduled switchover")

	if err := c.zk.Set(dcs.SwitchoverStatePath, dcs.SwitchoverStateInitiated, false); err != nil {
		contextLogger.Error(err, "Could not mark the switchover as initiated")
		return false
	}
	contextLogger.Warning("Starting checkpoint")
	if err := c.db.Checkpoint(ctx, ""); err != nil {
		contextLogger.Warning("Could not checkpoint", "err", err)
	}
	c.pooler.Stop(ctx)
	contextLogger.Warning("Cluster was closed from user requests")

	limit := c.config.PostgresTimeout()
	candidate := c.getSwitchoverCandidate(ctx)
	lagSettled := retry.Await(ctx, limit, "replay lag becomes zero", func() bool {
		_, poolerRunning := c.pooler.Status(ctx)
		freshState := c.db.GetState(ctx, c.cache, poolerRunning)
		return c.candidateIsSyncWithPrimary(ctx, freshState, candidate)
	})
	if !lagSettled {
		contextLogger.Error(nil, "Candidate replay lag check failed, not switching over")
		return false
	}

	_, poolerRunning := c.pooler.Status(ctx)
	freshState := c.db.GetState(ctx, c.cache, poolerRunning)
	if !c.storeReplicsInfo(ctx, freshState, zkState) {
		contextLogger.Error(nil, "The replica view was not stored, not switching over")
		return false
	}

	// Announce the intention to the rest of the cluster
	if err := c.zk.Set(dcs.FailoverStatePath, dcs.FailoverStateSwitchoverInitiated, true); err != nil {
		contextLogger.Error(err, "Unable to write the failover state")
		return false
	}

	candidateFound := retry.Await(ctx, limit, "switchover candidate found", func() bool {
		state, _, err := c.zk.Get(dcs.SwitchoverStatePath)
		return err == nil && state == dcs.SwitchoverStateCandidateFound
	})
	if !candidateFound {
		return false
	}

	// Shut the local instance down and leave its REDO position behind
	// for the candidate's sanity check
	if c.db.StopPostgres(ctx) != 0 {
		contextLogger.Error(nil, "Unable to stop PostgreSQL")
		return false
	}
	if lsn, err := c.db.ControlFileRedoLocation(ctx); err == nil {
		_ = c.zk.Set(dcs.SwitchoverLsnPath, lsn, false)
	}
	if err := c.zk.Set(dcs.FailoverStatePath, dcs.FailoverStateSwitchoverPrimaryShut, false); err != nil {
		contextLogger.Error(err, "Unable to write the failover state")
		return false
	}

	if err := c.zk.ReleaseLockWait(dcs.PrimaryLockPath, 5); err != nil {
		contextLogger.Error(err, "Could not release the leader lock")
	}
	return true
}

// candidateIsSyncWithPrimary bounds the candidate's replay lag unless
// data loss was allowed explicitly
func (c *Controller) candidateIsSyncWithPrimary(
	ctx context.Context,
	dbState *pgmgmt.State,
	candidate string,
) bool {
	contextLogger := log.FromContext(ctx)
	if candidate == "" {
		return true
	}
	maxAllowedLagMs := c.config.Global.MaxAllowedSwitchoverLagMs
	candidateAppName := hostutil.AppName(candidate)
	for _, replica := range dbState.ReplicsInfo {
		if replica.SyncState != pgtypes.SyncStateQuorum && replica.SyncState != pgtypes.SyncStateSync {
			continue
		}
		if replica.ApplicationName != candidateAppName {
			continue
		}
		contextLogger.Info("Candidate replay lag", "candidate", candidate, "lagMs", replica.ReplayLagMsec)
		if replica.ReplayLagMsec > maxAllowedLagMs {
			if !c.config.Replica.AllowPotentialDataLoss {
				contextLogger.Warning(
					"Candidate cannot become primary: replay lag is over the allowed maximum",
					"candidate", candidate, "lagMs", replica.ReplayLagMsec, "maxMs", maxAllowedLagMs)
				return false
			}
			contextLogger.Warning("Candidate lags but data loss is allowed",
				"candidate", candidate, "lagMs", replica.ReplayLagMsec)
		}
		return true
	}
	return true
}

// transitionPrimarySwitchover waits for the new primary to finish and
// attaches behind it; false asks the caller to roll back
func (c *Controller) transitionPrimarySwitchover(ctx context.Context) bool {
	contextLogger := log.FromContext(ctx)
	timeout := c.config.PostgresTimeout()

	finished := retry.Await(ctx, timeout, "new primary finished switchover", func() bool {
		_, found, err := c.zk.Get(dcs.SwitchoverStatePath)
		return err == nil && !found
	})
	if !finished {
		state, _, _ := c.zk.Get(dcs.SwitchoverStatePath)
		contextLogger.Warning(
			"The switchover state did not clear in time, hoping the new primary is doing well",
			"state", state)
		return false
	}

	primary, err := c.zk.CurrentLockHolder(dcs.PrimaryLockPath)
	if err != nil || primary == "" {
		contextLogger.Warning("The switchover state cleared but no one holds the leader lock")
		return false
	}
	// From here the switchover is successful regardless of our state
	if err := c.zk.Delete(dcs.MemberOpPath(c.hostname), false); err != nil {
		contextLogger.Error(err, "Could not drop our operation marker")
	}
	c.attachToPrimary(ctx, primary, c.config.RecoveryTimeout())
	return true
}

// detectReplicaSwitchover recognizes a planned switchover this
// replica may take part in
func (c *Controller) detectReplicaSwitchover(ctx context.Context) bool {
	contextLogger := log.FromContext(ctx)

	if _, found, err := c.zk.Get(dcs.SwitchoverStatePath); err != nil || !found {
		return false
	}

	var info dcs.SwitchoverInfo
	if found, err := c.zk.GetJSON(dcs.SwitchoverPrimaryPath, &info); err != nil || !found || info.Hostname == "" {
		return false
	}

	// The switchover must start from the current timeline
	zkTli, found, err := c.zk.GetInt(dcs.TimelineInfoPath)
	if err != nil || !found || info.Timeline == nil || zkTli != *info.Timeline {
		return false
	}

	// With autofailover available, only a switchover the primary
	// already commenced is ours to join; otherwise failover handles a
	// dead primary better
	failoverState, _, _ := c.zk.Get(dcs.FailoverStatePath)
	commenced := failoverState == dcs.FailoverStateSwitchoverInitiated ||
		failoverState == dcs.FailoverStateSwitchoverPrimaryShut
	if !commenced && c.config.Global.Autofailover {
		return false
	}

	primaryFqdn := c.db.GetPrimaryFqdn()
	if info.Hostname != "" && primaryFqdn != "" && info.Hostname != primaryFqdn {
		contextLogger.Error(nil,
			"The current primary FQDN differs from the switchover node, ignoring the switchover",
			"switchover", info.Hostname, "current", primaryFqdn)
		return false
	}
	return true
}

// canDoSwitchover verifies this replica is the chosen candidate and
// the handover reached a state it can act on
func (c *Controller) canDoSwitchover(ctx context.Context) bool {
	contextLogger := log.FromContext(ctx)

	if !c.isOlderThanPrimary(ctx) {
		return false
	}
	if !c.checkMyTimelineSync(ctx) {
		return false
	}

	candidate := c.getSwitchoverCandidate(ctx)
	if candidate != c.hostname {
		contextLogger.Info("We are not the switchover candidate, so we can't promote",
			"candidate", candidate)
		return false
	}
	contextLogger.Info("We are the switchover candidate, so we have to promote here")

	// A live primary taking part in the handover, or a dead one that
	// cannot fail over, both let us proceed
	failoverState, _, _ := c.zk.Get(dcs.FailoverStatePath)
	if failoverState == dcs.FailoverStateSwitchoverInitiated {
		return true
	}
	holder, err := c.zk.CurrentLockHolder(dcs.PrimaryLockPath)
	if err == nil && holder == "" {
		return true
	}
	contextLogger.Warning("The primary holds the lock but didn't initiate the switchover yet, waiting")
	return false
}

// isOlderThanPrimary verifies our replay position passed the old
// primary's shutdown REDO record; a missing LSN means the primary is
// dead and the check cannot hold anyone back
func (c *Controller) isOlderThanPrimary(ctx context.Context) bool {
	lsn, found, err := c.zk.Get(dcs.SwitchoverLsnPath)
	if err != nil {
		return false
	}
	if !found || lsn == "" {
		return true
	}
	// Our position must be past the primary's REDO because of the
	// shutdown record itself
	diff, err := c.db.GetReplayDiff(ctx, lsn)
	if err != nil {
		return false
	}
	return diff > 0
}

// acceptSwitchover runs the candidate side of the handover
func (c *Controller) acceptSwitchover(ctx context.Context, lockHolder, previousPrimary string) {
	contextLogger := log.FromContext(ctx)

	if !c.canDoSwitchover(ctx) {
		return
	}

	// Only one host may pass canDoSwitchover into this branch
	if err := c.zk.Set(dcs.SwitchoverStatePath, dcs.SwitchoverStateCandidateFound, false); err != nil {
		contextLogger.Error(err, "Failed to announce ourselves as the new primary candidate")
		return
	}

	// All checks done: wait for the primary shutdown, take the lock,
	// promote and record the switchover timestamp
	limit := c.config.PostgresTimeout()
	currentPrimary := lockHolder
	if currentPrimary == "" {
		currentPrimary = previousPrimary
	}
	if currentPrimary != "" {
		primaryDown := retry.Await(ctx, limit, "primary is down", func() bool {
			return c.checkPrimaryIsReallyDead(ctx, currentPrimary)
		})
		if !primaryDown {
			return
		}
	}

	// The shut state only comes while the old primary is alive to
	// write it
	if lockHolder != "" {
		shut := retry.Await(ctx, limit, "failover state is switchover_master_shut", func() bool {
			state, _, err := c.zk.Get(dcs.FailoverStatePath)
			return err == nil && state == dcs.FailoverStateSwitchoverPrimaryShut
		})
		if !shut {
			contextLogger.Warning(
				"Timed out waiting for the old primary to stop; giving up on this iteration")
			return
		}
	}

	if !c.zk.TryAcquirePrimaryLock(ctx, true, limit) {
		contextLogger.Info("Could not acquire the leader lock, not doing anything")
		return
	}

	if !c.doFailover(ctx) {
		return
	}

	c.cleanupSwitchover(ctx)
	if err := c.zk.SetFloat(dcs.LastSwitchoverTimePath, float64(time.Now().UnixNano())/1e9, true); err != nil {
		contextLogger.Warning("Could not record the switchover time", "err", err)
	}
}
