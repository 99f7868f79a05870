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
	"fmt"
	"time"

	"github.com/pgkeeper/pgkeeper/pkg/dcs"
	"github.com/pgkeeper/pgkeeper/pkg/fileutils"
	"github.com/pgkeeper/pgkeeper/pkg/log"
	pgtypes "github.com/pgkeeper/pgkeeper/pkg/postgres"
	"github.com/pgkeeper/pgkeeper/pkg/retry"
)

func (c *Controller) resetSimplePrimarySwitchTry() {
	c.checks.primarySwitch = 0
	path := dcs.MemberTriedRemasterPath(c.hostname)
	if value, _, err := c.zk.Get(path); err == nil && value != "no" {
		_ = c.zk.Set(path, "no", false)
	}
}

func (c *Controller) setSimplePrimarySwitchTry() {
	_ = c.zk.Set(dcs.MemberTriedRemasterPath(c.hostname), "yes", false)
}

func (c *Controller) isSimplePrimarySwitchTried() bool {
	value, _, err := c.zk.Get(dcs.MemberTriedRemasterPath(c.hostname))
	return err == nil && value == "yes"
}

// returnToCluster brings this host behind a new primary: first the
// simple way, then pg_rewind
func (c *Controller) returnToCluster(ctx context.Context, newPrimary string, role pgtypes.Role, isDead bool) {
	contextLogger := log.FromContext(ctx)
	contextLogger.Info("Starting return to cluster", "newPrimary", newPrimary)

	if c.checks.primarySwitch >= 0 {
		c.checks.primarySwitch++
	} else {
		c.checks.primarySwitch = 1
	}
	contextLogger.Debug("Primary switch checks", "count", c.checks.primarySwitch)

	c.acquireReplicationSourceSlotLock(ctx, newPrimary)
	failoverState, _, _ := c.zk.Get(dcs.FailoverStatePath)
	switch failoverState {
	case "", dcs.FailoverStateFinished, dcs.FailoverStatePromoting, dcs.FailoverStateCheckpointing:
	default:
		contextLogger.Info("Not able to return to the cluster while a failover is still in progress",
			"failoverState", failoverState)
		return
	}

	limit := c.config.RecoveryTimeout()

	// First find out whether the cluster was turned off correctly
	state, err := c.db.ControlFileClusterState(ctx)
	if err != nil || state == "" {
		contextLogger.Error(err, "Could not get the cluster state from the control file")
		return
	}
	contextLogger.Info("Database cluster state", "state", state)

	// A live replica first tries the easy way: stop, regenerate the
	// recovery configuration, start, wait for streaming. A failed
	// rewind, or an exhausted attempt, forces the hard way.
	lastOp, _, _ := c.zk.Get(dcs.MemberOpPath(c.hostname))
	tried := c.isSimplePrimarySwitchTried()
	if role == pgtypes.RolePrimary || c.isOpDestructive(lastOp) || tried {
		contextLogger.Info("Could not do a simple primary switch",
			"role", string(role), "destructiveOp", c.isOpDestructive(lastOp), "tried", tried)
	} else {
		contextLogger.Info("Trying to do a simple primary switch", "newPrimary", newPrimary)
		if !c.trySimplePrimarySwitchWithLock(ctx, limit, newPrimary, isDead) {
			contextLogger.Error(nil, "Could not simple switch to the primary",
				"newPrimary", newPrimary, "attempts", c.checks.primarySwitch)
		}
		return
	}

	// After too many rewind failures: raise the kill switch, stop
	// PostgreSQL and exit; an operator must look at this host
	if c.checks.rewind > c.config.Global.MaxRewindRetries {
		c.pooler.Stop(ctx)
		c.db.StopPostgres(ctx)
		if _, err := fileutils.WriteStringToFile(
			c.rewindFailFlagPath(),
			fmt.Sprintf("%f", float64(time.Now().UnixNano())/1e9)); err != nil {
			contextLogger.Error(err, "Could not create the rewind fail flag")
		}
		contextLogger.Error(nil, "Could not rewind, exiting", "retries", c.config.Global.MaxRewindRetries)
		c.failFatal(ErrRewindFatal)
		return
	}

	c.rewindFromSource(ctx, isDead, limit, newPrimary)
}

// trySimplePrimarySwitchWithLock optionally serializes simple
// switches cluster-wide through the remaster lock
func (c *Controller) trySimplePrimarySwitchWithLock(
	ctx context.Context,
	limit time.Duration,
	newPrimary string,
	isDead bool,
) bool {
	if !c.config.Global.DoConsecutivePrimarySwitch {
		return c.simplePrimarySwitch(ctx, limit, newPrimary, isDead)
	}
	holder, err := c.zk.CurrentLockHolder(dcs.PrimarySwitchLockPath)
	if err != nil {
		return true
	}
	if holder == "" && !c.zk.TryAcquireLock(ctx, dcs.PrimarySwitchLockPath, false, 0) {
		return true
	}
	holder, err = c.zk.CurrentLockHolder(dcs.PrimarySwitchLockPath)
	if err != nil || holder != c.hostname {
		return true
	}
	result := c.simplePrimarySwitch(ctx, limit, newPrimary, isDead)
	if err := c.zk.ReleaseLock(dcs.PrimarySwitchLockPath); err != nil {
		log.FromContext(ctx).Error(err, "Could not release the remaster lock")
	}
	return result
}

// simplePrimarySwitch restarts the replica against the new primary
// without rewinding
func (c *Controller) simplePrimarySwitch(
	ctx context.Context,
	limit time.Duration,
	newPrimary string,
	isDead bool,
) bool {
	contextLogger := log.FromContext(ctx)
	contextLogger.Info("Starting simple primary switch", "newPrimary", newPrimary)

	if c.checks.primarySwitch >= c.config.Replica.PrimarySwitchChecks {
		c.setSimplePrimarySwitchTry()
	}

	needRestart := c.config.Replica.PrimarySwitchRestart
	if needRestart && !isDead && c.db.StopPostgres(ctx) != 0 {
		contextLogger.Error(nil, "Could not stop PostgreSQL, will retry")
		c.checks.primarySwitch = 0
		return true
	}

	if c.db.GenerateRecoveryConf(ctx, newPrimary) != 0 {
		contextLogger.Error(nil, "Could not generate the recovery configuration, will retry")
		c.checks.primarySwitch = 0
		return true
	}

	if !isDead && !needRestart {
		if !c.db.Reload(ctx) {
			contextLogger.Error(nil, "Could not reload PostgreSQL, skipping it")
		}
		c.db.EnsureReplayingWal(ctx)
	} else {
		if c.db.StartPostgres(ctx) != 0 {
			contextLogger.Error(nil, "Could not start PostgreSQL, skipping it")
		}
	}

	if c.waitForRecovery(ctx, newPrimary, limit) && c.checkArchiveRecovery(ctx, newPrimary, limit) {
		// Consistency reached, but there is a small chance we are not
		// streaming: the new timeline may have forked off before our
		// recovery point. The coordination view settles it.
		if c.waitForStreaming(ctx, newPrimary, limit) {
			contextLogger.Info("Simple primary switch succeeded", "newPrimary", newPrimary)
			c.resetSimplePrimarySwitchTry()
			return true
		}
		return false
	}
	return false
}

// rewindFromSource runs pg_rewind against the new primary, tracking
// the destructive operation in the registry
func (c *Controller) rewindFromSource(
	ctx context.Context,
	isPostgresqlDead bool,
	limit time.Duration,
	newPrimary string,
) {
	contextLogger := log.FromContext(ctx)
	contextLogger.Info("Starting pg_rewind", "source", newPrimary)

	// The rewind source must answer before anything destructive starts
	reachable := retry.Await(ctx, limit, "source database alive and ready for rewind", func() bool {
		return !c.checkHostIsReallyDead(ctx, newPrimary)
	})
	if !reachable {
		return
	}

	if err := c.zk.Set(dcs.MemberOpPath(c.hostname), "rewind", false); err != nil {
		contextLogger.Error(err, "Unable to save the destructive operation marker")
		return
	}

	c.pooler.Stop(ctx)

	if !isPostgresqlDead && c.db.StopPostgres(ctx) != 0 {
		contextLogger.Error(nil, "Could not stop PostgreSQL, will retry")
		return
	}

	c.checks.rewind++
	if c.db.Rewind(ctx, newPrimary) != 0 {
		contextLogger.Error(nil, "Error while using pg_rewind, will retry")
		return
	}

	// Rewind finished; its operation marker can go
	if err := c.zk.Delete(dcs.MemberOpPath(c.hostname), false); err != nil {
		contextLogger.Error(err, "Could not drop the rewind operation marker")
	}
	c.checks.rewind = 0
	c.attachToPrimary(ctx, newPrimary, limit)
}

// attachToPrimary regenerates the recovery configuration and waits
// for the replica to start streaming
func (c *Controller) attachToPrimary(ctx context.Context, newPrimary string, limit time.Duration) bool {
	contextLogger := log.FromContext(ctx)
	contextLogger.Info("Converting role to replica", "primary", newPrimary)
	if c.db.GenerateRecoveryConf(ctx, newPrimary) != 0 {
		contextLogger.Error(nil, "Could not generate the recovery configuration, will retry")
		c.checks.primarySwitch = 0
		return false
	}
	if c.db.StartPostgres(ctx) != 0 {
		contextLogger.Error(nil, "Could not start PostgreSQL, skipping it")
	}
	if !c.waitForRecovery(ctx, newPrimary, limit) {
		c.checks.primarySwitch = 0
		return false
	}
	if !c.waitForStreaming(ctx, newPrimary, limit) {
		c.checks.primarySwitch = 0
		return false
	}
	contextLogger.Info("Returning to the cluster succeeded")
	if err := c.db.Checkpoint(ctx, ""); err != nil {
		contextLogger.Warning("Could not checkpoint after attaching", "err", err)
	}
	return true
}

// waitForRecovery blocks until PostgreSQL completes recovery or
// proves dead
func (c *Controller) waitForRecovery(ctx context.Context, newPrimary string, limit time.Duration) bool {
	contextLogger := log.FromContext(ctx)
	result, ok := retry.Value(ctx, limit, "PostgreSQL has completed recovery",
		func() (bool, bool) {
			c.acquireReplicationSourceSlotLock(ctx, newPrimary)
			alive, terminal := c.db.Status(ctx)
			if !terminal {
				contextLogger.Debug("PostgreSQL is in a nonterminal state")
				return false, false
			}
			if alive {
				contextLogger.Debug("PostgreSQL has completed recovery")
				return true, true
			}
			if c.db.PostgresStatus(ctx) != 0 {
				contextLogger.Error(nil, "PostgreSQL service seems dead, no recovery is possible")
				return false, true
			}
			return false, false
		})
	return ok && result
}

// checkArchiveRecovery reports whether PostgreSQL entered recovery
// from the archive (or started streaming) within the limit
func (c *Controller) checkArchiveRecovery(ctx context.Context, newPrimary string, limit time.Duration) bool {
	contextLogger := log.FromContext(ctx)
	result, ok := retry.Value(ctx, limit, "PostgreSQL started archive recovery",
		func() (bool, bool) {
			if streaming := c.checkPostgresqlStreaming(ctx, newPrimary); streaming != nil && *streaming {
				contextLogger.Debug("PostgreSQL is already streaming", "primary", newPrimary)
				return true, true
			}

			// The role may have changed during this retry cycle
			if c.db.GetRole(ctx) != pgtypes.RoleReplica {
				contextLogger.Warning("PostgreSQL role changed during the archive recovery check")
				c.pooler.Stop(ctx)
				return false, true
			}

			if c.db.IsReplayingWal(ctx, time.Second) {
				contextLogger.Debug("PostgreSQL is in archive recovery")
				return true, true
			}
			return false, false
		})
	return ok && result
}

// checkPostgresqlStreaming answers three ways: streaming (true), not
// possible anymore (false), not yet known (nil)
func (c *Controller) checkPostgresqlStreaming(ctx context.Context, primary string) *bool {
	contextLogger := log.FromContext(ctx)
	yes, no := true, false

	c.acquireReplicationSourceSlotLock(ctx, primary)
	alive, terminal := c.db.Status(ctx)
	if !terminal {
		contextLogger.Debug("PostgreSQL is in a nonterminal state")
		return nil
	}
	if !alive {
		contextLogger.Error(nil, "PostgreSQL is dead, waiting for streaming is useless")
		return &no
	}
	if c.db.GetRole(ctx) != pgtypes.RoleReplica {
		c.pooler.Stop(ctx)
		contextLogger.Warning("PostgreSQL is not a replica, so it can't be streaming")
		return &no
	}

	var infos []pgtypes.ReplicaInfo
	var err error
	if primary != "" {
		_, err = c.zk.GetJSON(dcs.MemberReplicsInfoPath(primary), &infos)
	} else {
		_, err = c.zk.GetJSON(dcs.ReplicsInfoPath, &infos)
	}
	if err != nil {
		contextLogger.Error(err, "Can't get the replica view from the coordination service")
		return &no
	}

	if streamingReplicaFromReplicsInfo(c.hostname, infos) != nil && c.db.CheckWalreceiver(ctx) {
		contextLogger.Debug("PostgreSQL has started streaming", "primary", primary)
		return &yes
	}
	return nil
}

// waitForStreaming blocks until the replica streams from the primary
func (c *Controller) waitForStreaming(ctx context.Context, primary string, limit time.Duration) bool {
	result, ok := retry.Value(ctx, limit,
		fmt.Sprintf("PostgreSQL started streaming from %s", primary),
		func() (bool, bool) {
			switch streaming := c.checkPostgresqlStreaming(ctx, primary); {
			case streaming == nil:
				return false, false
			default:
				return *streaming, true
			}
		})
	return ok && result
}
