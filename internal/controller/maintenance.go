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

// updateMaintenanceStatus reconciles the operator-driven maintenance
// freeze on every tick
func (c *Controller) updateMaintenanceStatus(
	ctx context.Context,
	role pgtypes.Role,
	primaryFqdn string,
	zkTimeline *int64,
	dbState *pgmgmt.State,
) {
	contextLogger := log.FromContext(ctx)
	status, _, err := c.zk.Get(dcs.MaintenancePath)
	if err != nil {
		return
	}

	switch status {
	case dcs.MaintenanceEnable:
		c.isInMaintenance = true
		// A primary whose timeline expired during maintenance must not
		// keep serving: there was a failover behind our back
		if role == pgtypes.RolePrimary &&
			(zkTimeline == nil || dbState.Timeline == 0 || *zkTimeline > dbState.Timeline) {
			c.pooler.Stop(ctx)
			c.db.StopArchivingWal(ctx)
			return
		}
		if role == pgtypes.RolePrimary && c.updateReplicationOnMaintenanceEnter(ctx) && !c.isSingleNode {
			return
		}
		// Record entry timestamp and primary once; both are dropped on
		// disable
		if _, found, _ := c.zk.Get(dcs.MaintenanceTimePath); !found {
			_ = c.zk.SetFloat(dcs.MaintenanceTimePath, float64(time.Now().UnixNano())/1e9, false)
		}
		if current, found, _ := c.zk.Get(dcs.MaintenancePrimaryPath); !found || current == "" {
			if primaryFqdn != "" {
				_ = c.zk.Set(dcs.MaintenancePrimaryPath, primaryFqdn, false)
			}
		}
	case dcs.MaintenanceDisable:
		// The whole tree goes at once: waiting for every member to
		// remove its own node could block forever on a dead host
		contextLogger.Debug("Disabling maintenance mode, deleting the maintenance tree")
		if err := c.zk.Delete(dcs.MaintenancePath, true); err != nil {
			contextLogger.Error(err, "Could not delete the maintenance tree")
			return
		}
		c.isInMaintenance = false
	default:
		c.isInMaintenance = false
	}
}

// updateReplicationOnMaintenanceEnter turns synchronous replication
// off for the duration of the maintenance unless configured otherwise.
// Returns true when nothing more needs to happen this tick.
func (c *Controller) updateReplicationOnMaintenanceEnter(ctx context.Context) bool {
	if !c.config.Primary.ChangeReplicationType {
		return true
	}
	if c.config.Primary.SyncReplicationInMaintenance {
		return true
	}
	current, err := c.db.GetReplicationState(ctx)
	if err != nil {
		return false
	}
	if current.Type == pgtypes.ReplicationAsync {
		return true
	}
	return c.replManager.ChangeReplicationToAsync(ctx)
}
