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

	"github.com/pgkeeper/pgkeeper/pkg/dcs"
	"github.com/pgkeeper/pgkeeper/pkg/hostutil"
	"github.com/pgkeeper/pgkeeper/pkg/log"
)

// handleSlots reconciles the physical replication slots with the read
// lock holders under our replication source node. Hosts vanish from
// the holders for a while before their slot is dropped, controlled by
// the drop countdown.
func (c *Controller) handleSlots(ctx context.Context) {
	contextLogger := log.FromContext(ctx)
	if !c.config.Global.ReplicationSlotsPolling {
		return
	}

	holders, err := c.zk.LockContenders(dcs.ReplicationSourcePath(c.hostname))
	if err != nil {
		contextLogger.Warning(
			"Could not get the slot lock holders, skipping replication slot handling this time",
			"err", err)
		return
	}
	holderSet := make(map[string]bool, len(holders))
	for _, holder := range holders {
		holderSet[holder] = true
	}

	allHosts, err := c.zk.Children(dcs.MembersPath)
	if err != nil || len(allHosts) == 0 {
		contextLogger.Warning(
			"Could not get the host list, skipping replication slot handling this time")
		return
	}

	var nonHolders []string
	for _, host := range allHosts {
		if holderSet[host] {
			c.slotDropCountdown[host] = c.config.Global.DropSlotCountdown
			continue
		}
		if _, tracked := c.slotDropCountdown[host]; !tracked {
			c.slotDropCountdown[host] = c.config.Global.DropSlotCountdown
		}
		c.slotDropCountdown[host]--
		if c.slotDropCountdown[host] < 0 {
			nonHolders = append(nonHolders, host)
		}
	}

	// Create the slots of every present holder
	slotNames := make([]string, 0, len(holders))
	for _, holder := range holders {
		slotNames = append(slotNames, hostutil.AppName(holder))
	}
	if actual, err := c.db.GetReplicationSlots(ctx); err != nil {
		contextLogger.Warning("Failed to get the actual replication slots")
		// Creation and dropping still proceed; each re-reads the slot
		// list on its own
	} else {
		contextLogger.Debug("Actual replication slots", "slots", actual)
	}
	if !c.db.CreateReplicationSlots(ctx, slotNames, false) {
		contextLogger.Warning("Could not create replication slots", "slots", slotNames)
	}

	// Drop the slots of hosts absent beyond the countdown
	toDrop := make([]string, 0, len(nonHolders))
	for _, host := range nonHolders {
		if host == c.hostname {
			continue
		}
		toDrop = append(toDrop, hostutil.AppName(host))
	}
	if !c.db.DropReplicationSlots(ctx, toDrop, false) {
		contextLogger.Warning("Could not drop replication slots", "slots", toDrop)
	}
}

// acquireReplicationSourceSlotLock advertises our upstream through a
// read lock, releasing the slots held on any other host. An empty
// source only releases.
func (c *Controller) acquireReplicationSourceSlotLock(ctx context.Context, source string) {
	if !c.config.Global.ReplicationSlotsPolling {
		return
	}
	c.reinitZk()

	// The old upstream must drop our slot eventually, and there may be
	// several pretenders; release the read lock on every host but the
	// new source
	sources, err := c.zk.Children(dcs.HostReplicationSourcesPath)
	if err != nil || sources == nil {
		log.FromContext(ctx).Warning(
			"Could not get the replication source list, skipping old slot lock release this time")
	} else {
		for _, host := range sources {
			if host != source {
				if err := c.zk.ReleaseIfHold(dcs.ReplicationSourcePath(host), true); err != nil {
					log.FromContext(ctx).Warning("Could not release a replication source lock",
						"source", host, "err", err)
				}
			}
		}
	}
	if source != "" {
		// The new upstream sees the lock and creates our slot
		if !c.zk.TryAcquireReadLock(ctx, dcs.ReplicationSourcePath(source), 0) {
			log.FromContext(ctx).Warning("Could not acquire the replication source lock",
				"source", source)
		}
	}
}
