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

// Package replication decides whether the primary should replicate
// asynchronously or synchronously, elects the synchronous standby set
// through the coordination service, and answers the promote-safety
// questions the failover path asks. Two variants exist: a single
// synchronous replica elected through a lock, and a quorum set kept in
// ANY q(...) form.
package replication

import (
	"context"
	"time"

	"github.com/pgkeeper/pgkeeper/internal/configuration"
	"github.com/pgkeeper/pgkeeper/pkg/dcs"
	"github.com/pgkeeper/pgkeeper/pkg/hostutil"
	pgmgmt "github.com/pgkeeper/pgkeeper/pkg/management/postgres"
	pgtypes "github.com/pgkeeper/pgkeeper/pkg/postgres"
)

// Manager is the capability set shared by the two replication
// management variants
type Manager interface {
	// InitDCS prepares whatever coordination structure the variant
	// needs before the first iteration
	InitDCS() bool

	// DropDCSFailTimestamp resets the coordination-loss bookkeeping,
	// called on every tick that still sees a live session
	DropDCSFailTimestamp()

	// ShouldClose decides whether the primary must close the pooler
	// after losing the coordination session
	ShouldClose(ctx context.Context) bool

	// UpdateReplicationType reconciles synchronous_standby_names with
	// the wanted replication mode
	UpdateReplicationType(ctx context.Context, dbState *pgmgmt.State, haReplicas []string)

	// ChangeReplicationToAsync turns synchronous replication off
	ChangeReplicationToAsync(ctx context.Context) bool

	// EnterSyncGroup makes the local replica a synchronous candidate
	EnterSyncGroup(ctx context.Context, replicaInfos []pgtypes.ReplicaInfo)

	// LeaveSyncGroup withdraws the local replica from the
	// synchronous set
	LeaveSyncGroup(ctx context.Context)

	// IsPromoteSafe tells whether promoting within the given host
	// group cannot lose synchronously committed transactions
	IsPromoteSafe(ctx context.Context, hostGroup []string, replicaInfos []pgtypes.ReplicaInfo) bool

	// GetEnsuredSyncReplica names the replica guaranteed to hold every
	// synchronous commit, empty when there is none
	GetEnsuredSyncReplica(ctx context.Context, replicaInfos []pgtypes.ReplicaInfo) string
}

// NewManager selects the variant configured for this cluster
func NewManager(
	config *configuration.Data,
	instance *pgmgmt.Instance,
	client *dcs.Client,
	hostname string,
) Manager {
	base := base{
		config:   config,
		db:       instance,
		zk:       client,
		hostname: hostname,
	}
	if config.Global.QuorumCommit {
		return &QuorumManager{base: base}
	}
	return &SingleSyncManager{base: base}
}

// base carries the pieces shared by the two variants
type base struct {
	config   *configuration.Data
	db       *pgmgmt.Instance
	zk       *dcs.Client
	hostname string

	// zkFailTimestamp is the moment the coordination session was first
	// observed gone, used by ShouldClose freshness checks
	zkFailTimestamp *time.Time

	// asyncSince is the moment the decision first flipped to async
	// while replication was still synchronous; flipping only happens
	// after it has been held for before_async_unavailability_timeout
	asyncSince *time.Time
}

// DropDCSFailTimestamp resets the session-loss bookkeeping
func (b *base) DropDCSFailTimestamp() {
	b.zkFailTimestamp = nil
}

// markZkFailure records the first observation of a lost session
func (b *base) markZkFailure() time.Time {
	if b.zkFailTimestamp == nil {
		now := time.Now()
		b.zkFailTimestamp = &now
	}
	return *b.zkFailTimestamp
}

// asyncDampingExpired tells whether the async verdict has been held
// long enough to act on it, arming the timer on first sight
func (b *base) asyncDampingExpired() bool {
	if b.asyncSince == nil {
		now := time.Now()
		b.asyncSince = &now
	}
	return time.Since(*b.asyncSince) >= b.config.BeforeAsyncUnavailabilityTimeout()
}

// resetAsyncDamping disarms the sync-to-async timer
func (b *base) resetAsyncDamping() {
	b.asyncSince = nil
}

// freshReplicsCount counts the replicas of the given sync state that
// reported after the session was lost, waiting one availability
// timeout when every report predates the loss
func (b *base) freshReplicsCount(ctx context.Context, syncState string) (int, error) {
	failedAt := b.markZkFailure()

	infos, err := b.db.GetReplicsInfo(ctx, b.db.Role)
	if err != nil {
		return 0, err
	}
	shouldWait := false
	for _, replica := range infos {
		if float64(replica.ReplyTimeMs)/1000 < float64(failedAt.UnixNano())/1e9 {
			shouldWait = true
		}
	}
	if shouldWait {
		select {
		case <-ctx.Done():
		case <-time.After(b.config.PrimaryUnavailabilityTimeout()):
		}
		if infos, err = b.db.GetReplicsInfo(ctx, b.db.Role); err != nil {
			return 0, err
		}
	}

	connected := 0
	for _, replica := range infos {
		if replica.SyncState == syncState &&
			float64(replica.ReplyTimeMs)/1000 > float64(failedAt.UnixNano())/1e9 {
			connected++
		}
	}
	return connected, nil
}

// CurrentReplicsQuorum intersects the streaming replicas with the
// alive host group, by application name
func CurrentReplicsQuorum(replicaInfos []pgtypes.ReplicaInfo, aliveHosts []string) map[string]bool {
	streaming := make(map[string]bool, len(replicaInfos))
	for _, info := range replicaInfos {
		if info.State == pgtypes.ReplicaStateStreaming {
			streaming[info.ApplicationName] = true
		}
	}
	result := make(map[string]bool)
	for _, host := range aliveHosts {
		if streaming[hostutil.AppName(host)] {
			result[host] = true
		}
	}
	return result
}
