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
	"sort"
	"strconv"
	"strings"

	"github.com/pgkeeper/pgkeeper/pkg/dcs"
	"github.com/pgkeeper/pgkeeper/pkg/hostutil"
	"github.com/pgkeeper/pgkeeper/pkg/log"
	pgmgmt "github.com/pgkeeper/pgkeeper/pkg/management/postgres"
	pgtypes "github.com/pgkeeper/pgkeeper/pkg/postgres"
)

// QuorumManager keeps an ANY q(...) synchronous standby set over the
// members holding their quorum locks
type QuorumManager struct {
	base
}

// InitDCS prepares the quorum node
func (m *QuorumManager) InitDCS() bool {
	if err := m.zk.EnsurePath(dcs.QuorumPath); err != nil {
		log.Error(err, "Can't create the quorum path")
		return false
	}
	return true
}

// ShouldClose keeps the primary open after a session loss only while
// enough quorum replicas kept reporting past the loss
func (m *QuorumManager) ShouldClose(ctx context.Context) bool {
	connected, err := m.freshReplicsCount(ctx, pgtypes.SyncStateQuorum)
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
	expected, err := expectedQuorumCount(replState.Names)
	if err != nil {
		log.Error(err, "Unexpected replication state", "names", replState.Names)
		return true
	}
	log.Info("Probably lost the coordination session, checking the need to close",
		"expected", expected, "connectedQuorumReplicas", connected)
	return connected < expected
}

// expectedQuorumCount parses the q of an "ANY q(...)" standby list
func expectedQuorumCount(names string) (int, error) {
	withoutAny := strings.TrimPrefix(names, "ANY ")
	head := strings.SplitN(withoutAny, "(", 2)[0]
	return strconv.Atoi(strings.TrimSpace(head))
}

// UpdateReplicationType reconciles the quorum standby set with the
// current quorum lock holders, publishing the set under the quorum
// node on every change
func (m *QuorumManager) UpdateReplicationType(
	ctx context.Context,
	dbState *pgmgmt.State,
	haReplicas []string,
) {
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

	if current.Type == pgtypes.ReplicationAsync {
		log.Info("Turning synchronous replication on")
	}
	quorumHosts := m.zk.GetSyncQuorumHosts()
	log.Info("Quorum hosts", "hosts", quorumHosts)
	if len(quorumHosts) == 0 {
		log.Error(nil, "No quorum, not doing anything")
		return
	}
	var published []string
	if _, err := m.zk.GetJSON(dcs.QuorumPath, &published); err != nil {
		log.Error(err, "Could not read the published quorum")
		return
	}
	if sameHostSet(quorumHosts, published) && current.Type != pgtypes.ReplicationAsync {
		return
	}
	if m.db.ChangeReplicationToQuorum(ctx, quorumHosts) {
		if err := m.zk.SetJSON(dcs.QuorumPath, quorumHosts, true); err != nil {
			log.Error(err, "Could not publish the quorum")
			return
		}
		log.Info("Turned synchronous replication ON")
	}
}

func sameHostSet(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	as := append([]string(nil), a...)
	bs := append([]string(nil), b...)
	sort.Strings(as)
	sort.Strings(bs)
	for i := range as {
		if as[i] != bs[i] {
			return false
		}
	}
	return true
}

// ChangeReplicationToAsync empties the published quorum and turns
// synchronous replication off
func (m *QuorumManager) ChangeReplicationToAsync(ctx context.Context) bool {
	if err := m.zk.SetJSON(dcs.QuorumPath, []string{}, true); err != nil {
		log.Error(err, "Could not empty the published quorum")
	}
	log.Warning("Killing synchronous replication")
	if m.db.ChangeReplicationToAsync(ctx) {
		log.Info("Turned synchronous replication OFF")
		return true
	}
	return false
}

// EnterSyncGroup takes our quorum membership lock
func (m *QuorumManager) EnterSyncGroup(ctx context.Context, _ []pgtypes.ReplicaInfo) {
	_ = m.zk.AcquireLock(ctx, dcs.HostQuorumLockPath(m.hostname), false, 0)
}

// LeaveSyncGroup drops our quorum membership lock when held
func (m *QuorumManager) LeaveSyncGroup(ctx context.Context) {
	if err := m.zk.ReleaseIfHold(dcs.HostQuorumLockPath(m.hostname), false); err != nil {
		log.Error(err, "Could not leave the quorum group")
	}
}

// IsPromoteSafe requires a majority of the published quorum to be
// streaming within the candidate host group
func (m *QuorumManager) IsPromoteSafe(
	ctx context.Context,
	hostGroup []string,
	replicaInfos []pgtypes.ReplicaInfo,
) bool {
	var syncQuorum []string
	if _, err := m.zk.GetJSON(dcs.QuorumPath, &syncQuorum); err != nil {
		log.Error(err, "Could not read the published quorum")
		return false
	}
	aliveReplics := CurrentReplicsQuorum(replicaInfos, hostGroup)
	log.Info("Evaluating promote safety",
		"syncQuorum", syncQuorum, "aliveHosts", hostGroup, "aliveReplics", aliveReplics)
	hostsInQuorum := 0
	for _, host := range syncQuorum {
		if aliveReplics[host] {
			hostsInQuorum++
		}
	}
	needed := len(syncQuorum)/2 + 1
	log.Info("Quorum majority check", "present", hostsInQuorum, "needed", needed)
	return hostsInQuorum >= needed
}

// GetEnsuredSyncReplica picks the least lagging member of the
// published quorum, priorities breaking ties
func (m *QuorumManager) GetEnsuredSyncReplica(
	ctx context.Context,
	replicaInfos []pgtypes.ReplicaInfo,
) string {
	var quorum []string
	if _, err := m.zk.GetJSON(dcs.QuorumPath, &quorum); err != nil {
		return ""
	}
	syncQuorum := hostutil.AppNameMap(quorum)
	quorumInfos := make([]pgtypes.ReplicaInfo, 0, len(replicaInfos))
	for _, info := range replicaInfos {
		if _, inQuorum := syncQuorum[info.ApplicationName]; inQuorum {
			quorumInfos = append(quorumInfos, info)
		}
	}
	return syncQuorum[OldestReplica(quorumInfos)]
}

// OldestReplica picks the replica with the smallest write lag,
// higher priority winning ties
func OldestReplica(replicaInfos []pgtypes.ReplicaInfo) string {
	if len(replicaInfos) == 0 {
		return ""
	}
	sorted := append([]pgtypes.ReplicaInfo(nil), replicaInfos...)
	sort.SliceStable(sorted, func(i, j int) bool {
		if sorted[i].WriteLocationDiff != sorted[j].WriteLocationDiff {
			return sorted[i].WriteLocationDiff < sorted[j].WriteLocationDiff
		}
		return sorted[i].Priority > sorted[j].Priority
	})
	return sorted[0].ApplicationName
}
