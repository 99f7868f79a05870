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

package dcs

import "path"

// Node names inside the per-cluster prefix. Every path here is
// relative; the client joins it with the configured prefix.
const (
	// PrimaryLockPath is the leader lock: its holder is the primary
	PrimaryLockPath = "leader"
	// LastPrimaryPath records the last host that took the leader lock
	LastPrimaryPath = "last_leader"
	// PrimarySwitchLockPath serializes simple primary switches
	PrimarySwitchLockPath = "remaster"
	// SyncReplicaLockPath is held by the single synchronous replica
	SyncReplicaLockPath = "sync_replica"

	// QuorumPath holds the JSON list of quorum member hostnames
	QuorumPath = "quorum"

	// ReplicsInfoPath holds the primary's view of its replicas
	ReplicsInfoPath = "replics_info"
	// TimelineInfoPath holds the current primary timeline
	TimelineInfoPath = "timeline"
	// FailoverStatePath tracks the failover state machine
	FailoverStatePath = "failover_state"
	// FailoverMustBeResetPath marks a failover reset that could not complete
	FailoverMustBeResetPath = "failover_must_be_reset"
	// CurrentPromotingHostPath names the host attempting promotion
	CurrentPromotingHostPath = "current_promoting_host"
	// LastFailoverTimePath is the epoch timestamp of the last failover
	LastFailoverTimePath = "last_failover_time"
	// LastPrimaryAvailabilityTimePath is refreshed by a live primary
	LastPrimaryAvailabilityTimePath = "last_master_activity_time"
	// LastSwitchoverTimePath is the epoch timestamp of the last switchover
	LastSwitchoverTimePath = "last_switchover_time"

	// SwitchoverRootPath groups the planned switchover nodes
	SwitchoverRootPath = "switchover"
	// SwitchoverLockPath guards writes under the switchover tree
	SwitchoverLockPath = "switchover/lock"
	// SwitchoverPrimaryPath holds the switchover intent as JSON
	SwitchoverPrimaryPath = "switchover/master"
	// SwitchoverCandidatePath is reserved for the chosen candidate
	SwitchoverCandidatePath = "switchover/candidate"
	// SwitchoverStatePath tracks the switchover state machine
	SwitchoverStatePath = "switchover/state"
	// SwitchoverLsnPath is the REDO LSN of the shut down old primary
	SwitchoverLsnPath = "switchover/lsn"

	// MaintenancePath freezes the automation when it reads "enable"
	MaintenancePath = "maintenance"
	// MaintenanceTimePath records when maintenance was entered
	MaintenanceTimePath = "maintenance/ts"
	// MaintenancePrimaryPath records the primary at maintenance entry
	MaintenancePrimaryPath = "maintenance/master"

	// HostReplicationSourcesPath groups the per-upstream read locks
	HostReplicationSourcesPath = "replication_sources"

	// SingleNodePath marks a cluster with exactly one HA member
	SingleNodePath = "is_single_node"

	// ElectionEnterLockPath funnels hosts entering a failover election
	ElectionEnterLockPath = "enter_election"
	// ElectionManagerLockPath is held by the single election manager
	ElectionManagerLockPath = "epoch_manager"
	// ElectionWinnerPath names the elected host
	ElectionWinnerPath = "election_winner"
	// ElectionStatusPath tracks the election phases
	ElectionStatusPath = "election_status"
	// ElectionVotePath groups the per-host election votes
	ElectionVotePath = "election_vote"

	// MembersPath is the permanent registry of every cluster member
	MembersPath = "all_hosts"
)

// Switchover states
const (
	// SwitchoverStateScheduled is written by the operator tool
	SwitchoverStateScheduled = "scheduled"
	// SwitchoverStateInitiated is written by the primary
	SwitchoverStateInitiated = "initiated"
	// SwitchoverStateCandidateFound is written by the promoted candidate
	SwitchoverStateCandidateFound = "candidate_found"
	// SwitchoverStateFailed marks an aborted switchover
	SwitchoverStateFailed = "failed"
)

// Failover states
const (
	// FailoverStatePromoting means the winner is running pg_promote
	FailoverStatePromoting = "promoting"
	// FailoverStateCreatingSlots means the winner is recreating slots
	FailoverStateCreatingSlots = "creating_slots"
	// FailoverStateCheckpointing means the winner is checkpointing
	FailoverStateCheckpointing = "checkpointing"
	// FailoverStateSwitchoverInitiated is the switchover handshake start
	FailoverStateSwitchoverInitiated = "switchover_initiated"
	// FailoverStateSwitchoverPrimaryShut means the old primary stopped
	FailoverStateSwitchoverPrimaryShut = "switchover_master_shut"
	// FailoverStateFinished closes the failover state machine
	FailoverStateFinished = "finished"
)

// Maintenance values
const (
	// MaintenanceEnable freezes the automation
	MaintenanceEnable = "enable"
	// MaintenanceDisable asks the primary to drop the maintenance tree
	MaintenanceDisable = "disable"
)

// MemberPath returns the registry node of a host
func MemberPath(hostname string) string {
	return path.Join(MembersPath, hostname)
}

// MemberHAPath marks a host as an HA member
func MemberHAPath(hostname string) string {
	return path.Join(MembersPath, hostname, "ha")
}

// MemberPrioPath holds the election priority of a host
func MemberPrioPath(hostname string) string {
	return path.Join(MembersPath, hostname, "prio")
}

// MemberOpPath holds the in-flight destructive operation of a host
func MemberOpPath(hostname string) string {
	return path.Join(MembersPath, hostname, "op")
}

// MemberWalReceiverPath holds the observed walreceiver state of a host
func MemberWalReceiverPath(hostname string) string {
	return path.Join(MembersPath, hostname, "wal_receiver")
}

// MemberReplicsInfoPath holds the replica view observed by a host
func MemberReplicsInfoPath(hostname string) string {
	return path.Join(MembersPath, hostname, "replics_info")
}

// MemberTriedRemasterPath marks an exhausted simple switch attempt
func MemberTriedRemasterPath(hostname string) string {
	return path.Join(MembersPath, hostname, "tried_remaster")
}

// MemberSSNValuePath advertises the synchronous_standby_names value
func MemberSSNValuePath(hostname string) string {
	return path.Join(MembersPath, hostname, "synchronous_standby_names", "value")
}

// MemberSSNDatePath advertises when the SSN value was last updated
func MemberSSNDatePath(hostname string) string {
	return path.Join(MembersPath, hostname, "synchronous_standby_names", "last_update")
}

// HostAliveLockPath is the self-reachability lock of a host
func HostAliveLockPath(hostname string) string {
	return path.Join("alive", hostname)
}

// HostMaintenancePath is the per-host maintenance acknowledgement
func HostMaintenancePath(hostname string) string {
	return path.Join(MaintenancePath, hostname)
}

// HostQuorumLockPath is the quorum membership lock of a host
func HostQuorumLockPath(hostname string) string {
	return path.Join(QuorumPath, "members", hostname)
}

// ReplicationSourcePath is the read lock advertising who streams
// from the given upstream
func ReplicationSourcePath(upstream string) string {
	return path.Join(HostReplicationSourcesPath, upstream)
}

// ElectionVoteHostPath groups the vote of a single host
func ElectionVoteHostPath(hostname string) string {
	return path.Join(ElectionVotePath, hostname)
}

// ElectionVoteLsnPath holds the LSN component of a vote
func ElectionVoteLsnPath(hostname string) string {
	return path.Join(ElectionVotePath, hostname, "lsn")
}

// ElectionVotePrioPath holds the priority component of a vote
func ElectionVotePrioPath(hostname string) string {
	return path.Join(ElectionVotePath, hostname, "prio")
}
