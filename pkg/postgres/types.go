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

// Package postgres holds the data types describing the state of a
// PostgreSQL instance and of its replication mesh, shared between the
// database adapter, the coordination layer and the control loop
package postgres

// Role is the observed role of the local instance
type Role string

const (
	// RolePrimary means the instance is not in recovery
	RolePrimary Role = "primary"
	// RoleReplica means the instance is in recovery
	RoleReplica Role = "replica"
	// RoleUnknown means the instance cannot be queried
	RoleUnknown Role = ""
)

// Replication states reported by pg_stat_replication
const (
	// ReplicaStateStreaming is a connected, streaming walsender
	ReplicaStateStreaming = "streaming"

	// SyncStateAsync marks an asynchronous walsender
	SyncStateAsync = "async"
	// SyncStateSync marks the synchronous walsender
	SyncStateSync = "sync"
	// SyncStateQuorum marks a quorum-set walsender
	SyncStateQuorum = "quorum"
)

// ReplicationType is the decided replication mode
type ReplicationType string

const (
	// ReplicationAsync asks for no synchronous standby
	ReplicationAsync ReplicationType = "async"
	// ReplicationSync asks for a synchronous standby set
	ReplicationSync ReplicationType = "sync"
)

// ReplicaInfo is one row of the primary's view of its replicas,
// as stored in the coordination service
type ReplicaInfo struct {
	Pid                int64  `json:"pid"`
	ApplicationName    string `json:"application_name"`
	ClientHostname     string `json:"client_hostname"`
	ClientAddr         string `json:"client_addr"`
	State              string `json:"state"`
	PrimaryLocation    string `json:"primary_location"`
	SentLocationDiff   int64  `json:"sent_location_diff"`
	WriteLocationDiff  int64  `json:"write_location_diff"`
	ReplayLocationDiff int64  `json:"replay_location_diff"`
	ReplayLagMsec      int64  `json:"replay_lag_msec"`
	BackendStartTs     int64  `json:"backend_start_ts"`
	ReplyTimeMs        int64  `json:"reply_time_ms"`
	SyncState          string `json:"sync_state"`

	// Priority is only populated when the infos are extended with the
	// registry priorities, during switchover candidate selection
	Priority int64 `json:"priority,omitempty"`
}

// WalReceiverInfo is one row of pg_stat_wal_receiver
type WalReceiverInfo struct {
	Pid                   int64  `json:"pid"`
	Status                string `json:"status"`
	SlotName              string `json:"slot_name"`
	LastMsgReceiptTimeMs  int64  `json:"last_msg_receipt_time_msec"`
	ConnInfo              string `json:"conninfo"`
}

// ReplicationState pairs the decided mode with the raw
// synchronous_standby_names value backing it
type ReplicationState struct {
	Type  ReplicationType
	Names string
}

// StreamingReplica finds the streaming row of the given
// application_name, or nil
func StreamingReplica(infos []ReplicaInfo, appName string) *ReplicaInfo {
	for i := range infos {
		if infos[i].ApplicationName == appName && infos[i].State == ReplicaStateStreaming {
			return &infos[i]
		}
	}
	return nil
}
