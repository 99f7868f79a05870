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

package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/lib/pq"

	"github.com/pgkeeper/pgkeeper/pkg/hostutil"
	"github.com/pgkeeper/pgkeeper/pkg/log"
	pgtypes "github.com/pgkeeper/pgkeeper/pkg/postgres"
)

const replicsInfoQuery = `SELECT pid, application_name,
    COALESCE(client_hostname, ''), COALESCE(host(client_addr), ''), state,
    %[1]s::text AS primary_location,
    pg_wal_lsn_diff(%[1]s, sent_lsn) AS sent_location_diff,
    pg_wal_lsn_diff(%[1]s, write_lsn) AS write_location_diff,
    pg_wal_lsn_diff(%[1]s, replay_lsn) AS replay_location_diff,
    COALESCE(1000*EXTRACT(epoch from replay_lag), 0)::bigint AS replay_lag_msec,
    extract(epoch from backend_start)::bigint AS backend_start_ts,
    COALESCE((1000*extract(epoch from reply_time))::bigint, 0) AS reply_time_ms,
    sync_state FROM pg_stat_replication
    WHERE application_name != 'pg_basebackup'
    AND application_name != 'pg_receivewal'
    AND state = 'streaming'`

// GetReplicsInfo reads the walsender view. The reference LSN is the
// current write position on a primary and the replay position on a
// replica.
func (instance *Instance) GetReplicsInfo(ctx context.Context, role pgtypes.Role) ([]pgtypes.ReplicaInfo, error) {
	currentLsn := "pg_current_wal_lsn()"
	if role == pgtypes.RoleReplica {
		currentLsn = "pg_last_wal_replay_lsn()"
	}
	rows, err := instance.query(ctx, fmt.Sprintf(replicsInfoQuery, currentLsn))
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	var result []pgtypes.ReplicaInfo
	for rows.Next() {
		var info pgtypes.ReplicaInfo
		if err := rows.Scan(
			&info.Pid,
			&info.ApplicationName,
			&info.ClientHostname,
			&info.ClientAddr,
			&info.State,
			&info.PrimaryLocation,
			&info.SentLocationDiff,
			&info.WriteLocationDiff,
			&info.ReplayLocationDiff,
			&info.ReplayLagMsec,
			&info.BackendStartTs,
			&info.ReplyTimeMs,
			&info.SyncState,
		); err != nil {
			return nil, err
		}
		result = append(result, info)
	}
	return result, rows.Err()
}

// GetWalReceiverInfo reads the walreceiver view, nil when the local
// instance receives nothing
func (instance *Instance) GetWalReceiverInfo(ctx context.Context) (*pgtypes.WalReceiverInfo, error) {
	rows, err := instance.query(ctx, `SELECT pid, status, COALESCE(slot_name, ''),
        COALESCE(1000*EXTRACT(epoch FROM last_msg_receipt_time), 0)::bigint AS last_msg_receipt_time_msec,
        COALESCE(conninfo, '') FROM pg_stat_wal_receiver`)
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()

	if !rows.Next() {
		return nil, rows.Err()
	}
	var info pgtypes.WalReceiverInfo
	if err := rows.Scan(&info.Pid, &info.Status, &info.SlotName,
		&info.LastMsgReceiptTimeMs, &info.ConnInfo); err != nil {
		return nil, err
	}
	return &info, rows.Err()
}

// GetReplicationState reads synchronous_standby_names and classifies
// the replication mode it implies
func (instance *Instance) GetReplicationState(ctx context.Context) (pgtypes.ReplicationState, error) {
	var names string
	if err := instance.queryScalar(ctx, "SHOW synchronous_standby_names", &names); err != nil {
		return pgtypes.ReplicationState{}, err
	}
	if names == "" {
		return pgtypes.ReplicationState{Type: pgtypes.ReplicationAsync}, nil
	}
	return pgtypes.ReplicationState{Type: pgtypes.ReplicationSync, Names: names}, nil
}

// GetSessionsRatio reports active sessions over max_connections,
// in percent
func (instance *Instance) GetSessionsRatio(ctx context.Context) (float64, error) {
	var active float64
	if err := instance.queryScalar(ctx,
		"SELECT count(*) FROM pg_stat_activity WHERE state != 'idle'", &active); err != nil {
		return 0, err
	}
	var maxConnections float64
	if err := instance.queryScalar(ctx, "SHOW max_connections", &maxConnections); err != nil {
		return 0, err
	}
	return active / maxConnections * 100, nil
}

// Lwaldump reads the LSN of the last durable WAL record through the
// lwaldump extension, which survives kill -9
func (instance *Instance) Lwaldump(ctx context.Context) (int64, error) {
	var lsn int64
	err := instance.queryScalar(ctx,
		"SELECT pg_wal_lsn_diff(lwaldump(), '0/00000000')::bigint", &lsn)
	return lsn, err
}

// GetWalReceiveLsn reads the last received LSN as a byte offset,
// preferring lwaldump when configured
func (instance *Instance) GetWalReceiveLsn(ctx context.Context) (int64, error) {
	if instance.useLwaldump {
		return instance.Lwaldump(ctx)
	}
	var lsn int64
	err := instance.queryScalar(ctx,
		"SELECT pg_wal_lsn_diff(pg_last_wal_receive_lsn(), '0/00000000')::bigint", &lsn)
	return lsn, err
}

// GetReplayDiff reports how far the local replay position is past the
// given LSN
func (instance *Instance) GetReplayDiff(ctx context.Context, diffFrom string) (int64, error) {
	var diff int64
	err := instance.queryScalar(ctx, fmt.Sprintf(
		"SELECT pg_wal_lsn_diff(pg_last_wal_replay_lsn(), %s)::bigint",
		pq.QuoteLiteral(diffFrom)), &diff)
	return diff, err
}

// CheckWalsender terminates a walsender claiming the sync seat while
// not being the sync lock holder
func (instance *Instance) CheckWalsender(
	ctx context.Context,
	replicsInfo []pgtypes.ReplicaInfo,
	holderFqdn string,
) {
	holderAppName := hostutil.AppName(holderFqdn)
	for _, replica := range replicsInfo {
		if replica.SyncState == pgtypes.SyncStateSync && replica.ApplicationName != holderAppName {
			log.Warning("Sync replica and sync lock holder differ, killing walsender",
				"walsender", replica.ApplicationName, "holder", holderFqdn)
			if process, err := os.FindProcess(int(replica.Pid)); err == nil {
				_ = process.Signal(syscall.SIGTERM)
			}
			return
		}
	}
}

// CheckWalreceiver tells whether a walreceiver is streaming
func (instance *Instance) CheckWalreceiver(ctx context.Context) bool {
	rows, err := instance.query(ctx, "SELECT pid FROM pg_stat_wal_receiver WHERE status = 'streaming'")
	if err != nil {
		log.Error(err, "Unable to get wal receiver state")
		return false
	}
	defer func() {
		_ = rows.Close()
	}()
	return rows.Next()
}

// IsReplayingWal samples the replay position twice and reports
// whether it advanced
func (instance *Instance) IsReplayingWal(ctx context.Context, checkTime time.Duration) bool {
	before, err := instance.GetReplayDiff(ctx, "0/00000000")
	if err != nil {
		return false
	}
	select {
	case <-ctx.Done():
		return false
	case <-time.After(checkTime):
	}
	after, err := instance.GetReplayDiff(ctx, "0/00000000")
	if err != nil {
		return false
	}
	return before < after
}

// WalReplayPause pauses WAL replay
func (instance *Instance) WalReplayPause(ctx context.Context) error {
	return instance.exec(ctx, "SELECT pg_wal_replay_pause()")
}

// WalReplayResume resumes WAL replay
func (instance *Instance) WalReplayResume(ctx context.Context) error {
	return instance.exec(ctx, "SELECT pg_wal_replay_resume()")
}

// IsWalReplayPaused reads the replay pause flag
func (instance *Instance) IsWalReplayPaused(ctx context.Context) (bool, error) {
	var paused bool
	err := instance.queryScalar(ctx, "SELECT pg_is_wal_replay_paused()", &paused)
	return paused, err
}

// EnsureReplayingWal resumes WAL replay when it was left paused
func (instance *Instance) EnsureReplayingWal(ctx context.Context) {
	paused, err := instance.IsWalReplayPaused(ctx)
	if err != nil {
		return
	}
	if paused {
		log.Warning("WAL replay is paused, resuming it")
		if err := instance.WalReplayResume(ctx); err != nil {
			log.Error(err, "Could not resume WAL replay")
		}
	}
}

// TerminateBackend sends SIGTERM to a backend. The pid may already be
// gone, so the outcome is not checked.
func (instance *Instance) TerminateBackend(ctx context.Context, pid int64) {
	_ = instance.exec(ctx, fmt.Sprintf("SELECT pg_terminate_backend(%d)", pid))
}

// Checkpoint forces a checkpoint, optionally through an alternative
// query used by the container tests
func (instance *Instance) Checkpoint(ctx context.Context, query string) error {
	log.Warning("Initiating checkpoint")
	if query == "" {
		query = "CHECKPOINT"
	}
	return instance.exec(ctx, query)
}

// GetReplicationSlots lists the physical replication slot names
func (instance *Instance) GetReplicationSlots(ctx context.Context) ([]string, error) {
	rows, err := instance.query(ctx, "SELECT slot_name FROM pg_replication_slots")
	if err != nil {
		return nil, err
	}
	defer func() {
		_ = rows.Close()
	}()
	var slots []string
	for rows.Next() {
		var name string
		if err := rows.Scan(&name); err != nil {
			return nil, err
		}
		slots = append(slots, name)
	}
	return slots, rows.Err()
}

// CreateReplicationSlots creates every missing slot from the list
func (instance *Instance) CreateReplicationSlots(ctx context.Context, slots []string, verbose bool) bool {
	current, err := instance.GetReplicationSlots(ctx)
	if err != nil {
		current = nil
	}
	existing := make(map[string]bool, len(current))
	for _, slot := range current {
		existing[slot] = true
	}
	for _, slot := range slots {
		if existing[slot] {
			if verbose {
				log.Debug("Slot already exists", "slot", slot)
			}
			continue
		}
		log.Info("Creating replication slot", "slot", slot)
		if err := instance.exec(ctx, fmt.Sprintf(
			"SELECT pg_create_physical_replication_slot(%s, true)", pq.QuoteLiteral(slot))); err != nil {
			log.Error(err, "Could not create replication slot", "slot", slot)
			return false
		}
	}
	return true
}

// DropReplicationSlots drops every present slot from the list
func (instance *Instance) DropReplicationSlots(ctx context.Context, slots []string, verbose bool) bool {
	current, err := instance.GetReplicationSlots(ctx)
	if err != nil {
		current = nil
	}
	existing := make(map[string]bool, len(current))
	for _, slot := range current {
		existing[slot] = true
	}
	for _, slot := range slots {
		if err == nil && !existing[slot] {
			if verbose {
				log.Debug("Slot does not exist", "slot", slot)
			}
			continue
		}
		log.Info("Dropping replication slot", "slot", slot)
		if err := instance.exec(ctx, fmt.Sprintf(
			"SELECT pg_drop_replication_slot(%s)", pq.QuoteLiteral(slot))); err != nil {
			log.Error(err, "Could not drop replication slot", "slot", slot)
			return false
		}
	}
	return true
}

// probeConnection verifies a remote host answers basic queries,
// optionally insisting it is a primary
func probeConnection(ctx context.Context, connString string, requirePrimary bool) bool {
	db, err := sql.Open("postgres", connString)
	if err != nil {
		return false
	}
	defer func() {
		_ = db.Close()
	}()
	db.SetMaxOpenConns(1)

	var inRecovery bool
	row := db.QueryRowContext(ctx, "SELECT pg_is_in_recovery()")
	if err := row.Scan(&inRecovery); err != nil {
		log.Debug("Remote probe failed", "err", err)
		return false
	}
	if requirePrimary && inRecovery {
		return false
	}
	return true
}

// IsHostReachable probes a remote host through libpq
func (instance *Instance) IsHostReachable(ctx context.Context, host string) bool {
	connString := fmt.Sprintf("host=%s %s dbname=postgres",
		host, instance.config.Global.AppendPrimaryConnString)
	return probeConnection(ctx, connString, false)
}

// IsPrimaryReachable probes a remote host and requires it to answer
// as a primary
func (instance *Instance) IsPrimaryReachable(ctx context.Context, host string) bool {
	connString := fmt.Sprintf("host=%s %s dbname=postgres",
		host, instance.config.Global.AppendPrimaryConnString)
	return probeConnection(ctx, connString, true)
}
