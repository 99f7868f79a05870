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

// Package election implements the three-phase LSN and priority vote
// run over the coordination service when the primary is gone
package election

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/pgkeeper/pgkeeper/pkg/dcs"
	"github.com/pgkeeper/pgkeeper/pkg/hostutil"
	"github.com/pgkeeper/pgkeeper/pkg/log"
	"github.com/pgkeeper/pgkeeper/pkg/replication"
	"github.com/pgkeeper/pgkeeper/pkg/retry"
	pgtypes "github.com/pgkeeper/pgkeeper/pkg/postgres"
)

// Election statuses, published under the election status node
const (
	StatusCleanup      = "cleanup"
	StatusFailed       = "failed"
	StatusDone         = "done"
	StatusSelection    = "selection"
	StatusRegistration = "registration"
)

// The election failure modes
var (
	// ErrStatusChange means an election status transition was lost
	ErrStatusChange = errors.New("failed to change election status")
	// ErrNoWinner means no valid vote survived the selection
	ErrNoWinner = errors.New("no winner found in election")
	// ErrVoteFail means our own vote could not be written
	ErrVoteFail = errors.New("failed to vote in election")
	// ErrCleanup means stale votes could not be removed
	ErrCleanup = errors.New("failed to clean up current votes")
	// ErrTimeout means an election phase did not settle in time
	ErrTimeout = errors.New("election process timed out")
)

// Vote is one host's claim: how much WAL it holds and its configured
// priority
type Vote struct {
	Lsn      int64
	Priority int64
}

// less orders votes, the best one last: higher LSN wins, priority
// breaks ties
func (v Vote) less(other Vote) bool {
	if v.Lsn != other.Lsn {
		return v.Lsn < other.Lsn
	}
	return v.Priority < other.Priority
}

// Election runs one failover election on behalf of the local host
type Election struct {
	zk       *dcs.Client
	timeout  time.Duration
	hostname string

	replicaInfos  []pgtypes.ReplicaInfo
	replManager   replication.Manager
	allowDataLoss bool
	hostPriority  int64
	hostLsn       int64
	quorumSize    int
}

// New prepares an election with the local host's claim
func New(
	zk *dcs.Client,
	timeout time.Duration,
	hostname string,
	replicaInfos []pgtypes.ReplicaInfo,
	replManager replication.Manager,
	allowDataLoss bool,
	hostPriority int64,
	hostLsn int64,
	quorumSize int,
) *Election {
	return &Election{
		zk:            zk,
		timeout:       timeout,
		hostname:      hostname,
		replicaInfos:  replicaInfos,
		replManager:   replManager,
		allowDataLoss: allowDataLoss,
		hostPriority:  hostPriority,
		hostLsn:       hostLsn,
		quorumSize:    quorumSize,
	}
}

// MakeElection takes part in the election, as the manager when the
// manager seat is free or as a participant otherwise. It returns true
// only when the local host is the winner holding the leader lock.
//
// The order of actions inside this protocol was validated against
// race conditions; do not reorder.
func (e *Election) MakeElection(ctx context.Context) (bool, error) {
	if !e.zk.TryAcquireLock(ctx, dcs.ElectionEnterLockPath, true, e.timeout) {
		return false, nil
	}
	managerHolder, err := e.zk.CurrentLockHolder(dcs.ElectionManagerLockPath)
	if err != nil {
		return false, err
	}
	if managerHolder != "" {
		if err := e.zk.ReleaseLock(dcs.ElectionEnterLockPath); err != nil {
			return false, err
		}
		return e.participate(ctx)
	}
	primaryHolder, err := e.zk.CurrentLockHolder(dcs.PrimaryLockPath)
	if err != nil {
		return false, err
	}
	if primaryHolder != "" {
		return false, nil
	}
	if err := e.writeStatus(StatusCleanup); err != nil {
		return false, err
	}
	if !e.zk.TryAcquireLock(ctx, dcs.ElectionManagerLockPath, false, e.timeout) {
		return false, nil
	}
	defer func() {
		if err := e.zk.ReleaseLock(dcs.ElectionManagerLockPath); err != nil {
			log.Error(err, "Could not release the election manager lock")
		}
	}()
	if err := e.zk.ReleaseLock(dcs.ElectionEnterLockPath); err != nil {
		return false, err
	}
	return e.manage(ctx)
}

// participate follows the manager's phases and promotes only when
// declared winner
func (e *Election) participate(ctx context.Context) (bool, error) {
	log.Info("Participating in election")
	if err := e.awaitStatus(ctx, StatusRegistration); err != nil {
		return false, err
	}
	if err := e.vote(); err != nil {
		return false, err
	}
	if err := e.awaitStatus(ctx, StatusDone); err != nil {
		return false, err
	}
	winner, _, err := e.zk.Get(dcs.ElectionWinnerPath)
	if err != nil {
		return false, err
	}
	if winner != e.hostname {
		return false, nil
	}
	if !e.zk.TryAcquirePrimaryLock(ctx, false, e.timeout) {
		return false, nil
	}
	managerCleared := retry.Await(ctx, e.timeout, "election manager lock is empty", func() bool {
		holder, err := e.zk.CurrentLockHolder(dcs.ElectionManagerLockPath)
		return err == nil && holder == ""
	})
	if !managerCleared {
		return false, ErrTimeout
	}
	status, _, err := e.zk.Get(dcs.ElectionStatusPath)
	if err != nil {
		return false, err
	}
	if status == StatusFailed {
		if err := e.zk.ReleaseLock(dcs.PrimaryLockPath); err != nil {
			return false, err
		}
		return false, nil
	}
	return true, nil
}

// manage runs the registration and selection phases. Every election
// is guaranteed to have a single manager.
func (e *Election) manage(ctx context.Context) (bool, error) {
	log.Info("Managing election")
	if err := e.cleanupVotes(); err != nil {
		return false, err
	}
	if err := e.writeStatus(StatusRegistration); err != nil {
		return false, err
	}
	if err := e.vote(); err != nil {
		return false, err
	}
	select {
	case <-ctx.Done():
		return false, ctx.Err()
	case <-time.After(e.timeout / 2):
	}
	if err := e.writeStatus(StatusSelection); err != nil {
		return false, err
	}
	votes := e.collectVotes()
	if !e.isElectionValid(ctx, votes) {
		return false, nil
	}
	winner, err := DetermineWinner(votes)
	if err != nil {
		return false, err
	}
	log.Info("Elected new primary", "winner", winner)
	if err := e.zk.Set(dcs.ElectionWinnerPath, winner, false); err != nil {
		return false, err
	}
	if err := e.writeStatus(StatusDone); err != nil {
		return false, err
	}
	if winner == e.hostname {
		return e.zk.TryAcquirePrimaryLock(ctx, false, e.timeout), nil
	}
	lockTaken := retry.Await(ctx, e.timeout, "leader lock is taken", func() bool {
		holder, err := e.zk.CurrentLockHolder(dcs.PrimaryLockPath)
		return err == nil && holder != ""
	})
	if !lockTaken {
		if err := e.writeStatus(StatusFailed); err != nil {
			log.Error(err, "Could not mark the election as failed")
		}
		return false, ErrTimeout
	}
	return false, nil
}

func (e *Election) vote() error {
	log.Debug("Voting in election", "lsn", e.hostLsn, "priority", e.hostPriority)
	if err := e.zk.EnsurePath(dcs.ElectionVoteHostPath(e.hostname)); err != nil {
		return ErrVoteFail
	}
	if err := e.zk.SetInt(dcs.ElectionVoteLsnPath(e.hostname), e.hostLsn, false); err != nil {
		return ErrVoteFail
	}
	if err := e.zk.SetInt(dcs.ElectionVotePrioPath(e.hostname), e.hostPriority, false); err != nil {
		return ErrVoteFail
	}
	log.Info("Successfully voted")
	return nil
}

// collectVotes reads the claims of every replica known to be
// streaming at failover time
func (e *Election) collectVotes() map[string]Vote {
	votes := make(map[string]Vote)
	haHosts, err := e.zk.GetHAHosts()
	if err != nil {
		log.Error(err, "Failed to list HA hosts for vote collection")
		return votes
	}
	appNameMap := hostutil.AppNameMap(haHosts)
	for _, info := range e.replicaInfos {
		replica := appNameMap[info.ApplicationName]
		if replica == "" {
			continue
		}
		lsn, foundLsn, err := e.zk.GetInt(dcs.ElectionVoteLsnPath(replica))
		if err != nil || !foundLsn {
			log.Error(err, "Failed to get replica LSN for election", "replica", replica)
			continue
		}
		priority, foundPrio, err := e.zk.GetInt(dcs.ElectionVotePrioPath(replica))
		if err != nil || !foundPrio {
			log.Error(err, "Failed to get replica priority for election", "replica", replica)
			continue
		}
		votes[replica] = Vote{Lsn: lsn, Priority: priority}
	}
	log.Info("Collected votes", "votes", votes)
	return votes
}

// isElectionValid checks the quorum size and, without the data loss
// opt-in, the presence of the sync replica's vote
func (e *Election) isElectionValid(ctx context.Context, votes map[string]Vote) bool {
	if len(votes) < e.quorumSize {
		log.Error(nil, "Not enough votes for quorum", "votes", len(votes), "quorum", e.quorumSize)
		return false
	}
	voters := make([]string, 0, len(votes))
	for replica := range votes {
		voters = append(voters, replica)
	}
	if !e.allowDataLoss && !e.replManager.IsPromoteSafe(ctx, voters, e.replicaInfos) {
		log.Error(nil, "Sync replica vote is required but was not found")
		return false
	}
	return true
}

func (e *Election) cleanupVotes() error {
	haHosts, err := e.zk.GetHAHosts()
	if err != nil {
		return ErrCleanup
	}
	for _, replica := range haHosts {
		if err := e.zk.Delete(dcs.ElectionVoteHostPath(replica), true); err != nil {
			return ErrCleanup
		}
	}
	return nil
}

func (e *Election) awaitStatus(ctx context.Context, status string) error {
	reached := retry.Await(ctx, e.timeout, "election status "+status, func() bool {
		current, _, err := e.zk.Get(dcs.ElectionStatusPath)
		return err == nil && current == status
	})
	if !reached {
		return ErrTimeout
	}
	return nil
}

func (e *Election) writeStatus(status string) error {
	log.Debug("Changing election status", "status", status)
	if err := e.zk.Set(dcs.ElectionStatusPath, status, false); err != nil {
		return ErrStatusChange
	}
	return nil
}

// DetermineWinner picks the best vote: highest LSN, then highest
// priority, hostname order settling exact ties deterministically
func DetermineWinner(votes map[string]Vote) (string, error) {
	if len(votes) == 0 {
		return "", ErrNoWinner
	}
	replicas := make([]string, 0, len(votes))
	for replica := range votes {
		replicas = append(replicas, replica)
	}
	sort.Strings(replicas)

	winner := replicas[0]
	for _, replica := range replicas[1:] {
		if votes[winner].less(votes[replica]) {
			winner = replica
		}
	}
	return winner, nil
}
