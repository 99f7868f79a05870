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

// Package switchover is the out-of-band client seeding a planned
// switchover intent into the coordination service and observing its
// progress
package switchover

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/pgkeeper/pgkeeper/pkg/dcs"
	"github.com/pgkeeper/pgkeeper/pkg/hostutil"
	"github.com/pgkeeper/pgkeeper/pkg/log"
	pgtypes "github.com/pgkeeper/pgkeeper/pkg/postgres"
	"github.com/pgkeeper/pgkeeper/pkg/retry"
)

// ErrSwitchover wraps every failure of the switchover client
var ErrSwitchover = errors.New("unable to switchover")

// Plan is the resolved coordinates of the switchover
type Plan struct {
	Primary     string
	SyncReplica string
	Timeline    *int64
}

// State is a point-in-time observation of the switchover progress
type State struct {
	Progress string
	Info     dcs.SwitchoverInfo
	Failover string
	Replicas []pgtypes.ReplicaInfo
}

// Switchover drives one planned switchover:
//
//  1. Collect the coordinates of the systems being switched over.
//  2. Check whether a switchover is already in progress.
//  3. Initiate the switchover.
//  4. In blocking mode, watch the state until it settles.
type Switchover struct {
	zk      *dcs.Client
	timeout time.Duration

	newPrimary string
	primary    string
	timeline   *int64

	plan Plan
}

// New builds the client. Empty primary and nil timeline are
// autodetected from the coordination service.
func New(zk *dcs.Client, timeout time.Duration, primary string, timeline *int64, destination string) *Switchover {
	return &Switchover{
		zk:         zk,
		timeout:    timeout,
		newPrimary: destination,
		primary:    primary,
		timeline:   timeline,
	}
}

// ResolvePlan fills the switchover coordinates, waiting for a leader
// lock holder when the primary was not named explicitly
func (s *Switchover) ResolvePlan(ctx context.Context) error {
	primary := s.primary
	if primary == "" {
		resolved, ok := retry.Value(ctx, s.timeout, "primary holds the leader lock",
			func() (string, bool) {
				holder, err := s.zk.CurrentLockHolder(dcs.PrimaryLockPath)
				return holder, err == nil && holder != ""
			})
		if !ok {
			return fmt.Errorf("%w: no one holds the leader lock", ErrSwitchover)
		}
		primary = resolved
	} else {
		log.Info("Using the given host as the current primary", "primary", primary)
	}

	syncReplica, err := s.zk.CurrentLockHolder(dcs.SyncReplicaLockPath)
	if err != nil {
		syncReplica = ""
	}
	timeline := s.timeline
	if timeline == nil {
		if value, found, err := s.zk.GetInt(dcs.TimelineInfoPath); err == nil && found {
			timeline = &value
		}
	}
	s.plan = Plan{Primary: primary, SyncReplica: syncReplica, Timeline: timeline}
	log.Debug("Resolved lock holders", "plan", s.plan)
	return nil
}

// Plan exposes the resolved coordinates
func (s *Switchover) Plan() Plan {
	return s.plan
}

// IsPossible verifies a switchover can run right now
func (s *Switchover) IsPossible(ctx context.Context) bool {
	if progress := s.InProgress(ctx, false); progress != "" {
		log.Error(nil, "Switchover is already in progress", "state", progress)
		return false
	}
	if s.newPrimary != "" {
		if !s.zk.IsHostAlive(ctx, s.newPrimary, s.timeout/2) {
			log.Error(nil, "Cannot promote a dead host", "host", s.newPrimary)
			return false
		}
		isHA, err := s.zk.Exists(dcs.MemberHAPath(s.newPrimary))
		if err != nil || !isHA {
			log.Error(nil, "Cannot promote a non HA host", "host", s.newPrimary)
			return false
		}
		return true
	}

	var replicas []pgtypes.ReplicaInfo
	if found, err := s.zk.GetJSON(dcs.ReplicsInfoPath, &replicas); err == nil && found {
		connected := make(map[string]bool, len(replicas))
		for _, replica := range replicas {
			connected[replica.ApplicationName] = true
		}
		haHosts, err := s.zk.GetHAHosts()
		if err == nil {
			for _, host := range haHosts {
				if connected[hostutil.AppName(host)] && s.zk.IsHostAlive(ctx, host, time.Second) {
					// There is a suitable candidate
					return true
				}
			}
		}
	}
	log.Error(nil, "Cannot promote: there is no suitable replica for the switchover")
	return false
}

// Perform seeds the switchover and, in blocking mode, waits for the
// cluster to settle behind the new primary
func (s *Switchover) Perform(ctx context.Context, minReplicas int, block bool) (bool, error) {
	haGroup := s.zk.GetAliveHosts(ctx, 10*time.Second, 0)

	initiated, err := s.initiate(ctx, s.plan.Primary, s.plan.Timeline, s.newPrimary)
	if err != nil {
		return false, err
	}
	if !initiated || !block {
		return true, nil
	}

	limit := int(s.timeout / time.Second)
	for {
		progress := s.InProgress(ctx, true)
		if progress == "" {
			break
		}
		log.Debug("Switchover in progress", "state", progress)
		if limit <= 0 {
			return false, fmt.Errorf("%w: timeout exceeded, current state %q", ErrSwitchover, progress)
		}
		select {
		case <-ctx.Done():
			return false, ctx.Err()
		case <-time.After(time.Second):
		}
		limit--
	}

	if err := s.waitForPrimary(ctx); err != nil {
		return false, err
	}
	state := s.State(ctx, false)
	log.Debug("Full switchover state", "state", state)
	if err := s.waitForReplicas(ctx, haGroup, minReplicas); err != nil {
		return false, err
	}
	log.Info("Switchover finished", "state", state.Progress)
	return state.Progress == "", nil
}

// InProgress reports the current progress value, empty when no
// switchover runs. With trueOnZkFail a broken session counts as
// in-progress, so a blocking wait does not end early.
func (s *Switchover) InProgress(ctx context.Context, trueOnZkFail bool) string {
	progress, _, err := s.zk.Get(dcs.SwitchoverStatePath)
	if err != nil {
		log.Warning("Failed to get the switchover state", "err", err)
		if trueOnZkFail {
			return "unknown"
		}
		return ""
	}
	if progress == dcs.SwitchoverStateFailed {
		return ""
	}
	return progress
}

// State reads the whole switchover view
func (s *Switchover) State(ctx context.Context, _ bool) State {
	var state State
	state.Progress, _, _ = s.zk.Get(dcs.SwitchoverStatePath)
	_, _ = s.zk.GetJSON(dcs.SwitchoverPrimaryPath, &state.Info)
	state.Failover, _, _ = s.zk.Get(dcs.FailoverStatePath)
	_, _ = s.zk.GetJSON(dcs.ReplicsInfoPath, &state.Replicas)
	return state
}

// Reset clears the switchover nodes, refusing while one is running
// unless forced
func (s *Switchover) Reset(ctx context.Context, force bool) error {
	log.Info("Resetting the switchover nodes")
	if !force && s.InProgress(ctx, false) != "" {
		return fmt.Errorf("%w: attempted to reset state while a switchover is in progress", ErrSwitchover)
	}
	if err := s.lock(ctx, dcs.SwitchoverLockPath); err != nil {
		return err
	}
	if err := s.zk.Delete(dcs.SwitchoverCandidatePath, false); err != nil {
		return fmt.Errorf("%w: unable to delete the candidate node", ErrSwitchover)
	}
	if err := s.zk.Set(dcs.SwitchoverPrimaryPath, "{}", false); err != nil {
		return fmt.Errorf("%w: unable to reset the switchover intent", ErrSwitchover)
	}
	if err := s.zk.Set(dcs.SwitchoverStatePath, dcs.SwitchoverStateFailed, false); err != nil {
		return fmt.Errorf("%w: unable to reset the switchover state", ErrSwitchover)
	}
	return nil
}

func (s *Switchover) lock(ctx context.Context, node string) error {
	if err := s.zk.EnsurePath(node); err != nil {
		return fmt.Errorf("%w: unable to create the switchover node", ErrSwitchover)
	}
	if !s.zk.TryAcquireLock(ctx, node, true, s.timeout) {
		return fmt.Errorf("%w: unable to lock the switchover node", ErrSwitchover)
	}
	return nil
}

// initiate writes the intent and flips the state to scheduled, under
// the switchover lock
func (s *Switchover) initiate(ctx context.Context, primary string, timeline *int64, newPrimary string) (bool, error) {
	if primary == newPrimary && newPrimary != "" {
		log.Info("Host already is primary, no need to switch", "host", primary)
		return false, nil
	}
	task := dcs.SwitchoverInfo{
		Hostname:    primary,
		Timeline:    timeline,
		Destination: newPrimary,
	}
	log.Info("Initiating switchover", "task", task)
	if err := s.lock(ctx, dcs.SwitchoverLockPath); err != nil {
		return false, err
	}
	if err := s.zk.SetJSON(dcs.SwitchoverPrimaryPath, task, false); err != nil {
		return false, fmt.Errorf("%w: unable to write the switchover intent", ErrSwitchover)
	}
	if err := s.zk.Set(dcs.SwitchoverStatePath, dcs.SwitchoverStateScheduled, false); err != nil {
		return false, fmt.Errorf("%w: unable to write the switchover state", ErrSwitchover)
	}
	log.Debug("Seeded switchover", "state", s.State(ctx, false))
	return true, nil
}

// waitForReplicas waits until enough HA replicas stream from the new
// primary
func (s *Switchover) waitForReplicas(ctx context.Context, haGroup []string, minReplicas int) error {
	if minReplicas <= 0 || minReplicas > len(haGroup)-1 {
		minReplicas = len(haGroup) - 1
	}
	haAppNames := make(map[string]bool, len(haGroup))
	for _, host := range haGroup {
		haAppNames[hostutil.AppName(host)] = true
	}
	log.Debug("Waiting for replicas to appear", "wanted", minReplicas)

	streaming := 0
	for i := 0; i < int(s.timeout/time.Second); i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Second):
		}
		replicas := s.State(ctx, false).Replicas
		streaming = 0
		names := make([]string, 0, len(replicas))
		for _, replica := range replicas {
			if replica.State == pgtypes.ReplicaStateStreaming && haAppNames[replica.ApplicationName] {
				streaming++
				names = append(names, fmt.Sprintf("%s@%s", replica.ApplicationName, replica.PrimaryLocation))
			}
		}
		log.Debug("Replicas up", "replicas", names)
		if streaming >= minReplicas {
			return nil
		}
	}
	return fmt.Errorf("%w: expected %d replicas to appear within %s, got %d",
		ErrSwitchover, minReplicas, s.timeout, streaming)
}

// waitForPrimary waits for a host other than the old primary to take
// the leader lock
func (s *Switchover) waitForPrimary(ctx context.Context) error {
	taken := retry.Await(ctx, s.timeout, "new primary to acquire the lock", func() bool {
		holder, err := s.zk.CurrentLockHolder(dcs.PrimaryLockPath)
		return err == nil && holder != "" && holder != s.plan.Primary
	})
	if !taken {
		return fmt.Errorf("%w: no one took the leader lock in %s", ErrSwitchover, s.timeout)
	}
	return nil
}
