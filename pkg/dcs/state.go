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

import (
	"context"
	"fmt"
	"time"

	"github.com/pgkeeper/pgkeeper/pkg/log"
	"github.com/pgkeeper/pgkeeper/pkg/postgres"
	"github.com/pgkeeper/pgkeeper/pkg/retry"
)

// SwitchoverInfo is the operator intent stored under switchover/master
type SwitchoverInfo struct {
	Hostname    string `json:"hostname"`
	Timeline    *int64 `json:"timeline"`
	Destination string `json:"destination,omitempty"`
}

// MaintenanceInfo is the observed state of the maintenance tree
type MaintenanceInfo struct {
	Status string `json:"status,omitempty"`
	Ts     string `json:"ts,omitempty"`
}

// State is the composite snapshot of the coordination tree the
// control loop reads once per tick
type State struct {
	Alive bool `json:"alive"`

	ReplicsInfo []postgres.ReplicaInfo `json:"replics_info,omitempty"`
	// ReplicsInfoWritten reports the outcome of the last primary-side
	// replics_info publication during this tick; nil when not attempted
	ReplicsInfoWritten *bool `json:"replics_info_written,omitempty"`

	LastFailoverTime   *float64 `json:"last_failover_time,omitempty"`
	LastSwitchoverTime *float64 `json:"last_switchover_time,omitempty"`

	FailoverState        string `json:"failover_state,omitempty"`
	FailoverMustBeReset  bool   `json:"failover_must_be_reset,omitempty"`
	CurrentPromotingHost string `json:"current_promoting_host,omitempty"`

	LockVersion    *int   `json:"lock_version,omitempty"`
	LockHolder     string `json:"primary,omitempty"`
	LastPrimary    string `json:"last_leader,omitempty"`
	SingleNode     bool   `json:"single_node"`
	Timeline       *int64 `json:"timeline,omitempty"`

	Switchover          *SwitchoverInfo `json:"switchover,omitempty"`
	SwitchoverCandidate string          `json:"switchover_candidate,omitempty"`
	SwitchoverState     string          `json:"switchover_state,omitempty"`

	Maintenance MaintenanceInfo `json:"maintenance"`

	SynchronousStandbyNames map[string]SSNInfo `json:"synchronous_standby_names,omitempty"`
}

// SSNInfo is the advertised synchronous_standby_names of one host
type SSNInfo struct {
	Value      string `json:"value,omitempty"`
	LastUpdate string `json:"last_update,omitempty"`
}

// GetState reads the whole coordination snapshot, failing when the
// session is not usable before or after the reads
func (c *Client) GetState() (*State, error) {
	if !c.IsAlive() {
		return nil, fmt.Errorf("%w: cannot read coordination state", ErrNotConnected)
	}

	state := &State{Alive: true}

	if _, err := c.GetJSON(ReplicsInfoPath, &state.ReplicsInfo); err != nil {
		return nil, err
	}
	if value, found, err := c.GetFloat(LastFailoverTimePath); err != nil {
		return nil, err
	} else if found {
		state.LastFailoverTime = &value
	}
	if value, found, err := c.GetFloat(LastSwitchoverTimePath); err != nil {
		return nil, err
	} else if found {
		state.LastSwitchoverTime = &value
	}
	var err error
	if state.FailoverState, _, err = c.Get(FailoverStatePath); err != nil {
		return nil, err
	}
	if state.FailoverMustBeReset, err = c.Exists(FailoverMustBeResetPath); err != nil {
		return nil, err
	}
	if state.CurrentPromotingHost, _, err = c.Get(CurrentPromotingHostPath); err != nil {
		return nil, err
	}
	if version, found, err := c.CurrentLockVersion(); err != nil {
		return nil, err
	} else if found {
		state.LockVersion = &version
	}
	if state.LockHolder, err = c.CurrentLockHolder(PrimaryLockPath); err != nil {
		return nil, err
	}
	if state.SingleNode, err = c.Exists(SingleNodePath); err != nil {
		return nil, err
	}
	if timeline, found, err := c.GetInt(TimelineInfoPath); err != nil {
		return nil, err
	} else if found {
		state.Timeline = &timeline
	}
	var switchover SwitchoverInfo
	if found, err := c.GetJSON(SwitchoverPrimaryPath, &switchover); err != nil {
		return nil, err
	} else if found && switchover.Hostname != "" {
		state.Switchover = &switchover
	}
	if state.SwitchoverCandidate, _, err = c.Get(SwitchoverCandidatePath); err != nil {
		return nil, err
	}
	if state.SwitchoverState, _, err = c.Get(SwitchoverStatePath); err != nil {
		return nil, err
	}
	if state.Maintenance.Status, _, err = c.Get(MaintenancePath); err != nil {
		return nil, err
	}
	if state.Maintenance.Ts, _, err = c.Get(MaintenanceTimePath); err != nil {
		return nil, err
	}
	if state.LastPrimary, _, err = c.Get(LastPrimaryPath); err != nil {
		return nil, err
	}
	if state.SynchronousStandbyNames, err = c.getSSNInfo(); err != nil {
		return nil, err
	}

	if !c.IsAlive() {
		return nil, fmt.Errorf("%w: session died while reading coordination state", ErrNotConnected)
	}
	return state, nil
}

func (c *Client) getSSNInfo() (map[string]SSNInfo, error) {
	hosts, err := c.Children(MembersPath)
	if err != nil {
		return nil, err
	}
	result := make(map[string]SSNInfo, len(hosts))
	for _, host := range hosts {
		value, _, err := c.Get(MemberSSNValuePath(host))
		if err != nil {
			return nil, err
		}
		lastUpdate, _, err := c.Get(MemberSSNDatePath(host))
		if err != nil {
			return nil, err
		}
		if value != "" || lastUpdate != "" {
			result[host] = SSNInfo{Value: value, LastUpdate: lastUpdate}
		}
	}
	return result, nil
}

// WriteSSN advertises the current synchronous_standby_names value of
// this host together with its update timestamp
func (c *Client) WriteSSN(hostname, value string) {
	if err := c.EnsurePath(MemberSSNValuePath(hostname)); err != nil {
		log.Warning("Could not ensure SSN value path", "err", err)
		return
	}
	if err := c.EnsurePath(MemberSSNDatePath(hostname)); err != nil {
		log.Warning("Could not ensure SSN date path", "err", err)
		return
	}
	if err := c.Set(MemberSSNValuePath(hostname), value, false); err != nil {
		log.Warning("Could not advertise SSN value", "err", err)
	}
	if err := c.SetFloat(MemberSSNDatePath(hostname), float64(time.Now().UnixNano())/1e9, false); err != nil {
		log.Warning("Could not advertise SSN timestamp", "err", err)
	}
}

// GetHAHosts lists the registered members that take part in HA
func (c *Client) GetHAHosts() ([]string, error) {
	allHosts, err := c.Children(MembersPath)
	if err != nil {
		return nil, fmt.Errorf("failed to get HA host list: %w", err)
	}
	haHosts := make([]string, 0, len(allHosts))
	for _, host := range allHosts {
		isHA, err := c.Exists(MemberHAPath(host))
		if err != nil {
			return nil, fmt.Errorf("failed to get HA host list: %w", err)
		}
		if isHA {
			haHosts = append(haHosts, host)
		}
	}
	log.Debug("HA hosts listed", "hosts", haHosts)
	return haHosts, nil
}

// IsHostAlive waits up to timeout for the host's aliveness lock
// to be held
func (c *Client) IsHostAlive(ctx context.Context, hostname string, timeout time.Duration) bool {
	check := func() bool {
		holder, err := c.CurrentLockHolder(HostAliveLockPath(hostname))
		return err == nil && holder != ""
	}
	if timeout <= 0 {
		return check()
	}
	return retry.Await(ctx, timeout, fmt.Sprintf("%s is alive", hostname), check)
}

// GetAliveHosts lists the HA members currently holding their
// aliveness lock. When allHostsTimeout is positive and the per-host
// timeout times the host count fits in it, the per-host timeout is
// raised to allHostsTimeout divided evenly among the hosts; otherwise
// allHostsTimeout is ignored and the per-host timeout is kept.
func (c *Client) GetAliveHosts(ctx context.Context, timeout, allHostsTimeout time.Duration) []string {
	haHosts, err := c.GetHAHosts()
	if err != nil {
		log.Error(err, "Failed to get HA host list for aliveness scan")
		return nil
	}
	if allHostsTimeout > 0 && len(haHosts) > 0 {
		minimalTotal := timeout * time.Duration(len(haHosts))
		if minimalTotal > allHostsTimeout {
			log.Warning("Expected timeout for checking host aliveness will be ignored",
				"minimalTotal", minimalTotal, "allHostsTimeout", allHostsTimeout)
		} else {
			timeout = allHostsTimeout / time.Duration(len(haHosts))
		}
	}
	alive := make([]string, 0, len(haHosts))
	for _, host := range haHosts {
		if c.IsHostAlive(ctx, host, timeout) {
			alive = append(alive, host)
		}
	}
	return alive
}

// GetSyncQuorumHosts lists the members currently holding their quorum
// membership lock
func (c *Client) GetSyncQuorumHosts() []string {
	allHosts, err := c.Children(MembersPath)
	if err != nil {
		log.Error(err, "Failed to get host list for quorum scan")
		return nil
	}
	quorum := make([]string, 0, len(allHosts))
	for _, host := range allHosts {
		holder, err := c.CurrentLockHolder(HostQuorumLockPath(host))
		if err == nil && holder != "" {
			quorum = append(quorum, host)
		}
	}
	return quorum
}

// TryAcquirePrimaryLock attempts the leader lock and records the new
// holder under last_leader on success
func (c *Client) TryAcquirePrimaryLock(ctx context.Context, allowQueue bool, timeout time.Duration) bool {
	if !c.TryAcquireLock(ctx, PrimaryLockPath, allowQueue, timeout) {
		return false
	}
	if err := c.Set(LastPrimaryPath, c.ContenderName(), false); err != nil {
		log.Warning("Could not record last primary", "err", err)
	}
	return true
}
