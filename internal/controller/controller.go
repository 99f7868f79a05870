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

// Package controller drives the per-host control loop: one tick per
// iteration timeout, reconciling the local PostgreSQL with the state
// shared through the coordination service
package controller

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/pgkeeper/pgkeeper/internal/configuration"
	"github.com/pgkeeper/pgkeeper/internal/metricserver"
	"github.com/pgkeeper/pgkeeper/pkg/dcs"
	"github.com/pgkeeper/pgkeeper/pkg/fileutils"
	"github.com/pgkeeper/pgkeeper/pkg/hostutil"
	"github.com/pgkeeper/pgkeeper/pkg/log"
	"github.com/pgkeeper/pgkeeper/pkg/management/command"
	"github.com/pgkeeper/pgkeeper/pkg/management/pooler"
	pgmgmt "github.com/pgkeeper/pgkeeper/pkg/management/postgres"
	pgtypes "github.com/pgkeeper/pgkeeper/pkg/postgres"
	"github.com/pgkeeper/pgkeeper/pkg/replication"
	"github.com/pgkeeper/pgkeeper/pkg/retry"
	"github.com/pgkeeper/pgkeeper/pkg/sdnotify"
)

// RewindFailFlagFileName is the kill switch created after too many
// failed rewind attempts; the agent refuses to start while it exists
const RewindFailFlagFileName = ".pgkeeper_rewind_fail.flag"

// destructiveOperations are the in-flight operation markers that make
// a host unfit to take the leader lock
var destructiveOperations = []string{"rewind"}

// ErrStartupCheck reports an unrecoverable startup misconfiguration
var ErrStartupCheck = errors.New("startup checks failed")

// ErrRewindFatal reports the rewind retry ceiling was hit
var ErrRewindFatal = errors.New("rewind retries exhausted")

type checkCounters struct {
	primarySwitch int
	failover      int
	rewind        int
}

// Controller is the per-host agent
type Controller struct {
	config   *configuration.Data
	hostname string

	cmd         *command.Runner
	db          *pgmgmt.Instance
	pooler      *pooler.Pooler
	zk          *dcs.Client
	replManager replication.Manager
	cache       *pgmgmt.StateCache
	notifier    *sdnotify.Notifier
	metrics     *metricserver.MetricServer

	checks              checkCounters
	isSingleNode        bool
	isInMaintenance     bool
	slotDropCountdown   map[string]int
	lastZkHostStatWrite time.Time

	// fatal stops the loop at the next tick boundary
	fatal error
}

// New wires the agent components together and connects to both the
// local database and the coordination service
func New(ctx context.Context, config *configuration.Data) (*Controller, error) {
	hostname := hostutil.Hostname()

	cmd := command.NewRunner(config.Commands)
	instance := pgmgmt.NewInstance(ctx, config, cmd)

	pathPrefix := config.Global.ZkLockpathPrefix
	if pathPrefix == "" {
		pathPrefix = hostutil.LockpathPrefix(hostname)
	}
	zkClient, err := dcs.NewClient(dcs.Options{
		Hosts:                         config.ZkHostList(),
		PathPrefix:                    pathPrefix,
		SessionTimeout:                config.IterationTimeout(),
		ContenderName:                 hostname,
		Auth:                          config.Global.ZkAuth,
		Username:                      config.Global.ZkUsername,
		Password:                      config.Global.ZkPassword,
		SSL:                           config.Global.ZkSSL,
		CertFile:                      config.Global.CertFile,
		KeyFile:                       config.Global.KeyFile,
		CAFile:                        config.Global.CACert,
		VerifyCerts:                   config.Global.VerifyCerts,
		ReleaseLockAfterAcquireFailed: config.Global.ReleaseLockAfterAcquireFailed,
	})
	if err != nil {
		return nil, fmt.Errorf("could not connect to ZooKeeper: %w", err)
	}

	c := &Controller{
		config:            config,
		hostname:          hostname,
		cmd:               cmd,
		db:                instance,
		pooler:            pooler.NewPooler(config, cmd),
		zk:                zkClient,
		cache:             pgmgmt.NewStateCache(config.Global.WorkingDir),
		notifier:          sdnotify.NewNotifier(),
		metrics:           metricserver.New(config.Global.MetricsBindAddress),
		slotDropCountdown: make(map[string]int),
	}
	c.replManager = replication.NewManager(config, instance, zkClient, hostname)

	if err := c.startupChecks(ctx); err != nil {
		zkClient.Close()
		return nil, err
	}
	return c, nil
}

func (c *Controller) rewindFailFlagPath() string {
	return filepath.Join(c.config.Global.WorkingDir, RewindFailFlagFileName)
}

// startupChecks aborts the daemon before the first iteration when the
// host cannot safely participate
func (c *Controller) startupChecks(ctx context.Context) error {
	if exists, _ := fileutils.FileExists(c.rewindFailFlagPath()); exists {
		return fmt.Errorf("%w: rewind fail flag exists", ErrStartupCheck)
	}

	dbAlive := c.db.IsAlive(ctx)

	if dbAlive && !c.zk.IsAlive() {
		_, poolerRunning := c.pooler.Status(ctx)
		if c.db.Role == pgtypes.RolePrimary && poolerRunning {
			c.pooler.Stop(ctx)
		}
	}

	if !dbAlive && c.zk.IsAlive() {
		holder, err := c.zk.CurrentLockHolder(dcs.PrimaryLockPath)
		if err == nil && holder == c.hostname {
			if err := c.zk.ReleaseLock(dcs.PrimaryLockPath); err == nil {
				log.Info("Released the leader lock since PostgreSQL is dead")
			}
		}
	}

	_, poolerRunning := c.pooler.Status(ctx)
	dbState := c.db.GetState(ctx, c.cache, poolerRunning)
	// The first probe above may have seen a stale service state;
	// the full snapshot is authoritative
	dbAlive = dbState.Alive
	if dbState.PrevState != nil {
		// Not the first start on this host: the return path may need
		// pg_rewind, which only works with checksums or wal_log_hints
		if !dbState.Alive {
			c.db.PgData = dbState.PrevState.PgData
		}
		if !c.db.IsReadyForRewind(ctx) {
			return fmt.Errorf("%w: host is not ready for pg_rewind", ErrStartupCheck)
		}
	}

	// An empty member registry plus a mature timeline means this host
	// is joining an operating cluster that was never initialized here
	members := c.getMembers(ctx)
	if len(members) == 0 && dbState.Timeline > 1 {
		c.pooler.Stop(ctx)
		return fmt.Errorf("%w: member registry is empty but timeline is %d",
			ErrStartupCheck, dbState.Timeline)
	}

	if c.config.Global.QuorumCommit && !c.config.Global.UseLwaldump &&
		!c.config.Replica.AllowPotentialDataLoss {
		return fmt.Errorf(
			"%w: quorum_commit is only allowed with use_lwaldump or with allow_potential_data_loss",
			ErrStartupCheck)
	}

	if dbAlive && c.config.Global.UseLwaldump && !c.db.CheckExtensionInstalled(ctx, "lwaldump") {
		return fmt.Errorf("%w: lwaldump is not installed", ErrStartupCheck)
	}

	if dbAlive && !c.db.EnsureArchiveMode(ctx) {
		return fmt.Errorf("%w: archive mode is not enabled on the instance", ErrStartupCheck)
	}

	return nil
}

// getMembers polls the member registry until it answers
func (c *Controller) getMembers(ctx context.Context) []string {
	for {
		timer := retry.NewIterationTimer()
		_ = c.zk.EnsurePath(dcs.MembersPath)
		members, err := c.zk.Children(dcs.MembersPath)
		if err == nil {
			return members
		}
		if ctx.Err() != nil {
			return nil
		}
		c.reinitZk()
		timer.Sleep(ctx, c.config.IterationTimeout())
	}
}

// Run iterates until the context is cancelled or a fatal condition
// stops the loop
func (c *Controller) Run(ctx context.Context) error {
	myPrio := int64(c.config.Global.Priority)
	c.notifier.Ready()

	for {
		if c.initZk(myPrio) {
			break
		}
		log.Error(nil, "Failed to init ZooKeeper structures")
		c.reinitZk()
		if ctx.Err() != nil {
			return nil
		}
	}

	for ctx.Err() == nil && c.fatal == nil {
		c.runIteration(ctx, myPrio)
	}
	if c.fatal != nil {
		return c.fatal
	}
	log.Info("Stopping on request")
	c.zk.Close()
	return nil
}

func (c *Controller) failFatal(err error) {
	if c.fatal == nil {
		c.fatal = err
	}
}

func (c *Controller) initZk(myPrio int64) bool {
	if !c.replManager.InitDCS() {
		return false
	}

	if !c.config.Global.UpdatePrioInZk {
		members, err := c.zk.Children(dcs.MembersPath)
		if err == nil {
			for _, member := range members {
				if member == c.hostname {
					log.Info("Don't have to write priority to ZooKeeper")
					return true
				}
			}
		}
	}

	if err := c.zk.EnsurePath(dcs.MemberPrioPath(c.hostname)); err != nil {
		return false
	}
	return c.zk.SetInt(dcs.MemberPrioPath(c.hostname), myPrio, false) == nil
}

func (c *Controller) runIteration(ctx context.Context, myPrio int64) {
	contextLogger, ctx := log.SetupLogger(ctx)
	contextLogger.Info("Starting iteration", "host", c.hostname)
	timer := retry.NewIterationTimer()
	started := time.Now()

	_, terminal := c.db.Status(ctx)
	if !terminal {
		contextLogger.Debug("Database is starting up or shutting down")
	}
	role := c.db.GetRole(ctx)
	contextLogger.Info("Observed local role", "role", string(role))

	_, poolerRunning := c.pooler.Status(ctx)
	dbState := c.db.GetState(ctx, c.cache, poolerRunning)
	c.notifier.Watchdog()
	c.notifier.Status(fmt.Sprintf("role=%s alive=%v", role, dbState.Alive))

	zkState, err := c.zk.GetState()
	if err != nil {
		contextLogger.Error(err, "Coordination service error while reading state")
		c.writeStatusFile(dbState, nil)
		switch {
		case role == pgtypes.RolePrimary && !c.isInMaintenance && !c.isSingleNode:
			contextLogger.Error(nil, "The error above was for a primary")
			c.resolveZkPrimaryLock(ctx)
		case role == pgtypes.RoleReplica && !c.isInMaintenance:
			contextLogger.Error(nil, "The error above was for a replica")
			c.handleDetachedReplica(ctx, dbState)
			c.reinitZk()
		default:
			c.reinitZk()
		}
		c.finishIteration(ctx, timer)
		return
	}

	c.writeStatusFile(dbState, zkState)
	c.metrics.Observe(string(role), zkState.LockHolder == c.hostname, dbState.Timeline, time.Since(started))
	c.updateMaintenanceStatus(ctx, role, dbState.PrimaryFqdn, zkState.Timeline, dbState)
	c.zkAliveRefresh(ctx, role)
	if c.isInMaintenance {
		contextLogger.Warning("Cluster is in maintenance mode")
		if err := c.zk.Set(dcs.HostMaintenancePath(c.hostname), dcs.MaintenanceEnable, false); err != nil {
			contextLogger.Error(err, "Could not acknowledge maintenance mode")
		}
		c.finishIteration(ctx, timer)
		return
	}

	switch {
	case role == pgtypes.RoleUnknown:
		c.deadIter(ctx, dbState, zkState, terminal)
	case role == pgtypes.RolePrimary:
		if c.isSingleNode {
			c.singleNodePrimaryIter(ctx, dbState, zkState)
		} else {
			c.primaryIter(ctx, dbState, zkState)
		}
	case role == pgtypes.RoleReplica:
		if c.config.Global.StreamFrom != "" {
			c.nonHAReplicaIter(ctx, dbState, zkState)
		} else {
			c.replicaIter(ctx, dbState, zkState)
		}
	}

	c.reinitDb(ctx)
	c.reinitZk()

	// A dead PostgreSQL probably means this node is being removed;
	// no point refreshing the registry in that case
	members, membersErr := c.zk.Children(dcs.MembersPath)
	if role != pgtypes.RoleUnknown && membersErr == nil && len(members) > 0 {
		if _, found, err := c.zk.GetInt(dcs.MemberPrioPath(c.hostname)); err == nil && !found {
			if err := c.zk.SetInt(dcs.MemberPrioPath(c.hostname), myPrio, false); err != nil {
				contextLogger.Warning("Could not write priority to ZooKeeper", "err", err)
			}
		}
	}

	c.finishIteration(ctx, timer)
}

func (c *Controller) finishIteration(ctx context.Context, timer retry.IterationTimer) {
	log.FromContext(ctx).Info("Finished iteration ==============================")
	timer.Sleep(ctx, c.config.IterationTimeout())
}

// reinitDb recovers the adapter's role and paths from the cache file
// when the database died, and reconnects
func (c *Controller) reinitDb(ctx context.Context) {
	if c.db.IsAlive(ctx) {
		return
	}
	prev := c.cache.Load()
	if prev == nil {
		log.Error(nil, "Could not get data from PostgreSQL nor from the cache file")
		return
	}
	log.Error(nil,
		"Could not get data from PostgreSQL, seems dead; recovering the last role from the cache file")
	c.db.Role = prev.Role
	c.db.PgVersion = prev.PgVersion
	c.db.PgData = prev.PgData
	if err := c.db.Reconnect(ctx); err != nil {
		log.Debug("Reconnection failed", "err", err)
	}
}

func (c *Controller) reinitZk() {
	if c.zk.IsAlive() {
		return
	}
	log.Warning("Some error with the coordination client, trying to reconnect")
	if err := c.zk.Reconnect(); err != nil {
		log.Error(err, "Reconnection to ZooKeeper failed")
	}
}

func (c *Controller) isOpDestructive(op string) bool {
	for _, destructive := range destructiveOperations {
		if op == destructive {
			return true
		}
	}
	return false
}

// removeStaleOperation drops a leftover destructive operation marker
func (c *Controller) removeStaleOperation(ctx context.Context, hostname string) {
	lastOp, _, err := c.zk.Get(dcs.MemberOpPath(hostname))
	if err != nil {
		return
	}
	if c.isOpDestructive(lastOp) {
		log.FromContext(ctx).Warning("Stale operation detected, removing its track", "op", lastOp)
		if err := c.zk.Delete(dcs.MemberOpPath(hostname), false); err != nil {
			log.FromContext(ctx).Error(err, "Could not remove the stale operation node")
		}
	}
}

// startPooler brings the pooler up when the replica-side
// configuration wants it running
func (c *Controller) startPooler(ctx context.Context) {
	if !c.config.Replica.StartPooler {
		return
	}
	_, running := c.pooler.Status(ctx)
	if !running {
		c.pooler.Start(ctx)
	}
}

// writeHostStat publishes the per-host observed state under the
// member registry
func (c *Controller) writeHostStat(ctx context.Context, dbState *pgmgmt.State) bool {
	contextLogger := log.FromContext(ctx)
	streamFrom := c.config.Global.StreamFrom

	if streamFrom == "" {
		if err := c.zk.EnsurePath(dcs.MemberHAPath(c.hostname)); err != nil {
			contextLogger.Warning("Could not write the HA marker", "err", err)
			return false
		}
	} else {
		exists, err := c.zk.Exists(dcs.MemberHAPath(c.hostname))
		if err == nil && exists {
			if err := c.zk.Delete(dcs.MemberHAPath(c.hostname), false); err != nil {
				contextLogger.Warning("Could not delete the HA marker", "err", err)
				return false
			}
		}
	}

	if dbState.WalReceiver != nil {
		if err := c.zk.SetJSON(dcs.MemberWalReceiverPath(c.hostname), dbState.WalReceiver, false); err != nil {
			contextLogger.Warning("Could not publish the walreceiver state", "err", err)
			return false
		}
	}
	if dbState.ReplicsInfo != nil {
		if err := c.zk.SetJSON(dcs.MemberReplicsInfoPath(c.hostname), dbState.ReplicsInfo, false); err != nil {
			contextLogger.Warning("Could not publish the host replica view", "err", err)
			return false
		}
	}
	c.lastZkHostStatWrite = time.Now()
	return true
}

// storeReplicsInfo publishes the primary's replica view cluster-wide,
// but only when the local timeline matches the coordination one
func (c *Controller) storeReplicsInfo(ctx context.Context, dbState *pgmgmt.State, zkState *dcs.State) bool {
	timelineMatches := false
	if zkState.Timeline != nil {
		timelineMatches = *zkState.Timeline == dbState.Timeline
	}

	zkState.ReplicsInfoWritten = nil
	if timelineMatches && dbState.ReplicsInfo != nil {
		written := c.zk.SetJSON(dcs.ReplicsInfoPath, dbState.ReplicsInfo, true) == nil
		zkState.ReplicsInfoWritten = &written
		c.writeHostStat(ctx, dbState)
		return true
	}
	return false
}

// getReplicsInfo resolves the replica view this host reconciles
// against: the upstream's own view for a stream_from replica, the
// primary's view otherwise
func (c *Controller) getReplicsInfo(zkState *dcs.State) []pgtypes.ReplicaInfo {
	if streamFrom := c.config.Global.StreamFrom; streamFrom != "" {
		var infos []pgtypes.ReplicaInfo
		if _, err := c.zk.GetJSON(dcs.MemberReplicsInfoPath(streamFrom), &infos); err != nil {
			return nil
		}
		return infos
	}
	return zkState.ReplicsInfo
}

// zkAliveRefresh maintains the per-host aliveness lock and the single
// node flag
func (c *Controller) zkAliveRefresh(ctx context.Context, role pgtypes.Role) {
	c.replManager.DropDCSFailTimestamp()
	if role == pgtypes.RoleUnknown {
		if err := c.zk.ReleaseLock(dcs.HostAliveLockPath(c.hostname)); err != nil {
			log.Debug("Could not release the aliveness lock", "err", err)
		}
		return
	}
	c.updateSingleNodeStatus(ctx, role)
	holder, err := c.zk.CurrentLockHolder(dcs.HostAliveLockPath(c.hostname))
	if err == nil && holder == "" {
		log.Warning("We don't hold our aliveness lock, acquiring it")
		c.zk.TryAcquireLock(ctx, dcs.HostAliveLockPath(c.hostname), false, 0)
	}
}

// updateSingleNodeStatus recomputes (on the primary) or reads (on the
// replicas) whether the cluster has a single HA member
func (c *Controller) updateSingleNodeStatus(ctx context.Context, role pgtypes.Role) {
	if role == pgtypes.RolePrimary {
		haHosts, err := c.zk.GetHAHosts()
		if err != nil {
			log.Error(err, "Failed to update the single node status: empty HA host list")
			return
		}
		c.isSingleNode = len(haHosts) == 1
		if c.isSingleNode {
			_ = c.zk.EnsurePath(dcs.SingleNodePath)
		} else {
			_ = c.zk.Delete(dcs.SingleNodePath, false)
		}
		return
	}
	exists, err := c.zk.Exists(dcs.SingleNodePath)
	if err == nil {
		c.isSingleNode = exists
	}
}

// getHAReplics is the set of HA members other than ourselves
func (c *Controller) getHAReplics() []string {
	hosts, err := c.zk.GetHAHosts()
	if err != nil || len(hosts) == 0 {
		return nil
	}
	result := make([]string, 0, len(hosts))
	for _, host := range hosts {
		if host != c.hostname {
			result = append(result, host)
		}
	}
	return result
}

// checkPrimaryIsReallyDead probes a host through libpq, requiring the
// primary role, and reports true when it does not answer
func (c *Controller) checkPrimaryIsReallyDead(ctx context.Context, primary string) bool {
	if primary == "" {
		primary = c.db.GetPrimaryFqdn()
		if primary == "" {
			return false
		}
	}
	return !c.db.IsPrimaryReachable(ctx, primary)
}

// checkHostIsReallyDead probes a host through libpq without caring
// about its role
func (c *Controller) checkHostIsReallyDead(ctx context.Context, host string) bool {
	if host == "" {
		host = c.db.GetPrimaryFqdn()
		if host == "" {
			return false
		}
	}
	return !c.db.IsHostReachable(ctx, host)
}

// releaseLockAndReturnToCluster steps down: close the pooler, release
// the leader lock when held, or follow the current holder
func (c *Controller) releaseLockAndReturnToCluster(ctx context.Context) {
	c.pooler.Stop(ctx)
	holder, err := c.zk.CurrentLockHolder(dcs.PrimaryLockPath)
	if err != nil {
		log.Error(err, "Could not read the leader lock holder")
		return
	}
	switch holder {
	case c.hostname:
		if err := c.zk.ReleaseLock(dcs.PrimaryLockPath); err != nil {
			log.Error(err, "Could not release the leader lock")
		}
	case "":
	default:
		log.Warning("The leader lock is held by a peer, returning to the cluster", "holder", holder)
		c.returnToCluster(ctx, holder, pgtypes.RolePrimary, false)
	}
}

// writeStatusFile persists the tick's observations into the working
// directory
func (c *Controller) writeStatusFile(dbState *pgmgmt.State, zkState *dcs.State) {
	writeStatusFile(dbState, zkState, c.config.Global.WorkingDir)
}

// Hostname exposes the identity the controller participates with
func (c *Controller) Hostname() string {
	return c.hostname
}

// Close releases the coordination session; the local database
// connection is not closed
func (c *Controller) Close() {
	c.zk.Close()
}
