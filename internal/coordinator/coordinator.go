package coordinator

import (
	"log/slog"
	"math/rand"
	"sync"
	"time"
)

type Role int

const (
	RoleStandby Role = iota
	RoleLeader
)

func (r Role) String() string {
	if r == RoleLeader {
		return "leader"
	}
	return "standby"
}

// TickResult tells the caller what changed during a tick.
type TickResult struct {
	Role           Role
	BecameLeader   bool
	LostLeadership bool
}

// Coordinator runs the per-instance election state machine. With a nil
// registry (store unavailable or coordination disabled) the instance is a
// permanent leader.
type Coordinator struct {
	reg    *Registry
	self   DeviceRecord
	logger *slog.Logger

	now   func() time.Time
	sleep func(time.Duration)
	rng   *rand.Rand

	// mu serializes the state machine against command handlers (/use,
	// offset commits) running on the ingest goroutine. Candidation sleeps
	// hold it; that is harmless because the contending callers are
	// leader-only paths.
	mu             sync.Mutex
	role           Role
	started        bool
	becameActiveAt time.Time

	deviceHB *jitterTimer
	activeHB *jitterTimer
	check    *jitterTimer
	sweep    *jitterTimer

	// fallback state when no registry is available
	local StateRecord
}

// Options inject the clock for tests. Zero values mean real time.
type Options struct {
	Now   func() time.Time
	Sleep func(time.Duration)
	Rand  *rand.Rand
}

// New builds a Coordinator. reg may be nil for single-instance mode. The
// self record's LastSeen is stamped on every heartbeat write.
func New(reg *Registry, self DeviceRecord, logger *slog.Logger, opts Options) *Coordinator {
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.Sleep == nil {
		opts.Sleep = time.Sleep
	}
	if opts.Rand == nil {
		opts.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	c := &Coordinator{
		reg:    reg,
		self:   self,
		logger: logger,
		now:    opts.Now,
		sleep:  opts.Sleep,
		rng:    opts.Rand,
		role:   RoleStandby,
	}
	c.resetTimers(c.now())
	return c
}

// Bootstrap initializes the shared store presence: devices/ dir, an empty
// StateRecord if missing, and the instance's own DeviceRecord.
func (c *Coordinator) Bootstrap() error {
	if c.reg == nil {
		return nil
	}
	now := c.now()
	if err := c.reg.InitState(c.self.Name, now); err != nil {
		return err
	}
	return c.writeDeviceHeartbeat(now)
}

// Role returns the current role.
func (c *Coordinator) Role() Role {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.role
}

// IsLeader reports whether this instance currently ingests updates.
func (c *Coordinator) IsLeader() bool { return c.Role() == RoleLeader }

// BecameActiveAt is the local timestamp of the last promotion; Telegram
// messages dated before it are ignored.
func (c *Coordinator) BecameActiveAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.becameActiveAt
}

// DeviceName returns the instance's device id.
func (c *Coordinator) DeviceName() string { return c.self.Name }

// Registry exposes the underlying registry for command handlers; nil in
// single-instance mode.
func (c *Coordinator) Registry() *Registry { return c.reg }

// Tick advances the state machine: standby checks, candidation, leader
// heartbeats, and the stale-device sweep. Store errors never propagate;
// the next tick retries.
func (c *Coordinator) Tick() TickResult {
	c.mu.Lock()
	defer c.mu.Unlock()
	now := c.now()
	if c.reg == nil {
		if !c.started {
			c.started = true
			c.role = RoleLeader
			c.becameActiveAt = now
			return TickResult{Role: RoleLeader, BecameLeader: true}
		}
		return TickResult{Role: RoleLeader}
	}

	switch c.role {
	case RoleLeader:
		return c.tickLeader(now)
	default:
		return c.tickStandby(now)
	}
}

func (c *Coordinator) tickStandby(now time.Time) TickResult {
	if c.deviceHB.due(now) {
		if err := c.writeDeviceHeartbeat(now); err != nil {
			c.logger.Warn("device heartbeat write failed", "error", err)
		}
		c.deviceHB.resample(now, c.rng)
	}
	if !c.check.due(now) {
		return TickResult{Role: RoleStandby}
	}
	c.check.resample(now, c.rng)

	state, _, err := c.reg.ReadState()
	if err != nil {
		c.logger.Warn("standby check: state read failed", "error", err)
		return TickResult{Role: RoleStandby}
	}
	if state.ActiveDevice == c.self.Name {
		return c.becomeLeader(now, "state already names this device")
	}
	age := now.Sub(time.UnixMilli(state.ActiveDeviceHeartbeat))
	if state.ActiveDevice != "" && age <= HeartbeatTimeout {
		return TickResult{Role: RoleStandby}
	}
	return c.candidate(state)
}

// candidate runs the activation attempt after a stale (or absent) leader
// was observed. Every store error returns to standby; retries are the next
// tick's problem.
func (c *Coordinator) candidate(observed StateRecord) TickResult {
	delay := time.Duration(c.rng.Int63n(int64(FailoverJitter)))
	c.logger.Info("stale leader detected, candidating",
		"stale_leader", observed.ActiveDevice, "delay", delay)
	c.sleep(delay)

	state, _, err := c.reg.ReadState()
	if err != nil {
		c.logger.Warn("candidation re-read failed", "error", err)
		return TickResult{Role: RoleStandby}
	}
	now := c.now()
	age := now.Sub(time.UnixMilli(state.ActiveDeviceHeartbeat))
	if state.ActiveDevice != "" && state.ActiveDevice != c.self.Name && age <= HeartbeatTimeout {
		c.logger.Info("another device activated first", "leader", state.ActiveDevice)
		return TickResult{Role: RoleStandby}
	}

	prevLastModified := state.LastModified
	claimed := state
	claimed.ActiveDevice = c.self.Name
	claimed.ActiveDeviceHeartbeat = millis(now)
	claimed.LastModified = millis(now)
	claimed.ModifiedBy = c.self.Name
	if err := c.reg.WriteState(claimed); err != nil {
		c.logger.Warn("activation write failed", "error", err)
		return TickResult{Role: RoleStandby}
	}

	c.sleep(VerifyDelay)

	verify, _, err := c.reg.ReadState()
	if err != nil {
		c.logger.Warn("activation verify read failed", "error", err)
		return TickResult{Role: RoleStandby}
	}
	if verify.ActiveDevice != c.self.Name || verify.LastModified < prevLastModified {
		c.logger.Info("activation lost verification", "winner", verify.ActiveDevice)
		return TickResult{Role: RoleStandby}
	}
	return c.becomeLeader(c.now(), "won candidation")
}

func (c *Coordinator) becomeLeader(now time.Time, reason string) TickResult {
	c.role = RoleLeader
	c.becameActiveAt = now
	c.resetTimers(now)
	c.logger.Info("now ACTIVE", "device", c.self.Name, "reason", reason)
	return TickResult{Role: RoleLeader, BecameLeader: true}
}

func (c *Coordinator) demote(reason string) TickResult {
	c.role = RoleStandby
	c.resetTimers(c.now())
	c.logger.Info("lost leadership", "device", c.self.Name, "reason", reason)
	return TickResult{Role: RoleStandby, LostLeadership: true}
}

func (c *Coordinator) tickLeader(now time.Time) TickResult {
	if c.deviceHB.due(now) {
		if err := c.writeDeviceHeartbeat(now); err != nil {
			c.logger.Warn("device heartbeat write failed", "error", err)
		}
		c.deviceHB.resample(now, c.rng)
	}
	if c.activeHB.due(now) {
		c.activeHB.resample(now, c.rng)
		state, _, err := c.reg.ReadState()
		if err != nil {
			c.logger.Warn("active heartbeat: state read failed", "error", err)
		} else if state.ActiveDevice != c.self.Name && state.ActiveDevice != "" {
			// Another device took over (forced activation or a competing
			// candidate surviving replication lag). Only the new leader
			// mutates StateRecord from here on.
			return c.demote("state names " + state.ActiveDevice)
		} else {
			state.ActiveDevice = c.self.Name
			state.ActiveDeviceHeartbeat = millis(now)
			state.LastModified = millis(now)
			state.ModifiedBy = c.self.Name
			if err := c.reg.WriteState(state); err != nil {
				c.logger.Warn("active heartbeat write failed", "error", err)
			}
		}
	}
	if c.sweep.due(now) {
		c.sweep.resample(now, c.rng)
		removed, err := c.reg.SweepStale(now, StaleDeviceAge)
		if err != nil {
			c.logger.Warn("stale device sweep failed", "error", err)
		} else if len(removed) > 0 {
			c.logger.Info("swept stale device records", "removed", removed)
		}
	}
	return TickResult{Role: RoleLeader}
}

func (c *Coordinator) writeDeviceHeartbeat(now time.Time) error {
	rec := c.self
	rec.LastSeen = millis(now)
	return c.reg.WriteDevice(rec)
}

func (c *Coordinator) resetTimers(now time.Time) {
	if c.role == RoleLeader {
		c.deviceHB = newJitterTimer(leaderDeviceHeartbeatBase, leaderDeviceHeartbeatJitter, now, c.rng)
	} else {
		c.deviceHB = newJitterTimer(standbyDeviceHeartbeatBase, standbyDeviceHeartbeatJitter, now, c.rng)
	}
	c.activeHB = newJitterTimer(activeHeartbeatBase, activeHeartbeatJitter, now, c.rng)
	c.check = newJitterTimer(standbyCheckBase, standbyCheckJitter, now, c.rng)
	c.sweep = newJitterTimer(staleSweepBase, 0, now, c.rng)
	// First fire of the cheap timers should not wait a full period after a
	// role change.
	c.check.next = now
	c.deviceHB.next = now
	c.activeHB.next = now
}

// LastUpdateID reads the committed Telegram offset.
func (c *Coordinator) LastUpdateID() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reg == nil {
		return c.local.LastUpdateID
	}
	state, _, err := c.reg.ReadState()
	if err != nil {
		c.logger.Warn("lastUpdateId read failed", "error", err)
		return 0
	}
	return state.LastUpdateID
}

// CommitUpdateID persists a processed Telegram update id. The offset only
// ever moves forward, across every writer that ever becomes leader.
func (c *Coordinator) CommitUpdateID(id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reg == nil {
		if id > c.local.LastUpdateID {
			c.local.LastUpdateID = id
		}
		return nil
	}
	state, _, err := c.reg.ReadState()
	if err != nil {
		return err
	}
	if id <= state.LastUpdateID {
		return nil
	}
	now := c.now()
	state.LastUpdateID = id
	state.LastModified = millis(now)
	state.ModifiedBy = c.self.Name
	return c.reg.WriteState(state)
}

// RecordForeignChat appends a chat id the bot saw but is not configured
// for. Returns whether it was new, the total count, and the last five.
func (c *Coordinator) RecordForeignChat(id int64) (added bool, total int, lastFive []int64, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reg == nil {
		added = c.local.AddForeignChat(id)
		return added, len(c.local.ForeignChatIDs), c.local.LastForeignChats(5), nil
	}
	state, _, err := c.reg.ReadState()
	if err != nil {
		return false, 0, nil, err
	}
	added = state.AddForeignChat(id)
	if added {
		now := c.now()
		state.LastModified = millis(now)
		state.ModifiedBy = c.self.Name
		if err := c.reg.WriteState(state); err != nil {
			return false, 0, nil, err
		}
	}
	return added, len(state.ForeignChatIDs), state.LastForeignChats(5), nil
}

// ForceActivate writes the given device as active, bypassing staleness
// checks. Used by /use. When the target is this instance it promotes
// immediately; when it is another device and this instance is leader, it
// demotes.
func (c *Coordinator) ForceActivate(name string) (TickResult, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.reg == nil {
		return TickResult{Role: c.role}, nil
	}
	state, _, err := c.reg.ReadState()
	if err != nil {
		return TickResult{Role: c.role}, err
	}
	now := c.now()
	state.ActiveDevice = name
	state.ActiveDeviceHeartbeat = millis(now)
	state.LastModified = millis(now)
	state.ModifiedBy = c.self.Name
	if err := c.reg.WriteState(state); err != nil {
		return TickResult{Role: c.role}, err
	}
	if name == c.self.Name && c.role != RoleLeader {
		return c.becomeLeader(now, "forced activation"), nil
	}
	if name != c.self.Name && c.role == RoleLeader {
		return c.demote("forced activation of " + name), nil
	}
	return TickResult{Role: c.role}, nil
}
