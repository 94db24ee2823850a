package services

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"krausen/config"
	"krausen/devices"
	"krausen/models"
	"krausen/store"
)

// ControlState is the per-batch actuator automaton state.
type ControlState string

const (
	ControlIdle    ControlState = "idle"
	ControlHeating ControlState = "heating"
	ControlCooling ControlState = "cooling"
)

// TempSource yields the filtered temperature state the control loop
// acts on. The fermentation tracker implements it; raw values would
// chatter the actuators on sensor noise.
type TempSource interface {
	Snapshot(deviceID string, batchID int64) (TrackerSnapshot, bool)
}

// BatchEvictor discards tracker state for batches that left an active
// status.
type BatchEvictor interface {
	EvictBatch(batchID int64)
}

// loopState is one controlled batch's automaton state. The batch's
// loop goroutine is the single writer; the mutex covers the shutdown
// path reading it.
type loopState struct {
	mu       sync.Mutex
	state    ControlState
	degraded bool
	lastTemp float64
	haveTemp bool
	cancel   context.CancelFunc
}

// ControlService runs one periodic decide-and-send loop per controlled
// batch. Transitions are governed by hysteresis around the batch's
// target using the tracker's filtered temperature; manual overrides
// preempt the automatic rule; stale or missing data fails toward not
// actuating. Exactly one ControlEvent is recorded per transition.
type ControlService struct {
	cfg       *config.Config
	store     *store.Store
	temps     TempSource
	actuators devices.Controller
	evictor   BatchEvictor
	hub       Broadcaster
	logger    *zap.Logger

	mu    sync.Mutex
	loops map[int64]*loopState
	wg    sync.WaitGroup

	now func() time.Time
}

// NewControlService wires the control loop manager. evictor and hub
// may be nil.
func NewControlService(cfg *config.Config, st *store.Store, temps TempSource,
	actuators devices.Controller, evictor BatchEvictor, hub Broadcaster, logger *zap.Logger) *ControlService {
	return &ControlService{
		cfg:       cfg,
		store:     st,
		temps:     temps,
		actuators: actuators,
		evictor:   evictor,
		hub:       hub,
		logger:    logger,
		loops:     make(map[int64]*loopState),
		now:       time.Now,
	}
}

// Run starts the manager: it refreshes the controlled batch set every
// control interval, spawning and stopping per-batch loops. On
// cancellation all actuators are switched off before Run returns so
// shutdown never leaves a heater stuck on.
func (c *ControlService) Run(ctx context.Context) {
	c.logger.Info("Starting temperature control manager",
		zap.Duration("interval", c.cfg.ControlInterval),
		zap.Duration("stale_timeout", c.cfg.StaleDataTimeout))

	ticker := time.NewTicker(c.cfg.ControlInterval)
	defer ticker.Stop()

	c.refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			c.stopAll()
			c.wg.Wait()
			c.allOff()
			c.logger.Info("Temperature control manager stopped")
			return
		case <-ticker.C:
			c.refresh(ctx)
		}
	}
}

// refresh reconciles running loops against the current controlled
// batch set.
func (c *ControlService) refresh(ctx context.Context) {
	batches, err := c.store.ControlledBatches(ctx)
	if err != nil {
		c.logger.Error("Failed to list controlled batches", zap.Error(err))
		return
	}

	want := make(map[int64]bool, len(batches))
	for _, b := range batches {
		want[b.ID] = true
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	for id, ls := range c.loops {
		if !want[id] {
			ls.cancel()
			delete(c.loops, id)
			if c.evictor != nil {
				c.evictor.EvictBatch(id)
			}
			c.logger.Info("Control loop stopped", zap.Int64("batch_id", id))
		}
	}

	for _, b := range batches {
		if _, ok := c.loops[b.ID]; ok {
			continue
		}
		loopCtx, cancel := context.WithCancel(ctx)
		ls := &loopState{state: ControlIdle, cancel: cancel}
		c.loops[b.ID] = ls
		c.wg.Add(1)
		go c.runBatch(loopCtx, b.ID, ls)
		c.logger.Info("Control loop started",
			zap.Int64("batch_id", b.ID),
			zap.Float64("target_temp", b.TargetTemp),
			zap.Float64("hysteresis", b.Hysteresis))
	}
}

// runBatch is one batch's periodic loop. Each tick completes a full
// decide-and-send cycle before the next starts, so competing commands
// are never in flight for the same actuator.
func (c *ControlService) runBatch(ctx context.Context, batchID int64, ls *loopState) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.cfg.ControlInterval)
	defer ticker.Stop()

	c.tick(ctx, batchID, ls)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.tick(ctx, batchID, ls)
		}
	}
}

// tick executes one decide-and-send cycle for a batch.
func (c *ControlService) tick(ctx context.Context, batchID int64, ls *loopState) {
	batch, err := c.store.GetBatch(ctx, batchID)
	if err != nil {
		c.logger.Error("Control tick failed to load batch",
			zap.Int64("batch_id", batchID),
			zap.Error(err))
		return
	}
	if batch == nil || batch.Deleted || !batch.Status.Active() {
		c.failsafe(ctx, batch, ls, "batch no longer active")
		return
	}

	ls.mu.Lock()
	defer ls.mu.Unlock()

	snap, ok := c.temps.Snapshot(batch.DeviceID, batchID)
	fresh := ok && c.now().Sub(snap.LastUpdate) <= c.cfg.StaleDataTimeout
	if fresh {
		ls.lastTemp = snap.FilteredTemp
		ls.haveTemp = true
	}

	// Manual overrides preempt everything, including staleness: a
	// forced state is the operator's explicit intent.
	if batch.HeaterOverride == models.OverrideOn {
		c.transition(ctx, batch, ls, ControlHeating)
		return
	}
	if batch.CoolerOverride == models.OverrideOn {
		c.transition(ctx, batch, ls, ControlCooling)
		return
	}

	if !fresh {
		// Never heat or cool on guesswork.
		c.failsafeLocked(ctx, batch, ls, "temperature data missing or stale")
		return
	}
	ls.degraded = false

	c.transition(ctx, batch, ls, c.decide(batch, ls.state, snap.FilteredTemp))
}

// decide applies the hysteresis automaton to the filtered temperature.
func (c *ControlService) decide(batch *models.Batch, current ControlState, temp float64) ControlState {
	target, hyst := batch.TargetTemp, batch.Hysteresis

	switch current {
	case ControlHeating:
		// A forced-off heater exits immediately, not at target.
		if temp >= target || batch.HeaterOverride == models.OverrideOff {
			return ControlIdle
		}
		return ControlHeating
	case ControlCooling:
		if temp <= target || batch.CoolerOverride == models.OverrideOff {
			return ControlIdle
		}
		return ControlCooling
	default:
		if temp <= target-hyst && batch.HeaterID != "" && batch.HeaterOverride != models.OverrideOff {
			return ControlHeating
		}
		if temp >= target+hyst && batch.CoolerID != "" && batch.CoolerOverride != models.OverrideOff {
			return ControlCooling
		}
		return ControlIdle
	}
}

// transition moves the automaton to next, issuing actuator commands
// and recording exactly one ControlEvent per actuator state change.
// Caller holds ls.mu.
func (c *ControlService) transition(ctx context.Context, batch *models.Batch, ls *loopState, next ControlState) {
	if next == ls.state {
		return
	}

	// Leave the current state first: the old actuator goes off before
	// a new one comes on.
	switch ls.state {
	case ControlHeating:
		if c.command(ctx, batch, batch.HeaterID, false) {
			c.record(ctx, batch, ls, models.ActionHeatOff)
		}
	case ControlCooling:
		if c.command(ctx, batch, batch.CoolerID, false) {
			c.record(ctx, batch, ls, models.ActionCoolOff)
		}
	}
	ls.state = ControlIdle

	switch next {
	case ControlHeating:
		if batch.HeaterID == "" {
			return
		}
		if !c.command(ctx, batch, batch.HeaterID, true) {
			// No actuator available: stay in fail-safe idle.
			ls.degraded = true
			return
		}
		ls.state = ControlHeating
		c.record(ctx, batch, ls, models.ActionHeatOn)
	case ControlCooling:
		if batch.CoolerID == "" {
			return
		}
		if !c.command(ctx, batch, batch.CoolerID, true) {
			ls.degraded = true
			return
		}
		ls.state = ControlCooling
		c.record(ctx, batch, ls, models.ActionCoolOn)
	}
}

// failsafe turns everything off and parks the loop in degraded idle.
func (c *ControlService) failsafe(ctx context.Context, batch *models.Batch, ls *loopState, reason string) {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	c.failsafeLocked(ctx, batch, ls, reason)
}

func (c *ControlService) failsafeLocked(ctx context.Context, batch *models.Batch, ls *loopState, reason string) {
	if ls.state != ControlIdle {
		c.logger.Warn("Control loop entering fail-safe idle",
			zap.Int64("batch_id", batchIDOf(batch)),
			zap.String("reason", reason))
	}
	if batch != nil {
		c.transition(ctx, batch, ls, ControlIdle)
	} else {
		ls.state = ControlIdle
	}
	ls.degraded = true
}

func batchIDOf(b *models.Batch) int64 {
	if b == nil {
		return 0
	}
	return b.ID
}

// command issues one actuator state change, bounded by the adapter
// timeout.
func (c *ControlService) command(ctx context.Context, batch *models.Batch, actuatorID string, on bool) bool {
	if actuatorID == "" {
		return false
	}
	cmdCtx, cancel := context.WithTimeout(ctx, c.cfg.AdapterTimeout)
	defer cancel()

	if !c.actuators.SetState(cmdCtx, actuatorID, on) {
		c.logger.Warn("Actuator command not acknowledged",
			zap.Int64("batch_id", batch.ID),
			zap.String("actuator_id", actuatorID),
			zap.Bool("on", on))
		return false
	}
	return true
}

// record appends and broadcasts one control event. Caller holds ls.mu.
func (c *ControlService) record(ctx context.Context, batch *models.Batch, ls *loopState, action models.ControlAction) {
	event := &models.ControlEvent{
		BatchID:    batch.ID,
		Action:     action,
		WortTemp:   ls.lastTemp,
		TargetTemp: batch.TargetTemp,
		Timestamp:  c.now(),
	}
	if err := c.store.AppendControlEvent(ctx, event); err != nil {
		c.logger.Error("Failed to record control event",
			zap.Int64("batch_id", batch.ID),
			zap.String("action", string(action)),
			zap.Error(err))
	}
	if c.hub != nil {
		c.hub.Broadcast(models.Event{Type: models.EventControl, Payload: event})
	}
	c.logger.Info("Actuator transition",
		zap.Int64("batch_id", batch.ID),
		zap.String("action", string(action)),
		zap.Float64("wort_temp", ls.lastTemp),
		zap.Float64("target_temp", batch.TargetTemp))
}

// State exposes the automaton state for tests and the health surface.
func (ls *loopState) State() ControlState {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.state
}

// Degraded reports whether the loop is in fail-safe idle.
func (ls *loopState) Degraded() bool {
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.degraded
}

// stopAll cancels every per-batch loop.
func (c *ControlService) stopAll() {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, ls := range c.loops {
		ls.cancel()
	}
}

// allOff switches every non-idle actuator off during shutdown, using a
// fresh bounded context because the run context is already cancelled.
func (c *ControlService) allOff() {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.AdapterTimeout)
	defer cancel()

	c.mu.Lock()
	loops := make(map[int64]*loopState, len(c.loops))
	for id, ls := range c.loops {
		loops[id] = ls
	}
	c.mu.Unlock()

	for id, ls := range loops {
		ls.mu.Lock()
		if ls.state == ControlIdle {
			ls.mu.Unlock()
			continue
		}
		batch, err := c.store.GetBatch(ctx, id)
		if err != nil || batch == nil {
			ls.mu.Unlock()
			continue
		}
		c.transition(ctx, batch, ls, ControlIdle)
		ls.mu.Unlock()
	}
}
