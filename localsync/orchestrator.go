// Copyright 2025 Grocery Buddy Authors
// SPDX-License-Identifier: Apache-2.0

package localsync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// Status is the sync state exposed to UI collaborators.
type Status struct {
	Online           bool
	Syncing          bool
	LastSync         time.Time
	PendingConflicts int
}

// OrchestratorConfig holds the per-session parameters of the orchestrator.
type OrchestratorConfig struct {
	UserID   string
	DeviceID string
	// Debounce collapses bursts of mutation-triggered sync requests into
	// one pass. Zero means the 500ms default.
	Debounce time.Duration
}

// Orchestrator coordinates the three entity sync engines: it runs full sync
// passes (grocery → pantry → recipes, strictly in sequence), drops
// concurrent triggers while a pass is in flight, reacts to reconnect and
// sign-in, and owns the conflict queue.
type Orchestrator struct {
	store   *Store
	remote  RemoteStore
	monitor *Monitor
	eng     *engine
	logger  *slog.Logger
	cfg     OrchestratorConfig

	busy     atomic.Bool
	signedIn atomic.Bool
	now      func() time.Time

	mu           sync.Mutex
	conflicts    []Conflict
	observers    map[int]func(Status)
	nextObserver int
	debounce     *time.Timer
	cancelSubs   []func()
	stopMonitor  func()
}

// NewOrchestrator wires an orchestrator for one signed-in session. All
// collaborators are injected; the orchestrator holds no ambient state.
func NewOrchestrator(store *Store, remote RemoteStore, monitor *Monitor, cfg OrchestratorConfig, logger *slog.Logger) (*Orchestrator, error) {
	if cfg.UserID == "" {
		return nil, fmt.Errorf("orchestrator requires a user id")
	}
	if cfg.DeviceID == "" {
		return nil, fmt.Errorf("orchestrator requires a device id")
	}
	if cfg.Debounce == 0 {
		cfg.Debounce = 500 * time.Millisecond
	}
	if logger == nil {
		logger = slog.Default()
	}
	o := &Orchestrator{
		store:     store,
		remote:    remote,
		monitor:   monitor,
		eng:       newEngine(store, remote, cfg.UserID, cfg.DeviceID, logger),
		logger:    logger,
		cfg:       cfg,
		now:       time.Now,
		observers: make(map[int]func(Status)),
	}
	o.stopMonitor = monitor.Notify(func(online bool) {
		if online && o.signedIn.Load() {
			o.RequestSync()
		}
		o.notifyObservers()
	})
	return o, nil
}

// Start subscribes to remote change notifications for all three tables.
// Each notification re-runs the reconcile pass for its collection only.
func (o *Orchestrator) Start(ctx context.Context) error {
	for _, table := range []string{TableGrocery, TablePantry, TableRecipes} {
		table := table
		cancel, err := o.remote.Subscribe(table, func() {
			if err := o.syncCollection(ctx, table); err != nil {
				o.logger.Error("change-triggered sync failed", "table", table, "error", err)
			}
		})
		if err != nil {
			o.Close()
			return fmt.Errorf("failed to subscribe to %s: %w", table, err)
		}
		o.mu.Lock()
		o.cancelSubs = append(o.cancelSubs, cancel)
		o.mu.Unlock()
	}
	return nil
}

// Close tears down subscriptions, the monitor hook, and any pending
// debounced trigger.
func (o *Orchestrator) Close() {
	o.mu.Lock()
	subs := o.cancelSubs
	o.cancelSubs = nil
	if o.debounce != nil {
		o.debounce.Stop()
		o.debounce = nil
	}
	o.mu.Unlock()

	for _, cancel := range subs {
		cancel()
	}
	if o.stopMonitor != nil {
		o.stopMonitor()
	}
}

// SetSignedIn flips the authentication signal. Transitioning to signed-in
// triggers a full sync pass.
func (o *Orchestrator) SetSignedIn(signedIn bool) {
	was := o.signedIn.Swap(signedIn)
	if signedIn && !was {
		o.RequestSync()
	}
}

// SignedIn reports the current authentication signal.
func (o *Orchestrator) SignedIn() bool { return o.signedIn.Load() }

// RequestSync schedules a debounced full sync pass. Rapid-fire mutations
// collapse into a single pass; the pass itself only runs while online and
// signed in.
func (o *Orchestrator) RequestSync() {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.debounce != nil {
		o.debounce.Stop()
	}
	o.debounce = time.AfterFunc(o.cfg.Debounce, func() {
		if !o.monitor.Online() || !o.signedIn.Load() {
			return
		}
		if err := o.SyncAll(context.Background()); err != nil {
			o.logger.Error("scheduled sync failed", "error", err)
		}
	})
}

// SyncAll runs one full pass over all three collections in sequence. A
// request arriving while a pass is in flight is dropped, not queued;
// reconciliation is idempotent so the next trigger converges anyway.
//
// The last-sync watermark advances only when every collection succeeded
// AND no conflict was detected. Holding the watermark back keeps the
// both-changed-since-last-sync condition true, so an unresolved (or
// cleared) divergence is re-detected instead of silently auto-resolved by
// last-write-wins on the next pass.
func (o *Orchestrator) SyncAll(ctx context.Context) error {
	if !o.busy.CompareAndSwap(false, true) {
		o.logger.Debug("sync already in flight, dropping trigger")
		return nil
	}
	defer o.busy.Store(false)

	o.notifyObservers()
	defer o.notifyObservers()

	passes := []struct {
		table string
		run   func(context.Context) ([]Conflict, error)
	}{
		{TableGrocery, o.eng.syncGrocery},
		{TablePantry, o.eng.syncPantry},
		{TableRecipes, o.eng.syncRecipes},
	}

	var errs []error
	detected := 0
	for _, p := range passes {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		conflicts, err := p.run(ctx)
		if err != nil {
			// One collection failing leaves the others unaffected.
			o.logger.Error("sync pass failed", "table", p.table, "error", err)
			errs = append(errs, fmt.Errorf("%s: %w", p.table, err))
			continue
		}
		detected += len(conflicts)
		o.enqueueConflicts(conflicts)
	}

	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	if detected == 0 {
		if err := o.store.SetLastSyncTime(o.now()); err != nil {
			return err
		}
	}
	o.logger.Info("sync completed", "conflicts", detected)
	return nil
}

// syncCollection runs the reconcile pass for a single collection, sharing
// the same at-most-one-pass gate as SyncAll. It never advances the
// watermark; only a full pass does.
func (o *Orchestrator) syncCollection(ctx context.Context, table string) error {
	if !o.busy.CompareAndSwap(false, true) {
		return nil
	}
	defer o.busy.Store(false)

	o.notifyObservers()
	defer o.notifyObservers()

	var (
		conflicts []Conflict
		err       error
	)
	switch table {
	case TableGrocery:
		conflicts, err = o.eng.syncGrocery(ctx)
	case TablePantry:
		conflicts, err = o.eng.syncPantry(ctx)
	case TableRecipes:
		conflicts, err = o.eng.syncRecipes(ctx)
	default:
		return fmt.Errorf("unknown table %q", table)
	}
	if err != nil {
		return err
	}
	o.enqueueConflicts(conflicts)
	return nil
}

// Status returns the current sync state.
func (o *Orchestrator) Status() Status {
	lastSync, err := o.store.LastSyncTime()
	if err != nil {
		o.logger.Warn("failed to read last sync time", "error", err)
	}
	o.mu.Lock()
	pending := len(o.conflicts)
	o.mu.Unlock()
	return Status{
		Online:           o.monitor.Online(),
		Syncing:          o.busy.Load(),
		LastSync:         lastSync,
		PendingConflicts: pending,
	}
}

// OnStatus registers a status observer and returns its unsubscribe function.
func (o *Orchestrator) OnStatus(fn func(Status)) (unsubscribe func()) {
	o.mu.Lock()
	id := o.nextObserver
	o.nextObserver++
	o.observers[id] = fn
	o.mu.Unlock()

	return func() {
		o.mu.Lock()
		delete(o.observers, id)
		o.mu.Unlock()
	}
}

func (o *Orchestrator) notifyObservers() {
	st := o.Status()
	o.mu.Lock()
	obs := make([]func(Status), 0, len(o.observers))
	for _, fn := range o.observers {
		obs = append(obs, fn)
	}
	o.mu.Unlock()
	for _, fn := range obs {
		fn(st)
	}
}
