// Copyright 2025 Grocery Buddy Authors
// SPDX-License-Identifier: Apache-2.0

package localsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// action is the per-record outcome of one reconciliation decision.
type action int

const (
	actNone action = iota // both sides agree, nothing to do
	actPush               // local is newer, upsert to remote
	actPull               // remote is newer, overwrite local fields
	actConflict           // both changed since the last sync, ask the user
)

// lastWriteWins decides the direction for one record pair. Strict
// inequality on timestamps; a tie counts as already-synced and favors the
// remote value, so re-running a pass never produces redundant writes.
//
// A conflict is reported only when both sides changed after the last
// recorded sync watermark. Before the first successful pass the watermark
// is zero and the plain newer-wins rule applies.
func lastWriteWins(local, remote, lastSync time.Time) action {
	if remote.Equal(local) {
		return actNone
	}
	if !lastSync.IsZero() && local.After(lastSync) && remote.After(lastSync) {
		return actConflict
	}
	if remote.After(local) {
		return actPull
	}
	return actPush
}

// engine reconciles the three collections between the local store and the
// remote row-store. One instance per session; the orchestrator drives it.
type engine struct {
	store    *Store
	remote   RemoteStore
	userID   string
	deviceID string
	logger   *slog.Logger
	now      func() time.Time
}

func newEngine(store *Store, remote RemoteStore, userID, deviceID string, logger *slog.Logger) *engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &engine{
		store:    store,
		remote:   remote,
		userID:   userID,
		deviceID: deviceID,
		logger:   logger,
		now:      time.Now,
	}
}

// marshalRow encodes a row snapshot for upsert or for a conflict entry.
func marshalRow(row any) json.RawMessage {
	raw, err := json.Marshal(row)
	if err != nil {
		// Row types are plain structs; this cannot fail for valid data.
		return json.RawMessage("{}")
	}
	return raw
}

// drainPendingDeletes pushes queued tombstones for one table to the remote.
// A failed tombstone stays queued (logged, retried next pass) and its key is
// returned so the caller does not re-adopt the still-live remote row.
func (e *engine) drainPendingDeletes(ctx context.Context, table, conflictKey string) (map[string]bool, error) {
	queued, err := e.store.PendingDeletes(table)
	if err != nil {
		return nil, err
	}
	remaining := make(map[string]bool, len(queued))
	for key, row := range queued {
		if err := e.remote.Upsert(ctx, table, row, conflictKey); err != nil {
			e.logger.Warn("tombstone upload failed, will retry",
				"table", table, "key", key, "error", err)
			remaining[key] = true
			continue
		}
		if err := e.store.ClearPendingDelete(table, key); err != nil {
			return nil, err
		}
	}
	return remaining, nil
}

// fetchRows pulls every row for the user, tombstones included. Tombstones
// never surface to the UI (reads go through the local store); the engine
// needs them to propagate deletions across devices.
func fetchRows[R any](ctx context.Context, e *engine, table string) ([]R, error) {
	raws, err := e.remote.Select(ctx, table)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch %s: %w", table, err)
	}
	rows := make([]R, 0, len(raws))
	for _, raw := range raws {
		var row R
		if err := json.Unmarshal(raw, &row); err != nil {
			e.logger.Warn("skipping malformed remote row", "table", table, "error", err)
			continue
		}
		rows = append(rows, row)
	}
	return rows, nil
}

// upsertRow pushes one row snapshot. Failures are reported to the caller,
// which logs and skips the record; a single bad record never aborts a pass.
func (e *engine) upsertRow(ctx context.Context, table string, row any, conflictKey string) error {
	return e.remote.Upsert(ctx, table, marshalRow(row), conflictKey)
}
