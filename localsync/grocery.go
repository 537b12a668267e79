// Copyright 2025 Grocery Buddy Authors
// SPDX-License-Identifier: Apache-2.0

package localsync

import (
	"context"
)

// groceryRow converts a local cart item to its remote row shape, tagged with
// the current user and device.
func (e *engine) groceryRow(item GroceryItem) GroceryRow {
	return GroceryRow{
		UserID:    e.userID,
		DeviceID:  e.deviceID,
		LocalID:   item.ID,
		Name:      item.Name,
		Category:  item.Category,
		Selected:  item.Selected,
		Quantity:  item.Quantity,
		UpdatedAt: item.UpdatedAt,
	}
}

// groceryFromRow converts a remote row back to a local item under the given
// local id.
func groceryFromRow(row GroceryRow, id int64) GroceryItem {
	return GroceryItem{
		ID:        id,
		Name:      row.Name,
		Category:  row.Category,
		Selected:  row.Selected,
		Quantity:  row.Quantity,
		UpdatedAt: row.UpdatedAt,
	}
}

// syncGrocery runs one fetch-reconcile-write pass for the grocery cart.
// Reconciliation key: (user_id, local_id) — the local integer id is echoed
// to the remote row, so adoption of a peer row keeps that id.
func (e *engine) syncGrocery(ctx context.Context) ([]Conflict, error) {
	lastSync, err := e.store.LastSyncTime()
	if err != nil {
		return nil, err
	}
	pending, err := e.drainPendingDeletes(ctx, TableGrocery, ConflictKeyGrocery)
	if err != nil {
		return nil, err
	}

	rows, err := fetchRows[GroceryRow](ctx, e, TableGrocery)
	if err != nil {
		return nil, err
	}
	byID := make(map[int64]GroceryRow, len(rows))
	for _, row := range rows {
		byID[row.LocalID] = row
	}

	local := e.store.LoadGrocery()
	out := make([]GroceryItem, 0, len(local))
	var conflicts []Conflict
	matched := make(map[int64]bool, len(local))

	for _, item := range local {
		row, ok := byID[item.ID]
		if !ok {
			// Local-only record: upload it.
			if err := e.upsertRow(ctx, TableGrocery, e.groceryRow(item), ConflictKeyGrocery); err != nil {
				e.logger.Warn("grocery upload failed, skipping record",
					"local_id", item.ID, "error", err)
			}
			out = append(out, item)
			continue
		}
		matched[item.ID] = true

		if row.IsDeleted {
			switch lastWriteWins(item.UpdatedAt, row.UpdatedAt, lastSync) {
			case actConflict:
				conflicts = append(conflicts, Conflict{
					Table:  TableGrocery,
					Key:    groceryKey(item.ID),
					Type:   ConflictDelete,
					Local:  marshalRow(e.groceryRow(item)),
					Remote: marshalRow(row),
				})
				out = append(out, item)
			case actPush:
				// Local edit outlived the tombstone: resurrect the row.
				if err := e.upsertRow(ctx, TableGrocery, e.groceryRow(item), ConflictKeyGrocery); err != nil {
					e.logger.Warn("grocery upload failed, skipping record",
						"local_id", item.ID, "error", err)
				}
				out = append(out, item)
			default:
				// Tombstone wins: hard-delete locally by dropping the item.
			}
			continue
		}

		switch lastWriteWins(item.UpdatedAt, row.UpdatedAt, lastSync) {
		case actPull:
			out = append(out, groceryFromRow(row, item.ID))
		case actPush:
			if err := e.upsertRow(ctx, TableGrocery, e.groceryRow(item), ConflictKeyGrocery); err != nil {
				e.logger.Warn("grocery upload failed, skipping record",
					"local_id", item.ID, "error", err)
			}
			out = append(out, item)
		case actConflict:
			conflicts = append(conflicts, Conflict{
				Table:  TableGrocery,
				Key:    groceryKey(item.ID),
				Type:   ConflictUpdate,
				Local:  marshalRow(e.groceryRow(item)),
				Remote: marshalRow(row),
			})
			out = append(out, item)
		default:
			out = append(out, item)
		}
	}

	// Adopt rows from other devices. The remote local_id becomes our local
	// id; an unmatched row cannot collide with any surviving local id. The
	// counter is bumped past adopted ids so later adds never reuse them.
	var maxAdopted int64
	for _, row := range rows {
		if matched[row.LocalID] || row.IsDeleted {
			continue
		}
		if pending[groceryKey(row.LocalID)] {
			continue
		}
		out = append(out, groceryFromRow(row, row.LocalID))
		if row.LocalID > maxAdopted {
			maxAdopted = row.LocalID
		}
	}
	if maxAdopted > 0 {
		if err := e.store.BumpLocalID(collectionGrocery, maxAdopted); err != nil {
			return conflicts, err
		}
	}

	if err := e.store.SaveGrocery(out); err != nil {
		return conflicts, err
	}
	return conflicts, nil
}
