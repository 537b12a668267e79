// Copyright 2025 Grocery Buddy Authors
// SPDX-License-Identifier: Apache-2.0

package localsync

import (
	"context"
)

func (e *engine) pantryRow(item PantryItem) PantryRow {
	return PantryRow{
		UserID:     e.userID,
		DeviceID:   e.deviceID,
		Name:       item.Name,
		Category:   item.Category,
		Quantity:   item.Quantity,
		ExpiryDate: item.ExpiryDate,
		UpdatedAt:  item.UpdatedAt,
	}
}

func pantryFromRow(row PantryRow, id int64) PantryItem {
	return PantryItem{
		ID:         id,
		Name:       row.Name,
		Category:   row.Category,
		Quantity:   row.Quantity,
		ExpiryDate: row.ExpiryDate,
		UpdatedAt:  row.UpdatedAt,
	}
}

func maxPantryID(items []PantryItem) int64 {
	var max int64
	for _, it := range items {
		if it.ID > max {
			max = it.ID
		}
	}
	return max
}

// syncPantry runs one fetch-reconcile-write pass for the pantry.
// Reconciliation key: (user_id, name, category), matched case-insensitively
// so "Rice"/"rice" from two devices stay one logical entity. Renaming either
// field creates a new logical entity by design.
func (e *engine) syncPantry(ctx context.Context) ([]Conflict, error) {
	lastSync, err := e.store.LastSyncTime()
	if err != nil {
		return nil, err
	}
	pending, err := e.drainPendingDeletes(ctx, TablePantry, ConflictKeyPantry)
	if err != nil {
		return nil, err
	}

	rows, err := fetchRows[PantryRow](ctx, e, TablePantry)
	if err != nil {
		return nil, err
	}
	byKey := make(map[string]PantryRow, len(rows))
	for _, row := range rows {
		byKey[pantryKey(row.Name, row.Category)] = row
	}

	local := e.store.LoadPantry()
	out := make([]PantryItem, 0, len(local))
	var conflicts []Conflict
	matched := make(map[string]bool, len(local))

	for _, item := range local {
		key := pantryKey(item.Name, item.Category)
		row, ok := byKey[key]
		if !ok {
			if err := e.upsertRow(ctx, TablePantry, e.pantryRow(item), ConflictKeyPantry); err != nil {
				e.logger.Warn("pantry upload failed, skipping record",
					"key", key, "error", err)
			}
			out = append(out, item)
			continue
		}
		matched[key] = true

		if row.IsDeleted {
			switch lastWriteWins(item.UpdatedAt, row.UpdatedAt, lastSync) {
			case actConflict:
				conflicts = append(conflicts, Conflict{
					Table:  TablePantry,
					Key:    key,
					Type:   ConflictDelete,
					Local:  marshalRow(e.pantryRow(item)),
					Remote: marshalRow(row),
				})
				out = append(out, item)
			case actPush:
				if err := e.upsertRow(ctx, TablePantry, e.pantryRow(item), ConflictKeyPantry); err != nil {
					e.logger.Warn("pantry upload failed, skipping record",
						"key", key, "error", err)
				}
				out = append(out, item)
			default:
			}
			continue
		}

		switch lastWriteWins(item.UpdatedAt, row.UpdatedAt, lastSync) {
		case actPull:
			out = append(out, pantryFromRow(row, item.ID))
		case actPush:
			if err := e.upsertRow(ctx, TablePantry, e.pantryRow(item), ConflictKeyPantry); err != nil {
				e.logger.Warn("pantry upload failed, skipping record",
					"key", key, "error", err)
			}
			out = append(out, item)
		case actConflict:
			conflicts = append(conflicts, Conflict{
				Table:  TablePantry,
				Key:    key,
				Type:   ConflictUpdate,
				Local:  marshalRow(e.pantryRow(item)),
				Remote: marshalRow(row),
			})
			out = append(out, item)
		default:
			out = append(out, item)
		}
	}

	// Adopt rows created on other devices, in fetched order, ids allocated
	// from the counter so they are never reused later.
	if err := e.store.BumpLocalID(collectionPantry, maxPantryID(out)); err != nil {
		return conflicts, err
	}
	for _, row := range rows {
		key := pantryKey(row.Name, row.Category)
		if matched[key] || row.IsDeleted || pending[key] {
			continue
		}
		id, err := e.store.NextLocalID(collectionPantry)
		if err != nil {
			return conflicts, err
		}
		out = append(out, pantryFromRow(row, id))
	}

	if err := e.store.SavePantry(out); err != nil {
		return conflicts, err
	}
	return conflicts, nil
}
