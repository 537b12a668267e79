// Copyright 2025 Grocery Buddy Authors
// SPDX-License-Identifier: Apache-2.0

package localsync

import (
	"context"
	"encoding/json"
	"fmt"
)

// Choice selects which side of a conflict becomes authoritative.
type Choice string

const (
	ChooseLocal  Choice = "local"
	ChooseRemote Choice = "remote"
)

// Conflicts returns a snapshot of the queue in FIFO order.
func (o *Orchestrator) Conflicts() []Conflict {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]Conflict, len(o.conflicts))
	copy(out, o.conflicts)
	return out
}

// NextConflict returns the head of the queue, presented to the user one at
// a time.
func (o *Orchestrator) NextConflict() (Conflict, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.conflicts) == 0 {
		return Conflict{}, false
	}
	return o.conflicts[0], true
}

// ClearConflicts discards the whole queue without applying anything. Both
// sides stay as they are; the divergence will be re-detected on the next
// sync pass.
func (o *Orchestrator) ClearConflicts() {
	o.mu.Lock()
	o.conflicts = nil
	o.mu.Unlock()
	o.notifyObservers()
}

// enqueueConflicts appends newly detected conflicts, dropping ones already
// queued for the same record.
func (o *Orchestrator) enqueueConflicts(conflicts []Conflict) {
	if len(conflicts) == 0 {
		return
	}
	o.mu.Lock()
	seen := make(map[string]bool, len(o.conflicts))
	for _, c := range o.conflicts {
		seen[c.Table+"/"+c.Key] = true
	}
	for _, c := range conflicts {
		if seen[c.Table+"/"+c.Key] {
			continue
		}
		o.conflicts = append(o.conflicts, c)
		seen[c.Table+"/"+c.Key] = true
	}
	o.mu.Unlock()
	o.notifyObservers()
}

// Resolve applies the user's decision for one queued conflict, addressed by
// its (table, key) pair: the chosen snapshot is written to the remote store
// and to the local store, then the conflict leaves the queue. A failed write
// keeps the conflict queued.
func (o *Orchestrator) Resolve(ctx context.Context, table, key string, choice Choice) error {
	o.mu.Lock()
	idx := -1
	for i, c := range o.conflicts {
		if c.Table == table && c.Key == key {
			idx = i
			break
		}
	}
	if idx < 0 {
		o.mu.Unlock()
		return fmt.Errorf("no queued conflict for %s/%s", table, key)
	}
	c := o.conflicts[idx]
	o.mu.Unlock()

	winner := c.Remote
	if choice == ChooseLocal {
		winner = c.Local
	}

	if err := o.applyResolution(ctx, c.Table, winner, choice); err != nil {
		return fmt.Errorf("failed to apply %s resolution for %s/%s: %w", choice, c.Table, key, err)
	}

	o.mu.Lock()
	for i, queued := range o.conflicts {
		if queued.Table == c.Table && queued.Key == c.Key {
			o.conflicts = append(o.conflicts[:i], o.conflicts[i+1:]...)
			break
		}
	}
	o.mu.Unlock()
	o.notifyObservers()
	return nil
}

// applyResolution writes the winning snapshot to both sides. The winner is
// re-stamped with this device and the current time so last-write-wins holds
// for every other device's next pass.
func (o *Orchestrator) applyResolution(ctx context.Context, table string, winner json.RawMessage, choice Choice) error {
	now := o.now().UTC()
	switch table {
	case TableGrocery:
		var row GroceryRow
		if err := json.Unmarshal(winner, &row); err != nil {
			return fmt.Errorf("bad grocery snapshot: %w", err)
		}
		row.DeviceID = o.cfg.DeviceID
		row.UpdatedAt = now
		if err := o.remote.Upsert(ctx, TableGrocery, marshalRow(row), ConflictKeyGrocery); err != nil {
			return err
		}
		if err := o.store.BumpLocalID(collectionGrocery, row.LocalID); err != nil {
			return err
		}
		items := o.store.LoadGrocery()
		items = applyGroceryRow(items, row)
		return o.store.SaveGrocery(items)

	case TablePantry:
		var row PantryRow
		if err := json.Unmarshal(winner, &row); err != nil {
			return fmt.Errorf("bad pantry snapshot: %w", err)
		}
		row.DeviceID = o.cfg.DeviceID
		row.UpdatedAt = now
		if err := o.remote.Upsert(ctx, TablePantry, marshalRow(row), ConflictKeyPantry); err != nil {
			return err
		}
		items := o.store.LoadPantry()
		if err := o.store.BumpLocalID(collectionPantry, maxPantryID(items)); err != nil {
			return err
		}
		newID, err := o.store.NextLocalID(collectionPantry)
		if err != nil {
			return err
		}
		items = applyPantryRow(items, row, newID)
		return o.store.SavePantry(items)

	case TableRecipes:
		var row RecipeRow
		if err := json.Unmarshal(winner, &row); err != nil {
			return fmt.Errorf("bad recipe snapshot: %w", err)
		}
		row.DeviceID = o.cfg.DeviceID
		row.UpdatedAt = now
		if err := o.remote.Upsert(ctx, TableRecipes, marshalRow(row), ConflictKeyRecipes); err != nil {
			return err
		}
		items := o.store.LoadRecipes()
		if err := o.store.BumpLocalID(collectionRecipes, maxRecipeID(items)); err != nil {
			return err
		}
		newID, err := o.store.NextLocalID(collectionRecipes)
		if err != nil {
			return err
		}
		items = applyRecipeRow(items, row, newID)
		return o.store.SaveRecipes(items)
	}
	return fmt.Errorf("unknown table %q", table)
}

// applyGroceryRow overwrites (or removes, for a tombstone) the local item
// matching the row's reconciliation key.
func applyGroceryRow(items []GroceryItem, row GroceryRow) []GroceryItem {
	for i, it := range items {
		if it.ID != row.LocalID {
			continue
		}
		if row.IsDeleted {
			return append(items[:i], items[i+1:]...)
		}
		items[i] = groceryFromRow(row, it.ID)
		return items
	}
	if !row.IsDeleted {
		items = append(items, groceryFromRow(row, row.LocalID))
	}
	return items
}

// newID names the record if it has to be re-created locally; the caller
// allocates it from the id counter.
func applyPantryRow(items []PantryItem, row PantryRow, newID int64) []PantryItem {
	key := pantryKey(row.Name, row.Category)
	for i, it := range items {
		if pantryKey(it.Name, it.Category) != key {
			continue
		}
		if row.IsDeleted {
			return append(items[:i], items[i+1:]...)
		}
		items[i] = pantryFromRow(row, it.ID)
		return items
	}
	if !row.IsDeleted {
		items = append(items, pantryFromRow(row, newID))
	}
	return items
}

func applyRecipeRow(items []SavedRecipe, row RecipeRow, newID int64) []SavedRecipe {
	for i, it := range items {
		if it.RecipeID != row.RecipeID {
			continue
		}
		if row.IsDeleted {
			return append(items[:i], items[i+1:]...)
		}
		items[i] = recipeFromRow(row, it.ID)
		return items
	}
	if !row.IsDeleted {
		items = append(items, recipeFromRow(row, newID))
	}
	return items
}
