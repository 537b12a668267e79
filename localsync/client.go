// Copyright 2025 Grocery Buddy Authors
// SPDX-License-Identifier: Apache-2.0

// Package localsync is the offline-first core of Grocery Buddy: local-first
// state for the grocery cart, the pantry, and saved recipes, each durably
// persisted on device and reconciled against the remote row-store with a
// per-record last-write-wins policy. Divergent edits from two devices are
// queued as conflicts for the user to settle.
package localsync

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// ClientConfig holds the per-session parameters of the client.
type ClientConfig struct {
	UserID   string
	Debounce time.Duration
}

// Client is the session-scoped service object the UI talks to. It owns the
// mutation API for the three collections: every mutation is written to the
// local store synchronously (the app stays fully usable offline) and then
// schedules a debounced sync pass.
//
// Construct one per signed-in session and pass it by reference; there are
// no package-level singletons.
type Client struct {
	store    *Store
	monitor  *Monitor
	orch     *Orchestrator
	deviceID string
	logger   *slog.Logger

	// Serializes snapshot read-modify-write cycles. Local mutations are
	// whole-collection replaces, so two concurrent writers could otherwise
	// silently drop an edit.
	mu sync.Mutex
}

// NewClient builds the sync core for one session. The device identity is
// read from (or created in) the local store.
func NewClient(store *Store, remote RemoteStore, monitor *Monitor, cfg ClientConfig, logger *slog.Logger) (*Client, error) {
	if logger == nil {
		logger = slog.Default()
	}
	deviceID, err := store.EnsureDeviceID()
	if err != nil {
		return nil, err
	}
	orch, err := NewOrchestrator(store, remote, monitor, OrchestratorConfig{
		UserID:   cfg.UserID,
		DeviceID: deviceID,
		Debounce: cfg.Debounce,
	}, logger)
	if err != nil {
		return nil, err
	}
	return &Client{
		store:    store,
		monitor:  monitor,
		orch:     orch,
		deviceID: deviceID,
		logger:   logger,
	}, nil
}

// Start marks the session signed-in, subscribes to remote change
// notifications, and triggers the initial sync pass.
func (c *Client) Start(ctx context.Context) error {
	if err := c.orch.Start(ctx); err != nil {
		return err
	}
	c.orch.SetSignedIn(true)
	return nil
}

// Close tears down subscriptions without touching local data.
func (c *Client) Close() {
	c.orch.Close()
}

// Logout ends the session: the authentication signal drops and every local
// collection tied to the user is cleared. An in-flight sync pass finishes
// writes it already issued.
func (c *Client) Logout() error {
	c.orch.SetSignedIn(false)
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.ClearSession()
}

// DeviceID returns the stable per-installation identifier.
func (c *Client) DeviceID() string { return c.deviceID }

// Status reports online/syncing/last-sync/conflict state for the UI.
func (c *Client) Status() Status { return c.orch.Status() }

// OnStatus registers a status observer.
func (c *Client) OnStatus(fn func(Status)) (unsubscribe func()) { return c.orch.OnStatus(fn) }

// SyncNow runs a full sync pass immediately, bypassing the debounce.
func (c *Client) SyncNow(ctx context.Context) error { return c.orch.SyncAll(ctx) }

// Conflicts exposes the conflict queue.
func (c *Client) Conflicts() []Conflict { return c.orch.Conflicts() }

// NextConflict exposes the head of the conflict queue.
func (c *Client) NextConflict() (Conflict, bool) { return c.orch.NextConflict() }

// Resolve settles one conflict with the chosen side.
func (c *Client) Resolve(ctx context.Context, table, key string, choice Choice) error {
	return c.orch.Resolve(ctx, table, key, choice)
}

// Preferences returns the device-local preference map. Preferences never
// leave the device; they are not part of any sync pass.
func (c *Client) Preferences() map[string]json.RawMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.LoadPreferences()
}

// SetPreference stores one preference value. A nil value removes the key.
func (c *Client) SetPreference(key string, value json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	prefs := c.store.LoadPreferences()
	if value == nil {
		delete(prefs, key)
	} else {
		prefs[key] = value
	}
	return c.store.SavePreferences(prefs)
}

// ClearConflicts drops the queue without resolving anything.
func (c *Client) ClearConflicts() { c.orch.ClearConflicts() }

// --- Grocery cart ---

// GroceryItems returns the current cart contents.
func (c *Client) GroceryItems() []GroceryItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.LoadGrocery()
}

// AddGroceryItem appends a cart item. Names are unique per cart,
// case-insensitively; ids come from a monotonic counter and are never
// reused after deletion.
func (c *Client) AddGroceryItem(name, category, quantity string) (GroceryItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	items := c.store.LoadGrocery()
	var maxID int64
	for _, it := range items {
		if strings.EqualFold(it.Name, name) {
			return GroceryItem{}, fmt.Errorf("%q is already on the list", name)
		}
		if it.ID > maxID {
			maxID = it.ID
		}
	}
	if err := c.store.BumpLocalID(collectionGrocery, maxID); err != nil {
		return GroceryItem{}, err
	}
	id, err := c.store.NextLocalID(collectionGrocery)
	if err != nil {
		return GroceryItem{}, err
	}
	item := GroceryItem{
		ID:        id,
		Name:      name,
		Category:  category,
		Quantity:  quantity,
		UpdatedAt: time.Now().UTC(),
	}
	if err := c.store.SaveGrocery(append(items, item)); err != nil {
		return GroceryItem{}, err
	}
	c.orch.RequestSync()
	return item, nil
}

// UpdateGroceryItem replaces the fields of an existing cart item.
func (c *Client) UpdateGroceryItem(item GroceryItem) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	items := c.store.LoadGrocery()
	for i, it := range items {
		if it.ID != item.ID {
			continue
		}
		item.UpdatedAt = time.Now().UTC()
		items[i] = item
		if err := c.store.SaveGrocery(items); err != nil {
			return err
		}
		c.orch.RequestSync()
		return nil
	}
	return fmt.Errorf("grocery item %d not found", item.ID)
}

// ToggleGroceryItem flips the selected checkbox of one cart item.
func (c *Client) ToggleGroceryItem(id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	items := c.store.LoadGrocery()
	for i, it := range items {
		if it.ID != id {
			continue
		}
		items[i].Selected = !it.Selected
		items[i].UpdatedAt = time.Now().UTC()
		if err := c.store.SaveGrocery(items); err != nil {
			return err
		}
		c.orch.RequestSync()
		return nil
	}
	return fmt.Errorf("grocery item %d not found", id)
}

// DeleteGroceryItem removes a cart item locally and queues the remote
// tombstone. Local deletion is physical; the remote side keeps the
// soft-deleted row so other devices converge.
func (c *Client) DeleteGroceryItem(id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	items := c.store.LoadGrocery()
	for i, it := range items {
		if it.ID != id {
			continue
		}
		tombstone := GroceryRow{
			UserID:    c.orch.cfg.UserID,
			DeviceID:  c.deviceID,
			LocalID:   it.ID,
			Name:      it.Name,
			Category:  it.Category,
			UpdatedAt: time.Now().UTC(),
			IsDeleted: true,
		}
		if err := c.store.QueuePendingDelete(TableGrocery, groceryKey(it.ID), marshalRow(tombstone)); err != nil {
			return err
		}
		if err := c.store.SaveGrocery(append(items[:i], items[i+1:]...)); err != nil {
			return err
		}
		c.orch.RequestSync()
		return nil
	}
	return fmt.Errorf("grocery item %d not found", id)
}

// ClearGrocery empties the cart, tombstoning every item remotely.
func (c *Client) ClearGrocery() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	items := c.store.LoadGrocery()
	now := time.Now().UTC()
	for _, it := range items {
		tombstone := GroceryRow{
			UserID:    c.orch.cfg.UserID,
			DeviceID:  c.deviceID,
			LocalID:   it.ID,
			Name:      it.Name,
			Category:  it.Category,
			UpdatedAt: now,
			IsDeleted: true,
		}
		if err := c.store.QueuePendingDelete(TableGrocery, groceryKey(it.ID), marshalRow(tombstone)); err != nil {
			return err
		}
	}
	if err := c.store.SaveGrocery(nil); err != nil {
		return err
	}
	c.orch.RequestSync()
	return nil
}

// --- Pantry ---

// PantryItems returns the current pantry contents.
func (c *Client) PantryItems() []PantryItem {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.LoadPantry()
}

// AddPantryItem appends a pantry item. The (name, category) pair is the
// item's logical identity, unique case-insensitively.
func (c *Client) AddPantryItem(name, category, quantity string, expiry *time.Time) (PantryItem, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	items := c.store.LoadPantry()
	key := pantryKey(name, category)
	for _, it := range items {
		if pantryKey(it.Name, it.Category) == key {
			return PantryItem{}, fmt.Errorf("%s (%s) is already in the pantry", name, category)
		}
	}
	if err := c.store.BumpLocalID(collectionPantry, maxPantryID(items)); err != nil {
		return PantryItem{}, err
	}
	id, err := c.store.NextLocalID(collectionPantry)
	if err != nil {
		return PantryItem{}, err
	}
	item := PantryItem{
		ID:         id,
		Name:       name,
		Category:   category,
		Quantity:   quantity,
		ExpiryDate: expiry,
		UpdatedAt:  time.Now().UTC(),
	}
	if err := c.store.SavePantry(append(items, item)); err != nil {
		return PantryItem{}, err
	}
	c.orch.RequestSync()
	return item, nil
}

// UpdatePantryItem replaces the fields of an existing pantry item. Changing
// name or category changes the item's logical identity: the old identity is
// tombstoned and the new one uploaded as a fresh entity.
func (c *Client) UpdatePantryItem(item PantryItem) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	items := c.store.LoadPantry()
	for i, it := range items {
		if it.ID != item.ID {
			continue
		}
		oldKey := pantryKey(it.Name, it.Category)
		newKey := pantryKey(item.Name, item.Category)
		if oldKey != newKey {
			tombstone := PantryRow{
				UserID:    c.orch.cfg.UserID,
				DeviceID:  c.deviceID,
				Name:      it.Name,
				Category:  it.Category,
				UpdatedAt: time.Now().UTC(),
				IsDeleted: true,
			}
			if err := c.store.QueuePendingDelete(TablePantry, oldKey, marshalRow(tombstone)); err != nil {
				return err
			}
		}
		item.UpdatedAt = time.Now().UTC()
		items[i] = item
		if err := c.store.SavePantry(items); err != nil {
			return err
		}
		c.orch.RequestSync()
		return nil
	}
	return fmt.Errorf("pantry item %d not found", item.ID)
}

// DeletePantryItem removes a pantry item locally and queues its tombstone.
func (c *Client) DeletePantryItem(id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	items := c.store.LoadPantry()
	for i, it := range items {
		if it.ID != id {
			continue
		}
		tombstone := PantryRow{
			UserID:    c.orch.cfg.UserID,
			DeviceID:  c.deviceID,
			Name:      it.Name,
			Category:  it.Category,
			UpdatedAt: time.Now().UTC(),
			IsDeleted: true,
		}
		if err := c.store.QueuePendingDelete(TablePantry, pantryKey(it.Name, it.Category), marshalRow(tombstone)); err != nil {
			return err
		}
		if err := c.store.SavePantry(append(items[:i], items[i+1:]...)); err != nil {
			return err
		}
		c.orch.RequestSync()
		return nil
	}
	return fmt.Errorf("pantry item %d not found", id)
}

// --- Saved recipes ---

// SavedRecipes returns the current saved-recipes collection.
func (c *Client) SavedRecipes() []SavedRecipe {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.store.LoadRecipes()
}

// SaveRecipe bookmarks a recipe. Saving an already-saved recipe id updates
// its payload in place.
func (c *Client) SaveRecipe(recipeID, recipeName string, recipeData json.RawMessage, isCustom bool) (SavedRecipe, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := time.Now().UTC()
	items := c.store.LoadRecipes()
	for i, it := range items {
		if it.RecipeID != recipeID {
			continue
		}
		items[i].RecipeName = recipeName
		items[i].RecipeData = recipeData
		items[i].IsCustom = isCustom
		items[i].UpdatedAt = now
		if err := c.store.SaveRecipes(items); err != nil {
			return SavedRecipe{}, err
		}
		c.orch.RequestSync()
		return items[i], nil
	}
	if err := c.store.BumpLocalID(collectionRecipes, maxRecipeID(items)); err != nil {
		return SavedRecipe{}, err
	}
	id, err := c.store.NextLocalID(collectionRecipes)
	if err != nil {
		return SavedRecipe{}, err
	}
	item := SavedRecipe{
		ID:         id,
		RecipeID:   recipeID,
		RecipeName: recipeName,
		RecipeData: recipeData,
		IsCustom:   isCustom,
		SavedAt:    now,
		UpdatedAt:  now,
	}
	if err := c.store.SaveRecipes(append(items, item)); err != nil {
		return SavedRecipe{}, err
	}
	c.orch.RequestSync()
	return item, nil
}

// DeleteRecipe removes a saved recipe locally and queues its tombstone.
func (c *Client) DeleteRecipe(id int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	items := c.store.LoadRecipes()
	for i, it := range items {
		if it.ID != id {
			continue
		}
		tombstone := RecipeRow{
			UserID:    c.orch.cfg.UserID,
			DeviceID:  c.deviceID,
			RecipeID:  it.RecipeID,
			UpdatedAt: time.Now().UTC(),
			IsDeleted: true,
		}
		if err := c.store.QueuePendingDelete(TableRecipes, it.RecipeID, marshalRow(tombstone)); err != nil {
			return err
		}
		if err := c.store.SaveRecipes(append(items[:i], items[i+1:]...)); err != nil {
			return err
		}
		c.orch.RequestSync()
		return nil
	}
	return fmt.Errorf("saved recipe %d not found", id)
}
