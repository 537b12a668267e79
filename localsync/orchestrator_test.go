// Copyright 2025 Grocery Buddy Authors
// SPDX-License-Identifier: Apache-2.0

package localsync

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestOrchestrator(t *testing.T) (*Orchestrator, *Store, *fakeRemote, *Monitor) {
	t.Helper()
	store := newTestStore(t)
	remote := newFakeRemote()
	monitor := NewMonitor(true)
	orch, err := NewOrchestrator(store, remote, monitor, OrchestratorConfig{
		UserID:   "user-1",
		DeviceID: "device-a",
		Debounce: 10 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(orch.Close)
	return orch, store, remote, monitor
}

func TestSyncAllSetsWatermarkOnSuccess(t *testing.T) {
	orch, store, _, _ := newTestOrchestrator(t)
	require.NoError(t, store.SaveGrocery([]GroceryItem{
		{ID: 1, Name: "milk", UpdatedAt: baseTime},
	}))

	require.NoError(t, orch.SyncAll(context.Background()))

	ts, err := store.LastSyncTime()
	require.NoError(t, err)
	require.False(t, ts.IsZero())
}

func TestSyncAllKeepsWatermarkOnFailure(t *testing.T) {
	orch, store, remote, _ := newTestOrchestrator(t)
	remote.failSelect = errors.New("network down")

	err := orch.SyncAll(context.Background())
	require.Error(t, err)

	ts, err := store.LastSyncTime()
	require.NoError(t, err)
	require.True(t, ts.IsZero())
}

func TestSyncAllDropsConcurrentTrigger(t *testing.T) {
	orch, _, _, _ := newTestOrchestrator(t)

	// Hold the busy flag and verify a second trigger is dropped silently.
	require.True(t, orch.busy.CompareAndSwap(false, true))
	done := make(chan error, 1)
	go func() { done <- orch.SyncAll(context.Background()) }()
	require.NoError(t, <-done)
	orch.busy.Store(false)

	// With the flag released the pass runs for real.
	require.NoError(t, orch.SyncAll(context.Background()))
	ts, err := orch.store.LastSyncTime()
	require.NoError(t, err)
	require.False(t, ts.IsZero())
}

func TestReconnectTriggersSync(t *testing.T) {
	store := newTestStore(t)
	remote := newFakeRemote()
	monitor := NewMonitor(false)
	orch, err := NewOrchestrator(store, remote, monitor, OrchestratorConfig{
		UserID:   "user-1",
		DeviceID: "device-a",
		Debounce: 5 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	defer orch.Close()

	require.NoError(t, store.SaveGrocery([]GroceryItem{
		{ID: 1, Name: "milk", UpdatedAt: baseTime},
	}))
	orch.SetSignedIn(true)

	// Offline: the sign-in trigger fires but the pass refuses to run.
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, remote.upsertCount())

	// Reconnect: the offline mutation is uploaded exactly once.
	monitor.SetOnline(true)
	require.Eventually(t, func() bool {
		return remote.upsertCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, "milk", remote.grocery(t, "1").Name)
}

func TestChangeNotificationResyncsCollection(t *testing.T) {
	orch, store, remote, _ := newTestOrchestrator(t)
	require.NoError(t, orch.Start(context.Background()))

	remote.seed(t, TablePantry, PantryRow{
		UserID: "user-1", DeviceID: "device-b",
		Name: "rice", Category: "Grains", Quantity: "2kg", UpdatedAt: baseTime,
	})

	// Simulate the realtime trigger for the pantry table.
	remote.mu.Lock()
	subs := append([]func(){}, remote.subs[TablePantry]...)
	remote.mu.Unlock()
	require.NotEmpty(t, subs)
	for _, fn := range subs {
		fn()
	}

	require.Eventually(t, func() bool {
		return len(store.LoadPantry()) == 1
	}, 2*time.Second, 10*time.Millisecond)
}

func TestConflictQueueFIFOAndDedup(t *testing.T) {
	orch, _, _, _ := newTestOrchestrator(t)

	a := Conflict{Table: TableGrocery, Key: "1", Type: ConflictUpdate}
	b := Conflict{Table: TableRecipes, Key: "r1", Type: ConflictUpdate}
	orch.enqueueConflicts([]Conflict{a})
	orch.enqueueConflicts([]Conflict{b, a}) // a already queued

	queue := orch.Conflicts()
	require.Len(t, queue, 2)
	head, ok := orch.NextConflict()
	require.True(t, ok)
	require.Equal(t, "1", head.Key)

	orch.ClearConflicts()
	require.Empty(t, orch.Conflicts())
	_, ok = orch.NextConflict()
	require.False(t, ok)
}

func TestResolveChoosingRemote(t *testing.T) {
	orch, store, remote, _ := newTestOrchestrator(t)
	require.NoError(t, store.SetLastSyncTime(baseTime))
	require.NoError(t, store.SaveRecipes([]SavedRecipe{{
		ID: 1, RecipeID: "r1", RecipeName: "Pasta",
		RecipeData: json.RawMessage(`{"steps":["boil"]}`),
		SavedAt:    baseTime, UpdatedAt: baseTime.Add(time.Hour),
	}}))
	remote.seed(t, TableRecipes, RecipeRow{
		UserID: "user-1", DeviceID: "device-b", RecipeID: "r1",
		RecipeName: "Pasta", RecipeData: json.RawMessage(`{"steps":["simmer"]}`),
		SavedAt: baseTime, UpdatedAt: baseTime.Add(2 * time.Hour),
	})

	require.NoError(t, orch.SyncAll(context.Background()))
	require.Len(t, orch.Conflicts(), 1)

	require.NoError(t, orch.Resolve(context.Background(), TableRecipes, "r1", ChooseRemote))

	require.Empty(t, orch.Conflicts())
	local := store.LoadRecipes()
	require.Len(t, local, 1)
	require.JSONEq(t, `{"steps":["simmer"]}`, string(local[0].RecipeData))
}

func TestResolveChoosingLocal(t *testing.T) {
	orch, store, remote, _ := newTestOrchestrator(t)
	require.NoError(t, store.SetLastSyncTime(baseTime))
	require.NoError(t, store.SaveGrocery([]GroceryItem{
		{ID: 1, Name: "milk", Quantity: "2L", UpdatedAt: baseTime.Add(time.Hour)},
	}))
	remote.seed(t, TableGrocery, GroceryRow{
		UserID: "user-1", DeviceID: "device-b", LocalID: 1,
		Name: "milk", Quantity: "3L", UpdatedAt: baseTime.Add(2 * time.Hour),
	})

	require.NoError(t, orch.SyncAll(context.Background()))
	require.Len(t, orch.Conflicts(), 1)

	require.NoError(t, orch.Resolve(context.Background(), TableGrocery, "1", ChooseLocal))

	// The local values overwrote the remote row, re-stamped by this device.
	row := remote.grocery(t, "1")
	require.Equal(t, "2L", row.Quantity)
	require.Equal(t, "device-a", row.DeviceID)
	require.Empty(t, orch.Conflicts())
	require.Equal(t, "2L", store.LoadGrocery()[0].Quantity)
}

func TestResolveUnknownKey(t *testing.T) {
	orch, _, _, _ := newTestOrchestrator(t)
	err := orch.Resolve(context.Background(), TableGrocery, "nope", ChooseLocal)
	require.Error(t, err)
}

func TestResolveMatchesTableAndKey(t *testing.T) {
	orch, store, _, _ := newTestOrchestrator(t)

	// A grocery id and a recipe id can collide as strings; resolution must
	// address the pair, not the key alone.
	gLocal := GroceryRow{UserID: "user-1", DeviceID: "device-a", LocalID: 1,
		Name: "milk", Quantity: "2L", UpdatedAt: baseTime.Add(time.Hour)}
	gRemote := GroceryRow{UserID: "user-1", DeviceID: "device-b", LocalID: 1,
		Name: "milk", Quantity: "3L", UpdatedAt: baseTime.Add(2 * time.Hour)}
	rLocal := RecipeRow{UserID: "user-1", DeviceID: "device-a", RecipeID: "1",
		RecipeName: "Pasta", RecipeData: json.RawMessage(`{"steps":["boil"]}`),
		UpdatedAt: baseTime.Add(time.Hour)}
	rRemote := RecipeRow{UserID: "user-1", DeviceID: "device-b", RecipeID: "1",
		RecipeName: "Pasta", RecipeData: json.RawMessage(`{"steps":["simmer"]}`),
		UpdatedAt: baseTime.Add(2 * time.Hour)}
	orch.enqueueConflicts([]Conflict{
		{Table: TableGrocery, Key: "1", Type: ConflictUpdate,
			Local: marshalRow(gLocal), Remote: marshalRow(gRemote)},
		{Table: TableRecipes, Key: "1", Type: ConflictUpdate,
			Local: marshalRow(rLocal), Remote: marshalRow(rRemote)},
	})

	require.NoError(t, orch.Resolve(context.Background(), TableRecipes, "1", ChooseRemote))

	queue := orch.Conflicts()
	require.Len(t, queue, 1)
	require.Equal(t, TableGrocery, queue[0].Table)

	recipes := store.LoadRecipes()
	require.Len(t, recipes, 1)
	require.JSONEq(t, `{"steps":["simmer"]}`, string(recipes[0].RecipeData))
}

func TestResolveFailedWriteKeepsConflictQueued(t *testing.T) {
	orch, store, remote, _ := newTestOrchestrator(t)
	require.NoError(t, store.SetLastSyncTime(baseTime))
	require.NoError(t, store.SaveGrocery([]GroceryItem{
		{ID: 1, Name: "milk", Quantity: "2L", UpdatedAt: baseTime.Add(time.Hour)},
	}))
	remote.seed(t, TableGrocery, GroceryRow{
		UserID: "user-1", DeviceID: "device-b", LocalID: 1,
		Name: "milk", Quantity: "3L", UpdatedAt: baseTime.Add(2 * time.Hour),
	})
	require.NoError(t, orch.SyncAll(context.Background()))
	require.Len(t, orch.Conflicts(), 1)

	remote.failUpsert = errors.New("write refused")
	err := orch.Resolve(context.Background(), TableGrocery, "1", ChooseLocal)
	require.Error(t, err)
	require.Len(t, orch.Conflicts(), 1)
}

func TestStatusObserver(t *testing.T) {
	orch, _, _, monitor := newTestOrchestrator(t)

	var mu sync.Mutex
	var statuses []Status
	unsubscribe := orch.OnStatus(func(st Status) {
		mu.Lock()
		statuses = append(statuses, st)
		mu.Unlock()
	})
	defer unsubscribe()

	monitor.SetOnline(false)
	require.NoError(t, orch.SyncAll(context.Background()))

	mu.Lock()
	defer mu.Unlock()
	require.NotEmpty(t, statuses)
	require.False(t, statuses[len(statuses)-1].Online)
}
