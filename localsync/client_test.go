// Copyright 2025 Grocery Buddy Authors
// SPDX-License-Identifier: Apache-2.0

package localsync

import (
	"context"
	"database/sql"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/stretchr/testify/require"
)

// newTestClient drives sync explicitly via SyncNow: the debounce is long
// enough that no background pass races the assertions.
func newTestClient(t *testing.T, online bool) (*Client, *Store, *fakeRemote, *Monitor) {
	t.Helper()
	store := newTestStore(t)
	remote := newFakeRemote()
	monitor := NewMonitor(online)
	client, err := NewClient(store, remote, monitor, ClientConfig{
		UserID:   "user-1",
		Debounce: time.Hour,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	return client, store, remote, monitor
}

func TestAddGroceryItemAssignsIDs(t *testing.T) {
	client, _, _, _ := newTestClient(t, false)

	a, err := client.AddGroceryItem("milk", "Dairy", "1L")
	require.NoError(t, err)
	require.Equal(t, int64(1), a.ID)

	b, err := client.AddGroceryItem("bread", "Bakery", "")
	require.NoError(t, err)
	require.Equal(t, int64(2), b.ID)

	// Deleting the highest id must not free it: its tombstone still owns
	// the (user_id, local_id) remote key, so the id is gone for good.
	require.NoError(t, client.DeleteGroceryItem(b.ID))
	c, err := client.AddGroceryItem("eggs", "Dairy", "12")
	require.NoError(t, err)
	require.Equal(t, int64(3), c.ID)

	require.NoError(t, client.DeleteGroceryItem(a.ID))
	d, err := client.AddGroceryItem("butter", "Dairy", "")
	require.NoError(t, err)
	require.Equal(t, int64(4), d.ID)
}

func TestPantryIDsNotReusedAfterDelete(t *testing.T) {
	client, _, _, _ := newTestClient(t, false)

	a, err := client.AddPantryItem("rice", "Grains", "2kg", nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), a.ID)

	require.NoError(t, client.DeletePantryItem(a.ID))
	b, err := client.AddPantryItem("flour", "Baking", "1kg", nil)
	require.NoError(t, err)
	require.Equal(t, int64(2), b.ID)
}

func TestAddGroceryItemRejectsDuplicateName(t *testing.T) {
	client, _, _, _ := newTestClient(t, false)

	_, err := client.AddGroceryItem("Milk", "Dairy", "1L")
	require.NoError(t, err)

	_, err = client.AddGroceryItem("milk", "Dairy", "2L")
	require.Error(t, err)
	require.Len(t, client.GroceryItems(), 1)
}

func TestToggleAndUpdateGroceryItem(t *testing.T) {
	client, _, _, _ := newTestClient(t, false)

	item, err := client.AddGroceryItem("milk", "Dairy", "1L")
	require.NoError(t, err)

	require.NoError(t, client.ToggleGroceryItem(item.ID))
	require.True(t, client.GroceryItems()[0].Selected)

	item.Quantity = "2L"
	require.NoError(t, client.UpdateGroceryItem(item))
	got := client.GroceryItems()[0]
	require.Equal(t, "2L", got.Quantity)
	require.True(t, got.UpdatedAt.After(item.UpdatedAt) || got.UpdatedAt.Equal(item.UpdatedAt))
}

func TestOfflineMutationIsDurable(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "local.db")

	db, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	store, err := NewStore(db, nil)
	require.NoError(t, err)

	remote := newFakeRemote()
	monitor := NewMonitor(false)
	client, err := NewClient(store, remote, monitor, ClientConfig{UserID: "user-1"}, nil)
	require.NoError(t, err)

	_, err = client.AddGroceryItem("milk", "Dairy", "1L")
	require.NoError(t, err)
	client.Close()
	require.NoError(t, db.Close())

	// Reload from disk: the offline mutation survived, nothing reached
	// the remote.
	db2, err := sql.Open("sqlite3", path)
	require.NoError(t, err)
	defer db2.Close()
	store2, err := NewStore(db2, nil)
	require.NoError(t, err)

	items := store2.LoadGrocery()
	require.Len(t, items, 1)
	require.Equal(t, "milk", items[0].Name)
	require.Zero(t, remote.upsertCount())
}

func TestOfflineMutationUploadedOnceAfterReconnect(t *testing.T) {
	store := newTestStore(t)
	remote := newFakeRemote()
	monitor := NewMonitor(false)
	client, err := NewClient(store, remote, monitor, ClientConfig{
		UserID:   "user-1",
		Debounce: 10 * time.Millisecond,
	}, nil)
	require.NoError(t, err)
	t.Cleanup(client.Close)
	require.NoError(t, client.Start(context.Background()))

	_, err = client.AddGroceryItem("milk", "Dairy", "1L")
	require.NoError(t, err)
	time.Sleep(50 * time.Millisecond)
	require.Zero(t, remote.upsertCount())

	monitor.SetOnline(true)
	require.Eventually(t, func() bool {
		return remote.upsertCount() == 1
	}, 2*time.Second, 10*time.Millisecond)
	require.Equal(t, "milk", remote.grocery(t, "1").Name)

	// A follow-up pass finds nothing to do.
	require.NoError(t, client.SyncNow(context.Background()))
	require.Equal(t, 1, remote.upsertCount())
}

func TestDeleteGroceryItemSoftDeletesRemote(t *testing.T) {
	client, _, remote, _ := newTestClient(t, true)
	require.NoError(t, client.Start(context.Background()))

	item, err := client.AddGroceryItem("milk", "Dairy", "1L")
	require.NoError(t, err)
	require.NoError(t, client.SyncNow(context.Background()))
	require.False(t, remote.grocery(t, "1").IsDeleted)

	require.NoError(t, client.DeleteGroceryItem(item.ID))
	require.Empty(t, client.GroceryItems()) // physical locally, immediately

	require.NoError(t, client.SyncNow(context.Background()))
	require.True(t, remote.grocery(t, "1").IsDeleted) // tombstone remotely
}

func TestPantryRenameChangesIdentity(t *testing.T) {
	client, _, remote, _ := newTestClient(t, true)
	require.NoError(t, client.Start(context.Background()))

	item, err := client.AddPantryItem("rice", "Grains", "2kg", nil)
	require.NoError(t, err)
	require.NoError(t, client.SyncNow(context.Background()))

	item.Name = "basmati rice"
	require.NoError(t, client.UpdatePantryItem(item))
	require.NoError(t, client.SyncNow(context.Background()))

	// The old identity is tombstoned, the new one lives.
	remote.mu.Lock()
	defer remote.mu.Unlock()
	var live, dead int
	for _, raw := range remote.tables[TablePantry] {
		var row PantryRow
		require.NoError(t, json.Unmarshal(raw, &row))
		if row.IsDeleted {
			dead++
		} else {
			live++
			require.Equal(t, "basmati rice", row.Name)
		}
	}
	require.Equal(t, 1, live)
	require.Equal(t, 1, dead)
}

func TestSaveRecipeUpsertsByRecipeID(t *testing.T) {
	client, _, _, _ := newTestClient(t, false)

	first, err := client.SaveRecipe("r1", "Pasta", json.RawMessage(`{"steps":["boil"]}`), false)
	require.NoError(t, err)

	second, err := client.SaveRecipe("r1", "Pasta", json.RawMessage(`{"steps":["simmer"]}`), false)
	require.NoError(t, err)
	require.Equal(t, first.ID, second.ID)

	recipes := client.SavedRecipes()
	require.Len(t, recipes, 1)
	require.JSONEq(t, `{"steps":["simmer"]}`, string(recipes[0].RecipeData))
}

func TestPreferencesStayLocal(t *testing.T) {
	client, _, remote, _ := newTestClient(t, true)
	require.NoError(t, client.Start(context.Background()))

	require.NoError(t, client.SetPreference("theme", json.RawMessage(`"dark"`)))
	require.NoError(t, client.SetPreference("servings", json.RawMessage(`4`)))

	prefs := client.Preferences()
	require.JSONEq(t, `"dark"`, string(prefs["theme"]))
	require.JSONEq(t, `4`, string(prefs["servings"]))

	// Removing a key and syncing: preferences never touch the remote.
	require.NoError(t, client.SetPreference("theme", nil))
	require.NotContains(t, client.Preferences(), "theme")
	require.NoError(t, client.SyncNow(context.Background()))
	require.Zero(t, remote.upsertCount())
}

func TestLogoutClearsSessionData(t *testing.T) {
	client, store, _, _ := newTestClient(t, true)
	require.NoError(t, client.Start(context.Background()))

	_, err := client.AddGroceryItem("milk", "Dairy", "1L")
	require.NoError(t, err)
	_, err = client.AddPantryItem("rice", "Grains", "2kg", nil)
	require.NoError(t, err)
	_, err = client.SaveRecipe("r1", "Pasta", json.RawMessage(`{}`), false)
	require.NoError(t, err)

	require.NoError(t, client.SetPreference("theme", json.RawMessage(`"dark"`)))

	require.NoError(t, client.Logout())

	require.Empty(t, client.GroceryItems())
	require.Empty(t, client.PantryItems())
	require.Empty(t, client.SavedRecipes())
	require.Empty(t, client.Preferences())
	ts, err := store.LastSyncTime()
	require.NoError(t, err)
	require.True(t, ts.IsZero())
	require.False(t, client.Status().Syncing)

	// Id counters outlive the session: the old session's ids still name
	// tombstones on the remote keys.
	item, err := client.AddGroceryItem("milk", "Dairy", "1L")
	require.NoError(t, err)
	require.Equal(t, int64(2), item.ID)
}
