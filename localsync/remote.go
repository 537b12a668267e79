// Copyright 2025 Grocery Buddy Authors
// SPDX-License-Identifier: Apache-2.0

package localsync

import (
	"context"
	"encoding/json"
)

// RemoteStore is the contract the sync core needs from the hosted row-store.
// The production implementation is HTTPRemote talking to the grocerybuddyd
// server; tests substitute an in-memory fake.
//
// All three methods are scoped to the authenticated user on the remote side.
// Failures come back as errors; the core never lets a remote failure touch
// local data.
type RemoteStore interface {
	// Upsert inserts or updates one row by the named unique key
	// (e.g. "user_id,local_id"). Last writer wins at the storage layer.
	Upsert(ctx context.Context, table string, row json.RawMessage, conflictKey string) error

	// Select returns all rows for the current user in the given table,
	// tombstones included. The engine needs tombstones to propagate
	// deletions; they never reach the UI, which reads the local store only.
	Select(ctx context.Context, table string) ([]json.RawMessage, error)

	// Subscribe registers a change trigger for the table. The callback
	// carries no payload; the core reacts by re-fetching. The returned
	// cancel function tears the subscription down.
	Subscribe(table string, onChange func()) (cancel func(), err error)
}
