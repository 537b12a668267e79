// Copyright 2025 Grocery Buddy Authors
// SPDX-License-Identifier: Apache-2.0

package localsync

import (
	"hash/fnv"
	"strings"
)

// PriceFor maps an item name to a deterministic price in [0.50, 10.49].
// The hash is case-insensitive so the derived price survives cosmetic
// renames and is identical on every device.
func PriceFor(name string) float64 {
	h := fnv.New32a()
	_, _ = h.Write([]byte(strings.ToLower(strings.TrimSpace(name))))
	cents := int64(h.Sum32())%1000 + 50
	return float64(cents) / 100
}
