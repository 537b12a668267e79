// Copyright 2025 Grocery Buddy Authors
// SPDX-License-Identifier: Apache-2.0

package localsync

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestPriceForDeterministic(t *testing.T) {
	require.Equal(t, PriceFor("milk"), PriceFor("milk"))
	require.Equal(t, PriceFor("Milk"), PriceFor("milk"))
	require.Equal(t, PriceFor("  milk "), PriceFor("milk"))
}

func TestPriceForRange(t *testing.T) {
	for _, name := range []string{"milk", "bread", "rice", "saffron", "x", ""} {
		p := PriceFor(name)
		require.GreaterOrEqual(t, p, 0.50, "name %q", name)
		require.LessOrEqual(t, p, 10.49, "name %q", name)
	}
}
