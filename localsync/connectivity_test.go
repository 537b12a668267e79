// Copyright 2025 Grocery Buddy Authors
// SPDX-License-Identifier: Apache-2.0

package localsync

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestMonitorTransitions(t *testing.T) {
	m := NewMonitor(false)
	require.False(t, m.Online())

	var events []bool
	unsubscribe := m.Notify(func(online bool) {
		events = append(events, online)
	})

	m.SetOnline(true)
	m.SetOnline(true) // no transition, no event
	m.SetOnline(false)

	require.True(t, len(events) == 2)
	require.Equal(t, []bool{true, false}, events)

	unsubscribe()
	m.SetOnline(true)
	require.Len(t, events, 2)
	require.True(t, m.Online())
}
