// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2023 mochi-mqtt, mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestSubscribeStateString(t *testing.T) {
	require.Equal(t, "VERIFIED", Verified.String())
	require.Equal(t, "STORED", Stored.String())
	require.Equal(t, "UNKNOWN", SubscribeState(0).String())
}

func TestSubscriptionsInCoursePutIfAbsent(t *testing.T) {
	s := NewSubscriptionsInCourse()
	require.True(t, s.PutIfAbsent("cl1", 1))
	require.False(t, s.PutIfAbsent("cl1", 1))
	require.True(t, s.PutIfAbsent("cl1", 2))
	require.True(t, s.PutIfAbsent("cl2", 1))

	state, ok := s.State("cl1", 1)
	require.True(t, ok)
	require.Equal(t, Verified, state)
}

func TestSubscriptionsInCourseReplace(t *testing.T) {
	s := NewSubscriptionsInCourse()
	require.False(t, s.Replace("cl1", 1, Verified, Stored))

	s.PutIfAbsent("cl1", 1)
	require.False(t, s.Replace("cl1", 1, Stored, Verified))
	require.True(t, s.Replace("cl1", 1, Verified, Stored))
	require.False(t, s.Replace("cl1", 1, Verified, Stored))

	state, ok := s.State("cl1", 1)
	require.True(t, ok)
	require.Equal(t, Stored, state)
}

func TestSubscriptionsInCourseRemove(t *testing.T) {
	s := NewSubscriptionsInCourse()
	s.PutIfAbsent("cl1", 1)
	require.False(t, s.Remove("cl1", 1, Stored))
	require.False(t, s.Remove("cl1", 2, Verified))
	require.True(t, s.Remove("cl1", 1, Verified))

	_, ok := s.State("cl1", 1)
	require.False(t, ok)

	// the id may be reused once the entry is gone
	require.True(t, s.PutIfAbsent("cl1", 1))
}

func TestSubscriptionsInCourseSweep(t *testing.T) {
	s := NewSubscriptionsInCourse()
	s.PutIfAbsent("cl1", 1)
	s.PutIfAbsent("cl1", 2)
	s.Replace("cl1", 2, Verified, Stored)

	require.Equal(t, 0, s.Sweep(time.Now().Add(-time.Minute)))
	require.Equal(t, 2, s.Sweep(time.Now().Add(time.Minute)))

	_, ok := s.State("cl1", 2)
	require.False(t, ok)
}
