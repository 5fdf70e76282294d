// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package observability

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInitMetricsAndHelpers(t *testing.T) {
	m := InitMetrics()
	require.NotNil(t, m)
	require.Same(t, m, DefaultMetrics)

	RecordRequest("chat_completions", "success", "normal", 1.2)
	RecordRequest("chat_completions", "success", "slow", 6.1)
	RecordError("chat_completions", "session_busy")

	assert.Equal(t, float64(2),
		testutil.ToFloat64(m.RequestsTotal.WithLabelValues("chat_completions", "success")))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(m.ErrorsTotal.WithLabelValues("chat_completions", "session_busy")))

	m.QueueDepth.Set(4)
	assert.Equal(t, float64(4), testutil.ToFloat64(m.QueueDepth))

	RecordAdmission("admitted", "immediate")
	RecordAdmission("rejected", "queue_full")
	assert.Equal(t, float64(1),
		testutil.ToFloat64(m.AdmissionsTotal.WithLabelValues("admitted", "immediate")))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(m.AdmissionsTotal.WithLabelValues("rejected", "queue_full")))

	SetQueueDepth(7)
	assert.Equal(t, float64(7), testutil.ToFloat64(m.QueueDepth))

	RecordSessionEvent("created")
	RecordSessionEvent("created")
	RecordSessionEvent("expired")
	assert.Equal(t, float64(2),
		testutil.ToFloat64(m.SessionEventsTotal.WithLabelValues("created")))
	assert.Equal(t, float64(1),
		testutil.ToFloat64(m.SessionEventsTotal.WithLabelValues("expired")))

	SetActiveSessions(3)
	assert.Equal(t, float64(3), testutil.ToFloat64(m.ActiveSessions))

	SetInstancesKnown(2, 1, 1)
	assert.Equal(t, float64(2), testutil.ToFloat64(m.InstancesKnown.WithLabelValues("UP")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.InstancesKnown.WithLabelValues("DEGRADED")))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.InstancesKnown.WithLabelValues("DOWN")))
}

func TestHelpersAreNoopsBeforeInit(t *testing.T) {
	saved := DefaultMetrics
	DefaultMetrics = nil
	defer func() { DefaultMetrics = saved }()

	// Must not panic.
	RecordRequest("chat_completions", "success", "normal", 1)
	RecordError("chat_completions", "execution_failure")
	RecordAdmission("admitted", "immediate")
	SetQueueDepth(1)
	RecordSessionEvent("created")
	SetActiveSessions(1)
	SetInstancesKnown(1, 0, 0)
}
