// Copyright (C) 2025 Scrutiny Debugger. All Rights Reserved.

package scrutiny

import "expvar"

// clientMetrics record client activity counters.
type clientMetrics struct {
	callsSent        expvar.Int
	callsTimedOut    expvar.Int
	repliesUnmatched expvar.Int
	writesSent       expvar.Int
	writesFailed     expvar.Int
	eventsQueued     expvar.Int
	eventsDropped    expvar.Int
	statusUpdates    expvar.Int

	emap *expvar.Map
}

func newClientMetrics() *clientMetrics {
	cm := &clientMetrics{emap: new(expvar.Map)}
	cm.emap.Set("calls_sent", &cm.callsSent)
	cm.emap.Set("calls_timed_out", &cm.callsTimedOut)
	cm.emap.Set("replies_unmatched", &cm.repliesUnmatched)
	cm.emap.Set("writes_sent", &cm.writesSent)
	cm.emap.Set("writes_failed", &cm.writesFailed)
	cm.emap.Set("events_queued", &cm.eventsQueued)
	cm.emap.Set("events_dropped", &cm.eventsDropped)
	cm.emap.Set("status_updates", &cm.statusUpdates)
	return cm
}

// Metrics returns a map of counters describing the activity of the
// client. The caller may publish it via the expvar package.
func (c *Client) Metrics() *expvar.Map { return c.metrics.emap }
