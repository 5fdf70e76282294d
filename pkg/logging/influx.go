// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"context"
	"fmt"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	"github.com/influxdata/influxdb-client-go/v2/api"
)

// =============================================================================
// InfluxExporter
// =============================================================================

// InfluxExporter ships redacted events to an InfluxDB bucket for
// dashboarding. It uses the client's non-blocking write API, which
// batches internally, so Export never stalls the event path.
//
// Events land as points in the "bridge_events" measurement, tagged by
// instance, category, and level, with the payload flattened into fields.
type InfluxExporter struct {
	client   influxdb2.Client
	writeAPI api.WriteAPI
}

// InfluxConfig holds the connection settings for an InfluxExporter.
type InfluxConfig struct {
	URL    string
	Token  string
	Org    string
	Bucket string
}

// NewInfluxExporter connects to InfluxDB. The server is not contacted
// until the first write, so construction cannot fail on an unreachable
// endpoint; write errors are absorbed by the client's retry buffer.
func NewInfluxExporter(cfg InfluxConfig) *InfluxExporter {
	client := influxdb2.NewClient(cfg.URL, cfg.Token)
	return &InfluxExporter{
		client:   client,
		writeAPI: client.WriteAPI(cfg.Org, cfg.Bucket),
	}
}

// Export enqueues the event as a point. Non-blocking.
func (e *InfluxExporter) Export(ctx context.Context, ev Event) error {
	fields := make(map[string]any, len(ev.Payload)+1)
	for k, v := range ev.Payload {
		switch v.(type) {
		case string, bool, int, int64, float64:
			fields[k] = v
		default:
			fields[k] = fmt.Sprintf("%v", v)
		}
	}
	if len(fields) == 0 {
		fields["present"] = true
	}
	p := influxdb2.NewPoint("bridge_events",
		map[string]string{
			"instance": ev.Instance,
			"category": ev.Category,
			"level":    ev.Level.String(),
		},
		fields,
		ev.Timestamp,
	)
	e.writeAPI.WritePoint(p)
	return nil
}

// Flush drains the client's write buffer.
func (e *InfluxExporter) Flush(ctx context.Context) error {
	e.writeAPI.Flush()
	return nil
}

// Close flushes and shuts down the client.
func (e *InfluxExporter) Close() error {
	e.writeAPI.Flush()
	e.client.Close()
	return nil
}

var _ Exporter = (*InfluxExporter)(nil)
