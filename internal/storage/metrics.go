package storage

import (
	"context"
	"fmt"
	"time"
)

// MetricSample is one telemetry snapshot for a device.
type MetricSample struct {
	ID                int64     `json:"id"`
	DeviceID          string    `json:"deviceId"`
	CPUPercent        float64   `json:"cpuPercent"`
	MemoryPercent     float64   `json:"memoryPercent"`
	LatencyMs         float64   `json:"latencyMs"`
	PacketLossPercent float64   `json:"packetLossPercent"`
	QueueDepth        int       `json:"queueDepth"`
	SampledAt         time.Time `json:"sampledAt"`
}

// RecordMetricSample appends one sample for a device.
func (s *Store) RecordMetricSample(ctx context.Context, m MetricSample) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO metric_samples (device_id, cpu_percent, memory_percent, latency_ms, packet_loss_percent, queue_depth)
			VALUES (?, ?, ?, ?, ?, ?);`,
			m.DeviceID, m.CPUPercent, m.MemoryPercent, m.LatencyMs, m.PacketLossPercent, m.QueueDepth,
		)
		if err != nil {
			return fmt.Errorf("record metric sample for %s: %w", m.DeviceID, err)
		}
		return nil
	})
}

// MetricTrends returns the most recent samples for a device, oldest first,
// so callers can read them as a time series.
func (s *Store) MetricTrends(ctx context.Context, deviceID string, limit int) ([]MetricSample, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, device_id, cpu_percent, memory_percent, latency_ms, packet_loss_percent, queue_depth, sampled_at
		FROM metric_samples
		WHERE device_id = ?
		ORDER BY sampled_at DESC, id DESC
		LIMIT ?;`, deviceID, limit)
	if err != nil {
		return nil, fmt.Errorf("metric trends for %s: %w", deviceID, err)
	}
	defer rows.Close()

	var samples []MetricSample
	for rows.Next() {
		var m MetricSample
		if err := rows.Scan(&m.ID, &m.DeviceID, &m.CPUPercent, &m.MemoryPercent,
			&m.LatencyMs, &m.PacketLossPercent, &m.QueueDepth, &m.SampledAt); err != nil {
			return nil, fmt.Errorf("scan metric sample: %w", err)
		}
		samples = append(samples, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// Reverse to chronological order.
	for i, j := 0, len(samples)-1; i < j; i, j = i+1, j-1 {
		samples[i], samples[j] = samples[j], samples[i]
	}
	return samples, nil
}

// PruneMetricSamples deletes samples older than the retention window.
func (s *Store) PruneMetricSamples(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	var deleted int64
	err := retryOnBusy(ctx, 5, func() error {
		res, err := s.db.ExecContext(ctx,
			`DELETE FROM metric_samples WHERE sampled_at < ?;`, cutoff)
		if err != nil {
			return fmt.Errorf("prune metric samples: %w", err)
		}
		deleted, err = res.RowsAffected()
		return err
	})
	return deleted, err
}
