package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

var ErrNotFound = errors.New("not found")

// Device is one row in the managed inventory.
type Device struct {
	ID                string    `json:"id"`
	Hostname          string    `json:"hostname"`
	Kind              string    `json:"kind"`
	Site              string    `json:"site"`
	Status            string    `json:"status"`
	CPUPercent        float64   `json:"cpuPercent"`
	MemoryPercent     float64   `json:"memoryPercent"`
	LatencyMs         float64   `json:"latencyMs"`
	PacketLossPercent float64   `json:"packetLossPercent"`
	UptimeSeconds     int64     `json:"uptimeSeconds"`
	CreatedAt         time.Time `json:"createdAt"`
	UpdatedAt         time.Time `json:"updatedAt"`
}

// SystemHealth aggregates the inventory into the dashboard's headline view.
type SystemHealth struct {
	TotalDevices  int     `json:"totalDevices"`
	Healthy       int     `json:"healthy"`
	Degraded      int     `json:"degraded"`
	Critical      int     `json:"critical"`
	Offline       int     `json:"offline"`
	AvgCPUPercent    float64 `json:"avgCpuPercent"`
	AvgMemoryPercent float64 `json:"avgMemoryPercent"`
	AvgLatencyMs     float64 `json:"avgLatencyMs"`
	HealthyRatio     float64 `json:"healthyRatio"`
}

// DeriveStatus maps raw utilization onto a device health status. An offline
// device stays offline regardless of the last metrics seen.
func DeriveStatus(cpu, memory float64, offline bool) string {
	switch {
	case offline:
		return "offline"
	case cpu > 90 || memory > 90:
		return "critical"
	case cpu > 75 || memory > 80:
		return "degraded"
	default:
		return "healthy"
	}
}

// SeedDevices inserts the simulated roster if the devices table is empty.
func (s *Store) SeedDevices(ctx context.Context) error {
	var count int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM devices;`).Scan(&count); err != nil {
		return fmt.Errorf("count devices: %w", err)
	}
	if count > 0 {
		return nil
	}

	seed := []Device{
		{ID: "core-rtr-01", Hostname: "core-rtr-01.dc1", Kind: "router", Site: "dc1", CPUPercent: 32, MemoryPercent: 48, LatencyMs: 4, UptimeSeconds: 86400 * 41},
		{ID: "core-rtr-02", Hostname: "core-rtr-02.dc1", Kind: "router", Site: "dc1", CPUPercent: 28, MemoryPercent: 44, LatencyMs: 5, UptimeSeconds: 86400 * 39},
		{ID: "edge-rtr-01", Hostname: "edge-rtr-01.dc2", Kind: "router", Site: "dc2", CPUPercent: 41, MemoryPercent: 52, LatencyMs: 12, UptimeSeconds: 86400 * 17},
		{ID: "dist-sw-01", Hostname: "dist-sw-01.dc1", Kind: "switch", Site: "dc1", CPUPercent: 22, MemoryPercent: 35, LatencyMs: 2, UptimeSeconds: 86400 * 64},
		{ID: "dist-sw-02", Hostname: "dist-sw-02.dc2", Kind: "switch", Site: "dc2", CPUPercent: 25, MemoryPercent: 38, LatencyMs: 3, UptimeSeconds: 86400 * 58},
		{ID: "access-sw-01", Hostname: "access-sw-01.branch", Kind: "switch", Site: "branch", CPUPercent: 18, MemoryPercent: 30, LatencyMs: 9, UptimeSeconds: 86400 * 12},
		{ID: "edge-fw-01", Hostname: "edge-fw-01.dc1", Kind: "firewall", Site: "dc1", CPUPercent: 37, MemoryPercent: 55, LatencyMs: 6, UptimeSeconds: 86400 * 23},
		{ID: "edge-fw-02", Hostname: "edge-fw-02.dc2", Kind: "firewall", Site: "dc2", CPUPercent: 34, MemoryPercent: 50, LatencyMs: 7, UptimeSeconds: 86400 * 21},
	}
	for _, d := range seed {
		d.Status = DeriveStatus(d.CPUPercent, d.MemoryPercent, false)
		if err := s.UpsertDevice(ctx, d); err != nil {
			return fmt.Errorf("seed device %s: %w", d.ID, err)
		}
	}
	return nil
}

// UpsertDevice inserts or replaces a device row.
func (s *Store) UpsertDevice(ctx context.Context, d Device) error {
	return retryOnBusy(ctx, 5, func() error {
		_, err := s.db.ExecContext(ctx, `
			INSERT INTO devices (id, hostname, kind, site, status, cpu_percent, memory_percent, latency_ms, packet_loss_percent, uptime_seconds, updated_at)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, CURRENT_TIMESTAMP)
			ON CONFLICT(id) DO UPDATE SET
				hostname = excluded.hostname,
				kind = excluded.kind,
				site = excluded.site,
				status = excluded.status,
				cpu_percent = excluded.cpu_percent,
				memory_percent = excluded.memory_percent,
				latency_ms = excluded.latency_ms,
				packet_loss_percent = excluded.packet_loss_percent,
				uptime_seconds = excluded.uptime_seconds,
				updated_at = CURRENT_TIMESTAMP;`,
			d.ID, d.Hostname, d.Kind, d.Site, d.Status,
			d.CPUPercent, d.MemoryPercent, d.LatencyMs, d.PacketLossPercent, d.UptimeSeconds,
		)
		if err != nil {
			return fmt.Errorf("upsert device %s: %w", d.ID, err)
		}
		return nil
	})
}

// GetDevice returns a single device by id, or ErrNotFound.
func (s *Store) GetDevice(ctx context.Context, id string) (Device, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, hostname, kind, site, status, cpu_percent, memory_percent, latency_ms, packet_loss_percent, uptime_seconds, created_at, updated_at
		FROM devices WHERE id = ?;`, id)
	d, err := scanDevice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return Device{}, fmt.Errorf("device %s: %w", id, ErrNotFound)
	}
	if err != nil {
		return Device{}, fmt.Errorf("get device %s: %w", id, err)
	}
	return d, nil
}

// ListDevices returns the full inventory ordered by id.
func (s *Store) ListDevices(ctx context.Context) ([]Device, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, hostname, kind, site, status, cpu_percent, memory_percent, latency_ms, packet_loss_percent, uptime_seconds, created_at, updated_at
		FROM devices ORDER BY id;`)
	if err != nil {
		return nil, fmt.Errorf("list devices: %w", err)
	}
	defer rows.Close()

	var devices []Device
	for rows.Next() {
		d, err := scanDevice(rows)
		if err != nil {
			return nil, fmt.Errorf("scan device: %w", err)
		}
		devices = append(devices, d)
	}
	return devices, rows.Err()
}

// GetSystemHealth aggregates the inventory.
func (s *Store) GetSystemHealth(ctx context.Context) (SystemHealth, error) {
	var h SystemHealth
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*),
			COALESCE(SUM(CASE WHEN status = 'healthy' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'degraded' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'critical' THEN 1 ELSE 0 END), 0),
			COALESCE(SUM(CASE WHEN status = 'offline' THEN 1 ELSE 0 END), 0),
			COALESCE(AVG(cpu_percent), 0),
			COALESCE(AVG(memory_percent), 0),
			COALESCE(AVG(latency_ms), 0)
		FROM devices;`).Scan(
		&h.TotalDevices, &h.Healthy, &h.Degraded, &h.Critical, &h.Offline,
		&h.AvgCPUPercent, &h.AvgMemoryPercent, &h.AvgLatencyMs,
	)
	if err != nil {
		return SystemHealth{}, fmt.Errorf("system health: %w", err)
	}
	if h.TotalDevices > 0 {
		h.HealthyRatio = float64(h.Healthy) / float64(h.TotalDevices)
	}
	return h, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDevice(r rowScanner) (Device, error) {
	var d Device
	err := r.Scan(&d.ID, &d.Hostname, &d.Kind, &d.Site, &d.Status,
		&d.CPUPercent, &d.MemoryPercent, &d.LatencyMs, &d.PacketLossPercent,
		&d.UptimeSeconds, &d.CreatedAt, &d.UpdatedAt)
	return d, err
}
