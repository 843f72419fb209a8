package storage

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func openTestStore(t *testing.T) *Store {
	t.Helper()
	s, err := Open(filepath.Join(t.TempDir(), "netmend.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestOpen_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "netmend.db")
	s, err := Open(path)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	if err := s.Close(); err != nil {
		t.Fatalf("close: %v", err)
	}

	// Reopen must pass the schema ledger check.
	s2, err := Open(path)
	if err != nil {
		t.Fatalf("reopen: %v", err)
	}
	_ = s2.Close()
}

func TestSeedDevices_Idempotent(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.SeedDevices(ctx); err != nil {
		t.Fatalf("seed: %v", err)
	}
	devices, err := s.ListDevices(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(devices) != 8 {
		t.Fatalf("seeded %d devices, want 8", len(devices))
	}

	// Second seed must not duplicate.
	if err := s.SeedDevices(ctx); err != nil {
		t.Fatalf("reseed: %v", err)
	}
	devices, err = s.ListDevices(ctx)
	if err != nil {
		t.Fatalf("list after reseed: %v", err)
	}
	if len(devices) != 8 {
		t.Fatalf("after reseed %d devices, want 8", len(devices))
	}
}

func TestUpsertDevice_UpdatesExisting(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	d := Device{ID: "core-rtr-01", Hostname: "core-rtr-01.dc1", Kind: "router", Site: "dc1", Status: "healthy", CPUPercent: 30}
	if err := s.UpsertDevice(ctx, d); err != nil {
		t.Fatalf("insert: %v", err)
	}

	d.CPUPercent = 95
	d.Status = DeriveStatus(d.CPUPercent, d.MemoryPercent, false)
	if err := s.UpsertDevice(ctx, d); err != nil {
		t.Fatalf("update: %v", err)
	}

	got, err := s.GetDevice(ctx, "core-rtr-01")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.CPUPercent != 95 {
		t.Fatalf("cpu = %v, want 95", got.CPUPercent)
	}
	if got.Status != "critical" {
		t.Fatalf("status = %q, want critical", got.Status)
	}
}

func TestGetDevice_NotFound(t *testing.T) {
	s := openTestStore(t)
	_, err := s.GetDevice(context.Background(), "ghost-rtr-99")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestDeriveStatus(t *testing.T) {
	cases := []struct {
		cpu, mem float64
		offline  bool
		want     string
	}{
		{30, 40, false, "healthy"},
		{76, 40, false, "degraded"},
		{30, 81, false, "degraded"},
		{91, 40, false, "critical"},
		{30, 95, false, "critical"},
		{10, 10, true, "offline"},
		{99, 99, true, "offline"},
	}
	for _, tc := range cases {
		if got := DeriveStatus(tc.cpu, tc.mem, tc.offline); got != tc.want {
			t.Fatalf("DeriveStatus(%v, %v, %v) = %q, want %q", tc.cpu, tc.mem, tc.offline, got, tc.want)
		}
	}
}

func TestSystemHealth_Aggregates(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	devices := []Device{
		{ID: "a", Hostname: "a", Kind: "router", Site: "dc1", Status: "healthy", CPUPercent: 20, LatencyMs: 4},
		{ID: "b", Hostname: "b", Kind: "switch", Site: "dc1", Status: "healthy", CPUPercent: 40, LatencyMs: 6},
		{ID: "c", Hostname: "c", Kind: "switch", Site: "dc2", Status: "degraded", CPUPercent: 80, LatencyMs: 20},
		{ID: "d", Hostname: "d", Kind: "firewall", Site: "dc2", Status: "offline", CPUPercent: 0, LatencyMs: 0},
	}
	for _, d := range devices {
		if err := s.UpsertDevice(ctx, d); err != nil {
			t.Fatalf("upsert %s: %v", d.ID, err)
		}
	}

	h, err := s.GetSystemHealth(ctx)
	if err != nil {
		t.Fatalf("health: %v", err)
	}
	if h.TotalDevices != 4 {
		t.Fatalf("total = %d, want 4", h.TotalDevices)
	}
	if h.Healthy != 2 || h.Degraded != 1 || h.Offline != 1 {
		t.Fatalf("counts = %d/%d/%d, want 2/1/1", h.Healthy, h.Degraded, h.Offline)
	}
	if h.HealthyRatio != 0.5 {
		t.Fatalf("healthyRatio = %v, want 0.5", h.HealthyRatio)
	}
	if h.AvgCPUPercent != 35 {
		t.Fatalf("avgCPU = %v, want 35", h.AvgCPUPercent)
	}
}

func TestIncidentLifecycle(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	inc, err := s.CreateIncident(ctx, Incident{
		Title:     "BGP session flapping on core-rtr-01",
		Severity:  "critical",
		FaultType: "bgp_flap",
		DeviceID:  "",
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if inc.ID == "" {
		t.Fatal("expected generated incident id")
	}
	if inc.Status != "detected" {
		t.Fatalf("status = %q, want detected", inc.Status)
	}
	if inc.ResolvedAt != nil {
		t.Fatal("fresh incident should not be resolved")
	}

	for _, status := range []string{"diagnosing", "remediating", "verifying", "resolved"} {
		if err := s.UpdateIncidentStatus(ctx, inc.ID, status); err != nil {
			t.Fatalf("update to %s: %v", status, err)
		}
	}

	got, err := s.GetIncident(ctx, inc.ID)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.Status != "resolved" {
		t.Fatalf("status = %q, want resolved", got.Status)
	}
	if got.ResolvedAt == nil {
		t.Fatal("expected resolved_at set")
	}
}

func TestUpdateIncidentStatus_NotFound(t *testing.T) {
	s := openTestStore(t)
	err := s.UpdateIncidentStatus(context.Background(), "no-such-incident", "resolved")
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("err = %v, want ErrNotFound", err)
	}
}

func TestListIncidents_StatusFilter(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	for i, status := range []string{"detected", "detected", "resolved"} {
		inc, err := s.CreateIncident(ctx, Incident{Title: "incident", Severity: "high"})
		if err != nil {
			t.Fatalf("create %d: %v", i, err)
		}
		if status != "detected" {
			if err := s.UpdateIncidentStatus(ctx, inc.ID, status); err != nil {
				t.Fatalf("update %d: %v", i, err)
			}
		}
	}

	open, err := s.ListIncidents(ctx, "detected", 0)
	if err != nil {
		t.Fatalf("list detected: %v", err)
	}
	if len(open) != 2 {
		t.Fatalf("detected = %d, want 2", len(open))
	}

	all, err := s.ListIncidents(ctx, "", 0)
	if err != nil {
		t.Fatalf("list all: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("all = %d, want 3", len(all))
	}
}

func TestMetricTrends_ChronologicalWindow(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertDevice(ctx, Device{ID: "dist-sw-01", Hostname: "dist-sw-01", Kind: "switch", Site: "dc1", Status: "healthy"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	for i := 0; i < 5; i++ {
		if err := s.RecordMetricSample(ctx, MetricSample{
			DeviceID:   "dist-sw-01",
			CPUPercent: float64(10 * (i + 1)),
			QueueDepth: i,
		}); err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}

	trends, err := s.MetricTrends(ctx, "dist-sw-01", 3)
	if err != nil {
		t.Fatalf("trends: %v", err)
	}
	if len(trends) != 3 {
		t.Fatalf("got %d samples, want 3", len(trends))
	}
	// Oldest first within the window: cpu 30, 40, 50.
	if trends[0].CPUPercent != 30 || trends[2].CPUPercent != 50 {
		t.Fatalf("window = [%v, %v, %v], want [30, 40, 50]",
			trends[0].CPUPercent, trends[1].CPUPercent, trends[2].CPUPercent)
	}
}

func TestPruneMetricSamples(t *testing.T) {
	s := openTestStore(t)
	ctx := context.Background()

	if err := s.UpsertDevice(ctx, Device{ID: "x", Hostname: "x", Kind: "router", Site: "dc1", Status: "healthy"}); err != nil {
		t.Fatalf("upsert: %v", err)
	}
	if err := s.RecordMetricSample(ctx, MetricSample{DeviceID: "x", CPUPercent: 50}); err != nil {
		t.Fatalf("record: %v", err)
	}

	// Nothing older than an hour yet.
	deleted, err := s.PruneMetricSamples(ctx, time.Hour)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if deleted != 0 {
		t.Fatalf("deleted = %d, want 0", deleted)
	}

	// A zero retention window prunes everything recorded before now.
	deleted, err = s.PruneMetricSamples(ctx, -time.Hour)
	if err != nil {
		t.Fatalf("prune all: %v", err)
	}
	if deleted != 1 {
		t.Fatalf("deleted = %d, want 1", deleted)
	}
}
