package simulator

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/basket/netmend/internal/storage"
)

func testSim(t *testing.T) (*Simulator, *storage.Store) {
	t.Helper()
	store, err := storage.Open(filepath.Join(t.TempDir(), "netmend.db"))
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })
	if err := store.SeedDevices(context.Background()); err != nil {
		t.Fatalf("seed devices: %v", err)
	}
	s := New(store, nil, nil)
	s.Seed(42)
	return s, store
}

func firstDeviceID(t *testing.T, store *storage.Store) string {
	t.Helper()
	devices, err := store.ListDevices(context.Background())
	if err != nil || len(devices) == 0 {
		t.Fatalf("list devices: %v (%d)", err, len(devices))
	}
	return devices[0].ID
}

func TestInjectFault_AppliesEffect(t *testing.T) {
	s, store := testSim(t)
	ctx := context.Background()
	id := firstDeviceID(t, store)

	if _, err := s.InjectFault(ctx, id, "volcano"); err == nil {
		t.Fatal("expected unknown fault type error")
	}
	if _, err := s.InjectFault(ctx, "no-such-device", FaultCPUSpike); err == nil {
		t.Fatal("expected missing device error")
	}

	f, err := s.InjectFault(ctx, id, FaultCPUSpike)
	if err != nil {
		t.Fatalf("InjectFault: %v", err)
	}
	if f.DeviceID != id || f.Type != FaultCPUSpike || f.Mitigated {
		t.Fatalf("fault = %+v", f)
	}

	dev, err := store.GetDevice(ctx, id)
	if err != nil {
		t.Fatalf("GetDevice: %v", err)
	}
	if dev.Status != "critical" {
		t.Fatalf("status after cpu spike = %s, want critical", dev.Status)
	}
	if dev.CPUPercent < 90 {
		t.Fatalf("cpu after spike = %.1f, want > 90", dev.CPUPercent)
	}
}

func TestInjectFault_DeviceDownGoesOffline(t *testing.T) {
	s, store := testSim(t)
	ctx := context.Background()
	id := firstDeviceID(t, store)

	if _, err := s.InjectFault(ctx, id, FaultDeviceDown); err != nil {
		t.Fatalf("InjectFault: %v", err)
	}
	dev, _ := store.GetDevice(ctx, id)
	if dev.Status != "offline" {
		t.Fatalf("status = %s, want offline", dev.Status)
	}
}

func TestRunCommand_MitigatesThenSamplesRecover(t *testing.T) {
	s, store := testSim(t)
	ctx := context.Background()
	id := firstDeviceID(t, store)

	if _, err := s.InjectFault(ctx, id, FaultPortCongestion); err != nil {
		t.Fatalf("InjectFault: %v", err)
	}

	// A show command does not mitigate.
	if _, err := s.RunCommand(ctx, id, "show interface counters"); err != nil {
		t.Fatalf("RunCommand: %v", err)
	}
	if f, _ := s.FaultOn(id); f.Mitigated {
		t.Fatal("show command mitigated the fault")
	}

	if _, err := s.RunCommand(ctx, id, "shape egress te1/0/1"); err != nil {
		t.Fatalf("RunCommand: %v", err)
	}
	f, ok := s.FaultOn(id)
	if !ok || !f.Mitigated {
		t.Fatalf("fault not mitigated: %+v", f)
	}

	// Mitigated samples ease the queue back toward the baseline.
	for i := 0; i < 4; i++ {
		if err := s.SampleMetrics(ctx); err != nil {
			t.Fatalf("SampleMetrics: %v", err)
		}
	}
	trends, err := store.MetricTrends(ctx, id, 10)
	if err != nil {
		t.Fatalf("MetricTrends: %v", err)
	}
	if len(trends) < 2 {
		t.Fatalf("trends = %d samples", len(trends))
	}
	first, last := trends[0], trends[len(trends)-1]
	if last.QueueDepth >= first.QueueDepth {
		t.Fatalf("queue depth did not drain: first=%d last=%d", first.QueueDepth, last.QueueDepth)
	}
}

func TestReloadDevice_ClearsFault(t *testing.T) {
	s, store := testSim(t)
	ctx := context.Background()
	id := firstDeviceID(t, store)

	if _, err := s.InjectFault(ctx, id, FaultMemoryExhaustion); err != nil {
		t.Fatalf("InjectFault: %v", err)
	}
	if err := s.ReloadDevice(ctx, id); err != nil {
		t.Fatalf("ReloadDevice: %v", err)
	}
	if _, ok := s.FaultOn(id); ok {
		t.Fatal("fault survived the reload")
	}
	dev, _ := store.GetDevice(ctx, id)
	if dev.Status != "healthy" {
		t.Fatalf("status after reload = %s, want healthy", dev.Status)
	}
}

func TestReset_RestoresFleet(t *testing.T) {
	s, store := testSim(t)
	ctx := context.Background()

	devices, _ := store.ListDevices(ctx)
	for _, d := range devices[:2] {
		if _, err := s.InjectFault(ctx, d.ID, FaultCPUSpike); err != nil {
			t.Fatalf("InjectFault %s: %v", d.ID, err)
		}
	}
	if err := s.Reset(ctx); err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if got := s.ActiveFaults(); len(got) != 0 {
		t.Fatalf("active faults after reset = %d", len(got))
	}
	health, err := store.GetSystemHealth(ctx)
	if err != nil {
		t.Fatalf("GetSystemHealth: %v", err)
	}
	if health.Healthy != health.TotalDevices {
		t.Fatalf("healthy = %d of %d after reset", health.Healthy, health.TotalDevices)
	}
}

func TestSampleMetrics_StaysHealthyWithoutFaults(t *testing.T) {
	s, store := testSim(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		if err := s.SampleMetrics(ctx); err != nil {
			t.Fatalf("SampleMetrics: %v", err)
		}
	}
	health, _ := store.GetSystemHealth(ctx)
	if health.Healthy != health.TotalDevices {
		t.Fatalf("healthy = %d of %d, jitter alone should not degrade", health.Healthy, health.TotalDevices)
	}
}
