// Package simulator stands in for a real network: it synthesizes device
// metrics, applies injected fault effects and answers the device control
// calls remediation makes. All effects flow through the storage layer so
// the rest of the system observes them the same way it would observe
// real telemetry.
package simulator

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand"
	"strings"
	"sync"
	"time"

	"github.com/basket/netmend/internal/bus"
	"github.com/basket/netmend/internal/shared"
	"github.com/basket/netmend/internal/storage"
)

// Fault types the simulator knows how to express.
const (
	FaultLinkFailure      = "link_failure"
	FaultPortCongestion   = "port_congestion"
	FaultBGPFlap          = "bgp_flap"
	FaultCPUSpike         = "cpu_spike"
	FaultMemoryExhaustion = "memory_exhaustion"
	FaultDeviceDown       = "device_down"
)

// KnownFaultTypes lists the injectable fault types.
var KnownFaultTypes = []string{
	FaultLinkFailure, FaultPortCongestion, FaultBGPFlap,
	FaultCPUSpike, FaultMemoryExhaustion, FaultDeviceDown,
}

// ValidFaultType reports whether the simulator can express the fault.
func ValidFaultType(t string) bool {
	for _, k := range KnownFaultTypes {
		if k == t {
			return true
		}
	}
	return false
}

// Fault is an active injected fault on one device.
type Fault struct {
	DeviceID   string    `json:"deviceId"`
	Type       string    `json:"type"`
	Mitigated  bool      `json:"mitigated"`
	InjectedAt time.Time `json:"injectedAt"`
}

// baseline is the steady-state operating point metrics jitter around.
type baseline struct {
	cpu     float64
	memory  float64
	latency float64
	loss    float64
	queue   int
}

var healthyBaseline = baseline{cpu: 30, memory: 45, latency: 12, loss: 0.1, queue: 20}

// faultPressure is the operating point a fault drags a device toward.
var faultPressure = map[string]baseline{
	FaultLinkFailure:      {cpu: 35, memory: 45, latency: 900, loss: 100, queue: 0},
	FaultPortCongestion:   {cpu: 55, memory: 50, latency: 260, loss: 8, queue: 480},
	FaultBGPFlap:          {cpu: 70, memory: 55, latency: 180, loss: 12, queue: 60},
	FaultCPUSpike:         {cpu: 96, memory: 60, latency: 40, loss: 0.5, queue: 30},
	FaultMemoryExhaustion: {cpu: 50, memory: 95, latency: 30, loss: 0.5, queue: 25},
	FaultDeviceDown:       {cpu: 0, memory: 0, latency: 0, loss: 100, queue: 0},
}

// Simulator drives synthetic device state. Safe for concurrent use.
type Simulator struct {
	store *storage.Store
	log   *slog.Logger
	bus   *bus.Bus

	mu     sync.Mutex
	rng    *rand.Rand
	faults map[string]*Fault
	// current operating point per device, eased toward the target each sample
	points map[string]baseline
}

// New builds a simulator over the device store.
func New(store *storage.Store, logger *slog.Logger, b *bus.Bus) *Simulator {
	if logger == nil {
		logger = slog.Default()
	}
	return &Simulator{
		store:  store,
		log:    logger.With("component", "simulator"),
		bus:    b,
		rng:    rand.New(rand.NewSource(time.Now().UnixNano())),
		faults: make(map[string]*Fault),
		points: make(map[string]baseline),
	}
}

// Seed fixes the random source for deterministic tests.
func (s *Simulator) Seed(seed int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rng = rand.New(rand.NewSource(seed))
}

// InjectFault applies a fault to a device. The effect lands immediately on
// the device row; subsequent samples keep the pressure on until remediation.
func (s *Simulator) InjectFault(ctx context.Context, deviceID, faultType string) (Fault, error) {
	if !ValidFaultType(faultType) {
		return Fault{}, fmt.Errorf("unknown fault type %q", faultType)
	}
	dev, err := s.store.GetDevice(ctx, deviceID)
	if err != nil {
		return Fault{}, fmt.Errorf("inject fault: %w", err)
	}

	f := &Fault{DeviceID: deviceID, Type: faultType, InjectedAt: time.Now().UTC()}
	s.mu.Lock()
	s.faults[deviceID] = f
	s.points[deviceID] = faultPressure[faultType]
	snapshot := *f
	s.mu.Unlock()

	if err := s.applyPoint(ctx, dev, faultPressure[faultType]); err != nil {
		return Fault{}, err
	}
	s.log.Warn("fault injected", "device_id", deviceID, "fault_type", faultType)
	return snapshot, nil
}

// ActiveFaults lists injected faults, mitigated ones included, until a
// reload or reset clears them.
func (s *Simulator) ActiveFaults() []Fault {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Fault, 0, len(s.faults))
	for _, f := range s.faults {
		out = append(out, *f)
	}
	return out
}

// FaultOn returns the active fault for a device, if any.
func (s *Simulator) FaultOn(deviceID string) (Fault, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.faults[deviceID]
	if !ok {
		return Fault{}, false
	}
	return *f, true
}

// ReloadDevice clears any fault on the device and restores the healthy
// operating point. Part of the DeviceControl surface.
func (s *Simulator) ReloadDevice(ctx context.Context, deviceID string) error {
	dev, err := s.store.GetDevice(ctx, deviceID)
	if err != nil {
		return fmt.Errorf("reload device: %w", err)
	}

	s.mu.Lock()
	delete(s.faults, deviceID)
	s.points[deviceID] = healthyBaseline
	s.mu.Unlock()

	if err := s.applyPoint(ctx, dev, healthyBaseline); err != nil {
		return err
	}
	s.log.Info("device reloaded", "device_id", deviceID)
	return nil
}

// remediation command verbs that mitigate an active fault.
var mitigatingVerbs = []string{"reroute", "bounce", "clear", "shape", "rebalance", "dampen", "throttle", "restart", "flush"}

// RunCommand executes a device command. Remediation verbs mark the fault
// mitigated so the next samples ease back toward the healthy baseline;
// anything else is a read-only show command.
func (s *Simulator) RunCommand(ctx context.Context, deviceID, command string) (string, error) {
	if deviceID == "" {
		return "", fmt.Errorf("run command: no device id")
	}
	if _, err := s.store.GetDevice(ctx, deviceID); err != nil {
		return "", fmt.Errorf("run command: %w", err)
	}

	lower := strings.ToLower(command)
	mitigates := false
	for _, v := range mitigatingVerbs {
		if strings.Contains(lower, v) {
			mitigates = true
			break
		}
	}
	if !mitigates {
		return fmt.Sprintf("%s# %s\n<output elided>", deviceID, command), nil
	}

	s.mu.Lock()
	if f, ok := s.faults[deviceID]; ok && !f.Mitigated {
		f.Mitigated = true
		s.log.Info("fault mitigated",
			"trace_id", shared.TraceID(ctx), "task_id", shared.TaskID(ctx),
			"device_id", deviceID, "fault_type", f.Type, "command", command)
	}
	s.mu.Unlock()
	return fmt.Sprintf("%s# %s\nOK", deviceID, command), nil
}

// SampleMetrics advances every device one step: jitter around the current
// operating point, ease mitigated devices toward the healthy baseline,
// persist the sample and the derived device status.
func (s *Simulator) SampleMetrics(ctx context.Context) error {
	devices, err := s.store.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("sample metrics: %w", err)
	}
	for _, dev := range devices {
		s.mu.Lock()
		point, ok := s.points[dev.ID]
		if !ok {
			point = healthyBaseline
		}
		if f, faulted := s.faults[dev.ID]; faulted && f.Mitigated {
			point = ease(point, healthyBaseline, 0.5)
			s.points[dev.ID] = point
		} else if !faulted {
			s.points[dev.ID] = healthyBaseline
			point = healthyBaseline
		}
		jittered := s.jitterLocked(point)
		s.mu.Unlock()

		if err := s.applyPoint(ctx, dev, jittered); err != nil {
			return err
		}
	}
	return nil
}

// Reset clears all faults and returns the fleet to the healthy baseline.
func (s *Simulator) Reset(ctx context.Context) error {
	s.mu.Lock()
	s.faults = make(map[string]*Fault)
	s.points = make(map[string]baseline)
	s.mu.Unlock()

	devices, err := s.store.ListDevices(ctx)
	if err != nil {
		return fmt.Errorf("reset: %w", err)
	}
	for _, dev := range devices {
		if err := s.applyPoint(ctx, dev, healthyBaseline); err != nil {
			return err
		}
	}
	s.log.Info("simulator reset", "devices", len(devices))
	return nil
}

// applyPoint writes one operating point as a metric sample and device
// update, publishing a status-change event when the derived status moves.
func (s *Simulator) applyPoint(ctx context.Context, dev storage.Device, p baseline) error {
	offline := p.loss >= 100
	status := storage.DeriveStatus(p.cpu, p.memory, offline)

	dev.CPUPercent = p.cpu
	dev.MemoryPercent = p.memory
	dev.LatencyMs = p.latency
	dev.PacketLossPercent = p.loss
	oldStatus := dev.Status
	dev.Status = status

	if err := s.store.UpsertDevice(ctx, dev); err != nil {
		return fmt.Errorf("apply metrics to %s: %w", dev.ID, err)
	}
	if err := s.store.RecordMetricSample(ctx, storage.MetricSample{
		DeviceID:          dev.ID,
		CPUPercent:        p.cpu,
		MemoryPercent:     p.memory,
		LatencyMs:         p.latency,
		PacketLossPercent: p.loss,
		QueueDepth:        p.queue,
	}); err != nil {
		return fmt.Errorf("record sample for %s: %w", dev.ID, err)
	}

	if oldStatus != status && s.bus != nil {
		s.bus.Publish(bus.TopicDeviceStatusChanged, bus.DeviceStatusEvent{
			DeviceID:  dev.ID,
			OldStatus: oldStatus,
			NewStatus: status,
		})
	}
	return nil
}

// jitterLocked adds bounded noise around a point. Callers hold s.mu.
func (s *Simulator) jitterLocked(p baseline) baseline {
	if p.loss >= 100 {
		// Offline devices report nothing meaningful to jitter.
		return p
	}
	return baseline{
		cpu:     clamp(p.cpu+s.rng.Float64()*6-3, 0, 100),
		memory:  clamp(p.memory+s.rng.Float64()*4-2, 0, 100),
		latency: clamp(p.latency*(0.9+s.rng.Float64()*0.2), 0, 10000),
		loss:    clamp(p.loss+s.rng.Float64()*0.4-0.2, 0, 100),
		queue:   int(clamp(float64(p.queue)+s.rng.Float64()*20-10, 0, 100000)),
	}
}

func ease(from, to baseline, factor float64) baseline {
	return baseline{
		cpu:     from.cpu + (to.cpu-from.cpu)*factor,
		memory:  from.memory + (to.memory-from.memory)*factor,
		latency: from.latency + (to.latency-from.latency)*factor,
		loss:    from.loss + (to.loss-from.loss)*factor,
		queue:   from.queue + int(float64(to.queue-from.queue)*factor),
	}
}

func clamp(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}
