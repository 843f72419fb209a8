package orchestrator

import (
	"context"

	"github.com/basket/netmend/internal/playbook"
	"github.com/basket/netmend/internal/storage"
)

// DeviceProvider is the read-only device/metrics view handlers poll.
type DeviceProvider interface {
	ListDevices(ctx context.Context) ([]storage.Device, error)
	GetSystemHealth(ctx context.Context) (storage.SystemHealth, error)
	MetricTrends(ctx context.Context, deviceID string, limit int) ([]storage.MetricSample, error)
}

// IncidentStore is the incident view the diagnosis and anomaly handlers
// use: lookup for diagnosis, create+list for the anomaly-to-incident bridge.
type IncidentStore interface {
	GetIncident(ctx context.Context, id string) (storage.Incident, error)
	CreateIncident(ctx context.Context, inc storage.Incident) (storage.Incident, error)
	ListIncidents(ctx context.Context, status string, limit int) ([]storage.Incident, error)
}

// DeviceControl executes remediation actions against devices. Failures are
// caught at the handler boundary and logged, never raised as task errors.
type DeviceControl interface {
	ReloadDevice(ctx context.Context, deviceID string) error
	RunCommand(ctx context.Context, deviceID, command string) (string, error)
}

// PlaybookMatcher annotates diagnosis output with a matching procedure.
type PlaybookMatcher interface {
	Match(severity, title, description string) *playbook.Playbook
	List() []playbook.Playbook
}

// Collaborators bundles the external boundaries the handlers depend on.
// Any field may be nil; handlers degrade instead of failing.
type Collaborators struct {
	Devices   DeviceProvider
	Incidents IncidentStore
	Control   DeviceControl
	Playbooks PlaybookMatcher
}
