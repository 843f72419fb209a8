package workflow

import "github.com/basket/netmend/internal/simulator"

// scenarioTemplate is the incident text a fault type opens with, plus the
// fleet-level conditions that must hold before the workflow may resolve.
// The wording matters: diagnosis classifies incidents from these strings.
type scenarioTemplate struct {
	title       string // fmt string, device id argument
	description string
	severity    string
	// resolution conditions keyed by system health metric
	conditions map[string]string
}

var scenarios = map[string]scenarioTemplate{
	simulator.FaultLinkFailure: {
		title:       "Link failure on %s",
		description: "uplink interface down with carrier loss, traffic blackholing",
		severity:    "critical",
		conditions:  map[string]string{"healthyRatio": ">=0.75", "avgLatencyMs": "<400"},
	},
	simulator.FaultPortCongestion: {
		title:       "Port congestion on %s",
		description: "egress queue depth climbing with sustained packet drops",
		severity:    "high",
		conditions:  map[string]string{"avgLatencyMs": "<300", "healthyRatio": ">=0.75"},
	},
	simulator.FaultBGPFlap: {
		title:       "BGP session flap on %s",
		description: "repeated peer down events causing route instability",
		severity:    "high",
		conditions:  map[string]string{"avgLatencyMs": "<300", "healthyRatio": ">=0.75"},
	},
	simulator.FaultCPUSpike: {
		title:       "CPU spike on %s",
		description: "control plane processor at sustained high utilization",
		severity:    "high",
		conditions:  map[string]string{"avgCpuPercent": "<85", "healthyRatio": ">=0.75"},
	},
	simulator.FaultMemoryExhaustion: {
		title:       "Memory exhaustion on %s",
		description: "free memory trending to zero, oom risk imminent",
		severity:    "critical",
		conditions:  map[string]string{"avgMemoryPercent": "<90", "healthyRatio": ">=0.75"},
	},
	simulator.FaultDeviceDown: {
		title:       "Device down: %s",
		description: "device unreachable, all probes lost",
		severity:    "critical",
		conditions:  map[string]string{"healthyRatio": ">=0.75"},
	},
}

func scenarioFor(faultType string) (scenarioTemplate, bool) {
	t, ok := scenarios[faultType]
	return t, ok
}

// ScenarioFaultTypes lists the injectable scenarios exposed to operators.
func ScenarioFaultTypes() []string {
	return simulator.KnownFaultTypes
}
