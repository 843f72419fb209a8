package orchestrator

import "strings"

// faultProfile captures accumulated operational knowledge about one fault
// class: how it shows up in incident text, the likely root cause, and the
// commands an operator would run to confirm it.
type faultProfile struct {
	FaultType      string
	Patterns       []string
	Hypothesis     string
	ProbableCauses []string
	DiagnosticCmds []string
	Recommendation string
}

var faultKnowledge = []faultProfile{
	{
		FaultType:  "link_failure",
		Patterns:   []string{"link failure", "link down", "interface down", "carrier loss"},
		Hypothesis: "physical or logical link outage on an uplink interface",
		ProbableCauses: []string{
			"fiber cut or transceiver failure",
			"interface administratively disabled",
			"upstream device power loss",
		},
		DiagnosticCmds: []string{"show interface status", "show logging last 50", "show transceiver detail"},
		Recommendation: "reroute traffic to the standby path and bounce the affected interface",
	},
	{
		FaultType:  "port_congestion",
		Patterns:   []string{"congestion", "queue depth", "packet drops", "output drops"},
		Hypothesis: "egress queue saturation causing tail drops",
		ProbableCauses: []string{
			"traffic burst exceeding port capacity",
			"misconfigured QoS policy",
			"elephant flow monopolizing the queue",
		},
		DiagnosticCmds: []string{"show interface counters errors", "show queueing interface", "show policy-map interface"},
		Recommendation: "apply traffic shaping and rebalance flows across members",
	},
	{
		FaultType:  "bgp_flap",
		Patterns:   []string{"bgp", "session flap", "peer down", "route instability"},
		Hypothesis: "unstable BGP session causing repeated route withdrawals",
		ProbableCauses: []string{
			"hold timer expiry from packet loss on the peering link",
			"MTU mismatch dropping large updates",
			"peer router CPU exhaustion",
		},
		DiagnosticCmds: []string{"show bgp summary", "show bgp neighbor detail", "show route-map out"},
		Recommendation: "dampen the flapping peer and verify the peering link health",
	},
	{
		FaultType:  "cpu_spike",
		Patterns:   []string{"cpu", "high utilization", "processor"},
		Hypothesis: "control-plane process consuming abnormal CPU",
		ProbableCauses: []string{
			"routing protocol reconvergence storm",
			"punted traffic hitting the CPU path",
			"runaway management process",
		},
		DiagnosticCmds: []string{"show processes cpu sorted", "show platform punt statistics"},
		Recommendation: "throttle punted traffic and restart the offending process",
	},
	{
		FaultType:  "memory_exhaustion",
		Patterns:   []string{"memory", "oom", "exhaustion"},
		Hypothesis: "memory leak or table overflow exhausting device RAM",
		ProbableCauses: []string{
			"route table growth beyond platform limits",
			"leaking process not releasing buffers",
		},
		DiagnosticCmds: []string{"show processes memory sorted", "show memory statistics"},
		Recommendation: "clear stale table entries and schedule a maintenance reload",
	},
}

// classifyFault matches incident text against the knowledge base. Returns nil
// when no profile matches.
func classifyFault(title, description string) *faultProfile {
	text := strings.ToLower(title + " " + description)
	for i := range faultKnowledge {
		for _, p := range faultKnowledge[i].Patterns {
			if strings.Contains(text, p) {
				return &faultKnowledge[i]
			}
		}
	}
	return nil
}

// confidenceFor scores a diagnosis from the evidence count: a base of 50 plus
// 15 per corroborating signal, capped at 95. Never claims certainty.
func confidenceFor(evidence int) int {
	c := 50 + 15*evidence
	if c > 95 {
		c = 95
	}
	return c
}
