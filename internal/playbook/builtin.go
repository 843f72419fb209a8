package playbook

// builtinPlaybooks is the remediation catalog shipped with the daemon. The
// five procedures cover the fault families the diagnosis handler recognizes.
func builtinPlaybooks() []Playbook {
	return []Playbook{
		{
			ID:          "pb-link-restore",
			Name:        "Link Failure Restore",
			Description: "Re-route traffic and restore a failed uplink",
			Enabled:     true,
			RiskLevel:   "medium",
			AutoApprove: true,
			Trigger: Trigger{
				Patterns:   []string{"link failure", "link down", "interface down"},
				Severities: []string{"critical", "high"},
			},
			Steps: []Step{
				{Action: "reroute_traffic", Command: "ip route replace via backup", Rollback: "restore_primary_route", TimeoutSeconds: 30},
				{Action: "bounce_interface", Command: "interface reset", Rollback: "none", TimeoutSeconds: 60},
				{Action: "confirm_link_state", Command: "show interface status", TimeoutSeconds: 15, ContinueOnFailure: true},
			},
		},
		{
			ID:          "pb-bgp-stabilize",
			Name:        "BGP Session Stabilization",
			Description: "Dampen flapping BGP sessions and restore peering",
			Enabled:     true,
			RiskLevel:   "high",
			AutoApprove: true,
			Trigger: Trigger{
				Patterns:   []string{"bgp", "session flap", "peer down", "route instability"},
				Severities: []string{"critical", "high", "medium"},
			},
			Steps: []Step{
				{Action: "dampen_flapping_peer", Command: "bgp dampening apply", Rollback: "remove_dampening", TimeoutSeconds: 30},
				{Action: "reset_bgp_session", Command: "clear ip bgp neighbor soft", Rollback: "none", TimeoutSeconds: 90},
				{Action: "verify_route_table", Command: "show ip bgp summary", TimeoutSeconds: 20, ContinueOnFailure: true},
			},
		},
		{
			ID:          "pb-congestion-relief",
			Name:        "Congestion Mitigation",
			Description: "Relieve port congestion by shaping and clearing queues",
			Enabled:     true,
			RiskLevel:   "low",
			AutoApprove: true,
			Trigger: Trigger{
				Patterns:   []string{"congestion", "queue depth", "packet drops", "traffic drop"},
				Severities: []string{"high", "medium", "low"},
			},
			Steps: []Step{
				{Action: "apply_traffic_shaping", Command: "qos policy apply shape-50", Rollback: "remove_traffic_shaping", TimeoutSeconds: 30},
				{Action: "clear_interface_queues", Command: "clear queue counters", TimeoutSeconds: 15},
				{Action: "rebalance_load", Command: "port-channel rebalance", Rollback: "none", TimeoutSeconds: 45, ContinueOnFailure: true},
			},
		},
		{
			ID:          "pb-cpu-relief",
			Name:        "CPU Overload Relief",
			Description: "Shed load from a device running hot",
			Enabled:     true,
			RiskLevel:   "medium",
			AutoApprove: false,
			Trigger: Trigger{
				Patterns:   []string{"cpu", "high utilization", "processor"},
				Severities: []string{"critical", "high"},
			},
			Steps: []Step{
				{Action: "identify_top_processes", Command: "show processes cpu sorted", TimeoutSeconds: 15},
				{Action: "throttle_control_plane", Command: "control-plane policing apply", Rollback: "remove_copp", TimeoutSeconds: 30},
				{Action: "reload_device", Command: "reload", Rollback: "none", TimeoutSeconds: 300},
			},
		},
		{
			ID:          "pb-memory-recovery",
			Name:        "Memory Exhaustion Recovery",
			Description: "Recover a device leaking memory before it falls over",
			Enabled:     true,
			RiskLevel:   "high",
			AutoApprove: false,
			Trigger: Trigger{
				Patterns:   []string{"memory", "oom", "exhaustion"},
				Severities: []string{"critical", "high"},
			},
			Steps: []Step{
				{Action: "clear_arp_cache", Command: "clear arp-cache", TimeoutSeconds: 15},
				{Action: "restart_leaking_process", Command: "process restart snmpd", Rollback: "none", TimeoutSeconds: 60},
				{Action: "reload_device", Command: "reload", Rollback: "none", TimeoutSeconds: 300, ContinueOnFailure: true},
			},
		},
	}
}
