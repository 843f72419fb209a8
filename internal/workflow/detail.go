package workflow

import "sort"

// Builders lifting structured stage outcomes out of the result maps the
// task handlers publish on task.completed events. Each returns nil when
// the result carries nothing worth recording, so retries with empty
// results never clobber an earlier detail.

func diagnosisDetail(result map[string]any) *StageDetail {
	if result == nil {
		return nil
	}
	d := &StageDetail{}
	d.Method, _ = result["method"].(string)
	if c, ok := result["confidence"].(int); ok {
		d.Confidence = c
	}
	d.Evidence = stringSlice(result["evidence"])
	if d.Method == "" && d.Confidence == 0 && len(d.Evidence) == 0 {
		return nil
	}
	return d
}

func remediationDetail(result map[string]any) *StageDetail {
	if result == nil {
		return nil
	}
	plan := planSteps(result["actions"])
	if len(plan) == 0 {
		return nil
	}
	return &StageDetail{Plan: plan}
}

func verificationDetail(result map[string]any) *StageDetail {
	if result == nil {
		return nil
	}
	d := &StageDetail{}
	if checks, ok := result["checks"].(map[string]bool); ok {
		names := make([]string, 0, len(checks))
		for name := range checks {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			d.SuccessCriteria = append(d.SuccessCriteria, Criterion{Name: name, Met: checks[name]})
		}
	}
	if raw, ok := result["metricsComparison"].(map[string]map[string]float64); ok && len(raw) > 0 {
		d.MetricsComparison = make(map[string]MetricDelta, len(raw))
		for metric, v := range raw {
			d.MetricsComparison[metric] = MetricDelta{
				Before:    v["before"],
				After:     v["after"],
				Deviation: v["deviation"],
			}
		}
	}
	if len(d.SuccessCriteria) == 0 && len(d.MetricsComparison) == 0 {
		return nil
	}
	return d
}

func planSteps(v any) []PlanStep {
	raw, ok := v.([]map[string]any)
	if !ok {
		return nil
	}
	steps := make([]PlanStep, 0, len(raw))
	for _, a := range raw {
		s := PlanStep{}
		s.Action, _ = a["action"].(string)
		s.Command, _ = a["command"].(string)
		s.Outcome, _ = a["outcome"].(string)
		s.Risk, _ = a["risk"].(string)
		s.Rollback, _ = a["rollback"].(string)
		s.DeviceID, _ = a["deviceId"].(string)
		if s.Action == "" {
			continue
		}
		steps = append(steps, s)
	}
	return steps
}

func stringSlice(v any) []string {
	switch vv := v.(type) {
	case []string:
		return append([]string(nil), vv...)
	case []any:
		out := make([]string, 0, len(vv))
		for _, e := range vv {
			if s, ok := e.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
