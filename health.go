package inferbill

import "sort"

// Health statuses reported by Orchestrator.Health.
const (
	HealthOK       = "ok"
	HealthDegraded = "degraded"
)

// DependencyHealth is the breaker view of one upstream.
type DependencyHealth struct {
	Name  string       `json:"name"`
	State BreakerState `json:"state"`
}

// HealthReport summarizes upstream availability.
type HealthReport struct {
	Status       string             `json:"status"`
	Dependencies []DependencyHealth `json:"dependencies"`
}

// Health reports every registered upstream with its breaker state. The status
// is degraded while any breaker is not closed; paid requests to the other
// upstreams keep working.
func (o *Orchestrator) Health() HealthReport {
	snap := o.breakers.Snapshot()

	names := make([]string, 0, len(o.providers))
	for name := range o.providers {
		names = append(names, name)
	}
	sort.Strings(names)

	report := HealthReport{Status: HealthOK, Dependencies: make([]DependencyHealth, 0, len(names))}
	for _, name := range names {
		state, ok := snap[name]
		if !ok {
			state = BreakerClosed
		}
		if state != BreakerClosed {
			report.Status = HealthDegraded
		}
		report.Dependencies = append(report.Dependencies, DependencyHealth{Name: name, State: state})
	}
	return report
}
