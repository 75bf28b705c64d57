package health

// Status is the overall gateway health level.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusCritical Status = "critical"
)

// Report is the response body of the health endpoint: an overall status with
// a per-subsystem breakdown.
type Report struct {
	Status     Status            `json:"status"`
	Subsystems map[string]string `json:"subsystems"`
	Targets    []Stats           `json:"targets,omitempty"`
}

// BuildReport folds per-target states into an overall status: any target
// down is critical if no healthy target remains, degraded otherwise; any
// degraded target is degraded. extra holds non-target subsystem states
// (ledger, event bus) that are merged into the subsystem map.
func (t *Tracker) BuildReport(extra map[string]string) Report {
	stats := t.AllStats()

	subsystems := make(map[string]string, len(stats)+len(extra))
	healthy, down := 0, 0
	degraded := false
	for _, s := range stats {
		subsystems["tier:"+s.Target] = string(s.State)
		switch s.State {
		case StateHealthy:
			healthy++
		case StateDown:
			down++
		case StateDegraded:
			degraded = true
		}
	}
	for k, v := range extra {
		subsystems[k] = v
		if v != string(StateHealthy) && v != "ok" {
			degraded = true
		}
	}

	status := StatusOK
	switch {
	case down > 0 && healthy == 0:
		status = StatusCritical
	case down > 0 || degraded:
		status = StatusDegraded
	}

	return Report{
		Status:     status,
		Subsystems: subsystems,
		Targets:    stats,
	}
}
