package domain

import "time"

// RunStatus is the overall status of a pipeline run
type RunStatus string

const (
	RunStatusSubmitted RunStatus = "submitted"
	RunStatusRunning   RunStatus = "running"
	RunStatusSucceeded RunStatus = "succeeded"
	RunStatusFailed    RunStatus = "failed"
	RunStatusCancelled RunStatus = "cancelled"
)

// IsTerminal reports whether the run has finished
func (s RunStatus) IsTerminal() bool {
	return s == RunStatusSucceeded || s == RunStatusFailed || s == RunStatusCancelled
}

// StageResult is the execution record of one stage
type StageResult struct {
	StageID     string     `json:"stage_id"`
	Kind        StageKind  `json:"kind"`
	State       StageState `json:"state"`
	ErrorKind   ErrorKind  `json:"error_kind,omitempty"`
	Error       string     `json:"error,omitempty"`
	ExitStatus  int        `json:"exit_status"`
	Diagnostics string     `json:"diagnostics,omitempty"`
	Outputs     []Artifact `json:"outputs,omitempty"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
}

// Report is the structured outcome of a pipeline run. Stages lists every
// stage in pipeline order. NotExecuted lists stages that never ran because
// an upstream stage failed or the run was cancelled.
type Report struct {
	RunID       string        `json:"run_id"`
	PipelineID  string        `json:"pipeline_id"`
	Status      RunStatus     `json:"status"`
	Stages      []StageResult `json:"stages"`
	Outputs     []string      `json:"outputs,omitempty"`
	Failed      []string      `json:"failed,omitempty"`
	NotExecuted []string      `json:"not_executed,omitempty"`
	Error       string        `json:"error,omitempty"`
	SubmittedAt time.Time     `json:"submitted_at"`
	StartedAt   *time.Time    `json:"started_at,omitempty"`
	CompletedAt *time.Time    `json:"completed_at,omitempty"`
}

// NewReport returns a report with one Pending entry per stage
func NewReport(runID string, p *Pipeline) *Report {
	r := &Report{
		RunID:       runID,
		PipelineID:  p.ID,
		Status:      RunStatusSubmitted,
		Stages:      make([]StageResult, 0, len(p.Stages)),
		SubmittedAt: time.Now(),
	}
	for _, s := range p.Stages {
		r.Stages = append(r.Stages, StageResult{
			StageID: s.ID,
			Kind:    s.Kind,
			State:   StageStatePending,
		})
	}
	return r
}

// Stage returns the result entry for a stage
func (r *Report) Stage(id string) *StageResult {
	for i := range r.Stages {
		if r.Stages[i].StageID == id {
			return &r.Stages[i]
		}
	}
	return nil
}

// Clone returns a deep copy of r
func (r *Report) Clone() *Report {
	if r == nil {
		return nil
	}
	c := *r
	c.Stages = make([]StageResult, len(r.Stages))
	for i, s := range r.Stages {
		s.Outputs = append([]Artifact(nil), s.Outputs...)
		c.Stages[i] = s
	}
	c.Outputs = append([]string(nil), r.Outputs...)
	c.Failed = append([]string(nil), r.Failed...)
	c.NotExecuted = append([]string(nil), r.NotExecuted...)
	return &c
}
