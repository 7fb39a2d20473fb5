package pipeline

import (
	"time"

	"github.com/3leaps/kgextract/pkg/provider"
	"github.com/3leaps/kgextract/pkg/record"
)

// Status is the state of a step or a whole work item.
//
// NOTE: persisted in state.json.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// StepState is the persisted progress of one step.
type StepState struct {
	Status      Status              `json:"status"`
	Attempts    int                 `json:"attempts"`
	Tier        string              `json:"tier,omitempty"`
	Model       string              `json:"model,omitempty"`
	DurationMs  int64               `json:"duration_ms"`
	Usage       provider.TokenUsage `json:"usage"`
	Error       string              `json:"error,omitempty"`
	StartedAt   *time.Time          `json:"started_at,omitempty"`
	CompletedAt *time.Time          `json:"completed_at,omitempty"`
}

// State is the persisted progress of one work item.
type State struct {
	JobType     string                `json:"job_type"`
	Key         record.Key            `json:"key"`
	Status      Status                `json:"status"`
	CurrentStep string                `json:"current_step,omitempty"`
	Order       []string              `json:"order"`
	Steps       map[string]*StepState `json:"steps"`
	Error       string                `json:"error,omitempty"`
	CreatedAt   time.Time             `json:"created_at"`
	UpdatedAt   time.Time             `json:"updated_at"`
}

func newState(jobType string, key record.Key, order []string, now time.Time) *State {
	st := &State{
		JobType:   jobType,
		Key:       key,
		Status:    StatusPending,
		Order:     order,
		Steps:     make(map[string]*StepState, len(order)),
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, id := range order {
		st.Steps[id] = &StepState{Status: StatusPending}
	}
	return st
}

// Step returns the state of step id, creating a pending entry when a step
// was added to the graph after the state was persisted.
func (s *State) Step(id string) *StepState {
	if s.Steps == nil {
		s.Steps = map[string]*StepState{}
	}
	ss, ok := s.Steps[id]
	if !ok {
		ss = &StepState{Status: StatusPending}
		s.Steps[id] = ss
	}
	return ss
}

// Usage returns the token usage across all steps.
func (s *State) Usage() provider.TokenUsage {
	var u provider.TokenUsage
	for _, ss := range s.Steps {
		u.Add(ss.Usage)
	}
	return u
}

// ItemOutcome is one work item's line in the pipeline summary.
type ItemOutcome struct {
	Status     Status              `json:"status"`
	FailedStep string              `json:"failed_step,omitempty"`
	Error      string              `json:"error,omitempty"`
	Usage      provider.TokenUsage `json:"usage"`
}

// Summary is the job-level pipeline summary persisted as summary.json.
type Summary struct {
	JobType   string                     `json:"job_type"`
	Total     int                        `json:"total"`
	Completed int                        `json:"completed"`
	Failed    int                        `json:"failed"`
	Pending   int                        `json:"pending"`
	Usage     provider.TokenUsage        `json:"usage"`
	Items     map[record.Key]ItemOutcome `json:"items"`
	UpdatedAt time.Time                  `json:"updated_at"`
}

func (s *Summary) record(key record.Key, st *State) {
	if s.Items == nil {
		s.Items = map[record.Key]ItemOutcome{}
	}
	out := ItemOutcome{Status: st.Status, Error: st.Error, Usage: st.Usage()}
	if st.Status == StatusFailed {
		out.FailedStep = st.CurrentStep
	}
	s.Items[key] = out
	s.recount()
}

func (s *Summary) recount() {
	s.Total, s.Completed, s.Failed, s.Pending = len(s.Items), 0, 0, 0
	s.Usage = provider.TokenUsage{}
	for _, it := range s.Items {
		switch it.Status {
		case StatusCompleted:
			s.Completed++
		case StatusFailed:
			s.Failed++
		default:
			s.Pending++
		}
		s.Usage.Add(it.Usage)
	}
}
