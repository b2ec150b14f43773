// Package troubleshoot generates guided troubleshooting procedures for an
// engine fault. A [Planner] asks the completion provider for an ordered set
// of typed [Step] values grounded in retrieved manual excerpts.
package troubleshoot

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrInvalidRequest is returned when a Request lacks required fields.
	ErrInvalidRequest = errors.New("troubleshoot: invalid request")

	// ErrPlanFailed is returned when no valid procedure could be produced.
	ErrPlanFailed = errors.New("troubleshoot: plan generation failed")
)

// StepType tags the payload a Step carries.
type StepType string

const (
	StepInstruction StepType = "instruction"
	StepCheck       StepType = "check"
	StepDecision    StepType = "decision"
	StepMeasurement StepType = "measurement"
)

// Valid reports whether t is a known step type.
func (t StepType) Valid() bool {
	switch t {
	case StepInstruction, StepCheck, StepDecision, StepMeasurement:
		return true
	}
	return false
}

// Option is one branch of a decision step. Next names the step to continue
// with; empty means the following step.
type Option struct {
	ID   string `json:"id"`
	Text string `json:"text"`
	Next string `json:"next,omitempty"`
}

// Measurement is one reading the operator should take.
type Measurement struct {
	Parameter     string `json:"parameter"`
	ExpectedRange string `json:"expectedRange"`
	Unit          string `json:"unit"`
}

// UnmarshalJSON accepts "expected" as an alias of "expectedRange".
func (m *Measurement) UnmarshalJSON(b []byte) error {
	var raw struct {
		Parameter     string `json:"parameter"`
		ExpectedRange string `json:"expectedRange"`
		Expected      string `json:"expected"`
		Unit          string `json:"unit"`
	}
	if err := json.Unmarshal(b, &raw); err != nil {
		return err
	}
	m.Parameter = raw.Parameter
	m.ExpectedRange = raw.ExpectedRange
	if m.ExpectedRange == "" {
		m.ExpectedRange = raw.Expected
	}
	m.Unit = raw.Unit
	return nil
}

// Step is one node of a troubleshooting procedure.
type Step struct {
	ID           string        `json:"id"`
	Title        string        `json:"title"`
	Description  string        `json:"description"`
	Type         StepType      `json:"type"`
	Content      string        `json:"content"`
	Options      []Option      `json:"options,omitempty"`
	Measurements []Measurement `json:"measurements,omitempty"`
}

// Request describes the fault to troubleshoot.
type Request struct {
	Engine      string `json:"engine"`
	Alarm       string `json:"alarm"`
	Description string `json:"description"`
}

// Validate trims r in place and checks the required fields.
func (r *Request) Validate() error {
	r.Engine = strings.TrimSpace(r.Engine)
	r.Alarm = strings.TrimSpace(r.Alarm)
	r.Description = strings.TrimSpace(r.Description)

	var missing []string
	if r.Engine == "" {
		missing = append(missing, "engine")
	}
	if r.Description == "" {
		missing = append(missing, "description")
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: missing %s", ErrInvalidRequest, strings.Join(missing, ", "))
	}
	return nil
}

// normaliseSteps validates steps and fills in derivable fields. Missing ids
// become "step-N"; option targets that name no step are cleared.
func normaliseSteps(steps []Step) ([]Step, error) {
	if len(steps) == 0 {
		return nil, errors.New("no steps")
	}

	seen := make(map[string]bool, len(steps))
	for i := range steps {
		s := &steps[i]
		s.ID = strings.TrimSpace(s.ID)
		if s.ID == "" {
			s.ID = fmt.Sprintf("step-%d", i+1)
		}
		if seen[s.ID] {
			return nil, fmt.Errorf("duplicate step id %q", s.ID)
		}
		seen[s.ID] = true

		s.Type = StepType(strings.ToLower(strings.TrimSpace(string(s.Type))))
		if !s.Type.Valid() {
			return nil, fmt.Errorf("step %q: unknown type %q", s.ID, s.Type)
		}
		if strings.TrimSpace(s.Title) == "" {
			return nil, fmt.Errorf("step %q: missing title", s.ID)
		}

		switch s.Type {
		case StepDecision:
			if len(s.Options) < 2 {
				return nil, fmt.Errorf("step %q: decision needs at least two options", s.ID)
			}
			for j, o := range s.Options {
				if strings.TrimSpace(o.Text) == "" {
					return nil, fmt.Errorf("step %q: option %d has no text", s.ID, j+1)
				}
				if strings.TrimSpace(o.ID) == "" {
					s.Options[j].ID = fmt.Sprintf("%s-option-%d", s.ID, j+1)
				}
			}
		case StepMeasurement:
			if len(s.Measurements) == 0 {
				return nil, fmt.Errorf("step %q: measurement step has no measurements", s.ID)
			}
			for j, m := range s.Measurements {
				if strings.TrimSpace(m.Parameter) == "" {
					return nil, fmt.Errorf("step %q: measurement %d has no parameter", s.ID, j+1)
				}
			}
		default:
			s.Options = nil
			s.Measurements = nil
		}
	}

	for i := range steps {
		for j, o := range steps[i].Options {
			if o.Next != "" && !seen[o.Next] {
				steps[i].Options[j].Next = ""
			}
		}
	}
	return steps, nil
}
