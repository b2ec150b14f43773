package troubleshoot

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/54b3r/ppta-go/internal/rag"
)

const (
	planFenced = "```json\n" + `{
  "steps": [
    {"id": "safety", "title": "Safety Check", "description": "PPE and LOTO", "type": "check",
     "content": "Apply lockout/tagout."},
    {"id": "readings", "title": "Parameter Measurement", "description": "Take readings", "type": "measurement",
     "content": "Measure:", "measurements": [
       {"parameter": "Oil Pressure", "expected": "40-60", "unit": "psi"},
       {"parameter": "Coolant Temperature", "expectedRange": "160-200", "unit": "°F"}
     ]},
    {"id": "assess", "title": "Initial Assessment", "description": "Choose", "type": "Decision",
     "content": "What did you observe?", "options": [
       {"id": "oil", "text": "Oil pressure low", "next": "oil-system"},
       {"text": "Everything normal", "next": "does-not-exist"}
     ]},
    {"id": "oil-system", "title": "Oil System Check", "description": "Inspect", "type": "instruction",
     "content": "Inspect the oil pump.", "options": [{"id": "x", "text": "ignored"}]}
  ]
}` + "\n```"

	planProse = `Here is the procedure: {"steps":[{"title":"Safety","type":"check","content":"LOTO"}]} Stay safe.`

	planNotJSON = `I could not produce a procedure.`

	planBadType = `{"steps":[{"id":"a","title":"A","type":"guess","content":"?"}]}`

	planDecisionOneOption = `{"steps":[{"id":"a","title":"A","type":"decision","options":[{"id":"x","text":"only"}]}]}`

	planDuplicateIDs = `{"steps":[{"id":"a","title":"A","type":"check"},{"id":"a","title":"B","type":"check"}]}`

	planEmpty = `{"steps":[]}`
)

type stubCompleter struct {
	reply  string
	err    error
	prompt string
}

func (s *stubCompleter) Complete(_ context.Context, prompt string) (string, error) {
	s.prompt = prompt
	return s.reply, s.err
}

type stubRetriever struct {
	docs []rag.Document
	err  error
}

func (s *stubRetriever) Retrieve(context.Context, string, int) ([]rag.Document, error) {
	return s.docs, s.err
}

var validRequest = Request{Engine: "G3520", Alarm: "Low Oil Pressure", Description: "pressure dropped to 25 psi"}

func TestParseSteps(t *testing.T) {
	t.Parallel()

	steps, err := parseSteps(planFenced)
	if err != nil {
		t.Fatalf("parseSteps: %v", err)
	}
	if len(steps) != 4 {
		t.Fatalf("got %d steps, want 4", len(steps))
	}

	m := steps[1].Measurements
	if m[0].ExpectedRange != "40-60" || m[1].ExpectedRange != "160-200" {
		t.Errorf("expected ranges not decoded: %+v", m)
	}

	assess := steps[2]
	if assess.Type != StepDecision {
		t.Errorf("type not normalised: %q", assess.Type)
	}
	if assess.Options[0].Next != "oil-system" {
		t.Errorf("valid target cleared: %+v", assess.Options[0])
	}
	if assess.Options[1].Next != "" || assess.Options[1].ID != "assess-option-2" {
		t.Errorf("unknown target or missing id not handled: %+v", assess.Options[1])
	}
	if steps[3].Options != nil {
		t.Error("instruction step kept options")
	}

	prose, err := parseSteps(planProse)
	if err != nil {
		t.Fatalf("parseSteps(prose): %v", err)
	}
	if prose[0].ID != "step-1" {
		t.Errorf("missing id not derived: %q", prose[0].ID)
	}
}

func TestParseSteps_Invalid(t *testing.T) {
	t.Parallel()
	tests := map[string]string{
		"not json":            planNotJSON,
		"unknown type":        planBadType,
		"decision one option": planDecisionOneOption,
		"duplicate ids":       planDuplicateIDs,
		"no steps":            planEmpty,
	}
	for name, in := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			if _, err := parseSteps(in); err == nil {
				t.Errorf("expected error for %s", name)
			}
		})
	}
}

func TestPlanner_Plan(t *testing.T) {
	t.Parallel()
	comp := &stubCompleter{reply: planFenced}
	p, err := NewPlanner(PlannerConfig{
		Completer: comp,
		Retriever: &stubRetriever{docs: []rag.Document{{Source: "G3520 O&M.pdf", Content: "Minimum oil pressure 40 psi."}}},
	})
	if err != nil {
		t.Fatal(err)
	}

	steps, err := p.Plan(context.Background(), validRequest)
	if err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if len(steps) != 4 {
		t.Errorf("got %d steps", len(steps))
	}
	for _, want := range []string{"Engine: G3520", "Alarm: Low Oil Pressure", "Minimum oil pressure 40 psi."} {
		if !strings.Contains(comp.prompt, want) {
			t.Errorf("prompt missing %q", want)
		}
	}
}

func TestPlanner_Errors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	tests := []struct {
		name string
		comp *stubCompleter
		ret  rag.Retriever
		req  Request
		want error
	}{
		{name: "missing engine", comp: &stubCompleter{reply: planFenced}, req: Request{Description: "x"}, want: ErrInvalidRequest},
		{name: "blank description", comp: &stubCompleter{reply: planFenced}, req: Request{Engine: "G3520", Description: "  "}, want: ErrInvalidRequest},
		{name: "completion error", comp: &stubCompleter{err: errors.New("timeout")}, req: validRequest, want: ErrPlanFailed},
		{name: "unparseable", comp: &stubCompleter{reply: planNotJSON}, req: validRequest, want: ErrPlanFailed},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			p, _ := NewPlanner(PlannerConfig{Completer: tc.comp, Retriever: tc.ret})
			if _, err := p.Plan(ctx, tc.req); !errors.Is(err, tc.want) {
				t.Errorf("err = %v, want %v", err, tc.want)
			}
		})
	}
}

func TestPlanner_RetrievalFailureDegrades(t *testing.T) {
	t.Parallel()
	comp := &stubCompleter{reply: planFenced}
	p, _ := NewPlanner(PlannerConfig{Completer: comp, Retriever: &stubRetriever{err: errors.New("down")}})

	if _, err := p.Plan(context.Background(), validRequest); err != nil {
		t.Fatalf("Plan: %v", err)
	}
	if strings.Contains(comp.prompt, "Manual Excerpts") {
		t.Error("excerpt section present without retrieved chunks")
	}
}

func TestNewPlanner_NilCompleter(t *testing.T) {
	t.Parallel()
	if _, err := NewPlanner(PlannerConfig{}); err == nil {
		t.Error("expected error")
	}
}
