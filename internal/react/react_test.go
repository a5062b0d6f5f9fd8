package react

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/toolgate/toolgate/internal/admission"
	"github.com/toolgate/toolgate/internal/tool"
)

// scriptedCompletion returns canned outputs in order and counts calls.
type scriptedCompletion struct {
	mu      sync.Mutex
	outputs []string
	calls   int
}

func (s *scriptedCompletion) fn(_ context.Context, _ string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := s.outputs[len(s.outputs)-1]
	if s.calls < len(s.outputs) {
		out = s.outputs[s.calls]
	}
	s.calls++
	return out, nil
}

func (s *scriptedCompletion) callCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls
}

type fakeRunner struct {
	mu    sync.Mutex
	calls []admission.SubmitInput
	out   string
	err   error
}

func (f *fakeRunner) ExecuteDirectly(_ context.Context, in admission.SubmitInput) (admission.Execution, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, in)
	if f.err != nil {
		return admission.Execution{Status: admission.StatusError, ErrorMessage: f.err.Error()}, f.err
	}
	return admission.Execution{
		Status: admission.StatusCompleted,
		Result: &tool.Result{Success: true, Output: f.out},
	}, nil
}

func TestRunAnswersAfterToolStep(t *testing.T) {
	t.Parallel()
	script := &scriptedCompletion{outputs: []string{
		"THOUGHT: need the file list first\nACTION: list_files\nINPUT: {\"path\": \"/tmp\"}",
		"THOUGHT: that is everything\nANSWER: two files found",
	}}
	runner := &fakeRunner{out: "a.txt\nb.txt"}
	e := NewEngine(Config{Complete: script.fn, Runner: runner, MaxSteps: 5})

	res, err := e.Run(context.Background(), "count files in /tmp")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Answer != "two files found" {
		t.Fatalf("answer = %q", res.Answer)
	}
	if len(res.Steps) != 2 {
		t.Fatalf("steps = %d, want 2", len(res.Steps))
	}
	first := res.Steps[0]
	if first.Action != "list_files" || first.Input["path"] != "/tmp" {
		t.Fatalf("step 0 = %+v", first)
	}
	if first.Observation != "a.txt\nb.txt" {
		t.Fatalf("observation = %q", first.Observation)
	}
	if script.callCount() != 2 {
		t.Fatalf("completion calls = %d, want 2", script.callCount())
	}
}

func TestRunStopsAtStepBudget(t *testing.T) {
	t.Parallel()
	const maxSteps = 3
	script := &scriptedCompletion{outputs: []string{
		"THOUGHT: keep going\nACTION: echo\nINPUT: {}",
	}}
	runner := &fakeRunner{out: "ok"}
	e := NewEngine(Config{Complete: script.fn, Runner: runner, MaxSteps: maxSteps})

	res, err := e.Run(context.Background(), "never finishes")
	if !errors.Is(err, ErrMaxSteps) {
		t.Fatalf("Run = %v, want ErrMaxSteps", err)
	}
	if len(res.Steps) != maxSteps {
		t.Fatalf("partial steps = %d, want %d", len(res.Steps), maxSteps)
	}
	// The budget bounds completion calls exactly.
	if script.callCount() != maxSteps {
		t.Fatalf("completion calls = %d, want %d", script.callCount(), maxSteps)
	}
}

func TestRunThoughtOnlyStepsSpendBudget(t *testing.T) {
	t.Parallel()
	const maxSteps = 3
	script := &scriptedCompletion{outputs: []string{
		"THOUGHT: still thinking",
	}}
	runner := &fakeRunner{out: "unused"}
	e := NewEngine(Config{Complete: script.fn, Runner: runner, MaxSteps: maxSteps})

	res, err := e.Run(context.Background(), "ponder forever")
	if !errors.Is(err, ErrMaxSteps) {
		t.Fatalf("Run = %v, want ErrMaxSteps", err)
	}
	if script.callCount() != maxSteps {
		t.Fatalf("completion calls = %d, want %d", script.callCount(), maxSteps)
	}
	if len(res.Steps) != maxSteps {
		t.Fatalf("steps = %d, want %d", len(res.Steps), maxSteps)
	}
	for i, s := range res.Steps {
		if s.Thought != "still thinking" || s.Action != "" || s.Observation != "" {
			t.Fatalf("step %d = %+v, want thought only", i, s)
		}
	}
	if len(runner.calls) != 0 {
		t.Fatalf("runner calls = %d, want 0", len(runner.calls))
	}
}

func TestRunParseFailureReturnsPartialSteps(t *testing.T) {
	t.Parallel()
	script := &scriptedCompletion{outputs: []string{
		"THOUGHT: first I look\nACTION: echo\nINPUT: {}",
		"I have lost the format entirely",
	}}
	e := NewEngine(Config{Complete: script.fn, Runner: &fakeRunner{out: "hi"}})

	res, err := e.Run(context.Background(), "goal")
	if !errors.Is(err, ErrParse) {
		t.Fatalf("Run = %v, want ErrParse", err)
	}
	if len(res.Steps) != 1 {
		t.Fatalf("partial steps = %d, want 1", len(res.Steps))
	}
}

func TestRunObservesToolFailures(t *testing.T) {
	t.Parallel()
	script := &scriptedCompletion{outputs: []string{
		"ACTION: broken\nINPUT: {}",
		"ANSWER: giving up",
	}}
	runner := &fakeRunner{err: errors.New("tool exploded")}
	e := NewEngine(Config{Complete: script.fn, Runner: runner})

	res, err := e.Run(context.Background(), "goal")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(res.Steps[0].Observation, "tool exploded") {
		t.Fatalf("observation = %q, want tool error surfaced", res.Steps[0].Observation)
	}
}

func TestRunTruncatesLongObservations(t *testing.T) {
	t.Parallel()
	script := &scriptedCompletion{outputs: []string{
		"ACTION: big\nINPUT: {}",
		"ANSWER: done",
	}}
	runner := &fakeRunner{out: strings.Repeat("x", 2000)}
	e := NewEngine(Config{Complete: script.fn, Runner: runner})

	res, err := e.Run(context.Background(), "goal")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	obs := res.Steps[0].Observation
	if !strings.HasSuffix(obs, truncationMarker) {
		t.Fatalf("observation not truncated: %q", obs[len(obs)-40:])
	}
	if len(obs) > observationLimit+len(truncationMarker) {
		t.Fatalf("observation length = %d", len(obs))
	}
}

func TestRunNoCompletionBackend(t *testing.T) {
	t.Parallel()
	e := NewEngine(Config{})
	if _, err := e.Run(context.Background(), "goal"); !errors.Is(err, ErrNoCompletion) {
		t.Fatalf("Run = %v, want ErrNoCompletion", err)
	}
}

func TestParseStep(t *testing.T) {
	t.Parallel()
	cases := []struct {
		name    string
		in      string
		want    Step
		wantErr error
	}{
		{
			name: "action with json input",
			in:   "THOUGHT: check disk\nACTION: df\nINPUT: {\"human\": true}",
			want: Step{Thought: "check disk", Action: "df", Input: map[string]any{"human": true}},
		},
		{
			name: "answer only",
			in:   "ANSWER: 42",
			want: Step{Answer: "42"},
		},
		{
			name: "multiline answer",
			in:   "ANSWER: first line\nsecond line",
			want: Step{Answer: "first line\nsecond line"},
		},
		{
			name: "malformed input degrades to wrapper",
			in:   "ACTION: run\nINPUT: not json at all",
			want: Step{Action: "run", Input: map[string]any{"input": "not json at all"}},
		},
		{
			name: "thought only",
			in:   "THOUGHT: hmm",
			want: Step{Thought: "hmm"},
		},
		{
			name:    "empty output",
			in:      "",
			wantErr: ErrParse,
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			t.Parallel()
			got, err := parseStep(tc.in)
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("parseStep = %v, want %v", err, tc.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("parseStep: %v", err)
			}
			if got.Thought != tc.want.Thought || got.Action != tc.want.Action || got.Answer != tc.want.Answer {
				t.Fatalf("step = %+v, want %+v", got, tc.want)
			}
			if fmt.Sprint(got.Input) != fmt.Sprint(tc.want.Input) {
				t.Fatalf("input = %v, want %v", got.Input, tc.want.Input)
			}
		})
	}
}
