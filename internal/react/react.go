// Package react runs the bounded reason-act loop: a completion backend
// proposes a thought and either a tool action or a final answer, the
// admission engine runs proposed actions, and observations feed back into
// the transcript until the backend answers or the step budget runs out.
package react

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/toolgate/toolgate/internal/admission"
	"github.com/toolgate/toolgate/internal/audit"
	"github.com/toolgate/toolgate/internal/event"
)

var (
	// ErrMaxSteps is returned when the step budget is exhausted before a
	// final answer. The partial step list is still returned.
	ErrMaxSteps = errors.New("reasoning step budget exhausted")

	// ErrParse is returned when a completion contains neither an action
	// nor an answer. The partial step list is still returned.
	ErrParse = errors.New("unparseable completion output")

	// ErrNoCompletion is returned when the engine has no completion
	// backend configured.
	ErrNoCompletion = errors.New("no completion backend configured")
)

// DefaultMaxSteps bounds a run when no limit is configured.
const DefaultMaxSteps = 8

// observationLimit caps how much tool output is fed back into the
// transcript. Longer outputs are cut with a marker.
const observationLimit = 500

const truncationMarker = " ...[output truncated]"

// CompletionFunc produces the model's next contribution given the
// transcript so far.
type CompletionFunc func(ctx context.Context, transcript string) (string, error)

// Runner executes proposed tool actions. Satisfied by
// *admission.Manager; direct execution keeps lifecycle bookkeeping while
// skipping the queue.
type Runner interface {
	ExecuteDirectly(ctx context.Context, in admission.SubmitInput) (admission.Execution, error)
}

// Step is one completed loop iteration.
type Step struct {
	Thought     string         `json:"thought,omitempty"`
	Action      string         `json:"action,omitempty"`
	Input       map[string]any `json:"input,omitempty"`
	Observation string         `json:"observation,omitempty"`
	Answer      string         `json:"answer,omitempty"`
}

// Result is a finished run: the final answer plus every step taken. On
// ErrMaxSteps or ErrParse, Answer is empty and Steps holds the partial
// trace.
type Result struct {
	RunID  string `json:"run_id"`
	Goal   string `json:"goal"`
	Answer string `json:"answer,omitempty"`
	Steps  []Step `json:"steps"`
}

// Config wires an Engine.
type Config struct {
	Complete CompletionFunc
	Runner   Runner
	MaxSteps int
	Role     string // role attributed to tool executions, default "agent"

	Bus    *event.Bus
	Audit  *audit.Logger
	Logger *slog.Logger
	Now    func() time.Time
}

// Engine drives reason-act runs. Safe for concurrent use; each run keeps
// its own transcript.
type Engine struct {
	complete CompletionFunc
	runner   Runner
	maxSteps int
	role     string
	bus      *event.Bus
	auditLog *audit.Logger
	logger   *slog.Logger
	now      func() time.Time
}

// NewEngine creates a reasoning engine.
func NewEngine(cfg Config) *Engine {
	if cfg.MaxSteps <= 0 {
		cfg.MaxSteps = DefaultMaxSteps
	}
	if cfg.Role == "" {
		cfg.Role = "agent"
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Audit == nil {
		cfg.Audit = audit.NewLogger(audit.LoggerConfig{})
	}
	return &Engine{
		complete: cfg.Complete,
		runner:   cfg.Runner,
		maxSteps: cfg.MaxSteps,
		role:     cfg.Role,
		bus:      cfg.Bus,
		auditLog: cfg.Audit,
		logger:   cfg.Logger,
		now:      cfg.Now,
	}
}

// Run executes one bounded reason-act loop for the goal. The completion
// backend is called at most MaxSteps times; a run that neither answers nor
// parses cleanly returns the partial trace alongside the error.
func (e *Engine) Run(ctx context.Context, goal string) (Result, error) {
	if e.complete == nil {
		return Result{}, ErrNoCompletion
	}

	res := Result{RunID: uuid.NewString(), Goal: goal}
	ctx, span := otel.Tracer("toolgate/react").Start(ctx, "react.run",
		trace.WithAttributes(
			attribute.String("run.id", res.RunID),
			attribute.Int("run.max_steps", e.maxSteps),
		))
	defer span.End()
	var transcript strings.Builder
	transcript.WriteString("TASK: ")
	transcript.WriteString(goal)
	transcript.WriteString("\n")

	for i := 0; i < e.maxSteps; i++ {
		if err := ctx.Err(); err != nil {
			return res, err
		}

		out, err := e.complete(ctx, transcript.String())
		if err != nil {
			span.SetStatus(codes.Error, "completion failed")
			return res, fmt.Errorf("completion step %d: %w", i, err)
		}
		step, perr := parseStep(out)
		if perr != nil {
			span.SetStatus(codes.Error, "unparseable output")
			return res, fmt.Errorf("step %d: %w", i, perr)
		}

		res.Steps = append(res.Steps, step)
		e.emitStep(res.RunID, i, step)

		if step.Answer != "" {
			res.Answer = step.Answer
			span.SetAttributes(attribute.Int("run.steps", len(res.Steps)))
			e.auditLog.Log(audit.Record{
				Name:   audit.EventReasoningRun,
				RunID:  res.RunID,
				Actor:  e.role,
				Detail: fmt.Sprintf("answered after %d steps", len(res.Steps)),
			})
			return res, nil
		}

		writeField(&transcript, "THOUGHT", step.Thought)
		if step.Action == "" {
			// Thought-only contribution: nothing to run, it still spends
			// one step of the budget.
			continue
		}

		observation := e.observe(ctx, res.RunID, step)
		last := &res.Steps[len(res.Steps)-1]
		last.Observation = observation

		writeField(&transcript, "ACTION", step.Action)
		writeField(&transcript, "INPUT", marshalInput(step.Input))
		writeField(&transcript, "OBSERVATION", observation)
	}

	span.SetStatus(codes.Error, "step budget exhausted")
	e.auditLog.Log(audit.Record{
		Name:   audit.EventReasoningRun,
		RunID:  res.RunID,
		Actor:  e.role,
		Detail: fmt.Sprintf("budget exhausted after %d steps", len(res.Steps)),
	})
	return res, fmt.Errorf("after %d steps: %w", e.maxSteps, ErrMaxSteps)
}

// observe runs the step's action and renders the outcome for the
// transcript. Execution failures become observations, not run errors, so
// the model can react to them.
func (e *Engine) observe(ctx context.Context, runID string, step Step) string {
	if e.runner == nil {
		return truncate("error: no tool runner configured")
	}
	ex, err := e.runner.ExecuteDirectly(ctx, admission.SubmitInput{
		ToolName: step.Action,
		Input:    step.Input,
		Role:     e.role,
	})
	if err != nil {
		e.logger.Warn("tool action failed", "run_id", runID, "tool", step.Action, "error", err)
		return truncate("error: " + err.Error())
	}
	if ex.Result != nil && ex.Result.Success {
		return truncate(ex.Result.Output)
	}
	msg := ex.ErrorMessage
	if msg == "" {
		msg = string(ex.Status)
	}
	e.logger.Warn("tool action failed", "run_id", runID, "tool", step.Action, "error", msg)
	return truncate("error: " + msg)
}

func (e *Engine) emitStep(runID string, n int, step Step) {
	if e.bus == nil {
		return
	}
	e.bus.Publish(event.Event{
		Type:  event.ReasoningStep,
		RunID: runID,
		Data: map[string]any{
			"step":    n,
			"thought": step.Thought,
			"action":  step.Action,
			"final":   step.Answer != "",
		},
	})
}

func writeField(b *strings.Builder, label, value string) {
	if value == "" {
		return
	}
	b.WriteString(label)
	b.WriteString(": ")
	b.WriteString(value)
	b.WriteString("\n")
}

func truncate(s string) string {
	if len(s) <= observationLimit {
		return s
	}
	cut := observationLimit
	for cut > 0 && !utf8Start(s[cut]) {
		cut--
	}
	return s[:cut] + truncationMarker
}

func utf8Start(b byte) bool { return b&0xC0 != 0x80 }
