package workflow

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/GoCodeAlone/openact/openactmodel"
)

// Dispatcher invokes the action handler registered for resource, passing it
// the run's input overlaid by the state's resolved parameters and getting
// back its JSON-shaped output.
// package handlers.Registry satisfies this.
type Dispatcher interface {
	Dispatch(ctx context.Context, resource string, stateName string, input map[string]any) (map[string]any, error)
}

// RunStatus is the terminal or in-flight status of a run.
type RunStatus string

const (
	RunSucceeded RunStatus = "succeeded"
	RunFailed    RunStatus = "failed"
	RunPaused    RunStatus = "paused"
)

// Outcome is what Run/Resume returns to the caller.
type Outcome struct {
	RunID     string
	Status    RunStatus
	Output    any
	AwaitMeta map[string]any // populated only when Status == RunPaused
	Error     string         // populated only when Status == RunFailed
}

const defaultMaxSteps = 512

// pendingTTL and terminalTTL are the sweeper's retention windows for a
// paused run's checkpoint and a terminal run's result record.
const (
	pendingTTL  = 10 * time.Minute
	terminalTTL = 30 * time.Minute
)

// Engine executes Definitions against a Dispatcher, persisting paused runs
// to a RunStore so a later, independent request can resume them.
type Engine struct {
	Handlers Dispatcher
	Store    RunStore
	Mapper   *MappingEngine
	Now      func() time.Time
	Logger   *slog.Logger
}

// NewEngine builds an Engine with an in-memory run store by default.
func NewEngine(handlers Dispatcher) *Engine {
	return &Engine{
		Handlers: handlers,
		Store:    NewMemoryRunStore(),
		Mapper:   NewMappingEngine(),
		Now:      time.Now,
	}
}

func (e *Engine) now() time.Time {
	if e.Now != nil {
		return e.Now()
	}
	return time.Now()
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

// Run starts a new run of def from StartAt with the given input, executing
// states until the run succeeds, fails, or pauses for an external callback:
// a handler error carrying the PAUSE_FOR_CALLBACK sentinel converts into a
// RunPaused Outcome instead of propagating as a failure.
func (e *Engine) Run(ctx context.Context, def *Definition, input map[string]any) (*Outcome, error) {
	runID := uuid.New().String()
	rctx := NewContext(input)
	return e.execute(ctx, def, runID, def.StartAt, rctx, 0, true)
}

// RunFlow starts a new run of def and drives it to completion or a bounded
// step count: unlike Run, a handler error is never reinterpreted as a
// pause. PAUSE_FOR_CALLBACK surfaces as an ordinary failure instead of
// leaking out as a paused run. Intended for DSL chains that are known
// never to reach oauth2.await_callback (or any other handler that can
// emit the sentinel).
func (e *Engine) RunFlow(ctx context.Context, def *Definition, input map[string]any) (*Outcome, error) {
	runID := uuid.New().String()
	rctx := NewContext(input)
	return e.execute(ctx, def, runID, def.StartAt, rctx, 0, false)
}

// Resume continues a previously paused run, merging callbackData into the
// checkpointed context's input before re-entering the paused state: the
// engine merges the callback payload (e.g. code, state) into ctx.input and
// re-enters the state it paused in.
func (e *Engine) Resume(ctx context.Context, def *Definition, runID string, callbackData map[string]any) (*Outcome, error) {
	checkpoint, err := e.Store.Get(ctx, runID)
	if err != nil {
		return nil, &openactmodel.StorageError{Cause: err}
	}
	if checkpoint == nil || checkpoint.PausedState == "" {
		return nil, &openactmodel.NotFoundError{Resource: "workflow run", Ref: runID}
	}

	rctx, err := contextFromCheckpoint(checkpoint)
	if err != nil {
		return nil, err
	}

	for k, v := range callbackData {
		rctx.Input[k] = v
	}
	for k, v := range checkpoint.AwaitMeta {
		if _, exists := rctx.Input[k]; !exists {
			rctx.Input[k] = v
		}
	}

	if err := e.Store.Del(ctx, runID); err != nil {
		return nil, &openactmodel.StorageError{Cause: err}
	}

	return e.execute(ctx, def, runID, checkpoint.PausedState, rctx, 0, true)
}

func (e *Engine) execute(ctx context.Context, def *Definition, runID, stateName string, rctx *Context, steps int, allowPause bool) (*Outcome, error) {
	maxSteps := def.MaxSteps
	if maxSteps <= 0 {
		maxSteps = defaultMaxSteps
	}

	for {
		if steps >= maxSteps {
			return e.fail(ctx, runID, &openactmodel.ExhaustedStepsError{MaxSteps: maxSteps})
		}
		steps++

		state, ok := def.States[stateName]
		if !ok {
			return e.fail(ctx, runID, fmt.Errorf("workflow: unknown state %q", stateName))
		}

		switch state.Type {
		case StateTask:
			outcome, next, err := e.runTask(ctx, runID, stateName, state, rctx)
			if err != nil {
				if allowPause && openactmodel.IsPauseForCallback(err) {
					return e.pause(ctx, runID, stateName, rctx, outcomeAwaitMeta(outcome))
				}
				return e.fail(ctx, runID, err)
			}
			if err := e.applyAssignOutput(state, rctx); err != nil {
				return e.fail(ctx, runID, err)
			}
			if state.End {
				return e.succeed(ctx, runID, rctx.States[stateName].Result)
			}
			stateName = next

		case StatePass:
			if err := e.applyAssignOutput(state, rctx); err != nil {
				return e.fail(ctx, runID, err)
			}
			if state.End {
				return e.succeed(ctx, runID, rctx.Vars)
			}
			stateName = state.Next

		case StateChoice:
			next, err := e.evaluateChoice(state, rctx)
			if err != nil {
				return e.fail(ctx, runID, err)
			}
			stateName = next

		case StateWait:
			d, err := e.waitDuration(state, rctx)
			if err != nil {
				return e.fail(ctx, runID, err)
			}
			select {
			case <-time.After(d):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			if state.End {
				return e.succeed(ctx, runID, rctx.Vars)
			}
			stateName = state.Next

		case StateSucceed:
			return e.succeed(ctx, runID, rctx.Vars)

		case StateFail:
			return e.failNamed(ctx, runID, state.Error, state.Cause)

		default:
			return e.fail(ctx, runID, fmt.Errorf("workflow: unknown state type %q", state.Type))
		}
	}
}

func (e *Engine) runTask(ctx context.Context, runID, stateName string, state State, rctx *Context) (map[string]any, string, error) {
	params, err := e.Mapper.ResolveMap(state.Parameters, rctx)
	if err != nil {
		return nil, "", err
	}

	// The handler sees the run's input keys overlaid by the state's resolved
	// parameters, so callback data merged in by Resume reaches it.
	handlerInput := make(map[string]any, len(rctx.Input)+len(params))
	for k, v := range rctx.Input {
		handlerInput[k] = v
	}
	for k, v := range params {
		handlerInput[k] = v
	}

	output, err := e.Handlers.Dispatch(ctx, state.Resource, stateName, handlerInput)
	if err != nil {
		return output, "", err
	}

	rctx.States[stateName] = StateResult{Result: output}
	return output, state.Next, nil
}

func (e *Engine) applyAssignOutput(state State, rctx *Context) error {
	if len(state.Assign) > 0 {
		resolved, err := e.Mapper.ResolveMap(state.Assign, rctx)
		if err != nil {
			return err
		}
		for k, v := range resolved {
			rctx.Vars[k] = v
		}
	}
	if len(state.Output) > 0 {
		resolved, err := e.Mapper.ResolveMap(state.Output, rctx)
		if err != nil {
			return err
		}
		for k, v := range resolved {
			rctx.Global[k] = v
		}
	}
	return nil
}

func (e *Engine) evaluateChoice(state State, rctx *Context) (string, error) {
	for _, rule := range state.Choices {
		matched, err := evalChoice(rule.Condition, rctx)
		if err != nil {
			return "", err
		}
		if matched {
			return rule.Next, nil
		}
	}
	if state.Default != "" {
		return state.Default, nil
	}
	return "", fmt.Errorf("workflow: choice state matched no rule and has no default")
}

func (e *Engine) waitDuration(state State, rctx *Context) (time.Duration, error) {
	if state.SecondsPath != "" {
		resolved, err := e.Mapper.Resolve(state.SecondsPath, rctx)
		if err != nil {
			return 0, err
		}
		var secs int
		if _, err := fmt.Sscanf(resolved, "%d", &secs); err != nil {
			return 0, fmt.Errorf("workflow: wait seconds_path resolved to non-integer %q", resolved)
		}
		return time.Duration(secs) * time.Second, nil
	}
	return time.Duration(state.Seconds) * time.Second, nil
}

func (e *Engine) pause(ctx context.Context, runID, stateName string, rctx *Context, awaitMeta map[string]any) (*Outcome, error) {
	snapshot, err := rctx.Clone()
	if err != nil {
		return nil, err
	}
	ctxJSON, err := contextToCheckpointFields(snapshot)
	if err != nil {
		return nil, err
	}

	checkpoint := &openactmodel.Checkpoint{
		RunID:       runID,
		PausedState: stateName,
		Context:     ctxJSON,
		AwaitMeta:   awaitMeta,
		CreatedAt:   e.now(),
	}
	if err := e.Store.Put(ctx, checkpoint); err != nil {
		return nil, &openactmodel.StorageError{Cause: err}
	}

	e.logger().Info("workflow run paused", "run_id", runID, "state", stateName)
	return &Outcome{RunID: runID, Status: RunPaused, AwaitMeta: awaitMeta}, nil
}

func (e *Engine) succeed(ctx context.Context, runID string, output any) (*Outcome, error) {
	e.storeTerminal(ctx, runID, RunSucceeded, output, "")
	e.logger().Info("workflow run succeeded", "run_id", runID)
	return &Outcome{RunID: runID, Status: RunSucceeded, Output: output}, nil
}

func (e *Engine) fail(ctx context.Context, runID string, err error) (*Outcome, error) {
	e.storeTerminal(ctx, runID, RunFailed, nil, err.Error())
	e.logger().Error("workflow run failed", "run_id", runID, "error", err)
	return &Outcome{RunID: runID, Status: RunFailed, Error: err.Error()}, nil
}

func (e *Engine) failNamed(ctx context.Context, runID, name, cause string) (*Outcome, error) {
	msg := name
	if cause != "" {
		msg = name + ": " + cause
	}
	e.storeTerminal(ctx, runID, RunFailed, nil, msg)
	e.logger().Error("workflow run failed", "run_id", runID, "error", msg)
	return &Outcome{RunID: runID, Status: RunFailed, Error: msg}, nil
}

// storeTerminal records a short-lived terminal result so a host can poll
// run status after the run finishes; swept after terminalTTL. Best-effort:
// a storage failure here does not change the Outcome already computed.
func (e *Engine) storeTerminal(ctx context.Context, runID string, status RunStatus, output any, errMsg string) {
	checkpoint := &openactmodel.Checkpoint{
		RunID:       runID,
		PausedState: "",
		AwaitMeta: map[string]any{
			"status": string(status),
			"output": output,
			"error":  errMsg,
		},
		CreatedAt: e.now(),
	}
	_ = e.Store.Put(ctx, checkpoint)
}

func outcomeAwaitMeta(output map[string]any) map[string]any {
	if output == nil {
		return map[string]any{}
	}
	return output
}

func contextToCheckpointFields(c *Context) (map[string]any, error) {
	return map[string]any{
		"input":  c.Input,
		"global": c.Global,
		"vars":   c.Vars,
		"states": c.States,
	}, nil
}

func contextFromCheckpoint(checkpoint *openactmodel.Checkpoint) (*Context, error) {
	rctx := NewContext(nil)
	if checkpoint.Context == nil {
		return rctx, nil
	}
	if v, ok := checkpoint.Context["input"].(map[string]any); ok {
		rctx.Input = v
	} else {
		rctx.Input = map[string]any{}
	}
	if v, ok := checkpoint.Context["global"].(map[string]any); ok {
		rctx.Global = v
	}
	if v, ok := checkpoint.Context["vars"].(map[string]any); ok {
		rctx.Vars = v
	}
	if v, ok := checkpoint.Context["states"].(map[string]any); ok {
		rctx.States = map[string]StateResult{}
		for name, raw := range v {
			if m, ok := raw.(map[string]any); ok {
				rctx.States[name] = StateResult{Result: m["result"]}
			}
		}
	}
	return rctx, nil
}
