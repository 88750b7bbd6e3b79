package workflow

import (
	"context"
	"testing"

	"github.com/GoCodeAlone/openact/openactmodel"
)

type fakeDispatcher struct {
	calls   int
	pauseOn string
}

func (f *fakeDispatcher) Dispatch(ctx context.Context, resource, stateName string, input map[string]any) (map[string]any, error) {
	f.calls++
	switch resource {
	case "test.echo":
		return map[string]any{"echoed": input["value"]}, nil
	case "test.await":
		if code, ok := input["code"]; ok {
			return map[string]any{"code": code}, nil
		}
		return map[string]any{"expected_state": "xyz"}, openactmodel.ErrPauseForCallback
	}
	return nil, nil
}

func TestRunSimpleTaskToSucceed(t *testing.T) {
	def := &Definition{
		StartAt: "echo",
		States: map[string]State{
			"echo": {
				Type:       StateTask,
				Resource:   "test.echo",
				Parameters: map[string]any{"value": "{{ .input.name }}"},
				Assign:     map[string]any{"got": "{{ .states.echo.result.echoed }}"},
				End:        true,
			},
		},
	}

	dispatcher := &fakeDispatcher{}
	engine := NewEngine(dispatcher)
	out, err := engine.Run(context.Background(), def, map[string]any{"name": "alice"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != RunSucceeded {
		t.Fatalf("status = %v, want succeeded", out.Status)
	}
}

func TestRunChoiceState(t *testing.T) {
	def := &Definition{
		StartAt: "decide",
		States: map[string]State{
			"decide": {
				Type: StateChoice,
				Choices: []ChoiceRule{
					{Condition: `.input.n > 5`, Next: "big"},
				},
				Default: "small",
			},
			"big":   {Type: StateSucceed},
			"small": {Type: StateFail, Error: "TooSmall"},
		},
	}

	engine := NewEngine(&fakeDispatcher{})
	out, err := engine.Run(context.Background(), def, map[string]any{"n": 10})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != RunSucceeded {
		t.Fatalf("status = %v, want succeeded", out.Status)
	}

	out2, err := engine.Run(context.Background(), def, map[string]any{"n": 1})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out2.Status != RunFailed {
		t.Fatalf("status = %v, want failed", out2.Status)
	}
}

func TestPauseAndResume(t *testing.T) {
	def := &Definition{
		StartAt: "await",
		States: map[string]State{
			"await": {
				Type:     StateTask,
				Resource: "test.await",
				End:      true,
			},
		},
	}

	dispatcher := &fakeDispatcher{}
	engine := NewEngine(dispatcher)

	out, err := engine.Run(context.Background(), def, map[string]any{})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if out.Status != RunPaused {
		t.Fatalf("status = %v, want paused", out.Status)
	}
	if out.AwaitMeta["expected_state"] != "xyz" {
		t.Fatalf("AwaitMeta = %v", out.AwaitMeta)
	}

	resumed, err := engine.Resume(context.Background(), def, out.RunID, map[string]any{"code": "abc123"})
	if err != nil {
		t.Fatalf("Resume: %v", err)
	}
	if resumed.Status != RunSucceeded {
		t.Fatalf("resumed status = %v, want succeeded", resumed.Status)
	}
}

func TestResumeUnknownRunIDNotFound(t *testing.T) {
	def := &Definition{StartAt: "x", States: map[string]State{"x": {Type: StateSucceed}}}
	engine := NewEngine(&fakeDispatcher{})
	_, err := engine.Resume(context.Background(), def, "does-not-exist", nil)
	if _, ok := err.(*openactmodel.NotFoundError); !ok {
		t.Fatalf("err = %T, want *openactmodel.NotFoundError", err)
	}
}

func TestRunFlowDoesNotPauseOnSentinel(t *testing.T) {
	def := &Definition{
		StartAt: "await",
		States: map[string]State{
			"await": {
				Type:     StateTask,
				Resource: "test.await",
				End:      true,
			},
		},
	}

	dispatcher := &fakeDispatcher{}
	engine := NewEngine(dispatcher)

	out, err := engine.RunFlow(context.Background(), def, map[string]any{})
	if err != nil {
		t.Fatalf("RunFlow: %v", err)
	}
	if out.Status != RunFailed {
		t.Fatalf("status = %v, want failed (PAUSE_FOR_CALLBACK must not leak from run_flow as a pause)", out.Status)
	}
}
