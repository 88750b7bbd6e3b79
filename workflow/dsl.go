// Package workflow implements the declarative state-machine engine that
// drives the authorization-code flow's pause/resume lifecycle, and any
// other multi-step sequence a host wants to express the same way.
//
// A Definition is a named set of States reachable from StartAt. Only six
// state types are supported — task, pass, choice, wait, succeed, fail —
// deliberately excluding the map/parallel states a general-purpose
// state-language would have, since nothing in this runtime's domain needs
// fan-out.
package workflow

// StateType is the closed set of state kinds a Definition may use.
type StateType string

const (
	StateTask    StateType = "task"
	StatePass    StateType = "pass"
	StateChoice  StateType = "choice"
	StateWait    StateType = "wait"
	StateSucceed StateType = "succeed"
	StateFail    StateType = "fail"
)

// Definition is a parsed workflow document. It is typically
// loaded from YAML or JSON via gopkg.in/yaml.v3, matching how Connection
// and Action documents are loaded by package store.
type Definition struct {
	Name     string           `json:"name" yaml:"name"`
	StartAt  string           `json:"start_at" yaml:"start_at"`
	States   map[string]State `json:"states" yaml:"states"`
	MaxSteps int              `json:"max_steps,omitempty" yaml:"max_steps,omitempty"`
}

// ChoiceRule is one branch of a choice state: if Condition (a jq boolean
// expression) evaluates truthy against the run context, execution
// continues at Next.
type ChoiceRule struct {
	Condition string `json:"condition" yaml:"condition"`
	Next      string `json:"next" yaml:"next"`
}

// State is a single node of a Definition. Only the fields relevant to
// Type are populated; unused fields are left zero.
type State struct {
	Type StateType `json:"type" yaml:"type"`

	// task
	Resource   string         `json:"resource,omitempty" yaml:"resource,omitempty"`
	Parameters map[string]any `json:"parameters,omitempty" yaml:"parameters,omitempty"`

	// task, pass: applied to the run context after the state completes.
	Assign map[string]any `json:"assign,omitempty" yaml:"assign,omitempty"`
	Output map[string]any `json:"output,omitempty" yaml:"output,omitempty"`

	// choice
	Choices []ChoiceRule `json:"choices,omitempty" yaml:"choices,omitempty"`
	Default string       `json:"default,omitempty" yaml:"default,omitempty"`

	// wait
	SecondsPath string `json:"seconds_path,omitempty" yaml:"seconds_path,omitempty"`
	Seconds     int    `json:"seconds,omitempty" yaml:"seconds,omitempty"`

	// fail
	Error string `json:"error,omitempty" yaml:"error,omitempty"`
	Cause string `json:"cause,omitempty" yaml:"cause,omitempty"`

	// task, pass, wait: where to go next. Ignored for choice/succeed/fail.
	Next string `json:"next,omitempty" yaml:"next,omitempty"`
	End  bool   `json:"end,omitempty" yaml:"end,omitempty"`
}

// StateResult is what a completed state leaves behind under
// Context.States[name], readable by later mapping expressions as
// {{ .states.<name>.result.<field> }}.
type StateResult struct {
	Result any `json:"result"`
}

// Context is the run's working memory: the input it started with (into
// which Resume merges callback data), a global scratchpad that a state's
// output block writes to, per-run vars that its assign block writes to, and
// the result of every state that has completed so far.
type Context struct {
	Input  map[string]any         `json:"input"`
	Global map[string]any         `json:"global"`
	Vars   map[string]any         `json:"vars"`
	States map[string]StateResult `json:"states"`
}

// NewContext builds a Context seeded with input; all other slots start
// empty.
func NewContext(input map[string]any) *Context {
	return &Context{
		Input:  input,
		Global: map[string]any{},
		Vars:   map[string]any{},
		States: map[string]StateResult{},
	}
}

// Clone deep-copies a Context through a JSON round trip, used before
// checkpointing so a later in-place mutation of the live context can never
// corrupt a persisted one.
func (c *Context) Clone() (*Context, error) {
	return cloneContext(c)
}
