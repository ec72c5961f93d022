package buildsys

import (
	"fmt"
	"sort"
	"strings"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
	starsyntax "go.starlark.net/syntax"
	"mvdan.cc/sh/v3/syntax"
)

type TaskCmdScript struct {
	TaskName string
	Content  string
	Index    int
}

func (s TaskCmdScript) ToShellStmts(parser *syntax.Parser) ([]*syntax.Stmt, error) {
	reader := strings.NewReader(s.Content)
	result, err := parser.Parse(reader, fmt.Sprintf("%s:%d", s.TaskName, s.Index))
	if err != nil {
		return nil, eris.Wrapf(err, "failed to parse command %s", s.Content)
	}

	return result.Stmts, nil
}

// TaskCmdTaskRef runs an inline task (a task object placed in another task's cmds list)
type TaskCmdTaskRef struct {
	Task *Task
}

// TaskCmdStep runs one of the Go-native steps (pipelines, bundler, dev server, ...)
type TaskCmdStep struct {
	Step *StepSpec
}

// TaskCmd is one entry of a task's cmds list. It's either a TaskCmdScript, a TaskCmdTaskRef or a TaskCmdStep.
type TaskCmd interface {
	isTaskCmd()
}

func (TaskCmdScript) isTaskCmd()  {}
func (TaskCmdTaskRef) isTaskCmd() {}
func (TaskCmdStep) isTaskCmd()    {}

// Task contains the processed values passed to task() by the task script
type Task struct {
	Env          map[string]string
	Short        string
	Desc         string
	Base         string
	Inputs       []string
	Deps         []string
	SkipIfExists []string
	Outputs      []string
	Cmds         []TaskCmd
	Hidden       bool
}

// TaskList maps short names to each relevant task
type TaskList map[string]*Task

// Names returns the sorted names of all tasks in the list
func (l TaskList) Names() []string {
	names := make([]string, 0, len(l))
	for name := range l {
		names = append(names, name)
	}

	sort.Strings(names)
	return names
}

type ScriptOption struct {
	DefaultValue starlark.String
	Help         string
}

func (o ScriptOption) Default() string {
	return o.DefaultValue.GoString()
}

// Implement starlark.Value for *Task

// String returns a string representation of the task
func (t *Task) String() string {
	return fmt.Sprintf("<Task %s: %s>", t.Short, t.Desc)
}

// Type always returns "task" to indicate this type
func (t *Task) Type() string {
	return "task"
}

// Freeze doesn't do anything since tasks are immutable anyway
func (t *Task) Freeze() {}

// Truth always returns true since a task can't be nil or None
func (t *Task) Truth() starlark.Bool {
	return starlark.True
}

// Hash always returns an error since task is not hashable
// It could be but I don't think implementing a hash over all contained values
// is worth it considering that the hash is only used by Starlake's dict type.
func (t *Task) Hash() (uint32, error) {
	return 0, eris.New("task is not a hashable type")
}

// StepSpec describes a Go-native step. It only holds plain data (strings, bools, ints, string lists and maps) so
// that parsed task lists can be written to the gob cache. The actual implementation is looked up by Kind when the
// step runs.
type StepSpec struct {
	Kind    string
	Options map[string]interface{}
	// Nested holds step lists passed as arguments (i.e. pipeline(steps=[...]) or useref(js=[...]))
	Nested map[string][]*StepSpec
}

func (s *StepSpec) String() string {
	return fmt.Sprintf("<step %s>", s.Kind)
}

// Describe returns a short human readable summary used in logs and dry runs
func (s *StepSpec) Describe() string {
	keys := make([]string, 0, len(s.Options))
	for key := range s.Options {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	parts := make([]string, 0, len(keys)+len(s.Nested))
	for _, key := range keys {
		parts = append(parts, fmt.Sprintf("%s=%v", key, s.Options[key]))
	}

	nestedKeys := make([]string, 0, len(s.Nested))
	for key := range s.Nested {
		nestedKeys = append(nestedKeys, key)
	}
	sort.Strings(nestedKeys)

	for _, key := range nestedKeys {
		kinds := make([]string, len(s.Nested[key]))
		for idx, step := range s.Nested[key] {
			kinds[idx] = step.Kind
		}
		parts = append(parts, fmt.Sprintf("%s=[%s]", key, strings.Join(kinds, " | ")))
	}

	return fmt.Sprintf("%s(%s)", s.Kind, strings.Join(parts, ", "))
}

func (s *StepSpec) Type() string {
	return "step"
}

func (s *StepSpec) Freeze() {}

func (s *StepSpec) Truth() starlark.Bool {
	return starlark.True
}

func (s *StepSpec) Hash() (uint32, error) {
	return 0, eris.New("step is not a hashable type")
}

// Str returns the string option key or def if it's missing
func (s *StepSpec) Str(key, def string) string {
	if value, ok := s.Options[key].(string); ok {
		return value
	}
	return def
}

// Bool returns the boolean option key or def if it's missing
func (s *StepSpec) Bool(key string, def bool) bool {
	if value, ok := s.Options[key].(bool); ok {
		return value
	}
	return def
}

// Int returns the integer option key or def if it's missing
func (s *StepSpec) Int(key string, def int) int {
	if value, ok := s.Options[key].(int); ok {
		return value
	}
	return def
}

// Strings returns the string list option key. A single string is returned as a list with one element.
func (s *StepSpec) Strings(key string) []string {
	switch value := s.Options[key].(type) {
	case []string:
		return value
	case string:
		return []string{value}
	}
	return nil
}

// StrMap returns the dict option key
func (s *StepSpec) StrMap(key string) map[string]string {
	if value, ok := s.Options[key].(map[string]string); ok {
		return value
	}
	return map[string]string{}
}

type StarlarkPath string

func (p StarlarkPath) String() string {
	return starlark.String(p).String()
}

func (p StarlarkPath) Type() string {
	return "path"
}

func (p StarlarkPath) Freeze() {}

func (p StarlarkPath) Truth() starlark.Bool {
	return p != ""
}

func (p StarlarkPath) Hash() (uint32, error) {
	return starlark.String(p).Hash()
}

func (p StarlarkPath) CompareSameType(op starsyntax.Token, y_ starlark.Value, depth int) (bool, error) {
	y := y_.(StarlarkPath)

	switch op {
	case starsyntax.EQL:
		return p == y, nil
	case starsyntax.NEQ:
		return p != y, nil
	case starsyntax.LT:
		return p < y, nil
	case starsyntax.LE:
		return p <= y, nil
	case starsyntax.GT:
		return p > y, nil
	case starsyntax.GE:
		return p >= y, nil
	}

	return false, eris.Errorf("unknown operator %v", op)
}

func (p StarlarkPath) Index(i int) starlark.Value {
	return starlark.String(p[i])
}

func (p StarlarkPath) Len() int {
	return len(p)
}

func (p StarlarkPath) Slice(start, end, step int) starlark.Value {
	return starlark.String(p).Slice(start, end, step)
}
