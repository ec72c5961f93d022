package buildsys

import (
	"strings"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
)

type stepParams struct {
	// names lists the accepted parameters in positional order. Names ending with "?" are optional.
	names []string
	// nested lists the parameters which accept a step or a list of steps
	nested []string
}

var stepTypes = map[string]stepParams{
	// commands
	"pipeline":     {names: []string{"src", "dest?", "steps?", "base?", "title?"}, nested: []string{"steps"}},
	"bundle":       {names: []string{"config", "dev?", "minify?", "scratch?"}},
	"serve":        {names: []string{"port?", "proxy?", "static?", "mounts?", "index?", "livereload?", "bundle?"}},
	"livereload":   {names: []string{"port?"}},
	"watch":        {names: []string{"patterns", "tasks?", "reload?", "port?"}},
	"run_server":   {names: []string{"cmd", "watch?", "env?"}},
	"open_browser": {names: []string{"url"}},
	"clean":        {names: []string{"paths", "cache?"}},

	// transforms, only valid inside pipeline()
	"lint":          {names: []string{"fail?"}},
	"shell_filter":  {names: []string{"cmd", "ext?"}},
	"autoprefix":    {names: []string{"browsers"}},
	"minify_css":    {},
	"minify_js":     {},
	"minify_html":   {names: []string{"conditionals?", "loose?"}},
	"replace":       {names: []string{"pattern", "repl"}},
	"filter":        {names: []string{"patterns"}},
	"flatten":       {},
	"handlebars":    {},
	"define_module": {names: []string{"kind", "requires?"}},
	"images":        {names: []string{"progressive?", "interlaced?"}},
	"cached":        {names: []string{"step", "name?"}, nested: []string{"step"}},
	"useref":        {names: []string{"search_path?", "js?", "css?"}, nested: []string{"js", "css"}},
	"when":          {names: []string{"glob", "step"}, nested: []string{"step"}},
	"changed":       {names: []string{"dest", "ext?"}},
	"size":          {names: []string{"title?", "gzip?"}},
}

var transformKinds = map[string]bool{
	"lint": true, "shell_filter": true, "autoprefix": true, "minify_css": true, "minify_js": true,
	"minify_html": true, "replace": true, "filter": true, "flatten": true, "handlebars": true,
	"define_module": true, "images": true, "cached": true, "useref": true, "when": true, "changed": true,
	"size": true,
}

func stepBuiltins() starlark.StringDict {
	result := make(starlark.StringDict, len(stepTypes))
	for name := range stepTypes {
		result[name] = starlark.NewBuiltin(name, makeStep)
	}
	return result
}

func makeStep(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	params := stepTypes[fn.Name()]
	spec := &StepSpec{
		Kind:    fn.Name(),
		Options: make(map[string]interface{}),
		Nested:  make(map[string][]*StepSpec),
	}

	values := make(map[string]starlark.Value, len(args)+len(kwargs))
	if len(args) > len(params.names) {
		return nil, eris.Errorf("%s: got %d positional arguments, want at most %d", fn.Name(), len(args), len(params.names))
	}

	for idx, arg := range args {
		values[strings.TrimSuffix(params.names[idx], "?")] = arg
	}

	for _, kv := range kwargs {
		key := string(kv[0].(starlark.String))
		known := false
		for _, name := range params.names {
			if strings.TrimSuffix(name, "?") == key {
				known = true
				break
			}
		}

		if !known {
			return nil, eris.Errorf("%s: unexpected keyword argument %s", fn.Name(), key)
		}

		if _, present := values[key]; present {
			return nil, eris.Errorf("%s: got multiple values for argument %s", fn.Name(), key)
		}
		values[key] = kv[1]
	}

	for _, name := range params.names {
		if !strings.HasSuffix(name, "?") {
			if _, present := values[name]; !present {
				return nil, eris.Errorf("%s: missing argument for %s", fn.Name(), name)
			}
		}
	}

	for key, value := range values {
		if value == starlark.None {
			continue
		}

		isNested := false
		for _, name := range params.nested {
			if name == key {
				isNested = true
				break
			}
		}

		if isNested {
			steps, err := starlarkToSteps(value)
			if err != nil {
				return nil, eris.Wrapf(err, "%s: invalid value for %s", fn.Name(), key)
			}
			spec.Nested[key] = steps
			continue
		}

		converted, err := starlarkToGo(value)
		if err != nil {
			return nil, eris.Wrapf(err, "%s: invalid value for %s", fn.Name(), key)
		}
		spec.Options[key] = converted
	}

	if fn.Name() == "pipeline" {
		for _, step := range spec.Nested["steps"] {
			if !transformKinds[step.Kind] {
				return nil, eris.Errorf("%s: %s can't be used as a pipeline step", fn.Name(), step.Kind)
			}
		}
	}

	return spec, nil
}

func starlarkToSteps(value starlark.Value) ([]*StepSpec, error) {
	switch value := value.(type) {
	case *StepSpec:
		return []*StepSpec{value}, nil
	case starlark.Iterable:
		result := make([]*StepSpec, 0)
		iter := value.Iterate()
		defer iter.Done()

		var item starlark.Value
		for iter.Next(&item) {
			step, ok := item.(*StepSpec)
			if !ok {
				return nil, eris.Errorf("expected a step but found %s", item.Type())
			}

			if !transformKinds[step.Kind] {
				return nil, eris.Errorf("%s is not a transform", step.Kind)
			}
			result = append(result, step)
		}
		return result, nil
	}

	return nil, eris.Errorf("expected a step or a list of steps but found %s", value.Type())
}

// starlarkToGo converts the values accepted as step options into plain Go values
func starlarkToGo(value starlark.Value) (interface{}, error) {
	switch value := value.(type) {
	case starlark.String:
		return value.GoString(), nil
	case StarlarkPath:
		return string(value), nil
	case starlark.Bool:
		return bool(value), nil
	case starlark.Int:
		result, ok := value.Int64()
		if !ok {
			return nil, eris.Errorf("integer %s is out of range", value.String())
		}
		return int(result), nil
	case *starlark.Dict:
		result := make(map[string]string, value.Len())
		for _, item := range value.Items() {
			key, err := starlarkToGo(item[0])
			if err != nil {
				return nil, err
			}
			val, err := starlarkToGo(item[1])
			if err != nil {
				return nil, err
			}

			keyStr, ok := key.(string)
			valStr, ok2 := val.(string)
			if !ok || !ok2 {
				return nil, eris.Errorf("only string keys and values are supported in dicts but found %s", item.String())
			}
			result[keyStr] = valStr
		}
		return result, nil
	case starlark.Iterable:
		result := make([]string, 0)
		iter := value.Iterate()
		defer iter.Done()

		var item starlark.Value
		for iter.Next(&item) {
			converted, err := starlarkToGo(item)
			if err != nil {
				return nil, err
			}

			str, ok := converted.(string)
			if !ok {
				return nil, eris.Errorf("expected a list of strings but found an item of type %s", item.Type())
			}
			result = append(result, str)
		}
		return result, nil
	}

	return nil, eris.Errorf("unsupported value type %s", value.Type())
}
