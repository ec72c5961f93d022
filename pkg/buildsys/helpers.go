package buildsys

import (
	"os"
	"path/filepath"
	"runtime"
	"sort"
	"strconv"
	"strings"

	"github.com/rotisserie/eris"
	"go.starlark.net/starlark"
)

// normalizePath joins parts starting at the directory of the task file. A part starting with "//" restarts at the
// project root, an absolute part replaces everything before it.
func normalizePath(ctx *parserCtx, parts ...string) string {
	result := filepath.Dir(ctx.filepath)

	for _, part := range parts {
		switch {
		case strings.HasPrefix(part, "//"):
			result = filepath.Join(ctx.projectRoot, part[2:])
		case filepath.IsAbs(part):
			result = part
		case strings.HasPrefix(part, "/"):
			// rooted but without a volume (Windows)
			result = filepath.Join(filepath.VolumeName(result), part)
		default:
			result = filepath.Join(result, part)
		}
	}

	return filepath.Clean(result)
}

// projectPath returns path as "//rel" if it's inside the project root
func projectPath(ctx *parserCtx, path string) string {
	absPath, err := filepath.Abs(path)
	if err != nil {
		return path
	}

	rel, err := filepath.Rel(ctx.projectRoot, absPath)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return path
	}
	return "//" + filepath.ToSlash(rel)
}

func envKey(key string) string {
	if runtime.GOOS == "windows" {
		return strings.ToUpper(key)
	}
	return key
}

// scriptEnviron is the process environment with the script's setenv() and prepend_path() changes applied
func scriptEnviron(ctx *parserCtx) []string {
	env := make(map[string]string)
	for _, item := range os.Environ() {
		key, value, found := strings.Cut(item, "=")
		if found {
			env[envKey(key)] = value
		}
	}

	for key, value := range ctx.envOverrides {
		env[envKey(key)] = value
	}

	result := make([]string, 0, len(env))
	for key, value := range env {
		result = append(result, key+"="+value)
	}
	sort.Strings(result)
	return result
}

// lookupEnv prefers values set by the script over the process environment
func lookupEnv(ctx *parserCtx, key string) (string, bool) {
	if value, ok := ctx.envOverrides[key]; ok {
		return value, true
	}
	return os.LookupEnv(key)
}

// lookupKey walks a decoded YAML or JSON document along a dotted path. List items are addressed by index.
func lookupKey(doc interface{}, path string) (interface{}, bool) {
	if path == "" {
		return doc, true
	}

	current := doc
	for _, key := range strings.Split(path, ".") {
		switch node := current.(type) {
		case map[string]interface{}:
			value, ok := node[key]
			if !ok {
				return nil, false
			}
			current = value
		case []interface{}:
			idx, err := strconv.Atoi(key)
			if err != nil || idx < 0 || idx >= len(node) {
				return nil, false
			}
			current = node[idx]
		default:
			return nil, false
		}
	}
	return current, true
}

// toStarlark converts decoded YAML and JSON values. Maps become dicts with sorted keys, lists become lists.
func toStarlark(value interface{}) (starlark.Value, error) {
	switch value := value.(type) {
	case nil:
		return starlark.None, nil
	case string:
		return starlark.String(value), nil
	case bool:
		return starlark.Bool(value), nil
	case int:
		return starlark.MakeInt(value), nil
	case int64:
		return starlark.MakeInt64(value), nil
	case uint64:
		return starlark.MakeUint64(value), nil
	case float64:
		if value == float64(int64(value)) {
			// JSON numbers are always floats
			return starlark.MakeInt64(int64(value)), nil
		}
		return starlark.Float(value), nil
	case []string:
		items := make([]starlark.Value, len(value))
		for idx, item := range value {
			items[idx] = starlark.String(item)
		}
		return starlark.NewList(items), nil
	case []interface{}:
		items := make([]starlark.Value, len(value))
		for idx, item := range value {
			converted, err := toStarlark(item)
			if err != nil {
				return nil, err
			}
			items[idx] = converted
		}
		return starlark.NewList(items), nil
	case map[string]interface{}:
		keys := make([]string, 0, len(value))
		for key := range value {
			keys = append(keys, key)
		}
		sort.Strings(keys)

		dict := starlark.NewDict(len(value))
		for _, key := range keys {
			converted, err := toStarlark(value[key])
			if err != nil {
				return nil, eris.Wrapf(err, "in key %s", key)
			}
			if err = dict.SetKey(starlark.String(key), converted); err != nil {
				return nil, err
			}
		}
		return dict, nil
	}

	return nil, eris.Errorf("can't convert values of type %T", value)
}
