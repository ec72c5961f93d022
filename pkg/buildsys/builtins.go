package buildsys

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"go.starlark.net/starlark"
	"gopkg.in/yaml.v3"
	"mvdan.cc/sh/v3/expand"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"
)

// pathArg accepts both strings and values returned by resolve_path()
func pathArg(value starlark.Value) (string, error) {
	switch value := value.(type) {
	case starlark.String:
		return value.GoString(), nil
	case StarlarkPath:
		return string(value), nil
	}
	return "", eris.Errorf("got %s, want string or path", value.Type())
}

// resolve_path(*parts, base=None) joins parts relative to the task file and returns a path. With base, the
// result is made relative to that directory.
func resolvePath(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var base starlark.Value = starlark.None
	if err := starlark.UnpackArgs(fn.Name(), nil, kwargs, "base?", &base); err != nil {
		return nil, err
	}

	if len(args) == 0 {
		return nil, eris.Errorf("%s: expected at least one path", fn.Name())
	}

	ctx := getCtx(thread)
	parts := make([]string, len(args))
	for idx, arg := range args {
		part, err := pathArg(arg)
		if err != nil {
			return nil, eris.Wrapf(err, "%s: argument %d", fn.Name(), idx+1)
		}
		parts[idx] = part
	}

	result := normalizePath(ctx, parts...)
	if base != starlark.None {
		basePath, err := pathArg(base)
		if err != nil {
			return nil, eris.Wrapf(err, "%s: base", fn.Name())
		}

		rel, err := filepath.Rel(normalizePath(ctx, basePath), result)
		if err != nil {
			return nil, eris.Wrapf(err, "%s: %s is not relative to %s", fn.Name(), result, basePath)
		}
		result = rel
	}

	return StarlarkPath(result), nil
}

// logBuiltin returns info() or warn(). Messages are prefixed with the calling script position.
func logBuiltin(level zerolog.Level) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var message string
		if err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &message); err != nil {
			return nil, err
		}

		scriptLog(thread, level, message)
		return starlark.None, nil
	}
}

// error(message) aborts the script
func starError(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var message string
	if err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &message); err != nil {
		return nil, err
	}

	return nil, eris.New(message)
}

// getenv(key, default="") sees variables changed by setenv() and prepend_path()
func getenv(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key, def string
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "key", &key, "default?", &def); err != nil {
		return nil, err
	}

	value, ok := lookupEnv(getCtx(thread), key)
	if !ok {
		value = def
	}
	return starlark.String(value), nil
}

// setenv(key, value) sets a variable for every task and for execute()
func setenv(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var key, value string
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "key", &key, "value", &value); err != nil {
		return nil, err
	}

	getCtx(thread).envOverrides[key] = value
	return starlark.None, nil
}

// prepend_path(dir) puts dir in front of PATH and returns the new value
func prependPath(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var dir starlark.Value
	if err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &dir); err != nil {
		return nil, err
	}

	dirPath, err := pathArg(dir)
	if err != nil {
		return nil, eris.Wrap(err, fn.Name())
	}

	ctx := getCtx(thread)
	path, _ := lookupEnv(ctx, "PATH")
	path = normalizePath(ctx, dirPath) + string(os.PathListSeparator) + path
	ctx.envOverrides["PATH"] = path

	return starlark.String(path), nil
}

// read_yaml(file, key="", default=None) returns the value at the dotted key or the whole document. Missing keys
// return default. Parsed files are kept for the rest of the script run.
func readYaml(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var file, key string
	var def starlark.Value = starlark.None
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "file", &file, "key?", &key, "default?", &def); err != nil {
		return nil, err
	}

	ctx := getCtx(thread)
	file = normalizePath(ctx, file)

	doc, loaded := ctx.yamlCache[file]
	if !loaded {
		content, err := os.ReadFile(file)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to read %s", projectPath(ctx, file))
		}

		if err = yaml.Unmarshal(content, &doc); err != nil {
			return nil, eris.Wrapf(err, "failed to parse %s", projectPath(ctx, file))
		}
		ctx.yamlCache[file] = doc
	}

	value, found := lookupKey(doc, key)
	if !found {
		return def, nil
	}
	return toStarlark(value)
}

// statBuiltin returns isdir() or isfile()
func statBuiltin(check func(os.FileInfo) bool) func(*starlark.Thread, *starlark.Builtin, starlark.Tuple, []starlark.Tuple) (starlark.Value, error) {
	return func(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
		var target starlark.Value
		if err := starlark.UnpackPositionalArgs(fn.Name(), args, kwargs, 1, &target); err != nil {
			return nil, err
		}

		path, err := pathArg(target)
		if err != nil {
			return nil, eris.Wrap(err, fn.Name())
		}

		info, err := os.Stat(normalizePath(getCtx(thread), path))
		return starlark.Bool(err == nil && check(info)), nil
	}
}

var executeFormats = map[string]bool{"text": true, "lines": true, "json": true}

// execute(command, format="text", show_error=True) runs a shell command in the task file's directory while the
// script is evaluated. The output is returned as a string, a list of lines or decoded JSON. A failing command
// returns False.
func starExec(thread *starlark.Thread, fn *starlark.Builtin, args starlark.Tuple, kwargs []starlark.Tuple) (starlark.Value, error) {
	var command starlark.Value
	format := "text"
	showError := true
	if err := starlark.UnpackArgs(fn.Name(), args, kwargs, "command", &command, "format?", &format, "show_error?", &showError); err != nil {
		return nil, err
	}

	if !executeFormats[format] {
		return nil, eris.Errorf("%s: unsupported format %s", fn.Name(), format)
	}

	ctx := getCtx(thread)
	base := filepath.Dir(ctx.filepath)
	parser := syntax.NewParser()

	var stmts []*syntax.Stmt
	switch command := command.(type) {
	case starlark.String:
		var err error
		stmts, err = TaskCmdScript{TaskName: fn.Name(), Content: command.GoString()}.ToShellStmts(parser)
		if err != nil {
			return nil, err
		}
	case starlark.Tuple:
		call, err := processCmdParts(command, parser, base)
		if err != nil {
			return nil, err
		}
		stmts = []*syntax.Stmt{{Cmd: call}}
	default:
		return nil, eris.Errorf("%s: got %s, want string or tuple", fn.Name(), command.Type())
	}

	var stdout, stderr strings.Builder
	runner, err := interp.New(
		interp.Dir(base),
		interp.Env(expand.ListEnviron(scriptEnviron(ctx)...)),
		interp.ExecHandler(execHandler),
		interp.OpenHandler(openHandler),
		interp.StdIO(nil, &stdout, &stderr),
		interp.Params("-e"),
	)
	if err != nil {
		return nil, eris.Wrap(err, "failed to initialize runner")
	}

	for _, stmt := range stmts {
		if err = runner.Run(ctx.ctx, stmt); err != nil {
			if showError {
				scriptLog(thread, zerolog.ErrorLevel, "command failed: "+strings.TrimSpace(stderr.String()))
			}
			return starlark.False, nil
		}
	}

	output := stdout.String()
	switch format {
	case "lines":
		lines := strings.Split(strings.TrimRight(output, "\n"), "\n")
		if output == "" {
			lines = nil
		}
		return toStarlark(lines)
	case "json":
		var decoded interface{}
		if err = json.Unmarshal([]byte(output), &decoded); err != nil {
			return nil, eris.Wrap(err, "failed to parse command output")
		}
		return toStarlark(decoded)
	}
	return starlark.String(output), nil
}
