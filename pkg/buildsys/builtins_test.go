package buildsys

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.starlark.net/starlark"
)

func newScriptThread(root string) *starlark.Thread {
	thread := &starlark.Thread{Name: "test"}
	thread.SetLocal("parserCtx", &parserCtx{
		ctx:          testContext(),
		filepath:     filepath.Join(root, "tasks.star"),
		projectRoot:  root,
		envOverrides: make(map[string]string),
		yamlCache:    make(map[string]interface{}),
	})
	return thread
}

func TestResolvePath(t *testing.T) {
	root := t.TempDir()
	thread := newScriptThread(root)
	builtin := starlark.NewBuiltin("resolve_path", resolvePath)

	value, err := starlark.Call(thread, builtin, starlark.Tuple{starlark.String("app"), starlark.String("index.html")}, nil)
	require.NoError(t, err)
	assert.Equal(t, StarlarkPath(filepath.Join(root, "app", "index.html")), value)

	value, err = starlark.Call(thread, builtin, starlark.Tuple{starlark.String("//dist"), starlark.String("../app")}, nil)
	require.NoError(t, err)
	assert.Equal(t, StarlarkPath(filepath.Join(root, "app")), value)

	value, err = starlark.Call(thread, builtin, starlark.Tuple{starlark.String("//app/scripts/main.js")}, []starlark.Tuple{
		{starlark.String("base"), StarlarkPath(filepath.Join(root, "app"))},
	})
	require.NoError(t, err)
	assert.Equal(t, StarlarkPath(filepath.Join("scripts", "main.js")), value)

	_, err = starlark.Call(thread, builtin, starlark.Tuple{starlark.MakeInt(1)}, nil)
	require.Error(t, err)

	_, err = starlark.Call(thread, builtin, starlark.Tuple{}, nil)
	require.Error(t, err)
}

func TestScriptBuiltins(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "vendor.yml"), `
dir: vendor
deps:
  jquery:
    url: https://example.com/jquery.js
list:
  - first
  - second
`)
	writeFile(t, filepath.Join(root, "config.toml"), "production = true\n")
	require.NoError(t, os.Mkdir(filepath.Join(root, "app"), 0o770))

	tasks := parseScript(t, root, `
setenv("WEBPIPE_TEST_FLAG", "on")
path = prepend_path("node_modules/.bin")
vendor = read_yaml("vendor.yml", "dir", "bower_components")
missing = read_yaml("vendor.yml", "nothing.here", "fallback")
second = read_yaml("vendor.yml", "list.1")
deps = read_yaml("vendor.yml", "deps")
out = execute("echo hello")
lines = execute("echo a; echo b", format = "lines")
decoded = execute("echo '{\"count\": 2, \"names\": [\"x\", \"y\"]}'", format = "json")
failed = execute("exit 3", show_error = False)

def configure():
    task(short = "out", env = {
        "flag": getenv("WEBPIPE_TEST_FLAG"),
        "unset": getenv("WEBPIPE_TEST_UNSET", "default"),
        "path": path,
        "vendor": vendor,
        "missing": missing,
        "second": second,
        "jquery": deps["jquery"]["url"],
        "out": out,
        "lines": ",".join(lines),
        "count": str(decoded["count"]),
        "names": ",".join(decoded["names"]),
        "failed": str(failed),
        "isdir": str(isdir("app")) + str(isdir("config.toml")),
        "isfile": str(isfile("config.toml")) + str(isfile("app")) + str(isfile("missing.txt")),
    })
`)

	env := tasks["out"].Env
	assert.Equal(t, "on", env["flag"])
	assert.Equal(t, "default", env["unset"])
	assert.True(t, strings.HasPrefix(env["path"], filepath.Join(root, "node_modules", ".bin")+string(os.PathListSeparator)))
	assert.Equal(t, "vendor", env["vendor"])
	assert.Equal(t, "fallback", env["missing"])
	assert.Equal(t, "second", env["second"])
	assert.Equal(t, "https://example.com/jquery.js", env["jquery"])
	assert.Equal(t, "hello\n", env["out"])
	assert.Equal(t, "a,b", env["lines"])
	assert.Equal(t, "2", env["count"])
	assert.Equal(t, "x,y", env["names"])
	assert.Equal(t, "False", env["failed"])
	assert.Equal(t, "TrueFalse", env["isdir"])
	assert.Equal(t, "TrueFalseFalse", env["isfile"])

	// setenv() and prepend_path() apply to every task
	assert.Equal(t, "on", env["WEBPIPE_TEST_FLAG"])
	assert.Equal(t, env["path"], env["PATH"])
}

func TestScriptLogging(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "tasks.star")
	writeFile(t, path, `
info("using lessc")

def configure():
    warn("no tasks yet")
`)

	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	_, err := Parse(WithLogger(testContext(), &logger), path, root, map[string]string{})
	require.NoError(t, err)

	output := buf.String()
	assert.Contains(t, output, `"level":"info"`)
	assert.Contains(t, output, "//tasks.star:2:")
	assert.Contains(t, output, "using lessc")
	assert.Contains(t, output, `"level":"warn"`)
	assert.Contains(t, output, "no tasks yet")
}

func TestScriptError(t *testing.T) {
	root := t.TempDir()
	path := filepath.Join(root, "tasks.star")
	writeFile(t, path, `
lessc = option("lessc", "")

def configure():
    if lessc == "":
        error("lessc must be set")
`)

	_, err := Parse(testContext(), path, root, map[string]string{})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "lessc must be set")

	_, err = Parse(testContext(), path, root, map[string]string{"lessc": "lessc"})
	require.NoError(t, err)
}
