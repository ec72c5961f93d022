package bundler

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeProject(t *testing.T) string {
	t.Helper()

	root := t.TempDir()
	files := map[string]string{
		"bundle.yml": `entry_points:
  - app/scripts/main.js
outdir: dist/app/scripts
public_path: /scripts
node_paths:
  - .tmp/scripts
loaders:
  .hbs: text
define:
  DEBUG: "false"
`,
		"app/scripts/main.js":             "import greet from './greet';\nimport tpl from 'templates/hello';\nconsole.log(greet('world'), tpl);\n",
		"app/scripts/greet.js":            "export default function greet(name) { return 'Hello ' + name; }\n",
		".tmp/scripts/templates/hello.js": "module.exports = '<p>hi</p>';\n",
	}

	for name, content := range files {
		target := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(target), 0o770))
		require.NoError(t, os.WriteFile(target, []byte(content), 0o660))
	}
	return root
}

func TestLoadConfig(t *testing.T) {
	root := writeProject(t)

	cfg, err := LoadConfig(filepath.Join(root, "bundle.yml"))
	require.NoError(t, err)
	assert.Equal(t, root, cfg.Root)
	assert.Equal(t, []string{"app/scripts/main.js"}, cfg.EntryPoints)
	assert.Equal(t, filepath.Join(root, "dist", "app", "scripts"), cfg.OutputPath())
	assert.Equal(t, "text", cfg.Loaders[".hbs"])

	opts, err := cfg.BuildOptions()
	require.NoError(t, err)
	assert.True(t, opts.Bundle)
	assert.False(t, opts.Write)
	assert.Equal(t, []string{filepath.Join(root, "app", "scripts", "main.js")}, opts.EntryPoints)

	cfg.Format = "umd"
	_, err = cfg.BuildOptions()
	require.Error(t, err)

	_, err = LoadConfig(filepath.Join(root, "missing.yml"))
	require.Error(t, err)
}

func TestCloneIsDeep(t *testing.T) {
	base := &Config{
		EntryPoints: []string{"a.js"},
		Outdir:      "dist",
		Define:      map[string]string{"DEBUG": "false"},
	}

	clone := base.Clone()
	clone.EntryPoints[0] = "b.js"
	clone.Define["DEBUG"] = "true"
	clone.Outdir = ".tmp"

	assert.Equal(t, "a.js", base.EntryPoints[0])
	assert.Equal(t, "false", base.Define["DEBUG"])
	assert.Equal(t, "dist", base.Outdir)
}

func TestDevCompilerMemoizes(t *testing.T) {
	base := &Config{EntryPoints: []string{"main.js"}, Outdir: "dist/scripts"}

	calls := 0
	var seen *Config
	dev := NewDevCompiler(base, ".tmp/scripts", func(cfg *Config) (*Compiler, error) {
		calls++
		seen = cfg
		return &Compiler{cfg: cfg}, nil
	})

	first, err := dev.Get()
	require.NoError(t, err)
	second, err := dev.Get()
	require.NoError(t, err)

	assert.Same(t, first, second)
	assert.Equal(t, 1, calls)

	assert.True(t, seen.Sourcemap)
	assert.True(t, seen.Debug)
	assert.True(t, seen.Watch)
	assert.Equal(t, ".tmp/scripts", seen.Outdir)

	assert.False(t, base.Sourcemap)
	assert.False(t, base.Watch)
	assert.Equal(t, "dist/scripts", base.Outdir)
}

func TestDevCompilerDoesNotCacheErrors(t *testing.T) {
	calls := 0
	dev := NewDevCompiler(&Config{}, ".tmp/scripts", func(cfg *Config) (*Compiler, error) {
		calls++
		if calls == 1 {
			return nil, eris.New("broken config")
		}
		return &Compiler{cfg: cfg}, nil
	})

	_, err := dev.Get()
	require.Error(t, err)

	compiler, err := dev.Get()
	require.NoError(t, err)
	assert.NotNil(t, compiler)
	assert.Equal(t, 2, calls)
}

func TestCompilerBuildsAndServes(t *testing.T) {
	root := writeProject(t)
	cfg, err := LoadConfig(filepath.Join(root, "bundle.yml"))
	require.NoError(t, err)

	compiler, err := New(DevConfig(cfg, ".tmp/scripts"), zerolog.Nop())
	require.NoError(t, err)
	defer compiler.Dispose()

	require.NoError(t, compiler.Rebuild())
	assert.Equal(t, 1, compiler.Builds())

	bundle, ok := compiler.Output("main.js")
	require.True(t, ok)
	assert.Contains(t, string(bundle), "Hello ")
	assert.Contains(t, string(bundle), "<p>hi</p>")
	assert.FileExists(t, filepath.Join(root, ".tmp", "scripts", "main.js"))
	assert.FileExists(t, filepath.Join(root, ".tmp", "scripts", "main.js.map"))

	fallback := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	handler := compiler.Handler(fallback)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/scripts/main.js", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Header().Get("Content-Type"), "javascript")
	assert.Equal(t, string(bundle), rec.Body.String())

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/scripts/other.js", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)

	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/index.html", nil))
	assert.Equal(t, http.StatusTeapot, rec.Code)
}

func TestBuildReportsErrors(t *testing.T) {
	root := writeProject(t)
	require.NoError(t, os.WriteFile(filepath.Join(root, "app", "scripts", "main.js"), []byte("import x from './missing';\n"), 0o660))

	cfg, err := LoadConfig(filepath.Join(root, "bundle.yml"))
	require.NoError(t, err)

	err = Build(cfg, zerolog.Nop())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing")
	assert.NoFileExists(t, filepath.Join(root, "dist", "app", "scripts", "main.js"))
}

func TestProductionBuild(t *testing.T) {
	root := writeProject(t)
	cfg, err := LoadConfig(filepath.Join(root, "bundle.yml"))
	require.NoError(t, err)

	require.NoError(t, Build(cfg, zerolog.Nop()))
	assert.FileExists(t, filepath.Join(root, "dist", "app", "scripts", "main.js"))
	assert.NoFileExists(t, filepath.Join(root, "dist", "app", "scripts", "main.js.map"))
	assert.False(t, cfg.Minify)
}
