package stream

import (
	"context"
	"os"
	"path/filepath"
	"sort"
	"testing"
	"time"

	"github.com/rotisserie/eris"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFiles(t *testing.T, root string, files map[string]string) {
	t.Helper()

	for name, content := range files {
		target := filepath.Join(root, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(target), 0o770))
		require.NoError(t, os.WriteFile(target, []byte(content), 0o660))
	}
}

func relatives(files []*File) []string {
	result := make([]string, len(files))
	for idx, file := range files {
		result[idx] = file.Relative()
	}
	sort.Strings(result)
	return result
}

func memFile(rel, content string) *File {
	return NewFile("/src", filepath.Join("/src", filepath.FromSlash(rel)), []byte(content))
}

func TestSrcBaseAndExcludes(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"app/index.html":               "<p>hi</p>",
		"app/scripts/main.js":          "var a = 1;",
		"app/scripts/views/view.js":    "var b = 2;",
		"app/scripts/vendor/ignore.js": "var c = 3;",
	})

	files, err := Src(root, []string{"app/scripts/**/*.js", "!app/scripts/vendor/**"}, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"main.js", "views/view.js"}, relatives(files))

	files, err = Src(root, []string{"app/index.html"}, "")
	require.NoError(t, err)
	require.Len(t, files, 1)
	assert.Equal(t, "index.html", files[0].Relative())
	assert.Equal(t, "<p>hi</p>", string(files[0].Contents))

	files, err = Src(root, []string{"app/scripts/**/*.js"}, "app")
	require.NoError(t, err)
	assert.Contains(t, relatives(files), "scripts/main.js")

	files, err = Src(root, []string{"app/**/*.coffee"}, "")
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestPipelineWritesNothingOnFailure(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"app/a.txt": "a",
		"app/b.txt": "b",
	})

	failing := TransformFunc(func(ctx context.Context, files []*File) ([]*File, error) {
		return nil, eris.New("broken")
	})

	_, err := Pipeline{
		Cwd:        root,
		Src:        []string{"app/*.txt"},
		Dest:       "dist",
		Transforms: []Transform{Filter([]string{"*.txt"}), failing},
	}.Run(context.Background())
	require.Error(t, err)
	assert.NoDirExists(t, filepath.Join(root, "dist"))

	written, err := Pipeline{
		Cwd:  root,
		Src:  []string{"app/*.txt"},
		Dest: "dist",
	}.Run(context.Background())
	require.NoError(t, err)
	assert.Len(t, written, 2)
	assert.FileExists(t, filepath.Join(root, "dist", "a.txt"))
	assert.Equal(t, filepath.Join(root, "dist"), written[0].Base)
}

func TestFilterFlattenRename(t *testing.T) {
	ctx := context.Background()
	files := []*File{
		memFile("fonts/a.woff", "a"),
		memFile("lib/font-awesome/fonts/b.ttf", "b"),
		memFile("lib/readme.md", "c"),
	}

	result, err := Chain(Filter([]string{"*.{eot,svg,ttf,woff}"}), Flatten(), Rename(".font")).Apply(ctx, files)
	require.NoError(t, err)
	assert.Equal(t, []string{"a.font", "b.font"}, relatives(result))
}

func TestReplace(t *testing.T) {
	_, err := Replace("(", "x")
	require.Error(t, err)

	transform, err := Replace(`bower_components/bootstrap/fonts`, "fonts")
	require.NoError(t, err)

	result, err := transform.Apply(context.Background(), []*File{memFile("main.css", "url(../bower_components/bootstrap/fonts/x.woff)")})
	require.NoError(t, err)
	assert.Equal(t, "url(../fonts/x.woff)", string(result[0].Contents))
}

func TestWhen(t *testing.T) {
	upper := MapFiles(func(ctx context.Context, file *File) (*File, error) {
		file.Contents = []byte("changed")
		return file, nil
	})

	result, err := When("*.js", upper).Apply(context.Background(), []*File{memFile("a.js", "a"), memFile("b.css", "b")})
	require.NoError(t, err)
	require.Len(t, result, 2)

	for _, file := range result {
		if file.Ext() == ".js" {
			assert.Equal(t, "changed", string(file.Contents))
		} else {
			assert.Equal(t, "b", string(file.Contents))
		}
	}
}

func TestChanged(t *testing.T) {
	dest := t.TempDir()
	writeFiles(t, dest, map[string]string{"styles/main.css": "a{}"})

	old := memFile("styles/main.less", "a{}")
	old.ModTime = time.Now().Add(-time.Hour)
	fresh := memFile("styles/other.less", "b{}")

	result, err := Changed(dest, ".css").Apply(context.Background(), []*File{old, fresh})
	require.NoError(t, err)
	assert.Equal(t, []string{"styles/other.less"}, relatives(result))

	newer := memFile("styles/main.less", "a{}")
	newer.ModTime = time.Now().Add(time.Hour)
	result, err = Changed(dest, ".css").Apply(context.Background(), []*File{newer})
	require.NoError(t, err)
	assert.Len(t, result, 1)
}

func TestHandlebarsModule(t *testing.T) {
	module, err := DefineModule("amd", map[string]string{"Handlebars": "handlebars"})
	require.NoError(t, err)

	result, err := Chain(Handlebars(), module).Apply(context.Background(), []*File{memFile("templates/hello.hbs", "<p>{{name}}</p>")})
	require.NoError(t, err)
	require.Len(t, result, 1)
	assert.Equal(t, "templates/hello.js", result[0].Relative())
	assert.Equal(t, "define([\"handlebars\"], function(Handlebars) { return Handlebars.compile(\"\\u003cp\\u003e{{name}}\\u003c/p\\u003e\"); });\n", string(result[0].Contents))

	// the handlebars runtime is required without being listed explicitly
	commonjs, err := DefineModule("commonjs", nil)
	require.NoError(t, err)

	result, err = Chain(Handlebars(), commonjs).Apply(context.Background(), []*File{memFile("templates/item.hbs", "<li>{{name}}</li>")})
	require.NoError(t, err)
	require.Len(t, result, 1)
	assert.Equal(t, "var Handlebars = require(\"handlebars\");\nmodule.exports = Handlebars.compile(\"\\u003cli\\u003e{{name}}\\u003c/li\\u003e\");\n", string(result[0].Contents))

	// explicit requires override recorded ones
	custom, err := DefineModule("commonjs", map[string]string{"Handlebars": "handlebars/runtime", "_": "lodash"})
	require.NoError(t, err)

	result, err = Chain(Handlebars(), custom).Apply(context.Background(), []*File{memFile("item.hbs", "{{name}}")})
	require.NoError(t, err)
	assert.Equal(t, "var Handlebars = require(\"handlebars/runtime\");\nvar _ = require(\"lodash\");\nmodule.exports = Handlebars.compile(\"{{name}}\");\n", string(result[0].Contents))

	_, err = Handlebars().Apply(context.Background(), []*File{memFile("broken.hbs", "{{#if}}")})
	require.Error(t, err)

	_, err = DefineModule("es6", nil)
	require.Error(t, err)
}

func TestMinify(t *testing.T) {
	ctx := context.Background()

	result, err := MinifyHTML(HTMLOptions{Conditionals: true}).Apply(ctx, []*File{memFile("index.html",
		"<html>\n  <body>\n    <!--[if lt IE 9]><p>old</p><![endif]-->\n    <p class=\"lead\">Hi</p>\n  </body>\n</html>\n")})
	require.NoError(t, err)
	html := string(result[0].Contents)
	assert.Contains(t, html, "[if lt IE 9]")
	assert.Contains(t, html, "<p class=lead>Hi")
	assert.NotContains(t, html, "\n  ")

	result, err = MinifyCSS().Apply(ctx, []*File{memFile("main.css", "body {\n  color: #ff0000;\n}\n")})
	require.NoError(t, err)
	assert.Equal(t, "body{color:red}", string(result[0].Contents))

	result, err = MinifyJS().Apply(ctx, []*File{memFile("main.js", "function hello(name) {\n  return 'Hello ' + name;\n}\nhello('x');\n")})
	require.NoError(t, err)
	assert.Less(t, len(result[0].Contents), 60)
	assert.NotContains(t, string(result[0].Contents), "\n  ")
}

func TestLint(t *testing.T) {
	ctx := context.Background()
	clean := memFile("scripts/main.js", "var a = 1;\n")
	broken := memFile("scripts/broken.js", "var a = ;\n")
	ignored := memFile("styles/main.css", "var a = ;")

	result, err := Lint(true).Apply(ctx, []*File{clean, ignored})
	require.NoError(t, err)
	assert.Len(t, result, 2)

	_, err = Lint(true).Apply(ctx, []*File{clean, broken})
	require.Error(t, err)

	assert.Contains(t, err.Error(), "lint found 1 problems in 1 files")

	result, err = Lint(false).Apply(ctx, []*File{clean, broken})
	require.NoError(t, err)
	assert.Len(t, result, 2)
}

func TestUseref(t *testing.T) {
	root := t.TempDir()
	writeFiles(t, root, map[string]string{
		"app/styles/a.css":            "a{}",
		".tmp/styles/b.css":           "b{}",
		"bower_components/lib/lib.js": "lib()",
		"app/scripts/main.js":         "main()",
		"app/index.html": `<html><head>
<!-- build:css(.tmp,app) styles/main.css -->
<link rel="stylesheet" href="styles/a.css">
<link rel="stylesheet" href="styles/b.css">
<!-- endbuild -->
</head><body>
<!-- build:js scripts/vendor.js -->
<script src="../bower_components/lib/lib.js"></script>
<script src="scripts/main.js?v=1"></script>
<!-- endbuild -->
<!-- build:remove -->
<script src="//localhost:35729/livereload.js"></script>
<!-- endbuild -->
</body></html>`,
	})

	files, err := Src(root, []string{"app/*.html"}, "")
	require.NoError(t, err)

	result, err := Useref(UserefOptions{
		Cwd:        root,
		SearchPath: []string{filepath.Join(root, ".tmp"), filepath.Join(root, "app"), root},
		JS:         MinifyJS(),
	}).Apply(context.Background(), files)
	require.NoError(t, err)
	assert.Equal(t, []string{"index.html", "scripts/vendor.js", "styles/main.css"}, relatives(result))

	byName := make(map[string]string)
	for _, file := range result {
		byName[file.Relative()] = string(file.Contents)
	}

	assert.Contains(t, byName["index.html"], `<link rel="stylesheet" href="styles/main.css">`)
	assert.Contains(t, byName["index.html"], `<script src="scripts/vendor.js"></script>`)
	assert.NotContains(t, byName["index.html"], "livereload")
	assert.NotContains(t, byName["index.html"], "build:")
	assert.Equal(t, "a{}\nb{}", byName["styles/main.css"])
	assert.Contains(t, byName["scripts/vendor.js"], "lib()")
	assert.Contains(t, byName["scripts/vendor.js"], "main()")
}

func TestUserefMissingAsset(t *testing.T) {
	file := memFile("index.html", "<!-- build:js app.js --><script src=\"missing.js\"></script><!-- endbuild -->")

	_, err := Useref(UserefOptions{SearchPath: []string{t.TempDir()}}).Apply(context.Background(), []*File{file})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "missing.js")
}

func TestSize(t *testing.T) {
	var report SizeReport
	files := []*File{memFile("a.txt", "aaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaaa"), memFile("b.txt", "bbbb")}

	result, err := Size("build", true, &report).Apply(context.Background(), files)
	require.NoError(t, err)
	assert.Len(t, result, 2)
	assert.Equal(t, 2, report.Files)
	assert.Equal(t, uint64(44), report.Bytes)
	assert.NotZero(t, report.Gzip)
	assert.NotZero(t, report.Brotli)
	assert.Equal(t, "44 B", (&SizeReport{Bytes: 44}).Pretty())
}

type memoryStore map[string][]byte

func (m memoryStore) Get(bucket, key string) ([]byte, bool, error) {
	value, ok := m[bucket+"/"+key]
	return value, ok, nil
}

func (m memoryStore) Put(bucket, key string, value []byte) error {
	m[bucket+"/"+key] = value
	return nil
}

func TestCached(t *testing.T) {
	calls := 0
	counting := MapFiles(func(ctx context.Context, file *File) (*File, error) {
		calls++
		file.Contents = append([]byte("processed:"), file.Contents...)
		return file, nil
	})

	store := memoryStore{}
	transform := Cached(store, "images", counting)

	result, err := transform.Apply(context.Background(), []*File{memFile("a.png", "a"), memFile("b.png", "b")})
	require.NoError(t, err)
	assert.Equal(t, 2, calls)
	assert.Equal(t, "processed:a", string(result[0].Contents))

	result, err = transform.Apply(context.Background(), []*File{memFile("a.png", "a"), memFile("b.png", "changed")})
	require.NoError(t, err)
	assert.Equal(t, 3, calls)
	assert.Equal(t, "processed:a", string(result[0].Contents))
	assert.Equal(t, "processed:changed", string(result[1].Contents))
}
