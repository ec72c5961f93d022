package buildsys

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/pkg/browser"
	"github.com/rotisserie/eris"
	"mvdan.cc/sh/v3/interp"
	"mvdan.cc/sh/v3/syntax"

	"github.com/ngld/webpipe/pkg/bundler"
	"github.com/ngld/webpipe/pkg/cache"
	"github.com/ngld/webpipe/pkg/devserver"
	"github.com/ngld/webpipe/pkg/livereload"
	"github.com/ngld/webpipe/pkg/stream"
	"github.com/ngld/webpipe/pkg/supervisor"
	"github.com/ngld/webpipe/pkg/watcher"
)

const (
	defaultServePort  = 9000
	defaultProxy      = "http://localhost:3000"
	defaultBundleYml  = "bundle.yml"
	defaultScratchDir = ".tmp/scripts"
)

// resources are created on first use and shared by all tasks of a run
type resources struct {
	mu           sync.Mutex
	configs      map[string]*bundler.Config
	devCompilers map[string]*bundler.DevCompiler
	livereload   *livereload.Server
	store        *cache.Store
}

func (r *resources) init() {
	r.configs = make(map[string]*bundler.Config)
	r.devCompilers = make(map[string]*bundler.DevCompiler)
}

func (r *resources) close() {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, dc := range r.devCompilers {
		dc.Close()
	}
	r.devCompilers = make(map[string]*bundler.DevCompiler)

	if r.store != nil {
		_ = r.store.Close()
		r.store = nil
	}
}

func (r *resources) bundleConfig(path string) (*bundler.Config, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if cfg, ok := r.configs[path]; ok {
		return cfg, nil
	}

	cfg, err := bundler.LoadConfig(path)
	if err != nil {
		return nil, err
	}

	r.configs[path] = cfg
	return cfg, nil
}

func (r *resources) devCompiler(ctx context.Context, configPath, scratch string) (*bundler.Compiler, error) {
	cfg, err := r.bundleConfig(configPath)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	key := configPath + "\x00" + scratch
	dc, ok := r.devCompilers[key]
	if !ok {
		dc = bundler.NewDevCompiler(cfg, scratch, bundler.DefaultFactory(*log(ctx)))
		r.devCompilers[key] = dc
	}
	r.mu.Unlock()

	return dc.Get()
}

func (r *resources) cacheStore() (*cache.Store, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if r.store != nil {
		return r.store, nil
	}

	dbPath, err := cache.DefaultPath()
	if err != nil {
		return nil, err
	}

	store, err := cache.Open(dbPath)
	if err != nil {
		return nil, err
	}

	r.store = store
	return store, nil
}

// liveReload returns the live reload server and starts it on the first call
func liveReload(ctx context.Context, port int) (*livereload.Server, error) {
	shared := getRuntimeCtx(ctx).shared
	shared.resources.mu.Lock()
	defer shared.resources.mu.Unlock()

	if shared.resources.livereload != nil {
		return shared.resources.livereload, nil
	}

	listener, err := devserver.Listen(port)
	if err != nil {
		return nil, eris.Wrap(err, "failed to start the live reload server")
	}

	lr := livereload.New(*log(ctx))
	startService(ctx, "live reload server", func(svcCtx context.Context) error {
		return lr.Serve(svcCtx, listener)
	})

	shared.resources.livereload = lr
	return lr, nil
}

// serviceContext carries the run state and logger of ctx over to the context services run in
func serviceContext(svcCtx, ctx context.Context) context.Context {
	svcCtx = WithLogger(svcCtx, log(ctx))
	return context.WithValue(svcCtx, runtimeCtxKey{}, getRuntimeCtx(ctx))
}

// resolveStepPath resolves a path argument. "//" refers to the project root, other relative paths to the task's
// base directory. A leading "!" is preserved.
func resolveStepPath(ctx context.Context, task *Task, path string) string {
	prefix := ""
	if strings.HasPrefix(path, "!") {
		prefix = "!"
		path = path[1:]
	}

	switch {
	case strings.HasPrefix(path, "//"):
		path = filepath.Join(getRuntimeCtx(ctx).projectRoot, path[2:])
	case filepath.IsAbs(path):
		path = filepath.Clean(path)
	default:
		path = filepath.Join(task.Base, path)
	}

	return prefix + path
}

func resolveStepPaths(ctx context.Context, task *Task, paths []string) []string {
	result := make([]string, len(paths))
	for idx, path := range paths {
		result[idx] = resolveStepPath(ctx, task, path)
	}
	return result
}

func runStep(ctx context.Context, task *Task, step *StepSpec) error {
	switch step.Kind {
	case "pipeline":
		return runPipeline(ctx, task, step)
	case "bundle":
		return runBundle(ctx, task, step)
	case "serve":
		return runServe(ctx, task, step)
	case "livereload":
		_, err := liveReload(ctx, step.Int("port", livereload.DefaultPort))
		return err
	case "watch":
		return runWatch(ctx, task, step)
	case "run_server":
		return runServer(ctx, task, step)
	case "open_browser":
		err := browser.OpenURL(step.Str("url", ""))
		if err != nil {
			log(ctx).Warn().Err(err).Msg("failed to open the browser")
		}
		return nil
	case "clean":
		return runClean(ctx, task, step)
	}

	if transformKinds[step.Kind] {
		return eris.Errorf("%s can only be used inside a pipeline", step.Kind)
	}
	return eris.Errorf("unknown step %s", step.Kind)
}

func runPipeline(ctx context.Context, task *Task, step *StepSpec) error {
	transforms, err := buildTransforms(ctx, task, step.Nested["steps"])
	if err != nil {
		return err
	}

	base := step.Str("base", "")
	if base != "" {
		base = resolveStepPath(ctx, task, base)
	}

	dest := step.Str("dest", "")
	if dest != "" {
		dest = resolveStepPath(ctx, task, dest)
	}

	pipeline := stream.Pipeline{
		Cwd:        task.Base,
		Src:        resolveStepPaths(ctx, task, step.Strings("src")),
		Base:       base,
		Dest:       dest,
		Transforms: transforms,
	}

	files, err := pipeline.Run(ctx)
	if err != nil {
		if title := step.Str("title", ""); title != "" {
			return eris.Wrapf(err, "%s failed", title)
		}
		return err
	}

	log(ctx).Debug().Int("files", len(files)).Msg("pipeline done")
	return nil
}

func buildTransforms(ctx context.Context, task *Task, steps []*StepSpec) ([]stream.Transform, error) {
	result := make([]stream.Transform, 0, len(steps))
	for _, step := range steps {
		transform, err := buildTransform(ctx, task, step)
		if err != nil {
			return nil, eris.Wrapf(err, "invalid %s step", step.Kind)
		}
		result = append(result, transform)
	}
	return result, nil
}

func buildChain(ctx context.Context, task *Task, steps []*StepSpec) (stream.Transform, error) {
	if len(steps) == 0 {
		return nil, nil
	}

	transforms, err := buildTransforms(ctx, task, steps)
	if err != nil {
		return nil, err
	}
	return stream.Chain(transforms...), nil
}

func buildTransform(ctx context.Context, task *Task, step *StepSpec) (stream.Transform, error) {
	switch step.Kind {
	case "lint":
		return stream.Lint(step.Bool("fail", true)), nil
	case "shell_filter":
		return shellFilter(task, step.Str("cmd", ""), step.Str("ext", ""))
	case "autoprefix":
		return stream.Autoprefix(step.Strings("browsers")), nil
	case "minify_css":
		return stream.MinifyCSS(), nil
	case "minify_js":
		return stream.MinifyJS(), nil
	case "minify_html":
		return stream.MinifyHTML(stream.HTMLOptions{
			Conditionals: step.Bool("conditionals", false),
			Loose:        step.Bool("loose", false),
		}), nil
	case "replace":
		return stream.Replace(step.Str("pattern", ""), step.Str("repl", ""))
	case "filter":
		return stream.Filter(step.Strings("patterns")), nil
	case "flatten":
		return stream.Flatten(), nil
	case "handlebars":
		return stream.Handlebars(), nil
	case "define_module":
		return stream.DefineModule(step.Str("kind", ""), step.StrMap("requires"))
	case "images":
		return stream.Images(stream.ImageOptions{
			Progressive: step.Bool("progressive", false),
			Interlaced:  step.Bool("interlaced", false),
		}), nil
	case "cached":
		inner, err := buildChain(ctx, task, step.Nested["step"])
		if err != nil {
			return nil, err
		}
		if inner == nil {
			return nil, eris.New("missing step")
		}

		store, err := getRuntimeCtx(ctx).shared.resources.cacheStore()
		if err != nil {
			return nil, err
		}
		return stream.Cached(store, step.Str("name", "default"), inner), nil
	case "useref":
		js, err := buildChain(ctx, task, step.Nested["js"])
		if err != nil {
			return nil, err
		}

		css, err := buildChain(ctx, task, step.Nested["css"])
		if err != nil {
			return nil, err
		}

		return stream.Useref(stream.UserefOptions{
			Cwd:        task.Base,
			SearchPath: resolveStepPaths(ctx, task, step.Strings("search_path")),
			JS:         js,
			CSS:        css,
		}), nil
	case "when":
		inner, err := buildChain(ctx, task, step.Nested["step"])
		if err != nil {
			return nil, err
		}
		if inner == nil {
			return nil, eris.New("missing step")
		}
		return stream.When(step.Str("glob", ""), inner), nil
	case "changed":
		return stream.Changed(resolveStepPath(ctx, task, step.Str("dest", "")), step.Str("ext", "")), nil
	case "size":
		return stream.Size(step.Str("title", ""), step.Bool("gzip", false), nil), nil
	}

	return nil, eris.Errorf("%s is not a transform", step.Kind)
}

// shellFilter pipes each file through a shell command and replaces its contents with the command's output
func shellFilter(task *Task, cmd, ext string) (stream.Transform, error) {
	prog, err := syntax.NewParser().Parse(strings.NewReader(cmd), "shell_filter")
	if err != nil {
		return nil, eris.Wrapf(err, "failed to parse command %s", cmd)
	}

	return stream.MapFiles(func(ctx context.Context, file *stream.File) (*stream.File, error) {
		var stdout, stderr bytes.Buffer
		runner, err := interp.New(
			interp.Dir(task.Base),
			interp.Env(getTaskEnv(task)),
			interp.ExecHandler(execHandler),
			interp.OpenHandler(openHandler),
			interp.StdIO(bytes.NewReader(file.Contents), &stdout, &stderr),
		)
		if err != nil {
			return nil, eris.Wrap(err, "failed to initialize runner")
		}

		err = runner.Run(ctx, prog)
		if err != nil {
			return nil, eris.Wrapf(err, "%s: `%s` failed: %s", file.Relative(), cmd, strings.TrimSpace(stderr.String()))
		}

		file.Contents = stdout.Bytes()
		if ext != "" {
			file.SetExt(ext)
		}
		return file, nil
	}), nil
}

func runBundle(ctx context.Context, task *Task, step *StepSpec) error {
	configPath := resolveStepPath(ctx, task, step.Str("config", defaultBundleYml))
	shared := getRuntimeCtx(ctx).shared

	if step.Bool("dev", false) {
		scratch := resolveStepPath(ctx, task, step.Str("scratch", defaultScratchDir))
		compiler, err := shared.resources.devCompiler(ctx, configPath, scratch)
		if err != nil {
			return err
		}

		// the dev server switches the compiler to watch mode
		return compiler.Rebuild()
	}

	cfg, err := shared.resources.bundleConfig(configPath)
	if err != nil {
		return err
	}

	if step.Bool("minify", false) {
		return bundler.Build(cfg, *log(ctx))
	}

	compiler, err := bundler.New(cfg.Clone(), *log(ctx))
	if err != nil {
		return err
	}
	defer compiler.Dispose()

	return compiler.Rebuild()
}

func runServe(ctx context.Context, task *Task, step *StepSpec) error {
	opts := devserver.Options{
		Root:           task.Base,
		Port:           step.Int("port", defaultServePort),
		Static:         step.Strings("static"),
		Mounts:         step.StrMap("mounts"),
		Index:          step.Str("index", "app"),
		Proxy:          step.Str("proxy", defaultProxy),
		LiveReloadPort: step.Int("livereload", livereload.DefaultPort),
		Inject:         livereload.Injector,
	}

	if _, present := step.Options["static"]; !present {
		opts.Static = []string{".tmp", "app"}
	}
	if _, present := step.Options["mounts"]; !present {
		opts.Mounts = map[string]string{"/bower_components": "bower_components"}
	}

	if opts.LiveReloadPort != 0 {
		_, err := liveReload(ctx, opts.LiveReloadPort)
		if err != nil {
			return err
		}
	}

	if bundleCfg := step.Str("bundle", defaultBundleYml); bundleCfg != "" {
		configPath := resolveStepPath(ctx, task, bundleCfg)
		scratch := resolveStepPath(ctx, task, defaultScratchDir)
		compiler, err := getRuntimeCtx(ctx).shared.resources.devCompiler(ctx, configPath, scratch)
		if err != nil {
			return err
		}

		err = compiler.Watch()
		if err != nil {
			return err
		}
		opts.Bundler = compiler.Handler
	}

	handler, err := devserver.NewHandler(opts, *log(ctx))
	if err != nil {
		return err
	}

	listener, err := devserver.Listen(opts.Port)
	if err != nil {
		return err
	}

	logger := *log(ctx)
	startService(ctx, "dev server", func(svcCtx context.Context) error {
		return devserver.Serve(svcCtx, listener, handler, logger)
	})
	return nil
}

func runWatch(ctx context.Context, task *Task, step *StepSpec) error {
	tasks := step.Strings("tasks")
	reload := step.Bool("reload", false)
	if len(tasks) == 0 && !reload {
		return eris.New("watch needs tasks to run or reload=True")
	}

	rctx := getRuntimeCtx(ctx)
	for _, name := range tasks {
		if _, found := rctx.tasks[name]; !found {
			return eris.Errorf("Task %s not found", name)
		}
	}

	var lr *livereload.Server
	if reload {
		var err error
		lr, err = liveReload(ctx, step.Int("port", livereload.DefaultPort))
		if err != nil {
			return err
		}
	}

	w, err := watcher.New(task.Base, resolveStepPaths(ctx, task, step.Strings("patterns")), *log(ctx))
	if err != nil {
		return err
	}

	startService(ctx, "watcher", func(svcCtx context.Context) error {
		runCtx := serviceContext(svcCtx, ctx)
		return w.Run(svcCtx, func(path string) {
			if len(tasks) > 0 {
				log(runCtx).Info().Str("path", path).Strs("tasks", tasks).Msg("change detected")
				err := rerunTasks(runCtx, tasks, false)
				if err != nil {
					// keep watching, the next change might fix it
					log(runCtx).Error().Err(err).Msg("tasks failed")
					return
				}
			}

			if lr != nil {
				rel, err := filepath.Rel(task.Base, path)
				if err != nil {
					rel = path
				}
				lr.Changed("/" + filepath.ToSlash(rel))
			}
		})
	})
	return nil
}

func runServer(ctx context.Context, task *Task, step *StepSpec) error {
	env := make(map[string]string, len(task.Env))
	for key, value := range task.Env {
		env[key] = value
	}
	for key, value := range step.StrMap("env") {
		env[key] = value
	}

	sup, err := supervisor.New(supervisor.Options{
		Command: step.Str("cmd", ""),
		Dir:     task.Base,
		Env:     env,
		Watch:   resolveStepPaths(ctx, task, step.Strings("watch")),
	}, *log(ctx))
	if err != nil {
		return err
	}

	startService(ctx, "server", sup.Run)
	return nil
}

func runClean(ctx context.Context, task *Task, step *StepSpec) error {
	root := getRuntimeCtx(ctx).projectRoot
	for _, path := range resolveStepPaths(ctx, task, step.Strings("paths")) {
		rel, err := filepath.Rel(root, path)
		if err != nil || rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
			return eris.Errorf("refusing to delete %s since it's not inside the project", path)
		}

		log(ctx).Debug().Str("path", path).Msg("removing")
		err = os.RemoveAll(path)
		if err != nil {
			return eris.Wrapf(err, "failed to delete %s", path)
		}
	}

	if step.Bool("cache", false) {
		store, err := getRuntimeCtx(ctx).shared.resources.cacheStore()
		if err != nil {
			return err
		}

		err = store.ClearAll()
		if err != nil {
			return err
		}
		log(ctx).Info().Msg("cleared the transform cache")
	}
	return nil
}
