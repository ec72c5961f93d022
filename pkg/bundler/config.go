// Package bundler wraps esbuild. It loads the bundle configuration, keeps build contexts alive for watch mode and
// serves the latest output from memory during development.
package bundler

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/rotisserie/eris"
	"gopkg.in/yaml.v3"
)

// Config describes a bundle. Relative paths are resolved against Root.
type Config struct {
	Root        string            `yaml:"-"`
	EntryPoints []string          `yaml:"entry_points"`
	Outdir      string            `yaml:"outdir"`
	PublicPath  string            `yaml:"public_path"`
	Format      string            `yaml:"format"`
	Target      string            `yaml:"target"`
	Sourcemap   bool              `yaml:"sourcemap"`
	Debug       bool              `yaml:"debug"`
	Watch       bool              `yaml:"watch"`
	Minify      bool              `yaml:"minify"`
	Loaders     map[string]string `yaml:"loaders"`
	Define      map[string]string `yaml:"define"`
	External    []string          `yaml:"external"`
	NodePaths   []string          `yaml:"node_paths"`
}

// LoadConfig reads a bundle.yml file. Root defaults to the file's directory.
func LoadConfig(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to read %s", path)
	}

	cfg := new(Config)
	err = yaml.Unmarshal(data, cfg)
	if err != nil {
		return nil, eris.Wrapf(err, "failed to parse %s", path)
	}

	root, err := filepath.Abs(filepath.Dir(path))
	if err != nil {
		return nil, eris.Wrap(err, "failed to resolve config directory")
	}
	cfg.Root = root

	if len(cfg.EntryPoints) == 0 {
		return nil, eris.Errorf("%s doesn't list any entry_points", path)
	}
	if cfg.Outdir == "" {
		return nil, eris.Errorf("%s is missing outdir", path)
	}

	return cfg, nil
}

// Clone returns a deep copy so that derived configurations never modify the original
func (c *Config) Clone() *Config {
	clone := *c
	clone.EntryPoints = append([]string(nil), c.EntryPoints...)
	clone.External = append([]string(nil), c.External...)
	clone.NodePaths = append([]string(nil), c.NodePaths...)
	clone.Loaders = cloneMap(c.Loaders)
	clone.Define = cloneMap(c.Define)
	return &clone
}

func cloneMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}

	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func (c *Config) abs(path string) string {
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.Root, path)
}

// OutputPath returns the absolute output directory
func (c *Config) OutputPath() string {
	return c.abs(c.Outdir)
}

var loaderNames = map[string]api.Loader{
	"base64":  api.LoaderBase64,
	"binary":  api.LoaderBinary,
	"css":     api.LoaderCSS,
	"dataurl": api.LoaderDataURL,
	"file":    api.LoaderFile,
	"js":      api.LoaderJS,
	"json":    api.LoaderJSON,
	"jsx":     api.LoaderJSX,
	"text":    api.LoaderText,
	"ts":      api.LoaderTS,
	"tsx":     api.LoaderTSX,
}

var formats = map[string]api.Format{
	"":     api.FormatIIFE,
	"iife": api.FormatIIFE,
	"cjs":  api.FormatCommonJS,
	"esm":  api.FormatESModule,
}

var targets = map[string]api.Target{
	"":       api.ES2015,
	"es5":    api.ES5,
	"es2015": api.ES2015,
	"es2016": api.ES2016,
	"es2017": api.ES2017,
	"es2018": api.ES2018,
	"es2019": api.ES2019,
	"es2020": api.ES2020,
	"esnext": api.ESNext,
}

// BuildOptions translates the configuration into esbuild's options. Output is kept in memory, Compiler writes it.
func (c *Config) BuildOptions() (api.BuildOptions, error) {
	opts := api.BuildOptions{
		AbsWorkingDir:     c.Root,
		Bundle:            true,
		Write:             false,
		Outdir:            c.OutputPath(),
		MinifyWhitespace:  c.Minify,
		MinifyIdentifiers: c.Minify && !c.Debug,
		MinifySyntax:      c.Minify,
		KeepNames:         c.Debug,
		Define:            c.Define,
		External:          c.External,
		LogLevel:          api.LogLevelSilent,
		Loader:            make(map[string]api.Loader, len(c.Loaders)),
	}

	for _, entry := range c.EntryPoints {
		opts.EntryPoints = append(opts.EntryPoints, c.abs(entry))
	}

	for _, dir := range c.NodePaths {
		opts.NodePaths = append(opts.NodePaths, c.abs(dir))
	}

	if c.Sourcemap {
		opts.Sourcemap = api.SourceMapLinked
	}

	format, ok := formats[strings.ToLower(c.Format)]
	if !ok {
		return opts, eris.Errorf("unsupported format %s", c.Format)
	}
	opts.Format = format

	target, ok := targets[strings.ToLower(c.Target)]
	if !ok {
		return opts, eris.Errorf("unsupported target %s", c.Target)
	}
	opts.Target = target

	for ext, name := range c.Loaders {
		loader, ok := loaderNames[name]
		if !ok {
			return opts, eris.Errorf("unknown loader %s for %s", name, ext)
		}

		if !strings.HasPrefix(ext, ".") {
			ext = "." + ext
		}
		opts.Loader[ext] = loader
	}

	return opts, nil
}
