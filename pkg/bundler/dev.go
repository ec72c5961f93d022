package bundler

import (
	"sync"

	"github.com/rs/zerolog"
)

// Factory creates a compiler for a configuration
type Factory func(cfg *Config) (*Compiler, error)

// DefaultFactory returns a factory creating esbuild compilers that log through logger
func DefaultFactory(logger zerolog.Logger) Factory {
	return func(cfg *Config) (*Compiler, error) {
		return New(cfg, logger)
	}
}

// DevCompiler lazily creates the single watch-mode compiler shared by the dev tasks and the dev server
type DevCompiler struct {
	mu       sync.Mutex
	base     *Config
	scratch  string
	factory  Factory
	compiler *Compiler
}

// NewDevCompiler prepares a holder. Nothing is built until Get is called.
func NewDevCompiler(base *Config, scratch string, factory Factory) *DevCompiler {
	return &DevCompiler{
		base:    base,
		scratch: scratch,
		factory: factory,
	}
}

// DevConfig derives the development configuration from base: source maps, debug and watch mode are enabled and
// the output goes to scratch. base is left untouched.
func DevConfig(base *Config, scratch string) *Config {
	cfg := base.Clone()
	cfg.Sourcemap = true
	cfg.Debug = true
	cfg.Watch = true
	cfg.Outdir = scratch
	return cfg
}

// Get returns the compiler, creating it on the first call. A failed creation is returned to the caller and
// retried on the next call.
func (d *DevCompiler) Get() (*Compiler, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.compiler != nil {
		return d.compiler, nil
	}

	compiler, err := d.factory(DevConfig(d.base, d.scratch))
	if err != nil {
		return nil, err
	}

	d.compiler = compiler
	return compiler, nil
}

// Close disposes the compiler if it was created
func (d *DevCompiler) Close() {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.compiler != nil {
		d.compiler.Dispose()
		d.compiler = nil
	}
}
