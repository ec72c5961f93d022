// Package watcher reports file changes matching a set of glob patterns
package watcher

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/fsnotify/fsnotify"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// Watcher watches the directories below the static part of each pattern. Directories created later are added
// automatically.
type Watcher struct {
	includes []string
	excludes []string
	fsw      *fsnotify.Watcher
	logger   zerolog.Logger
}

func absPattern(root, pattern string) string {
	if !filepath.IsAbs(pattern) {
		pattern = filepath.Join(root, pattern)
	}
	return filepath.ToSlash(filepath.Clean(pattern))
}

// New prepares a watcher for patterns relative to root. Patterns prefixed with "!" exclude matches.
func New(root string, patterns []string, logger zerolog.Logger) (*Watcher, error) {
	w := &Watcher{logger: logger}
	for _, pattern := range patterns {
		if strings.HasPrefix(pattern, "!") {
			w.excludes = append(w.excludes, absPattern(root, pattern[1:]))
		} else {
			w.includes = append(w.includes, absPattern(root, pattern))
		}
	}

	if len(w.includes) == 0 {
		return nil, eris.New("no patterns to watch")
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, eris.Wrap(err, "failed to create file watcher")
	}
	w.fsw = fsw

	for _, pattern := range w.includes {
		base, _ := doublestar.SplitPattern(pattern)
		if !strings.ContainsAny(pattern, "*?[{") {
			base = filepath.ToSlash(filepath.Dir(filepath.FromSlash(pattern)))
		}

		dir := filepath.FromSlash(base)
		// watch the closest existing parent until the directory is created
		for {
			info, err := os.Stat(dir)
			if err == nil && info.IsDir() {
				break
			}

			parent := filepath.Dir(dir)
			if parent == dir {
				break
			}
			dir = parent
		}

		err = w.addRecursive(dir)
		if err != nil {
			fsw.Close()
			return nil, err
		}
	}

	return w, nil
}

func (w *Watcher) addRecursive(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			// directories can disappear while we're walking them
			if eris.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}

		if !d.IsDir() {
			return nil
		}

		if path != dir && (d.Name() == "node_modules" || strings.HasPrefix(d.Name(), ".git")) {
			return filepath.SkipDir
		}

		err = w.fsw.Add(path)
		if err != nil {
			return eris.Wrapf(err, "failed to watch %s", path)
		}
		return nil
	})
}

// Match reports whether path is covered by the watched patterns
func (w *Watcher) Match(path string) bool {
	path = filepath.ToSlash(path)
	for _, exclude := range w.excludes {
		if ok, _ := doublestar.Match(exclude, path); ok {
			return false
		}
	}

	for _, include := range w.includes {
		if ok, _ := doublestar.Match(include, path); ok {
			return true
		}
	}
	return false
}

// Run calls fn for every change of a matching file until ctx is cancelled. fn runs on the watcher's goroutine;
// events arriving meanwhile are delivered afterwards.
func (w *Watcher) Run(ctx context.Context, fn func(path string)) error {
	defer w.fsw.Close()

	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("file watcher error")
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}

			if event.Has(fsnotify.Create) {
				info, err := os.Stat(event.Name)
				if err == nil && info.IsDir() {
					err = w.addRecursive(event.Name)
					if err != nil {
						w.logger.Warn().Err(err).Msg("failed to watch new directory")
					}
					continue
				}
			}

			if event.Op == fsnotify.Chmod {
				continue
			}

			if w.Match(event.Name) {
				w.logger.Debug().Str("path", event.Name).Str("op", event.Op.String()).Msg("file changed")
				fn(event.Name)
			}
		}
	}
}

// Close stops watching without calling Run
func (w *Watcher) Close() error {
	return w.fsw.Close()
}
