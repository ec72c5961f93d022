// Package stream implements file pipelines: a set of files is read from disk, passed through a
// sequence of transforms and finally written to a destination directory.
//
// Every transform sees the complete file set which makes concatenating steps (useref) as simple as mapping steps
// (minifiers). Nothing is written before all transforms succeeded.
package stream

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rotisserie/eris"
)

// File is a single file travelling through a pipeline
type File struct {
	// Base is the directory Path is relative to when the file is written to a destination
	Base string
	// Path is the absolute location of the file
	Path     string
	Contents []byte
	ModTime  time.Time
	// Requires lists modules the contents depend on (variable name -> module). DefineModule imports them.
	Requires map[string]string
}

// NewFile creates a file in memory
func NewFile(base, path string, contents []byte) *File {
	return &File{
		Base:     filepath.Clean(base),
		Path:     filepath.Clean(path),
		Contents: contents,
		ModTime:  time.Now(),
	}
}

// Relative returns the path relative to the file's base with forward slashes
func (f *File) Relative() string {
	rel, err := filepath.Rel(f.Base, f.Path)
	if err != nil {
		return filepath.ToSlash(filepath.Base(f.Path))
	}
	return filepath.ToSlash(rel)
}

// Ext returns the file extension including the leading dot
func (f *File) Ext() string {
	return filepath.Ext(f.Path)
}

// SetExt replaces the file extension
func (f *File) SetExt(ext string) {
	f.Path = strings.TrimSuffix(f.Path, filepath.Ext(f.Path)) + ext
}

// Clone returns a copy of the file which doesn't share its contents
func (f *File) Clone() *File {
	clone := *f
	clone.Contents = append([]byte(nil), f.Contents...)
	if f.Requires != nil {
		clone.Requires = make(map[string]string, len(f.Requires))
		for name, module := range f.Requires {
			clone.Requires[name] = module
		}
	}
	return &clone
}

// Match reports whether the file's relative path (or its base name for patterns without a slash) matches the
// given glob pattern
func (f *File) Match(pattern string) bool {
	rel := f.Relative()
	if !strings.Contains(pattern, "/") {
		rel = filepath.Base(f.Path)
	}

	ok, err := doublestar.Match(pattern, rel)
	return err == nil && ok
}

// Transform processes a set of files
type Transform interface {
	Apply(ctx context.Context, files []*File) ([]*File, error)
}

// TransformFunc adapts a function to the Transform interface
type TransformFunc func(ctx context.Context, files []*File) ([]*File, error)

// Apply calls fn
func (fn TransformFunc) Apply(ctx context.Context, files []*File) ([]*File, error) {
	return fn(ctx, files)
}

// MapFiles builds a transform which processes each file on its own. If fn returns a nil file, the file is dropped
// from the stream.
func MapFiles(fn func(ctx context.Context, file *File) (*File, error)) Transform {
	return TransformFunc(func(ctx context.Context, files []*File) ([]*File, error) {
		result := make([]*File, 0, len(files))
		for _, file := range files {
			if err := ctx.Err(); err != nil {
				return nil, err
			}

			processed, err := fn(ctx, file)
			if err != nil {
				return nil, eris.Wrapf(err, "failed to process %s", file.Relative())
			}

			if processed != nil {
				result = append(result, processed)
			}
		}
		return result, nil
	})
}

// Chain combines several transforms into one
func Chain(transforms ...Transform) Transform {
	return TransformFunc(func(ctx context.Context, files []*File) ([]*File, error) {
		var err error
		for _, transform := range transforms {
			files, err = transform.Apply(ctx, files)
			if err != nil {
				return nil, err
			}
		}
		return files, nil
	})
}

func fileExists(path string) bool {
	info, err := os.Stat(path)
	return err == nil && info.Mode().IsRegular()
}
