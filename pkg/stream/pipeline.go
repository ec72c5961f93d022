package stream

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

func absPattern(cwd, pattern string) string {
	if filepath.IsAbs(pattern) {
		return filepath.ToSlash(filepath.Clean(pattern))
	}
	return filepath.ToSlash(filepath.Join(cwd, pattern))
}

// Src reads all files matching the given glob patterns. Patterns are relative to cwd, support "**" and "{a,b}"
// and can be excluded by prefixing them with "!". Each file's base is the static part of the pattern which
// matched it unless base is set. Patterns without matches are not an error.
func Src(cwd string, patterns []string, base string) ([]*File, error) {
	includes := make([]string, 0, len(patterns))
	excludes := make([]string, 0)
	for _, pattern := range patterns {
		if strings.HasPrefix(pattern, "!") {
			excludes = append(excludes, absPattern(cwd, pattern[1:]))
		} else {
			includes = append(includes, absPattern(cwd, pattern))
		}
	}

	if base != "" && !filepath.IsAbs(base) {
		base = filepath.Join(cwd, base)
	}

	seen := make(map[string]bool)
	result := make([]*File, 0)
	for _, pattern := range includes {
		fileBase := base
		if fileBase == "" {
			staticPart, _ := doublestar.SplitPattern(pattern)
			fileBase = filepath.FromSlash(staticPart)
			if !strings.ContainsAny(pattern, "*?[{") {
				fileBase = filepath.Dir(filepath.FromSlash(pattern))
			}
		}

		matches, err := doublestar.FilepathGlob(filepath.FromSlash(pattern), doublestar.WithFilesOnly())
		if err != nil {
			return nil, eris.Wrapf(err, "invalid pattern %s", pattern)
		}

	matchLoop:
		for _, match := range matches {
			if seen[match] {
				continue
			}

			for _, exclude := range excludes {
				ok, err := doublestar.Match(exclude, filepath.ToSlash(match))
				if err != nil {
					return nil, eris.Wrapf(err, "invalid pattern %s", exclude)
				}
				if ok {
					continue matchLoop
				}
			}

			info, err := os.Stat(match)
			if err != nil {
				return nil, eris.Wrapf(err, "failed to stat %s", match)
			}

			contents, err := os.ReadFile(match)
			if err != nil {
				return nil, eris.Wrapf(err, "failed to read %s", match)
			}

			seen[match] = true
			result = append(result, &File{
				Base:     fileBase,
				Path:     match,
				Contents: contents,
				ModTime:  info.ModTime(),
			})
		}
	}

	return result, nil
}

// Dest writes the files below dir while keeping their paths relative to their base. The files are updated to
// point to their new location.
func Dest(dir string, files []*File) error {
	for _, file := range files {
		target := filepath.Join(dir, filepath.FromSlash(file.Relative()))
		err := os.MkdirAll(filepath.Dir(target), 0o770)
		if err != nil {
			return eris.Wrapf(err, "failed to create directory for %s", target)
		}

		err = os.WriteFile(target, file.Contents, 0o660)
		if err != nil {
			return eris.Wrapf(err, "failed to write %s", target)
		}

		file.Base = dir
		file.Path = target
	}

	return nil
}

// Pipeline describes a complete src -> transforms -> dest run
type Pipeline struct {
	Cwd        string
	Src        []string
	Base       string
	Dest       string
	Transforms []Transform
}

// Run executes the pipeline and returns the files that were written. If Dest is empty the transformed files are
// only returned.
func (p Pipeline) Run(ctx context.Context) ([]*File, error) {
	files, err := Src(p.Cwd, p.Src, p.Base)
	if err != nil {
		return nil, err
	}

	logger := zerolog.Ctx(ctx)
	if len(files) == 0 {
		logger.Debug().Strs("src", p.Src).Msg("no files matched")
	}

	files, err = Chain(p.Transforms...).Apply(ctx, files)
	if err != nil {
		return nil, err
	}

	if p.Dest != "" {
		dest := p.Dest
		if !filepath.IsAbs(dest) {
			dest = filepath.Join(p.Cwd, dest)
		}

		err = Dest(dest, files)
		if err != nil {
			return nil, err
		}
		logger.Debug().Int("files", len(files)).Str("path", dest).Msgf("wrote %d files to %s", len(files), dest)
	}

	return files, nil
}
