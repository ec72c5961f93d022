package stream

import (
	"context"
	"fmt"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

// LintError is returned by Lint when at least one file has problems
type LintError struct {
	Problems int
	Files    int
}

var _ error = (*LintError)(nil)

func (e LintError) Error() string {
	return fmt.Sprintf("lint found %d problems in %d files", e.Problems, e.Files)
}

var scriptLoaders = map[string]api.Loader{
	".js":  api.LoaderJS,
	".mjs": api.LoaderJS,
	".cjs": api.LoaderJS,
	".jsx": api.LoaderJSX,
	".ts":  api.LoaderTS,
	".tsx": api.LoaderTSX,
}

// Lint parses every script and reports syntax errors and suspicious code flagged by the bundler's parser. Files
// pass through unchanged. If fail is set, the transform fails after reporting all problems.
func Lint(fail bool) Transform {
	return TransformFunc(func(ctx context.Context, files []*File) ([]*File, error) {
		logger := zerolog.Ctx(ctx)
		problems := 0
		badFiles := 0

		for _, file := range files {
			loader, ok := scriptLoaders[file.Ext()]
			if !ok {
				continue
			}

			result := api.Transform(string(file.Contents), api.TransformOptions{
				Loader:     loader,
				Sourcefile: file.Relative(),
				LogLevel:   api.LogLevelSilent,
			})

			for _, msg := range result.Errors {
				logger.Error().Str("path", file.Path).Msg(formatMessage(file, msg))
			}
			for _, msg := range result.Warnings {
				logger.Warn().Str("path", file.Path).Msg(formatMessage(file, msg))
			}

			count := len(result.Errors) + len(result.Warnings)
			if count > 0 {
				problems += count
				badFiles++
			}
		}

		if problems > 0 && fail {
			return nil, eris.Wrap(LintError{Problems: problems, Files: badFiles}, "lint failed")
		}

		return files, nil
	})
}

func formatMessage(file *File, msg api.Message) string {
	if msg.Location == nil {
		return fmt.Sprintf("%s: %s", file.Path, msg.Text)
	}

	return fmt.Sprintf("%s:%d:%d: %s", file.Path, msg.Location.Line, msg.Location.Column+1, msg.Text)
}
