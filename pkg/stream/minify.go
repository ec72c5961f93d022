package stream

import (
	"context"
	"strings"

	"github.com/evanw/esbuild/pkg/api"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
	"github.com/tdewolff/minify/v2"
	"github.com/tdewolff/minify/v2/css"
	"github.com/tdewolff/minify/v2/html"
	"github.com/tdewolff/minify/v2/svg"
)

// HTMLOptions controls MinifyHTML
type HTMLOptions struct {
	// Conditionals keeps IE conditional comments
	Conditionals bool
	// Loose keeps end tags and document tags so that templates containing HTML fragments stay valid
	Loose bool
}

func newMinifier(opts HTMLOptions) *minify.M {
	m := minify.New()
	m.AddFunc("text/css", css.Minify)
	m.AddFunc("image/svg+xml", svg.Minify)
	m.Add("text/html", &html.Minifier{
		KeepConditionalComments: opts.Conditionals,
		KeepEndTags:             opts.Loose,
		KeepDocumentTags:        opts.Loose,
		KeepDefaultAttrVals:     true,
	})
	return m
}

func minifyWith(mediatype string, opts HTMLOptions) Transform {
	m := newMinifier(opts)
	return MapFiles(func(ctx context.Context, file *File) (*File, error) {
		out, err := m.Bytes(mediatype, file.Contents)
		if err != nil {
			return nil, eris.Wrapf(err, "failed to minify %s", file.Relative())
		}

		file.Contents = out
		return file, nil
	})
}

// MinifyHTML minifies HTML documents and templates
func MinifyHTML(opts HTMLOptions) Transform {
	return minifyWith("text/html", opts)
}

// MinifyCSS minifies stylesheets
func MinifyCSS() Transform {
	return minifyWith("text/css", HTMLOptions{})
}

// MinifySVG minifies SVG images
func MinifySVG() Transform {
	return minifyWith("image/svg+xml", HTMLOptions{})
}

// MinifyJS mangles and compresses scripts
func MinifyJS() Transform {
	return MapFiles(func(ctx context.Context, file *File) (*File, error) {
		result := api.Transform(string(file.Contents), api.TransformOptions{
			Loader:            api.LoaderJS,
			Sourcefile:        file.Relative(),
			MinifyWhitespace:  true,
			MinifyIdentifiers: true,
			MinifySyntax:      true,
			LogLevel:          api.LogLevelSilent,
		})
		if len(result.Errors) > 0 {
			return nil, eris.New(formatMessage(file, result.Errors[0]))
		}

		file.Contents = result.Code
		return file, nil
	})
}

var browserEngines = map[string]api.EngineName{
	"chrome":  api.EngineChrome,
	"edge":    api.EngineEdge,
	"ff":      api.EngineFirefox,
	"firefox": api.EngineFirefox,
	"ie":      api.EngineIE,
	"ios":     api.EngineIOS,
	"ios_saf": api.EngineIOS,
	"opera":   api.EngineOpera,
	"safari":  api.EngineSafari,
}

// ParseBrowsers turns browserslist style queries ("ie >= 10") into bundler engine targets. Queries for browsers
// the bundler doesn't know about are returned separately.
func ParseBrowsers(queries []string) ([]api.Engine, []string) {
	engines := make([]api.Engine, 0, len(queries))
	unknown := make([]string, 0)

	for _, query := range queries {
		fields := strings.Fields(query)
		if len(fields) != 3 || fields[1] != ">=" {
			unknown = append(unknown, query)
			continue
		}

		name, ok := browserEngines[strings.ToLower(fields[0])]
		if !ok {
			unknown = append(unknown, query)
			continue
		}

		engines = append(engines, api.Engine{Name: name, Version: fields[2]})
	}

	return engines, unknown
}

// Autoprefix adds the vendor prefixes and fallbacks the given browsers need
func Autoprefix(browsers []string) Transform {
	engines, unknown := ParseBrowsers(browsers)

	return TransformFunc(func(ctx context.Context, files []*File) ([]*File, error) {
		if len(unknown) > 0 {
			zerolog.Ctx(ctx).Debug().Strs("browsers", unknown).Msg("ignoring unsupported browser queries")
		}

		return MapFiles(func(ctx context.Context, file *File) (*File, error) {
			result := api.Transform(string(file.Contents), api.TransformOptions{
				Loader:     api.LoaderCSS,
				Sourcefile: file.Relative(),
				Engines:    engines,
				LogLevel:   api.LogLevelSilent,
			})
			if len(result.Errors) > 0 {
				return nil, eris.New(formatMessage(file, result.Errors[0]))
			}

			file.Contents = result.Code
			return file, nil
		}).Apply(ctx, files)
	})
}
