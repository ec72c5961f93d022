package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"

	"github.com/aymerick/raymond"
	"github.com/rotisserie/eris"
)

// Replace replaces all matches of the regular expression pattern with repl. repl can reference groups ($1).
func Replace(pattern, repl string) (Transform, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, eris.Wrapf(err, "invalid pattern %s", pattern)
	}

	return MapFiles(func(ctx context.Context, file *File) (*File, error) {
		file.Contents = re.ReplaceAll(file.Contents, []byte(repl))
		return file, nil
	}), nil
}

// Filter only keeps files that match at least one of the patterns
func Filter(patterns []string) Transform {
	return MapFiles(func(ctx context.Context, file *File) (*File, error) {
		for _, pattern := range patterns {
			if file.Match(pattern) {
				return file, nil
			}
		}
		return nil, nil
	})
}

// Flatten drops the directory structure so that every file ends up directly inside the destination
func Flatten() Transform {
	return MapFiles(func(ctx context.Context, file *File) (*File, error) {
		file.Base = filepath.Dir(file.Path)
		return file, nil
	})
}

// When applies transform only to the files matching glob. Other files pass through unchanged.
func When(glob string, transform Transform) Transform {
	return TransformFunc(func(ctx context.Context, files []*File) ([]*File, error) {
		matched := make([]*File, 0, len(files))
		rest := make([]*File, 0, len(files))
		for _, file := range files {
			if file.Match(glob) {
				matched = append(matched, file)
			} else {
				rest = append(rest, file)
			}
		}

		if len(matched) == 0 {
			return files, nil
		}

		processed, err := transform.Apply(ctx, matched)
		if err != nil {
			return nil, err
		}

		return append(processed, rest...), nil
	})
}

// Changed drops files whose counterpart in dest is at least as new as the source. ext replaces the source
// extension when looking for the counterpart (i.e. ".css" for LESS sources).
func Changed(dest, ext string) Transform {
	return MapFiles(func(ctx context.Context, file *File) (*File, error) {
		target := filepath.Join(dest, filepath.FromSlash(file.Relative()))
		if ext != "" {
			target = strings.TrimSuffix(target, filepath.Ext(target)) + ext
		}

		info, err := os.Stat(target)
		if err != nil {
			if eris.Is(err, os.ErrNotExist) {
				return file, nil
			}
			return nil, eris.Wrapf(err, "failed to check %s", target)
		}

		if !file.ModTime.After(info.ModTime()) {
			return nil, nil
		}
		return file, nil
	})
}

// Rename replaces the extension of every file
func Rename(ext string) Transform {
	return MapFiles(func(ctx context.Context, file *File) (*File, error) {
		file.SetExt(ext)
		return file, nil
	})
}

// Handlebars checks that each template compiles and turns it into a JavaScript expression which compiles the
// template at runtime. Use DefineModule to make the result loadable, it imports the handlebars runtime as
// Handlebars.
func Handlebars() Transform {
	return MapFiles(func(ctx context.Context, file *File) (*File, error) {
		source := string(file.Contents)
		_, err := raymond.Parse(source)
		if err != nil {
			return nil, eris.Wrapf(err, "invalid template %s", file.Relative())
		}

		encoded, err := json.Marshal(source)
		if err != nil {
			return nil, err
		}

		file.Contents = []byte(fmt.Sprintf("Handlebars.compile(%s)", encoded))
		file.SetExt(".js")
		if file.Requires == nil {
			file.Requires = make(map[string]string)
		}
		file.Requires["Handlebars"] = "handlebars"
		return file, nil
	})
}

// DefineModule wraps each file's contents (a JavaScript expression) in a module definition. kind is one of
// "commonjs", "amd" or "plain". requires maps variable names to the modules they're loaded from and is merged
// with the requirements earlier transforms recorded on the file (i.e. Handlebars), requires wins on conflicts.
// Plain definitions expect their requirements as globals.
func DefineModule(kind string, requires map[string]string) (Transform, error) {
	var wrap func(expr string, names []string, modules map[string]string) string
	switch kind {
	case "commonjs", "node":
		wrap = func(expr string, names []string, modules map[string]string) string {
			var buf strings.Builder
			for _, name := range names {
				fmt.Fprintf(&buf, "var %s = require(%q);\n", name, modules[name])
			}
			fmt.Fprintf(&buf, "module.exports = %s;\n", expr)
			return buf.String()
		}
	case "amd":
		wrap = func(expr string, names []string, modules map[string]string) string {
			deps := make([]string, len(names))
			for idx, name := range names {
				deps[idx] = fmt.Sprintf("%q", modules[name])
			}
			return fmt.Sprintf("define([%s], function(%s) { return %s; });\n",
				strings.Join(deps, ", "), strings.Join(names, ", "), expr)
		}
	case "plain":
		wrap = func(expr string, names []string, modules map[string]string) string {
			return expr + ";\n"
		}
	default:
		return nil, eris.Errorf("unsupported module type %s", kind)
	}

	return MapFiles(func(ctx context.Context, file *File) (*File, error) {
		modules := make(map[string]string, len(file.Requires)+len(requires))
		for name, module := range file.Requires {
			modules[name] = module
		}
		for name, module := range requires {
			modules[name] = module
		}

		names := make([]string, 0, len(modules))
		for name := range modules {
			names = append(names, name)
		}
		sort.Strings(names)

		file.Contents = []byte(wrap(strings.TrimSpace(string(file.Contents)), names, modules))
		return file, nil
	}), nil
}
