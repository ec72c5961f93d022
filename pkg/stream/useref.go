package stream

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// UserefOptions controls Useref
type UserefOptions struct {
	// Cwd is the directory alternate search paths of build blocks are relative to. Defaults to the HTML file's base.
	Cwd string
	// SearchPath lists the directories referenced assets are looked up in
	SearchPath []string
	// JS and CSS are applied to the concatenated scripts and stylesheets. Both are optional.
	JS  Transform
	CSS Transform
}

var buildBlock = regexp.MustCompile(`(?s)<!--\s*build:(\w+)(?:\(([^)]*)\))?(?:\s+(\S+))?\s*-->(.*?)<!--\s*endbuild\s*-->`)

type userefAsset struct {
	kind string
	file *File
}

// Useref replaces the build blocks in HTML files with a single reference to the concatenated assets:
//
//	<!-- build:js scripts/vendor.js -->
//	<script src="../bower_components/jquery/dist/jquery.js"></script>
//	<script src="scripts/plugins.js"></script>
//	<!-- endbuild -->
//
// The concatenated files are added to the stream relative to the HTML file's base. Blocks of type "remove" are
// dropped without replacement.
func Useref(opts UserefOptions) Transform {
	return TransformFunc(func(ctx context.Context, files []*File) ([]*File, error) {
		assets := make(map[string]*userefAsset)
		order := make([]string, 0)
		result := make([]*File, 0, len(files))

		for _, file := range files {
			ext := strings.ToLower(file.Ext())
			if ext != ".html" && ext != ".htm" {
				result = append(result, file)
				continue
			}

			contents, err := processBuildBlocks(file, opts, func(kind, target string, refs []string) error {
				asset, ok := assets[target]
				if ok {
					if asset.kind != kind {
						return eris.Errorf("%s is used for %s and %s blocks", target, asset.kind, kind)
					}
					return nil
				}

				separator := "\n"
				if kind == "js" {
					separator = "\n;"
				}

				var buf bytes.Buffer
				for idx, ref := range refs {
					data, err := os.ReadFile(ref)
					if err != nil {
						return eris.Wrapf(err, "failed to read %s", ref)
					}

					if idx > 0 {
						buf.WriteString(separator)
					}
					buf.Write(data)
				}

				assets[target] = &userefAsset{
					kind: kind,
					file: NewFile(file.Base, filepath.Join(file.Base, filepath.FromSlash(target)), buf.Bytes()),
				}
				order = append(order, target)
				return nil
			})
			if err != nil {
				return nil, eris.Wrapf(err, "failed to process %s", file.Relative())
			}

			file.Contents = contents
			result = append(result, file)
		}

		scripts := make([]*File, 0)
		styles := make([]*File, 0)
		for _, target := range order {
			asset := assets[target]
			if asset.kind == "js" {
				scripts = append(scripts, asset.file)
			} else {
				styles = append(styles, asset.file)
			}
		}

		var err error
		if opts.JS != nil && len(scripts) > 0 {
			scripts, err = opts.JS.Apply(ctx, scripts)
			if err != nil {
				return nil, err
			}
		}

		if opts.CSS != nil && len(styles) > 0 {
			styles, err = opts.CSS.Apply(ctx, styles)
			if err != nil {
				return nil, err
			}
		}

		result = append(result, scripts...)
		return append(result, styles...), nil
	})
}

func processBuildBlocks(file *File, opts UserefOptions, emit func(kind, target string, refs []string) error) ([]byte, error) {
	source := file.Contents
	matches := buildBlock.FindAllSubmatchIndex(source, -1)
	if matches == nil {
		return source, nil
	}

	var out bytes.Buffer
	last := 0
	for _, m := range matches {
		out.Write(source[last:m[0]])
		last = m[1]

		kind := string(source[m[2]:m[3]])
		inner := source[m[8]:m[9]]

		if kind == "remove" {
			continue
		}

		if kind != "js" && kind != "css" {
			return nil, eris.Errorf("unsupported build block type %s", kind)
		}

		if m[6] == -1 {
			return nil, eris.Errorf("%s block without a target", kind)
		}
		target := strings.TrimPrefix(string(source[m[6]:m[7]]), "/")

		dirs := opts.SearchPath
		if m[4] != -1 {
			cwd := opts.Cwd
			if cwd == "" {
				cwd = file.Base
			}

			dirs = make([]string, 0)
			for _, dir := range strings.Split(string(source[m[4]:m[5]]), ",") {
				dir = strings.TrimSpace(dir)
				if !filepath.IsAbs(dir) {
					dir = filepath.Join(cwd, dir)
				}
				dirs = append(dirs, dir)
			}
		}

		refs, err := collectRefs(inner, kind)
		if err != nil {
			return nil, err
		}

		resolved := make([]string, len(refs))
		for idx, ref := range refs {
			resolved[idx], err = resolveRef(file, dirs, ref)
			if err != nil {
				return nil, err
			}
		}

		err = emit(kind, target, resolved)
		if err != nil {
			return nil, err
		}

		if kind == "js" {
			fmt.Fprintf(&out, `<script src="%s"></script>`, target)
		} else {
			fmt.Fprintf(&out, `<link rel="stylesheet" href="%s">`, target)
		}
	}
	out.Write(source[last:])

	return out.Bytes(), nil
}

func collectRefs(block []byte, kind string) ([]string, error) {
	context := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragment(bytes.NewReader(block), context)
	if err != nil {
		return nil, eris.Wrap(err, "failed to parse build block")
	}

	refs := make([]string, 0)
	var walk func(*html.Node)
	walk = func(node *html.Node) {
		if node.Type == html.ElementNode {
			switch {
			case kind == "js" && node.DataAtom == atom.Script:
				if src := attr(node, "src"); src != "" {
					refs = append(refs, src)
				}
			case kind == "css" && node.DataAtom == atom.Link:
				if href := attr(node, "href"); href != "" && strings.EqualFold(attr(node, "rel"), "stylesheet") {
					refs = append(refs, href)
				}
			}
		}

		for child := node.FirstChild; child != nil; child = child.NextSibling {
			walk(child)
		}
	}

	for _, node := range nodes {
		walk(node)
	}
	return refs, nil
}

func attr(node *html.Node, key string) string {
	for _, a := range node.Attr {
		if a.Key == key {
			return a.Val
		}
	}
	return ""
}

func resolveRef(file *File, searchPath []string, ref string) (string, error) {
	if pos := strings.IndexAny(ref, "?#"); pos > -1 {
		ref = ref[:pos]
	}

	if strings.HasPrefix(ref, "/") {
		ref = strings.TrimPrefix(ref, "/")
	} else {
		// relative references are resolved against the HTML file's location inside each search directory
		dir := path.Dir(file.Relative())
		ref = path.Clean(path.Join(dir, ref))
	}

	candidates := make([]string, 0, len(searchPath)+1)
	for _, dir := range searchPath {
		candidates = append(candidates, filepath.Join(dir, filepath.FromSlash(ref)))
	}
	candidates = append(candidates, filepath.Join(file.Base, filepath.FromSlash(ref)))

	for _, candidate := range candidates {
		if fileExists(candidate) {
			return candidate, nil
		}
	}

	return "", eris.Errorf("could not find %s in %s", ref, strings.Join(searchPath, ", "))
}
