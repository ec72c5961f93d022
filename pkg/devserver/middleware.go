package devserver

import (
	"html/template"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"sort"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
	"github.com/rotisserie/eris"
	"github.com/rs/zerolog"
)

func openFile(root, urlPath string) (*os.File, os.FileInfo, error) {
	name := filepath.Join(root, filepath.FromSlash(path.Clean("/"+urlPath)))
	f, err := os.Open(name)
	if err != nil {
		return nil, nil, err
	}

	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, nil, err
	}
	return f, info, nil
}

func serveFile(w http.ResponseWriter, r *http.Request, root, urlPath string) bool {
	f, info, err := openFile(root, urlPath)
	if err != nil {
		return false
	}
	defer f.Close()

	if info.IsDir() {
		if !strings.HasSuffix(r.URL.Path, "/") {
			// relative links in the index page only work with a trailing slash
			index, _, err := openFile(root, path.Join(urlPath, "index.html"))
			if err != nil {
				return false
			}
			index.Close()
			http.Redirect(w, r, r.URL.Path+"/", http.StatusMovedPermanently)
			return true
		}

		return serveFile(w, r, root, path.Join(urlPath, "index.html"))
	}

	http.ServeContent(w, r, info.Name(), info.ModTime(), f)
	return true
}

// Static serves the files below root. Requests for missing files are passed on, directories are served through
// their index.html.
func Static(root string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet && r.Method != http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}

			if !serveFile(w, r, root, r.URL.Path) {
				next.ServeHTTP(w, r)
			}
		})
	}
}

// Mount serves the files below root for requests starting with prefix
func Mount(prefix, root string) mux.MiddlewareFunc {
	prefix = "/" + strings.Trim(prefix, "/")

	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet && r.Method != http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}

			rest := strings.TrimPrefix(r.URL.Path, prefix)
			if rest == r.URL.Path || (rest != "" && !strings.HasPrefix(rest, "/")) {
				next.ServeHTTP(w, r)
				return
			}

			if !serveFile(w, r, root, rest) {
				next.ServeHTTP(w, r)
			}
		})
	}
}

var indexTemplate = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head><meta charset="utf-8"><title>listing directory {{.Path}}</title></head>
<body>
<h1>{{.Path}}</h1>
<ul>
{{- if ne .Path "/"}}
<li><a href="../">..</a></li>
{{- end}}
{{- range .Entries}}
<li><a href="{{.Href}}">{{.Name}}</a>{{if not .Dir}} <small>{{.Size}}</small>{{end}}</li>
{{- end}}
</ul>
</body>
</html>
`))

type indexEntry struct {
	Name string
	Href string
	Size string
	Dir  bool
}

// Index lists the contents of directories below root. Everything else is passed on.
func Index(root string) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Method != http.MethodGet && r.Method != http.MethodHead {
				next.ServeHTTP(w, r)
				return
			}

			dir := filepath.Join(root, filepath.FromSlash(path.Clean("/"+r.URL.Path)))
			items, err := os.ReadDir(dir)
			if err != nil {
				next.ServeHTTP(w, r)
				return
			}

			if !strings.HasSuffix(r.URL.Path, "/") {
				http.Redirect(w, r, r.URL.Path+"/", http.StatusMovedPermanently)
				return
			}

			entries := make([]indexEntry, 0, len(items))
			for _, item := range items {
				if strings.HasPrefix(item.Name(), ".") {
					continue
				}

				entry := indexEntry{Name: item.Name(), Href: url.PathEscape(item.Name()), Dir: item.IsDir()}
				if item.IsDir() {
					entry.Name += "/"
					entry.Href += "/"
				} else if info, err := item.Info(); err == nil {
					entry.Size = humanize.Bytes(uint64(info.Size()))
				}
				entries = append(entries, entry)
			}

			sort.SliceStable(entries, func(i, j int) bool {
				if entries[i].Dir != entries[j].Dir {
					return entries[i].Dir
				}
				return entries[i].Name < entries[j].Name
			})

			w.Header().Set("Content-Type", "text/html; charset=utf-8")
			err = indexTemplate.Execute(w, map[string]interface{}{
				"Path":    path.Clean("/" + r.URL.Path),
				"Entries": entries,
			})
			if err != nil {
				zerolog.Ctx(r.Context()).Error().Err(err).Msg("failed to render directory index")
			}
		})
	}
}

// Proxy forwards every request to target
func Proxy(target string, logger zerolog.Logger) (http.Handler, error) {
	targetURL, err := url.Parse(target)
	if err != nil {
		return nil, eris.Wrapf(err, "invalid proxy target %s", target)
	}

	if targetURL.Scheme == "" || targetURL.Host == "" {
		return nil, eris.Errorf("proxy target %s must be an absolute URL", target)
	}

	proxy := httputil.NewSingleHostReverseProxy(targetURL)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Warn().Err(err).Str("path", r.URL.Path).Msgf("backend request failed")
		http.Error(w, "backend unavailable: "+err.Error(), http.StatusBadGateway)
	}
	return proxy, nil
}
