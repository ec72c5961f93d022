package livereload

import (
	"bytes"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

// Snippet returns the script tag which loads the client from the live reload server on port
func Snippet(port int) string {
	return fmt.Sprintf(`<script>//<![CDATA[
document.write('<script src="//' + (location.hostname || 'localhost') + ':%d/livereload.js?snipver=1"><\/script>')
//]]></script>`, port)
}

type bufferedWriter struct {
	w      http.ResponseWriter
	header http.Header
	status int
	body   bytes.Buffer
}

func (b *bufferedWriter) Header() http.Header {
	return b.header
}

func (b *bufferedWriter) WriteHeader(status int) {
	if b.status == 0 {
		b.status = status
	}
}

func (b *bufferedWriter) Write(data []byte) (int, error) {
	if b.status == 0 {
		b.status = http.StatusOK
	}
	return b.body.Write(data)
}

func (b *bufferedWriter) Unwrap() http.ResponseWriter {
	return b.w
}

// Inject inserts snippet before the closing body tag. Documents without one get it appended.
func Inject(document []byte, snippet string) []byte {
	lower := bytes.ToLower(document)
	pos := bytes.LastIndex(lower, []byte("</body>"))
	if pos == -1 {
		return append(document, snippet...)
	}

	result := make([]byte, 0, len(document)+len(snippet))
	result = append(result, document[:pos]...)
	result = append(result, snippet...)
	return append(result, document[pos:]...)
}

// Injector adds the live reload snippet to every HTML page served by next
func Injector(port int, next http.Handler) http.Handler {
	snippet := Snippet(port)

	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.Header.Get("Upgrade") != "" {
			next.ServeHTTP(w, r)
			return
		}

		// compressed or partial bodies can't be modified
		r.Header.Del("Accept-Encoding")
		r.Header.Del("Range")

		buf := &bufferedWriter{w: w, header: make(http.Header)}
		next.ServeHTTP(buf, r)

		body := buf.body.Bytes()
		if strings.HasPrefix(buf.header.Get("Content-Type"), "text/html") && buf.header.Get("Content-Encoding") == "" {
			body = Inject(body, snippet)
			buf.header.Set("Content-Length", strconv.Itoa(len(body)))
		}

		for key, values := range buf.header {
			w.Header()[key] = values
		}

		status := buf.status
		if status == 0 {
			status = http.StatusOK
		}
		w.WriteHeader(status)
		_, _ = w.Write(body)
	})
}
