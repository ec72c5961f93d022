package watcher

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func TestMatch(t *testing.T) {
	root := t.TempDir()
	w, err := New(root, []string{"app/scripts/**/*.js", "!app/scripts/vendor/**", "app/*.html"}, zerolog.Nop())
	require.NoError(t, err)
	defer w.Close()

	assert.True(t, w.Match(filepath.Join(root, "app", "scripts", "main.js")))
	assert.True(t, w.Match(filepath.Join(root, "app", "scripts", "views", "list.js")))
	assert.False(t, w.Match(filepath.Join(root, "app", "scripts", "vendor", "jquery.js")))
	assert.True(t, w.Match(filepath.Join(root, "app", "index.html")))
	assert.False(t, w.Match(filepath.Join(root, "app", "styles", "main.less")))
}

func TestNoPatterns(t *testing.T) {
	_, err := New(t.TempDir(), []string{"!foo"}, zerolog.Nop())
	require.Error(t, err)
}

func TestRunReportsChanges(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "app", "styles"), 0o770))

	w, err := New(root, []string{"app/**/*.less", ".tmp/styles/**/*.css"}, zerolog.Nop())
	require.NoError(t, err)

	changes := make(chan string, 16)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- w.Run(ctx, func(path string) {
			changes <- path
		})
	}()

	expectChange := func(path string) {
		t.Helper()

		deadline := time.After(5 * time.Second)
		for {
			select {
			case changed := <-changes:
				if changed == path {
					return
				}
			case <-deadline:
				t.Fatalf("no change reported for %s", path)
			}
		}
	}

	less := filepath.Join(root, "app", "styles", "main.less")
	require.NoError(t, os.WriteFile(less, []byte("a{}"), 0o660))
	expectChange(less)

	// ignored file
	require.NoError(t, os.WriteFile(filepath.Join(root, "app", "styles", "notes.txt"), []byte("x"), 0o660))

	// .tmp doesn't exist yet; the watcher picks up the new directories
	require.NoError(t, os.Mkdir(filepath.Join(root, ".tmp"), 0o770))
	time.Sleep(100 * time.Millisecond)
	require.NoError(t, os.Mkdir(filepath.Join(root, ".tmp", "styles"), 0o770))
	time.Sleep(100 * time.Millisecond)

	css := filepath.Join(root, ".tmp", "styles", "main.css")
	require.NoError(t, os.WriteFile(css, []byte("a{}"), 0o660))
	expectChange(css)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher didn't stop")
	}
}
