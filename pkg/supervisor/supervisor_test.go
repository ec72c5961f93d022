package supervisor

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestInvalidCommand(t *testing.T) {
	_, err := New(Options{Command: "echo 'unterminated"}, zerolog.Nop())
	require.Error(t, err)
}

func TestRestartsOnChange(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(root, "server"), 0o770))

	out := &syncBuffer{}
	sup, err := New(Options{
		Command:     "echo \"started $WEBPIPE_DEVELOPMENT\"; sleep 30",
		Dir:         root,
		Env:         map[string]string{"WEBPIPE_DEVELOPMENT": "true"},
		Watch:       []string{"server/**/*"},
		KillTimeout: 500 * time.Millisecond,
		Stdout:      out,
	}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- sup.Run(ctx)
	}()

	require.Eventually(t, func() bool {
		return strings.Count(out.String(), "started true") == 1
	}, 5*time.Second, 20*time.Millisecond)

	require.NoError(t, os.WriteFile(filepath.Join(root, "server", "server"), []byte("new"), 0o660))

	require.Eventually(t, func() bool {
		return strings.Count(out.String(), "started true") >= 2
	}, 5*time.Second, 20*time.Millisecond)
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, 2, sup.Starts())
	assert.Equal(t, 2, strings.Count(out.String(), "started true"))

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor didn't stop")
	}
}

func TestWaitsAfterCrash(t *testing.T) {
	root := t.TempDir()
	sup, err := New(Options{
		Command: "exit 3",
		Dir:     root,
		Watch:   []string{"*.txt"},
	}, zerolog.Nop())
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- sup.Run(ctx)
	}()

	require.Eventually(t, func() bool { return sup.Starts() == 1 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(100 * time.Millisecond)
	assert.Equal(t, 1, sup.Starts())

	// one save emits several events but restarts once
	require.NoError(t, os.WriteFile(filepath.Join(root, "changed.txt"), []byte("x"), 0o660))
	require.Eventually(t, func() bool { return sup.Starts() == 2 }, 5*time.Second, 10*time.Millisecond)
	time.Sleep(500 * time.Millisecond)
	assert.Equal(t, 2, sup.Starts())

	cancel()
	require.NoError(t, <-done)
}
