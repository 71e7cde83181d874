package mc

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChatFromLogLine(t *testing.T) {
	tests := []struct {
		line string
		want string
		ok   bool
	}{
		{"[12:00:01] [Render thread/INFO]: [System] [CHAT] MINOR EVENT! KOTH ended", "MINOR EVENT! KOTH ended", true},
		{"[12:00:01] [Client thread/INFO]: [CHAT] Guild > Steve joined.", "Guild > Steve joined.", true},
		{"[12:00:01] [Render thread/INFO]: [CHAT] trailing\r", "trailing", true},
		{"[12:00:01] [Render thread/INFO]: Loaded 12 advancements", "", false},
		{"[12:00:01] [Render thread/WARN]: [CHAT] not info", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := ChatFromLogLine(tt.line)
		assert.Equal(t, tt.ok, ok, tt.line)
		assert.Equal(t, tt.want, got, tt.line)
	}
}

func TestLogTailer_LastChat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "latest.log")
	content := "[10:00:00] [Render thread/INFO]: Setting user: pitbot\n" +
		"[10:00:01] [Render thread/INFO]: [CHAT] one\n" +
		"[10:00:02] [Render thread/INFO]: [CHAT] two\n" +
		"[10:00:03] [Render thread/INFO]: [System] [CHAT] three\n"
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))

	tailer := NewLogTailer(path, clockwork.NewFakeClock())
	lines, err := tailer.LastChat(2)
	require.NoError(t, err)
	assert.Equal(t, []string{"two", "three"}, lines)

	_, err = NewLogTailer(filepath.Join(t.TempDir(), "missing.log"), clockwork.NewFakeClock()).LastChat(5)
	assert.Error(t, err)
}

type lineCollector struct {
	mu    sync.Mutex
	lines []string
}

func (c *lineCollector) handle(_ context.Context, line string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.lines = append(c.lines, line)
}

func (c *lineCollector) get() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.lines...)
}

func appendFile(t *testing.T, path, text string) {
	t.Helper()
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(text)
	require.NoError(t, err)
	require.NoError(t, f.Close())
}

// startTailer runs a tailer over path and waits until it is polling
func startTailer(t *testing.T, path string) (*clockwork.FakeClock, *lineCollector) {
	t.Helper()
	clock := clockwork.NewFakeClock()
	tailer := NewLogTailer(path, clock)
	got := &lineCollector{}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- tailer.Run(ctx, got.handle) }()
	t.Cleanup(func() {
		cancel()
		<-done
	})

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer waitCancel()
	require.NoError(t, clock.BlockUntilContext(waitCtx, 1))
	return clock, got
}

func TestLogTailer_FollowsNewChat(t *testing.T) {
	path := filepath.Join(t.TempDir(), "latest.log")
	require.NoError(t, os.WriteFile(path, []byte("[09:00:00] [Render thread/INFO]: [CHAT] old line\n"), 0o644))

	clock, got := startTailer(t, path)

	appendFile(t, path, "[09:00:05] [Render thread/INFO]: [CHAT] BOUNTY! bump\n[09:00:05] [Render thread/INFO]: Chunk stats\n")
	appendFile(t, path, "[09:00:06] [Render thread/INFO]: [CHAT] half")

	require.Eventually(t, func() bool {
		clock.Advance(LogPollInterval)
		return len(got.get()) >= 1
	}, 2*time.Second, 10*time.Millisecond)

	appendFile(t, path, " a line\n")
	require.Eventually(t, func() bool {
		clock.Advance(LogPollInterval)
		return len(got.get()) >= 2
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"BOUNTY! bump", "half a line"}, got.get(), "existing content is skipped")
}

func TestLogTailer_Rotation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "latest.log")
	require.NoError(t, os.WriteFile(path, []byte("[09:00:00] [Render thread/INFO]: [CHAT] before restart\n"), 0o644))

	clock, got := startTailer(t, path)

	require.NoError(t, os.Rename(path, filepath.Join(dir, "2026-05-01-1.log")))
	require.NoError(t, os.WriteFile(path, []byte("[10:00:00] [Render thread/INFO]: [CHAT] after restart\n"), 0o644))

	require.Eventually(t, func() bool {
		clock.Advance(LogPollInterval)
		return len(got.get()) >= 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, []string{"after restart"}, got.get())
}

func TestLogTailer_MissingFile(t *testing.T) {
	tailer := NewLogTailer(filepath.Join(t.TempDir(), "nope.log"), clockwork.NewFakeClock())
	assert.Error(t, tailer.Run(context.Background(), func(context.Context, string) {}))
}
