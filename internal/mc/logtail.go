package mc

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/jonboulle/clockwork"
)

// LogPollInterval is how often the client log is checked for new content
const LogPollInterval = 250 * time.Millisecond

// chatLogRegex matches a chat entry in the client log, with or without the
// [System] source tag newer clients add:
//
//	[12:34:56] [Render thread/INFO]: [System] [CHAT] BOOSTER! ...
var chatLogRegex = regexp.MustCompile(`^\[[^\]]*\] \[[^\]]*/INFO\]: (?:\[System\] )?\[CHAT\] (.*)$`)

// ChatFromLogLine extracts the chat text from a client log line
func ChatFromLogLine(line string) (string, bool) {
	m := chatLogRegex.FindStringSubmatch(strings.TrimRight(line, "\r"))
	if m == nil {
		return "", false
	}
	return m[1], true
}

// LogTailer follows the game client's log file and yields chat lines. It is
// an alternative chat source for setups where the sidecar does not publish
// chat itself.
type LogTailer struct {
	path     string
	clock    clockwork.Clock
	file     *os.File
	position int64
}

// NewLogTailer creates a tailer for the client log at path
func NewLogTailer(path string, clock clockwork.Clock) *LogTailer {
	return &LogTailer{path: path, clock: clock}
}

// LastChat reads the last n chat lines already in the log, oldest first
func (t *LogTailer) LastChat(n int) ([]string, error) {
	file, err := os.Open(t.path)
	if err != nil {
		return nil, fmt.Errorf("opening client log: %w", err)
	}
	defer file.Close()

	var lines []string
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		if text, ok := ChatFromLogLine(scanner.Text()); ok {
			lines = append(lines, text)
			if len(lines) > n {
				lines = lines[1:]
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading client log: %w", err)
	}
	return lines, nil
}

// Run tails the log from its current end, calling handle for each new chat
// line, until ctx is cancelled
func (t *LogTailer) Run(ctx context.Context, handle func(ctx context.Context, line string)) error {
	if err := t.open(); err != nil {
		return err
	}
	defer t.file.Close()
	slog.Info("Tailing client log", "path", t.path, "offset", t.position)

	ticker := t.clock.NewTicker(LogPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.Chan():
			if err := t.readNew(ctx, handle); err != nil {
				slog.Warn("Client log read failed", "path", t.path, "error", err)
			}
		}
	}
}

func (t *LogTailer) open() error {
	file, err := os.Open(t.path)
	if err != nil {
		return fmt.Errorf("opening client log: %w", err)
	}
	pos, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		file.Close()
		return fmt.Errorf("seeking to end: %w", err)
	}
	t.file = file
	t.position = pos
	return nil
}

// readNew handles complete lines written since the last read. The client
// rotates latest.log on start, so a replaced or truncated file is reread
// from the beginning.
func (t *LogTailer) readNew(ctx context.Context, handle func(ctx context.Context, line string)) error {
	if err := t.reopenIfRotated(); err != nil {
		return err
	}

	stat, err := t.file.Stat()
	if err != nil {
		return fmt.Errorf("stat client log: %w", err)
	}
	if stat.Size() < t.position {
		t.position = 0
	}
	if stat.Size() == t.position {
		return nil
	}

	if _, err := t.file.Seek(t.position, io.SeekStart); err != nil {
		return fmt.Errorf("seeking client log: %w", err)
	}
	reader := bufio.NewReader(t.file)
	for {
		line, err := reader.ReadString('\n')
		if err == io.EOF {
			// Partial line, picked up on the next poll
			return nil
		}
		if err != nil {
			return fmt.Errorf("reading client log: %w", err)
		}
		t.position += int64(len(line))

		if text, ok := ChatFromLogLine(strings.TrimSuffix(line, "\n")); ok {
			handle(ctx, text)
		}
	}
}

func (t *LogTailer) reopenIfRotated() error {
	current, err := os.Stat(t.path)
	if err != nil {
		// Mid-rotation; keep the old handle until the new file appears
		return nil
	}
	open, err := t.file.Stat()
	if err != nil {
		return fmt.Errorf("stat client log: %w", err)
	}
	if os.SameFile(current, open) {
		return nil
	}

	file, err := os.Open(t.path)
	if err != nil {
		return fmt.Errorf("reopening client log: %w", err)
	}
	t.file.Close()
	t.file = file
	t.position = 0
	slog.Info("Client log rotated, reading from start", "path", t.path)
	return nil
}
