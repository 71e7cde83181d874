package main

import (
	"errors"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
)

const attemptsFile = "reconnect_attempts"

func attemptsPath(dataDir string) string {
	return filepath.Join(dataDir, attemptsFile)
}

// readAttempts returns the attempt count saved by a previous run, or 0
func readAttempts(path string) int {
	data, err := os.ReadFile(path)
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			slog.Warn("Failed to read reconnect state", "path", path, "error", err)
		}
		return 0
	}
	n, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || n < 0 {
		slog.Warn("Ignoring malformed reconnect state", "path", path, "content", string(data))
		return 0
	}
	return n
}

func writeAttempts(path string, n int) error {
	return os.WriteFile(path, []byte(strconv.Itoa(n)+"\n"), 0o644)
}

func clearAttempts(path string) error {
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}
