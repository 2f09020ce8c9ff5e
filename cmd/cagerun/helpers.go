package main

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/cagerun/cage"
	"github.com/cagerun/cage/internal/loader"
	"github.com/cagerun/cage/internal/policy"
	"github.com/cagerun/cage/internal/validator"
)

// initSlog wires a rotating JSON log, the way the teacher's CLI sets up its
// own single log file, but backed by lumberjack instead of a bare *os.File
// so long-running demo sessions don't grow an unbounded log.
func initSlog(logFile, level string) error {
	var lvl slog.Level
	switch level {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}

	if logFile == "" {
		slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
		return nil
	}

	if dir := filepath.Dir(logFile); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return fmt.Errorf("create log dir: %w", err)
		}
	}
	w := &lumberjack.Logger{
		Filename:   logFile,
		MaxSize:    10,
		MaxBackups: 3,
		MaxAge:     7,
		Compress:   true,
	}
	slog.SetDefault(slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: lvl})))
	return nil
}

// appHomeDir mirrors the teacher's own application-support-directory
// convention, relocated under the user's cache dir since this runtime has
// no macOS-specific container tooling to colocate with.
func appHomeDir() (string, error) {
	dir, err := os.UserCacheDir()
	if err != nil {
		return "", fmt.Errorf("user cache dir: %w", err)
	}
	home := filepath.Join(dir, "cagerun")
	if err := os.MkdirAll(home, 0o755); err != nil {
		return "", fmt.Errorf("create app home: %w", err)
	}
	return home, nil
}

// newRuntime wires a cage.Runtime with a fixed demo module image, the
// validator/loader collaborators left deliberately out of scope (§1 of the
// runtime's own design), and the policy resolved from CLI/config flags.
func newRuntime(pol policy.Policy) (*cage.Runtime, error) {
	img := loader.Image{
		DataEnd:    cage.Page,
		EntryPoint: 0x10000,
		StackSize:  cage.Page * 8,
	}
	return cage.New(pol, loader.Fixed{Image: img}, validator.AlwaysOK{})
}
