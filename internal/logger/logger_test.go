package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zapcore"
)

func TestLogRotation(t *testing.T) {
	dir := t.TempDir()
	logFile := filepath.Join(dir, "rotate.log")

	// 1MB is the smallest size lumberjack rotates at.
	cfg := FileConfig{Path: logFile, MaxSizeMB: 1, MaxBackups: 2, MaxAgeDays: 1}
	if err := Init("debug", cfg, false); err != nil {
		t.Fatalf("failed to init logger: %v", err)
	}

	payload := strings.Repeat("h", 256)
	for i := 0; i < 6000; i++ {
		Sugar.Infow("tile installed", "stamp", i, "payload", payload)
	}
	Sync()

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("failed to read log dir: %v", err)
	}

	var current, rotated int
	for _, e := range entries {
		switch {
		case e.Name() == "rotate.log":
			current++
		case strings.HasPrefix(e.Name(), "rotate-20") && strings.HasSuffix(e.Name(), ".log"):
			rotated++
		default:
			t.Errorf("unexpected file %s", e.Name())
		}
	}
	if current != 1 {
		t.Error("expected the active log file to exist")
	}
	if rotated == 0 {
		t.Error("expected at least one timestamped backup")
	}
}

func TestLogLevels(t *testing.T) {
	tempDir := t.TempDir()

	tests := []struct {
		level    string
		expected []string
		excluded []string
	}{
		{
			level:    "error",
			expected: []string{"ERROR"},
			excluded: []string{"WARN", "INFO", "DEBUG"},
		},
		{
			level:    "warn",
			expected: []string{"ERROR", "WARN"},
			excluded: []string{"INFO", "DEBUG"},
		},
		{
			level:    "info",
			expected: []string{"ERROR", "WARN", "INFO"},
			excluded: []string{"DEBUG"},
		},
		{
			level:    "debug",
			expected: []string{"ERROR", "WARN", "INFO", "DEBUG"},
			excluded: []string{},
		},
	}

	for _, tt := range tests {
		t.Run(tt.level, func(t *testing.T) {
			logFile := filepath.Join(tempDir, tt.level+".log")

			if err := Init(tt.level, FileConfig{Path: logFile, MaxSizeMB: 10}, false); err != nil {
				t.Fatalf("failed to init logger: %v", err)
			}

			Debug("request queued")
			Info("request completed")
			Warn("request canceled")
			Error("factory failed")
			Sync()

			content, err := os.ReadFile(logFile)
			if err != nil {
				t.Fatalf("failed to read log file: %v", err)
			}

			for _, exp := range tt.expected {
				if !strings.Contains(string(content), exp) {
					t.Errorf("expected %s in log output", exp)
				}
			}
			for _, exc := range tt.excluded {
				if strings.Contains(string(content), exc) {
					t.Errorf("unexpected %s in log output for level %s", exc, tt.level)
				}
			}
		})
	}
}

func TestDefaultFileConfig(t *testing.T) {
	cfg := DefaultFileConfig("/tmp/test.log")

	if cfg.Path != "/tmp/test.log" {
		t.Errorf("expected path /tmp/test.log, got %s", cfg.Path)
	}
	if cfg.MaxSizeMB != 50 {
		t.Errorf("expected MaxSizeMB 50, got %d", cfg.MaxSizeMB)
	}
	if cfg.MaxBackups != 3 {
		t.Errorf("expected MaxBackups 3, got %d", cfg.MaxBackups)
	}
	if cfg.MaxAgeDays != 7 {
		t.Errorf("expected MaxAgeDays 7, got %d", cfg.MaxAgeDays)
	}
	if !cfg.Compress {
		t.Error("expected Compress to be true")
	}
}

func TestNamedJSONFile(t *testing.T) {
	logFile := filepath.Join(t.TempDir(), "json.log")

	cfg := DefaultFileConfig(logFile)
	cfg.Compress = false
	cfg.JSON = true

	if err := Init("info", cfg, false); err != nil {
		t.Fatalf("failed to init logger: %v", err)
	}

	Named("terrain").Info("tile installed")
	Sync()

	content, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("failed to read log file: %v", err)
	}
	line := string(content)

	if !strings.Contains(line, `"component":"terrain"`) {
		t.Errorf("expected component field in %q", line)
	}
	if !strings.Contains(line, `"msg":"tile installed"`) {
		t.Errorf("expected msg field in %q", line)
	}
}

func TestSetLevel(t *testing.T) {
	if err := Init("info", FileConfig{}, false); err != nil {
		t.Fatalf("failed to init logger: %v", err)
	}

	SetLevel("error")
	if Level() != "error" {
		t.Errorf("expected level error, got %s", Level())
	}
	if Log.Core().Enabled(zapcore.WarnLevel) {
		t.Error("expected warn to be disabled at error level")
	}

	SetLevel("bogus")
	if Level() != "info" {
		t.Errorf("expected unknown level to fall back to info, got %s", Level())
	}
}
