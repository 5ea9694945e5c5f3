package logger

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestSetupDoesNotPanic(t *testing.T) {
	tests := []struct {
		level  string
		format string
	}{
		{"DEBUG", "json"},
		{"INFO", "console"},
		{"WARN", "json"},
		{"ERROR", "console"},
		{"bogus", "bogus"},
	}

	for _, tt := range tests {
		t.Run(tt.level+"_"+tt.format, func(t *testing.T) {
			Setup(tt.level, tt.format)
			if Log == nil {
				t.Fatal("Log is nil after Setup")
			}
			Log.Info("test message", "key", "value")
			Log.Debug("debug message", "n", 1)
			Log.Warn("warn message")
			Log.Error("error message", "odd")
		})
	}
}

func TestSetupWithDirCreatesLogFile(t *testing.T) {
	dir := filepath.Join(t.TempDir(), "runs", "r1")
	if err := SetupWithDir("INFO", "json", dir); err != nil {
		t.Fatalf("SetupWithDir: %v", err)
	}
	Log.Info("training step", "step", 10, "loss", 1.5)

	data, err := os.ReadFile(filepath.Join(dir, "run.log"))
	if err != nil {
		t.Fatalf("reading run.log: %v", err)
	}
	if !strings.Contains(string(data), "training step") {
		t.Errorf("run.log missing log line, got %q", string(data))
	}
}
