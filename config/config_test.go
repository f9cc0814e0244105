package config

import (
	"os"
	"path/filepath"
	"testing"
)

func TestLoadParsesClassesAndDefaultsBacklog(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	body := `
[acceptor]

[classes.default]
budget = 4

[classes.diagnostics]
budget = 1
`
	if err := os.WriteFile(path, []byte(body), 0o600); err != nil {
		t.Fatalf("WriteFile: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Acceptor.BacklogDepth != 1 {
		t.Fatalf("expected default backlog depth 1, got %d", cfg.Acceptor.BacklogDepth)
	}
	if cfg.Classes["default"].Budget != 4 {
		t.Fatalf("expected default class budget 4, got %d", cfg.Classes["default"].Budget)
	}
}

func TestDefaultShmSizeFallsBackWithoutEnv(t *testing.T) {
	memoizedShmSize = 0
	os.Unsetenv(DefaultShmSizeEnv)
	if got := DefaultShmSize(); got != defaultShmSize {
		t.Fatalf("expected fallback %d, got %d", defaultShmSize, got)
	}
}

func TestDefaultShmSizeReadsEnvOnce(t *testing.T) {
	memoizedShmSize = 0
	os.Setenv(DefaultShmSizeEnv, "2048")
	defer os.Unsetenv(DefaultShmSizeEnv)
	if got := DefaultShmSize(); got != 2048 {
		t.Fatalf("expected 2048, got %d", got)
	}
	os.Setenv(DefaultShmSizeEnv, "9999")
	if got := DefaultShmSize(); got != 2048 {
		t.Fatalf("expected memoized 2048, got %d", got)
	}
}
