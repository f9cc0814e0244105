// Package config loads the demo daemon's settings: receiver-class
// budgets, acceptor backlog depth, and shared-memory sizing, the way
// the original feeder loaded its per-exchange TOML config.
package config

import (
	"os"
	"strconv"

	"github.com/joho/godotenv"
	"github.com/pelletier/go-toml/v2"
)

// DefaultShmSizeEnv is the environment variable carrying the default
// shared-memory region size in bytes, consulted once and memoized.
const DefaultShmSizeEnv = "AMSR_IPC_DEFAULT_SHM_SIZE"

const defaultShmSize = 128 << 10 // 128 KiB

// Config is the demo binary's TOML configuration: acceptor backlog
// depth and per-class admission budgets for the slot router.
type Config struct {
	Acceptor AcceptorConfig          `toml:"acceptor"`
	Classes  map[string]ClassConfig `toml:"classes"`
}

// AcceptorConfig controls acceptor.Init's backlog cap.
type AcceptorConfig struct {
	BacklogDepth int `toml:"backlog_depth"`
}

// ClassConfig is one receiver class's rate-limit budget.
type ClassConfig struct {
	Budget int `toml:"budget"`
}

// Load reads and parses a TOML config file. A missing Acceptor.BacklogDepth
// defaults to 1.
func Load(path string) (*Config, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var c Config
	if err := toml.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	if c.Acceptor.BacklogDepth <= 0 {
		c.Acceptor.BacklogDepth = 1
	}
	return &c, nil
}

// LoadDotEnv loads a .env file if present, ignoring its absence (the
// daemon runs fine from ambient environment variables alone).
func LoadDotEnv(path string) {
	_ = godotenv.Load(path)
}

var memoizedShmSize int

// DefaultShmSize returns the configured default shared-memory region
// size, reading AMSR_IPC_DEFAULT_SHM_SIZE on first call and memoizing
// the result for the life of the process.
func DefaultShmSize() int {
	if memoizedShmSize != 0 {
		return memoizedShmSize
	}
	v := os.Getenv(DefaultShmSizeEnv)
	if v == "" {
		memoizedShmSize = defaultShmSize
		return memoizedShmSize
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		memoizedShmSize = defaultShmSize
		return memoizedShmSize
	}
	memoizedShmSize = n
	return memoizedShmSize
}
