package config

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

const validConfig = `
engine:
  name: engine-a
  default_action_timeout: 30m
database:
  path: senlin.db
`

const updatedConfig = `
engine:
  name: engine-b
  max_actions_per_batch: 7
  batch_interval: 1s
  default_action_timeout: 30m
database:
  path: senlin.db
`

const brokenConfig = `
engine:
  default_action_timeout: 0s
database:
  path: senlin.db
`

func TestWatcherReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, validConfig)

	current, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	logger := zerolog.New(nil).Level(zerolog.Disabled)
	watcher := NewWatcher(path, current, logger)

	var mu sync.Mutex
	var reloaded *Config
	watcher.OnReload(func(cfg *Config) {
		mu.Lock()
		reloaded = cfg
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = watcher.Watch(ctx) }()

	// Give the watcher time to install before touching the file.
	time.Sleep(100 * time.Millisecond)
	writeConfig(t, dir, updatedConfig)

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		mu.Lock()
		got := reloaded
		mu.Unlock()
		if got != nil {
			if got.Engine.Name != "engine-b" || got.Engine.MaxActionsPerBatch != 7 {
				t.Fatalf("callback received stale config: %+v", got.Engine)
			}
			if watcher.Current().Engine.Name != "engine-b" {
				t.Fatal("Current() not updated after reload")
			}
			return
		}
		time.Sleep(25 * time.Millisecond)
	}
	t.Fatal("reload callback never fired")
}

func TestWatcherRejectsInvalidReload(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, validConfig)

	current, err := Load(path)
	if err != nil {
		t.Fatalf("failed to load config: %v", err)
	}

	logger := zerolog.New(nil).Level(zerolog.Disabled)
	watcher := NewWatcher(path, current, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = watcher.Watch(ctx) }()

	time.Sleep(100 * time.Millisecond)
	writeConfig(t, dir, brokenConfig)

	// The broken file must not replace the running configuration.
	time.Sleep(time.Second)
	if got := watcher.Current().Engine.Name; got != "engine-a" {
		t.Fatalf("invalid reload replaced the running config: %q", got)
	}
}
