package config

import (
	"testing"
	"time"
)

func TestLoadGameDefaults(t *testing.T) {
	cfg, err := LoadGame()
	if err != nil {
		t.Fatalf("LoadGame() error = %v", err)
	}
	if cfg.CountdownTicks != 3 {
		t.Fatalf("CountdownTicks = %d, want 3", cfg.CountdownTicks)
	}
	if cfg.ResultsGrace != 500*time.Millisecond {
		t.Fatalf("ResultsGrace = %v, want 500ms", cfg.ResultsGrace)
	}
	if !cfg.SerializeAdmin {
		t.Fatal("SerializeAdmin should default to true")
	}
	if cfg.ReconnectGrace != 10*time.Second {
		t.Fatalf("ReconnectGrace = %v, want 10s", cfg.ReconnectGrace)
	}
}

func TestLoadGameOverrides(t *testing.T) {
	t.Setenv("GAME_COUNTDOWN_TICKS", "5")
	t.Setenv("GAME_SERIALIZE_ADMIN", "false")
	t.Setenv("GAME_BASE_POINTS", "2000")
	t.Setenv("RECONNECT_GRACE", "30s")

	cfg, err := LoadGame()
	if err != nil {
		t.Fatalf("LoadGame() error = %v", err)
	}
	if cfg.CountdownTicks != 5 {
		t.Fatalf("CountdownTicks = %d, want 5", cfg.CountdownTicks)
	}
	if cfg.SerializeAdmin {
		t.Fatal("SerializeAdmin override ignored")
	}
	if cfg.BasePoints != 2000 {
		t.Fatalf("BasePoints = %d, want 2000", cfg.BasePoints)
	}
	if cfg.ReconnectGrace != 30*time.Second {
		t.Fatalf("ReconnectGrace = %v, want 30s", cfg.ReconnectGrace)
	}
}

func TestLoadApp(t *testing.T) {
	t.Setenv("LOG_LEVEL", "debug")
	t.Setenv("HTTP_ADDR", ":9999")

	cfg, err := LoadApp()
	if err != nil {
		t.Fatalf("LoadApp() error = %v", err)
	}
	if cfg.Log.Level != "debug" {
		t.Fatalf("Log.Level = %q, want debug", cfg.Log.Level)
	}
	if cfg.Server.HTTPAddr != ":9999" {
		t.Fatalf("Server.HTTPAddr = %q, want :9999", cfg.Server.HTTPAddr)
	}
	if cfg.Game.TickInterval != time.Second {
		t.Fatalf("Game.TickInterval = %v, want 1s", cfg.Game.TickInterval)
	}
}
