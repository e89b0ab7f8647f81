package config

import (
	"time"

	"github.com/caarlos0/env/v11"
)

type GameConfig struct {
	CountdownTicks int           `env:"GAME_COUNTDOWN_TICKS" envDefault:"3"`
	TickInterval   time.Duration `env:"GAME_TICK_INTERVAL" envDefault:"1s"`
	ResultsGrace   time.Duration `env:"GAME_RESULTS_GRACE" envDefault:"500ms"`
	PodiumLead     time.Duration `env:"GAME_PODIUM_LEAD" envDefault:"2s"`
	PodiumSpacing  time.Duration `env:"GAME_PODIUM_SPACING" envDefault:"1500ms"`
	SerializeAdmin bool          `env:"GAME_SERIALIZE_ADMIN" envDefault:"true"`
	BasePoints     int           `env:"GAME_BASE_POINTS" envDefault:"1000"`

	HeartbeatProbe   time.Duration `env:"HEARTBEAT_PROBE_INTERVAL" envDefault:"10s"`
	HeartbeatTimeout time.Duration `env:"HEARTBEAT_TIMEOUT" envDefault:"20s"`
	ReconnectGrace   time.Duration `env:"RECONNECT_GRACE" envDefault:"10s"`
}

func LoadGame() (GameConfig, error) {
	var cfg GameConfig
	err := env.Parse(&cfg)
	return cfg, err
}
