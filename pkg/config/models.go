package config

import "time"

type Config struct {
	LogLevel  string `mapstructure:"logLevel"`
	Server    ServerConfig
	Transport TransportConfig
	Room      RoomConfig
	Store     StoreConfig
	Executor  ExecutorConfig
}

type ServerConfig struct {
	Address         string
	Auth            AuthConfig
	ConnectionLimit ConnectionLimitConfig `mapstructure:"connectionLimit"`
}

type AuthConfig struct {
	JWTSecret string `mapstructure:"jwtSecret"`
	// OpenMode skips the per-room claim check; any authenticated identity
	// may join any room. Intended for local development.
	OpenMode bool `mapstructure:"openMode"`
}

type ConnectionLimitConfig struct {
	MaxPerUser int    `mapstructure:"maxPerUser"`
	Mode       string `mapstructure:"mode"` // "reject" or "cycle"
}

type TransportConfig struct {
	ReadTimeout time.Duration `mapstructure:"readTimeout"`
}

type RoomConfig struct {
	// OpLogDepth is the number of accepted operations each document retains
	// for transforming stale submissions.
	OpLogDepth int           `mapstructure:"opLogDepth"`
	RunTimeout time.Duration `mapstructure:"runTimeout"`
}

type StoreConfig struct {
	// Backend selects the collaborator implementations: "external" uses
	// Postgres + Redis, "memory" keeps everything in-process.
	Backend     string `mapstructure:"backend"`
	PostgresURL string `mapstructure:"postgresUrl"`
	RedisAddr   string `mapstructure:"redisAddr"`
}

type ExecutorConfig struct {
	Endpoint       string        `mapstructure:"endpoint"`
	RequestTimeout time.Duration `mapstructure:"requestTimeout"`
}
