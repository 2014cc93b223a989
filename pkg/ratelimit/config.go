package ratelimit

import "time"

// Config is the domain configuration for a Limiter, loaded with
// config.Load (cleanenv + validator) by callers that want environment-based
// wiring, or constructed directly for tests and embedding.
type Config struct {
	RedisURL          string        `env:"RATELIMIT_REDIS_URL" validate:"required"`
	KeyPrefix         string        `env:"RATELIMIT_KEY_PREFIX" env-default:"ratelimit"`
	DefaultAlgorithm  string        `env:"RATELIMIT_DEFAULT_ALGORITHM" env-default:"fixed" validate:"oneof=fixed bucket sliding"`
	ConnectionTimeout time.Duration `env:"RATELIMIT_CONNECTION_TIMEOUT" env-default:"5s"`
	SocketTimeout     time.Duration `env:"RATELIMIT_SOCKET_TIMEOUT" env-default:"5s"`
	MaxConnections    int           `env:"RATELIMIT_MAX_CONNECTIONS" env-default:"50" validate:"min=1"`
}

func (c Config) keyPrefix() string {
	if c.KeyPrefix == "" {
		return "ratelimit"
	}
	return c.KeyPrefix
}

func (c Config) defaultAlgorithm() Algorithm {
	a := Algorithm(c.DefaultAlgorithm)
	if !a.valid() {
		return AlgorithmFixed
	}
	return a
}
