package messaging

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/joeshaw/envdecode"
	goredis "github.com/redis/go-redis/v9"

	"github.com/glimte/mmate-bus/persistence"
	"github.com/glimte/mmate-bus/persistence/pebble"
	"github.com/glimte/mmate-bus/persistence/redis"
)

// Config is the environment configuration of a bus. Defaults are provided
// via struct tags.
type Config struct {
	// ServiceName is stamped as the source of outgoing envelopes. ENV: MMATE_SERVICE_NAME
	ServiceName string `env:"MMATE_SERVICE_NAME,default=mmate"`
	// AMQPURL enables amqp:// destinations. ENV: MMATE_AMQP_URL
	AMQPURL string `env:"MMATE_AMQP_URL"`
	// PebbleDir stores durable envelopes in a local pebble database. ENV: MMATE_PEBBLE_DIR
	PebbleDir string `env:"MMATE_PEBBLE_DIR"`
	// RedisAddr stores durable envelopes in Redis, like "localhost:6379". ENV: MMATE_REDIS_ADDR
	RedisAddr      string `env:"MMATE_REDIS_ADDR"`
	RedisKeyPrefix string `env:"MMATE_REDIS_KEY_PREFIX,default=mmate:envelopes:"`

	MaxAttempts  int           `env:"MMATE_MAX_ATTEMPTS,default=3"`
	RetryInitial time.Duration `env:"MMATE_RETRY_INITIAL,default=100ms"`
	RetryMax     time.Duration `env:"MMATE_RETRY_MAX,default=10s"`

	ReplyTimeout    time.Duration `env:"MMATE_REPLY_TIMEOUT,default=30s"`
	DuplicateWindow int           `env:"MMATE_DUPLICATE_WINDOW,default=1000"`
}

// DefaultConfig returns the configuration used when nothing is set
func DefaultConfig() Config {
	return Config{
		ServiceName:     "mmate",
		RedisKeyPrefix:  redis.DefaultKeyPrefix,
		MaxAttempts:     3,
		RetryInitial:    100 * time.Millisecond,
		RetryMax:        10 * time.Second,
		ReplyTimeout:    DefaultReplyTimeout,
		DuplicateWindow: DefaultDuplicateWindow,
	}
}

// LoadConfig reads the configuration from the environment
func LoadConfig() (Config, error) {
	var cfg Config
	if err := envdecode.Decode(&cfg); err != nil {
		if errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
			return DefaultConfig(), nil
		}
		return Config{}, fmt.Errorf("failed to decode environment: %w", err)
	}
	return cfg, nil
}

// OpenStore opens the envelope store the configuration names: pebble when a
// directory is set, else Redis when an address is set, else memory
func (c Config) OpenStore(logger *slog.Logger) (persistence.EnvelopeStore, error) {
	if logger == nil {
		logger = slog.Default()
	}

	switch {
	case c.PebbleDir != "":
		return pebble.Open(c.PebbleDir, pebble.WithLogger(logger))

	case c.RedisAddr != "":
		client := goredis.NewClient(&goredis.Options{Addr: c.RedisAddr})
		store, err := redis.New(redis.Config{
			Client:    client,
			KeyPrefix: c.RedisKeyPrefix,
			Logger:    logger,
		})
		if err != nil {
			_ = client.Close()
			return nil, err
		}
		return &clientStore{Store: store, client: client}, nil

	default:
		return persistence.NewMemoryStore(), nil
	}
}

// clientStore closes the Redis client it was opened with
type clientStore struct {
	*redis.Store
	client *goredis.Client
}

func (s *clientStore) Close() error {
	return errors.Join(s.Store.Close(), s.client.Close())
}
