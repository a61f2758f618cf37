package redisstore

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/lzyats/core-collab-go/pkg/cursorstore"
)

const defaultPrefix = "collab:cursor:"

type Settings struct {
	Host     string        `yaml:"host"`
	Port     int           `yaml:"port"`
	Password string        `yaml:"password"`
	Database int           `yaml:"database"`
	Timeout  time.Duration `yaml:"timeout"`
	PoolSize int           `yaml:"pool_size"`

	Prefix string        `yaml:"prefix"`
	TTL    time.Duration `yaml:"ttl"` // 0 keeps cursors forever
}

/*
Keys:
  - {prefix}{subscription key}, e.g. collab:cursor:chat.messages:5 -> "101"
*/
type Store struct {
	cli    redis.UniversalClient
	prefix string
	ttl    time.Duration
}

var _ cursorstore.Store = (*Store)(nil)

func New(cfg Settings) (*Store, error) {
	if cfg.Host == "" {
		return nil, fmt.Errorf("redis: missing host")
	}
	if cfg.Port == 0 {
		cfg.Port = 6379
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 5 * time.Second
	}
	opts := &redis.Options{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Password:     cfg.Password,
		DB:           cfg.Database,
		DialTimeout:  cfg.Timeout,
		ReadTimeout:  cfg.Timeout,
		WriteTimeout: cfg.Timeout,
	}
	if cfg.PoolSize > 0 {
		opts.PoolSize = cfg.PoolSize
	}
	return NewWithClient(redis.NewClient(opts), cfg.Prefix, cfg.TTL), nil
}

// NewWithClient wraps an existing client. An empty prefix means "collab:cursor:".
func NewWithClient(cli redis.UniversalClient, prefix string, ttl time.Duration) *Store {
	if prefix == "" {
		prefix = defaultPrefix
	}
	return &Store{cli: cli, prefix: prefix, ttl: ttl}
}

func (s *Store) Close() error { return s.cli.Close() }

func (s *Store) Ping(ctx context.Context) error {
	return errors.Wrap(s.cli.Ping(ctx).Err(), "redis: ping")
}

func (s *Store) key(k string) string { return s.prefix + k }

func (s *Store) Load(ctx context.Context, key string) (string, bool, error) {
	v, err := s.cli.Get(ctx, s.key(key)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, errors.Wrapf(err, "redis: load cursor %s", key)
	}
	return v, true, nil
}

func (s *Store) Save(ctx context.Context, key, cursor string) error {
	return errors.Wrapf(s.cli.Set(ctx, s.key(key), cursor, s.ttl).Err(), "redis: save cursor %s", key)
}

// Forget removes the cursor for key.
func (s *Store) Forget(ctx context.Context, key string) error {
	return errors.Wrapf(s.cli.Del(ctx, s.key(key)).Err(), "redis: forget cursor %s", key)
}
