package config

import (
	"os"
	"reflect"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"

	redisstore "github.com/lzyats/core-collab-go/pkg/cursorstore/redis"
	"github.com/lzyats/core-collab-go/pkg/producer"
)

type Config struct {
	Env string `yaml:"env" validate:"omitempty,oneof=dev test prod"`

	API struct {
		BaseURL        string        `yaml:"base_url" validate:"required,url"`
		ResourceSuffix string        `yaml:"resource_suffix"` // e.g. ".php"
		Timeout        time.Duration `yaml:"timeout" validate:"min=0"`
		UserAgent      string        `yaml:"user_agent"`
	} `yaml:"api"`

	Auth struct {
		Token        string `yaml:"token"`
		Header       string `yaml:"header"`
		BearerPrefix string `yaml:"bearer_prefix"`
	} `yaml:"auth"`

	Breaker struct {
		Threshold int           `yaml:"threshold" validate:"min=0"`
		Window    time.Duration `yaml:"window"`
		OpenFor   time.Duration `yaml:"open_for"`
	} `yaml:"breaker"`

	Polling Polling `yaml:"polling"`

	Watch struct {
		Rooms    []int64        `yaml:"rooms" validate:"dive,gt=0"`
		Calendar map[string]any `yaml:"calendar"` // filters passed to calendar updates
		Tasks    map[string]any `yaml:"tasks"`
	} `yaml:"watch"`

	Redis    redisstore.Settings `yaml:"redis"`
	RocketMQ producer.Settings   `yaml:"rocketmq"`

	Push struct {
		WSURL string `yaml:"ws_url" validate:"omitempty,url"` // notification stream, polling when empty
	} `yaml:"push"`

	Metrics struct {
		Addr string `yaml:"addr"` // ":9108", empty disables /metrics
	} `yaml:"metrics"`

	Forward struct {
		QueueSize int `yaml:"queue_size" validate:"min=0"`
		Workers   int `yaml:"workers" validate:"min=0"`
	} `yaml:"forward"`
}

// Polling holds the interval of every subscription the daemon starts.
type Polling struct {
	ChatMessages  time.Duration `yaml:"chat_messages" validate:"gt=0"`
	Presence      time.Duration `yaml:"presence" validate:"gt=0"`
	Notifications time.Duration `yaml:"notifications" validate:"gt=0"`
	Metrics       time.Duration `yaml:"metrics" validate:"gt=0"`
	Calendar      time.Duration `yaml:"calendar" validate:"gt=0"`
	Tasks         time.Duration `yaml:"tasks" validate:"gt=0"`
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()
	// report yaml keys instead of Go field names
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("yaml"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

// Load supports comma-separated config files: "-c common.yml,collab-watch.yml"
func Load(pathList string) (*Config, error) {
	if strings.TrimSpace(pathList) == "" {
		return nil, errors.New("config path required (e.g. -c ./config.yml or -c common.yml,collab-watch.yml)")
	}
	var c Config
	for _, p := range strings.Split(pathList, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		b, err := os.ReadFile(p)
		if err != nil {
			return nil, errors.Wrapf(err, "config: read %s", p)
		}
		if err := yaml.Unmarshal(b, &c); err != nil {
			return nil, errors.Wrapf(err, "config: parse %s", p)
		}
	}
	c.applyDefaults()
	if err := c.Validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

// Defaults returns a config with every default applied and nothing loaded.
// It is not valid until api.base_url is set.
func Defaults() *Config {
	var c Config
	c.applyDefaults()
	return &c
}

func (c *Config) applyDefaults() {
	if c.Env == "" {
		c.Env = "prod"
	}
	if c.API.Timeout == 0 {
		c.API.Timeout = 15 * time.Second
	}
	if c.Auth.Header == "" {
		c.Auth.Header = "Authorization"
	}
	if c.Auth.BearerPrefix == "" && strings.EqualFold(c.Auth.Header, "Authorization") {
		c.Auth.BearerPrefix = "Bearer "
	}
	c.Polling.defaults()
	if c.Forward.QueueSize == 0 {
		c.Forward.QueueSize = 1024
	}
	if c.Forward.Workers == 0 {
		c.Forward.Workers = 2
	}
	if c.Redis.Prefix == "" {
		c.Redis.Prefix = "collab:cursor:"
	}
	if c.RocketMQ.Enabled && c.RocketMQ.Topic == "" {
		c.RocketMQ.Topic = "collab_events"
	}
}

func (p *Polling) defaults() {
	set := func(d *time.Duration, def time.Duration) {
		if *d == 0 {
			*d = def
		}
	}
	set(&p.ChatMessages, 3*time.Second)
	set(&p.Presence, 30*time.Second)
	set(&p.Notifications, 30*time.Second)
	set(&p.Metrics, time.Minute)
	set(&p.Calendar, 30*time.Second)
	set(&p.Tasks, 30*time.Second)
}

// Validate checks the struct tags plus the rules that span sections.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(err, "config")
	}
	if c.RocketMQ.Enabled && (c.RocketMQ.NameServer == "" || c.RocketMQ.Group == "") {
		return errors.New("config: rocketmq.enabled requires name-server and group")
	}
	return nil
}

// RedisEnabled reports whether polling cursors should be persisted in redis.
func (c *Config) RedisEnabled() bool { return c.Redis.Host != "" }

// Dev reports whether the daemon runs with development logging.
func (c *Config) Dev() bool { return c.Env == "dev" }
