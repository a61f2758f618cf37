// Package producer publishes bridge events to RocketMQ.
package producer

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	rmq "github.com/apache/rocketmq-client-go/v2"
	"github.com/apache/rocketmq-client-go/v2/primitive"
	"github.com/apache/rocketmq-client-go/v2/producer"
	"github.com/pkg/errors"

	"github.com/lzyats/core-collab-go/pkg/bridge"
)

type Settings struct {
	Enabled    bool   `yaml:"enabled"`
	NameServer string `yaml:"name-server"`
	Group      string `yaml:"group"`
	AccessKey  string `yaml:"access-key"`
	SecretKey  string `yaml:"secret-key"`
	Topic      string `yaml:"topic"`
	// Tag overrides the per-message tag, which otherwise is the event domain.
	Tag   string `yaml:"tag"`
	Retry int    `yaml:"retry"`
}

func (s Settings) validate() error {
	if s.NameServer == "" {
		return fmt.Errorf("rocketmq: missing name-server")
	}
	if s.Group == "" {
		return fmt.Errorf("rocketmq: missing group")
	}
	if s.Topic == "" {
		return fmt.Errorf("rocketmq: missing topic")
	}
	return nil
}

// sender is the part of rmq.Producer used here.
type sender interface {
	Start() error
	Shutdown() error
	SendSync(ctx context.Context, mq ...*primitive.Message) (*primitive.SendResult, error)
}

// RocketMQ is a bridge.Publisher. The underlying producer starts on first use.
type RocketMQ struct {
	cfg Settings

	mu      sync.Mutex
	p       sender
	started bool
	closed  bool
}

var ErrClosed = errors.New("rocketmq: producer closed")

var _ bridge.Publisher = (*RocketMQ)(nil)

func New(cfg Settings) (*RocketMQ, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	if cfg.Retry <= 0 {
		cfg.Retry = 2
	}
	opts := []producer.Option{
		producer.WithNameServer([]string{cfg.NameServer}),
		producer.WithGroupName(cfg.Group),
		producer.WithRetry(cfg.Retry),
	}
	// ACL: when access/secret provided.
	if cfg.AccessKey != "" || cfg.SecretKey != "" {
		opts = append(opts, producer.WithCredentials(primitive.Credentials{
			AccessKey: cfg.AccessKey,
			SecretKey: cfg.SecretKey,
		}))
	}
	prd, err := rmq.NewProducer(opts...)
	if err != nil {
		return nil, errors.Wrap(err, "rocketmq: new producer")
	}
	return &RocketMQ{cfg: cfg, p: prd}, nil
}

func newWithSender(cfg Settings, s sender) *RocketMQ {
	return &RocketMQ{cfg: cfg, p: s}
}

func (r *RocketMQ) start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return ErrClosed
	}
	if r.started {
		return nil
	}
	if err := r.p.Start(); err != nil {
		return errors.Wrap(err, "rocketmq: start producer")
	}
	r.started = true
	return nil
}

func (r *RocketMQ) Publish(ctx context.Context, evt *bridge.WireEvent) error {
	m, err := r.Message(evt)
	if err != nil {
		return err
	}
	if err := r.start(); err != nil {
		return err
	}
	res, err := r.p.SendSync(ctx, m)
	if err != nil {
		return errors.Wrapf(err, "rocketmq: send %s", evt.Event)
	}
	if res != nil && res.Status != primitive.SendOK {
		return fmt.Errorf("rocketmq: send %s: status %d", evt.Event, res.Status)
	}
	return nil
}

// Message builds the MQ message for evt: JSON body, trace id as key, domain
// (or the configured tag) as tag.
func (r *RocketMQ) Message(evt *bridge.WireEvent) (*primitive.Message, error) {
	if evt == nil {
		return nil, fmt.Errorf("nil event")
	}
	b, err := json.Marshal(evt)
	if err != nil {
		return nil, err
	}
	m := primitive.NewMessage(r.cfg.Topic, b)
	tag := r.cfg.Tag
	if tag == "" {
		tag = evt.Domain
	}
	if tag != "" {
		m.WithTag(tag)
	}
	if evt.TraceID != "" {
		m.WithKeys([]string{evt.TraceID})
	}
	return m, nil
}

func (r *RocketMQ) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil
	}
	r.closed = true
	if !r.started {
		return nil
	}
	return r.p.Shutdown()
}
