// Copyright 2024 Mmate Contributors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package mmate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/glimte/mmate-bus/health"
	"github.com/glimte/mmate-bus/messaging"
	"github.com/glimte/mmate-bus/persistence"
)

// Client provides the main entry point for mmate-bus. It owns a started bus
// and, unless one was supplied, the envelope store behind it.
type Client struct {
	bus         *messaging.Bus
	store       persistence.EnvelopeStore
	ownsStore   bool
	health      *health.Registry
	logger      *slog.Logger
	serviceName string
}

// NewClient creates a client configured from MMATE_* environment variables
func NewClient(ctx context.Context, options ...ClientOption) (*Client, error) {
	cfg, err := messaging.LoadConfig()
	if err != nil {
		return nil, err
	}
	return NewClientWithConfig(ctx, cfg, options...)
}

// NewClientWithConfig creates a client from cfg and starts its bus
func NewClientWithConfig(ctx context.Context, cfg messaging.Config, options ...ClientOption) (*Client, error) {
	cc := &clientConfig{
		logger:          slog.Default(),
		deadLetterLimit: 100,
	}
	for _, opt := range options {
		opt(cc)
	}

	store, ownsStore := cc.store, false
	if store == nil {
		var err error
		store, err = cfg.OpenStore(cc.logger)
		if err != nil {
			return nil, fmt.Errorf("failed to open store: %w", err)
		}
		ownsStore = true
	}
	closeStore := func() {
		if ownsStore {
			if err := store.Close(); err != nil {
				cc.logger.Error("failed to close store", "error", err)
			}
		}
	}

	opts := messaging.NewOptions().ApplyConfig(cfg).WithStore(store).WithLogger(cc.logger)
	if cc.serviceName != "" {
		opts.ServiceName(cc.serviceName)
	}
	if len(cc.middleware) > 0 {
		opts.Use(cc.middleware...)
	}
	for _, configure := range cc.configure {
		if err := configure(opts); err != nil {
			closeStore()
			return nil, err
		}
	}

	settings, err := opts.Build()
	if err != nil {
		closeStore()
		return nil, err
	}

	bus := messaging.NewBus(settings)
	if err := bus.Start(ctx); err != nil {
		closeStore()
		return nil, fmt.Errorf("failed to start bus: %w", err)
	}

	c := &Client{
		bus:         bus,
		store:       store,
		ownsStore:   ownsStore,
		logger:      cc.logger,
		serviceName: settings.ServiceName(),
	}
	c.health = c.buildHealth(settings, cc)
	return c, nil
}

func (c *Client) buildHealth(settings *messaging.Settings, cc *clientConfig) *health.Registry {
	registry := health.NewRegistry()
	registry.Register(
		health.NewStoreChecker(c.store, cc.deadLetterLimit),
		health.NewDestinationChecker(c.bus, messaging.DefaultLocalQueue),
	)
	for _, endpoint := range settings.Endpoints() {
		registry.Register(health.NewDestinationChecker(c.bus, endpoint.URI))
	}
	if settings.AMQPURL() != "" {
		registry.Register(health.NewBrokerChecker(settings.AMQPURL(), 5*time.Second, c.logger))
	}
	registry.Register(cc.checkers...)
	return registry
}

// Bus returns the started bus
func (c *Client) Bus() *messaging.Bus {
	return c.bus
}

// Store returns the envelope store of the bus
func (c *Client) Store() persistence.EnvelopeStore {
	return c.store
}

// ServiceName returns the name stamped on outgoing envelopes
func (c *Client) ServiceName() string {
	return c.serviceName
}

// Send routes msg by its type
func (c *Client) Send(ctx context.Context, msg any) error {
	return c.bus.Send(ctx, msg)
}

// Health checks the store, every listening endpoint and the broker
func (c *Client) Health(ctx context.Context) health.Report {
	return c.health.Check(ctx)
}

// AddHealthCheckers adds checkers to later Health reports
func (c *Client) AddHealthCheckers(checkers ...health.Checker) {
	c.health.Register(checkers...)
}

// Close stops the bus and closes the store it opened
func (c *Client) Close(ctx context.Context) error {
	err := c.bus.Close(ctx)
	if c.ownsStore {
		err = errors.Join(err, c.store.Close())
	}
	return err
}

// clientConfig holds client configuration
type clientConfig struct {
	logger          *slog.Logger
	serviceName     string
	store           persistence.EnvelopeStore
	middleware      []messaging.Middleware
	configure       []func(*messaging.Options) error
	checkers        []health.Checker
	deadLetterLimit int
}

// ClientOption configures the client
type ClientOption func(*clientConfig)

// WithLogger sets the logger for all components
func WithLogger(logger *slog.Logger) ClientOption {
	return func(cfg *clientConfig) {
		if logger != nil {
			cfg.logger = logger
		}
	}
}

// WithDefaultLogger uses the default logger
func WithDefaultLogger() ClientOption {
	return func(cfg *clientConfig) {
		cfg.logger = slog.Default()
	}
}

// WithServiceName overrides MMATE_SERVICE_NAME
func WithServiceName(name string) ClientOption {
	return func(cfg *clientConfig) {
		cfg.serviceName = name
	}
}

// WithStore uses store instead of the one the configuration names. The
// caller keeps ownership and closes it.
func WithStore(store persistence.EnvelopeStore) ClientOption {
	return func(cfg *clientConfig) {
		cfg.store = store
	}
}

// WithMiddleware wraps every handler of the bus
func WithMiddleware(middleware ...messaging.Middleware) ClientOption {
	return func(cfg *clientConfig) {
		cfg.middleware = append(cfg.middleware, middleware...)
	}
}

// WithConfigure registers handlers, endpoints and routing rules before the
// bus is built
func WithConfigure(configure func(*messaging.Options) error) ClientOption {
	return func(cfg *clientConfig) {
		if configure != nil {
			cfg.configure = append(cfg.configure, configure)
		}
	}
}

// WithHealthCheckers adds checkers to the client health report
func WithHealthCheckers(checkers ...health.Checker) ClientOption {
	return func(cfg *clientConfig) {
		cfg.checkers = append(cfg.checkers, checkers...)
	}
}

// WithDeadLetterLimit sets how many dead letters degrade the store check;
// zero never degrades it
func WithDeadLetterLimit(limit int) ClientOption {
	return func(cfg *clientConfig) {
		cfg.deadLetterLimit = limit
	}
}
