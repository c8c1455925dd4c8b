package config

import (
	"fmt"

	"github.com/batchscribe/batchscribe/internal/metering"
	"github.com/batchscribe/batchscribe/internal/objectstore"
	"github.com/batchscribe/batchscribe/internal/producer"
	"github.com/batchscribe/batchscribe/internal/queue"
	"github.com/batchscribe/batchscribe/internal/receiver"
	"github.com/batchscribe/batchscribe/internal/sink"
	"github.com/batchscribe/batchscribe/internal/transcribe"
)

// ProducerConfig configures the one-shot batch producer.
type ProducerConfig struct {
	ServiceConfig `yaml:",inline" mapstructure:",squash"`

	Store objectstore.Config `yaml:"store" mapstructure:"store"`
	Queue queue.Config       `yaml:"queue" mapstructure:"queue"`
	Batch producer.Config    `yaml:"batch" mapstructure:"batch"`
}

// ApplyDefaults fills in zero-valued fields with sensible defaults.
func (c *ProducerConfig) ApplyDefaults() {
	if c.Name == "" {
		c.Name = "batchscribe-producer"
	}
	c.ServiceConfig.ApplyDefaults()
	c.Store.ApplyDefaults()
	c.Queue.ApplyDefaults()
	c.Batch.ApplyDefaults()
}

// Validate checks the full producer configuration.
func (c *ProducerConfig) Validate() error {
	if err := c.ServiceConfig.Validate(); err != nil {
		return err
	}
	if err := c.Store.Validate(); err != nil {
		return err
	}
	if err := c.Queue.Validate(); err != nil {
		return err
	}
	return ValidateStruct(c)
}

// WorkerConfig configures the long-lived transcription worker.
type WorkerConfig struct {
	ServiceConfig `yaml:",inline" mapstructure:",squash"`

	Queue    queue.Config      `yaml:"queue" mapstructure:"queue"`
	Engine   transcribe.Config `yaml:"engine" mapstructure:"engine"`
	Sink     sink.Config       `yaml:"sink" mapstructure:"sink"`
	Metering metering.Config   `yaml:"metering" mapstructure:"metering"`
}

// ApplyDefaults fills in zero-valued fields with sensible defaults.
func (c *WorkerConfig) ApplyDefaults() {
	if c.Name == "" {
		c.Name = "batchscribe-worker"
	}
	c.ServiceConfig.ApplyDefaults()
	c.Queue.ApplyDefaults()
	c.Engine.ApplyDefaults()
	c.Sink.ApplyDefaults()
	c.Metering.ApplyDefaults()
}

// Validate checks the full worker configuration.
func (c *WorkerConfig) Validate() error {
	if err := c.ServiceConfig.Validate(); err != nil {
		return err
	}
	if err := c.Queue.Validate(); err != nil {
		return err
	}
	if err := c.Engine.Validate(); err != nil {
		return err
	}
	if err := c.Sink.Validate(); err != nil {
		return err
	}
	return ValidateStruct(c)
}

// SinkdConfig configures the development transcript receiver.
type SinkdConfig struct {
	ServiceConfig `yaml:",inline" mapstructure:",squash"`

	Receiver receiver.Config `yaml:"receiver" mapstructure:"receiver"`
}

// ApplyDefaults fills in zero-valued fields with sensible defaults.
func (c *SinkdConfig) ApplyDefaults() {
	if c.Name == "" {
		c.Name = "batchscribe-sinkd"
	}
	c.ServiceConfig.ApplyDefaults()
	c.Receiver.ApplyDefaults()
}

// Validate checks the full receiver configuration.
func (c *SinkdConfig) Validate() error {
	if err := c.ServiceConfig.Validate(); err != nil {
		return err
	}
	if err := c.Receiver.Validate(); err != nil {
		return err
	}
	return ValidateStruct(c)
}

// LoadProducer loads and validates the producer configuration.
func LoadProducer(opts ...LoaderOption) (*ProducerConfig, error) {
	var cfg ProducerConfig
	if err := Load("producer", &cfg, opts...); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: producer: %w", err)
	}
	return &cfg, nil
}

// LoadWorker loads and validates the worker configuration.
func LoadWorker(opts ...LoaderOption) (*WorkerConfig, error) {
	var cfg WorkerConfig
	if err := Load("worker", &cfg, opts...); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: worker: %w", err)
	}
	return &cfg, nil
}

// LoadSinkd loads and validates the receiver configuration.
func LoadSinkd(opts ...LoaderOption) (*SinkdConfig, error) {
	var cfg SinkdConfig
	if err := Load("sinkd", &cfg, opts...); err != nil {
		return nil, err
	}
	cfg.ApplyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config: sinkd: %w", err)
	}
	return &cfg, nil
}
