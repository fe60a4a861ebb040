// Package config resolves broker settings from the environment, an optional
// YAML file or an application supplied map.
package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/viper"
)

// Keys read by Resolve.
const (
	KeyExchange           = "MQ_EXCHANGE"
	KeyURL                = "MQ_URL"
	KeyExchangeType       = "MQ_EXCHANGE_TYPE"
	KeyExchangeDurable    = "MQ_EXCHANGE_DURABLE"
	KeyExchangeAutoDelete = "MQ_EXCHANGE_AUTO_DELETE"
	KeyExchangePassive    = "MQ_EXCHANGE_PASSIVE"
	KeyDelimiter          = "MQ_DELIMITER"
	KeyQueueDurable       = "MQ_QUEUE_DURABLE"
	KeyPrefetchCount      = "MQ_PREFETCH_COUNT"
	KeySendRetries        = "MQ_SEND_RETRIES"
	KeyMessageVersion     = "MQ_MESSAGE_VERSION"
	KeyConfigFile         = "MQ_CONFIG_FILE"
)

// Exchange types understood by the broker.
const (
	ExchangeDirect  = "direct"
	ExchangeFanout  = "fanout"
	ExchangeTopic   = "topic"
	ExchangeHeaders = "headers"
)

const (
	DefaultDelimiter      = "."
	DefaultPrefetchCount  = 10
	DefaultSendRetries    = 1
	DefaultMessageVersion = "v1.0.0"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("config: invalid configuration")

// MissingConfigError reports a required key that has no value.
type MissingConfigError struct {
	Key string
}

func (e *MissingConfigError) Error() string {
	return fmt.Sprintf("config: %s not set", e.Key)
}

// Exchange describes the exchange every publish and binding goes through.
type Exchange struct {
	Name       string
	Type       string
	Durable    bool
	AutoDelete bool
	Internal   bool
	Passive    bool
}

// Config holds resolved broker settings.
type Config struct {
	URL            string
	Exchange       Exchange
	Delimiter      string
	QueueDurable   bool
	PrefetchCount  int
	SendRetries    int
	MessageVersion string
}

// Load returns a viper instance reading MQ_* keys from the environment and,
// when MQ_CONFIG_FILE is set, from that YAML file as well.
func Load() (*viper.Viper, error) {
	v := viper.New()
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.SetConfigType("yaml")

	if v.IsSet(KeyConfigFile) {
		v.SetConfigFile(v.GetString(KeyConfigFile))
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("config: reading %s: %w", v.GetString(KeyConfigFile), err)
		}
	}

	return v, nil
}

// FromMap builds a viper instance whose values come from m first and the
// environment second.
func FromMap(m map[string]any) *viper.Viper {
	v := viper.New()
	v.AutomaticEnv()
	for key, value := range m {
		v.Set(key, value)
	}
	return v
}

// Resolve reads the configuration once from v. MQ_EXCHANGE and MQ_URL are
// required; everything else has a default.
func Resolve(v *viper.Viper) (*Config, error) {
	v.SetDefault(KeyExchangeType, ExchangeTopic)
	v.SetDefault(KeyDelimiter, DefaultDelimiter)
	v.SetDefault(KeyQueueDurable, true)
	v.SetDefault(KeyPrefetchCount, DefaultPrefetchCount)
	v.SetDefault(KeySendRetries, DefaultSendRetries)
	v.SetDefault(KeyMessageVersion, DefaultMessageVersion)

	exchange := v.GetString(KeyExchange)
	if exchange == "" {
		return nil, &MissingConfigError{Key: KeyExchange}
	}
	url := v.GetString(KeyURL)
	if url == "" {
		return nil, &MissingConfigError{Key: KeyURL}
	}

	cfg := &Config{
		URL: url,
		Exchange: Exchange{
			Name:       exchange,
			Type:       strings.ToLower(v.GetString(KeyExchangeType)),
			Durable:    v.GetBool(KeyExchangeDurable),
			AutoDelete: v.GetBool(KeyExchangeAutoDelete),
			Passive:    v.GetBool(KeyExchangePassive),
		},
		Delimiter:      v.GetString(KeyDelimiter),
		QueueDurable:   v.GetBool(KeyQueueDurable),
		PrefetchCount:  v.GetInt(KeyPrefetchCount),
		SendRetries:    v.GetInt(KeySendRetries),
		MessageVersion: v.GetString(KeyMessageVersion),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks the fields Resolve cannot default.
func (c *Config) Validate() error {
	if c.Exchange.Name == "" {
		return &MissingConfigError{Key: KeyExchange}
	}
	if c.URL == "" {
		return &MissingConfigError{Key: KeyURL}
	}
	switch c.Exchange.Type {
	case ExchangeDirect, ExchangeFanout, ExchangeTopic, ExchangeHeaders:
	default:
		return fmt.Errorf("%w: unknown exchange type %q", ErrInvalidConfig, c.Exchange.Type)
	}
	if c.Delimiter == "" {
		return fmt.Errorf("%w: delimiter must not be empty", ErrInvalidConfig)
	}
	if c.PrefetchCount < 0 {
		return fmt.Errorf("%w: prefetch count must not be negative", ErrInvalidConfig)
	}
	if c.SendRetries < 1 {
		c.SendRetries = 1
	}
	return nil
}

// QueueName joins prefix and name with the delimiter, replacing underscores in
// name the way handler names are turned into queue names.
func (c *Config) QueueName(prefix, name string) string {
	name = strings.ReplaceAll(name, "_", c.Delimiter)
	switch {
	case prefix == "":
		return name
	case name == "":
		return prefix
	}
	return prefix + c.Delimiter + name
}
