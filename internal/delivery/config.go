package delivery

import (
	"time"

	"github.com/abhisek/focuscoach/internal/channel"
)

// RetryConfig controls same-channel retries.
type RetryConfig struct {
	MaxAttempts int
	InitialWait time.Duration
	MaxWait     time.Duration
	Multiplier  float64
}

// DefaultRetryConfig returns sensible retry defaults.
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxAttempts: 3,
		InitialWait: 1 * time.Second,
		MaxWait:     30 * time.Second,
		Multiplier:  2.0,
	}
}

// ChannelConfig bounds one channel's worker pool.
type ChannelConfig struct {
	Workers   int
	QueueSize int
	Rate      float64 // deliveries per second; 0 disables limiting
	Burst     int
	Timeout   time.Duration
}

// Config holds router configuration.
type Config struct {
	Retry    RetryConfig
	Channels map[channel.Channel]ChannelConfig

	// QuietFloor is the lowest priority that bypasses quiet hours.
	QuietFloor int

	// Fallbacks names the single secondary channel tried after a channel
	// gives up.
	Fallbacks map[channel.Channel]channel.Channel
}

// DefaultConfig returns the router defaults.
func DefaultConfig() Config {
	return Config{
		Retry: DefaultRetryConfig(),
		Channels: map[channel.Channel]ChannelConfig{
			channel.Push:   {Workers: 4, QueueSize: 256, Rate: 50, Burst: 10, Timeout: 10 * time.Second},
			channel.Email:  {Workers: 2, QueueSize: 256, Rate: 5, Burst: 5, Timeout: 30 * time.Second},
			channel.Stream: {Workers: 4, QueueSize: 1024, Rate: 0, Timeout: 5 * time.Second},
		},
		QuietFloor: 50,
		Fallbacks: map[channel.Channel]channel.Channel{
			channel.Push:   channel.Stream,
			channel.Email:  channel.Stream,
			channel.Stream: channel.Push,
		},
	}
}

func (c Config) channel(ch channel.Channel) ChannelConfig {
	cc, ok := c.Channels[ch]
	if !ok {
		cc = ChannelConfig{}
	}
	if cc.Workers <= 0 {
		cc.Workers = 1
	}
	if cc.QueueSize <= 0 {
		cc.QueueSize = 64
	}
	if cc.Timeout <= 0 {
		cc.Timeout = 10 * time.Second
	}
	return cc
}
