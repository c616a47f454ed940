package connection

import "time"

// Config holds the session and reconnect policy of a Manager.
type Config struct {
	// Reconnect delay for attempt n is min(n, CapAttempts)*UnitDelay + BaseDelay.
	BaseDelay   time.Duration
	UnitDelay   time.Duration
	CapAttempts int

	// MaxAttempts bounds automatic reconnects. Once reached the state is Failed.
	MaxAttempts int

	// StabilizationDelay separates Connected from issuing subscriptions.
	StabilizationDelay time.Duration

	// SubscribeRetryDelay is the wait before the single subscribe retry.
	SubscribeRetryDelay time.Duration

	KeepAlive      time.Duration
	CleanSession   bool
	ConnectTimeout time.Duration

	// Will is registered with the broker on every connect when set.
	Will *Will
}

// Will is an MQTT last will message.
type Will struct {
	Topic    string
	Payload  []byte
	QoS      byte
	Retained bool
}

// DefaultConfig returns the policy the device shipped with.
func DefaultConfig() Config {
	return Config{
		BaseDelay:           3 * time.Second,
		UnitDelay:           time.Second,
		CapAttempts:         7,
		MaxAttempts:         10,
		StabilizationDelay:  time.Second,
		SubscribeRetryDelay: 3 * time.Second,
		KeepAlive:           600 * time.Second,
		CleanSession:        false,
		ConnectTimeout:      30 * time.Second,
	}
}

// Backoff returns the delay before reconnect attempt n (n >= 1).
// It never decreases as n grows and stops growing at CapAttempts.
func (c Config) Backoff(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	n := min(attempt, c.CapAttempts)
	return time.Duration(n)*c.UnitDelay + c.BaseDelay
}
