package mqtt

import (
	"context"
	"fmt"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/nerrad567/ams-agent/internal/connection"
)

// session wraps one connected paho client.
type session struct {
	client pahomqtt.Client
	logger Logger

	closeOnce sync.Once
}

// Publish hands payload to paho and returns without waiting for the PUBACK.
// Delivery failures are logged from a background goroutine.
func (s *session) Publish(topic string, qos byte, retained bool, payload []byte) error {
	if len(payload) > maxPayloadSize {
		return fmt.Errorf("%w: %d bytes exceeds %d", ErrPayloadTooLarge, len(payload), maxPayloadSize)
	}
	if !s.client.IsConnectionOpen() {
		return fmt.Errorf("%w: %w", ErrPublishFailed, connection.ErrNotConnected)
	}

	token := s.client.Publish(topic, qos, retained, payload)
	go s.watchPublish(topic, token)
	return nil
}

func (s *session) watchPublish(topic string, token pahomqtt.Token) {
	if !token.WaitTimeout(defaultPublishTimeout) {
		s.logger.Warn("mqtt publish not acknowledged", "topic", topic, "timeout", defaultPublishTimeout)
		return
	}
	if err := token.Error(); err != nil {
		s.logger.Error("mqtt publish failed", "topic", topic, "error", err)
	}
}

// Subscribe registers handler and waits for the SUBACK.
func (s *session) Subscribe(ctx context.Context, topic string, qos byte, handler connection.MessageHandler) error {
	token := s.client.Subscribe(topic, qos, func(_ pahomqtt.Client, msg pahomqtt.Message) {
		handler(msg.Topic(), msg.Payload())
	})

	timer := time.NewTimer(defaultSubscribeTimeout)
	defer timer.Stop()

	select {
	case <-token.Done():
	case <-ctx.Done():
		return fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, topic, ctx.Err())
	case <-timer.C:
		return fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, topic, ErrTimeout)
	}

	if err := token.Error(); err != nil {
		return fmt.Errorf("%w: %s: %w", ErrSubscribeFailed, topic, err)
	}

	// A SUBACK can carry a refusal without the token reporting an error.
	if st, ok := token.(*pahomqtt.SubscribeToken); ok {
		if code, found := st.Result()[topic]; found && code == subackFailure {
			return fmt.Errorf("%w: %s: broker refused", ErrSubscribeFailed, topic)
		}
	}

	return nil
}

// Close disconnects the client. Safe to call more than once.
func (s *session) Close() {
	s.closeOnce.Do(func() {
		s.client.Disconnect(defaultDisconnectQuiesce)
	})
}
