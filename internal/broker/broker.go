// Package broker publishes compiled command documents to subscribed devices
package broker

import (
	"context"
	"errors"
)

// DefaultTopic is the topic every fax device subscribes to
const DefaultTopic = "fax/all"

// QoSAtLeastOnce is MQTT quality-of-service level 1
const QoSAtLeastOnce byte = 1

// ErrNotConnected is returned when publishing without a broker connection
var ErrNotConnected = errors.New("broker not connected")

// ErrPublishTimeout is returned when the broker does not acknowledge a
// publish in time
var ErrPublishTimeout = errors.New("publish timed out")

// Publisher sends a payload to a topic and reports the outcome
type Publisher interface {
	Publish(ctx context.Context, topic string, payload []byte) error
	Close() error
}
