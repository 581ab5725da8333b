// Package broker fans small messages out to every gateway instance that
// subscribes to a topic. The engine uses it to forward client cancellations
// to whichever instance is running the cancelled call.
//
// Delivery is best effort and at most once per subscriber. A subscription
// only sees messages published after Subscribe returned.
package broker

import (
	"context"
	"errors"
)

// ErrClosed is returned by Next after the stream was closed.
var ErrClosed = errors.New("broker: stream closed")

// Broker publishes messages to topics and opens subscriptions on them.
type Broker interface {
	// Publish sends data to every current subscriber of topic and returns
	// the id assigned to the message.
	Publish(ctx context.Context, topic string, data []byte) (eventID string, err error)

	// Subscribe opens a stream of the messages published to topic from now
	// on. The subscription is registered before Subscribe returns.
	Subscribe(ctx context.Context, topic string) (Stream, error)
}

// Stream delivers a subscription's messages in publish order.
type Stream interface {
	// Next blocks until a message arrives or ctx is done.
	Next(ctx context.Context) (Envelope, error)

	// Close ends the subscription. Next then returns ErrClosed.
	Close() error
}

// Envelope is one delivered message.
type Envelope struct {
	ID   string `json:"id"`
	Data []byte `json:"data"`
}
