// Package pubsub is the process-local event bus: worker and queue
// events fan out on the workers topic, live run-all streams subscribe
// per spec. Delivery is best-effort; slow subscribers drop events once
// their pending buffer fills.
package pubsub

import (
	"context"
)

type Publisher interface {
	// Publish sends payload to every current subscriber of topic.
	Publish(ctx context.Context, topic string, payload []byte) error
}

type PubSub interface {
	Publisher
	Subscribe(ctx context.Context, topic string, handler func(payload []byte) error) (Subscription, error)
	Close()
}

type Subscription interface {
	Unsubscribe() error
}

// WorkersTopic carries worker pool and queue events.
const WorkersTopic = "workers"

// SpecTopic returns the live event topic for one spec.
func SpecTopic(specID string) string {
	return "spec." + specID
}
