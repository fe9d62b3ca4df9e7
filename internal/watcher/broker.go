// Package watcher receives the chain watcher's verdicts on deposit intents
// and applies them to the deposit tracker.
package watcher

import "context"

const (
	SubjectConfirmed = "deposit.confirmed"
	SubjectFailed    = "deposit.failed"
)

type Message struct {
	Subject string
	Data    []byte
	// Reply is the requester's inbox, empty for fire-and-forget publishes.
	Reply string
}

// Broker is the transport between the watcher and this service.
type Broker interface {
	Publish(ctx context.Context, subject string, data []byte) error
	// Subscribe delivers messages until ctx is done, then closes the channel.
	Subscribe(ctx context.Context, subjects []string) (<-chan Message, error)
	// Respond answers a message carrying a Reply inbox.
	Respond(ctx context.Context, m Message, data []byte) error
	Close() error
}
