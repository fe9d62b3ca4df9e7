package watcher

import (
	"context"
	"sync"

	"github.com/nats-io/nats.go"
)

type NatsBroker struct {
	nc *nats.Conn
}

func NewNatsBroker(url string, opts ...nats.Option) (*NatsBroker, error) {
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, err
	}
	return &NatsBroker{nc: nc}, nil
}

func (b *NatsBroker) Publish(_ context.Context, subject string, data []byte) error {
	return b.nc.Publish(subject, data)
}

// Subscribe hands messages over without dropping: a slow consumer holds up
// the subscription callback, and NATS buffers behind it.
func (b *NatsBroker) Subscribe(ctx context.Context, subjects []string) (<-chan Message, error) {
	out := make(chan Message, 1024)
	subs := make([]*nats.Subscription, 0, len(subjects))
	// callbacks may still be running after Unsubscribe
	var mu sync.RWMutex
	closed := false

	for _, subj := range subjects {
		sub, err := b.nc.Subscribe(subj, func(m *nats.Msg) {
			mu.RLock()
			defer mu.RUnlock()
			if closed {
				return
			}
			select {
			case out <- Message{Subject: m.Subject, Data: m.Data, Reply: m.Reply}:
			case <-ctx.Done():
			}
		})
		if err != nil {
			for _, s := range subs {
				_ = s.Unsubscribe()
			}
			return nil, err
		}
		subs = append(subs, sub)
	}

	go func() {
		<-ctx.Done()
		for _, s := range subs {
			_ = s.Unsubscribe()
		}
		mu.Lock()
		closed = true
		close(out)
		mu.Unlock()
	}()
	return out, nil
}

func (b *NatsBroker) Respond(_ context.Context, m Message, data []byte) error {
	if m.Reply == "" {
		return nil
	}
	return b.nc.Publish(m.Reply, data)
}

func (b *NatsBroker) Close() error {
	if b.nc != nil {
		_ = b.nc.Drain()
		b.nc.Close()
	}
	return nil
}
