package watcher

import (
	"context"
	"sync"
)

// MemBroker is an in-process Broker for single-node runs and tests. Replies
// are delivered to whoever subscribed to the reply subject.
type MemBroker struct {
	mu   sync.RWMutex
	subs map[string][]*memSub
}

type memSub struct {
	mu     sync.RWMutex
	closed bool
	ch     chan Message
	done   <-chan struct{}
}

func (s *memSub) deliver(ctx context.Context, msg Message) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil
	}
	select {
	case s.ch <- msg:
	case <-s.done:
	case <-ctx.Done():
		return ctx.Err()
	}
	return nil
}

func (s *memSub) close() {
	s.mu.Lock()
	s.closed = true
	close(s.ch)
	s.mu.Unlock()
}

func NewMemBroker() *MemBroker {
	return &MemBroker{subs: make(map[string][]*memSub)}
}

// Publish blocks while a subscriber's buffer is full: verdicts must not be dropped.
func (b *MemBroker) Publish(ctx context.Context, subject string, data []byte) error {
	return b.publish(ctx, Message{Subject: subject, Data: data})
}

// Request publishes with a reply subject, for tests standing in for the watcher.
func (b *MemBroker) Request(ctx context.Context, subject, reply string, data []byte) error {
	return b.publish(ctx, Message{Subject: subject, Data: data, Reply: reply})
}

func (b *MemBroker) publish(ctx context.Context, msg Message) error {
	b.mu.RLock()
	list := append([]*memSub(nil), b.subs[msg.Subject]...)
	b.mu.RUnlock()

	for _, s := range list {
		if err := s.deliver(ctx, msg); err != nil {
			return err
		}
	}
	return nil
}

func (b *MemBroker) Subscribe(ctx context.Context, subjects []string) (<-chan Message, error) {
	s := &memSub{ch: make(chan Message, 256), done: ctx.Done()}
	b.mu.Lock()
	for _, subj := range subjects {
		b.subs[subj] = append(b.subs[subj], s)
	}
	b.mu.Unlock()

	go func() {
		<-ctx.Done()
		b.mu.Lock()
		for _, subj := range subjects {
			list := b.subs[subj]
			for i := range list {
				if list[i] == s {
					b.subs[subj] = append(list[:i:i], list[i+1:]...)
					break
				}
			}
		}
		b.mu.Unlock()
		s.close()
	}()
	return s.ch, nil
}

func (b *MemBroker) Respond(ctx context.Context, m Message, data []byte) error {
	if m.Reply == "" {
		return nil
	}
	return b.Publish(ctx, m.Reply, data)
}

func (b *MemBroker) Close() error { return nil }
