package reconcile

import "sync"

// broker fans views out to observers without ever blocking the publisher.
type broker struct {
	mu   sync.Mutex
	subs map[chan View]struct{}
}

func newBroker() *broker {
	return &broker{subs: make(map[chan View]struct{})}
}

func (b *broker) subscribe() chan View {
	ch := make(chan View, 1)
	b.mu.Lock()
	b.subs[ch] = struct{}{}
	b.mu.Unlock()
	return ch
}

func (b *broker) unsubscribe(ch chan View) {
	b.mu.Lock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
	b.mu.Unlock()
}

func (b *broker) publish(v View) {
	b.mu.Lock()
	for ch := range b.subs {
		b.send(ch, v)
	}
	b.mu.Unlock()
}

// send replaces any undelivered view in ch with v. Callers serialize sends
// to the same channel.
func (b *broker) send(ch chan View, v View) {
	select {
	case ch <- v:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- v:
	default:
	}
}
