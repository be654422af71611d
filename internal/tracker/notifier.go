package tracker

import "sync"

// Notifier is a coarse cross-component refresh signal: subscribers learn that
// something changed and re-fetch their own data. It carries no payload.
// Multiple views subscribe independently without clobbering each other.
type Notifier struct {
	mu     sync.Mutex
	subs   map[int]func()
	nextID int
}

func NewNotifier() *Notifier {
	return &Notifier{subs: make(map[int]func())}
}

// Subscribe registers fn and returns its removal function.
func (n *Notifier) Subscribe(fn func()) func() {
	n.mu.Lock()
	n.nextID++
	id := n.nextID
	n.subs[id] = fn
	n.mu.Unlock()

	return func() {
		n.mu.Lock()
		delete(n.subs, id)
		n.mu.Unlock()
	}
}

// Notify invokes every subscriber. Subscribers run synchronously on the
// caller's goroutine.
func (n *Notifier) Notify() {
	n.mu.Lock()
	subs := make([]func(), 0, len(n.subs))
	for _, fn := range n.subs {
		subs = append(subs, fn)
	}
	n.mu.Unlock()

	for _, fn := range subs {
		fn()
	}
}
