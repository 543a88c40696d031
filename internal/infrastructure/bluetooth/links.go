package bluetooth

import (
	"strings"
	"sync"
)

// linkTracker maps peripheral addresses to the disconnect channel of their
// current link. The adapter's single connect handler uses it to signal the
// right session.
type linkTracker struct {
	mu    sync.Mutex
	links map[string]*linkState
}

type linkState struct {
	once sync.Once
	done chan struct{}
}

func newLinkTracker() *linkTracker {
	return &linkTracker{links: make(map[string]*linkState)}
}

func normalizeAddress(address string) string {
	return strings.ToUpper(strings.TrimSpace(address))
}

// open registers a new link for address, signalling any previous one.
func (t *linkTracker) open(address string) *linkState {
	key := normalizeAddress(address)
	ls := &linkState{done: make(chan struct{})}

	t.mu.Lock()
	prev := t.links[key]
	t.links[key] = ls
	t.mu.Unlock()

	if prev != nil {
		prev.signal()
	}
	return ls
}

// lost signals and forgets the link for address.
func (t *linkTracker) lost(address string) bool {
	key := normalizeAddress(address)

	t.mu.Lock()
	ls := t.links[key]
	delete(t.links, key)
	t.mu.Unlock()

	if ls == nil {
		return false
	}
	ls.signal()
	return true
}

// release forgets ls if it is still the current link for address.
func (t *linkTracker) release(address string, ls *linkState) {
	key := normalizeAddress(address)
	t.mu.Lock()
	if t.links[key] == ls {
		delete(t.links, key)
	}
	t.mu.Unlock()
	ls.signal()
}

// closeAll signals every tracked link.
func (t *linkTracker) closeAll() {
	t.mu.Lock()
	links := t.links
	t.links = make(map[string]*linkState)
	t.mu.Unlock()

	for _, ls := range links {
		ls.signal()
	}
}

func (ls *linkState) signal() {
	ls.once.Do(func() { close(ls.done) })
}
