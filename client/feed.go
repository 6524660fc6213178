package client

import (
	"sync"

	"taskboard-api/domain"
)

// Feed caches the user's notification list. Broadcast payloads are thin, so
// the feed is always replaced from an authoritative refetch.
type Feed struct {
	mu    sync.Mutex
	items []domain.Notification
}

func NewFeed() *Feed {
	return &Feed{}
}

// Replace swaps the cached list for a fresh server listing.
func (f *Feed) Replace(items []domain.Notification) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.items = append(f.items[:0], items...)
}

// Items returns the cached notifications in server order, newest first.
func (f *Feed) Items() []domain.Notification {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.Notification, len(f.items))
	copy(out, f.items)
	return out
}

// Unread counts the notifications not yet marked read.
func (f *Feed) Unread() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, item := range f.items {
		if !item.Read {
			n++
		}
	}
	return n
}
