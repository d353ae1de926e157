package timeline

import (
	"container/list"
	"context"
	"fmt"
	"sync"
)

const historyCacheSize = 256

// RebuildHistory returns the full causal history of a worldline: the
// parent chain from its head back to the root user turn, oldest first.
// The chain crosses worldline boundaries at fork points, so a branch sees
// every inherited event followed by its own. Callers must treat the
// returned slice as read-only.
func (s *SQLStore) RebuildHistory(ctx context.Context, worldlineID string) ([]Event, error) {
	w, err := s.GetWorldline(ctx, worldlineID)
	if err != nil {
		return nil, err
	}
	if w.HeadEventID == nil {
		return nil, nil
	}
	if events, ok := s.history.get(worldlineID, *w.HeadEventID); ok {
		return events, nil
	}

	events, err := s.chainFrom(ctx, *w.HeadEventID)
	if err != nil {
		return nil, err
	}
	s.history.put(worldlineID, *w.HeadEventID, events)
	return events, nil
}

// ChainContains reports whether eventID lies on the parent chain that
// starts at headEventID (inclusive).
func (s *SQLStore) ChainContains(ctx context.Context, headEventID, eventID string) (bool, error) {
	cur := headEventID
	for cur != "" {
		if cur == eventID {
			return true, nil
		}
		ev, err := s.GetEvent(ctx, cur)
		if err != nil {
			return false, err
		}
		if ev.ParentEventID == nil {
			return false, nil
		}
		cur = *ev.ParentEventID
	}
	return false, nil
}

// chainFrom walks parents from head to root and returns the chain oldest
// first.
func (s *SQLStore) chainFrom(ctx context.Context, headEventID string) ([]Event, error) {
	var reversed []Event
	cur := headEventID
	for cur != "" {
		ev, err := s.GetEvent(ctx, cur)
		if err != nil {
			return nil, fmt.Errorf("walk history at %s: %w", cur, err)
		}
		reversed = append(reversed, ev)
		if ev.ParentEventID == nil {
			break
		}
		cur = *ev.ParentEventID
	}
	events := make([]Event, len(reversed))
	for i, ev := range reversed {
		events[len(reversed)-1-i] = ev
	}
	return events, nil
}

// historyCache memoizes rebuilt histories keyed by (worldline, head). An
// append extends the prior entry in O(1) instead of forcing a rewalk; the
// cache is a plain LRU so cold branches age out.
type historyCache struct {
	mu      sync.Mutex
	cap     int
	order   *list.List
	entries map[string]*list.Element
}

type historyCacheEntry struct {
	key    string
	events []Event
}

func newHistoryCache(capacity int) *historyCache {
	if capacity <= 0 {
		capacity = historyCacheSize
	}
	return &historyCache{
		cap:     capacity,
		order:   list.New(),
		entries: make(map[string]*list.Element),
	}
}

func historyKey(worldlineID, headEventID string) string {
	return worldlineID + "|" + headEventID
}

func (c *historyCache) get(worldlineID, headEventID string) ([]Event, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[historyKey(worldlineID, headEventID)]
	if !ok {
		return nil, false
	}
	c.order.MoveToFront(el)
	return el.Value.(*historyCacheEntry).events, true
}

func (c *historyCache) put(worldlineID, headEventID string, events []Event) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.insert(historyKey(worldlineID, headEventID), events)
}

// extend records the history for the new head when the history for the
// prior head is cached: the new history is the old one plus the appended
// event. The three-index slice keeps later extensions of the old entry
// from clobbering this one.
func (c *historyCache) extend(worldlineID string, priorHead *string, appended Event) {
	if priorHead == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	el, ok := c.entries[historyKey(worldlineID, *priorHead)]
	if !ok {
		return
	}
	old := el.Value.(*historyCacheEntry).events
	events := append(old[:len(old):len(old)], appended)
	c.insert(historyKey(worldlineID, appended.ID), events)
}

func (c *historyCache) insert(key string, events []Event) {
	if el, ok := c.entries[key]; ok {
		el.Value.(*historyCacheEntry).events = events
		c.order.MoveToFront(el)
		return
	}
	c.entries[key] = c.order.PushFront(&historyCacheEntry{key: key, events: events})
	for c.order.Len() > c.cap {
		oldest := c.order.Back()
		c.order.Remove(oldest)
		delete(c.entries, oldest.Value.(*historyCacheEntry).key)
	}
}
