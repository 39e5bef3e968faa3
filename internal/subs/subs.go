// Package subs is the shared topic→handler bookkeeping used by every
// backend adapter: concurrency-safe registration keyed by subscription id,
// first/last-for-topic accounting so adapters know when to start and tear
// down network listeners, and snapshot dispatch.
package subs

import (
	"sync"

	"github.com/google/uuid"

	"github.com/trickstertwo/xcomm"
)

type entry struct {
	id string
	h  xcomm.Handler
}

// Table maps topics to ordered handler lists.
type Table struct {
	mu     sync.RWMutex
	topics map[string][]entry
	index  map[string]string // subscription id -> topic
}

func NewTable() *Table {
	return &Table{
		topics: make(map[string][]entry),
		index:  make(map[string]string),
	}
}

// Add registers h under topic and returns the subscription id plus whether
// this was the first handler for the topic (the adapter's cue to start a
// listener).
func (t *Table) Add(topic string, h xcomm.Handler) (id string, first bool) {
	id = uuid.NewString()
	t.mu.Lock()
	defer t.mu.Unlock()
	first = len(t.topics[topic]) == 0
	t.topics[topic] = append(t.topics[topic], entry{id: id, h: h})
	t.index[id] = topic
	return id, first
}

// Remove drops the registration for id. It reports the topic it belonged
// to and whether it was the last handler for that topic. Unknown ids are a
// no-op with ok=false; Remove is idempotent.
func (t *Table) Remove(id string) (topic string, last, ok bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	topic, ok = t.index[id]
	if !ok {
		return "", false, false
	}
	delete(t.index, id)
	list := t.topics[topic]
	for i := range list {
		if list[i].id == id {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(t.topics, topic)
		return topic, true, true
	}
	t.topics[topic] = list
	return topic, false, true
}

// Handlers returns a snapshot copy of the handlers for topic in
// subscription order. Iterating the copy is safe against handlers that
// subscribe or unsubscribe during dispatch.
func (t *Table) Handlers(topic string) []xcomm.Handler {
	t.mu.RLock()
	defer t.mu.RUnlock()
	list := t.topics[topic]
	if len(list) == 0 {
		return nil
	}
	hs := make([]xcomm.Handler, len(list))
	for i := range list {
		hs[i] = list[i].h
	}
	return hs
}

// Count returns the number of handlers registered for topic.
func (t *Table) Count(topic string) int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.topics[topic])
}

// Topics returns the topics that currently have at least one handler.
func (t *Table) Topics() []string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	out := make([]string, 0, len(t.topics))
	for topic := range t.topics {
		out = append(out, topic)
	}
	return out
}
