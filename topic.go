package xmqtt

import (
	"strings"
	"sync"
	"sync/atomic"
	"weak"
)

// MatchTopic checks if a topic matches a topic filter with MQTT wildcards.
// Supports:
// - '+' matches a single level
// - '#' matches multiple levels (must be last character)
func MatchTopic(filter, topic string) bool {
	// MQTT-4.7.2-1: topic filters starting with a wildcard character
	// must not match topic names beginning with a $ character.
	if len(topic) > 0 && topic[0] == '$' {
		if len(filter) > 0 && (filter[0] == '+' || filter[0] == '#') {
			return false
		}
	}

	fLevels := strings.Split(filter, "/")
	tLevels := strings.Split(topic, "/")

	for i, fLevel := range fLevels {
		if fLevel == "#" {
			// Multi-level wildcard matches everything remaining,
			// including the parent level itself (a/# matches a).
			return true
		}
		if i >= len(tLevels) {
			return false
		}
		if fLevel != "+" && fLevel != tLevels[i] {
			return false
		}
	}

	return len(fLevels) == len(tLevels)
}

// hasWildcard reports whether the filter contains a '+' or '#' wildcard.
func hasWildcard(filter string) bool {
	return strings.ContainsAny(filter, "+#")
}

// validatePublishTopic validates a topic for publishing.
// Publish topics must not contain wildcards and must be non-empty.
func validatePublishTopic(topic string) error {
	if topic == "" {
		return errEmptyTopic
	}
	if strings.ContainsAny(topic, "+#") {
		return errWildcardInTopic
	}
	return nil
}

// validateFilter validates a subscription topic filter.
// Filters may contain wildcards but must follow MQTT placement rules.
func validateFilter(filter string) error {
	if filter == "" {
		return errEmptyTopic
	}

	parts := strings.Split(filter, "/")
	for i, part := range parts {
		// Single-level wildcard must be alone in the level
		if strings.Contains(part, "+") && part != "+" {
			return errBadFilter
		}

		// Multi-level wildcard must be last and alone
		if strings.Contains(part, "#") {
			if part != "#" || i != len(parts)-1 {
				return errBadFilter
			}
		}
	}

	return nil
}

// subscriberList holds non-owning references to the sessions subscribed
// under one filter. Entries whose session has been collected are skipped on
// fan-out and pruned on the next unsubscribe.
type subscriberList []weak.Pointer[Session]

// topicEntry is the exact-map slot for one concrete topic: its subscribers
// and at most one retained message.
type topicEntry struct {
	subscribers subscriberList
	retained    *Message
}

type exactMap map[string]*topicEntry
type wildcardMap map[string]subscriberList

// TopicTree is the shared topic index: an exact-topic table carrying
// subscriber lists and retained messages, and a wildcard-pattern table.
//
// Both tables are copy-on-write: a mutator takes the table's mutex, clones
// the current snapshot (map and touched entry), and atomically installs the
// clone. A reader loads the snapshot pointer and iterates it lock-free, so a
// fan-out in progress is never affected by concurrent subscription changes.
// The cost is memory amplification under subscription churn concurrent with
// publishes.
type TopicTree struct {
	metrics *metrics

	mu     sync.Mutex // serializes exact-map writers
	topics atomic.Pointer[exactMap]

	wmu       sync.Mutex // serializes wildcard-map writers
	wildcards atomic.Pointer[wildcardMap]
}

// NewTopicTree returns an empty topic index.
func NewTopicTree() *TopicTree {
	t := &TopicTree{}
	em := make(exactMap)
	wm := make(wildcardMap)
	t.topics.Store(&em)
	t.wildcards.Store(&wm)
	return t
}

// Subscribe registers the session under the filter and delivers any retained
// messages the filter covers: the topic's own retained message for a
// concrete filter, every matching retained message for a wildcard filter.
func (t *TopicTree) Subscribe(filter string, s *Session) {
	ref := weak.Make(s)

	if !hasWildcard(filter) {
		var retained *Message

		t.mu.Lock()
		m := t.cloneTopics()
		e := cloneEntry(m[filter])
		e.subscribers = append(e.subscribers, ref)
		m[filter] = e
		t.topics.Store(&m)
		retained = e.retained
		t.mu.Unlock()

		if retained != nil {
			s.Publish(retained)
		}
		return
	}

	t.wmu.Lock()
	m := t.cloneWildcards()
	m[filter] = append(append(subscriberList{}, m[filter]...), ref)
	t.wildcards.Store(&m)
	t.wmu.Unlock()

	for _, retained := range t.retainedMatching(filter) {
		s.Publish(retained)
	}
}

// Unsubscribe removes the first reference to the session under the filter,
// pruning expired references on the way. Empty entries are erased; a
// concrete entry survives while it still holds a retained message.
func (t *TopicTree) Unsubscribe(filter string, s *Session) {
	if !hasWildcard(filter) {
		t.mu.Lock()
		defer t.mu.Unlock()

		m := t.cloneTopics()
		old, ok := m[filter]
		if !ok {
			return
		}
		e := cloneEntry(old)
		e.subscribers = removeSubscriber(e.subscribers, s)
		if len(e.subscribers) == 0 && e.retained == nil {
			delete(m, filter)
		} else {
			m[filter] = e
		}
		t.topics.Store(&m)
		return
	}

	t.wmu.Lock()
	defer t.wmu.Unlock()

	m := t.cloneWildcards()
	subs, ok := m[filter]
	if !ok {
		return
	}
	subs = removeSubscriber(append(subscriberList{}, subs...), s)
	if len(subs) == 0 {
		delete(m, filter)
	} else {
		m[filter] = subs
	}
	t.wildcards.Store(&m)
}

// Publish stores the message as retained if flagged (non-empty payload) and
// fans it out to every live subscriber whose subscription matches the topic.
// Fan-out runs on the caller's goroutine over a snapshot of both tables.
func (t *TopicTree) Publish(topic string, m *Message) {
	if m.Retain && len(m.Payload) > 0 {
		t.AddRetained(m)
	}

	for _, ref := range t.subscribers(topic) {
		if s := ref.Value(); s != nil {
			s.Publish(m)
			t.metrics.routed()
		}
	}
}

// AddRetained stores the message in its topic's retained slot, replacing any
// previous one.
func (t *TopicTree) AddRetained(m *Message) {
	if m.Topic == "" {
		return
	}

	t.mu.Lock()
	defer t.mu.Unlock()

	tm := t.cloneTopics()
	e := cloneEntry(tm[m.Topic])
	if e.retained == nil {
		t.metrics.retainedAdd(1)
	}
	e.retained = m
	tm[m.Topic] = e
	t.topics.Store(&tm)
}

// DeleteRetained clears the retained slot for the topic.
func (t *TopicTree) DeleteRetained(topic string) {
	t.mu.Lock()
	defer t.mu.Unlock()

	tm := t.cloneTopics()
	old, ok := tm[topic]
	if !ok || old.retained == nil {
		return
	}
	e := cloneEntry(old)
	e.retained = nil
	t.metrics.retainedAdd(-1)
	if len(e.subscribers) == 0 {
		delete(tm, topic)
	} else {
		tm[topic] = e
	}
	t.topics.Store(&tm)
}

// subscribers collects the fan-out set for a concrete topic: the exact
// entry's list plus every wildcard list whose filter matches.
func (t *TopicTree) subscribers(topic string) subscriberList {
	var out subscriberList

	if e, ok := (*t.topics.Load())[topic]; ok {
		out = append(out, e.subscribers...)
	}

	for filter, subs := range *t.wildcards.Load() {
		if MatchTopic(filter, topic) {
			out = append(out, subs...)
		}
	}

	return out
}

// retainedMatching scans the exact table for retained messages whose topic
// matches the wildcard filter.
func (t *TopicTree) retainedMatching(filter string) []*Message {
	var out []*Message
	for topic, e := range *t.topics.Load() {
		if e.retained != nil && MatchTopic(filter, topic) {
			out = append(out, e.retained)
		}
	}
	return out
}

// cloneTopics returns a shallow copy of the exact table for mutation.
// Callers must hold mu.
func (t *TopicTree) cloneTopics() exactMap {
	cur := *t.topics.Load()
	m := make(exactMap, len(cur)+1)
	for k, v := range cur {
		m[k] = v
	}
	return m
}

// cloneWildcards returns a shallow copy of the wildcard table for mutation.
// Callers must hold wmu.
func (t *TopicTree) cloneWildcards() wildcardMap {
	cur := *t.wildcards.Load()
	m := make(wildcardMap, len(cur)+1)
	for k, v := range cur {
		m[k] = v
	}
	return m
}

// cloneEntry copies an entry so snapshots handed to readers stay immutable.
func cloneEntry(e *topicEntry) *topicEntry {
	if e == nil {
		return &topicEntry{}
	}
	c := &topicEntry{
		subscribers: append(subscriberList{}, e.subscribers...),
		retained:    e.retained,
	}
	return c
}

// removeSubscriber drops the first reference resolving to s and every
// expired reference encountered while looking.
func removeSubscriber(subs subscriberList, s *Session) subscriberList {
	out := subs[:0]
	removed := false
	for _, ref := range subs {
		v := ref.Value()
		if v == nil {
			continue
		}
		if !removed && v == s {
			removed = true
			continue
		}
		out = append(out, ref)
	}
	return out
}
