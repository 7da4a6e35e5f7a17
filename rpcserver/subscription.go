package rpcserver

import (
	"sync"
	"weak"

	"mini-rpc/router"
)

// subscriptionRegistry is the multimap from topic key to subscriber
// connections, indexed both by the raw string key (the primary,
// string-keyed variant) and by hash32(key) (the id-keyed variant, used when
// the fan-out only has the connection's stored topic id to go on).
//
// Entries hold weak references: a connection that has been garbage
// collected (because nothing else holds it once the server's connection
// map has dropped it) silently disappears from iteration without an
// explicit removal, and sweep() reclaims the now-dead map entries lazily.
type subscriptionRegistry struct {
	mu        sync.Mutex
	byKey     map[string]map[uint64]weak.Pointer[Connection]
	byTopicID map[uint32]map[uint64]weak.Pointer[Connection]
}

func newSubscriptionRegistry() *subscriptionRegistry {
	return &subscriptionRegistry{
		byKey:     make(map[string]map[uint64]weak.Pointer[Connection]),
		byTopicID: make(map[uint32]map[uint64]weak.Pointer[Connection]),
	}
}

func compositeKey(key, token string) string {
	if token == "" {
		return key
	}
	return key + "\x00" + token
}

func (s *subscriptionRegistry) subscribe(key, token string, conn *Connection) {
	composite := compositeKey(key, token)
	topicID := router.FuncID(key)
	wp := weak.Make(conn)

	s.mu.Lock()
	defer s.mu.Unlock()

	m, ok := s.byKey[composite]
	if !ok {
		m = make(map[uint64]weak.Pointer[Connection])
		s.byKey[composite] = m
	}
	m[conn.id] = wp

	mt, ok := s.byTopicID[topicID]
	if !ok {
		mt = make(map[uint64]weak.Pointer[Connection])
		s.byTopicID[topicID] = mt
	}
	mt[conn.id] = wp
}

// subscribersByKey returns the live connections subscribed to key with no
// token. Connections that subscribed to key together with a token are not
// included.
func (s *subscriptionRegistry) subscribersByKey(key string) []*Connection {
	return s.live(s.byKey, compositeKey(key, ""))
}

// subscribersByTopicID returns the live connections subscribed to the topic
// whose name hashes to topicID — the id-keyed fan-out variant spec §3
// describes for a connection that only stores the topic id, not the string
// key, on itself.
func (s *subscriptionRegistry) subscribersByTopicID(topicID uint32) []*Connection {
	s.mu.Lock()
	m, ok := s.byTopicID[topicID]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	var out []*Connection
	dead := make([]uint64, 0)
	for id, wp := range m {
		if c := wp.Value(); c != nil && !c.isClosed() {
			out = append(out, c)
		} else {
			dead = append(dead, id)
		}
	}
	for _, id := range dead {
		delete(m, id)
	}
	s.mu.Unlock()
	return out
}

func (s *subscriptionRegistry) live(table map[string]map[uint64]weak.Pointer[Connection], key string) []*Connection {
	s.mu.Lock()
	m, ok := table[key]
	if !ok {
		s.mu.Unlock()
		return nil
	}
	var out []*Connection
	dead := make([]uint64, 0)
	for id, wp := range m {
		if c := wp.Value(); c != nil && !c.isClosed() {
			out = append(out, c)
		} else {
			dead = append(dead, id)
		}
	}
	for _, id := range dead {
		delete(m, id)
	}
	s.mu.Unlock()
	return out
}

// sweep drops every map entry whose weak reference no longer resolves to a
// live, open connection — invariant §3's lazy-on-next-sweep cleanup.
func (s *subscriptionRegistry) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key, m := range s.byKey {
		for id, wp := range m {
			if c := wp.Value(); c == nil || c.isClosed() {
				delete(m, id)
			}
		}
		if len(m) == 0 {
			delete(s.byKey, key)
		}
	}
	for id32, m := range s.byTopicID {
		for id, wp := range m {
			if c := wp.Value(); c == nil || c.isClosed() {
				delete(m, id)
			}
		}
		if len(m) == 0 {
			delete(s.byTopicID, id32)
		}
	}
}
