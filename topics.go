// SPDX-License-Identifier: MIT
// SPDX-FileCopyrightText: 2022 J. Blake / mochi-co
// SPDX-FileContributor: mochi-co

package mqtt

import (
	"sort"
	"strings"
	"sync"
	"sync/atomic"
)

// SysPrefix is the prefix indicating a system info topic.
var SysPrefix = "$SYS"

// subscribers is a concurrency safe map of subscriptions on a single
// particle, keyed on client id.
type subscribers struct {
	internal map[string]Subscription
	sync.RWMutex
}

func newSubscribers() *subscribers {
	return &subscribers{
		internal: map[string]Subscription{},
	}
}

func (s *subscribers) add(sub Subscription) bool {
	s.Lock()
	defer s.Unlock()
	_, existed := s.internal[sub.ClientID]
	s.internal[sub.ClientID] = sub
	return !existed
}

func (s *subscribers) delete(client string) bool {
	s.Lock()
	defer s.Unlock()
	_, ok := s.internal[client]
	delete(s.internal, client)
	return ok
}

func (s *subscribers) getAll() []Subscription {
	s.RLock()
	defer s.RUnlock()
	subs := make([]Subscription, 0, len(s.internal))
	for _, sub := range s.internal {
		subs = append(subs, sub)
	}
	return subs
}

func (s *subscribers) len() int {
	s.RLock()
	defer s.RUnlock()
	return len(s.internal)
}

// TopicsIndex is a prefix tree of topic filters and the clients subscribed
// to them. It is the default SubscriptionDirectory.
type TopicsIndex struct {
	root *particle
	qty  atomic.Int64
}

// NewTopicsIndex returns a pointer to a new instance of TopicsIndex.
func NewTopicsIndex() *TopicsIndex {
	return &TopicsIndex{
		root: newParticle("", nil),
	}
}

// Add adds or replaces the subscription of a client to a filter.
func (x *TopicsIndex) Add(sub Subscription) {
	x.root.Lock()
	defer x.root.Unlock()

	n := x.set(sub.Filter)
	if n.subscriptions.add(sub) {
		x.qty.Add(1)
	}
}

// RemoveSubscription removes the subscription of a client to a filter.
func (x *TopicsIndex) RemoveSubscription(filter, client string) {
	x.root.Lock()
	defer x.root.Unlock()

	n := x.seek(filter)
	if n == nil {
		return
	}

	if n.subscriptions.delete(client) {
		x.qty.Add(-1)
	}

	x.trim(n)
}

// Len returns the number of subscriptions in the index.
func (x *TopicsIndex) Len() int {
	return int(x.qty.Load())
}

// Matches returns one subscription per client with a filter matching the
// topic. Where a client has several matching filters, the one with the
// highest qos is returned. Results are ordered by client id.
func (x *TopicsIndex) Matches(topic string) []Subscription {
	found := map[string]Subscription{}
	x.scan(topic, 0, x.root, found)

	subs := make([]Subscription, 0, len(found))
	for _, sub := range found {
		subs = append(subs, sub)
	}

	sort.Slice(subs, func(i, j int) bool {
		return subs[i].ClientID < subs[j].ClientID
	})

	return subs
}

// set creates a filter address in the index and returns the final particle.
func (x *TopicsIndex) set(filter string) *particle {
	var key string
	var hasNext = true
	n := x.root
	for d := 0; hasNext; d++ {
		key, hasNext = isolateParticle(filter, d)
		p := n.particles.get(key)
		if p == nil {
			p = newParticle(key, n)
			n.particles.add(p)
		}
		n = p
	}

	return n
}

// seek finds the particle at the end of a filter.
func (x *TopicsIndex) seek(filter string) *particle {
	var key string
	var hasNext = true
	n := x.root
	for d := 0; hasNext; d++ {
		key, hasNext = isolateParticle(filter, d)
		n = n.particles.get(key)
		if n == nil {
			return nil
		}
	}

	return n
}

// trim removes empty particles from the index.
func (x *TopicsIndex) trim(n *particle) {
	for n.parent != nil && n.particles.len()+n.subscriptions.len() == 0 {
		key := n.key
		n = n.parent
		n.particles.delete(key)
	}
}

// scan collects the subscriptions of every filter matching an indexed topic address.
func (x *TopicsIndex) scan(topic string, d int, n *particle, found map[string]Subscription) {
	if len(topic) == 0 {
		return
	}

	key, hasNext := isolateParticle(topic, d)
	for _, partKey := range []string{key, "+", "#"} {
		p := n.particles.get(partKey)
		if p == nil {
			continue
		}

		if partKey == "#" || !hasNext {
			gather(topic, p, found)
		}

		if !hasNext && partKey != "#" {
			if wild := p.particles.get("#"); wild != nil {
				gather(topic, wild, found) // a/# also matches a
			}
		}

		if hasNext && partKey != "#" {
			x.scan(topic, d+1, p, found)
		}
	}
}

// gather merges the subscriptions of a particle into the found set.
func gather(topic string, p *particle, found map[string]Subscription) {
	for _, sub := range p.subscriptions.getAll() {
		if topic[0] == '$' && len(sub.Filter) > 0 && (sub.Filter[0] == '+' || sub.Filter[0] == '#') {
			continue // $ topics never match top level wildcards
		}

		if existing, ok := found[sub.ClientID]; ok && existing.Qos >= sub.Qos {
			continue
		}

		found[sub.ClientID] = sub
	}
}

// isolateParticle extracts a particle between d / and d+1 / without allocations.
func isolateParticle(filter string, d int) (particle string, hasNext bool) {
	var next, end int
	for i := 0; end > -1 && i <= d; i++ {
		end = strings.IndexRune(filter, '/')

		switch {
		case d > -1 && i == d && end > -1:
			hasNext = true
			particle = filter[next:end]
		case end > -1:
			hasNext = false
			filter = filter[end+1:]
		default:
			hasNext = false
			particle = filter[next:]
		}
	}

	return
}

// IsValidFilter returns true if the subscription filter is well formed.
func IsValidFilter(filter string) bool {
	if len(filter) == 0 {
		return false
	}

	levels := strings.Split(filter, "/")
	for i, level := range levels {
		if level == "#" && i != len(levels)-1 {
			return false // multi-level wildcard must be last
		}

		if level != "#" && level != "+" && strings.ContainsAny(level, "#+") {
			return false // wildcards must occupy a whole level
		}
	}

	return true
}

// IsValidTopic returns true if the topic name may be published to by a client.
// Clients may not publish to $SYS topics.
func IsValidTopic(topic string) bool {
	return isTopicName(topic) && !strings.HasPrefix(topic, SysPrefix)
}

// isTopicName returns true if the topic is a non-empty name with no wildcards.
func isTopicName(topic string) bool {
	return len(topic) > 0 && !strings.ContainsAny(topic, "#+")
}

// MatchTopic returns true if a topic name is matched by a subscription filter.
func MatchTopic(filter, topic string) bool {
	if len(topic) == 0 || len(filter) == 0 {
		return false
	}

	if topic[0] == '$' && (filter[0] == '+' || filter[0] == '#') {
		return false
	}

	for d := 0; ; d++ {
		fk, fNext := isolateParticle(filter, d)
		tk, tNext := isolateParticle(topic, d)

		if fk == "#" {
			return true
		}

		if fk != "+" && fk != tk {
			return false
		}

		switch {
		case !fNext && !tNext:
			return true
		case !tNext:
			next, more := isolateParticle(filter, d+1)
			return next == "#" && !more
		case !fNext:
			return false
		}
	}
}

// particle is a child node on the tree.
type particle struct {
	key           string       // the key of the particle
	parent        *particle    // a pointer to the parent of the particle
	particles     particles    // a map of child particles
	subscriptions *subscribers // subscriptions made by clients to this ending address
	sync.Mutex                 // mutex for when making changes to the particle
}

// newParticle returns a pointer to a new instance of particle.
func newParticle(key string, parent *particle) *particle {
	return &particle{
		key:           key,
		parent:        parent,
		particles:     newParticles(),
		subscriptions: newSubscribers(),
	}
}

// particles is a concurrency safe map of particles.
type particles struct {
	internal map[string]*particle
	sync.RWMutex
}

// newParticles returns a map of particles.
func newParticles() particles {
	return particles{
		internal: map[string]*particle{},
	}
}

// add adds a new particle.
func (p *particles) add(val *particle) {
	p.Lock()
	p.internal[val.key] = val
	p.Unlock()
}

// get returns a particle by id (key).
func (p *particles) get(id string) *particle {
	p.RLock()
	defer p.RUnlock()
	return p.internal[id]
}

// len returns the number of particles.
func (p *particles) len() int {
	p.RLock()
	defer p.RUnlock()
	return len(p.internal)
}

// delete removes a particle.
func (p *particles) delete(id string) {
	p.Lock()
	defer p.Unlock()
	delete(p.internal, id)
}
