// Package bus is the in-process topic bus that ties the services together.
//
// Topics are token paths such as {"telemetry", "critical"}. Subscriptions may
// use "+" to match exactly one level and a trailing "#" to match the rest of
// the path, including nothing. A retained message is kept per exact topic and
// replayed to every later matching subscriber; publishing a retained message
// with a nil payload clears it.
//
// Each subscription owns a bounded channel. When a subscriber falls behind the
// oldest queued message is discarded so publishers never block.
package bus

import (
	"context"
	"fmt"
	"reflect"
	"sync"
	"sync/atomic"
)

const (
	wildOne  = "+"
	wildRest = "#"
)

// Token is one element of a topic path. Any comparable value is allowed;
// services use strings and small integers.
type Token any

// Topic is a sequence of tokens.
type Topic []Token

// T builds a topic and panics on a token that cannot be used as a map key.
func T(tokens ...Token) Topic {
	for i, tok := range tokens {
		if tok == nil || !reflect.TypeOf(tok).Comparable() {
			panic(fmt.Sprintf("bus: token %d (%T) is not comparable", i, tok))
		}
	}
	return Topic(tokens)
}

// Append returns a new topic with extra tokens after t.
func (t Topic) Append(tokens ...Token) Topic {
	out := make(Topic, 0, len(t)+len(tokens))
	out = append(out, t...)
	return append(out, tokens...)
}

// String renders the topic as a slash separated path.
func (t Topic) String() string {
	s := ""
	for i, tok := range t {
		if i > 0 {
			s += "/"
		}
		s += fmt.Sprint(tok)
	}
	return s
}

// Message is what travels on the bus.
type Message struct {
	Topic    Topic
	Payload  any
	Retained bool
	ReplyTo  Topic
}

// Subscription delivers matching messages on a bounded channel.
type Subscription struct {
	topic Topic
	ch    chan *Message
	conn  *Connection
}

func (s *Subscription) Topic() Topic             { return s.topic }
func (s *Subscription) Channel() <-chan *Message { return s.ch }
func (s *Subscription) Unsubscribe()             { s.conn.Unsubscribe(s) }

// deliver enqueues msg, discarding the oldest queued message when full.
func (s *Subscription) deliver(msg *Message) {
	for {
		select {
		case s.ch <- msg:
			return
		default:
		}
		select {
		case <-s.ch:
		default:
		}
	}
}

type node struct {
	children map[Token]*node
	subs     []*Subscription
	retained *Message
}

func (n *node) child(tok Token, create bool) *node {
	c := n.children[tok]
	if c == nil && create {
		if n.children == nil {
			n.children = make(map[Token]*node)
		}
		c = &node{}
		n.children[tok] = c
	}
	return c
}

func (n *node) empty() bool {
	return len(n.subs) == 0 && len(n.children) == 0 && n.retained == nil
}

// Bus routes messages between connections.
type Bus struct {
	mu       sync.RWMutex
	root     *node
	qLen     int
	replySeq atomic.Uint64
}

// NewBus creates a bus whose subscriptions buffer queueLen messages each.
func NewBus(queueLen int) *Bus {
	if queueLen <= 0 {
		queueLen = 8
	}
	return &Bus{root: &node{}, qLen: queueLen}
}

// NewMessage is a convenience constructor.
func (b *Bus) NewMessage(topic Topic, payload any, retained bool) *Message {
	return &Message{Topic: topic, Payload: payload, Retained: retained}
}

// Publish delivers msg to every matching subscription and updates the
// retained store when msg.Retained is set.
func (b *Bus) Publish(msg *Message) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if msg.Retained {
		b.retain(msg)
	}
	if msg.Retained && msg.Payload == nil {
		return
	}
	match(b.root, msg.Topic, 0, msg)
}

func (b *Bus) retain(msg *Message) {
	if msg.Payload == nil {
		n := b.root
		path := []*node{n}
		for _, tok := range msg.Topic {
			if n = n.child(tok, false); n == nil {
				return
			}
			path = append(path, n)
		}
		n.retained = nil
		b.prune(msg.Topic, path)
		return
	}
	n := b.root
	for _, tok := range msg.Topic {
		n = n.child(tok, true)
	}
	n.retained = msg
}

// match walks the subscription patterns that accept topic[i:].
func match(n *node, topic Topic, i int, msg *Message) {
	if h := n.children[wildRest]; h != nil {
		for _, s := range h.subs {
			s.deliver(msg)
		}
	}
	if i == len(topic) {
		for _, s := range n.subs {
			s.deliver(msg)
		}
		return
	}
	if c := n.children[topic[i]]; c != nil {
		match(c, topic, i+1, msg)
	}
	if topic[i] != wildOne {
		if c := n.children[wildOne]; c != nil {
			match(c, topic, i+1, msg)
		}
	}
}

// replay sends retained messages under n that match pattern[j:].
func replay(n *node, pattern Topic, j int, sub *Subscription) {
	if j == len(pattern) {
		if n.retained != nil {
			sub.deliver(n.retained)
		}
		return
	}
	switch pattern[j] {
	case wildRest:
		replayAll(n, sub)
	case wildOne:
		for _, c := range n.children {
			replay(c, pattern, j+1, sub)
		}
	default:
		if c := n.children[pattern[j]]; c != nil {
			replay(c, pattern, j+1, sub)
		}
	}
}

func replayAll(n *node, sub *Subscription) {
	if n.retained != nil {
		sub.deliver(n.retained)
	}
	for _, c := range n.children {
		replayAll(c, sub)
	}
}

func (b *Bus) addSubscription(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.root
	for _, tok := range sub.topic {
		n = n.child(tok, true)
	}
	n.subs = append(n.subs, sub)
	replay(b.root, sub.topic, 0, sub)
}

func (b *Bus) removeSubscription(sub *Subscription) {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := b.root
	path := []*node{n}
	for _, tok := range sub.topic {
		if n = n.child(tok, false); n == nil {
			return
		}
		path = append(path, n)
	}
	for i, s := range n.subs {
		if s == sub {
			n.subs = append(n.subs[:i], n.subs[i+1:]...)
			break
		}
	}
	b.prune(sub.topic, path)
}

// prune removes empty nodes bottom-up along path (path[0] is the root).
func (b *Bus) prune(topic Topic, path []*node) {
	for i := len(topic); i > 0; i-- {
		if !path[i].empty() {
			return
		}
		delete(path[i-1].children, topic[i-1])
	}
}

// Connection is a service's handle on the bus. It tracks its subscriptions
// so Disconnect can release them together.
type Connection struct {
	bus  *Bus
	id   string
	mu   sync.Mutex
	subs []*Subscription
}

// NewConnection creates a connection bound to this bus.
func (b *Bus) NewConnection(id string) *Connection {
	return &Connection{bus: b, id: id}
}

func (c *Connection) ID() string { return c.id }

func (c *Connection) NewMessage(topic Topic, payload any, retained bool) *Message {
	return c.bus.NewMessage(topic, payload, retained)
}

func (c *Connection) Publish(msg *Message) { c.bus.Publish(msg) }

// Subscribe registers a subscription owned by this connection. Retained
// messages matching topic are queued before it returns.
func (c *Connection) Subscribe(topic Topic) *Subscription {
	sub := &Subscription{
		topic: topic,
		ch:    make(chan *Message, c.bus.qLen),
		conn:  c,
	}
	c.mu.Lock()
	c.subs = append(c.subs, sub)
	c.mu.Unlock()
	c.bus.addSubscription(sub)
	return sub
}

// Unsubscribe removes sub and closes its channel. Unknown or already removed
// subscriptions are ignored.
func (c *Connection) Unsubscribe(sub *Subscription) {
	c.mu.Lock()
	found := false
	for i, s := range c.subs {
		if s == sub {
			c.subs = append(c.subs[:i], c.subs[i+1:]...)
			found = true
			break
		}
	}
	c.mu.Unlock()
	if !found {
		return
	}
	c.bus.removeSubscription(sub)
	close(sub.ch)
}

// Disconnect releases every subscription of this connection.
func (c *Connection) Disconnect() {
	c.mu.Lock()
	subs := c.subs
	c.subs = nil
	c.mu.Unlock()
	for _, sub := range subs {
		c.bus.removeSubscription(sub)
		close(sub.ch)
	}
}

// Request publishes msg with a fresh reply topic and returns the subscription
// on which replies arrive. The caller unsubscribes when done.
func (c *Connection) Request(msg *Message) *Subscription {
	msg.ReplyTo = T("_reply", c.id, c.bus.replySeq.Add(1))
	sub := c.Subscribe(msg.ReplyTo)
	c.Publish(msg)
	return sub
}

// RequestWait publishes msg and waits for the first reply or ctx expiry.
func (c *Connection) RequestWait(ctx context.Context, msg *Message) (*Message, error) {
	sub := c.Request(msg)
	defer c.Unsubscribe(sub)
	select {
	case reply := <-sub.Channel():
		return reply, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Reply answers req on its ReplyTo topic. It returns false when req carries
// no reply topic.
func (c *Connection) Reply(req *Message, payload any, retained bool) bool {
	if len(req.ReplyTo) == 0 {
		return false
	}
	c.Publish(c.NewMessage(req.ReplyTo, payload, retained))
	return true
}
