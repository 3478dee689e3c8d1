package canbus

import (
	"sync"
	"weak"
)

// Consumer receives frames on the dispatcher goroutine. OnFrame must return
// quickly: copy what is needed and leave decoding to a later poll.
type Consumer interface {
	OnFrame(f Frame)
	// ID is the primary identifier. Extra identifiers are subscribed by the
	// owner with SubscribeMulti.
	ID() uint16
}

// Ref is a non-owning handle on a Consumer. The bus never keeps a consumer
// alive; once the consumer is collected the ref resolves to nil and is pruned
// on the next dispatch.
type Ref struct {
	get func() Consumer
}

// WeakRef builds a Ref for a pointer consumer.
func WeakRef[T any, P interface {
	*T
	Consumer
}](c P) Ref {
	if (*T)(c) == nil {
		return Ref{}
	}
	w := weak.Make((*T)(c))
	return Ref{get: func() Consumer {
		p := w.Value()
		if p == nil {
			return nil
		}
		return P(p)
	}}
}

// Get returns the consumer or nil once it is gone.
func (r Ref) Get() Consumer {
	if r.get == nil {
		return nil
	}
	return r.get()
}

// Valid reports whether the ref still points at a live consumer.
func (r Ref) Valid() bool { return r.Get() != nil }

// registry maps identifiers to weakly held consumers.
type registry struct {
	mu sync.Mutex
	m  map[uint16][]Ref
}

func (r *registry) add(id uint16, ref Ref) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.m == nil {
		r.m = make(map[uint16][]Ref)
	}
	r.m[id] = append(r.m[id], ref)
}

// remove drops every ref under id and returns how many there were.
func (r *registry) remove(id uint16) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := len(r.m[id])
	delete(r.m, id)
	return n
}

// live appends the consumers still alive under id to dst and prunes the rest.
// Callers must clear dst after use so the strong references do not outlive the
// dispatch.
func (r *registry) live(id uint16, dst []Consumer) []Consumer {
	r.mu.Lock()
	defer r.mu.Unlock()
	refs := r.m[id]
	kept := refs[:0]
	for _, ref := range refs {
		if c := ref.Get(); c != nil {
			dst = append(dst, c)
			kept = append(kept, ref)
		}
	}
	clear(refs[len(kept):])
	switch {
	case len(kept) == 0 && refs != nil:
		delete(r.m, id)
	case len(kept) != len(refs):
		r.m[id] = kept
	}
	return dst
}

// count returns the number of live consumers under id, pruning dead ones.
func (r *registry) count(id uint16) int {
	live := r.live(id, nil)
	n := len(live)
	clear(live)
	return n
}
