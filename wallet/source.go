package wallet

import (
	"context"
	"sync"
)

type EventKind string

const (
	IdentityChanged EventKind = "identity_changed"
	NetworkChanged  EventKind = "network_changed"
)

type Event struct {
	Kind    EventKind
	Address string
	ChainID string
}

// Source yields the active Signer and reports changes to it.
type Source interface {
	Current(ctx context.Context) (Signer, error)
	// Subscribe registers fn for every later event. The returned func
	// unregisters it.
	Subscribe(fn func(Event)) (cancel func())
}

// Switchable is a Source whose signer and network can be swapped at runtime,
// the way a browser wallet switches accounts or chains.
type Switchable struct {
	mu      sync.Mutex
	signer  Signer
	chainID string
	nextID  int
	subs    map[int]func(Event)
}

var _ Source = (*Switchable)(nil)

func NewSwitchable(signer Signer, chainID string) *Switchable {
	return &Switchable{signer: signer, chainID: chainID, subs: make(map[int]func(Event))}
}

func (s *Switchable) Current(ctx context.Context) (Signer, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.signer == nil {
		return nil, ErrNoIdentity
	}
	return s.signer, nil
}

func (s *Switchable) ChainID() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.chainID
}

func (s *Switchable) Subscribe(fn func(Event)) func() {
	s.mu.Lock()
	id := s.nextID
	s.nextID++
	s.subs[id] = fn
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
		})
	}
}

// SetSigner replaces the active signer. A nil signer logs the actor out.
func (s *Switchable) SetSigner(signer Signer) {
	s.mu.Lock()
	s.signer = signer
	ev := Event{Kind: IdentityChanged, ChainID: s.chainID}
	if signer != nil {
		ev.Address = signer.Address()
	}
	s.mu.Unlock()
	s.emit(ev)
}

func (s *Switchable) SwitchNetwork(chainID string) {
	s.mu.Lock()
	s.chainID = chainID
	ev := Event{Kind: NetworkChanged, ChainID: chainID}
	if s.signer != nil {
		ev.Address = s.signer.Address()
	}
	s.mu.Unlock()
	s.emit(ev)
}

func (s *Switchable) emit(ev Event) {
	s.mu.Lock()
	fns := make([]func(Event), 0, len(s.subs))
	for _, fn := range s.subs {
		fns = append(fns, fn)
	}
	s.mu.Unlock()
	for _, fn := range fns {
		fn(ev)
	}
}
