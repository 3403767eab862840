package channels

import (
	"context"
	"errors"
	"sync"
)

type fakeSource struct {
	mu       sync.Mutex
	channels map[string]Channel
	getErr   error
	disabled []string
}

func newFakeSource(chs ...Channel) *fakeSource {
	s := &fakeSource{channels: map[string]Channel{}}
	for _, ch := range chs {
		s.channels[ch.ID] = ch
	}
	return s
}

func (s *fakeSource) put(ch Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.channels[ch.ID] = ch
}

func (s *fakeSource) GetChannel(_ context.Context, id string) (Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.getErr != nil {
		return Channel{}, s.getErr
	}
	ch, ok := s.channels[id]
	if !ok {
		return Channel{}, ErrNotFound
	}
	return ch, nil
}

func (s *fakeSource) ListChannels(_ context.Context, enabled bool) ([]Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Channel
	for _, id := range []string{"1", "2", "3", "4"} {
		if ch, ok := s.channels[id]; ok && ch.Enabled == enabled {
			out = append(out, ch)
		}
	}
	return out, nil
}

func (s *fakeSource) SetEnabled(_ context.Context, id string, enabled bool, _ string) (Channel, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	ch, ok := s.channels[id]
	if !ok {
		return Channel{}, ErrNotFound
	}
	ch.Enabled = enabled
	s.channels[id] = ch
	if !enabled {
		s.disabled = append(s.disabled, id)
	}
	return ch, nil
}

type banErr struct{}

func (banErr) Error() string { return "banned" }
func (banErr) Banned() bool  { return true }

type fakeTransport struct {
	mu      sync.Mutex
	joins   []string
	leaves  []string
	joinErr map[string]error
}

func (t *fakeTransport) Join(_ context.Context, name string) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.joins = append(t.joins, name)
	if err := t.joinErr[name]; err != nil {
		return err
	}
	return nil
}

func (t *fakeTransport) Leave(name string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.leaves = append(t.leaves, name)
}

func (t *fakeTransport) counts() (int, int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.joins), len(t.leaves)
}

var errBoom = errors.New("boom")

func testChannel(id, name string, enabled bool) Channel {
	return Channel{
		ID:              id,
		Name:            name,
		Enabled:         enabled,
		CooldownSeconds: 60,
		Triggers:        []string{"song", "what is this"},
		Templates:       Templates{Success: "%TITLE%"},
	}
}
