package records

import (
	"context"
	"sort"
	"sync"

	"pkt.systems/bridged/internal/clock"
)

// Memory keeps encoded records in process memory. Records round-trip through
// the same encoding as the durable backends.
type Memory struct {
	clock clock.Clock

	mu   sync.Mutex
	data map[Kind]map[string][]byte
}

// NewMemory constructs an empty in-memory backend.
func NewMemory(clk clock.Clock) *Memory {
	return &Memory{
		clock: clock.Ensure(clk),
		data:  map[Kind]map[string][]byte{KindConnection: {}, KindStatement: {}},
	}
}

func (m *Memory) Put(_ context.Context, rec Record) error {
	payload, err := Encode(rec)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[rec.Kind][rec.ID] = payload
	return nil
}

func (m *Memory) Get(_ context.Context, kind Kind, id string) (Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	payload, ok := m.data[kind][id]
	if !ok {
		return Record{}, ErrNotFound
	}
	rec, err := Decode(payload)
	if err != nil {
		delete(m.data[kind], id)
		return Record{}, ErrNotFound
	}
	if err := checkLive(rec, m.clock.Now()); err != nil {
		delete(m.data[kind], id)
		return Record{}, err
	}
	return rec, nil
}

func (m *Memory) Delete(_ context.Context, kind Kind, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.data[kind], id)
	return nil
}

func (m *Memory) List(_ context.Context, kind Kind) ([]Record, error) {
	now := m.clock.Now()
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Record
	for id, payload := range m.data[kind] {
		rec, err := Decode(payload)
		if err != nil || rec.Expired(now) {
			delete(m.data[kind], id)
			continue
		}
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) Close() error { return nil }
