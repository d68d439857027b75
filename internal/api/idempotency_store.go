package api

import "sync"

// DefaultIdemCapacity is the number of authorize responses kept for replay.
const DefaultIdemCapacity = 4096

// IdemRecord caches the response of a completed authorize call.
type IdemRecord struct {
	IdemKey  string
	Status   IdemStatus
	Response AuthorizeResponse
}

// InMemoryIdemStore keeps the most recent authorize responses. Once full,
// the oldest key is evicted first; a repeat of an evicted request is scored
// again and the nullifier still stops it from being spent twice.
type InMemoryIdemStore struct {
	mu       sync.Mutex
	capacity int
	items    map[string]IdemRecord
	order    []string
}

func NewInMemoryIdemStore(capacity int) *InMemoryIdemStore {
	if capacity <= 0 {
		capacity = DefaultIdemCapacity
	}
	return &InMemoryIdemStore{capacity: capacity, items: make(map[string]IdemRecord)}
}

func (s *InMemoryIdemStore) Get(idemKey string) (IdemRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rec, ok := s.items[idemKey]
	return rec, ok
}

func (s *InMemoryIdemStore) Put(record IdemRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[record.IdemKey]; !ok {
		s.order = append(s.order, record.IdemKey)
	}
	s.items[record.IdemKey] = record
	for len(s.order) > s.capacity {
		delete(s.items, s.order[0])
		s.order = s.order[1:]
	}
}

func (s *InMemoryIdemStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}
