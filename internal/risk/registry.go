package risk

import (
	"strings"
	"sync"

	"github.com/davidahmann/sponsorgate/internal/policy"
)

type Reputation struct {
	Name  string
	Score int
}

// Registry answers merchant reputation lookups.
type Registry interface {
	Lookup(merchant string) (Reputation, bool)
}

type StaticRegistry struct {
	mu      sync.RWMutex
	entries map[string]Reputation
}

func NewStaticRegistry(merchants []policy.Merchant) *StaticRegistry {
	r := &StaticRegistry{entries: make(map[string]Reputation, len(merchants))}
	for _, m := range merchants {
		r.entries[strings.ToLower(m.Address)] = Reputation{Name: m.Name, Score: m.Score}
	}
	return r
}

func (r *StaticRegistry) Lookup(merchant string) (Reputation, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	rep, ok := r.entries[strings.ToLower(merchant)]
	return rep, ok
}

func (r *StaticRegistry) Upsert(merchant string, rep Reputation) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[strings.ToLower(merchant)] = rep
}
