// Package registry keeps the index of displays the gateway knows about.
// It holds a hot in-memory map and persists through the store package.
package registry

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/XtracT/aintinksmart/internal/store"
)

// Manager indexes displays by address. All exported methods are safe for
// concurrent use.
type Manager struct {
	db    *store.DB
	now   func() time.Time
	mu    sync.RWMutex
	known map[string]*store.Peripheral
}

// New creates a Manager and hydrates the index from the database.
func New(db *store.DB) (*Manager, error) {
	m := &Manager{
		db:    db,
		now:   func() time.Time { return time.Now().UTC() },
		known: make(map[string]*store.Peripheral),
	}
	if err := m.load(); err != nil {
		return nil, fmt.Errorf("registry: load: %w", err)
	}
	return m, nil
}

// Observe records a display seen in a scan.
func (m *Manager) Observe(address, name string, rssi int16) error {
	return m.upsert(&store.Peripheral{Address: address, Name: name, RSSI: rssi})
}

// RecordStatus stores the final status of a transfer to address.
func (m *Manager) RecordStatus(address, status string) error {
	return m.upsert(&store.Peripheral{Address: address, LastStatus: status})
}

// Get retrieves one display by address.
func (m *Manager) Get(address string) (store.Peripheral, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	p, ok := m.known[address]
	if !ok {
		return store.Peripheral{}, false
	}
	return *p, true
}

// List returns a snapshot of all known displays ordered by address.
func (m *Manager) List() []store.Peripheral {
	m.mu.RLock()
	out := make([]store.Peripheral, 0, len(m.known))
	for _, p := range m.known {
		out = append(out, *p)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Address < out[j].Address })
	return out
}

// Count returns how many displays are known.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.known)
}

func (m *Manager) upsert(p *store.Peripheral) error {
	if p.Address == "" {
		return fmt.Errorf("registry: address must not be empty")
	}
	p.LastSeen = m.now()

	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.db.UpsertPeripheral(p); err != nil {
		return err
	}
	cur, ok := m.known[p.Address]
	if !ok {
		cur = &store.Peripheral{Address: p.Address}
		m.known[p.Address] = cur
	}
	if p.Name != "" {
		cur.Name = p.Name
	}
	if p.RSSI != 0 {
		cur.RSSI = p.RSSI
	}
	if p.LastStatus != "" {
		cur.LastStatus = p.LastStatus
	}
	cur.LastSeen = p.LastSeen
	return nil
}

func (m *Manager) load() error {
	ps, err := m.db.ListPeripherals()
	if err != nil {
		return err
	}
	for _, p := range ps {
		m.known[p.Address] = p
	}
	return nil
}
