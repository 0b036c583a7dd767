package merchant

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// LearnedKey is the persistence key holding every learned merchant
const LearnedKey = "facturador/restaurantes_aprendidos"

var (
	// ErrPersistenceReadCorrupt is returned by Load when the stored data cannot
	// be read. The store is still usable and starts empty.
	ErrPersistenceReadCorrupt = errors.New("learned merchants unreadable")

	// ErrPersistenceWriteFailed is returned by Append when the new sequence
	// could not be written. The in-memory store keeps the new entry.
	ErrPersistenceWriteFailed = errors.New("learned merchants not persisted")
)

// LearnedMerchant is a merchant to portal mapping taught by the user
type LearnedMerchant struct {
	Name        string    `json:"nombre"`
	PortalURL   string    `json:"portal"`
	TaxID       string    `json:"rfc,omitempty"`
	DateLearned time.Time `json:"fecha_agregado"`
}

// Sink is a string key-value persistence capability
type Sink interface {
	// Get returns the value for key, or ok == false if it was never set
	Get(key string) (value string, ok bool, err error)

	// Set replaces the value for key
	Set(key, value string) error
}

// Store is the append-only collection of learned merchants. It is loaded
// once, cached in memory and written back in full on every append.
type Store struct {
	mu      sync.Mutex
	sink    Sink
	entries []LearnedMerchant

	// readErr is set when the sink could not be read at all. The persisted
	// value may still be valid, so it is never overwritten this session.
	readErr error
}

// NewStore creates an empty Store backed by sink. Call Load before use.
func NewStore(sink Sink) *Store {
	return &Store{sink: sink}
}

// Load reads the persisted merchants into the cache. Unreadable data leaves
// the store empty and is reported as ErrPersistenceReadCorrupt.
func (s *Store) Load() ([]LearnedMerchant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.entries = nil
	s.readErr = nil

	raw, ok, err := s.sink.Get(LearnedKey)
	if err != nil {
		s.readErr = err
		slog.Warn("Failed to read learned merchants, starting empty", "key", LearnedKey, "error", err)
		return nil, fmt.Errorf("%w: reading %s: %v", ErrPersistenceReadCorrupt, LearnedKey, err)
	}
	if !ok || strings.TrimSpace(raw) == "" {
		return nil, nil
	}

	var entries []LearnedMerchant
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		slog.Warn("Learned merchants are malformed, starting empty", "key", LearnedKey, "error", err)
		return nil, fmt.Errorf("%w: unmarshaling %s: %v", ErrPersistenceReadCorrupt, LearnedKey, err)
	}

	s.entries = entries
	return s.snapshot(), nil
}

// Append adds entry and persists the full sequence. Duplicate names are kept,
// so the oldest entry for a name keeps winning matches. After a failed read
// the entry is only cached and ErrPersistenceWriteFailed is returned.
func (s *Store) Append(entry LearnedMerchant) ([]LearnedMerchant, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	next := make([]LearnedMerchant, len(s.entries), len(s.entries)+1)
	copy(next, s.entries)
	next = append(next, entry)
	s.entries = next

	if s.readErr != nil {
		slog.Warn("Learned merchants were unreadable, not overwriting them", "name", entry.Name, "error", s.readErr)
		return s.snapshot(), fmt.Errorf("%w: store unreadable since load: %v", ErrPersistenceWriteFailed, s.readErr)
	}

	data, err := json.Marshal(next)
	if err != nil {
		return s.snapshot(), fmt.Errorf("%w: marshaling: %v", ErrPersistenceWriteFailed, err)
	}
	if err := s.sink.Set(LearnedKey, string(data)); err != nil {
		slog.Warn("Failed to persist learned merchant", "name", entry.Name, "error", err)
		return s.snapshot(), fmt.Errorf("%w: %v", ErrPersistenceWriteFailed, err)
	}

	slog.Info("Learned merchant saved", "name", entry.Name, "portal", entry.PortalURL, "count", len(next))
	return s.snapshot(), nil
}

// Entries returns a copy of the cached merchants, oldest first
func (s *Store) Entries() []LearnedMerchant {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.snapshot()
}

// Recent returns up to n of the most recently learned merchants, oldest first
func (s *Store) Recent(n int) []LearnedMerchant {
	all := s.Entries()
	if n >= 0 && len(all) > n {
		return all[len(all)-n:]
	}
	return all
}

// Match returns the first learned merchant whose name appears in text,
// ignoring case
func (s *Store) Match(text string) (LearnedMerchant, bool) {
	upper := strings.ToUpper(text)
	for _, m := range s.Entries() {
		if m.Name == "" {
			continue
		}
		if strings.Contains(upper, strings.ToUpper(m.Name)) {
			return m, true
		}
	}
	return LearnedMerchant{}, false
}

func (s *Store) snapshot() []LearnedMerchant {
	out := make([]LearnedMerchant, len(s.entries))
	copy(out, s.entries)
	return out
}
