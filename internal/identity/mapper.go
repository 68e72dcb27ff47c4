// Package identity translates real personal identifiers into stable pseudonyms.
//
// Lookups are one-directional: the Mapper can turn a real id into a pseudonym but
// exposes no way back. The salt stays inside the Mapper and is never logged or
// persisted; only keyed digests and the width assigned to each digest are stored.
package identity

import (
	"context"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/briangreenhill/canvasgpt/internal/metrics"
)

// Kind is the category of identifier being pseudonymized.
type Kind string

const (
	KindUser  Kind = "user"
	KindEmail Kind = "email"
)

const (
	// DefaultLabel prefixes every pseudonym unless Options.Labels overrides it.
	DefaultLabel = "Student"

	baseWidth = 8
	widthStep = 2
)

// ErrNoSalt is returned by New when no salt is supplied.
var ErrNoSalt = errors.New("identity: salt is required")

// Assignment records the token width chosen for one digest. Widths beyond the
// base width only appear after a collision and must survive restarts for the
// colliding ids to keep their pseudonyms.
type Assignment struct {
	Kind   Kind
	Digest string
	Width  int
}

// Options configures a Mapper.
type Options struct {
	Salt    []byte
	Labels  map[Kind]string
	Store   Store
	Logger  zerolog.Logger
	Metrics *metrics.Metrics
}

// Mapper assigns deterministic pseudonyms of the form <Label>_<hex>.
type Mapper struct {
	salt    []byte
	epoch   string
	labels  map[Kind]string
	store   Store
	log     zerolog.Logger
	metrics *metrics.Metrics

	mu      sync.Mutex
	widths  map[string]int    // digest -> assigned width
	owners  map[string]string // rendered pseudonym -> digest
	pending []Assignment
}

// New creates a Mapper. Call Restore before first use to load persisted assignments.
func New(opts Options) (*Mapper, error) {
	if len(opts.Salt) == 0 {
		return nil, ErrNoSalt
	}

	salt := make([]byte, len(opts.Salt))
	copy(salt, opts.Salt)

	labels := map[Kind]string{KindUser: DefaultLabel, KindEmail: DefaultLabel}
	for k, v := range opts.Labels {
		if v != "" {
			labels[k] = v
		}
	}

	m := &Mapper{
		salt:    salt,
		labels:  labels,
		store:   opts.Store,
		log:     opts.Logger.With().Str("component", "identity").Logger(),
		metrics: opts.Metrics,
		widths:  make(map[string]int),
		owners:  make(map[string]string),
	}
	m.epoch = m.mac([]byte("epoch"))[:16]
	return m, nil
}

// RandomSalt returns a fresh 32-byte salt for process-scoped pseudonyms.
func RandomSalt() ([]byte, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return nil, fmt.Errorf("identity: generate salt: %w", err)
	}
	return b, nil
}

// Epoch is a public fingerprint of the salt. Persisted assignments are scoped to it.
func (m *Mapper) Epoch() string {
	return m.epoch
}

// Pseudonymize returns the pseudonym for realID. The same (realID, kind) pair
// always yields the same pseudonym for a given salt.
func (m *Mapper) Pseudonymize(realID string, kind Kind) string {
	if realID == "" {
		return ""
	}
	digest := m.digest(realID, kind)

	m.mu.Lock()
	defer m.mu.Unlock()

	if w, ok := m.widths[digest]; ok {
		return m.render(kind, digest[:w])
	}

	w := m.assign(kind, digest)
	m.pending = append(m.pending, Assignment{Kind: kind, Digest: digest, Width: w})
	m.metrics.PseudonymAllocated(string(kind))
	if w > baseWidth {
		m.log.Debug().Str("kind", string(kind)).Int("width", w).Msg("pseudonym collision resolved by widening")
	}
	return m.render(kind, digest[:w])
}

// assign picks the shortest free width for digest. Callers hold m.mu.
func (m *Mapper) assign(kind Kind, digest string) int {
	for w := baseWidth; w < len(digest); w += widthStep {
		name := m.render(kind, digest[:w])
		if owner, taken := m.owners[name]; !taken || owner == digest {
			m.owners[name] = digest
			m.widths[digest] = w
			return w
		}
	}
	w := len(digest)
	m.owners[m.render(kind, digest)] = digest
	m.widths[digest] = w
	return w
}

// Restore loads persisted assignments for the current epoch.
func (m *Mapper) Restore(ctx context.Context) error {
	if m.store == nil {
		return nil
	}
	loaded, err := m.store.Load(ctx, m.epoch)
	if err != nil {
		return fmt.Errorf("identity: restore assignments: %w", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	skipped := 0
	for _, a := range loaded {
		if a.Width < baseWidth || a.Width > len(a.Digest) {
			skipped++
			continue
		}
		name := m.render(a.Kind, a.Digest[:a.Width])
		if owner, taken := m.owners[name]; taken && owner != a.Digest {
			skipped++
			continue
		}
		m.owners[name] = a.Digest
		m.widths[a.Digest] = a.Width
	}
	m.log.Info().Int("restored", len(loaded)-skipped).Int("skipped", skipped).Msg("pseudonym assignments restored")
	return nil
}

// Flush persists assignments made since the last flush. On failure the batch is
// kept and retried by the next call.
func (m *Mapper) Flush(ctx context.Context) error {
	if m.store == nil {
		m.mu.Lock()
		m.pending = nil
		m.mu.Unlock()
		return nil
	}

	m.mu.Lock()
	batch := m.pending
	m.pending = nil
	m.mu.Unlock()

	if len(batch) == 0 {
		return nil
	}
	if err := m.store.Save(ctx, m.epoch, batch); err != nil {
		m.mu.Lock()
		m.pending = append(batch, m.pending...)
		m.mu.Unlock()
		return fmt.Errorf("identity: persist %d assignments: %w", len(batch), err)
	}
	return nil
}

// Pending reports how many assignments await Flush.
func (m *Mapper) Pending() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.pending)
}

func (m *Mapper) render(kind Kind, token string) string {
	return m.labels[kind] + "_" + token
}

func (m *Mapper) digest(realID string, kind Kind) string {
	return m.mac([]byte(string(kind) + ":" + realID))
}

func (m *Mapper) mac(msg []byte) string {
	h := hmac.New(sha256.New, m.salt)
	h.Write(msg)
	return hex.EncodeToString(h.Sum(nil))
}
