package registry

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"golang.org/x/crypto/hkdf"

	"github.com/atp-platform/routing-core/pkg/atperr"
	"github.com/atp-platform/routing-core/pkg/clock"
)

// DeriveKey derives a purpose-scoped key from a single root secret via
// HKDF-SHA256, so operators provision one secret instead of a
// differently-managed one per consumer (custody chain, incident approval
// tokens, and so on).
func DeriveKey(rootSecret []byte, purpose string, size int) ([]byte, error) {
	out := make([]byte, size)
	r := hkdf.New(sha256.New, rootSecret, nil, []byte(purpose))
	if _, err := io.ReadFull(r, out); err != nil {
		return nil, fmt.Errorf("registry: derive key for %q: %w", purpose, err)
	}
	return out, nil
}

// CustodyEvent is one HMAC-chained entry in the registry's audit trail
// (spec §6.2): "Custody events appended to a separate log file with
// HMAC-chained entries: each line {prev_hmac, event_json, hmac(prev_hmac
// || event_json, key)}".
type CustodyEvent struct {
	Sequence   uint64    `json:"sequence"`
	PrevHMAC   string    `json:"prev_hmac"`
	EventJSON  string    `json:"event_json"`
	HMAC       string    `json:"hmac"`
	RecordedAt time.Time `json:"recorded_at"`
}

// CustodyLog is a single-writer, multi-reader append-only HMAC chain.
type CustodyLog struct {
	mu      sync.RWMutex
	key     []byte
	entries []CustodyEvent
	clock   clock.Clock
}

// NewCustodyLog constructs an empty chain keyed by key. The key is
// injected by the caller; NewCustodyLog never derives or generates it
// (cmd/router derives it from a root secret with DeriveKey).
func NewCustodyLog(key []byte, c clock.Clock) *CustodyLog {
	if c == nil {
		c = clock.Real()
	}
	return &CustodyLog{key: key, clock: c}
}

func (l *CustodyLog) signature(prevHMAC, eventJSON string) string {
	mac := hmac.New(sha256.New, l.key)
	mac.Write([]byte(prevHMAC))
	mac.Write([]byte(eventJSON))
	return hex.EncodeToString(mac.Sum(nil))
}

// Append records a custody event and returns its sequence number.
func (l *CustodyLog) Append(event map[string]any) (uint64, error) {
	eventJSON, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("custody: marshal event: %w", err)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	prevHMAC := "genesis"
	if len(l.entries) > 0 {
		prevHMAC = l.entries[len(l.entries)-1].HMAC
	}
	sig := l.signature(prevHMAC, string(eventJSON))
	entry := CustodyEvent{
		Sequence:   uint64(len(l.entries)) + 1,
		PrevHMAC:   prevHMAC,
		EventJSON:  string(eventJSON),
		HMAC:       sig,
		RecordedAt: l.clock.Now(),
	}
	l.entries = append(l.entries, entry)
	return entry.Sequence, nil
}

// Verify re-derives the HMAC chain from genesis. The first broken link
// surfaces as CustodyTampered, identifying the offending sequence.
func (l *CustodyLog) Verify() error {
	l.mu.RLock()
	defer l.mu.RUnlock()

	prevHMAC := "genesis"
	for _, e := range l.entries {
		if e.PrevHMAC != prevHMAC {
			return atperr.New(atperr.KindIntegrity, "custody.verify", atperr.ErrCustodyTampered).
				WithContext("sequence", e.Sequence).
				WithContext("reason", "prev_hmac mismatch")
		}
		want := l.signature(e.PrevHMAC, e.EventJSON)
		if want != e.HMAC {
			return atperr.New(atperr.KindIntegrity, "custody.verify", atperr.ErrCustodyTampered).
				WithContext("sequence", e.Sequence).
				WithContext("reason", "hmac mismatch")
		}
		prevHMAC = e.HMAC
	}
	return nil
}

// Entries returns a defensive copy of the chain for inspection.
func (l *CustodyLog) Entries() []CustodyEvent {
	l.mu.RLock()
	defer l.mu.RUnlock()
	out := make([]CustodyEvent, len(l.entries))
	copy(out, l.entries)
	return out
}

// Head returns the HMAC of the most recent entry, or "genesis" if empty.
func (l *CustodyLog) Head() string {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if len(l.entries) == 0 {
		return "genesis"
	}
	return l.entries[len(l.entries)-1].HMAC
}
