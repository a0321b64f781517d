// Package keypool owns the set of Google backend API keys: round-robin
// acquisition, error accounting, cooldown timeouts, and billing-tier
// segregation (spec §4.1).
package keypool

import (
	"bufio"
	"log/slog"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
)

// ErrOutOfKeys is returned when no active general key is available.
var ErrOutOfKeys = errors.New("keypool: out of api keys")

// ErrOutOfBillingKeys is returned when no active billing-enabled key is available.
var ErrOutOfBillingKeys = errors.New("keypool: out of billing api keys")

// ErrorKind classifies a backend failure for HandleError's accounting.
type ErrorKind int

const (
	// ErrorQuotaExhausted marks a per-key RESOURCE_EXHAUSTED response.
	ErrorQuotaExhausted ErrorKind = iota
	// ErrorInvalid marks an authentication/invalid-key failure: permanent removal.
	ErrorInvalid
	// ErrorTransient marks a transient server error: counted, never evicts.
	ErrorTransient
)

const keyPrefix = "AIzaSy"

// Notifier is sent a short human-readable message when a key is evicted or
// removed. main() wires it to the admin feedback channel (spec §4.1).
type Notifier interface {
	NotifyAdmin(message string)
}

// NoopNotifier discards notifications; useful in tests.
type NoopNotifier struct{}

// NotifyAdmin implements Notifier.
func (NoopNotifier) NotifyAdmin(string) {}

type keyState struct {
	errorCounts map[ErrorKind]int
	exhaustedAt time.Time
	exhausted   bool
}

// Pool rotates a set of API keys, moving them in and out of an exhausted
// state on error feedback from the dispatcher.
type Pool struct {
	mu sync.Mutex

	cooldown          time.Duration
	quotaThreshold    int
	notifier          Notifier

	general []string // all keys, order fixed after shuffle at load
	billing []string // subset of general

	states map[string]*keyState

	generalIndex uint64
	billingIndex uint64
}

// Options configures a Pool. Zero values fall back to spec defaults.
type Options struct {
	Cooldown       time.Duration // default 18h
	QuotaThreshold int           // default 3
	Notifier       Notifier
}

// LoadFromFile reads a key file (spec §6): one key per line, a line
// beginning with "AIzaSy" yields a key, optionally followed by whitespace
// and a marker "b" or "| billing enabled" that puts the key in the billing
// set too. Duplicates are ignored with a warning. Both sets are shuffled
// once at load (spec §4.1 "Loading").
func LoadFromFile(path string, opts Options) (*Pool, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "keypool: open key file")
	}
	defer f.Close()

	p := newPool(opts)

	seen := make(map[string]bool)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, keyPrefix) {
			continue
		}
		parts := strings.Fields(line)
		key := parts[0]
		if seen[key] {
			slog.Warn("keypool: duplicate key in key file, ignoring", "key_suffix", suffix(key))
			continue
		}
		seen[key] = true

		p.general = append(p.general, key)
		p.states[key] = &keyState{errorCounts: make(map[ErrorKind]int)}

		if len(parts) > 1 {
			marker := strings.ToLower(strings.Join(parts[1:], " "))
			if marker == "b" || marker == "| billing enabled" {
				p.billing = append(p.billing, key)
			}
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "keypool: read key file")
	}

	rand.Shuffle(len(p.general), func(i, j int) { p.general[i], p.general[j] = p.general[j], p.general[i] })
	rand.Shuffle(len(p.billing), func(i, j int) { p.billing[i], p.billing[j] = p.billing[j], p.billing[i] })

	slog.Info("keypool: loaded keys", "total", len(p.general), "billing", len(p.billing))

	return p, nil
}

func newPool(opts Options) *Pool {
	cooldown := opts.Cooldown
	if cooldown <= 0 {
		cooldown = 18 * time.Hour
	}
	threshold := opts.QuotaThreshold
	if threshold <= 0 {
		threshold = 3
	}
	notifier := opts.Notifier
	if notifier == nil {
		notifier = NoopNotifier{}
	}
	return &Pool{
		cooldown:       cooldown,
		quotaThreshold: threshold,
		notifier:       notifier,
		states:         make(map[string]*keyState),
	}
}

// Acquire returns the next key in round-robin order from the general set,
// or from the billing subset when billingOnly is true (spec §4.1 "Acquire").
func (p *Pool) Acquire(billingOnly bool) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	p.reactivateLocked()

	set := p.general
	index := &p.generalIndex
	if billingOnly {
		set = p.billing
		index = &p.billingIndex
	}

	active := p.activeLocked(set)
	if len(active) == 0 {
		if billingOnly {
			return "", ErrOutOfBillingKeys
		}
		return "", ErrOutOfKeys
	}

	key := active[*index%uint64(len(active))]
	*index++
	return key, nil
}

// activeLocked returns the keys of set that are not currently exhausted, in
// set order (mu must be held).
func (p *Pool) activeLocked(set []string) []string {
	active := make([]string, 0, len(set))
	for _, key := range set {
		if st, ok := p.states[key]; ok && !st.exhausted {
			active = append(active, key)
		}
	}
	return active
}

// reactivateLocked moves any key whose cooldown has elapsed back to active
// with a fresh error counter (mu must be held).
func (p *Pool) reactivateLocked() {
	now := time.Now()
	for key, st := range p.states {
		if st.exhausted && now.Sub(st.exhaustedAt) >= p.cooldown {
			st.exhausted = false
			st.errorCounts[ErrorQuotaExhausted] = 0
			slog.Info("keypool: key reactivated after cooldown", "key_suffix", suffix(key))
		}
	}
}

// HandleError records the outcome of a dispatch attempt against key and
// returns whether the caller should retry with a different key (spec
// §4.1 "HandleError", §7).
func (p *Pool) HandleError(key string, kind ErrorKind, isBilling bool) (shouldRetry bool) {
	p.mu.Lock()
	defer p.mu.Unlock()

	st, ok := p.states[key]
	if !ok {
		return false
	}

	switch kind {
	case ErrorQuotaExhausted:
		st.errorCounts[ErrorQuotaExhausted]++
		if st.errorCounts[ErrorQuotaExhausted] >= p.quotaThreshold && !st.exhausted {
			st.exhausted = true
			st.exhaustedAt = time.Now()
			slog.Info("keypool: key exhausted, cooling down", "key_suffix", suffix(key), "is_billing", isBilling)
			p.notifier.NotifyAdmin("Key " + suffix(key) + " exhausted and moved to cooldown.")
		}
		return true

	case ErrorInvalid:
		p.removeLocked(key, isBilling)
		p.notifier.NotifyAdmin("Key " + suffix(key) + " removed permanently: invalid/authentication error.")
		return true

	case ErrorTransient:
		st.errorCounts[ErrorTransient]++
		return true

	default:
		return false
	}
}

// removeLocked drops key from the set it belongs to permanently (mu must be held).
func (p *Pool) removeLocked(key string, isBilling bool) {
	remove := func(list []string) []string {
		out := list[:0]
		for _, k := range list {
			if k != key {
				out = append(out, k)
			}
		}
		return out
	}
	p.general = remove(p.general)
	p.billing = remove(p.billing)
	delete(p.states, key)
}

// Status summarizes the pool for the /status command (supplemented from
// original_source/api/google/keys.py get_key_statuses).
type Status struct {
	ActiveGeneral    int
	ActiveBilling    int
	ExhaustedGeneral int
	ExhaustedBilling int
	TotalGeneral     int
	TotalBilling     int
}

// Status returns a snapshot of pool occupancy.
func (p *Pool) Status() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	var s Status
	s.TotalGeneral = len(p.general)
	s.TotalBilling = len(p.billing)
	for _, key := range p.general {
		if st := p.states[key]; st != nil && st.exhausted {
			s.ExhaustedGeneral++
		} else {
			s.ActiveGeneral++
		}
	}
	for _, key := range p.billing {
		if st := p.states[key]; st != nil && st.exhausted {
			s.ExhaustedBilling++
		} else {
			s.ActiveBilling++
		}
	}
	return s
}

func suffix(key string) string {
	if len(key) <= 6 {
		return key
	}
	return key[len(key)-6:]
}
