package keypool

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeKeyFile(t *testing.T, lines ...string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "keys.txt")
	content := ""
	for _, l := range lines {
		content += l + "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestLoadFromFile_BillingMarker(t *testing.T) {
	path := writeKeyFile(t, "AIzaSyAAA111", "AIzaSyBBB222 b")

	p, err := LoadFromFile(path, Options{})
	if err != nil {
		t.Fatalf("LoadFromFile failed: %v", err)
	}

	if len(p.general) != 2 {
		t.Fatalf("expected 2 general keys, got %d", len(p.general))
	}
	if len(p.billing) != 1 || p.billing[0] != "AIzaSyBBB222" {
		t.Fatalf("expected billing set to contain only AIzaSyBBB222, got %v", p.billing)
	}

	key, err := p.Acquire(true)
	if err != nil {
		t.Fatalf("Acquire(billing) failed: %v", err)
	}
	if key != "AIzaSyBBB222" {
		t.Fatalf("expected billing key, got %s", key)
	}
}

// TestAcquire_RoundRobinFairness covers property 1: for an active set of
// size N, after kN acquires each key is handed out exactly k times.
func TestAcquire_RoundRobinFairness(t *testing.T) {
	path := writeKeyFile(t, "AIzaSyAAA111", "AIzaSyBBB222", "AIzaSyCCC333")
	p, err := LoadFromFile(path, Options{})
	if err != nil {
		t.Fatal(err)
	}

	counts := make(map[string]int)
	const k = 5
	n := len(p.general)
	for i := 0; i < k*n; i++ {
		key, err := p.Acquire(false)
		if err != nil {
			t.Fatalf("Acquire failed: %v", err)
		}
		counts[key]++
	}

	for _, key := range p.general {
		if counts[key] != k {
			t.Errorf("key %s handed out %d times, want %d", key, counts[key], k)
		}
	}
}

// TestHandleError_EvictionAndCooldown covers property 2 and spec scenario S2.
func TestHandleError_EvictionAndCooldown(t *testing.T) {
	path := writeKeyFile(t, "AIzaSyAAA111")
	p, err := LoadFromFile(path, Options{Cooldown: time.Hour})
	if err != nil {
		t.Fatal(err)
	}

	key, err := p.Acquire(false)
	if err != nil {
		t.Fatal(err)
	}

	for i := 0; i < 3; i++ {
		p.HandleError(key, ErrorQuotaExhausted, false)
	}

	if _, err := p.Acquire(false); err != ErrOutOfKeys {
		t.Fatalf("expected ErrOutOfKeys after eviction, got %v", err)
	}

	// simulate cooldown elapsed
	p.mu.Lock()
	p.states[key].exhaustedAt = time.Now().Add(-2 * time.Hour)
	p.mu.Unlock()

	reacquired, err := p.Acquire(false)
	if err != nil {
		t.Fatalf("expected key to reappear after cooldown: %v", err)
	}
	if reacquired != key {
		t.Fatalf("expected reacquired key %s, got %s", key, reacquired)
	}
}

func TestHandleError_InvalidRemovesPermanently(t *testing.T) {
	path := writeKeyFile(t, "AIzaSyAAA111", "AIzaSyBBB222")
	p, err := LoadFromFile(path, Options{})
	if err != nil {
		t.Fatal(err)
	}

	p.HandleError("AIzaSyAAA111", ErrorInvalid, false)

	status := p.Status()
	if status.TotalGeneral != 1 {
		t.Fatalf("expected 1 remaining general key, got %d", status.TotalGeneral)
	}
}

func TestOutOfBillingKeys(t *testing.T) {
	path := writeKeyFile(t, "AIzaSyAAA111")
	p, err := LoadFromFile(path, Options{})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := p.Acquire(true); err != ErrOutOfBillingKeys {
		t.Fatalf("expected ErrOutOfBillingKeys, got %v", err)
	}
}

func TestDuplicateKeysIgnored(t *testing.T) {
	path := writeKeyFile(t, "AIzaSyAAA111", "AIzaSyAAA111")
	p, err := LoadFromFile(path, Options{})
	if err != nil {
		t.Fatal(err)
	}
	if len(p.general) != 1 {
		t.Fatalf("expected duplicate key to be ignored, got %d keys", len(p.general))
	}
}
