package keyring

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// WalletRecord is one persisted wallet in the pool file.
type WalletRecord struct {
	Address      string `json:"address"`
	PublicKey    string `json:"publicKey"`
	PrivateKey   string `json:"privateKey"`
	Platform     string `json:"platform"`
	Handle       string `json:"handle"`
	RegisteredAt string `json:"registeredAt,omitempty"`
	AgentID      string `json:"agentId,omitempty"`
}

type poolFile struct {
	Count   int            `json:"count"`
	Wallets []WalletRecord `json:"wallets"`
}

// WalletPool owns the persisted wallet list. The orchestrator is the single
// writer; saves are debounced and flushed on Close.
type WalletPool struct {
	mu      sync.Mutex
	path    string
	wallets []WalletRecord
	byAddr  map[string]int

	dirty     bool
	saveTimer *time.Timer
	logger    *log.Logger
}

const saveDebounce = 2 * time.Second

// OpenWalletPool loads the pool file at path, creating an empty pool if the
// file does not exist.
func OpenWalletPool(path string) (*WalletPool, error) {
	p := &WalletPool{
		path:   path,
		byAddr: make(map[string]int),
		logger: log.New(log.Writer(), "[WALLET] ", log.LstdFlags),
	}
	raw, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return p, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read wallet pool: %w", err)
	}
	var pf poolFile
	if err := json.Unmarshal(raw, &pf); err != nil {
		return nil, fmt.Errorf("parse wallet pool %s: %w", path, err)
	}
	p.wallets = pf.Wallets
	for i, w := range p.wallets {
		p.byAddr[w.Address] = i
	}
	p.logger.Printf("Loaded %d wallets from %s", len(p.wallets), path)
	return p, nil
}

// Size returns the number of wallets in the pool.
func (p *WalletPool) Size() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.wallets)
}

// All returns a copy of every wallet record.
func (p *WalletPool) All() []WalletRecord {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]WalletRecord, len(p.wallets))
	copy(out, p.wallets)
	return out
}

// Add inserts a wallet and schedules a debounced save. Duplicate addresses
// are ignored.
func (p *WalletPool) Add(rec WalletRecord) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, exists := p.byAddr[rec.Address]; exists {
		return
	}
	p.byAddr[rec.Address] = len(p.wallets)
	p.wallets = append(p.wallets, rec)
	p.markDirtyLocked()
}

// MarkRegistered records a successful on-chain registration for a wallet.
func (p *WalletPool) MarkRegistered(address, fiberID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	i, ok := p.byAddr[address]
	if !ok {
		return
	}
	p.wallets[i].AgentID = fiberID
	p.wallets[i].RegisteredAt = time.Now().UTC().Format(time.RFC3339)
	p.markDirtyLocked()
}

// Draw returns a wallet that has not yet been registered, or false when the
// pool is exhausted.
func (p *WalletPool) Draw() (WalletRecord, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, w := range p.wallets {
		if w.AgentID == "" {
			return w, true
		}
	}
	return WalletRecord{}, false
}

func (p *WalletPool) markDirtyLocked() {
	p.dirty = true
	if p.saveTimer != nil {
		p.saveTimer.Stop()
	}
	p.saveTimer = time.AfterFunc(saveDebounce, func() {
		if err := p.Flush(); err != nil {
			p.logger.Printf("⚠️  Debounced save failed: %v", err)
		}
	})
}

// Flush writes the pool to disk if there are unsaved changes. Writes go
// through a temp file + rename so a crash never truncates the pool.
func (p *WalletPool) Flush() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.dirty || p.path == "" {
		return nil
	}
	pf := poolFile{Count: len(p.wallets), Wallets: p.wallets}
	raw, err := json.MarshalIndent(pf, "", "  ")
	if err != nil {
		return fmt.Errorf("encode wallet pool: %w", err)
	}
	tmp := p.path + ".tmp"
	if err := os.MkdirAll(filepath.Dir(p.path), 0o755); err != nil {
		return err
	}
	if err := os.WriteFile(tmp, raw, 0o600); err != nil {
		return fmt.Errorf("write wallet pool: %w", err)
	}
	if err := os.Rename(tmp, p.path); err != nil {
		return fmt.Errorf("replace wallet pool: %w", err)
	}
	p.dirty = false
	return nil
}

// Close flushes pending changes on every exit path.
func (p *WalletPool) Close() error {
	p.mu.Lock()
	if p.saveTimer != nil {
		p.saveTimer.Stop()
	}
	p.mu.Unlock()
	return p.Flush()
}
