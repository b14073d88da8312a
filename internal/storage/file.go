package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"gputracker/internal/domain"
	logx "gputracker/pkg/logx"
)

// fileStore is a dependency-free persistence backend built on memStore.
//
// Files:
//   - <prefix>.catalog.json           (rewritten on every catalog change)
//   - <prefix>.prices.jsonl           (append-only price history)
//   - <prefix>.cooldown.snapshot.json (periodic snapshot)
//   - <prefix>.cooldown.journal.jsonl (append-only journal)
//
// The cooldown journal is periodically compacted into the snapshot.
type fileStore struct {
	*memStore
	log logx.Logger

	// fmu serializes disk writes so snapshots land in mutation order.
	fmu sync.Mutex

	catalogPath string
	priceFile   *os.File

	cooldownSnapshotPath string
	cooldownJournalFile  *os.File
	cooldownWrites       int
}

type cooldownRecord struct {
	Key string `json:"key"`
	At  int64  `json:"at"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	mem := newMemStore()
	catalogPath := prefix + ".catalog.json"
	pricePath := prefix + ".prices.jsonl"
	snapPath := prefix + ".cooldown.snapshot.json"
	journalPath := prefix + ".cooldown.journal.jsonl"

	if err := loadCatalog(catalogPath, &mem.cat); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}
	if err := replayPrices(pricePath, mem); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("price history replay incomplete", logx.Err(err), logx.String("path", pricePath))
	}
	_ = loadCooldownSnapshot(snapPath, mem.cooldowns)
	_ = replayCooldownJournal(journalPath, mem.cooldowns)

	pf, err := os.OpenFile(pricePath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = pf.Close()
		return nil, err
	}

	return &fileStore{
		memStore:             mem,
		log:                  log,
		catalogPath:          catalogPath,
		priceFile:            pf,
		cooldownSnapshotPath: snapPath,
		cooldownJournalFile:  jf,
	}, nil
}

func (s *fileStore) Close() error {
	s.fmu.Lock()
	defer s.fmu.Unlock()
	var err1, err2 error
	if s.priceFile != nil {
		err1 = s.priceFile.Close()
		s.priceFile = nil
	}
	if s.cooldownJournalFile != nil {
		err2 = s.cooldownJournalFile.Close()
		s.cooldownJournalFile = nil
	}
	if err1 != nil {
		return err1
	}
	return err2
}

// ---- catalog (snapshot on every change) ----

func (s *fileStore) UpsertRetailer(ctx context.Context, r domain.Retailer) (int64, error) {
	return s.persistCatalog(func() (int64, error) { return s.memStore.UpsertRetailer(ctx, r) })
}

func (s *fileStore) UpsertBrand(ctx context.Context, name string) (int64, error) {
	return s.persistCatalog(func() (int64, error) { return s.memStore.UpsertBrand(ctx, name) })
}

func (s *fileStore) UpsertGPUModel(ctx context.Context, m domain.GPUModel) (int64, error) {
	return s.persistCatalog(func() (int64, error) { return s.memStore.UpsertGPUModel(ctx, m) })
}

func (s *fileStore) UpsertProduct(ctx context.Context, p domain.Product) (int64, error) {
	return s.persistCatalog(func() (int64, error) { return s.memStore.UpsertProduct(ctx, p) })
}

func (s *fileStore) UpsertChannel(ctx context.Context, c domain.NotificationChannel) (int64, error) {
	return s.persistCatalog(func() (int64, error) { return s.memStore.UpsertChannel(ctx, c) })
}

func (s *fileStore) UpsertAlert(ctx context.Context, a domain.Alert) (int64, error) {
	return s.persistCatalog(func() (int64, error) { return s.memStore.UpsertAlert(ctx, a) })
}

func (s *fileStore) persistCatalog(mutate func() (int64, error)) (int64, error) {
	s.fmu.Lock()
	defer s.fmu.Unlock()
	id, err := mutate()
	if err != nil {
		return 0, err
	}
	s.memStore.mu.RLock()
	b, err := json.MarshalIndent(s.memStore.cat, "", "  ")
	s.memStore.mu.RUnlock()
	if err != nil {
		return 0, err
	}
	if err := writeFileAtomic(s.catalogPath, b); err != nil {
		return 0, err
	}
	return id, nil
}

// ---- price history (append-only jsonl) ----

func (s *fileStore) AppendPrice(ctx context.Context, e domain.PriceHistoryEntry) error {
	_ = ctx
	s.fmu.Lock()
	defer s.fmu.Unlock()
	if s.priceFile == nil {
		return errors.New("price history file closed")
	}
	s.memStore.mu.Lock()
	s.memStore.appendPriceLocked(&e)
	s.memStore.mu.Unlock()
	return json.NewEncoder(s.priceFile).Encode(e)
}

// ---- cooldowns (snapshot + journal) ----

func (s *fileStore) PutCooldown(ctx context.Context, key string, at time.Time) error {
	key = strings.TrimSpace(key)
	if key == "" {
		return nil
	}
	if err := s.memStore.PutCooldown(ctx, key, at); err != nil {
		return err
	}

	s.fmu.Lock()
	defer s.fmu.Unlock()
	if s.cooldownJournalFile == nil {
		return errors.New("cooldown journal closed")
	}
	enc := json.NewEncoder(s.cooldownJournalFile)
	if err := enc.Encode(cooldownRecord{Key: key, At: at.UnixMilli()}); err != nil {
		return err
	}
	s.cooldownWrites++
	if s.cooldownWrites%1000 == 0 {
		// Best-effort compact.
		if err := s.compactLocked(); err != nil {
			s.log.Debug("cooldown compact failed", logx.Any("err", err))
		}
	}
	return nil
}

func (s *fileStore) compactLocked() error {
	s.memStore.mu.RLock()
	snap := make(map[string]int64, len(s.memStore.cooldowns))
	for k, v := range s.memStore.cooldowns {
		snap[k] = v.UnixMilli()
	}
	s.memStore.mu.RUnlock()

	b, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(s.cooldownSnapshotPath, b); err != nil {
		return err
	}
	// Truncate journal.
	if err := s.cooldownJournalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.cooldownJournalFile.Seek(0, 2)
	return err
}

func writeFileAtomic(path string, b []byte) error {
	tmp := path + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if _, err := f.Write(b); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func loadCatalog(path string, out *catalogState) error {
	b, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return json.Unmarshal(b, out)
}

func replayPrices(path string, mem *memStore) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var e domain.PriceHistoryEntry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			continue
		}
		if e.ProductID == 0 {
			continue
		}
		mem.appendPriceLocked(&e)
	}
	return sc.Err()
}

func loadCooldownSnapshot(path string, out map[string]time.Time) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	var m map[string]int64
	if err := json.NewDecoder(f).Decode(&m); err != nil {
		return err
	}
	for k, v := range m {
		out[k] = time.UnixMilli(v)
	}
	return nil
}

func replayCooldownJournal(path string, out map[string]time.Time) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	s := bufio.NewScanner(f)
	for s.Scan() {
		var r cooldownRecord
		if err := json.Unmarshal(s.Bytes(), &r); err != nil {
			continue
		}
		if r.Key == "" {
			continue
		}
		out[r.Key] = time.UnixMilli(r.At)
	}
	return s.Err()
}
