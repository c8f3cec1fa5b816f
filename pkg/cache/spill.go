package cache

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-git/go-billy/v5"
	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-billy/v5/util"
	"go.uber.org/zap"
)

const (
	spillDir    = "entries"
	spillExt    = ".json"
	spillTmpExt = ".tmp"

	// spillMinSize and spillMinImportance decide which entries are worth
	// writing to disk.
	spillMinSize       int64 = 1024
	spillMinImportance       = 0.7
)

// spillRecord is the on-disk format of one spilled entry.
type spillRecord struct {
	Key       string          `json:"key"`
	Data      json.RawMessage `json:"data"`
	Timestamp time.Time       `json:"timestamp"`

	// TTL is set for entries stored with an explicit TTL.
	TTL time.Duration `json:"ttl,omitempty"`
}

// spillStore persists selected entries as one JSON file per key, named by
// the SHA-256 of the key. Every failure is logged and counted, never returned.
//
// Writes are reserved under the manager lock and committed later. pending
// holds the newest reservation per key; a write is renamed into place only
// while it is still pending, so a delete, invalidation or newer write that
// happened after the reservation wins. stored holds the keys with a file on
// disk.
type spillStore struct {
	fs     billy.Filesystem
	logger *zap.SugaredLogger
	stats  *counters

	mu      sync.Mutex
	seq     uint64
	pending map[string]uint64
	stored  map[string]struct{}
}

// openSpillStore returns the store for cfg. A nil fs means an OS filesystem
// rooted at cfg.DiskCacheDir. Records live in an entries/ subdirectory,
// created if missing.
func openSpillStore(cfg Config, fs billy.Filesystem, logger *zap.Logger, stats *counters) (*spillStore, error) {
	if fs == nil {
		fs = osfs.New(cfg.DiskCacheDir)
	}
	if err := fs.MkdirAll(spillDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create disk cache directory %s: %w", fs.Join(cfg.DiskCacheDir, spillDir), err)
	}
	return &spillStore{
		fs:      fs,
		logger:  logger.Sugar(),
		stats:   stats,
		pending: make(map[string]uint64),
		stored:  make(map[string]struct{}),
	}, nil
}

func spillFileName(key string) string {
	sum := sha256.Sum256([]byte(key))
	return hex.EncodeToString(sum[:]) + spillExt
}

func (s *spillStore) path(name string) string {
	return s.fs.Join(spillDir, name)
}

// reserve registers a write for key and returns its sequence number.
func (s *spillStore) reserve(key string) uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	s.pending[key] = s.seq
	return s.seq
}

// cancel drops the pending writes of keys.
func (s *spillStore) cancel(keys ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, key := range keys {
		delete(s.pending, key)
	}
}

// supersede drops the pending write of key and reports whether an older
// file for key may still be on disk.
func (s *spillStore) supersede(key string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.pending, key)
	_, ok := s.stored[key]
	return ok
}

// cancelMatching drops the pending writes of keys containing pattern. An
// empty pattern drops all of them.
func (s *spillStore) cancelMatching(pattern string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for key := range s.pending {
		if strings.Contains(key, pattern) {
			delete(s.pending, key)
		}
	}
}

// write stores value for key using write-to-temp + rename. The rename only
// happens if seq is still the pending write for key.
func (s *spillStore) write(key string, value any, now time.Time, ttl time.Duration, seq uint64) {
	data, err := json.Marshal(value)
	if err != nil {
		s.abandon(key, seq)
		s.fail("encode", key, err)
		return
	}
	rec, err := json.Marshal(spillRecord{Key: key, Data: data, Timestamp: now, TTL: ttl})
	if err != nil {
		s.abandon(key, seq)
		s.fail("encode", key, err)
		return
	}

	name := s.path(spillFileName(key))
	tmp := fmt.Sprintf("%s.%d%s", name, seq, spillTmpExt)
	if err := util.WriteFile(s.fs, tmp, rec, 0o644); err != nil {
		_ = s.fs.Remove(tmp)
		s.abandon(key, seq)
		s.fail("write", key, err)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending[key] != seq {
		_ = s.fs.Remove(tmp)
		return
	}
	delete(s.pending, key)
	if err := s.fs.Rename(tmp, name); err != nil {
		_ = s.fs.Remove(tmp)
		s.fail("rename", key, err)
		return
	}
	s.stored[key] = struct{}{}
	s.stats.spillWrites.Add(1)
}

// abandon forgets seq if it is still pending for key.
func (s *spillStore) abandon(key string, seq uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.pending[key] == seq {
		delete(s.pending, key)
	}
}

// remove deletes the files of keys. Missing files are ignored.
func (s *spillStore) remove(keys ...string) {
	s.mu.Lock()
	for _, key := range keys {
		delete(s.stored, key)
	}
	s.mu.Unlock()

	for _, key := range keys {
		if err := s.fs.Remove(s.path(spillFileName(key))); err != nil && !os.IsNotExist(err) {
			s.fail("remove", key, err)
		}
	}
}

// clear deletes every spill file.
func (s *spillStore) clear() {
	s.mu.Lock()
	clear(s.stored)
	s.mu.Unlock()

	files, err := s.fs.ReadDir(spillDir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.fail("list", "", err)
		}
		return
	}
	for _, f := range files {
		if f.IsDir() || !isSpillFile(f.Name()) {
			continue
		}
		if err := s.fs.Remove(s.path(f.Name())); err != nil && !os.IsNotExist(err) {
			s.fail("remove", f.Name(), err)
		}
	}
}

// load returns every readable record not older than maxAge. Stale,
// undecodable and leftover temporary files are deleted.
func (s *spillStore) load(maxAge time.Duration, now time.Time) []spillRecord {
	files, err := s.fs.ReadDir(spillDir)
	if err != nil {
		if !os.IsNotExist(err) {
			s.fail("list", "", err)
		}
		return nil
	}

	var records []spillRecord
	for _, f := range files {
		name := f.Name()
		if f.IsDir() {
			continue
		}
		if strings.HasSuffix(name, spillTmpExt) {
			_ = s.fs.Remove(s.path(name))
			continue
		}
		if !strings.HasSuffix(name, spillExt) {
			continue
		}

		data, err := util.ReadFile(s.fs, s.path(name))
		if err != nil {
			s.fail("read", name, err)
			continue
		}

		var rec spillRecord
		if err := json.Unmarshal(data, &rec); err != nil || rec.Key == "" || spillFileName(rec.Key) != name {
			if err == nil {
				err = fmt.Errorf("record does not match file name")
			}
			s.fail("decode", name, err)
			_ = s.fs.Remove(s.path(name))
			continue
		}

		if now.Sub(rec.Timestamp) > maxAge {
			_ = s.fs.Remove(s.path(name))
			continue
		}
		records = append(records, rec)
	}

	s.mu.Lock()
	for _, rec := range records {
		s.stored[rec.Key] = struct{}{}
	}
	s.mu.Unlock()
	return records
}

func (s *spillStore) fail(op, key string, err error) {
	s.stats.spillErrors.Add(1)
	s.logger.Warnw("disk cache "+op+" failed", "key", key, "error", err)
}

func isSpillFile(name string) bool {
	return strings.HasSuffix(name, spillExt) || strings.HasSuffix(name, spillTmpExt)
}
