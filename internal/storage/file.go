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

	logx "txrelay/pkg/logx"
)

const compactEvery = 1000

// fileStore keeps everything in plain files next to cfg.Path.
//
// Files:
//   - <prefix>.outcomes.jsonl     (append-only JSON Lines)
//   - <prefix>.done.snapshot.json (periodic snapshot)
//   - <prefix>.done.journal.jsonl (append-only journal)
//
// The journal is compacted into the snapshot every compactEvery writes and on
// Close.
type fileStore struct {
	log logx.Logger
	now func() time.Time

	mu sync.Mutex

	outcomeFile *os.File

	snapshotPath string
	journalFile  *os.File
	done         map[string]int64 // unix milli

	writes int
}

type doneRecord struct {
	ID    string `json:"id"`
	Until int64  `json:"until"`
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}

	dir := filepath.Dir(path)
	base := strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	of, err := os.OpenFile(prefix+".outcomes.jsonl", os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	s := &fileStore{
		log:          log,
		now:          time.Now,
		outcomeFile:  of,
		snapshotPath: prefix + ".done.snapshot.json",
		done:         map[string]int64{},
	}
	journalPath := prefix + ".done.journal.jsonl"
	if err := loadSnapshot(s.snapshotPath, s.done); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("done snapshot unreadable", logx.String("path", s.snapshotPath), logx.Err(err))
	}
	if err := replayJournal(journalPath, s.done); err != nil && !errors.Is(err, os.ErrNotExist) {
		log.Warn("done journal unreadable", logx.String("path", journalPath), logx.Err(err))
	}
	s.pruneLocked()

	jf, err := os.OpenFile(journalPath, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0o600)
	if err != nil {
		_ = of.Close()
		return nil, err
	}
	s.journalFile = jf
	return s, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	if s.journalFile != nil {
		if err := s.compactLocked(); err != nil {
			errs = append(errs, err)
		}
		errs = append(errs, s.journalFile.Close())
		s.journalFile = nil
	}
	if s.outcomeFile != nil {
		errs = append(errs, s.outcomeFile.Close())
		s.outcomeFile = nil
	}
	return errors.Join(errs...)
}

func (s *fileStore) AppendOutcome(_ context.Context, o Outcome) error {
	if o.At.IsZero() {
		o.At = s.now()
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.outcomeFile == nil {
		return errors.New("outcome journal closed")
	}
	return json.NewEncoder(s.outcomeFile).Encode(o)
}

func (s *fileStore) PutDone(_ context.Context, id string, until time.Time) error {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil
	}
	ms := until.UnixMilli()

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.journalFile == nil {
		return errors.New("done journal closed")
	}
	s.done[id] = ms

	if err := json.NewEncoder(s.journalFile).Encode(doneRecord{ID: id, Until: ms}); err != nil {
		return err
	}
	s.writes++
	if s.writes%compactEvery == 0 {
		if err := s.compactLocked(); err != nil {
			s.log.Debug("done journal compact failed", logx.Err(err))
		}
	}
	return nil
}

func (s *fileStore) GetDone(_ context.Context, id string) (time.Time, bool, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return time.Time{}, false, nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	ms, ok := s.done[id]
	if !ok || ms < s.now().UnixMilli() {
		return time.Time{}, false, nil
	}
	return time.UnixMilli(ms), true, nil
}

func (s *fileStore) compactLocked() error {
	s.pruneLocked()

	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if err := json.NewEncoder(f).Encode(s.done); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp, s.snapshotPath); err != nil {
		return err
	}
	if err := s.journalFile.Truncate(0); err != nil {
		return err
	}
	_, err = s.journalFile.Seek(0, 2)
	return err
}

func (s *fileStore) pruneLocked() {
	now := s.now().UnixMilli()
	for k, v := range s.done {
		if v < now {
			delete(s.done, k)
		}
	}
}

func loadSnapshot(path string, out map[string]int64) error {
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
		out[k] = v
	}
	return nil
}

func replayJournal(path string, out map[string]int64) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		var r doneRecord
		if err := json.Unmarshal(sc.Bytes(), &r); err != nil || r.ID == "" {
			continue
		}
		out[r.ID] = r.Until
	}
	return sc.Err()
}
