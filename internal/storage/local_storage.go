package storage

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/bl4ck0w1/lynxscan/internal/orchestration"
	"github.com/bl4ck0w1/lynxscan/pkg/models"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

const (
	historyDir = "history"
	usageFile  = "usage.json"
	auditFile  = "audit.jsonl"
	dayLayout  = "2006-01-02"
)

type historyRecord struct {
	History models.ScanHistory `json:"history"`
	Summary *models.IASummary  `json:"summary,omitempty"`
}

// LocalStore keeps scan history on disk, one file per run, for single-user CLI use.
// A transaction is buffered in memory and written when it commits.
type LocalStore struct {
	baseDir     string
	compression bool
	logger      *logrus.Logger

	mu          sync.RWMutex
	usage       map[string]map[string]int
	nextAuditID uint
}

func NewLocalStore(baseDir string, compression bool, logger *logrus.Logger) (*LocalStore, error) {
	if logger == nil {
		logger = logrus.New()
	}
	if err := os.MkdirAll(filepath.Join(baseDir, historyDir), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create history directory: %w", err)
	}

	ls := &LocalStore{
		baseDir:     baseDir,
		compression: compression,
		logger:      logger,
		usage:       make(map[string]map[string]int),
	}
	data, err := os.ReadFile(filepath.Join(baseDir, usageFile))
	switch {
	case err == nil:
		if err := json.Unmarshal(data, &ls.usage); err != nil {
			return nil, fmt.Errorf("parse %s: %w", usageFile, err)
		}
	case !errors.Is(err, os.ErrNotExist):
		return nil, fmt.Errorf("read %s: %w", usageFile, err)
	}

	n, err := countLines(filepath.Join(baseDir, auditFile))
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", auditFile, err)
	}
	ls.nextAuditID = uint(n) + 1
	return ls, nil
}

func (ls *LocalStore) InTransaction(ctx context.Context, fn func(tx orchestration.UnitOfWork) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	tx := &localTx{records: make(map[uuid.UUID]*historyRecord), usage: make(map[string]map[string]int)}
	if err := fn(tx); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return ls.commit(tx)
}

func (ls *LocalStore) commit(tx *localTx) error {
	ls.mu.Lock()
	defer ls.mu.Unlock()

	written := make([]string, 0, len(tx.order))
	rollback := func() {
		for _, p := range written {
			_ = os.Remove(p)
		}
	}
	for _, id := range tx.order {
		path, err := ls.writeRecord(tx.records[id])
		if err != nil {
			rollback()
			return err
		}
		written = append(written, path)
	}

	if len(tx.usage) > 0 {
		next := cloneUsage(ls.usage)
		for user, days := range tx.usage {
			if next[user] == nil {
				next[user] = make(map[string]int)
			}
			for day, n := range days {
				next[user][day] += n
			}
		}
		data, err := json.MarshalIndent(next, "", "  ")
		if err != nil {
			rollback()
			return fmt.Errorf("encode usage: %w", err)
		}
		if err := writeAtomic(filepath.Join(ls.baseDir, usageFile), data); err != nil {
			rollback()
			return err
		}
		ls.usage = next
	}

	for i := range tx.audits {
		if err := ls.appendAuditLocked(&tx.audits[i]); err != nil {
			ls.logger.Warnf("audit entry not written: %v", err)
		}
	}
	return nil
}

func (ls *LocalStore) writeRecord(rec *historyRecord) (string, error) {
	data, err := json.MarshalIndent(rec, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encode history %s: %w", rec.History.ID, err)
	}
	path := filepath.Join(ls.baseDir, historyDir, rec.History.ID.String()+".json")
	if ls.compression {
		var buf bytes.Buffer
		gzw := gzip.NewWriter(&buf)
		if _, err := gzw.Write(data); err != nil {
			return "", fmt.Errorf("gzip history: %w", err)
		}
		if err := gzw.Close(); err != nil {
			return "", fmt.Errorf("close gzip: %w", err)
		}
		data = buf.Bytes()
		path += ".gz"
	}
	if err := writeAtomic(path, data); err != nil {
		return "", err
	}
	ls.logger.Debugf("history saved to %s", path)
	return path, nil
}

func (ls *LocalStore) Usage(ctx context.Context, userID string, day time.Time) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	return ls.usage[userID][models.UsageDay(day).Format(dayLayout)], nil
}

func (ls *LocalStore) AppendAudit(ctx context.Context, entry *models.AuditLog) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	ls.mu.Lock()
	defer ls.mu.Unlock()
	return ls.appendAuditLocked(entry)
}

func (ls *LocalStore) appendAuditLocked(entry *models.AuditLog) error {
	entry.ID = ls.nextAuditID
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode audit entry: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(ls.baseDir, auditFile), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer f.Close()
	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("append audit log: %w", err)
	}
	ls.nextAuditID++
	return nil
}

// History returns userID's runs, newest first. limit <= 0 returns all of them.
func (ls *LocalStore) History(ctx context.Context, userID string, limit int) ([]models.ScanHistory, error) {
	ls.mu.RLock()
	defer ls.mu.RUnlock()

	dir := filepath.Join(ls.baseDir, historyDir)
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("read history directory: %w", err)
	}
	out := make([]models.ScanHistory, 0, len(entries))
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		name := e.Name()
		if e.IsDir() || !(strings.HasSuffix(name, ".json") || strings.HasSuffix(name, ".json.gz")) {
			continue
		}
		rec, err := readRecord(filepath.Join(dir, name))
		if err != nil {
			ls.logger.Warnf("skipping unreadable history %s: %v", name, err)
			continue
		}
		if rec.History.UserID == userID {
			out = append(out, rec.History)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (ls *LocalStore) LoadHistory(ctx context.Context, id uuid.UUID) (*models.ScanHistory, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	ls.mu.RLock()
	defer ls.mu.RUnlock()
	base := filepath.Join(ls.baseDir, historyDir, id.String()+".json")
	for _, path := range []string{base, base + ".gz"} {
		rec, err := readRecord(path)
		if errors.Is(err, os.ErrNotExist) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &rec.History, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrNotFound, id)
}

// Audits returns every audit entry in write order.
func (ls *LocalStore) Audits(ctx context.Context) ([]models.AuditLog, error) {
	ls.mu.RLock()
	defer ls.mu.RUnlock()

	f, err := os.Open(filepath.Join(ls.baseDir, auditFile))
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var out []models.AuditLog
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		var entry models.AuditLog
		if err := json.Unmarshal(sc.Bytes(), &entry); err != nil {
			return nil, fmt.Errorf("parse audit line: %w", err)
		}
		out = append(out, entry)
	}
	return out, sc.Err()
}

func (ls *LocalStore) GetStorageStats() (map[string]interface{}, error) {
	ls.mu.RLock()
	defer ls.mu.RUnlock()

	var size int64
	files := 0
	err := filepath.Walk(ls.baseDir, func(_ string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			size += info.Size()
			files++
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("calculate dir size: %w", err)
	}
	return map[string]interface{}{
		"type":                models.StorageTypeLocal,
		"total_size_bytes":    size,
		"total_size_human":    fmt.Sprintf("%.2f MB", float64(size)/1024.0/1024.0),
		"files":               files,
		"compression_enabled": ls.compression,
	}, nil
}

func (ls *LocalStore) Close() error { return nil }

type localTx struct {
	order   []uuid.UUID
	records map[uuid.UUID]*historyRecord
	usage   map[string]map[string]int
	audits  []models.AuditLog
}

func (tx *localTx) record(id uuid.UUID) (*historyRecord, error) {
	rec, ok := tx.records[id]
	if !ok {
		return nil, fmt.Errorf("%w: history %s was not added in this transaction", ErrNotFound, id)
	}
	return rec, nil
}

func (tx *localTx) AddScanHistory(_ context.Context, h *models.ScanHistory) error {
	if h.ID == uuid.Nil {
		return errors.New("scan history has no id")
	}
	if _, dup := tx.records[h.ID]; dup {
		return fmt.Errorf("scan history %s added twice", h.ID)
	}
	rec := &historyRecord{History: *h}
	rec.History.Findings = nil
	rec.History.Technologies = nil
	tx.records[h.ID] = rec
	tx.order = append(tx.order, h.ID)
	return nil
}

func (tx *localTx) AddFindings(_ context.Context, findings []models.Finding) error {
	for _, f := range findings {
		rec, err := tx.record(f.ScanHistoryID)
		if err != nil {
			return err
		}
		rec.History.Findings = append(rec.History.Findings, f)
	}
	return nil
}

func (tx *localTx) AddTechnologies(_ context.Context, techs []models.Technology) error {
	for _, t := range techs {
		rec, err := tx.record(t.ScanHistoryID)
		if err != nil {
			return err
		}
		rec.History.Technologies = append(rec.History.Technologies, t)
	}
	return nil
}

func (tx *localTx) AddSummary(_ context.Context, s *models.IASummary) error {
	rec, err := tx.record(s.ScanHistoryID)
	if err != nil {
		return err
	}
	sum := *s
	rec.Summary = &sum
	return nil
}

func (tx *localTx) IncrementUsage(_ context.Context, userID string, day time.Time) error {
	if tx.usage[userID] == nil {
		tx.usage[userID] = make(map[string]int)
	}
	tx.usage[userID][models.UsageDay(day).Format(dayLayout)]++
	return nil
}

func (tx *localTx) AddAuditLog(_ context.Context, entry *models.AuditLog) error {
	tx.audits = append(tx.audits, *entry)
	return nil
}

func writeAtomic(path string, data []byte) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), ".lynxscan_*.tmp")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	if _, err := tmpFile.Write(data); err != nil {
		tmpFile.Close()
		_ = os.Remove(tmpFile.Name())
		return fmt.Errorf("write temp file: %w", err)
	}
	if err := tmpFile.Sync(); err != nil {
		tmpFile.Close()
		_ = os.Remove(tmpFile.Name())
		return fmt.Errorf("sync temp file: %w", err)
	}
	if err := tmpFile.Close(); err != nil {
		_ = os.Remove(tmpFile.Name())
		return fmt.Errorf("close temp file: %w", err)
	}
	if err := os.Rename(tmpFile.Name(), path); err != nil {
		_ = os.Remove(tmpFile.Name())
		return fmt.Errorf("atomic rename: %w", err)
	}
	return nil
}

func readRecord(path string) (*historyRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var r io.Reader = f
	if strings.HasSuffix(path, ".gz") {
		gzr, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("gzip reader: %w", err)
		}
		defer gzr.Close()
		r = gzr
	}
	var rec historyRecord
	if err := json.NewDecoder(r).Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode %s: %w", filepath.Base(path), err)
	}
	return &rec, nil
}

func countLines(path string) (int, error) {
	f, err := os.Open(path)
	if errors.Is(err, os.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 1<<20)
	for sc.Scan() {
		n++
	}
	return n, sc.Err()
}

func cloneUsage(in map[string]map[string]int) map[string]map[string]int {
	out := make(map[string]map[string]int, len(in))
	for user, days := range in {
		cp := make(map[string]int, len(days))
		for d, n := range days {
			cp[d] = n
		}
		out[user] = cp
	}
	return out
}
