package orchestration

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bl4ck0w1/lynxscan/internal/scanners"
	"github.com/bl4ck0w1/lynxscan/internal/validation"
	"github.com/bl4ck0w1/lynxscan/pkg/models"
	"github.com/bl4ck0w1/lynxscan/pkg/utils"
)

type fakeScanner struct {
	name    string
	section models.Section
	empty   func() models.Section
	err     error
	delay   time.Duration
	panics  bool
	calls   atomic.Int32
}

func (f *fakeScanner) Name() string { return f.name }

func (f *fakeScanner) Empty() models.Section { return f.empty() }

func (f *fakeScanner) Scan(ctx context.Context, _ models.ScanTarget) (models.Section, error) {
	f.calls.Add(1)
	if f.panics {
		panic("boom")
	}
	if f.delay > 0 {
		select {
		case <-ctx.Done():
			return f.Empty(), ctx.Err()
		case <-time.After(f.delay):
		}
	}
	if f.err != nil {
		return f.Empty(), f.err
	}
	return f.section, nil
}

func portsScanner(results ...models.PortResult) *fakeScanner {
	return &fakeScanner{
		name:    scanners.NamePorts,
		section: &models.PortSection{Results: results},
		empty:   func() models.Section { return &models.PortSection{} },
	}
}

func headersScanner(status int, headers map[string]string) *fakeScanner {
	return &fakeScanner{
		name:    scanners.NameHeaders,
		section: &models.HeaderSection{StatusCode: status, Headers: headers},
		empty:   func() models.Section { return &models.HeaderSection{} },
	}
}

func robotsScanner(report models.RobotsReport) *fakeScanner {
	return &fakeScanner{
		name:    scanners.NameRobots,
		section: &models.RobotsSection{Report: report},
		empty:   func() models.Section { return &models.RobotsSection{} },
	}
}

func callsOf(list ...*fakeScanner) int {
	total := 0
	for _, s := range list {
		total += int(s.calls.Load())
	}
	return total
}

type fakeResolver struct {
	addrs map[string][]string
	calls atomic.Int32
}

func (r *fakeResolver) LookupHost(_ context.Context, host string) ([]string, error) {
	r.calls.Add(1)
	if a, ok := r.addrs[host]; ok {
		return a, nil
	}
	return nil, fmt.Errorf("NXDOMAIN for %s", host)
}

func newValidator() *validation.Validator {
	return validation.NewValidator(&fakeResolver{addrs: map[string][]string{
		"example.com": {"192.0.2.10"},
	}}, utils.NewNopLogger())
}

type fakeSummarizer struct {
	response []byte
	err      error
	block    bool
	calls    atomic.Int32
}

func (f *fakeSummarizer) Summarize(ctx context.Context, _ []byte) ([]byte, error) {
	f.calls.Add(1)
	if f.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return f.response, f.err
}

// memStore keeps committed rows in memory. A transaction buffers its writes and
// applies them only when fn succeeds.
type memStore struct {
	mu        sync.Mutex
	histories []models.ScanHistory
	findings  []models.Finding
	techs     []models.Technology
	summaries []models.IASummary
	audits    []models.AuditLog
	usage     map[string]int

	failOn   string
	usageErr error
	onUsage  func()
}

func newMemStore() *memStore {
	return &memStore{usage: make(map[string]int)}
}

func usageKey(userID string, day time.Time) string {
	return userID + "|" + day.Format("2006-01-02")
}

func (s *memStore) InTransaction(ctx context.Context, fn func(tx UnitOfWork) error) error {
	tx := &memTx{store: s, usage: make(map[string]int)}
	if err := fn(tx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.histories = append(s.histories, tx.histories...)
	s.findings = append(s.findings, tx.findings...)
	s.techs = append(s.techs, tx.techs...)
	s.summaries = append(s.summaries, tx.summaries...)
	s.audits = append(s.audits, tx.audits...)
	for k, v := range tx.usage {
		s.usage[k] += v
	}
	return nil
}

func (s *memStore) Usage(_ context.Context, userID string, day time.Time) (int, error) {
	if s.onUsage != nil {
		s.onUsage()
	}
	if s.usageErr != nil {
		return 0, s.usageErr
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.usage[usageKey(userID, day)], nil
}

func (s *memStore) AppendAudit(_ context.Context, entry *models.AuditLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.audits = append(s.audits, *entry)
	return nil
}

func (s *memStore) phases() []models.AuditPhase {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]models.AuditPhase, 0, len(s.audits))
	for _, a := range s.audits {
		out = append(out, a.Phase)
	}
	return out
}

var errInjected = errors.New("injected failure")

type memTx struct {
	store     *memStore
	histories []models.ScanHistory
	findings  []models.Finding
	techs     []models.Technology
	summaries []models.IASummary
	audits    []models.AuditLog
	usage     map[string]int
}

func (t *memTx) fail(op string) error {
	if t.store.failOn == op {
		return errInjected
	}
	return nil
}

func (t *memTx) AddScanHistory(_ context.Context, h *models.ScanHistory) error {
	if err := t.fail("AddScanHistory"); err != nil {
		return err
	}
	t.histories = append(t.histories, *h)
	return nil
}

func (t *memTx) AddFindings(_ context.Context, f []models.Finding) error {
	if err := t.fail("AddFindings"); err != nil {
		return err
	}
	t.findings = append(t.findings, f...)
	return nil
}

func (t *memTx) AddTechnologies(_ context.Context, techs []models.Technology) error {
	t.techs = append(t.techs, techs...)
	return nil
}

func (t *memTx) AddSummary(_ context.Context, s *models.IASummary) error {
	if err := t.fail("AddSummary"); err != nil {
		return err
	}
	t.summaries = append(t.summaries, *s)
	return nil
}

func (t *memTx) IncrementUsage(_ context.Context, userID string, day time.Time) error {
	t.usage[usageKey(userID, day)]++
	return nil
}

func (t *memTx) AddAuditLog(_ context.Context, entry *models.AuditLog) error {
	t.audits = append(t.audits, *entry)
	return nil
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []models.ScanEvent
}

func (p *recordingPublisher) Publish(_ context.Context, ev models.ScanEvent) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, ev)
	return nil
}
