package orchestration

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/bl4ck0w1/lynxscan/internal/ai"
	"github.com/bl4ck0w1/lynxscan/internal/sanitize"
	"github.com/bl4ck0w1/lynxscan/internal/scanners"
	"github.com/bl4ck0w1/lynxscan/pkg/models"
	"github.com/bl4ck0w1/lynxscan/pkg/utils"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

var (
	ErrMissingCaller  = errors.New("caller has no user id")
	ErrQuotaExceeded  = errors.New("daily scan quota exceeded")
	ErrScanInProgress = errors.New("a scan is already running for this user")
	ErrScanTimeout    = errors.New("scan timed out")
	ErrScanCancelled  = errors.New("scan cancelled")
	ErrPersistence    = errors.New("persistence failed")
)

const incompleteWriteTimeout = 5 * time.Second

type State string

const (
	StateInit           State = "init"
	StateValidate       State = "validate"
	StateRateLimitCheck State = "rate-limit-check"
	StateScanning       State = "scanning"
	StateSanitizing     State = "sanitizing"
	StateSummarizing    State = "summarizing"
	StatePersisting     State = "persisting"
	StateCompleted      State = "completed"
	StateIncomplete     State = "incomplete"
	StateFailed         State = "failed"
)

func (s State) Terminal() bool {
	return s == StateCompleted || s == StateIncomplete || s == StateFailed
}

type Validator interface {
	Validate(ctx context.Context, raw string) (models.ScanTarget, error)
}

// Summarizer returns the raw answer of the summarization service for a report.
type Summarizer interface {
	Summarize(ctx context.Context, report []byte) ([]byte, error)
}

// UnitOfWork is the set of writes allowed inside one transaction.
type UnitOfWork interface {
	AddScanHistory(ctx context.Context, h *models.ScanHistory) error
	AddFindings(ctx context.Context, findings []models.Finding) error
	AddTechnologies(ctx context.Context, techs []models.Technology) error
	AddSummary(ctx context.Context, s *models.IASummary) error
	IncrementUsage(ctx context.Context, userID string, day time.Time) error
	AddAuditLog(ctx context.Context, entry *models.AuditLog) error
}

// Store is the persistence collaborator. InTransaction commits when fn returns nil
// and rolls back otherwise.
type Store interface {
	InTransaction(ctx context.Context, fn func(tx UnitOfWork) error) error
	Usage(ctx context.Context, userID string, day time.Time) (int, error)
	AppendAudit(ctx context.Context, entry *models.AuditLog) error
}

// ScanLock allows one running scan per user. Acquire fails with ErrScanInProgress
// when the lock is held.
type ScanLock interface {
	Acquire(ctx context.Context, userID string) (release func(), err error)
}

type EventPublisher interface {
	Publish(ctx context.Context, event models.ScanEvent) error
}

type Config struct {
	GlobalTimeout    time.Duration
	MaxDailyRequests int
}

func ConfigFromModel(cfg *models.Config) Config {
	return Config{
		GlobalTimeout:    cfg.Scan.GlobalTimeout,
		MaxDailyRequests: cfg.Quota.MaxDailyRequests,
	}
}

// Outcome describes one Execute call. It is returned on failure too, with State
// telling how far the run got.
type Outcome struct {
	RunID    string
	State    State
	Target   models.ScanTarget
	Report   *models.AggregateScanReport
	Results  []scanners.Result
	Summary  *ai.Response
	History  *models.ScanHistory
	Duration time.Duration
}

type ScanStatus struct {
	RunID     string    `json:"run_id"`
	UserID    string    `json:"user_id"`
	Target    string    `json:"target"`
	State     State     `json:"state"`
	StartedAt time.Time `json:"started_at"`
}

type Option func(*Orchestrator)

func WithScanLock(l ScanLock) Option {
	return func(o *Orchestrator) { o.lock = l }
}

func WithEventPublisher(p EventPublisher) Option {
	return func(o *Orchestrator) { o.events = p }
}

func WithMetrics(m *utils.MetricsCollector) Option {
	return func(o *Orchestrator) { o.metrics = m }
}

func WithClock(now func() time.Time) Option {
	return func(o *Orchestrator) { o.now = now }
}

type Orchestrator struct {
	validator  Validator
	aggregator *Aggregator
	summarizer Summarizer
	store      Store
	lock       ScanLock
	events     EventPublisher
	config     Config
	metrics    *utils.MetricsCollector
	logger     *logrus.Logger
	now        func() time.Time

	mu     sync.RWMutex
	active map[string]*ScanStatus
}

func NewOrchestrator(
	validator Validator,
	aggregator *Aggregator,
	summarizer Summarizer,
	store Store,
	config Config,
	logger *logrus.Logger,
	opts ...Option,
) *Orchestrator {
	if logger == nil {
		logger = logrus.New()
	}
	if config.GlobalTimeout <= 0 {
		config.GlobalTimeout = 75 * time.Second
	}
	if config.MaxDailyRequests <= 0 {
		config.MaxDailyRequests = 5
	}
	o := &Orchestrator{
		validator:  validator,
		aggregator: aggregator,
		summarizer: summarizer,
		store:      store,
		config:     config,
		logger:     logger,
		now:        time.Now,
		active:     make(map[string]*ScanStatus),
	}
	for _, opt := range opts {
		opt(o)
	}
	if o.lock == nil {
		o.lock = NewLocalScanLock()
	}
	return o
}

// Execute runs one scan for caller end to end. Validation and quota failures return
// before any probe is sent and leave nothing behind. Once scanning has started every
// failure leaves an incomplete history row, written on a best-effort basis.
func (o *Orchestrator) Execute(ctx context.Context, caller models.Caller, rawTarget string) (*Outcome, error) {
	start := o.now()
	out := &Outcome{RunID: uuid.NewString(), State: StateInit}
	log := o.logger.WithFields(logrus.Fields{"run_id": out.RunID, "user_id": caller.UserID})

	o.track(out, caller, rawTarget, start)
	defer o.untrack(out.RunID)
	o.metrics.AddGauge(utils.MetricScansInFlight, 1, nil)
	defer o.metrics.AddGauge(utils.MetricScansInFlight, -1, nil)

	if caller.UserID == "" {
		return o.finish(out, start, StateFailed, ErrMissingCaller)
	}

	o.setState(out, StateValidate)
	target, err := o.validator.Validate(ctx, rawTarget)
	if err != nil {
		log.Infof("target rejected: %v", err)
		return o.finish(out, start, StateFailed, err)
	}
	out.Target = target
	log = log.WithField("target", target.String())

	// The quota is read under the per-user lock so a concurrent scan cannot
	// commit between the check and this run's own increment.
	o.setState(out, StateRateLimitCheck)
	release, err := o.lock.Acquire(ctx, caller.UserID)
	if err != nil {
		return o.finish(out, start, StateFailed, err)
	}
	defer release()
	if err := o.checkQuota(ctx, caller); err != nil {
		log.Infof("scan refused: %v", err)
		return o.finish(out, start, StateFailed, err)
	}

	o.appendAudit(ctx, caller, models.AuditPhaseInit, nil, out.RunID, "scan started for "+target.String())

	scanCtx, cancel := context.WithTimeoutCause(ctx, o.config.GlobalTimeout, ErrScanTimeout)
	defer cancel()

	o.setState(out, StateScanning)
	report, results, err := o.aggregator.Run(scanCtx, target)
	out.Report, out.Results = report, results
	if err != nil {
		return o.incomplete(ctx, scanCtx, out, caller, start, partialPayload(report), err)
	}

	o.setState(out, StateSanitizing)
	clean := sanitize.NormalizeReport(report)
	out.Report = clean
	payload, err := json.Marshal(clean)
	if err != nil {
		return o.incomplete(ctx, scanCtx, out, caller, start, nil, fmt.Errorf("encoding report: %w", err))
	}

	o.setState(out, StateSummarizing)
	o.appendAudit(ctx, caller, models.AuditPhaseAIRequest, nil, out.RunID, fmt.Sprintf("report of %d bytes sent for summary", len(payload)))
	raw, err := o.summarizer.Summarize(scanCtx, payload)
	if err != nil {
		return o.incomplete(ctx, scanCtx, out, caller, start, payload, err)
	}
	summary, err := ai.Parse(sanitize.Bytes(raw))
	if err != nil {
		return o.incomplete(ctx, scanCtx, out, caller, start, payload, err)
	}
	if summary.Skipped > 0 {
		log.Warnf("skipped %d malformed entries in summary response", summary.Skipped)
	}
	out.Summary = summary
	o.appendAudit(ctx, caller, models.AuditPhaseAIResponse, nil, out.RunID,
		fmt.Sprintf("%d findings, %d technologies", len(summary.Findings), len(summary.Technologies)))

	o.setState(out, StatePersisting)
	history, err := o.persist(ctx, caller, out, payload, summary, start)
	if err != nil {
		o.appendAudit(ctx, caller, models.AuditPhaseDBError, nil, out.RunID, err.Error())
		log.Errorf("persisting scan failed: %v", err)
		return o.incomplete(ctx, scanCtx, out, caller, start, payload, fmt.Errorf("%w: %w", ErrPersistence, err))
	}
	out.History = history

	log.WithFields(logrus.Fields{
		"history_id": history.ID.String(),
		"findings":   len(history.Findings),
		"duration":   history.Duration.String(),
	}).Info("scan completed")
	o.setState(out, StateCompleted)
	o.publish(ctx, out, caller, start, models.EventScanCompleted, nil)
	return o.finish(out, start, StateCompleted, nil)
}

func (o *Orchestrator) checkQuota(ctx context.Context, caller models.Caller) error {
	if caller.IsAdmin {
		return nil
	}
	count, err := o.store.Usage(ctx, caller.UserID, models.UsageDay(o.now()))
	if err != nil {
		return fmt.Errorf("%w: reading usage: %w", ErrPersistence, err)
	}
	if count >= o.config.MaxDailyRequests {
		o.metrics.IncCounter(utils.MetricQuotaRejections, 1, nil)
		return fmt.Errorf("%w: %d of %d scans used today", ErrQuotaExceeded, count, o.config.MaxDailyRequests)
	}
	return nil
}

func (o *Orchestrator) persist(ctx context.Context, caller models.Caller, out *Outcome, payload []byte, summary *ai.Response, start time.Time) (*models.ScanHistory, error) {
	now := o.now().UTC()
	history := &models.ScanHistory{
		ID:           uuid.New(),
		Target:       out.Target.String(),
		RawReport:    string(payload),
		ReportHash:   utils.ReportFingerprint(payload),
		Summary:      summary.Summary,
		HasCompleted: true,
		Duration:     o.now().Sub(start),
		UserID:       caller.UserID,
		CreatedAt:    now,
	}
	findings := make([]models.Finding, len(summary.Findings))
	for i, f := range summary.Findings {
		f.ID = uuid.New()
		f.ScanHistoryID = history.ID
		f.CreatedAt = now
		findings[i] = f
	}
	techs := make([]models.Technology, len(summary.Technologies))
	for i, t := range summary.Technologies {
		t.ID = uuid.New()
		t.ScanHistoryID = history.ID
		t.CreatedAt = now
		techs[i] = t
	}
	iaSummary := &models.IASummary{
		ID:            uuid.New(),
		ScanHistoryID: history.ID,
		Summary:       summary.Summary,
		RawResponse:   summary.Raw,
		CreatedAt:     now,
	}

	err := o.store.InTransaction(ctx, func(tx UnitOfWork) error {
		if err := tx.AddScanHistory(ctx, history); err != nil {
			return fmt.Errorf("adding scan history: %w", err)
		}
		if err := tx.AddFindings(ctx, findings); err != nil {
			return fmt.Errorf("adding findings: %w", err)
		}
		if err := tx.AddTechnologies(ctx, techs); err != nil {
			return fmt.Errorf("adding technologies: %w", err)
		}
		if err := tx.AddSummary(ctx, iaSummary); err != nil {
			return fmt.Errorf("adding summary: %w", err)
		}
		if err := tx.IncrementUsage(ctx, caller.UserID, models.UsageDay(now)); err != nil {
			return fmt.Errorf("incrementing usage: %w", err)
		}
		return tx.AddAuditLog(ctx, o.auditEntry(caller, models.AuditPhaseCompleted, &history.ID, out.RunID, "scan persisted"))
	})
	if err != nil {
		return nil, err
	}
	history.Findings = findings
	history.Technologies = techs
	return history, nil
}

// incomplete records a failed run and maps cancellation to ErrScanTimeout or
// ErrScanCancelled. The write outlives the caller's ctx; its own failure is only logged.
func (o *Orchestrator) incomplete(ctx, scanCtx context.Context, out *Outcome, caller models.Caller, start time.Time, payload []byte, cause error) (*Outcome, error) {
	err := o.classify(ctx, scanCtx, cause)

	now := o.now().UTC()
	history := &models.ScanHistory{
		ID:           uuid.New(),
		Target:       out.Target.String(),
		RawReport:    string(payload),
		Summary:      incompleteSummary(err, o.config.GlobalTimeout),
		HasCompleted: false,
		Duration:     o.now().Sub(start),
		UserID:       caller.UserID,
		CreatedAt:    now,
	}
	if len(payload) > 0 {
		history.ReportHash = utils.ReportFingerprint(payload)
	}

	wctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), incompleteWriteTimeout)
	defer cancel()
	werr := o.store.InTransaction(wctx, func(tx UnitOfWork) error {
		if err := tx.AddScanHistory(wctx, history); err != nil {
			return err
		}
		if err := tx.IncrementUsage(wctx, caller.UserID, models.UsageDay(now)); err != nil {
			return err
		}
		return tx.AddAuditLog(wctx, o.auditEntry(caller, models.AuditPhaseError, &history.ID, out.RunID, utils.Truncate(err.Error(), 1024)))
	})
	if werr != nil {
		o.logger.WithField("run_id", out.RunID).Debugf("incomplete record not written: %v", werr)
	} else {
		out.History = history
	}

	o.logger.WithFields(logrus.Fields{
		"run_id":    out.RunID,
		"target":    out.Target.String(),
		"failed_in": string(out.State),
	}).Warnf("scan incomplete: %v", err)
	o.setState(out, StateIncomplete)
	o.publish(ctx, out, caller, start, models.EventScanFailed, err)
	return o.finish(out, start, StateIncomplete, err)
}

func (o *Orchestrator) classify(ctx, scanCtx context.Context, err error) error {
	if scanCtx.Err() == nil {
		return err
	}
	if errors.Is(context.Cause(scanCtx), ErrScanTimeout) && ctx.Err() == nil {
		return fmt.Errorf("%w after %s", ErrScanTimeout, o.config.GlobalTimeout)
	}
	return fmt.Errorf("%w: %w", ErrScanCancelled, context.Cause(ctx))
}

// partialPayload keeps whatever the scanners produced before the run was cut short.
func partialPayload(report *models.AggregateScanReport) []byte {
	if report == nil {
		return nil
	}
	b, err := json.Marshal(sanitize.NormalizeReport(report))
	if err != nil {
		return nil
	}
	return b
}

func incompleteSummary(err error, budget time.Duration) string {
	switch {
	case errors.Is(err, ErrScanTimeout):
		return fmt.Sprintf("Scan did not finish within %s; the report is incomplete.", budget)
	case errors.Is(err, ErrScanCancelled):
		return "Scan was cancelled before it finished; the report is incomplete."
	default:
		return "Scan failed before it could be summarized: " + utils.Truncate(err.Error(), 512)
	}
}

func (o *Orchestrator) finish(out *Outcome, start time.Time, state State, err error) (*Outcome, error) {
	o.setState(out, state)
	out.Duration = o.now().Sub(start)
	labels := map[string]string{"state": string(state)}
	o.metrics.IncCounter(utils.MetricScansTotal, 1, labels)
	o.metrics.ObserveHistogram(utils.MetricScanDuration, out.Duration.Seconds(), labels)
	return out, err
}

func (o *Orchestrator) auditEntry(caller models.Caller, phase models.AuditPhase, historyID *uuid.UUID, runID, msg string) *models.AuditLog {
	return &models.AuditLog{
		Phase:         phase,
		UserID:        caller.UserID,
		ScanHistoryID: historyID,
		RunID:         runID,
		RemoteIP:      caller.RemoteIP,
		Message:       msg,
		CreatedAt:     o.now().UTC(),
	}
}

func (o *Orchestrator) appendAudit(ctx context.Context, caller models.Caller, phase models.AuditPhase, historyID *uuid.UUID, runID, msg string) {
	actx, cancel := context.WithTimeout(context.WithoutCancel(ctx), incompleteWriteTimeout)
	defer cancel()
	if err := o.store.AppendAudit(actx, o.auditEntry(caller, phase, historyID, runID, msg)); err != nil {
		o.logger.WithField("run_id", runID).Warnf("audit %s not written: %v", phase, err)
	}
}

func (o *Orchestrator) publish(ctx context.Context, out *Outcome, caller models.Caller, start time.Time, kind string, cause error) {
	if o.events == nil {
		return
	}
	ev := models.ScanEvent{
		Type:      kind,
		RunID:     out.RunID,
		UserID:    caller.UserID,
		Target:    out.Target.String(),
		State:     string(out.State),
		Duration:  o.now().Sub(start),
		Timestamp: o.now().UTC(),
	}
	if out.History != nil {
		ev.HistoryID = out.History.ID.String()
		ev.Findings = len(out.History.Findings)
	}
	if cause != nil {
		ev.Error = cause.Error()
	}
	pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), incompleteWriteTimeout)
	defer cancel()
	if err := o.events.Publish(pctx, ev); err != nil {
		o.logger.WithField("run_id", out.RunID).Warnf("publishing %s: %v", kind, err)
	}
}

func (o *Orchestrator) track(out *Outcome, caller models.Caller, raw string, start time.Time) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.active[out.RunID] = &ScanStatus{
		RunID:     out.RunID,
		UserID:    caller.UserID,
		Target:    raw,
		State:     out.State,
		StartedAt: start,
	}
}

func (o *Orchestrator) untrack(runID string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.active, runID)
}

func (o *Orchestrator) setState(out *Outcome, state State) {
	out.State = state
	o.mu.Lock()
	if st, ok := o.active[out.RunID]; ok {
		st.State = state
		if out.Target.Host != "" {
			st.Target = out.Target.String()
		}
	}
	o.mu.Unlock()
	o.logger.WithField("run_id", out.RunID).Debugf("scan state -> %s", state)
}

// ActiveScans lists running scans, oldest first.
func (o *Orchestrator) ActiveScans() []ScanStatus {
	o.mu.RLock()
	out := make([]ScanStatus, 0, len(o.active))
	for _, st := range o.active {
		out = append(out, *st)
	}
	o.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.Before(out[j].StartedAt) })
	return out
}

// Usage reports how many scans userID has used today and the daily limit.
func (o *Orchestrator) Usage(ctx context.Context, userID string) (used, limit int, err error) {
	used, err = o.store.Usage(ctx, userID, models.UsageDay(o.now()))
	if err != nil {
		return 0, 0, fmt.Errorf("%w: reading usage: %w", ErrPersistence, err)
	}
	return used, o.config.MaxDailyRequests, nil
}

func (o *Orchestrator) GetStats() map[string]interface{} {
	o.mu.RLock()
	defer o.mu.RUnlock()
	return map[string]interface{}{
		"active_scans":       len(o.active),
		"global_timeout":     o.config.GlobalTimeout.String(),
		"max_daily_requests": o.config.MaxDailyRequests,
		"scanners":           o.aggregator.Scanners(),
	}
}
