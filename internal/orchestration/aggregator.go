package orchestration

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/bl4ck0w1/lynxscan/internal/scanners"
	"github.com/bl4ck0w1/lynxscan/pkg/models"
	"github.com/bl4ck0w1/lynxscan/pkg/utils"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// Aggregator runs every registered scanner against one target and merges their
// sections into a single report.
type Aggregator struct {
	scanners []scanners.Scanner
	metrics  *utils.MetricsCollector
	logger   *logrus.Logger
	now      func() time.Time
}

func NewAggregator(list []scanners.Scanner, metrics *utils.MetricsCollector, logger *logrus.Logger) *Aggregator {
	if logger == nil {
		logger = logrus.New()
	}
	return &Aggregator{
		scanners: list,
		metrics:  metrics,
		logger:   logger,
		now:      time.Now,
	}
}

func (a *Aggregator) Scanners() []string {
	names := make([]string, 0, len(a.scanners))
	for _, s := range a.scanners {
		names = append(names, s.Name())
	}
	return names
}

// Run starts all scanners at once. A scanner error never removes a section: the
// scanner's empty section is merged instead and the error is kept in its Result.
// Sections are merged in scanner name order. The returned error is ctx.Err() when
// the run was cut short, in which case the report holds whatever finished.
func (a *Aggregator) Run(ctx context.Context, target models.ScanTarget) (*models.AggregateScanReport, []scanners.Result, error) {
	started := a.now().UTC()
	resultCh := make(chan scanners.Result, len(a.scanners))

	var g errgroup.Group
	for _, s := range a.scanners {
		s := s
		g.Go(func() error {
			resultCh <- a.runOne(ctx, s, target)
			return nil
		})
	}
	go func() {
		_ = g.Wait()
		close(resultCh)
	}()

	results := make([]scanners.Result, 0, len(a.scanners))
	for res := range resultCh {
		results = append(results, res)
	}
	sort.Slice(results, func(i, j int) bool { return results[i].Scanner < results[j].Scanner })

	report := models.NewAggregateScanReport(target.String(), started)
	failed := 0
	for _, res := range results {
		if res.Failed() {
			failed++
		}
		report.Merge(res.Section)
	}

	a.logger.WithFields(logrus.Fields{
		"target":     target.String(),
		"scanners":   len(results),
		"failed":     failed,
		"namespaces": len(report.Namespaces()),
	}).Info("scan aggregation finished")

	if err := ctx.Err(); err != nil {
		return report, results, err
	}
	return report, results, nil
}

func (a *Aggregator) runOne(ctx context.Context, s scanners.Scanner, target models.ScanTarget) scanners.Result {
	start := time.Now()
	section, err := a.safeScan(ctx, s, target)
	res := scanners.Result{
		Scanner:  s.Name(),
		Section:  section,
		Err:      err,
		Duration: time.Since(start),
	}
	if res.Section == nil {
		res.Section = s.Empty()
	}

	labels := map[string]string{"scanner": res.Scanner}
	a.metrics.ObserveHistogram(utils.MetricScannerDuration, res.Duration.Seconds(), labels)
	if err != nil {
		a.metrics.IncCounter(utils.MetricScannerFailures, 1, labels)
		a.logger.WithFields(logrus.Fields{
			"scanner":  res.Scanner,
			"duration": res.Duration.String(),
		}).Warnf("scanner failed: %v", err)
	} else {
		a.logger.Debugf("scanner %s finished in %s", res.Scanner, res.Duration)
	}
	return res
}

// safeScan turns a scanner panic into an error so one broken scanner cannot take
// the run down.
func (a *Aggregator) safeScan(ctx context.Context, s scanners.Scanner, target models.ScanTarget) (section models.Section, err error) {
	defer func() {
		if r := recover(); r != nil {
			section = s.Empty()
			err = &ScannerPanicError{Scanner: s.Name(), Value: r}
		}
	}()
	return s.Scan(ctx, target)
}

type ScannerPanicError struct {
	Scanner string
	Value   interface{}
}

func (e *ScannerPanicError) Error() string {
	return "scanner " + e.Scanner + " panicked: " + utils.Truncate(fmt.Sprint(e.Value), 200)
}
