// Package harvest scrolls a lazily rendered transaction list and collects
// the rows it renders until it has scrolled past a date window.
package harvest

import (
	"context"
	"fmt"
	"time"

	"github.com/dvloznov/ckexport/internal/config"
	"github.com/dvloznov/ckexport/internal/dedup"
	"github.com/dvloznov/ckexport/internal/domain"
	"github.com/dvloznov/ckexport/internal/logger"
	"github.com/dvloznov/ckexport/internal/normalize"
	"github.com/rs/zerolog"
)

// Page is the live transaction list.
type Page interface {
	RowCount(ctx context.Context) (int, error)
	// RowsHTML returns the markup of the currently rendered rows.
	RowsHTML(ctx context.Context) (string, error)
	ScrollDown(ctx context.Context) error
	ShowOverlay(ctx context.Context) (Overlay, error)
}

// Overlay is the on-page stop control and progress readout.
type Overlay interface {
	SetStatus(ctx context.Context, status string) error
	StopRequested(ctx context.Context) (bool, error)
	Remove(ctx context.Context) error
}

type Pacing struct {
	PollInterval     time.Duration
	StableChecks     int
	StabilizeTimeout time.Duration
	SlowWait         time.Duration
	FastWait         time.Duration
	FastAfter        int
	MaxUnchanged     int
	OverrunDays      int
}

func PacingFromConfig(p config.ScrollPacing) Pacing {
	return Pacing{
		PollInterval:     p.PollInterval,
		StableChecks:     p.StableChecks,
		StabilizeTimeout: p.StabilizeTimeout,
		SlowWait:         p.SlowWait,
		FastWait:         p.FastWait,
		FastAfter:        p.FastAfter,
		MaxUnchanged:     p.MaxUnchanged,
		OverrunDays:      p.OverrunDays,
	}
}

type state int

const (
	scanning state = iota
	stabilizing
	extracting
	evaluating
	done
)

func (s state) String() string {
	switch s {
	case scanning:
		return "scanning"
	case stabilizing:
		return "stabilizing"
	case extracting:
		return "extracting"
	case evaluating:
		return "evaluating"
	default:
		return "done"
	}
}

type Harvester struct {
	page        Page
	rowSelector string
	pacing      Pacing
	sleep       func(ctx context.Context, d time.Duration) error
}

func New(page Page, rowSelector string, pacing Pacing) *Harvester {
	return &Harvester{page: page, rowSelector: rowSelector, pacing: pacing, sleep: sleep}
}

// run is the mutable state of one harvest.
type run struct {
	window  domain.DateWindow
	overlay Overlay

	state       state
	all         []domain.Record
	batch       []domain.Record
	scrolls     int
	lastCount   int
	unchanged   int
	foundTarget bool
	inRangeRuns int
	stopped     bool
}

// Harvest collects rows until the user stops it, it scrolls more than
// OverrunDays past window.Start after having seen the window, or the
// collected count stays flat for MaxUnchanged iterations.
//
// Records are returned in discovery order, merged on their composite key.
// A user stop or ctx cancellation returns the records collected so far with
// domain.ErrAborted. The overlay is removed on every return path.
func (h *Harvester) Harvest(ctx context.Context, window domain.DateWindow, progress domain.Progress) ([]domain.Record, error) {
	log := logger.Component(ctx, "harvest")

	overlay, err := h.page.ShowOverlay(ctx)
	if err != nil {
		log.Warn().Err(err).Msg("Could not show stop control")
		overlay = noopOverlay{}
	}
	defer func() {
		if rmErr := overlay.Remove(context.WithoutCancel(ctx)); rmErr != nil {
			log.Warn().Err(rmErr).Msg("Failed to remove stop control")
		}
	}()

	r := &run{window: window, overlay: overlay, state: stabilizing}
	for r.state != done {
		next, err := h.step(ctx, r, log, progress)
		if err != nil {
			return r.all, err
		}
		r.state = next
	}

	if r.stopped {
		return r.all, domain.ErrAborted
	}
	return r.all, nil
}

func (h *Harvester) step(ctx context.Context, r *run, log zerolog.Logger, progress domain.Progress) (state, error) {
	switch r.state {
	case scanning:
		if err := h.page.ScrollDown(ctx); err != nil {
			return done, h.pageErr(ctx, err)
		}
		wait := h.pacing.SlowWait
		if r.inRangeRuns >= h.pacing.FastAfter {
			wait = h.pacing.FastWait
		}
		if err := h.sleep(ctx, wait); err != nil {
			return done, domain.ErrAborted
		}
		return stabilizing, nil

	case stabilizing:
		r.scrolls++
		status := statusLine(r)
		progress.Report("%s", status)
		if err := r.overlay.SetStatus(ctx, status); err != nil {
			log.Debug().Err(err).Msg("Failed to update progress readout")
		}
		if err := h.stabilize(ctx); err != nil {
			return done, h.pageErr(ctx, err)
		}
		return extracting, nil

	case extracting:
		html, err := h.page.RowsHTML(ctx)
		if err != nil {
			return done, h.pageErr(ctx, err)
		}
		rows, err := ParseRows(html, h.rowSelector)
		if err != nil {
			return done, err
		}
		r.batch = nil
		for _, row := range rows {
			if rec, ok := normalize.FromRow(row); ok {
				r.batch = append(r.batch, rec)
			}
		}
		r.all = dedup.Merge(r.all, r.batch, dedup.ByComposite)
		return evaluating, nil

	case evaluating:
		return h.evaluate(ctx, r, log)
	}
	return done, nil
}

func (h *Harvester) evaluate(ctx context.Context, r *run, log zerolog.Logger) (state, error) {
	if ctx.Err() != nil {
		return done, domain.ErrAborted
	}
	if stop, err := r.overlay.StopRequested(ctx); err == nil && stop {
		log.Info().Int("found", len(r.all)).Msg("Stop requested by user")
		r.stopped = true
		return done, nil
	}

	inRange := 0
	for _, rec := range r.batch {
		if r.window.Contains(rec.Date) {
			inRange++
		}
	}
	if inRange > 0 {
		r.foundTarget = true
		r.inRangeRuns++
	} else {
		r.inRangeRuns = 0
	}

	if oldest, ok := domain.Oldest(r.batch); ok && r.foundTarget {
		limit := r.window.Start.AddDays(-h.pacing.OverrunDays)
		if oldest.Before(limit) {
			log.Info().Str("oldest", oldest.String()).Msg("Scrolled past date range")
			return done, nil
		}
	}

	if len(r.all) == r.lastCount {
		r.unchanged++
		if r.unchanged >= h.pacing.MaxUnchanged {
			log.Info().Int("found", len(r.all)).Int("scroll", r.scrolls).Msg("No new transactions, stopping")
			return done, nil
		}
	} else {
		r.unchanged = 0
		r.lastCount = len(r.all)
	}

	log.Debug().
		Int("scroll", r.scrolls).
		Int("batch", len(r.batch)).
		Int("in_range", inRange).
		Int("found", len(r.all)).
		Msg("Scroll evaluated")
	return scanning, nil
}

// stabilize polls the row count until it holds for StableChecks polls or
// StabilizeTimeout elapses, whichever comes first.
func (h *Harvester) stabilize(ctx context.Context) error {
	last, err := h.page.RowCount(ctx)
	if err != nil {
		return err
	}

	stable := 0
	var elapsed time.Duration
	for stable < h.pacing.StableChecks && elapsed < h.pacing.StabilizeTimeout {
		if err := h.sleep(ctx, h.pacing.PollInterval); err != nil {
			return err
		}
		elapsed += h.pacing.PollInterval

		n, err := h.page.RowCount(ctx)
		if err != nil {
			return err
		}
		if n == last {
			stable++
		} else {
			stable = 0
			last = n
		}
	}
	return nil
}

func (h *Harvester) pageErr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return domain.ErrAborted
	}
	return err
}

func statusLine(r *run) string {
	inRange := 0
	for _, rec := range r.all {
		if r.window.Contains(rec.Date) {
			inRange++
		}
	}
	return fmt.Sprintf("Scroll: %d | Found: %d total | In range: %d", r.scrolls, len(r.all), inRange)
}

type noopOverlay struct{}

func (noopOverlay) SetStatus(context.Context, string) error     { return nil }
func (noopOverlay) StopRequested(context.Context) (bool, error) { return false, nil }
func (noopOverlay) Remove(context.Context) error                { return nil }

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
