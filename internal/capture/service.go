// Package capture runs one extraction: the GraphQL API first, the rendered
// list as fallback, then date filtering and sorting.
package capture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/dvloznov/ckexport/internal/config"
	"github.com/dvloznov/ckexport/internal/dedup"
	"github.com/dvloznov/ckexport/internal/domain"
	"github.com/dvloznov/ckexport/internal/logger"
	"github.com/dvloznov/ckexport/internal/normalize"
	"golang.org/x/time/rate"
)

// ErrNoFallback means the API path produced nothing and no page is
// available to harvest from.
var ErrNoFallback = errors.New("capture: API returned nothing and no page is available for fallback")

type Fetcher interface {
	Fetch(ctx context.Context, window domain.DateWindow, progress domain.Progress) ([]domain.Record, error)
	FetchDetail(ctx context.Context, urn string) (normalize.AccountDetail, bool, error)
}

type Harvester interface {
	Harvest(ctx context.Context, window domain.DateWindow, progress domain.Progress) ([]domain.Record, error)
}

type Options struct {
	UseAPI            bool
	FetchAccountNames bool
}

type Source string

const (
	SourceAPI Source = "api"
	SourceDOM Source = "dom"
)

// Result holds everything a run collected and the subset inside the window.
type Result struct {
	All      []domain.Record
	Filtered []domain.Record
	Source   Source
	// Aborted is set when the user stopped the run; All holds what was
	// gathered until then.
	Aborted bool
}

type Service struct {
	fetcher   Fetcher
	harvester Harvester

	detailInterval time.Duration
	detailProgress int
}

// NewService wires the two strategies. Either may be nil.
func NewService(fetcher Fetcher, harvester Harvester, pacing config.FetchPacing) *Service {
	every := pacing.DetailProgress
	if every <= 0 {
		every = 10
	}
	return &Service{
		fetcher:        fetcher,
		harvester:      harvester,
		detailInterval: pacing.DetailInterval,
		detailProgress: every,
	}
}

// Capture extracts the records of window.
//
// A non-empty API result is returned without touching the page. A user
// abort on either path ends the run with the partial data and no error;
// an aborted API run keeps its records rather than returning empty, so the
// caller can still export them.
// Any other API failure, or an empty API result, falls back to the
// harvester. domain.ErrAuth is only returned when the fallback could not
// produce anything either.
func (s *Service) Capture(ctx context.Context, window domain.DateWindow, opts Options, progress domain.Progress) (Result, error) {
	log := logger.Component(ctx, "capture")

	var apiErr error
	if opts.UseAPI && s.fetcher != nil {
		records, err := s.fetcher.Fetch(ctx, window, progress)
		records = dedup.Unique(records, dedup.ByIdentity)

		switch {
		case errors.Is(err, domain.ErrAborted):
			log.Info().Int("count", len(records)).Msg("API extraction aborted by user")
			return finish(records, window, SourceAPI, true), nil

		case err == nil && len(records) > 0:
			if opts.FetchAccountNames {
				var aborted bool
				records, aborted = s.enrich(ctx, records, progress)
				if aborted {
					return finish(records, window, SourceAPI, true), nil
				}
			}
			res := finish(records, window, SourceAPI, false)
			log.Info().Int("all", len(res.All)).Int("filtered", len(res.Filtered)).Msg("API extraction complete")
			return res, nil

		case err != nil:
			apiErr = err
			log.Warn().Err(err).Msg("API extraction failed, falling back to scrolling")

		default:
			log.Info().Msg("API returned no transactions, falling back to scrolling")
		}
	}

	if s.harvester == nil {
		if apiErr != nil {
			return Result{Source: SourceAPI}, apiErr
		}
		return Result{}, ErrNoFallback
	}

	progress.Report("Extracting transactions via scrolling...")
	records, err := s.harvester.Harvest(ctx, window, progress)
	if errors.Is(err, domain.ErrAborted) {
		log.Info().Int("count", len(records)).Msg("Scroll extraction stopped by user")
		return finish(records, window, SourceDOM, true), nil
	}
	if err != nil {
		if len(records) == 0 {
			return Result{Source: SourceDOM}, errors.Join(fmt.Errorf("scroll extraction: %w", err), apiErr)
		}
		log.Warn().Err(err).Int("count", len(records)).Msg("Scroll extraction failed, keeping partial result")
	}

	res := finish(records, window, SourceDOM, false)
	if len(res.All) == 0 && errors.Is(apiErr, domain.ErrAuth) {
		return res, apiErr
	}
	log.Info().Int("all", len(res.All)).Int("filtered", len(res.Filtered)).Msg("Scroll extraction complete")
	return res, nil
}

// enrich fills account fields through the detail query for records that
// lack them, one request per DetailInterval. Failures keep the record as is.
func (s *Service) enrich(ctx context.Context, records []domain.Record, progress domain.Progress) ([]domain.Record, bool) {
	log := logger.Component(ctx, "capture")
	log.Info().Int("count", len(records)).Msg("Enriching transactions with account names")

	limit := rate.Inf
	if s.detailInterval > 0 {
		limit = rate.Every(s.detailInterval)
	}
	limiter := rate.NewLimiter(limit, 1)

	out := make([]domain.Record, len(records))
	copy(out, records)

	for i, r := range out {
		if r.AccountName == "" && r.URN != "" {
			if err := limiter.Wait(ctx); err != nil {
				return out, true
			}
			detail, ok, err := s.fetcher.FetchDetail(ctx, r.URN)
			switch {
			case errors.Is(err, domain.ErrAborted):
				return out, true
			case err != nil:
				log.Warn().Err(err).Str("urn", r.URN).Msg("Failed to fetch transaction detail")
			case ok:
				out[i] = r.WithAccount(detail.Name, detail.Type, detail.Provider)
			}
		}

		if done := i + 1; done%s.detailProgress == 0 {
			progress.Report("Fetching account details... %d/%d", done, len(out))
		}
	}
	return out, false
}

func finish(records []domain.Record, window domain.DateWindow, source Source, aborted bool) Result {
	all := make([]domain.Record, len(records))
	copy(all, records)
	domain.SortByDateDesc(all)

	filtered := window.Filter(all)
	return Result{All: all, Filtered: filtered, Source: source, Aborted: aborted}
}
