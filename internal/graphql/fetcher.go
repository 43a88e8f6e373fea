package graphql

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"cloud.google.com/go/civil"
	"github.com/dvloznov/ckexport/internal/config"
	"github.com/dvloznov/ckexport/internal/domain"
	"github.com/dvloznov/ckexport/internal/logger"
	"github.com/dvloznov/ckexport/internal/normalize"
)

// Pacing controls the historical scan.
type Pacing struct {
	GapThresholdDays int
	PageDelay        time.Duration
	SkipDelay        time.Duration
	RetryBackoff     time.Duration
	MaxRetries       int
}

// PacingFromConfig copies the fetch section of the config.
func PacingFromConfig(p config.FetchPacing) Pacing {
	return Pacing{
		GapThresholdDays: p.GapThresholdDays,
		PageDelay:        p.PageDelay,
		SkipDelay:        p.SkipDelay,
		RetryBackoff:     p.RetryBackoff,
		MaxRetries:       p.MaxRetries,
	}
}

// Fetcher pulls transactions for a date window in two phases: the recent
// list query, then a cursor scan of the history query when the recent
// results do not reach back to the window start.
type Fetcher struct {
	client *Client
	pacing Pacing
	now    func() time.Time
	sleep  func(ctx context.Context, d time.Duration) error
}

func NewFetcher(client *Client, pacing Pacing) *Fetcher {
	return &Fetcher{client: client, pacing: pacing, now: time.Now, sleep: sleep}
}

// Fetch returns phase-1 and phase-2 records concatenated, undeduplicated.
//
// On cancellation it returns whatever was collected together with
// domain.ErrAborted. domain.ErrAuth is returned when no token could be
// derived at all. Every other failure degrades to a partial result.
func (f *Fetcher) Fetch(ctx context.Context, window domain.DateWindow, progress domain.Progress) ([]domain.Record, error) {
	log := logger.Component(ctx, "graphql")

	progress.Report("Fetching all recent transactions...")
	recent, err := f.fetchRecent(ctx, window)
	if err != nil {
		return recent, err
	}
	log.Info().Int("count", len(recent)).Str("window", window.String()).Msg("Recent transactions fetched")

	oldest, ok := domain.Oldest(recent)
	if !ok {
		oldest = civil.DateOf(f.now())
	}

	gap := window.GapDays(oldest)
	if gap <= f.pacing.GapThresholdDays {
		return recent, nil
	}

	upper := window.End
	if ok {
		upper = oldest.AddDays(-1)
		if upper.After(window.End) {
			upper = window.End
		}
	}

	log.Info().Int("gap_days", gap).Str("oldest", oldest.String()).Msg("Gap detected, scanning history")
	progress.Report("Fetching older history (%d days gap)...", gap)

	history, err := f.fetchHistory(ctx, domain.NewDateWindow(window.Start, upper), progress)
	if len(history) > 0 {
		log.Info().Int("count", len(history)).Msg("Merging historical transactions")
	}
	return append(recent, history...), err
}

// fetchRecent runs the list query once, retrying exactly once after a token
// refresh. Failures other than abort and missing auth yield an empty result.
func (f *Fetcher) fetchRecent(ctx context.Context, window domain.DateWindow) ([]domain.Record, error) {
	log := logger.Component(ctx, "graphql")

	data, err := f.client.Do(ctx, recentRequest())
	var netErr *domain.NetworkError
	if errors.As(err, &netErr) && netErr.NeedsRefresh() {
		log.Info().Msg("Token refresh needed, retrying")
		f.client.InvalidateToken()
		data, err = f.client.Do(ctx, recentRequest())
	}
	if err != nil {
		if isAbort(err) {
			return nil, domain.ErrAborted
		}
		if errors.Is(err, domain.ErrAuth) {
			return nil, err
		}
		log.Warn().Err(err).Msg("Recent transactions request failed")
		return nil, nil
	}

	page, shape, ok := ExtractTransactions(data)
	if !ok {
		log.Warn().Str("preview", truncate(string(data), 500)).Msg("No transactions in response")
		return nil, nil
	}
	log.Debug().Str("shape", shape).Int("received", len(page.Transactions)).Msg("Matched response shape")

	records := make([]domain.Record, 0, len(page.Transactions))
	for _, t := range page.Transactions {
		r := normalize.FromAPI(t)
		if window.Contains(r.Date) {
			records = append(records, r)
		}
	}
	return records, nil
}

// fetchHistory pages through the history query from the newest page,
// keeping records inside bounds, until it passes bounds.Start.
func (f *Fetcher) fetchHistory(ctx context.Context, bounds domain.DateWindow, progress domain.Progress) ([]domain.Record, error) {
	log := logger.Component(ctx, "graphql")

	var (
		kept    []domain.Record
		cursor  string
		pageNum int
		retries int
	)

	for {
		if ctx.Err() != nil {
			log.Info().Int("kept", len(kept)).Msg("History scan stopped by user")
			return kept, domain.ErrAborted
		}

		pageNum++
		if len(kept) == 0 {
			progress.Report("Scanning history page %d...", pageNum)
		} else {
			progress.Report("Fetching history page %d (%d transactions found)...", pageNum, len(kept))
		}

		data, err := f.client.Do(ctx, historyRequest(cursor))
		if err != nil {
			if isAbort(err) {
				log.Info().Int("kept", len(kept)).Msg("History scan aborted")
				return kept, domain.ErrAborted
			}

			var gqlErr *domain.GraphQLError
			if errors.As(err, &gqlErr) {
				log.Warn().Err(err).Int("page", pageNum).Msg("History query returned errors")
				return kept, nil
			}

			pageNum--
			retries++
			if retries > f.pacing.MaxRetries {
				log.Warn().Err(err).Int("kept", len(kept)).Msg("Max retries hit for history pagination")
				return kept, nil
			}

			var netErr *domain.NetworkError
			if errors.As(err, &netErr) && netErr.NeedsRefresh() {
				log.Info().Int("attempt", retries).Msg("Token refresh needed in history scan")
				f.client.InvalidateToken()
				continue
			}

			log.Warn().Err(err).Int("attempt", retries).Msg("History page failed, backing off")
			if err := f.sleep(ctx, f.pacing.RetryBackoff*time.Duration(retries)); err != nil {
				return kept, domain.ErrAborted
			}
			continue
		}

		page, ok := extractPaginated(data)
		if !ok {
			log.Warn().Int("page", pageNum).Msg("No transaction page in history response")
			return kept, nil
		}
		if len(page.Transactions) == 0 {
			return kept, nil
		}

		var (
			keptInPage int
			oldest     civil.Date
			dated      bool
		)
		for _, t := range page.Transactions {
			r := normalize.FromAPI(t)
			if !r.HasDate() {
				continue
			}
			if !dated || r.Date.Before(oldest) {
				oldest = r.Date
				dated = true
			}
			if bounds.Contains(r.Date) {
				kept = append(kept, r)
				keptInPage++
			}
		}

		log.Debug().
			Int("page", pageNum).
			Int("received", len(page.Transactions)).
			Int("kept", keptInPage).
			Msg("History page processed")

		if dated && oldest.Before(bounds.Start) {
			log.Info().Str("oldest", oldest.String()).Msg("Reached past start date")
			return kept, nil
		}
		if !page.HasNextPage || page.EndCursor == "" {
			return kept, nil
		}
		cursor = page.EndCursor
		retries = 0

		delay := f.pacing.SkipDelay
		if keptInPage > 0 {
			delay = f.pacing.PageDelay
		}
		if err := f.sleep(ctx, delay); err != nil {
			return kept, domain.ErrAborted
		}
	}
}

type detailResponse struct {
	Transaction *struct {
		Account *struct {
			Name        string `json:"name"`
			AccountType string `json:"accountType"`
			Provider    *struct {
				Name string `json:"name"`
			} `json:"provider"`
		} `json:"account"`
	} `json:"transaction"`
}

// FetchDetail looks up the account of one transaction. ok is false when the
// response carries no account.
func (f *Fetcher) FetchDetail(ctx context.Context, urn string) (detail normalize.AccountDetail, ok bool, err error) {
	data, err := f.client.Do(ctx, detailRequest(urn))
	if err != nil {
		if isAbort(err) {
			return detail, false, domain.ErrAborted
		}
		return detail, false, fmt.Errorf("fetch detail %s: %w", urn, err)
	}

	var resp detailResponse
	if err := json.Unmarshal(data, &resp); err != nil {
		return detail, false, fmt.Errorf("decode detail %s: %w", urn, err)
	}
	if resp.Transaction == nil || resp.Transaction.Account == nil {
		return detail, false, nil
	}

	acct := resp.Transaction.Account
	detail.Name = acct.Name
	detail.Type = acct.AccountType
	if acct.Provider != nil {
		detail.Provider = acct.Provider.Name
	}
	return detail, true, nil
}

// sleep waits d or until ctx is done.
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
