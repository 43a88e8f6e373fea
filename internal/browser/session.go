// Package browser drives an already running, logged-in browser over the
// DevTools protocol. It provides the cookies and page runtime used for
// authentication and the live transaction list used by the harvester.
package browser

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/cdproto/target"
	"github.com/chromedp/chromedp"
	"github.com/dvloznov/ckexport/internal/config"
	"github.com/dvloznov/ckexport/internal/harvest"
	"github.com/dvloznov/ckexport/internal/logger"
)

// ErrNoPage means no tab of the target site is open and none could be opened.
var ErrNoPage = errors.New("browser: no transactions page available")

// Session is attached to one tab of the target site.
type Session struct {
	tabCtx      context.Context
	allocCancel context.CancelFunc

	siteURL     string
	rowSelector string
}

// Connect attaches to the browser at cfg.Browser.DebuggerURL and picks the
// tab showing the transactions page, falling back to any tab of the site,
// and finally opening the transactions page in a new tab.
func Connect(ctx context.Context, cfg config.Config) (*Session, error) {
	log := logger.Component(ctx, "browser")

	// The connection outlives cancellation of ctx so cleanup can still run.
	base := context.WithoutCancel(ctx)
	allocCtx, allocCancel := chromedp.NewRemoteAllocator(base, cfg.Browser.DebuggerURL)
	browserCtx, _ := chromedp.NewContext(allocCtx)

	targets, err := chromedp.Targets(browserCtx)
	if err != nil {
		allocCancel()
		return nil, fmt.Errorf("list browser targets at %s: %w", cfg.Browser.DebuggerURL, err)
	}

	s := &Session{
		allocCancel: allocCancel,
		siteURL:     cfg.Cookies.SiteURL,
		rowSelector: cfg.Browser.RowSelector,
	}

	if t := pickTarget(targets, cfg.Browser.TransactionsURL, cfg.Cookies.SiteURL); t != nil {
		log.Info().Str("url", t.URL).Str("title", t.Title).Msg("Attached to existing tab")
		s.tabCtx, _ = chromedp.NewContext(browserCtx, chromedp.WithTargetID(t.TargetID))
		return s, nil
	}

	log.Info().Str("url", cfg.Browser.TransactionsURL).Msg("Opening transactions page")
	s.tabCtx, _ = chromedp.NewContext(browserCtx)
	if err := s.run(ctx, chromedp.Navigate(cfg.Browser.TransactionsURL)); err != nil {
		allocCancel()
		return nil, fmt.Errorf("%w: %v", ErrNoPage, err)
	}
	return s, nil
}

func pickTarget(targets []*target.Info, transactionsURL, siteURL string) *target.Info {
	var fallback *target.Info
	for _, t := range targets {
		if t.Type != "page" {
			continue
		}
		if strings.HasPrefix(t.URL, transactionsURL) {
			return t
		}
		if fallback == nil && strings.HasPrefix(t.URL, siteURL) {
			fallback = t
		}
	}
	return fallback
}

// Close drops the DevTools connection. The browser and its tabs keep running.
func (s *Session) Close() {
	s.allocCancel()
}

// run executes actions in the tab, aborting them when ctx is cancelled.
func (s *Session) run(ctx context.Context, actions ...chromedp.Action) error {
	runCtx, cancel := context.WithCancel(s.tabCtx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()

	err := chromedp.Run(runCtx, actions...)
	if err != nil && ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}

// Cookie returns the named cookie of the site.
func (s *Session) Cookie(ctx context.Context, name string) (string, bool, error) {
	var cookies []*network.Cookie
	err := s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = network.GetCookies().WithURLs([]string{s.siteURL}).Do(ctx)
		return err
	}))
	if err != nil {
		return "", false, fmt.Errorf("read cookies: %w", err)
	}
	for _, c := range cookies {
		if c.Name == name {
			return c.Value, true, nil
		}
	}
	return "", false, nil
}

// PageToken reads a token the page keeps in a global variable.
func (s *Session) PageToken(ctx context.Context, global string) (string, error) {
	var token string
	expr := fmt.Sprintf(`(function(){ var t = window[%s]; return typeof t === "string" ? t : ""; })()`, strconv.Quote(global))
	if err := s.run(ctx, chromedp.Evaluate(expr, &token)); err != nil {
		return "", fmt.Errorf("evaluate page token: %w", err)
	}
	return token, nil
}

func (s *Session) RowCount(ctx context.Context) (int, error) {
	var n int
	expr := fmt.Sprintf(`document.querySelectorAll(%s).length`, strconv.Quote(s.rowSelector))
	if err := s.run(ctx, chromedp.Evaluate(expr, &n)); err != nil {
		return 0, fmt.Errorf("count rows: %w", err)
	}
	return n, nil
}

func (s *Session) RowsHTML(ctx context.Context) (string, error) {
	var html string
	expr := fmt.Sprintf(`Array.from(document.querySelectorAll(%s), e => e.outerHTML).join("")`, strconv.Quote(s.rowSelector))
	if err := s.run(ctx, chromedp.Evaluate(expr, &html)); err != nil {
		return "", fmt.Errorf("snapshot rows: %w", err)
	}
	return html, nil
}

func (s *Session) ScrollDown(ctx context.Context) error {
	const expr = `window.scrollTo({top: window.scrollY + window.innerHeight, behavior: "smooth"})`
	if err := s.run(ctx, chromedp.Evaluate(expr, nil)); err != nil {
		return fmt.Errorf("scroll: %w", err)
	}
	return nil
}

var _ harvest.Page = (*Session)(nil)
