// Package registry extracts precatório rows from the paginated debtor-entity
// registry using headless Chrome.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/chromedp/cdproto/emulation"
	"github.com/chromedp/cdproto/network"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"
	"go.uber.org/zap"

	"github.com/JakeFAU/precatorio-exporter/internal/export"
)

const (
	defaultNavTimeout     = 45 * time.Second
	defaultResultsTimeout = 60 * time.Second
	suggestionTimeout     = 10 * time.Second
	detailTimeout         = 30 * time.Second
	pollInterval          = 250 * time.Millisecond
)

// ErrNextPageMissing is returned when the paginator cannot advance to the
// requested unit.
var ErrNextPageMissing = errors.New("next page control not found")

// Config controls the behavior of the extractor.
type Config struct {
	RegistryURL       string
	UserAgent         string
	MaxParallel       int
	NavigationTimeout time.Duration
	ResultsTimeout    time.Duration
	Selectors         Selectors
	Columns           []string
}

// Extractor implements export.Extractor with chromedp.
type Extractor struct {
	cfg     Config
	limiter chan struct{}
	logger  *zap.Logger

	mu         sync.Mutex
	allocators map[bool]allocator
}

type allocator struct {
	ctx    context.Context
	cancel context.CancelFunc
}

// New creates an extractor. Browser processes are started lazily per
// execution mode and shared across sessions.
func New(cfg Config, logger *zap.Logger) (*Extractor, error) {
	if cfg.RegistryURL == "" {
		return nil, fmt.Errorf("registry url is required")
	}
	if cfg.MaxParallel < 0 {
		return nil, fmt.Errorf("max parallel must be >= 0")
	}
	if cfg.Selectors == (Selectors{}) {
		cfg.Selectors = DefaultSelectors()
	}
	if len(cfg.Columns) == 0 {
		cfg.Columns = DefaultColumns()
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	var limiter chan struct{}
	if cfg.MaxParallel > 0 {
		limiter = make(chan struct{}, cfg.MaxParallel)
	}
	return &Extractor{
		cfg:        cfg,
		limiter:    limiter,
		logger:     logger,
		allocators: make(map[bool]allocator),
	}, nil
}

// Close shuts down every browser started by the extractor.
func (e *Extractor) Close() {
	e.mu.Lock()
	defer e.mu.Unlock()
	for mode, a := range e.allocators {
		a.cancel()
		delete(e.allocators, mode)
	}
}

// Discover opens the query for params and returns the number of result pages.
func (e *Extractor) Discover(ctx context.Context, params export.Params) (int, error) {
	var text string
	err := e.session(ctx, params, 0, func(ctx context.Context) error {
		return chromedp.Run(ctx, chromedp.Evaluate(textOf(e.cfg.Selectors.PaginatorCurrent), &text))
	})
	if err != nil {
		return 0, err
	}
	pages := ParsePageCount(text)
	e.logger.Info("registry pages discovered",
		zap.String("entity", params.Entity),
		zap.Int("pages", pages),
	)
	return pages, nil
}

// ExtractUnit returns the rows of the 1-based result page unit.
func (e *Extractor) ExtractUnit(ctx context.Context, params export.Params, unit int) ([]export.Record, error) {
	if unit < 1 {
		return nil, fmt.Errorf("invalid unit %d", unit)
	}
	var rows []Row
	err := e.session(ctx, params, unit, func(ctx context.Context) error {
		for page := 1; page < unit; page++ {
			e.stage(unit, "paging", zap.Int("page", page+1))
			if err := e.nextPage(ctx); err != nil {
				return fmt.Errorf("advance to page %d: %w", page+1, err)
			}
		}
		e.stage(unit, "extracting rows")
		sel := e.cfg.Selectors
		if err := chromedp.Run(ctx, chromedp.Evaluate(rowsOf(sel.ResultRows, sel.DetailLink), &rows)); err != nil {
			return err
		}
		e.stage(unit, "extracting details")
		for i := range rows {
			if !Usable(e.cfg.Columns, rows[i]) || rows[i].DetailID == "" {
				continue
			}
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("read details: %w", err)
			}
			rows[i].Details, rows[i].DetailErr = e.readDetails(ctx, rows[i].DetailID)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	records := MapRows(e.cfg.Columns, rows)
	e.logger.Info("registry page extracted",
		zap.Int("unit", unit),
		zap.Int("rows", len(rows)),
		zap.Int("records", len(records)),
	)
	return records, nil
}

// readDetails opens the detail dialog of one row, reads its fields and
// closes it again.
func (e *Extractor) readDetails(ctx context.Context, detailID string) (map[string]string, error) {
	sel := e.cfg.Selectors
	link := idSelector(detailID)
	detailCtx, cancel := context.WithTimeout(ctx, detailTimeout)
	defer cancel()

	var raw map[string]string
	err := chromedp.Run(detailCtx,
		chromedp.WaitVisible(link, chromedp.ByQuery),
		chromedp.Click(link, chromedp.ByQuery),
		chromedp.WaitVisible(sel.DetailDialog, chromedp.ByQuery),
		chromedp.Evaluate(detailFields(map[string]string{
			FieldFaceValue:     sel.DetailFaceValue,
			FieldFaceValueDate: sel.DetailFaceValueDate,
			FieldAction:        sel.DetailAction,
		}), &raw),
		chromedp.Click(sel.DetailClose, chromedp.ByQuery),
		chromedp.WaitNotVisible(sel.DetailDialog, chromedp.ByQuery),
	)
	if err != nil {
		return nil, fmt.Errorf("detail dialog %s: %w", detailID, err)
	}
	return ParseDetails(raw), nil
}

// session opens a browser tab, submits the query form and waits for the
// result table before running fn.
func (e *Extractor) session(ctx context.Context, params export.Params, unit int, fn func(context.Context) error) error {
	if err := e.acquire(ctx); err != nil {
		return err
	}
	defer e.release()

	e.stage(unit, "opening session")
	tabCtx, tabCancel := chromedp.NewContext(e.allocator(params.Headless))
	defer tabCancel()
	// Tie the tab to the caller's lifetime as well as the browser's.
	stop := context.AfterFunc(ctx, tabCancel)
	defer stop()

	meta := &responseMeta{}
	chromedp.ListenTarget(tabCtx, meta.captureEvent)

	navCtx, cancel := context.WithTimeout(tabCtx, e.navTimeout())
	err := chromedp.Run(navCtx,
		e.networkSetupAction(),
		chromedp.Navigate(e.cfg.RegistryURL),
		chromedp.WaitReady("body", chromedp.ByQuery),
	)
	cancel()
	if err != nil {
		return fmt.Errorf("navigate registry: %w", err)
	}
	if status := meta.snapshot(); status >= 400 {
		return fmt.Errorf("registry responded with status %d", status)
	}

	if err := e.submitQuery(tabCtx, params, unit); err != nil {
		return err
	}

	runCtx, cancel := context.WithTimeout(tabCtx, e.resultsTimeout()*time.Duration(max(unit, 1)))
	defer cancel()
	return fn(runCtx)
}

func (e *Extractor) submitQuery(ctx context.Context, params export.Params, unit int) error {
	sel := e.cfg.Selectors

	e.stage(unit, "filling entity")
	fillCtx, cancel := context.WithTimeout(ctx, e.navTimeout())
	defer cancel()
	if err := chromedp.Run(fillCtx,
		chromedp.WaitVisible(sel.EntityInput, chromedp.ByQuery),
		chromedp.SendKeys(sel.EntityInput, params.Entity, chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("fill entity: %w", err)
	}

	suggestCtx, cancelSuggest := context.WithTimeout(fillCtx, suggestionTimeout)
	err := chromedp.Run(suggestCtx,
		chromedp.WaitVisible(sel.EntitySuggestion, chromedp.ByQuery),
		chromedp.Click(sel.EntitySuggestion, chromedp.ByQuery),
	)
	cancelSuggest()
	if err != nil {
		e.logger.Debug("no entity suggestion, continuing", zap.Error(err))
	}

	var actions []chromedp.Action
	if params.YearStart > 0 {
		e.stage(unit, "filling year start")
		actions = append(actions, chromedp.SetValue(sel.YearStartInput, strconv.Itoa(params.YearStart), chromedp.ByQuery))
	}
	if params.YearEnd > 0 {
		e.stage(unit, "filling year end")
		actions = append(actions, chromedp.SetValue(sel.YearEndInput, strconv.Itoa(params.YearEnd), chromedp.ByQuery))
	}
	actions = append(actions, chromedp.SendKeys(sel.EntityInput, kb.Enter, chromedp.ByQuery))
	e.stage(unit, "querying")
	if err := chromedp.Run(fillCtx, actions...); err != nil {
		return fmt.Errorf("submit query: %w", err)
	}

	e.stage(unit, "waiting for results")
	waitCtx, cancelWait := context.WithTimeout(ctx, e.resultsTimeout())
	defer cancelWait()
	if err := chromedp.Run(waitCtx,
		e.waitIdle(),
		chromedp.WaitReady(sel.ResultTable, chromedp.ByQuery),
	); err != nil {
		return fmt.Errorf("wait for results: %w", err)
	}
	return nil
}

func (e *Extractor) nextPage(ctx context.Context) error {
	sel := e.cfg.Selectors
	var present bool
	if err := chromedp.Run(ctx, chromedp.Evaluate(exists(sel.NextPage), &present)); err != nil {
		return err
	}
	if !present {
		return ErrNextPageMissing
	}
	return chromedp.Run(ctx,
		chromedp.Click(sel.NextPage, chromedp.ByQuery),
		e.waitIdle(),
		chromedp.WaitVisible(sel.ResultTable, chromedp.ByQuery),
	)
}

// waitIdle polls until the AJAX loading indicator is gone or hidden.
func (e *Extractor) waitIdle() chromedp.Action {
	expr := idle(e.cfg.Selectors.LoadingIndicator)
	return chromedp.ActionFunc(func(ctx context.Context) error {
		ticker := time.NewTicker(pollInterval)
		defer ticker.Stop()
		for {
			var done bool
			if err := chromedp.Evaluate(expr, &done).Do(ctx); err != nil {
				return fmt.Errorf("poll loading indicator: %w", err)
			}
			if done {
				return nil
			}
			select {
			case <-ctx.Done():
				return fmt.Errorf("loading indicator still visible: %w", ctx.Err())
			case <-ticker.C:
			}
		}
	})
}

func (e *Extractor) networkSetupAction() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		if err := network.Enable().Do(ctx); err != nil {
			return fmt.Errorf("enable network domain: %w", err)
		}
		if e.cfg.UserAgent != "" {
			if err := emulation.SetUserAgentOverride(e.cfg.UserAgent).Do(ctx); err != nil {
				return fmt.Errorf("set user-agent: %w", err)
			}
		}
		return nil
	})
}

func (e *Extractor) allocator(headless bool) context.Context {
	e.mu.Lock()
	defer e.mu.Unlock()
	if a, ok := e.allocators[headless]; ok {
		return a.ctx
	}
	ctx, cancel := chromedp.NewExecAllocator(context.Background(), allocatorOptions(headless)...)
	e.allocators[headless] = allocator{ctx: ctx, cancel: cancel}
	return ctx
}

func allocatorOptions(headless bool) []chromedp.ExecAllocatorOption {
	opts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	opts = append(opts,
		chromedp.Flag("disable-gpu", true),
		chromedp.Flag("hide-scrollbars", true),
		chromedp.Flag("enable-automation", false),
	)
	if headless {
		return append(opts, chromedp.Flag("headless", "new"))
	}
	return append(opts, chromedp.Flag("headless", false))
}

func (e *Extractor) acquire(ctx context.Context) error {
	if e.limiter == nil {
		return nil
	}
	select {
	case e.limiter <- struct{}{}:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("browser slot wait canceled: %w", ctx.Err())
	}
}

func (e *Extractor) release() {
	if e.limiter == nil {
		return
	}
	select {
	case <-e.limiter:
	default:
	}
}

func (e *Extractor) stage(unit int, name string, fields ...zap.Field) {
	e.logger.Debug("extraction stage", append([]zap.Field{zap.String("stage", name), zap.Int("unit", unit)}, fields...)...)
}

func (e *Extractor) navTimeout() time.Duration {
	if e.cfg.NavigationTimeout > 0 {
		return e.cfg.NavigationTimeout
	}
	return defaultNavTimeout
}

func (e *Extractor) resultsTimeout() time.Duration {
	if e.cfg.ResultsTimeout > 0 {
		return e.cfg.ResultsTimeout
	}
	return defaultResultsTimeout
}

// responseMeta remembers the status of the last document response.
type responseMeta struct {
	mu     sync.RWMutex
	status int
}

func (m *responseMeta) captureEvent(ev any) {
	resp, ok := ev.(*network.EventResponseReceived)
	if !ok || resp.Type != network.ResourceTypeDocument || resp.Response == nil {
		return
	}
	m.mu.Lock()
	m.status = int(resp.Response.Status)
	m.mu.Unlock()
}

func (m *responseMeta) snapshot() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.status
}

func jsString(s string) string {
	b, _ := json.Marshal(s)
	return string(b)
}

func textOf(selector string) string {
	return fmt.Sprintf(`(function(){const el=document.querySelector(%s);return el?el.textContent:"";})()`, jsString(selector))
}

func exists(selector string) string {
	return fmt.Sprintf(`!!document.querySelector(%s)`, jsString(selector))
}

func idle(selector string) string {
	return fmt.Sprintf(`Array.from(document.querySelectorAll(%s)).every(el=>el.offsetParent===null)`, jsString(selector))
}

func rowsOf(rowSelector, linkSelector string) string {
	return fmt.Sprintf(
		`Array.from(document.querySelectorAll(%s)).map(r=>{const a=r.querySelector(%s);`+
			`return {cells:Array.from(r.querySelectorAll("td")).map(c=>c.textContent.trim()),detailId:a?a.id:""};})`,
		jsString(rowSelector), jsString(linkSelector),
	)
}

// detailFields builds a script returning the trimmed text of each selector
// keyed by field name.
func detailFields(fields map[string]string) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(`(function(){const t=s=>{const el=document.querySelector(s);return el?el.textContent.trim():"";};return {`)
	for i, k := range keys {
		if i > 0 {
			b.WriteString(",")
		}
		fmt.Fprintf(&b, "%s:t(%s)", jsString(k), jsString(fields[k]))
	}
	b.WriteString(`};})()`)
	return b.String()
}

// idSelector matches an element by id without CSS-escaping it. PrimeFaces
// ids contain colons.
func idSelector(id string) string {
	escaped := strings.NewReplacer(`\`, `\\`, `"`, `\"`).Replace(id)
	return `[id="` + escaped + `"]`
}
