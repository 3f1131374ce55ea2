// Package pje resolves the parties of a lawsuit from the public PJe
// consultation pages using gocolly.
package pje

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/gocolly/colly/v2"
	"go.uber.org/zap"

	"github.com/JakeFAU/precatorio-exporter/internal/export"
)

const defaultTimeout = 15 * time.Second

// Waiter throttles outbound requests.
type Waiter interface {
	Wait(ctx context.Context, rawURL string) error
}

// Config controls the lookup client.
type Config struct {
	SearchURL string
	UserAgent string
	Timeout   time.Duration
}

// Client implements export.Lookup.
type Client struct {
	cfg           Config
	limiter       Waiter
	logger        *zap.Logger
	baseCollector *colly.Collector
}

type collectorHooks interface {
	OnError(colly.ErrorCallback)
}

// New builds a Client. limiter may be nil.
func New(cfg Config, limiter Waiter, logger *zap.Logger) (*Client, error) {
	if cfg.SearchURL == "" {
		return nil, fmt.Errorf("search url is required")
	}
	if _, err := url.Parse(cfg.SearchURL); err != nil {
		return nil, fmt.Errorf("parse search url: %w", err)
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = defaultTimeout
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	c := colly.NewCollector(colly.Async(false), colly.AllowURLRevisit())
	c.WithTransport(newHTTPTransport())
	return &Client{
		cfg:           cfg,
		limiter:       limiter,
		logger:        logger,
		baseCollector: c,
	}, nil
}

// LookupParties searches the process number and parses the active pole of
// its detail page. Keys with fewer than five digits resolve to no parties,
// as does a search without results.
func (c *Client) LookupParties(ctx context.Context, key string) ([]export.Party, error) {
	digits := NormalizeKey(key)
	if len(digits) < minKeyDigits {
		c.logger.Debug("lookup key too short, skipping", zap.String("lookup_key", key))
		return []export.Party{}, nil
	}

	detailURL, err := c.search(ctx, digits)
	if err != nil {
		return nil, err
	}
	if detailURL == "" {
		c.logger.Debug("no lookup results", zap.String("lookup_key", key))
		return []export.Party{}, nil
	}

	parties, err := c.details(ctx, detailURL)
	if err != nil {
		return nil, err
	}
	c.logger.Debug("parties resolved",
		zap.String("lookup_key", key),
		zap.Int("parties", len(parties)),
	)
	return parties, nil
}

// search returns the absolute URL of the first detail link, or "" when the
// search matched nothing.
func (c *Client) search(ctx context.Context, digits string) (string, error) {
	target, err := SearchURL(c.cfg.SearchURL, digits)
	if err != nil {
		return "", err
	}
	var detailURL string
	collector := c.collector()
	collector.OnHTML(detailLinkSelector, func(e *colly.HTMLElement) {
		if detailURL != "" {
			return
		}
		if rel := DetailPath(e.Attr("onclick"), e.Attr("href")); rel != "" {
			detailURL = e.Request.AbsoluteURL(rel)
		}
	})
	if err := c.visit(ctx, collector, target); err != nil {
		return "", fmt.Errorf("search process: %w", err)
	}
	return detailURL, nil
}

func (c *Client) details(ctx context.Context, detailURL string) ([]export.Party, error) {
	parties := []export.Party{}
	collector := c.collector()
	collector.OnHTML(partiesContainerSelector, func(e *colly.HTMLElement) {
		parties = append(parties, ParseParties(e.DOM)...)
	})
	if err := c.visit(ctx, collector, detailURL); err != nil {
		return nil, fmt.Errorf("load process details: %w", err)
	}
	return parties, nil
}

func (c *Client) collector() *colly.Collector {
	collector := c.baseCollector.Clone()
	collector.AllowURLRevisit = true
	if c.cfg.UserAgent != "" {
		collector.UserAgent = c.cfg.UserAgent
	}
	collector.SetRequestTimeout(c.cfg.Timeout)
	return collector
}

func (c *Client) visit(ctx context.Context, collector *colly.Collector, target string) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx, target); err != nil {
			return err
		}
	}
	var fetchErr error
	configureHooks(collector, &fetchErr)

	done := make(chan error, 1)
	go func() {
		done <- collector.Visit(target)
	}()

	select {
	case <-ctx.Done():
		return fmt.Errorf("colly fetch canceled: %w", ctx.Err())
	case err := <-done:
		if err != nil {
			return fmt.Errorf("colly visit failed: %w", err)
		}
		if fetchErr != nil {
			return fmt.Errorf("colly response failed: %w", fetchErr)
		}
		return nil
	}
}

func configureHooks(hooks collectorHooks, fetchErr *error) {
	hooks.OnError(func(r *colly.Response, err error) {
		if r != nil && r.StatusCode > 0 {
			*fetchErr = fmt.Errorf("status %d: %w", r.StatusCode, err)
			return
		}
		*fetchErr = err
	})
}

func newHTTPTransport() *http.Transport {
	return &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,
		MaxIdleConns:          100,
		IdleConnTimeout:       90 * time.Second,
	}
}
