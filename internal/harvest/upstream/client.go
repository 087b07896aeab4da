// Package upstream implements the paginated client of the business-registry API.
package upstream

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/regharvest/harvester/internal/common/constants"
	"github.com/regharvest/harvester/internal/harvest/region"
	"golang.org/x/time/rate"
)

// Record is one row of the upstream result set, kept verbatim.
type Record = map[string]any

var (
	// ErrUnexpectedStatus is returned when the upstream answers a non-2xx status with a non-HTML body.
	ErrUnexpectedStatus = errors.New("unexpected upstream status")
	// ErrMalformedFirstPage is returned in strict mode when the first page cannot be interpreted.
	ErrMalformedFirstPage = errors.New("malformed first page")
)

// excerptLen bounds how much of an unexpected body ends up in the logs.
const excerptLen = 200

// Config is the upstream API configuration.
type Config struct {
	BaseURL    string
	Endpoint   string
	ServiceKey string

	PageSize int
	MaxPages int

	// RequestsPerSecond paces page requests across all regions. Zero disables pacing.
	RequestsPerSecond float64
	Timeout           time.Duration
	UserAgent         string

	// StrictFirstPage turns an HTML or non-JSON first page into an error instead of an empty result.
	StrictFirstPage bool
}

// Client fetches every page of a region sequentially.
type Client struct {
	cfg     Config
	http    *http.Client
	limiter *rate.Limiter
	log     *slog.Logger
}

type options struct {
	httpClient *http.Client
	logger     *slog.Logger
}

// Options represents an optional function to override Client default values.
type Options func(*options)

// WithHTTPClient replaces the HTTP client. Its timeout is left untouched.
func WithHTTPClient(c *http.Client) Options {
	return func(o *options) {
		o.httpClient = c
	}
}

// WithLogger overrides the logger of the Client.
func WithLogger(l *slog.Logger) Options {
	return func(o *options) {
		o.logger = l
	}
}

// New returns a Client for cfg, filling unset paging values with their defaults.
func New(cfg Config, args ...Options) (*Client, error) {
	if cfg.BaseURL == "" {
		return nil, errors.New("upstream base URL is required")
	}
	if _, err := url.Parse(cfg.BaseURL + cfg.Endpoint); err != nil {
		return nil, fmt.Errorf("invalid upstream URL: %v", err)
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = constants.DefaultPageSize
	}
	if cfg.MaxPages <= 0 {
		cfg.MaxPages = constants.DefaultMaxPages
	}
	if cfg.UserAgent == "" {
		cfg.UserAgent = constants.HarvestServiceCmdName + "/" + constants.Version
	}

	opts := options{
		httpClient: &http.Client{Timeout: cfg.Timeout},
		logger:     slog.Default(),
	}
	for _, opt := range args {
		opt(&opts)
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if cfg.RequestsPerSecond > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), 1)
	}

	return &Client{
		cfg:     cfg,
		http:    opts.httpClient,
		limiter: limiter,
		log:     opts.logger,
	}, nil
}

// FetchAll returns every record the upstream holds for u, in page order.
//
// Pagination stops without error on a blank page, an HTML page, an unparsable page, a page without
// an items list, an empty items list, or once MaxPages pages were read. Transport failures are
// returned as errors and discard the records already collected.
func (c *Client) FetchAll(ctx context.Context, u region.Unit) ([]Record, error) {
	log := c.log.With("city", u.City, "district", u.District)

	var records []Record
	for page := 1; page <= c.cfg.MaxPages; page++ {
		body, err := c.fetchPage(ctx, u, page)
		if err != nil {
			return nil, err
		}

		items, stop, malformed := parsePage(body)
		if stop != "" {
			if page == 1 && malformed && c.cfg.StrictFirstPage {
				return nil, fmt.Errorf("%w: %s", ErrMalformedFirstPage, stop)
			}
			if malformed {
				log.Warn("Stopping pagination on unreadable page", "page", page, "reason", stop, "body", excerpt(body))
			} else {
				log.Debug("Pagination finished", "page", page, "reason", stop, "records", len(records))
			}
			return records, nil
		}

		log.Debug("Fetched page", "page", page, "items", len(items))
		records = append(records, items...)
	}

	log.Info("Reached the page limit", "max_pages", c.cfg.MaxPages, "records", len(records))
	return records, nil
}

// pageURL builds the request URL. The service key is inserted as is since it is issued pre-encoded.
func (c *Client) pageURL(u region.Unit, page int) string {
	return fmt.Sprintf("%s%s?serviceKey=%s&pageNo=%d&numOfRows=%d&resultType=json&ctpvNm=%s&signguNm=%s",
		c.cfg.BaseURL, c.cfg.Endpoint, c.cfg.ServiceKey, page, c.cfg.PageSize,
		url.QueryEscape(u.City), url.QueryEscape(u.District))
}

// fetchPage retrieves the raw body of one page.
// A non-2xx status is an error unless the body is an HTML page, which is handed over as a regular body.
func (c *Client) fetchPage(ctx context.Context, u region.Unit, page int) ([]byte, error) {
	if err := c.limiter.Wait(ctx); err != nil {
		return nil, fmt.Errorf("waiting for rate limiter: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.pageURL(u, page), nil)
	if err != nil {
		return nil, fmt.Errorf("building request for page %d: %v", page, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("User-Agent", c.cfg.UserAgent)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting page %d: %w", page, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading page %d: %w", page, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		if isHTML(body) {
			return body, nil
		}
		return nil, fmt.Errorf("%w: page %d answered %s", ErrUnexpectedStatus, page, resp.Status)
	}
	return body, nil
}

const (
	stopEmpty     = "no more items"
	stopHTML      = "html response"
	stopParse     = "invalid json"
	stopNoItems   = "missing items"
	stopItemsType = "items is not a list"
)

// parsePage extracts the object items of a page body.
// stop is set when pagination has to end with this page, which then contributes no item.
// malformed tells whether the body was not a JSON document at all.
func parsePage(body []byte) (items []Record, stop string, malformed bool) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, stopEmpty, false
	}
	if isHTML(trimmed) {
		return nil, stopHTML, true
	}

	var page map[string]any
	dec := json.NewDecoder(bytes.NewReader(trimmed))
	dec.UseNumber()
	if err := dec.Decode(&page); err != nil {
		return nil, stopParse + ": " + err.Error(), true
	}

	raw, ok := page["items"]
	if !ok || raw == nil {
		return nil, stopNoItems, false
	}
	list, ok := raw.([]any)
	if !ok {
		return nil, stopItemsType, false
	}
	if len(list) == 0 {
		return nil, stopEmpty, false
	}

	items = make([]Record, 0, len(list))
	for _, it := range list {
		if rec, ok := it.(map[string]any); ok {
			items = append(items, rec)
		}
	}
	return items, "", false
}

func isHTML(body []byte) bool {
	return bytes.HasPrefix(bytes.TrimSpace(body), []byte("<"))
}

func excerpt(body []byte) string {
	r := []rune(strings.TrimSpace(string(body)))
	if len(r) <= excerptLen {
		return string(r)
	}
	return string(r[:excerptLen]) + "..."
}
