// Package guru is the client for the Digital Manager Guru commerce API.
package guru

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/Mindburn-Labs/guru-export/pkg/contracts"
	"github.com/Mindburn-Labs/guru-export/pkg/finance"
	"github.com/Mindburn-Labs/guru-export/pkg/util/resiliency"
)

// DefaultBaseURL is the public API root.
const DefaultBaseURL = "https://digitalmanager.guru/api/v2"

// ErrMalformedPayload is returned when a response does not have the
// expected envelope shape. It is fatal for an export run.
var ErrMalformedPayload = errors.New("guru: malformed payload")

// Doer sends one logical request with retries.
type Doer interface {
	Fetch(ctx context.Context, req resiliency.Request) (*resiliency.Response, error)
}

// Client calls the Guru API.
type Client struct {
	baseURL string
	token   string
	doer    Doer
	limiter Limiter
	logger  *slog.Logger
}

// Option configures a Client.
type Option func(*Client)

// WithDoer replaces the HTTP layer.
func WithDoer(d Doer) Option { return func(c *Client) { c.doer = d } }

// WithLimiter paces requests.
func WithLimiter(l Limiter) Option { return func(c *Client) { c.limiter = l } }

// WithLogger sets the client logger.
func WithLogger(l *slog.Logger) Option { return func(c *Client) { c.logger = l } }

// NewClient creates a client for baseURL (DefaultBaseURL when empty)
// authenticated with a bearer token.
func NewClient(baseURL, token string, opts ...Option) *Client {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	c := &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		token:   token,
		logger:  slog.Default().With("component", "guru"),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.doer == nil {
		c.doer = resiliency.NewClient(resiliency.Options{Logger: c.logger})
	}
	return c
}

// TransactionQuery selects one page of transactions.
type TransactionQuery struct {
	Start     time.Time
	End       time.Time
	ProductID string
	Cursor    string
}

// TransactionPage is one page of results. Total is only meaningful when
// TotalKnown is set.
type TransactionPage struct {
	Transactions []contracts.Transaction
	NextCursor   string
	HasMore      bool
	Total        int
	TotalKnown   bool
}

// Product is an upstream catalog product.
type Product struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	MarketID string `json:"marketplace_id,omitempty"`
	IsActive bool   `json:"is_active"`
}

// Offer is a sales offer of a product.
type Offer struct {
	ID        string        `json:"id"`
	ProductID string        `json:"product_id"`
	Name      string        `json:"name"`
	Value     finance.Money `json:"value"`
}

// ListTransactions fetches one page of transactions ordered inside the
// query window.
func (c *Client) ListTransactions(ctx context.Context, q TransactionQuery) (*TransactionPage, error) {
	params := url.Values{}
	if !q.Start.IsZero() {
		params.Set("ordered_at_ini", q.Start.Format("2006-01-02"))
	}
	if !q.End.IsZero() {
		params.Set("ordered_at_end", q.End.Format("2006-01-02"))
	}
	if q.ProductID != "" {
		params.Set("product_id", q.ProductID)
	}
	if q.Cursor != "" {
		params.Set("cursor", q.Cursor)
	}

	env, err := c.get(ctx, "/transactions", params)
	if err != nil {
		return nil, err
	}

	page := &TransactionPage{
		NextCursor: env.NextCursor,
		HasMore:    env.HasMore,
		Total:      env.Total,
		TotalKnown: env.TotalKnown,
	}
	page.Transactions = make([]contracts.Transaction, 0, len(env.Data))
	for i, item := range env.Data {
		tx, err := normalizeTransaction(item)
		if err != nil {
			return nil, fmt.Errorf("%w: transactions[%d]: %v", ErrMalformedPayload, i, err)
		}
		page.Transactions = append(page.Transactions, tx)
	}
	return page, nil
}

// ListProducts returns every product of the account.
func (c *Client) ListProducts(ctx context.Context) ([]Product, error) {
	var out []Product
	err := c.each(ctx, "/products", func(item map[string]any) error {
		p := Product{
			ID:       str(item, "id"),
			Name:     str(item, "name"),
			MarketID: str(item, "marketplace_id"),
			IsActive: boolean(item, "is_active"),
		}
		if p.ID == "" {
			return errors.New("product without id")
		}
		out = append(out, p)
		return nil
	})
	return out, err
}

// ListOffers returns the offers of one product.
func (c *Client) ListOffers(ctx context.Context, productID string) ([]Offer, error) {
	if productID == "" {
		return nil, errors.New("guru: product id required")
	}
	var out []Offer
	err := c.each(ctx, "/products/"+url.PathEscape(productID)+"/offers", func(item map[string]any) error {
		o := Offer{
			ID:        str(item, "id"),
			ProductID: productID,
			Name:      str(item, "name"),
			Value:     money(item, "value", "price"),
		}
		if o.ID == "" {
			return errors.New("offer without id")
		}
		out = append(out, o)
		return nil
	})
	return out, err
}

// each walks every page of a listing endpoint.
func (c *Client) each(ctx context.Context, path string, fn func(map[string]any) error) error {
	params := url.Values{}
	for {
		env, err := c.get(ctx, path, params)
		if err != nil {
			return err
		}
		for i, item := range env.Data {
			if err := fn(item); err != nil {
				return fmt.Errorf("%w: %s[%d]: %v", ErrMalformedPayload, path, i, err)
			}
		}
		if !env.HasMore || env.NextCursor == "" {
			return nil
		}
		params.Set("cursor", env.NextCursor)
	}
}

type envelope struct {
	Data       []map[string]any
	NextCursor string
	HasMore    bool
	Total      int
	TotalKnown bool
}

func (c *Client) get(ctx context.Context, path string, params url.Values) (*envelope, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return nil, fmt.Errorf("guru: rate limiter: %w", err)
		}
	}

	header := http.Header{}
	header.Set("Accept", "application/json")
	if c.token != "" {
		header.Set("Authorization", "Bearer "+c.token)
	}

	start := time.Now()
	resp, err := c.doer.Fetch(ctx, resiliency.Request{
		Method: http.MethodGet,
		URL:    c.baseURL + path,
		Query:  params,
		Header: header,
	})
	if err != nil {
		return nil, fmt.Errorf("guru: GET %s: %w", path, err)
	}
	c.logger.DebugContext(ctx, "guru call",
		"path", path,
		"cursor", params.Get("cursor"),
		"attempts", resp.Attempts,
		"duration", time.Since(start),
	)
	return decodeEnvelope(resp.Body)
}

func decodeEnvelope(body []byte) (*envelope, error) {
	var doc map[string]any
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	rawData, ok := doc["data"]
	if !ok {
		return nil, fmt.Errorf("%w: missing data", ErrMalformedPayload)
	}
	list, ok := rawData.([]any)
	if !ok && rawData != nil {
		return nil, fmt.Errorf("%w: data is %T, want array", ErrMalformedPayload, rawData)
	}

	env := &envelope{Data: make([]map[string]any, 0, len(list))}
	for i, v := range list {
		m, ok := v.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("%w: data[%d] is %T, want object", ErrMalformedPayload, i, v)
		}
		env.Data = append(env.Data, m)
	}

	env.NextCursor = str(doc, "next_cursor")
	env.HasMore = boolean(doc, "has_more_pages")
	if _, ok := lookup(doc, "total_rows"); ok {
		env.Total = integer(doc, "total_rows")
		env.TotalKnown = true
	}
	return env, nil
}

// lookup resolves a dotted path inside nested JSON objects.
func lookup(m map[string]any, path string) (any, bool) {
	cur := any(m)
	for _, part := range strings.Split(path, ".") {
		obj, ok := cur.(map[string]any)
		if !ok {
			return nil, false
		}
		cur, ok = obj[part]
		if !ok || cur == nil {
			return nil, false
		}
	}
	return cur, true
}

// str returns the first non-empty value among paths, rendered as a string.
func str(m map[string]any, paths ...string) string {
	for _, p := range paths {
		v, ok := lookup(m, p)
		if !ok {
			continue
		}
		var s string
		switch t := v.(type) {
		case string:
			s = strings.TrimSpace(t)
		case float64:
			s = strconv.FormatFloat(t, 'f', -1, 64)
		case bool:
			s = strconv.FormatBool(t)
		}
		if s != "" {
			return s
		}
	}
	return ""
}

func integer(m map[string]any, paths ...string) int {
	for _, p := range paths {
		v, ok := lookup(m, p)
		if !ok {
			continue
		}
		switch t := v.(type) {
		case float64:
			return int(t)
		case string:
			if n, err := strconv.Atoi(strings.TrimSpace(t)); err == nil {
				return n
			}
		}
	}
	return 0
}

func boolean(m map[string]any, paths ...string) bool {
	for _, p := range paths {
		v, ok := lookup(m, p)
		if !ok {
			continue
		}
		switch t := v.(type) {
		case bool:
			return t
		case float64:
			return t != 0
		case string:
			b, err := strconv.ParseBool(strings.TrimSpace(t))
			return err == nil && b
		}
	}
	return false
}

func money(m map[string]any, paths ...string) finance.Money {
	for _, p := range paths {
		v, ok := lookup(m, p)
		if !ok {
			continue
		}
		switch t := v.(type) {
		case float64:
			return finance.FromFloat(t, finance.CurrencyBRL)
		case string:
			if amt, err := finance.ParseDecimal(t, finance.CurrencyBRL); err == nil {
				return amt
			}
		}
	}
	return finance.BRL(0)
}
