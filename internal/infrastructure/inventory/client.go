// Package inventory queries a pharmacy stock service over HTTP.
package inventory

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/drfirst/go-rxgate/internal/collab"
)

// Client implements collab.StockSource against GET {base}/stock.
type Client struct {
	base   string
	http   *http.Client
	logger *zap.Logger
	tracer trace.Tracer
}

// New creates a stock client.
func New(baseURL string, timeout time.Duration, logger *zap.Logger) (*Client, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if _, err := url.ParseRequestURI(baseURL); err != nil {
		return nil, fmt.Errorf("invalid stock base url: %w", err)
	}
	return &Client{
		base:   strings.TrimRight(baseURL, "/"),
		http:   &http.Client{Timeout: timeout},
		logger: logger,
		tracer: otel.Tracer("inventory-client"),
	}, nil
}

// CheckAvailability asks the stock service for drug at strength.
func (c *Client) CheckAvailability(ctx context.Context, genericName, strength string) (collab.StockResult, error) {
	ctx, span := c.tracer.Start(ctx, "stock_check",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("drug", genericName), attribute.String("strength", strength)))
	defer span.End()

	q := url.Values{"drug": {genericName}}
	if strength != "" {
		q.Set("strength", strength)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+"/stock?"+q.Encode(), nil)
	if err != nil {
		return collab.StockResult{}, fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := c.http.Do(req)
	if err != nil {
		span.RecordError(err)
		return collab.StockResult{}, fmt.Errorf("stock check %s: %w", genericName, err)
	}
	defer resp.Body.Close()

	// The stock service answers 404 for drugs it has never carried.
	if resp.StatusCode == http.StatusNotFound {
		return collab.StockResult{Items: []collab.StockItem{}, Alternatives: []collab.StockAlternative{}}, nil
	}
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return collab.StockResult{}, fmt.Errorf("stock check %s: status %d: %s",
			genericName, resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var out collab.StockResult
	if err := json.NewDecoder(io.LimitReader(resp.Body, 1<<20)).Decode(&out); err != nil {
		span.RecordError(err)
		return collab.StockResult{}, fmt.Errorf("decode stock response for %s: %w", genericName, err)
	}
	// Available is trusted only when an item actually has quantity.
	out.Available = out.Available && len(out.Locations()) > 0
	span.SetAttributes(attribute.Bool("available", out.Available))
	return out, nil
}
