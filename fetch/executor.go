// Package fetch performs the network round trips of the cache.
package fetch

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/krisalay/weather-cache/types"
)

// DefaultParam is the query parameter carrying the cache buster.
const DefaultParam = "_t"

const tracerName = "github.com/krisalay/weather-cache/fetch"

/*
Executor issues cache-busted GET requests and decodes JSON bodies.

Every request carries a distinct buster parameter and headers that disable
HTTP caches along the way, so each call is a genuine round trip. There are
no retries at this layer.
*/
type Executor struct {
	client *http.Client
	param  string
	buster func() string
	tracer trace.Tracer
}

type Option func(*Executor)

// WithClient replaces the default HTTP client (30s timeout).
func WithClient(c *http.Client) Option {
	return func(e *Executor) { e.client = c }
}

// WithBuster replaces the buster value generator (UUIDv7 by default).
func WithBuster(param string, next func() string) Option {
	return func(e *Executor) {
		e.param = param
		e.buster = next
	}
}

// WithTracer replaces the tracer taken from the global provider.
func WithTracer(t trace.Tracer) Option {
	return func(e *Executor) { e.tracer = t }
}

func New(opts ...Option) *Executor {
	e := &Executor{
		client: &http.Client{Timeout: 30 * time.Second},
		param:  DefaultParam,
		buster: uuidBuster,
		tracer: otel.Tracer(tracerName),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// UUIDv7 values are time ordered and monotonic within the process.
func uuidBuster() string {
	id, err := uuid.NewV7()
	if err != nil {
		return uuid.NewString()
	}
	return id.String()
}

// Bust appends the buster parameter to url.
func (e *Executor) Bust(url string) string {
	sep := "?"
	if strings.Contains(url, "?") {
		sep = "&"
	}
	return url + sep + e.param + "=" + e.buster()
}

/*
Fetch retrieves url and decodes the body.

Failures:
- transport errors and unreadable bodies → network
- non-2xx responses → http_status
- bodies that are not JSON → parse
*/
func (e *Executor) Fetch(ctx context.Context, url string) (types.Payload, error) {
	ctx, span := e.tracer.Start(ctx, "fetch",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("url.full", url)),
	)
	defer span.End()

	payload, err := e.do(ctx, url, span)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, string(types.KindOf(err)))
	}
	return payload, err
}

func (e *Executor) do(ctx context.Context, url string, span trace.Span) (types.Payload, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, e.Bust(url), nil)
	if err != nil {
		return types.Payload{}, types.NetworkError(url, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	req.Header.Set("Pragma", "no-cache")
	req.Header.Set("Expires", "0")

	resp, err := e.client.Do(req)
	if err != nil {
		return types.Payload{}, types.NetworkError(url, err)
	}
	defer resp.Body.Close()

	span.SetAttributes(attribute.Int("http.response.status_code", resp.StatusCode))

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		// drain so the connection can be reused
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
		return types.Payload{}, types.HTTPStatusError(url, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return types.Payload{}, types.NetworkError(url, err)
	}

	var value any
	if err := json.Unmarshal(body, &value); err != nil {
		return types.Payload{}, types.ParseError(url, err)
	}

	var compact bytes.Buffer
	if err := json.Compact(&compact, body); err != nil {
		return types.Payload{}, types.ParseError(url, err)
	}

	span.SetAttributes(attribute.Int("weathercache.payload_bytes", compact.Len()))
	return types.Payload{Value: value, Raw: compact.Bytes()}, nil
}
