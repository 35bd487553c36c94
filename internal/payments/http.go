package payments

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"orderflow/internal/reliability"

	"github.com/hashicorp/go-cleanhttp"
)

// HTTPGateway talks to a JSON payment API over HTTP.
// Every request carries an Idempotency-Key header taken from the request token.
type HTTPGateway struct {
	baseURL string
	client  *http.Client
	limiter *reliability.RateLimiter
}

// HTTPGatewayOption customizes an HTTPGateway.
type HTTPGatewayOption func(*HTTPGateway)

// WithHTTPClient swaps the pooled client.
func WithHTTPClient(client *http.Client) HTTPGatewayOption {
	return func(g *HTTPGateway) {
		if client != nil {
			g.client = client
		}
	}
}

// WithRateLimiter paces outbound calls.
func WithRateLimiter(limiter *reliability.RateLimiter) HTTPGatewayOption {
	return func(g *HTTPGateway) {
		g.limiter = limiter
	}
}

// NewHTTPGateway constructs a gateway client rooted at baseURL.
func NewHTTPGateway(baseURL string, opts ...HTTPGatewayOption) *HTTPGateway {
	g := &HTTPGateway{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  cleanhttp.DefaultPooledClient(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

func (g *HTTPGateway) Charge(ctx context.Context, req ChargeRequest) (Charge, error) {
	if err := req.Validate(); err != nil {
		return Charge{}, err
	}
	var out Charge
	if err := g.post(ctx, "/v1/charges", req.IdempotencyToken, req, &out); err != nil {
		return Charge{}, err
	}
	return out, nil
}

func (g *HTTPGateway) Refund(ctx context.Context, req RefundRequest) (Refund, error) {
	if req.TransactionID == "" {
		return Refund{}, fmt.Errorf("%w: transaction id is required", ErrInvalidRequest)
	}
	var out Refund
	if err := g.post(ctx, "/v1/refunds", req.IdempotencyToken, req, &out); err != nil {
		return Refund{}, err
	}
	return out, nil
}

func (g *HTTPGateway) post(ctx context.Context, path, idempotencyKey string, body, out any) error {
	if err := g.limiter.Wait(ctx); err != nil {
		return err
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("encode %s request: %w", path, err)
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json")
	if idempotencyKey != "" {
		httpReq.Header.Set("Idempotency-Key", idempotencyKey)
	}

	resp, err := g.client.Do(httpReq)
	if err != nil {
		if ctx.Err() == nil && isTimeout(err) {
			return &GatewayError{Code: CodeTimeout, Message: err.Error()}
		}
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("read %s response: %w", path, err)
	}
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if err := json.Unmarshal(raw, out); err != nil {
			return fmt.Errorf("decode %s response: %w", path, err)
		}
		return nil
	}
	return errorFromResponse(resp.StatusCode, raw)
}

func errorFromResponse(status int, raw []byte) error {
	var body struct {
		Error GatewayError `json:"error"`
	}
	gwErr := &GatewayError{Status: status}
	if err := json.Unmarshal(raw, &body); err == nil {
		gwErr.Message = body.Error.Message
		gwErr.Code = body.Error.Code
	}
	if gwErr.Message == "" {
		gwErr.Message = http.StatusText(status)
	}

	switch {
	case status == http.StatusPaymentRequired:
		gwErr.Code = CodeCardError
	case status == http.StatusTooManyRequests:
		gwErr.Code = CodeRateLimit
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		gwErr.Code = CodeTimeout
	case gwErr.Code == "":
		gwErr.Code = CodeGeneric
	}
	return gwErr
}

func isTimeout(err error) bool {
	var netErr interface{ Timeout() bool }
	return errors.As(err, &netErr) && netErr.Timeout()
}
