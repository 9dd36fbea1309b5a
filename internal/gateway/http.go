package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"

	pkgerrors "github.com/honeynil/LeadMarketService/pkg/errors"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const maxResponseBody = 1 << 20

// NewHTTPClient returns a client whose outgoing requests carry trace context.
// Deadlines come from the caller's context.
func NewHTTPClient() *http.Client {
	return &http.Client{Transport: otelhttp.NewTransport(http.DefaultTransport)}
}

// doJSON sends body (already encoded when it is []byte) and decodes a 2xx
// response into out. Transport failures and 5xx become ErrGatewayUnavailable
// so callers can retry them; other statuses are permanent.
func doJSON(ctx context.Context, client *http.Client, method, url string, headers map[string]string, body []byte, out any) error {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return fmt.Errorf("failed to build gateway request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	resp, err := client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return err
		}
		slog.Warn("gateway request failed", "method", "doJSON", "url", url, "error", err)
		return fmt.Errorf("%w: %v", pkgerrors.ErrGatewayUnavailable, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return fmt.Errorf("%w: read body: %v", pkgerrors.ErrGatewayUnavailable, err)
	}
	switch {
	case resp.StatusCode >= 500:
		slog.Warn("gateway server error", "method", "doJSON", "url", url, "status", resp.StatusCode)
		return fmt.Errorf("%w: status %d", pkgerrors.ErrGatewayUnavailable, resp.StatusCode)
	case resp.StatusCode >= 300:
		slog.Error("gateway rejected request", "method", "doJSON", "url", url, "status", resp.StatusCode, "body", string(raw))
		return fmt.Errorf("gateway rejected request: status %d", resp.StatusCode)
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("failed to decode gateway response: %w", err)
	}
	return nil
}
