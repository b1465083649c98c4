package remote

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/comitanigiacomo/caresync/internal/core/domain"
)

const maxErrorBody = 64 << 10

// TokenSource mints the bearer token sent with every upstream request.
type TokenSource interface {
	Token(subject string) (string, error)
}

type ApplierConfig struct {
	BaseURL  string
	DeviceID string

	// RequestsPerSecond throttles replay against the upstream API. Zero
	// disables throttling.
	RequestsPerSecond float64
	Burst             int
}

var _ domain.MutationApplier = (*HTTPApplier)(nil)

// HTTPApplier replays pending changes against the REST API of the server.
type HTTPApplier struct {
	client  *http.Client
	baseURL string
	device  string
	tokens  TokenSource
	limiter *rate.Limiter
}

func NewHTTPApplier(cfg ApplierConfig, tokens TokenSource, client *http.Client) *HTTPApplier {
	if client == nil {
		client = &http.Client{Timeout: 60 * time.Second}
	}

	var limiter *rate.Limiter
	if cfg.RequestsPerSecond > 0 {
		burst := cfg.Burst
		if burst <= 0 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(cfg.RequestsPerSecond), burst)
	}

	return &HTTPApplier{
		client:  client,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		device:  cfg.DeviceID,
		tokens:  tokens,
		limiter: limiter,
	}
}

func (a *HTTPApplier) Apply(ctx context.Context, change *domain.PendingChange) error {
	req, err := a.buildRequest(ctx, change)
	if err != nil {
		return err
	}

	if a.limiter != nil {
		if err := a.limiter.Wait(ctx); err != nil {
			return &domain.SyncNetworkError{Entity: change.Entity, Message: "request throttled", Err: err}
		}
	}

	resp, err := a.client.Do(req)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return err
		}
		return &domain.SyncNetworkError{Entity: change.Entity, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	return &domain.SyncNetworkError{
		Entity:     change.Entity,
		StatusCode: resp.StatusCode,
		Message:    errorMessage(resp),
	}
}

func (a *HTTPApplier) buildRequest(ctx context.Context, change *domain.PendingChange) (*http.Request, error) {
	endpoint := a.baseURL + "/" + url.PathEscape(change.Entity)

	var method string
	var body io.Reader
	switch change.Action {
	case domain.ActionCreate:
		method = http.MethodPost
		body = bytes.NewReader(change.Payload)
	case domain.ActionUpdate, domain.ActionDelete:
		id, err := change.TargetID()
		if err != nil {
			return nil, &domain.SyncNetworkError{Entity: change.Entity, Message: err.Error(), Err: err}
		}
		endpoint += "/" + url.PathEscape(id)
		if change.Action == domain.ActionUpdate {
			method = http.MethodPut
			body = bytes.NewReader(change.Payload)
		} else {
			method = http.MethodDelete
		}
	default:
		return nil, &domain.SyncNetworkError{Entity: change.Entity, Message: fmt.Sprintf("unknown action %q", change.Action)}
	}

	req, err := http.NewRequestWithContext(ctx, method, endpoint, body)
	if err != nil {
		return nil, &domain.SyncNetworkError{Entity: change.Entity, Err: err}
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Idempotency-Key", change.ID)

	if a.tokens != nil {
		token, err := a.tokens.Token(a.device)
		if err != nil {
			return nil, &domain.SyncNetworkError{Entity: change.Entity, Message: "cannot sign device token", Err: err}
		}
		req.Header.Set("Authorization", "Bearer "+token)
	}

	return req, nil
}

// errorMessage reads the "error" or "message" field of a JSON error body,
// falling back to the status text.
func errorMessage(resp *http.Response) string {
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if err == nil && len(data) > 0 {
		var body struct {
			Error   string `json:"error"`
			Message string `json:"message"`
		}
		if json.Unmarshal(data, &body) == nil {
			if body.Error != "" {
				return body.Error
			}
			if body.Message != "" {
				return body.Message
			}
		}
	}
	return http.StatusText(resp.StatusCode)
}
