// Package httpbackend dispatches jobs to an external backend over HTTP.
package httpbackend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/kiranshivaraju/renderflow/internal/config"
	"github.com/kiranshivaraju/renderflow/pkg/models"
)

var (
	// ErrRejected is returned when the backend answers 4xx. It is not retried.
	ErrRejected = errors.New("backend rejected dispatch")
	// ErrUnavailable is returned when every attempt failed with 5xx or a transport error.
	ErrUnavailable = errors.New("backend unavailable")
)

const maxErrorBody = 1024

// Backend implements models.Backend by POSTing the dispatch request as JSON.
type Backend struct {
	name       string
	url        string
	client     *http.Client
	maxRetries int
	// newBackOff is replaced in tests to avoid real sleeps.
	newBackOff func() backoff.BackOff
}

// New creates a Backend posting to <BaseURL>/v1/dispatch.
func New(name string, cfg config.BackendConfig) *Backend {
	return &Backend{
		name:       name,
		url:        strings.TrimRight(cfg.BaseURL, "/") + "/v1/dispatch",
		client:     &http.Client{Timeout: cfg.Timeout},
		maxRetries: cfg.MaxRetries,
		newBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = 200 * time.Millisecond
			b.MaxInterval = 5 * time.Second
			return b
		},
	}
}

func (b *Backend) Name() string { return b.name }

// Dispatch retries 5xx and transport failures up to maxRetries times.
func (b *Backend) Dispatch(ctx context.Context, req models.DispatchRequest) error {
	body, err := json.Marshal(req)
	if err != nil {
		return backoff.Permanent(fmt.Errorf("encode dispatch request: %w", err))
	}

	policy := backoff.WithContext(
		backoff.WithMaxRetries(b.newBackOff(), uint64(max(b.maxRetries, 0))), ctx)

	var lastErr error
	err = backoff.Retry(func() error {
		lastErr = b.post(ctx, body)
		return lastErr
	}, policy)
	if err == nil {
		return nil
	}
	if errors.Is(err, ErrRejected) {
		return err
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return fmt.Errorf("%w: %w", ErrUnavailable, lastErr)
}

func (b *Backend) post(ctx context.Context, body []byte) error {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, b.url, bytes.NewReader(body))
	if err != nil {
		return backoff.Permanent(fmt.Errorf("build dispatch request: %w", err))
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(httpReq)
	if err != nil {
		return fmt.Errorf("post dispatch: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		_, _ = io.Copy(io.Discard, resp.Body)
		return nil
	}

	msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	if resp.StatusCode >= 400 && resp.StatusCode < 500 {
		return backoff.Permanent(fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, strings.TrimSpace(string(msg))))
	}
	return fmt.Errorf("dispatch status %d: %s", resp.StatusCode, strings.TrimSpace(string(msg)))
}

var _ models.Backend = (*Backend)(nil)
