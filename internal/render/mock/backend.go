// Package mock provides a scripted execution backend. Each Backend carries its
// own Scenario so tests can run several backends with different behavior side
// by side.
package mock

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/kiranshivaraju/renderflow/pkg/models"
)

// Outcome is how a scripted job ends.
type Outcome string

const (
	OutcomeComplete Outcome = "complete"
	OutcomeFail     Outcome = "fail"
	// OutcomeHang sends started and then nothing, leaving the job for the reconciler.
	OutcomeHang Outcome = "hang"
	// OutcomeSilent acknowledges the dispatch and never calls back.
	OutcomeSilent Outcome = "silent"
)

// Scenario scripts the callbacks the backend sends for one dispatched job.
type Scenario struct {
	Outcome       Outcome
	Delay         time.Duration // pause before each callback
	ProgressSteps []int
	Output        json.RawMessage
	SizeBytes     int64
	Error         string
	FailureType   models.FailureType
	// DispatchErr, when set, is returned from Dispatch and no callbacks are sent.
	DispatchErr error
}

// DefaultScenario completes immediately with a small output.
func DefaultScenario() Scenario {
	return Scenario{
		Outcome:       OutcomeComplete,
		ProgressSteps: []int{50},
		Output:        json.RawMessage(`{"url":"mock://output"}`),
		SizeBytes:     1024,
	}
}

// Sink receives callbacks in-process instead of over HTTP.
type Sink interface {
	HandleCallback(ctx context.Context, cb models.Callback) (*models.Job, error)
}

// Backend satisfies models.Backend for tests and local development.
type Backend struct {
	Name_    string
	Scenario Scenario
	// Choose overrides Scenario per request when set.
	Choose func(req models.DispatchRequest) Scenario
	// Sink receives callbacks when set; otherwise they are POSTed to the request's CallbackURL.
	Sink   Sink
	Client *http.Client
	Logger *slog.Logger

	mu       sync.Mutex
	requests []models.DispatchRequest
	wg       sync.WaitGroup
}

// NewBackend returns a Backend running DefaultScenario and posting over HTTP.
func NewBackend(name string) *Backend {
	return &Backend{
		Name_:    name,
		Scenario: DefaultScenario(),
		Client:   &http.Client{Timeout: 5 * time.Second},
	}
}

func (b *Backend) Name() string { return b.Name_ }

// Dispatch records req and plays its scenario in the background.
func (b *Backend) Dispatch(_ context.Context, req models.DispatchRequest) error {
	sc := b.Scenario
	if b.Choose != nil {
		sc = b.Choose(req)
	}
	if sc.DispatchErr != nil {
		return sc.DispatchErr
	}

	b.mu.Lock()
	b.requests = append(b.requests, req)
	b.mu.Unlock()

	b.wg.Add(1)
	go func() {
		defer b.wg.Done()
		b.play(context.Background(), req, sc)
	}()
	return nil
}

// Requests returns every acknowledged dispatch in order.
func (b *Backend) Requests() []models.DispatchRequest {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]models.DispatchRequest, len(b.requests))
	copy(out, b.requests)
	return out
}

// Wait blocks until every scripted callback sequence has finished.
func (b *Backend) Wait() {
	b.wg.Wait()
}

func (b *Backend) play(ctx context.Context, req models.DispatchRequest, sc Scenario) {
	if sc.Outcome == OutcomeSilent {
		return
	}

	steps := []models.Callback{{JobID: req.JobID, Event: models.CallbackStarted}}
	if sc.Outcome != OutcomeHang {
		for _, p := range sc.ProgressSteps {
			pct := p
			steps = append(steps, models.Callback{JobID: req.JobID, Event: models.CallbackProgress, ProgressPercent: &pct})
		}
		switch sc.Outcome {
		case OutcomeFail:
			msg := sc.Error
			ft := string(sc.FailureType)
			steps = append(steps, models.Callback{JobID: req.JobID, Event: models.CallbackFailed, Error: &msg, FailureType: &ft})
		default:
			size := sc.SizeBytes
			steps = append(steps, models.Callback{JobID: req.JobID, Event: models.CallbackCompleted, Output: sc.Output, OutputSizeBytes: &size})
		}
	}

	for _, cb := range steps {
		if sc.Delay > 0 {
			time.Sleep(sc.Delay)
		}
		if err := b.send(ctx, req.CallbackURL, cb); err != nil {
			b.logger().Warn("mock backend callback failed",
				"backend", b.Name_, "job_id", req.JobID, "event", cb.Event, "error", err)
			return
		}
	}
}

func (b *Backend) send(ctx context.Context, url string, cb models.Callback) error {
	if b.Sink != nil {
		_, err := b.Sink.HandleCallback(ctx, cb)
		return err
	}

	body, err := json.Marshal(cb)
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	client := b.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("callback status %d", resp.StatusCode)
	}
	return nil
}

func (b *Backend) logger() *slog.Logger {
	if b.Logger != nil {
		return b.Logger
	}
	return slog.Default()
}

// Compile-time check that Backend implements models.Backend.
var _ models.Backend = (*Backend)(nil)
