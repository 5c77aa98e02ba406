package analysis

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/swimr-hq/swimr/internal/common"
)

// AnalysisError carries the human-readable failure from the analyze-cv service.
type AnalysisError struct {
	StatusCode int
	Message    string
}

func (e *AnalysisError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("analysis failed (%d): %s", e.StatusCode, e.Message)
	}
	return "analysis failed: " + e.Message
}

// Score is the nested scoring block of an analysis result.
type Score struct {
	Overall        float64 `json:"overall"`
	Recommendation string  `json:"recommendation"`
}

// Result is the structured scoring document returned by the remote service.
// Beyond the fields the run coordinator reads, the payload is opaque and
// carried through verbatim in Raw.
type Result struct {
	CandidateName string `json:"candidate_name"`
	Summary       string `json:"summary"`
	Score         *Score `json:"score"`

	Raw json.RawMessage `json:"-"`
}

// Client calls the remote analyze-cv service.
type Client interface {
	Analyze(ctx context.Context, cvText string, jobContext *string) (*Result, error)
}

// HTTPClient posts CV text plus optional job context to the analysis endpoint.
type HTTPClient struct {
	log      *slog.Logger
	endpoint string
	apiKey   string
	attempts int
	hc       *http.Client
}

var _ Client = (*HTTPClient)(nil)

// NewHTTPClient creates a client for the given endpoint. attempts bounds
// transport-level retries for transient failures (connection errors, 5xx);
// application-level failures are never retried.
func NewHTTPClient(logger *slog.Logger, endpoint, apiKey string, timeout time.Duration, attempts int) *HTTPClient {
	if attempts <= 0 {
		attempts = common.DefaultRetryAttempts
	}
	return &HTTPClient{
		log:      logger,
		endpoint: endpoint,
		apiKey:   apiKey,
		attempts: attempts,
		hc:       &http.Client{Timeout: timeout},
	}
}

type analyzeRequest struct {
	CVText     string  `json:"cv_text"`
	JobContext *string `json:"job_context,omitempty"`
}

// errTransient wraps failures worth another attempt.
type errTransient struct{ err error }

func (e *errTransient) Error() string { return e.err.Error() }
func (e *errTransient) Unwrap() error { return e.err }

func (c *HTTPClient) Analyze(ctx context.Context, cvText string, jobContext *string) (*Result, error) {
	body, err := json.Marshal(analyzeRequest{CVText: cvText, JobContext: jobContext})
	if err != nil {
		return nil, fmt.Errorf("marshal analyze request: %w", err)
	}

	var result *Result
	err = retry.Do(
		func() error {
			res, callErr := c.call(ctx, body)
			if callErr != nil {
				return callErr
			}
			result = res
			return nil
		},
		retry.Context(ctx),
		retry.Attempts(uint(c.attempts)),
		retry.Delay(time.Second),
		retry.LastErrorOnly(true),
		retry.RetryIf(func(err error) bool {
			var t *errTransient
			return errors.As(err, &t)
		}),
	)
	if err != nil {
		// Preserve cancellation identity for supersession checks.
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		var t *errTransient
		if errors.As(err, &t) {
			return nil, &AnalysisError{Message: t.err.Error()}
		}
		return nil, err
	}
	return result, nil
}

func (c *HTTPClient) call(ctx context.Context, body []byte) (*Result, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build analyze request: %w", err)
	}
	req.Header.Set("Content-Type", common.ContentTypeJSON)
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.hc.Do(req)
	if err != nil {
		var netErr net.Error
		if errors.As(err, &netErr) || errors.Is(err, io.EOF) {
			return nil, &errTransient{err: err}
		}
		return nil, err
	}
	defer func() { _ = resp.Body.Close() }()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &errTransient{err: fmt.Errorf("read analyze response: %w", err)}
	}

	if resp.StatusCode >= 500 {
		c.log.Warn("analysis service error", "status", resp.StatusCode)
		return nil, &errTransient{err: fmt.Errorf("analysis service returned %d", resp.StatusCode)}
	}
	if resp.StatusCode != http.StatusOK {
		return nil, &AnalysisError{StatusCode: resp.StatusCode, Message: errorMessage(payload)}
	}

	// A 200 can still carry an application-level error field.
	if msg := errorMessage(payload); msg != "" {
		return nil, &AnalysisError{Message: msg}
	}

	var res Result
	if err := json.Unmarshal(payload, &res); err != nil {
		return nil, &AnalysisError{Message: fmt.Sprintf("malformed analysis response: %v", err)}
	}
	res.Raw = json.RawMessage(payload)
	return &res, nil
}

func errorMessage(payload []byte) string {
	var body struct {
		Error string `json:"error"`
	}
	if err := json.Unmarshal(payload, &body); err != nil {
		return "unexpected response from analysis service"
	}
	return body.Error
}
