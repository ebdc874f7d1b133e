package classifier

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/haukened/linkguard/internal/guard/domain"
)

// Error message constants for consistent error handling
const (
	errEndpointRequired = "classifier endpoint is required"
	errEncodeFailed     = "encode request failed"
	errBuildRequest     = "build request failed"
	errRequestFailed    = "request failed"
	errStatus           = "unexpected status %d"
	errDecodeFailed     = "malformed response body"
	errInvalidResponse  = "invalid response"
	errCallerDone       = "caller gave up"
)

// DefaultTimeout is the HTTP client timeout, an outer bound above the call-site timeout.
const DefaultTimeout = 30 * time.Second

// maxBodyBytes caps how much of a response body is read.
const maxBodyBytes = 1 << 20

// Options configures a Client.
type Options struct {
	Endpoint string
	Timeout  time.Duration
	// options to inject for testing purposes
	HTTPClient *http.Client
}

// Client calls the remote phishing classifier.
type Client struct {
	endpoint string
	timeout  time.Duration
	http     *http.Client
	validate *validator.Validate
}

type predictRequest struct {
	URL string `json:"url"`
}

type predictResponse struct {
	Confidence *float64 `json:"confidence" validate:"required,gte=0,lte=1"`
	IsPhishing *bool    `json:"is_phishing" validate:"required"`
	Message    string   `json:"message"`
}

// New returns a classifier client. Timeout defaults to DefaultTimeout.
func New(opts Options) (*Client, error) {
	if opts.Endpoint == "" {
		return nil, errors.New(errEndpointRequired)
	}
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.HTTPClient == nil {
		opts.HTTPClient = &http.Client{Timeout: opts.Timeout}
	}
	return &Client{
		endpoint: opts.Endpoint,
		timeout:  opts.Timeout,
		http:     opts.HTTPClient,
		validate: validator.New(validator.WithRequiredStructEnabled()),
	}, nil
}

// ensureContextDeadline adds the client timeout when ctx carries no deadline.
func (c *Client) ensureContextDeadline(ctx context.Context) (context.Context, context.CancelFunc) {
	if _, ok := ctx.Deadline(); !ok {
		return context.WithTimeout(ctx, c.timeout)
	}
	return ctx, nil
}

// Classify posts url to the classifier. Every error is a *domain.ClassificationError.
func (c *Client) Classify(ctx context.Context, url string) (domain.Classification, error) {
	ctx, cancel := c.ensureContextDeadline(ctx)
	if cancel != nil {
		defer cancel()
	}

	body, err := json.Marshal(predictRequest{URL: url})
	if err != nil {
		return domain.Classification{}, domain.NewClassificationError(domain.ErrorUnknown, errEncodeFailed, err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return domain.Classification{}, domain.NewClassificationError(domain.ErrorUnknown, errBuildRequest, err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return domain.Classification{}, transportError(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
		return domain.Classification{}, domain.NewClassificationError(domain.ErrorServer, fmt.Sprintf(errStatus, resp.StatusCode), nil)
	}

	var pr predictResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxBodyBytes)).Decode(&pr); err != nil {
		if ctx.Err() != nil {
			return domain.Classification{}, transportError(ctx, err)
		}
		return domain.Classification{}, domain.NewClassificationError(domain.ErrorServer, errDecodeFailed, err)
	}
	if err := c.validate.Struct(&pr); err != nil {
		return domain.Classification{}, domain.NewClassificationError(domain.ErrorServer, errInvalidResponse, err)
	}

	return domain.Classification{
		IsPhishing: *pr.IsPhishing,
		Confidence: *pr.Confidence,
		Message:    pr.Message,
	}, nil
}

// transportError maps a failed round trip onto an error kind. The context wins
// over the transport error because it says why the request was torn down.
func transportError(ctx context.Context, err error) error {
	if cerr := ctx.Err(); cerr != nil {
		return domain.NewClassificationError(domain.KindOf(cerr), errCallerDone, err)
	}
	kind := domain.KindOf(err)
	if kind == domain.ErrorUnknown {
		kind = domain.ErrorNetwork
	}
	return domain.NewClassificationError(kind, errRequestFailed, err)
}
