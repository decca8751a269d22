package vision

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net"
	"net/http"
	"net/textproto"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/visionwatch/internal/reconcile"
	"github.com/kiranshivaraju/visionwatch/pkg/models"
	"golang.org/x/time/rate"
)

const (
	apiPrefix       = "/api/v1/vision"
	requestIDHeader = "X-Request-Id"
	maxErrorBody    = 4 << 10
)

// HTTPClient implements Client against the vision service's HTTP API.
type HTTPClient struct {
	baseURL string
	client  *http.Client
	limiter *rate.Limiter
}

// ClientOption configures an HTTPClient.
type ClientOption func(*HTTPClient)

// WithRateLimit caps outbound requests to rps per second. Non-positive values
// disable limiting.
func WithRateLimit(rps float64, burst int) ClientOption {
	return func(c *HTTPClient) {
		if rps <= 0 {
			c.limiter = nil
			return
		}
		if burst <= 0 {
			burst = 1
		}
		c.limiter = rate.NewLimiter(rate.Limit(rps), burst)
	}
}

// WithHTTPClient replaces the underlying http.Client.
func WithHTTPClient(hc *http.Client) ClientOption {
	return func(c *HTTPClient) { c.client = hc }
}

// NewHTTPClient creates a new vision service client.
func NewHTTPClient(baseURL string, timeout time.Duration, opts ...ClientOption) *HTTPClient {
	c := &HTTPClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		client:  &http.Client{Timeout: timeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Submit uploads an image and returns the job the service created for it.
func (c *HTTPClient) Submit(ctx context.Context, artifact models.Artifact) (models.Job, error) {
	contentType, err := validateArtifact(artifact)
	if err != nil {
		return models.Job{}, err
	}

	body, formType, err := multipartBody(artifact, contentType)
	if err != nil {
		return models.Job{}, fmt.Errorf("%w: building upload: %v", ErrSubmission, err)
	}

	req, err := c.newRequest(ctx, http.MethodPost, apiPrefix+"/analyze", body)
	if err != nil {
		return models.Job{}, fmt.Errorf("%w: %v", ErrSubmission, err)
	}
	req.Header.Set("Content-Type", formType)

	resp, err := c.do(req)
	if err != nil {
		return models.Job{}, fmt.Errorf("%w: %w", ErrSubmission, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusAccepted && resp.StatusCode != http.StatusOK {
		return models.Job{}, fmt.Errorf("%w: status %d: %s", ErrSubmission, resp.StatusCode, errorDetail(resp.Body))
	}

	var payload models.StatusPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return models.Job{}, fmt.Errorf("%w: decoding upload response: %v", ErrSubmission, err)
	}

	job, err := reconcile.Initial(payload)
	if err != nil {
		return models.Job{}, fmt.Errorf("%w: %w", ErrSubmission, err)
	}
	return job, nil
}

// FetchStatus returns the raw task document for jobID.
func (c *HTTPClient) FetchStatus(ctx context.Context, jobID string) (models.StatusPayload, error) {
	req, err := c.newRequest(ctx, http.MethodGet, apiPrefix+"/tasks/"+url.PathEscape(jobID), nil)
	if err != nil {
		return models.StatusPayload{}, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	resp, err := c.do(req)
	if err != nil {
		return models.StatusPayload{}, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, jobID); err != nil {
		return models.StatusPayload{}, err
	}

	var payload models.StatusPayload
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return models.StatusPayload{}, fmt.Errorf("%w: decoding status response: %v", ErrTransport, err)
	}
	return payload, nil
}

// FetchResult downloads the processed file of a completed job.
func (c *HTTPClient) FetchResult(ctx context.Context, jobID string) ([]byte, error) {
	req, err := c.newRequest(ctx, http.MethodGet, apiPrefix+"/tasks/"+url.PathEscape(jobID)+"/result", nil)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransport, err)
	}

	resp, err := c.do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := checkStatus(resp, jobID); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading result: %v", ErrTransport, err)
	}
	return data, nil
}

func (c *HTTPClient) newRequest(ctx context.Context, method, path string, body io.Reader) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set(requestIDHeader, requestID(ctx))
	req.Header.Set("Accept", "application/json")
	return req, nil
}

// do waits for the limiter and sends req, mapping failures to ErrTransport.
func (c *HTTPClient) do(req *http.Request) (*http.Response, error) {
	if c.limiter != nil {
		if err := c.limiter.Wait(req.Context()); err != nil {
			return nil, fmt.Errorf("%w: rate limiter: %v", ErrTransport, err)
		}
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return nil, classifyError(err)
	}
	return resp, nil
}

func checkStatus(resp *http.Response, jobID string) error {
	switch {
	case resp.StatusCode == http.StatusOK:
		return nil
	case resp.StatusCode == http.StatusNotFound:
		return fmt.Errorf("%w: %s: %s", ErrNotFound, jobID, errorDetail(resp.Body))
	case permanentClientError(resp.StatusCode):
		return fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, errorDetail(resp.Body))
	default:
		return fmt.Errorf("%w: status %d: %s", ErrTransport, resp.StatusCode, errorDetail(resp.Body))
	}
}

// permanentClientError reports 4xx codes that will not change on retry.
// Timeouts, conflicts and rate limiting stay transient.
func permanentClientError(code int) bool {
	switch code {
	case http.StatusRequestTimeout, http.StatusConflict, http.StatusTooManyRequests:
		return false
	}
	return code >= 400 && code < 500
}

// classifyError wraps transport-level failures in ErrTransport, noting timeouts.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: timeout: %v", ErrTransport, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: timeout: %v", ErrTransport, err)
	}

	return fmt.Errorf("%w: %v", ErrTransport, err)
}

// errorDetail extracts the service's {"detail": "..."} message, falling back
// to the raw body.
func errorDetail(body io.Reader) string {
	raw, _ := io.ReadAll(io.LimitReader(body, maxErrorBody))
	var e struct {
		Detail any `json:"detail"`
	}
	if err := json.Unmarshal(raw, &e); err == nil && e.Detail != nil {
		if s, ok := e.Detail.(string); ok {
			return s
		}
		b, _ := json.Marshal(e.Detail)
		return string(b)
	}
	if msg := strings.TrimSpace(string(raw)); msg != "" {
		return msg
	}
	return "unknown error"
}

// validateArtifact checks the artifact is a non-empty image and returns its
// content type.
func validateArtifact(a models.Artifact) (string, error) {
	if len(a.Data) == 0 {
		return "", fmt.Errorf("%w: artifact %q is empty", ErrSubmission, a.Name)
	}
	contentType := a.ContentType
	if contentType == "" || contentType == "application/octet-stream" {
		contentType = http.DetectContentType(a.Data)
	}
	if !strings.HasPrefix(contentType, "image/") {
		return "", fmt.Errorf("%w: artifact %q must be an image, got %s", ErrSubmission, a.Name, contentType)
	}
	return contentType, nil
}

func multipartBody(a models.Artifact, contentType string) (*bytes.Buffer, string, error) {
	name := filepath.Base(a.Name)
	if name == "." || name == string(filepath.Separator) || name == "" {
		name = "upload"
	}

	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)

	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name="file"; filename=%q`, name))
	h.Set("Content-Type", contentType)
	part, err := w.CreatePart(h)
	if err != nil {
		return nil, "", err
	}
	if _, err := part.Write(a.Data); err != nil {
		return nil, "", err
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return &buf, w.FormDataContentType(), nil
}

type requestIDKey struct{}

// ContextWithRequestID attaches an id that outbound requests will carry.
func ContextWithRequestID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, requestIDKey{}, id)
}

func requestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey{}).(string); ok && id != "" {
		return id
	}
	return uuid.NewString()
}

// Compile-time check that HTTPClient implements Client.
var _ Client = (*HTTPClient)(nil)
