package vision

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kiranshivaraju/visionwatch/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// --- helpers ---

// pngHeader is enough for http.DetectContentType to report image/png.
var pngHeader = []byte("\x89PNG\r\n\x1a\n\x00\x00\x00\rIHDR")

func visionServer(t *testing.T, handler http.HandlerFunc) *httptest.Server {
	t.Helper()
	ts := httptest.NewServer(handler)
	t.Cleanup(ts.Close)
	return ts
}

func newTestClient(baseURL string) *HTTPClient {
	return NewHTTPClient(baseURL, 5*time.Second)
}

func writeTask(w http.ResponseWriter, status int, body map[string]any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}

// --- Submit ---

func TestSubmit_UploadsMultipartImage(t *testing.T) {
	created := "2024-05-01T12:00:00Z"
	ts := visionServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/v1/vision/analyze", r.URL.Path)
		assert.NotEmpty(t, r.Header.Get("X-Request-Id"))

		file, header, err := r.FormFile("file")
		if !assert.NoError(t, err) {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)

		assert.Equal(t, "cat.png", header.Filename)
		assert.Equal(t, "image/png", header.Header.Get("Content-Type"))
		assert.Equal(t, pngHeader, data)

		writeTask(w, http.StatusAccepted, map[string]any{
			"id":         "abc123",
			"status":     "PENDING",
			"filename":   "9f1c.png",
			"result":     nil,
			"created_at": created,
		})
	})

	c := newTestClient(ts.URL)
	job, err := c.Submit(context.Background(), models.Artifact{Name: "/tmp/cat.png", Data: pngHeader})
	require.NoError(t, err)

	assert.Equal(t, "abc123", job.ID)
	assert.Equal(t, models.JobStatusPending, job.Status)
	assert.Equal(t, "9f1c.png", job.Filename)
	assert.Equal(t, time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC), job.CreatedAt.UTC())
}

func TestSubmit_RejectsNonImage(t *testing.T) {
	var hits atomic.Int32
	ts := visionServer(t, func(w http.ResponseWriter, r *http.Request) { hits.Add(1) })

	c := newTestClient(ts.URL)
	_, err := c.Submit(context.Background(), models.Artifact{Name: "notes.txt", Data: []byte("hello world")})
	require.ErrorIs(t, err, ErrSubmission)
	assert.Contains(t, err.Error(), "must be an image")
	assert.Equal(t, int32(0), hits.Load(), "validation must fail before any request")
}

func TestSubmit_RejectsEmptyArtifact(t *testing.T) {
	c := newTestClient("http://127.0.0.1:1")
	_, err := c.Submit(context.Background(), models.Artifact{Name: "empty.png"})
	assert.ErrorIs(t, err, ErrSubmission)
}

func TestSubmit_ServerRejection(t *testing.T) {
	ts := visionServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		w.Write([]byte(`{"detail":"El archivo debe ser una imagen"}`))
	})

	c := newTestClient(ts.URL)
	_, err := c.Submit(context.Background(), models.Artifact{Name: "cat.png", Data: pngHeader})
	require.ErrorIs(t, err, ErrSubmission)
	assert.Contains(t, err.Error(), "status 400")
	assert.Contains(t, err.Error(), "El archivo debe ser una imagen")
}

func TestSubmit_ConnectionRefused(t *testing.T) {
	c := newTestClient("http://127.0.0.1:1")
	_, err := c.Submit(context.Background(), models.Artifact{Name: "cat.png", Data: pngHeader})
	require.ErrorIs(t, err, ErrSubmission)
	assert.ErrorIs(t, err, ErrTransport)
}

func TestSubmit_MissingIDInResponse(t *testing.T) {
	ts := visionServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeTask(w, http.StatusAccepted, map[string]any{"status": "PENDING"})
	})

	c := newTestClient(ts.URL)
	_, err := c.Submit(context.Background(), models.Artifact{Name: "cat.png", Data: pngHeader})
	assert.ErrorIs(t, err, ErrSubmission)
}

// --- FetchStatus ---

func TestFetchStatus_Completed(t *testing.T) {
	ts := visionServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/vision/tasks/abc123", r.URL.Path)
		writeTask(w, http.StatusOK, map[string]any{
			"id":         "abc123",
			"status":     "COMPLETED",
			"filename":   "9f1c.png",
			"result":     map[string]any{"processed_file": "out.png"},
			"created_at": "2024-05-01T12:00:00Z",
		})
	})

	c := newTestClient(ts.URL)
	payload, err := c.FetchStatus(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, "COMPLETED", payload.Status)
	require.NotNil(t, payload.Result)
	require.NotNil(t, payload.Result.ProcessedFile)
	assert.Equal(t, "out.png", *payload.Result.ProcessedFile)
	assert.Nil(t, payload.Result.Error)
}

func TestFetchStatus_NotFound(t *testing.T) {
	ts := visionServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte(`{"detail":"Tarea con ID abc123 no encontrada"}`))
	})

	c := newTestClient(ts.URL)
	_, err := c.FetchStatus(context.Background(), "abc123")
	require.ErrorIs(t, err, ErrNotFound)
	assert.NotErrorIs(t, err, ErrTransport)
	assert.Contains(t, err.Error(), "no encontrada")
}

func TestFetchStatus_ServerError(t *testing.T) {
	ts := visionServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
		w.Write([]byte("upstream gone"))
	})

	c := newTestClient(ts.URL)
	_, err := c.FetchStatus(context.Background(), "abc123")
	require.ErrorIs(t, err, ErrTransport)
	assert.Contains(t, err.Error(), "upstream gone")
}

func TestFetchStatus_InvalidIDIsRejected(t *testing.T) {
	ts := visionServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		w.Write([]byte(`{"detail":[{"loc":["path","task_id"],"msg":"value is not a valid uuid"}]}`))
	})

	c := newTestClient(ts.URL)
	_, err := c.FetchStatus(context.Background(), "not-a-uuid")
	require.ErrorIs(t, err, ErrRejected)
	assert.NotErrorIs(t, err, ErrTransport)
	assert.Contains(t, err.Error(), "not a valid uuid")
}

func TestFetchStatus_TransientClientErrors(t *testing.T) {
	for _, code := range []int{http.StatusRequestTimeout, http.StatusConflict, http.StatusTooManyRequests} {
		ts := visionServer(t, func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(code)
		})

		c := newTestClient(ts.URL)
		_, err := c.FetchStatus(context.Background(), "abc123")
		assert.ErrorIs(t, err, ErrTransport, "status %d", code)
		assert.NotErrorIs(t, err, ErrRejected, "status %d", code)
	}
}

func TestFetchStatus_BadJSON(t *testing.T) {
	ts := visionServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("{not json"))
	})

	c := newTestClient(ts.URL)
	_, err := c.FetchStatus(context.Background(), "abc123")
	assert.ErrorIs(t, err, ErrTransport)
}

func TestFetchStatus_Timeout(t *testing.T) {
	ts := visionServer(t, func(w http.ResponseWriter, r *http.Request) {
		time.Sleep(500 * time.Millisecond)
	})

	c := NewHTTPClient(ts.URL, 50*time.Millisecond)
	_, err := c.FetchStatus(context.Background(), "abc123")
	require.ErrorIs(t, err, ErrTransport)
	assert.Contains(t, err.Error(), "timeout")
}

func TestFetchStatus_EscapesJobID(t *testing.T) {
	var rawPath string
	ts := visionServer(t, func(w http.ResponseWriter, r *http.Request) {
		rawPath = r.URL.EscapedPath()
		writeTask(w, http.StatusOK, map[string]any{"id": "a/b", "status": "PENDING"})
	})

	c := newTestClient(ts.URL)
	_, err := c.FetchStatus(context.Background(), "a/b")
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/vision/tasks/a%2Fb", rawPath)
}

func TestFetchStatus_PropagatesRequestID(t *testing.T) {
	var got string
	ts := visionServer(t, func(w http.ResponseWriter, r *http.Request) {
		got = r.Header.Get("X-Request-Id")
		writeTask(w, http.StatusOK, map[string]any{"id": "x", "status": "PENDING"})
	})

	c := newTestClient(ts.URL)
	ctx := ContextWithRequestID(context.Background(), "req-42")
	_, err := c.FetchStatus(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, "req-42", got)
}

func TestFetchStatus_TrailingSlashBaseURL(t *testing.T) {
	var path string
	ts := visionServer(t, func(w http.ResponseWriter, r *http.Request) {
		path = r.URL.Path
		writeTask(w, http.StatusOK, map[string]any{"id": "x", "status": "PENDING"})
	})

	c := newTestClient(ts.URL + "/")
	_, err := c.FetchStatus(context.Background(), "x")
	require.NoError(t, err)
	assert.Equal(t, "/api/v1/vision/tasks/x", path)
}

// --- Rate limiting ---

func TestRateLimit_CancelledContextFailsFast(t *testing.T) {
	ts := visionServer(t, func(w http.ResponseWriter, r *http.Request) {
		writeTask(w, http.StatusOK, map[string]any{"id": "x", "status": "PENDING"})
	})

	c := NewHTTPClient(ts.URL, 5*time.Second, WithRateLimit(0.001, 1))
	_, err := c.FetchStatus(context.Background(), "x")
	require.NoError(t, err, "first request uses the burst token")

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = c.FetchStatus(ctx, "x")
	require.ErrorIs(t, err, ErrTransport)
	assert.Contains(t, err.Error(), "rate limiter")
}

func TestRateLimit_DisabledWithZero(t *testing.T) {
	c := NewHTTPClient("http://example.invalid", time.Second, WithRateLimit(0, 0))
	assert.Nil(t, c.limiter)
}

// --- FetchResult ---

func TestFetchResult(t *testing.T) {
	ts := visionServer(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v1/vision/tasks/abc123/result", r.URL.Path)
		w.Header().Set("Content-Type", "image/png")
		w.Write(pngHeader)
	})

	c := newTestClient(ts.URL)
	data, err := c.FetchResult(context.Background(), "abc123")
	require.NoError(t, err)
	assert.Equal(t, pngHeader, data)
}

func TestFetchResult_NotFound(t *testing.T) {
	ts := visionServer(t, func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	c := newTestClient(ts.URL)
	_, err := c.FetchResult(context.Background(), "abc123")
	assert.ErrorIs(t, err, ErrNotFound)
}

// --- errorDetail ---

func TestErrorDetail(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{"string detail", `{"detail":"bad file"}`, "bad file"},
		{"structured detail", `{"detail":[{"msg":"field required"}]}`, `[{"msg":"field required"}]`},
		{"plain text", "gateway timeout", "gateway timeout"},
		{"empty", "", "unknown error"},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.want, errorDetail(strings.NewReader(tc.body)))
		})
	}
}
