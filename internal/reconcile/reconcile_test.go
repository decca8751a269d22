package reconcile_test

import (
	"testing"
	"time"

	"github.com/kiranshivaraju/visionwatch/internal/reconcile"
	"github.com/kiranshivaraju/visionwatch/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func strPtr(s string) *string { return &s }

func pendingJob() models.Job {
	return models.Job{
		ID:        "abc123",
		Status:    models.JobStatusPending,
		Filename:  "cat.png",
		CreatedAt: time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC),
	}
}

// --- Reconcile ---

func TestReconcile_Processing(t *testing.T) {
	prev := pendingJob()

	got, err := reconcile.Reconcile(prev, models.StatusPayload{Status: "PROCESSING"})
	require.NoError(t, err)

	assert.Equal(t, models.JobStatusProcessing, got.Status)
	assert.Equal(t, "abc123", got.ID)
	assert.Equal(t, "cat.png", got.Filename)
	assert.Equal(t, prev.CreatedAt, got.CreatedAt)
	assert.Nil(t, got.Result)
	assert.Nil(t, got.Error)
}

func TestReconcile_StatusIsCaseInsensitive(t *testing.T) {
	got, err := reconcile.Reconcile(pendingJob(), models.StatusPayload{Status: "Processing"})
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusProcessing, got.Status)
}

func TestReconcile_IdentityFieldsComeFromPrevious(t *testing.T) {
	raw := models.StatusPayload{
		ID:        "someone-else",
		Status:    "PENDING",
		Filename:  "renamed.png",
		CreatedAt: time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC),
	}

	got, err := reconcile.Reconcile(pendingJob(), raw)
	require.NoError(t, err)
	assert.Equal(t, "abc123", got.ID)
	assert.Equal(t, "cat.png", got.Filename)
	assert.Equal(t, pendingJob().CreatedAt, got.CreatedAt)
}

func TestReconcile_CreatedAtFallsBackToPayload(t *testing.T) {
	prev := models.Job{ID: "abc123"}
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)

	got, err := reconcile.Reconcile(prev, models.StatusPayload{Status: "PENDING", CreatedAt: created})
	require.NoError(t, err)
	assert.Equal(t, created, got.CreatedAt)
}

func TestReconcile_Completed(t *testing.T) {
	raw := models.StatusPayload{
		Status: "COMPLETED",
		Result: &models.PayloadResult{ProcessedFile: strPtr("out.png")},
	}

	got, err := reconcile.Reconcile(pendingJob(), raw)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusCompleted, got.Status)
	require.NotNil(t, got.Result)
	assert.Equal(t, "out.png", got.Result.ProcessedFile)
	assert.Nil(t, got.Error)
}

func TestReconcile_Failed(t *testing.T) {
	raw := models.StatusPayload{
		Status: "FAILED",
		Result: &models.PayloadResult{Error: strPtr("decoder exploded")},
	}

	got, err := reconcile.Reconcile(pendingJob(), raw)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	require.NotNil(t, got.Error)
	assert.Equal(t, "decoder exploded", *got.Error)
	assert.Nil(t, got.Result)
}

func TestReconcile_ClearsStaleResultOnNonTerminalStatus(t *testing.T) {
	prev := pendingJob()
	prev.Status = models.JobStatusCompleted
	prev.Result = &models.Result{ProcessedFile: "old.png"}

	got, err := reconcile.Reconcile(prev, models.StatusPayload{
		Status: "PROCESSING",
		Result: &models.PayloadResult{ProcessedFile: strPtr("ignored.png")},
	})
	require.NoError(t, err)
	assert.Nil(t, got.Result)
}

func TestReconcile_Malformed(t *testing.T) {
	tests := []struct {
		name string
		raw  models.StatusPayload
	}{
		{"unknown status", models.StatusPayload{Status: "EXPLODED"}},
		{"empty status", models.StatusPayload{Status: ""}},
		{"completed without result", models.StatusPayload{Status: "COMPLETED"}},
		{"completed with empty result", models.StatusPayload{Status: "COMPLETED", Result: &models.PayloadResult{}}},
		{"completed with only error", models.StatusPayload{Status: "COMPLETED", Result: &models.PayloadResult{Error: strPtr("x")}}},
		{"failed without result", models.StatusPayload{Status: "FAILED"}},
		{"failed with empty error", models.StatusPayload{Status: "FAILED", Result: &models.PayloadResult{Error: strPtr("")}}},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			prev := pendingJob()
			got, err := reconcile.Reconcile(prev, tc.raw)
			require.ErrorIs(t, err, reconcile.ErrMalformedPayload)
			assert.Equal(t, prev, got, "previous snapshot must be returned unchanged")
		})
	}
}

func TestReconcile_IsPure(t *testing.T) {
	prev := pendingJob()
	raw := models.StatusPayload{
		Status: "COMPLETED",
		Result: &models.PayloadResult{ProcessedFile: strPtr("out.png")},
	}
	prevCopy := prev
	rawFile := *raw.Result.ProcessedFile

	first, err1 := reconcile.Reconcile(prev, raw)
	second, err2 := reconcile.Reconcile(prev, raw)

	require.NoError(t, err1)
	require.NoError(t, err2)
	assert.Equal(t, first, second)
	assert.Equal(t, prevCopy, prev)
	assert.Equal(t, rawFile, *raw.Result.ProcessedFile)

	first.Result.ProcessedFile = "mutated.png"
	assert.Equal(t, "out.png", second.Result.ProcessedFile, "results must not share memory")
}

// --- Initial ---

func TestInitial(t *testing.T) {
	created := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	got, err := reconcile.Initial(models.StatusPayload{
		ID:        "abc123",
		Status:    "PENDING",
		Filename:  "1b2c.png",
		CreatedAt: created,
	})
	require.NoError(t, err)
	assert.Equal(t, models.Job{
		ID:        "abc123",
		Status:    models.JobStatusPending,
		Filename:  "1b2c.png",
		CreatedAt: created,
	}, got)
}

func TestInitial_MissingID(t *testing.T) {
	_, err := reconcile.Initial(models.StatusPayload{Status: "PENDING"})
	assert.ErrorIs(t, err, reconcile.ErrMalformedPayload)
}

// --- PhaseOf ---

func TestPhaseOf(t *testing.T) {
	tests := []struct {
		status   models.JobStatus
		phase    models.Phase
		terminal bool
	}{
		{models.JobStatusNone, models.PhaseUploading, false},
		{models.JobStatusPending, models.PhaseQueued, false},
		{models.JobStatusProcessing, models.PhaseRunning, false},
		{models.JobStatusCompleted, models.PhaseDone, true},
		{models.JobStatusFailed, models.PhaseErrored, true},
	}

	for _, tc := range tests {
		t.Run(tc.status.String(), func(t *testing.T) {
			phase := reconcile.PhaseOf(tc.status)
			assert.Equal(t, tc.phase, phase)
			assert.Equal(t, tc.terminal, phase.Terminal())
			assert.Equal(t, tc.terminal, tc.status.Terminal())
		})
	}
}

func TestPhaseOf_UnknownStatusPanics(t *testing.T) {
	assert.Panics(t, func() { reconcile.PhaseOf(models.JobStatus(42)) })
}
