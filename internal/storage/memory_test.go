package storage

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/you/provisiond/internal/backoff"
	"github.com/you/provisiond/internal/domain"
)

func newTestStore() *Memory {
	return NewMemory(backoff.Default(), 10)
}

func enqueue(t *testing.T, s *Memory, jobType domain.JobType, corr string) *domain.Job {
	t.Helper()
	j := &domain.Job{Type: jobType, Payload: domain.Payload{"k": "v"}, CorrelationID: corr}
	require.NoError(t, s.EnqueueJob(context.Background(), j))
	return j
}

func TestEnqueueDefaults(t *testing.T) {
	s := newTestStore()
	j := enqueue(t, s, domain.EmailSend, "corr_1")

	assert.NotEmpty(t, j.ID)
	assert.Equal(t, domain.Queued, j.Status)
	assert.Equal(t, 0, j.Attempts)
	assert.Equal(t, 10, j.MaxAttempts)
	assert.False(t, j.RunAt.IsZero())
}

func TestClaimBatchOrderAndEligibility(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	now := time.Now().UTC()

	late := &domain.Job{Type: domain.EmailSend, CorrelationID: "c", RunAt: now.Add(-time.Minute)}
	early := &domain.Job{Type: domain.EmailSend, CorrelationID: "c", RunAt: now.Add(-time.Hour)}
	future := &domain.Job{Type: domain.EmailSend, CorrelationID: "c", RunAt: now.Add(time.Hour)}
	require.NoError(t, s.EnqueueJob(ctx, late))
	require.NoError(t, s.EnqueueJob(ctx, early))
	require.NoError(t, s.EnqueueJob(ctx, future))

	claimed, err := s.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	require.Len(t, claimed, 2, "future job must not be claimable")
	assert.Equal(t, early.ID, claimed[0].ID, "run_at ascending")
	assert.Equal(t, late.ID, claimed[1].ID)
	for _, j := range claimed {
		assert.Equal(t, domain.Processing, j.Status)
		assert.NotNil(t, j.ClaimedAt)
	}

	// Already-processing jobs are invisible to a second claim.
	again, err := s.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, again)
}

func TestClaimBatchRespectsLimit(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		enqueue(t, s, domain.EmailSend, "c")
	}

	claimed, err := s.ClaimBatch(ctx, 3)
	require.NoError(t, err)
	assert.Len(t, claimed, 3)
}

func TestConcurrentClaimsNeverOverlap(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		enqueue(t, s, domain.EmailSend, "c")
	}

	const claimers = 4
	var wg sync.WaitGroup
	results := make([][]*domain.Job, claimers)
	for i := 0; i < claimers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			jobs, err := s.ClaimBatch(ctx, 25)
			assert.NoError(t, err)
			results[i] = jobs
		}(i)
	}
	wg.Wait()

	seen := map[string]int{}
	total := 0
	for _, jobs := range results {
		for _, j := range jobs {
			seen[j.ID]++
			total++
		}
	}
	assert.Equal(t, 10, total, "every due job claimed exactly once")
	for id, n := range seen {
		assert.Equal(t, 1, n, "job %s claimed by more than one batch", id)
	}
}

func TestFailJobRetryMonotonicity(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	base := time.Now().UTC()
	now := base
	s.SetClock(func() time.Time { return now })

	j := enqueue(t, s, domain.EmailSend, "c")

	for attempt := 1; attempt <= 3; attempt++ {
		claimed, err := s.ClaimBatch(ctx, 1)
		require.NoError(t, err)
		require.Len(t, claimed, 1)

		require.NoError(t, s.FailJob(ctx, j.ID, "boom"))

		got, err := s.GetJob(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, attempt, got.Attempts)
		assert.Equal(t, domain.Queued, got.Status)
		require.NotNil(t, got.LastError)
		assert.Equal(t, "boom", *got.LastError)

		wantDelay := time.Duration(1<<attempt) * time.Minute // 2m, 4m, 8m
		assert.Equal(t, now.Add(wantDelay), got.RunAt)

		now = got.RunAt // advance to eligibility for the next round
	}
}

func TestDeadLetterTerminality(t *testing.T) {
	s := NewMemory(backoff.NewConstant(0), 10)
	ctx := context.Background()

	j := &domain.Job{Type: domain.EmailSend, CorrelationID: "c", MaxAttempts: 3}
	require.NoError(t, s.EnqueueJob(ctx, j))

	var lastErr string
	for i := 1; i <= 3; i++ {
		claimed, err := s.ClaimBatch(ctx, 1)
		require.NoError(t, err)
		require.Len(t, claimed, 1)
		lastErr = "failure " + string(rune('0'+i))
		require.NoError(t, s.FailJob(ctx, j.ID, lastErr))
	}

	got, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Dead, got.Status)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, lastErr, *got.LastError)

	claimed, err := s.ClaimBatch(ctx, 10)
	require.NoError(t, err)
	assert.Empty(t, claimed, "dead jobs must never be claimed again")

	assert.ErrorIs(t, s.FailJob(ctx, j.ID, "late"), ErrNotFound)
	assert.ErrorIs(t, s.CompleteJob(ctx, j.ID), ErrNotFound)
}

func TestCompleteJob(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()
	j := enqueue(t, s, domain.EmailSend, "c")

	_, err := s.ClaimBatch(ctx, 1)
	require.NoError(t, err)
	require.NoError(t, s.CompleteJob(ctx, j.ID))

	got, err := s.GetJob(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Completed, got.Status)

	assert.ErrorIs(t, s.CompleteJob(ctx, "missing"), ErrNotFound)
}

func TestReapStale(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	base := time.Now().UTC()
	now := base
	s.SetClock(func() time.Time { return now })

	stuck := enqueue(t, s, domain.EmailSend, "c")
	fresh := enqueue(t, s, domain.EmailSend, "c")

	claimed, err := s.ClaimBatch(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, stuck.ID, claimed[0].ID)

	now = base.Add(15 * time.Minute)
	claimed, err = s.ClaimBatch(ctx, 1)
	require.NoError(t, err)
	require.Equal(t, fresh.ID, claimed[0].ID)

	reaped, err := s.ReapStale(ctx, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, reaped)

	got, err := s.GetJob(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Queued, got.Status)
	assert.Equal(t, 1, got.Attempts)
	assert.Equal(t, "reclaimed stale processing job", *got.LastError)

	got, err = s.GetJob(ctx, fresh.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.Processing, got.Status, "fresh claim untouched")
}

func TestUpsertLicenseIdempotent(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	first := &domain.License{TenantID: "t1", Plan: "standard", Seats: 5, Active: true}
	require.NoError(t, s.UpsertLicense(ctx, first))
	second := &domain.License{TenantID: "t1", Plan: "premium", Seats: 10, Active: true}
	require.NoError(t, s.UpsertLicense(ctx, second))

	got, err := s.GetLicenseByTenant(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID, "second upsert must update, not duplicate")
	assert.Equal(t, "premium", got.Plan)
	assert.Equal(t, 10, got.Seats)
}

func TestRecordWebhookEventDedupes(t *testing.T) {
	s := newTestStore()
	ctx := context.Background()

	ev := &domain.WebhookEvent{StripeEventID: "evt_1", EventType: "checkout.session.completed"}
	inserted, err := s.RecordWebhookEvent(ctx, ev)
	require.NoError(t, err)
	assert.True(t, inserted)

	dup := &domain.WebhookEvent{StripeEventID: "evt_1", EventType: "checkout.session.completed"}
	inserted, err = s.RecordWebhookEvent(ctx, dup)
	require.NoError(t, err)
	assert.False(t, inserted)

	require.NoError(t, s.MarkWebhookEvent(ctx, "evt_1", "processed"))
	got, err := s.GetWebhookEvent(ctx, "evt_1")
	require.NoError(t, err)
	assert.Equal(t, "processed", got.Status)
}
