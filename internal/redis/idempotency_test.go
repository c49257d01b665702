package redis

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"go.uber.org/zap"
)

func newTestService(t *testing.T) *IdempotencyService {
	t.Helper()
	mr := miniredis.RunT(t)
	client := NewFromAddr(mr.Addr(), zap.NewNop())
	t.Cleanup(func() { client.Close() })
	return NewIdempotencyService(client, zap.NewNop())
}

func TestCheck_MissingKeyReturnsNil(t *testing.T) {
	svc := newTestService(t)

	result, err := svc.Check(context.Background(), "proj-1", "key-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Errorf("expected nil for missing key, got %+v", result)
	}
}

func TestStoreAndCheck_RoundTrip(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	stored := &IdempotencyResult{
		EmailID:    "email-1",
		TaskID:     "task-1",
		StatusCode: 201,
	}
	if err := svc.Store(ctx, "proj-1", "key-1", stored); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	result, err := svc.Check(ctx, "proj-1", "key-1")
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if result == nil {
		t.Fatal("expected cached result")
	}
	if result.EmailID != "email-1" || result.TaskID != "task-1" || result.StatusCode != 201 {
		t.Errorf("unexpected result: %+v", result)
	}
	if result.CreatedAt == 0 {
		t.Error("expected created_at to be stamped on store")
	}
}

func TestCheck_KeysAreScopedByProject(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if err := svc.Store(ctx, "proj-1", "key-1", &IdempotencyResult{EmailID: "email-1"}); err != nil {
		t.Fatalf("store failed: %v", err)
	}

	result, err := svc.Check(ctx, "proj-2", "key-1")
	if err != nil {
		t.Fatalf("check failed: %v", err)
	}
	if result != nil {
		t.Errorf("expected no cross-project hit, got %+v", result)
	}
}

func TestReserve_SecondCallLoses(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	reserved, err := svc.Reserve(ctx, "proj-1", "key-1")
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if !reserved {
		t.Fatal("expected first reserve to win")
	}

	reserved, err = svc.Reserve(ctx, "proj-1", "key-1")
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if reserved {
		t.Error("expected second reserve to lose")
	}
}

func TestCheck_ProcessingMarkerIsDuplicate(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	if _, err := svc.Reserve(ctx, "proj-1", "key-1"); err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	_, err := svc.Check(ctx, "proj-1", "key-1")
	if !errors.Is(err, ErrDuplicateRequest) {
		t.Errorf("expected ErrDuplicateRequest while processing, got %v", err)
	}
}

func TestCheckOrReserve_Flow(t *testing.T) {
	svc := newTestService(t)
	ctx := context.Background()

	// First caller reserves.
	result, err := svc.CheckOrReserve(ctx, "proj-1", "key-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result != nil {
		t.Fatalf("expected reservation, got cached result %+v", result)
	}

	// Concurrent caller sees the in-flight marker.
	_, err = svc.CheckOrReserve(ctx, "proj-1", "key-1")
	if !errors.Is(err, ErrDuplicateRequest) {
		t.Errorf("expected ErrDuplicateRequest, got %v", err)
	}

	// After the result lands, callers get the replay.
	if err := svc.Store(ctx, "proj-1", "key-1", &IdempotencyResult{EmailID: "email-1", StatusCode: 201}); err != nil {
		t.Fatalf("store failed: %v", err)
	}
	result, err = svc.CheckOrReserve(ctx, "proj-1", "key-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result == nil || result.EmailID != "email-1" {
		t.Errorf("expected cached replay, got %+v", result)
	}
}
