package retry_test

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"pkt.systems/pslog"

	"github.com/hmcts/bulk-scan-processor-sub002/internal/storage"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/storage/memory"
	"github.com/hmcts/bulk-scan-processor-sub002/internal/storage/retry"
)

type fakeClock struct {
	sleeps []time.Duration
	now    time.Time
}

func (f *fakeClock) Now() time.Time {
	if f.now.IsZero() {
		f.now = time.Unix(0, 0)
	}
	return f.now
}

func (f *fakeClock) After(d time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	f.sleeps = append(f.sleeps, d)
	ch <- f.Now().Add(d)
	return ch
}

func (f *fakeClock) Sleep(d time.Duration) {
	f.sleeps = append(f.sleeps, d)
	f.now = f.Now().Add(d)
}

// recordingBackend records PutObject bodies on top of the memory store.
type recordingBackend struct {
	*memory.Store
	bodies []string
}

func (r *recordingBackend) PutObject(ctx context.Context, container, key string, body io.Reader, opts storage.PutObjectOptions) (*storage.ObjectInfo, error) {
	data, err := io.ReadAll(body)
	if err != nil {
		return nil, err
	}
	r.bodies = append(r.bodies, string(data))
	return r.Store.PutObject(ctx, container, key, bytes.NewReader(data), opts)
}

func TestWrapReturnsNilOnNilInner(t *testing.T) {
	t.Parallel()

	if retry.Wrap(nil, nil, nil, retry.Config{}) != nil {
		t.Fatal("expected nil backend")
	}
}

func TestGetPropertiesRetriesTransientErrors(t *testing.T) {
	t.Parallel()

	store := memory.New()
	if _, err := store.PutObject(context.Background(), "bulkscan", "a.zip", bytes.NewReader([]byte("x")), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	store.InjectError("GetProperties", storage.NewTransientError(errors.New("flaky")))
	store.InjectError("GetProperties", storage.NewTransientError(errors.New("flaky again")))
	fc := &fakeClock{}
	wrapped := retry.Wrap(store, pslog.NoopLogger(), fc, retry.Config{
		MaxAttempts: 5,
		BaseDelay:   10 * time.Millisecond,
		Multiplier:  3,
		MaxDelay:    20 * time.Millisecond,
	})
	info, err := wrapped.GetProperties(context.Background(), "bulkscan", "a.zip")
	if err != nil {
		t.Fatalf("GetProperties: %v", err)
	}
	if info.Key != "a.zip" {
		t.Fatalf("unexpected info %+v", info)
	}
	if store.Calls("GetProperties") != 3 {
		t.Fatalf("expected 3 attempts, got %d", store.Calls("GetProperties"))
	}
	if len(fc.sleeps) != 2 || fc.sleeps[0] != 10*time.Millisecond || fc.sleeps[1] != 20*time.Millisecond {
		t.Fatalf("unexpected sleeps: %v", fc.sleeps)
	}
}

func TestStopsOnNonTransientError(t *testing.T) {
	t.Parallel()

	store := memory.New()
	fc := &fakeClock{}
	wrapped := retry.Wrap(store, pslog.NoopLogger(), fc, retry.Config{MaxAttempts: 4})
	_, err := wrapped.GetProperties(context.Background(), "bulkscan", "missing.zip")
	if !errors.Is(err, storage.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
	if store.Calls("GetProperties") != 1 {
		t.Fatalf("expected single attempt, got %d", store.Calls("GetProperties"))
	}
	if len(fc.sleeps) != 0 {
		t.Fatalf("expected no sleeps, got %v", fc.sleeps)
	}
}

func TestRespectsContextCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	store := memory.New()
	store.InjectError("ListObjects", storage.NewTransientError(errors.New("flaky")))
	fc := &fakeClock{}
	wrapped := retry.Wrap(store, pslog.NoopLogger(), fc, retry.Config{MaxAttempts: 5})
	if _, err := wrapped.ListObjects(ctx, "bulkscan", storage.ListOptions{}); !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context cancelled error, got %v", err)
	}
	if store.Calls("ListObjects") != 1 || len(fc.sleeps) != 0 {
		t.Fatalf("expected one attempt and no sleep, calls=%d sleeps=%v", store.Calls("ListObjects"), fc.sleeps)
	}
}

func TestPutObjectRetriesReplayableBody(t *testing.T) {
	t.Parallel()

	back := &recordingBackend{Store: memory.New()}
	back.InjectError("PutObject", storage.NewTransientError(errors.New("temporary")))
	wrapped := retry.Wrap(back, pslog.NoopLogger(), &fakeClock{}, retry.Config{MaxAttempts: 3, BaseDelay: 5 * time.Millisecond})

	info, err := wrapped.PutObject(context.Background(), "documents", "e1/doc.pdf", bytes.NewReader([]byte("payload")), storage.PutObjectOptions{})
	if err != nil {
		t.Fatalf("PutObject: %v", err)
	}
	if info == nil || info.ETag == "" {
		t.Fatalf("expected object info, got %#v", info)
	}
	if len(back.bodies) != 2 || back.bodies[0] != "payload" || back.bodies[1] != "payload" {
		t.Fatalf("unexpected put payloads: %#v", back.bodies)
	}
}

func TestPutObjectFailsFastForNonReplayableBody(t *testing.T) {
	t.Parallel()

	back := &recordingBackend{Store: memory.New()}
	back.InjectError("PutObject", storage.NewTransientError(errors.New("temporary")))
	fc := &fakeClock{}
	wrapped := retry.Wrap(back, pslog.NoopLogger(), fc, retry.Config{MaxAttempts: 3, BaseDelay: 5 * time.Millisecond})

	_, err := wrapped.PutObject(context.Background(), "documents", "e1/doc.pdf", bytes.NewBufferString("payload"), storage.PutObjectOptions{})
	if !errors.Is(err, retry.ErrNonReplayableBody) {
		t.Fatalf("expected ErrNonReplayableBody, got %v", err)
	}
	if len(back.bodies) != 1 {
		t.Fatalf("expected single attempt, got %#v", back.bodies)
	}
	if len(fc.sleeps) != 0 {
		t.Fatalf("expected no sleep before fail-fast, got %v", fc.sleeps)
	}
}

func TestAcquireLeaseIsNotRetried(t *testing.T) {
	t.Parallel()

	store := memory.New()
	if _, err := store.PutObject(context.Background(), "bulkscan", "a.zip", bytes.NewReader([]byte("x")), storage.PutObjectOptions{}); err != nil {
		t.Fatalf("seed: %v", err)
	}
	store.InjectError("AcquireLease", storage.NewTransientError(errors.New("timeout")))
	wrapped := retry.Wrap(store, pslog.NoopLogger(), &fakeClock{}, retry.Config{MaxAttempts: 3})
	if _, err := wrapped.AcquireLease(context.Background(), "bulkscan", "a.zip", time.Minute); !storage.IsTransient(err) {
		t.Fatalf("expected transient error passthrough, got %v", err)
	}
	if store.Calls("AcquireLease") != 1 {
		t.Fatalf("expected one attempt, got %d", store.Calls("AcquireLease"))
	}
}
