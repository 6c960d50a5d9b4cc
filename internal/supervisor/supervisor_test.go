package supervisor

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type recordingServer struct {
	mu       sync.Mutex
	started  bool
	canceled bool
	err      error
}

func (r *recordingServer) Run(ctx context.Context) error {
	r.mu.Lock()
	r.started = true
	r.mu.Unlock()
	<-ctx.Done()
	r.mu.Lock()
	r.canceled = true
	r.mu.Unlock()
	return r.err
}

func (r *recordingServer) snapshot() (started, canceled bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.started, r.canceled
}

func TestRun_StopCancelsBothServersAndReturns(t *testing.T) {
	sup := New(discardLogger())
	cmd := &recordingServer{}
	watch := &recordingServer{}

	done := make(chan error, 1)
	go func() { done <- sup.Run(context.Background(), cmd, watch) }()

	time.Sleep(20 * time.Millisecond)
	sup.Stop()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not shut down")
	}

	cmdStarted, cmdCanceled := cmd.snapshot()
	watchStarted, watchCanceled := watch.snapshot()
	assert.True(t, cmdStarted)
	assert.True(t, cmdCanceled)
	assert.True(t, watchStarted)
	assert.True(t, watchCanceled)
}

func TestRun_JoinsErrorsFromBothServers(t *testing.T) {
	sup := New(discardLogger())
	cmdErr := errors.New("cmd boom")
	watchErr := errors.New("watch boom")
	cmd := &recordingServer{err: cmdErr}
	watch := &recordingServer{err: watchErr}

	done := make(chan error, 1)
	go func() { done <- sup.Run(context.Background(), cmd, watch) }()

	time.Sleep(20 * time.Millisecond)
	sup.Stop()

	select {
	case err := <-done:
		require.Error(t, err)
		assert.True(t, errors.Is(err, cmdErr))
		assert.True(t, errors.Is(err, watchErr))
	case <-time.After(2 * time.Second):
		t.Fatal("supervisor did not shut down")
	}
}

func TestWaitReturnsImmediatelyIfAlreadyStopped(t *testing.T) {
	sup := New(discardLogger())
	sup.Stop()

	done := make(chan struct{})
	go func() {
		sup.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Wait blocked despite Stop already called")
	}
}

func TestStopIsIdempotentAndConcurrencySafe(t *testing.T) {
	sup := New(discardLogger())
	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			sup.Stop()
		}()
	}
	wg.Wait()
	sup.Wait()
}
