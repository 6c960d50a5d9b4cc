package registry

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertOrJoinWatcher_NoRecord(t *testing.T) {
	r := New()

	rec, outcome := r.InsertOrJoinWatcher("/a", 7)
	require.Equal(t, OutcomeInserted, outcome)
	require.NotNil(t, rec)
	assert.Equal(t, MigrateIn, rec.Direction)
	assert.Equal(t, 1, r.Len())
}

func TestInsertOrJoinWatcher_MigrateOutBusyDenies(t *testing.T) {
	r := New()
	out, outcome := r.InsertOrJoinCommand("/a")
	require.Equal(t, OutcomeInserted, outcome)
	require.NotNil(t, out)

	_, outcome = r.InsertOrJoinWatcher("/a", 1)
	assert.Equal(t, OutcomeDeny, outcome)

	out.Finish(StateDone, nil)
}

func TestInsertOrJoinWatcher_MigrateOutDoneProceeds(t *testing.T) {
	r := New()
	out, outcome := r.InsertOrJoinCommand("/a")
	require.Equal(t, OutcomeInserted, outcome)
	out.Finish(StateDone, nil)

	rec, outcome := r.InsertOrJoinWatcher("/a", 3)
	require.Equal(t, OutcomeInserted, outcome)
	assert.Equal(t, MigrateIn, rec.Direction)
	assert.Equal(t, 1, r.Len())
}

func TestInsertOrJoinWatcher_MigrateInBusyJoinsNoSpawn(t *testing.T) {
	r := New()
	first, outcome := r.InsertOrJoinWatcher("/a", 1)
	require.Equal(t, OutcomeInserted, outcome)

	second, outcome := r.InsertOrJoinWatcher("/a", 2)
	assert.Equal(t, OutcomeJoinNoSpawn, outcome)
	assert.Same(t, first, second)

	first.Finish(StateDone, nil)
}

func TestInsertOrJoinWatcher_JoiningHandlesAccumulate(t *testing.T) {
	r := New()
	first, outcome := r.InsertOrJoinWatcher("/a", 1)
	require.Equal(t, OutcomeInserted, outcome)

	second, outcome := r.InsertOrJoinWatcher("/a", 2)
	require.Equal(t, OutcomeJoinNoSpawn, outcome)
	require.Same(t, first, second)

	third, outcome := r.InsertOrJoinWatcher("/a", 3)
	require.Equal(t, OutcomeJoinNoSpawn, outcome)
	require.Same(t, first, third)

	assert.Equal(t, []int{1, 2, 3}, first.Handles())
	first.Finish(StateDone, nil)
}

func TestInsertOrJoinCommand_OwnsNoHandle(t *testing.T) {
	r := New()
	rec, outcome := r.InsertOrJoinCommand("/a")
	require.Equal(t, OutcomeInserted, outcome)
	assert.Empty(t, rec.Handles())
	rec.Finish(StateDone, nil)
}

func TestInsertOrJoinCommand_NoRecord(t *testing.T) {
	r := New()
	rec, outcome := r.InsertOrJoinCommand("/a")
	require.Equal(t, OutcomeInserted, outcome)
	assert.Equal(t, MigrateOut, rec.Direction)
}

func TestInsertOrJoinCommand_MigrateOutBusyJoinsWait(t *testing.T) {
	r := New()
	first, outcome := r.InsertOrJoinCommand("/a")
	require.Equal(t, OutcomeInserted, outcome)

	done := make(chan struct{})
	go func() {
		defer close(done)
		rec, outcome := r.InsertOrJoinCommand("/a")
		assert.Equal(t, OutcomeJoinWait, outcome)
		state, err := rec.AwaitCompletion()
		assert.Equal(t, StateDone, state)
		assert.NoError(t, err)
	}()

	time.Sleep(10 * time.Millisecond)
	first.Finish(StateDone, nil)
	<-done
}

func TestInsertOrJoinCommand_MigrateOutFinishedNotRemovedIsBusy(t *testing.T) {
	r := New()
	first, outcome := r.InsertOrJoinCommand("/a")
	require.Equal(t, OutcomeInserted, outcome)
	first.Finish(StateDone, nil)

	// Record is still present (not yet cleaned up by its worker).
	rec, outcome := r.InsertOrJoinCommand("/a")
	assert.Equal(t, OutcomeBusy, outcome)
	assert.Nil(t, rec)
}

func TestInsertOrJoinCommand_MigrateInBusyIsBusy(t *testing.T) {
	r := New()
	in, outcome := r.InsertOrJoinWatcher("/a", 1)
	require.Equal(t, OutcomeInserted, outcome)

	rec, outcome := r.InsertOrJoinCommand("/a")
	assert.Equal(t, OutcomeBusy, outcome)
	assert.Nil(t, rec)

	in.Finish(StateDone, nil)
}

func TestAtMostOneRecordPerPath(t *testing.T) {
	r := New()
	var wg sync.WaitGroup
	inserted := 0
	var mu sync.Mutex

	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rec, outcome := r.InsertOrJoinCommand("/race")
			if outcome == OutcomeInserted {
				mu.Lock()
				inserted++
				mu.Unlock()
				time.Sleep(time.Millisecond)
				rec.Finish(StateDone, nil)
				r.Remove("/race")
			}
		}()
	}
	wg.Wait()
	assert.GreaterOrEqual(t, inserted, 1)
	assert.Equal(t, 0, r.Len())
}

func TestAwaitCompletionReturnsFinalError(t *testing.T) {
	r := New()
	rec, outcome := r.InsertOrJoinCommand("/a")
	require.Equal(t, OutcomeInserted, outcome)

	wantErr := errors.New("boom")
	go func() {
		time.Sleep(5 * time.Millisecond)
		rec.Finish(StateFailed, wantErr)
	}()

	state, err := rec.AwaitCompletion()
	assert.Equal(t, StateFailed, state)
	assert.Equal(t, wantErr, err)
}

func TestRemoveOnlyAfterVerdict(t *testing.T) {
	r := New()
	rec, outcome := r.InsertOrJoinWatcher("/a", 9)
	require.Equal(t, OutcomeInserted, outcome)
	assert.Equal(t, 1, r.Len())

	rec.Finish(StateDone, nil)
	// Still present until the worker explicitly removes it.
	assert.Equal(t, 1, r.Len())

	r.Remove("/a")
	assert.Equal(t, 0, r.Len())
}

func TestRemoveIf_SkipsSuccessorRecord(t *testing.T) {
	r := New()
	out, outcome := r.InsertOrJoinCommand("/a")
	require.Equal(t, OutcomeInserted, outcome)
	out.Finish(StateDone, nil)

	// A permission event replaces the finished MigrateOut before its worker
	// reaches cleanup.
	in, outcome := r.InsertOrJoinWatcher("/a", 3)
	require.Equal(t, OutcomeInserted, outcome)

	// The migrate worker's cleanup must not delete the successor.
	r.RemoveIf("/a", out)
	got, ok := r.Lookup("/a")
	require.True(t, ok)
	assert.Same(t, in, got)

	in.Finish(StateDone, nil)
	r.RemoveIf("/a", in)
	assert.Equal(t, 0, r.Len())
}
