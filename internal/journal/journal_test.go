package journal

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ChuLiYu/unitman/pkg/unitapi"
)

func openTemp(t *testing.T) (*Journal, string) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "journal")
	j, err := Open(path, 10, 5*time.Millisecond)
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j, path
}

func TestAppendAndReplayInOrder(t *testing.T) {
	j, _ := openTemp(t)

	require.NoError(t, j.Append(EventJobInstalled, "a.service", 1, unitapi.JobStart, unitapi.ResultNone))
	require.NoError(t, j.Append(EventUnitChanged, "a.service", 0, 0, unitapi.ResultNone))
	require.NoError(t, j.Append(EventJobFinished, "a.service", 1, unitapi.JobStart, unitapi.ResultDone))

	var got []Event
	require.NoError(t, j.Replay(func(e *Event) error {
		got = append(got, *e)
		return nil
	}))

	require.Len(t, got, 3)
	assert.Equal(t, EventJobInstalled, got[0].Type)
	assert.Equal(t, EventUnitChanged, got[1].Type)
	assert.Equal(t, EventJobFinished, got[2].Type)
	assert.Equal(t, unitapi.ResultDone, got[2].Result)
	for i, e := range got {
		assert.Equal(t, uint64(i+1), e.Seq, "sequence numbers must be dense and ordered")
	}
}

func TestSeqRecoveredAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal")

	j, err := Open(path, 10, 5*time.Millisecond)
	require.NoError(t, err)
	require.NoError(t, j.Append(EventJobInstalled, "a.service", 1, unitapi.JobStart, unitapi.ResultNone))
	require.NoError(t, j.Append(EventJobFinished, "a.service", 1, unitapi.JobStart, unitapi.ResultDone))
	require.NoError(t, j.Close())

	j2, err := Open(path, 10, 5*time.Millisecond)
	require.NoError(t, err)
	defer j2.Close()

	assert.Equal(t, uint64(2), j2.LastSeq(), "seq must continue from the on-disk tail")

	require.NoError(t, j2.Append(EventUnitChanged, "a.service", 0, 0, unitapi.ResultNone))
	assert.Equal(t, uint64(3), j2.LastSeq())
}

func TestReplayDetectsTamperedRecord(t *testing.T) {
	j, path := openTemp(t)

	require.NoError(t, j.Append(EventJobInstalled, "a.service", 1, unitapi.JobStart, unitapi.ResultNone))
	require.NoError(t, j.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	tampered := []byte(string(data))
	// Flip the unit name without recomputing the checksum.
	for i := range tampered {
		if tampered[i] == 'a' {
			tampered[i] = 'b'
			break
		}
	}
	require.NoError(t, os.WriteFile(path, tampered, 0o644))

	err = j.Replay(func(e *Event) error { return nil })
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrChecksumMismatch), "got %v", err)
}

func TestRotateStartsFreshLog(t *testing.T) {
	j, path := openTemp(t)

	require.NoError(t, j.Append(EventJobInstalled, "a.service", 1, unitapi.JobStart, unitapi.ResultNone))
	require.NoError(t, j.Rotate())

	assert.Equal(t, uint64(0), j.LastSeq(), "rotation resets the sequence")

	var got []Event
	require.NoError(t, j.Replay(func(e *Event) error {
		got = append(got, *e)
		return nil
	}))
	assert.Empty(t, got, "the fresh log has no events")

	// The pre-rotation events survive in the renamed backup.
	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	backups := 0
	for _, e := range entries {
		if e.Name() != filepath.Base(path) {
			backups++
		}
	}
	assert.Equal(t, 1, backups)

	// The rotated journal keeps accepting appends.
	require.NoError(t, j.Append(EventJobFinished, "a.service", 1, unitapi.JobStart, unitapi.ResultDone))
	assert.Equal(t, uint64(1), j.LastSeq())
}

func TestAppendAfterCloseFails(t *testing.T) {
	j, _ := openTemp(t)
	require.NoError(t, j.Close())

	err := j.Append(EventJobInstalled, "a.service", 1, unitapi.JobStart, unitapi.ResultNone)
	assert.ErrorIs(t, err, ErrClosed)
}

func TestBatchingFlushesManyAppends(t *testing.T) {
	j, _ := openTemp(t)

	// More appends than one batch holds; every one must land.
	for i := 0; i < 35; i++ {
		require.NoError(t, j.Append(EventUnitChanged, "a.service", 0, 0, unitapi.ResultNone))
	}

	count := 0
	require.NoError(t, j.Replay(func(e *Event) error {
		count++
		return nil
	}))
	assert.Equal(t, 35, count)
}

func TestHandlerErrorAbortsReplay(t *testing.T) {
	j, _ := openTemp(t)

	require.NoError(t, j.Append(EventJobInstalled, "a.service", 1, unitapi.JobStart, unitapi.ResultNone))
	require.NoError(t, j.Append(EventJobFinished, "a.service", 1, unitapi.JobStart, unitapi.ResultDone))

	boom := errors.New("boom")
	seen := 0
	err := j.Replay(func(e *Event) error {
		seen++
		return boom
	})
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, seen)
}
