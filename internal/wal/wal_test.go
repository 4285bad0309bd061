package wal

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotcommander/mnemo/internal/models"
	"github.com/dotcommander/mnemo/internal/recorder"
)

func testEntry(requestID, text string) Entry {
	content, _ := json.Marshal(map[string]string{"text": text})
	return Entry{
		RequestID:  requestID,
		EnqueuedAt: time.Now().UTC(),
		Draft: recorder.Draft{
			Scope: models.Scope{
				TenantID:  "tenant-a",
				SessionID: "sess-1",
				AgentID:   "agent-1",
				Channel:   models.ChannelPrivate,
			},
			ActorType: models.ActorAgent,
			ActorID:   "agent-1",
			Kind:      models.KindMessage,
			Content:   content,
		},
	}
}

func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "pending.wal"), nil)
	require.NoError(t, err)
	return l
}

func TestAppendAndPendingRoundTrip(t *testing.T) {
	l := openTestLog(t)

	require.NoError(t, l.Append(testEntry("req-1", "first")))
	require.NoError(t, l.Append(testEntry("req-2", "second")))

	pending, err := l.Pending()
	require.NoError(t, err)
	require.Len(t, pending, 2)
	assert.Equal(t, "req-1", pending[0].RequestID)
	assert.Equal(t, "req-2", pending[1].RequestID)
	assert.Equal(t, "tenant-a", pending[0].Draft.Scope.TenantID)
	assert.Equal(t, models.KindMessage, pending[0].Draft.Kind)
}

func TestPendingEmptyWhenFileMissing(t *testing.T) {
	l := openTestLog(t)

	pending, err := l.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestReplayRemovesAppliedEntries(t *testing.T) {
	l := openTestLog(t)
	require.NoError(t, l.Append(testEntry("req-1", "first")))
	require.NoError(t, l.Append(testEntry("req-2", "second")))

	var seen []string
	n, err := l.Replay(func(e Entry) error {
		seen = append(seen, e.RequestID)
		return nil
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.Equal(t, []string{"req-1", "req-2"}, seen)

	pending, err := l.Pending()
	require.NoError(t, err)
	assert.Empty(t, pending)
	_, statErr := os.Stat(l.Path())
	assert.True(t, os.IsNotExist(statErr))
}

func TestReplayStopsAtFailureAndPreservesRest(t *testing.T) {
	l := openTestLog(t)
	require.NoError(t, l.Append(testEntry("req-1", "first")))
	require.NoError(t, l.Append(testEntry("req-2", "second")))
	require.NoError(t, l.Append(testEntry("req-3", "third")))

	boom := errors.New("store still down")
	n, err := l.Replay(func(e Entry) error {
		if e.RequestID == "req-2" {
			return boom
		}
		return nil
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, n)

	pending, pendErr := l.Pending()
	require.NoError(t, pendErr)
	require.Len(t, pending, 2)
	assert.Equal(t, "req-2", pending[0].RequestID)
	assert.Equal(t, "req-3", pending[1].RequestID)
}

func TestReplayLeavesCorruptLogUntouched(t *testing.T) {
	l := openTestLog(t)
	require.NoError(t, l.Append(testEntry("req-1", "first")))

	f, err := os.OpenFile(l.Path(), os.O_WRONLY|os.O_APPEND, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString("{not json\n")
	require.NoError(t, err)
	require.NoError(t, f.Close())

	n, err := l.Replay(func(Entry) error { return nil })
	require.Error(t, err)
	assert.Zero(t, n)
	assert.Contains(t, err.Error(), "corrupt wal entry at line 2")

	// Nothing was consumed or rewritten.
	data, readErr := os.ReadFile(l.Path())
	require.NoError(t, readErr)
	assert.Contains(t, string(data), "req-1")
	assert.Contains(t, string(data), "{not json")
}

func TestOpenRequiresPath(t *testing.T) {
	_, err := Open("", nil)
	require.Error(t, err)
	assert.Equal(t, models.ErrValidation, models.KindOf(err))
}
