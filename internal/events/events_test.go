package events

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemorySinkBoundedTail(t *testing.T) {
	s := NewMemorySink(3)
	for i := 0; i < 5; i++ {
		s.Publish(context.Background(), Event{MissionID: "m1", Type: TypeExecutionLog, Timestamp: time.Now()})
	}
	require.Len(t, s.Tail("m1"), 3)
	require.Empty(t, s.Tail("other"))
}

func TestMemorySinkSubscribe(t *testing.T) {
	s := NewMemorySink(8)
	ch := s.Subscribe()
	s.Publish(context.Background(), Event{MissionID: "m1", Type: TypeNoteGenerated})
	select {
	case ev := <-ch:
		require.Equal(t, TypeNoteGenerated, ev.Type)
	case <-time.After(time.Second):
		t.Fatal("no event received")
	}
	require.NoError(t, s.Close())
	_, open := <-ch
	require.False(t, open)
}
