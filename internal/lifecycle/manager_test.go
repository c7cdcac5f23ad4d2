package lifecycle

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestShutdownCancelsRegisteredStreams(t *testing.T) {
	m := New(time.Second, nil)

	var cancelled int32
	_, cancel := context.WithCancel(context.Background())
	wrapped := func() {
		atomic.AddInt32(&cancelled, 1)
		cancel()
	}
	unregister := m.Register("req-1", wrapped)
	defer unregister()

	assert.Equal(t, 1, m.ActiveStreamCount())
	m.Shutdown()
	assert.Equal(t, int32(1), atomic.LoadInt32(&cancelled))
}

func TestUnregisterRemovesFromActiveSet(t *testing.T) {
	m := New(time.Second, nil)
	unregister := m.Register("req-2", func() {})
	assert.Equal(t, 1, m.ActiveStreamCount())
	unregister()
	assert.Equal(t, 0, m.ActiveStreamCount())
}

func TestShutdownRunsRegisteredClosers(t *testing.T) {
	m := New(50*time.Millisecond, nil)
	var closed int32
	m.RegisterCloser(func() { atomic.AddInt32(&closed, 1) })
	m.Shutdown()
	assert.Equal(t, int32(1), atomic.LoadInt32(&closed))
}

func TestShutdownWithNoActiveStreamsReturnsQuickly(t *testing.T) {
	m := New(time.Second, nil)
	start := time.Now()
	m.Shutdown()
	assert.Less(t, time.Since(start), 500*time.Millisecond)
}
