package rdmdrv

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestReentrantMutexReentry(t *testing.T) {
	var m reentrantMutex
	m.Lock()
	m.Lock() // same goroutine: must not deadlock
	m.Unlock()
	m.Unlock()
}

func TestReentrantMutexExcludesOtherGoroutine(t *testing.T) {
	var m reentrantMutex
	m.Lock()

	entered := make(chan struct{})
	go func() {
		m.Lock()
		close(entered)
		m.Unlock()
	}()

	select {
	case <-entered:
		t.Fatal("second goroutine entered while lock held")
	case <-time.After(20 * time.Millisecond):
	}

	m.Unlock()
	select {
	case <-entered:
	case <-time.After(time.Second):
		t.Fatal("second goroutine never entered after release")
	}
}

func TestReentrantMutexUnlockByNonOwnerPanics(t *testing.T) {
	var m reentrantMutex
	m.Lock()
	defer m.Unlock()

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		defer func() { assert.NotNil(t, recover()) }()
		m.Unlock()
	}()
	wg.Wait()
}

func TestNotifierMergesAndClears(t *testing.T) {
	n := newNotifier()
	n.notify(noteRxDone)
	n.notify(noteSent) // merges with the undelivered value

	code, err := n.wait(context.Background(), noteSent)
	assert.NoError(t, err)
	assert.NotZero(t, code&noteSent)
	assert.NotZero(t, code&noteRxDone)

	n.notify(noteRxDone)
	n.clear()
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err = n.wait(ctx, noteRxDone)
	assert.ErrorIs(t, err, ErrTimeout)
}
