package rdmdrv

import (
	"bytes"
	"runtime"
	"strconv"
	"sync"
)

// reentrantMutex serialises application-level operations on a port while
// letting a dispatch handler re-enter send on the goroutine that already
// holds the lock. Ownership is tracked by goroutine ID; a second
// goroutine blocks normally.
type reentrantMutex struct {
	inner sync.Mutex

	state sync.Mutex
	owner uint64
	depth int
}

func (m *reentrantMutex) Lock() {
	id := goid()
	m.state.Lock()
	if m.owner == id {
		m.depth++
		m.state.Unlock()
		return
	}
	m.state.Unlock()

	m.inner.Lock()
	m.state.Lock()
	m.owner = id
	m.depth = 1
	m.state.Unlock()
}

func (m *reentrantMutex) Unlock() {
	id := goid()
	m.state.Lock()
	if m.owner != id || m.depth == 0 {
		m.state.Unlock()
		panic("rdmdrv: unlock of reentrant mutex by non-owner")
	}
	m.depth--
	release := m.depth == 0
	if release {
		m.owner = 0
	}
	m.state.Unlock()
	if release {
		m.inner.Unlock()
	}
}

// goid parses the current goroutine's ID out of the runtime stack header
// ("goroutine N [running]:"). Ugly, but the only portable identity the
// runtime exposes, and it is off every hot path: the lock takes it once
// per operation, not per byte.
func goid() uint64 {
	var buf [32]byte
	n := runtime.Stack(buf[:], false)
	fields := bytes.Fields(buf[:n])
	if len(fields) < 2 {
		return 0
	}
	id, err := strconv.ParseUint(string(fields[1]), 10, 64)
	if err != nil {
		return 0
	}
	return id
}
