// Package syncutil provides the instrumented mutex types behind the
// per-peer write lock. In debug mode
// (facility "syncutil") lock hold times beyond a threshold are logged, to
// make write-mutex starvation between chat and file sends (see the
// concurrency model) visible without changing the locking semantics.
package syncutil

import (
	"fmt"
	"path/filepath"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/localmesh/node/internal/logger"
)

var l = logger.DefaultLogger.NewFacility("syncutil", "instrumented mutexes")

const threshold = 100 * time.Millisecond

type Mutex interface {
	Lock()
	Unlock()
}

type RWMutex interface {
	Mutex
	RLock()
	RUnlock()
}

func NewMutex() Mutex {
	if l.ShouldDebug() {
		return &loggedMutex{}
	}
	return &sync.Mutex{}
}

func NewRWMutex() RWMutex {
	if l.ShouldDebug() {
		return &loggedRWMutex{}
	}
	return &sync.RWMutex{}
}

type loggedMutex struct {
	sync.Mutex
	start    time.Time
	lockedAt string
}

func (m *loggedMutex) Lock() {
	m.Mutex.Lock()
	m.start = time.Now()
	m.lockedAt = getCaller()
}

func (m *loggedMutex) Unlock() {
	if d := time.Since(m.start); d >= threshold {
		l.Debugf("mutex held for %v, locked at %s, unlocked at %s", d, m.lockedAt, getCaller())
	}
	m.Mutex.Unlock()
}

type loggedRWMutex struct {
	sync.RWMutex
	start    time.Time
	lockedAt string

	logUnlockers uint32
	unlockersMut sync.Mutex
	unlockers    []string
}

func (m *loggedRWMutex) Lock() {
	start := time.Now()
	atomic.StoreUint32(&m.logUnlockers, 1)
	m.RWMutex.Lock()
	atomic.StoreUint32(&m.logUnlockers, 0)

	m.start = time.Now()
	if d := m.start.Sub(start); d > threshold {
		m.unlockersMut.Lock()
		l.Debugf("rwmutex took %v to lock at %s, runlockers while locking: %v", d, getCaller(), m.unlockers)
		m.unlockersMut.Unlock()
	}
	m.unlockers = m.unlockers[:0]
}

func (m *loggedRWMutex) Unlock() {
	if d := time.Since(m.start); d >= threshold {
		l.Debugf("rwmutex held for %v, locked at %s, unlocked at %s", d, m.lockedAt, getCaller())
	}
	m.RWMutex.Unlock()
}

func (m *loggedRWMutex) RUnlock() {
	if atomic.LoadUint32(&m.logUnlockers) == 1 {
		m.unlockersMut.Lock()
		m.unlockers = append(m.unlockers, getCaller())
		m.unlockersMut.Unlock()
	}
	m.RWMutex.RUnlock()
}

func getCaller() string {
	_, file, line, _ := runtime.Caller(2)
	file = filepath.Join(filepath.Base(filepath.Dir(file)), filepath.Base(file))
	return fmt.Sprintf("%s:%d", file, line)
}
