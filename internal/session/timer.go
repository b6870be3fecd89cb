package session

import (
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Scheduler runs callbacks later and lets the owner cancel them by id.
type Scheduler interface {
	ScheduleAfter(delay time.Duration, fn func()) (string, error)
	ScheduleEvery(interval time.Duration, fn func()) (string, error)
	Cancel(id string) error
}

// timerEntry tracks information about a scheduled timer
type timerEntry struct {
	stop        func()
	scheduledAt time.Time
	description string
}

// SimpleTimer implements Scheduler using Go's standard time package.
type SimpleTimer struct {
	timers map[string]*timerEntry
	mu     sync.RWMutex
	nextID int64
}

// NewSimpleTimer creates a new SimpleTimer.
func NewSimpleTimer() *SimpleTimer {
	slog.Debug("Creating SimpleTimer")
	return &SimpleTimer{
		timers: make(map[string]*timerEntry),
	}
}

func (t *SimpleTimer) newID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nextID++
	return fmt.Sprintf("timer_%d", t.nextID)
}

// ScheduleAfter schedules a function to run once after a delay.
func (t *SimpleTimer) ScheduleAfter(delay time.Duration, fn func()) (string, error) {
	id := t.newID()
	slog.Debug("SimpleTimer ScheduleAfter", "id", id, "delay", delay)

	entry := &timerEntry{
		scheduledAt: time.Now(),
		description: fmt.Sprintf("once after %v", delay),
	}
	t.mu.Lock()
	t.timers[id] = entry
	t.mu.Unlock()

	timer := time.AfterFunc(delay, func() {
		// Removing the entry first lets fn reschedule and makes a late Cancel a no-op
		t.mu.Lock()
		_, live := t.timers[id]
		delete(t.timers, id)
		t.mu.Unlock()
		if !live {
			return
		}
		slog.Debug("SimpleTimer executing scheduled function", "id", id)
		fn()
	})

	t.mu.Lock()
	entry.stop = func() { timer.Stop() }
	t.mu.Unlock()
	return id, nil
}

// ScheduleEvery runs fn every interval until cancelled.
func (t *SimpleTimer) ScheduleEvery(interval time.Duration, fn func()) (string, error) {
	if interval <= 0 {
		return "", fmt.Errorf("interval must be positive, got %v", interval)
	}
	id := t.newID()
	slog.Debug("SimpleTimer ScheduleEvery", "id", id, "interval", interval)

	ticker := time.NewTicker(interval)
	done := make(chan struct{})
	var once sync.Once

	t.mu.Lock()
	t.timers[id] = &timerEntry{
		stop: func() {
			once.Do(func() {
				ticker.Stop()
				close(done)
			})
		},
		scheduledAt: time.Now(),
		description: fmt.Sprintf("every %v", interval),
	}
	t.mu.Unlock()

	go func() {
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				// A cancel may race with a pending tick
				select {
				case <-done:
					return
				default:
				}
				fn()
			}
		}
	}()
	return id, nil
}

// Cancel cancels a scheduled function by ID. Unknown ids are ignored.
func (t *SimpleTimer) Cancel(id string) error {
	if id == "" {
		return nil
	}
	t.mu.Lock()
	entry, exists := t.timers[id]
	var stop func()
	if exists {
		stop = entry.stop
	}
	delete(t.timers, id)
	t.mu.Unlock()

	if exists {
		if stop != nil {
			stop()
		}
		slog.Debug("SimpleTimer Cancel succeeded", "id", id)
		return nil
	}
	slog.Debug("SimpleTimer Cancel: timer not found", "id", id)
	return nil
}

// Stop cancels all scheduled timers.
func (t *SimpleTimer) Stop() {
	t.mu.Lock()
	stops := make([]func(), 0, len(t.timers))
	for _, entry := range t.timers {
		if entry.stop != nil {
			stops = append(stops, entry.stop)
		}
	}
	count := len(t.timers)
	t.timers = make(map[string]*timerEntry)
	t.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	slog.Info("SimpleTimer stopped all timers", "count", count)
}

// ActiveCount returns the number of pending timers.
func (t *SimpleTimer) ActiveCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.timers)
}
