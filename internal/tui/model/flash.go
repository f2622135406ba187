package model

import (
	"sync"
	"time"
)

// Level is the severity of a flash message.
type Level int

const (
	LevelInfo Level = iota
	LevelError
)

// Flash is a transient notification shown in the status bar.
type Flash struct {
	mu      sync.RWMutex
	message string
	level   Level
	expires time.Time
}

// Set shows an informational message for d.
func (f *Flash) Set(msg string, d time.Duration) {
	f.set(msg, LevelInfo, d)
}

// Error shows an error message for d.
func (f *Flash) Error(msg string, d time.Duration) {
	f.set(msg, LevelError, d)
}

func (f *Flash) set(msg string, level Level, d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.message = msg
	f.level = level
	f.expires = time.Now().Add(d)
}

// Get returns the current message, or empty if expired.
func (f *Flash) Get() string {
	msg, _ := f.Current()
	return msg
}

// Current returns the live message and its level.
func (f *Flash) Current() (string, Level) {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if time.Now().After(f.expires) {
		return "", LevelInfo
	}
	return f.message, f.level
}
