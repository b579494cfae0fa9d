package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

// Transcript records one conversation to its own log file
type Transcript struct {
	counterparty string
	path         string
	logFile      *os.File
	mutex        sync.Mutex
	startTime    time.Time
	now          func() time.Time
}

// StartTranscript creates a transcript file for counterparty under dir
func StartTranscript(dir, counterparty string) (*Transcript, error) {
	return startTranscript(dir, counterparty, time.Now)
}

func startTranscript(dir, counterparty string, now func() time.Time) (*Transcript, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create transcript directory: %w", err)
	}

	start := now()
	name := fmt.Sprintf("session_%s_%s.log", safeName(counterparty), start.Format("20060102_150405"))
	path := filepath.Join(dir, name)

	logFile, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to create transcript file: %w", err)
	}

	t := &Transcript{
		counterparty: counterparty,
		path:         path,
		logFile:      logFile,
		startTime:    start,
		now:          now,
	}
	t.writeHeader()
	return t, nil
}

// Path returns the transcript file location
func (t *Transcript) Path() string {
	if t == nil {
		return ""
	}
	return t.path
}

// Log writes a line to the transcript
func (t *Transcript) Log(format string, args ...interface{}) {
	if t == nil {
		return
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.logFile == nil {
		return
	}
	t.write(fmt.Sprintf(format, args...))
}

// Close ends the transcript. Further Log calls are ignored.
func (t *Transcript) Close() {
	if t == nil {
		return
	}

	t.mutex.Lock()
	defer t.mutex.Unlock()
	if t.logFile == nil {
		return
	}
	t.write(fmt.Sprintf("transcript closed after %v", t.now().Sub(t.startTime).Round(time.Millisecond)))
	t.logFile.Close()
	t.logFile = nil
}

func (t *Transcript) write(message string) {
	now := t.now()
	elapsed := now.Sub(t.startTime).Round(time.Millisecond)
	fmt.Fprintf(t.logFile, "[%s] [+%v] %s\n", now.Format("15:04:05.000"), elapsed, message)
}

func (t *Transcript) writeHeader() {
	fmt.Fprintf(t.logFile, `LIVECHAT TRANSCRIPT
Counterparty: %s
Start Time: %s
Log Format: [HH:MM:SS.mmm] [+duration] message

`, t.counterparty, t.startTime.Format("2006-01-02 15:04:05"))
}

// safeName keeps ids usable as file names
func safeName(s string) string {
	if s == "" {
		return "unknown"
	}
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		}
		return '_'
	}, s)
}
