package btclog

import (
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/jrick/logrotate/rotator"
	"github.com/pkg/errors"
)

const (
	defaultThresholdKB = 100 * 1000
	defaultMaxRolls    = 8
	writeChanBuffer    = 100
)

type logWriter interface {
	io.WriteCloser
	LogLevel() Level
}

type logWriterWrap struct {
	io.WriteCloser
	level Level
}

func (w logWriterWrap) LogLevel() Level { return w.level }

// Backend is a logging backend shared by every subsystem Logger created
// from it. All writes are funneled through a single goroutine so that
// log lines from concurrent subsystems never interleave mid-line.
type Backend struct {
	isRunning uint32
	writers   []logWriter
	writeChan chan logEntry
	closeOnce sync.Once
	done      chan struct{}
}

// NewBackend creates a logging backend with no writers attached. Call
// AddLogFile or AddLogWriter before Run.
func NewBackend() *Backend {
	return &Backend{writeChan: make(chan logEntry, writeChanBuffer), done: make(chan struct{})}
}

// AddLogFile adds a rotating log file sink at the given level.
func (b *Backend) AddLogFile(logFile string, level Level) error {
	if b.IsRunning() {
		return errors.New("backend is already running")
	}
	dir, _ := filepath.Split(logFile)
	if dir != "" {
		if err := os.MkdirAll(dir, 0700); err != nil {
			return errors.Wrap(err, "failed to create log directory")
		}
	}
	r, err := rotator.New(logFile, defaultThresholdKB, false, defaultMaxRolls)
	if err != nil {
		return errors.Wrap(err, "failed to create log rotator")
	}
	b.writers = append(b.writers, logWriterWrap{WriteCloser: r, level: level})
	return nil
}

// AddLogWriter attaches an arbitrary io.WriteCloser sink at the given level.
func (b *Backend) AddLogWriter(w io.WriteCloser, level Level) error {
	if b.IsRunning() {
		return errors.New("backend is already running")
	}
	b.writers = append(b.writers, logWriterWrap{WriteCloser: w, level: level})
	return nil
}

// Run launches the backend's write loop in its own goroutine.
func (b *Backend) Run() error {
	if !atomic.CompareAndSwapUint32(&b.isRunning, 0, 1) {
		return errors.New("backend is already running")
	}
	go b.runBlocking()
	return nil
}

func (b *Backend) runBlocking() {
	defer close(b.done)
	for entry := range b.writeChan {
		for _, w := range b.writers {
			if entry.level >= w.LogLevel() {
				_, _ = w.Write(entry.log)
			}
		}
	}
}

// IsRunning reports whether Run has been called.
func (b *Backend) IsRunning() bool {
	return atomic.LoadUint32(&b.isRunning) != 0
}

// Logger returns a subsystem-tagged Logger that writes into this backend.
func (b *Backend) Logger(subsystemTag string) Logger {
	return newSubsystemLogger(subsystemTag, b.writeChan)
}

// Close stops accepting log entries and closes every attached writer.
func (b *Backend) Close() {
	b.closeOnce.Do(func() { close(b.writeChan) })
	if b.IsRunning() {
		<-b.done
	}
	for _, w := range b.writers {
		_ = w.Close()
	}
}
