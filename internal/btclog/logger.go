package btclog

import (
	"fmt"
	"sync/atomic"
	"time"
)

// Logger is a subsystem-tagged logger writing into a shared Backend.
// It is the interface the embedding application can swap in via
// UseLogger on the root package to redirect libbtcnet's own
// diagnostic output.
type Logger interface {
	Trace(args ...interface{})
	Tracef(format string, args ...interface{})
	Debug(args ...interface{})
	Debugf(format string, args ...interface{})
	Info(args ...interface{})
	Infof(format string, args ...interface{})
	Warn(args ...interface{})
	Warnf(format string, args ...interface{})
	Error(args ...interface{})
	Errorf(format string, args ...interface{})
	Critical(args ...interface{})
	Criticalf(format string, args ...interface{})

	Level() Level
	SetLevel(level Level)
}

type logEntry struct {
	level Level
	log   []byte
}

// subsystemLogger writes to a Backend's write channel, tagging each
// entry with its subsystem and timestamp. Created via Backend.Logger.
type subsystemLogger struct {
	level     uint32 // atomic
	tag       string
	writeChan chan<- logEntry
}

func newSubsystemLogger(tag string, writeChan chan<- logEntry) *subsystemLogger {
	return &subsystemLogger{level: uint32(LevelInfo), tag: tag, writeChan: writeChan}
}

func (l *subsystemLogger) Level() Level {
	return Level(atomic.LoadUint32(&l.level))
}

func (l *subsystemLogger) SetLevel(level Level) {
	atomic.StoreUint32(&l.level, uint32(level))
}

func (l *subsystemLogger) write(level Level, s string) {
	if level < l.Level() {
		return
	}
	line := fmt.Sprintf("%s [%s] %s: %s\n", time.Now().Format("2006-01-02 15:04:05.000"), level, l.tag, s)
	select {
	case l.writeChan <- logEntry{level: level, log: []byte(line)}:
	default:
	}
}

func (l *subsystemLogger) Trace(args ...interface{}) { l.write(LevelTrace, fmt.Sprint(args...)) }
func (l *subsystemLogger) Tracef(f string, args ...interface{}) { l.write(LevelTrace, fmt.Sprintf(f, args...)) }
func (l *subsystemLogger) Debug(args ...interface{}) { l.write(LevelDebug, fmt.Sprint(args...)) }
func (l *subsystemLogger) Debugf(f string, args ...interface{}) { l.write(LevelDebug, fmt.Sprintf(f, args...)) }
func (l *subsystemLogger) Info(args ...interface{}) { l.write(LevelInfo, fmt.Sprint(args...)) }
func (l *subsystemLogger) Infof(f string, args ...interface{}) { l.write(LevelInfo, fmt.Sprintf(f, args...)) }
func (l *subsystemLogger) Warn(args ...interface{}) { l.write(LevelWarn, fmt.Sprint(args...)) }
func (l *subsystemLogger) Warnf(f string, args ...interface{}) { l.write(LevelWarn, fmt.Sprintf(f, args...)) }
func (l *subsystemLogger) Error(args ...interface{}) { l.write(LevelError, fmt.Sprint(args...)) }
func (l *subsystemLogger) Errorf(f string, args ...interface{}) { l.write(LevelError, fmt.Sprintf(f, args...)) }
func (l *subsystemLogger) Critical(args ...interface{}) { l.write(LevelCritical, fmt.Sprint(args...)) }
func (l *subsystemLogger) Criticalf(f string, args ...interface{}) { l.write(LevelCritical, fmt.Sprintf(f, args...)) }

// disabledLogger discards everything; it is the package default so that
// libbtcnet never writes log output until the host calls UseLogger.
type disabledLogger struct{}

func (disabledLogger) Trace(...interface{}) {}
func (disabledLogger) Tracef(string, ...interface{}) {}
func (disabledLogger) Debug(...interface{}) {}
func (disabledLogger) Debugf(string, ...interface{}) {}
func (disabledLogger) Info(...interface{}) {}
func (disabledLogger) Infof(string, ...interface{}) {}
func (disabledLogger) Warn(...interface{}) {}
func (disabledLogger) Warnf(string, ...interface{}) {}
func (disabledLogger) Error(...interface{}) {}
func (disabledLogger) Errorf(string, ...interface{}) {}
func (disabledLogger) Critical(...interface{}) {}
func (disabledLogger) Criticalf(string, ...interface{}) {}
func (disabledLogger) Level() Level { return LevelOff }
func (disabledLogger) SetLevel(Level) {}

// Disabled is a Logger that discards all messages.
var Disabled Logger = disabledLogger{}
