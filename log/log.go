package log

import (
	"bufio"
	"fmt"
	"io"
	"log"
	"log/syslog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"
)

// Level is the most verbose level that will be emitted.
type Level int32

const (
	LevelSilent Level = iota - 1
	LevelError
	LevelInfo
	LevelTrace
	LevelDebug
)

const flushEvery = 2 * time.Second

var CurLevel atomic.Int32

// fanout writes every line to all attached sinks and ignores sink errors.
type fanout struct {
	mu    sync.Mutex
	sinks []io.Writer
}

func (f *fanout) Write(p []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, w := range f.sinks {
		_, _ = w.Write(p)
	}
	return len(p), nil
}

func (f *fanout) set(ws ...io.Writer) {
	f.mu.Lock()
	f.sinks = ws
	f.mu.Unlock()
}

func (f *fanout) add(w io.Writer) {
	f.mu.Lock()
	f.sinks = append(f.sinks, w)
	f.mu.Unlock()
}

var (
	mu      sync.Mutex
	sinks   = &fanout{sinks: []io.Writer{os.Stderr}}
	pending *bufio.Writer
	logger  *log.Logger
	ticker  *time.Ticker
	insta   bool

	errMu     sync.Mutex
	errFile   *os.File
	errLogger *log.Logger
)

func init() {
	CurLevel.Store(int32(LevelInfo))
}

// Init replaces the sinks with w (stderr when nil) and sets level and
// buffering mode.
func Init(w io.Writer, level Level, instaflush bool) {
	if w == nil {
		w = os.Stderr
	}
	mu.Lock()
	defer mu.Unlock()
	sinks.set(w)
	insta = instaflush
	CurLevel.Store(int32(level))
	rebuildLocked()
}

// AddSink attaches an extra writer such as syslog or the websocket log hub.
func AddSink(w io.Writer) {
	if w == nil {
		return
	}
	mu.Lock()
	defer mu.Unlock()
	if pending != nil {
		_ = pending.Flush()
	}
	sinks.add(w)
}

func EnableSyslog(tag string) error {
	sw, err := syslog.New(syslog.LOG_INFO|syslog.LOG_DAEMON, tag)
	if err != nil {
		return err
	}
	AddSink(sw)
	return nil
}

func SetLevel(l Level) { CurLevel.Store(int32(l)) }

func GetLevel() Level { return Level(CurLevel.Load()) }

// SetInstaflush switches between line-by-line writes and the buffered sink
// flushed every two seconds.
func SetInstaflush(v bool) {
	mu.Lock()
	defer mu.Unlock()
	if insta == v {
		return
	}
	if pending != nil {
		_ = pending.Flush()
	}
	insta = v
	rebuildLocked()
}

func Flush() {
	mu.Lock()
	defer mu.Unlock()
	if pending != nil {
		_ = pending.Flush()
	}
}

// InitErrorFile mirrors every error line into path. Empty path is a no-op.
func InitErrorFile(path string) error {
	if path == "" {
		return nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create log directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return err
	}
	errMu.Lock()
	errFile = f
	errLogger = log.New(f, "", log.Ldate|log.Ltime|log.Lmicroseconds)
	errMu.Unlock()
	return nil
}

func CloseErrorFile() {
	errMu.Lock()
	defer errMu.Unlock()
	if errFile != nil {
		_ = errFile.Sync()
		_ = errFile.Close()
		errFile = nil
		errLogger = nil
	}
}

// Errorf logs unless silent and returns the formatted message as an error,
// so callers can write `return log.Errorf(...)`. Wrapping verbs (%w) are
// preserved in the returned error.
func Errorf(format string, a ...any) error {
	err := fmt.Errorf(format, a...)
	if GetLevel() >= LevelError {
		emit("[ERROR] %s", err.Error())
	}
	errMu.Lock()
	if errLogger != nil {
		errLogger.Printf("[ERROR] %s", err.Error())
	}
	errMu.Unlock()
	return err
}

func Warnf(format string, a ...any) {
	if GetLevel() >= LevelError {
		emit("[WARN] "+format, a...)
	}
}

func Infof(format string, a ...any) {
	if GetLevel() >= LevelInfo {
		emit("[INFO] "+format, a...)
	}
}

func Tracef(format string, a ...any) {
	if GetLevel() >= LevelTrace {
		emit("[TRACE] "+format, a...)
	}
}

func Debugf(format string, a ...any) {
	if GetLevel() >= LevelDebug {
		emit("[DEBUG] "+format, a...)
	}
}

func emit(format string, a ...any) {
	mu.Lock()
	defer mu.Unlock()
	if logger == nil {
		rebuildLocked()
	}
	logger.Printf(format, a...)
}

func rebuildLocked() {
	stopFlusherLocked()
	if insta {
		pending = nil
		logger = log.New(sinks, "", log.Ldate|log.Ltime|log.Lmicroseconds)
		return
	}
	pending = bufio.NewWriterSize(sinks, 16*1024)
	logger = log.New(pending, "", log.Ldate|log.Ltime|log.Lmicroseconds)
	ticker = time.NewTicker(flushEvery)
	go func(t *time.Ticker, w *bufio.Writer) {
		for range t.C {
			mu.Lock()
			if pending == w {
				_ = w.Flush()
			}
			mu.Unlock()
		}
	}(ticker, pending)
}

func stopFlusherLocked() {
	if ticker != nil {
		ticker.Stop()
		ticker = nil
	}
}

// ParseLevel maps a textual level from config or flags.
func ParseLevel(s string) (Level, bool) {
	switch s {
	case "silent", "none":
		return LevelSilent, true
	case "error":
		return LevelError, true
	case "info", "":
		return LevelInfo, true
	case "trace":
		return LevelTrace, true
	case "debug":
		return LevelDebug, true
	}
	return LevelInfo, false
}

func (l Level) String() string {
	switch l {
	case LevelSilent:
		return "silent"
	case LevelError:
		return "error"
	case LevelInfo:
		return "info"
	case LevelTrace:
		return "trace"
	case LevelDebug:
		return "debug"
	}
	return fmt.Sprintf("level(%d)", int32(l))
}
