package flog

import (
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

type Level int

const None Level = -1
const (
	Debug Level = iota
	Info
	Warn
	Error
	Fatal
)

const timeFormat = "2006-01-02 15:04:05.000"

type request struct {
	line  string
	flush chan struct{}
}

var (
	minLevel  atomic.Int64
	logCh     = make(chan request, 1024)
	dropped   atomic.Uint64
	startOnce sync.Once

	outMu sync.Mutex
	out   io.Writer = os.Stdout
)

func init() {
	minLevel.Store(int64(Info))
}

// ParseLevel maps a config string to a Level.
func ParseLevel(s string) (Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return Debug, nil
	case "", "info":
		return Info, nil
	case "warn", "warning":
		return Warn, nil
	case "error":
		return Error, nil
	case "fatal":
		return Fatal, nil
	case "none", "off":
		return None, nil
	}
	return Info, fmt.Errorf("unknown log level %q", s)
}

// SetOutput redirects log lines; tests use it to capture output.
func SetOutput(w io.Writer) {
	outMu.Lock()
	out = w
	outMu.Unlock()
}

func SetLevel(l Level) {
	minLevel.Store(int64(l))
	if l == None {
		return
	}

	startOnce.Do(func() {
		go drain()
	})
}

func drain() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case req, ok := <-logCh:
			if !ok {
				return
			}
			if req.flush != nil {
				close(req.flush)
				continue
			}
			write(req.line)
		case <-ticker.C:
			if n := dropped.Swap(0); n > 0 {
				now := time.Now().Format(timeFormat)
				write(fmt.Sprintf("%s [WARN] flog: dropped %d log lines (logCh full)\n", now, n))
			}
		}
	}
}

func write(line string) {
	outMu.Lock()
	defer outMu.Unlock()
	_, _ = io.WriteString(out, line)
}

func enabled(level Level) bool {
	floor := Level(minLevel.Load())
	return floor != None && level >= floor
}

func logf(level Level, format string, args ...any) {
	if !enabled(level) {
		return
	}

	now := time.Now().Format(timeFormat)
	line := fmt.Sprintf("%s [%s] %s\n", now, level.String(), fmt.Sprintf(format, args...))

	select {
	case logCh <- request{line: line}:
	default:
		dropped.Add(1)
	}
}

func (l Level) String() string {
	switch l {
	case Debug:
		return "DEBUG"
	case Info:
		return "INFO"
	case Warn:
		return "WARN"
	case Error:
		return "ERROR"
	case Fatal:
		return "FATAL"
	case None:
		return "None"
	default:
		return "UNKNOWN"
	}
}

func Debugf(format string, args ...any) { logf(Debug, format, args...) }
func Infof(format string, args ...any)  { logf(Info, format, args...) }
func Warnf(format string, args ...any)  { logf(Warn, format, args...) }
func Errorf(format string, args ...any) { logf(Error, format, args...) }
func Fatalf(format string, args ...any) {
	logf(Fatal, format, args...)
	Flush(100 * time.Millisecond)
	os.Exit(1)
}

// Flush waits until every line queued so far is written, or timeout passes.
func Flush(timeout time.Duration) {
	if Level(minLevel.Load()) == None {
		return
	}
	done := make(chan struct{})
	select {
	case logCh <- request{flush: done}:
	case <-time.After(timeout):
		return
	}
	select {
	case <-done:
	case <-time.After(timeout):
	}
}
