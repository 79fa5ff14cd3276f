// Package clientlog implements the HTTP/1.1 client's per-server
// append-only request log with periodic rolling. It is independent of
// the protocol core: the client hands it one completed-request record
// per task and the log takes care of formatting, flushing and rotation.
package clientlog

import (
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/naviserver/httpengine/internal/config"
	"github.com/naviserver/httpengine/internal/logging"
)

// Entry is one completed request. Cause must be one of the enumerated
// values (ok, error, tasktimeout, connecttimeout, writetimeout,
// tlssetuptimeout, tlsconnecttimeout).
type Entry struct {
	Time       time.Time
	ThreadName string
	Status     int // 0 means "no response parsed", logged as 408
	Method     string
	URL        string
	Elapsed    time.Duration
	BytesSent  int64
	BytesRecv  int64
	Reused     bool
	Cause      string
}

// Log is one per-server client log.
type Log struct {
	mu   sync.Mutex
	file *os.File
	path string

	rollFmt   string // Go time layout for backup suffixes
	maxBackup int
	rollHour  int
	roll      bool

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
}

// defaultRollFmt mirrors the conventional %Y-%m-%d suffix.
const defaultRollFmt = "2006-01-02"

// Open creates (or appends to) the log file named by cfg. Returns nil
// with no error when logging is disabled.
func Open(cfg *config.ServerProfile) (*Log, error) {
	if !cfg.Logging {
		return nil, nil
	}
	path := cfg.LogFile
	if path == "" {
		return nil, fmt.Errorf("clientlog: logging enabled but no logfile configured")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("clientlog: cannot open %s: %w", path, err)
	}
	l := &Log{
		file:      f,
		path:      path,
		rollFmt:   cfg.LogRollFmt,
		maxBackup: cfg.LogMaxBackup,
		rollHour:  cfg.LogRollHour,
		roll:      cfg.LogRoll,
		stop:      make(chan struct{}),
		done:      make(chan struct{}),
	}
	if l.rollFmt == "" {
		l.rollFmt = defaultRollFmt
	}
	if l.maxBackup <= 0 {
		l.maxBackup = 100
	}
	go l.scheduler(cfg.LogRollOnSignal)
	return l, nil
}

// Write appends one log line:
//
//	<timestamp> <thread> <status-or-408> <method> <url> <sec>.<usec> <sent> <recv> <reused> <cause>
func (l *Log) Write(e Entry) {
	if l == nil {
		return
	}
	status := e.Status
	if status == 0 {
		// No response parsed; the wire-log convention is 408.
		status = 408
	}
	reused := 0
	if e.Reused {
		reused = 1
	}
	sec := int64(e.Elapsed / time.Second)
	usec := int64(e.Elapsed%time.Second) / int64(time.Microsecond)
	line := fmt.Sprintf("%s %s %d %s %s %d.%06d %d %d %d %s\n",
		e.Time.Format("2006-01-02T15:04:05"),
		e.ThreadName, status, e.Method, e.URL,
		sec, usec, e.BytesSent, e.BytesRecv, reused, e.Cause)

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return
	}
	if _, err := l.file.WriteString(line); err != nil {
		logging.Warn("client log write failed", zap.String("path", l.path), zap.Error(err))
	}
}

// Roll rotates the log: the current file is renamed with a
// time-formatted suffix, a fresh file opened in its place, and old
// backups beyond maxBackup removed.
func (l *Log) Roll() error {
	if l == nil {
		return nil
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	if err := l.file.Close(); err != nil {
		logging.Warn("client log close failed", zap.Error(err))
	}
	backup := l.path + "." + time.Now().Format(l.rollFmt)
	// A same-day second roll gets a numbered suffix instead of clobbering.
	if _, err := os.Stat(backup); err == nil {
		for i := 1; ; i++ {
			candidate := fmt.Sprintf("%s.%d", backup, i)
			if _, err := os.Stat(candidate); os.IsNotExist(err) {
				backup = candidate
				break
			}
		}
	}
	if err := os.Rename(l.path, backup); err != nil {
		logging.Warn("client log rename failed", zap.String("backup", backup), zap.Error(err))
	}
	f, err := os.OpenFile(l.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		l.file = nil
		return fmt.Errorf("clientlog: reopen %s: %w", l.path, err)
	}
	l.file = f
	l.pruneBackupsLocked()
	return nil
}

// pruneBackupsLocked removes the oldest backups beyond maxBackup.
func (l *Log) pruneBackupsLocked() {
	pattern := l.path + ".*"
	matches, err := filepath.Glob(pattern)
	if err != nil || len(matches) <= l.maxBackup {
		return
	}
	sort.Strings(matches)
	for _, old := range matches[:len(matches)-l.maxBackup] {
		if strings.HasPrefix(old, l.path+".") {
			if err := os.Remove(old); err != nil {
				logging.Warn("client log prune failed", zap.String("file", old), zap.Error(err))
			}
		}
	}
}

// scheduler fires the daily roll at rollHour and, when requested,
// rolls on SIGHUP.
func (l *Log) scheduler(rollOnSignal bool) {
	defer close(l.done)

	var sigCh chan os.Signal
	if rollOnSignal {
		sigCh = make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGHUP)
		defer signal.Stop(sigCh)
	}

	for {
		var timerCh <-chan time.Time
		var timer *time.Timer
		if l.roll {
			timer = time.NewTimer(time.Until(l.nextRoll(time.Now())))
			timerCh = timer.C
		}
		select {
		case <-l.stop:
			if timer != nil {
				timer.Stop()
			}
			return
		case <-timerCh:
			if err := l.Roll(); err != nil {
				logging.Error("scheduled client log roll failed", zap.Error(err))
			}
		case <-sigCh:
			if timer != nil {
				timer.Stop()
			}
			if err := l.Roll(); err != nil {
				logging.Error("signal-triggered client log roll failed", zap.Error(err))
			}
		}
	}
}

// nextRoll computes the next daily rotation instant at rollHour.
func (l *Log) nextRoll(now time.Time) time.Time {
	next := time.Date(now.Year(), now.Month(), now.Day(), l.rollHour, 0, 0, 0, now.Location())
	if !next.After(now) {
		next = next.Add(24 * time.Hour)
	}
	return next
}

// Close stops the scheduler and closes the file.
func (l *Log) Close() error {
	if l == nil {
		return nil
	}
	l.stopOnce.Do(func() { close(l.stop) })
	<-l.done
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}
