package httpclient

import (
	"crypto/tls"
	"errors"
	"io"
	"net"
	"sync"
	"time"

	"github.com/naviserver/httpengine/internal/clientlog"
	"github.com/naviserver/httpengine/internal/errkind"
	"github.com/naviserver/httpengine/internal/metrics"
	"github.com/naviserver/httpengine/internal/taskqueue"
)

// ioChunkSize is the staging size for body spooling and response reads.
const ioChunkSize = 16 * 1024

// httpTask is the per-request task object: it aggregates the generic
// Task with the request, the connection, counters, and the response
// state, and implements the state-callback the owning queue drives.
type httpTask struct {
	client *Client
	req    *Request
	parsed *parsedRequest
	task   *taskqueue.Task

	queueName string
	start     time.Time
	deadline  time.Time // effective hard deadline: earlier of timeout/expire

	mu       sync.Mutex
	conn     net.Conn
	tlsState *tls.ConnectionState
	reused   bool
	cachePos int
	sent     int64
	received int64
	err      error
	state    string // final sock-state string, set on terminal transition

	resp   *responseState
	result *Result
	logged bool
}

// newHTTPTask builds the task object and its generic Task wrapper.
func newHTTPTask(c *Client, req *Request, queueName string) (*httpTask, error) {
	parsed, err := parseRequest(req, req.KeepaliveTimeout)
	if err != nil {
		return nil, err
	}
	t := &httpTask{client: c, req: req, parsed: parsed, queueName: queueName}
	t.task = taskqueue.NewTask(t.callback, func(_ *taskqueue.Task) { t.finish() })
	return t, nil
}

// Stats is a producer-visible snapshot of the task's counters.
type Stats struct {
	Sent, Received int64
}

func (t *httpTask) Stats() Stats {
	t.mu.Lock()
	defer t.mu.Unlock()
	return Stats{Sent: t.sent, Received: t.received}
}

// callback is the task's state machine body, invoked by the owning
// queue. Each phase does its whole unit of work against the effective
// deadline; recoverable conditions are handled inside the phase, any
// terminal failure records an error and a final sock state.
func (t *httpTask) callback(task *taskqueue.Task, s taskqueue.State) (taskqueue.State, time.Time) {
	switch s {
	case taskqueue.StateInit:
		t.start = time.Now()
		t.deadline = t.effectiveDeadline()
		cres, err := t.connect(t.deadline)
		if err != nil {
			return t.fail(task, err, "EXCEPTION")
		}
		t.mu.Lock()
		t.conn = cres.conn
		t.tlsState = cres.tlsState
		t.reused = cres.reused
		t.cachePos = cres.cachePos
		t.mu.Unlock()
		if task.Cancelled() {
			return taskqueue.StateCancel, time.Time{}
		}
		return taskqueue.StateWrite, time.Time{}

	case taskqueue.StateWrite:
		if err := t.send(); err != nil {
			// A reused connection can be stale; retry once with a
			// fresh connect before declaring failure.
			if t.reused && t.retryFresh() == nil {
				if err = t.send(); err == nil {
					return taskqueue.StateRead, time.Time{}
				}
			}
			return t.fail(task, err, "WRITE")
		}
		return taskqueue.StateRead, time.Time{}

	case taskqueue.StateRead:
		if err := t.receive(); err != nil {
			return t.fail(task, err, "READ")
		}
		t.setFinalState("DONE")
		return taskqueue.StateDone, time.Time{}

	case taskqueue.StateTimeout:
		return t.fail(task, errkind.TimeoutError(errkind.PhaseTask, "request timed out", nil), "TIMEOUT")

	case taskqueue.StateCancel:
		t.mu.Lock()
		if t.err == nil {
			t.err = errors.New("http request cancelled")
		}
		conn := t.conn
		t.state = "CANCEL"
		t.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
		task.SetError(t.err)
		return taskqueue.StateCancel, time.Time{}

	default:
		return taskqueue.StateDone, time.Time{}
	}
}

// effectiveDeadline is the earlier of start+Timeout and Expire.
func (t *httpTask) effectiveDeadline() time.Time {
	var d time.Time
	if t.req.Timeout > 0 {
		d = t.start.Add(t.req.Timeout)
	}
	if !t.req.Expire.IsZero() && (d.IsZero() || t.req.Expire.Before(d)) {
		d = t.req.Expire
	}
	return d
}

// retryFresh replaces a stale reused connection with a fresh one.
func (t *httpTask) retryFresh() error {
	t.mu.Lock()
	pos := t.cachePos
	conn := t.conn
	t.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	if pos > 0 {
		t.client.cache.Cancel(pos)
	}
	t.mu.Lock()
	t.reused = false
	t.cachePos = 0
	t.mu.Unlock()

	cres, err := t.connect(t.deadline)
	if err != nil {
		return err
	}
	t.mu.Lock()
	t.conn = cres.conn
	t.tlsState = cres.tlsState
	t.mu.Unlock()
	return nil
}

// send emits the request: the in-memory header block (plus any
// in-memory body), then the spool loop for file/channel bodies.
func (t *httpTask) send() error {
	conn := t.connection()
	conn.SetWriteDeadline(t.deadline)

	n, err := conn.Write(t.parsed.wireBytes)
	t.addSent(int64(n))
	if err != nil {
		return t.writeError(err)
	}

	var src io.Reader
	switch {
	case t.req.BodyFile != nil:
		src = t.req.BodyFile
	case t.req.BodyReader != nil:
		src = t.req.BodyReader
	default:
		return nil
	}

	// Spool mode: stage up to ioChunkSize from the body source and
	// send, until the declared body size is reached. EOF before then
	// is a hard failure.
	remaining := t.parsed.bodyLen
	buf := make([]byte, ioChunkSize)
	for remaining > 0 {
		want := int64(len(buf))
		if want > remaining {
			want = remaining
		}
		rn, rerr := src.Read(buf[:want])
		if rn > 0 {
			wn, werr := conn.Write(buf[:rn])
			t.addSent(int64(wn))
			if werr != nil {
				return t.writeError(werr)
			}
			remaining -= int64(rn)
		}
		if rerr != nil {
			if rerr == io.EOF && remaining > 0 {
				return errkind.ProtocolError("chunk data to send", nil)
			}
			if rerr != io.EOF {
				return errkind.TransportError("request body read failed", rerr)
			}
		}
		if rn == 0 && rerr == io.EOF && remaining > 0 {
			return errkind.ProtocolError("chunk data to send", nil)
		}
	}
	return nil
}

func (t *httpTask) writeError(err error) error {
	if isTimeout(err) {
		return errkind.TimeoutError(errkind.PhaseWrite, "write timed out", err)
	}
	return errkind.TransportError("send failed", err)
}

// receive reads the response until the termination predicate holds.
func (t *httpTask) receive() error {
	conn := t.connection()
	conn.SetReadDeadline(t.deadline)
	t.resp = newResponseState(t)

	buf := make([]byte, ioChunkSize)
	for !t.resp.terminated() {
		n, err := conn.Read(buf)
		if n > 0 {
			t.addReceived(int64(n))
			if perr := t.resp.processInput(buf[:n]); perr != nil {
				return perr
			}
		}
		if err != nil {
			if err == io.EOF {
				t.resp.sawEOF = true
				if t.resp.terminated() {
					break
				}
				return errkind.ProtocolError("premature end of response", nil)
			}
			if isTimeout(err) {
				return errkind.TimeoutError(errkind.PhaseTask, "read timed out", err)
			}
			return errkind.TransportError("receive failed", err)
		}
	}
	return t.resp.finishBody()
}

// fail records the terminal error and sock state. An earlier error
// (e.g. a cancellation racing a connection teardown) wins.
func (t *httpTask) fail(task *taskqueue.Task, err error, state string) (taskqueue.State, time.Time) {
	if task.Cancelled() {
		state = "CANCEL"
	}
	t.mu.Lock()
	if t.err == nil {
		t.err = err
	} else {
		err = t.err
	}
	t.mu.Unlock()
	t.setFinalState(state)
	task.SetError(err)
	return taskqueue.StateDone, time.Time{}
}

func (t *httpTask) setFinalState(s string) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *httpTask) connection() net.Conn {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.conn
}

func (t *httpTask) addSent(n int64) {
	t.mu.Lock()
	t.sent += n
	t.mu.Unlock()
}

func (t *httpTask) addReceived(n int64) {
	t.mu.Lock()
	t.received += n
	t.mu.Unlock()
}

// finish runs once per task, on the queue goroutine, after the
// terminal state: build the result, settle the connection (keep-alive
// return or close), write the one client-log line, and deliver the
// done callback when configured.
func (t *httpTask) finish() {
	t.mu.Lock()
	if t.logged {
		t.mu.Unlock()
		return
	}
	t.logged = true
	err := t.err
	conn := t.conn
	reused := t.reused
	cachePos := t.cachePos
	t.mu.Unlock()

	elapsed := time.Since(t.start)
	t.result = t.buildResult(elapsed)

	t.settleConnection(err, conn, cachePos)

	cause := string(errkind.PhaseNone)
	if err != nil {
		var ek *errkind.Error
		if errors.As(err, &ek) {
			cause = string(ek.LogCause())
		} else {
			cause = string(errkind.PhaseError)
		}
	}
	metrics.ClientRequestsTotal.WithLabelValues(cause).Inc()
	metrics.ClientRequestDuration.WithLabelValues(cause).Observe(elapsed.Seconds())

	status := 0
	if t.resp != nil && t.resp.hdrsParsed {
		status = t.resp.status.Status
	}
	stats := t.Stats()
	t.client.log.Write(clientlog.Entry{
		Time:       t.start,
		ThreadName: t.queueName,
		Status:     status,
		Method:     t.req.Method,
		URL:        t.req.URL,
		Elapsed:    elapsed,
		BytesSent:  stats.Sent,
		BytesRecv:  stats.Received,
		Reused:     reused,
		Cause:      cause,
	})

	if cb := t.req.DoneCallback; cb != nil {
		cb(t.result)
		t.client.forget(t.task.ID())
	}
}

// settleConnection returns a healthy connection to the keep-alive
// cache or closes it. Any error disables keep-alive for the
// connection.
func (t *httpTask) settleConnection(err error, conn net.Conn, cachePos int) {
	if conn == nil {
		return
	}
	keep := err == nil &&
		t.req.KeepaliveTimeout > 0 &&
		t.resp != nil && t.resp.hdrsParsed &&
		!t.resp.connClose &&
		!t.resp.streaming // close-terminated responses consume the connection
	if !keep {
		if cachePos > 0 {
			t.client.cache.Cancel(cachePos)
		} else {
			conn.Close()
		}
		return
	}
	conn.SetDeadline(time.Time{})
	if cachePos > 0 {
		t.client.cache.Release(cachePos, t.req.KeepaliveTimeout)
		return
	}
	t.client.cache.Add(t.parsed.host, t.parsed.port, conn, nil, t.tlsStateSnapshot(), t.req.KeepaliveTimeout)
}

func (t *httpTask) tlsStateSnapshot() *tls.ConnectionState {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.tlsState
}
