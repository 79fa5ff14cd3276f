// Package httpclient implements the concurrent HTTP/1.1 client: each
// request runs as a task on one of N worker queues, with keep-alive
// connection reuse, chunked transfer and gzip/deflate decoding,
// request/response body spooling, proxying, and TLS with certificate
// validation exceptions.
package httpclient

import (
	"errors"
	"sync"
	"time"

	"github.com/naviserver/httpengine/internal/clientlog"
	"github.com/naviserver/httpengine/internal/config"
	"github.com/naviserver/httpengine/internal/errkind"
	"github.com/naviserver/httpengine/internal/keepalive"
	"github.com/naviserver/httpengine/internal/taskqueue"
)

// Client is the process-wide HTTP/1.1 client engine.
type Client struct {
	pool  *taskqueue.Pool
	cache *keepalive.Cache
	tls   *tlsSetup
	log   *clientlog.Log

	mu      sync.Mutex
	pending map[uint64]*httpTask
	closed  bool
}

// New builds a client from the configuration: the task-queue pool
// (task_threads queues), the keep-alive cache with its janitor, the
// per-server TLS policy, and the optional client log.
func New(cfg *config.Config) (*Client, error) {
	tlsSetup, err := newTLSSetup(&cfg.Server)
	if err != nil {
		return nil, err
	}
	log, err := clientlog.Open(&cfg.Server)
	if err != nil {
		return nil, err
	}
	return &Client{
		pool:    taskqueue.NewPool("httptask", cfg.Client.TaskThreads),
		cache:   keepalive.New(),
		tls:     tlsSetup,
		log:     log,
		pending: make(map[uint64]*httpTask),
	}, nil
}

// Run executes req synchronously: the task is enqueued on a local
// one-slot queue and driven to completion before Run returns.
func (c *Client) Run(req *Request) (*Result, error) {
	t, err := newHTTPTask(c, req, "httptask-run")
	if err != nil {
		return nil, err
	}
	q := taskqueue.NewQueue("httptask-run")
	q.Enqueue(t.task)

	deadline := time.Time{}
	if req.Timeout > 0 {
		deadline = time.Now().Add(req.Timeout + time.Second)
	}
	if t.task.Wait(deadline) == taskqueue.WaitTimeout {
		t.cancel()
		t.task.Wait(time.Time{})
		return t.result, errkind.TimeoutError(errkind.PhaseTask, "request timed out", nil)
	}
	if err := t.task.Err(); err != nil {
		return t.result, err
	}
	return t.result, nil
}

// Queue enqueues req asynchronously on the shortest worker queue and
// returns the task ID. Without a done callback the task is retained
// for a later Wait; with one, the callback receives the result and the
// task is forgotten.
func (c *Client) Queue(req *Request) (uint64, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return 0, errors.New("httpclient: client closed")
	}
	c.mu.Unlock()

	q := c.pool.SelectQueue()
	t, err := newHTTPTask(c, req, q.Name())
	if err != nil {
		return 0, err
	}
	id := t.task.ID()
	c.mu.Lock()
	c.pending[id] = t
	c.mu.Unlock()
	q.Enqueue(t.task)
	return id, nil
}

// Wait blocks until the task identified by id completes or deadline
// passes. The task is forgotten once its result is returned.
func (c *Client) Wait(id uint64, deadline time.Time) (*Result, error) {
	c.mu.Lock()
	t, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		return nil, errkind.ConfigError("no such task", nil)
	}
	switch t.task.Wait(deadline) {
	case taskqueue.WaitTimeout:
		return nil, errkind.TimeoutError(errkind.PhaseTask, "wait timed out", nil)
	case taskqueue.WaitError:
		c.forget(id)
		return t.result, t.task.Err()
	default:
		c.forget(id)
		return t.result, nil
	}
}

// Cancel aborts a queued task: the connection is closed to unblock any
// in-flight I/O and the owning queue delivers a terminal CANCEL.
func (c *Client) Cancel(id uint64) error {
	c.mu.Lock()
	t, ok := c.pending[id]
	c.mu.Unlock()
	if !ok {
		return errkind.ConfigError("no such task", nil)
	}
	t.cancel()
	return nil
}

// cancel closes the connection (unblocking reads/writes) and flags the
// generic task so the queue delivers CANCEL.
func (t *httpTask) cancel() {
	t.mu.Lock()
	if t.err == nil {
		t.err = errors.New("http request cancelled")
	}
	conn := t.conn
	t.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
	t.task.Cancel()
}

func (c *Client) forget(id uint64) {
	c.mu.Lock()
	delete(c.pending, id)
	c.mu.Unlock()
}

// Close cancels outstanding tasks, drains the queues, and shuts down
// the keep-alive cache and client log.
func (c *Client) Close() {
	c.mu.Lock()
	c.closed = true
	tasks := make([]*httpTask, 0, len(c.pending))
	for _, t := range c.pending {
		tasks = append(tasks, t)
	}
	c.mu.Unlock()

	for _, t := range tasks {
		t.cancel()
	}
	c.pool.Close()
	c.cache.Close()
	c.log.Close()
}
