package dbus

import (
	"context"
	"errors"
	"sync"
	"time"
)

// Call represents a pending or completed method call.
type Call struct {
	Destination string
	Path        ObjectPath
	Method      string
	Args        []interface{}

	// Done receives this Call exactly once, when the reply (or an error)
	// arrives. It is a buffered channel so the dispatcher never blocks
	// delivering to it.
	Done chan *Call

	// Body holds the decoded reply arguments on success.
	Body []interface{}
	// Err holds the failure reason: a remote Error, ErrTimeout,
	// ErrCancelled, ErrDisconnected, or a transport error.
	Err error

	ctx       context.Context
	ctxCancel context.CancelFunc

	mu        sync.Mutex
	completed bool
}

// Store decodes the reply's body into retvalues, which must be pointers to
// D-Bus-representable values. It first waits for the call to complete.
func (c *Call) Store(retvalues ...interface{}) error {
	<-c.Done
	if c.Err != nil {
		return c.Err
	}
	if len(retvalues) != len(c.Body) {
		return errMismatchedSignature
	}
	return Store(c.Body, retvalues...)
}

// Context returns the context governing this call's deadline/cancellation,
// or context.Background() if none was supplied.
func (c *Call) Context() context.Context {
	if c.ctx != nil {
		return c.ctx
	}
	return context.Background()
}

// done delivers c on its Done channel exactly once. Calling it more than
// once (e.g. a reply racing a timeout sweep) is logged and otherwise
// harmless.
func (c *Call) done(body []interface{}, err error) {
	c.mu.Lock()
	if c.completed {
		c.mu.Unlock()
		Log.WithField("method", c.Method).Debug("dbus: call already completed, dropping duplicate completion")
		return
	}
	c.completed = true
	c.mu.Unlock()
	if c.ctxCancel != nil {
		c.ctxCancel()
	}
	c.Body = body
	c.Err = err
	c.Done <- c
}

// pendingCalls is the connection's table of in-flight method calls, keyed
// by the serial of the outbound TypeMethodCall message.
type pendingCalls struct {
	mu    sync.Mutex
	table map[uint32]*Call
}

func newPendingCalls() *pendingCalls {
	return &pendingCalls{table: make(map[uint32]*Call)}
}

// insert registers call under serial. If a timeout is set on the call's
// context, a goroutine sweeps it into ErrTimeout when the deadline passes
// and the call has not completed by other means.
func (p *pendingCalls) insert(serial uint32, call *Call) {
	p.mu.Lock()
	p.table[serial] = call
	p.mu.Unlock()

	if call.ctx == nil {
		return
	}
	go func() {
		<-call.ctx.Done()
		if call.ctx.Err() != context.Canceled {
			p.complete(serial, nil, ErrTimeout)
		}
	}()
}

// complete resolves the call registered under serial, if any, and removes
// it from the table. It reports whether a call was found.
func (p *pendingCalls) complete(serial uint32, body []interface{}, err error) bool {
	p.mu.Lock()
	call, ok := p.table[serial]
	if ok {
		delete(p.table, serial)
	}
	p.mu.Unlock()
	if !ok {
		return false
	}
	call.done(body, err)
	return true
}

// cancel cancels the call registered under serial, if still pending.
func (p *pendingCalls) cancel(serial uint32) {
	p.complete(serial, nil, ErrCancelled)
}

// drain completes every still-pending call with err, used when the
// connection's transport has failed or been closed.
func (p *pendingCalls) drain(err error) {
	p.mu.Lock()
	calls := make([]*Call, 0, len(p.table))
	for serial, c := range p.table {
		calls = append(calls, c)
		delete(p.table, serial)
	}
	p.mu.Unlock()
	for _, c := range calls {
		c.done(nil, err)
	}
}

var errMismatchedSignature = errors.New("dbus: mismatched signature")

// newTimeoutContext derives a context bound to timeout (0 means no
// deadline) from parent.
func newTimeoutContext(parent context.Context, timeout time.Duration) (context.Context, context.CancelFunc) {
	if timeout <= 0 {
		return context.WithCancel(parent)
	}
	return context.WithTimeout(parent, timeout)
}
