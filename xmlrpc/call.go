package xmlrpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/google/uuid"
)

const (
	// max. size of a valid response, if not specified: 10 MB
	responseSizeLimit = 10 * 1024 * 1024

	// size of the chunks read from the response stream
	chunkSize = 32 * 1024
)

// CallState is the state of a Call.
type CallState int

// States of a Call. Completed, Failed and Aborted are terminal.
const (
	Idle CallState = iota
	Sent
	Buffering
	Completed
	Failed
	Aborted
)

var callStateNames = [...]string{"idle", "sent", "buffering", "completed", "failed", "aborted"}

func (s CallState) String() string {
	if s < 0 || int(s) >= len(callStateNames) {
		return fmt.Sprintf("state(%d)", int(s))
	}
	return callStateNames[s]
}

func (s CallState) terminal() bool {
	return s >= Completed
}

// MessageFunc receives the parameters of a successful method response and the
// correlation ID of the call.
type MessageFunc func(params []Value, id interface{})

// FaultFunc receives the fault code and message of a failed call and the
// correlation ID of the call.
type FaultFunc func(code int, message string, id interface{})

// Call is a single outstanding request. Calls are created by Client.Call. The
// response is received and dispatched on a goroutine of its own, so the
// callbacks of one call never run concurrently.
type Call struct {
	handle    uuid.UUID
	id        interface{}
	method    string
	onMessage MessageFunc
	onFault   FaultFunc
	finished  func(*Call)
	transport Transport
	sizeLimit int64

	mtx    sync.Mutex
	state  CallState
	err    *TransportError
	cancel context.CancelFunc
	done   chan struct{}

	// accessed only by the goroutine of the call
	buf bytes.Buffer
}

func newCall(method string, id interface{}, onMessage MessageFunc, onFault FaultFunc, transport Transport, sizeLimit int64) *Call {
	if sizeLimit == 0 {
		sizeLimit = responseSizeLimit
	}
	return &Call{
		handle:    uuid.New(),
		id:        id,
		method:    method,
		onMessage: onMessage,
		onFault:   onFault,
		transport: transport,
		sizeLimit: sizeLimit,
		done:      make(chan struct{}),
	}
}

// Handle returns the unique handle of the call.
func (c *Call) Handle() uuid.UUID {
	return c.handle
}

// ID returns the correlation ID.
func (c *Call) ID() interface{} {
	return c.id
}

// Method returns the name of the called method.
func (c *Call) Method() string {
	return c.method
}

// State returns the current state.
func (c *Call) State() CallState {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	return c.state
}

// Err returns the transport or markup error of a failed call. nil is returned
// for a call in any other state, also after a fault response of the server.
func (c *Call) Err() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.err == nil {
		return nil
	}
	return c.err
}

// Done returns a channel, which is closed after the call has finished or has
// been aborted.
func (c *Call) Done() <-chan struct{} {
	return c.done
}

// Abort cancels the transport operation. No callback is invoked after Abort,
// except one that has already been started.
func (c *Call) Abort() {
	c.mtx.Lock()
	if c.state.terminal() {
		c.mtx.Unlock()
		return
	}
	prev := c.state
	c.state = Aborted
	cancel := c.cancel
	c.mtx.Unlock()

	clnLog.Debugf("Aborting call %s of method %s", c.handle, c.method)
	if cancel != nil {
		cancel()
	}
	// never started, the goroutine does not exist
	if prev == Idle {
		c.finish()
	}
}

// prepare builds the request markup and moves the call to state Sent. The
// returned function performs the transport operation and dispatches the
// result. nil is returned, if the call has already been aborted.
func (c *Call) prepare(server string, args []Value, meta Metadata) func() {
	markup := MarkupCall(c.method, args)
	if clnLog.TraceEnabled() {
		clnLog.Tracef("Request XML of call %s: %s", c.handle, string(markup))
	}

	ctx, cancel := context.WithCancel(context.Background())
	c.mtx.Lock()
	if c.state == Aborted {
		c.mtx.Unlock()
		cancel()
		return nil
	}
	c.state = Sent
	c.cancel = cancel
	c.mtx.Unlock()

	return func() {
		defer c.finish()
		defer cancel()
		c.run(ctx, server, markup, meta)
	}
}

func (c *Call) run(ctx context.Context, server string, markup []byte, meta Metadata) {
	body, err := c.transport.Post(ctx, server, markup, meta)
	if err != nil {
		c.fail(err)
		return
	}
	defer body.Close()
	if err := c.receive(body); err != nil {
		c.fail(err)
		return
	}
	c.complete()
}

// receive appends the response stream to the buffer.
func (c *Call) receive(body io.Reader) error {
	chunk := make([]byte, chunkSize)
	for {
		n, err := body.Read(chunk)
		if n > 0 {
			if !c.enter(Buffering) {
				return context.Canceled
			}
			c.buf.Write(chunk[:n])
			if int64(c.buf.Len()) > c.sizeLimit {
				return &TransportError{
					Code:    CodeTransportError,
					Message: fmt.Sprintf("Response size limit of %d bytes exceeded", c.sizeLimit),
				}
			}
		}
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return err
		}
	}
}

// fail dispatches a transport error. The buffer is not parsed.
func (c *Call) fail(err error) {
	var te *TransportError
	if !errors.As(err, &te) {
		te = &TransportError{Code: CodeTransportError, Message: err.Error(), Err: err}
	}
	c.buf.Reset()
	if !c.failWith(te) {
		return
	}
	clnLog.Debugf("Call %s of method %s failed: %v", c.handle, c.method, err)
	c.emitFault(te.Code, te.Message)
}

// complete parses the buffered response and dispatches the result.
func (c *Call) complete() {
	if clnLog.TraceEnabled() {
		clnLog.Tracef("Response XML of call %s: %s", c.handle, c.buf.String())
	}
	doc, err := ParseDocument(c.buf.Bytes())
	c.buf.Reset()
	if err != nil {
		var se *SyntaxError
		msg := err.Error()
		if errors.As(err, &se) {
			msg = fmt.Sprintf("Received invalid XML markup: %s at %d:%d", se.Msg, se.Line, se.Column)
		}
		if !c.failWith(&TransportError{Code: CodeMalformedResponse, Message: msg, Err: err}) {
			return
		}
		clnLog.Debugf("Call %s of method %s: %s", c.handle, c.method, msg)
		c.emitFault(CodeMalformedResponse, msg)
		return
	}

	res := ParseResponse(doc)
	if !c.enter(Completed) {
		return
	}
	if res.Success() {
		clnLog.Tracef("Call %s of method %s succeeded", c.handle, c.method)
		if c.onMessage != nil {
			c.onMessage(res.Data(), c.id)
		}
	} else {
		clnLog.Debugf("Call %s of method %s returned fault: %d %s", c.handle, c.method, res.ErrorCode(), res.ErrorString())
		c.emitFault(res.ErrorCode(), res.ErrorString())
	}
}

func (c *Call) emitFault(code int, message string) {
	if c.onFault != nil {
		c.onFault(code, message, c.id)
	}
}

// enter moves the call into the specified state. false is returned, if the
// call has been aborted.
func (c *Call) enter(state CallState) bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.state == Aborted {
		return false
	}
	c.state = state
	return true
}

// failWith moves the call into state Failed and records the error. false is
// returned, if the call has been aborted.
func (c *Call) failWith(err *TransportError) bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()
	if c.state == Aborted {
		return false
	}
	c.state = Failed
	c.err = err
	return true
}

// finish signals that the call can be removed from the pending set. It is
// invoked exactly once.
func (c *Call) finish() {
	if c.finished != nil {
		c.finished(c)
	}
	close(c.done)
}
