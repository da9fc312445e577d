package xmlrpc

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mdzio/go-lib/conc"
	"github.com/mdzio/go-logging"
)

const (
	defaultUserAgent  = "Go XML-RPC client"
	fallbackUserAgent = "Go-XMLRPC"

	contentType    = "text/xml; charset=utf-8"
	connectTimeout = "50"
)

var clnLog = logging.Get("xmlrpc-client")

// ErrAborted is returned by Invoke, if the call was aborted by closing the
// client.
var ErrAborted = errors.New("XML-RPC call aborted")

// Caller is an interface for calling XML-RPC methods synchronously.
type Caller interface {
	Invoke(ctx context.Context, method string, args []Value) ([]Value, error)
}

// Client provides access to an XML-RPC server. Calls are executed
// asynchronously, results are delivered to callbacks. The configuration
// fields must not be modified while calls are started.
type Client struct {
	// URL of the XML-RPC server
	URL string
	// UserAgent identifies the client. If empty, a fallback is used.
	UserAgent string
	// DigestAuth enables HTTP digest authentication with the credentials of
	// the URL.
	DigestAuth bool
	// Transport for the calls. If nil, an HTTPTransport is used.
	Transport Transport
	// ResponseSizeLimit in bytes. If 0, a limit of 10 MB is used.
	ResponseSizeLimit int64

	mtx     sync.Mutex
	pending map[uuid.UUID]*Call
	closed  bool
	daemons conc.DaemonPool
}

// NewClient creates a Client for the specified server URL.
func NewClient(url string) *Client {
	return &Client{URL: url, UserAgent: defaultUserAgent}
}

// CallOption configures a single call.
type CallOption func(*callOptions)

type callOptions struct {
	id   interface{}
	meta Metadata
}

// WithID sets the correlation ID, which is passed unchanged to the callbacks.
func WithID(id interface{}) CallOption {
	return func(o *callOptions) {
		o.id = id
	}
}

// WithMetadata sets transport metadata for the call, e.g. MetaResponseTimeout
// or an additional HTTP header. Caller metadata overrides the defaults.
func WithMetadata(key, value string) CallOption {
	return func(o *callOptions) {
		o.meta[key] = value
	}
}

// Call starts a remote procedure call. Either onMessage or onFault is invoked
// exactly once on completion, unless the call is aborted. Call returns
// immediately.
func (cl *Client) Call(method string, args []Value, onMessage MessageFunc, onFault FaultFunc, opts ...CallOption) *Call {
	o := callOptions{meta: Metadata{}}
	for _, opt := range opts {
		opt(&o)
	}
	if cl.URL == "" {
		clnLog.Warningf("Cannot execute call to %s: empty server URL", method)
	}

	// fill metadata with user agent and digest auth hint
	meta := Metadata{
		MetaContentType:    contentType,
		MetaConnectTimeout: connectTimeout,
	}
	if cl.UserAgent == "" {
		meta[MetaUserAgent] = fallbackUserAgent
	} else {
		meta[MetaUserAgent] = cl.UserAgent
	}
	if cl.DigestAuth {
		meta[MetaAuthenticate] = digestScheme
	}
	for k, v := range o.meta {
		meta[k] = v
	}

	transport := cl.Transport
	if transport == nil {
		transport = &HTTPTransport{}
	}
	c := newCall(method, o.id, onMessage, onFault, transport, cl.ResponseSizeLimit)
	c.finished = cl.remove

	cl.mtx.Lock()
	if cl.closed {
		cl.mtx.Unlock()
		clnLog.Warningf("Client is closed, call to %s dropped", method)
		c.Abort()
		return c
	}
	if cl.pending == nil {
		cl.pending = make(map[uuid.UUID]*Call)
	}
	cl.pending[c.handle] = c
	clnLog.Debugf("Calling method %s on %s (call %s)", method, cl.URL, c.handle)
	// started under lock, so that Close waits for the goroutine
	if run := c.prepare(cl.URL, args, meta); run != nil {
		cl.daemons.Run(func(conc.Context) { run() })
	}
	cl.mtx.Unlock()
	return c
}

// CallString calls a method with a single string argument.
func (cl *Client) CallString(method string, arg string, onMessage MessageFunc, onFault FaultFunc, opts ...CallOption) *Call {
	return cl.Call(method, []Value{String(arg)}, onMessage, onFault, opts...)
}

// CallInt calls a method with a single int argument.
func (cl *Client) CallInt(method string, arg int32, onMessage MessageFunc, onFault FaultFunc, opts ...CallOption) *Call {
	return cl.Call(method, []Value{Int(arg)}, onMessage, onFault, opts...)
}

// CallBool calls a method with a single boolean argument.
func (cl *Client) CallBool(method string, arg bool, onMessage MessageFunc, onFault FaultFunc, opts ...CallOption) *Call {
	return cl.Call(method, []Value{Bool(arg)}, onMessage, onFault, opts...)
}

// CallDouble calls a method with a single double argument.
func (cl *Client) CallDouble(method string, arg float64, onMessage MessageFunc, onFault FaultFunc, opts ...CallOption) *Call {
	return cl.Call(method, []Value{Double(arg)}, onMessage, onFault, opts...)
}

// CallBinary calls a method with a single base64 argument.
func (cl *Client) CallBinary(method string, arg []byte, onMessage MessageFunc, onFault FaultFunc, opts ...CallOption) *Call {
	return cl.Call(method, []Value{Binary(arg)}, onMessage, onFault, opts...)
}

// CallDateTime calls a method with a single dateTime.iso8601 argument.
func (cl *Client) CallDateTime(method string, arg time.Time, onMessage MessageFunc, onFault FaultFunc, opts ...CallOption) *Call {
	return cl.Call(method, []Value{NewDateTime(arg)}, onMessage, onFault, opts...)
}

// CallStrings calls a method with one string argument per list element.
func (cl *Client) CallStrings(method string, args []string, onMessage MessageFunc, onFault FaultFunc, opts ...CallOption) *Call {
	vs := make([]Value, len(args))
	for i, a := range args {
		vs[i] = String(a)
	}
	return cl.Call(method, vs, onMessage, onFault, opts...)
}

// Invoke executes a call and waits for the result. A fault of the server is
// returned as *MethodError, a failed transport or a malformed response as
// *TransportError. Cancelling the context aborts the call. Invoke implements
// Caller.
func (cl *Client) Invoke(ctx context.Context, method string, args []Value) ([]Value, error) {
	type outcome struct {
		data []Value
		err  error
	}
	res := make(chan outcome, 1)
	c := cl.Call(method, args,
		func(params []Value, _ interface{}) {
			res <- outcome{data: params}
		},
		func(code int, message string, _ interface{}) {
			res <- outcome{err: &MethodError{Code: code, Message: message}}
		},
	)
	select {
	case <-ctx.Done():
		c.Abort()
		return nil, ctx.Err()
	case <-c.Done():
		if err := c.Err(); err != nil {
			return nil, err
		}
		select {
		case o := <-res:
			return o.data, o.err
		default:
			return nil, ErrAborted
		}
	}
}

// Pending returns the number of outstanding calls.
func (cl *Client) Pending() int {
	cl.mtx.Lock()
	defer cl.mtx.Unlock()
	return len(cl.pending)
}

// Close aborts all outstanding calls and waits for their termination. No
// callback is invoked after Close returns. Close must not be called from a
// callback.
func (cl *Client) Close() {
	cl.mtx.Lock()
	if cl.closed {
		cl.mtx.Unlock()
		return
	}
	cl.closed = true
	calls := make([]*Call, 0, len(cl.pending))
	for _, c := range cl.pending {
		calls = append(calls, c)
	}
	cl.mtx.Unlock()

	clnLog.Debugf("Closing client for %s, aborting %d call(s)", cl.URL, len(calls))
	for _, c := range calls {
		c.Abort()
	}
	cl.daemons.Close()
}

func (cl *Client) remove(c *Call) {
	cl.mtx.Lock()
	defer cl.mtx.Unlock()
	delete(cl.pending, c.handle)
}
