package xmlrpc

import (
	"context"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/mdzio/go-lib/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// Test configuration (environment variables)
const (
	// URL of an XML-RPC server, e.g. http://192.168.0.10:2001
	xmlrpcServer = "XMLRPC_SERVER"
)

// recorder collects the callback invocations of calls.
type recorder struct {
	mtx      sync.Mutex
	messages [][]Value
	faults   []MethodError
	ids      []interface{}
}

func (r *recorder) onMessage(params []Value, id interface{}) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.messages = append(r.messages, params)
	r.ids = append(r.ids, id)
}

func (r *recorder) onFault(code int, message string, id interface{}) {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	r.faults = append(r.faults, MethodError{Code: code, Message: message})
	r.ids = append(r.ids, id)
}

func (r *recorder) count() int {
	r.mtx.Lock()
	defer r.mtx.Unlock()
	return len(r.messages) + len(r.faults)
}

func waitDone(t *testing.T, c *Call) {
	t.Helper()
	select {
	case <-c.Done():
	case <-time.After(10 * time.Second):
		t.Fatalf("call %s of method %s not finished", c.Handle(), c.Method())
	}
}

// staticServer responds always with the specified body.
func staticServer(body string) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/xml")
		io.WriteString(w, body)
	}))
}

func TestCallMessage(t *testing.T) {
	srv := staticServer(messageResponse)
	defer srv.Close()
	cln := NewClient(srv.URL)
	defer cln.Close()

	var rec recorder
	c := cln.Call("method", nil, rec.onMessage, rec.onFault, WithID(42))
	assert.Equal(t, "method", c.Method())
	assert.Equal(t, 42, c.ID())
	waitDone(t, c)

	assert.Equal(t, [][]Value{{String("result")}}, rec.messages)
	assert.Empty(t, rec.faults)
	assert.Equal(t, []interface{}{42}, rec.ids)
	assert.Equal(t, Completed, c.State())
	assert.Equal(t, 0, cln.Pending())
}

func TestCallFault(t *testing.T) {
	srv := staticServer(faultResponse)
	defer srv.Close()
	cln := NewClient(srv.URL)
	defer cln.Close()

	var rec recorder
	c := cln.Call("method", []Value{Int(1)}, rec.onMessage, rec.onFault, WithID("id"))
	waitDone(t, c)

	assert.Empty(t, rec.messages)
	assert.Equal(t, []MethodError{{Code: 10, Message: "Fatal Server Error"}}, rec.faults)
	assert.Equal(t, []interface{}{"id"}, rec.ids)
	assert.Equal(t, Completed, c.State())
	assert.NoError(t, c.Err())
}

func TestCallMalformedResponse(t *testing.T) {
	srv := staticServer("<methodResponse><params>")
	defer srv.Close()
	cln := NewClient(srv.URL)
	defer cln.Close()

	var rec recorder
	c := cln.Call("method", nil, rec.onMessage, rec.onFault)
	waitDone(t, c)

	require.Len(t, rec.faults, 1)
	assert.Equal(t, CodeMalformedResponse, rec.faults[0].Code)
	assert.True(t, strings.HasPrefix(rec.faults[0].Message, "Received invalid XML markup: "), rec.faults[0].Message)
	assert.Equal(t, Failed, c.State())
	assert.Error(t, c.Err())
}

func TestCallUnknownResponse(t *testing.T) {
	srv := staticServer("<methodResponse><something/></methodResponse>")
	defer srv.Close()
	cln := NewClient(srv.URL)
	defer cln.Close()

	var rec recorder
	c := cln.Call("method", nil, rec.onMessage, rec.onFault)
	waitDone(t, c)

	assert.Equal(t, []MethodError{{Code: CodeUnknownResponse, Message: "unknown response shape"}}, rec.faults)
}

func TestCallHTTPError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusInternalServerError)
	}))
	defer srv.Close()
	cln := NewClient(srv.URL)
	defer cln.Close()

	var rec recorder
	c := cln.Call("method", nil, rec.onMessage, rec.onFault)
	waitDone(t, c)

	require.Len(t, rec.faults, 1)
	assert.Equal(t, http.StatusInternalServerError, rec.faults[0].Code)
	assert.Contains(t, rec.faults[0].Message, "500")
	assert.Empty(t, rec.messages)
	assert.Equal(t, Failed, c.State())
}

func TestCallConnectionRefused(t *testing.T) {
	// address of a stopped server
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	cln := NewClient(url)
	defer cln.Close()

	var rec recorder
	c := cln.Call("method", nil, rec.onMessage, rec.onFault)
	waitDone(t, c)

	require.Len(t, rec.faults, 1)
	assert.Equal(t, CodeTransportError, rec.faults[0].Code)
	assert.NotEmpty(t, rec.faults[0].Message)
}

func TestCallInvalidURL(t *testing.T) {
	cln := NewClient("")
	defer cln.Close()

	var rec recorder
	c := cln.Call("method", nil, rec.onMessage, rec.onFault)
	waitDone(t, c)

	require.Len(t, rec.faults, 1)
	assert.Equal(t, CodeTransportError, rec.faults[0].Code)
}

func TestCallHeaders(t *testing.T) {
	type request struct {
		header http.Header
		body   string
	}
	reqs := make(chan request, 1)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, _ := io.ReadAll(r.Body)
		reqs <- request{r.Header.Clone(), string(body)}
		io.WriteString(w, messageResponse)
	}))
	defer srv.Close()

	t.Run("default", func(t *testing.T) {
		cln := NewClient(srv.URL)
		defer cln.Close()
		waitDone(t, cln.Call("method", []Value{String("a")}, nil, nil))
		r := <-reqs
		assert.Equal(t, "Go XML-RPC client", r.header.Get("User-Agent"))
		assert.Equal(t, "text/xml; charset=utf-8", r.header.Get("Content-Type"))
		assert.Empty(t, r.header.Get("Authorization"))
		assert.Equal(t, string(MarkupCall("method", []Value{String("a")})), r.body)
	})

	t.Run("fallback user agent", func(t *testing.T) {
		cln := &Client{URL: srv.URL}
		defer cln.Close()
		waitDone(t, cln.Call("method", nil, nil, nil))
		r := <-reqs
		assert.Equal(t, "Go-XMLRPC", r.header.Get("User-Agent"))
	})

	t.Run("metadata", func(t *testing.T) {
		cln := NewClient(srv.URL)
		cln.UserAgent = "agent"
		defer cln.Close()
		waitDone(t, cln.Call("method", nil, nil, nil,
			WithMetadata("X-Test", "value"),
			WithMetadata(MetaContentType, "Content-Type: text/xml"),
		))
		r := <-reqs
		assert.Equal(t, "agent", r.header.Get("User-Agent"))
		assert.Equal(t, "value", r.header.Get("X-Test"))
		assert.Equal(t, "text/xml", r.header.Get("Content-Type"))
		// transport options are not sent
		assert.Empty(t, r.header.Get(MetaConnectTimeout))
	})
}

// blockingServer sends the start of a response and waits for release.
func blockingServer(t *testing.T) (srv *httptest.Server, release func()) {
	ch := make(chan struct{})
	srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, "<?xml version=\"1.0\"?>\r\n<methodResponse>")
		w.(http.Flusher).Flush()
		select {
		case <-ch:
		case <-r.Context().Done():
		}
	}))
	var once sync.Once
	return srv, func() { once.Do(func() { close(ch) }) }
}

func TestCallBuffering(t *testing.T) {
	srv, release := blockingServer(t)
	defer srv.Close()
	defer release()
	cln := NewClient(srv.URL)
	defer cln.Close()

	c := cln.Call("method", nil, nil, nil)
	assert.Eventually(t, func() bool { return c.State() == Buffering }, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 1, cln.Pending())
}

func TestClientClose(t *testing.T) {
	srv, release := blockingServer(t)
	defer srv.Close()
	defer release()
	cln := NewClient(srv.URL)

	var rec recorder
	c1 := cln.Call("method1", nil, rec.onMessage, rec.onFault)
	c2 := cln.Call("method2", nil, rec.onMessage, rec.onFault)
	assert.Eventually(t, func() bool {
		return c1.State() == Buffering && c2.State() == Buffering
	}, 5*time.Second, 10*time.Millisecond)
	assert.Equal(t, 2, cln.Pending())

	cln.Close()
	assert.Equal(t, Aborted, c1.State())
	assert.Equal(t, Aborted, c2.State())
	waitDone(t, c1)
	waitDone(t, c2)
	assert.Equal(t, 0, cln.Pending())
	assert.Equal(t, 0, rec.count())

	// calls after close are aborted immediately
	c3 := cln.Call("method3", nil, rec.onMessage, rec.onFault)
	waitDone(t, c3)
	assert.Equal(t, Aborted, c3.State())
	assert.Equal(t, 0, rec.count())

	// repeated close
	cln.Close()
}

func TestCallAbort(t *testing.T) {
	srv, release := blockingServer(t)
	defer srv.Close()
	defer release()
	cln := NewClient(srv.URL)
	defer cln.Close()

	var rec recorder
	c := cln.Call("method", nil, rec.onMessage, rec.onFault)
	c.Abort()
	waitDone(t, c)
	assert.Equal(t, Aborted, c.State())
	assert.Equal(t, 0, cln.Pending())

	// a terminal state is not changed
	c.Abort()
	assert.Equal(t, Aborted, c.State())
	assert.Equal(t, 0, rec.count())
}

func TestCallResponseTimeout(t *testing.T) {
	srv, release := blockingServer(t)
	defer srv.Close()
	defer release()
	cln := NewClient(srv.URL)
	defer cln.Close()

	var rec recorder
	c := cln.Call("method", nil, rec.onMessage, rec.onFault, WithMetadata(MetaResponseTimeout, "1"))
	waitDone(t, c)
	require.Len(t, rec.faults, 1)
	assert.Equal(t, CodeTransportError, rec.faults[0].Code)
	assert.Equal(t, Failed, c.State())
}

func TestCallResponseSizeLimit(t *testing.T) {
	srv := staticServer(string(MarkupResponse([]Value{String(strings.Repeat("x", 1000))})))
	defer srv.Close()
	cln := NewClient(srv.URL)
	cln.ResponseSizeLimit = 100
	defer cln.Close()

	var rec recorder
	c := cln.Call("method", nil, rec.onMessage, rec.onFault)
	waitDone(t, c)
	require.Len(t, rec.faults, 1)
	assert.Equal(t, CodeTransportError, rec.faults[0].Code)
	assert.Contains(t, rec.faults[0].Message, "size limit")
}

// fakeTransport serves responses without network.
type fakeTransport struct {
	body string
	err  error
	meta Metadata
}

func (f *fakeTransport) Post(_ context.Context, _ string, _ []byte, meta Metadata) (io.ReadCloser, error) {
	f.meta = meta
	if f.err != nil {
		return nil, f.err
	}
	return io.NopCloser(strings.NewReader(f.body)), nil
}

func TestCallTransport(t *testing.T) {
	ft := &fakeTransport{body: messageResponse}
	cln := &Client{URL: "fake://server", DigestAuth: true, Transport: ft}
	defer cln.Close()

	res, err := cln.Invoke(context.Background(), "method", nil)
	require.NoError(t, err)
	assert.Equal(t, []Value{String("result")}, res)
	assert.Equal(t, "Digest", ft.meta[MetaAuthenticate])
	assert.Equal(t, "50", ft.meta[MetaConnectTimeout])

	ft.err = errors.New("no route")
	_, err = cln.Invoke(context.Background(), "method", nil)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, CodeTransportError, te.Code)
	assert.Equal(t, "no route", te.Message)
	assert.ErrorIs(t, err, ft.err)

	ft.err = &TransportError{Code: 503, Message: "unavailable"}
	_, err = cln.Invoke(context.Background(), "method", nil)
	assert.Equal(t, ft.err, err)

	// server faults keep their type
	ft.err = nil
	ft.body = faultResponse
	_, err = cln.Invoke(context.Background(), "method", nil)
	assert.Equal(t, &MethodError{Code: 10, Message: "Fatal Server Error"}, err)
}

func TestInvokeMalformedResponse(t *testing.T) {
	srv := staticServer("<methodResponse><params>")
	defer srv.Close()
	cln := NewClient(srv.URL)
	defer cln.Close()

	_, err := cln.Invoke(context.Background(), "method", nil)
	var te *TransportError
	require.ErrorAs(t, err, &te)
	assert.Equal(t, CodeMalformedResponse, te.Code)
	assert.True(t, strings.HasPrefix(te.Message, "Received invalid XML markup: "), te.Message)
	var se *SyntaxError
	assert.ErrorAs(t, err, &se)
}

func TestInvokeCancel(t *testing.T) {
	srv, release := blockingServer(t)
	defer srv.Close()
	defer release()
	cln := NewClient(srv.URL)
	defer cln.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()
	_, err := cln.Invoke(ctx, "method", nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Eventually(t, func() bool { return cln.Pending() == 0 }, 5*time.Second, 10*time.Millisecond)

	cln.Close()
	_, err = cln.Invoke(context.Background(), "method", nil)
	assert.ErrorIs(t, err, ErrAborted)
}

func TestCallOverloads(t *testing.T) {
	h := NewHandler()
	h.HandleFunc("args", func(args []Value) (Value, error) {
		return Array(args), nil
	})
	srv := httptest.NewServer(h)
	defer srv.Close()
	cln := NewClient(srv.URL)
	defer cln.Close()

	tm := time.Date(2020, 5, 6, 7, 8, 9, 0, time.UTC)
	calls := []struct {
		call func(MessageFunc, FaultFunc) *Call
		want Array
	}{
		{func(m MessageFunc, f FaultFunc) *Call { return cln.CallString("args", "s", m, f) }, Array{String("s")}},
		{func(m MessageFunc, f FaultFunc) *Call { return cln.CallInt("args", -5, m, f) }, Array{Int(-5)}},
		{func(m MessageFunc, f FaultFunc) *Call { return cln.CallBool("args", true, m, f) }, Array{Bool(true)}},
		{func(m MessageFunc, f FaultFunc) *Call { return cln.CallDouble("args", 2.5, m, f) }, Array{Double(2.5)}},
		{func(m MessageFunc, f FaultFunc) *Call { return cln.CallBinary("args", []byte{1, 2}, m, f) }, Array{Binary{1, 2}}},
		{func(m MessageFunc, f FaultFunc) *Call {
			return cln.CallStrings("args", []string{"a", "b", "c"}, m, f)
		}, Array{String("a"), String("b"), String("c")}},
	}
	for _, c := range calls {
		var rec recorder
		waitDone(t, c.call(rec.onMessage, rec.onFault))
		assert.Equal(t, [][]Value{{c.want}}, rec.messages)
	}

	var rec recorder
	waitDone(t, cln.CallDateTime("args", tm, rec.onMessage, rec.onFault))
	require.Len(t, rec.messages, 1)
	got := Q(rec.messages[0][0]).Idx(0).Time()
	assert.True(t, tm.Equal(got), "want %v, got %v", tm, got)
}

func TestCallConcurrent(t *testing.T) {
	h := NewHandler()
	h.HandleFunc("echo", func(args []Value) (Value, error) {
		return args[0], nil
	})
	srv := httptest.NewServer(h)
	defer srv.Close()
	cln := NewClient(srv.URL)
	defer cln.Close()

	const n = 20
	var rec recorder
	calls := make([]*Call, n)
	for i := 0; i < n; i++ {
		calls[i] = cln.CallInt("echo", int32(i), rec.onMessage, rec.onFault, WithID(i))
	}
	for _, c := range calls {
		waitDone(t, c)
	}
	require.Len(t, rec.messages, n)
	// correlation IDs match the echoed values
	for i := range rec.messages {
		assert.Equal(t, rec.ids[i], Q(rec.messages[i][0]).Int())
	}
	assert.Equal(t, 0, cln.Pending())
}

func TestCallStateString(t *testing.T) {
	assert.Equal(t, "idle", Idle.String())
	assert.Equal(t, "buffering", Buffering.String())
	assert.Equal(t, "aborted", Aborted.String())
	assert.Equal(t, "state(9)", CallState(9).String())
}

func TestClientIntegration(t *testing.T) {
	cln := NewClient(testutil.Config(t, xmlrpcServer))
	defer cln.Close()

	res, err := cln.Invoke(context.Background(), "system.listMethods", nil)
	require.NoError(t, err)
	require.Len(t, res, 1)
	q := Q(res[0])
	names := q.Strings()
	require.NoError(t, q.Err())
	assert.Contains(t, names, "system.listMethods")
}
