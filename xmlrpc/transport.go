package xmlrpc

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"
)

// Metadata keys understood by HTTPTransport. Other keys are sent as HTTP
// request headers.
const (
	MetaContentType     = "content-type"
	MetaConnectTimeout  = "ConnectTimeout"  // seconds
	MetaResponseTimeout = "ResponseTimeout" // seconds
	MetaUserAgent       = "UserAgent"
	MetaAuthenticate    = "WWW-Authenticate:"
)

const (
	defaultConnectTimeout = 50 * time.Second
	digestScheme          = "Digest"
)

// Metadata holds per call transport options.
type Metadata map[string]string

// Transport sends the markup of a call to a server and delivers the response
// body as a stream. A cancellation of the context aborts the operation.
type Transport interface {
	Post(ctx context.Context, url string, body []byte, meta Metadata) (io.ReadCloser, error)
}

// TransportError is a failure on the way to the server and back: a network or
// HTTP error, or a response which is not well-formed XML. Code is the HTTP
// status, CodeMalformedResponse for bad markup, otherwise CodeTransportError.
// The server has not returned a fault.
type TransportError struct {
	Code    int
	Message string
	Err     error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("Transport error (code: %d, message: %s)", e.Code, e.Message)
}

func (e *TransportError) Unwrap() error {
	return e.Err
}

type connectTimeoutKey struct{}

// dialContext applies the connect timeout passed with the request context.
func dialContext(ctx context.Context, network, addr string) (net.Conn, error) {
	d := net.Dialer{Timeout: defaultConnectTimeout, KeepAlive: 30 * time.Second}
	if t, ok := ctx.Value(connectTimeoutKey{}).(time.Duration); ok {
		d.Timeout = t
	}
	return d.DialContext(ctx, network, addr)
}

var defaultHTTPClient = &http.Client{
	Transport: &http.Transport{
		Proxy:               http.ProxyFromEnvironment,
		DialContext:         dialContext,
		MaxIdleConnsPerHost: 4,
		IdleConnTimeout:     90 * time.Second,
	},
}

// HTTPTransport posts calls with net/http.
type HTTPTransport struct {
	// Client is used for the requests. If nil, a client is used, which
	// applies MetaConnectTimeout.
	Client *http.Client
}

// Post implements Transport.
func (t *HTTPTransport) Post(ctx context.Context, addr string, body []byte, meta Metadata) (io.ReadCloser, error) {
	u, err := url.Parse(addr)
	if err != nil || u.Scheme == "" || u.Host == "" {
		return nil, &TransportError{Code: CodeTransportError, Message: fmt.Sprintf("Invalid URL: %q", addr), Err: err}
	}
	if secs := metaSeconds(meta, MetaConnectTimeout); secs > 0 {
		ctx = context.WithValue(ctx, connectTimeoutKey{}, secs)
	}
	cancel := context.CancelFunc(func() {})
	if secs := metaSeconds(meta, MetaResponseTimeout); secs > 0 {
		ctx, cancel = context.WithTimeout(ctx, secs)
	}

	cln := t.Client
	if cln == nil {
		cln = defaultHTTPClient
	}
	// credentials are only sent as answer to a digest challenge
	if strings.EqualFold(meta[MetaAuthenticate], digestScheme) && u.User != nil {
		cln = digestClient(cln, u.User)
		u.User = nil
	}

	resp, err := send(ctx, cln, u, body, meta)
	if err != nil {
		aborted := errors.Is(ctx.Err(), context.Canceled)
		cancel()
		if aborted {
			return nil, err
		}
		return nil, &TransportError{Code: CodeTransportError, Message: err.Error(), Err: err}
	}

	// check status
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		drain(resp)
		cancel()
		return nil, &TransportError{
			Code:    resp.StatusCode,
			Message: fmt.Sprintf("HTTP request failed on %s with code: %s", u.Redacted(), resp.Status),
		}
	}
	return &cancelBody{resp.Body, cancel}, nil
}

func send(ctx context.Context, cln *http.Client, u *url.URL, body []byte, meta Metadata) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	for k, v := range meta {
		switch k {
		case MetaContentType:
			// value may be given as complete header line
			v = strings.TrimSpace(strings.TrimPrefix(v, "Content-Type:"))
			req.Header.Set("Content-Type", v)
		case MetaUserAgent:
			req.Header.Set("User-Agent", v)
		case MetaConnectTimeout, MetaResponseTimeout, MetaAuthenticate:
		default:
			req.Header.Set(k, v)
		}
	}
	return cln.Do(req)
}

func metaSeconds(meta Metadata, key string) time.Duration {
	v, ok := meta[key]
	if !ok {
		return 0
	}
	secs, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || secs <= 0 {
		clnLog.Warningf("Invalid transport metadata %s: %s", key, v)
		return 0
	}
	return time.Duration(secs) * time.Second
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))
	resp.Body.Close()
}

// cancelBody releases the response timeout on close.
type cancelBody struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (b *cancelBody) Close() error {
	err := b.ReadCloser.Close()
	b.cancel()
	return err
}
