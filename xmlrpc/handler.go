package xmlrpc

import (
	"io"
	"net/http"
	"strconv"

	"github.com/mdzio/go-logging"
)

// max. size of a valid request, if not specified: 10 MB
const requestSizeLimit = 10 * 1024 * 1024

var svrLog = logging.Get("xmlrpc-server")

// Handler implements a http.Handler which can handle XML-RPC requests. Remote
// calls are dispatched to the registered Method's.
type Handler struct {
	RequestSizeLimit int64
	*Dispatcher
}

// NewHandler creates a Handler with an empty Dispatcher.
func NewHandler() *Handler {
	return &Handler{Dispatcher: &Dispatcher{}}
}

func (h *Handler) ServeHTTP(resp http.ResponseWriter, req *http.Request) {
	svrLog.Tracef("Request received from %s, URI %s", req.RemoteAddr, req.RequestURI)

	if req.Method != http.MethodPost {
		http.Error(resp, "Method not allowed: "+req.Method, http.StatusMethodNotAllowed)
		return
	}

	// read request
	limit := h.RequestSizeLimit
	if limit == 0 {
		limit = requestSizeLimit
	}
	reqLimitReader := http.MaxBytesReader(resp, req.Body, limit)
	reqBuf, err := io.ReadAll(reqLimitReader)
	if err != nil {
		svrLog.Errorf("Reading of request failed from %s: %v", req.RemoteAddr, err)
		http.Error(resp, "Reading of request failed: "+err.Error(), http.StatusBadRequest)
		return
	}
	if svrLog.TraceEnabled() {
		svrLog.Tracef("Request XML: %s", string(reqBuf))
	}

	// decode request from xml
	doc, err := ParseDocument(reqBuf)
	var method string
	var args []Value
	if err == nil {
		method, args, err = ParseMethodCall(doc)
	}
	if err != nil {
		svrLog.Errorf("Decoding of request from %s failed: %v", req.RemoteAddr, err)
		http.Error(resp, "Decoding of request failed: "+err.Error(), http.StatusBadRequest)
		return
	}

	// dispatch call
	var respBuf []byte
	res, err := h.Dispatch(method, args)
	if err != nil {
		svrLog.Warningf("Sending error response to %s: %v", req.RemoteAddr, err)
		respBuf = MarkupFault(faultOf(err))
	} else {
		if res == nil {
			// a response needs a value
			res = String("")
		}
		respBuf = MarkupResponse([]Value{res})
	}
	if svrLog.TraceEnabled() {
		svrLog.Tracef("Response XML: %s", string(respBuf))
	}

	// send response
	resp.Header().Set("Content-Type", contentType)
	resp.Header().Set("Content-Length", strconv.Itoa(len(respBuf)))
	_, err = resp.Write(respBuf)
	if err != nil {
		svrLog.Warningf("Sending of response for %s failed: %v", req.RemoteAddr, err)
		return
	}
}
