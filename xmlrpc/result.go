package xmlrpc

import (
	"errors"
	"fmt"

	"github.com/samber/mo"
)

// Fault codes generated by the client itself.
const (
	// response is not well-formed XML
	CodeMalformedResponse = -1
	// response is neither a method response nor a fault
	CodeUnknownResponse = 1
	// transport failed without an HTTP status (see the XML-RPC fault code
	// interoperability proposal)
	CodeTransportError = -32300
)

const msgUnknownResponse = "unknown response shape"

// MethodError encapsulates an XML-RPC fault response.
type MethodError struct {
	Code    int
	Message string
}

// Error implements the error interface.
func (f *MethodError) Error() string {
	return fmt.Sprintf("XML-RPC fault (code: %d, message: %s)", f.Code, f.Message)
}

// Result is the outcome of a completed call: either the parameters returned
// by the server or a fault. The zero Result is a fault with code -1 and no
// message.
type Result struct {
	res mo.Result[[]Value]
}

func newSuccess(data []Value) Result {
	if data == nil {
		data = []Value{}
	}
	return Result{mo.Ok(data)}
}

func newFault(code int, message string) Result {
	return Result{mo.Err[[]Value](&MethodError{Code: code, Message: message})}
}

// Success returns true, if the server returned a method response.
func (r Result) Success() bool {
	data, err := r.res.Get()
	// the zero Result holds neither data nor an error
	return err == nil && data != nil
}

// Data returns the parameters of a method response.
func (r Result) Data() []Value {
	if !r.Success() {
		return nil
	}
	return r.res.OrEmpty()
}

// Fault returns the fault of an unsuccessful call.
func (r Result) Fault() *MethodError {
	if r.Success() {
		return nil
	}
	var f *MethodError
	if errors.As(r.res.Error(), &f) {
		return f
	}
	return &MethodError{Code: CodeMalformedResponse}
}

// ErrorCode returns the fault code. 0 is returned for a successful call.
func (r Result) ErrorCode() int {
	if f := r.Fault(); f != nil {
		return f.Code
	}
	return 0
}

// ErrorString returns the fault string.
func (r Result) ErrorString() string {
	if f := r.Fault(); f != nil {
		return f.Message
	}
	return ""
}

// Err returns the fault as error or nil.
func (r Result) Err() error {
	if f := r.Fault(); f != nil {
		return f
	}
	return nil
}
