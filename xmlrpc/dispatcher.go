package xmlrpc

import (
	"fmt"
	"sort"
	"sync"
)

// A Method is dispatched from a Handler.
type Method interface {
	Call(args []Value) (Value, error)
}

// MethodFunc is an adapter to use ordinary functions as Method's.
type MethodFunc func(args []Value) (Value, error)

// Call implements interface Method.
func (m MethodFunc) Call(args []Value) (Value, error) {
	return m(args)
}

// Dispatcher dispatches a received XML-RPC call to registered methods.
type Dispatcher struct {
	mutex   sync.RWMutex
	methods map[string]Method
	unknown func(string, []Value) (Value, error)
}

// Handle registers a Method.
func (d *Dispatcher) Handle(name string, m Method) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	if d.methods == nil {
		d.methods = make(map[string]Method)
	}
	d.methods[name] = m
}

// HandleFunc registers an ordinary function as Method.
func (d *Dispatcher) HandleFunc(name string, f func([]Value) (Value, error)) {
	d.Handle(name, MethodFunc(f))
}

// HandleUnknownFunc registers an ordinary function to handle unknown method
// names.
func (d *Dispatcher) HandleUnknownFunc(f func(string, []Value) (Value, error)) {
	d.mutex.Lock()
	defer d.mutex.Unlock()

	d.unknown = f
}

// AddSystemMethods adds system.multicall, system.listMethods and
// system.methodHelp.
func (d *Dispatcher) AddSystemMethods() {

	// a failing call is reported as fault struct in the result array
	d.HandleFunc(
		"system.multicall",
		func(args []Value) (Value, error) {
			q := Q(Array(args))
			calls := q.Idx(0).Slice()
			if q.Err() != nil {
				return nil, fmt.Errorf("Invalid system.multicall: %v", q.Err())
			}
			svrLog.Debugf("Call of method system.multicall with %d elements received", len(calls))
			results := make(Array, 0, len(calls))
			for _, call := range calls {
				methodName := call.Key("methodName").String()
				params := call.Key("params").Slice()
				if q.Err() != nil {
					return nil, fmt.Errorf("Invalid system.multicall: %v", q.Err())
				}
				callArgs := make([]Value, len(params))
				for i, p := range params {
					callArgs[i] = p.Value()
				}
				res, err := d.Dispatch(methodName, callArgs)
				if err != nil {
					code, msg := faultOf(err)
					results = append(results, Struct{"faultCode": Int(code), "faultString": String(msg)})
					continue
				}
				results = append(results, Array{res})
			}
			return results, nil
		},
	)

	d.HandleFunc(
		"system.listMethods",
		func([]Value) (Value, error) {
			svrLog.Debugf("Call of method system.listMethods received")
			d.mutex.RLock()
			defer d.mutex.RUnlock()

			names := make([]string, 0, len(d.methods))
			for name := range d.methods {
				names = append(names, name)
			}
			sort.Strings(names)
			return NewValue(names)
		},
	)

	// attention: This implementation returns always an empty string.
	d.HandleFunc(
		"system.methodHelp",
		func([]Value) (Value, error) {
			svrLog.Debugf("Call of method system.methodHelp received")
			return String(""), nil
		},
	)
}

// Dispatch dispatches a method call to a registered function.
func (d *Dispatcher) Dispatch(methodName string, args []Value) (Value, error) {
	d.mutex.RLock()
	method, ok := d.methods[methodName]
	unknown := d.unknown
	d.mutex.RUnlock()

	if !ok {
		if unknown == nil {
			unknown = func(name string, _ []Value) (Value, error) {
				return nil, fmt.Errorf("Unknown method: %s", name)
			}
		}
		return unknown(methodName, args)
	}
	return method.Call(args)
}

// faultOf maps an error to fault code and message. Errors other than
// *MethodError get code -1.
func faultOf(err error) (int, string) {
	if fre, ok := err.(*MethodError); ok {
		return fre.Code, fre.Message
	}
	return -1, err.Error()
}
