package xmlrpc

import (
	"fmt"
	"time"
)

// Query helps to extract values from demarshaled data. The first error is
// sticky and shared by all derived queries.
type Query struct {
	value Value
	err   *error
	// cache arrays
	array []*Query
}

// Q creates a new Query for the specified Value.
func Q(v Value) *Query {
	var err error
	return &Query{value: v, err: &err}
}

// Err returns the first encountered error.
func (q *Query) Err() error {
	return *q.err
}

func (q *Query) fail(format string, args ...interface{}) {
	if *q.err == nil {
		*q.err = fmt.Errorf(format, args...)
	}
}

// Int gets an XML-RPC int value.
func (q *Query) Int() int {
	// previous error or empty optional?
	if q.Err() != nil || q.value == nil {
		return 0
	}
	i, ok := q.value.(Int)
	if !ok {
		q.fail("Not an int: %s", q.value.Kind())
		return 0
	}
	return int(i)
}

// Bool gets an XML-RPC boolean value.
func (q *Query) Bool() bool {
	if q.Err() != nil || q.value == nil {
		return false
	}
	b, ok := q.value.(Bool)
	if !ok {
		q.fail("Not a bool: %s", q.value.Kind())
		return false
	}
	return bool(b)
}

// String gets an XML-RPC string value.
func (q *Query) String() string {
	if q.Err() != nil || q.value == nil {
		return ""
	}
	s, ok := q.value.(String)
	if !ok {
		q.fail("Not a string: %s", q.value.Kind())
		return ""
	}
	return string(s)
}

// Float64 gets an XML-RPC double value.
func (q *Query) Float64() float64 {
	if q.Err() != nil || q.value == nil {
		return 0
	}
	d, ok := q.value.(Double)
	if !ok {
		q.fail("Not a double: %s", q.value.Kind())
		return 0
	}
	return float64(d)
}

// Bytes gets an XML-RPC base64 value.
func (q *Query) Bytes() []byte {
	if q.Err() != nil || q.value == nil {
		return nil
	}
	b, ok := q.value.(Binary)
	if !ok {
		q.fail("Not a base64: %s", q.value.Kind())
		return nil
	}
	return []byte(b)
}

// Time gets an XML-RPC dateTime.iso8601 value.
func (q *Query) Time() time.Time {
	if q.Err() != nil || q.value == nil {
		return time.Time{}
	}
	t, ok := q.value.(DateTime)
	if !ok {
		q.fail("Not a dateTime.iso8601: %s", q.value.Kind())
		return time.Time{}
	}
	return t.Time
}

// IsEmpty returns true, if there is no previous error and the value is
// absent.
func (q *Query) IsEmpty() bool {
	return q.Err() == nil && q.value == nil
}

// Any returns the value converted to native data types (see Native).
func (q *Query) Any() interface{} {
	if q.Err() != nil {
		return nil
	}
	return Native(q.value)
}

// Map returns all members of an XML-RPC struct.
func (q *Query) Map() map[string]*Query {
	if q.Err() != nil || q.value == nil {
		return nil
	}
	s, ok := q.value.(Struct)
	if !ok {
		q.fail("Not a struct: %s", q.value.Kind())
		return nil
	}
	m := make(map[string]*Query, len(s))
	for n, v := range s {
		m[n] = &Query{value: v, err: q.err}
	}
	return m
}

// key gets the specified member from a struct.
func (q *Query) key(name string, must bool) *Query {
	if q.Err() != nil || q.value == nil {
		return &Query{err: q.err}
	}
	s, ok := q.value.(Struct)
	if !ok {
		q.fail("Not a struct: %s", q.value.Kind())
		return &Query{err: q.err}
	}
	v, ok := s[name]
	if !ok {
		if must {
			q.fail("Field not found: %s", name)
		}
		return &Query{err: q.err}
	}
	return &Query{value: v, err: q.err}
}

// Key sets an error, if the specified member is missing.
func (q *Query) Key(name string) *Query {
	return q.key(name, true)
}

// TryKey does not set an error, if the specified member is missing.
func (q *Query) TryKey(name string) *Query {
	return q.key(name, false)
}

// Slice returns all array elements.
func (q *Query) Slice() []*Query {
	if q.Err() != nil || q.value == nil {
		return nil
	}
	// array already created?
	if q.array != nil {
		return q.array
	}
	a, ok := q.value.(Array)
	if !ok {
		q.fail("Not an array: %s", q.value.Kind())
		return nil
	}
	q.array = make([]*Query, len(a))
	for i, v := range a {
		q.array[i] = &Query{value: v, err: q.err}
	}
	return q.array
}

// Strings returns a string array.
func (q *Query) Strings() []string {
	if q.Err() != nil || q.value == nil {
		return nil
	}
	var r []string
	for _, e := range q.Slice() {
		r = append(r, e.String())
	}
	if q.Err() != nil {
		return nil
	}
	return r
}

// Idx returns the array element at i.
func (q *Query) Idx(i int) *Query {
	s := q.Slice()
	if q.Err() != nil {
		return &Query{err: q.err}
	}
	// check bounds
	if i < 0 || i >= len(s) {
		q.fail("Index out of bounds (array length: %d): %d", len(s), i)
		return &Query{err: q.err}
	}
	return s[i]
}

// Value returns the wrapped Value.
func (q *Query) Value() Value {
	return q.value
}
