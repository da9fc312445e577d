package xmlrpc

import (
	"fmt"
	"math"
	"sort"
	"time"
)

// Kind identifies the XML-RPC data type of a Value.
type Kind int

// XML-RPC data types. Invalid is the kind of an absent value.
const (
	Invalid Kind = iota
	StringKind
	IntKind
	DoubleKind
	BoolKind
	BinaryKind
	DateTimeKind
	ArrayKind
	StructKind
)

var kindNames = [...]string{
	Invalid:      "invalid",
	StringKind:   "string",
	IntKind:      "int",
	DoubleKind:   "double",
	BoolKind:     "boolean",
	BinaryKind:   "base64",
	DateTimeKind: "dateTime.iso8601",
	ArrayKind:    "array",
	StructKind:   "struct",
}

func (k Kind) String() string {
	if k < 0 || int(k) >= len(kindNames) {
		return fmt.Sprintf("kind(%d)", int(k))
	}
	return kindNames[k]
}

// Value represents an XML-RPC value. The set of implementations is closed:
// String, Int, Double, Bool, Binary, DateTime, Array and Struct. A nil Value is
// an absent value.
type Value interface {
	Kind() Kind
	isValue()
}

// String is an XML-RPC string.
type String string

// Int is an XML-RPC int (i4).
type Int int32

// Double is an XML-RPC double.
type Double float64

// Bool is an XML-RPC boolean.
type Bool bool

// Binary is an XML-RPC base64 value.
type Binary []byte

// DateTime is an XML-RPC dateTime.iso8601 value. Fractional seconds are
// marshaled only if present.
type DateTime struct {
	time.Time
}

// Array is an XML-RPC array.
type Array []Value

// Struct is an XML-RPC struct. Member order is not significant.
type Struct map[string]Value

func (String) Kind() Kind   { return StringKind }
func (Int) Kind() Kind      { return IntKind }
func (Double) Kind() Kind   { return DoubleKind }
func (Bool) Kind() Kind     { return BoolKind }
func (Binary) Kind() Kind   { return BinaryKind }
func (DateTime) Kind() Kind { return DateTimeKind }
func (Array) Kind() Kind    { return ArrayKind }
func (Struct) Kind() Kind   { return StructKind }

func (String) isValue()   {}
func (Int) isValue()      {}
func (Double) isValue()   {}
func (Bool) isValue()     {}
func (Binary) isValue()   {}
func (DateTime) isValue() {}
func (Array) isValue()    {}
func (Struct) isValue()   {}

// KindOf returns the kind of v. Invalid is returned for an absent value.
func KindOf(v Value) Kind {
	if v == nil {
		return Invalid
	}
	return v.Kind()
}

// Keys returns the member names of the struct in ascending order.
func (s Struct) Keys() []string {
	keys := make([]string, 0, len(s))
	for k := range s {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// NewDateTime creates a DateTime truncated to whole seconds.
func NewDateTime(t time.Time) DateTime {
	return DateTime{t.Truncate(time.Second)}
}

// NewValue creates a value from a native data type. Supported types: Value,
// bool, int, int32, int64, float64, string, []byte, time.Time, []string,
// []interface{} and map[string]interface{}.
func NewValue(in interface{}) (Value, error) {
	switch val := in.(type) {
	case Value:
		return val, nil
	case bool:
		return Bool(val), nil
	case int:
		return newInt(int64(val))
	case int32:
		return Int(val), nil
	case int64:
		return newInt(val)
	case float64:
		return Double(val), nil
	case string:
		return String(val), nil
	case []byte:
		return Binary(val), nil
	case time.Time:
		return NewDateTime(val), nil
	case []string:
		es := make(Array, len(val))
		for i, e := range val {
			es[i] = String(e)
		}
		return es, nil
	case []interface{}:
		es := make(Array, len(val))
		for i, e := range val {
			cv, err := NewValue(e)
			if err != nil {
				return nil, err
			}
			es[i] = cv
		}
		return es, nil
	case map[string]interface{}:
		ms := make(Struct, len(val))
		for n, v := range val {
			cv, err := NewValue(v)
			if err != nil {
				return nil, err
			}
			ms[n] = cv
		}
		return ms, nil
	default:
		return nil, fmt.Errorf("Conversion of type %[1]T with value %[1]v is not supported", in)
	}
}

func newInt(i int64) (Value, error) {
	if i < math.MinInt32 || i > math.MaxInt32 {
		return nil, fmt.Errorf("Integer out of XML-RPC int range: %d", i)
	}
	return Int(i), nil
}

// Native converts a value to native data types: string, int, float64, bool,
// []byte, time.Time, []interface{} or map[string]interface{}. nil is returned
// for an absent value.
func Native(v Value) interface{} {
	switch val := v.(type) {
	case nil:
		return nil
	case String:
		return string(val)
	case Int:
		return int(val)
	case Double:
		return float64(val)
	case Bool:
		return bool(val)
	case Binary:
		return []byte(val)
	case DateTime:
		return val.Time
	case Array:
		out := make([]interface{}, len(val))
		for i, e := range val {
			out[i] = Native(e)
		}
		return out
	case Struct:
		out := make(map[string]interface{}, len(val))
		for k, e := range val {
			out[k] = Native(e)
		}
		return out
	default:
		panic(fmt.Sprintf("unexpected value type %T", v))
	}
}
