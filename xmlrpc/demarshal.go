package xmlrpc

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/beevik/etree"
	"golang.org/x/net/html/charset"
)

// layouts accepted for standard ISO-8601 date/time values, values without
// zone are local time
var isoLayouts = []struct {
	layout string
	zoned  bool
}{
	{time.RFC3339, true},
	{"2006-01-02T15:04:05Z0700", true},
	{"2006-01-02T15:04:05", false},
	{"2006-01-02 15:04:05", false},
	{"2006-01-02T15:04", false},
	{"2006-01-02", false},
}

// SyntaxError reports malformed XML markup.
type SyntaxError struct {
	Msg    string
	Line   int
	Column int
}

func (e *SyntaxError) Error() string {
	return fmt.Sprintf("%s at %d:%d", e.Msg, e.Line, e.Column)
}

// ParseDocument parses XML markup into a document tree. If the markup is not
// well-formed, a *SyntaxError with the position of the failure is returned.
func ParseDocument(data []byte) (*etree.Document, error) {
	// check well-formedness first, the etree reader does not report positions
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.CharsetReader = charset.NewReaderLabel
	depth, roots := 0, 0
	for {
		tok, err := dec.Token()
		if err == io.EOF {
			break
		}
		if err != nil {
			line, col := dec.InputPos()
			msg := err.Error()
			var se *xml.SyntaxError
			if errors.As(err, &se) {
				msg = se.Msg
			}
			return nil, &SyntaxError{Msg: msg, Line: line, Column: col}
		}
		switch tok.(type) {
		case xml.StartElement:
			if depth == 0 {
				roots++
			}
			depth++
		case xml.EndElement:
			depth--
		}
	}
	if roots != 1 {
		line, col := dec.InputPos()
		msg := "no root element"
		if roots > 1 {
			msg = "multiple root elements"
		}
		return nil, &SyntaxError{Msg: msg, Line: line, Column: col}
	}

	doc := etree.NewDocument()
	doc.ReadSettings.CharsetReader = charset.NewReaderLabel
	if err := doc.ReadFromBytes(data); err != nil {
		return nil, &SyntaxError{Msg: err.Error()}
	}
	return doc, nil
}

// Demarshal converts a <value> element to a Value. The type element is matched
// case-insensitive. Unknown types result in an absent value (nil).
func Demarshal(el *etree.Element) Value {
	if el == nil {
		codecLog.Warningf("Cannot demarshal missing value element")
		return nil
	}
	if !strings.EqualFold(el.Tag, "value") {
		codecLog.Warningf("Cannot demarshal element %s, value element expected", el.Tag)
		return nil
	}

	typeEl := firstChildElement(el)
	if typeEl == nil {
		// no type element: string is the default data type
		return String(textOf(el))
	}
	txt := textOf(typeEl)

	switch typeName := strings.ToLower(typeEl.Tag); typeName {
	case "string":
		return String(txt)
	case "i4", "int":
		i, err := strconv.ParseInt(strings.TrimSpace(txt), 10, 32)
		if err != nil {
			codecLog.Warningf("Invalid XML-RPC int: %s", txt)
			i = 0
		}
		return Int(i)
	case "double":
		d, err := strconv.ParseFloat(strings.TrimSpace(txt), 64)
		if err != nil {
			codecLog.Warningf("Invalid XML-RPC double: %s", txt)
			d = 0
		}
		return Double(d)
	case "boolean":
		t := strings.TrimSpace(txt)
		return Bool(t == "1" || strings.EqualFold(t, "true"))
	case "base64":
		b, err := base64.StdEncoding.DecodeString(stripSpace(txt))
		if err != nil {
			codecLog.Warningf("Invalid XML-RPC base64: %v", err)
		}
		return Binary(b)
	case "datetime", "datetime.iso8601":
		t, err := parseDateTime(txt)
		if err != nil {
			codecLog.Warningf("Invalid XML-RPC dateTime.iso8601: %s", txt)
		}
		return DateTime{t}
	case "array":
		values := Array{}
		data := childElement(typeEl, "data")
		if data == nil {
			return values
		}
		for _, v := range data.ChildElements() {
			values = append(values, Demarshal(v))
		}
		return values
	case "struct":
		members := Struct{}
		for _, m := range typeEl.ChildElements() {
			if !strings.EqualFold(m.Tag, "member") {
				codecLog.Warningf("Ignoring element %s in struct", m.Tag)
				continue
			}
			var key string
			if n := childElement(m, "name"); n != nil {
				key = textOf(n)
			}
			// last member wins on duplicate names
			members[key] = Demarshal(childElement(m, "value"))
		}
		return members
	default:
		codecLog.Warningf("Cannot demarshal unknown type: %s", typeName)
		return nil
	}
}

// parseDateTime accepts ISO-8601 and the basic date with extended time form
// (yyyyMMddTHH:mm:ss with optional Z), which is found in the wild.
func parseDateTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if l := len(s); 17 <= l && l <= 18 && s[4] != '-' && s[11] == ':' {
		if strings.HasSuffix(s, "Z") {
			return time.Parse("20060102T15:04:05Z", s)
		}
		return time.ParseInLocation("20060102T15:04:05", s, time.Local)
	}
	for _, l := range isoLayouts {
		var t time.Time
		var err error
		if l.zoned {
			t, err = time.Parse(l.layout, s)
		} else {
			t, err = time.ParseInLocation(l.layout, s, time.Local)
		}
		if err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("Invalid ISO-8601 date/time: %s", s)
}

// responseTag returns the lowercased tag of the first child element of the
// document root.
func responseTag(doc *etree.Document) string {
	root := doc.Root()
	if root == nil {
		return ""
	}
	first := firstChildElement(root)
	if first == nil {
		return ""
	}
	return strings.ToLower(first.Tag)
}

// IsMessageResponse returns true, if the document is a successful method
// response.
func IsMessageResponse(doc *etree.Document) bool {
	return responseTag(doc) == "params"
}

// IsFaultResponse returns true, if the document is a fault response.
func IsFaultResponse(doc *etree.Document) bool {
	return responseTag(doc) == "fault"
}

// ParseMessageResponse demarshals the parameters of a method response.
func ParseMessageResponse(doc *etree.Document) Result {
	data := []Value{}
	if params := firstChildElement(doc.Root()); params != nil {
		for _, p := range params.ChildElements() {
			data = append(data, Demarshal(firstChildElement(p)))
		}
	}
	return newSuccess(data)
}

// ParseFaultResponse demarshals the fault struct of a fault response.
func ParseFaultResponse(doc *etree.Document) Result {
	var fault Value
	if f := firstChildElement(doc.Root()); f != nil {
		fault = Demarshal(firstChildElement(f))
	}
	code, message := faultFields(fault)
	return newFault(code, message)
}

// ParseResponse parses a method response document. A document which is
// neither a message nor a fault response results in a fault with code
// CodeUnknownResponse.
func ParseResponse(doc *etree.Document) Result {
	switch {
	case IsMessageResponse(doc):
		return ParseMessageResponse(doc)
	case IsFaultResponse(doc):
		return ParseFaultResponse(doc)
	default:
		return newFault(CodeUnknownResponse, msgUnknownResponse)
	}
}

// faultFields extracts faultCode and faultString. Like the numeric and string
// conversions of dynamically typed values, mismatching types are converted
// where possible.
func faultFields(v Value) (code int, message string) {
	q := Q(v)
	fc := q.TryKey("faultCode")
	fs := q.TryKey("faultString")
	if q.IsEmpty() || q.Err() != nil {
		codecLog.Warningf("Invalid fault value of kind %s", KindOf(v))
		return 0, ""
	}
	switch fc.Value().(type) {
	case Int:
		code = fc.Int()
	case Double:
		code = int(fc.Float64())
	case String:
		code, _ = strconv.Atoi(strings.TrimSpace(fc.String()))
	case Bool:
		if fc.Bool() {
			code = 1
		}
	}
	switch fs.Value().(type) {
	case nil:
	case String:
		message = fs.String()
	default:
		message = fmt.Sprint(fs.Any())
	}
	return
}

// ParseMethodCall extracts method name and arguments from a method call
// document.
func ParseMethodCall(doc *etree.Document) (string, []Value, error) {
	root := doc.Root()
	if root == nil || !strings.EqualFold(root.Tag, "methodCall") {
		return "", nil, errors.New("Not an XML-RPC method call")
	}
	var method string
	var args []Value
	found := false
	for _, e := range root.ChildElements() {
		switch strings.ToLower(e.Tag) {
		case "methodname":
			method = strings.TrimSpace(textOf(e))
			found = true
		case "params":
			for _, p := range e.ChildElements() {
				args = append(args, Demarshal(firstChildElement(p)))
			}
		}
	}
	if !found {
		return "", nil, errors.New("Missing method name in XML-RPC method call")
	}
	return method, args, nil
}

func firstChildElement(el *etree.Element) *etree.Element {
	if el == nil {
		return nil
	}
	for _, t := range el.Child {
		if c, ok := t.(*etree.Element); ok {
			return c
		}
	}
	return nil
}

// childElement returns the first child element with the specified tag,
// compared case-insensitive.
func childElement(el *etree.Element, tag string) *etree.Element {
	for _, c := range el.ChildElements() {
		if strings.EqualFold(c.Tag, tag) {
			return c
		}
	}
	return nil
}

// textOf concatenates all character data below the element.
func textOf(el *etree.Element) string {
	var sb strings.Builder
	for _, t := range el.Child {
		switch c := t.(type) {
		case *etree.CharData:
			sb.WriteString(c.Data)
		case *etree.Element:
			sb.WriteString(textOf(c))
		}
	}
	return sb.String()
}

func stripSpace(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\t', '\r', '\n':
			return -1
		}
		return r
	}, s)
}
