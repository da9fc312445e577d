package xmlrpc

import (
	"bytes"
	"encoding/base64"
	"encoding/xml"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/mdzio/go-logging"
)

const (
	crlf = "\r\n"

	// layout for marshaling dateTime.iso8601 values, fractional seconds are
	// only written if not zero
	dateTimeLayout = time.RFC3339Nano
)

var codecLog = logging.Get("xmlrpc-codec")

// Marshal converts a value to an XML-RPC <value> fragment. Every fragment is
// terminated by CRLF. An absent value results in an empty fragment.
func Marshal(v Value) []byte {
	var buf bytes.Buffer
	marshalTo(&buf, v)
	return buf.Bytes()
}

func marshalTo(buf *bytes.Buffer, v Value) {
	switch val := v.(type) {
	case String:
		buf.WriteString("<value><string><![CDATA[")
		buf.WriteString(cdata(string(val)))
		buf.WriteString("]]></string></value>" + crlf)
	case Int:
		buf.WriteString("<value><int>")
		buf.WriteString(strconv.FormatInt(int64(val), 10))
		buf.WriteString("</int></value>" + crlf)
	case Double:
		buf.WriteString("<value><double>")
		buf.WriteString(strconv.FormatFloat(float64(val), 'f', -1, 64))
		buf.WriteString("</double></value>" + crlf)
	case Bool:
		buf.WriteString("<value><boolean>")
		if val {
			buf.WriteByte('1')
		} else {
			buf.WriteByte('0')
		}
		buf.WriteString("</boolean></value>" + crlf)
	case Binary:
		buf.WriteString("<value><base64>")
		buf.WriteString(base64.StdEncoding.EncodeToString(val))
		buf.WriteString("</base64></value>" + crlf)
	case DateTime:
		buf.WriteString("<value><dateTime.iso8601>")
		buf.WriteString(val.Format(dateTimeLayout))
		buf.WriteString("</dateTime.iso8601></value>" + crlf)
	case Array:
		buf.WriteString("<value><array><data>" + crlf)
		for _, e := range val {
			marshalTo(buf, e)
		}
		buf.WriteString("</data></array></value>" + crlf)
	case Struct:
		buf.WriteString("<value><struct>" + crlf)
		for _, k := range val.Keys() {
			buf.WriteString("<member>" + crlf)
			buf.WriteString("<name>")
			escape(buf, k)
			buf.WriteString("</name>" + crlf)
			marshalTo(buf, val[k])
			buf.WriteString("</member>" + crlf)
		}
		buf.WriteString("</struct></value>" + crlf)
	default:
		// lenient: the value is dropped, the call continues
		codecLog.Warningf("Failed to marshal value of unknown kind: %s", KindOf(v))
	}
}

// cdata splits a CDATA terminator in the text into two CDATA sections.
func cdata(s string) string {
	return strings.ReplaceAll(s, "]]>", "]]]]><![CDATA[>")
}

func escape(buf *bytes.Buffer, s string) {
	// writing to a bytes.Buffer never fails
	_ = xml.EscapeText(buf, []byte(s))
}

// MarkupCall builds the XML-RPC request document for a method call. The line
// terminators are CRLF. The params element is omitted, if there are no
// arguments.
func MarkupCall(method string, args []Value) []byte {
	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0" ?>` + crlf + "<methodCall>" + crlf)
	buf.WriteString("<methodName>")
	escape(&buf, method)
	buf.WriteString("</methodName>" + crlf)
	if len(args) > 0 {
		buf.WriteString("<params>" + crlf)
		for _, arg := range args {
			buf.WriteString("<param>" + crlf)
			marshalTo(&buf, arg)
			buf.WriteString("</param>" + crlf)
		}
		buf.WriteString("</params>" + crlf)
	}
	buf.WriteString("</methodCall>" + crlf)
	return buf.Bytes()
}

// MarkupResponse builds the XML-RPC response document for a successful method
// call. The XML-RPC specification allows exactly one parameter, but more are
// accepted.
func MarkupResponse(params []Value) []byte {
	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0" ?>` + crlf + "<methodResponse>" + crlf)
	buf.WriteString("<params>" + crlf)
	for _, p := range params {
		buf.WriteString("<param>" + crlf)
		marshalTo(&buf, p)
		buf.WriteString("</param>" + crlf)
	}
	buf.WriteString("</params>" + crlf)
	buf.WriteString("</methodResponse>" + crlf)
	return buf.Bytes()
}

// MarkupFault builds the XML-RPC fault response document. The fault code is
// clamped to the range of an XML-RPC int.
func MarkupFault(code int, message string) []byte {
	if code < math.MinInt32 || code > math.MaxInt32 {
		codecLog.Warningf("Fault code %d out of int range: %s", code, message)
		if code < 0 {
			code = math.MinInt32
		} else {
			code = math.MaxInt32
		}
	}
	var buf bytes.Buffer
	buf.WriteString(`<?xml version="1.0" ?>` + crlf + "<methodResponse>" + crlf)
	buf.WriteString("<fault>" + crlf)
	marshalTo(&buf, Struct{
		"faultCode":   Int(code),
		"faultString": String(message),
	})
	buf.WriteString("</fault>" + crlf)
	buf.WriteString("</methodResponse>" + crlf)
	return buf.Bytes()
}
