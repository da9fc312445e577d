/*
Environment variables for tests:
	LOG_LEVEL:
		off, error, warning, info, debug, trace
	XMLRPC_SERVER:
		URL of an XML-RPC server for the integration test, which supports the
		introspection method system.listMethods
*/
package xmlrpc

import (
	"os"

	"github.com/mdzio/go-logging"
)

func init() {
	var l logging.LogLevel
	err := l.Set(os.Getenv("LOG_LEVEL"))
	if err == nil {
		logging.SetLevel(l)
	}
}
