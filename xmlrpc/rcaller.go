package xmlrpc

import (
	"context"
	"errors"
	"time"

	"github.com/mdzio/go-lib/conc"
)

// RetryingCaller repeats failed calls. Faults of the server are not retried,
// only errors of type *TransportError (transport failures, HTTP errors and
// malformed responses).
type RetryingCaller struct {
	// Caller that is called multiple times if it returns an error.
	Caller Caller

	// Number of retries. 0 disables retries.
	RetryCount int

	// Delay between retries.
	RetryDelay time.Duration

	// The repeated calls can be cancelled with this context.
	Context conc.Context
}

// Invoke implements Caller.
func (c *RetryingCaller) Invoke(ctx context.Context, method string, args []Value) ([]Value, error) {
	// retry counter
	rcnt := 0
	for {
		// try a call
		values, err := c.Caller.Invoke(ctx, method, args)
		// on success or server fault, return value
		if err == nil || !retryable(err) {
			return values, err
		}
		// give up when the retries have been used up
		rcnt++
		if rcnt > c.RetryCount || ctx.Err() != nil {
			return nil, err
		}
		clnLog.Debugf("Call of method %s failed, retry in %s: %v", method, c.RetryDelay, err)
		// wait before the next call
		if c.Context != nil {
			if errc := c.Context.Sleep(c.RetryDelay); errc != nil {
				// return last error
				return nil, err
			}
		} else {
			t := time.NewTimer(c.RetryDelay)
			select {
			case <-ctx.Done():
				t.Stop()
				return nil, err
			case <-t.C:
			}
		}
	}
}

// retryable reports whether the error was produced on the way to the server
// and not by the server.
func retryable(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}
