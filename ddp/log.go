package ddp

import (
	"fmt"

	"github.com/golang/glog"
)

// Logging convention in the `ddp` package:
// Info:
//     events for abnormal behavior. This level should be silent on normal operation,
//     with the exception of one time connection data that is useful for monitoring
//     this includes:
//     - malformed frames and server `error` messages
//     - unexpected transport close
// Error:
//     unrecoverable crash details
//     this includes:
//     - panics in event callbacks, even if recovered
// V(1):
//     connection lifecycle - dial, handshake, session, close
// V(2):
//     per frame traffic and per request completion, tagged with the connection id
//     so that a single connection can be filtered

type LogFunction func(string, ...any)

// LogFn returns a log function that writes at verbosity `level` with the given tag prefix.
// Level 0 always logs.
func LogFn(level glog.Level, tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(level) {
			m := fmt.Sprintf(format, a...)
			glog.InfoDepth(1, fmt.Sprintf("%s%s", tag, m))
		}
	}
}

func SubLogFn(level glog.Level, log LogFunction, tag string) LogFunction {
	return func(format string, a ...any) {
		if glog.V(level) {
			m := fmt.Sprintf(format, a...)
			log("%s%s", tag, m)
		}
	}
}
