package ddp

import (
	"encoding/json"
	"fmt"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

var ErrNotOpen = errors.New("Transport is not open.")
var ErrNotConnected = errors.New("Client is not connected.")
var ErrConnectionUsed = errors.New("Client already opened a connection. Create a new client to reconnect.")
var ErrConnectFailed = errors.New("Server does not support the requested protocol version.")

// the transport could not be opened, a send was attempted on a closed transport,
// or the socket ended. Fatal to the connection.
type TransportError struct {
	// "dial", "send", or "close"
	Op string
	// websocket close code, when the peer sent one
	Code   int
	Reason string
	Err    error
}

func (self *TransportError) Error() string {
	switch {
	case self.Code != 0 && self.Err != nil:
		return fmt.Sprintf("transport %s: %d %s: %s", self.Op, self.Code, self.Reason, self.Err)
	case self.Code != 0:
		return fmt.Sprintf("transport %s: %d %s", self.Op, self.Code, self.Reason)
	case self.Err != nil:
		return fmt.Sprintf("transport %s: %s", self.Op, self.Err)
	default:
		return fmt.Sprintf("transport %s", self.Op)
	}
}

func (self *TransportError) Unwrap() error {
	return self.Err
}

// a frame that is not a json object with a string `msg` field.
// The frame is dropped and the connection continues.
type MalformedMessageError struct {
	Frame []byte
	Err   error
}

func (self *MalformedMessageError) Error() string {
	return fmt.Sprintf("malformed message: %s", self.Err)
}

func (self *MalformedMessageError) Unwrap() error {
	return self.Err
}

// the server sent an `error` message. Releases every pending request.
type ProtocolError struct {
	Reason           string
	OffendingMessage json.RawMessage
}

func (self *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s", self.Reason)
}

// the error payload of a `result` or `nosub` message.
// `Code` is the `error` field, which servers send as either a number or a string.
type RemoteCallError struct {
	Code      any             `json:"error,omitempty"`
	Reason    string          `json:"reason,omitempty"`
	Message   string          `json:"message,omitempty"`
	Details   json.RawMessage `json:"details,omitempty"`
	ErrorType string          `json:"errorType,omitempty"`
}

func (self *RemoteCallError) Error() string {
	if self.Reason != "" {
		if self.Code != nil {
			return fmt.Sprintf("%s [%v]", self.Reason, self.Code)
		}
		return self.Reason
	}
	if self.Message != "" {
		return self.Message
	}
	return fmt.Sprintf("remote error [%v]", self.Code)
}

// servers send the error as an object, or as a bare string or number.
// Any json value decodes without error.
func (self *RemoteCallError) UnmarshalJSON(b []byte) error {
	if !gjson.ValidBytes(b) {
		return errors.New("Invalid json.")
	}
	*self = *parseRemoteCallError(gjson.ParseBytes(b))
	return nil
}

func parseRemoteCallError(value gjson.Result) *RemoteCallError {
	remoteErr := &RemoteCallError{}
	switch value.Type {
	case gjson.String:
		remoteErr.Reason = value.Str
	case gjson.Number, gjson.True, gjson.False:
		remoteErr.Code = value.Value()
	case gjson.JSON:
		if !value.IsObject() {
			remoteErr.Details = json.RawMessage(value.Raw)
			break
		}
		if code := value.Get("error"); code.Exists() && code.Type != gjson.Null {
			remoteErr.Code = code.Value()
		}
		remoteErr.Reason = value.Get("reason").String()
		remoteErr.Message = value.Get("message").String()
		remoteErr.ErrorType = value.Get("errorType").String()
		if details := value.Get("details"); details.Exists() {
			remoteErr.Details = json.RawMessage(details.Raw)
		}
	}
	return remoteErr
}

// the server answered a `sub` with `nosub`.
// This completes the subscription normally and is carried on `SubscribeResult`, not returned.
type NoSuchSubscriptionError struct {
	Id string
	// optional error the server attached to the `nosub`
	Err *RemoteCallError
}

func (self *NoSuchSubscriptionError) Error() string {
	if self.Err != nil {
		return fmt.Sprintf("no such subscription %s: %s", self.Id, self.Err)
	}
	return fmt.Sprintf("no such subscription %s", self.Id)
}

func (self *NoSuchSubscriptionError) Unwrap() error {
	if self.Err == nil {
		return nil
	}
	return self.Err
}
