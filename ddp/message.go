package ddp

import (
	"bytes"
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/tidwall/gjson"
)

// DDP message types, the `msg` discriminator
const (
	MsgConnect   = "connect"
	MsgConnected = "connected"
	MsgFailed    = "failed"
	MsgMethod    = "method"
	MsgResult    = "result"
	MsgUpdated   = "updated"
	MsgSub       = "sub"
	MsgUnsub     = "unsub"
	MsgNoSub     = "nosub"
	MsgReady     = "ready"
	MsgData      = "data"
	MsgAdded     = "added"
	MsgChanged   = "changed"
	MsgRemoved   = "removed"
	MsgError     = "error"
	MsgPing      = "ping"
	MsgPong      = "pong"
)

// protocol versions offered in `connect`, most preferred first
const ProtocolVersion = "1"

var SupportedProtocolVersions = []string{"1", "pre2", "pre1"}

// a decoded DDP message. Each variant knows its `msg` discriminator.
type Message interface {
	MessageType() string
}

type ConnectMessage struct {
	Session string   `json:"session,omitempty"`
	Version string   `json:"version,omitempty"`
	Support []string `json:"support,omitempty"`
}

func NewConnectMessage() *ConnectMessage {
	return &ConnectMessage{
		Version: ProtocolVersion,
		Support: SupportedProtocolVersions,
	}
}

func (self *ConnectMessage) MessageType() string { return MsgConnect }

type ConnectedMessage struct {
	Session string `json:"session,omitempty"`
}

func (self *ConnectedMessage) MessageType() string { return MsgConnected }

// the server does not speak any of the offered versions.
// `Version` is the version the server suggests.
type FailedMessage struct {
	Version string `json:"version,omitempty"`
}

func (self *FailedMessage) MessageType() string { return MsgFailed }

type MethodMessage struct {
	Method string `json:"method"`
	Params []any  `json:"params"`
	Id     string `json:"id"`
}

func NewMethodMessage(id string, method string, params []any) *MethodMessage {
	if params == nil {
		params = []any{}
	}
	return &MethodMessage{
		Method: method,
		Params: params,
		Id:     id,
	}
}

func (self *MethodMessage) MessageType() string { return MsgMethod }

type ResultMessage struct {
	Id     string           `json:"id"`
	Result json.RawMessage  `json:"result,omitempty"`
	Error  *RemoteCallError `json:"error,omitempty"`
}

func (self *ResultMessage) MessageType() string { return MsgResult }

// all data writes made by the listed methods have been sent
type UpdatedMessage struct {
	Methods []string `json:"methods"`
}

func (self *UpdatedMessage) MessageType() string { return MsgUpdated }

type SubMessage struct {
	Name   string `json:"name"`
	Params []any  `json:"params"`
	Id     string `json:"id"`
}

func NewSubMessage(id string, name string, params []any) *SubMessage {
	if params == nil {
		params = []any{}
	}
	return &SubMessage{
		Name:   name,
		Params: params,
		Id:     id,
	}
}

func (self *SubMessage) MessageType() string { return MsgSub }

type UnsubMessage struct {
	Id string `json:"id"`
}

func (self *UnsubMessage) MessageType() string { return MsgUnsub }

type NoSubMessage struct {
	Id    string           `json:"id"`
	Error *RemoteCallError `json:"error,omitempty"`
}

func (self *NoSubMessage) MessageType() string { return MsgNoSub }

// the initial data of the listed subscriptions has been sent
type ReadyMessage struct {
	Subs []string `json:"subs"`
}

func (self *ReadyMessage) MessageType() string { return MsgReady }

// pre1 combined data message. `Set` and `Unset` apply to document `Id` in `Collection`.
type DataMessage struct {
	Collection string                     `json:"collection,omitempty"`
	Id         string                     `json:"id,omitempty"`
	Set        map[string]json.RawMessage `json:"set,omitempty"`
	Unset      []string                   `json:"unset,omitempty"`
	Methods    []string                   `json:"methods,omitempty"`
	Subs       []string                   `json:"subs,omitempty"`
}

func (self *DataMessage) MessageType() string { return MsgData }

type AddedMessage struct {
	Collection string                     `json:"collection"`
	Id         string                     `json:"id"`
	Fields     map[string]json.RawMessage `json:"fields,omitempty"`
}

func (self *AddedMessage) MessageType() string { return MsgAdded }

type ChangedMessage struct {
	Collection string                     `json:"collection"`
	Id         string                     `json:"id"`
	Fields     map[string]json.RawMessage `json:"fields,omitempty"`
	Cleared    []string                   `json:"cleared,omitempty"`
}

func (self *ChangedMessage) MessageType() string { return MsgChanged }

type RemovedMessage struct {
	Collection string `json:"collection"`
	Id         string `json:"id"`
}

func (self *RemovedMessage) MessageType() string { return MsgRemoved }

type ErrorMessage struct {
	Reason           string          `json:"reason"`
	OffendingMessage json.RawMessage `json:"offendingMessage,omitempty"`
}

func (self *ErrorMessage) MessageType() string { return MsgError }

type PingMessage struct {
	Id string `json:"id,omitempty"`
}

func (self *PingMessage) MessageType() string { return MsgPing }

type PongMessage struct {
	Id string `json:"id,omitempty"`
}

func (self *PongMessage) MessageType() string { return MsgPong }

// a well formed message with a `msg` this client does not know.
// Kept for forward compatibility and ignored by the client.
type UnknownMessage struct {
	Msg   string          `json:"-"`
	Frame json.RawMessage `json:"-"`
}

func (self *UnknownMessage) MessageType() string { return self.Msg }

// EncodeMessage serializes a message as a json object with `msg` as the first field.
// The output is deterministic for a given message.
func EncodeMessage(message Message) ([]byte, error) {
	msgJson, err := json.Marshal(message.MessageType())
	if err != nil {
		return nil, err
	}
	fieldsJson, err := json.Marshal(message)
	if err != nil {
		return nil, err
	}
	if len(fieldsJson) < 2 || fieldsJson[0] != '{' {
		return nil, errors.Errorf("Message %s did not encode to an object.", message.MessageType())
	}

	var b bytes.Buffer
	b.WriteString(`{"msg":`)
	b.Write(msgJson)
	if fields := fieldsJson[1 : len(fieldsJson)-1]; 0 < len(fields) {
		b.WriteByte(',')
		b.Write(fields)
	}
	b.WriteByte('}')
	return b.Bytes(), nil
}

// DecodeMessage parses a frame into a typed message.
// Frames that are not a json object with a string `msg` return a `*MalformedMessageError`.
// Fields are read leniently: a field with an unexpected type is coerced or left empty,
// so that a known message is never dropped for its payload.
// Unknown `msg` values return an `*UnknownMessage`.
func DecodeMessage(frame []byte) (Message, error) {
	if !gjson.ValidBytes(frame) {
		return nil, &MalformedMessageError{
			Frame: frame,
			Err:   errors.New("Invalid json."),
		}
	}
	root := gjson.ParseBytes(frame)
	if !root.IsObject() {
		return nil, &MalformedMessageError{
			Frame: frame,
			Err:   errors.New("Message must be a json object."),
		}
	}
	msg := root.Get("msg")
	if msg.Type != gjson.String {
		return nil, &MalformedMessageError{
			Frame: frame,
			Err:   errors.New("Message is missing a string msg field."),
		}
	}

	switch msg.Str {
	case MsgConnect:
		return &ConnectMessage{
			Session: getString(root, "session"),
			Version: getString(root, "version"),
			Support: getStrings(root, "support"),
		}, nil
	case MsgConnected:
		return &ConnectedMessage{
			Session: getString(root, "session"),
		}, nil
	case MsgFailed:
		return &FailedMessage{
			Version: getString(root, "version"),
		}, nil
	case MsgMethod:
		return &MethodMessage{
			Method: getString(root, "method"),
			Params: getParams(root, "params"),
			Id:     getString(root, "id"),
		}, nil
	case MsgResult:
		return &ResultMessage{
			Id:     getString(root, "id"),
			Result: getRaw(root, "result"),
			Error:  getRemoteCallError(root, "error"),
		}, nil
	case MsgUpdated:
		return &UpdatedMessage{
			Methods: getStrings(root, "methods"),
		}, nil
	case MsgSub:
		return &SubMessage{
			Name:   getString(root, "name"),
			Params: getParams(root, "params"),
			Id:     getString(root, "id"),
		}, nil
	case MsgUnsub:
		return &UnsubMessage{
			Id: getString(root, "id"),
		}, nil
	case MsgNoSub:
		return &NoSubMessage{
			Id:    getString(root, "id"),
			Error: getRemoteCallError(root, "error"),
		}, nil
	case MsgReady:
		return &ReadyMessage{
			Subs: getStrings(root, "subs"),
		}, nil
	case MsgData:
		return &DataMessage{
			Collection: getString(root, "collection"),
			Id:         getString(root, "id"),
			Set:        getFields(root, "set"),
			Unset:      getStrings(root, "unset"),
			Methods:    getStrings(root, "methods"),
			Subs:       getStrings(root, "subs"),
		}, nil
	case MsgAdded:
		return &AddedMessage{
			Collection: getString(root, "collection"),
			Id:         getString(root, "id"),
			Fields:     getFields(root, "fields"),
		}, nil
	case MsgChanged:
		return &ChangedMessage{
			Collection: getString(root, "collection"),
			Id:         getString(root, "id"),
			Fields:     getFields(root, "fields"),
			Cleared:    getStrings(root, "cleared"),
		}, nil
	case MsgRemoved:
		return &RemovedMessage{
			Collection: getString(root, "collection"),
			Id:         getString(root, "id"),
		}, nil
	case MsgError:
		return &ErrorMessage{
			Reason:           getString(root, "reason"),
			OffendingMessage: getRaw(root, "offendingMessage"),
		}, nil
	case MsgPing:
		return &PingMessage{
			Id: getString(root, "id"),
		}, nil
	case MsgPong:
		return &PongMessage{
			Id: getString(root, "id"),
		}, nil
	default:
		return &UnknownMessage{
			Msg:   msg.Str,
			Frame: json.RawMessage(bytes.Clone(frame)),
		}, nil
	}
}

// field readers. `gjson.Result.Get` treats `.`, `*`, and `?` as path syntax, which no DDP key uses.

// strings as is, numbers and bools as their json text, null and missing as ""
func getString(root gjson.Result, key string) string {
	value := root.Get(key)
	switch value.Type {
	case gjson.String, gjson.Number, gjson.True, gjson.False:
		return value.String()
	default:
		return ""
	}
}

// an array of scalars. A single scalar is a one element list.
func getStrings(root gjson.Result, key string) []string {
	value := root.Get(key)
	switch {
	case value.IsArray():
		values := []string{}
		for _, v := range value.Array() {
			switch v.Type {
			case gjson.String, gjson.Number, gjson.True, gjson.False:
				values = append(values, v.String())
			}
		}
		return values
	case value.Type == gjson.String, value.Type == gjson.Number:
		return []string{value.String()}
	default:
		return nil
	}
}

func getRaw(root gjson.Result, key string) json.RawMessage {
	value := root.Get(key)
	if !value.Exists() {
		return nil
	}
	return json.RawMessage(value.Raw)
}

func getFields(root gjson.Result, key string) map[string]json.RawMessage {
	value := root.Get(key)
	if !value.IsObject() {
		return nil
	}
	fields := map[string]json.RawMessage{}
	value.ForEach(func(k gjson.Result, v gjson.Result) bool {
		fields[k.String()] = json.RawMessage(v.Raw)
		return true
	})
	return fields
}

func getParams(root gjson.Result, key string) []any {
	value := root.Get(key)
	if !value.IsArray() {
		return []any{}
	}
	params, ok := value.Value().([]any)
	if !ok || params == nil {
		return []any{}
	}
	return params
}

// any present non null `error` is an error. See `RemoteCallError.UnmarshalJSON`.
func getRemoteCallError(root gjson.Result, key string) *RemoteCallError {
	value := root.Get(key)
	if !value.Exists() || value.Type == gjson.Null {
		return nil
	}
	return parseRemoteCallError(value)
}
