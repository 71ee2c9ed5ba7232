package ddp

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/golang/glog"
	"github.com/pkg/errors"
	"golang.org/x/exp/slices"
)

type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
)

func (self ConnectionState) String() string {
	switch self {
	case Disconnected:
		return "disconnected"
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "unknown"
	}
}

type ClientSettings struct {
	// bounds `Connect` from dial until `connected`. 0 means no bound beyond the caller ctx.
	HandshakeTimeout time.Duration
	// bounds each `Call` and `Subscribe` wait. 0 means wait until completion, close, or ctx.
	CallTimeout       time.Duration
	TransportSettings *TransportSettings
	// overrides the websocket dialer
	Dial          DialTransportFunction
	Auth          *ClientAuth
	FrameCallback FrameFunction
	Metrics       *ClientMetrics
}

func DefaultClientSettings() *ClientSettings {
	return &ClientSettings{
		HandshakeTimeout:  30 * time.Second,
		CallTimeout:       0,
		TransportSettings: DefaultTransportSettings(),
	}
}

type SubscribeResult struct {
	Id     string
	Status SubscriptionStatus
	// set when the server answered `nosub`
	NoSub *NoSuchSubscriptionError
}

// Client is one DDP connection. `Connect` may be called once per client.
// `Call` and `Subscribe` block the calling goroutine until the request completes;
// any number of goroutines may have requests in flight.
type Client struct {
	ctx    context.Context
	cancel context.CancelFunc

	settings *ClientSettings

	connectionId ConnectionId
	log          LogFunction
	frameLog     LogFunction

	ids            RequestIdGenerator
	table          *CorrelationTable
	eventCallbacks *CallbackList[EventFunction]

	stateLock      sync.Mutex
	state          ConnectionState
	session        string
	transport      Transport
	used           bool
	connectErr     error
	closedByClient bool

	// closed on `connected`
	connected chan struct{}
	// closed when the receive loop exits
	closed chan struct{}
}

func NewClientWithDefaults(ctx context.Context) *Client {
	return NewClient(ctx, DefaultClientSettings())
}

func NewClient(ctx context.Context, settings *ClientSettings) *Client {
	cancelCtx, cancel := context.WithCancel(ctx)
	connectionId := NewConnectionId()
	log := LogFn(1, fmt.Sprintf("[c]%s ", connectionId))
	return &Client{
		ctx:            cancelCtx,
		cancel:         cancel,
		settings:       settings,
		connectionId:   connectionId,
		log:            log,
		frameLog:       SubLogFn(2, log, "[f]"),
		table:          NewCorrelationTable(),
		eventCallbacks: NewCallbackList[EventFunction](),
		state:          Disconnected,
		connected:      make(chan struct{}),
		closed:         make(chan struct{}),
	}
}

func (self *Client) ConnectionId() ConnectionId {
	return self.connectionId
}

func (self *Client) State() ConnectionState {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.state
}

// the session id from `connected`, or "" before the handshake completes
func (self *Client) Session() string {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()
	return self.session
}

// closed when the connection has ended
func (self *Client) Done() <-chan struct{} {
	return self.closed
}

func (self *Client) AddEventCallback(eventCallback EventFunction) func() {
	callbackId := self.eventCallbacks.Add(eventCallback)
	return func() {
		self.eventCallbacks.Remove(callbackId)
	}
}

// Connect opens the transport, sends `connect`, and waits for `connected`.
func (self *Client) Connect(ctx context.Context, url string) error {
	if glog.V(2) {
		_, err := TraceWithReturnError(
			fmt.Sprintf("[c]connect %s %s", self.connectionId, url),
			func() (string, error) {
				err := self.connect(ctx, url)
				return self.Session(), err
			},
		)
		return err
	}
	return self.connect(ctx, url)
}

func (self *Client) connect(ctx context.Context, url string) error {
	self.stateLock.Lock()
	if self.used {
		self.stateLock.Unlock()
		return ErrConnectionUsed
	}
	self.used = true
	self.state = Connecting
	self.stateLock.Unlock()

	success := false
	defer func() {
		if !success {
			self.stateLock.Lock()
			if self.transport == nil {
				// nothing was opened, so the client may try again
				self.used = false
				self.state = Disconnected
			}
			self.stateLock.Unlock()
		}
	}()

	handshakeCtx, handshakeCancel := self.handshakeContext(ctx)
	defer handshakeCancel()

	header, claims, err := self.settings.Auth.Header(time.Now())
	if err != nil {
		return err
	}
	if claims != nil {
		self.log("bearer subject=%s expires=%s", claims.Subject, claims.ExpiresAt)
	}

	dial := self.settings.Dial
	if dial == nil {
		transportSettings := *self.settings.TransportSettings
		transportSettings.Header = header
		dial = NewWsDialer(&transportSettings)
	}

	self.log("dial %s", url)
	transport, err := dial(handshakeCtx, url)
	if err != nil {
		return err
	}

	self.stateLock.Lock()
	self.transport = transport
	self.stateLock.Unlock()

	go self.run(transport)

	if err := self.send(transport, NewConnectMessage()); err != nil {
		transport.Close()
		return err
	}

	select {
	case <-self.connected:
		success = true
		self.log("connected session=%s", self.Session())
		return nil
	case <-self.closed:
		self.stateLock.Lock()
		connectErr := self.connectErr
		self.stateLock.Unlock()
		if connectErr != nil {
			return connectErr
		}
		return transport.Err()
	case <-handshakeCtx.Done():
		transport.Close()
		return errors.Wrap(handshakeCtx.Err(), "Handshake did not complete.")
	}
}

func (self *Client) handshakeContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if 0 < self.settings.HandshakeTimeout {
		return context.WithTimeout(ctx, self.settings.HandshakeTimeout)
	}
	return context.WithCancel(ctx)
}

func (self *Client) callContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if 0 < self.settings.CallTimeout {
		return context.WithTimeout(ctx, self.settings.CallTimeout)
	}
	return context.WithCancel(ctx)
}

// the receive path. Decodes and applies frames in arrival order until the transport ends.
func (self *Client) run(transport Transport) {
	defer func() {
		err := transport.Err()
		if err == nil {
			err = &TransportError{
				Op:  "close",
				Err: ErrNotOpen,
			}
		}

		self.stateLock.Lock()
		self.state = Disconnected
		closedByClient := self.closedByClient
		self.stateLock.Unlock()

		// release every waiter. A closed connection never acks.
		self.table.ResetAll(err)
		self.settings.Metrics.pending(self.table.PendingCount())

		if closedByClient {
			self.log("closed")
		} else {
			glog.Infof("[c]%s closed = %s\n", self.connectionId, err)
		}
		self.emit(&ClosedEvent{
			Err:            err,
			ClosedByClient: closedByClient,
		})
		close(self.closed)
	}()

	go func() {
		select {
		case <-self.ctx.Done():
			transport.Close()
		case <-transport.Done():
		}
	}()

	for frame := range transport.Receive() {
		self.receive(transport, frame)
	}
	<-transport.Done()
}

func (self *Client) receive(transport Transport, frame []byte) {
	if frameCallback := self.settings.FrameCallback; frameCallback != nil {
		frameCallback(false, frame)
	}

	message, err := DecodeMessage(frame)
	if err != nil {
		// malformed frames are dropped. The connection continues.
		glog.Infof("[c]%s drop = %s\n", self.connectionId, err)
		self.settings.Metrics.malformed()
		return
	}
	self.settings.Metrics.received(message.MessageType())
	self.frameLog("<- %s", message.MessageType())

	self.apply(transport, message)

	self.settings.Metrics.pending(self.table.PendingCount())
}

func (self *Client) apply(transport Transport, message Message) {
	switch v := message.(type) {
	case *ErrorMessage:
		protocolErr := &ProtocolError{
			Reason:           v.Reason,
			OffendingMessage: v.OffendingMessage,
		}
		glog.Infof("[c]%s server error = %s\n", self.connectionId, v.Reason)
		self.settings.Metrics.protocolError()
		self.table.ResetAll(protocolErr)
		self.emit(&ProtocolErrorEvent{
			Err: protocolErr,
		})

	case *ConnectedMessage:
		self.stateLock.Lock()
		changed := self.state != Connected
		if changed {
			self.state = Connected
			self.session = v.Session
			close(self.connected)
		}
		self.stateLock.Unlock()
		if changed {
			self.emit(&ConnectedEvent{
				Session: v.Session,
			})
		}

	case *FailedMessage:
		self.stateLock.Lock()
		self.connectErr = errors.Wrapf(ErrConnectFailed, "Server suggested version %s.", v.Version)
		self.stateLock.Unlock()
		glog.Infof("[c]%s failed version=%s\n", self.connectionId, v.Version)
		transport.Close()

	case *ResultMessage:
		var err error
		if v.Error != nil {
			err = v.Error
		}
		if !self.table.AckMethodResult(v.Id, v.Result, err) {
			glog.V(2).Infof("[c]%s stale result %s\n", self.connectionId, v.Id)
			return
		}
		if v.Error != nil {
			// a failed method writes no data
			self.table.AckMethodData(v.Id)
		}
		self.emit(&MethodResultEvent{
			Id:     v.Id,
			Result: v.Result,
			Err:    v.Error,
		})

	case *DataMessage:
		if v.Collection != "" {
			self.emitFields(v.Collection, v.Id, v.Set, v.Unset)
		}
		self.ackMethods(v.Methods)
		self.ackSubs(v.Subs)

	case *UpdatedMessage:
		self.ackMethods(v.Methods)

	case *ReadyMessage:
		self.ackSubs(v.Subs)

	case *NoSubMessage:
		if !self.table.NoSub(v.Id, v.Error) {
			glog.V(2).Infof("[c]%s nosub for a subscription that is not pending %s\n", self.connectionId, v.Id)
		}
		self.emit(&NoSubEvent{
			Err: &NoSuchSubscriptionError{
				Id:  v.Id,
				Err: v.Error,
			},
		})

	case *AddedMessage:
		self.emitFields(v.Collection, v.Id, v.Fields, nil)

	case *ChangedMessage:
		self.emitFields(v.Collection, v.Id, v.Fields, v.Cleared)

	case *RemovedMessage:
		self.emit(&DocumentRemovedEvent{
			Collection: v.Collection,
			DocumentId: v.Id,
		})

	case *PingMessage:
		if err := self.send(transport, &PongMessage{Id: v.Id}); err != nil {
			glog.V(2).Infof("[c]%s pong error = %s\n", self.connectionId, err)
		}

	default:
		// client messages echoed back, pong, and unknown messages
		glog.V(2).Infof("[c]%s ignore %s\n", self.connectionId, message.MessageType())
	}
}

func (self *Client) ackMethods(methodIds []string) {
	for _, methodId := range methodIds {
		if !self.table.AckMethodData(methodId) {
			glog.V(2).Infof("[c]%s stale method data %s\n", self.connectionId, methodId)
		}
	}
}

func (self *Client) ackSubs(subIds []string) {
	for _, subId := range subIds {
		if self.table.AckSubData(subId) {
			self.emit(&SubReadyEvent{
				Id: subId,
			})
		} else {
			glog.V(2).Infof("[c]%s stale sub ready %s\n", self.connectionId, subId)
		}
	}
}

// one event per set key, in key order, then one per unset key, in message order
func (self *Client) emitFields(collection string, documentId string, set map[string]json.RawMessage, unset []string) {
	keys := make([]string, 0, len(set))
	for key := range set {
		keys = append(keys, key)
	}
	slices.Sort(keys)
	for _, key := range keys {
		self.emit(&FieldSetEvent{
			Collection: collection,
			DocumentId: documentId,
			Key:        key,
			Value:      set[key],
		})
	}
	for _, key := range unset {
		self.emit(&FieldUnsetEvent{
			Collection: collection,
			DocumentId: documentId,
			Key:        key,
		})
	}
}

func (self *Client) emit(event Event) {
	for _, eventCallback := range self.eventCallbacks.Get() {
		HandleError(func() {
			eventCallback(event)
		})
	}
}

func (self *Client) send(transport Transport, message Message) error {
	frame, err := EncodeMessage(message)
	if err != nil {
		return err
	}
	if frameCallback := self.settings.FrameCallback; frameCallback != nil {
		frameCallback(true, frame)
	}
	if err := transport.Send(frame); err != nil {
		return err
	}
	self.settings.Metrics.sent(message.MessageType())
	self.frameLog("-> %s", message.MessageType())
	return nil
}

// the transport for issuing requests. Requests may be sent before `connected` arrives.
func (self *Client) openTransport() (Transport, error) {
	self.stateLock.Lock()
	defer self.stateLock.Unlock()

	if self.transport == nil || self.state == Disconnected {
		return nil, ErrNotConnected
	}
	return self.transport, nil
}

// Call invokes a remote method and waits until both its result and its data writes
// have arrived. Returns the result, the method's `*RemoteCallError`, a `*ProtocolError`
// if the server sent `error` before the result, or a `*TransportError` if the connection closed.
func (self *Client) Call(ctx context.Context, method string, params []any) (json.RawMessage, error) {
	_, result, err := self.CallWithId(ctx, method, params)
	return result, err
}

// CallWithId is `Call` that also returns the request id that was issued.
func (self *Client) CallWithId(ctx context.Context, method string, params []any) (string, json.RawMessage, error) {
	transport, err := self.openTransport()
	if err != nil {
		return "", nil, err
	}

	id := self.ids.Next()
	// begin before sending so that a fast reply is never stale
	call := self.table.BeginMethod(id)
	start := time.Now()

	if err := self.send(transport, NewMethodMessage(id, method, params)); err != nil {
		self.table.AbandonMethod(id, err)
		return id, nil, err
	}
	glog.V(2).Infof("[c]%s method %s %s\n", self.connectionId, id, method)

	waitCtx, waitCancel := self.callContext(ctx)
	defer waitCancel()

	select {
	case <-call.Done():
	case <-waitCtx.Done():
		self.table.AbandonMethod(id, waitCtx.Err())
	}

	result, err := call.Result()
	self.settings.Metrics.requestDone("method", outcome(err), start)
	return id, result, err
}

// Subscribe subscribes and waits until the initial data set has arrived.
// A `nosub` answer is a normal completion: the result has `Status == SubscriptionNoSuch`
// and `NoSub` set, and the error is nil.
func (self *Client) Subscribe(ctx context.Context, name string, params []any) (*SubscribeResult, error) {
	transport, err := self.openTransport()
	if err != nil {
		return nil, err
	}

	id := self.ids.Next()
	sub := self.table.BeginSub(id)
	start := time.Now()

	if err := self.send(transport, NewSubMessage(id, name, params)); err != nil {
		self.table.AbandonSub(id, err)
		return nil, err
	}
	glog.V(2).Infof("[c]%s sub %s %s\n", self.connectionId, id, name)

	waitCtx, waitCancel := self.callContext(ctx)
	defer waitCancel()

	select {
	case <-sub.Done():
	case <-waitCtx.Done():
		self.table.AbandonSub(id, waitCtx.Err())
	}

	status, noSub, err := sub.Result()
	self.settings.Metrics.requestDone("sub", outcome(err), start)
	if err != nil {
		return nil, err
	}
	return &SubscribeResult{
		Id:     id,
		Status: status,
		NoSub:  noSub,
	}, nil
}

// Unsubscribe asks the server to stop the subscription with request id `id`.
// The server answers with `nosub`, which is emitted as a `NoSubEvent`.
func (self *Client) Unsubscribe(id string) error {
	transport, err := self.openTransport()
	if err != nil {
		return err
	}
	return self.send(transport, &UnsubMessage{Id: id})
}

// Close ends the connection and waits for the receive path to release all waiters.
func (self *Client) Close() {
	self.stateLock.Lock()
	self.closedByClient = true
	transport := self.transport
	self.stateLock.Unlock()

	self.cancel()
	if transport != nil {
		transport.Close()
		<-self.closed
	}
}

func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	var remoteErr *RemoteCallError
	var protocolErr *ProtocolError
	var transportErr *TransportError
	switch {
	case errors.As(err, &remoteErr):
		return "remote_error"
	case errors.As(err, &protocolErr):
		return "protocol_error"
	case errors.As(err, &transportErr):
		return "transport_error"
	case errors.Is(err, context.DeadlineExceeded), errors.Is(err, context.Canceled):
		return "timeout"
	default:
		return "error"
	}
}
