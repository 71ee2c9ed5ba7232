package ddp

import (
	"encoding/json"
	"sync"
)

// a method call is complete when both the `result` and the data ack (`updated`,
// or `data` listing the id under `methods`) have arrived, in either order.
// A `result` that carries an error also acks the data, since a failed method writes nothing.
type PendingMethodCall struct {
	id string

	// guarded by the table mutex
	resultAcked bool
	dataAcked   bool
	completed   bool
	result      json.RawMessage
	err         error

	done chan struct{}
}

func newPendingMethodCall(id string) *PendingMethodCall {
	return &PendingMethodCall{
		id:   id,
		done: make(chan struct{}),
	}
}

func (self *PendingMethodCall) Id() string {
	return self.id
}

// closed exactly once, when the call completes or is force completed
func (self *PendingMethodCall) Done() <-chan struct{} {
	return self.done
}

// valid after `Done` is closed
func (self *PendingMethodCall) Result() (json.RawMessage, error) {
	<-self.done
	return self.result, self.err
}

type SubscriptionStatus int

const (
	SubscriptionPending SubscriptionStatus = iota
	SubscriptionReady
	SubscriptionNoSuch
	// released by a server `error` or connection close
	SubscriptionReset
)

func (self SubscriptionStatus) String() string {
	switch self {
	case SubscriptionPending:
		return "pending"
	case SubscriptionReady:
		return "ready"
	case SubscriptionNoSuch:
		return "nosub"
	case SubscriptionReset:
		return "reset"
	default:
		return "unknown"
	}
}

// a subscription is complete when a `ready` (or `data` listing the id under `subs`)
// or a `nosub` arrives
type PendingSubscription struct {
	id string

	// guarded by the table mutex
	dataAcked bool
	status    SubscriptionStatus
	noSub     *NoSuchSubscriptionError
	err       error

	done chan struct{}
}

func newPendingSubscription(id string) *PendingSubscription {
	return &PendingSubscription{
		id:     id,
		status: SubscriptionPending,
		done:   make(chan struct{}),
	}
}

func (self *PendingSubscription) Id() string {
	return self.id
}

func (self *PendingSubscription) Done() <-chan struct{} {
	return self.done
}

// valid after `Done` is closed
func (self *PendingSubscription) Result() (SubscriptionStatus, *NoSuchSubscriptionError, error) {
	<-self.done
	return self.status, self.noSub, self.err
}

// CorrelationTable tracks in flight method calls and subscriptions by request id.
// Any number of calls and subscriptions may be pending at once. Acks for ids that are
// not pending are stale and ignored.
type CorrelationTable struct {
	mutex   sync.Mutex
	methods map[string]*PendingMethodCall
	subs    map[string]*PendingSubscription
}

func NewCorrelationTable() *CorrelationTable {
	return &CorrelationTable{
		methods: map[string]*PendingMethodCall{},
		subs:    map[string]*PendingSubscription{},
	}
}

// BeginMethod must be called before the `method` request is sent,
// so that a fast reply cannot be dropped as stale.
// Beginning an id that is already pending returns the existing call.
func (self *CorrelationTable) BeginMethod(id string) *PendingMethodCall {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if call, ok := self.methods[id]; ok {
		return call
	}
	call := newPendingMethodCall(id)
	self.methods[id] = call
	return call
}

func (self *CorrelationTable) BeginSub(id string) *PendingSubscription {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if sub, ok := self.subs[id]; ok {
		return sub
	}
	sub := newPendingSubscription(id)
	self.subs[id] = sub
	return sub
}

// AckMethodResult records the result half. Returns false if `id` is not pending.
// A repeated result for the same id replaces the stored result.
func (self *CorrelationTable) AckMethodResult(id string, result json.RawMessage, err error) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	call, ok := self.methods[id]
	if !ok {
		return false
	}
	call.resultAcked = true
	call.result = result
	call.err = err
	self.completeMethodIfAcked(call)
	return true
}

// AckMethodData records the data half. Returns false if `id` is not pending.
func (self *CorrelationTable) AckMethodData(id string) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	call, ok := self.methods[id]
	if !ok {
		return false
	}
	call.dataAcked = true
	self.completeMethodIfAcked(call)
	return true
}

func (self *CorrelationTable) AckSubData(id string) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	sub, ok := self.subs[id]
	if !ok {
		return false
	}
	sub.dataAcked = true
	sub.status = SubscriptionReady
	self.completeSub(sub)
	return true
}

// NoSub completes the subscription as "no such subscription". This is a normal completion.
func (self *CorrelationTable) NoSub(id string, remoteErr *RemoteCallError) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	sub, ok := self.subs[id]
	if !ok {
		return false
	}
	sub.dataAcked = true
	sub.status = SubscriptionNoSuch
	sub.noSub = &NoSuchSubscriptionError{
		Id:  id,
		Err: remoteErr,
	}
	self.completeSub(sub)
	return true
}

// IsMethodComplete is true when `id` has nothing left to wait for.
// Ids that are not pending are complete.
func (self *CorrelationTable) IsMethodComplete(id string) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	_, ok := self.methods[id]
	return !ok
}

func (self *CorrelationTable) IsSubComplete(id string) bool {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	_, ok := self.subs[id]
	return !ok
}

// ResetAll force completes every pending method and subscription with `err`.
// A method whose result already arrived keeps its result.
// Calling again with nothing pending has no effect.
func (self *CorrelationTable) ResetAll(err error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	for _, call := range self.methods {
		if !call.resultAcked {
			call.err = err
		}
		call.resultAcked = true
		call.dataAcked = true
		self.completeMethodIfAcked(call)
	}
	for _, sub := range self.subs {
		sub.dataAcked = true
		sub.status = SubscriptionReset
		sub.err = err
		self.completeSub(sub)
	}
}

// AbandonMethod drops a pending call whose waiter gave up.
// Later acks for the id are ignored as stale.
func (self *CorrelationTable) AbandonMethod(id string, err error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if call, ok := self.methods[id]; ok {
		call.err = err
		call.resultAcked = true
		call.dataAcked = true
		self.completeMethodIfAcked(call)
	}
}

func (self *CorrelationTable) AbandonSub(id string, err error) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	if sub, ok := self.subs[id]; ok {
		sub.dataAcked = true
		sub.status = SubscriptionReset
		sub.err = err
		self.completeSub(sub)
	}
}

// number of pending methods and subscriptions
func (self *CorrelationTable) PendingCount() (methodCount int, subCount int) {
	self.mutex.Lock()
	defer self.mutex.Unlock()

	return len(self.methods), len(self.subs)
}

// must be called with the mutex held
func (self *CorrelationTable) completeMethodIfAcked(call *PendingMethodCall) {
	if call.completed || !call.resultAcked || !call.dataAcked {
		return
	}
	call.completed = true
	delete(self.methods, call.id)
	close(call.done)
}

// must be called with the mutex held
func (self *CorrelationTable) completeSub(sub *PendingSubscription) {
	if _, ok := self.subs[sub.id]; !ok {
		return
	}
	delete(self.subs, sub.id)
	close(sub.done)
}
