package ddp

import (
	"errors"
	"strconv"
	"sync/atomic"

	"github.com/oklog/ulid/v2"
)

// comparable
// identifies one connection attempt in logs. Never sent on the wire.
type ConnectionId [16]byte

func NewConnectionId() ConnectionId {
	return ConnectionId(ulid.Make())
}

func ParseConnectionId(idStr string) (ConnectionId, error) {
	id, err := ulid.ParseStrict(idStr)
	if err != nil {
		return ConnectionId{}, err
	}
	return ConnectionId(id), nil
}

func (self ConnectionId) LessThan(b ConnectionId) bool {
	return ulid.ULID(self).Compare(ulid.ULID(b)) < 0
}

func (self ConnectionId) String() string {
	return ulid.ULID(self).String()
}

// request ids are the decimal string of a per connection counter, starting at 1.
// Ids are strictly increasing and never reused for the life of the generator.
type RequestIdGenerator struct {
	counter atomic.Uint64
}

func (self *RequestIdGenerator) Next() string {
	return strconv.FormatUint(self.counter.Add(1), 10)
}

// the last issued id, or "" if none
func (self *RequestIdGenerator) Last() string {
	last := self.counter.Load()
	if last == 0 {
		return ""
	}
	return strconv.FormatUint(last, 10)
}

func ParseRequestId(id string) (uint64, error) {
	n, err := strconv.ParseUint(id, 10, 64)
	if err != nil {
		return 0, err
	}
	if n == 0 {
		return 0, errors.New("Request id must be positive.")
	}
	return n, nil
}
