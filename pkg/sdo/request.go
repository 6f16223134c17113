package sdo

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/samsamfire/goecat/pkg/od"
)

var (
	ErrNotExpedited  = errors.New("only expedited transfers (4 bytes max) are supported")
	ErrQueueFull     = errors.New("sdo queue is full")
	ErrNotQueued     = errors.New("request has not been queued")
	ErrUnknownSlave  = errors.New("unknown slave")
	ErrCancelled     = errors.New("request cancelled")
	ErrEmptyMailbox  = errors.New("mailbox is empty")
	ErrUnexpectedRsp = errors.New("unexpected mailbox response")
)

type Operation uint8

const (
	Read  Operation = 1
	Write Operation = 2
)

func (op Operation) String() string {
	switch op {
	case Read:
		return "read"
	case Write:
		return "write"
	default:
		return fmt.Sprintf("operation(%d)", uint8(op))
	}
}

type State uint8

const (
	StatePending  State = 0
	StateComplete State = 1
	StateFailed   State = 2
)

var stateDescription = map[State]string{
	StatePending:  "PENDING",
	StateComplete: "COMPLETE",
	StateFailed:   "FAILED",
}

func (s State) String() string {
	return stateDescription[s]
}

// Data is a single dictionary value of a slave
type Data struct {
	Index    uint16
	Subindex uint8
	DataType uint8
	Value    []byte
}

// Decode value according to its data type, see [od.DecodeToType]
func (d Data) Decoded() (any, error) {
	return od.DecodeToType(d.Value, d.DataType)
}

func (d Data) String() string {
	s, err := od.DecodeToString(d.Value, d.DataType, 10)
	if err != nil {
		s = fmt.Sprintf("%x", d.Value)
	}
	return fmt.Sprintf("x%04x:%02x=%s", d.Index, d.Subindex, s)
}

// Request is an acyclic access to one object of one slave
type Request struct {
	Slave     int
	Operation Operation
	Data      Data
}

func NewWrite(slave int, index uint16, subindex uint8, dataType uint8, value any) (Request, error) {
	raw, err := od.EncodeFromType(value)
	if err != nil {
		return Request{}, err
	}
	if err := od.CheckSize(len(raw), dataType); err != nil {
		return Request{}, err
	}
	return Request{Slave: slave, Operation: Write, Data: Data{Index: index, Subindex: subindex, DataType: dataType, Value: raw}}, nil
}

func NewRead(slave int, index uint16, subindex uint8, dataType uint8) Request {
	return Request{Slave: slave, Operation: Read, Data: Data{Index: index, Subindex: subindex, DataType: dataType}}
}

// Check that the request can be carried in a single mailbox exchange
func (r Request) Validate() error {
	if r.Operation != Read && r.Operation != Write {
		return fmt.Errorf("invalid operation %v", r.Operation)
	}
	size := len(r.Data.Value)
	if r.Operation == Read {
		size = int(od.BitSize(r.Data.DataType)+7) / 8
	}
	if size > 4 || (r.Operation == Write && size == 0) {
		return ErrNotExpedited
	}
	return nil
}

// Handle is returned on submission and resolved by the master on a later cycle
type Handle struct {
	Request  Request
	Sequence uint64
	mu       sync.Mutex
	state    State
	result   Data
	err      error
	done     chan struct{}
}

func NewHandle(req Request, sequence uint64) *Handle {
	return &Handle{Request: req, Sequence: sequence, done: make(chan struct{})}
}

// Complete the request, only the first resolution is taken into account
func (h *Handle) Complete(result Data) {
	h.resolve(StateComplete, result, nil)
}

func (h *Handle) Fail(err error) {
	h.resolve(StateFailed, Data{}, err)
}

func (h *Handle) resolve(state State, result Data, err error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.state != StatePending {
		return
	}
	h.state = state
	h.result = result
	h.err = err
	close(h.done)
}

func (h *Handle) State() State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.state
}

func (h *Handle) Err() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.err
}

// Done is closed when the request completes or fails
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Wait for the request to be resolved, the request itself is not cancelled
// if ctx expires.
func (h *Handle) Wait(ctx context.Context) (Data, error) {
	select {
	case <-ctx.Done():
		return Data{}, ctx.Err()
	case <-h.done:
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.result, h.err
}
