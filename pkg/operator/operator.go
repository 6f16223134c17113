// Package operator receives the commands of a remote operator device, the
// master side of a teleoperation, and returns the measured feedback to it.
package operator

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"periph.io/x/conn/v3/physic"
)

var ErrClosed = errors.New("operator source closed")

// Command is one sample of the operator device
type Command struct {
	Sequence uint64
	// Reception time, used for staleness
	Time     time.Time
	Position physic.Distance
	Force    physic.Force
}

func (c Command) String() string {
	return fmt.Sprintf("#%d %v %v", c.Sequence, c.Position, c.Force)
}

// Feedback is sent back to the operator device
type Feedback struct {
	Time     time.Time
	Position physic.Distance
	Force    physic.Force
}

// Source gives the latest operator command, false when none was received
type Source interface {
	Latest() (Command, bool)
}

// Sink accepts feedback for the operator device
type Sink interface {
	Send(fb Feedback) error
}

// latest holds the last command of a source, readers never block the writer
type latest struct {
	sequence atomic.Uint64
	last     atomic.Pointer[Command]
}

func (l *latest) store(cmd Command) Command {
	cmd.Sequence = l.sequence.Add(1)
	l.last.Store(&cmd)
	return cmd
}

func (l *latest) Latest() (Command, bool) {
	cmd := l.last.Load()
	if cmd == nil {
		return Command{}, false
	}
	return *cmd, true
}

// Stream is an in-process source, fed with [Stream.Push]
type Stream struct {
	latest
	now       func() time.Time
	mu        sync.Mutex
	feedbacks chan Feedback
	dropped   uint64
}

func NewStream(buffer int) *Stream {
	if buffer <= 0 {
		buffer = 1
	}
	return &Stream{now: time.Now, feedbacks: make(chan Feedback, buffer)}
}

// Push a command, timestamped with the reception time when not set
func (s *Stream) Push(cmd Command) Command {
	if cmd.Time.IsZero() {
		cmd.Time = s.now()
	}
	return s.store(cmd)
}

// Send never blocks, feedback is dropped when the reader is late
func (s *Stream) Send(fb Feedback) error {
	select {
	case s.feedbacks <- fb:
	default:
		s.mu.Lock()
		s.dropped++
		s.mu.Unlock()
	}
	return nil
}

func (s *Stream) Feedbacks() <-chan Feedback {
	return s.feedbacks
}

func (s *Stream) Dropped() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.dropped
}
