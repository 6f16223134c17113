package operator

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"github.com/tarm/serial"
	"periph.io/x/conn/v3/physic"
)

// LineSource reads operator commands from a text line protocol, one command
// per line : position and force with their units, e.g. "12.5mm 3N".
// Feedback is written back with the same format.
type LineSource struct {
	latest
	logger  *log.Entry
	rw      io.ReadWriter
	now     func() time.Time
	mu      sync.Mutex
	invalid uint64
}

func NewLineSource(rw io.ReadWriter, logger *log.Logger) *LineSource {
	if logger == nil {
		logger = log.StandardLogger()
	}
	return &LineSource{logger: logger.WithField("service", "[OPERATOR]"), rw: rw, now: time.Now}
}

type SerialConfig struct {
	Name string
	Baud int
}

// OpenSerial opens an operator device on a serial line
func OpenSerial(cfg SerialConfig, logger *log.Logger) (*LineSource, io.Closer, error) {
	if cfg.Baud == 0 {
		cfg.Baud = 115200
	}
	port, err := serial.OpenPort(&serial.Config{Name: cfg.Name, Baud: cfg.Baud})
	if err != nil {
		return nil, nil, fmt.Errorf("opening operator device %v : %w", cfg.Name, err)
	}
	return NewLineSource(port, logger), port, nil
}

// ParseLine decodes "<position> <force>"
func ParseLine(line string) (physic.Distance, physic.Force, error) {
	fields := strings.Fields(line)
	if len(fields) != 2 {
		return 0, 0, fmt.Errorf("expected position and force, got %q", line)
	}
	var position physic.Distance
	var force physic.Force
	if err := position.Set(fields[0]); err != nil {
		return 0, 0, fmt.Errorf("invalid position %q : %w", fields[0], err)
	}
	if err := force.Set(fields[1]); err != nil {
		return 0, 0, fmt.Errorf("invalid force %q : %w", fields[1], err)
	}
	return position, force, nil
}

// Run reads commands until the context is cancelled or the reader fails
func (s *LineSource) Run(ctx context.Context) error {
	lines := make(chan string)
	errs := make(chan error, 1)
	go func() {
		scanner := bufio.NewScanner(s.rw)
		for scanner.Scan() {
			select {
			case lines <- scanner.Text():
			case <-ctx.Done():
				return
			}
		}
		if err := scanner.Err(); err != nil {
			errs <- err
			return
		}
		errs <- io.EOF
	}()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-errs:
			if err == io.EOF {
				return ErrClosed
			}
			return err
		case line := <-lines:
			if strings.TrimSpace(line) == "" {
				continue
			}
			position, force, err := ParseLine(line)
			if err != nil {
				s.mu.Lock()
				s.invalid++
				s.mu.Unlock()
				s.logger.Debugf("dropping line : %v", err)
				continue
			}
			s.store(Command{Time: s.now(), Position: position, Force: force})
		}
	}
}

// Invalid is the number of lines that could not be decoded
func (s *LineSource) Invalid() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.invalid
}

func (s *LineSource) Send(fb Feedback) error {
	_, err := fmt.Fprintf(s.rw, "%s %s\n", formatDistance(fb.Position), formatForce(fb.Force))
	return err
}

// plain SI values, parsed back by ParseLine
func formatDistance(d physic.Distance) string {
	return strconv.FormatFloat(float64(d)/float64(physic.MilliMetre), 'f', -1, 64) + "mm"
}

func formatForce(f physic.Force) string {
	return strconv.FormatFloat(float64(f)/float64(physic.Newton), 'f', -1, 64) + "N"
}
