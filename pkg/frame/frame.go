// Package frame implements the EtherCAT frame and datagram wire format.
//
// A frame is a 2 byte header (11 bit length, 4 bit type) followed by
// one or more datagrams. Every multi-byte field is little endian.
package frame

import (
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	EtherType    = 0x88A4
	HeaderSize   = 2
	TypeEtherCAT = 0x1
	// Maximum frame size inside of a standard ethernet payload
	MaxSize = 1498
)

var (
	ErrEmptyFrame      = errors.New("frame needs at least one datagram")
	ErrFrameTooLong    = errors.New("frame too long")
	ErrShortBuffer     = errors.New("buffer too short")
	ErrUnsupportedType = errors.New("unsupported frame type")
	ErrUnknownCommand  = errors.New("unknown datagram command")
	ErrLengthMismatch  = errors.New("frame length does not match datagrams")
	ErrMismatch        = errors.New("response does not match request")
)

// An EtherCAT frame
type Frame struct {
	Datagrams []*Datagram
}

// Add a datagram at the end of the frame, datagram index is its position
func (f *Frame) Add(cmd Command, address uint32, data []byte) *Datagram {
	d := &Datagram{Command: cmd, Index: uint8(len(f.Datagrams)), Address: address, Data: data}
	f.Datagrams = append(f.Datagrams, d)
	return d
}

// Size of the frame on the wire, header included
func (f *Frame) Size() int {
	size := HeaderSize
	for _, d := range f.Datagrams {
		size += d.Size()
	}
	return size
}

func (f *Frame) MarshalBinary() ([]byte, error) {
	if len(f.Datagrams) == 0 {
		return nil, ErrEmptyFrame
	}
	size := f.Size()
	if size > MaxSize {
		return nil, fmt.Errorf("%w : need %d, max %d", ErrFrameTooLong, size, MaxSize)
	}
	b := make([]byte, size)
	header := uint16(size-HeaderSize)&maxDataLength | TypeEtherCAT<<12
	binary.LittleEndian.PutUint16(b, header)
	offset := HeaderSize
	for i, d := range f.Datagrams {
		n, err := d.marshal(b[offset:], i < len(f.Datagrams)-1)
		if err != nil {
			return nil, err
		}
		offset += n
	}
	return b, nil
}

func (f *Frame) UnmarshalBinary(b []byte) error {
	if len(b) < HeaderSize {
		return fmt.Errorf("%w : no frame header", ErrShortBuffer)
	}
	header := binary.LittleEndian.Uint16(b)
	length := int(header & maxDataLength)
	if frameType := header >> 12; frameType != TypeEtherCAT {
		return fmt.Errorf("%w : %d", ErrUnsupportedType, frameType)
	}
	if length > len(b)-HeaderSize {
		return fmt.Errorf("%w : frame expects %d bytes, have %d", ErrShortBuffer, length, len(b)-HeaderSize)
	}
	payload := b[HeaderSize : HeaderSize+length]
	f.Datagrams = f.Datagrams[:0]
	offset := 0
	for {
		d := &Datagram{}
		n, more, err := d.unmarshal(payload[offset:])
		if err != nil {
			return err
		}
		f.Datagrams = append(f.Datagrams, d)
		offset += n
		if !more {
			break
		}
	}
	if offset != length {
		return fmt.Errorf("%w : header %d, datagrams %d", ErrLengthMismatch, length, offset)
	}
	return nil
}

// Decode a received frame
func Decode(b []byte) (*Frame, error) {
	f := &Frame{}
	err := f.UnmarshalBinary(b)
	if err != nil {
		return nil, err
	}
	return f, nil
}

// Match checks that a response has the same shape as the request that was sent,
// i.e. same datagram count and for each datagram same command, index and length.
func (f *Frame) Match(response *Frame) error {
	if len(f.Datagrams) != len(response.Datagrams) {
		return fmt.Errorf("%w : sent %d datagrams, received %d", ErrMismatch, len(f.Datagrams), len(response.Datagrams))
	}
	for i, req := range f.Datagrams {
		resp := response.Datagrams[i]
		if req.Command != resp.Command || req.Index != resp.Index || len(req.Data) != len(resp.Data) {
			return fmt.Errorf("%w : datagram %d sent %v, received %v", ErrMismatch, i, req, resp)
		}
	}
	return nil
}
