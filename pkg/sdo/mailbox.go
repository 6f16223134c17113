package sdo

import (
	"encoding/binary"
	"fmt"
)

// CoE mailbox layout :
//
//	| mailbox header (6) | CoE header (2) | SDO command (1) | index (2) | subindex (1) | data (4) |
const (
	MailboxHeaderSize = 6
	CoEHeaderSize     = 2
	SDOSize           = 8
	// Minimum mailbox size able to carry an expedited SDO
	MinMailboxSize     = MailboxHeaderSize + CoEHeaderSize + SDOSize
	DefaultMailboxSize = 128
	// Register addresses of the default mailbox sync managers
	DefaultWriteMailbox uint16 = 0x1000
	DefaultReadMailbox  uint16 = 0x1080
)

const (
	mailboxTypeCoE  = 0x03
	coeSDORequest   = 0x02
	coeSDOResponse  = 0x03
	cmdDownloadReq  = 0x23 // initiate download, expedited, size indicated
	cmdDownloadRsp  = 0x60
	cmdUploadReq    = 0x40
	cmdUploadRsp    = 0x43 // initiate upload response, expedited, size indicated
	cmdAbort        = 0x80
	cmdSpecMask     = 0xE0
	expeditedFlags  = 0x03
	sizeUnusedShift = 2
)

// Mailbox counter cycles through 1..7, 0 is reserved
func NextCounter(counter uint8) uint8 {
	counter = (counter + 1) & 0x07
	if counter == 0 {
		counter = 1
	}
	return counter
}

func putHeader(b []byte, service uint8, counter uint8) {
	binary.LittleEndian.PutUint16(b[0:], CoEHeaderSize+SDOSize)
	binary.LittleEndian.PutUint16(b[2:], 0)
	b[4] = 0
	b[5] = mailboxTypeCoE | (counter&0x07)<<4
	binary.LittleEndian.PutUint16(b[6:], uint16(service)<<12)
}

func checkHeader(b []byte, service uint8) (uint8, error) {
	if len(b) < MinMailboxSize {
		return 0, fmt.Errorf("%w : mailbox too short %d", ErrUnexpectedRsp, len(b))
	}
	length := binary.LittleEndian.Uint16(b[0:])
	if length == 0 {
		return 0, ErrEmptyMailbox
	}
	if b[5]&0x0F != mailboxTypeCoE {
		return 0, fmt.Errorf("%w : mailbox type x%x", ErrUnexpectedRsp, b[5]&0x0F)
	}
	if length < CoEHeaderSize+SDOSize {
		return 0, fmt.Errorf("%w : mailbox length %d", ErrUnexpectedRsp, length)
	}
	coe := binary.LittleEndian.Uint16(b[6:])
	if uint8(coe>>12) != service {
		return 0, fmt.Errorf("%w : CoE service %d", ErrUnexpectedRsp, coe>>12)
	}
	return b[5] >> 4 & 0x07, nil
}

// EncodeRequest builds the write mailbox content for a request.
// Buffer is padded to the size of the slave mailbox.
func EncodeRequest(req Request, counter uint8, size int) ([]byte, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}
	size = max(size, MinMailboxSize)
	b := make([]byte, size)
	putHeader(b, coeSDORequest, counter)
	sdo := b[MailboxHeaderSize+CoEHeaderSize:]
	switch req.Operation {
	case Write:
		sdo[0] = cmdDownloadReq | byte(4-len(req.Data.Value))<<sizeUnusedShift
		copy(sdo[4:8], req.Data.Value)
	case Read:
		sdo[0] = cmdUploadReq
	}
	binary.LittleEndian.PutUint16(sdo[1:], req.Data.Index)
	sdo[3] = req.Data.Subindex
	return b, nil
}

// DecodeResponse parses the read mailbox content for a given request.
// A slave abort is returned as an [AbortCode] error.
func DecodeResponse(b []byte, req Request) (Data, error) {
	if _, err := checkHeader(b, coeSDOResponse); err != nil {
		return Data{}, err
	}
	sdo := b[MailboxHeaderSize+CoEHeaderSize:]
	index := binary.LittleEndian.Uint16(sdo[1:])
	subindex := sdo[3]
	if index != req.Data.Index || subindex != req.Data.Subindex {
		return Data{}, fmt.Errorf("%w : response for x%04x:%02x, expected x%04x:%02x",
			ErrUnexpectedRsp, index, subindex, req.Data.Index, req.Data.Subindex)
	}
	result := Data{Index: index, Subindex: subindex, DataType: req.Data.DataType}
	switch {
	case sdo[0] == cmdAbort:
		return Data{}, AbortCode(binary.LittleEndian.Uint32(sdo[4:]))
	case req.Operation == Write && sdo[0] == cmdDownloadRsp:
		result.Value = req.Data.Value
		return result, nil
	case req.Operation == Read && sdo[0]&cmdSpecMask == cmdUploadRsp&cmdSpecMask && sdo[0]&expeditedFlags == expeditedFlags:
		n := 4 - int(sdo[0]>>sizeUnusedShift&0x03)
		result.Value = make([]byte, n)
		copy(result.Value, sdo[4:4+n])
		return result, nil
	default:
		return Data{}, fmt.Errorf("%w : command x%x", ErrUnexpectedRsp, sdo[0])
	}
}

// DecodeRequest is the slave side parsing of a write mailbox
func DecodeRequest(b []byte) (Request, uint8, error) {
	counter, err := checkHeader(b, coeSDORequest)
	if err != nil {
		return Request{}, 0, err
	}
	sdo := b[MailboxHeaderSize+CoEHeaderSize:]
	req := Request{Data: Data{Index: binary.LittleEndian.Uint16(sdo[1:]), Subindex: sdo[3]}}
	switch {
	case sdo[0]&cmdSpecMask == cmdDownloadReq&cmdSpecMask && sdo[0]&expeditedFlags == expeditedFlags:
		n := 4 - int(sdo[0]>>sizeUnusedShift&0x03)
		req.Operation = Write
		req.Data.Value = make([]byte, n)
		copy(req.Data.Value, sdo[4:4+n])
	case sdo[0] == cmdUploadReq:
		req.Operation = Read
	default:
		return Request{}, counter, AbortCmd
	}
	return req, counter, nil
}

// EncodeResponse is the slave side answer to a request, a nil abort means success
func EncodeResponse(req Request, counter uint8, value []byte, abort error, size int) []byte {
	size = max(size, MinMailboxSize)
	b := make([]byte, size)
	putHeader(b, coeSDOResponse, counter)
	sdo := b[MailboxHeaderSize+CoEHeaderSize:]
	binary.LittleEndian.PutUint16(sdo[1:], req.Data.Index)
	sdo[3] = req.Data.Subindex
	if abort != nil {
		code, ok := abort.(AbortCode)
		if !ok {
			code = AbortGeneral
		}
		sdo[0] = cmdAbort
		binary.LittleEndian.PutUint32(sdo[4:], uint32(code))
		return b
	}
	switch req.Operation {
	case Write:
		sdo[0] = cmdDownloadRsp
	case Read:
		n := min(len(value), 4)
		sdo[0] = cmdUploadRsp | byte(4-n)<<sizeUnusedShift
		copy(sdo[4:], value[:n])
	}
	return b
}
