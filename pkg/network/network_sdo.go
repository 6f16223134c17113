package network

import (
	"context"
	"fmt"

	"github.com/samsamfire/goecat/pkg/od"
	"github.com/samsamfire/goecat/pkg/sdo"
)

// SubmitSDO queues an acyclic request, it is carried by a later cycle
func (n *Network) SubmitSDO(req sdo.Request) *sdo.Handle {
	return n.master.SubmitSDO(req)
}

// Read an entry of a slave, blocks until the request is resolved or ctx is done
func (n *Network) Read(ctx context.Context, slaveID int, index uint16, subindex uint8, dataType uint8) (sdo.Data, error) {
	return n.SubmitSDO(sdo.NewRead(slaveID, index, subindex, dataType)).Wait(ctx)
}

// Read an entry and decode it, returned value can be either string, uint64, int64 or float64
func (n *Network) ReadValue(ctx context.Context, slaveID int, index uint16, subindex uint8, dataType uint8) (any, error) {
	data, err := n.Read(ctx, slaveID, index, subindex, dataType)
	if err != nil {
		return nil, err
	}
	return data.Decoded()
}

// Same as ReadValue but enforces the returned type as uint64
func (n *Network) ReadUint(ctx context.Context, slaveID int, index uint16, subindex uint8, dataType uint8) (uint64, error) {
	v, err := n.ReadValue(ctx, slaveID, index, subindex, dataType)
	if err != nil {
		return 0, err
	}
	value, ok := v.(uint64)
	if !ok {
		return 0, od.ErrTypeMismatch
	}
	return value, nil
}

// Same as ReadValue but enforces the returned type as int64
func (n *Network) ReadInt(ctx context.Context, slaveID int, index uint16, subindex uint8, dataType uint8) (int64, error) {
	v, err := n.ReadValue(ctx, slaveID, index, subindex, dataType)
	if err != nil {
		return 0, err
	}
	value, ok := v.(int64)
	if !ok {
		return 0, od.ErrTypeMismatch
	}
	return value, nil
}

// Write an entry of a slave, value should correspond to the expected data type
func (n *Network) Write(ctx context.Context, slaveID int, index uint16, subindex uint8, dataType uint8, value any) error {
	req, err := sdo.NewWrite(slaveID, index, subindex, dataType, value)
	if err != nil {
		return err
	}
	_, err = n.SubmitSDO(req).Wait(ctx)
	return err
}

// WriteString writes an entry given as a string, e.g. "0x10" or "-3"
func (n *Network) WriteString(ctx context.Context, slaveID int, index uint16, subindex uint8, dataType uint8, value string) error {
	raw, err := od.EncodeFromString(value, dataType)
	if err != nil {
		return fmt.Errorf("x%04x:%02x : %w", index, subindex, err)
	}
	req := sdo.Request{
		Slave:     slaveID,
		Operation: sdo.Write,
		Data:      sdo.Data{Index: index, Subindex: subindex, DataType: dataType, Value: raw},
	}
	_, err = n.SubmitSDO(req).Wait(ctx)
	return err
}
