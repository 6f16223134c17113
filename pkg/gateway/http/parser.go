package http

import (
	"strconv"
)

// Max slave id accepted in a route, the segment is much smaller in practice
const MAX_SLAVE_ID = 0xFFFF

// Parse slave id, decimal or hex (0x..)
func parseSlaveId(param string) (int, error) {
	// This automatically treats 0x,0X,... correctly
	id, err := strconv.ParseUint(param, 0, 64)
	if err != nil || id > MAX_SLAVE_ID {
		return 0, ErrGwSyntaxError
	}
	return int(id), nil
}

// Gets SDO route variables and processes them
func parseSdoCommand(vars map[string]string) (slaveId int, index uint16, subindex uint8, err error) {
	slaveId, err = parseSlaveId(vars["id"])
	if err != nil {
		return 0, 0, 0, err
	}
	indexStr := vars["index"]
	if indexStr == "all" {
		return 0, 0, 0, ErrGwRequestNotSupported
	}
	indexUint, e := strconv.ParseUint(indexStr, 0, 16)
	if e != nil {
		return 0, 0, 0, ErrGwSyntaxError
	}
	subIndexUint, e := strconv.ParseUint(vars["sub"], 0, 8)
	if e != nil {
		return 0, 0, 0, ErrGwSyntaxError
	}
	return slaveId, uint16(indexUint), uint8(subIndexUint), nil
}
