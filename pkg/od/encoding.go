package od

import (
	"encoding/binary"
	"math"
	"strconv"
)

// size in bytes of a fixed size data type, 0 for strings
func byteSize(dataType uint8) int {
	return int(BitSize(dataType)+7) / 8
}

func putUint(raw uint64, size int) []byte {
	data := make([]byte, 8)
	binary.LittleEndian.PutUint64(data, raw)
	return data[:size]
}

func getUint(data []byte) uint64 {
	raw := make([]byte, 8)
	copy(raw, data)
	return binary.LittleEndian.Uint64(raw)
}

// EncodeFromString value from configuration into bytes respecting CoE datatype.
// An empty value is 0.
func EncodeFromString(value string, dataType uint8) ([]byte, error) {
	if value == "" {
		value = "0"
	}
	size := byteSize(dataType)
	switch {
	case dataType == VISIBLE_STRING || dataType == OCTET_STRING:
		return []byte(value), nil
	case dataType == REAL32:
		f, err := strconv.ParseFloat(value, 32)
		return putUint(uint64(math.Float32bits(float32(f))), size), err
	case dataType == REAL64:
		f, err := strconv.ParseFloat(value, 64)
		return putUint(math.Float64bits(f), size), err
	case size == 0:
		return nil, ErrTypeMismatch
	case IsSigned(dataType):
		v, err := strconv.ParseInt(value, 0, size*8)
		return putUint(uint64(v), size), err
	default:
		v, err := strconv.ParseUint(value, 0, size*8)
		return putUint(v, size), err
	}
}

// EncodeFromType encodes a go value, its size must then match the CoE data type
func EncodeFromType(value any) ([]byte, error) {
	switch v := value.(type) {
	case bool:
		if v {
			return []byte{1}, nil
		}
		return []byte{0}, nil
	case uint8:
		return []byte{v}, nil
	case int8:
		return []byte{byte(v)}, nil
	case uint16:
		return binary.LittleEndian.AppendUint16(nil, v), nil
	case int16:
		return binary.LittleEndian.AppendUint16(nil, uint16(v)), nil
	case uint32:
		return binary.LittleEndian.AppendUint32(nil, v), nil
	case int32:
		return binary.LittleEndian.AppendUint32(nil, uint32(v)), nil
	case uint64:
		return binary.LittleEndian.AppendUint64(nil, v), nil
	case int64:
		return binary.LittleEndian.AppendUint64(nil, uint64(v)), nil
	case float32:
		return binary.LittleEndian.AppendUint32(nil, math.Float32bits(v)), nil
	case float64:
		return binary.LittleEndian.AppendUint64(nil, math.Float64bits(v)), nil
	case string:
		return []byte(v), nil
	case []byte:
		return v, nil
	default:
		return nil, ErrTypeMismatch
	}
}

// CheckSize checks the length of a value against a fixed size data type
func CheckSize(length int, dataType uint8) error {
	expected := byteSize(dataType)
	switch {
	case expected == 0:
		return nil
	case length < expected:
		return ErrDataShort
	case length > expected:
		return ErrDataLong
	}
	return nil
}

// DecodeToType decodes a value given its CoE data type into
// either string, int64, uint64, or float64
func DecodeToType(data []byte, dataType uint8) (any, error) {
	if err := CheckSize(len(data), dataType); err != nil {
		return nil, err
	}
	switch {
	case dataType == VISIBLE_STRING || dataType == OCTET_STRING:
		return string(data), nil
	case dataType == REAL32:
		return float64(math.Float32frombits(uint32(getUint(data)))), nil
	case dataType == REAL64:
		return math.Float64frombits(getUint(data)), nil
	case byteSize(dataType) == 0:
		return nil, ErrTypeMismatch
	case IsSigned(dataType):
		// sign extension
		shift := 64 - 8*len(data)
		return int64(getUint(data)<<shift) >> shift, nil
	default:
		return getUint(data), nil
	}
}

// DecodeToString decodes a value given its CoE data type, integers are
// formatted in base
func DecodeToString(data []byte, dataType uint8, base int) (string, error) {
	decoded, err := DecodeToType(data, dataType)
	if err != nil {
		return "", err
	}
	switch v := decoded.(type) {
	case uint64:
		return strconv.FormatUint(v, base), nil
	case int64:
		return strconv.FormatInt(v, base), nil
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64), nil
	default:
		return decoded.(string), nil
	}
}
