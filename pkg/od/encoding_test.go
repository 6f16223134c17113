package od

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeFromString(t *testing.T) {
	data, err := EncodeFromString("0x10", UNSIGNED16)
	assert.Nil(t, err)
	assert.Equal(t, []byte{0x10, 0x00}, data)

	data, err = EncodeFromString("-2", INTEGER32)
	assert.Nil(t, err)
	assert.Equal(t, []byte{0xFE, 0xFF, 0xFF, 0xFF}, data)

	data, err = EncodeFromString("", UNSIGNED8)
	assert.Nil(t, err)
	assert.Equal(t, []byte{0}, data)

	_, err = EncodeFromString("300", UNSIGNED8)
	assert.NotNil(t, err)

	_, err = EncodeFromString("1", 0xFF)
	assert.Equal(t, ErrTypeMismatch, err)
}

func TestDecodeToType(t *testing.T) {
	v, err := DecodeToType([]byte{0xFE, 0xFF}, INTEGER16)
	assert.Nil(t, err)
	assert.Equal(t, int64(-2), v)

	v, err = DecodeToType([]byte{0xFF}, INTEGER8)
	assert.Nil(t, err)
	assert.Equal(t, int64(-1), v)

	_, err = DecodeToType([]byte{0x01}, UNSIGNED16)
	assert.Equal(t, ErrDataShort, err)

	_, err = DecodeToType([]byte{0x01, 0x02, 0x03}, UNSIGNED16)
	assert.Equal(t, ErrDataLong, err)

	s, err := DecodeToString([]byte{0x10, 0, 0, 0}, UNSIGNED32, 16)
	assert.Nil(t, err)
	assert.Equal(t, "10", s)
}

func TestEncodeFromStringTypes(t *testing.T) {
	tests := []struct {
		value    string
		dataType uint8
		expected []byte
	}{
		{"1", BOOLEAN, []byte{1}},
		{"-128", INTEGER8, []byte{0x80}},
		{"-1", INTEGER16, []byte{0xFF, 0xFF}},
		{"0x12345678", UNSIGNED32, []byte{0x78, 0x56, 0x34, 0x12}},
		{"0x0102030405060708", UNSIGNED64, []byte{8, 7, 6, 5, 4, 3, 2, 1}},
		{"-2", INTEGER64, []byte{0xFE, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}},
		{"1.5", REAL32, []byte{0x00, 0x00, 0xC0, 0x3F}},
		{"-2", REAL64, []byte{0, 0, 0, 0, 0, 0, 0, 0xC0}},
		{"drive-01", VISIBLE_STRING, []byte("drive-01")},
		{"", OCTET_STRING, []byte("0")},
	}
	for _, test := range tests {
		data, err := EncodeFromString(test.value, test.dataType)
		assert.Nil(t, err, test.value)
		assert.Equal(t, test.expected, data, test.value)
	}
	_, err := EncodeFromString("-1", UNSIGNED16)
	assert.NotNil(t, err)
	_, err = EncodeFromString("1", DOMAIN)
	assert.Equal(t, ErrTypeMismatch, err)
}

func TestEncodeFromType(t *testing.T) {
	tests := []struct {
		value    any
		dataType uint8
	}{
		{true, BOOLEAN},
		{false, BOOLEAN},
		{uint8(200), UNSIGNED8},
		{int8(-3), INTEGER8},
		{uint16(0xBEEF), UNSIGNED16},
		{int16(-300), INTEGER16},
		{uint32(0xDEADBEEF), UNSIGNED32},
		{int32(-100_000), INTEGER32},
		{uint64(1 << 40), UNSIGNED64},
		{int64(-1 << 40), INTEGER64},
		{float32(1.5), REAL32},
		{float64(-2.25), REAL64},
		{"drive-01", VISIBLE_STRING},
		{[]byte{1, 2, 3}, OCTET_STRING},
	}
	for _, test := range tests {
		data, err := EncodeFromType(test.value)
		require.Nil(t, err, "%v", test.value)
		assert.Nil(t, CheckSize(len(data), test.dataType), "%v", test.value)
		decoded, err := DecodeToType(data, test.dataType)
		require.Nil(t, err, "%v", test.value)
		switch v := test.value.(type) {
		case bool:
			expected := uint64(0)
			if v {
				expected = 1
			}
			assert.Equal(t, expected, decoded)
		case uint8, uint16, uint32, uint64:
			assert.EqualValues(t, v, decoded)
		case int8, int16, int32, int64:
			assert.EqualValues(t, v, decoded)
		case float32:
			assert.Equal(t, float64(v), decoded)
		case float64:
			assert.Equal(t, v, decoded)
		case []byte:
			assert.Equal(t, string(v), decoded)
		default:
			assert.Equal(t, v, decoded)
		}
	}
	_, err := EncodeFromType(struct{}{})
	assert.Equal(t, ErrTypeMismatch, err)
	_, err = EncodeFromType(1)
	assert.Equal(t, ErrTypeMismatch, err)
}

func TestDecodeToString(t *testing.T) {
	s, err := DecodeToString([]byte{0xFF, 0xFF, 0xFF, 0xFF}, INTEGER32, 10)
	assert.Nil(t, err)
	assert.Equal(t, "-1", s)

	s, err = DecodeToString([]byte{0x00, 0x00, 0xC0, 0x3F}, REAL32, 10)
	assert.Nil(t, err)
	assert.Equal(t, "1.5", s)

	s, err = DecodeToString([]byte("drive-01"), VISIBLE_STRING, 10)
	assert.Nil(t, err)
	assert.Equal(t, "drive-01", s)

	_, err = DecodeToString([]byte{1}, DOMAIN, 10)
	assert.Equal(t, ErrTypeMismatch, err)

	_, err = DecodeToString([]byte{1}, REAL64, 10)
	assert.Equal(t, ErrDataShort, err)
}

func TestDataTypeFromString(t *testing.T) {
	dt, err := DataTypeFromString("i32")
	assert.Nil(t, err)
	assert.Equal(t, INTEGER32, dt)
	assert.EqualValues(t, 32, BitSize(dt))
	assert.True(t, IsSigned(dt))

	_, err = DataTypeFromString("u128")
	assert.Equal(t, ErrUnknownType, err)
}
