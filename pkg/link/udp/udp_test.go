package udp

import (
	"errors"
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseChannel(t *testing.T) {
	name, group, err := parseChannel("eth0")
	assert.Nil(t, err)
	assert.Equal(t, "eth0", name)
	assert.True(t, group.Equal(net.ParseIP(DefaultGroup)))

	name, group, err = parseChannel("lo, 239.1.2.3")
	assert.Nil(t, err)
	assert.Equal(t, "lo", name)
	assert.True(t, group.Equal(net.ParseIP("239.1.2.3")))

	_, _, err = parseChannel("eth0,10.0.0.1")
	assert.NotNil(t, err)
	_, _, err = parseChannel("eth0,notanip")
	assert.NotNil(t, err)
}

type fakeTimeout struct{}

func (fakeTimeout) Error() string { return "i/o timeout" }
func (fakeTimeout) Timeout() bool { return true }

func TestIsTimeout(t *testing.T) {
	assert.True(t, isTimeout(fakeTimeout{}))
	assert.False(t, isTimeout(errors.New("other")))
	assert.False(t, isTimeout(nil))
}
