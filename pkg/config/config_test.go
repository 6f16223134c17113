package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/samsamfire/goecat/pkg/od"
	"github.com/samsamfire/goecat/pkg/pdo"
	"github.com/samsamfire/goecat/pkg/slave"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"periph.io/x/conn/v3/physic"
)

func TestLoad(t *testing.T) {
	for _, path := range []string{"testdata/network.yaml", "testdata/network.ini"} {
		t.Run(filepath.Ext(path), func(t *testing.T) {
			cfg, err := Load(path)
			require.Nil(t, err)

			assert.Equal(t, Link{Interface: "udp", Channel: "eth0:239.255.0.1:34980"}, cfg.Link)
			assert.Equal(t, 800*time.Microsecond, cfg.Master.FrameTimeout)
			assert.Equal(t, 200*time.Millisecond, cfg.Master.MailboxTimeout)
			assert.Equal(t, time.Millisecond, cfg.Timing.Period)
			assert.Equal(t, 4, cfg.Lifecycle.RecoveryAttempts)
			assert.Equal(t, 2*time.Second, cfg.Lifecycle.PromoteTimeout)
			assert.Equal(t, 20, cfg.Safety.AckCycles)
			assert.Equal(t, 5, cfg.Safety.StreakBudget)
			require.NotNil(t, cfg.Safety.Emergency)
			assert.Equal(t, 2, cfg.Safety.Emergency.Slave)
			assert.True(t, cfg.Safety.Emergency.ActiveLow)
			assert.Equal(t, ":9090", cfg.HTTP.Listen)
			assert.Equal(t, "debug", cfg.Logs.Level)
			assert.Equal(t, 10, cfg.Logs.MaxSizeMB)

			require.Len(t, cfg.Slaves, 3)
			x := cfg.Slaves[0]
			assert.Equal(t, "axis-x", x.Name)
			assert.Equal(t, slave.KindDrive, x.Kind)
			assert.EqualValues(t, 0xab, x.VendorId)
			assert.EqualValues(t, 0x1234, x.ProductCode)
			require.Len(t, x.Startup, 2)
			assert.EqualValues(t, 0x605A, x.Startup[0].Index)
			assert.Equal(t, []byte{2, 0}, x.Startup[0].Value)
			assert.Equal(t, []byte{0x88, 0x13, 0, 0}, x.Startup[1].Value)
			assert.Equal(t, pdo.DefaultDriveMapping(), x.Mapping)

			h := cfg.Slaves[1]
			assert.Equal(t, 5, h.Mapping.OutputSize)
			assert.Equal(t, 13, h.Mapping.InputSize)
			_, ok := h.Mapping.Find(pdo.Output, od.IndexTargetPosition, 0)
			assert.False(t, ok)
			assert.Equal(t, uint16(2), cfg.Slaves[2].Position)
			assert.Equal(t, slave.KindIO, cfg.Slaves[2].Kind)

			// the haptic drive is not a position axis but its limits are enforced
			require.Len(t, cfg.Axes, 1)
			assert.Equal(t, 0, cfg.Axes[0].Slave)
			assert.EqualValues(t, 1_000_000, cfg.Axes[0].Limits.MaxAcceleration)
			_, ok = cfg.Axis(1)
			assert.False(t, ok)
			require.Len(t, cfg.Safety.Axes, 2)
			assert.EqualValues(t, 1500, cfg.Safety.Axes[1].MaxTorque)

			require.NotNil(t, cfg.Haptic)
			assert.Equal(t, "haptic", cfg.Haptic.Name)
			assert.Equal(t, 15*physic.Newton, cfg.Haptic.MaxForce)
			assert.Equal(t, 10*physic.MilliNewton, cfg.Haptic.ForcePerTorque)
			assert.Equal(t, 40*time.Millisecond, cfg.Haptic.StaleTimeout)
			assert.Equal(t, 4.5, cfg.Haptic.Damping)

			assert.Equal(t, OperatorSerial, cfg.Operator.Kind)
			assert.Equal(t, "/dev/ttyUSB0", cfg.Operator.Serial.Name)
			assert.Equal(t, 57600, cfg.Operator.Serial.Baud)
		})
	}
}

func TestFormatsAreEquivalent(t *testing.T) {
	fromYAML, err := Load("testdata/network.yaml")
	require.Nil(t, err)
	fromINI, err := Load("testdata/network.ini")
	require.Nil(t, err)
	assert.Equal(t, fromYAML, fromINI)
}

func TestParseEntry(t *testing.T) {
	e, err := ParseEntry("0x6040:0:u16")
	require.Nil(t, err)
	assert.Equal(t, Entry{Index: 0x6040, Subindex: 0, DataType: od.UNSIGNED16, Bits: 16}, e)

	e, err = ParseEntry(" 0x6000:3:u8:1 ")
	require.Nil(t, err)
	assert.EqualValues(t, 1, e.Bits)
	assert.EqualValues(t, 3, e.Subindex)

	for _, invalid := range []string{"", "0x6040:0", "0x6040:0:u17", "0x16040:0:u8", "0x6040:0:vs", "0x6040:0:u8:0", "0x6040:0:u8:65"} {
		_, err := ParseEntry(invalid)
		assert.NotNil(t, err, invalid)
	}
}

func TestParseStartup(t *testing.T) {
	d, err := ParseStartup("0x6060:0:i8=-1")
	require.Nil(t, err)
	assert.Equal(t, []byte{0xff}, d.Value)
	assert.Equal(t, od.INTEGER8, d.DataType)

	for _, invalid := range []string{"0x6060:0:i8", "0x6060:0=1", "0x6060:0:i8=300", "0x6060:0:xx=1"} {
		_, err := ParseStartup(invalid)
		assert.NotNil(t, err, invalid)
	}
}

func TestInvalid(t *testing.T) {
	dir := t.TempDir()
	write := func(name string, content string) string {
		path := filepath.Join(dir, name)
		require.Nil(t, os.WriteFile(path, []byte(content), 0o644))
		return path
	}

	_, err := Load(write("network.json", "{}"))
	assert.ErrorIs(t, err, ErrFormat)

	cases := map[string]string{
		"no slaves":      "timing:\n  period: 1ms\n",
		"unknown field":  "slaves:\n  - name: a\n    kind: drive\n    speed: 3\n",
		"unknown kind":   "slaves:\n  - kind: robot\n",
		"bad duration":   "timing:\n  period: fast\nslaves:\n  - kind: io\n",
		"frame timeout":  "timing:\n  period: 1ms\nmaster:\n  frameTimeout: 2ms\nslaves:\n  - kind: io\n",
		"haptic on io":   "haptic:\n  slave: 0\nslaves:\n  - kind: io\n",
		"bad force":      "haptic:\n  slave: 0\n  maxForce: 3V\nslaves:\n  - kind: drive\n",
		"emergency":      "safety:\n  emergency:\n    slave: 4\nslaves:\n  - kind: io\n",
		"overlap":        "slaves:\n  - kind: drive\n    outputs: [\"0x6040:0:u16\", \"0x6040:0:u16\"]\n",
		"serial no port": "operator:\n  kind: serial\nslaves:\n  - kind: io\n",
		"operator kind":  "operator:\n  kind: joystick\nslaves:\n  - kind: io\n",
	}
	for name, content := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Load(write("network.yaml", content))
			assert.ErrorIs(t, err, ErrInvalid)
		})
	}

	t.Run("ini slave gap", func(t *testing.T) {
		_, err := Load(write("gap.ini", "[slave.0]\nkind = io\n[slave.2]\nkind = io\n"))
		assert.ErrorIs(t, err, ErrInvalid)
	})
	t.Run("ini bad number", func(t *testing.T) {
		_, err := Load(write("number.ini", "[master]\nfailureThreshold = many\n[slave.0]\nkind = io\n"))
		assert.ErrorIs(t, err, ErrInvalid)
	})
}

func TestDefault(t *testing.T) {
	cfg := Default()
	require.Len(t, cfg.Slaves, 3)
	assert.Len(t, cfg.Axes, 2)
	assert.Len(t, cfg.Safety.Axes, 2)
	assert.Nil(t, cfg.Haptic)
	assert.Equal(t, DefaultInterface, cfg.Link.Interface)
	assert.Equal(t, DefaultListen, cfg.HTTP.Listen)
	require.NotNil(t, cfg.Safety.Emergency)
	assert.Equal(t, 2, cfg.Safety.Emergency.Slave)
	assert.Equal(t, slave.KindIO, cfg.Slaves[2].Kind)
	assert.Len(t, cfg.Slaves[0].Startup, 1)
}
