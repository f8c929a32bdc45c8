package interop

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleMaps = `00400000-00452000 r-xp 00000000 08:02 173521 /usr/bin/dbus-daemon
00651000-00652000 r--p 00051000 08:02 173521 /usr/bin/dbus-daemon
00652000-00655000 rw-p 00052000 08:02 173521 /usr/bin/dbus-daemon
7f0000000000-7f0000080000 r-xp 00000000 08:02 100 /lib/libx.so
7f0000080000-7f0000090000 r--p 00080000 08:02 100 /lib/libx.so
7f0000090000-7f00000a0000 rw-p 00090000 08:02 100 /lib/libx.so
7fff00000000-7fff00001000 r-xp 00000000 00:00 0 [vdso]
`

func TestParseMapsLine(t *testing.T) {
	entry, ok := parseMapsLine("00400000-00452000 r-xp 00000000 08:02 173521 /usr/bin/dbus-daemon")
	require.True(t, ok)
	assert.Equal(t, uint64(0x400000), entry.start)
	assert.Equal(t, uint64(0x452000), entry.end)
	assert.Equal(t, int64(173521), entry.inode)
	assert.Equal(t, "/usr/bin/dbus-daemon", entry.path)

	entry, ok = parseMapsLine("7fff00000000-7fff00001000 r-xp 00000000 00:00 0")
	require.True(t, ok)
	assert.Equal(t, "", entry.path)

	_, ok = parseMapsLine("garbage")
	assert.False(t, ok)
}

func TestExecStartAddr(t *testing.T) {
	start, err := execStartAddrFrom(strings.NewReader(sampleMaps), "/usr/bin/dbus-daemon")
	require.NoError(t, err)
	assert.Equal(t, uint64(0x400000), start)

	_, err = execStartAddrFrom(strings.NewReader(sampleMaps), "/bin/other")
	assert.Error(t, err)
}

func TestLibEndAddrAndRealName(t *testing.T) {
	end, name := libEndAddrAndRealNameFrom(strings.NewReader(sampleMaps), 0x7f0000000000)
	assert.Equal(t, "/lib/libx.so", name)
	assert.Equal(t, uint64(0x7f00000a0000), end, "end of the contiguous mapping run")

	// the vdso entry has inode 0 and must resolve to nothing
	end, name = libEndAddrAndRealNameFrom(strings.NewReader(sampleMaps), 0x7fff00000000)
	assert.Equal(t, "", name)
	assert.Equal(t, uint64(0), end)
}
