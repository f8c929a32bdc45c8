package utils

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGetBits(t *testing.T) {
	assert.Equal(t, uint32(0xb), GetBits(uint32(0xab), 0, 3))
	assert.Equal(t, uint32(0xa), GetBits(uint32(0xab), 4, 7))
	assert.Equal(t, uint32(1), GetBit(uint32(0x10), 4))
	assert.Equal(t, uint32(0), GetBit(uint32(0x10), 3))
}

func TestGetSBits(t *testing.T) {
	// 24-bit branch offset of an ARM B instruction, negative displacement
	assert.Equal(t, int32(-1), GetSBits(0x00ffffff, 0, 23))
	assert.Equal(t, int32(1), GetSBits(0x00000001, 0, 23))
}

func TestSignExtend(t *testing.T) {
	assert.Equal(t, uint64(0xffffffffffffffff), SignExtend(0x1, 0))
	assert.Equal(t, uint64(0x1), SignExtend(0x1, 1))
	assert.Equal(t, uint64(0xfffffffffffff800), SignExtend(0x800, 11))
}

func TestBitExtract(t *testing.T) {
	assert.Equal(t, uint64(0x3), BitExtract(0x30, 5, 4, false))
	assert.Equal(t, uint64(0xffffffffffffffff), BitExtract(0x30, 5, 4, true))
}

func TestEndsWith(t *testing.T) {
	assert.True(t, EndsWith("/usr/lib/libcoreclr.so", "libcoreclr.so"))
	assert.False(t, EndsWith("clr.so", "libcoreclr.so"))
}

func TestBasename(t *testing.T) {
	assert.Equal(t, "libx.so", Basename("/lib/arm/libx.so"))
	assert.Equal(t, "libx.so", Basename("libx.so"))
}
