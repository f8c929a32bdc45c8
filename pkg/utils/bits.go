package utils

import (
	"golang.org/x/exp/constraints"
)

// Returns an all ones bitmask covering bits [0, last]
func Submask[T constraints.Unsigned](last int) T {
	return (T(1) << (last + 1)) - T(1)
}

// Extracts bits [first, last] of a value (both bounds inclusive)
func GetBits[T constraints.Unsigned](value T, first, last int) T {
	return (value >> first) & Submask[T](last-first)
}

// Extracts a single bit of a value
func GetBit[T constraints.Unsigned](value T, bit int) T {
	return (value >> bit) & 1
}

// Extracts bits [first, last] of a value, sign-extending from bit `last`
func GetSBits(value uint32, first, last int) int32 {
	extracted := GetBits(value, first, last)
	if GetBit(value, last) != 0 {
		return int32(extracted | ^Submask[uint32](last-first))
	}
	return int32(extracted)
}

// Sign-extends the low bits of a value from the given sign bit position
func SignExtend(value uint64, signBit uint) uint64 {
	if signBit >= 63 {
		return value
	}
	if value&(1<<signBit) != 0 {
		return value | (^uint64(0) << signBit)
	}
	return value
}

// Extracts bits [low, high] of a 64-bit value, optionally sign-extending
func BitExtract(value uint64, high, low uint, signExtend bool) uint64 {
	extracted := (value >> low) & ((1 << (high - low + 1)) - 1)
	if signExtend {
		return SignExtend(extracted, high-low)
	}
	return extracted
}
