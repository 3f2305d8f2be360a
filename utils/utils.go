package utils

import (
	"encoding/binary"
	"strconv"
)

// Uint64ToBytes encodes big-endian so bbolt cursors iterate in numeric order.
func Uint64ToBytes(num uint64) []byte {
	bytes := make([]byte, 8)
	binary.BigEndian.PutUint64(bytes, num)
	return bytes
}

func StringToUint64(s string) (uint64, error) {
	num, err := strconv.ParseUint(s, 10, 64)
	if err != nil {
		return 0, err
	}
	return num, nil
}

// CompositeKey joins a string prefix and a numeric suffix: prefix|uint64.
func CompositeKey(prefix string, num uint64) []byte {
	key := make([]byte, 0, len(prefix)+9)
	key = append(key, prefix...)
	key = append(key, '|')
	return append(key, Uint64ToBytes(num)...)
}

// PrefixKey returns the prefix|, used to seek composite keys.
func PrefixKey(prefix string) []byte {
	return append([]byte(prefix), '|')
}
