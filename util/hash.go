package util

import (
	"hash/fnv"

	"github.com/cespare/xxhash/v2"
)

const hashMask = uint32(0x7fffffff)

// Hash returns a non-negative int hash of the given string key.
func Hash(key string) int {
	h := fnv.New32a()
	h.Write([]byte(key))
	return int(h.Sum32() & hashMask)
}

// XXHash returns a non-negative int xxhash64 of key.
func XXHash(key []byte) int {
	return int(xxhash.Sum64(key) & 0x7fffffffffffffff)
}
