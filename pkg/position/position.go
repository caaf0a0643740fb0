// Package position encodes dispatcher positions: a partition generation in
// the high 32 bits and the byte offset inside that partition in the low 32.
package position

import "fmt"

const offsetBits = 32

// Position is totally ordered: comparing two positions compares generations
// first and offsets second.
type Position = int64

// Of builds the position for (partitionID, offset).
func Of(partitionID, offset int32) Position {
	return int64(partitionID)<<offsetBits | int64(uint32(offset))
}

// PartitionID returns the partition generation of p.
func PartitionID(p Position) int32 {
	return int32(p >> offsetBits)
}

// Offset returns the byte offset of p inside its partition.
func Offset(p Position) int32 {
	return int32(uint32(p))
}

// Normalize rolls a position sitting exactly at the end of its partition
// over to the start of the next generation.
func Normalize(p Position, capacity int32) Position {
	if Offset(p) >= capacity {
		return Of(PartitionID(p)+1, 0)
	}
	return p
}

// Distance returns how many buffer bytes separate from and to, given the
// partition capacity. It is negative when to precedes from.
func Distance(from, to Position, capacity int32) int64 {
	gens := int64(PartitionID(to)) - int64(PartitionID(from))
	return gens*int64(capacity) + int64(Offset(to)) - int64(Offset(from))
}

// Max returns the larger of a and b.
func Max(a, b Position) Position {
	if a > b {
		return a
	}
	return b
}

// String renders p as "partition:offset".
func String(p Position) string {
	return fmt.Sprintf("%d:%d", PartitionID(p), Offset(p))
}
