package position_test

import (
	"testing"

	"github.com/downfa11-org/logstream/pkg/position"
)

func TestRoundTrip(t *testing.T) {
	tests := []struct {
		partition int32
		offset    int32
	}{
		{0, 0},
		{0, 4095},
		{1, 0},
		{7, 1 << 20},
		{1<<31 - 1, 1<<31 - 1},
	}

	for _, tt := range tests {
		p := position.Of(tt.partition, tt.offset)
		if got := position.PartitionID(p); got != tt.partition {
			t.Errorf("PartitionID(%d) = %d, want %d", p, got, tt.partition)
		}
		if got := position.Offset(p); got != tt.offset {
			t.Errorf("Offset(%d) = %d, want %d", p, got, tt.offset)
		}
		if p < 0 {
			t.Errorf("position %s must not be negative", position.String(p))
		}
	}
}

func TestOrderingAcrossPartitions(t *testing.T) {
	last := position.Of(0, 4088)
	next := position.Of(1, 0)
	if !(last < next) {
		t.Fatalf("expected %s < %s", position.String(last), position.String(next))
	}
	if position.Max(last, next) != next {
		t.Fatalf("Max picked the wrong position")
	}
}

func TestNormalize(t *testing.T) {
	if got := position.Normalize(position.Of(2, 4096), 4096); got != position.Of(3, 0) {
		t.Fatalf("Normalize at end = %s, want 3:0", position.String(got))
	}
	if got := position.Normalize(position.Of(2, 128), 4096); got != position.Of(2, 128) {
		t.Fatalf("Normalize in range changed the position: %s", position.String(got))
	}
}

func TestDistance(t *testing.T) {
	const capacity = 1024
	if d := position.Distance(position.Of(0, 1000), position.Of(1, 24), capacity); d != 48 {
		t.Fatalf("Distance across partitions = %d, want 48", d)
	}
	if d := position.Distance(position.Of(3, 100), position.Of(3, 100), capacity); d != 0 {
		t.Fatalf("Distance to self = %d", d)
	}
}
