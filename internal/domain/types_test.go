package domain

import "testing"

func TestChunkIDRoundTrip(t *testing.T) {
	id := ChunkID("mem-42", 7)
	memID, idx, ok := ParseChunkID(id)
	if !ok {
		t.Fatalf("expected ok=true for %q", id)
	}
	if memID != "mem-42" || idx != 7 {
		t.Fatalf("got (%q, %d), want (mem-42, 7)", memID, idx)
	}
}

func TestParseChunkIDRejectsBareMemoryID(t *testing.T) {
	_, _, ok := ParseChunkID("mem-42")
	if ok {
		t.Fatal("expected ok=false for a bare memory id")
	}
}

func TestMemoryTierCanPromoteTo(t *testing.T) {
	cases := []struct {
		from, to MemoryTier
		want     bool
	}{
		{TierWorking, TierShortTerm, true},
		{TierWorking, TierLongTerm, true},
		{TierShortTerm, TierWorking, false},
		{TierLongTerm, TierShortTerm, false},
		{TierLongTerm, TierWorking, false},
		{TierWorking, TierWorking, true},
	}
	for _, c := range cases {
		if got := c.from.CanPromoteTo(c.to); got != c.want {
			t.Errorf("%s -> %s: got %v, want %v", c.from, c.to, got, c.want)
		}
	}
}

func TestClampUnit(t *testing.T) {
	if ClampUnit(-0.5) != 0 {
		t.Fatal("expected clamp to 0")
	}
	if ClampUnit(1.5) != 1 {
		t.Fatal("expected clamp to 1")
	}
	if ClampUnit(0.42) != 0.42 {
		t.Fatal("expected unchanged value in range")
	}
}
