package dpmi

import "testing"

func TestDescriptorRoundTripPageGranular(t *testing.T) {
	d := NewDescriptor(0x00123000, 0x00200fff, AccessCode32)

	if got := d.Base(); got != 0x00123000 {
		t.Fatalf("Base = %#x, want %#x", got, 0x00123000)
	}
	if got := d.Limit(); got != 0x00200fff {
		t.Fatalf("Limit = %#x, want %#x", got, 0x00200fff)
	}
	if !d.PageGranular() {
		t.Fatalf("expected page granularity for a limit above 1 MiB")
	}
	if !d.Executable() || !d.Default32() || !d.Present() {
		t.Fatalf("unexpected rights %#04x", d.Rights())
	}
	if d.DPL() != 3 {
		t.Fatalf("DPL = %d, want 3", d.DPL())
	}
}

func TestDescriptorByteGranularLimit(t *testing.T) {
	d := NewDescriptor(0xfeedf000, 0xffff, AccessData32)

	if d.PageGranular() {
		t.Fatalf("a 64 KiB limit must stay byte granular")
	}
	if got := d.Limit(); got != 0xffff {
		t.Fatalf("Limit = %#x, want 0xffff", got)
	}
	if got := d.Base(); got != 0xfeedf000 {
		t.Fatalf("Base = %#x, want 0xfeedf000", got)
	}
	if d.Executable() {
		t.Fatalf("data descriptor reported executable")
	}
}

func TestDescriptorSetRightsKeepsLimit(t *testing.T) {
	var d Descriptor
	d.SetLimit(0x3fffff)
	d.SetRights(AccessCode16)

	if got := d.Limit(); got != 0x3fffff {
		t.Fatalf("Limit after SetRights = %#x, want 0x3fffff", got)
	}
	if got := d.Rights() & 0xff; got != 0xfb {
		t.Fatalf("access byte = %#x, want 0xfb", got)
	}
}

func TestValidClientRights(t *testing.T) {
	for _, tc := range []struct {
		rights uint16
		want   bool
	}{
		{AccessCode32, true},
		{AccessData32, true},
		{AccessCode16, true},
		{0x009b, false}, // DPL 0
		{0x007b, false}, // not present
		{0x00e2, false}, // system segment
	} {
		if got := ValidClientRights(tc.rights); got != tc.want {
			t.Errorf("ValidClientRights(%#04x) = %v, want %v", tc.rights, got, tc.want)
		}
	}
}

func TestSplitLinear(t *testing.T) {
	hi, lo := SplitLinear(0x12345678)
	if hi != 0x1234 || lo != 0x5678 {
		t.Fatalf("SplitLinear = %#x:%#x", hi, lo)
	}
	if got := JoinLinear(hi, lo); got != 0x12345678 {
		t.Fatalf("JoinLinear = %#x", got)
	}
}
