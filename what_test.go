package evloop

import "testing"

func TestWhatPredicates(t *testing.T) {
	cases := []struct {
		w       What
		isRead  bool
		isWrite bool
	}{
		{None, false, false},
		{Read, true, false},
		{Write, false, true},
		{ReadWrite, true, true},
	}
	for _, c := range cases {
		if c.w.IsRead() != c.isRead || c.w.IsWrite() != c.isWrite {
			t.Fatalf("%v: IsRead=%v IsWrite=%v", c.w, c.w.IsRead(), c.w.IsWrite())
		}
	}
}

func TestWhatSetAlgebra(t *testing.T) {
	if EnsureRead(None) != Read || EnsureRead(Write) != ReadWrite || EnsureRead(Read) != Read {
		t.Fatalf("EnsureRead broken")
	}
	if EnsureWrite(None) != Write || EnsureWrite(Read) != ReadWrite || EnsureWrite(Write) != Write {
		t.Fatalf("EnsureWrite broken")
	}
	if RemoveWrite(ReadWrite) != Read || RemoveWrite(Write) != None || RemoveWrite(Read) != Read {
		t.Fatalf("RemoveWrite broken")
	}
	if RemoveRead(ReadWrite) != Write || RemoveRead(Read) != None || RemoveRead(Write) != Write {
		t.Fatalf("RemoveRead broken")
	}
}

func TestWhatString(t *testing.T) {
	if None.String() != "NONE" || Read.String() != "READ" || Write.String() != "WRITE" || ReadWrite.String() != "READ_WRITE" {
		t.Fatalf("What string form changed")
	}
}
