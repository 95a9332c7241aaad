package aclperm

import "testing"

func TestEncodeMinimalACL(t *testing.T) {
	buf, err := New(PermReadWrite, PermRead, PermNone).Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// version header (4 bytes) + 3 mandatory entries * 8 bytes each.
	if len(buf) != 4+3*8 {
		t.Fatalf("len(buf) = %d, want %d", len(buf), 4+3*8)
	}
	if buf[0] != aclXattrVersion {
		t.Fatalf("version byte = %d, want %d", buf[0], aclXattrVersion)
	}
}

func TestEncodeRequiresMaskWithNamedEntry(t *testing.T) {
	_, err := New(PermReadWrite, PermReadWrite, PermNone).
		AddGroup(1000, PermRead).
		Encode()
	if err != ErrMaskRequired {
		t.Fatalf("Encode: got %v, want ErrMaskRequired", err)
	}
}

func TestEncodeWithMaskSucceeds(t *testing.T) {
	buf, err := New(PermReadWrite, PermReadWrite, PermNone).
		AddGroup(1000, PermRead).
		WithMask(PermReadWrite).
		Encode()
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	// 3 mandatory + 1 named group + 1 mask = 5 entries.
	if len(buf) != 4+5*8 {
		t.Fatalf("len(buf) = %d, want %d", len(buf), 4+5*8)
	}
}
