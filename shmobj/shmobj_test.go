//go:build linux

package shmobj

import (
	"testing"

	"github.com/shmipc/shmipc/access"
)

func uniqueName(t *testing.T) access.Name {
	return access.Name("shmipc-test-" + t.Name())
}

// TestPurgeAndCreateOpenExisting mirrors spec.md §8 scenario 5: a
// PurgeAndCreate construction followed by an OpenExisting construction
// of the same name must see the same bytes, and teardown must leave the
// name unlinked for the next test.
func TestPurgeAndCreateOpenExisting(t *testing.T) {
	name := uniqueName(t)

	owner, err := New(Config{
		Name:     name,
		OpenMode: access.PurgeAndCreate,
		Access:   access.ReadWrite,
		Size:     4096,
		ZeroInit: true,
	})
	if err != nil {
		t.Fatalf("PurgeAndCreate: %v", err)
	}
	defer owner.Close()

	owner.Bytes()[0] = 0xAB

	opener, err := New(Config{
		Name:     name,
		OpenMode: access.OpenExisting,
		Access:   access.ReadOnly,
		Size:     4096,
	})
	if err != nil {
		t.Fatalf("OpenExisting: %v", err)
	}
	defer opener.Close()

	if opener.Bytes()[0] != 0xAB {
		t.Fatalf("opener saw %x, want 0xAB", opener.Bytes()[0])
	}
	if opener.IsOwner() {
		t.Fatalf("opener should not consider itself the owner")
	}
}

func TestOpenExistingMissingFails(t *testing.T) {
	name := uniqueName(t)
	if Exists(name) {
		t.Fatalf("precondition: %q should not exist", name)
	}

	_, err := New(Config{
		Name:     name,
		OpenMode: access.OpenExisting,
		Access:   access.ReadWrite,
		Size:     4096,
	})
	if err == nil {
		t.Fatalf("expected OpenExisting on missing object to fail")
	}
	serr, ok := err.(*Error)
	if !ok || serr.Kind != ErrorDoesNotExist {
		t.Fatalf("err = %v, want ErrorDoesNotExist", err)
	}
}

func TestExclusiveCreateTwiceFails(t *testing.T) {
	name := uniqueName(t)

	first, err := New(Config{
		Name:     name,
		OpenMode: access.ExclusiveCreate,
		Access:   access.ReadWrite,
		Size:     4096,
	})
	if err != nil {
		t.Fatalf("first ExclusiveCreate: %v", err)
	}
	defer first.Close()

	_, err = New(Config{
		Name:     name,
		OpenMode: access.ExclusiveCreate,
		Access:   access.ReadWrite,
		Size:     4096,
	})
	if err == nil {
		t.Fatalf("expected second ExclusiveCreate to fail")
	}
	serr, ok := err.(*Error)
	if !ok || serr.Kind != ErrorDoesExist {
		t.Fatalf("err = %v, want ErrorDoesExist", err)
	}
}

func TestOpenExistingSmallerThanRequestedFails(t *testing.T) {
	name := uniqueName(t)

	owner, err := New(Config{
		Name:     name,
		OpenMode: access.ExclusiveCreate,
		Access:   access.ReadWrite,
		Size:     1024,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer owner.Close()

	_, err = New(Config{
		Name:     name,
		OpenMode: access.OpenExisting,
		Access:   access.ReadWrite,
		Size:     4096,
	})
	if err == nil {
		t.Fatalf("expected OpenExisting with larger requested size to fail")
	}
	serr, ok := err.(*Error)
	if !ok || serr.Kind != ErrorRequestedSizeExceedsActualSize {
		t.Fatalf("err = %v, want ErrorRequestedSizeExceedsActualSize", err)
	}
}

func TestCloseUnlinksOwnedObject(t *testing.T) {
	name := uniqueName(t)

	owner, err := New(Config{
		Name:     name,
		OpenMode: access.ExclusiveCreate,
		Access:   access.ReadWrite,
		Size:     4096,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !Exists(name) {
		t.Fatalf("object should exist after create")
	}
	if err := owner.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if Exists(name) {
		t.Fatalf("object should not exist after owning Close")
	}
}

// TestOpenOrCreateCreatesWhenAbsent mirrors spec.md §4.4 step 3: when
// nothing exists under the name, OpenOrCreate creates it and owns it.
func TestOpenOrCreateCreatesWhenAbsent(t *testing.T) {
	name := uniqueName(t)
	if Exists(name) {
		t.Fatalf("precondition: %q should not exist", name)
	}

	obj, err := New(Config{
		Name:     name,
		OpenMode: access.OpenOrCreate,
		Access:   access.ReadWrite,
		Size:     4096,
	})
	if err != nil {
		t.Fatalf("OpenOrCreate: %v", err)
	}
	defer obj.Close()

	if !obj.IsOwner() {
		t.Fatalf("OpenOrCreate against an absent name should own the object")
	}
}

// TestOpenOrCreateOpensExistingWithoutOwning mirrors spec.md §4.4 step
// 3's attempt/retry: when the name already exists, OpenOrCreate must
// retry as a plain open, not claim ownership, and must not ftruncate
// (clobber) the bytes another process already wrote.
func TestOpenOrCreateOpensExistingWithoutOwning(t *testing.T) {
	name := uniqueName(t)

	owner, err := New(Config{
		Name:     name,
		OpenMode: access.ExclusiveCreate,
		Access:   access.ReadWrite,
		Size:     4096,
	})
	if err != nil {
		t.Fatalf("ExclusiveCreate: %v", err)
	}
	defer owner.Close()
	owner.Bytes()[0] = 0xCD

	joiner, err := New(Config{
		Name:     name,
		OpenMode: access.OpenOrCreate,
		Access:   access.ReadWrite,
		Size:     4096,
	})
	if err != nil {
		t.Fatalf("OpenOrCreate against existing name: %v", err)
	}
	defer joiner.Close()

	if joiner.IsOwner() {
		t.Fatalf("OpenOrCreate against a pre-existing name must not claim ownership")
	}
	if joiner.Bytes()[0] != 0xCD {
		t.Fatalf("joiner saw %x, want 0xCD (OpenOrCreate must not truncate an existing object)", joiner.Bytes()[0])
	}
}

// TestReadOnlyWithCreatingModeRejected mirrors spec.md §4.4 step 4:
// ReadOnly combined with any creating OpenMode is rejected up front.
func TestReadOnlyWithCreatingModeRejected(t *testing.T) {
	name := uniqueName(t)

	_, err := New(Config{
		Name:     name,
		OpenMode: access.OpenOrCreate,
		Access:   access.ReadOnly,
		Size:     4096,
	})
	if err == nil {
		t.Fatalf("expected ReadOnly+OpenOrCreate to fail")
	}
	serr, ok := err.(*Error)
	if !ok || serr.Kind != ErrorIncompatibleOpenAndAccessMode {
		t.Fatalf("err = %v, want ErrorIncompatibleOpenAndAccessMode", err)
	}
}

func TestZeroInitZeroesNewMemory(t *testing.T) {
	name := uniqueName(t)

	owner, err := New(Config{
		Name:     name,
		OpenMode: access.PurgeAndCreate,
		Access:   access.ReadWrite,
		Size:     8192,
		ZeroInit: true,
	})
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	defer owner.Close()

	for i, b := range owner.Bytes() {
		if b != 0 {
			t.Fatalf("byte %d = %x, want 0", i, b)
		}
	}
}
