package route

import (
	"testing"

	"github.com/wskit/wskit/pkg/envelope"
)

func noop(Context, any) error { return nil }

func descriptor(t *testing.T, typ string) *envelope.Descriptor {
	t.Helper()
	d, err := envelope.NewDescriptor(typ, nil)
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func TestRegisterDuplicateFails(t *testing.T) {
	tb := New()
	d := descriptor(t, "PING")
	if err := tb.Register(d, HandlerFunc(noop)); err != nil {
		t.Fatal(err)
	}
	if err := tb.Register(d, HandlerFunc(noop)); err == nil {
		t.Fatal("expected duplicate route error")
	}
}

func TestMergeConflictErrorLeavesTargetUnchanged(t *testing.T) {
	a := New()
	_ = a.Register(descriptor(t, "PING"), HandlerFunc(noop))

	b := New()
	_ = b.Register(descriptor(t, "PING"), HandlerFunc(noop))
	_ = b.Register(descriptor(t, "PONG"), HandlerFunc(noop))

	err := a.Merge(b, ConflictError)
	if err == nil {
		t.Fatal("expected conflict error")
	}
	if _, ok := a.Get("PONG"); ok {
		t.Fatal("target must be unchanged after a failed merge")
	}
	if len(a.List()) != 1 {
		t.Fatalf("expected target to retain only its original entry, got %d", len(a.List()))
	}
}

func TestMergeConflictSkipKeepsOriginal(t *testing.T) {
	a := New()
	_ = a.Register(descriptor(t, "PING"), HandlerFunc(noop))

	original, _ := a.Get("PING")

	b := New()
	_ = b.Register(descriptor(t, "PING"), HandlerFunc(noop))

	if err := a.Merge(b, ConflictSkip); err != nil {
		t.Fatal(err)
	}
	after, _ := a.Get("PING")
	if after.Descriptor != original.Descriptor {
		t.Fatal("ConflictSkip must keep the original entry")
	}
}

func TestMergeConflictReplaceOverwrites(t *testing.T) {
	a := New()
	_ = a.Register(descriptor(t, "PING"), HandlerFunc(noop))

	b := New()
	replacement := descriptor(t, "PING")
	_ = b.Register(replacement, HandlerFunc(noop))

	if err := a.Merge(b, ConflictReplace); err != nil {
		t.Fatal(err)
	}
	after, _ := a.Get("PING")
	if after.Descriptor != replacement {
		t.Fatal("ConflictReplace must take the incoming entry")
	}
}

func TestMountPrefixesAndClonesDescriptor(t *testing.T) {
	a := New()
	b := New()
	d := descriptor(t, "join")
	_ = b.Register(d, HandlerFunc(noop))

	if err := a.Mount("room:", b, ConflictError); err != nil {
		t.Fatal(err)
	}

	if _, ok := a.Get("join"); ok {
		t.Fatal("unprefixed type should not exist in mounted target")
	}
	entry, ok := a.Get("room:join")
	if !ok {
		t.Fatal("expected prefixed type to be registered")
	}
	if entry.Descriptor == d {
		t.Fatal("mounted descriptor must be a clone, not the original")
	}
	if d.Type() != "join" {
		t.Fatal("original descriptor must not be mutated by mount")
	}
}

func TestMountConflictEvaluatedAfterPrefixing(t *testing.T) {
	a := New()
	_ = a.Register(descriptor(t, "room:join"), HandlerFunc(noop))

	b := New()
	_ = b.Register(descriptor(t, "join"), HandlerFunc(noop))

	// Without the prefix these wouldn't collide; with it, they must.
	err := a.Mount("room:", b, ConflictError)
	if err == nil {
		t.Fatal("expected conflict after prefixing to collide with existing route")
	}
}
