package faults

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindString(t *testing.T) {
	cases := []struct {
		kind Kind
		want string
	}{
		{KindManifest, "manifest"},
		{KindTransport, "transport"},
		{KindStorage, "storage"},
		{KindIntegrity, "integrity"},
		{KindResume, "resume"},
	}
	for _, c := range cases {
		if got := c.kind.String(); got != c.want {
			t.Errorf("Kind(%d).String() = %q, want %q", c.kind, got, c.want)
		}
	}
}

func TestKindOfThroughWrapping(t *testing.T) {
	base := WithPath(KindIntegrity, "docs/a.txt", errors.New("checksum mismatch"))
	wrapped := fmt.Errorf("file failed: %w", base)

	kind, ok := KindOf(wrapped)
	if !ok {
		t.Fatal("expected kind to survive wrapping")
	}
	if kind != KindIntegrity {
		t.Fatalf("got kind %v, want integrity", kind)
	}
	if !Is(wrapped, KindIntegrity) {
		t.Fatal("Is should match integrity")
	}
	if Is(wrapped, KindTransport) {
		t.Fatal("Is should not match transport")
	}
}

func TestErrorMessageIncludesPath(t *testing.T) {
	err := WithPath(KindStorage, "/out/big.bin", errors.New("no space left"))
	msg := err.Error()
	if want := "storage error: /out/big.bin: no space left"; msg != want {
		t.Fatalf("got %q, want %q", msg, want)
	}
}

func TestKindOfPlainError(t *testing.T) {
	if _, ok := KindOf(errors.New("plain")); ok {
		t.Fatal("plain error should not carry a kind")
	}
}
