package atomicbitmap_test

import (
	"testing"

	"github.com/nodeq/qdisc/internal/atomicbitmap"
)

func TestSetAndIsSet(t *testing.T) {
	var b atomicbitmap.Bitmap
	if b.IsSet(3) {
		t.Fatal("expected bit 3 unset initially")
	}
	b.Set(3)
	if !b.IsSet(3) {
		t.Fatal("expected bit 3 set after Set")
	}
}

func TestClearIfTokenRejectsStaleToken(t *testing.T) {
	var b atomicbitmap.Bitmap
	tok := b.Set(5)

	// A concurrent Set on another bit advances the token.
	b.Set(6)

	if b.ClearIfToken(5, tok) {
		t.Fatal("expected ClearIfToken to reject a stale token")
	}
	if !b.IsSet(5) {
		t.Fatal("expected bit 5 to remain set after a rejected clear")
	}
}

func TestClearIfTokenSucceedsWithCurrentToken(t *testing.T) {
	var b atomicbitmap.Bitmap
	tok := b.Set(5)
	if !b.ClearIfToken(5, tok) {
		t.Fatal("expected ClearIfToken to succeed with the current token")
	}
	if b.IsSet(5) {
		t.Fatal("expected bit 5 to be cleared")
	}
}

func TestMaxBitsFitsPackedWord(t *testing.T) {
	var b atomicbitmap.Bitmap
	b.Set(atomicbitmap.MaxBits - 1)
	if !b.IsSet(atomicbitmap.MaxBits - 1) {
		t.Fatal("expected the highest usable bit to be settable")
	}
}
