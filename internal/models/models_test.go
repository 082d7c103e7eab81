package models

import (
	"testing"
)

func TestResolveKeyExplicit(t *testing.T) {
	key, warning, err := ResolveKey("volume", []string{"mask", "volume"})
	if err != nil {
		t.Fatalf("ResolveKey failed: %v", err)
	}
	if key != "volume" || warning != "" {
		t.Fatalf("Got key %q warning %q, want volume with no warning", key, warning)
	}

	if _, _, err := ResolveKey("missing", []string{"mask", "volume"}); err == nil {
		t.Fatal("Expected an error for an unknown key")
	}
}

func TestResolveKeyDefault(t *testing.T) {
	// The sorted-first key wins regardless of input order, with a warning
	// when the choice was ambiguous.
	key, warning, err := ResolveKey("", []string{"zeta", "alpha", "mid"})
	if err != nil {
		t.Fatalf("ResolveKey failed: %v", err)
	}
	if key != "alpha" {
		t.Fatalf("Got key %q, want alpha", key)
	}
	if warning == "" {
		t.Fatal("Expected a warning for an ambiguous default")
	}

	key, warning, err = ResolveKey("", []string{"only"})
	if err != nil {
		t.Fatalf("ResolveKey failed: %v", err)
	}
	if key != "only" || warning != "" {
		t.Fatalf("Got key %q warning %q, want only with no warning", key, warning)
	}

	if _, _, err := ResolveKey("", nil); err == nil {
		t.Fatal("Expected an error for an empty container")
	}
}

func TestProgressFuncNil(t *testing.T) {
	var f ProgressFunc
	// Must not panic.
	f.Emit(ProgressEvent{Stage: "compose"})

	var got ProgressEvent
	f = func(ev ProgressEvent) { got = ev }
	f.Emit(ProgressEvent{Stage: "pyramid", Level: 2, Bytes: 100})
	if got.Stage != "pyramid" || got.Level != 2 || got.Bytes != 100 {
		t.Fatalf("Event not delivered: %+v", got)
	}
}
