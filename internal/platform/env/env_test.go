package env

import (
	"testing"
	"time"
)

func TestStringDefault(t *testing.T) {
	if got := String("CLIPFORGE_TEST_UNSET", "fallback"); got != "fallback" {
		t.Fatalf("expected fallback, got %q", got)
	}
	t.Setenv("CLIPFORGE_TEST_SET", "value")
	if got := String("CLIPFORGE_TEST_SET", "fallback"); got != "value" {
		t.Fatalf("expected value, got %q", got)
	}
}

func TestDuration(t *testing.T) {
	d, err := Duration("CLIPFORGE_TEST_UNSET", 5*time.Second)
	if err != nil || d != 5*time.Second {
		t.Fatalf("expected default 5s, got %v err=%v", d, err)
	}
	t.Setenv("CLIPFORGE_TEST_DURATION", "250ms")
	d, err = Duration("CLIPFORGE_TEST_DURATION", time.Second)
	if err != nil || d != 250*time.Millisecond {
		t.Fatalf("expected 250ms, got %v err=%v", d, err)
	}
	t.Setenv("CLIPFORGE_TEST_DURATION", "soon")
	if _, err := Duration("CLIPFORGE_TEST_DURATION", time.Second); err == nil {
		t.Fatalf("expected parse error")
	}
}

func TestInt64(t *testing.T) {
	t.Setenv("CLIPFORGE_TEST_INT64", "9000000000")
	v, err := Int64("CLIPFORGE_TEST_INT64", 1)
	if err != nil || v != 9000000000 {
		t.Fatalf("expected 9000000000, got %d err=%v", v, err)
	}
	t.Setenv("CLIPFORGE_TEST_INT64", "ten")
	if _, err := Int64("CLIPFORGE_TEST_INT64", 1); err == nil {
		t.Fatalf("expected parse error")
	}
}
