package objdb

import (
	"errors"
	"log/slog"
	"reflect"
	"strings"
	"testing"
)

func TestInc(t *testing.T) {
	tests := []struct {
		in  string
		out string
		ok  bool
	}{
		{"00", "01", true},
		{"00ff", "0100", true},
		{"30 61 00 01", "30 61 00 02", true},
		{"12ffff", "130000", true},
		{"ff", "ff", false},
		{"ffff", "ffff", false},
		{"", "", false},
	}
	for _, tt := range tests {
		b := x(tt.in)
		ok := inc(b)
		if ok != tt.ok || !reflect.DeepEqual(b, x(tt.out)) {
			t.Errorf("** inc(%s) = %x, %v; wanted %s, %v", tt.in, b, ok, tt.out, tt.ok)
		}
	}
}

func TestHexHelpers(t *testing.T) {
	if got := hexstr(nil); got != "<nil>" {
		t.Fatalf("hexstr(nil) = %q, wanted <nil>", got)
	}
	if got := hexstr([]byte{}); got != "<empty>" {
		t.Fatalf("hexstr(empty) = %q, wanted <empty>", got)
	}
	if got := hexstr([]byte{0xAA, 0xBB}); got != "aabb" {
		t.Fatalf("hexstr = %q, wanted aabb", got)
	}
	a := hexAttr("k", []byte{0xAA})
	if a.Key != "k" || a.Value.Kind() != slog.KindString {
		t.Fatalf("hexAttr returned unexpected attr: %+v", a)
	}
}

func TestSafelyCall(t *testing.T) {
	boom := errors.New("boom")
	if err := safelyCall(func(n int) error { return nil }, 1); err != nil {
		t.Fatalf("safelyCall(ok) = %v", err)
	}
	if err := safelyCall(func(n int) error { return boom }, 1); err != boom {
		t.Fatalf("safelyCall(err) = %v, wanted %v", err, boom)
	}
	err := safelyCall(func(n int) error { panic(n * 2) }, 21)
	var p panicked
	if !errors.As(err, &p) || p.reason != 42 {
		t.Fatalf("safelyCall(panic) = %v", err)
	}
	if !strings.HasPrefix(err.Error(), "panic: 42\n\n") {
		t.Fatalf("panicked.Error() = %q", err.Error())
	}
}

func TestMustEnsure(t *testing.T) {
	boom := errors.New("boom")
	deepEqual(t, must(5, nil), 5)
	func() {
		defer func() {
			if recover() != boom {
				t.Errorf("** must did not panic with its error")
			}
		}()
		must(0, boom)
	}()
	func() {
		defer func() {
			if recover() != boom {
				t.Errorf("** ensure did not panic with its error")
			}
		}()
		ensure(boom)
	}()
}
