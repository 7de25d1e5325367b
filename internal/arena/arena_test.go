package arena

import (
	"errors"
	"testing"
)

func TestNew(t *testing.T) {
	a, err := New(1024, 64)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if a.Cap() != 1088 {
		t.Errorf("Cap() = %d, want 1088", a.Cap())
	}
	if a.MaxPayload() != 1024 {
		t.Errorf("MaxPayload() = %d, want 1024", a.MaxPayload())
	}
	p := a.Payload()
	if len(p) != 1024 || cap(p) != 1024 {
		t.Errorf("Payload len/cap = %d/%d, want 1024/1024", len(p), cap(p))
	}
}

func TestNewInvalid(t *testing.T) {
	tests := []struct {
		name           string
		payload, slack int
	}{
		{"zero payload", 0, 10},
		{"negative payload", -1, 10},
		{"negative slack", 10, -1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.payload, tt.slack)
			if !errors.Is(err, ErrSize) {
				t.Errorf("err = %v, want ErrSize", err)
			}
		})
	}
}

func TestViews(t *testing.T) {
	a, err := New(16, 8)
	if err != nil {
		t.Fatal(err)
	}
	copy(a.Payload(), "0123456789abcdef")

	v := View{Start: 4, Len: 6}
	if got := string(a.Bytes(v)); got != "456789" {
		t.Errorf("Bytes = %q", got)
	}
	if got := cap(a.Bytes(v)); got != 6 {
		t.Errorf("cap(Bytes) = %d, want 6", got)
	}
	if got := len(a.Tail(v)); got != 20 {
		t.Errorf("len(Tail) = %d, want 20", got)
	}
	if v.End() != 10 {
		t.Errorf("End() = %d, want 10", v.End())
	}

	// Writes through a view land in the shared allocation.
	a.Bytes(v)[0] = 'X'
	if a.Payload()[4] != 'X' {
		t.Error("view does not alias the arena")
	}
}

func TestCheckPanics(t *testing.T) {
	a, err := New(16, 8)
	if err != nil {
		t.Fatal(err)
	}
	bad := []View{
		{Start: -1, Len: 1},
		{Start: 0, Len: -1},
		{Start: 20, Len: 5},
		{Start: 0, Len: 25},
	}
	for _, v := range bad {
		func() {
			defer func() {
				if recover() == nil {
					t.Errorf("Check(%+v) did not panic", v)
				}
			}()
			a.Check(v)
		}()
	}

	// The full allocation is a valid view.
	a.Check(View{Start: 0, Len: a.Cap()})
}
