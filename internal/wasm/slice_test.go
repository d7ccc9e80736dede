package wasm

import (
	"context"
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestDescriptorEncoding(t *testing.T) {
	d := Descriptor{Ptr: 0x01020304, Len: 5, Cap: 8}
	b := d.Bytes()

	want := []byte{0x04, 0x03, 0x02, 0x01, 5, 0, 0, 0, 8, 0, 0, 0}
	if diff := cmp.Diff(want, b); diff != "" {
		t.Errorf("Bytes() mismatch (-want +got):\n%s", diff)
	}

	if _, err := DecodeDescriptor(b[:11]); err == nil {
		t.Error("DecodeDescriptor(11 bytes) error = nil")
	}
}

func TestSliceCodecWriteRead(t *testing.T) {
	tc := newTestCore(t, nil)
	codec := NewSliceCodec(tc.dispatcher.Memory())
	ctx := context.Background()

	scope := tc.dispatcher.alloc.NewScope()
	d, err := codec.Write(ctx, scope, []byte("payload"))
	if err != nil {
		t.Fatalf("Write() error = %v", err)
	}
	if d.Ptr == 0 || d.Len != 7 || d.Cap != 7 {
		t.Errorf("Write() = %+v, want non-null with len = cap = 7", d)
	}

	got, err := codec.CopyOut(d)
	if err != nil || string(got) != "payload" {
		t.Errorf("CopyOut() = %q, %v, want %q", got, err, "payload")
	}

	empty, err := codec.Write(ctx, scope, nil)
	if err != nil || !empty.IsZero() {
		t.Errorf("Write(nil) = %+v, %v, want zero descriptor", empty, err)
	}
	if got := tc.core.Stats().Allocs; got != 1 {
		t.Errorf("core allocs = %d, want 1: empty input must not allocate", got)
	}

	out, err := codec.CopyOut(Descriptor{})
	if err != nil || out == nil || len(out) != 0 {
		t.Errorf("CopyOut(zero) = %#v, %v, want empty non-nil slice", out, err)
	}

	if err := scope.Close(ctx); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	tc.assertBalanced(t)
}

func TestSliceCodecReadValidates(t *testing.T) {
	tc := newTestCore(t, nil)
	mem := tc.dispatcher.Memory()
	codec := NewSliceCodec(mem)

	tests := []struct {
		name string
		d    Descriptor
	}{
		{"cap below len", Descriptor{Ptr: 64, Len: 8, Cap: 4}},
		{"null with length", Descriptor{Ptr: 0, Len: 3, Cap: 3}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := mem.WriteBytes(4096, tt.d.Bytes()); err != nil {
				t.Fatalf("WriteBytes() error = %v", err)
			}
			var derr *DescriptorError
			if _, err := codec.Read(4096); !errors.As(err, &derr) {
				t.Errorf("Read() error = %v, want *DescriptorError", err)
			}
		})
	}

	if err := mem.WriteBytes(4096, Descriptor{Ptr: 64, Len: 4, Cap: 8}.Bytes()); err != nil {
		t.Fatal(err)
	}
	d, err := codec.Read(4096)
	if err != nil || d != (Descriptor{Ptr: 64, Len: 4, Cap: 8}) {
		t.Errorf("Read() = %+v, %v", d, err)
	}
}
