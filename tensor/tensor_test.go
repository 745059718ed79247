package tensor

import (
	"errors"
	"testing"
)

func TestFromFloat32_RoundTrip(t *testing.T) {
	values := []float32{1.5, -2, 0, 3.25, 100, -0.125}
	tt := FromFloat32([]int{2, 3}, values)

	if err := tt.Validate(); err != nil {
		t.Fatalf("Validate failed: %v", err)
	}
	if len(tt.Data) != 24 {
		t.Errorf("len(Data) = %d, want 24", len(tt.Data))
	}

	got, err := tt.Float32s()
	if err != nil {
		t.Fatalf("Float32s failed: %v", err)
	}
	for i := range values {
		if got[i] != values[i] {
			t.Errorf("value[%d] = %v, want %v", i, got[i], values[i])
		}
	}
}

func TestFromFloat16_Decode(t *testing.T) {
	// All values are exactly representable in f16.
	values := []float32{1, -0.5, 2048, 0.25}
	tt := FromFloat16([]int{4}, values)

	if tt.DType != Float16 || len(tt.Data) != 8 {
		t.Fatalf("unexpected tensor %s", tt)
	}
	got, err := tt.Float32s()
	if err != nil {
		t.Fatalf("Float32s failed: %v", err)
	}
	for i := range values {
		if got[i] != values[i] {
			t.Errorf("value[%d] = %v, want %v", i, got[i], values[i])
		}
	}
}

func TestBFloat16_Decode(t *testing.T) {
	// 1.0 in bf16 is 0x3F80, -2.0 is 0xC000.
	tt, err := New(BFloat16, []int{2}, []byte{0x80, 0x3F, 0x00, 0xC0})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	got, err := tt.Float32s()
	if err != nil {
		t.Fatalf("Float32s failed: %v", err)
	}
	if got[0] != 1 || got[1] != -2 {
		t.Errorf("got %v, want [1 -2]", got)
	}
}

func TestValidate_Malformed(t *testing.T) {
	tests := []struct {
		name string
		t    Tensor
	}{
		{"unknown dtype", Tensor{DType: "q4", Shape: []int{1}, Data: []byte{0}}},
		{"zero dimension", Tensor{DType: Float32, Shape: []int{0, 4}, Data: nil}},
		{"short buffer", Tensor{DType: Float32, Shape: []int{2}, Data: make([]byte, 4)}},
		{"long buffer", Tensor{DType: Float16, Shape: []int{2}, Data: make([]byte, 6)}},
		{"element count overflows", Tensor{DType: Float32, Shape: []int{1 << 61, 8}, Data: nil}},
		{"product wraps to buffer size", Tensor{DType: Float32, Shape: []int{1 << 62, 4}, Data: nil}},
		{"over byte limit", Tensor{DType: Float32, Shape: []int{MaxBytes/4 + 1}, Data: nil}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.t.Validate()
			if !errors.Is(err, ErrMalformed) {
				t.Errorf("Validate() = %v, want ErrMalformed", err)
			}
		})
	}
}

func TestNumElements(t *testing.T) {
	tests := []struct {
		shape []int
		want  int
	}{
		{nil, 1},
		{[]int{3, 4}, 12},
		{[]int{2, 0, 5}, 0},
		{[]int{-1, 4}, -1},
		{[]int{1 << 62, 4}, -1},
		{[]int{1 << 31, 1 << 31, 1 << 31}, -1},
	}
	for _, tt := range tests {
		if got := NumElements(tt.shape); got != tt.want {
			t.Errorf("NumElements(%v) = %d, want %d", tt.shape, got, tt.want)
		}
	}
}

func TestRow_LastPosition(t *testing.T) {
	tt := FromFloat32([]int{3, 2}, []float32{1, 2, 3, 4, 5, 6})

	last, err := tt.Row(-1)
	if err != nil {
		t.Fatalf("Row failed: %v", err)
	}
	got, err := last.Float32s()
	if err != nil {
		t.Fatalf("Float32s failed: %v", err)
	}
	if len(got) != 2 || got[0] != 5 || got[1] != 6 {
		t.Errorf("Row(-1) = %v, want [5 6]", got)
	}

	if _, err := tt.Row(3); err == nil {
		t.Error("expected error for out-of-range row")
	}
}

func TestInt32s(t *testing.T) {
	tt := FromInt32([]int{1, 3}, []int32{7, -1, 42})
	got, err := tt.Int32s()
	if err != nil {
		t.Fatalf("Int32s failed: %v", err)
	}
	if got[0] != 7 || got[1] != -1 || got[2] != 42 {
		t.Errorf("Int32s = %v", got)
	}

	if _, err := FromFloat32([]int{1}, []float32{1}).Int32s(); err == nil {
		t.Error("expected error decoding f32 as int32")
	}
}

func TestParseDType(t *testing.T) {
	for _, s := range []string{"f32", "float32", "F16", "bf16", "i32", "u32"} {
		if _, err := ParseDType(s); err != nil {
			t.Errorf("ParseDType(%q) failed: %v", s, err)
		}
	}
	if _, err := ParseDType("q8"); err == nil {
		t.Error("expected error for q8")
	}
}
