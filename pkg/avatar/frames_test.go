package avatar_test

import (
	"errors"
	"image"
	"testing"

	"github.com/MrWong99/lipsync/pkg/avatar"
	"github.com/MrWong99/lipsync/pkg/avatar/mock"
)

func TestReflect_Boundaries(t *testing.T) {
	t.Parallel()
	tests := []struct {
		i, want int
	}{
		{0, 0}, {1, 1}, {4, 4}, {5, 4}, {6, 3}, {9, 0}, {10, 0}, {11, 1}, {14, 4}, {15, 4},
	}
	for _, tt := range tests {
		if got := avatar.Reflect(5, tt.i); got != tt.want {
			t.Errorf("Reflect(5, %d) = %d, want %d", tt.i, got, tt.want)
		}
	}
}

func TestReflect_RangeAndPeriod(t *testing.T) {
	t.Parallel()
	for n := 1; n <= 7; n++ {
		for i := 0; i < 10*n; i++ {
			got := avatar.Reflect(n, i)
			if got < 0 || got >= n {
				t.Fatalf("Reflect(%d, %d) = %d, out of range", n, i, got)
			}
			if again := avatar.Reflect(n, i+2*n); again != got {
				t.Fatalf("Reflect(%d, %d) = %d but Reflect(%d, %d) = %d", n, i, got, n, i+2*n, again)
			}
		}
	}
}

func TestReflect_TriangleShape(t *testing.T) {
	t.Parallel()
	const n = 5
	for i := 0; i < n-1; i++ {
		if avatar.Reflect(n, i+1) != avatar.Reflect(n, i)+1 {
			t.Errorf("forward sweep broken at %d", i)
		}
	}
	for i := n; i < 2*n-1; i++ {
		if avatar.Reflect(n, i+1) != avatar.Reflect(n, i)-1 {
			t.Errorf("backward sweep broken at %d", i)
		}
	}
}

func TestFrames_Validate(t *testing.T) {
	t.Parallel()

	good := mock.NewFrames(3, 8, 32, 32)
	if err := good.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	empty := &avatar.Frames{}
	if err := empty.Validate(); !errors.Is(err, avatar.ErrEmptyAvatar) {
		t.Errorf("empty Validate = %v, want ErrEmptyAvatar", err)
	}

	mismatch := mock.NewFrames(3, 8, 32, 32)
	mismatch.Coords = mismatch.Coords[:2]
	if err := mismatch.Validate(); err == nil {
		t.Error("expected error for mismatched lengths")
	}

	outside := mock.NewFrames(1, 8, 32, 32)
	outside.Coords[0] = avatar.Box{Y1: 0, Y2: 64, X1: 0, X2: 8}
	if err := outside.Validate(); err == nil {
		t.Error("expected error for box outside frame")
	}
}

func TestBox_Rect(t *testing.T) {
	t.Parallel()
	b := avatar.Box{Y1: 1, Y2: 5, X1: 2, X2: 9}
	if got, want := b.Rect(), image.Rect(2, 1, 9, 5); got != want {
		t.Errorf("Rect() = %v, want %v", got, want)
	}
}
