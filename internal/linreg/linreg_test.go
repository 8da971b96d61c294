package linreg

import (
	"errors"
	"math"
	"testing"

	"gonum.org/v1/gonum/mat"
)

func TestSolveRecoversCoefficients(t *testing.T) {
	// y = 2 + 0.5*x1 - 1.5*x2, no noise
	n := 20
	x := mat.NewDense(n, 3, nil)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		x1 := float64(i)
		x2 := float64((i * 3) % 7)
		x.Set(i, 0, 1)
		x.Set(i, 1, x1)
		x.Set(i, 2, x2)
		y[i] = 2 + 0.5*x1 - 1.5*x2
	}

	b, err := Solve(x, y)
	if err != nil {
		t.Fatalf("Solve: %v", err)
	}
	want := []float64{2, 0.5, -1.5}
	for i, w := range want {
		if math.Abs(b[i]-w) > 1e-9 {
			t.Errorf("b[%d] = %g, want %g", i, b[i], w)
		}
	}
}

func TestSolveRankDeficient(t *testing.T) {
	tests := []struct {
		name string
		x    *mat.Dense
		y    []float64
	}{
		{
			name: "duplicate columns",
			x: mat.NewDense(4, 3, []float64{
				1, 2, 2,
				1, 3, 3,
				1, 4, 4,
				1, 5, 5,
			}),
			y: []float64{1, 2, 3, 4},
		},
		{
			name: "fewer rows than columns",
			x:    mat.NewDense(2, 3, []float64{1, 2, 3, 4, 5, 6}),
			y:    []float64{1, 2},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := Solve(tt.x, tt.y); !errors.Is(err, ErrRankDeficient) {
				t.Errorf("Solve error = %v, want ErrRankDeficient", err)
			}
		})
	}
}

func TestSolveLengthMismatch(t *testing.T) {
	x := mat.NewDense(3, 2, []float64{1, 1, 1, 2, 1, 3})
	if _, err := Solve(x, []float64{1, 2}); err == nil {
		t.Error("Solve with mismatched response length should fail")
	}
}
