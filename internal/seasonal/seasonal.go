// Package seasonal fits a per-station day-of-year temperature
// climatology: a first harmonic expressed as amplitude and winter-day
// phase, plus second-harmonic terms capturing the asymmetry between the
// cold and warm halves of the year.
package seasonal

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"

	"github.com/hydrolab/streamtemp/internal/linreg"
)

// YearLength is the mean tropical year in days; day-of-year angles are
// computed against this, not 365, so leap years don't drift the phase.
const YearLength = 365.25

const (
	CoefIntercept    = "Intercept"
	CoefAmplitude    = "Amplitude"
	CoefAutumnWinter = "AutumnWinter"
	CoefSpringSummer = "SpringSummer"
	CoefWinterDay    = "WinterDay"
)

var ErrTooFewDays = errors.New("too few distinct days to fit climatology")

// Fitter fits a day-of-year climatology for one station and evaluates
// it for prediction. Implementations must return exactly the
// coefficient names they declare.
type Fitter interface {
	// Names is the coefficient set every successful Fit returns.
	Names() []string
	// Fit estimates coefficients from paired day-of-year and
	// temperature series.
	Fit(days []int, temps []float64) (map[string]float64, error)
	// Evaluate computes the climatology at a day-of-year from a
	// coefficient set (fitted or kriged).
	Evaluate(coefs map[string]float64, day int) float64
}

// HarmonicFitter is the default climatology:
//
//	temp.doy(day) = Intercept + Amplitude·cos(θ − φ)
//	             + AutumnWinter·cos(2θ) + SpringSummer·sin(2θ)
//
// with θ = 2π·day/365.25 and φ derived from WinterDay, the day-of-year
// of the first-harmonic minimum. With both asymmetry terms zero this
// reduces to a single cosine.
type HarmonicFitter struct{}

func (HarmonicFitter) Names() []string {
	return []string{CoefIntercept, CoefAmplitude, CoefAutumnWinter, CoefSpringSummer, CoefWinterDay}
}

func (f HarmonicFitter) Fit(days []int, temps []float64) (map[string]float64, error) {
	if len(days) != len(temps) {
		return nil, fmt.Errorf("day series has %d entries, temperature series %d", len(days), len(temps))
	}
	distinct := map[int]struct{}{}
	for _, d := range days {
		distinct[d] = struct{}{}
	}
	// Five coefficients need at least five distinct day values.
	if len(distinct) < len(f.Names()) {
		return nil, fmt.Errorf("%w: %d distinct days", ErrTooFewDays, len(distinct))
	}

	n := len(days)
	x := mat.NewDense(n, 5, nil)
	for i, d := range days {
		theta := angle(d)
		x.Set(i, 0, 1)
		x.Set(i, 1, math.Cos(theta))
		x.Set(i, 2, math.Sin(theta))
		x.Set(i, 3, math.Cos(2*theta))
		x.Set(i, 4, math.Sin(2*theta))
	}
	b, err := linreg.Solve(x, temps)
	if err != nil {
		return nil, err
	}

	// b1·cosθ + b2·sinθ = A·cos(θ − φ), A ≥ 0. The first-harmonic
	// minimum sits at θ = φ + π.
	amplitude := math.Hypot(b[1], b[2])
	phase := math.Atan2(b[2], b[1])
	winterDay := math.Mod(YearLength*(phase+math.Pi)/(2*math.Pi), YearLength)
	if winterDay < 0 {
		winterDay += YearLength
	}

	return map[string]float64{
		CoefIntercept:    b[0],
		CoefAmplitude:    amplitude,
		CoefAutumnWinter: b[3],
		CoefSpringSummer: b[4],
		CoefWinterDay:    winterDay,
	}, nil
}

func (HarmonicFitter) Evaluate(coefs map[string]float64, day int) float64 {
	theta := angle(day)
	phase := 2*math.Pi*coefs[CoefWinterDay]/YearLength - math.Pi
	return coefs[CoefIntercept] +
		coefs[CoefAmplitude]*math.Cos(theta-phase) +
		coefs[CoefAutumnWinter]*math.Cos(2*theta) +
		coefs[CoefSpringSummer]*math.Sin(2*theta)
}

func angle(day int) float64 {
	return 2 * math.Pi * float64(day) / YearLength
}
