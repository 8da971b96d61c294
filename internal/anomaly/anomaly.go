// Package anomaly fits per-station linear models of the residual
// temperature (observed minus climatology) against daily remote-sensing
// covariates.
package anomaly

import (
	"errors"
	"fmt"

	"gonum.org/v1/gonum/mat"

	"github.com/hydrolab/streamtemp/internal/linreg"
)

var ErrInsufficientCoverage = errors.New("insufficient concurrent temperature and covariate coverage")

// Row is one station-day of anomaly training data: the seasonal
// residual plus that day's covariates.
type Row struct {
	Residual   float64
	Covariates map[string]float64
}

// Fitter fits the anomaly model for one station and evaluates it for
// prediction. Same contract as seasonal.Fitter: a successful Fit
// returns exactly the declared names.
type Fitter interface {
	Names() []string
	Fit(rows []Row) (map[string]float64, error)
	// Evaluate computes the anomaly from a coefficient set and one
	// day's covariates. The second return is false when a required
	// covariate is missing; the anomaly must then be treated as
	// missing, never zero.
	Evaluate(coefs map[string]float64, covariates map[string]float64) (float64, bool)
}

// Term binds a coefficient name to the covariate column it multiplies.
type Term struct {
	Coefficient string
	Covariate   string
}

// LinearFitter is an ordinary least-squares anomaly model:
// residual ≈ intercept + Σ coefficient·covariate.
type LinearFitter struct {
	Intercept string
	Terms     []Term
}

// NewDefaultFitter returns the reference parameterization: mean and max
// land-surface temperature and humidity.
func NewDefaultFitter() *LinearFitter {
	return &LinearFitter{
		Intercept: "AnomIntercept",
		Terms: []Term{
			{Coefficient: "LST", Covariate: "lst"},
			{Coefficient: "Humidity", Covariate: "humidity"},
			{Coefficient: "LSTMax", Covariate: "lst_max"},
			{Coefficient: "HumidityMax", Covariate: "humidity_max"},
		},
	}
}

func (f *LinearFitter) Names() []string {
	names := make([]string, 0, len(f.Terms)+1)
	names = append(names, f.Intercept)
	for _, t := range f.Terms {
		names = append(names, t.Coefficient)
	}
	return names
}

func (f *LinearFitter) Fit(rows []Row) (map[string]float64, error) {
	// Only days with every covariate present enter the design.
	var usable []Row
	for _, r := range rows {
		if f.covered(r.Covariates) {
			usable = append(usable, r)
		}
	}
	p := len(f.Terms) + 1
	if len(usable) < p {
		return nil, fmt.Errorf("%w: %d usable days for %d coefficients", ErrInsufficientCoverage, len(usable), p)
	}

	x := mat.NewDense(len(usable), p, nil)
	y := make([]float64, len(usable))
	for i, r := range usable {
		x.Set(i, 0, 1)
		for j, t := range f.Terms {
			x.Set(i, j+1, r.Covariates[t.Covariate])
		}
		y[i] = r.Residual
	}
	b, err := linreg.Solve(x, y)
	if err != nil {
		return nil, err
	}

	coefs := map[string]float64{f.Intercept: b[0]}
	for j, t := range f.Terms {
		coefs[t.Coefficient] = b[j+1]
	}
	return coefs, nil
}

func (f *LinearFitter) Evaluate(coefs map[string]float64, covariates map[string]float64) (float64, bool) {
	if !f.covered(covariates) {
		return 0, false
	}
	anom := coefs[f.Intercept]
	for _, t := range f.Terms {
		anom += coefs[t.Coefficient] * covariates[t.Covariate]
	}
	return anom, true
}

func (f *LinearFitter) covered(covariates map[string]float64) bool {
	for _, t := range f.Terms {
		if _, ok := covariates[t.Covariate]; !ok {
			return false
		}
	}
	return true
}
