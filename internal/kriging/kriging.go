// Package kriging fits and evaluates the per-coefficient spatial model:
// fixed effects (intercept, longitude, latitude, plus configured
// covariates) over a zero-mean Gaussian process with an exponential
// covariance in great-circle distance and an independent nugget.
package kriging

import (
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/optimize"

	"github.com/hydrolab/streamtemp/internal/models"
)

var ErrDuplicateLocations = errors.New("duplicate training locations make the covariance matrix singular")

const earthRadiusKm = 6371.0

// Kriger fits coefficient surfaces. FixedEffects names the covariates
// appended to the implicit intercept, longitude and latitude columns.
type Kriger struct {
	FixedEffects []string
}

func New(fixedEffects ...string) *Kriger {
	return &Kriger{FixedEffects: fixedEffects}
}

// Surface is one fitted coefficient surface, self-contained for
// prediction: covariance hyperparameters, fixed-effect weights, and the
// retained training sites with their kriging weights.
type Surface struct {
	Coefficient  string        `json:"coefficient"`
	FixedEffects []string      `json:"fixed_effects"`
	Beta         []float64     `json:"beta"` // intercept, lon, lat, then FixedEffects order
	RangeKm      float64       `json:"range_km"`
	PartialSill  float64       `json:"partial_sill"`
	Nugget       float64       `json:"nugget"`
	Sites        []SurfaceSite `json:"sites"`
	Weights      []float64     `json:"weights"` // Σ⁻¹(y − Xβ), aligned with Sites
}

type SurfaceSite struct {
	StationID    string             `json:"station_id"`
	Longitude    float64            `json:"lon"`
	Latitude     float64            `json:"lat"`
	FixedEffects map[string]float64 `json:"fixed_effects,omitempty"`
	Value        float64            `json:"value"`
}

// Fit estimates covariance hyperparameters by maximum likelihood
// (Nelder-Mead over log range, log partial sill, log nugget, with the
// fixed-effect weights profiled out by GLS at every step).
func (k *Kriger) Fit(name string, sites []models.CoefficientSite) (*Surface, error) {
	d, err := k.newDesign(name, sites)
	if err != nil {
		return nil, err
	}

	x0 := []float64{
		math.Log(d.medianDistance()),
		math.Log(d.residualVariance()),
		math.Log(d.residualVariance() / 10),
	}
	problem := optimize.Problem{
		Func: func(theta []float64) float64 {
			nll, err := d.negLogLik(math.Exp(theta[0]), math.Exp(theta[1]), math.Exp(theta[2]))
			if err != nil {
				return math.Inf(1)
			}
			return nll
		},
	}
	// Bounded iterations: a field explained exactly by the fixed
	// effects has no likelihood minimum in the hyperparameters, and the
	// search must still terminate.
	settings := &optimize.Settings{MajorIterations: 500}
	res, err := optimize.Minimize(problem, x0, settings, &optimize.NelderMead{})
	if res == nil {
		return nil, fmt.Errorf("fit %s covariance: %w", name, err)
	}

	return d.finalize(math.Exp(res.X[0]), math.Exp(res.X[1]), math.Exp(res.X[2]))
}

// FitWithParams fits only the fixed-effect weights and kriging weights,
// holding the covariance hyperparameters fixed.
func (k *Kriger) FitWithParams(name string, sites []models.CoefficientSite, rangeKm, partialSill, nugget float64) (*Surface, error) {
	d, err := k.newDesign(name, sites)
	if err != nil {
		return nil, err
	}
	return d.finalize(rangeKm, partialSill, nugget)
}

// Predict evaluates the surface at one location: the fixed-effect mean
// plus the covariance-weighted combination of training residuals. With
// dropFixedEffects only the spatial component is returned. The second
// return is false when a fixed-effect covariate the surface needs is
// missing from covariates.
func (s *Surface) Predict(lon, lat float64, covariates map[string]float64, dropFixedEffects bool) (float64, bool) {
	spatial := 0.0
	for i, site := range s.Sites {
		d := distanceKm(lon, lat, site.Longitude, site.Latitude)
		spatial += s.Weights[i] * s.covariance(d)
	}
	if dropFixedEffects {
		return spatial, true
	}

	mean := s.Beta[0] + s.Beta[1]*lon + s.Beta[2]*lat
	for i, name := range s.FixedEffects {
		v, ok := covariates[name]
		if !ok {
			return 0, false
		}
		mean += s.Beta[3+i] * v
	}
	return mean + spatial, true
}

// covariance is the exponential model without the nugget; the nugget is
// measurement error and never carries to prediction covariances.
func (s *Surface) covariance(d float64) float64 {
	if d <= 0 {
		return s.PartialSill
	}
	return s.PartialSill * math.Exp(-d/s.RangeKm)
}

// design holds the precomputed pieces every likelihood evaluation
// reuses: distances, fixed-effect matrix, and response.
type design struct {
	name   string
	sites  []models.CoefficientSite
	fixed  []string
	dist   *mat.SymDense
	x      *mat.Dense
	y      *mat.VecDense
	n, p   int
	olsVar float64
}

func (k *Kriger) newDesign(name string, sites []models.CoefficientSite) (*design, error) {
	n := len(sites)
	p := 3 + len(k.FixedEffects)
	if n < p {
		return nil, fmt.Errorf("fit %s: %d sites for %d fixed effects", name, n, p)
	}

	if dups := duplicateStations(sites); len(dups) > 0 {
		return nil, fmt.Errorf("fit %s: %w: stations %s", name, ErrDuplicateLocations, strings.Join(dups, ", "))
	}

	d := &design{
		name:  name,
		sites: sites,
		fixed: k.FixedEffects,
		dist:  mat.NewSymDense(n, nil),
		x:     mat.NewDense(n, p, nil),
		y:     mat.NewVecDense(n, nil),
		n:     n,
		p:     p,
	}
	for i, si := range sites {
		for j := i + 1; j < n; j++ {
			sj := sites[j]
			d.dist.SetSym(i, j, distanceKm(si.Longitude, si.Latitude, sj.Longitude, sj.Latitude))
		}
		d.x.Set(i, 0, 1)
		d.x.Set(i, 1, si.Longitude)
		d.x.Set(i, 2, si.Latitude)
		for c, fe := range k.FixedEffects {
			d.x.Set(i, 3+c, si.FixedEffects[fe])
		}
		d.y.SetVec(i, si.Value)
	}
	d.olsVar = d.computeOLSVariance()
	return d, nil
}

func duplicateStations(sites []models.CoefficientSite) []string {
	byLoc := map[[2]float64][]string{}
	for _, s := range sites {
		key := [2]float64{s.Longitude, s.Latitude}
		byLoc[key] = append(byLoc[key], s.StationID)
	}
	var dups []string
	for _, ids := range byLoc {
		if len(ids) > 1 {
			dups = append(dups, ids...)
		}
	}
	sort.Strings(dups)
	return dups
}

// medianDistance seeds the range parameter for optimization.
func (d *design) medianDistance() float64 {
	var ds []float64
	for i := 0; i < d.n; i++ {
		for j := i + 1; j < d.n; j++ {
			ds = append(ds, d.dist.At(i, j))
		}
	}
	sort.Float64s(ds)
	m := ds[len(ds)/2]
	if m <= 0 {
		return 1
	}
	return m
}

// residualVariance seeds the sill. Falls back to a small positive value
// when the fixed effects interpolate the data exactly.
func (d *design) residualVariance() float64 {
	if d.olsVar > 1e-9 {
		return d.olsVar
	}
	return 1e-6
}

func (d *design) computeOLSVariance() float64 {
	var qr mat.QR
	qr.Factorize(d.x)
	var beta mat.VecDense
	if err := qr.SolveVecTo(&beta, false, d.y); err != nil {
		return 0
	}
	var fitted mat.VecDense
	fitted.MulVec(d.x, &beta)
	ss := 0.0
	for i := 0; i < d.n; i++ {
		r := d.y.AtVec(i) - fitted.AtVec(i)
		ss += r * r
	}
	return ss / float64(d.n)
}

// covMatrix builds Σ = partialSill·exp(-D/range) + nugget·I.
func (d *design) covMatrix(rangeKm, partialSill, nugget float64) *mat.SymDense {
	sigma := mat.NewSymDense(d.n, nil)
	for i := 0; i < d.n; i++ {
		sigma.SetSym(i, i, partialSill+nugget)
		for j := i + 1; j < d.n; j++ {
			sigma.SetSym(i, j, partialSill*math.Exp(-d.dist.At(i, j)/rangeKm))
		}
	}
	return sigma
}

// gls solves the generalized least-squares problem for the fixed
// effects under Σ, returning β and the residual y − Xβ.
func (d *design) gls(chol *mat.Cholesky) (*mat.VecDense, *mat.VecDense, error) {
	var siX mat.Dense
	if err := chol.SolveTo(&siX, d.x); err != nil {
		return nil, nil, err
	}
	var xtSiX mat.Dense
	xtSiX.Mul(d.x.T(), &siX)
	var xtSiY mat.VecDense
	xtSiY.MulVec(siX.T(), d.y)

	var beta mat.VecDense
	if err := beta.SolveVec(&xtSiX, &xtSiY); err != nil {
		return nil, nil, err
	}

	resid := mat.NewVecDense(d.n, nil)
	resid.MulVec(d.x, &beta)
	resid.SubVec(d.y, resid)
	return &beta, resid, nil
}

func (d *design) negLogLik(rangeKm, partialSill, nugget float64) (float64, error) {
	if !validParams(rangeKm, partialSill, nugget) {
		return 0, errors.New("covariance parameters out of range")
	}
	var chol mat.Cholesky
	if !chol.Factorize(d.covMatrix(rangeKm, partialSill, nugget)) {
		return 0, errors.New("covariance matrix not positive definite")
	}
	_, resid, err := d.gls(&chol)
	if err != nil {
		return 0, err
	}
	var siR mat.VecDense
	if err := chol.SolveVecTo(&siR, resid); err != nil {
		return 0, err
	}
	quad := mat.Dot(resid, &siR)
	return 0.5 * (chol.LogDet() + quad + float64(d.n)*math.Log(2*math.Pi)), nil
}

// finalize computes β and the kriging weights for the chosen
// hyperparameters and packages the surface.
func (d *design) finalize(rangeKm, partialSill, nugget float64) (*Surface, error) {
	if !validParams(rangeKm, partialSill, nugget) {
		return nil, fmt.Errorf("fit %s: invalid covariance parameters (range=%g sill=%g nugget=%g)", d.name, rangeKm, partialSill, nugget)
	}
	var chol mat.Cholesky
	if !chol.Factorize(d.covMatrix(rangeKm, partialSill, nugget)) {
		return nil, fmt.Errorf("fit %s: covariance matrix not positive definite", d.name)
	}
	beta, resid, err := d.gls(&chol)
	if err != nil {
		return nil, fmt.Errorf("fit %s: solve fixed effects: %w", d.name, err)
	}
	var w mat.VecDense
	if err := chol.SolveVecTo(&w, resid); err != nil {
		return nil, fmt.Errorf("fit %s: solve kriging weights: %w", d.name, err)
	}

	s := &Surface{
		Coefficient:  d.name,
		FixedEffects: append([]string(nil), d.fixed...),
		Beta:         make([]float64, d.p),
		RangeKm:      rangeKm,
		PartialSill:  partialSill,
		Nugget:       nugget,
		Sites:        make([]SurfaceSite, d.n),
		Weights:      make([]float64, d.n),
	}
	for i := 0; i < d.p; i++ {
		s.Beta[i] = beta.AtVec(i)
	}
	for i, site := range d.sites {
		s.Sites[i] = SurfaceSite{
			StationID:    site.StationID,
			Longitude:    site.Longitude,
			Latitude:     site.Latitude,
			FixedEffects: site.FixedEffects,
			Value:        site.Value,
		}
		s.Weights[i] = w.AtVec(i)
	}
	return s, nil
}

func validParams(rangeKm, partialSill, nugget float64) bool {
	ok := func(v float64) bool { return !math.IsNaN(v) && !math.IsInf(v, 0) }
	return rangeKm > 0 && partialSill > 0 && nugget >= 0 && ok(rangeKm) && ok(partialSill) && ok(nugget)
}

// distanceKm is the haversine great-circle distance.
func distanceKm(lon1, lat1, lon2, lat2 float64) float64 {
	const rad = math.Pi / 180
	dLat := (lat2 - lat1) * rad
	dLon := (lon2 - lon1) * rad
	a := math.Sin(dLat/2)*math.Sin(dLat/2) +
		math.Cos(lat1*rad)*math.Cos(lat2*rad)*math.Sin(dLon/2)*math.Sin(dLon/2)
	return 2 * earthRadiusKm * math.Asin(math.Min(1, math.Sqrt(a)))
}
