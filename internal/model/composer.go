// Package model composes the per-station fitters and the
// per-coefficient krigers into a single fitted bundle and a predictor
// bound to it.
package model

import (
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/hydrolab/streamtemp/internal/anomaly"
	"github.com/hydrolab/streamtemp/internal/kriging"
	"github.com/hydrolab/streamtemp/internal/metrics"
	"github.com/hydrolab/streamtemp/internal/models"
	"github.com/hydrolab/streamtemp/internal/seasonal"
)

var ErrCoefficientMismatch = errors.New("fitter returned an unexpected coefficient name set")

// Config parameterizes a fit. Zero-value fields get the reference
// defaults: the harmonic climatology, the LST/humidity anomaly model,
// and a kriger with no fixed effects beyond intercept/lon/lat.
type Config struct {
	Seasonal seasonal.Fitter
	Anomaly  anomaly.Fitter
	Kriger   *kriging.Kriger
	// ReturnRawBundle skips binding a Predictor so the bundle can be
	// inspected or persisted on its own. The bundle itself is built
	// identically either way.
	ReturnRawBundle bool
}

// Bundle maps every fitted coefficient name to its surface. Immutable
// after Fit returns; safe to share across concurrent predictions.
type Bundle struct {
	Surfaces      map[string]*kriging.Surface `json:"surfaces"`
	SeasonalNames []string                    `json:"seasonal_names"`
	AnomalyNames  []string                    `json:"anomaly_names"`
}

// CoefficientNames returns the bundle's coefficient names sorted.
func (b *Bundle) CoefficientNames() []string {
	names := make([]string, 0, len(b.Surfaces))
	for name := range b.Surfaces {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FitResult carries the bundle and, unless ReturnRawBundle was set, a
// predictor bound to it.
type FitResult struct {
	Bundle    *Bundle
	Predictor *Predictor
}

type Composer struct {
	cfg Config
}

func NewComposer(cfg Config) *Composer {
	if cfg.Seasonal == nil {
		cfg.Seasonal = seasonal.HarmonicFitter{}
	}
	if cfg.Anomaly == nil {
		cfg.Anomaly = anomaly.NewDefaultFitter()
	}
	if cfg.Kriger == nil {
		cfg.Kriger = kriging.New()
	}
	return &Composer{cfg: cfg}
}

// stationFit is one station's per-stage coefficient estimates. Either
// map is nil when that stage was skipped for the station.
type stationFit struct {
	stationID    string
	lon, lat     float64
	fixedEffects map[string]float64
	seasonal     map[string]float64
	anomaly      map[string]float64
}

// Fit runs the full two-stage fit: per-station decomposition in
// parallel across stations, then one kriging fit per coefficient in
// parallel across coefficients, merged into the bundle after all
// complete.
func (c *Composer) Fit(observations []models.Observation) (*FitResult, error) {
	if err := c.validateNames(); err != nil {
		return nil, err
	}

	byStation := map[string][]models.Observation{}
	for _, obs := range observations {
		byStation[obs.StationID] = append(byStation[obs.StationID], obs)
	}

	fits, err := c.fitStations(byStation)
	if err != nil {
		return nil, err
	}
	if len(fits) == 0 {
		return nil, errors.New("no station could be fitted")
	}

	vectors := c.coefficientVectors(fits)
	surfaces, err := c.krigeAll(vectors)
	if err != nil {
		return nil, err
	}

	bundle := &Bundle{
		Surfaces:      surfaces,
		SeasonalNames: c.cfg.Seasonal.Names(),
		AnomalyNames:  c.cfg.Anomaly.Names(),
	}
	result := &FitResult{Bundle: bundle}
	if !c.cfg.ReturnRawBundle {
		result.Predictor = NewPredictor(bundle, c.cfg.Seasonal, c.cfg.Anomaly)
	}
	return result, nil
}

// validateNames rejects overlapping seasonal/anomaly coefficient names
// before any fitting work starts.
func (c *Composer) validateNames() error {
	seen := map[string]struct{}{}
	for _, n := range c.cfg.Seasonal.Names() {
		seen[n] = struct{}{}
	}
	for _, n := range c.cfg.Anomaly.Names() {
		if _, ok := seen[n]; ok {
			return fmt.Errorf("%w: %q declared by both fitters", ErrCoefficientMismatch, n)
		}
	}
	return nil
}

func (c *Composer) fitStations(byStation map[string][]models.Observation) ([]stationFit, error) {
	var (
		mu     sync.Mutex
		wg     sync.WaitGroup
		fits   []stationFit
		fitErr error
	)
	for stationID, obs := range byStation {
		wg.Add(1)
		go func(stationID string, obs []models.Observation) {
			defer wg.Done()
			fit, err := c.fitStation(stationID, obs)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				// Configuration errors abort; per-station data
				// insufficiency only skips the station.
				if fitErr == nil {
					fitErr = err
				}
				return
			}
			if fit != nil {
				fits = append(fits, *fit)
			}
		}(stationID, obs)
	}
	wg.Wait()
	if fitErr != nil {
		return nil, fitErr
	}
	// Deterministic downstream ordering regardless of goroutine timing.
	sort.Slice(fits, func(i, j int) bool { return fits[i].stationID < fits[j].stationID })
	return fits, nil
}

// fitStation runs both stages for one station. A nil fit with nil error
// means the station was skipped entirely.
func (c *Composer) fitStation(stationID string, obs []models.Observation) (*stationFit, error) {
	var days []int
	var temps []float64
	for _, o := range obs {
		if o.Temperature.Valid {
			days = append(days, o.Day)
			temps = append(temps, o.Temperature.Float64)
		}
	}

	seasonalCoefs, err := c.cfg.Seasonal.Fit(days, temps)
	if err != nil {
		log.Printf("skip station %s (seasonal): %v", stationID, err)
		metrics.StationsSkipped.WithLabelValues("seasonal").Inc()
		return nil, nil
	}
	if err := checkNames("seasonal", c.cfg.Seasonal.Names(), seasonalCoefs); err != nil {
		return nil, err
	}
	metrics.StationsFitted.WithLabelValues("seasonal").Inc()

	var rows []anomaly.Row
	for _, o := range obs {
		if !o.Temperature.Valid {
			continue
		}
		rows = append(rows, anomaly.Row{
			Residual:   o.Temperature.Float64 - c.cfg.Seasonal.Evaluate(seasonalCoefs, o.Day),
			Covariates: o.Covariates,
		})
	}
	anomalyCoefs, err := c.cfg.Anomaly.Fit(rows)
	if err != nil {
		log.Printf("skip station %s (anomaly): %v", stationID, err)
		metrics.StationsSkipped.WithLabelValues("anomaly").Inc()
		anomalyCoefs = nil
	} else {
		if err := checkNames("anomaly", c.cfg.Anomaly.Names(), anomalyCoefs); err != nil {
			return nil, err
		}
		metrics.StationsFitted.WithLabelValues("anomaly").Inc()
	}

	fixed, ok := c.stationFixedEffects(obs)
	if !ok {
		log.Printf("skip station %s: missing fixed-effect covariates", stationID)
		metrics.StationsSkipped.WithLabelValues("fixed_effects").Inc()
		return nil, nil
	}

	return &stationFit{
		stationID:    stationID,
		lon:          obs[0].Longitude,
		lat:          obs[0].Latitude,
		fixedEffects: fixed,
		seasonal:     seasonalCoefs,
		anomaly:      anomalyCoefs,
	}, nil
}

// stationFixedEffects pulls the kriger's fixed-effect covariates
// (land-cover fractions, constant per site) from the first observation
// carrying each of them.
func (c *Composer) stationFixedEffects(obs []models.Observation) (map[string]float64, bool) {
	fixed := map[string]float64{}
	for _, name := range c.cfg.Kriger.FixedEffects {
		found := false
		for _, o := range obs {
			if v, ok := o.Covariates[name]; ok {
				fixed[name] = v
				found = true
				break
			}
		}
		if !found {
			return nil, false
		}
	}
	return fixed, true
}

func checkNames(stage string, want []string, got map[string]float64) error {
	if len(got) != len(want) {
		return fmt.Errorf("%w: %s fitter declared %d names, returned %d", ErrCoefficientMismatch, stage, len(want), len(got))
	}
	for _, name := range want {
		if _, ok := got[name]; !ok {
			return fmt.Errorf("%w: %s fitter did not return %q", ErrCoefficientMismatch, stage, name)
		}
	}
	return nil
}

func (c *Composer) coefficientVectors(fits []stationFit) []models.CoefficientVector {
	var vectors []models.CoefficientVector
	collect := func(name string, coefs func(stationFit) map[string]float64) {
		v := models.CoefficientVector{Name: name}
		for _, f := range fits {
			m := coefs(f)
			if m == nil {
				continue
			}
			v.Sites = append(v.Sites, models.CoefficientSite{
				StationID:    f.stationID,
				Longitude:    f.lon,
				Latitude:     f.lat,
				FixedEffects: f.fixedEffects,
				Value:        m[name],
			})
		}
		vectors = append(vectors, v)
	}
	for _, name := range c.cfg.Seasonal.Names() {
		collect(name, func(f stationFit) map[string]float64 { return f.seasonal })
	}
	for _, name := range c.cfg.Anomaly.Names() {
		collect(name, func(f stationFit) map[string]float64 { return f.anomaly })
	}
	return vectors
}

// krigeAll fits every coefficient surface on its own goroutine. The
// fits share nothing; results merge into the map only after the join.
func (c *Composer) krigeAll(vectors []models.CoefficientVector) (map[string]*kriging.Surface, error) {
	var (
		mu       sync.Mutex
		wg       sync.WaitGroup
		surfaces = make(map[string]*kriging.Surface, len(vectors))
		errs     []error
	)
	for _, vec := range vectors {
		wg.Add(1)
		go func(vec models.CoefficientVector) {
			defer wg.Done()
			start := time.Now()
			surface, err := c.cfg.Kriger.Fit(vec.Name, vec.Sites)
			metrics.KrigingFitDuration.WithLabelValues(vec.Name).Observe(time.Since(start).Seconds())
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, err)
				return
			}
			surfaces[vec.Name] = surface
		}(vec)
	}
	wg.Wait()
	if len(errs) > 0 {
		sort.Slice(errs, func(i, j int) bool { return errs[i].Error() < errs[j].Error() })
		return nil, errs[0]
	}
	return surfaces, nil
}
