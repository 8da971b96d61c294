package model

import (
	"database/sql"

	"github.com/hydrolab/streamtemp/internal/anomaly"
	"github.com/hydrolab/streamtemp/internal/metrics"
	"github.com/hydrolab/streamtemp/internal/models"
	"github.com/hydrolab/streamtemp/internal/seasonal"
)

// Predictor evaluates the composed model for new rows. It holds no
// state beyond the immutable bundle and the two formula evaluators, so
// one Predictor may serve concurrent callers.
type Predictor struct {
	bundle   *Bundle
	seasonal seasonal.Fitter
	anomaly  anomaly.Fitter
}

// NewPredictor binds a bundle to its formula evaluators. Nil fitters
// get the reference defaults, which matches bundles fitted with a
// default Config (including bundles loaded from the store).
func NewPredictor(bundle *Bundle, sf seasonal.Fitter, af anomaly.Fitter) *Predictor {
	if sf == nil {
		sf = seasonal.HarmonicFitter{}
	}
	if af == nil {
		af = anomaly.NewDefaultFitter()
	}
	return &Predictor{bundle: bundle, seasonal: sf, anomaly: af}
}

// Predict evaluates every row independently. Rows are never dropped: a
// row missing a covariate comes back with invalid TempAnom/TempMod.
func (p *Predictor) Predict(rows []models.PredictionRow) []models.Prediction {
	out := make([]models.Prediction, len(rows))
	for i, row := range rows {
		out[i] = p.predictRow(row)
	}
	return out
}

func (p *Predictor) predictRow(row models.PredictionRow) models.Prediction {
	metrics.PredictionsTotal.Inc()
	pred := models.Prediction{PredictionRow: row}

	day := row.Day
	if day == 0 && !row.Date.IsZero() {
		day = row.Date.YearDay()
	}

	seasonalCoefs, ok := p.krige(p.bundle.SeasonalNames, row)
	if ok {
		pred.TempDOY = sql.NullFloat64{Float64: p.seasonal.Evaluate(seasonalCoefs, day), Valid: true}
	}

	anomalyCoefs, ok := p.krige(p.bundle.AnomalyNames, row)
	if ok {
		if anom, ok := p.anomaly.Evaluate(anomalyCoefs, row.Covariates); ok {
			pred.TempAnom = sql.NullFloat64{Float64: anom, Valid: true}
		}
	}

	if pred.TempDOY.Valid && pred.TempAnom.Valid {
		pred.TempMod = sql.NullFloat64{Float64: pred.TempDOY.Float64 + pred.TempAnom.Float64, Valid: true}
	} else {
		metrics.PredictionsMissing.Inc()
	}
	return pred
}

// krige predicts every named coefficient surface at the row's location.
// Returns false when any surface needs a fixed-effect covariate the row
// doesn't carry.
func (p *Predictor) krige(names []string, row models.PredictionRow) (map[string]float64, bool) {
	coefs := make(map[string]float64, len(names))
	for _, name := range names {
		surface := p.bundle.Surfaces[name]
		if surface == nil {
			return nil, false
		}
		v, ok := surface.Predict(row.Longitude, row.Latitude, row.Covariates, false)
		if !ok {
			return nil, false
		}
		coefs[name] = v
	}
	return coefs, true
}
