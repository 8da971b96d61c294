package models

import (
	"database/sql"
	"time"
)

type Station struct {
	StationID string
	Name      string
	Longitude float64
	Latitude  float64
	LandCover map[string]float64 // fraction per class, sums to <= 1 within a site
}

// Observation is one station-day of training or prediction input.
// Temperature is absent for prediction-only rows. Day is always derived
// from Date, never supplied independently.
type Observation struct {
	StationID   string
	Longitude   float64
	Latitude    float64
	Date        time.Time
	Day         int
	Temperature sql.NullFloat64
	Covariates  map[string]float64
}

// NewObservation derives the day-of-year from the date so the two can
// never disagree.
func NewObservation(stationID string, lon, lat float64, date time.Time, temp sql.NullFloat64, covariates map[string]float64) Observation {
	return Observation{
		StationID:   stationID,
		Longitude:   lon,
		Latitude:    lat,
		Date:        date,
		Day:         date.YearDay(),
		Temperature: temp,
		Covariates:  covariates,
	}
}

// CoefficientSite is one station's contribution to a coefficient
// surface: the scalar coefficient value plus the location and
// fixed-effect covariates kriging needs.
type CoefficientSite struct {
	StationID    string
	Longitude    float64
	Latitude     float64
	FixedEffects map[string]float64
	Value        float64
}

// CoefficientVector maps one named coefficient to its per-station
// values. Built once per fit, immutable afterward.
type CoefficientVector struct {
	Name  string
	Sites []CoefficientSite
}

// PredictionRow is one unlabeled space-time point to predict at.
type PredictionRow struct {
	Longitude  float64
	Latitude   float64
	Date       time.Time
	Day        int
	Covariates map[string]float64
}

// Prediction is a PredictionRow augmented with the model outputs.
// TempAnom and TempMod are invalid when the row is missing a covariate
// the anomaly formula needs.
type Prediction struct {
	PredictionRow
	TempDOY  sql.NullFloat64
	TempAnom sql.NullFloat64
	TempMod  sql.NullFloat64
}
