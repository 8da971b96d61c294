// Package store persists stations, daily observations and fitted model
// bundles in SQLite. Loading a bundle yields predict-ready surfaces
// with no dependency on the fitting path.
package store

import (
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hydrolab/streamtemp/internal/kriging"
	"github.com/hydrolab/streamtemp/internal/model"
	"github.com/hydrolab/streamtemp/internal/models"
)

type Store struct {
	db *sql.DB
}

func New(db *sql.DB) *Store {
	return &Store{db: db}
}

func (s *Store) UpsertStation(st models.Station) error {
	landCover, err := json.Marshal(st.LandCover)
	if err != nil {
		return fmt.Errorf("marshal land cover: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO stations (station_id, name, longitude, latitude, land_cover)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(station_id) DO UPDATE SET
			name = excluded.name,
			longitude = excluded.longitude,
			latitude = excluded.latitude,
			land_cover = excluded.land_cover
	`, st.StationID, st.Name, st.Longitude, st.Latitude, string(landCover))
	return err
}

func (s *Store) GetStations() ([]models.Station, error) {
	rows, err := s.db.Query(`SELECT station_id, name, longitude, latitude, land_cover FROM stations ORDER BY station_id`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var stations []models.Station
	for rows.Next() {
		var st models.Station
		var landCover sql.NullString
		if err := rows.Scan(&st.StationID, &st.Name, &st.Longitude, &st.Latitude, &landCover); err != nil {
			return nil, err
		}
		if landCover.Valid && landCover.String != "" {
			if err := json.Unmarshal([]byte(landCover.String), &st.LandCover); err != nil {
				return nil, fmt.Errorf("unmarshal land cover for %s: %w", st.StationID, err)
			}
		}
		stations = append(stations, st)
	}
	return stations, rows.Err()
}

func (s *Store) InsertObservation(obs models.Observation) error {
	covariates, err := json.Marshal(obs.Covariates)
	if err != nil {
		return fmt.Errorf("marshal covariates: %w", err)
	}
	_, err = s.db.Exec(`
		INSERT INTO observations (station_id, date, day, temperature, covariates)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(station_id, date) DO NOTHING
	`, obs.StationID, obs.Date, obs.Day, obs.Temperature, string(covariates))
	return err
}

// GetTrainingObservations returns every stored observation with the
// station's location joined in, ready for model.Composer.Fit.
func (s *Store) GetTrainingObservations() ([]models.Observation, error) {
	rows, err := s.db.Query(`
		SELECT o.station_id, st.longitude, st.latitude, o.date, o.day, o.temperature, o.covariates
		FROM observations o
		JOIN stations st ON st.station_id = o.station_id
		ORDER BY o.station_id, o.date
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var observations []models.Observation
	for rows.Next() {
		var obs models.Observation
		var covariates sql.NullString
		if err := rows.Scan(&obs.StationID, &obs.Longitude, &obs.Latitude, &obs.Date, &obs.Day, &obs.Temperature, &covariates); err != nil {
			return nil, err
		}
		if covariates.Valid && covariates.String != "" {
			if err := json.Unmarshal([]byte(covariates.String), &obs.Covariates); err != nil {
				return nil, fmt.Errorf("unmarshal covariates for %s: %w", obs.StationID, err)
			}
		}
		observations = append(observations, obs)
	}
	return observations, rows.Err()
}

// SaveBundle replaces the stored model artifact with the given bundle,
// one row per coefficient surface.
func (s *Store) SaveBundle(b *model.Bundle) error {
	tx, err := s.db.Begin()
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.Exec(`DELETE FROM model_surfaces`); err != nil {
		return fmt.Errorf("clear surfaces: %w", err)
	}

	now := time.Now().UTC()
	save := func(stage string, names []string) error {
		for _, name := range names {
			surface := b.Surfaces[name]
			if surface == nil {
				return fmt.Errorf("bundle has no surface for %q", name)
			}
			params, err := json.Marshal(surface)
			if err != nil {
				return fmt.Errorf("marshal surface %s: %w", name, err)
			}
			if _, err := tx.Exec(`
				INSERT INTO model_surfaces (coefficient, stage, params, updated_at)
				VALUES (?, ?, ?, ?)
			`, name, stage, string(params), now); err != nil {
				return fmt.Errorf("insert surface %s: %w", name, err)
			}
		}
		return nil
	}
	if err := save("seasonal", b.SeasonalNames); err != nil {
		return err
	}
	if err := save("anomaly", b.AnomalyNames); err != nil {
		return err
	}
	return tx.Commit()
}

// LoadBundle rebuilds the model artifact from the store. Returns nil
// with no error when no bundle has been saved.
func (s *Store) LoadBundle() (*model.Bundle, error) {
	rows, err := s.db.Query(`SELECT coefficient, stage, params FROM model_surfaces ORDER BY coefficient`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	bundle := &model.Bundle{Surfaces: map[string]*kriging.Surface{}}
	for rows.Next() {
		var name, stage, params string
		if err := rows.Scan(&name, &stage, &params); err != nil {
			return nil, err
		}
		var surface kriging.Surface
		if err := json.Unmarshal([]byte(params), &surface); err != nil {
			return nil, fmt.Errorf("unmarshal surface %s: %w", name, err)
		}
		bundle.Surfaces[name] = &surface
		switch stage {
		case "seasonal":
			bundle.SeasonalNames = append(bundle.SeasonalNames, name)
		case "anomaly":
			bundle.AnomalyNames = append(bundle.AnomalyNames, name)
		default:
			return nil, fmt.Errorf("surface %s has unknown stage %q", name, stage)
		}
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if len(bundle.Surfaces) == 0 {
		return nil, nil
	}
	return bundle, nil
}
