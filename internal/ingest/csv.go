// Package ingest turns external tables and remote archives into the
// model's input types. It owns all I/O the core never does: CSV
// parsing, the covariate HTTP API and the LST FTP archive.
package ingest

import (
	"database/sql"
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"

	"github.com/hydrolab/streamtemp/internal/models"
)

const dateLayout = "2006-01-02"

// reserved column names; everything else is treated as a numeric
// covariate.
var reservedColumns = map[string]bool{
	"id": true, "lon": true, "lat": true, "date": true, "day": true, "temperature": true,
}

// LoadTraining parses a training table: required columns id, lon, lat,
// date; optional temperature; all remaining columns become covariates.
// An empty cell means the covariate (or temperature) is absent for that
// row. Day-of-year is derived from the date, never read.
func LoadTraining(r io.Reader) ([]models.Observation, error) {
	header, records, err := readTable(r)
	if err != nil {
		return nil, err
	}
	if err := requireColumns(header, "id", "lon", "lat", "date"); err != nil {
		return nil, err
	}

	observations := make([]models.Observation, 0, len(records))
	for i, rec := range records {
		line := i + 2 // 1-based, after header
		lon, lat, date, err := parseLocationDate(header, rec, line)
		if err != nil {
			return nil, err
		}

		var temp sql.NullFloat64
		if col, ok := header["temperature"]; ok && rec[col] != "" {
			v, err := strconv.ParseFloat(rec[col], 64)
			if err != nil {
				return nil, fmt.Errorf("line %d: temperature: %w", line, err)
			}
			temp = sql.NullFloat64{Float64: v, Valid: true}
		}

		covariates, err := parseCovariates(header, rec, line)
		if err != nil {
			return nil, err
		}
		observations = append(observations, models.NewObservation(rec[header["id"]], lon, lat, date, temp, covariates))
	}
	return observations, nil
}

// LoadPrediction parses a prediction table: same schema as training
// minus id and temperature (both ignored when present).
func LoadPrediction(r io.Reader) ([]models.PredictionRow, error) {
	header, records, err := readTable(r)
	if err != nil {
		return nil, err
	}
	if err := requireColumns(header, "lon", "lat", "date"); err != nil {
		return nil, err
	}

	rows := make([]models.PredictionRow, 0, len(records))
	for i, rec := range records {
		line := i + 2
		lon, lat, date, err := parseLocationDate(header, rec, line)
		if err != nil {
			return nil, err
		}
		covariates, err := parseCovariates(header, rec, line)
		if err != nil {
			return nil, err
		}
		rows = append(rows, models.PredictionRow{
			Longitude:  lon,
			Latitude:   lat,
			Date:       date,
			Day:        date.YearDay(),
			Covariates: covariates,
		})
	}
	return rows, nil
}

func readTable(r io.Reader) (map[string]int, [][]string, error) {
	cr := csv.NewReader(r)
	cr.TrimLeadingSpace = true
	all, err := cr.ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("read csv: %w", err)
	}
	if len(all) == 0 {
		return nil, nil, fmt.Errorf("empty table")
	}
	header := make(map[string]int, len(all[0]))
	for i, name := range all[0] {
		header[name] = i
	}
	return header, all[1:], nil
}

func requireColumns(header map[string]int, names ...string) error {
	for _, name := range names {
		if _, ok := header[name]; !ok {
			return fmt.Errorf("missing required column %q", name)
		}
	}
	return nil
}

func parseLocationDate(header map[string]int, rec []string, line int) (lon, lat float64, date time.Time, err error) {
	lon, err = strconv.ParseFloat(rec[header["lon"]], 64)
	if err != nil {
		return 0, 0, time.Time{}, fmt.Errorf("line %d: lon: %w", line, err)
	}
	lat, err = strconv.ParseFloat(rec[header["lat"]], 64)
	if err != nil {
		return 0, 0, time.Time{}, fmt.Errorf("line %d: lat: %w", line, err)
	}
	date, err = time.Parse(dateLayout, rec[header["date"]])
	if err != nil {
		return 0, 0, time.Time{}, fmt.Errorf("line %d: date: %w", line, err)
	}
	return lon, lat, date, nil
}

func parseCovariates(header map[string]int, rec []string, line int) (map[string]float64, error) {
	covariates := map[string]float64{}
	for name, col := range header {
		if reservedColumns[name] || rec[col] == "" {
			continue
		}
		v, err := strconv.ParseFloat(rec[col], 64)
		if err != nil {
			return nil, fmt.Errorf("line %d: %s: %w", line, name, err)
		}
		covariates[name] = v
	}
	return covariates, nil
}
