package store

import (
	"database/sql"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/hydrolab/streamtemp/internal/kriging"
	"github.com/hydrolab/streamtemp/internal/model"
	"github.com/hydrolab/streamtemp/internal/models"
)

func setupTestStore(t *testing.T) *Store {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	if err != nil {
		t.Fatalf("open db: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	store := New(db)
	if err := store.Migrate(); err != nil {
		t.Fatalf("migrate: %v", err)
	}
	return store
}

func TestUpsertAndGetStation(t *testing.T) {
	store := setupTestStore(t)

	station := models.Station{
		StationID: "GAUGE001",
		Name:      "Ovens River at Wangaratta",
		Longitude: 146.325,
		Latitude:  -36.358,
		LandCover: map[string]float64{"forest": 0.6, "pasture": 0.3},
	}
	if err := store.UpsertStation(station); err != nil {
		t.Fatalf("UpsertStation: %v", err)
	}

	// Upsert again with a changed name; must update, not duplicate.
	station.Name = "Ovens River"
	if err := store.UpsertStation(station); err != nil {
		t.Fatalf("UpsertStation (second): %v", err)
	}

	stations, err := store.GetStations()
	if err != nil {
		t.Fatalf("GetStations: %v", err)
	}
	if len(stations) != 1 {
		t.Fatalf("len(stations) = %d, want 1", len(stations))
	}
	got := stations[0]
	if got.Name != "Ovens River" {
		t.Errorf("Name = %q, want Ovens River", got.Name)
	}
	if got.LandCover["forest"] != 0.6 {
		t.Errorf("LandCover[forest] = %g, want 0.6", got.LandCover["forest"])
	}
}

func TestObservationsRoundTrip(t *testing.T) {
	store := setupTestStore(t)

	station := models.Station{StationID: "GAUGE001", Longitude: 146.3, Latitude: -36.4}
	if err := store.UpsertStation(station); err != nil {
		t.Fatalf("UpsertStation: %v", err)
	}

	date := time.Date(2023, 3, 15, 0, 0, 0, 0, time.UTC)
	obs := models.NewObservation("GAUGE001", 146.3, -36.4, date,
		sql.NullFloat64{Float64: 14.2, Valid: true},
		map[string]float64{"lst": 18.5, "humidity": 62},
	)
	if err := store.InsertObservation(obs); err != nil {
		t.Fatalf("InsertObservation: %v", err)
	}
	// Same station-date again; conflict is ignored.
	if err := store.InsertObservation(obs); err != nil {
		t.Fatalf("InsertObservation (duplicate): %v", err)
	}
	// A prediction-only row with no temperature.
	noTemp := models.NewObservation("GAUGE001", 146.3, -36.4, date.AddDate(0, 0, 1),
		sql.NullFloat64{}, map[string]float64{"lst": 20.1})
	if err := store.InsertObservation(noTemp); err != nil {
		t.Fatalf("InsertObservation (no temp): %v", err)
	}

	got, err := store.GetTrainingObservations()
	if err != nil {
		t.Fatalf("GetTrainingObservations: %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(observations) = %d, want 2", len(got))
	}
	first := got[0]
	if first.Day != date.YearDay() {
		t.Errorf("Day = %d, want %d", first.Day, date.YearDay())
	}
	if !first.Temperature.Valid || first.Temperature.Float64 != 14.2 {
		t.Errorf("Temperature = %+v, want 14.2", first.Temperature)
	}
	if first.Longitude != 146.3 || first.Latitude != -36.4 {
		t.Errorf("location = (%g, %g), want station location", first.Longitude, first.Latitude)
	}
	if first.Covariates["lst"] != 18.5 {
		t.Errorf("Covariates[lst] = %g, want 18.5", first.Covariates["lst"])
	}
	if got[1].Temperature.Valid {
		t.Error("second observation should have no temperature")
	}
}

func testSurface(t *testing.T, name string, values []float64) *kriging.Surface {
	t.Helper()
	sites := []models.CoefficientSite{
		{StationID: "a", Longitude: 146.9, Latitude: -36.7, Value: values[0]},
		{StationID: "b", Longitude: 147.3, Latitude: -36.9, Value: values[1]},
		{StationID: "c", Longitude: 147.0, Latitude: -36.2, Value: values[2]},
		{StationID: "d", Longitude: 146.5, Latitude: -36.5, Value: values[3]},
	}
	surface, err := kriging.New().FitWithParams(name, sites, 50, 2, 0.1)
	if err != nil {
		t.Fatalf("FitWithParams(%s): %v", name, err)
	}
	return surface
}

func TestBundleRoundTrip(t *testing.T) {
	store := setupTestStore(t)

	bundle := &model.Bundle{
		Surfaces: map[string]*kriging.Surface{
			"Intercept": testSurface(t, "Intercept", []float64{10, 11, 9, 10.5}),
			"LST":       testSurface(t, "LST", []float64{0.4, 0.55, 0.5, 0.45}),
		},
		SeasonalNames: []string{"Intercept"},
		AnomalyNames:  []string{"LST"},
	}
	if err := store.SaveBundle(bundle); err != nil {
		t.Fatalf("SaveBundle: %v", err)
	}

	loaded, err := store.LoadBundle()
	if err != nil {
		t.Fatalf("LoadBundle: %v", err)
	}
	if loaded == nil {
		t.Fatal("LoadBundle returned nil for a saved bundle")
	}
	if len(loaded.SeasonalNames) != 1 || loaded.SeasonalNames[0] != "Intercept" {
		t.Errorf("SeasonalNames = %v", loaded.SeasonalNames)
	}
	if len(loaded.AnomalyNames) != 1 || loaded.AnomalyNames[0] != "LST" {
		t.Errorf("AnomalyNames = %v", loaded.AnomalyNames)
	}

	// The reloaded surface must predict identically to the fitted one.
	for name, original := range bundle.Surfaces {
		reloaded := loaded.Surfaces[name]
		if reloaded == nil {
			t.Fatalf("missing surface %q after reload", name)
		}
		want, _ := original.Predict(147.1, -36.6, nil, false)
		got, _ := reloaded.Predict(147.1, -36.6, nil, false)
		if got != want {
			t.Errorf("%s: reloaded prediction %g != original %g", name, got, want)
		}
	}
}

func TestSaveBundleReplacesPrevious(t *testing.T) {
	store := setupTestStore(t)

	first := &model.Bundle{
		Surfaces:      map[string]*kriging.Surface{"Intercept": testSurface(t, "Intercept", []float64{1, 2, 3, 4})},
		SeasonalNames: []string{"Intercept"},
	}
	if err := store.SaveBundle(first); err != nil {
		t.Fatalf("SaveBundle: %v", err)
	}

	second := &model.Bundle{
		Surfaces:     map[string]*kriging.Surface{"LST": testSurface(t, "LST", []float64{5, 6, 7, 8})},
		AnomalyNames: []string{"LST"},
	}
	if err := store.SaveBundle(second); err != nil {
		t.Fatalf("SaveBundle (second): %v", err)
	}

	loaded, err := store.LoadBundle()
	if err != nil {
		t.Fatalf("LoadBundle: %v", err)
	}
	if len(loaded.Surfaces) != 1 || loaded.Surfaces["LST"] == nil {
		t.Errorf("expected only the second bundle's surface, got %v", loaded.CoefficientNames())
	}
}

func TestLoadBundleEmpty(t *testing.T) {
	store := setupTestStore(t)
	bundle, err := store.LoadBundle()
	if err != nil {
		t.Fatalf("LoadBundle: %v", err)
	}
	if bundle != nil {
		t.Errorf("LoadBundle on empty store = %+v, want nil", bundle)
	}
}
