package api

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/hydrolab/streamtemp/internal/kriging"
	"github.com/hydrolab/streamtemp/internal/model"
	"github.com/hydrolab/streamtemp/internal/models"
)

// testBundle builds a bundle whose coefficient surfaces are constant
// fields, fitted over three reference sites.
func testBundle(t *testing.T) *model.Bundle {
	t.Helper()
	values := map[string]float64{
		"Intercept": 10, "Amplitude": 15, "AutumnWinter": 0, "SpringSummer": 0, "WinterDay": 212,
		"AnomIntercept": 0, "LST": 0.5, "Humidity": 0, "LSTMax": 0, "HumidityMax": 0,
	}
	seasonalNames := []string{"Intercept", "Amplitude", "AutumnWinter", "SpringSummer", "WinterDay"}
	anomalyNames := []string{"AnomIntercept", "LST", "Humidity", "LSTMax", "HumidityMax"}

	bundle := &model.Bundle{
		Surfaces:      map[string]*kriging.Surface{},
		SeasonalNames: seasonalNames,
		AnomalyNames:  anomalyNames,
	}
	for name, v := range values {
		sites := []models.CoefficientSite{
			{StationID: "a", Longitude: 146.9, Latitude: -36.7, Value: v},
			{StationID: "b", Longitude: 147.3, Latitude: -36.9, Value: v},
			{StationID: "c", Longitude: 147.0, Latitude: -36.2, Value: v},
		}
		surface, err := kriging.New().FitWithParams(name, sites, 50, 1, 0)
		if err != nil {
			t.Fatalf("FitWithParams(%s): %v", name, err)
		}
		bundle.Surfaces[name] = surface
	}
	return bundle
}

func postPredict(t *testing.T, s *Server, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/api/predict", strings.NewReader(body))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func TestPredictEndpoint(t *testing.T) {
	s := NewServer(model.NewPredictor(testBundle(t), nil, nil), "0")

	rec := postPredict(t, s, `{"rows": [
		{"lon": 147.0, "lat": -36.5, "day": 30,
		 "covariates": {"lst": 8, "humidity": 60, "lst_max": 10, "humidity_max": 70}},
		{"lon": 147.0, "lat": -36.5, "date": "2023-01-30",
		 "covariates": {"humidity": 60}}
	]}`)
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d, body %s", rec.Code, rec.Body.String())
	}

	var resp predictResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response: %v", err)
	}
	if len(resp.Rows) != 2 {
		t.Fatalf("len(rows) = %d, want 2", len(resp.Rows))
	}

	full := resp.Rows[0]
	if full.TempDOY == nil || full.TempAnom == nil || full.TempMod == nil {
		t.Fatalf("row 0 has missing outputs: %+v", full)
	}
	if *full.TempMod != *full.TempDOY+*full.TempAnom {
		t.Errorf("temp_mod %g != temp_doy %g + temp_anom %g", *full.TempMod, *full.TempDOY, *full.TempAnom)
	}

	// Row 1 lacks the LST covariates: anomaly and mod are null, the
	// climatology still predicts.
	partial := resp.Rows[1]
	if partial.TempDOY == nil {
		t.Error("row 1 temp_doy should be present")
	}
	if partial.TempAnom != nil || partial.TempMod != nil {
		t.Errorf("row 1 should have null temp_anom/temp_mod: %+v", partial)
	}
	if partial.Day != 30 {
		t.Errorf("row 1 day = %d, want 30 (derived from date)", partial.Day)
	}
}

func TestPredictEndpointValidation(t *testing.T) {
	s := NewServer(model.NewPredictor(testBundle(t), nil, nil), "0")

	tests := []struct {
		name string
		body string
		want int
	}{
		{"invalid json", `{`, http.StatusBadRequest},
		{"day out of range", `{"rows": [{"lon": 1, "lat": 1, "day": 400}]}`, http.StatusBadRequest},
		{"bad date", `{"rows": [{"lon": 1, "lat": 1, "date": "Jan 30"}]}`, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if rec := postPredict(t, s, tt.body); rec.Code != tt.want {
				t.Errorf("status = %d, want %d", rec.Code, tt.want)
			}
		})
	}

	req := httptest.NewRequest(http.MethodGet, "/api/predict", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusMethodNotAllowed {
		t.Errorf("GET status = %d, want 405", rec.Code)
	}
}

func TestHealthz(t *testing.T) {
	s := NewServer(model.NewPredictor(testBundle(t), nil, nil), "0")
	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Errorf("healthz status = %d, want 200", rec.Code)
	}
}
