// Package api serves predictions from a loaded model bundle over HTTP.
package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hydrolab/streamtemp/internal/model"
	"github.com/hydrolab/streamtemp/internal/models"
)

type Server struct {
	predictor *model.Predictor
	port      string
}

func NewServer(predictor *model.Predictor, port string) *Server {
	return &Server{predictor: predictor, port: port}
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/predict", s.handlePredict)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "ok")
	})
	mux.Handle("/metrics", promhttp.Handler())
	return mux
}

func (s *Server) Run(ctx context.Context) error {
	server := &http.Server{
		Addr:    ":" + s.port,
		Handler: s.Handler(),
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		server.Shutdown(shutdownCtx)
	}()

	if err := server.ListenAndServe(); err != http.ErrServerClosed {
		return err
	}
	return nil
}

type predictRequest struct {
	Rows []predictRequestRow `json:"rows"`
}

type predictRequestRow struct {
	Lon        float64            `json:"lon"`
	Lat        float64            `json:"lat"`
	Date       string             `json:"date"`
	Day        int                `json:"day"`
	Covariates map[string]float64 `json:"covariates"`
}

type predictResponse struct {
	Rows []predictResponseRow `json:"rows"`
}

// predictResponseRow mirrors the prediction output schema; missing
// outputs serialize as null, never zero.
type predictResponseRow struct {
	Lon      float64  `json:"lon"`
	Lat      float64  `json:"lat"`
	Day      int      `json:"day"`
	TempDOY  *float64 `json:"temp_doy"`
	TempAnom *float64 `json:"temp_anom"`
	TempMod  *float64 `json:"temp_mod"`
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req predictRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, fmt.Sprintf("decode request: %v", err), http.StatusBadRequest)
		return
	}

	rows := make([]models.PredictionRow, 0, len(req.Rows))
	for i, in := range req.Rows {
		row := models.PredictionRow{
			Longitude:  in.Lon,
			Latitude:   in.Lat,
			Day:        in.Day,
			Covariates: in.Covariates,
		}
		if in.Date != "" {
			date, err := time.Parse("2006-01-02", in.Date)
			if err != nil {
				http.Error(w, fmt.Sprintf("row %d: date: %v", i, err), http.StatusBadRequest)
				return
			}
			row.Date = date
			row.Day = date.YearDay()
		}
		if row.Day < 1 || row.Day > 366 {
			http.Error(w, fmt.Sprintf("row %d: day %d out of range", i, row.Day), http.StatusBadRequest)
			return
		}
		rows = append(rows, row)
	}

	predictions := s.predictor.Predict(rows)
	resp := predictResponse{Rows: make([]predictResponseRow, len(predictions))}
	for i, p := range predictions {
		resp.Rows[i] = predictResponseRow{
			Lon:      p.Longitude,
			Lat:      p.Latitude,
			Day:      p.Day,
			TempDOY:  nullable(p.TempDOY),
			TempAnom: nullable(p.TempAnom),
			TempMod:  nullable(p.TempMod),
		}
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}

func nullable(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}
