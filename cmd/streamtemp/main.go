package main

import (
	"context"
	"database/sql"
	"encoding/csv"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/alecthomas/kong"
	kongdotenv "github.com/titusjaka/kong-dotenv-go"
	_ "modernc.org/sqlite"

	"github.com/hydrolab/streamtemp/internal/api"
	"github.com/hydrolab/streamtemp/internal/ingest"
	"github.com/hydrolab/streamtemp/internal/kriging"
	"github.com/hydrolab/streamtemp/internal/model"
	"github.com/hydrolab/streamtemp/internal/models"
	"github.com/hydrolab/streamtemp/internal/store"
)

type cli struct {
	DB string `help:"Path to the SQLite database." default:"data/streamtemp.db" env:"STREAMTEMP_DB"`

	Ingest  ingestCmd  `cmd:"" help:"Load a training CSV into the store."`
	Fit     fitCmd     `cmd:"" help:"Fit the model and save the bundle."`
	Predict predictCmd `cmd:"" help:"Predict a CSV of rows against the saved bundle."`
	Serve   serveCmd   `cmd:"" help:"Serve predictions and metrics over HTTP."`
}

type appContext struct {
	store *store.Store
}

type ingestCmd struct {
	Path string `arg:"" help:"Training CSV (id, lon, lat, date, temperature, covariates)."`
}

func (c *ingestCmd) Run(app *appContext) error {
	f, err := os.Open(c.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	observations, err := ingest.LoadTraining(f)
	if err != nil {
		return fmt.Errorf("load %s: %w", c.Path, err)
	}

	seen := map[string]bool{}
	for _, obs := range observations {
		if !seen[obs.StationID] {
			st := models.Station{
				StationID: obs.StationID,
				Longitude: obs.Longitude,
				Latitude:  obs.Latitude,
			}
			if err := app.store.UpsertStation(st); err != nil {
				return fmt.Errorf("upsert station %s: %w", obs.StationID, err)
			}
			seen[obs.StationID] = true
		}
		if err := app.store.InsertObservation(obs); err != nil {
			return fmt.Errorf("insert observation %s %s: %w", obs.StationID, obs.Date.Format("2006-01-02"), err)
		}
	}
	log.Printf("ingested %d observations from %d stations", len(observations), len(seen))
	return nil
}

type fitCmd struct {
	LandCover []string `help:"Land-cover covariate names used as kriging fixed effects."`
}

func (c *fitCmd) Run(app *appContext) error {
	observations, err := app.store.GetTrainingObservations()
	if err != nil {
		return fmt.Errorf("load observations: %w", err)
	}
	if len(observations) == 0 {
		return fmt.Errorf("no observations in store; run ingest first")
	}

	composer := model.NewComposer(model.Config{
		Kriger:          kriging.New(c.LandCover...),
		ReturnRawBundle: true,
	})
	result, err := composer.Fit(observations)
	if err != nil {
		return fmt.Errorf("fit: %w", err)
	}
	if err := app.store.SaveBundle(result.Bundle); err != nil {
		return fmt.Errorf("save bundle: %w", err)
	}
	log.Printf("fitted and saved %d coefficient surfaces", len(result.Bundle.Surfaces))
	for _, name := range result.Bundle.CoefficientNames() {
		s := result.Bundle.Surfaces[name]
		log.Printf("  %-14s range=%.1fkm sill=%.4f nugget=%.4f sites=%d", name, s.RangeKm, s.PartialSill, s.Nugget, len(s.Sites))
	}
	return nil
}

type predictCmd struct {
	Input  string `arg:"" help:"Prediction CSV (lon, lat, date, covariates)."`
	Output string `help:"Output CSV path (default stdout)." default:"-"`
}

func (c *predictCmd) Run(app *appContext) error {
	bundle, err := app.store.LoadBundle()
	if err != nil {
		return fmt.Errorf("load bundle: %w", err)
	}
	if bundle == nil {
		return fmt.Errorf("no fitted model in store; run fit first")
	}

	f, err := os.Open(c.Input)
	if err != nil {
		return err
	}
	defer f.Close()

	rows, err := ingest.LoadPrediction(f)
	if err != nil {
		return fmt.Errorf("load %s: %w", c.Input, err)
	}

	predictor := model.NewPredictor(bundle, nil, nil)
	predictions := predictor.Predict(rows)

	out := os.Stdout
	if c.Output != "-" {
		out, err = os.Create(c.Output)
		if err != nil {
			return err
		}
		defer out.Close()
	}

	w := csv.NewWriter(out)
	if err := w.Write([]string{"lon", "lat", "date", "temp.doy", "temp.anom", "temp.mod"}); err != nil {
		return err
	}
	for _, p := range predictions {
		rec := []string{
			strconv.FormatFloat(p.Longitude, 'f', -1, 64),
			strconv.FormatFloat(p.Latitude, 'f', -1, 64),
			p.Date.Format("2006-01-02"),
			formatNullable(p.TempDOY),
			formatNullable(p.TempAnom),
			formatNullable(p.TempMod),
		}
		if err := w.Write(rec); err != nil {
			return err
		}
	}
	w.Flush()
	return w.Error()
}

func formatNullable(v sql.NullFloat64) string {
	if !v.Valid {
		return ""
	}
	return strconv.FormatFloat(v.Float64, 'f', 4, 64)
}

type serveCmd struct {
	Port string `help:"HTTP server port." default:"8080" env:"STREAMTEMP_PORT"`
}

func (c *serveCmd) Run(app *appContext) error {
	bundle, err := app.store.LoadBundle()
	if err != nil {
		return fmt.Errorf("load bundle: %w", err)
	}
	if bundle == nil {
		return fmt.Errorf("no fitted model in store; run fit first")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	server := api.NewServer(model.NewPredictor(bundle, nil, nil), c.Port)
	log.Printf("serving predictions on :%s", c.Port)
	return server.Run(ctx)
}

func main() {
	var flags cli
	ctx := kong.Parse(&flags,
		kong.Name("streamtemp"),
		kong.Description("Daily water-body temperature modeling from satellite covariates and gauge records."),
		kong.Configuration(kongdotenv.ENVFileReader, ".env"),
	)

	db, err := sql.Open("sqlite", flags.DB)
	if err != nil {
		log.Fatalf("open database: %v", err)
	}
	defer db.Close()

	db.Exec("PRAGMA journal_mode=WAL")
	db.Exec("PRAGMA busy_timeout=5000")

	st := store.New(db)
	if err := st.Migrate(); err != nil {
		log.Fatalf("migrate: %v", err)
	}

	err = ctx.Run(&appContext{store: st})
	ctx.FatalIfErrorf(err)
}
