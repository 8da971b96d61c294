package ingest

import (
	"encoding/csv"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/jlaffaye/ftp"

	"github.com/hydrolab/streamtemp/internal/metrics"
)

// LSTArchive retrieves daily land-surface-temperature granules from an
// FTP archive. Each granule is a small per-station CSV.
type LSTArchive struct {
	host string
	dir  string
}

func NewLSTArchive(host, dir string) *LSTArchive {
	return &LSTArchive{host: host, dir: dir}
}

// LSTReading is one station's land-surface temperature for a day.
type LSTReading struct {
	LST    float64
	LSTMax float64
}

// FetchGranule downloads and parses the granule for one date, keyed by
// station id.
func (a *LSTArchive) FetchGranule(date time.Time) (map[string]LSTReading, error) {
	conn, err := ftp.Dial(a.host, ftp.DialWithTimeout(30*time.Second))
	if err != nil {
		metrics.CovariateFetches.WithLabelValues("lst", "error").Inc()
		return nil, fmt.Errorf("ftp dial: %w", err)
	}
	defer conn.Quit()

	if err := conn.Login("anonymous", "anonymous"); err != nil {
		metrics.CovariateFetches.WithLabelValues("lst", "error").Inc()
		return nil, fmt.Errorf("ftp login: %w", err)
	}

	path := fmt.Sprintf("%s/LST_%s.csv", strings.TrimRight(a.dir, "/"), date.Format("20060102"))
	resp, err := conn.Retr(path)
	if err != nil {
		metrics.CovariateFetches.WithLabelValues("lst", "error").Inc()
		return nil, fmt.Errorf("ftp retr %s: %w", path, err)
	}
	defer resp.Close()

	records, err := csv.NewReader(resp).ReadAll()
	if err != nil {
		return nil, fmt.Errorf("read granule %s: %w", path, err)
	}
	metrics.CovariateFetches.WithLabelValues("lst", "ok").Inc()

	readings := make(map[string]LSTReading, len(records))
	for i, rec := range records {
		if i == 0 && rec[0] == "station_id" {
			continue
		}
		if len(rec) < 3 {
			return nil, fmt.Errorf("granule %s line %d: want 3 columns, got %d", path, i+1, len(rec))
		}
		lst, err := strconv.ParseFloat(rec[1], 64)
		if err != nil {
			return nil, fmt.Errorf("granule %s line %d: lst: %w", path, i+1, err)
		}
		lstMax, err := strconv.ParseFloat(rec[2], 64)
		if err != nil {
			return nil, fmt.Errorf("granule %s line %d: lst_max: %w", path, i+1, err)
		}
		readings[rec[0]] = LSTReading{LST: lst, LSTMax: lstMax}
	}
	return readings, nil
}
