package ingest

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/hydrolab/streamtemp/internal/metrics"
)

// CovariateClient fetches one station-day of remote-sensing covariates
// (humidity products) from the upstream HTTP API.
type CovariateClient struct {
	baseURL string
	apiKey  string
	client  *http.Client
}

func NewCovariateClient(baseURL, apiKey string) *CovariateClient {
	return &CovariateClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 30 * time.Second},
	}
}

type covariateResponse struct {
	Humidity    *float64 `json:"humidity"`
	HumidityMax *float64 `json:"humidity_max"`
}

// FetchDaily returns the covariates present for a station-day; absent
// upstream fields stay absent in the map.
func (c *CovariateClient) FetchDaily(stationID string, date time.Time) (map[string]float64, error) {
	url := fmt.Sprintf("%s/v1/daily?station=%s&date=%s&apiKey=%s", c.baseURL, stationID, date.Format(dateLayout), c.apiKey)

	var body []byte
	operation := func() error {
		resp, err := c.client.Get(url)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("fetch covariates: %w", err))
		}
		defer resp.Body.Close()

		if resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= http.StatusInternalServerError {
			return fmt.Errorf("retryable: status %d", resp.StatusCode)
		}
		if resp.StatusCode != http.StatusOK {
			b, _ := io.ReadAll(resp.Body)
			return backoff.Permanent(fmt.Errorf("fetch covariates: status %d: %s", resp.StatusCode, string(b)))
		}

		body, err = io.ReadAll(resp.Body)
		if err != nil {
			return backoff.Permanent(fmt.Errorf("read body: %w", err))
		}
		return nil
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = 2 * time.Minute
	if err := backoff.Retry(operation, bo); err != nil {
		metrics.CovariateFetches.WithLabelValues("humidity", "error").Inc()
		return nil, err
	}
	metrics.CovariateFetches.WithLabelValues("humidity", "ok").Inc()

	var data covariateResponse
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("unmarshal covariates: %w", err)
	}

	covariates := map[string]float64{}
	if data.Humidity != nil {
		covariates["humidity"] = *data.Humidity
	}
	if data.HumidityMax != nil {
		covariates["humidity_max"] = *data.HumidityMax
	}
	return covariates, nil
}
