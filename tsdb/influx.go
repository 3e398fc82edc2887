package tsdb

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	influxdb2 "github.com/influxdata/influxdb-client-go/v2"
	influxapi "github.com/influxdata/influxdb-client-go/v2/api"
	"github.com/influxdata/influxdb-client-go/v2/api/write"

	"github.com/DendraScience/dendra-worker-tasks-deriv/errors"
)

// InfluxStore implements Store against InfluxDB. Point writes go through the
// client library's blocking write API in 1.8 compatibility form
// ("db/rp" bucket names); management statements (CREATE DATABASE, DELETE,
// DROP MEASUREMENT) use the 1.x /query endpoint, which the v2 client does
// not expose.
type InfluxStore struct {
	serverURL string
	token     string
	client    influxdb2.Client
	httpc     *http.Client

	mu        sync.Mutex
	writeAPIs map[string]influxapi.WriteAPIBlocking
}

// NewInfluxStore creates a store backed by the InfluxDB server at serverURL.
func NewInfluxStore(serverURL, token string) *InfluxStore {
	opts := influxdb2.DefaultOptions().SetPrecision(time.Millisecond)
	return &InfluxStore{
		serverURL: strings.TrimRight(serverURL, "/"),
		token:     token,
		client:    influxdb2.NewClientWithOptions(serverURL, token, opts),
		httpc:     &http.Client{Timeout: 30 * time.Second},
		writeAPIs: make(map[string]influxapi.WriteAPIBlocking),
	}
}

// writeAPI returns the cached write API for a database. WritePoints runs
// concurrently across message handlers, so the cache is mutex-guarded.
func (s *InfluxStore) writeAPI(database string) influxapi.WriteAPIBlocking {
	s.mu.Lock()
	defer s.mu.Unlock()

	if api, ok := s.writeAPIs[database]; ok {
		return api
	}
	api := s.client.WriteAPIBlocking("", database+"/autogen")
	s.writeAPIs[database] = api
	return api
}

// CreateDatabase ensures the named database exists
func (s *InfluxStore) CreateDatabase(ctx context.Context, database string) error {
	return s.exec(ctx, "", fmt.Sprintf("CREATE DATABASE %q", database))
}

// DeleteRange deletes measurement rows with start <= time < until
func (s *InfluxStore) DeleteRange(ctx context.Context, database, measurement string, start, until int64) error {
	stmt := fmt.Sprintf("DELETE FROM %q WHERE time >= %dms AND time < %dms", measurement, start, until)
	return s.exec(ctx, database, stmt)
}

// DeleteMeasurement deletes all rows of a measurement
func (s *InfluxStore) DeleteMeasurement(ctx context.Context, database, measurement string) error {
	return s.exec(ctx, database, fmt.Sprintf("DELETE FROM %q", measurement))
}

// DropMeasurement drops the measurement entirely
func (s *InfluxStore) DropMeasurement(ctx context.Context, database, measurement string) error {
	return s.exec(ctx, database, fmt.Sprintf("DROP MEASUREMENT %q", measurement))
}

// WritePoints writes a batch of points to a measurement
func (s *InfluxStore) WritePoints(ctx context.Context, database, measurement string, points []Point) error {
	if len(points) == 0 {
		return nil
	}

	batch := make([]*write.Point, len(points))
	for i, p := range points {
		batch[i] = write.NewPoint(measurement, nil, p.Fields, time.UnixMilli(p.Time).UTC())
	}

	if err := s.writeAPI(database).WritePoint(ctx, batch...); err != nil {
		return errors.WrapTransient(err, "InfluxStore", "WritePoints", "write batch")
	}
	return nil
}

// Ping verifies the store is reachable
func (s *InfluxStore) Ping(ctx context.Context) error {
	ok, err := s.client.Ping(ctx)
	if err != nil {
		return errors.WrapTransient(err, "InfluxStore", "Ping", "ping server")
	}
	if !ok {
		return errors.WrapTransient(errors.ErrStorageUnavailable, "InfluxStore", "Ping", "ping server")
	}
	return nil
}

// Close releases client resources
func (s *InfluxStore) Close() {
	s.client.Close()
}

type queryResponse struct {
	Results []struct {
		Error string `json:"error,omitempty"`
	} `json:"results,omitempty"`
	Error string `json:"error,omitempty"`
}

// exec runs a management statement through the 1.x query endpoint.
func (s *InfluxStore) exec(ctx context.Context, database, stmt string) error {
	params := url.Values{}
	params.Set("q", stmt)
	if database != "" {
		params.Set("db", database)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		s.serverURL+"/query?"+params.Encode(), nil)
	if err != nil {
		return errors.Wrap(err, "InfluxStore", "exec", "build request")
	}
	if s.token != "" {
		req.Header.Set("Authorization", "Token "+s.token)
	}

	resp, err := s.httpc.Do(req)
	if err != nil {
		return errors.WrapTransient(err, "InfluxStore", "exec", "execute statement")
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return errors.WrapTransient(err, "InfluxStore", "exec", "read response")
	}

	if resp.StatusCode >= 400 {
		return errors.WrapTransient(
			fmt.Errorf("status %d: %s", resp.StatusCode, strings.TrimSpace(string(body))),
			"InfluxStore", "exec", "execute statement")
	}

	var qr queryResponse
	if err := json.Unmarshal(body, &qr); err != nil {
		// Non-JSON success bodies are fine for management statements
		return nil
	}
	if qr.Error != "" {
		return fmt.Errorf("influx: %s", qr.Error)
	}
	for _, r := range qr.Results {
		if r.Error != "" {
			return fmt.Errorf("influx: %s", r.Error)
		}
	}
	return nil
}
