package monitor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// EphemerisFunc computes the elevation (degrees) and identifier of the
// best visible satellite for an observer at the given instant.
type EphemerisFunc func(at time.Time, lat, lon float64) (elevation float64, satID string, err error)

// SatelliteSource samples the serving satellite's geometry for a fixed
// observer position.
type SatelliteSource struct {
	Lat, Lon  float64
	Ephemeris EphemerisFunc
	Cadence   time.Duration
	clock     func() time.Time
}

func NewSatelliteSource(lat, lon float64, eph EphemerisFunc, cadence time.Duration) *SatelliteSource {
	if cadence <= 0 {
		cadence = 2 * time.Second
	}
	return &SatelliteSource{Lat: lat, Lon: lon, Ephemeris: eph, Cadence: cadence, clock: time.Now}
}

func (s *SatelliteSource) Name() string            { return "satellite" }
func (s *SatelliteSource) Interval() time.Duration { return s.Cadence }

func (s *SatelliteSource) Sample(_ context.Context) (map[string]interface{}, error) {
	elev, satID, err := s.Ephemeris(s.clock(), s.Lat, s.Lon)
	if err != nil {
		return nil, fmt.Errorf("ephemeris: %w", err)
	}
	return map[string]interface{}{
		"satellite_elevation": elev,
		"satellite_id":        satID,
	}, nil
}

// WeatherSource polls an HTTP endpoint returning a flat JSON object and
// republishes its fields under a weather_ prefix. Nested values are
// skipped; the trigger grammar only compares scalars.
type WeatherSource struct {
	URL     string
	Cadence time.Duration
	Client  *http.Client
}

func NewWeatherSource(url string, cadence time.Duration) *WeatherSource {
	if cadence <= 0 {
		cadence = time.Minute
	}
	return &WeatherSource{URL: url, Cadence: cadence, Client: &http.Client{Timeout: 10 * time.Second}}
}

func (s *WeatherSource) Name() string            { return "weather" }
func (s *WeatherSource) Interval() time.Duration { return s.Cadence }

func (s *WeatherSource) Sample(ctx context.Context) (map[string]interface{}, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.URL, nil)
	if err != nil {
		return nil, err
	}
	resp, err := s.Client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch weather: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch weather: status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, err
	}
	var doc map[string]interface{}
	if err := json.Unmarshal(body, &doc); err != nil {
		return nil, fmt.Errorf("decode weather: %w", err)
	}
	out := make(map[string]interface{}, len(doc))
	for k, v := range doc {
		switch v.(type) {
		case float64, string, bool:
			out["weather_"+k] = v
		}
	}
	return out, nil
}

// TelemetrySource samples the local user terminal through a pluggable
// probe. The probe returns already-named scalars; keys are republished
// under a terminal_ prefix.
type TelemetrySource struct {
	Probe   func(ctx context.Context) (map[string]interface{}, error)
	Cadence time.Duration
}

func NewTelemetrySource(probe func(ctx context.Context) (map[string]interface{}, error), cadence time.Duration) *TelemetrySource {
	if cadence <= 0 {
		cadence = time.Second
	}
	return &TelemetrySource{Probe: probe, Cadence: cadence}
}

func (s *TelemetrySource) Name() string            { return "terminal" }
func (s *TelemetrySource) Interval() time.Duration { return s.Cadence }

func (s *TelemetrySource) Sample(ctx context.Context) (map[string]interface{}, error) {
	vals, err := s.Probe(ctx)
	if err != nil {
		return nil, fmt.Errorf("terminal probe: %w", err)
	}
	out := make(map[string]interface{}, len(vals))
	for k, v := range vals {
		out["terminal_"+k] = v
	}
	return out, nil
}
