package monitor

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/leoscope/leotest/core"
	"github.com/leoscope/leotest/trigger"
)

type scriptedSource struct {
	name    string
	cadence time.Duration
	calls   atomic.Int64
	sample  func(n int64) (map[string]interface{}, error)
}

func (s *scriptedSource) Name() string            { return s.name }
func (s *scriptedSource) Interval() time.Duration { return s.cadence }
func (s *scriptedSource) Sample(context.Context) (map[string]interface{}, error) {
	return s.sample(s.calls.Add(1))
}

func TestRunnerWritesObservations(t *testing.T) {
	snap := trigger.NewSnapshot()
	src := &scriptedSource{name: "sat", cadence: time.Hour, sample: func(int64) (map[string]interface{}, error) {
		return map[string]interface{}{"satellite_elevation": 42.5}, nil
	}}
	r := NewRunner(snap, &core.SimpleLogger{}, core.NewRealClock(), src)
	r.Start(context.Background())
	defer r.Shutdown()

	obs, ok := snap.Get("satellite_elevation")
	require.True(t, ok)
	assert.Equal(t, 42.5, obs.Value)
}

func TestFailingSourceKeepsLastValue(t *testing.T) {
	snap := trigger.NewSnapshot()
	src := &scriptedSource{name: "sat", cadence: 5 * time.Millisecond, sample: func(n int64) (map[string]interface{}, error) {
		if n == 1 {
			return map[string]interface{}{"satellite_elevation": 31.0}, nil
		}
		return nil, errors.New("dish unreachable")
	}}
	r := NewRunner(snap, &core.SimpleLogger{}, core.NewRealClock(), src)
	r.Start(context.Background())
	defer r.Shutdown()

	require.Eventually(t, func() bool { return src.calls.Load() >= 3 }, time.Second, time.Millisecond)
	obs, ok := snap.Get("satellite_elevation")
	require.True(t, ok)
	assert.Equal(t, 31.0, obs.Value)
}

func TestPanickingSourceIsContained(t *testing.T) {
	snap := trigger.NewSnapshot()
	src := &scriptedSource{name: "bad", cadence: 5 * time.Millisecond, sample: func(int64) (map[string]interface{}, error) {
		panic("boom")
	}}
	r := NewRunner(snap, &core.SimpleLogger{}, core.NewRealClock(), src)
	r.Start(context.Background())
	require.Eventually(t, func() bool { return src.calls.Load() >= 3 }, time.Second, time.Millisecond)
	r.Shutdown()
}

func TestSatelliteSource(t *testing.T) {
	src := NewSatelliteSource(47.6, -122.3, func(_ time.Time, lat, lon float64) (float64, string, error) {
		assert.Equal(t, 47.6, lat)
		assert.Equal(t, -122.3, lon)
		return 55.2, "STARLINK-3041", nil
	}, 0)
	vals, err := src.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 55.2, vals["satellite_elevation"])
	assert.Equal(t, "STARLINK-3041", vals["satellite_id"])
}

func TestWeatherSourceFlattensScalars(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Write([]byte(`{"cloud_cover": 0.8, "condition": "rain", "nested": {"x": 1}}`))
	}))
	defer srv.Close()

	src := NewWeatherSource(srv.URL, 0)
	vals, err := src.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 0.8, vals["weather_cloud_cover"])
	assert.Equal(t, "rain", vals["weather_condition"])
	assert.NotContains(t, vals, "weather_nested")
}

func TestWeatherSourceRejectsErrorStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	_, err := NewWeatherSource(srv.URL, 0).Sample(context.Background())
	assert.Error(t, err)
}

func TestTelemetrySourcePrefixesKeys(t *testing.T) {
	src := NewTelemetrySource(func(context.Context) (map[string]interface{}, error) {
		return map[string]interface{}{"snr": 9.1, "obstructed": false}, nil
	}, 0)
	vals, err := src.Sample(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 9.1, vals["terminal_snr"])
	assert.Equal(t, false, vals["terminal_obstructed"])
}

func TestTriggerReadsMonitorSnapshot(t *testing.T) {
	snap := trigger.NewSnapshot()
	src := &scriptedSource{name: "sat", cadence: time.Hour, sample: func(int64) (map[string]interface{}, error) {
		return map[string]interface{}{"satellite_elevation": 12.0}, nil
	}}
	r := NewRunner(snap, &core.SimpleLogger{}, core.NewRealClock(), src)
	r.Start(context.Background())
	defer r.Shutdown()

	expr, err := trigger.Parse("satellite_elevation > 30")
	require.NoError(t, err)
	assert.False(t, expr.Eval(snap.View()))
}
