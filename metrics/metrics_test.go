package metrics

import (
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRecorderExposesMetrics(t *testing.T) {
	r := NewRecorder()
	r.Admission("admitted")
	r.Admission("conflict")
	r.RunStatus("COMPLETED")
	r.ContainerOp("create", nil)
	r.ContainerOp("pull", errors.New("no such image"))
	r.RPC("schedule_job", "OK", 12*time.Millisecond)
	r.ScavengerPreempted()
	r.RunStarted()

	srv := httptest.NewServer(r.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	out := string(body)
	assert.Contains(t, out, `leotest_admissions_total{outcome="admitted"} 1`)
	assert.Contains(t, out, `leotest_admissions_total{outcome="conflict"} 1`)
	assert.Contains(t, out, `leotest_runs_total{status="COMPLETED"} 1`)
	assert.Contains(t, out, `leotest_container_ops_total{op="pull",outcome="error"} 1`)
	assert.Contains(t, out, `leotest_scavenger_preemptions_total 1`)
	assert.Contains(t, out, `leotest_active_runs 1`)
}

func TestRecordersAreIndependent(t *testing.T) {
	a := NewRecorder()
	b := NewRecorder()
	a.Admission("admitted")

	srv := httptest.NewServer(b.Handler())
	defer srv.Close()
	resp, err := http.Get(srv.URL)
	require.NoError(t, err)
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.NotContains(t, string(body), `outcome="admitted"`)
}
