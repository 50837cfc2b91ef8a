//go:build unit

/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

package metrics

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/installsuite/pkg/reporting"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetrics_ObservePhase(t *testing.T) {
	m := New("btrfs")

	m.ObservePhase("readiness", reporting.StatusPassed, 2*time.Second)
	m.ObservePhase("install", reporting.StatusPassed, 10*time.Minute)
	m.ObservePhase("hostname", reporting.StatusFailed, time.Second)

	assert.Equal(t, 2.0, testutil.ToFloat64(m.phases.WithLabelValues("btrfs", "passed")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.phases.WithLabelValues("btrfs", "failed")))
	assert.Equal(t, 3, testutil.CollectAndCount(m.phaseDuration))
}

func TestMetrics_ObserveRun(t *testing.T) {
	m := New("btrfs")
	end := time.Unix(1714560000, 0)

	m.ObserveRun(&reporting.Result{Status: reporting.StatusPassed, EndTime: end})
	assert.Equal(t, 1.0, testutil.ToFloat64(m.runSuccess))
	assert.Equal(t, 1714560000.0, testutil.ToFloat64(m.lastRun))

	m.ObserveRun(&reporting.Result{Status: reporting.StatusFailed, EndTime: end})
	assert.Equal(t, 0.0, testutil.ToFloat64(m.runSuccess))
}

func TestMetrics_WriteTextfile(t *testing.T) {
	m := New("zfs")
	m.ObservePhase("install", reporting.StatusPassed, time.Minute)

	path := filepath.Join(t.TempDir(), "installsuite.prom")
	require.NoError(t, m.WriteTextfile(path))

	data, err := os.ReadFile(path)
	require.NoError(t, err)
	assert.Contains(t, string(data), `installsuite_phases_total{scenario="zfs",status="passed"} 1`)
	assert.Contains(t, string(data), "installsuite_phase_duration_seconds_bucket")
}

func TestMetrics_Handler(t *testing.T) {
	m := New("zfs")
	m.ObservePhase("install", reporting.StatusPassed, time.Minute)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "installsuite_phases_total")
}
