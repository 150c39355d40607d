package telemetry

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
)

func scrape() string {
	rec := httptest.NewRecorder()
	MetricsHandler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	return rec.Body.String()
}

func TestInstrument(t *testing.T) {
	h := Instrument("probe", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/probe", nil))

	assert.Equal(t, http.StatusTeapot, rec.Code)

	body := scrape()
	assert.Contains(t, body, `cloudsync_requests_total{op="probe",status="4xx"} 1`)
	assert.Contains(t, body, `cloudsync_in_flight_requests{op="probe"} 0`)
}

func TestMetricsHandler(t *testing.T) {
	SetBuildInfo("test", "deadbeef")
	CommandsTotal.WithLabelValues("sync").Inc()

	body := scrape()
	assert.Contains(t, body, `cloudsync_commands_total{cmd="sync"}`)
	assert.Contains(t, body, `cloudsync_build_info{git_sha="deadbeef",version="test"} 1`)
}
