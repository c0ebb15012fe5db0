package metrics

import (
	"net/http/httptest"
	"strings"
	"testing"
)

func TestRegisterIsIdempotentAndServes(t *testing.T) {
	Register()
	Register()

	IngestEvents.WithLabelValues("admitted").Inc()

	rec := httptest.NewRecorder()
	Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "relaycore_ingest_events_total") {
		t.Error("Expected relaycore_ingest_events_total in metrics output")
	}
}
