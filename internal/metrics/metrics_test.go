package metrics

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestInstrumentHandlerUsesRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(InstrumentHandler)
	r.Get("/api/v1/sessions/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		w.Write([]byte("nope"))
	})

	before := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/api/v1/sessions/{id}", "404"))
	for _, id := range []string{"a", "b", "c"} {
		r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest("GET", "/api/v1/sessions/"+id, nil))
	}
	after := testutil.ToFloat64(HTTPRequestsTotal.WithLabelValues("GET", "/api/v1/sessions/{id}", "404"))
	if after-before != 3 {
		t.Errorf("requests counted = %v, want 3", after-before)
	}
}

type fakeStats struct{}

func (fakeStats) SessionCount() int       { return 4 }
func (fakeStats) RunningCount() int       { return 2 }
func (fakeStats) SSESubscriberCount() int { return 1 }
func (fakeStats) InboxQueueDepth() int    { return 7 }

func TestCollector(t *testing.T) {
	reg := prometheus.NewPedanticRegistry()
	reg.MustRegister(NewCollector(nil, fakeStats{}))

	want := `
# HELP transcriptor_sessions_active Current number of sessions in memory.
# TYPE transcriptor_sessions_active gauge
transcriptor_sessions_active 4
# HELP transcriptor_transcriptions_running Transcription runs currently in progress.
# TYPE transcriptor_transcriptions_running gauge
transcriptor_transcriptions_running 2
# HELP transcriptor_inbox_queue_depth Inbox files waiting for a worker.
# TYPE transcriptor_inbox_queue_depth gauge
transcriptor_inbox_queue_depth 7
# HELP transcriptor_db_pool_total_conns Total database pool connections.
# TYPE transcriptor_db_pool_total_conns gauge
transcriptor_db_pool_total_conns 0
`
	err := testutil.GatherAndCompare(reg, strings.NewReader(want),
		"transcriptor_sessions_active",
		"transcriptor_transcriptions_running",
		"transcriptor_inbox_queue_depth",
		"transcriptor_db_pool_total_conns",
	)
	if err != nil {
		t.Error(err)
	}
}
