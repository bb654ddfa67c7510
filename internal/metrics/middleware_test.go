package metrics

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddleware_RecordsRoutePattern(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware())
	r.Get("/captures/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	req := httptest.NewRequest("GET", "/captures/abc", http.NoBody)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, req)

	got := testutil.ToFloat64(httpRequestsTotal.WithLabelValues("GET", "/captures/{id}", "404"))
	if got < 1 {
		t.Errorf("expected http_requests_total >= 1 for route pattern, got %f", got)
	}
}

func TestMiddleware_PreservesFlusher(t *testing.T) {
	r := chi.NewRouter()
	r.Use(Middleware())
	flushed := false
	r.Get("/stream", func(w http.ResponseWriter, r *http.Request) {
		f, ok := w.(http.Flusher)
		if !ok {
			t.Error("wrapped writer does not implement http.Flusher")
			return
		}
		_, _ = w.Write([]byte("data: x\n\n"))
		f.Flush()
		flushed = true
	})

	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest("GET", "/stream", http.NoBody))

	if !flushed || !rr.Flushed {
		t.Error("expected response to be flushed")
	}
}

func TestRegister_Idempotent(t *testing.T) {
	reg := prometheus.NewRegistry()
	Register(reg)
	Register(reg)

	BrokerSubscribers.Set(3)
	families, err := reg.Gather()
	if err != nil {
		t.Fatalf("Gather: %v", err)
	}
	found := false
	for _, f := range families {
		if f.GetName() == "drinkwatch_broker_subscribers" {
			found = true
		}
	}
	if !found {
		t.Error("drinkwatch_broker_subscribers not registered")
	}
}
