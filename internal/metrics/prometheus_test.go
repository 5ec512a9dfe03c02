package metrics

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMiddleware_LabelsByRoutePattern(t *testing.T) {
	m := New()

	r := chi.NewRouter()
	r.Use(m.Middleware)
	r.Get("/appointments/{id}", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	})

	for _, id := range []string{"a", "b", "c"} {
		req := httptest.NewRequest(http.MethodGet, "/appointments/"+id, nil)
		r.ServeHTTP(httptest.NewRecorder(), req)
	}

	got := testutil.ToFloat64(m.totalRequests.WithLabelValues(http.MethodGet, "/appointments/{id}", "404"))
	if got != 3 {
		t.Errorf("http_requests_total = %v, want 3", got)
	}
	if n := testutil.CollectAndCount(m.totalRequests); n != 1 {
		t.Errorf("distinct series = %d, want 1", n)
	}
}

func TestObserveBooking(t *testing.T) {
	m := New()

	m.ObserveBooking("optimistic", "created", 20*time.Millisecond)
	m.ObserveBooking("locked", "created", 40*time.Millisecond)
	m.ObserveBooking("locked", "conflict", 5*time.Millisecond)

	tests := []struct {
		path, outcome string
		want          float64
	}{
		{"optimistic", "created", 1},
		{"locked", "created", 1},
		{"locked", "conflict", 1},
		{"rejected", "validation", 0},
	}
	for _, tt := range tests {
		got := testutil.ToFloat64(m.bookings.WithLabelValues(tt.path, tt.outcome))
		if got != tt.want {
			t.Errorf("booking_attempts_total{%s,%s} = %v, want %v", tt.path, tt.outcome, got, tt.want)
		}
	}
}

func TestHandler_ExposesRegistry(t *testing.T) {
	m := New()
	m.ObserveBooking("locked", "created", time.Millisecond)

	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	body, _ := io.ReadAll(rec.Body)
	if !strings.Contains(string(body), `booking_attempts_total{outcome="created",path="locked"} 1`) {
		t.Errorf("metrics output missing booking counter:\n%s", body)
	}
}
