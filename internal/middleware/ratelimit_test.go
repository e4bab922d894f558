package middleware

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestAllowExhaustsBucket(t *testing.T) {
	l := NewIngestLimiter(3)
	defer l.Stop()

	for i := 0; i < 3; i++ {
		if !l.Allow("user_ada") {
			t.Fatalf("request %d denied under the limit", i)
		}
	}
	if l.Allow("user_ada") {
		t.Error("request over the limit allowed")
	}

	// Other producers have their own buckets.
	if !l.Allow("user_eve") {
		t.Error("independent producer denied")
	}
}

func TestAllowRefillsOverTime(t *testing.T) {
	l := NewIngestLimiter(2)
	defer l.Stop()
	now := time.Now()
	l.now = func() time.Time { return now }

	if !l.Allow("user_ada") || !l.Allow("user_ada") {
		t.Fatal("initial tokens denied")
	}
	if l.Allow("user_ada") {
		t.Fatal("empty bucket allowed")
	}

	// Half a minute restores one token at two per minute.
	now = now.Add(30 * time.Second)
	if !l.Allow("user_ada") {
		t.Error("refilled token denied")
	}
	if l.Allow("user_ada") {
		t.Error("second token granted after a single-token refill")
	}

	// A long idle period refills to the cap, not beyond.
	now = now.Add(time.Hour)
	if !l.Allow("user_ada") || !l.Allow("user_ada") {
		t.Error("capped refill denied")
	}
	if l.Allow("user_ada") {
		t.Error("refill exceeded the bucket cap")
	}
}

func TestWrapReturns429(t *testing.T) {
	l := NewIngestLimiter(1)
	defer l.Stop()

	handler := l.Wrap(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	})

	req := httptest.NewRequest(http.MethodPost, "/api/v1/events", nil)
	req.Header.Set("X-Opspulse-Actor", "user_ada")

	rec := httptest.NewRecorder()
	handler(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("first request = %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	handler(rec, req)
	if rec.Code != http.StatusTooManyRequests {
		t.Errorf("over-limit request = %d, want 429", rec.Code)
	}
}

func TestProducerKeyFallsBackToHost(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/events", nil)
	req.RemoteAddr = "10.1.2.3:52114"
	if got := producerKey(req); got != "10.1.2.3" {
		t.Errorf("producer key = %s, want 10.1.2.3", got)
	}

	req.Header.Set("X-Opspulse-Actor", "svc_collector")
	if got := producerKey(req); got != "svc_collector" {
		t.Errorf("producer key = %s, want svc_collector", got)
	}
}

func TestStopIsIdempotent(t *testing.T) {
	l := NewIngestLimiter(1)
	l.Stop()
	l.Stop()
}
