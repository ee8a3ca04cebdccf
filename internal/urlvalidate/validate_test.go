package urlvalidate

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"
)

func TestCheckerClassifiesValidResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	checker := NewChecker(time.Second)
	result := checker.Check(context.Background(), srv.URL)
	if result.Status != StatusValid {
		t.Errorf("expected StatusValid, got %v", result.Status)
	}
}

func TestCheckerClassifiesBrokenResponse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer srv.Close()

	checker := NewChecker(time.Second)
	result := checker.Check(context.Background(), srv.URL)
	if result.Status != StatusBroken {
		t.Errorf("expected StatusBroken, got %v", result.Status)
	}
}

func TestCheckerClassifiesServerErrorAsTemporary(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	defer srv.Close()

	checker := NewChecker(time.Second)
	result := checker.Check(context.Background(), srv.URL)
	if result.Status != StatusTemporary {
		t.Errorf("expected StatusTemporary, got %v", result.Status)
	}
}

func TestCheckerFallsBackToGETWhenHEADNotAllowed(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodHead {
			w.WriteHeader(http.StatusMethodNotAllowed)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	checker := NewChecker(time.Second)
	result := checker.Check(context.Background(), srv.URL)
	if result.Status != StatusValid {
		t.Errorf("expected GET fallback to classify as valid, got %v", result.Status)
	}
}

func TestCheckerClassifiesUnreachableHostAsTemporary(t *testing.T) {
	checker := NewChecker(200 * time.Millisecond)
	result := checker.Check(context.Background(), "http://127.0.0.1:1")
	if result.Status != StatusTemporary {
		t.Errorf("expected unreachable host to be temporary, got %v", result.Status)
	}
}

func TestTrackerAccumulatesBrokenURLsAcrossParagraphs(t *testing.T) {
	brokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer brokenSrv.Close()
	okSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer okSrv.Close()

	tracker := NewTracker(NewChecker(time.Second))
	tracker.CheckParagraph(context.Background(), "[broken]("+brokenSrv.URL+")")
	tracker.CheckParagraph(context.Background(), "[ok]("+okSrv.URL+")")

	broken := tracker.Wait()
	if len(broken) != 1 || broken[0] != brokenSrv.URL {
		t.Errorf("expected only the broken url, got %v", broken)
	}
}

func TestTrackerDeduplicatesRepeatedBrokenURL(t *testing.T) {
	brokenSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer brokenSrv.Close()

	tracker := NewTracker(NewChecker(time.Second))
	tracker.CheckParagraph(context.Background(), "[a]("+brokenSrv.URL+") and again [b]("+brokenSrv.URL+")")

	broken := tracker.Wait()
	if len(broken) != 1 {
		t.Errorf("expected deduplicated broken urls, got %v", broken)
	}
}
