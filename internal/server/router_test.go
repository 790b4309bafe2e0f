package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/cupid/internal/chainsync"
	"github.com/MarcoPoloResearchLab/cupid/internal/checkpoint"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type stubSync struct {
	status chainsync.Status
}

func (s stubSync) Status() chainsync.Status {
	return s.status
}

type stubCheckpoints struct {
	records []checkpoint.Record
	err     error
}

func (s stubCheckpoints) List(context.Context) ([]checkpoint.Record, error) {
	return s.records, s.err
}

type stubPinger struct {
	err error
}

func (s stubPinger) PingContext(context.Context) error {
	return s.err
}

func newTestRouter(t *testing.T, deps Dependencies) http.Handler {
	t.Helper()
	gin.SetMode(gin.TestMode)
	if deps.Gateway == nil {
		deps.Gateway = http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.WriteHeader(http.StatusTeapot)
		})
	}
	if deps.Gatherer == nil {
		deps.Gatherer = prometheus.NewRegistry()
	}
	handler, err := NewHTTPHandler(deps)
	if err != nil {
		t.Fatalf("failed to build router: %v", err)
	}
	return handler
}

func serve(handler http.Handler, path string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(http.MethodGet, path, http.NoBody)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func TestHealthReflectsDatabase(t *testing.T) {
	core, logs := observer.New(zapcore.DebugLevel)
	healthy := newTestRouter(t, Dependencies{Database: stubPinger{}})
	if recorder := serve(healthy, "/healthz"); recorder.Code != http.StatusOK {
		t.Fatalf("expected healthy status, got %d", recorder.Code)
	}

	broken := newTestRouter(t, Dependencies{Database: stubPinger{err: errors.New("disk gone")}, Logger: zap.New(core)})
	if recorder := serve(broken, "/healthz"); recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected unavailable status, got %d", recorder.Code)
	}
	if logs.FilterMessage("database health check failed").Len() != 1 {
		t.Fatalf("expected health failure to be logged")
	}
}

func TestSyncStatusReportsStateAndCheckpoints(t *testing.T) {
	liveSince := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	handler := newTestRouter(t, Dependencies{
		Sync: stubSync{status: chainsync.Status{
			State:     chainsync.StateLive,
			LastHead:  1000,
			Cycles:    2,
			LiveSince: liveSince,
		}},
		Checkpoints: stubCheckpoints{records: []checkpoint.Record{
			{Emitter: "0xa1", EventKind: "Like", Height: 1000, UpdatedAt: liveSince},
		}},
	})

	recorder := serve(handler, "/sync/status")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", recorder.Code)
	}
	var payload syncStatusPayload
	if err := json.Unmarshal(recorder.Body.Bytes(), &payload); err != nil {
		t.Fatalf("failed to decode status: %v", err)
	}
	if payload.State != "live" || payload.LastHead != 1000 || payload.Cycles != 2 {
		t.Fatalf("unexpected status payload %+v", payload)
	}
	if payload.LiveSince == nil || !payload.LiveSince.Equal(liveSince) {
		t.Fatalf("expected live_since %v, got %v", liveSince, payload.LiveSince)
	}
	if len(payload.Checkpoints) != 1 || payload.Checkpoints[0].Height != 1000 || payload.Checkpoints[0].EventKind != "Like" {
		t.Fatalf("unexpected checkpoints %+v", payload.Checkpoints)
	}
}

func TestSyncStatusWithoutSynchronizer(t *testing.T) {
	handler := newTestRouter(t, Dependencies{})
	if recorder := serve(handler, "/sync/status"); recorder.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected unavailable status, got %d", recorder.Code)
	}
}

func TestMetricsAndWebsocketRoutes(t *testing.T) {
	registry := prometheus.NewRegistry()
	promauto.With(registry).NewCounter(prometheus.CounterOpts{Name: "cupid_test_total", Help: "test counter"}).Inc()
	handler := newTestRouter(t, Dependencies{Gatherer: registry})

	recorder := serve(handler, "/metrics")
	if recorder.Code != http.StatusOK {
		t.Fatalf("expected metrics status 200, got %d", recorder.Code)
	}
	if !strings.Contains(recorder.Body.String(), "cupid_test_total 1") {
		t.Fatalf("expected registered counter in metrics output")
	}

	if recorder := serve(handler, "/ws"); recorder.Code != http.StatusTeapot {
		t.Fatalf("expected /ws to reach the gateway, got %d", recorder.Code)
	}
}

func TestNewHTTPHandlerRequiresGateway(t *testing.T) {
	if _, err := NewHTTPHandler(Dependencies{Gatherer: prometheus.NewRegistry()}); !errors.Is(err, errMissingGateway) {
		t.Fatalf("expected missing gateway error, got %v", err)
	}
}
