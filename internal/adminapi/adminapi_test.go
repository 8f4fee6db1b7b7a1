// Copyright 2025 James Ross
package adminapi_test

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/flyingrobots/spine/internal/adminapi"
	"github.com/flyingrobots/spine/internal/backend/memory"
	"github.com/flyingrobots/spine/internal/event"
	"github.com/flyingrobots/spine/internal/organ"
	"github.com/flyingrobots/spine/internal/spine"
)

func newTestServer(t *testing.T) (*adminapi.Server, *spine.Spine) {
	t.Helper()
	be := memory.New(0)
	sp, err := spine.New(be, []organ.Organ{}, spine.WithHandlerFailureMode(spine.HandlerStore))
	require.NoError(t, err)
	srv := adminapi.NewServer("127.0.0.1:0", sp, be, zap.NewNop(), 0, 0)
	return srv, sp
}

func TestHandleStats_ReturnsZeroedCounters(t *testing.T) {
	srv, _ := newTestServer(t)
	req := httptest.NewRequest(http.MethodGet, "/stats", nil)
	rec := httptest.NewRecorder()

	handler := srv.RouterForTest()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Equal(t, float64(0), body["events_processed"])
	require.Equal(t, true, body["backend_healthy"])
}

func TestHandlePeekAndRequeue(t *testing.T) {
	srv, sp := newTestServer(t)
	evt, err := event.New("ORDER_SUBMITTED", map[string]any{"x": 1})
	require.NoError(t, err)
	sp.FailedEvents().Add(evt, "boom")

	handler := srv.RouterForTest()

	peekReq := httptest.NewRequest(http.MethodGet, "/dlq?limit=10", nil)
	peekRec := httptest.NewRecorder()
	handler.ServeHTTP(peekRec, peekReq)
	require.Equal(t, http.StatusOK, peekRec.Code)

	body, _ := json.Marshal(map[string]any{"event_ids": []string{evt.ID()}})
	reqReq := httptest.NewRequest(http.MethodPost, "/dlq/requeue", bytes.NewReader(body))
	reqRec := httptest.NewRecorder()
	handler.ServeHTTP(reqRec, reqReq)
	require.Equal(t, http.StatusOK, reqRec.Code)

	var res map[string]any
	require.NoError(t, json.Unmarshal(reqRec.Body.Bytes(), &res))
	require.Equal(t, float64(1), res["requeued"])
}

func TestHandleRequeue_RejectsEmptyBody(t *testing.T) {
	srv, _ := newTestServer(t)
	handler := srv.RouterForTest()

	body, _ := json.Marshal(map[string]any{"event_ids": []string{}})
	req := httptest.NewRequest(http.MethodPost, "/dlq/requeue", bytes.NewReader(body))
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
}
