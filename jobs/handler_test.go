package jobs

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubInspector struct {
	info *asynq.QueueInfo
	err  error
}

func (s stubInspector) GetQueueInfo(queue string) (*asynq.QueueInfo, error) {
	return s.info, s.err
}

func serveHealth(t *testing.T, inspector QueueInspector) *httptest.ResponseRecorder {
	t.Helper()
	r := chi.NewRouter()
	r.Route("/jobs", NewHandler(inspector, nil).MountRoutes)
	rr := httptest.NewRecorder()
	r.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/jobs/health", nil))
	return rr
}

func TestHealthReportsQueue(t *testing.T) {
	rr := serveHealth(t, stubInspector{info: &asynq.QueueInfo{Queue: QueueDefault, Pending: 2, Retry: 1, Archived: 3}})
	require.Equal(t, http.StatusOK, rr.Code)

	var out queueHealth
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &out))
	assert.Equal(t, queueHealth{Queue: QueueDefault, Pending: 2, Retry: 1, Archived: 3}, out)
}

func TestHealthFailsWhenQueuePausedOrUnreachable(t *testing.T) {
	rr := serveHealth(t, stubInspector{info: &asynq.QueueInfo{Queue: QueueDefault, Paused: true}})
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)

	rr = serveHealth(t, stubInspector{err: errors.New("dial tcp: refused")})
	assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
}

func TestHealthWithoutInspector(t *testing.T) {
	rr := serveHealth(t, nil)
	assert.Equal(t, http.StatusOK, rr.Code)
}
