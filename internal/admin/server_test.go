package admin

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"fib-pocket-bot-go/internal/engine"
	"fib-pocket-bot-go/internal/fibonacci"
	"fib-pocket-bot-go/internal/models"
	"fib-pocket-bot-go/internal/storage"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

type fakeController struct {
	status    engine.Status
	sets      []*fibonacci.LevelSet
	resumedBy string
	resumeErr error
	swings    []models.Swing
	triggers  []models.Trigger
}

func (f *fakeController) Status() engine.Status { return f.status }
func (f *fakeController) LevelSets() []*fibonacci.LevelSet { return f.sets }

func (f *fakeController) Resume(_ context.Context, operator string) error {
	if f.resumeErr != nil {
		return f.resumeErr
	}
	f.resumedBy = operator
	f.status.Paused = false
	f.status.PeakEquity = 9000
	return nil
}

func (f *fakeController) UpdateSwing(_ context.Context, swing models.Swing) (*fibonacci.LevelSet, error) {
	set, err := fibonacci.Calculate(swing, fibonacci.DefaultRatios)
	if err != nil {
		return nil, err
	}
	f.swings = append(f.swings, swing)
	return set, nil
}

func (f *fakeController) RunCycle(_ context.Context, trigger models.Trigger) (*engine.CycleResult, error) {
	f.triggers = append(f.triggers, trigger)
	return &engine.CycleResult{Trigger: trigger, Decision: models.SafetyDecision{Approved: true, ReasonCode: models.ReasonHold}}, nil
}

type fakeAudit struct {
	recs  []storage.AuditRecord
	limit int
}

func (a *fakeAudit) Append(_ context.Context, rec storage.AuditRecord) error {
	a.recs = append(a.recs, rec)
	return nil
}

func (a *fakeAudit) Recent(_ context.Context, limit int) ([]storage.AuditRecord, error) {
	a.limit = limit
	if limit > len(a.recs) {
		limit = len(a.recs)
	}
	return a.recs[:limit], nil
}

func newTestServer(t *testing.T) (*Server, *fakeController, *fakeAudit) {
	t.Helper()
	set, err := fibonacci.Calculate(models.Swing{Timeframe: "1d", High: 126104, Low: 98387, Direction: "down"}, fibonacci.DefaultRatios)
	require.NoError(t, err)
	ctrl := &fakeController{
		status: engine.Status{
			Time:       time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
			Running:    true,
			Symbol:     "BTCUSDT",
			Price:      models.PricePoint{Price: 108500},
			Position:   models.Position{Status: models.StatusIdle},
			Account:    models.AccountSnapshot{TotalCapital: 10000, AvailableToTrade: 10000},
			Paused:     true,
			PeakEquity: 20000,
			LevelSets:  []*fibonacci.LevelSet{set},
		},
		sets: []*fibonacci.LevelSet{set},
	}
	audit := &fakeAudit{recs: []storage.AuditRecord{
		{ID: 2, Event: storage.EventAction, Kind: models.ActionHold},
		{ID: 1, Event: storage.EventPause},
	}}
	return NewServer(ctrl, audit, zap.NewNop()), ctrl, audit
}

func do(s *Server, method, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, req)
	return w
}

func TestStatus_JSONAndText(t *testing.T) {
	s, _, _ := newTestServer(t)

	w := do(s, http.MethodGet, "/status", "")
	require.Equal(t, http.StatusOK, w.Code)
	var st engine.Status
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &st))
	assert.Equal(t, "BTCUSDT", st.Symbol)
	assert.True(t, st.Paused)
	assert.Equal(t, 108500.0, st.Price.Price)

	w = do(s, http.MethodGet, "/status?format=text", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "BTCUSDT")
}

func TestLevels(t *testing.T) {
	s, _, _ := newTestServer(t)
	w := do(s, http.MethodGet, "/levels", "")
	require.Equal(t, http.StatusOK, w.Code)

	var body struct {
		LevelSets []fibonacci.LevelSet `json:"level_sets"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.LevelSets, 1)
	assert.InDelta(t, 108087.95, body.LevelSets[0].GoldenPocket.Lower, 1e-6)
	assert.InDelta(t, 108974.894, body.LevelSets[0].GoldenPocket.Upper, 1e-6)
}

func TestAudit_Limit(t *testing.T) {
	s, _, audit := newTestServer(t)

	w := do(s, http.MethodGet, "/audit?limit=1", "")
	require.Equal(t, http.StatusOK, w.Code)
	var body struct {
		Records []storage.AuditRecord `json:"records"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	require.Len(t, body.Records, 1)
	assert.Equal(t, int64(2), body.Records[0].ID)
	assert.Equal(t, 1, audit.limit)

	w = do(s, http.MethodGet, "/audit?limit=abc", "")
	assert.Equal(t, http.StatusBadRequest, w.Code)

	do(s, http.MethodGet, "/audit", "")
	assert.Equal(t, 50, audit.limit)
}

func TestResume(t *testing.T) {
	s, ctrl, _ := newTestServer(t)

	w := do(s, http.MethodPost, "/resume", `{}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Empty(t, ctrl.resumedBy)

	w = do(s, http.MethodPost, "/resume", `{"operator":"ops"}`)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ops", ctrl.resumedBy)
	assert.JSONEq(t, `{"paused":false,"peak_equity":9000}`, w.Body.String())

	ctrl.resumeErr = errors.New("exchange unavailable")
	w = do(s, http.MethodPost, "/resume", `{"operator":"ops"}`)
	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestUpdateSwing(t *testing.T) {
	s, ctrl, _ := newTestServer(t)

	w := do(s, http.MethodPut, "/swings/4h", `{"high":118000,"low":104000,"invalidation_pct":0.08}`)
	require.Equal(t, http.StatusOK, w.Code)
	require.Len(t, ctrl.swings, 1)
	assert.Equal(t, "4h", ctrl.swings[0].Timeframe)
	assert.Equal(t, "down", ctrl.swings[0].Direction)

	var set fibonacci.LevelSet
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &set))
	assert.Equal(t, "4h", set.Timeframe)

	w = do(s, http.MethodPut, "/swings/4h", `{"high":100,"low":120}`)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Contains(t, w.Body.String(), "invalid swing")
	assert.Len(t, ctrl.swings, 1)
}

func TestReviewRunsScheduledCycle(t *testing.T) {
	s, ctrl, _ := newTestServer(t)
	w := do(s, http.MethodPost, "/review", "")
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []models.Trigger{models.TriggerScheduledReview}, ctrl.triggers)
}
