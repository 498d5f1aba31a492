package handler

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"transferd/internal/config"
	"transferd/internal/engine"
	"transferd/internal/infrastructure/database"
	"transferd/internal/infrastructure/lock"
	"transferd/internal/infrastructure/metrics"
	"transferd/internal/repository"
	"transferd/internal/service"
	"transferd/pkg/response"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

type envelope struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

func newTestRouter(t *testing.T) *gin.Engine {
	t.Helper()
	db, err := database.Open(&config.DatabaseConfig{
		Driver: "sqlite",
		DSN:    fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString()),
	})
	require.NoError(t, err)
	t.Cleanup(func() {
		if sqlDB, err := db.DB(); err == nil {
			sqlDB.Close()
		}
	})

	logger := zaptest.NewLogger(t)
	reg := prometheus.NewRegistry()
	m := metrics.New(reg)
	locker := lock.NewMemoryManager()
	accountRepo := repository.NewAccountRepository(db)
	ledgerRepo := repository.NewLedgerRepository(db)
	jobRepo := repository.NewJobRepository(db, "transfer_result")

	exec := engine.NewExecutor(ledgerRepo, locker, engine.ExecutorConfig{LockTTL: 30 * time.Second, WriteRetries: 2}, logger, m)
	dispatcher := engine.NewDispatcher(engine.DispatcherConfig{
		Workers:     4,
		MaxAttempts: 100,
		BackoffBase: time.Millisecond,
		BackoffMax:  5 * time.Millisecond,
		LockTTL:     30 * time.Second,
		KeyPrefix:   "transfer:lock:account:",
	}, locker, exec, jobRepo, logger, m)
	t.Cleanup(dispatcher.Stop)

	h := NewHandler(
		service.NewAccountService(accountRepo, ledgerRepo, logger),
		service.NewTransferService(accountRepo, jobRepo, dispatcher, logger),
		logger,
	)
	return SetupRouter(h, reg, logger)
}

func do(t *testing.T, r *gin.Engine, method, path, body string) (*httptest.ResponseRecorder, envelope) {
	t.Helper()
	req := httptest.NewRequest(method, path, bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var env envelope
	if strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env))
	}
	return w, env
}

func TestTransferFlowOverHTTP(t *testing.T) {
	r := newTestRouter(t)

	_, env := do(t, r, http.MethodPost, "/api/v1/account/deposit", `{"account_id":"S","amount":"100"}`)
	require.Equal(t, response.CodeSuccess, env.Code, env.Message)
	_, env = do(t, r, http.MethodPost, "/api/v1/account/open", `{"account_id":"R"}`)
	require.Equal(t, response.CodeSuccess, env.Code, env.Message)

	w, env := do(t, r, http.MethodPost, "/api/v1/transfer/submit",
		`{"request_id":"req-1","sender_id":"S","receiver_id":"R","amount":"30.5","description":"lunch"}`)
	require.Equal(t, http.StatusAccepted, w.Code)
	require.Equal(t, response.CodeSuccess, env.Code, env.Message)

	var submitted service.SubmitResponse
	require.NoError(t, json.Unmarshal(env.Data, &submitted))
	require.NotEmpty(t, submitted.JobID)

	require.Eventually(t, func() bool {
		_, env := do(t, r, http.MethodGet, "/api/v1/transfer/status?job_id="+submitted.JobID, "")
		var status service.JobStatusResponse
		if env.Code != response.CodeSuccess || json.Unmarshal(env.Data, &status) != nil {
			return false
		}
		return status.Status == "succeeded"
	}, 10*time.Second, 5*time.Millisecond)

	_, env = do(t, r, http.MethodGet, "/api/v1/account/balance?account_id=S", "")
	require.Equal(t, response.CodeSuccess, env.Code)
	var balance struct {
		Balance string `json:"balance"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &balance))
	assert.Equal(t, "69.5", balance.Balance)

	_, env = do(t, r, http.MethodGet, "/api/v1/account/entries?account_id=R", "")
	require.Equal(t, response.CodeSuccess, env.Code)
	var entries struct {
		Total int64 `json:"total"`
	}
	require.NoError(t, json.Unmarshal(env.Data, &entries))
	assert.EqualValues(t, 1, entries.Total)

	_, env = do(t, r, http.MethodPost, "/api/v1/transfer/cancel", `{"job_id":"`+submitted.JobID+`"}`)
	assert.Equal(t, response.CodeJobNotCancelable, env.Code)
}

func TestSubmitErrorsMapToCodes(t *testing.T) {
	r := newTestRouter(t)
	do(t, r, http.MethodPost, "/api/v1/account/deposit", `{"account_id":"S","amount":"100"}`)

	tests := []struct {
		name string
		body string
		code int
	}{
		{"malformed", `{"sender_id":`, response.CodeParamError},
		{"missing receiver", `{"sender_id":"S","amount":"1"}`, response.CodeParamError},
		{"zero amount", `{"sender_id":"S","receiver_id":"R","amount":"0"}`, response.CodeInvalidAmount},
		{"same account", `{"sender_id":"S","receiver_id":"S","amount":"1"}`, response.CodeSameAccount},
		{"unknown receiver", `{"sender_id":"S","receiver_id":"R","amount":"1"}`, response.CodeAccountNotFound},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, env := do(t, r, http.MethodPost, "/api/v1/transfer/submit", tt.body)
			assert.Equal(t, http.StatusOK, w.Code)
			assert.Equal(t, tt.code, env.Code, env.Message)
		})
	}
}

func TestLookupsOfMissingThings(t *testing.T) {
	r := newTestRouter(t)

	_, env := do(t, r, http.MethodGet, "/api/v1/transfer/status?job_id=TRF-none", "")
	assert.Equal(t, response.CodeJobNotFound, env.Code)

	_, env = do(t, r, http.MethodGet, "/api/v1/transfer/status", "")
	assert.Equal(t, response.CodeParamError, env.Code)

	_, env = do(t, r, http.MethodGet, "/api/v1/account/balance?account_id=nobody", "")
	assert.Equal(t, response.CodeAccountNotFound, env.Code)

	_, env = do(t, r, http.MethodPost, "/api/v1/transfer/cancel", `{"job_id":"TRF-none"}`)
	assert.Equal(t, response.CodeJobNotFound, env.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	r := newTestRouter(t)

	w, _ := do(t, r, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, w.Code)

	do(t, r, http.MethodPost, "/api/v1/account/deposit", `{"account_id":"S","amount":"10"}`)
	do(t, r, http.MethodPost, "/api/v1/account/open", `{"account_id":"R"}`)
	do(t, r, http.MethodPost, "/api/v1/transfer/submit", `{"sender_id":"S","receiver_id":"R","amount":"1"}`)

	w, _ = do(t, r, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "transfer_jobs_submitted_total 1")
}

func TestRecoveryMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(RecoveryMiddleware(zaptest.NewLogger(t)))
	r.GET("/boom", func(c *gin.Context) { panic("boom") })

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
