package observability

import (
	"context"
	"encoding/json"
	"net/http/httptest"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLiveness(t *testing.T) {
	h := NewHealthChecker(nil, nil)

	rr := httptest.NewRecorder()
	h.Liveness(rr, httptest.NewRequest("GET", "/healthz", nil))

	assert.Equal(t, 200, rr.Code)

	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
	assert.Equal(t, StatusHealthy, body["status"])
}

func TestCheckHealthyDependencies(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectPing()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()

	h := NewHealthChecker(db, rdb)
	status := h.Check(context.Background())

	assert.Equal(t, StatusHealthy, status.Status)
	assert.Contains(t, status.Dependencies, "database")
	assert.Contains(t, status.Dependencies, "redis")
}

func TestCheckDegradedOnRedisFailure(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectPing()

	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	mr.Close()

	h := NewHealthChecker(db, rdb)
	status := h.Check(context.Background())

	assert.Equal(t, StatusDegraded, status.Status)
	assert.Equal(t, StatusUnhealthy, status.Dependencies["redis"].Status)
}

func TestReadinessUnhealthyDatabase(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.MonitorPingsOption(true))
	require.NoError(t, err)
	defer db.Close()
	mock.ExpectPing().WillReturnError(assert.AnError)

	h := NewHealthChecker(db, nil)

	rr := httptest.NewRecorder()
	h.Readiness(rr, httptest.NewRequest("GET", "/readyz", nil))

	assert.Equal(t, 503, rr.Code)
}
