package trader

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestStatusHandler_ReportsEngineState(t *testing.T) {
	engine, _, _, _ := setupEngine(t)
	api := NewAPIServer(engine, zap.NewNop())

	engine.cycleCount.Add(3)
	engine.halted.Store(true)

	rec := httptest.NewRecorder()
	api.statusHandler(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	require.Equal(t, http.StatusOK, rec.Code)

	var status struct {
		UUID      string `json:"uuid"`
		Halted    bool   `json:"halted"`
		Cycles    int64  `json:"cycles"`
		StartTime string `json:"start_time"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &status))

	assert.Equal(t, engine.UUID, status.UUID)
	assert.True(t, status.Halted)
	assert.Equal(t, int64(3), status.Cycles)
	// Set at construction, so it is valid before the loop starts.
	assert.NotEmpty(t, status.StartTime)
}

func TestStatusHandler_ConcurrentWithEngineUpdates(t *testing.T) {
	engine, _, _, _ := setupEngine(t)
	api := NewAPIServer(engine, zap.NewNop())

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			engine.cycleCount.Add(1)
			engine.halted.Store(i%2 == 0)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 200; i++ {
			rec := httptest.NewRecorder()
			api.statusHandler(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
			assert.Equal(t, http.StatusOK, rec.Code)
		}
	}()

	wg.Wait()
}
