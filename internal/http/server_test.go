package http

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vskurikhin/go-pq-debugscan/config"
	"github.com/vskurikhin/go-pq-debugscan/internal/metric"
	"github.com/vskurikhin/go-pq-debugscan/pq/relation"
	"github.com/vskurikhin/go-pq-debugscan/pq/snapshot"
)

type scanCall struct {
	table string
	spec  *string
}

func newTestServer(result any, err error, calls *[]scanCall) Server {
	cfg := config.Config{Metric: config.MetricConfig{Port: 8081}}
	registry := metric.NewRegistry(metric.NewMetric("debug_db"))

	return NewServer(cfg, registry, func(_ context.Context, table string, spec *string) (any, error) {
		*calls = append(*calls, scanCall{table: table, spec: spec})
		return result, err
	})
}

func TestServer_Scan(t *testing.T) {
	t.Run("should return rows as json", func(t *testing.T) {
		var calls []scanCall
		rows := []map[string]any{{"xmin": 740, "xmax": 0, "data": `{"id":"1"}`}}
		s := newTestServer(rows, nil, &calls)

		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/scan?table=debug&snapshot=740:745:", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `[{"xmin":740,"xmax":0,"data":"{\"id\":\"1\"}"}]`, rec.Body.String())
		require.Len(t, calls, 1)
		assert.Equal(t, "debug", calls[0].table)
		require.NotNil(t, calls[0].spec)
		assert.Equal(t, "740:745:", *calls[0].spec)
	})

	t.Run("should scan with transaction snapshot when snapshot is absent", func(t *testing.T) {
		var calls []scanCall
		s := newTestServer([]any{}, nil, &calls)

		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/scan?table=debug", nil))

		assert.Equal(t, http.StatusOK, rec.Code)
		require.Len(t, calls, 1)
		assert.Nil(t, calls[0].spec)
	})

	t.Run("should require table", func(t *testing.T) {
		var calls []scanCall
		s := newTestServer(nil, nil, &calls)

		rec := httptest.NewRecorder()
		s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/scan", nil))

		assert.Equal(t, http.StatusBadRequest, rec.Code)
		assert.Empty(t, calls)
	})

	t.Run("should map errors to status codes", func(t *testing.T) {
		tests := []struct {
			err  error
			code int
		}{
			{&snapshot.FormatError{Spec: "4:45", Reason: "expected 3 colon separated fields, got 2"}, http.StatusBadRequest},
			{&snapshot.RangeError{Value: 50, Xmin: 4, Xmax: 45}, http.StatusBadRequest},
			{&relation.ResolutionError{Table: "missing", Cause: errors.New("does not exist")}, http.StatusNotFound},
			{errors.New("connection reset"), http.StatusInternalServerError},
		}

		for _, tt := range tests {
			var calls []scanCall
			s := newTestServer(nil, tt.err, &calls)

			rec := httptest.NewRecorder()
			s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/scan?table=debug", nil))

			assert.Equal(t, tt.code, rec.Code, tt.err.Error())
		}
	})
}

func TestServer_Status(t *testing.T) {
	var calls []scanCall
	s := newTestServer(nil, nil, &calls)

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}
