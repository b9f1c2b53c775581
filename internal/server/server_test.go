package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/OFFIS-RIT/dygrag/internal/queue"
	mid "github.com/OFFIS-RIT/dygrag/internal/server/middleware"
	"github.com/OFFIS-RIT/dygrag/pkg/common"
	"github.com/OFFIS-RIT/dygrag/pkg/query"
	"github.com/OFFIS-RIT/dygrag/pkg/report"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	masterKey = "master-secret"
	jwtSecret = "signing-secret"
)

type fakeEngine struct {
	param    query.Param
	text     string
	result   *query.Result
	err      error
	reports  []report.Report
	inserted []common.Document
}

func (f *fakeEngine) Query(ctx context.Context, text string, param query.Param, opts ...query.QueryOption) (*query.Result, error) {
	f.text, f.param = text, param
	return f.result, f.err
}

func (f *fakeEngine) Communities(ctx context.Context) ([]report.Report, error) {
	return f.reports, nil
}

func (f *fakeEngine) Insert(ctx context.Context, docs []common.Document) error {
	f.inserted = append(f.inserted, docs...)
	return nil
}

type fakePublisher struct {
	keys   []string
	bodies [][]byte
}

func (f *fakePublisher) PublishWithContext(ctx context.Context, exchange, key string, mandatory, immediate bool, msg amqp091.Publishing) error {
	f.keys = append(f.keys, key)
	f.bodies = append(f.bodies, msg.Body)
	return nil
}

func newTestApp(eng *fakeEngine, pub queue.Publisher) *mid.App {
	return &mid.App{
		Engine:       eng,
		Queue:        pub,
		MasterAPIKey: masterKey,
		Keyfunc: func(t *jwt.Token) (any, error) {
			return []byte(jwtSecret), nil
		},
	}
}

func signToken(t *testing.T, claims jwt.MapClaims) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(jwtSecret))
	require.NoError(t, err)
	return s
}

func do(t *testing.T, app *mid.App, method, path, token, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	rec := httptest.NewRecorder()
	New(app).ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	rec := do(t, newTestApp(&fakeEngine{}, nil), http.MethodGet, "/health", "", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get(mid.RequestIDHeader))
}

func TestAuth(t *testing.T) {
	eng := &fakeEngine{reports: []report.Report{}}
	tests := []struct {
		name  string
		token string
		want  int
	}{
		{"missing", "", http.StatusUnauthorized},
		{"garbage", "not-a-jwt", http.StatusUnauthorized},
		{"master key", masterKey, http.StatusOK},
		{"admin without permissions", signToken(t, jwt.MapClaims{"id": "u1", "role": "admin"}), http.StatusOK},
		{"numeric id", signToken(t, jwt.MapClaims{"id": 42.0, "permissions": []any{mid.PermissionViewCommunities}}), http.StatusOK},
		{"missing permission", signToken(t, jwt.MapClaims{"id": "u2", "permissions": []any{mid.PermissionQuery}}), http.StatusForbidden},
		{"missing id", signToken(t, jwt.MapClaims{"role": "admin"}), http.StatusUnauthorized},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, newTestApp(eng, nil), http.MethodGet, "/api/communities", tt.token, "")
			assert.Equal(t, tt.want, rec.Code, rec.Body.String())
		})
	}
}

func TestQuery_DefaultsAndOverrides(t *testing.T) {
	eng := &fakeEngine{result: &query.Result{Answer: "At Acme."}}
	rec := do(t, newTestApp(eng, nil), http.MethodPost, "/api/query", masterKey,
		`{"query":"Where does Alice work?","top_k":5,"time_constraints":{"start_time":"2020"}}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	assert.Equal(t, "Where does Alice work?", eng.text)
	assert.Equal(t, 5, eng.param.TopK)
	assert.Equal(t, "2020", eng.param.TimeConstraints.StartTime)
	assert.Equal(t, query.DefaultParam().MaxTokenForTextUnit, eng.param.MaxTokenForTextUnit)

	var body struct {
		RequestID string        `json:"request_id"`
		Result    *query.Result `json:"result"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "At Acme.", body.Result.Answer)
	assert.Equal(t, rec.Header().Get(mid.RequestIDHeader), body.RequestID)
}

func TestQuery_RequestIDPropagates(t *testing.T) {
	eng := &fakeEngine{result: &query.Result{}}
	req := httptest.NewRequest(http.MethodPost, "/api/query", strings.NewReader(`{"query":"q"}`))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+masterKey)
	req.Header.Set(mid.RequestIDHeader, "abc123")
	rec := httptest.NewRecorder()
	New(newTestApp(eng, nil)).ServeHTTP(rec, req)

	assert.Equal(t, "abc123", rec.Header().Get(mid.RequestIDHeader))
}

func TestQuery_ErrorMapping(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{query.ErrNoData, http.StatusNotFound},
		{fmt.Errorf("%w: bad mode", query.ErrInvalidParam), http.StatusBadRequest},
		{query.ErrTimeout, http.StatusGatewayTimeout},
		{fmt.Errorf("%w: rate limited", query.ErrUpstreamFailure), http.StatusBadGateway},
		{fmt.Errorf("disk full"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			eng := &fakeEngine{err: tt.err}
			rec := do(t, newTestApp(eng, nil), http.MethodPost, "/api/query", masterKey, `{"query":"q"}`)
			assert.Equal(t, tt.want, rec.Code)
		})
	}
}

func TestQuery_InvalidBody(t *testing.T) {
	tests := []string{
		`{}`,
		`{"query":"q","top_k":-1}`,
		`{"query":`,
	}
	for _, body := range tests {
		rec := do(t, newTestApp(&fakeEngine{}, nil), http.MethodPost, "/api/query", masterKey, body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestAddDocuments_Enqueues(t *testing.T) {
	eng := &fakeEngine{}
	pub := &fakePublisher{}
	rec := do(t, newTestApp(eng, pub), http.MethodPost, "/api/documents", masterKey,
		`{"documents":[{"id":"d1","title":"One","content":"Alice works at Acme."}]}`)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())

	require.Equal(t, []string{queue.IndexQueue}, pub.keys)
	var msg queue.IndexMessage
	require.NoError(t, json.Unmarshal(pub.bodies[0], &msg))
	assert.Equal(t, rec.Header().Get(mid.RequestIDHeader), msg.CorrelationID)
	assert.Equal(t, []common.Document{{ID: "d1", Title: "One", Content: "Alice works at Acme."}}, msg.Documents)
	assert.Empty(t, eng.inserted)
}

func TestAddDocuments_SyncWithoutQueue(t *testing.T) {
	eng := &fakeEngine{}
	rec := do(t, newTestApp(eng, nil), http.MethodPost, "/api/documents", masterKey,
		`{"documents":[{"content":"Bob founded Globex."}]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Len(t, eng.inserted, 1)
}

func TestAddDocuments_Invalid(t *testing.T) {
	for _, body := range []string{`{"documents":[]}`, `{"documents":[{"title":"empty"}]}`} {
		rec := do(t, newTestApp(&fakeEngine{}, &fakePublisher{}), http.MethodPost, "/api/documents", masterKey, body)
		assert.Equal(t, http.StatusBadRequest, rec.Code, body)
	}
}

func TestGetCommunities_LevelFilter(t *testing.T) {
	eng := &fakeEngine{reports: []report.Report{
		{Title: "0-0", Level: 0},
		{Title: "1-0", Level: 1},
		{Title: "1-1", Level: 1},
	}}

	rec := do(t, newTestApp(eng, nil), http.MethodGet, "/api/communities?level=1", masterKey, "")
	require.Equal(t, http.StatusOK, rec.Code)
	var body struct {
		Communities []report.Report `json:"communities"`
	}
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	require.Len(t, body.Communities, 2)
	assert.Equal(t, "1-0", body.Communities[0].Title)

	rec = do(t, newTestApp(eng, nil), http.MethodGet, "/api/communities?level=x", masterKey, "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}
