package server

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/comfortablynumb/pmp-imposter/internal/errs"
	"github.com/comfortablynumb/pmp-imposter/internal/imposter"
	"github.com/comfortablynumb/pmp-imposter/internal/models"
	"github.com/comfortablynumb/pmp-imposter/internal/repository"
)

// recordingHandler returns a fixed response and keeps the requests it saw
type recordingHandler struct {
	mu       sync.Mutex
	requests []models.Request
	response *models.Response
	err      error
}

func (h *recordingHandler) GetResponseFor(_ context.Context, request models.Request) (*models.Response, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.requests = append(h.requests, request)
	return h.response, h.err
}

func (h *recordingHandler) last() models.Request {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.requests[len(h.requests)-1]
}

func listen(t *testing.T, handler imposter.Handler) imposter.Server {
	t.Helper()
	server, err := NewHTTP(WithLogger(zap.NewNop())).Listen(context.Background(), &models.Imposter{Protocol: "http"}, handler)
	require.NoError(t, err)
	t.Cleanup(func() { _ = server.Close(context.Background()) })
	return server
}

func TestProtocolName(t *testing.T) {
	assert.Equal(t, "http", NewHTTP().Name())
	assert.Equal(t, "https", NewHTTPS().Name())
}

func TestTestRequest(t *testing.T) {
	request := NewHTTP().TestRequest()

	assert.Equal(t, "GET", request["method"])
	assert.Equal(t, "/", request["path"])
	assert.Equal(t, "", request["body"])
	assert.Equal(t, map[string]interface{}{}, request["headers"])
	assert.Equal(t, map[string]interface{}{}, request["query"])
}

func TestListenEphemeralPort(t *testing.T) {
	handler := &recordingHandler{response: &models.Response{
		StatusCode: 201,
		Headers:    map[string]interface{}{"Content-Type": "text/plain", "X-Multi": []interface{}{"a", "b"}},
		Body:       "created",
	}}
	server := listen(t, handler)
	require.NotZero(t, server.Port())

	url := fmt.Sprintf("http://127.0.0.1:%d/orders?id=1&tag=a&tag=b", server.Port())
	resp, err := http.Post(url, "application/json", strings.NewReader(`{"item":"book"}`))
	require.NoError(t, err)
	defer resp.Body.Close() //nolint:errcheck // test cleanup

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)

	assert.Equal(t, 201, resp.StatusCode)
	assert.Equal(t, "created", string(body))
	assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
	assert.Equal(t, []string{"a", "b"}, resp.Header.Values("X-Multi"))

	request := handler.last()
	assert.Equal(t, "POST", request["method"])
	assert.Equal(t, "/orders", request["path"])
	assert.Equal(t, `{"item":"book"}`, request["body"])
	assert.Equal(t, "127.0.0.1", request["ip"])
	assert.NotEmpty(t, request["timestamp"])

	query := request["query"].(map[string]interface{})
	assert.Equal(t, "1", query["id"])
	assert.Equal(t, []interface{}{"a", "b"}, query["tag"])

	headers := request["headers"].(map[string]interface{})
	assert.Equal(t, "application/json", headers["Content-Type"])
	assert.Equal(t, fmt.Sprintf("127.0.0.1:%d", server.Port()), headers["Host"])
}

func TestListenPortInUse(t *testing.T) {
	server := listen(t, &recordingHandler{response: &models.Response{}})

	_, err := NewHTTP().Listen(context.Background(), &models.Imposter{Protocol: "http", Port: server.Port()}, &recordingHandler{})
	require.Error(t, err)
	assert.ErrorIs(t, err, syscall.EADDRINUSE)
}

func TestHTTPSRequiresCertificate(t *testing.T) {
	_, err := NewHTTPS().Listen(context.Background(), &models.Imposter{Protocol: "https"}, &recordingHandler{})
	require.Error(t, err)
	assert.True(t, errs.HasCode(err, errs.CodeBadData))
}

func TestCloseStopsServing(t *testing.T) {
	server, err := NewHTTP(WithLogger(zap.NewNop())).Listen(context.Background(), &models.Imposter{Protocol: "http"}, &recordingHandler{response: &models.Response{}})
	require.NoError(t, err)

	require.NoError(t, server.Close(context.Background()))

	_, err = net.DialTimeout("tcp", fmt.Sprintf("127.0.0.1:%d", server.Port()), time.Second)
	assert.Error(t, err)
}

func TestHandleRequestError(t *testing.T) {
	s := &Server{
		handler: &recordingHandler{err: errs.InvalidResponse("unrecognized response type", nil)},
		logger:  zap.NewNop(),
		now:     time.Now,
	}

	w := httptest.NewRecorder()
	s.handleRequest(w, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "application/json", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), `"code":"invalid response"`)
	assert.Contains(t, w.Body.String(), "unrecognized response type")
}

func TestWriteResponse(t *testing.T) {
	tests := []struct {
		name       string
		response   *models.Response
		wantStatus int
		wantBody   string
	}{
		{
			name:       "defaults",
			response:   &models.Response{},
			wantStatus: 200,
			wantBody:   "",
		},
		{
			name:       "string body",
			response:   &models.Response{StatusCode: 404, Body: "missing"},
			wantStatus: 404,
			wantBody:   "missing",
		},
		{
			name:       "object body",
			response:   &models.Response{Body: map[string]interface{}{"value": 1}},
			wantStatus: 200,
			wantBody:   `{"value":1}`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			writeResponse(w, tt.response, zap.NewNop())

			assert.Equal(t, tt.wantStatus, w.Code)
			assert.Equal(t, tt.wantBody, w.Body.String())
		})
	}
}

func TestImposterOverHTTP(t *testing.T) {
	ctx := context.Background()
	manager := imposter.NewManager(repository.NewMemory(), []imposter.Protocol{NewHTTP(WithLogger(zap.NewNop()))})
	t.Cleanup(func() { _ = manager.StopAll(context.Background()) })

	handle, err := manager.Create(ctx, &models.Imposter{
		Protocol: "http",
		Stubs: []models.Stub{
			{
				Predicates: map[string]interface{}{
					"path":   map[string]interface{}{"is": "/test"},
					"method": map[string]interface{}{"is": "POST"},
				},
				Responses: []models.ResponseDirective{{Is: &models.Response{StatusCode: 201, Body: "configured"}}},
			},
			{
				Predicates: map[string]interface{}{"path": map[string]interface{}{"is": "/cycle"}},
				Responses: []models.ResponseDirective{
					{Is: &models.Response{Body: "First"}},
					{Is: &models.Response{Body: "Second"}},
				},
			},
		},
	})
	require.NoError(t, err)

	get := func(path string) (int, string, bool) {
		resp, err := http.Get(fmt.Sprintf("http://127.0.0.1:%d%s", handle.ID(), path))
		require.NoError(t, err)
		defer resp.Body.Close() //nolint:errcheck // test cleanup
		body, err := io.ReadAll(resp.Body)
		require.NoError(t, err)
		return resp.StatusCode, string(body), resp.Close
	}

	status, body, closed := get("/test")
	assert.Equal(t, 200, status)
	assert.Empty(t, body)
	assert.True(t, closed, "expected Connection: close")

	var bodies []string
	for i := 0; i < 3; i++ {
		_, body, _ := get("/cycle")
		bodies = append(bodies, body)
	}
	assert.Equal(t, []string{"First", "Second", "First"}, bodies)
}
