package httpserver

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pscheid92/chanrelay/internal/domain/domaintest"
	apperrors "github.com/pscheid92/chanrelay/internal/platform/errors"
)

func publishContext(body string) (echo.Context, *httptest.ResponseRecorder) {
	e := echo.New()
	req := httptest.NewRequest(http.MethodPost, "/api/publish", strings.NewReader(body))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	return e.NewContext(req, rec), rec
}

func TestHandlePublish_Accepted(t *testing.T) {
	tests := []struct {
		name    string
		channel string
	}{
		{"exact channel", "room/42"},
		{"subtree channel", "room/"},
		{"root", ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			publisher := &recordingPublisher{}
			srv := newTestServer(t, publisher)
			body := `{"channel":"` + tt.channel + `","message":"hello"}`
			c, rec := publishContext(body)

			require.NoError(t, srv.handlePublish(c))

			assert.Equal(t, http.StatusAccepted, rec.Code)
			var resp publishResponse
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
			assert.Equal(t, "accepted", resp.Status)
			assert.Equal(t, tt.channel, resp.Channel)
			assert.Equal(t, []published{{payload: "hello", path: tt.channel}}, publisher.Calls())
		})
	}
}

func TestHandlePublish_Rejected(t *testing.T) {
	tests := []struct {
		name     string
		body     string
		wantType apperrors.ErrorType
	}{
		{"malformed json", `{"channel":`, apperrors.TypeValidation},
		{"empty message", `{"channel":"room","message":""}`, apperrors.TypeValidation},
		{"too large", `{"channel":"room","message":"` + strings.Repeat("x", 2048) + `"}`, apperrors.TypeTooLarge},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			publisher := &recordingPublisher{}
			srv := newTestServer(t, publisher)
			c, _ := publishContext(tt.body)

			err := srv.handlePublish(c)

			var appErr *apperrors.Error
			require.ErrorAs(t, err, &appErr)
			assert.Equal(t, tt.wantType, appErr.Type)
			assert.Empty(t, publisher.Calls())
		})
	}
}

func TestHandlePublish_DeliversThroughRoutes(t *testing.T) {
	srv := newTestServer(t, nil)
	conn := domaintest.NewConn()
	srv.registry.Register("room/42", conn)

	req := httptest.NewRequest(http.MethodPost, "/api/publish", strings.NewReader(`{"channel":"room/","message":"ping"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	srv.echo.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusAccepted, rec.Code)
	assert.Equal(t, []string{"ping"}, conn.SentStrings())
}

func TestHandleStats(t *testing.T) {
	srv := newTestServer(t, nil)
	srv.registry.Register("a/b", domaintest.NewConn())
	srv.registry.Register("a", domaintest.NewConn())

	c, rec := newEchoContext(http.MethodGet, "/api/stats")
	require.NoError(t, srv.handleStats(c))

	assert.Equal(t, http.StatusOK, rec.Code)
	var resp statsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, 3, resp.Nodes)
	assert.Equal(t, 2, resp.Connections)
	assert.Zero(t, resp.ActiveConnections)
}
