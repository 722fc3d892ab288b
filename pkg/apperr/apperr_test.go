package apperr

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusOf(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{BadRequest("empty"), http.StatusBadRequest},
		{New(KindUpstream, "langflow 502"), http.StatusBadRequest},
		{NotFound("stream"), http.StatusNotFound},
		{Decode(errors.New("eof"), "parse"), http.StatusInternalServerError},
		{Persistence(errors.New("db"), "save"), http.StatusInternalServerError},
		{errors.New("plain"), http.StatusInternalServerError},
	}
	for _, tc := range cases {
		assert.Equal(t, tc.want, StatusOf(tc.err), tc.err.Error())
	}
}

func TestKindSurvivesWrapping(t *testing.T) {
	err := errors.Wrap(Persistence(errors.New("locked"), "append messages"), "post chat")
	assert.True(t, Is(err, KindPersistence))
	assert.False(t, Is(nil, KindPersistence))
}

func TestRespondWritesStructuredBody(t *testing.T) {
	gin.SetMode(gin.TestMode)
	w := httptest.NewRecorder()
	c, _ := gin.CreateTestContext(w)

	Respond(c, Wrap(KindUpstream, errors.New("status 502: bad gateway"), "flow service error"))

	require.Equal(t, http.StatusBadRequest, w.Code)
	var body map[string]string
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	assert.Equal(t, "upstream:api", body["code"])
	assert.Equal(t, "flow service error", body["message"])
	assert.Equal(t, "status 502: bad gateway", body["cause"])
}
