package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/codepr/opsctl/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeErrLogger struct{ calls int }

func (f *fakeErrLogger) Errorw(msg string, kv ...interface{}) { f.calls++ }

func TestWriteErrorMapsEveryKind(t *testing.T) {
	cases := []struct {
		kind   model.Kind
		status int
	}{
		{model.KindValidation, http.StatusBadRequest},
		{model.KindNotFound, http.StatusNotFound},
		{model.KindForbidden, http.StatusNotFound},
		{model.KindUnauthorized, http.StatusUnauthorized},
		{model.KindRateLimited, http.StatusTooManyRequests},
		{model.KindConflict, http.StatusConflict},
		{model.KindBrokerUnavailable, http.StatusServiceUnavailable},
		{model.KindSSHFailure, http.StatusBadGateway},
	}

	for _, tc := range cases {
		rec := httptest.NewRecorder()
		writeError(rec, nil, model.NewError(tc.kind, "boom", nil))
		assert.Equal(t, tc.status, rec.Code, "kind %s", tc.kind)

		var body errorBody
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, string(tc.kind), body.Kind)
	}
}

func TestWriteErrorForbiddenHidesKindBehindNotFound(t *testing.T) {
	rec := httptest.NewRecorder()
	writeError(rec, nil, model.NewError(model.KindForbidden, "no access", nil))

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "not found", body.Message, "must not leak the forbidden-vs-missing distinction")
}

func TestWriteErrorUnclassifiedLogsAndHidesDetail(t *testing.T) {
	log := &fakeErrLogger{}
	rec := httptest.NewRecorder()
	writeError(rec, log, assertPlainError{})

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, 1, log.calls)

	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	assert.Equal(t, "internal error", body.Message)
}

type assertPlainError struct{}

func (assertPlainError) Error() string { return "something internal broke" }

func TestDecodeJSONRejectsUnknownFields(t *testing.T) {
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(`{"unknown_field":1}`))
	var v struct {
		Known string `json:"known"`
	}
	err := decodeJSON(req, &v)
	require.Error(t, err)
	assert.Equal(t, model.KindValidation, model.AsKind(err))
}
