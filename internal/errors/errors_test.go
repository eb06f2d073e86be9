package errors_test

import (
	"encoding/json"
	stderrors "errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/victornm/couplequiz/internal/errors"
)

func TestConvert(t *testing.T) {
	tests := map[string]struct {
		err      error
		wantCode errors.Code
		wantHTTP int
	}{
		"plain error should become internal": {
			err:      stderrors.New("boom"),
			wantCode: errors.CodeInternal,
			wantHTTP: http.StatusInternalServerError,
		},
		"wrapped not found should keep its code": {
			err:      fmt.Errorf("get session: %w", errors.NotFound("session not found: %s", "s1")),
			wantCode: errors.CodeNotFound,
			wantHTTP: http.StatusNotFound,
		},
		"permission denied should map to forbidden": {
			err:      errors.New(errors.CodePermissionDenied),
			wantCode: errors.CodePermissionDenied,
			wantHTTP: http.StatusForbidden,
		},
	}

	for name, tt := range tests {
		tt := tt
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			e := errors.Convert(tt.err)
			assert.Equal(t, tt.wantCode, e.Code)
			assert.Equal(t, tt.wantHTTP, e.HTTPStatusCode())
			assert.Equal(t, codes.Code(tt.wantCode), status.Code(e))
		})
	}
}

func TestIs(t *testing.T) {
	err := fmt.Errorf("wrap: %w", errors.InvalidArgument("bad %s", "answer"))

	assert.True(t, errors.Is(err, errors.CodeInvalidArgument))
	assert.False(t, errors.Is(err, errors.CodeNotFound))
	assert.False(t, errors.Is(stderrors.New("x"), errors.CodeInternal))
	assert.Equal(t, "bad answer", errors.Convert(err).Message)
}

func TestError_JSON(t *testing.T) {
	b, err := json.Marshal(errors.FailedPrecondition("join a session first"))
	assert.NoError(t, err)
	assert.JSONEq(t, `{"code":"FailedPrecondition","message":"join a session first"}`, string(b))
	assert.Equal(t, "PermissionDenied: not a member", errors.PermissionDenied("not a member").Error())
}
