package apperr

import (
	"errors"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSentinelMatching(t *testing.T) {
	assert.ErrorIs(t, ErrBundleNotFound, ErrBundleNotFound)
	assert.NotErrorIs(t, ErrBundleNotFound, ErrMessageNotFound)

	wrapped := Wrap(CodeNotFound, "no key bundle for user", errors.New("sql: no rows"))
	assert.ErrorIs(t, wrapped, ErrBundleNotFound, "same code and message matches through a cause")
}

func TestCodeOf(t *testing.T) {
	assert.Equal(t, CodeInvalidArgument, CodeOf(ErrEmptyUsername))
	assert.Equal(t, CodeConflict, CodeOf(ErrNotificationExpired))
	assert.Equal(t, CodeUnknown, CodeOf(errors.New("plain")))
}

func TestHTTPStatus(t *testing.T) {
	cases := map[error]int{
		Invalid("bad"):             http.StatusBadRequest,
		NotFound("missing"):        http.StatusNotFound,
		Conflict("raced"):          http.StatusConflict,
		ErrRateLimited:             http.StatusTooManyRequests,
		Unavailable("down", nil):   http.StatusServiceUnavailable,
		Internal("broken", nil):    http.StatusInternalServerError,
		errors.New("unclassified"): http.StatusInternalServerError,
	}
	for err, want := range cases {
		assert.Equal(t, want, HTTPStatus(err), "error %v", err)
	}
}

func TestUnwrap(t *testing.T) {
	cause := errors.New("dial tcp: refused")
	err := Unavailable("key store read failed", cause)
	assert.ErrorIs(t, err, cause)
}
