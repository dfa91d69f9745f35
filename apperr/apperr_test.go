package apperr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

var errSample = New(Conflict, "deal: invalid state")

func TestWrapfKeepsSentinelAndKind(t *testing.T) {
	err := Wrapf(errSample, "status is %s", "matched")

	assert.True(t, errors.Is(err, errSample))
	assert.Equal(t, Conflict, KindOf(err))
	assert.Equal(t, "deal: invalid state: status is matched", err.Error())

	outer := fmt.Errorf("handler: %w", err)
	assert.True(t, errors.Is(outer, errSample))
	assert.Equal(t, Conflict, KindOf(outer))
}

func TestKindOfPlainError(t *testing.T) {
	assert.Equal(t, Internal, KindOf(errors.New("boom")))
	assert.Equal(t, Kind(""), KindOf(nil))
}

func TestWrapCause(t *testing.T) {
	cause := errors.New("connection reset")
	err := Wrap(NotFound, "listing: lookup", cause)

	assert.ErrorIs(t, err, cause)
	assert.Equal(t, "listing: lookup: connection reset", err.Error())
	assert.Equal(t, NotFound, KindOf(err))
}

func TestHTTPStatus(t *testing.T) {
	cases := map[Kind]int{
		Validation:   http.StatusBadRequest,
		Unauthorized: http.StatusUnauthorized,
		Forbidden:    http.StatusForbidden,
		NotFound:     http.StatusNotFound,
		Conflict:     http.StatusConflict,
		Internal:     http.StatusInternalServerError,
	}
	for kind, want := range cases {
		assert.Equal(t, want, HTTPStatus(kind), kind)
	}
}
