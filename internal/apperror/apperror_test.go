package apperror

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKindHTTPStatus(t *testing.T) {
	tests := []struct {
		kind     Kind
		expected int
	}{
		{KindValidation, http.StatusBadRequest},
		{KindNotFound, http.StatusNotFound},
		{KindRateLimited, http.StatusTooManyRequests},
		{KindTimeout, http.StatusGatewayTimeout},
		{KindUpstream, http.StatusBadGateway},
		{KindProtocol, http.StatusBadGateway},
		{KindEmptyResult, http.StatusBadGateway},
		{KindInternal, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			assert.Equal(t, tt.expected, tt.kind.HTTPStatus())
		})
	}
}

func TestKindOf(t *testing.T) {
	assert.Equal(t, KindInternal, KindOf(errors.New("plain")))
	assert.Equal(t, KindNotFound, KindOf(New(KindNotFound, "store.GetScene", "scene missing")))

	wrapped := fmt.Errorf("outer: %w", New(KindProtocol, "poll", "bad shape"))
	assert.Equal(t, KindProtocol, KindOf(wrapped))
	assert.True(t, Is(wrapped, KindProtocol))
	assert.False(t, Is(nil, KindProtocol))
}

func TestWithScenePreservesKindAndDetails(t *testing.T) {
	cause := &Error{Kind: KindRateLimited, Op: "submit", Attempts: 5, StatusCode: http.StatusTooManyRequests}
	err := WithScene(cause, "GenerateVariations", "p1", []string{"material:floor=oak", "material:walls=brick"})

	var appErr *Error
	require.True(t, errors.As(err, &appErr))
	assert.Equal(t, KindRateLimited, appErr.Kind)
	assert.Equal(t, "p1", appErr.SceneID)
	assert.Equal(t, 5, appErr.Attempts)
	assert.Equal(t, []string{"material:floor=oak", "material:walls=brick"}, appErr.Changes)
	assert.Contains(t, err.Error(), "scene p1")

	details := appErr.Details()
	assert.Equal(t, "p1", details["scene_id"])
	assert.Equal(t, http.StatusTooManyRequests, details["upstream_status"])
	assert.Equal(t, []string{"material:floor=oak", "material:walls=brick"}, details["changes"])
}

func TestWithSceneKeepsContextErrors(t *testing.T) {
	cause := Wrap(KindTimeout, "poll", context.Canceled)
	err := WithScene(cause, "GenerateVariations", "p1", nil)

	assert.True(t, errors.Is(err, context.Canceled))
	assert.Equal(t, KindTimeout, KindOf(err))
	assert.Nil(t, WithScene(nil, "op", "p1", nil))
}
