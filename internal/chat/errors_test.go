package chat

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStorageError(t *testing.T) {
	miss := storageError(fmt.Errorf("lookup: %w", ErrNotFound), "room")
	assert.Equal(t, CodeNotFound, miss.Code)
	assert.Equal(t, "room not found", miss.Message)
	assert.ErrorIs(t, miss, ErrNotFound)

	down := storageError(context.DeadlineExceeded, "message")
	assert.Equal(t, CodeStorageUnavailable, down.Code)
	assert.ErrorIs(t, down, context.DeadlineExceeded)
}

func TestGetCode(t *testing.T) {
	assert.Equal(t, CodeForbidden, GetCode(errForbidden("no")))
	assert.Equal(t, CodeForbidden, GetCode(fmt.Errorf("wrapped: %w", errForbidden("no"))))
	assert.Equal(t, CodeInternal, GetCode(errors.New("plain")))
	assert.False(t, IsCode(nil, CodeInternal))
	assert.True(t, IsCode(errUnauthenticated(), CodeUnauthenticated))
}

func TestPublicMessage(t *testing.T) {
	assert.Equal(t, "storage unavailable", publicMessage(storageError(errors.New("dial tcp 10.0.0.1:5432: refused"), "user")))
	assert.Equal(t, "internal error", publicMessage(ErrHubClosed))
	assert.Equal(t, "NOT_FOUND: user not found", errNotFound("user").Error())
}
