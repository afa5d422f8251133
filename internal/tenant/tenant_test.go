package tenant

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFromContext_FailsClosed(t *testing.T) {
	_, err := FromContext(context.Background())
	assert.ErrorIs(t, err, ErrMissingScope)

	_, err = FromContext(WithProject(context.Background(), uuid.Nil))
	assert.ErrorIs(t, err, ErrMissingScope)
}

func TestProjectScope(t *testing.T) {
	id := uuid.New()
	ctx := WithProject(context.Background(), id)

	s, err := FromContext(ctx)
	require.NoError(t, err)
	assert.False(t, s.IsAdmin())
	assert.Equal(t, id.String(), s.SessionValue())

	got, err := ProjectFromContext(ctx)
	require.NoError(t, err)
	assert.Equal(t, id, got)
}

func TestAdminScope(t *testing.T) {
	ctx := WithAdmin(context.Background())

	s, err := FromContext(ctx)
	require.NoError(t, err)
	assert.True(t, s.IsAdmin())
	assert.Equal(t, "", s.SessionValue())

	_, err = ProjectFromContext(ctx)
	assert.ErrorIs(t, err, ErrAdminScope)
}

func TestNamespace_IsPerProject(t *testing.T) {
	a, b := uuid.New(), uuid.New()
	assert.NotEqual(t, Namespace(a, "errors"), Namespace(b, "errors"))
	assert.NotEqual(t, Namespace(a, "errors"), Namespace(a, "knowledge"))
	assert.NotContains(t, Namespace(a, "errors"), "-")
}
