package action

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeAction 测试用动作
type fakeAction struct {
	name    string
	execute func(ctx context.Context, cfg map[string]any, step *Context) (map[string]any, error)
}

func (f *fakeAction) Name() string { return f.name }

func (f *fakeAction) Execute(ctx context.Context, cfg map[string]any, step *Context) (map[string]any, error) {
	if f.execute != nil {
		return f.execute(ctx, cfg, step)
	}
	return nil, nil
}

func TestRegistryRegisterAndGet(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&fakeAction{name: "image-build"}))
	require.NoError(t, r.Register(&fakeAction{name: "cache-purge"}))

	h, ok := r.Get("image-build")
	require.True(t, ok)
	assert.Equal(t, "image-build", h.Name())

	_, ok = r.Get("unknown")
	assert.False(t, ok)

	assert.ElementsMatch(t, []string{"image-build", "cache-purge"}, r.Names())
}

func TestRegistryDuplicateName(t *testing.T) {
	r := NewRegistry()
	require.NoError(t, r.Register(&fakeAction{name: "image-build"}))

	err := r.Register(&fakeAction{name: "image-build"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already registered")
}

func TestRegistryEmptyName(t *testing.T) {
	r := NewRegistry()
	assert.Error(t, r.Register(&fakeAction{name: ""}))
}
