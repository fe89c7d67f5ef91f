package configsource

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleNamespace = `
name: prod
variables:
  registry: registry.internal:5000
  replicas: 3
pipelines:
  - id: web-deploy
    name: Web Deploy
    timeout_seconds: 1800
    parameters:
      - name: version
        required: true
      - name: skip_cache
    steps:
      - id: build
        name: Build image
        action: image-build
        config:
          image: "{{vars.registry}}/web:{{param.version}}"
      - id: deploy
        name: Deploy service
        action: service-deploy
        config:
          container: web
`

// newTestFileSource 在临时目录写入样例定义并创建 FileSource
func newTestFileSource(t *testing.T) *FileSource {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "prod.yaml"), []byte(sampleNamespace), 0o644))
	src, err := NewFileSource(dir)
	require.NoError(t, err)
	return src
}

func TestFileSourceGetNamespace(t *testing.T) {
	src := newTestFileSource(t)
	ctx := context.Background()

	ns, err := src.GetNamespace(ctx, "prod")
	require.NoError(t, err)
	assert.Equal(t, "prod", ns.Name)
	assert.Equal(t, "registry.internal:5000", ns.Variables["registry"])
	assert.Equal(t, 3, ns.Variables["replicas"])
	require.Len(t, ns.Pipelines, 1)

	p := ns.Pipeline("web-deploy")
	require.NotNil(t, p)
	assert.Equal(t, 1800, p.TimeoutSeconds)
	require.Len(t, p.Steps, 2)
	assert.Equal(t, "image-build", p.Steps[0].Action)
	assert.True(t, p.Parameters[0].Required)

	assert.Nil(t, ns.Pipeline("missing"))
}

func TestFileSourceNamespaceNotFound(t *testing.T) {
	src := newTestFileSource(t)

	_, err := src.GetNamespace(context.Background(), "staging")
	assert.ErrorIs(t, err, ErrNamespaceNotFound)
}

func TestFileSourceListNamespaces(t *testing.T) {
	src := newTestFileSource(t)

	names, err := src.ListNamespaces(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"prod"}, names)
}

func TestFileSourceInvalidDefinition(t *testing.T) {
	dir := t.TempDir()
	// 缺少 steps 的流水线定义无法通过校验
	bad := "name: prod\npipelines:\n  - id: empty\n    name: Empty\n"
	require.NoError(t, os.WriteFile(filepath.Join(dir, "prod.yaml"), []byte(bad), 0o644))
	src, err := NewFileSource(dir)
	require.NoError(t, err)

	_, err = src.GetNamespace(context.Background(), "prod")
	assert.Error(t, err)
}

func TestParseNamespaceDefaultsName(t *testing.T) {
	ns, err := parseNamespace("staging", []byte("pipelines: []"))
	require.NoError(t, err)
	assert.Equal(t, "staging", ns.Name)
}
