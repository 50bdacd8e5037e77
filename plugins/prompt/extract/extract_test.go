package extract

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"llmextract/pkg/contract"
)

func TestBuildDefaults(t *testing.T) {
	b, err := New(nil)
	require.NoError(t, err)
	p, err := b.Build(context.Background(), contract.WorkItem{ID: "a/policy.pdf"})
	require.NoError(t, err)
	assert.Contains(t, p.System, "data extractor")
	assert.Contains(t, p.User, "JSON")
	assert.Contains(t, p.User, "accuracy score")
}

func TestBuildTemplates(t *testing.T) {
	dir := t.TempDir()
	userPath := filepath.Join(dir, "user.tmpl")
	require.NoError(t, os.WriteFile(userPath, []byte("Extract {{.Name}} from {{.Path}}\n"), 0o644))
	b, err := New(&Options{InlineSystemTemplate: "sys for {{.Name}}", UserTemplatePath: userPath})
	require.NoError(t, err)
	p, err := b.Build(context.Background(), contract.WorkItem{ID: "claims/2024/c1.pdf"})
	require.NoError(t, err)
	assert.Equal(t, "sys for c1.pdf", p.System)
	assert.Equal(t, "Extract c1.pdf from claims/2024/c1.pdf", p.User)
}

func TestNewErrors(t *testing.T) {
	_, err := New(&Options{InlineUserTemplate: "{{.Name"})
	assert.Error(t, err)
	_, err = New(&Options{SystemTemplatePath: filepath.Join(t.TempDir(), "missing")})
	assert.ErrorIs(t, err, os.ErrNotExist)
}

func TestBuildErrors(t *testing.T) {
	b, err := New(&Options{InlineUserTemplate: "{{.Missing}}"})
	require.NoError(t, err)
	_, err = b.Build(context.Background(), contract.WorkItem{ID: "x.pdf"})
	assert.Error(t, err)

	b, err = New(nil)
	require.NoError(t, err)
	_, err = b.Build(context.Background(), contract.WorkItem{})
	assert.ErrorIs(t, err, contract.ErrInvalidInput)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = b.Build(ctx, contract.WorkItem{ID: "x.pdf"})
	assert.ErrorIs(t, err, context.Canceled)
}
