//go:build !windows

package filesystem

import (
	"context"
	"os"
	"path/filepath"
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// 非常规文件被忽略
func TestEnumerateSkipsFIFO(t *testing.T) {
	root := t.TempDir()
	require.NoError(t, syscall.Mkfifo(filepath.Join(root, "pipe.pdf"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "real.pdf"), []byte("x"), 0o644))
	got, err := New(nil).Enumerate(context.Background(), root)
	require.NoError(t, err)
	assert.Len(t, got, 1)
}

// 不可读目录向上传播 I/O 错误
func TestEnumerateUnreadableDir(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("root ignores directory permissions")
	}
	root := t.TempDir()
	locked := filepath.Join(root, "locked")
	require.NoError(t, os.Mkdir(locked, 0o000))
	t.Cleanup(func() { _ = os.Chmod(locked, 0o755) })
	_, err := New(nil).Enumerate(context.Background(), root)
	assert.ErrorIs(t, err, os.ErrPermission)
}
