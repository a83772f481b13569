package transport_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tdbus/tdbus/transport"
)

func testPair(t *testing.T) (a, b transport.Transport) {
	t.Helper()
	a, b, err := transport.Pair()
	require.NoError(t, err)
	t.Cleanup(func() {
		a.Close()
		b.Close()
	})
	return a, b
}

func TestPair(t *testing.T) {
	a, b := testPair(t)

	msg := []byte("hello over the pair")
	n, err := a.Write(msg)
	require.NoError(t, err)
	require.Equal(t, len(msg), n)

	buf := make([]byte, 64)
	n, err = b.Read(buf)
	require.NoError(t, err)
	assert.Equal(t, msg, buf[:n])
}

func TestFilePassing(t *testing.T) {
	a, b := testPair(t)

	path := filepath.Join(t.TempDir(), "payload")
	require.NoError(t, os.WriteFile(path, []byte("file contents"), 0o600))
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()

	n, err := a.WriteWithFiles([]byte("x"), []*os.File{f})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	buf := make([]byte, 16)
	n, err = b.Read(buf)
	require.NoError(t, err)
	require.Equal(t, []byte("x"), buf[:n])

	files, err := b.GetFiles(1)
	require.NoError(t, err)
	require.Len(t, files, 1)
	defer files[0].Close()

	got := make([]byte, 64)
	rn, err := files[0].Read(got)
	require.NoError(t, err)
	assert.Equal(t, []byte("file contents"), got[:rn])
}

func TestGetFilesUnavailable(t *testing.T) {
	a, _ := testPair(t)
	_, err := a.GetFiles(1)
	assert.Error(t, err)
}

func TestReadEOF(t *testing.T) {
	a, b := testPair(t)
	require.NoError(t, b.Close())

	buf := make([]byte, 8)
	_, err := a.Read(buf)
	assert.Error(t, err)
}
