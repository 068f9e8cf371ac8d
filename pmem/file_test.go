//go:build linux || darwin || freebsd

package pmem

import (
	"io/ioutil"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFileRegionPersistsAcrossReopen(t *testing.T) {
	dir, err := ioutil.TempDir("", "tinypm-region")
	require.Nil(t, err)
	defer os.RemoveAll(dir)
	path := filepath.Join(dir, "region")

	r, created, err := OpenFile(path, 3*CacheLine)
	require.Nil(t, err)
	assert.True(t, created)
	assert.Equal(t, uint64(3*CacheLine), r.Size())
	r.StoreWord(CacheLine, 0xdeadbeef)
	r.Flush(CacheLine, WordSize)
	r.Fence()
	require.Nil(t, r.Close())

	r, created, err = OpenFile(path, 3*CacheLine)
	require.Nil(t, err)
	assert.False(t, created)
	assert.Equal(t, uint64(0xdeadbeef), r.LoadWord(CacheLine))
	require.Nil(t, r.Close())

	_, _, err = OpenFile(path, 4*CacheLine)
	assert.NotNil(t, err)
}
