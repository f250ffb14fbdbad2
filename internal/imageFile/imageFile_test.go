package imageFile

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/i5heu/ouroboros-flashkv/pkg/flash"
	"github.com/i5heu/ouroboros-flashkv/pkg/flashkv"
	"github.com/i5heu/ouroboros-flashkv/pkg/hasher"
)

var testGeometry = flash.Geometry{RegionSize: 256, RegionCount: 8}

func populated(t *testing.T) *flash.Memory {
	t.Helper()
	mem := flash.NewMemory(testGeometry)
	s, err := flashkv.New(mem, flashkv.Config{Geometry: testGeometry})
	require.NoError(t, err)
	_, err = s.Initialise(hasher.NewPair())
	require.NoError(t, err)
	for _, k := range []string{"alpha", "beta", "gamma"} {
		_, err = s.AppendKey(hasher.New(), []byte(k), []byte(k+"-value"))
		require.NoError(t, err)
	}
	return mem
}

func TestDumpLoadRoundTrip(t *testing.T) {
	mem := populated(t)

	var buf bytes.Buffer
	require.NoError(t, Dump(&buf, testGeometry, mem.Bytes()))
	assert.Less(t, buf.Len(), testGeometry.Size())

	m, img, err := Load(&buf)
	require.NoError(t, err)
	assert.Equal(t, testGeometry, m.Geometry)
	assert.Equal(t, hasher.Sum(mem.Bytes()), m.Checksum)
	assert.False(t, m.Created.IsZero())
	assert.Equal(t, mem.Bytes(), img)

	restored := flash.NewMemory(testGeometry)
	require.NoError(t, restored.Load(img))
	s, err := flashkv.New(restored, flashkv.Config{Geometry: testGeometry})
	require.NoError(t, err)
	_, err = s.Initialise(hasher.NewPair())
	require.NoError(t, err)

	out := make([]byte, 32)
	n, err := s.GetKey(hasher.New(), []byte("beta"), out)
	require.NoError(t, err)
	assert.Equal(t, "beta-value", string(out[:n]))
}

func TestDumpFile(t *testing.T) {
	mem := populated(t)
	path := filepath.Join(t.TempDir(), "flash.img.xz")

	require.NoError(t, DumpFile(path, testGeometry, mem.Bytes()))
	_, img, err := LoadFile(path)
	require.NoError(t, err)
	assert.Equal(t, mem.Bytes(), img)

	_, _, err = LoadFile(filepath.Join(t.TempDir(), "missing"))
	assert.Error(t, err)
}

func TestDumpRejectsWrongSize(t *testing.T) {
	var buf bytes.Buffer
	assert.Error(t, Dump(&buf, testGeometry, make([]byte, 10)))
}

func TestLoadRejectsGarbage(t *testing.T) {
	_, _, err := Load(bytes.NewReader([]byte("definitely not xz")))
	assert.ErrorIs(t, err, ErrNotImage)
}

func TestManifestRequiresMagic(t *testing.T) {
	m := Manifest{Geometry: testGeometry, Checksum: 7}
	got, err := unmarshalManifest(m.marshal())
	require.NoError(t, err)
	assert.Equal(t, testGeometry, got.Geometry)
	assert.Equal(t, uint64(7), got.Checksum)

	raw := m.marshal()
	raw[2] = 'F' // first magic byte
	_, err = unmarshalManifest(raw)
	assert.ErrorIs(t, err, ErrNotImage)
}
