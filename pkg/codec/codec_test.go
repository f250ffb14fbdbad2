package codec

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/i5heu/ouroboros-flashkv/pkg/flash"
	"github.com/i5heu/ouroboros-flashkv/pkg/hasher"
	"github.com/i5heu/ouroboros-flashkv/pkg/status"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func erased(n int) []byte {
	return bytes.Repeat([]byte{flash.Erased}, n)
}

func encode(t *testing.T, dst []byte, mode ChecksumMode, key, value []byte) int {
	t.Helper()
	h := hasher.New()
	return Encode(dst, h, mode, KeyHash(h, key), value)
}

func TestHeaderLayout(t *testing.T) {
	buf := make([]byte, HeaderLen)
	PutHeader(buf, NewHeader(0x0102030405060708, 0x0A0B))

	assert.Equal(t, []byte{0x00, 0xFF, 0x0A, 0x0B, 0x01, 0x02, 0x03, 0x04, 0x05, 0x06, 0x07, 0x08}, buf)

	hdr := ParseHeader(buf)
	assert.True(t, hdr.Valid())
	assert.Equal(t, uint16(0x0A0B), hdr.ValueLen)
	assert.Equal(t, uint64(0x0102030405060708), hdr.KeyHash)
	assert.Equal(t, 0x0A0B+20, hdr.Len())
}

func TestEncodeObjectLayout(t *testing.T) {
	value := bytes.Repeat([]byte{0x23}, 32)
	dst := erased(128)

	n := encode(t, dst, Independent, []byte("ONE"), value)

	require.Equal(t, 52, n)
	assert.Equal(t, ObjectVersion, dst[0])
	assert.Equal(t, flash.Erased, dst[1])
	assert.Equal(t, uint16(32), binary.BigEndian.Uint16(dst[2:4]))
	assert.Equal(t, hasher.Sum([]byte("ONE")), binary.BigEndian.Uint64(dst[4:12]))
	assert.Equal(t, value, dst[12:44])
	assert.Equal(t, flash.Erased, dst[52])

	// Independent: checksum is a plain digest of header and value.
	assert.Equal(t, hasher.Sum(dst[:44]), binary.BigEndian.Uint64(dst[44:52]))
	assert.NoError(t, Verify(hasher.New(), Independent, dst[:n]))
	assert.Equal(t, value, Value(dst[:n]))
}

func TestChainedChecksumFoldsKey(t *testing.T) {
	value := []byte("value")
	dst := erased(64)
	n := encode(t, dst, Chained, []byte("ONE"), value)

	want := hasher.Sum(append([]byte("ONE"), dst[:HeaderLen+len(value)]...))
	assert.Equal(t, want, binary.BigEndian.Uint64(dst[n-ChecksumLen:n]))

	// Verifying needs a hasher that has seen the key.
	h := hasher.New()
	KeyHash(h, []byte("ONE"))
	assert.NoError(t, Verify(h, Chained, dst[:n]))
	assert.ErrorIs(t, Verify(hasher.New(), Chained, dst[:n]), status.ErrChecksumMismatch)
}

func TestVerifyDetectsCorruption(t *testing.T) {
	dst := erased(64)
	n := encode(t, dst, Independent, []byte("k"), []byte("abcdef"))

	flipped := append([]byte(nil), dst[:n]...)
	flipped[HeaderLen+2] ^= 0x04
	assert.ErrorIs(t, Verify(hasher.New(), Independent, flipped), status.ErrChecksumMismatch)

	truncated := append([]byte(nil), dst[:n]...)
	copy(truncated[n-4:], erased(4))
	assert.ErrorIs(t, Verify(hasher.New(), Independent, truncated), status.ErrChecksumMismatch)

	assert.ErrorIs(t, Verify(hasher.New(), Independent, dst[:n-1]), status.ErrCorruptData)
}

func TestVerifyIgnoresInvalidation(t *testing.T) {
	dst := erased(64)
	n := encode(t, dst, Independent, []byte("k"), []byte("abc"))
	dst[FlagsOffset] &^= FlagValid

	assert.NoError(t, Verify(hasher.New(), Independent, dst[:n]))
}

func TestScan(t *testing.T) {
	region := erased(256)
	off := encode(t, region, Independent, []byte("a"), []byte("1111"))
	second := off
	off += encode(t, region[off:], Independent, []byte("b"), []byte("22"))
	region[second+FlagsOffset] &^= FlagValid

	u := Scan(region)
	assert.Equal(t, Usage{Offset: off, Live: 24, Garbage: 22, Objects: 2}, u)

	// A header that only got its version byte programmed.
	region[off] = ObjectVersion
	u = Scan(region)
	assert.True(t, u.Torn)
	assert.Equal(t, off, u.Offset)
}

func TestNextAtRegionTail(t *testing.T) {
	region := erased(40)
	_, kind := Next(region, 35)
	assert.Equal(t, End, kind)

	region[38] = 0x00
	_, kind = Next(region, 35)
	assert.Equal(t, Torn, kind)

	region = erased(40)
	region[20] = 0x07
	_, kind = Next(region, 20)
	assert.Equal(t, Torn, kind)
}

func TestHeaderRegion(t *testing.T) {
	for _, mode := range []ChecksumMode{Independent, Chained} {
		region := erased(256)
		state, err := CheckHeaderRegion(region, hasher.New(), mode)
		require.NoError(t, err)
		assert.Equal(t, Unformatted, state)

		n := PutHeaderRegion(region, hasher.New(), mode)
		assert.Equal(t, SuperObjectOffset+ObjectOverhead, n)
		assert.Equal(t, FormatVersion, region[0])

		state, err = CheckHeaderRegion(region, hasher.New(), mode)
		require.NoError(t, err, mode.String())
		assert.Equal(t, Formatted, state)
	}
}

func TestHeaderRegionRejects(t *testing.T) {
	region := erased(256)
	PutHeaderRegion(region, hasher.New(), Independent)

	bad := append([]byte(nil), region...)
	bad[0] = 7
	_, err := CheckHeaderRegion(bad, hasher.New(), Independent)
	assert.ErrorIs(t, err, status.ErrCorruptData)

	_, err = CheckHeaderRegion(region, hasher.New(), Chained)
	assert.ErrorIs(t, err, status.ErrCorruptData)

	bad = append([]byte(nil), region...)
	bad[SuperObjectOffset+HashOffset] ^= 0xFF
	_, err = CheckHeaderRegion(bad, hasher.New(), Independent)
	assert.ErrorIs(t, err, status.ErrCorruptData)
}

func TestParseChecksumMode(t *testing.T) {
	m, err := ParseChecksumMode("chained")
	require.NoError(t, err)
	assert.Equal(t, Chained, m)

	m, err = ParseChecksumMode("")
	require.NoError(t, err)
	assert.Equal(t, Independent, m)

	_, err = ParseChecksumMode("crc")
	assert.Error(t, err)
}

func TestMaxValueLen(t *testing.T) {
	assert.Equal(t, 1004, MaxValueLen(1024))
	assert.Equal(t, 0xFFFF, MaxValueLen(1<<20))
}
