// Package codec is the byte-exact on-flash layout of flashkv.
//
// An object is
//
//	[version:1][flags:1][value_len:2][key_hash:8][value:value_len][checksum:8]
//
// with big-endian integers. Objects are packed from offset 0 of a data
// region; the first erased version byte ends the region.
//
// The header region (region 0) is
//
//	[format_version:1][flags:1][reserved:6][super object]
//
// where the super object is an ordinary object keyed by SuperKey with an
// empty value.
package codec

import (
	"encoding/binary"
	"fmt"

	"github.com/i5heu/ouroboros-flashkv/pkg/flash"
	"github.com/i5heu/ouroboros-flashkv/pkg/hasher"
	"github.com/i5heu/ouroboros-flashkv/pkg/status"
)

const (
	// ObjectVersion is written into every object header.
	ObjectVersion byte = 0
	// FormatVersion is byte 0 of the header region. Draft format, no
	// compatibility promise across versions.
	FormatVersion byte = 0

	FlagValid byte = 0x01

	VersionOffset  = 0
	FlagsOffset    = 1
	LenOffset      = 2
	HashOffset     = 4
	HeaderLen      = 12
	ChecksumLen    = 8
	ObjectOverhead = HeaderLen + ChecksumLen

	// SuperObjectOffset is where the super object starts in region 0.
	SuperObjectOffset = 8
)

// SuperKey is hashed into the super object of the header region.
var SuperKey = []byte("flashkv-super-key")

// ChecksumMode selects how the trailing checksum is derived.
type ChecksumMode uint8

const (
	// Independent resets the hasher before digesting header and value.
	Independent ChecksumMode = iota
	// Chained keeps feeding the hasher that produced the key hash, so key
	// bytes are folded into the checksum.
	Chained
)

func (m ChecksumMode) String() string {
	switch m {
	case Independent:
		return "independent"
	case Chained:
		return "chained"
	default:
		return fmt.Sprintf("checksummode(%d)", uint8(m))
	}
}

// ParseChecksumMode is the inverse of ChecksumMode.String.
func ParseChecksumMode(s string) (ChecksumMode, error) {
	switch s {
	case "", "independent":
		return Independent, nil
	case "chained":
		return Chained, nil
	default:
		return 0, fmt.Errorf("unknown checksum mode %q", s)
	}
}

// Header is the fixed prefix of every object.
type Header struct {
	Version  byte
	Flags    byte
	ValueLen uint16
	KeyHash  uint64
}

// NewHeader returns the header of a fresh, valid object.
func NewHeader(keyHash uint64, valueLen int) Header {
	return Header{
		Version:  ObjectVersion,
		Flags:    flash.Erased,
		ValueLen: uint16(valueLen),
		KeyHash:  keyHash,
	}
}

func (h Header) Valid() bool {
	return h.Flags&FlagValid != 0
}

// Len is the length of the whole object, checksum included.
func (h Header) Len() int {
	return ObjectLen(int(h.ValueLen))
}

// ObjectLen is the on-flash length of an object holding valueLen bytes.
func ObjectLen(valueLen int) int {
	return ObjectOverhead + valueLen
}

// MaxValueLen is the largest value an object in a region of regionSize
// bytes can carry.
func MaxValueLen(regionSize int) int {
	n := regionSize - ObjectOverhead
	if n > 0xFFFF {
		n = 0xFFFF
	}
	return n
}

// PutHeader encodes h into the first HeaderLen bytes of dst.
func PutHeader(dst []byte, h Header) {
	dst[VersionOffset] = h.Version
	dst[FlagsOffset] = h.Flags
	binary.BigEndian.PutUint16(dst[LenOffset:], h.ValueLen)
	binary.BigEndian.PutUint64(dst[HashOffset:], h.KeyHash)
}

// ParseHeader decodes the first HeaderLen bytes of src.
func ParseHeader(src []byte) Header {
	return Header{
		Version:  src[VersionOffset],
		Flags:    src[FlagsOffset],
		ValueLen: binary.BigEndian.Uint16(src[LenOffset:]),
		KeyHash:  binary.BigEndian.Uint64(src[HashOffset:]),
	}
}

// KeyHash feeds key to h and returns the digest without resetting h.
func KeyHash(h hasher.Hasher, key []byte) uint64 {
	_, _ = h.Write(key)
	return h.Sum64()
}

// Checksum digests an encoded header and its value.
func Checksum(h hasher.Hasher, mode ChecksumMode, header, value []byte) uint64 {
	if mode == Independent {
		h.Reset()
	}
	_, _ = h.Write(header)
	_, _ = h.Write(value)
	return h.Sum64()
}

// Encode writes a complete valid object into dst and returns its length.
// h must already have digested the key when mode is Chained.
func Encode(dst []byte, h hasher.Hasher, mode ChecksumMode, keyHash uint64, value []byte) int {
	n := ObjectLen(len(value))
	PutHeader(dst, NewHeader(keyHash, len(value)))
	copy(dst[HeaderLen:], value)
	sum := Checksum(h, mode, dst[:HeaderLen], value)
	binary.BigEndian.PutUint64(dst[n-ChecksumLen:], sum)
	return n
}

// Verify recomputes the checksum of an encoded object.
func Verify(h hasher.Hasher, mode ChecksumMode, object []byte) error {
	if len(object) < ObjectOverhead {
		return status.ErrCorruptData
	}
	hdr := ParseHeader(object)
	if hdr.Len() != len(object) {
		return status.ErrCorruptData
	}
	// The checksum covers the header as it was first written.
	var head [HeaderLen]byte
	copy(head[:], object[:HeaderLen])
	head[FlagsOffset] |= FlagValid
	value := object[HeaderLen : len(object)-ChecksumLen]
	want := binary.BigEndian.Uint64(object[len(object)-ChecksumLen:])
	if Checksum(h, mode, head[:], value) != want {
		return status.ErrChecksumMismatch
	}
	return nil
}

// Value returns the value bytes of an encoded object.
func Value(object []byte) []byte {
	return object[HeaderLen : len(object)-ChecksumLen]
}

// Kind classifies what Next found at an offset.
type Kind uint8

const (
	// End is erased flash: no more objects in the region.
	End Kind = iota
	// Object is a well-formed object header.
	Object
	// Torn is an unknown version or a length overrunning the region,
	// usually left by a power loss.
	Torn
)

func (k Kind) String() string {
	switch k {
	case End:
		return "end"
	case Object:
		return "object"
	default:
		return "torn"
	}
}

// Next inspects the object boundary at off in a region image.
func Next(region []byte, off int) (Header, Kind) {
	if off+HeaderLen > len(region) {
		for _, b := range region[off:] {
			if b != flash.Erased {
				return Header{}, Torn
			}
		}
		return Header{}, End
	}
	if region[off+VersionOffset] == flash.Erased {
		return Header{}, End
	}
	hdr := ParseHeader(region[off:])
	if hdr.Version != ObjectVersion || off+hdr.Len() > len(region) {
		return hdr, Torn
	}
	return hdr, Object
}

// Usage summarises a region image.
type Usage struct {
	Offset  int
	Live    int
	Garbage int
	Torn    bool
	Objects int
}

// Scan walks a region image from the start.
func Scan(region []byte) Usage {
	var u Usage
	for {
		hdr, kind := Next(region, u.Offset)
		switch kind {
		case End:
			return u
		case Torn:
			u.Torn = true
			return u
		}
		if hdr.Valid() {
			u.Live += hdr.Len()
		} else {
			u.Garbage += hdr.Len()
		}
		u.Objects++
		u.Offset += hdr.Len()
	}
}

// PutHeaderRegion writes the format version, flags and super object into
// a region-sized buffer and returns how many leading bytes must be
// programmed.
func PutHeaderRegion(dst []byte, h hasher.Hasher, mode ChecksumMode) int {
	dst[0] = FormatVersion
	dst[1] = flash.Erased
	for i := 2; i < SuperObjectOffset; i++ {
		dst[i] = flash.Erased
	}
	keyHash := KeyHash(h, SuperKey)
	n := Encode(dst[SuperObjectOffset:], h, mode, keyHash, nil)
	return SuperObjectOffset + n
}

// HeaderState classifies region 0.
type HeaderState uint8

const (
	Unformatted HeaderState = iota
	Formatted
)

// CheckHeaderRegion decides whether region 0 is erased or carries a
// supported format whose super object verifies with h.
func CheckHeaderRegion(region []byte, h hasher.Hasher, mode ChecksumMode) (HeaderState, error) {
	erased := true
	for _, b := range region {
		if b != flash.Erased {
			erased = false
			break
		}
	}
	if erased {
		return Unformatted, nil
	}
	if region[0] != FormatVersion {
		return Formatted, fmt.Errorf("%w: header format version %d", status.ErrCorruptData, region[0])
	}
	hdr, kind := Next(region, SuperObjectOffset)
	if kind != Object || hdr.ValueLen != 0 {
		return Formatted, fmt.Errorf("%w: missing super object", status.ErrCorruptData)
	}
	if hdr.KeyHash != KeyHash(h, SuperKey) {
		return Formatted, fmt.Errorf("%w: super key hash differs, device formatted with another hasher", status.ErrCorruptData)
	}
	obj := region[SuperObjectOffset : SuperObjectOffset+hdr.Len()]
	if err := Verify(h, mode, obj); err != nil {
		return Formatted, fmt.Errorf("%w: super object: %v", status.ErrCorruptData, err)
	}
	return Formatted, nil
}
