// Package imageFile exports whole flash images to xz compressed files and
// reads them back.
//
// The decompressed stream is a varint length, a manifest in protobuf wire
// format, then the raw image. The manifest fields are
//
//	1 magic         bytes
//	2 region_size   varint
//	3 region_count  varint
//	4 image_xxhash  fixed64
//	5 created_unix  varint
package imageFile

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"github.com/ulikunitz/xz"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/i5heu/ouroboros-flashkv/pkg/flash"
	"github.com/i5heu/ouroboros-flashkv/pkg/hasher"
)

var magic = []byte("flashkv-image")

var (
	ErrNotImage         = errors.New("imageFile: not a flashkv image")
	ErrChecksumMismatch = errors.New("imageFile: image checksum mismatch")
)

// Manifest describes the image that follows it.
type Manifest struct {
	Geometry flash.Geometry
	Checksum uint64
	Created  time.Time
}

func (m Manifest) marshal() []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.BytesType)
	b = protowire.AppendBytes(b, magic)
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Geometry.RegionSize))
	b = protowire.AppendTag(b, 3, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Geometry.RegionCount))
	b = protowire.AppendTag(b, 4, protowire.Fixed64Type)
	b = protowire.AppendFixed64(b, m.Checksum)
	b = protowire.AppendTag(b, 5, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(m.Created.Unix()))
	return b
}

func unmarshalManifest(b []byte) (Manifest, error) {
	var m Manifest
	sawMagic := false
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return m, fmt.Errorf("%w: %v", ErrNotImage, protowire.ParseError(n))
		}
		b = b[n:]

		switch {
		case num == 1 && typ == protowire.BytesType:
			v, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return m, fmt.Errorf("%w: %v", ErrNotImage, protowire.ParseError(n))
			}
			sawMagic = bytes.Equal(v, magic)
			b = b[n:]
		case num == 4 && typ == protowire.Fixed64Type:
			v, n := protowire.ConsumeFixed64(b)
			if n < 0 {
				return m, fmt.Errorf("%w: %v", ErrNotImage, protowire.ParseError(n))
			}
			m.Checksum = v
			b = b[n:]
		case typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return m, fmt.Errorf("%w: %v", ErrNotImage, protowire.ParseError(n))
			}
			switch num {
			case 2:
				m.Geometry.RegionSize = int(v)
			case 3:
				m.Geometry.RegionCount = int(v)
			case 5:
				m.Created = time.Unix(int64(v), 0)
			}
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return m, fmt.Errorf("%w: %v", ErrNotImage, protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	if !sawMagic {
		return m, ErrNotImage
	}
	if err := m.Geometry.Validate(); err != nil {
		return m, fmt.Errorf("%w: %v", ErrNotImage, err)
	}
	return m, nil
}

// Dump writes img, a device of geometry geo, to w.
func Dump(w io.Writer, geo flash.Geometry, img []byte) error {
	if len(img) != geo.Size() {
		return fmt.Errorf("image of %d bytes does not match %s", len(img), geo)
	}
	manifest := Manifest{
		Geometry: geo,
		Checksum: hasher.Sum(img),
		Created:  time.Now(),
	}.marshal()

	xw, err := xz.NewWriter(w)
	if err != nil {
		return err
	}
	head := protowire.AppendVarint(nil, uint64(len(manifest)))
	head = append(head, manifest...)
	if _, err := xw.Write(head); err != nil {
		return err
	}
	if _, err := xw.Write(img); err != nil {
		return err
	}
	return xw.Close()
}

// Load reads an image written by Dump and verifies its checksum.
func Load(r io.Reader) (Manifest, []byte, error) {
	xr, err := xz.NewReader(r)
	if err != nil {
		return Manifest{}, nil, fmt.Errorf("%w: %v", ErrNotImage, err)
	}

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(xr); err != nil {
		return Manifest{}, nil, fmt.Errorf("%w: %v", ErrNotImage, err)
	}
	data := buf.Bytes()

	size, n := protowire.ConsumeVarint(data)
	if n < 0 || uint64(len(data)-n) < size {
		return Manifest{}, nil, ErrNotImage
	}
	data = data[n:]
	m, err := unmarshalManifest(data[:size])
	if err != nil {
		return Manifest{}, nil, err
	}

	img := data[size:]
	if len(img) != m.Geometry.Size() {
		return m, nil, fmt.Errorf("%w: %d image bytes for %s", ErrNotImage, len(img), m.Geometry)
	}
	if hasher.Sum(img) != m.Checksum {
		return m, nil, ErrChecksumMismatch
	}
	return m, img, nil
}

func DumpFile(path string, geo flash.Geometry, img []byte) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := Dump(f, geo, img); err != nil {
		f.Close()
		return fmt.Errorf("dumping image to %s: %w", path, err)
	}
	return f.Close()
}

func LoadFile(path string) (Manifest, []byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return Manifest{}, nil, err
	}
	defer f.Close()
	return Load(f)
}
