// Package imageStore keeps a flash image in BadgerDB and exposes it as a
// flash.Controller. Every region is one badger key; a missing key is an
// erased region. Each program or erase is a single badger transaction, so
// a call either lands completely or not at all.
package imageStore

import (
	"encoding/binary"
	"errors"
	"fmt"
	"runtime"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
	"google.golang.org/protobuf/encoding/protowire"

	"github.com/i5heu/ouroboros-flashkv/pkg/flash"
	"github.com/i5heu/ouroboros-flashkv/pkg/status"
)

var (
	geometryKey  = []byte("meta:geometry")
	regionPrefix = []byte("region:")
)

type ImageStore struct {
	config   StoreConfig
	log      *logrus.Logger
	badgerDB *badger.DB

	readCounter  atomic.Uint64
	writeCounter atomic.Uint64
	eraseCounter atomic.Uint64
}

// Counters holds the number of controller calls served.
type Counters struct {
	Reads  uint64
	Writes uint64
	Erases uint64
}

func NewImageStore(config StoreConfig) (*ImageStore, error) {
	if config.Logger == nil {
		config.Logger = logrus.New()
	}

	err := config.checkConfig()
	if err != nil {
		return nil, fmt.Errorf("error checking config for ImageStore: %w", err)
	}

	opts := badger.DefaultOptions(config.Path)
	opts.Logger = nil
	opts.ValueLogFileSize = 1024 * 1024 * 100 // Set max size of each value log file to 100MB
	opts.SyncWrites = config.SyncWrites

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("error opening badger at %s: %w", config.Path, err)
	}

	is := &ImageStore{
		config:   config,
		log:      config.Logger,
		badgerDB: db,
	}

	if err := is.bindGeometry(); err != nil {
		db.Close()
		return nil, err
	}

	if err := displayDiskUsage(is.log, config.Path); err != nil {
		is.log.Warnf("could not display disk usage: %v", err)
	}

	return is, nil
}

// bindGeometry records the geometry of a new image and refuses to open an
// image created with another one.
func (is *ImageStore) bindGeometry() error {
	return is.badgerDB.Update(func(txn *badger.Txn) error {
		item, err := txn.Get(geometryKey)
		if errors.Is(err, badger.ErrKeyNotFound) {
			return txn.Set(geometryKey, encodeGeometry(is.config.Geometry))
		}
		if err != nil {
			return err
		}
		raw, err := item.ValueCopy(nil)
		if err != nil {
			return err
		}
		stored, err := decodeGeometry(raw)
		if err != nil {
			return fmt.Errorf("image geometry: %w", err)
		}
		if stored != is.config.Geometry {
			return fmt.Errorf("image at %s has geometry %s, configured %s", is.config.Path, stored, is.config.Geometry)
		}
		return nil
	})
}

func encodeGeometry(g flash.Geometry) []byte {
	var b []byte
	b = protowire.AppendTag(b, 1, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(g.RegionSize))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, uint64(g.RegionCount))
	return b
}

func decodeGeometry(b []byte) (flash.Geometry, error) {
	var g flash.Geometry
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return g, protowire.ParseError(n)
		}
		b = b[n:]
		if typ != protowire.VarintType {
			return g, fmt.Errorf("field %d has wire type %d", num, typ)
		}
		v, n := protowire.ConsumeVarint(b)
		if n < 0 {
			return g, protowire.ParseError(n)
		}
		b = b[n:]
		switch num {
		case 1:
			g.RegionSize = int(v)
		case 2:
			g.RegionCount = int(v)
		}
	}
	return g, nil
}

func regionKey(region int) []byte {
	key := make([]byte, len(regionPrefix)+4)
	copy(key, regionPrefix)
	binary.BigEndian.PutUint32(key[len(regionPrefix):], uint32(region))
	return key
}

func (is *ImageStore) Geometry() flash.Geometry {
	return is.config.Geometry
}

// region returns the stored bytes of region, or an erased region.
func (is *ImageStore) region(txn *badger.Txn, region int) ([]byte, error) {
	item, err := txn.Get(regionKey(region))
	if errors.Is(err, badger.ErrKeyNotFound) {
		data := make([]byte, is.config.Geometry.RegionSize)
		for i := range data {
			data[i] = flash.Erased
		}
		return data, nil
	}
	if err != nil {
		return nil, err
	}
	return item.ValueCopy(nil)
}

// ReadRegion implements flash.Controller.
func (is *ImageStore) ReadRegion(region, offset int, buf []byte) error {
	geo := is.config.Geometry
	if region < 0 || region >= geo.RegionCount || offset < 0 || offset > geo.RegionSize {
		return fmt.Errorf("%w: region %d offset %d out of range", status.ErrReadFail, region, offset)
	}

	err := is.badgerDB.View(func(txn *badger.Txn) error {
		data, err := is.region(txn, region)
		if err != nil {
			return err
		}
		copy(buf, data[offset:])
		return nil
	})
	if err != nil {
		return fmt.Errorf("%w: region %d: %v", status.ErrReadFail, region, err)
	}
	is.readCounter.Add(1)
	return nil
}

// Write implements flash.Controller. Bytes are ANDed into the region as
// NOR flash programming would.
func (is *ImageStore) Write(address int, buf []byte) error {
	geo := is.config.Geometry
	if len(buf) == 0 {
		return nil
	}
	if address < 0 || address+len(buf) > geo.Size() {
		return fmt.Errorf("%w: %d bytes at %#x out of range", status.ErrWriteFail, len(buf), address)
	}
	region, offset := address/geo.RegionSize, address%geo.RegionSize
	if offset+len(buf) > geo.RegionSize {
		return fmt.Errorf("%w: %d bytes at %#x cross a region boundary", status.ErrWriteFail, len(buf), address)
	}

	err := is.badgerDB.Update(func(txn *badger.Txn) error {
		data, err := is.region(txn, region)
		if err != nil {
			return err
		}
		for i, b := range buf {
			data[offset+i] &= b
		}
		return txn.Set(regionKey(region), data)
	})
	if err != nil {
		is.log.WithFields(logrus.Fields{
			"region": region,
			"offset": offset,
		}).Errorf("program failed: %v", err)
		return fmt.Errorf("%w: region %d: %v", status.ErrWriteFail, region, err)
	}
	is.writeCounter.Add(1)
	return nil
}

// EraseRegion implements flash.Controller.
func (is *ImageStore) EraseRegion(region int) error {
	if region < 0 || region >= is.config.Geometry.RegionCount {
		return fmt.Errorf("%w: region %d out of range", status.ErrEraseFail, region)
	}
	err := is.badgerDB.Update(func(txn *badger.Txn) error {
		return txn.Delete(regionKey(region))
	})
	if err != nil {
		is.log.WithFields(logrus.Fields{
			"region": region,
		}).Errorf("erase failed: %v", err)
		return fmt.Errorf("%w: region %d: %v", status.ErrEraseFail, region, err)
	}
	is.eraseCounter.Add(1)
	return nil
}

// Image returns the whole device contents.
func (is *ImageStore) Image() ([]byte, error) {
	geo := is.config.Geometry
	img := make([]byte, 0, geo.Size())
	err := is.badgerDB.View(func(txn *badger.Txn) error {
		for r := 0; r < geo.RegionCount; r++ {
			data, err := is.region(txn, r)
			if err != nil {
				return err
			}
			img = append(img, data...)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", status.ErrReadFail, err)
	}
	return img, nil
}

// LoadImage replaces the device contents with img in one transaction.
// Regions that are fully erased in img are stored as absent keys.
func (is *ImageStore) LoadImage(img []byte) error {
	geo := is.config.Geometry
	if len(img) != geo.Size() {
		return fmt.Errorf("image of %d bytes does not match %s", len(img), geo)
	}

	wb := is.badgerDB.NewWriteBatch()
	defer wb.Cancel()

	for r := 0; r < geo.RegionCount; r++ {
		data := img[geo.Address(r, 0):geo.Address(r+1, 0)]
		var err error
		if erased(data) {
			err = wb.Delete(regionKey(r))
		} else {
			err = wb.Set(regionKey(r), append([]byte(nil), data...))
		}
		if err != nil {
			return fmt.Errorf("%w: loading region %d: %v", status.ErrWriteFail, r, err)
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("%w: %v", status.ErrWriteFail, err)
	}
	return nil
}

func erased(data []byte) bool {
	for _, b := range data {
		if b != flash.Erased {
			return false
		}
	}
	return true
}

func (is *ImageStore) Counters() Counters {
	return Counters{
		Reads:  is.readCounter.Load(),
		Writes: is.writeCounter.Load(),
		Erases: is.eraseCounter.Load(),
	}
}

// StartTransactionCounter logs the controller calls per interval until
// stop is closed.
func (is *ImageStore) StartTransactionCounter(interval time.Duration, stop <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		var last Counters
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				now := is.Counters()
				is.log.WithFields(logrus.Fields{
					"reads":  now.Reads - last.Reads,
					"writes": now.Writes - last.Writes,
					"erases": now.Erases - last.Erases,
				}).Infof("flash operations per %s", interval)
				last = now
			}
		}
	}()
}

func (is *ImageStore) Close() error {
	if err := is.Clean(); err != nil {
		is.log.Warnf("cleaning image store: %v", err)
	}
	return is.badgerDB.Close()
}

// Clean compacts the LSM tree and rewrites value log files that mostly
// hold superseded region versions.
func (is *ImageStore) Clean() error {
	err := is.badgerDB.Sync()
	if err != nil {
		return fmt.Errorf("error syncing db: %w", err)
	}

	err = is.badgerDB.Flatten(runtime.NumCPU())
	if err != nil {
		return fmt.Errorf("error flattening db: %w", err)
	}

	err = is.badgerDB.RunValueLogGC(0.5)
	if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
		return fmt.Errorf("error cleaning db: %w", err)
	}

	return nil
}
