// Package flashkv is a key-value store for raw block-erase flash.
//
// Region 0 of the device holds the format header; every other region holds
// objects appended back to back. Keys are only stored as 64-bit hashes.
// Deleting a key clears its valid bit; space comes back when
// GarbageCollect moves the remaining valid objects of a region elsewhere and
// erases it.
//
// Store blocks on every flash call. AsyncStore runs the same operations
// against a controller that completes calls later.
package flashkv

import (
	"errors"
	"fmt"

	"github.com/i5heu/ouroboros-flashkv/pkg/codec"
	"github.com/i5heu/ouroboros-flashkv/pkg/flash"
	"github.com/i5heu/ouroboros-flashkv/pkg/hasher"
	"github.com/i5heu/ouroboros-flashkv/pkg/status"

	"github.com/sirupsen/logrus"
)

// Config describes the device and how objects are checksummed.
type Config struct {
	Geometry     flash.Geometry
	ChecksumMode codec.ChecksumMode
	Logger       *logrus.Logger // defaults to logrus.New()
}

// Store is the synchronous engine. It is not safe for concurrent use;
// separate Stores share nothing and may run in parallel.
type Store struct {
	ctrl flash.Controller
	geo  flash.Geometry
	mode codec.ChecksumMode
	log  *logrus.Logger

	buf     []byte
	regions []regionState
	ready   bool

	op *operation
}

// regionState is the in-memory bookkeeping of one data region.
type regionState struct {
	offset  int
	live    int
	garbage int
	torn    bool
}

func (r regionState) free(size int) int {
	if r.torn {
		return 0
	}
	return size - r.offset
}

// New returns a Store for ctrl. Call Initialise before any other
// operation.
func New(ctrl flash.Controller, config Config) (*Store, error) {
	if ctrl == nil {
		return nil, errors.New("flashkv: nil flash controller")
	}
	if err := config.Geometry.Validate(); err != nil {
		return nil, fmt.Errorf("flashkv: %w", err)
	}
	if config.Logger == nil {
		config.Logger = logrus.New()
	}

	return &Store{
		ctrl:    ctrl,
		geo:     config.Geometry,
		mode:    config.ChecksumMode,
		log:     config.Logger,
		buf:     make([]byte, config.Geometry.RegionSize),
		regions: make([]regionState, config.Geometry.RegionCount),
	}, nil
}

// Initialise formats an erased device or rebuilds the region bookkeeping
// of a formatted one. It returns status.Written when it formatted and
// status.Complete otherwise.
func (s *Store) Initialise(pair hasher.Pair) (status.Success, error) {
	op, err := s.execute(&operation{kind: OpInitialise, pair: pair, h: pair.Format})
	return op.code, err
}

// AppendKey stores value under key. It fails with status.ErrKeyAlreadyExists
// if a valid object with the same key hash exists and with
// status.ErrRegionFull if no region can take the object.
func (s *Store) AppendKey(h hasher.Hasher, key, value []byte) (status.Success, error) {
	op, err := s.execute(&operation{kind: OpAppendKey, h: h, key: key, value: value})
	return op.code, err
}

// GetKey copies the value stored under key into buf and returns its
// length. The checksum is verified first. When buf is too short it gets
// the leading bytes and a status.BufferTooSmallError carries the length.
func (s *Store) GetKey(h hasher.Hasher, key, buf []byte) (int, error) {
	op, err := s.execute(&operation{kind: OpGetKey, h: h, key: key, out: buf})
	return op.n, err
}

// InvalidateKey clears the valid bit of the object stored under key.
func (s *Store) InvalidateKey(h hasher.Hasher, key []byte) (status.Success, error) {
	op, err := s.execute(&operation{kind: OpInvalidateKey, h: h, key: key})
	return op.code, err
}

// ZeroiseKey invalidates the object stored under key and programs its
// value and checksum to zero in the same write. The header stays so the
// region can still be walked. Whether zero-programming destroys the old
// charge well enough is a property of the hardware.
func (s *Store) ZeroiseKey(h hasher.Hasher, key []byte) (status.Success, error) {
	op, err := s.execute(&operation{kind: OpZeroiseKey, h: h, key: key})
	return op.code, err
}

// GarbageCollect reclaims every region holding invalidated objects or a
// torn tail and returns the number of bytes freed.
func (s *Store) GarbageCollect() (int, error) {
	op, err := s.execute(&operation{kind: OpGarbageCollect})
	return op.n, err
}

// Zeroise erases the whole device, header region included, and formats it
// again with h.
func (s *Store) Zeroise(h hasher.Hasher) (status.Success, error) {
	op, err := s.execute(&operation{kind: OpZeroise, h: h})
	return op.code, err
}

func (s *Store) execute(op *operation) (*operation, error) {
	if err := s.begin(op); err != nil {
		return op, err
	}
	_, err := s.run()
	if errors.Is(err, status.ErrNotReady) {
		// A blocking engine cannot wait for the call; the bookkeeping
		// may no longer match flash.
		s.op = nil
		s.ready = false
		s.log.WithFields(logrus.Fields{
			"operation": op.kind,
		}).Warn("flash controller deferred a call, use AsyncStore for asynchronous controllers")
		return op, err
	}
	return op, err
}

func (s *Store) begin(op *operation) error {
	if s.op != nil {
		return status.ErrBusy
	}
	if !s.ready && op.kind != OpInitialise && op.kind != OpZeroise {
		return status.ErrNotInitialised
	}
	s.op = op
	return nil
}

// run advances the outstanding operation until it ends or a flash call is
// deferred. On deferral the operation stays outstanding and the
// NotReadyError is returned.
func (s *Store) run() (status.Success, error) {
	op := s.op
	for !op.done {
		if err := s.advance(op); err != nil {
			if errors.Is(err, status.ErrNotReady) {
				return status.Queued, err
			}
			s.failed(op, err)
		}
	}
	s.op = nil
	return op.code, op.err
}

// failed ends op with the error of its last flash call. A failed object
// write may have programmed part of the object, so the region it targeted
// is treated as full until garbage collected.
func (s *Store) failed(op *operation, err error) {
	s.log.WithFields(logrus.Fields{
		"operation": op.kind,
		"region":    op.region,
	}).Debugf("operation failed: %v", err)
	switch op.step {
	case stepAppendWritten:
		s.regions[op.region].torn = true
	case stepGCCopied:
		s.regions[op.dst].torn = true
	}
	op.finish(op.code, err)
}

// resume continues the outstanding operation after its deferred flash call
// ended with flashErr.
func (s *Store) resume(flashErr error) (status.Success, error) {
	if s.op == nil {
		return status.Complete, errors.New("flashkv: no operation outstanding")
	}
	if flashErr != nil {
		if errors.Is(flashErr, status.ErrNotReady) {
			return status.Queued, flashErr
		}
		s.failed(s.op, flashErr)
	}
	return s.run()
}

func (s *Store) read(op *operation, region int, next step) error {
	op.step = next
	op.region = region
	return s.ctrl.ReadRegion(region, 0, s.buf)
}

func (s *Store) write(op *operation, region, offset int, buf []byte, next step) error {
	op.step = next
	return s.ctrl.Write(s.geo.Address(region, offset), buf)
}

func (s *Store) erase(op *operation, region int, next step) error {
	op.step = next
	op.region = region
	return s.ctrl.EraseRegion(region)
}

// home is the region a key hash is first placed in and looked up in.
func (s *Store) home(keyHash uint64) int {
	return 1 + int((keyHash&0xFFFF)%uint64(s.geo.RegionCount-1))
}

// nextProbe returns the next data region in the order home, home+1,
// home-1, home+2, ... and false once every data region was visited.
func (s *Store) nextProbe(op *operation) (int, bool) {
	last := s.geo.RegionCount - 1
	for op.probe <= 2*last {
		k := op.probe
		op.probe++
		d := (k + 1) / 2
		if k%2 == 0 {
			d = -d
		}
		if r := op.home + d; r >= 1 && r <= last {
			return r, true
		}
	}
	return 0, false
}

// Ready reports whether the store is initialised and idle.
func (s *Store) Ready() bool {
	return s.ready && s.op == nil
}

// Geometry returns the device geometry.
func (s *Store) Geometry() flash.Geometry {
	return s.geo
}

// RegionStats is the bookkeeping of one data region.
type RegionStats struct {
	Region  int
	Offset  int
	Live    int
	Garbage int
	Free    int
	Torn    bool
}

// Stats summarises all data regions.
type Stats struct {
	Regions []RegionStats
	Live    int
	Garbage int
	Free    int
}

// Stats returns a snapshot of the region bookkeeping.
func (s *Store) Stats() Stats {
	var st Stats
	for r := 1; r < len(s.regions); r++ {
		reg := s.regions[r]
		rs := RegionStats{
			Region:  r,
			Offset:  reg.offset,
			Live:    reg.live,
			Garbage: reg.garbage,
			Free:    reg.free(s.geo.RegionSize),
			Torn:    reg.torn,
		}
		st.Regions = append(st.Regions, rs)
		st.Live += rs.Live
		st.Garbage += rs.Garbage
		st.Free += rs.Free
	}
	return st
}
