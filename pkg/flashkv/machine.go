package flashkv

import (
	"fmt"

	"github.com/i5heu/ouroboros-flashkv/pkg/codec"
	"github.com/i5heu/ouroboros-flashkv/pkg/status"

	"github.com/sirupsen/logrus"
)

// advance runs one step of op. It returns the error of the flash call the
// step issued, if any; every other outcome is recorded with op.finish.
func (s *Store) advance(op *operation) error {
	switch op.step {
	case stepStart:
		return s.start(op)

	case stepSearchNext:
		return s.searchNext(op)
	case stepSearchScan:
		return s.searchScan(op)

	case stepInitHeader:
		return s.initHeader(op)
	case stepInitEraseNext:
		r := op.cursor + 1
		if r >= s.geo.RegionCount {
			op.step = stepWriteHeader
			return nil
		}
		op.cursor = r
		return s.erase(op, r, stepInitEraseNext)
	case stepWriteHeader:
		for i := range s.buf {
			s.buf[i] = 0xFF
		}
		n := codec.PutHeaderRegion(s.buf, op.h, s.mode)
		op.region = 0
		return s.write(op, 0, 0, s.buf[:n], stepHeaderWritten)
	case stepHeaderWritten:
		s.resetRegions()
		s.ready = true
		s.log.WithFields(logrus.Fields{
			"geometry": s.geo,
			"checksum": s.mode,
		}).Info("formatted flash")
		op.finish(status.Written, nil)
		return nil
	case stepInitScanNext:
		r := op.cursor + 1
		if r >= s.geo.RegionCount {
			s.ready = true
			st := s.Stats()
			s.log.WithFields(logrus.Fields{
				"geometry": s.geo,
				"live":     st.Live,
				"garbage":  st.Garbage,
				"free":     st.Free,
			}).Debug("recovered region state")
			op.finish(status.Complete, nil)
			return nil
		}
		op.cursor = r
		return s.read(op, r, stepInitScanRegion)
	case stepInitScanRegion:
		u := codec.Scan(s.buf)
		s.regions[op.region] = regionState{
			offset:  u.Offset,
			live:    u.Live,
			garbage: u.Garbage,
			torn:    u.Torn,
		}
		if u.Torn {
			s.log.WithFields(logrus.Fields{
				"region": op.region,
				"offset": u.Offset,
			}).Warn("region has an unreadable tail, it is full until garbage collected")
		}
		op.step = stepInitScanNext
		return nil

	case stepAppendPlace:
		return s.appendPlace(op)
	case stepAppendWritten:
		reg := &s.regions[op.region]
		reg.offset += op.objLen
		reg.live += op.objLen
		op.finish(status.Written, nil)
		return nil

	case stepInvalidated:
		reg := &s.regions[op.region]
		reg.live -= op.objLen
		reg.garbage += op.objLen
		op.matches++
		op.step = stepSearchScan
		return nil

	case stepZeroiseEraseNext:
		r := op.cursor + 1
		if r >= s.geo.RegionCount {
			op.step = stepWriteHeader
			return nil
		}
		op.cursor = r
		return s.erase(op, r, stepZeroiseEraseNext)

	case stepGCSelect, stepGCPlan, stepGCCopy, stepGCCopied, stepGCHandedOver, stepGCErase, stepGCErased:
		return s.collect(op)
	}

	op.finish(status.Complete, fmt.Errorf("flashkv: %s reached unknown step %d", op.kind, op.step))
	return nil
}

func (s *Store) start(op *operation) error {
	switch op.kind {
	case OpInitialise:
		s.ready = false
		return s.read(op, 0, stepInitHeader)

	case OpZeroise:
		s.ready = false
		s.resetRegions()
		op.cursor = -1
		op.step = stepZeroiseEraseNext
		return nil

	case OpGarbageCollect:
		op.region = 0
		op.freeBefore = s.totalFree()
		op.step = stepGCSelect
		return nil
	}

	if op.kind == OpAppendKey {
		if len(op.value) > codec.MaxValueLen(s.geo.RegionSize) {
			op.finish(status.Complete, fmt.Errorf("%w: %d byte value, limit %d", status.ErrObjectTooLarge, len(op.value), codec.MaxValueLen(s.geo.RegionSize)))
			return nil
		}
	}

	op.keyHash = codec.KeyHash(op.h, op.key)
	op.home = s.home(op.keyHash)
	op.probe = 0
	op.step = stepSearchNext
	return nil
}

func (s *Store) initHeader(op *operation) error {
	state, err := codec.CheckHeaderRegion(s.buf, op.pair.Verify, s.mode)
	if err != nil {
		op.finish(status.Complete, err)
		return nil
	}
	s.resetRegions()
	op.cursor = 0
	if state == codec.Unformatted {
		s.log.WithFields(logrus.Fields{
			"geometry": s.geo,
		}).Info("header region erased, formatting")
		op.step = stepInitEraseNext
		return nil
	}
	op.step = stepInitScanNext
	return nil
}

func (s *Store) resetRegions() {
	for i := range s.regions {
		s.regions[i] = regionState{}
	}
}

// searchNext reads the next non-empty region in probe order, or ends the
// search.
func (s *Store) searchNext(op *operation) error {
	for {
		r, ok := s.nextProbe(op)
		if !ok {
			s.searchMiss(op)
			return nil
		}
		if s.regions[r].offset == 0 {
			continue
		}
		op.scanOff = 0
		return s.read(op, r, stepSearchScan)
	}
}

// searchScan walks the region in the read buffer for a valid object with
// op.keyHash, starting at op.scanOff.
func (s *Store) searchScan(op *operation) error {
	limit := s.regions[op.region].offset
	off := op.scanOff
	for off < limit {
		hdr, kind := codec.Next(s.buf[:limit], off)
		if kind != codec.Object {
			break
		}
		if hdr.Valid() && hdr.KeyHash == op.keyHash {
			op.objOff = off
			op.objLen = hdr.Len()
			op.scanOff = off + hdr.Len()
			return s.searchHit(op)
		}
		off += hdr.Len()
	}
	op.step = stepSearchNext
	return nil
}

func (s *Store) searchHit(op *operation) error {
	obj := s.buf[op.objOff : op.objOff+op.objLen]

	switch op.kind {
	case OpAppendKey:
		op.finish(status.Complete, status.ErrKeyAlreadyExists)
		return nil

	case OpGetKey:
		if err := codec.Verify(op.h, s.mode, obj); err != nil {
			s.log.WithFields(logrus.Fields{
				"region": op.region,
				"offset": op.objOff,
			}).Warn("object failed checksum verification")
			op.finish(status.Complete, err)
			return nil
		}
		value := codec.Value(obj)
		if len(op.out) < len(value) {
			copy(op.out, value)
			op.finish(status.Complete, &status.BufferTooSmallError{Needed: len(value)})
			return nil
		}
		op.n = copy(op.out, value)
		op.finish(status.Complete, nil)
		return nil

	case OpInvalidateKey:
		obj[codec.FlagsOffset] &^= codec.FlagValid
		flags := op.objOff + codec.FlagsOffset
		return s.write(op, op.region, flags, s.buf[flags:flags+1], stepInvalidated)

	case OpZeroiseKey:
		obj[codec.FlagsOffset] &^= codec.FlagValid
		for i := codec.HeaderLen; i < len(obj); i++ {
			obj[i] = 0
		}
		flags := op.objOff + codec.FlagsOffset
		return s.write(op, op.region, flags, obj[codec.FlagsOffset:], stepInvalidated)
	}

	op.finish(status.Complete, fmt.Errorf("flashkv: %s does not search keys", op.kind))
	return nil
}

func (s *Store) searchMiss(op *operation) {
	switch op.kind {
	case OpAppendKey:
		op.probe = 0
		op.step = stepAppendPlace
	case OpInvalidateKey, OpZeroiseKey:
		if op.matches > 0 {
			if op.matches > 1 {
				s.log.WithFields(logrus.Fields{
					"keyHash": fmt.Sprintf("%016x", op.keyHash),
					"objects": op.matches,
				}).Warn("invalidated duplicate objects left by an interrupted garbage collection")
			}
			op.finish(status.Written, nil)
			return
		}
		op.finish(status.Complete, status.ErrKeyNotFound)
	default:
		op.finish(status.Complete, status.ErrKeyNotFound)
	}
}

// appendPlace writes the object into the first region in probe order with
// enough free space.
func (s *Store) appendPlace(op *operation) error {
	need := codec.ObjectLen(len(op.value))
	for {
		r, ok := s.nextProbe(op)
		if !ok {
			op.finish(status.Complete, status.ErrRegionFull)
			return nil
		}
		if s.regions[r].free(s.geo.RegionSize) < need {
			continue
		}
		n := codec.Encode(s.buf, op.h, s.mode, op.keyHash, op.value)
		op.region = r
		op.objOff = s.regions[r].offset
		op.objLen = n
		s.log.WithFields(logrus.Fields{
			"region": r,
			"offset": op.objOff,
			"length": n,
		}).Debug("appending object")
		return s.write(op, r, op.objOff, s.buf[:n], stepAppendWritten)
	}
}
