package flashkv

import (
	"github.com/i5heu/ouroboros-flashkv/pkg/codec"
	"github.com/i5heu/ouroboros-flashkv/pkg/status"

	"github.com/sirupsen/logrus"
)

// collect runs the garbage collection steps. For each region holding
// invalidated objects or a torn tail, every still valid object is copied to
// another region, then its source copy is invalidated, and only after the
// last hand-over the region is erased. An interruption at any point leaves
// each valid object alive in at least one place; a re-run picks up from
// the invalidated flags already on flash.
func (s *Store) collect(op *operation) error {
	switch op.step {
	case stepGCSelect:
		return s.gcSelect(op)

	case stepGCPlan:
		if !s.gcFits(op.region) {
			s.log.WithFields(logrus.Fields{
				"region": op.region,
				"live":   s.regions[op.region].live,
			}).Debug("valid objects do not fit elsewhere, skipping region")
			op.blocked++
			op.passBlocked++
			op.step = stepGCSelect
			return nil
		}
		op.scanOff = 0
		op.moved = 0
		op.step = stepGCCopy
		return nil

	case stepGCCopy:
		return s.gcCopy(op)

	case stepGCCopied:
		dst := &s.regions[op.dst]
		dst.offset += op.objLen
		dst.live += op.objLen
		flags := op.objOff + codec.FlagsOffset
		s.buf[flags] &^= codec.FlagValid
		return s.write(op, op.region, flags, s.buf[flags:flags+1], stepGCHandedOver)

	case stepGCHandedOver:
		src := &s.regions[op.region]
		src.live -= op.objLen
		src.garbage += op.objLen
		op.moved += op.objLen
		op.scanOff = op.objOff + op.objLen
		op.step = stepGCCopy
		return nil

	case stepGCErase:
		return s.erase(op, op.region, stepGCErased)

	case stepGCErased:
		s.log.WithFields(logrus.Fields{
			"region": op.region,
			"moved":  op.moved,
		}).Debug("region reclaimed")
		s.regions[op.region] = regionState{}
		op.erased++
		op.passErased++
		op.step = stepGCSelect
		return nil
	}
	return nil
}

// gcSelect reads the next region that needs collecting. When a sweep ends
// with regions skipped for lack of space but another region was erased, a
// new sweep starts since the erased region may now hold them.
func (s *Store) gcSelect(op *operation) error {
	for r := op.region + 1; r < s.geo.RegionCount; r++ {
		reg := s.regions[r]
		if reg.garbage == 0 && !reg.torn {
			continue
		}
		return s.read(op, r, stepGCPlan)
	}

	if op.passBlocked > 0 && op.passErased > 0 {
		op.passBlocked = 0
		op.passErased = 0
		op.region = 0
		return nil
	}

	op.n = s.totalFree() - op.freeBefore
	switch {
	case op.erased == 0 && op.blocked > 0:
		op.finish(status.Complete, status.ErrFlashFull)
	case op.erased == 0:
		op.finish(status.Complete, nil)
	default:
		op.finish(status.Written, nil)
	}
	return nil
}

func (s *Store) totalFree() int {
	total := 0
	for r := 1; r < len(s.regions); r++ {
		total += s.regions[r].free(s.geo.RegionSize)
	}
	return total
}

// usedOffsets returns per-region write offsets with torn regions counted
// as full.
func (s *Store) usedOffsets() []int {
	offsets := make([]int, len(s.regions))
	for r, reg := range s.regions {
		offsets[r] = reg.offset
		if reg.torn {
			offsets[r] = s.geo.RegionSize
		}
	}
	return offsets
}

// gcFits dry-runs the placement of every valid object of the region in the
// read buffer into the other regions.
func (s *Store) gcFits(src int) bool {
	offsets := s.usedOffsets()
	limit := s.regions[src].offset
	for off := 0; off < limit; {
		hdr, kind := codec.Next(s.buf[:limit], off)
		if kind != codec.Object {
			break
		}
		if hdr.Valid() {
			dst, ok := s.gcDestination(src, hdr.Len(), offsets)
			if !ok {
				return false
			}
			offsets[dst] += hdr.Len()
		}
		off += hdr.Len()
	}
	return true
}

// gcDestination picks a region other than src with room for need bytes,
// preferring regions without garbage so objects are not moved twice.
func (s *Store) gcDestination(src, need int, offsets []int) (int, bool) {
	fallback := 0
	for r := 1; r < len(offsets); r++ {
		if r == src || s.geo.RegionSize-offsets[r] < need {
			continue
		}
		if s.regions[r].garbage == 0 && !s.regions[r].torn {
			return r, true
		}
		if fallback == 0 {
			fallback = r
		}
	}
	return fallback, fallback != 0
}

// gcCopy copies the next valid object at or after op.scanOff, or moves on
// to erasing the region.
func (s *Store) gcCopy(op *operation) error {
	limit := s.regions[op.region].offset
	for off := op.scanOff; off < limit; {
		hdr, kind := codec.Next(s.buf[:limit], off)
		if kind != codec.Object {
			break
		}
		if !hdr.Valid() {
			off += hdr.Len()
			continue
		}

		dst, ok := s.gcDestination(op.region, hdr.Len(), s.usedOffsets())
		if !ok {
			op.blocked++
			op.passBlocked++
			op.step = stepGCSelect
			return nil
		}
		op.objOff = off
		op.objLen = hdr.Len()
		op.dst = dst
		return s.write(op, dst, s.regions[dst].offset, s.buf[off:off+hdr.Len()], stepGCCopied)
	}
	op.step = stepGCErase
	return nil
}
