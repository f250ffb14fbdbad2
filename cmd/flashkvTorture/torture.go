package main

import (
	"bytes"
	"errors"
	"fmt"
	"math/rand"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-flashkv/internal/config"
	"github.com/i5heu/ouroboros-flashkv/pkg/codec"
	"github.com/i5heu/ouroboros-flashkv/pkg/flash"
	"github.com/i5heu/ouroboros-flashkv/pkg/flashkv"
	"github.com/i5heu/ouroboros-flashkv/pkg/hasher"
	"github.com/i5heu/ouroboros-flashkv/pkg/status"
)

// report summarises the run of one device.
type report struct {
	Device      int
	Ops         int
	PowerCuts   int
	Collections int
	Live        int
	Erases      uint64
}

type device struct {
	index int
	geo   flash.Geometry
	mode  codec.ChecksumMode
	log   *logrus.Logger
	rng   *rand.Rand
	mem   *flash.Memory
	store *flashkv.Store
	model map[string][]byte
	keys  []string
}

func newDevice(index int, conf config.Config, log *logrus.Logger) (*device, error) {
	mode, err := conf.Mode()
	if err != nil {
		return nil, err
	}
	d := &device{
		index: index,
		geo:   conf.Geometry,
		mode:  mode,
		log:   log,
		rng:   rand.New(rand.NewSource(conf.Torture.Seed + int64(index))),
		mem:   flash.NewMemory(conf.Geometry),
		model: make(map[string][]byte),
	}
	for i := 0; i < conf.Torture.Keys; i++ {
		d.keys = append(d.keys, fmt.Sprintf("device-%d/key-%d", index, i))
	}
	return d, d.reopen()
}

// reopen starts a new engine on the device as a reboot would.
func (d *device) reopen() error {
	store, err := flashkv.New(d.mem, flashkv.Config{Geometry: d.geo, ChecksumMode: d.mode, Logger: d.log})
	if err != nil {
		return err
	}
	if _, err := store.Initialise(hasher.NewPair()); err != nil {
		return fmt.Errorf("initialise: %w", err)
	}
	d.store = store
	return nil
}

func powerLoss(err error) bool {
	return errors.Is(err, status.ErrWriteFail) || errors.Is(err, status.ErrEraseFail)
}

// step runs one random operation and reports whether power was lost.
func (d *device) step(rep *report) (bool, error) {
	key := d.keys[d.rng.Intn(len(d.keys))]
	rep.Ops++

	switch n := d.rng.Intn(20); {
	case n < 9:
		maxValue := codec.MaxValueLen(d.geo.RegionSize)
		if maxValue > 200 {
			maxValue = 200
		}
		value := make([]byte, d.rng.Intn(maxValue+1))
		d.rng.Read(value)
		_, err := d.store.AppendKey(hasher.New(), []byte(key), value)
		_, exists := d.model[key]
		switch {
		case err == nil && !exists:
			d.model[key] = value
		case errors.Is(err, status.ErrKeyAlreadyExists) && exists:
		case errors.Is(err, status.ErrRegionFull):
		case powerLoss(err):
			return true, nil
		default:
			return false, fmt.Errorf("append %s (present %v): %v", key, exists, err)
		}

	case n < 16:
		_, err := d.store.InvalidateKey(hasher.New(), []byte(key))
		_, exists := d.model[key]
		switch {
		case err == nil && exists:
			delete(d.model, key)
		case errors.Is(err, status.ErrKeyNotFound) && !exists:
		case powerLoss(err):
			return true, nil
		default:
			return false, fmt.Errorf("invalidate %s (present %v): %v", key, exists, err)
		}

	default:
		rep.Collections++
		_, err := d.store.GarbageCollect()
		switch {
		case err == nil, errors.Is(err, status.ErrFlashFull):
		case powerLoss(err):
			return true, nil
		default:
			return false, fmt.Errorf("garbage collect: %v", err)
		}
	}
	return false, nil
}

// verify reads every key back and compares it with the model.
func (d *device) verify() error {
	buf := make([]byte, d.geo.RegionSize)
	for _, key := range d.keys {
		n, err := d.store.GetKey(hasher.New(), []byte(key), buf)
		want, exists := d.model[key]
		if !exists {
			if !errors.Is(err, status.ErrKeyNotFound) {
				return fmt.Errorf("absent %s: %v", key, err)
			}
			continue
		}
		if err != nil {
			return fmt.Errorf("get %s: %w", key, err)
		}
		if !bytes.Equal(buf[:n], want) {
			return fmt.Errorf("get %s: value differs", key)
		}
	}
	return nil
}

// runDevice drives one device through conf.Torture.Rounds rounds. Some
// rounds cut power after a random number of program/erase calls; the
// device is then rebooted and checked against the model.
func runDevice(index int, conf config.Config, log *logrus.Logger) (report, error) {
	rep := report{Device: index}
	d, err := newDevice(index, conf, log)
	if err != nil {
		return rep, err
	}

	for round := 0; round < conf.Torture.Rounds; round++ {
		cut := d.rng.Intn(3) == 0
		if cut {
			d.mem.CutPowerAfter(d.rng.Intn(4*conf.Torture.Keys), false)
		}

		for i := 0; i < conf.Torture.Keys; i++ {
			lost, err := d.step(&rep)
			if err != nil {
				return rep, fmt.Errorf("round %d: %w", round, err)
			}
			if lost {
				rep.PowerCuts++
				break
			}
		}

		d.mem.RestorePower()
		if cut {
			if err := d.reopen(); err != nil {
				return rep, fmt.Errorf("round %d reboot: %w", round, err)
			}
		}
		if err := d.verify(); err != nil {
			return rep, fmt.Errorf("round %d: %w", round, err)
		}
	}

	rep.Live = len(d.model)
	rep.Erases = d.mem.Counters().Erases
	return rep, nil
}
