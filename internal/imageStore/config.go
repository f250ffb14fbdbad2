package imageStore

import (
	"errors"
	"fmt"
	"os"

	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-flashkv/pkg/flash"
)

type StoreConfig struct {
	Path             string
	Geometry         flash.Geometry
	MinimumFreeSpace int  // in MB
	SyncWrites       bool // fsync every program and erase like real flash would persist it
	Logger           *logrus.Logger
}

func (sc *StoreConfig) checkConfig() error {
	if sc.Path == "" {
		return errors.New("no path provided in configuration")
	}
	if err := sc.Geometry.Validate(); err != nil {
		return err
	}

	info, err := os.Stat(sc.Path)
	if os.IsNotExist(err) {
		return errors.New("path does not exist")
	}
	if err != nil {
		return err
	}
	if !info.IsDir() {
		return errors.New("path is not a directory")
	}

	usage, err := disk.Usage(sc.Path)
	if err != nil {
		return fmt.Errorf("reading disk usage: %w", err)
	}
	availableMB := usage.Free / (1024 * 1024)
	if int(availableMB) < sc.MinimumFreeSpace {
		return fmt.Errorf("not enough space available on disk: %d MB free, %d MB required", availableMB, sc.MinimumFreeSpace)
	}

	return nil
}
