package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/i5heu/ouroboros-flashkv/internal/config"
	workerpool "github.com/i5heu/ouroboros-flashkv/pkg/workerPool"
)

func main() {
	configPath := flag.String("config", "", "path of the YAML configuration")
	devices := flag.Int("devices", 0, "number of devices, overrides the configuration")
	seed := flag.Int64("seed", 0, "random seed, overrides the configuration")
	flag.Parse()

	conf, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}
	if *devices > 0 {
		conf.Torture.Devices = *devices
	}
	if *seed != 0 {
		conf.Torture.Seed = *seed
	}

	log := conf.Logger()
	engineLog := logrus.New()
	engineLog.SetLevel(logrus.WarnLevel)

	start := time.Now()
	failed := torture(conf, log, engineLog)
	log.WithFields(logrus.Fields{
		"devices":  conf.Torture.Devices,
		"rounds":   conf.Torture.Rounds,
		"geometry": conf.Geometry,
		"failed":   failed,
		"duration": time.Since(start).Round(time.Millisecond),
	}).Info("torture run finished")

	if failed > 0 {
		os.Exit(1)
	}
}

// torture runs every device on the worker pool and returns how many failed.
func torture(conf config.Config, log, engineLog *logrus.Logger) int {
	wp := workerpool.NewWorkerPool(workerpool.Config{WorkerCount: conf.Torture.Workers})
	defer wp.Close()
	room := wp.CreateRoom()

	for i := 0; i < conf.Torture.Devices; i++ {
		index := i
		room.NewTaskWaitForFreeSlot(func() (interface{}, error) {
			return runDevice(index, conf, engineLog)
		})
	}

	failed := 0
	for _, o := range room.Collect() {
		rep := o.Value.(report)
		fields := logrus.Fields{
			"device":      rep.Device,
			"ops":         rep.Ops,
			"powerCuts":   rep.PowerCuts,
			"collections": rep.Collections,
			"liveKeys":    rep.Live,
			"erases":      rep.Erases,
		}
		if o.Err != nil {
			failed++
			log.WithFields(fields).Errorf("device failed: %v", o.Err)
			continue
		}
		log.WithFields(fields).Debug("device passed")
	}
	return failed
}
