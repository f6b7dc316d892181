package profiling

import (
	"fmt"
	"os"
	"runtime"
	"runtime/pprof"
	"sync"

	"github.com/sirupsen/logrus"
)

// Collects the profiles requested on the command line of a binary. A CPU profile
// is recorded from `Start` until `Stop`, the heap profile is written on `Stop`.
type Profiler struct {
	logger   *logrus.Entry
	cpuFile  *os.File
	heapPath string
	stopOnce sync.Once
}

// Starts profiling. Empty paths disable the corresponding profile.
func Start(cpuPath, heapPath string, logger *logrus.Entry) (*Profiler, error) {
	profiler := &Profiler{logger: logger, heapPath: heapPath}

	if cpuPath != "" {
		logger.WithField("path", cpuPath).Info("initializing CPU profiling")

		file, err := os.Create(cpuPath)
		if err != nil {
			return nil, fmt.Errorf("could not create CPU profile: %w", err)
		}

		if err := pprof.StartCPUProfile(file); err != nil {
			file.Close()
			return nil, fmt.Errorf("could not start CPU profile: %w", err)
		}

		profiler.cpuFile = file
	}

	if heapPath != "" {
		logger.WithField("path", heapPath).Info("initializing memory profiling")
	}

	return profiler, nil
}

// Stops the CPU profile and writes the heap profile. Safe to call more than once.
func (p *Profiler) Stop() {
	p.stopOnce.Do(func() {
		if p.cpuFile != nil {
			pprof.StopCPUProfile()

			if err := p.cpuFile.Close(); err != nil {
				p.logger.WithError(err).Error("could not close CPU profile")
			}
		}

		if p.heapPath != "" {
			if err := writeHeapProfile(p.heapPath); err != nil {
				p.logger.WithError(err).Error("could not write memory profile")
			}
		}
	})
}

func writeHeapProfile(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return err
	}
	defer file.Close()

	runtime.GC()

	return pprof.WriteHeapProfile(file)
}
