package inferbench

import (
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sys/unix"
)

// readRSS returns the current process RSS in bytes from /proc/self/status,
// or 0 where that file does not exist.
func readRSS() int64 {
	data, err := os.ReadFile("/proc/self/status")
	if err != nil {
		return 0
	}
	for _, line := range strings.Split(string(data), "\n") {
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		// "VmRSS:    12345 kB"
		fields := strings.Fields(line)
		if len(fields) >= 2 {
			if kb, err := strconv.ParseInt(fields[1], 10, 64); err == nil {
				return kb * 1024
			}
		}
	}
	return 0
}

// peakRSS returns the high-water RSS of the process in bytes. Linux reports
// ru_maxrss in kilobytes.
func peakRSS() int64 {
	var ru unix.Rusage
	if err := unix.Getrusage(unix.RUSAGE_SELF, &ru); err != nil {
		return 0
	}
	return int64(ru.Maxrss) * 1024
}

// memSampler polls RSS while a generation runs.
type memSampler struct {
	interval time.Duration
	read     func() int64

	mu   sync.Mutex
	sum  int64
	n    int64
	peak int64
	stop chan struct{}
	done chan struct{}
}

func newMemSampler(interval time.Duration, read func() int64) *memSampler {
	if read == nil {
		read = readRSS
	}
	return &memSampler{interval: interval, read: read}
}

func (m *memSampler) record() {
	v := m.read()
	if v <= 0 {
		return
	}
	m.mu.Lock()
	m.sum += v
	m.n++
	if v > m.peak {
		m.peak = v
	}
	m.mu.Unlock()
}

// Start takes a first sample and begins polling.
func (m *memSampler) Start() {
	m.stop = make(chan struct{})
	m.done = make(chan struct{})
	m.record()
	go func() {
		defer close(m.done)
		t := time.NewTicker(m.interval)
		defer t.Stop()
		for {
			select {
			case <-m.stop:
				return
			case <-t.C:
				m.record()
			}
		}
	}()
}

// Stop ends polling, takes a last sample and returns average and peak bytes.
func (m *memSampler) Stop() (avg, peak int64) {
	close(m.stop)
	<-m.done
	m.record()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.n == 0 {
		return 0, 0
	}
	return m.sum / m.n, m.peak
}
