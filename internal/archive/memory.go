package archive

import (
	"bufio"
	"os"
	"strconv"
	"strings"

	"github.com/shirou/gopsutil/v4/mem"
)

const fallbackAvailableBytes = int64(1.5 * 1024 * 1024 * 1024)

// AvailableMemory reports the bytes of memory currently available to the
// process, falling back to /proc/meminfo and then a fixed 1.5 GiB estimate
// when host introspection fails.
func AvailableMemory() int64 {
	if vm, err := mem.VirtualMemory(); err == nil && vm.Available > 0 {
		return int64(vm.Available)
	}
	if avail := procMemAvailable(); avail > 0 {
		return avail
	}
	return fallbackAvailableBytes
}

func procMemAvailable() int64 {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "MemAvailable:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return kb * 1024
	}
	return 0
}

// BufferSizes splits a share of available memory between a read and a write
// buffer. readFraction is the read buffer's portion of the budget.
func BufferSizes(available int64, share, readFraction float64) (readSize, writeSize int) {
	budget := float64(available) * share
	readSize = clampBuffer(int(budget * readFraction))
	writeSize = clampBuffer(int(budget * (1 - readFraction)))
	return readSize, writeSize
}

func clampBuffer(n int) int {
	const (
		minBuffer = 64 * 1024
		maxBuffer = 512 * 1024 * 1024
	)
	if n < minBuffer {
		return minBuffer
	}
	if n > maxBuffer {
		return maxBuffer
	}
	return n
}
