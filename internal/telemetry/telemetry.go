// Package telemetry samples host and GPU utilisation for debug telemetry:
// CPU and memory via gopsutil, GPU utilisation and VRAM via nvidia-smi
// query output. GPU metrics degrade gracefully when nvidia-smi is absent.
package telemetry

import (
	"os/exec"
	"strconv"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
	"github.com/shirou/gopsutil/v4/process"
)

// GPUSnapshot is one parsed nvidia-smi sample.
type GPUSnapshot struct {
	UtilPercent   float64
	MemUsedBytes  uint64
	MemTotalBytes uint64
}

// Sample is one telemetry observation.
type Sample struct {
	Timestamp time.Time `json:"timestamp"`

	CPUPercent    float64 `json:"cpu_percent"`
	MemUsedBytes  uint64  `json:"mem_used_bytes"`
	MemTotalBytes uint64  `json:"mem_total_bytes"`
	ProcessRSS    uint64  `json:"process_rss_bytes"`

	// GPU metrics are present only when nvidia-smi responded.
	HasGPUMetrics  bool    `json:"has_gpu_metrics"`
	GPUUtilPercent float64 `json:"gpu_util_percent,omitempty"`
	VRAMUsedBytes  uint64  `json:"vram_used_bytes,omitempty"`
	VRAMTotalBytes uint64  `json:"vram_total_bytes,omitempty"`
}

// Collect gathers one sample. Individual probes failing leave their fields
// zeroed rather than failing the sample.
func Collect(pid int32) Sample {
	sample := Sample{Timestamp: time.Now()}

	if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 {
		sample.CPUPercent = percents[0]
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		sample.MemUsedBytes = vm.Used
		sample.MemTotalBytes = vm.Total
	}
	if proc, err := process.NewProcess(pid); err == nil {
		if info, err := proc.MemoryInfo(); err == nil && info != nil {
			sample.ProcessRSS = info.RSS
		}
	}

	if snapshot := queryGPUSnapshot(); snapshot != nil {
		sample.HasGPUMetrics = true
		sample.GPUUtilPercent = snapshot.UtilPercent
		sample.VRAMUsedBytes = snapshot.MemUsedBytes
		sample.VRAMTotalBytes = snapshot.MemTotalBytes
	}

	return sample
}

// Metrics renders a sample as a flat map for debug endpoints and logs.
func (s Sample) Metrics() map[string]any {
	metrics := map[string]any{
		"cpu_percent":       s.CPUPercent,
		"mem_used_bytes":    s.MemUsedBytes,
		"mem_total_bytes":   s.MemTotalBytes,
		"process_rss_bytes": s.ProcessRSS,
	}
	if s.HasGPUMetrics {
		metrics["gpu_util_percent"] = s.GPUUtilPercent
		metrics["vram_used_bytes"] = s.VRAMUsedBytes
		metrics["vram_total_bytes"] = s.VRAMTotalBytes
	} else {
		metrics["gpu_util_percent"] = nil
	}
	return metrics
}

// queryGPUSnapshot shells out to nvidia-smi. Returns nil when the binary is
// missing or its output is unusable.
func queryGPUSnapshot() *GPUSnapshot {
	out, err := exec.Command(
		"nvidia-smi",
		"--query-gpu=utilization.gpu,memory.used,memory.total",
		"--format=csv,noheader,nounits",
	).Output()
	if err != nil {
		return nil
	}
	return parseGPUSnapshot(string(out))
}

// parseGPUSnapshot parses one line of
// "utilization.gpu, memory.used, memory.total" CSV output (nounits: percent
// and MiB columns).
func parseGPUSnapshot(stdout string) *GPUSnapshot {
	line, _, _ := strings.Cut(strings.TrimSpace(stdout), "\n")
	columns := strings.Split(line, ",")
	if len(columns) < 3 {
		return nil
	}

	utilRaw := strings.TrimSpace(columns[0])
	usedRaw := strings.TrimSpace(columns[1])
	totalRaw := strings.TrimSpace(columns[2])
	if strings.EqualFold(utilRaw, "N/A") || strings.EqualFold(usedRaw, "N/A") || strings.EqualFold(totalRaw, "N/A") {
		return nil
	}

	util, err := strconv.ParseFloat(utilRaw, 64)
	if err != nil {
		return nil
	}
	if util < 0 {
		util = 0
	} else if util > 100 {
		util = 100
	}

	usedMiB, err := strconv.ParseUint(usedRaw, 10, 64)
	if err != nil {
		return nil
	}
	totalMiB, err := strconv.ParseUint(totalRaw, 10, 64)
	if err != nil {
		return nil
	}

	return &GPUSnapshot{
		UtilPercent:   util,
		MemUsedBytes:  usedMiB * 1024 * 1024,
		MemTotalBytes: totalMiB * 1024 * 1024,
	}
}
