package metrics

import (
	"runtime"
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
)

// SystemMetrics provides accurate system resource tracking
type SystemMetrics struct {
	mu            sync.RWMutex
	cpuPercent    float64
	memoryStats   runtime.MemStats
	lastMemUpdate time.Time
}

// NewSystemMetrics creates a new system metrics tracker
func NewSystemMetrics() *SystemMetrics {
	return &SystemMetrics{lastMemUpdate: time.Now()}
}

// Update refreshes all system metrics. It blocks for about a second while
// gopsutil samples CPU usage, so callers run it on a ticker goroutine, not
// inline with request handling.
func (sm *SystemMetrics) Update() {
	sm.updateMemoryMetrics()
	sm.updateCPUMetrics()
}

func (sm *SystemMetrics) updateMemoryMetrics() {
	sm.mu.Lock()
	defer sm.mu.Unlock()

	runtime.ReadMemStats(&sm.memoryStats)
	sm.lastMemUpdate = time.Now()
}

// updateCPUMetrics calculates CPU usage percentage using gopsutil
func (sm *SystemMetrics) updateCPUMetrics() {
	// Get actual system CPU usage using gopsutil
	cpuPercents, err := cpu.Percent(time.Second, false)
	if err != nil || len(cpuPercents) == 0 {
		// Keep the previous value
		return
	}
	currentCPU := cpuPercents[0]

	sm.mu.Lock()
	defer sm.mu.Unlock()

	// Exponential moving average to smooth out spikes
	if sm.cpuPercent == 0 {
		sm.cpuPercent = currentCPU
	} else {
		alpha := 0.3
		sm.cpuPercent = alpha*currentCPU + (1-alpha)*sm.cpuPercent
	}
}

// GetCPUPercent returns the smoothed CPU usage percentage
func (sm *SystemMetrics) GetCPUPercent() float64 {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return sm.cpuPercent
}

// GetMemoryMB returns heap memory usage in megabytes
func (sm *SystemMetrics) GetMemoryMB() float64 {
	sm.mu.RLock()
	defer sm.mu.RUnlock()
	return float64(sm.memoryStats.HeapAlloc) / 1024 / 1024
}

// Status returns a snapshot map for the /debug/status endpoint
func (sm *SystemMetrics) Status() map[string]any {
	sm.mu.RLock()
	defer sm.mu.RUnlock()

	return map[string]any{
		"cpu_percent":    sm.cpuPercent,
		"heap_alloc_mb":  float64(sm.memoryStats.HeapAlloc) / 1024 / 1024,
		"heap_sys_mb":    float64(sm.memoryStats.HeapSys) / 1024 / 1024,
		"heap_inuse_mb":  float64(sm.memoryStats.HeapInuse) / 1024 / 1024,
		"stack_inuse_mb": float64(sm.memoryStats.StackInuse) / 1024 / 1024,
		"sys_total_mb":   float64(sm.memoryStats.Sys) / 1024 / 1024,
		"gc_count":       sm.memoryStats.NumGC,
		"gc_cpu_percent": sm.memoryStats.GCCPUFraction * 100,
		"goroutines":     runtime.NumGoroutine(),
		"mem_sampled_at": sm.lastMemUpdate.Format(time.RFC3339),
	}
}
