package handlers

import (
	"context"
	"fmt"
	"runtime"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/oracle-garnett/oracle/internal/capability"
	"github.com/oracle-garnett/oracle/internal/override"
)

// GateReader exposes the override state.
type GateReader interface {
	Snapshot() override.State
}

// StateReader exposes backend circuit states.
type StateReader interface {
	States() map[string]string
}

// SystemStatus reports process resource usage, the override state and the
// health of the model backends.
type SystemStatus struct {
	started  time.Time
	gate     GateReader
	backends StateReader
	now      func() time.Time
}

// NewSystemStatus creates the handler. backends may be nil.
func NewSystemStatus(gate GateReader, backends StateReader) *SystemStatus {
	return &SystemStatus{started: time.Now(), gate: gate, backends: backends, now: time.Now}
}

func (s *SystemStatus) RequiresPermission() bool { return false }
func (s *SystemStatus) IsRetryable() bool        { return true }

// Invoke implements capability.Handler.
func (s *SystemStatus) Invoke(context.Context, capability.Params) (capability.Result, error) {
	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)
	uptime := s.now().Sub(s.started).Truncate(time.Second)

	data := map[string]string{
		"goroutines": strconv.Itoa(runtime.NumGoroutine()),
		"heap_mb":    fmt.Sprintf("%.1f", float64(ms.HeapAlloc)/(1<<20)),
		"sys_mb":     fmt.Sprintf("%.1f", float64(ms.Sys)/(1<<20)),
		"gc_cycles":  strconv.FormatUint(uint64(ms.NumGC), 10),
		"uptime":     uptime.String(),
		"paused":     "false",
	}

	parts := []string{
		fmt.Sprintf("Up %s", uptime),
		fmt.Sprintf("%s goroutines", data["goroutines"]),
		fmt.Sprintf("heap %s MB", data["heap_mb"]),
	}
	if s.gate != nil {
		st := s.gate.Snapshot()
		if st.Paused {
			data["paused"] = "true"
			data["paused_by"] = st.PausedBy
			parts = append(parts, "paused by "+st.PausedBy)
		} else {
			parts = append(parts, "running")
		}
	}
	if s.backends != nil {
		states := s.backends.States()
		names := make([]string, 0, len(states))
		for name := range states {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			data["backend_"+name] = states[name]
			parts = append(parts, name+" "+states[name])
		}
	}
	return capability.Result{Summary: strings.Join(parts, ", "), Data: data}, nil
}
