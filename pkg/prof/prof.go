package prof

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/pprof"
	"os"
	"runtime"
	rpprof "runtime/pprof"
	"sync"
)

var (
	ErrCPUProfileActive = errors.New("cpu profile already active")
	ErrInvalidProfile   = errors.New("invalid profile")
)

// Profile names a snapshot profile known to runtime/pprof.
type Profile string

const (
	ProfileHeap         Profile = "heap"
	ProfileAllocs       Profile = "allocs"
	ProfileGoroutine    Profile = "goroutine"
	ProfileThreadCreate Profile = "threadcreate"
	ProfileBlock        Profile = "block"
	ProfileMutex        Profile = "mutex"
)

func (p Profile) String() string { return string(p) }

var (
	cpuMu     sync.Mutex
	cpuActive bool
)

// StartCPU starts the CPU profiler writing to path. The returned function
// stops it and closes the file.
func StartCPU(path string) (stop func() error, err error) {
	f, err := os.Create(path)
	if err != nil {
		return nil, err
	}
	if err := startCPU(f); err != nil {
		f.Close()
		return nil, err
	}
	return func() error {
		stopCPU()
		return f.Close()
	}, nil
}

// StartCPUWriter starts the CPU profiler writing to w.
func StartCPUWriter(w io.Writer) (stop func(), err error) {
	if err := startCPU(w); err != nil {
		return nil, err
	}
	return stopCPU, nil
}

func startCPU(w io.Writer) error {
	cpuMu.Lock()
	defer cpuMu.Unlock()
	if cpuActive {
		return ErrCPUProfileActive
	}
	if err := rpprof.StartCPUProfile(w); err != nil {
		return err
	}
	cpuActive = true
	return nil
}

func stopCPU() {
	cpuMu.Lock()
	defer cpuMu.Unlock()
	if cpuActive {
		rpprof.StopCPUProfile()
		cpuActive = false
	}
}

// Write writes a snapshot of profile to path in protobuf form.
func Write(profile Profile, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteTo(profile, f, 0); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

// WriteTo writes a snapshot of profile to w. debug 0 is protobuf, 1 is
// text.
func WriteTo(profile Profile, w io.Writer, debug int) error {
	p := rpprof.Lookup(string(profile))
	if p == nil {
		return fmt.Errorf("%w: %q", ErrInvalidProfile, profile)
	}
	return p.WriteTo(w, debug)
}

// EnableContention turns on block and mutex sampling at the given rates.
// Zero disables them again.
func EnableContention(blockRate, mutexFraction int) {
	runtime.SetBlockProfileRate(blockRate)
	runtime.SetMutexProfileFraction(mutexFraction)
}

// Register mounts the pprof handlers under /debug/pprof/ on mux.
func Register(mux *http.ServeMux) {
	mux.HandleFunc("/debug/pprof/", pprof.Index)
	mux.HandleFunc("/debug/pprof/cmdline", pprof.Cmdline)
	mux.HandleFunc("/debug/pprof/profile", pprof.Profile)
	mux.HandleFunc("/debug/pprof/symbol", pprof.Symbol)
	mux.HandleFunc("/debug/pprof/trace", pprof.Trace)
}
