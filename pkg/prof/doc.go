// Package prof runs the Go profilers for the usbssp tools.
//
// A CPU profile runs between [StartCPU] and the stop function it returns;
// snapshot profiles are written with [Write]. [Register] mounts the
// net/http/pprof handlers on a mux so a running tool can be profiled
// next to its metrics:
//
//	mux := http.NewServeMux()
//	prof.Register(mux)
//
//	stop, err := prof.StartCPU("cpu.prof")
//	if err != nil {
//		return err
//	}
//	defer stop()
package prof
