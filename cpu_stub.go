//go:build !amd64 && !arm64

package memchase

// cpuRelax has no spin-wait hint to emit here.
func cpuRelax() {}
