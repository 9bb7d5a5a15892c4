//go:build arm64

package memchase

// cpuRelax is the spin-wait hint (yield). The contended-increment tools use
// it to study how backoff changes fairness; it must stay a real instruction,
// not a scheduler yield.
func cpuRelax()
