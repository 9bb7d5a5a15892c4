package memchase

import (
	"fmt"

	"github.com/shirou/gopsutil/v4/cpu"
	"github.com/shirou/gopsutil/v4/mem"
)

// HostBanner describes the machine a run executed on; printed at
// verbosity >= 1 so sweep logs are self-identifying.
func HostBanner() string {
	physical, _ := cpu.Counts(false)
	logical, _ := cpu.Counts(true)
	banner := fmt.Sprintf("host: %d physical / %d logical cpus", physical, logical)
	if infos, err := cpu.Info(); err == nil && len(infos) > 0 {
		banner += ", " + infos[0].ModelName
	}
	if vm, err := mem.VirtualMemory(); err == nil {
		banner += fmt.Sprintf(", %.1f GiB memory", float64(vm.Total)/(1<<30))
	}
	return banner
}

// checkAvailableMemory warns when the requested arenas exceed what the
// machine can give without swapping; a swapped chase measures the disk.
func checkAvailableMemory(needed int) string {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return ""
	}
	if uint64(needed) <= vm.Available {
		return ""
	}
	return fmt.Sprintf("warning: %d MiB requested but only %d MiB available; expect paging",
		needed>>20, vm.Available>>20)
}
