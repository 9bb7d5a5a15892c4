package memchase

import (
	"bufio"
	"fmt"
	"io"
	"math/bits"
	"os"
	"strconv"
	"strings"
	"unsafe"

	"golang.org/x/sys/unix"
)

// Arena is a page-aligned anonymous region holding a pointer graph or a
// bandwidth buffer. Arenas live for the whole process; they are mapped
// outside the Go heap so the addresses threaded through them are stable.
type Arena struct {
	data []byte
}

// Data returns the mapped region.
func (a *Arena) Data() []byte {
	return a.data
}

// Base returns the address of the first mapped byte.
func (a *Arena) Base() uintptr {
	return uintptr(unsafe.Pointer(&a.data[0]))
}

// NativePageSize returns the system page size.
func NativePageSize() int {
	return os.Getpagesize()
}

// PageSizeIsHuge reports whether pageSize requests an explicit hugetlb
// mapping rather than the native page size.
func PageSizeIsHuge(pageSize int) bool {
	return pageSize > NativePageSize()
}

// DefaultHugePageSize returns the kernel's default huge page size.
func DefaultHugePageSize() (int, error) {
	f, err := os.Open("/proc/meminfo")
	if err != nil {
		return 0, NewOSError("DefaultHugePageSize", "open /proc/meminfo", err)
	}
	defer f.Close()
	return parseHugePageSize(f)
}

func parseHugePageSize(r io.Reader) (int, error) {
	sc := bufio.NewScanner(r)
	for sc.Scan() {
		line := sc.Text()
		if !strings.HasPrefix(line, "Hugepagesize:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			break
		}
		kb, err := strconv.Atoi(fields[1])
		if err != nil {
			break
		}
		return kb * 1024, nil
	}
	return 0, NewOSError("DefaultHugePageSize", "no Hugepagesize line in /proc/meminfo", sc.Err())
}

const (
	thpEnabledPath = "/sys/kernel/mm/transparent_hugepage/enabled"
	thpDefragPath  = "/sys/kernel/mm/transparent_hugepage/defrag"
)

// activeTHPPolicy extracts the bracketed choice from a THP sysfs file, e.g.
// "always [madvise] never" -> "madvise".
func activeTHPPolicy(contents string) string {
	lb := strings.IndexByte(contents, '[')
	rb := strings.IndexByte(contents, ']')
	if lb < 0 || rb < lb {
		return ""
	}
	return contents[lb+1 : rb]
}

func ensureTHPPolicy(path string, acceptable []string, want string) error {
	raw, err := os.ReadFile(path)
	if err != nil {
		return NewOSError("ensureTHPPolicy", "read "+path, err)
	}
	active := activeTHPPolicy(string(raw))
	for _, ok := range acceptable {
		if active == ok {
			return nil
		}
	}
	if err := os.WriteFile(path, []byte(want), 0644); err != nil {
		return NewOSError("ensureTHPPolicy",
			fmt.Sprintf("policy is %q, failed to set %q in %s", active, want, path), err)
	}
	return nil
}

// mbind is not wrapped by x/sys/unix; issue the raw syscall the way the
// kernel expects it: a single-node mask and MPOL_BIND | MPOL_MF_STRICT.
const (
	mpolBind     = 2
	mpolMFStrict = 0x1
)

func mbindPage(p unsafe.Pointer, length int, node int) error {
	mask := uint64(1) << uint(node)
	_, _, errno := unix.Syscall6(unix.SYS_MBIND,
		uintptr(p), uintptr(length), mpolBind,
		uintptr(unsafe.Pointer(&mask)), MaxMemNodes, mpolMFStrict)
	if errno != 0 {
		return errno
	}
	return nil
}

// weightedMBind binds each page of the region to a node sampled from the
// cumulative weight distribution, then touches the page so the binding is
// realized while the policy is in force.
func weightedMBind(data []byte, weights []uint16) error {
	cumsum := make([]int64, len(weights))
	// the method for determining a hit on node i is whether the draw
	// (modulo the weight sum) is <= cumsum[i], with cumsum starting at -1
	cumsum[0] = int64(weights[0]) - 1
	for i := 1; i < len(weights); i++ {
		cumsum[i] = cumsum[i-1] + int64(weights[i])
	}
	weightSum := cumsum[len(cumsum)-1] + 1
	if weightSum <= 0 {
		return NewConfigError("weightedMBind", "node weights sum to zero")
	}

	pageSize := NativePageSize()
	r := NewRNG(1)
	for off := 0; off < len(data); off += pageSize {
		draw := int64(r.Uint64n(1<<31)) % weightSum
		node := 0
		for ; node < len(cumsum); node++ {
			if cumsum[node] >= draw {
				break
			}
		}
		length := pageSize
		if off+length > len(data) {
			length = len(data) - off
		}
		if err := mbindPage(unsafe.Pointer(&data[off]), length, node); err != nil {
			return NewOSError("weightedMBind", fmt.Sprintf("mbind page %#x to node %d", off, node), err)
		}
		data[off] = 0
	}
	return nil
}

// AllocArena maps a zeroed anonymous region of at least size bytes, aligned
// and sized to cfg.PageSize. Native-page arenas are advised MADV_NOHUGEPAGE
// so results are not polluted by surprise THP coalescing, unless cfg.UseTHP
// is set, in which case the system THP policy is verified (and adjusted via
// sysfs if needed) before advising MADV_HUGEPAGE. A PageSize above native
// uses an explicit hugetlb mapping of that page size. executable requests
// PROT_EXEC for branch-chase arenas.
func AllocArena(cfg *Config, size int, executable bool) (*Arena, error) {
	pageSize := cfg.PageSize
	if pageSize == 0 {
		pageSize = NativePageSize()
	}
	huge := PageSizeIsHuge(pageSize)
	if huge && cfg.UseTHP {
		return nil, NewConfigError("AllocArena",
			"transparent huge pages require the native page size; drop -p or -H")
	}

	size = (size + pageSize - 1) &^ (pageSize - 1)
	prot := unix.PROT_READ | unix.PROT_WRITE
	if executable {
		prot |= unix.PROT_EXEC
	}
	flags := unix.MAP_PRIVATE | unix.MAP_ANONYMOUS
	if huge {
		if pageSize&(pageSize-1) != 0 {
			return nil, NewConfigError("AllocArena", "huge page size must be a power of two")
		}
		flags |= unix.MAP_HUGETLB | (bits.TrailingZeros(uint(pageSize)) << unix.MAP_HUGE_SHIFT)
	}

	data, err := unix.Mmap(-1, 0, size, prot, flags)
	if err != nil {
		return nil, NewOSError("AllocArena", fmt.Sprintf("mmap %d bytes", size), err)
	}

	if !huge {
		advice := unix.MADV_NOHUGEPAGE
		if cfg.UseTHP {
			if err := ensureTHPPolicy(thpEnabledPath,
				[]string{"always", "madvise"}, "madvise"); err != nil {
				return nil, err
			}
			if err := ensureTHPPolicy(thpDefragPath,
				[]string{"always", "defer+madvise", "madvise"}, "madvise"); err != nil {
				return nil, err
			}
			advice = unix.MADV_HUGEPAGE
		}
		if err := unix.Madvise(data, advice); err != nil {
			return nil, NewOSError("AllocArena", "madvise", err)
		}
	}

	if len(cfg.MBindWeights) > 0 {
		if err := weightedMBind(data, cfg.MBindWeights); err != nil {
			return nil, err
		}
	}
	return &Arena{data: data}, nil
}

// PrintPageSize describes the backing page configuration at verbosity >= 1.
func PrintPageSize(pageSize int, useTHP bool) string {
	switch {
	case useTHP:
		return fmt.Sprintf("page_size = %d (transparent hugepages)", pageSize)
	case PageSizeIsHuge(pageSize):
		return fmt.Sprintf("page_size = %d (hugetlb)", pageSize)
	default:
		return fmt.Sprintf("page_size = %d", pageSize)
	}
}
