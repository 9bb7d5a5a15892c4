//go:build !amd64 && !arm64

package memchase

const (
	branchSupported = false
	brCodeLen       = 0
)

func callChunk(p uintptr) uintptr { return p }

func emitBranchElement(p, next uintptr, chunkEnd bool) {}
