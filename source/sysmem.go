package source

import (
	"github.com/shirou/gopsutil/v3/mem"
)

// availableMemory reports currently free system memory. Overridable for
// tests. A probe failure reports zero, which forces the streaming path.
var availableMemory = func() uint64 {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0
	}
	return vm.Available
}

// fitsInMemory reports whether a file of the given size may be buffered
// eagerly instead of streamed.
func fitsInMemory(size uint64) bool {
	free := availableMemory()
	return free > 0 && float64(size) < float64(free)*memoryLoadFraction
}
