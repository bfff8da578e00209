package badgerdb

import (
	"fmt"
	"os"

	"github.com/shirou/gopsutil/disk"

	"github.com/dwn-go/store/pkg/types"
)

// checkFreeSpace refuses to open a store on a volume with less than
// minimumFreeGB gigabytes available. minimumFreeGB == 0 disables the guard.
func checkFreeSpace(path string, minimumFreeGB int) error {
	if minimumFreeGB <= 0 {
		return nil
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		if err := os.MkdirAll(path, 0o755); err != nil {
			return fmt.Errorf("creating %q: %v: %w", path, err, types.ErrConnection)
		}
	}
	usage, err := disk.Usage(path)
	if err != nil {
		return fmt.Errorf("reading disk usage for %q: %v: %w", path, err, types.ErrConnection)
	}
	freeGB := usage.Free / (1024 * 1024 * 1024)
	if freeGB < uint64(minimumFreeGB) {
		return fmt.Errorf("%d GB free, %d GB required: %w", freeGB, minimumFreeGB, types.ErrConnection)
	}
	return nil
}
