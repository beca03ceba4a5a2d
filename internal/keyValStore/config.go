package keyValStore

import (
	"errors"
	"fmt"
	"os"
)

var ErrNotEnoughSpace = errors.New("keyValStore: not enough free disk space")

// checkConfig validates the store directory and its free space.
func (sc *StoreConfig) checkConfig() error {
	if len(sc.Paths) == 0 {
		return errors.New("no path provided in configuration")
	}

	path := sc.Paths[0]
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("error reading path %s: %w", path, err)
	}
	if !info.IsDir() {
		return fmt.Errorf("path %s is not a directory", path)
	}

	u, err := diskUsage(path, false)
	if err != nil {
		return err
	}
	if u.FreeGB() < sc.MinimumFreeSpace {
		return fmt.Errorf("%w: %d GB free on %s, %d GB required", ErrNotEnoughSpace, u.FreeGB(), path, sc.MinimumFreeSpace)
	}
	return nil
}
