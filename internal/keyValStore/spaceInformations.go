package keyValStore

import (
	"errors"
	"fmt"
	"io/fs"
	"path/filepath"

	"github.com/shirou/gopsutil/disk"
	"github.com/sirupsen/logrus"
)

var ErrInMemory = errors.New("keyValStore: in-memory store has no disk")

const gigabyte = 1 << 30

type DiskUsage struct {
	Path       string
	Filesystem string
	Total      uint64
	Used       uint64
	Free       uint64
	// StoreSize is the size of the files below Path.
	StoreSize int64
}

func (u DiskUsage) FreeGB() int {
	return int(u.Free / gigabyte)
}

func directorySize(path string) (int64, error) {
	var size int64
	err := filepath.WalkDir(path, func(_ string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return err
		}
		size += info.Size()
		return nil
	})
	return size, err
}

func diskUsage(path string, withStoreSize bool) (DiskUsage, error) {
	usage, err := disk.Usage(path)
	if err != nil {
		return DiskUsage{}, fmt.Errorf("error reading disk usage of %s: %w", path, err)
	}
	u := DiskUsage{
		Path:       path,
		Filesystem: usage.Fstype,
		Total:      usage.Total,
		Used:       usage.Used,
		Free:       usage.Free,
	}
	if withStoreSize {
		if u.StoreSize, err = directorySize(path); err != nil {
			return DiskUsage{}, fmt.Errorf("error calculating size of %s: %w", path, err)
		}
	}
	return u, nil
}

// DiskUsage reports the disk of the store directory.
func (k *KeyValStore) DiskUsage() (DiskUsage, error) {
	if k.config.InMemory {
		return DiskUsage{}, ErrInMemory
	}
	return diskUsage(k.config.Paths[0], true)
}

func logDiskUsage(u DiskUsage) {
	log.WithFields(logrus.Fields{
		"path":       u.Path,
		"filesystem": u.Filesystem,
		"total_gb":   fmt.Sprintf("%.2f", float64(u.Total)/gigabyte),
		"free_gb":    fmt.Sprintf("%.2f", float64(u.Free)/gigabyte),
		"store_gb":   fmt.Sprintf("%.2f", float64(u.StoreSize)/gigabyte),
	}).Info("disk usage")
}
