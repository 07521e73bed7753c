// Package sysutil wraps system calls used by the pipeline: free disk
// space and real-time scheduling of the calling thread.
package sysutil

// Disk checks free space of the filesystem with statfs.
type Disk struct{}

// Below reports if free space of the filesystem which holds path is less
// than threshold bytes.
func (Disk) Below(path string, threshold uint64) (bool, error) {
	free, err := FreeSpace(path)
	if err != nil {
		return false, err
	}
	return free < threshold, nil
}
