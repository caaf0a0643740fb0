//go:build !linux
// +build !linux

package journal

import "os"

func openSegmentFile(path string) (*os.File, error) {
	return os.OpenFile(path, os.O_CREATE|os.O_RDWR|os.O_APPEND, 0o644)
}
