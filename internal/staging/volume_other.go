//go:build !unix

package staging

// CheckSameVolume is not enforced on this platform.
func (l Layout) CheckSameVolume() error {
	return nil
}

func isCrossDevice(error) bool {
	return false
}
