//go:build unix

package staging

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"

	"github.com/amillerrr/reel-pipeline/pkg/models"
)

// CheckSameVolume fails when the staging directories span storage devices.
func (l Layout) CheckSameVolume() error {
	var first string
	var dev uint64
	for i, dir := range l.All() {
		var st unix.Stat_t
		if err := unix.Stat(dir, &st); err != nil {
			return fmt.Errorf("stat staging dir %s: %w", dir, err)
		}
		if i == 0 {
			first, dev = dir, uint64(st.Dev)
			continue
		}
		if uint64(st.Dev) != dev {
			return fmt.Errorf("%w: %s and %s are on different devices", models.ErrCrossDevice, first, dir)
		}
	}
	return nil
}

func isCrossDevice(err error) bool {
	return errors.Is(err, unix.EXDEV)
}
