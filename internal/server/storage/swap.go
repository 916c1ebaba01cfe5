package storage

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/google/uuid"
)

// renameSwap exchanges a and b with three renames through scratch. It is
// used where the kernel cannot exchange two paths in one call; b is briefly
// absent between the first two renames and is put back if the second fails.
func renameSwap(a, b, scratch string) error {
	tmp := filepath.Join(scratch, "swap-"+uuid.NewString())
	if err := os.Rename(b, tmp); err != nil {
		return fmt.Errorf("failed to move %s aside: %w", b, err)
	}
	if err := os.Rename(a, b); err != nil {
		if restoreErr := os.Rename(tmp, b); restoreErr != nil {
			return fmt.Errorf("failed to move %s into place: %v (restore failed: %w)", a, err, restoreErr)
		}
		return fmt.Errorf("failed to move %s into place: %w", a, err)
	}
	if err := os.Rename(tmp, a); err != nil {
		return fmt.Errorf("failed to park displaced tree: %w", err)
	}
	return nil
}
