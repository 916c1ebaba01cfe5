//go:build !linux

package storage

// exchangeDirs exchanges the directories at a and b.
func exchangeDirs(a, b, scratch string) error {
	return renameSwap(a, b, scratch)
}
