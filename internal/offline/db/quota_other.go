//go:build !unix

package db

func availableBytes(string) int64 {
	return -1
}
