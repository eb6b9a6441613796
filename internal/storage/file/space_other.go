//go:build !linux && !darwin && !freebsd

package file

func availableSpace(string) int64 { return -1 }

func isNoSpace(error) bool { return false }
