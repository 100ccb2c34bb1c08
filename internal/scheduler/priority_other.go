//go:build !linux

package scheduler

func setThreadNice(int) error { return nil }
