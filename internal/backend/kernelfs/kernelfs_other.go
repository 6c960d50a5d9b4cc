//go:build !linux

package kernelfs

import (
	"errors"
	"os"
)

var errUnsupported = errors.New("kernelfs: unsupported on this platform")

func AsOSFile(f interface{ Name() string }) (*os.File, bool) {
	osf, ok := f.(*os.File)
	return osf, ok
}

func SendFile(dst, src *os.File, n int64) error                 { return errUnsupported }
func PunchHole(f *os.File, offset, length int64) error           { return errUnsupported }
func Fallocate(f *os.File, offset, length int64) error           { return errUnsupported }
func PreserveMeta(src, dst *os.File) error                       { return errUnsupported }
func MirrorTimes(src, dst *os.File) error                        { return errUnsupported }
func BindMount(src, dst string) error                            { return errUnsupported }
func Unmount(dst string) error                                   { return errUnsupported }
