//go:build linux

package fanotify

import (
	"context"
	"encoding/binary"
	"fmt"
	"time"
	"unsafe"

	"golang.org/x/sys/unix"
)

const eventMetadataLen = int(unsafe.Sizeof(unix.FanotifyEventMetadata{}))

// linuxSubscription is the production Subscription, built on
// golang.org/x/sys/unix's fanotify bindings.
type linuxSubscription struct {
	fd int
}

// New opens a pre-content permission fanotify group rooted at root, marked
// for access-permission events on children.
func New(root string) (Subscription, error) {
	fd, err := unix.FanotifyInit(unix.FAN_CLASS_PRE_CONTENT|unix.FAN_NONBLOCK, uint(unix.O_RDWR|unix.O_LARGEFILE))
	if err != nil {
		return nil, fmt.Errorf("fanotify_init: %w", err)
	}
	sub := &linuxSubscription{fd: fd}
	if err := sub.AddAccessMark(root); err != nil {
		unix.Close(fd)
		return nil, err
	}
	return sub, nil
}

func (s *linuxSubscription) WaitReadable(ctx context.Context, timeout time.Duration) (bool, error) {
	fds := []unix.PollFd{{Fd: int32(s.fd), Events: unix.POLLIN}}
	ms := int(timeout / time.Millisecond)
	for {
		n, err := unix.Poll(fds, ms)
		if err != nil {
			if err == unix.EINTR {
				if ctx.Err() != nil {
					return false, ctx.Err()
				}
				continue
			}
			return false, fmt.Errorf("poll: %w", err)
		}
		if ctx.Err() != nil {
			return false, ctx.Err()
		}
		return n > 0 && fds[0].Revents&unix.POLLIN != 0, nil
	}
}

func (s *linuxSubscription) ReadEvent() (Event, error) {
	buf := make([]byte, eventMetadataLen)
	n, err := unix.Read(s.fd, buf)
	if err != nil {
		return Event{}, fmt.Errorf("read fanotify event: %w", err)
	}
	if n < eventMetadataLen {
		return Event{}, fmt.Errorf("short fanotify read: %d bytes", n)
	}
	mask := binary.LittleEndian.Uint64(buf[8:16])
	fd := int(int32(binary.LittleEndian.Uint32(buf[16:20])))
	pid := int(int32(binary.LittleEndian.Uint32(buf[20:24])))

	var accessPerm uint64
	if mask&unix.FAN_ACCESS_PERM != 0 {
		accessPerm = AccessPermBit
	}

	return Event{Fd: fd, Mask: accessPerm, PID: pid}, nil
}

func (s *linuxSubscription) WriteResponse(fd int, allow bool) error {
	defer unix.Close(fd)

	resp := unix.FanotifyResponse{Fd: int32(fd)}
	if allow {
		resp.Response = unix.FAN_ALLOW
	} else {
		resp.Response = unix.FAN_DENY
	}

	buf := make([]byte, unsafe.Sizeof(resp))
	binary.LittleEndian.PutUint32(buf[0:4], uint32(resp.Fd))
	binary.LittleEndian.PutUint32(buf[4:8], resp.Response)

	if _, err := unix.Write(s.fd, buf); err != nil {
		return fmt.Errorf("write fanotify response: %w", err)
	}
	return nil
}

func (s *linuxSubscription) Drop(fd int) error {
	if fd < 0 {
		return nil
	}
	return unix.Close(fd)
}

func (s *linuxSubscription) AddAccessMark(path string) error {
	err := unix.FanotifyMark(s.fd, unix.FAN_MARK_ADD, unix.FAN_ACCESS_PERM|unix.FAN_EVENT_ON_CHILD,
		unix.AT_FDCWD, path)
	if err != nil {
		return fmt.Errorf("fanotify_mark add %s: %w", path, err)
	}
	return nil
}

func (s *linuxSubscription) RemoveAccessMark(path string) error {
	err := unix.FanotifyMark(s.fd, unix.FAN_MARK_REMOVE, unix.FAN_ACCESS_PERM|unix.FAN_EVENT_ON_CHILD,
		unix.AT_FDCWD, path)
	if err != nil {
		return fmt.Errorf("fanotify_mark remove %s: %w", path, err)
	}
	return nil
}

func (s *linuxSubscription) AddChangeMark(path string) error {
	err := unix.FanotifyMark(s.fd, unix.FAN_MARK_ADD, unix.FAN_EVENT_ON_CHILD,
		unix.AT_FDCWD, path)
	if err != nil {
		return fmt.Errorf("fanotify_mark add (change) %s: %w", path, err)
	}
	return nil
}

func (s *linuxSubscription) Close() error {
	return unix.Close(s.fd)
}
