//go:build linux

package cliserver

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"os"
	"sync"

	"golang.org/x/sys/unix"

	"github.com/hreinecke/dredger/internal/wire"
)

// maxPathLen bounds the NUL-terminated relative path in a request datagram.
const maxPathLen = 4096

// maxOOB gives room for one SCM_CREDENTIALS plus one SCM_RIGHTS (single fd)
// ancillary message.
var maxOOB = unix.CmsgSpace(unix.SizeofUcred) + unix.CmsgSpace(4)

// linuxTransport is the production Transport: an abstract-namespace
// AF_UNIX SOCK_DGRAM socket with SO_PASSCRED, so the kernel attaches the
// sender's real credentials even when the client sends none explicitly.
type linuxTransport struct {
	conn *net.UnixConn
	once sync.Once
}

// Listen opens the command socket at the abstract address addr (a name
// beginning with "@", per net.UnixAddr's convention for Linux's abstract
// namespace).
func Listen(addr string) (Transport, error) {
	conn, err := net.ListenUnixgram("unixgram", &net.UnixAddr{Name: addr, Net: "unixgram"})
	if err != nil {
		return nil, fmt.Errorf("listen unixgram %q: %w", addr, err)
	}

	raw, err := conn.SyscallConn()
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("syscall conn: %w", err)
	}

	var sockErr error
	if err := raw.Control(func(fd uintptr) {
		sockErr = unix.SetsockoptInt(int(fd), unix.SOL_SOCKET, unix.SO_PASSCRED, 1)
	}); err != nil {
		conn.Close()
		return nil, fmt.Errorf("control: %w", err)
	}
	if sockErr != nil {
		conn.Close()
		return nil, fmt.Errorf("setsockopt SO_PASSCRED: %w", sockErr)
	}

	return &linuxTransport{conn: conn}, nil
}

func (t *linuxTransport) Recv(ctx context.Context) (Request, error) {
	t.once.Do(func() {
		go func() {
			<-ctx.Done()
			t.conn.Close()
		}()
	})

	buf := make([]byte, 1+maxPathLen+1)
	oob := make([]byte, maxOOB)

	n, oobn, _, addr, err := t.conn.ReadMsgUnix(buf, oob)
	if err != nil {
		if ctx.Err() != nil {
			return Request{}, ctx.Err()
		}
		return Request{}, fmt.Errorf("recvmsg: %w", err)
	}
	if n < 1 {
		return Request{}, errors.New("cliserver: empty datagram")
	}

	req := Request{Cmd: wire.Command(buf[0]), Fd: -1, reply: addr}

	if n > 1 {
		path := buf[1:n]
		if idx := bytes.IndexByte(path, 0); idx >= 0 {
			path = path[:idx]
		}
		req.Path = string(path)
	}

	if oobn > 0 {
		scms, err := unix.ParseSocketControlMessage(oob[:oobn])
		if err != nil {
			return Request{}, fmt.Errorf("parse control message: %w", err)
		}
		for _, scm := range scms {
			if ucred, uerr := unix.ParseUnixCredentials(&scm); uerr == nil {
				req.UID = ucred.Uid
				continue
			}
			if fds, rerr := unix.ParseUnixRights(&scm); rerr == nil && len(fds) > 0 {
				req.Fd = fds[0]
			}
		}
	}

	return req, nil
}

func (t *linuxTransport) Reply(req Request, body []byte) error {
	addr, ok := req.reply.(*net.UnixAddr)
	if !ok || addr == nil {
		return errors.New("cliserver: request carries no reply address")
	}
	if _, _, err := t.conn.WriteMsgUnix(body, nil, addr); err != nil {
		return fmt.Errorf("sendmsg reply: %w", err)
	}
	return nil
}

func (t *linuxTransport) Close() error {
	return t.conn.Close()
}

// LockForMigrate takes the advisory exclusive lock on the frontend file the
// daemon relies on as its concurrency fence against user writes during
// MIGRATE. It does not block: a file someone else already holds
// locked is a file that should not be migrated right now.
func LockForMigrate(f *os.File) error {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		return fmt.Errorf("flock %q: %w", f.Name(), err)
	}
	return nil
}

// UnlockMigrate releases a lock taken by LockForMigrate.
func UnlockMigrate(f *os.File) error {
	if err := unix.Flock(int(f.Fd()), unix.LOCK_UN); err != nil {
		return fmt.Errorf("funlock %q: %w", f.Name(), err)
	}
	return nil
}

// Send issues a single command datagram to the daemon socket at addr and
// returns the raw reply body: nil on success, one byte for a numeric error
// kind, more for a human-readable payload. fd, if >= 0, is passed via
// SCM_RIGHTS (MIGRATE's frontend handle); the caller must already hold its
// advisory write lock.
func Send(addr string, cmd wire.Command, path string, fd int) ([]byte, error) {
	raddr := &net.UnixAddr{Name: addr, Net: "unixgram"}
	conn, err := net.DialUnix("unixgram", nil, raddr)
	if err != nil {
		return nil, fmt.Errorf("dial %q: %w", addr, err)
	}
	defer conn.Close()

	body := append([]byte{byte(cmd)}, []byte(path)...)
	body = append(body, 0)

	var oob []byte
	if fd >= 0 {
		oob = unix.UnixRights(fd)
	}

	if _, _, err := conn.WriteMsgUnix(body, oob, nil); err != nil {
		return nil, fmt.Errorf("sendmsg: %w", err)
	}

	reply := make([]byte, 4096)
	n, err := conn.Read(reply)
	if err != nil {
		return nil, fmt.Errorf("recv reply: %w", err)
	}
	return reply[:n], nil
}
