// Package resolver maps a kernel-supplied access handle (an fd, valid in the
// daemon's own process) to the absolute path it refers to.
package resolver

import (
	"fmt"
	"os"

	"github.com/hreinecke/dredger/internal/wire"
)

// fdPath formats the /proc/self/fd entry for fd. It is a var so tests can
// point it at a fake procfs-like tree.
var fdPath = func(fd int) string {
	return fmt.Sprintf("/proc/self/fd/%d", fd)
}

// Resolve reads the symbolic link the kernel exposes for fd under the
// caller's own process and returns the absolute path it names. The only
// correct technique in this family is reading that link; a truncated or
// empty link is a failure.
func Resolve(fd int) (string, error) {
	link := fdPath(fd)
	target, err := os.Readlink(link)
	if err != nil {
		return "", wire.WithKind(wire.KindIO, fmt.Errorf("readlink %s: %w", link, err))
	}
	if target == "" {
		return "", wire.WithKind(wire.KindIO, fmt.Errorf("readlink %s: empty target", link))
	}
	return target, nil
}
