//go:build linux

package executor

import (
	"errors"
	"fmt"

	"golang.org/x/sys/unix"
)

// ru_maxrss is reported in kilobytes on Linux.
const rssUnit = 1024

// applyLimits installs hard resource limits on a freshly started child.
//
// RLIMIT_DATA bounds heap and other private writable mappings. RLIMIT_AS is
// not used because runtimes such as Go reserve large PROT_NONE regions at
// start and would fail immediately under a realistic address space cap.
// RLIMIT_CPU backs the wall-clock timeout for runaway loops.
func applyLimits(pid int, cfg Config) error {
	for _, l := range rlimits(cfg) {
		lim := l.limit
		if err := unix.Prlimit(pid, l.resource, &lim, nil); err != nil {
			if errors.Is(err, unix.ESRCH) {
				// Already exited; Wait reports the outcome.
				return nil
			}
			return fmt.Errorf("failed to apply %s limit: %w", l.name, err)
		}
	}
	return nil
}

type rlimit struct {
	name     string
	resource int
	limit    unix.Rlimit
}

func rlimits(cfg Config) []rlimit {
	var out []rlimit
	if cfg.MaxMemoryMiB > 0 {
		b := uint64(cfg.MaxMemoryMiB) << 20
		out = append(out, rlimit{"data", unix.RLIMIT_DATA, unix.Rlimit{Cur: b, Max: b}})
	}
	if cfg.TimeoutMs > 0 {
		secs := uint64((cfg.TimeoutMs+999)/1000) + 1
		out = append(out, rlimit{"cpu", unix.RLIMIT_CPU, unix.Rlimit{Cur: secs, Max: secs}})
	}
	if cfg.MaxFileBytes > 0 {
		b := uint64(cfg.MaxFileBytes)
		out = append(out, rlimit{"fsize", unix.RLIMIT_FSIZE, unix.Rlimit{Cur: b, Max: b}})
	}
	return out
}
