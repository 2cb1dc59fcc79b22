package sandbox

import (
	"fmt"
	"strings"
	"time"
)

// IsolationLevel is a named tier mapping to concrete resource, network and
// filesystem limits for a sandbox instance.
type IsolationLevel string

const (
	IsolationLow     IsolationLevel = "low"
	IsolationMedium  IsolationLevel = "medium"
	IsolationHigh    IsolationLevel = "high"
	IsolationMaximum IsolationLevel = "maximum"
)

// ParseIsolationLevel converts a string (case-insensitive) to a level.
func ParseIsolationLevel(s string) (IsolationLevel, error) {
	switch IsolationLevel(strings.ToLower(s)) {
	case IsolationLow:
		return IsolationLow, nil
	case IsolationMedium:
		return IsolationMedium, nil
	case IsolationHigh:
		return IsolationHigh, nil
	case IsolationMaximum:
		return IsolationMaximum, nil
	}
	return "", fmt.Errorf("%w: unknown isolation level %q", ErrInvalidRequest, s)
}

// FilesystemMode controls what the sandboxed code may touch on disk.
type FilesystemMode string

const (
	FilesystemReadWrite FilesystemMode = "read_write"
	FilesystemReadOnly  FilesystemMode = "read_only"
	FilesystemNone      FilesystemMode = "none"
)

// Profile is the concrete sandbox configuration derived from an isolation
// level. Derivation is a fixed lookup, never computed at runtime from
// request data.
type Profile struct {
	Level          IsolationLevel `json:"level"`
	Limits         ResourceLimits `json:"limits"`
	WallClock      time.Duration  `json:"wall_clock"`
	MaxFileOps     int64          `json:"max_file_ops"`
	Filesystem     FilesystemMode `json:"filesystem"`
	NetworkAllowed bool           `json:"network_allowed"`
}

// ProfileFor returns the fixed profile for a level. Unknown levels fall back
// to MAXIMUM: the gate fails closed.
func ProfileFor(level IsolationLevel) Profile {
	switch level {
	case IsolationLow:
		return Profile{
			Level:          IsolationLow,
			Limits:         ResourceLimits{CPUShares: 819, MemoryMB: 512, PidsLimit: 64, DiskMB: 256},
			WallClock:      30 * time.Second,
			MaxFileOps:     4096,
			Filesystem:     FilesystemReadWrite,
			NetworkAllowed: true,
		}
	case IsolationMedium:
		return Profile{
			Level:          IsolationMedium,
			Limits:         ResourceLimits{CPUShares: 512, MemoryMB: 256, PidsLimit: 32, DiskMB: 64},
			WallClock:      15 * time.Second,
			MaxFileOps:     1024,
			Filesystem:     FilesystemReadOnly,
			NetworkAllowed: true,
		}
	case IsolationHigh:
		return Profile{
			Level:          IsolationHigh,
			Limits:         ResourceLimits{CPUShares: 307, MemoryMB: 128, PidsLimit: 16, DiskMB: 16},
			WallClock:      5 * time.Second,
			MaxFileOps:     256,
			Filesystem:     FilesystemReadOnly,
			NetworkAllowed: false,
		}
	default:
		return Profile{
			Level:          IsolationMaximum,
			Limits:         ResourceLimits{CPUShares: 102, MemoryMB: 64, PidsLimit: 8, DiskMB: 8},
			WallClock:      2 * time.Second,
			MaxFileOps:     0,
			Filesystem:     FilesystemNone,
			NetworkAllowed: false,
		}
	}
}

// CPUFraction converts CPUShares to the fraction of one core the level grants.
func (p Profile) CPUFraction() float64 {
	return float64(p.Limits.CPUShares) / 1024.0
}
