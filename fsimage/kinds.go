package fsimage

import "fmt"

// Kind identifies a filesystem implementation under test.
type Kind string

const (
	XFS   Kind = "xfs"
	Btrfs Kind = "btrfs"
)

// capabilities describes the external tooling and mount parameters for a
// Kind. Per-kind behavior lives in this table rather than in per-kind types.
type capabilities struct {
	// mkfs is the format command; mkfsArgs are prepended to the device path.
	mkfs     string
	mkfsArgs []string

	// fstype is the type string passed to mount(2).
	fstype string
}

var kindCaps = map[Kind]capabilities{
	XFS: {
		mkfs:     "mkfs.xfs",
		mkfsArgs: []string{"-f"},
		fstype:   "xfs",
	},
	Btrfs: {
		mkfs:     "mkfs.btrfs",
		mkfsArgs: []string{"-f"},
		fstype:   "btrfs",
	},
}

// Kinds lists every supported filesystem kind in a stable order.
func Kinds() []Kind {
	return []Kind{XFS, Btrfs}
}

// ParseKind converts a user-supplied name into a Kind.
func ParseKind(name string) (Kind, error) {
	k := Kind(name)
	if _, ok := kindCaps[k]; !ok {
		return "", fmt.Errorf("unknown filesystem kind %q (supported: xfs, btrfs)", name)
	}

	return k, nil
}

func (k Kind) String() string {
	return string(k)
}

func (k Kind) caps() capabilities {
	return kindCaps[k]
}
