package repoengine

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ipfs/go-cid"
)

// Errors from a Repo.apply_writes batch (§7).
var (
	// ErrConflictingWrites is returned when a batch targets the same
	// collection/rkey more than once.
	ErrConflictingWrites = errors.New("repoengine: conflicting writes: batch contains more than one op for the same record")
	// ErrConcurrentModification is returned when a caller-supplied
	// swapCommit no longer matches the repo's current head.
	ErrConcurrentModification = errors.New("repoengine: concurrent modification: swapCommit does not match current head")
)

// Action is the kind of mutation a RepoOp describes.
type Action string

const (
	ActionCreate Action = "create"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
)

// RepoOp describes a single record mutation within a commit, mirroring
// the atproto #repoOp wire shape used in firehose commit events.
type RepoOp struct {
	Action Action
	Path   string // collection/rkey
	CID    *cid.Cid
	Prev   *cid.Cid
}

// RecordPath joins a collection NSID and record key into an MST path key.
func RecordPath(collection, rkey string) string {
	return collection + "/" + rkey
}

// SplitRecordPath reverses RecordPath, splitting on the first slash.
func SplitRecordPath(path string) (collection, rkey string, err error) {
	idx := strings.IndexByte(path, '/')
	if idx <= 0 || idx == len(path)-1 {
		return "", "", fmt.Errorf("repoengine: malformed record path %q", path)
	}
	return path[:idx], path[idx+1:], nil
}
