package ot

import (
	"errors"
	"fmt"
)

var (
	// ErrInvalidVersion means a submitter claimed a version the document has
	// not reached yet. That is a client bug or tampering, never a race.
	ErrInvalidVersion = errors.New("claimed version is ahead of the document")

	// ErrVersionTooStale means the bounded operation log no longer retains
	// the history needed to transform the submission forward. The client
	// must refetch authoritative content and resubmit.
	ErrVersionTooStale = errors.New("claimed version precedes retained history")
)

type acceptedOp struct {
	version int64 // version the document reached by accepting this op
	op      Op
	userID  string
}

// Synchronizer owns the authoritative content and version counter for one
// open document. It is not safe for concurrent use; the owning room
// serializes all submissions through its sequencer.
type Synchronizer struct {
	path    string
	content string
	version int64
	depth   int
	log     []acceptedOp
}

// NewSynchronizer starts a document at version 0 with the given initial
// content. depth bounds the operation log used for out-of-order tolerance.
func NewSynchronizer(path, initial string, depth int) *Synchronizer {
	if depth < 1 {
		depth = 1
	}
	return &Synchronizer{path: path, content: initial, depth: depth}
}

func (s *Synchronizer) Path() string { return s.path }

// Content returns the current authoritative text.
func (s *Synchronizer) Content() string { return s.content }

// Version equals the count of accepted operations since creation.
func (s *Synchronizer) Version() int64 { return s.version }

// Applied describes an accepted operation after transformation.
type Applied struct {
	// Op is the operation as actually applied, which differs from the
	// submitted one when transformation shifted it.
	Op Op
	// Version is the document version produced by this operation.
	Version int64
	// Content is the authoritative text after application.
	Content string
}

// Submit validates op against the submitter's claimed version, transforms it
// forward over any operations accepted since, applies it, and advances the
// version. Rejected submissions leave content and version untouched.
func (s *Synchronizer) Submit(op Op, claimedVersion int64, userID string) (Applied, error) {
	if claimedVersion > s.version {
		return Applied{}, fmt.Errorf("claimed %d, at %d: %w", claimedVersion, s.version, ErrInvalidVersion)
	}
	if claimedVersion < s.version {
		// Every accepted op in (claimedVersion, version] must still be in
		// the log for the transform to be sound.
		if claimedVersion < s.version-int64(len(s.log)) {
			return Applied{}, fmt.Errorf("claimed %d, history starts after %d: %w",
				claimedVersion, s.version-int64(len(s.log)), ErrVersionTooStale)
		}
		for _, past := range s.log {
			if past.version <= claimedVersion {
				continue
			}
			// The already-accepted side keeps priority on conflicts.
			op, _ = Transform(op, past.op)
		}
	}

	content, err := op.Apply(s.content)
	if err != nil {
		return Applied{}, err
	}

	s.content = content
	s.version++
	s.log = append(s.log, acceptedOp{version: s.version, op: op, userID: userID})
	if len(s.log) > s.depth {
		s.log = s.log[len(s.log)-s.depth:]
	}
	return Applied{Op: op, Version: s.version, Content: content}, nil
}
