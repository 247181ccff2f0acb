// Package ot implements the operational transform core: text operations
// over code-point offsets and the per-document synchronizer that converges
// concurrent submissions into one authoritative content.
package ot

import (
	"errors"
	"fmt"
	"unicode/utf8"
)

// ErrOutOfBounds means an operation's target range is not valid against the
// content it was applied to.
var ErrOutOfBounds = errors.New("operation out of bounds")

// Op is a single text operation. Positions and lengths are code-point
// offsets, not bytes.
type Op interface {
	// Apply splices the operation into s.
	Apply(s string) (string, error)
	// String renders a compact debug form.
	String() string
}

// Insert places Text at Pos.
type Insert struct {
	Pos  int
	Text string
}

func (op *Insert) Apply(s string) (string, error) {
	runes := []rune(s)
	if op.Pos < 0 || op.Pos > len(runes) {
		return "", fmt.Errorf("insert at %d in %d code points: %w", op.Pos, len(runes), ErrOutOfBounds)
	}
	return string(runes[:op.Pos]) + op.Text + string(runes[op.Pos:]), nil
}

func (op *Insert) String() string {
	return fmt.Sprintf("i%d:%q", op.Pos, op.Text)
}

// width is the insert's span in code points.
func (op *Insert) width() int {
	return utf8.RuneCountInString(op.Text)
}

// Delete removes Len code points starting at Pos.
type Delete struct {
	Pos int
	Len int
}

func (op *Delete) Apply(s string) (string, error) {
	runes := []rune(s)
	if op.Pos < 0 || op.Len < 0 || op.Pos+op.Len > len(runes) {
		return "", fmt.Errorf("delete [%d,%d) in %d code points: %w", op.Pos, op.Pos+op.Len, len(runes), ErrOutOfBounds)
	}
	return string(runes[:op.Pos]) + string(runes[op.Pos+op.Len:]), nil
}

func (op *Delete) String() string {
	return fmt.Sprintf("d%d:%d", op.Pos, op.Len)
}

// transformInsertDelete derives the bottom two sides of the OT diamond where
// the top two sides are an insert and a delete.
func transformInsertDelete(a *Insert, b *Delete) (ap, bp Op) {
	if a.Pos <= b.Pos {
		// Insert before delete. Delete shifts forward.
		return a, &Delete{b.Pos + a.width(), b.Len}
	} else if a.Pos >= b.Pos+b.Len {
		// Insert after delete. Insert shifts backward.
		return &Insert{a.Pos - b.Len, a.Text}, b
	}
	// Insert inside the deleted range. The delete grows to cover the
	// inserted text and the insert collapses to nothing.
	return &Insert{b.Pos, ""}, &Delete{b.Pos, b.Len + a.width()}
}

// Transform derives the bottom two sides of the OT diamond: given two
// operations a and b generated against the same content, it returns a' (to
// apply after b) and b' (to apply after a). b takes priority on conflicts,
// e.g. two inserts at the same position.
func Transform(a, b Op) (ap, bp Op) {
	switch at := a.(type) {
	case *Insert:
		switch bt := b.(type) {
		case *Insert:
			if bt.Pos <= at.Pos {
				return &Insert{at.Pos + bt.width(), at.Text}, b
			}
			return a, &Insert{bt.Pos + at.width(), bt.Text}
		case *Delete:
			return transformInsertDelete(at, bt)
		}
	case *Delete:
		switch bt := b.(type) {
		case *Insert:
			ins, del := transformInsertDelete(bt, at)
			return del, ins
		case *Delete:
			aEnd, bEnd := at.Pos+at.Len, bt.Pos+bt.Len
			if aEnd <= bt.Pos {
				return a, &Delete{bt.Pos - at.Len, bt.Len}
			}
			if bEnd <= at.Pos {
				return &Delete{at.Pos - bt.Len, at.Len}, b
			}
			// Overlapping deletes shrink by the shared range.
			pos := minInt(at.Pos, bt.Pos)
			overlap := minInt(aEnd, bEnd) - maxInt(at.Pos, bt.Pos)
			return &Delete{pos, at.Len - overlap}, &Delete{pos, bt.Len - overlap}
		}
	}
	return nil, nil
}

func maxInt(a, b int) int {
	if a > b {
		return a
	}
	return b
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
