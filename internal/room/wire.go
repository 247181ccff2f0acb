package room

import (
	"fmt"

	"github.com/coderoomhq/coderoom/internal/ot"
	"github.com/coderoomhq/coderoom/pkg/protocol"
)

// opFromWire validates and converts a wire operation into an OT operation.
func opFromWire(w protocol.WireOp) (ot.Op, error) {
	switch w.Kind {
	case protocol.OpInsert:
		if w.Position < 0 {
			return nil, fmt.Errorf("insert position %d is negative", w.Position)
		}
		return &ot.Insert{Pos: w.Position, Text: w.Text}, nil
	case protocol.OpDelete:
		if w.Position < 0 || w.Length <= 0 {
			return nil, fmt.Errorf("delete range [%d,+%d) is invalid", w.Position, w.Length)
		}
		return &ot.Delete{Pos: w.Position, Len: w.Length}, nil
	default:
		return nil, fmt.Errorf("unknown operation kind %q", w.Kind)
	}
}

// opToWire renders an applied OT operation for the echoed broadcast.
func opToWire(op ot.Op) protocol.WireOp {
	switch o := op.(type) {
	case *ot.Insert:
		return protocol.WireOp{Kind: protocol.OpInsert, Position: o.Pos, Text: o.Text}
	case *ot.Delete:
		return protocol.WireOp{Kind: protocol.OpDelete, Position: o.Pos, Length: o.Len}
	}
	return protocol.WireOp{}
}
