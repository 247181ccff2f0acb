package ot

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestInsertApply(t *testing.T) {
	tests := []struct {
		name    string
		content string
		op      Insert
		want    string
		wantErr bool
	}{
		{name: "middle", content: "ab", op: Insert{Pos: 1, Text: "X"}, want: "aXb"},
		{name: "start", content: "ab", op: Insert{Pos: 0, Text: "X"}, want: "Xab"},
		{name: "end", content: "ab", op: Insert{Pos: 2, Text: "X"}, want: "abX"},
		{name: "empty content", content: "", op: Insert{Pos: 0, Text: "hi"}, want: "hi"},
		{name: "multibyte offsets", content: "héllo", op: Insert{Pos: 2, Text: "ö"}, want: "héöllo"},
		{name: "past end", content: "ab", op: Insert{Pos: 3, Text: "X"}, wantErr: true},
		{name: "negative", content: "ab", op: Insert{Pos: -1, Text: "X"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.op.Apply(tt.content)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrOutOfBounds)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDeleteApply(t *testing.T) {
	tests := []struct {
		name    string
		content string
		op      Delete
		want    string
		wantErr bool
	}{
		{name: "middle", content: "abc", op: Delete{Pos: 1, Len: 1}, want: "ac"},
		{name: "whole", content: "abc", op: Delete{Pos: 0, Len: 3}, want: ""},
		{name: "multibyte offsets", content: "héllo", op: Delete{Pos: 1, Len: 2}, want: "hlo"},
		{name: "past end", content: "abc", op: Delete{Pos: 2, Len: 2}, wantErr: true},
		{name: "negative length", content: "abc", op: Delete{Pos: 0, Len: -1}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := tt.op.Apply(tt.content)
			if tt.wantErr {
				require.ErrorIs(t, err, ErrOutOfBounds)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// applyBoth checks the OT diamond property: starting from content, the path
// b then a' must land on the same text as a then b'.
func applyBoth(t *testing.T, content string, a, b Op) string {
	t.Helper()
	ap, bp := Transform(a, b)

	viaB, err := b.Apply(content)
	require.NoError(t, err)
	viaB, err = ap.Apply(viaB)
	require.NoError(t, err)

	viaA, err := a.Apply(content)
	require.NoError(t, err)
	viaA, err = bp.Apply(viaA)
	require.NoError(t, err)

	require.Equal(t, viaB, viaA, "diamond paths diverged")
	return viaB
}

func TestTransformConverges(t *testing.T) {
	tests := []struct {
		name    string
		content string
		a, b    Op
		want    string
	}{
		{
			name:    "insert before insert",
			content: "ab",
			a:       &Insert{Pos: 2, Text: "Y"},
			b:       &Insert{Pos: 1, Text: "X"},
			want:    "aXbY",
		},
		{
			name:    "inserts at same position, b wins",
			content: "ab",
			a:       &Insert{Pos: 1, Text: "A"},
			b:       &Insert{Pos: 1, Text: "B"},
			want:    "aBAb",
		},
		{
			name:    "insert before delete shifts delete",
			content: "abcd",
			a:       &Insert{Pos: 0, Text: "X"},
			b:       &Delete{Pos: 2, Len: 2},
			want:    "Xab",
		},
		{
			name:    "insert inside deleted range collapses",
			content: "abcd",
			a:       &Insert{Pos: 2, Text: "X"},
			b:       &Delete{Pos: 1, Len: 3},
			want:    "a",
		},
		{
			name:    "disjoint deletes",
			content: "abcdef",
			a:       &Delete{Pos: 0, Len: 2},
			b:       &Delete{Pos: 4, Len: 2},
			want:    "cd",
		},
		{
			name:    "overlapping deletes drop overlap once",
			content: "abcdef",
			a:       &Delete{Pos: 1, Len: 3},
			b:       &Delete{Pos: 2, Len: 3},
			want:    "af",
		},
		{
			name:    "identical deletes",
			content: "abcdef",
			a:       &Delete{Pos: 2, Len: 2},
			b:       &Delete{Pos: 2, Len: 2},
			want:    "abef",
		},
		{
			name:    "delete after insert",
			content: "abcd",
			a:       &Delete{Pos: 2, Len: 2},
			b:       &Insert{Pos: 0, Text: "XY"},
			want:    "XYab",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := applyBoth(t, tt.content, tt.a, tt.b)
			assert.Equal(t, tt.want, got)
		})
	}
}
