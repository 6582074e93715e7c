package netio

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestReadaheadInvariantHolds(t *testing.T) {
	r := NewReadahead(16)
	require.LessOrEqual(t, 0, r.PosRead())
	require.LessOrEqual(t, r.PosRead(), r.PosWrite())
	require.LessOrEqual(t, r.PosWrite(), r.Cap())
}

func TestReadaheadFillAndDrain(t *testing.T) {
	r := NewReadahead(8)
	n := copy(r.Tail(), []byte("hello"))
	r.AdvanceWrite(n)
	require.Equal(t, 5, r.Unread())
	require.Equal(t, 3, r.FreeTail())

	dst := make([]byte, 3)
	got := r.Read(dst)
	require.Equal(t, 3, got)
	require.Equal(t, "hel", string(dst))
	require.Equal(t, 2, r.Unread())

	dst2 := make([]byte, 4)
	got2 := r.Read(dst2)
	require.Equal(t, 2, got2)
	require.Equal(t, "lo", string(dst2[:got2]))
	require.Equal(t, 0, r.Unread())
}

func TestReadaheadReuseRequiresFullyDrained(t *testing.T) {
	r := NewReadahead(8)
	n := copy(r.Tail(), []byte("ab"))
	r.AdvanceWrite(n)
	require.Panics(t, func() { r.Reuse() })

	r.Read(make([]byte, 2))
	require.NotPanics(t, func() { r.Reuse() })
	require.Equal(t, 0, r.PosRead())
	require.Equal(t, 0, r.PosWrite())
	require.Equal(t, 8, r.FreeTail())
}
