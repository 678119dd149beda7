package memlink

import (
	"context"
	"testing"

	"github.com/juju/errors"
	"github.com/smartdrip/driplink/link"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPipe(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a, b := Pipe(4)
	assert.Equal(t, 4, a.MTU())

	require.NoError(t, a.Send(ctx, link.ChannelData, []byte("abcd")))
	got, err := b.Receive(ctx, link.ChannelData)
	require.NoError(t, err)
	assert.Equal(t, []byte("abcd"), got)

	err = a.Send(ctx, link.ChannelData, []byte("abcde"))
	assert.Equal(t, link.ErrUnitTooLarge, errors.Cause(err))
	assert.Equal(t, 1, a.Sent())

	require.NoError(t, b.Send(ctx, link.ChannelHandshake, []byte("handshake")))
	got, err = a.Receive(ctx, link.ChannelHandshake)
	require.NoError(t, err)
	assert.Equal(t, []byte("handshake"), got)

	require.NoError(t, a.Close())
	assert.Equal(t, link.ErrClosed, b.Send(ctx, link.ChannelData, nil))
	_, err = a.Receive(ctx, link.ChannelData)
	assert.Equal(t, link.ErrClosed, err)
}

func TestMangle(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	a, b := Pipe(0)
	var held []byte
	a.SetMangle(func(ch link.Channel, u []byte) [][]byte {
		if held == nil {
			held = u
			return nil
		}
		return [][]byte{u, held, held}
	})
	require.NoError(t, a.Send(ctx, link.ChannelData, []byte("1")))
	require.NoError(t, a.Send(ctx, link.ChannelData, []byte("2")))
	for _, expect := range []string{"2", "1", "1"} {
		got, err := b.Receive(ctx, link.ChannelData)
		require.NoError(t, err)
		assert.Equal(t, expect, string(got))
	}
}
