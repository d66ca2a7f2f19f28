package registry

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeOutbound struct {
	sent [][]byte
}

func (f *fakeOutbound) Send(message []byte) error {
	f.sent = append(f.sent, message)
	return nil
}

func TestRegistry_RegisterAssignsOpaquePeerID(t *testing.T) {
	r := New()
	p := r.Register(&fakeOutbound{})
	assert.True(t, strings.HasPrefix(p.ID, "peer-"))
	assert.Empty(t, p.Session())
}

func TestRegistry_AttachReplacesPreviousSession(t *testing.T) {
	r := New()
	p := r.Register(&fakeOutbound{})

	require.NoError(t, r.AttachToSession(p.ID, "alpha"))
	assert.Equal(t, "alpha", p.Session())

	require.NoError(t, r.AttachToSession(p.ID, "beta"))
	assert.Equal(t, "beta", p.Session())
	assert.Len(t, r.PeersInSession("alpha"), 0)
	assert.Len(t, r.PeersInSession("beta"), 1)
}

func TestRegistry_AttachUnknownPeerFails(t *testing.T) {
	r := New()
	err := r.AttachToSession("ghost", "alpha")
	assert.ErrorIs(t, err, ErrPeerNotFound)
}

func TestRegistry_SendToUnknownPeerFails(t *testing.T) {
	r := New()
	err := r.SendTo("ghost", []byte("hi"))
	assert.ErrorIs(t, err, ErrPeerNotFound)
}

func TestRegistry_RemoveDeregisters(t *testing.T) {
	r := New()
	p := r.Register(&fakeOutbound{})
	r.Remove(p.ID)
	_, ok := r.Get(p.ID)
	assert.False(t, ok)
}

func TestRegistry_SendToDeliversViaOutbound(t *testing.T) {
	r := New()
	out := &fakeOutbound{}
	p := r.Register(out)
	require.NoError(t, r.SendTo(p.ID, []byte("hello")))
	require.Len(t, out.sent, 1)
	assert.Equal(t, []byte("hello"), out.sent[0])
}
