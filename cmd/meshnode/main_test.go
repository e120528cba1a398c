package main

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opd-ai/meshcore/crypto"
)

func TestBuildOptions(t *testing.T) {
	kp, err := crypto.GenerateKeyPair()
	require.NoError(t, err)
	peer, err := crypto.RandomNodeID()
	require.NoError(t, err)

	opts, err := buildOptions(&nodeConfig{
		listenAddr: "127.0.0.1:0",
		bootstrap:  peer.String() + "@127.0.0.1:33445",
		secretKey:  kp.SecretKeyHex(),
	})
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:0", opts.ListenAddr)
	require.NotNil(t, opts.KeyPair)
	assert.Equal(t, kp.NodeID(), opts.KeyPair.NodeID())
	require.Len(t, opts.BootstrapPeers, 1)
	assert.Equal(t, peer, opts.BootstrapPeers[0].ID)
}

func TestBuildOptionsErrors(t *testing.T) {
	_, err := buildOptions(&nodeConfig{secretKey: "zz"})
	assert.Error(t, err)

	_, err = buildOptions(&nodeConfig{bootstrap: "not-a-peer"})
	assert.Error(t, err)
}

func TestEnvDuration(t *testing.T) {
	t.Setenv("MESH_TEST_DURATION", "3s")
	assert.Equal(t, "3s", envDuration("MESH_TEST_DURATION", 0).String())

	t.Setenv("MESH_TEST_DURATION", "soon")
	assert.Equal(t, int64(7), int64(envDuration("MESH_TEST_DURATION", 7)))

	assert.Equal(t, "fallback", envOr("MESH_TEST_UNSET", "fallback"))
}
