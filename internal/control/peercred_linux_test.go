//go:build linux

package control

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPeerUidMatchesOwnUid(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "control.sock")
	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	client, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer client.Close()

	var server net.Conn
	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("server side of unix socket never accepted")
	}
	defer server.Close()

	uid, ok := PeerUid(server)
	require.True(t, ok)
	assert.Equal(t, uint32(os.Getuid()), uid)
}

func TestOwnerOnlyAdmitsSelf(t *testing.T) {
	sockPath := filepath.Join(t.TempDir(), "control.sock")
	ln, err := net.Listen("unix", sockPath)
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	client, err := net.Dial("unix", sockPath)
	require.NoError(t, err)
	defer client.Close()

	var server net.Conn
	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("server side of unix socket never accepted")
	}
	defer server.Close()

	check := OwnerOnly()
	assert.True(t, check(server))
}

func TestPeerUidRejectsNonUnixConn(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()

	accepted := make(chan net.Conn, 1)
	go func() {
		conn, err := ln.Accept()
		if err == nil {
			accepted <- conn
		}
	}()

	client, err := net.Dial("tcp", ln.Addr().String())
	require.NoError(t, err)
	defer client.Close()

	var server net.Conn
	select {
	case server = <-accepted:
	case <-time.After(2 * time.Second):
		t.Fatal("server side of tcp socket never accepted")
	}
	defer server.Close()

	_, ok := PeerUid(server)
	assert.False(t, ok)
}
