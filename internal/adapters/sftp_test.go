package adapters

import (
	"net"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/ssh"
)

const (
	mailHostKey  = "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAINgQDL1WWgCYcF241I9bEfC1rjWdiempnOHhXYJnx3PT mail1"
	otherHostKey = "ssh-ed25519 AAAAC3NzaC1lZDI1NTE5AAAAIIre7+K7Qv690RLbOK7nMTYy4+ApIMevzsemMz/usHbe mail2"
)

func parsePub(t *testing.T, authorized string) ssh.PublicKey {
	pub, _, _, _, err := ssh.ParseAuthorizedKey([]byte(authorized))
	require.NoError(t, err)
	return pub
}

func TestHostKeyCallbackPinsConfiguredKey(t *testing.T) {
	cb, err := hostKeyCallback([]byte(mailHostKey))
	require.NoError(t, err)

	addr := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 22}
	assert.NoError(t, cb("mail.example.com:22", addr, parsePub(t, mailHostKey)))
	assert.Error(t, cb("mail.example.com:22", addr, parsePub(t, otherHostKey)),
		"a server presenting a different key must be rejected")
}

func TestHostKeyCallbackRejectsGarbage(t *testing.T) {
	_, err := hostKeyCallback([]byte("not an authorized_keys line"))
	assert.Error(t, err)
}

func TestHostKeyCallbackEmptySkipsVerification(t *testing.T) {
	cb, err := hostKeyCallback(nil)
	require.NoError(t, err)

	addr := &net.TCPAddr{IP: net.IPv4(10, 0, 0, 1), Port: 22}
	assert.NoError(t, cb("mail.example.com:22", addr, parsePub(t, otherHostKey)))
}
