/*
Copyright 2024 Alexandre Mahdhaoui

Licensed under the Apache License, Version 2.0 (the "License");
you may not use this file except in compliance with the License.
You may obtain a copy of the License at

	http://www.apache.org/licenses/LICENSE-2.0

Unless required by applicable law or agreed to in writing, software
distributed under the License is distributed on an "AS IS" BASIS,
WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
See the License for the specific language governing permissions and
limitations under the License.
*/

//go:build unit

package ssh_test

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/pem"
	"errors"
	"net"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/alexandremahdhaoui/installsuite/internal/util/ssh"
	"github.com/alexandremahdhaoui/installsuite/pkg/execcontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	gossh "golang.org/x/crypto/ssh"
)

type commandHandler func(cmd string) (stdout string, exitStatus uint32)

// startTestServer starts an in-process SSH server accepting a freshly
// generated client key. It returns the server address and the client key PEM.
func startTestServer(t *testing.T, handle commandHandler) (string, []byte) {
	t.Helper()

	_, hostPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	hostSigner, err := gossh.NewSignerFromKey(hostPriv)
	require.NoError(t, err)

	clientPub, clientPriv, err := ed25519.GenerateKey(rand.Reader)
	require.NoError(t, err)
	sshClientPub, err := gossh.NewPublicKey(clientPub)
	require.NoError(t, err)
	block, err := gossh.MarshalPrivateKey(clientPriv, "")
	require.NoError(t, err)

	cfg := &gossh.ServerConfig{
		PublicKeyCallback: func(_ gossh.ConnMetadata, key gossh.PublicKey) (*gossh.Permissions, error) {
			if bytes.Equal(key.Marshal(), sshClientPub.Marshal()) {
				return nil, nil
			}
			return nil, errors.New("unknown key")
		},
	}
	cfg.AddHostKey(hostSigner)

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	var wg sync.WaitGroup
	t.Cleanup(func() {
		_ = l.Close()
		wg.Wait()
	})

	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			nc, err := l.Accept()
			if err != nil {
				return
			}
			go serveConn(nc, cfg, handle)
		}
	}()

	return l.Addr().String(), pem.EncodeToMemory(block)
}

func serveConn(nc net.Conn, cfg *gossh.ServerConfig, handle commandHandler) {
	_, chans, reqs, err := gossh.NewServerConn(nc, cfg)
	if err != nil {
		return
	}
	go gossh.DiscardRequests(reqs)

	for newCh := range chans {
		if newCh.ChannelType() != "session" {
			_ = newCh.Reject(gossh.UnknownChannelType, "session only")
			continue
		}
		ch, chReqs, err := newCh.Accept()
		if err != nil {
			continue
		}
		go func() {
			defer ch.Close()
			for req := range chReqs {
				if req.Type != "exec" {
					_ = req.Reply(false, nil)
					continue
				}
				var payload struct{ Command string }
				if err := gossh.Unmarshal(req.Payload, &payload); err != nil {
					_ = req.Reply(false, nil)
					return
				}
				_ = req.Reply(true, nil)

				out, status := handle(payload.Command)
				_, _ = ch.Write([]byte(out))
				_, _ = ch.SendRequest("exit-status", false, gossh.Marshal(struct{ Status uint32 }{status}))
				return
			}
		}()
	}
}

func newTestClient(t *testing.T, addr string, key []byte) *ssh.Client {
	t.Helper()
	host, port, err := net.SplitHostPort(addr)
	require.NoError(t, err)
	return &ssh.Client{Host: host, Port: port, User: "root", PrivateKey: key}
}

// TestNewClient_Success verifies NewClient() reads the private key file.
func TestNewClient_Success(t *testing.T) {
	tempDir := t.TempDir()
	keyPath := filepath.Join(tempDir, "id_ed25519")
	require.NoError(t, os.WriteFile(keyPath, []byte("key material"), 0o600))

	client, err := ssh.NewClient("test-host", "test-user", keyPath, "22")
	require.NoError(t, err)
	require.NotNil(t, client)

	assert.Equal(t, "test-host", client.Host)
	assert.Equal(t, "test-user", client.User)
	assert.Equal(t, "22", client.Port)
	assert.Equal(t, []byte("key material"), client.PrivateKey)
}

// TestNewClient_FileNotFound verifies NewClient() fails without a key file.
func TestNewClient_FileNotFound(t *testing.T) {
	client, err := ssh.NewClient("test-host", "test-user", "/nonexistent/path/id_rsa", "22")

	assert.Error(t, err)
	assert.Nil(t, client)
	assert.Contains(t, err.Error(), "unable to read private key")
}

func TestClient_Run(t *testing.T) {
	var (
		mu       sync.Mutex
		received []string
	)
	addr, key := startTestServer(t, func(cmd string) (string, uint32) {
		mu.Lock()
		received = append(received, cmd)
		mu.Unlock()

		switch cmd {
		case "hostname":
			return "testhost\n", 0
		case "grep 'not persisted to disk' /run/test/suspended":
			return "", 2
		default:
			return "", 0
		}
	})
	client := newTestClient(t, addr, key)
	ctx := context.Background()

	t.Run("zero exit", func(t *testing.T) {
		res, err := client.Run(ctx, execcontext.Empty(), "hostname")
		require.NoError(t, err)
		assert.True(t, res.Succeeded())
		assert.Equal(t, "testhost\n", res.Stdout)
		assert.Equal(t, "testhost", res.Output())
	})

	t.Run("non-zero exit is not an error", func(t *testing.T) {
		res, err := client.Run(ctx, execcontext.Empty(), "grep 'not persisted to disk' /run/test/suspended")
		require.NoError(t, err)
		assert.False(t, res.Succeeded())
		assert.Equal(t, 2, res.ExitCode)
	})

	t.Run("exec context wraps the command", func(t *testing.T) {
		_, err := client.Run(ctx, execcontext.Sudo(), "udevadm settle")
		require.NoError(t, err)

		mu.Lock()
		defer mu.Unlock()
		assert.Equal(t, "sudo -n sh -c 'udevadm settle'", received[len(received)-1])
	})
}

func TestClient_Run_InvalidKey(t *testing.T) {
	client := &ssh.Client{Host: "127.0.0.1", Port: "1", User: "root", PrivateKey: []byte("garbage")}

	_, err := client.Run(context.Background(), execcontext.Empty(), "true")
	assert.ErrorContains(t, err, "unable to parse private key")
}

func TestClient_AwaitServer(t *testing.T) {
	addr, key := startTestServer(t, func(string) (string, uint32) { return "", 0 })
	client := newTestClient(t, addr, key)

	assert.NoError(t, client.AwaitServer(context.Background(), 5*time.Second))
}

func TestClient_AwaitServer_Timeout(t *testing.T) {
	_, key := startTestServer(t, func(string) (string, uint32) { return "", 0 })

	// Reserve a port and close it so nothing listens there.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())

	client := newTestClient(t, addr, key)
	err = client.AwaitServer(context.Background(), 200*time.Millisecond)
	assert.ErrorContains(t, err, "timed out waiting for SSH server")
}
