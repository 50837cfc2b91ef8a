// Copyright 2024 Alexandre Mahdhaoui
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package ssh

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"strings"
	"time"

	"github.com/alexandremahdhaoui/installsuite/pkg/execcontext"
	"golang.org/x/crypto/ssh"
)

var (
	errParsePrivateKey = errors.New("unable to parse private key")
	errDial            = errors.New("unable to connect")
	errNewSession      = errors.New("unable to create SSH session")
	errRemoteCommand   = errors.New("remote command did not complete")
	errAwaitServer     = errors.New("timed out waiting for SSH server")
)

const dialTimeout = 10 * time.Second

// Client implements the Runner interface for real SSH connections.
// A new connection is dialed per command: the guest may have rebooted or
// resumed from hibernation between two calls.
type Client struct {
	Host       string
	User       string
	PrivateKey []byte
	Port       string
}

// NewClient creates a new SSH client.
func NewClient(host, user, privateKeyPath, port string) (*Client, error) {
	key, err := os.ReadFile(privateKeyPath)
	if err != nil {
		return nil, fmt.Errorf("unable to read private key: %w", err)
	}

	return &Client{
			Host:       host,
			User:       user,
			PrivateKey: key,
			Port:       port,
		},
		nil
}

func (c *Client) config() (*ssh.ClientConfig, error) {
	signer, err := ssh.ParsePrivateKey(c.PrivateKey)
	if err != nil {
		return nil, errors.Join(err, errParsePrivateKey)
	}

	return &ssh.ClientConfig{
		User: c.User,
		Auth: []ssh.AuthMethod{
			ssh.PublicKeys(signer),
		},
		// Every boot of the installed system generates fresh host keys.
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         dialTimeout,
	}, nil
}

func (c *Client) addr() string {
	return net.JoinHostPort(c.Host, c.Port)
}

// Run executes cmd through the remote shell and returns its output and exit
// status. A non-zero exit is reported in Result.ExitCode, not as an error.
func (c *Client) Run(
	ctx context.Context,
	execCtx execcontext.Context,
	cmd string,
) (Result, error) {
	config, err := c.config()
	if err != nil {
		return Result{}, err
	}

	conn, err := dialContext(ctx, c.addr(), config)
	if err != nil {
		return Result{}, errors.Join(err, fmt.Errorf("addr=%s", c.addr()), errDial)
	}
	defer runFuncAndLogErr(conn.Close)

	session, err := conn.NewSession()
	if err != nil {
		return Result{}, errors.Join(err, errNewSession)
	}
	defer runFuncAndLogErr(session.Close)

	var stdoutBuf, stderrBuf bytes.Buffer
	session.Stdout = &stdoutBuf
	session.Stderr = &stderrBuf

	done := make(chan error, 1)
	go func() {
		done <- session.Run(execcontext.FormatShell(execCtx, cmd))
	}()

	select {
	case <-ctx.Done():
		_ = session.Signal(ssh.SIGKILL)
		return Result{}, ctx.Err()
	case err = <-done:
	}

	res := Result{Stdout: stdoutBuf.String(), Stderr: stderrBuf.String()}
	var exitErr *ssh.ExitError
	switch {
	case err == nil:
		return res, nil
	case errors.As(err, &exitErr):
		res.ExitCode = exitErr.ExitStatus()
		return res, nil
	default:
		return res, errors.Join(err, fmt.Errorf("cmd=%s", cmd), errRemoteCommand)
	}
}

// AwaitServer waits for the SSH server to accept our key.
func (c *Client) AwaitServer(ctx context.Context, timeout time.Duration) error {
	config, err := c.config()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	tick := time.NewTicker(2 * time.Second)
	defer tick.Stop()

	for {
		conn, err := dialContext(ctx, c.addr(), config)
		if err == nil {
			_ = conn.Close()
			return nil
		}
		slog.Debug("ssh server not ready", "addr", c.addr(), "err", err.Error())

		select {
		case <-ctx.Done():
			return errors.Join(ctx.Err(), fmt.Errorf("addr=%s", c.addr()), errAwaitServer)
		case <-tick.C:
		}
	}
}

func dialContext(ctx context.Context, addr string, config *ssh.ClientConfig) (*ssh.Client, error) {
	d := net.Dialer{Timeout: config.Timeout}
	netConn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, err
	}

	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, config)
	if err != nil {
		_ = netConn.Close()
		return nil, err
	}
	return ssh.NewClient(sshConn, chans, reqs), nil
}

// Succeeded reports whether r denotes a zero exit status.
func (r Result) Succeeded() bool {
	return r.ExitCode == 0
}

// Output returns stdout followed by stderr, trimmed.
func (r Result) Output() string {
	return strings.TrimSpace(r.Stdout + r.Stderr)
}

func runFuncAndLogErr(f func() error) {
	if err := f(); err != nil && !errors.Is(err, net.ErrClosed) {
		slog.Debug("error closing ssh session or connection", "err", err.Error())
	}
}
