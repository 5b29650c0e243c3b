// BSD 2-Clause License
//
// Copyright (c) 2020, Andrea Giacomo Baldan
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
// * Redistributions of source code must retain the above copyright notice, this
//   list of conditions and the following disclaimer.
//
// * Redistributions in binary form must reproduce the above copyright notice,
//   this list of conditions and the following disclaimer in the documentation
//   and/or other materials provided with the distribution.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

// Package sshexec runs one command or uploaded script per task over a single
// outgoing SSH connection, mapping connection and execution failures onto
// the closed FailureReason taxonomy.
package sshexec

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
	"net"
	"strings"
	"time"

	"github.com/codepr/opsctl/internal/model"
	"golang.org/x/crypto/ssh"
)

// Auth carries exactly one of password or private-key (+optional
// passphrase) authentication.
type Auth struct {
	Password   string
	PrivateKey string
	Passphrase string
}

// Config is everything needed to run one command against one host.
type Config struct {
	Host                  string
	Port                  int
	Username              string
	Auth                  Auth
	KeyMode               model.HostKeyMode
	KnownHosts            map[string]string
	ConnectTimeout        time.Duration
	HandshakeTimeout      time.Duration
	CommandTimeout        time.Duration
}

// ProgressFunc is invoked as stdout chunks arrive; IsFinal is true exactly
// once, on the last call, whether the command succeeded or not.
type ProgressFunc func(chunk string, isFinal bool)

// Result is the outcome of one execute call.
type Result struct {
	ExitCode      int
	Stdout        string
	Stderr        string
	DurationSecs  float64
	TimedOut      bool
	FailureReason model.FailureReason
}

// Client runs one command or script per instance; it is not reused across
// hosts.
type Client struct {
	cfg Config
}

func New(cfg Config) *Client {
	return &Client{cfg: cfg}
}

// Execute dials, authenticates, runs body (a shell command or script
// content) and tears the connection down. ctx's deadline, if any, bounds
// the whole operation in addition to cfg's own timeouts.
func (c *Client) Execute(ctx context.Context, body string, progress ProgressFunc) (*Result, error) {
	start := time.Now()

	clientCfg, err := c.buildClientConfig()
	if err != nil {
		return &Result{FailureReason: model.FailureAuthFailed}, err
	}

	deadline := c.cfg.CommandTimeout
	if deadline <= 0 {
		deadline = 30 * time.Minute
	}
	execCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	conn, reason, err := c.dial(execCtx, clientCfg)
	if err != nil {
		return &Result{
			DurationSecs:  time.Since(start).Seconds(),
			FailureReason: reason,
		}, err
	}
	defer conn.Close()

	session, err := conn.NewSession()
	if err != nil {
		return &Result{
			DurationSecs:  time.Since(start).Seconds(),
			FailureReason: model.FailureUnknown,
		}, err
	}
	defer session.Close()

	var stdout, stderr bytes.Buffer
	stdoutPipe, err := session.StdoutPipe()
	if err != nil {
		return &Result{FailureReason: model.FailureUnknown}, err
	}
	session.Stderr = &stderr

	done := make(chan error, 1)
	go func() { done <- session.Run(body) }()
	go streamProgress(stdoutPipe, &stdout, progress)

	select {
	case err := <-done:
		if progress != nil {
			progress("", true)
		}
		return c.finish(start, &stdout, &stderr, err)
	case <-execCtx.Done():
		session.Signal(ssh.SIGKILL)
		session.Close()
		if progress != nil {
			progress("", true)
		}
		return &Result{
			ExitCode:      124,
			Stdout:        stdout.String(),
			Stderr:        stderr.String(),
			DurationSecs:  time.Since(start).Seconds(),
			TimedOut:      true,
			FailureReason: model.FailureCommandTimeout,
		}, model.NewError(model.KindSSHFailure, "command exceeded deadline", execCtx.Err())
	}
}

func streamProgress(r interface{ Read([]byte) (int, error) }, buf *bytes.Buffer, progress ProgressFunc) {
	chunk := make([]byte, 4096)
	for {
		n, err := r.Read(chunk)
		if n > 0 {
			buf.Write(chunk[:n])
			if progress != nil {
				progress(string(chunk[:n]), false)
			}
		}
		if err != nil {
			return
		}
	}
}

func (c *Client) finish(start time.Time, stdout, stderr *bytes.Buffer, runErr error) (*Result, error) {
	duration := time.Since(start).Seconds()
	if runErr == nil {
		return &Result{
			ExitCode:     0,
			Stdout:       stdout.String(),
			Stderr:       stderr.String(),
			DurationSecs: duration,
		}, nil
	}

	exitCode := -1
	if exitErr, ok := runErr.(*ssh.ExitError); ok {
		exitCode = exitErr.ExitStatus()
	}

	return &Result{
		ExitCode:      exitCode,
		Stdout:        stdout.String(),
		Stderr:        stderr.String(),
		DurationSecs:  duration,
		FailureReason: model.FailureCommandFailed,
	}, model.NewError(model.KindSSHFailure, "command failed", runErr)
}

func (c *Client) buildClientConfig() (*ssh.ClientConfig, error) {
	var authMethods []ssh.AuthMethod
	if c.cfg.Auth.PrivateKey != "" {
		var signer ssh.Signer
		var err error
		if c.cfg.Auth.Passphrase != "" {
			signer, err = ssh.ParsePrivateKeyWithPassphrase([]byte(c.cfg.Auth.PrivateKey), []byte(c.cfg.Auth.Passphrase))
		} else {
			signer, err = ssh.ParsePrivateKey([]byte(c.cfg.Auth.PrivateKey))
		}
		if err != nil {
			return nil, model.NewError(model.KindSSHFailure, "invalid private key", err)
		}
		authMethods = append(authMethods, ssh.PublicKeys(signer))
	} else {
		authMethods = append(authMethods, ssh.Password(c.cfg.Auth.Password))
	}

	handshakeTimeout := c.cfg.HandshakeTimeout
	if handshakeTimeout <= 0 {
		handshakeTimeout = 10 * time.Second
	}

	return &ssh.ClientConfig{
		User:            c.cfg.Username,
		Auth:            authMethods,
		HostKeyCallback: c.hostKeyCallback(),
		Timeout:         handshakeTimeout,
	}, nil
}

// hostKeyCallback implements strict/accept/disabled per spec.md §4.D:
// strict matches the SHA-256 fingerprint against the known-hosts map;
// accept trusts whatever is presented; disabled performs no check.
func (c *Client) hostKeyCallback() ssh.HostKeyCallback {
	switch c.cfg.KeyMode {
	case model.HostKeyDisabled:
		return ssh.InsecureIgnoreHostKey()
	case model.HostKeyAccept:
		return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			return nil
		}
	default: // strict
		return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
			want, ok := c.cfg.KnownHosts[hostname]
			if !ok {
				return model.NewError(model.KindSSHFailure, "unknown host key", nil)
			}
			got := Fingerprint(key)
			if got != want {
				return model.NewError(model.KindSSHFailure, "host key fingerprint mismatch", nil)
			}
			return nil
		}
	}
}

// Fingerprint returns the SHA-256 fingerprint of a host key in the
// "SHA256:<base64>" form used by OpenSSH.
func Fingerprint(key ssh.PublicKey) string {
	sum := sha256.Sum256(key.Marshal())
	return "SHA256:" + base64.StdEncoding.EncodeToString(sum[:])
}

// dial connects and performs the handshake, classifying failures into
// network-error, auth-failed or handshake-timeout per spec.md §4.D.
func (c *Client) dial(ctx context.Context, cfg *ssh.ClientConfig) (*ssh.Client, model.FailureReason, error) {
	addr := fmt.Sprintf("%s:%d", c.cfg.Host, c.cfg.Port)

	connectTimeout := c.cfg.ConnectTimeout
	if connectTimeout <= 0 {
		connectTimeout = 10 * time.Second
	}

	dialer := net.Dialer{Timeout: connectTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, model.FailureNetworkError, model.NewError(model.KindSSHFailure, "tcp dial failed", err)
	}

	type handshakeResult struct {
		client *ssh.Client
		err    error
	}
	resultCh := make(chan handshakeResult, 1)
	go func() {
		sshConn, chans, reqs, err := ssh.NewClientConn(conn, addr, cfg)
		if err != nil {
			resultCh <- handshakeResult{nil, err}
			return
		}
		resultCh <- handshakeResult{ssh.NewClient(sshConn, chans, reqs), nil}
	}()

	select {
	case res := <-resultCh:
		if res.err != nil {
			conn.Close()
			if isAuthError(res.err) {
				return nil, model.FailureAuthFailed, model.NewError(model.KindSSHFailure, "authentication refused", res.err)
			}
			return nil, model.FailureHandshakeTimeout, model.NewError(model.KindSSHFailure, "handshake failed", res.err)
		}
		return res.client, "", nil
	case <-time.After(cfg.Timeout):
		conn.Close()
		return nil, model.FailureHandshakeTimeout, model.NewError(model.KindSSHFailure, "handshake timed out", nil)
	case <-ctx.Done():
		conn.Close()
		return nil, model.FailureHandshakeTimeout, model.NewError(model.KindSSHFailure, "handshake cancelled", ctx.Err())
	}
}

// isAuthError recognizes the client-side "unable to authenticate" error
// x/crypto/ssh returns once every offered auth method has been rejected;
// the package does not export a distinct error type for it.
func isAuthError(err error) bool {
	return strings.Contains(err.Error(), "unable to authenticate")
}
