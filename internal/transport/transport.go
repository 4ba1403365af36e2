// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Backup License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package transport supplies the duplex byte stream abstraction the
// orchestrator opens one of per node (spec.md §4.9 phase 1, §9
// Polymorphism): a factory returning something that can be read from and
// written to, regardless of whether the peer is an in-process pipe, a
// spawned local child, or a remote shell over SSH.
package transport

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"strconv"
	"strings"
)

// Stream is a duplex byte connection to one Serve.
type Stream interface {
	io.Reader
	io.Writer
	// Close terminates the underlying connection or process.
	Close() error
}

// Dialer opens a Stream to one node. Implementations may block until the
// peer is ready to accept the protocol handshake.
type Dialer interface {
	Dial(ctx context.Context) (Stream, error)
	// String describes the target, for logging.
	String() string
}

// pipeStream adapts a pair of io.ReadCloser/io.WriteCloser plus an
// optional waiter into a Stream.
type pipeStream struct {
	io.Reader
	io.Writer
	closer func() error
}

func (p *pipeStream) Close() error {
	if p.closer == nil {
		return nil
	}
	return p.closer()
}

// LocalPipePair connects the orchestrator to a Serve running in its own
// local child process, communicating over the child's stdin/stdout.
type LocalPipePair struct {
	// Path is the directory this Serve instance should operate on.
	Path string
	// SyncrBinary is the path to the syncr executable to spawn in "serve"
	// mode; defaults to "syncr" (resolved via PATH) when empty.
	SyncrBinary string
}

func (l *LocalPipePair) String() string { return "local:" + l.Path }

// Dial spawns `<syncr-binary> serve <path>` and wires its stdio as the
// duplex stream.
func (l *LocalPipePair) Dial(ctx context.Context) (Stream, error) {
	bin := l.SyncrBinary
	if bin == "" {
		bin = "syncr"
	}
	cmd := exec.CommandContext(ctx, bin, "serve", l.Path)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdin pipe to local serve child: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdout pipe from local serve child: %w", err)
	}
	cmd.Stderr = nil

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting local serve child for %s: %w", l.Path, err)
	}

	return &pipeStream{
		Reader: stdout,
		Writer: stdin,
		closer: func() error {
			stdin.Close()
			return cmd.Wait()
		},
	}, nil
}

// SshChildProcess connects to a remote node by spawning `ssh host syncr
// serve path` and wiring its stdio.
type SshChildProcess struct {
	Host string
	Port int
	Path string

	// SshBinary defaults to "ssh".
	SshBinary string
	// SyncrBinary is the remote syncr executable path; defaults to "syncr".
	SyncrBinary string
}

func (s *SshChildProcess) String() string {
	if s.Port != 0 {
		return fmt.Sprintf("ssh:%s:%d:%s", s.Host, s.Port, s.Path)
	}
	return fmt.Sprintf("ssh:%s:%s", s.Host, s.Path)
}

// Dial spawns the SSH child and returns its stdio as the duplex stream.
func (s *SshChildProcess) Dial(ctx context.Context) (Stream, error) {
	sshBin := s.SshBinary
	if sshBin == "" {
		sshBin = "ssh"
	}
	remoteBin := s.SyncrBinary
	if remoteBin == "" {
		remoteBin = "syncr"
	}

	args := []string{}
	if s.Port != 0 {
		args = append(args, "-p", fmt.Sprint(s.Port))
	}
	args = append(args, s.Host, remoteBin, "serve", s.Path)

	cmd := exec.CommandContext(ctx, sshBin, args...)

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdin pipe to ssh child: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("opening stdout pipe from ssh child: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("starting ssh to %s: %w", s.Host, err)
	}

	return &pipeStream{
		Reader: stdout,
		Writer: stdin,
		closer: func() error {
			stdin.Close()
			return cmd.Wait()
		},
	}, nil
}

// InProcessLoopback connects two in-memory halves directly, for tests
// that run Serve as a goroutine rather than a subprocess.
type InProcessLoopback struct {
	name string
	r    *io.PipeReader
	w    *io.PipeWriter
}

// NewInProcessPair returns two Streams, each half's writes visible as the
// other half's reads — client talks to server, server talks to client.
func NewInProcessPair(name string) (client, server *InProcessLoopback) {
	r1, w1 := io.Pipe() // client -> server
	r2, w2 := io.Pipe() // server -> client

	client = &InProcessLoopback{name: name + ":client", r: r2, w: w1}
	server = &InProcessLoopback{name: name + ":server", r: r1, w: w2}
	return client, server
}

func (l *InProcessLoopback) Read(p []byte) (int, error)  { return l.r.Read(p) }
func (l *InProcessLoopback) Write(p []byte) (int, error) { return l.w.Write(p) }
func (l *InProcessLoopback) String() string              { return l.name }

// Close closes both ends of this half's pipe.
func (l *InProcessLoopback) Close() error {
	werr := l.w.Close()
	rerr := l.r.Close()
	if werr != nil {
		return werr
	}
	return rerr
}

// LoopbackDialer adapts a pre-built InProcessLoopback into a Dialer, for
// tests that construct the pair up front.
type LoopbackDialer struct {
	Stream *InProcessLoopback
}

func (d *LoopbackDialer) String() string { return d.Stream.String() }

func (d *LoopbackDialer) Dial(ctx context.Context) (Stream, error) {
	return d.Stream, nil
}

// ParseTarget turns one `sync` command-line spec into a Dialer: either
// "local:<path>" / a bare path for a same-host target, or
// "<host>:<path>" / "<host>:<port>:<path>" for an SSH target (spec.md
// §6 "host[:port]:path").
func ParseTarget(spec, syncrBinary string) (Dialer, error) {
	if spec == "" {
		return nil, fmt.Errorf("empty target spec")
	}

	if rest, ok := strings.CutPrefix(spec, "local:"); ok {
		return &LocalPipePair{Path: rest, SyncrBinary: syncrBinary}, nil
	}

	parts := strings.Split(spec, ":")
	switch len(parts) {
	case 1:
		return &LocalPipePair{Path: parts[0], SyncrBinary: syncrBinary}, nil
	case 2:
		return &SshChildProcess{Host: parts[0], Path: parts[1], SyncrBinary: syncrBinary}, nil
	case 3:
		port, err := strconv.Atoi(parts[1])
		if err != nil {
			return nil, fmt.Errorf("parsing target %q: invalid port %q: %w", spec, parts[1], err)
		}
		return &SshChildProcess{Host: parts[0], Port: port, Path: parts[2], SyncrBinary: syncrBinary}, nil
	default:
		return nil, fmt.Errorf("parsing target %q: expected path, host:path, or host:port:path", spec)
	}
}
