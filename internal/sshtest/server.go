// Package sshtest provides an in-process SSH server for tests. It runs exec
// requests through the local /bin/sh, serves the sftp subsystem with
// pkg/sftp and forwards direct-tcpip channels, which is enough to exercise
// real client connections, jump hosts and file transfers without Docker.
package sshtest

import (
	"fmt"
	"io"
	"net"
	"os/exec"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/sshmux/internal/sshkeys"
)

// Options configures a test server.
type Options struct {
	// Password, when non-empty, enables password auth for any user.
	Password string
	// AuthorizedKeys enables public key auth for the listed keys.
	AuthorizedKeys []ssh.PublicKey
	// Dir is the working directory exec commands start in. Empty means the
	// test binary's working directory.
	Dir string
}

// Server is a running test SSH server.
type Server struct {
	Addr string
	Host string
	Port int

	opts     Options
	listener net.Listener
	done     chan struct{}

	mu       sync.Mutex
	netConns []net.Conn

	handshakes   atomic.Int64
	execs        atomic.Int64
	sftpSessions atomic.Int64
	forwards     atomic.Int64
	dropExecs    atomic.Int64
	execDelay    atomic.Int64
}

// NewServer starts a server on 127.0.0.1 and registers its shutdown with
// t.Cleanup.
func NewServer(t testing.TB, opts Options) *Server {
	t.Helper()

	_, hostKeyPEM, err := sshkeys.GenerateKeyPair()
	if err != nil {
		t.Fatalf("generate host key: %v", err)
	}
	hostSigner, err := sshkeys.ParsePrivateKey(hostKeyPEM)
	if err != nil {
		t.Fatalf("parse host key: %v", err)
	}

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}

	s := &Server{
		Addr:     listener.Addr().String(),
		opts:     opts,
		listener: listener,
		done:     make(chan struct{}),
	}
	host, portStr, _ := net.SplitHostPort(s.Addr)
	s.Host = host
	s.Port, _ = strconv.Atoi(portStr)

	config := s.serverConfig()
	config.AddHostKey(hostSigner)

	go s.acceptLoop(config)
	t.Cleanup(s.Close)
	return s
}

func (s *Server) serverConfig() *ssh.ServerConfig {
	config := &ssh.ServerConfig{}
	if s.opts.Password != "" {
		config.PasswordCallback = func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			if string(password) == s.opts.Password {
				return &ssh.Permissions{}, nil
			}
			return nil, fmt.Errorf("password rejected for %s", conn.User())
		}
	}
	if len(s.opts.AuthorizedKeys) > 0 {
		config.PublicKeyCallback = func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			for _, k := range s.opts.AuthorizedKeys {
				if ssh.FingerprintSHA256(k) == ssh.FingerprintSHA256(key) {
					return &ssh.Permissions{}, nil
				}
			}
			return nil, fmt.Errorf("unknown public key")
		}
	}
	return config
}

func (s *Server) acceptLoop(config *ssh.ServerConfig) {
	defer close(s.done)
	for {
		netConn, err := s.listener.Accept()
		if err != nil {
			return
		}
		s.mu.Lock()
		s.netConns = append(s.netConns, netConn)
		s.mu.Unlock()
		go s.handleConn(netConn, config)
	}
}

// Close stops the listener and drops every open connection.
func (s *Server) Close() {
	s.listener.Close()
	s.DropConnections()
	<-s.done
}

// DropConnections forcefully closes all accepted TCP connections, which the
// client side observes as a lost connection.
func (s *Server) DropConnections() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, c := range s.netConns {
		c.Close()
	}
	s.netConns = nil
}

// DropNextExecs makes the next n exec requests close the whole connection
// instead of running.
func (s *Server) DropNextExecs(n int) {
	s.dropExecs.Store(int64(n))
}

// SetExecDelay delays every exec request by d before running it.
func (s *Server) SetExecDelay(d time.Duration) {
	s.execDelay.Store(int64(d))
}

// Handshakes returns the number of completed SSH handshakes.
func (s *Server) Handshakes() int { return int(s.handshakes.Load()) }

// Execs returns the number of exec requests that ran a command.
func (s *Server) Execs() int { return int(s.execs.Load()) }

// SFTPSessions returns the number of sftp subsystem requests served.
func (s *Server) SFTPSessions() int { return int(s.sftpSessions.Load()) }

// Forwards returns the number of direct-tcpip channels opened through the server.
func (s *Server) Forwards() int { return int(s.forwards.Load()) }

func (s *Server) handleConn(netConn net.Conn, config *ssh.ServerConfig) {
	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, config)
	if err != nil {
		netConn.Close()
		return
	}
	defer sshConn.Close()
	s.handshakes.Add(1)

	go func() {
		for req := range reqs {
			if req.WantReply {
				req.Reply(true, nil)
			}
		}
	}()

	for newChan := range chans {
		switch newChan.ChannelType() {
		case "session":
			ch, requests, err := newChan.Accept()
			if err != nil {
				continue
			}
			go s.handleSession(netConn, ch, requests)
		case "direct-tcpip":
			go s.handleForward(newChan)
		default:
			newChan.Reject(ssh.UnknownChannelType, "unknown channel type")
		}
	}
}

func (s *Server) handleSession(netConn net.Conn, ch ssh.Channel, requests <-chan *ssh.Request) {
	defer ch.Close()
	for req := range requests {
		switch req.Type {
		case "exec":
			var payload struct{ Command string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
				req.Reply(false, nil)
				return
			}
			if s.dropExecs.Load() > 0 {
				s.dropExecs.Add(-1)
				netConn.Close()
				return
			}
			req.Reply(true, nil)
			s.runExec(ch, payload.Command)
			return
		case "subsystem":
			var payload struct{ Name string }
			if err := ssh.Unmarshal(req.Payload, &payload); err != nil || payload.Name != "sftp" {
				req.Reply(false, nil)
				continue
			}
			req.Reply(true, nil)
			s.sftpSessions.Add(1)
			go discardRequests(requests)
			server, err := sftp.NewServer(ch)
			if err != nil {
				return
			}
			server.Serve()
			server.Close()
			return
		default:
			if req.WantReply {
				req.Reply(req.Type == "env" || req.Type == "pty-req", nil)
			}
		}
	}
}

func (s *Server) runExec(ch ssh.Channel, command string) {
	if d := time.Duration(s.execDelay.Load()); d > 0 {
		time.Sleep(d)
	}
	s.execs.Add(1)

	cmd := exec.Command("/bin/sh", "-c", command)
	cmd.Dir = s.opts.Dir
	cmd.Stdout = ch
	cmd.Stderr = ch.Stderr()

	status := 0
	if err := cmd.Run(); err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			status = exitErr.ExitCode()
		} else {
			fmt.Fprintf(ch.Stderr(), "exec: %v\n", err)
			status = 127
		}
	}
	ch.CloseWrite()
	ch.SendRequest("exit-status", false, ssh.Marshal(struct{ Status uint32 }{uint32(status)}))
}

func (s *Server) handleForward(newChan ssh.NewChannel) {
	var payload struct {
		Host     string
		Port     uint32
		OrigHost string
		OrigPort uint32
	}
	if err := ssh.Unmarshal(newChan.ExtraData(), &payload); err != nil {
		newChan.Reject(ssh.ConnectionFailed, "bad payload")
		return
	}
	target, err := net.Dial("tcp", net.JoinHostPort(payload.Host, strconv.Itoa(int(payload.Port))))
	if err != nil {
		newChan.Reject(ssh.ConnectionFailed, err.Error())
		return
	}
	ch, requests, err := newChan.Accept()
	if err != nil {
		target.Close()
		return
	}
	s.forwards.Add(1)
	go ssh.DiscardRequests(requests)

	go func() {
		io.Copy(target, ch)
		target.Close()
	}()
	io.Copy(ch, target)
	ch.Close()
}

func discardRequests(requests <-chan *ssh.Request) {
	for req := range requests {
		if req.WantReply {
			req.Reply(false, nil)
		}
	}
}
