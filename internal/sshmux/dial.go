package sshmux

import (
	"context"
	"fmt"
	"net"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/gluk-w/sshmux/internal/logging"
	"github.com/gluk-w/sshmux/internal/sshkeys"
)

func (m *Multiplexer) authMethods(c Credentials) ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if c.KeyPath != "" {
		signer, err := sshkeys.LoadSigner(c.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("load private key %s: %w", c.KeyPath, err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if c.Password != "" {
		password := c.Password
		methods = append(methods,
			ssh.Password(password),
			ssh.KeyboardInteractive(func(_, _ string, questions []string, _ []bool) ([]string, error) {
				answers := make([]string, len(questions))
				for i := range answers {
					answers[i] = password
				}
				return answers, nil
			}),
		)
	}
	if len(methods) == 0 {
		return nil, fmt.Errorf("%w: no password, key or system key available for %s@%s", ErrInput, c.Username, c.Host)
	}
	return methods, nil
}

// hostKeyCallback verifies against the known_hosts file when one is
// configured and accepts any host key otherwise.
func (m *Multiplexer) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if m.opts.KnownHostsPath == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(m.opts.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("load known_hosts %s: %w", m.opts.KnownHostsPath, err)
	}
	return cb, nil
}

// dial opens a new SSH client for c, tunnelled through via when it is not
// nil. The TCP dial and the handshake are bounded by the connect timeout.
func (m *Multiplexer) dial(ctx context.Context, c Credentials, via *ssh.Client) (*ssh.Client, error) {
	auth, err := m.authMethods(c)
	if err != nil {
		return nil, err
	}
	hostKeys, err := m.hostKeyCallback()
	if err != nil {
		return nil, err
	}
	cfg := &ssh.ClientConfig{
		User:            c.Username,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         m.opts.ConnectTimeout,
	}

	addr := c.addr()
	dialCtx, cancel := context.WithTimeout(ctx, m.opts.ConnectTimeout)
	defer cancel()

	var netConn net.Conn
	if via != nil {
		logging.Debugf("[sshmux] opening direct-tcpip channel to %s through jump host %q", addr, c.Via)
		netConn, err = via.DialContext(dialCtx, "tcp", addr)
	} else {
		dialer := net.Dialer{Timeout: m.opts.ConnectTimeout}
		netConn, err = dialer.DialContext(dialCtx, "tcp", addr)
	}
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}

	// Tunnelled channels do not support deadlines; the error is ignored and
	// the handshake relies on the jump host connection instead.
	_ = netConn.SetDeadline(time.Now().Add(m.opts.ConnectTimeout))
	sshConn, chans, reqs, err := ssh.NewClientConn(netConn, addr, cfg)
	if err != nil {
		netConn.Close()
		return nil, fmt.Errorf("ssh handshake with %s: %w", addr, err)
	}
	_ = netConn.SetDeadline(time.Time{})

	logging.Debugf("[sshmux] handshake with %s complete (server %s)", addr, sshConn.ServerVersion())
	return ssh.NewClient(sshConn, chans, reqs), nil
}
