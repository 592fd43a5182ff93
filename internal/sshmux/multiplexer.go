package sshmux

import (
	"context"
	"fmt"
	"log"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/crypto/ssh"

	"github.com/gluk-w/sshmux/internal/config"
	"github.com/gluk-w/sshmux/internal/sshkeys"
)

// DefaultAlias is used by Connect when the caller does not name the alias.
// An alias with this name always becomes the primary alias.
const DefaultAlias = "primary"

const (
	defaultCommandTimeout = 60 * time.Second
	defaultConnectTimeout = 30 * time.Second
	defaultPort           = 22
)

// Auditor receives security-relevant events. A nil Auditor disables
// auditing.
type Auditor interface {
	ConnectionEstablished(alias, username, addr string)
	ConnectionFailed(alias, username, addr, reason string)
	ConnectionTerminated(alias, username, reason string, duration time.Duration)
	CommandExecuted(alias, username, command string, exitCode int, duration time.Duration)
	FileOperation(alias, username, operation, path string)
}

// Options configures a Multiplexer. Zero durations select the defaults.
type Options struct {
	// Root confines every file operation. Defaults to "/".
	Root string

	// Keys is the system key pair used when Connect gets neither a password
	// nor a key path. May be nil.
	Keys *sshkeys.KeyPair

	CommandTimeout time.Duration
	ConnectTimeout time.Duration

	// KeepaliveInterval is the keepalive probe period. Zero disables probes.
	KeepaliveInterval time.Duration

	// KnownHostsPath enables host key verification when set.
	KnownHostsPath string

	// Delimiter overrides the generated cwd sentinel.
	Delimiter string

	Auditor Auditor
}

// OptionsFromConfig maps loaded settings onto Options.
func OptionsFromConfig(cfg config.Settings, keys *sshkeys.KeyPair, auditor Auditor) Options {
	return Options{
		Root:              cfg.AllowedRoot,
		Keys:              keys,
		CommandTimeout:    cfg.CommandTimeout,
		ConnectTimeout:    cfg.ConnectTimeout,
		KeepaliveInterval: cfg.KeepaliveInterval,
		KnownHostsPath:    cfg.KnownHostsPath,
		Auditor:           auditor,
	}
}

// Credentials describe how to (re)build the connection of one alias. The
// struct is comparable; two identical values mean the same connection.
type Credentials struct {
	Host     string `json:"host" yaml:"host"`
	Username string `json:"username" yaml:"username"`
	Port     int    `json:"port" yaml:"port"`
	KeyPath  string `json:"key_path,omitempty" yaml:"key_path,omitempty"`
	Password string `json:"-" yaml:"password,omitempty"`
	Via      string `json:"via,omitempty" yaml:"via,omitempty"`
}

func (c Credentials) addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// liveConn is an established client plus the cancel func of its keepalive.
type liveConn struct {
	client      *ssh.Client
	cancel      context.CancelFunc
	connectedAt time.Time
}

// Multiplexer owns the SSH connections of one caller. It is safe for
// concurrent use.
type Multiplexer struct {
	id        string
	root      string
	delimiter string
	opts      Options

	// mu serialises connect, reconnect and disconnect. It is never taken
	// while waiting for an alias lock.
	mu sync.Mutex

	// connsMu guards the maps and primary below. Held only briefly.
	connsMu sync.RWMutex
	conns   map[string]*liveConn
	creds   map[string]Credentials
	cwds    map[string]string
	primary string

	locks  *lockTable
	states *stateTracker
	events *eventLog
}

// New returns an empty Multiplexer.
func New(opts Options) *Multiplexer {
	if opts.CommandTimeout <= 0 {
		opts.CommandTimeout = defaultCommandTimeout
	}
	if opts.ConnectTimeout <= 0 {
		opts.ConnectTimeout = defaultConnectTimeout
	}
	id := uuid.NewString()
	delimiter := opts.Delimiter
	if delimiter == "" {
		delimiter = "___SSHMUX_CWD_" + strings.ReplaceAll(id, "-", "") + "___"
	}
	return &Multiplexer{
		id:        id,
		root:      normalizeRoot(opts.Root),
		delimiter: delimiter,
		opts:      opts,
		conns:     make(map[string]*liveConn),
		creds:     make(map[string]Credentials),
		cwds:      make(map[string]string),
		locks:     newLockTable(),
		states:    newStateTracker(),
		events:    newEventLog(),
	}
}

// ID returns the random identifier of this multiplexer.
func (m *Multiplexer) ID() string { return m.id }

// Root returns the confinement root.
func (m *Multiplexer) Root() string { return m.root }

// Connect establishes the connection for alias and caches creds for
// transparent reconnects. Calling it again with identical credentials while
// the alias is live reuses the existing connection.
//
// When creds carry neither a password nor a key path, the system key pair is
// used if it exists. When creds.Via is set, the connection is tunnelled
// through that alias, which is reconnected first if needed.
func (m *Multiplexer) Connect(ctx context.Context, alias string, creds Credentials) (string, error) {
	if alias == "" {
		alias = DefaultAlias
	}
	if creds.Via != "" && creds.Via == alias {
		return "", fmt.Errorf("%w: alias %q cannot use itself as jump host", ErrInput, alias)
	}
	if creds.Host == "" || creds.Username == "" {
		return "", fmt.Errorf("%w: host and username are required", ErrInput)
	}
	if creds.Port == 0 {
		creds.Port = defaultPort
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if creds.KeyPath == "" && creds.Password == "" && m.opts.Keys.Exists() {
		creds.KeyPath = m.opts.Keys.Path()
		log.Printf("[sshmux] using system key %s for alias %q", creds.KeyPath, alias)
	}

	if err := m.checkViaChain(alias, creds.Via); err != nil {
		return "", err
	}

	m.connsMu.Lock()
	existing, known := m.creds[alias]
	_, live := m.conns[alias]
	if known && live && existing == creds {
		m.connsMu.Unlock()
		log.Printf("[sshmux] alias %q already connected to %s@%s, reusing existing session", alias, creds.Username, creds.Host)
		return fmt.Sprintf("Already connected to %s@%s (alias: %s). Reusing existing session.", creds.Username, creds.Host, alias), nil
	}
	m.creds[alias] = creds
	m.connsMu.Unlock()

	log.Printf("[sshmux] connecting to %s@%s as %q (via=%q)", creds.Username, creds.addr(), alias, creds.Via)
	if err := m.connectLocked(ctx, alias, true, nil); err != nil {
		return "", err
	}

	m.connsMu.Lock()
	if m.primary == "" || alias == DefaultAlias {
		m.primary = alias
	}
	m.connsMu.Unlock()

	return fmt.Sprintf("Connected to %s@%s (alias: %s)", creds.Username, creds.Host, alias), nil
}

// connectLocked (re)builds the connection of alias from its cached
// credentials. fresh distinguishes a caller-requested connect, which resets
// the tracked cwd, from a transparent reconnect, which keeps it. chain holds
// the aliases already being connected further up a jump host chain.
// Caller holds m.mu.
func (m *Multiplexer) connectLocked(ctx context.Context, alias string, fresh bool, chain []string) error {
	creds, ok := m.credentials(alias)
	if !ok {
		return fmt.Errorf("%w: no credentials saved for alias %q", ErrNotConnected, alias)
	}
	if slices.Contains(chain, alias) {
		return fmt.Errorf("%w: jump host cycle %s -> %s", ErrInput, strings.Join(chain, " -> "), alias)
	}
	chain = append(slices.Clone(chain), alias)

	if lc := m.takeLive(alias); lc != nil {
		m.closeConn(alias, creds.Username, lc, "replaced by new connection")
	}

	addr := creds.addr()
	if fresh {
		m.states.setState(alias, StateConnecting, "connecting to "+addr)
	} else {
		m.states.setState(alias, StateReconnecting, "reconnecting to "+addr)
		m.events.emit(alias, EventReconnecting, addr)
	}

	var via *ssh.Client
	if creds.Via != "" {
		var err error
		via, err = m.jumpClient(ctx, creds.Via, chain)
		if err != nil {
			return m.connectFailed(alias, creds, fmt.Errorf("jump host %q: %w", creds.Via, err))
		}
	}

	client, err := m.dial(ctx, creds, via)
	if err != nil {
		return m.connectFailed(alias, creds, err)
	}

	cwd := m.cwd(alias)
	if fresh || cwd == "" {
		session, err := client.NewSession()
		if err == nil {
			pwd, runErr := session.Output("pwd")
			session.Close()
			if runErr == nil {
				cwd = strings.TrimSpace(string(pwd))
			} else {
				log.Printf("[sshmux] could not query working directory of %q: %v", alias, runErr)
			}
		} else {
			log.Printf("[sshmux] could not open session on %q: %v", alias, err)
		}
	}

	keepCtx, keepCancel := context.WithCancel(context.Background())
	lc := &liveConn{client: client, cancel: keepCancel, connectedAt: time.Now()}
	m.connsMu.Lock()
	m.conns[alias] = lc
	if cwd != "" {
		m.cwds[alias] = cwd
	}
	m.connsMu.Unlock()

	if m.opts.KeepaliveInterval > 0 {
		go m.keepalive(keepCtx, alias, client, m.opts.KeepaliveInterval)
	}

	m.states.setState(alias, StateConnected, "connected to "+addr)
	if fresh {
		m.events.emit(alias, EventConnected, addr)
	} else {
		m.events.emit(alias, EventReconnected, addr)
	}
	if m.opts.Auditor != nil {
		m.opts.Auditor.ConnectionEstablished(alias, creds.Username, addr)
	}
	log.Printf("[sshmux] connected to %s@%s (alias: %s)", creds.Username, addr, alias)
	return nil
}

func (m *Multiplexer) connectFailed(alias string, creds Credentials, err error) error {
	addr := creds.addr()
	m.states.setState(alias, StateFailed, err.Error())
	m.events.emit(alias, EventConnectFailed, err.Error())
	if m.opts.Auditor != nil {
		m.opts.Auditor.ConnectionFailed(alias, creds.Username, addr, err.Error())
	}
	log.Printf("[sshmux] connection failed for %s@%s (alias: %s): %v", creds.Username, addr, alias, err)
	return &ConnectionError{Alias: alias, Addr: addr, Err: err}
}

// checkViaChain follows the cached jump hosts starting at via and rejects a
// chain that leads back to alias.
func (m *Multiplexer) checkViaChain(alias, via string) error {
	m.connsMu.RLock()
	defer m.connsMu.RUnlock()
	seen := map[string]bool{}
	path := []string{alias}
	for v := via; v != "" && !seen[v]; v = m.creds[v].Via {
		path = append(path, v)
		if v == alias {
			return fmt.Errorf("%w: jump host cycle %s", ErrInput, strings.Join(path, " -> "))
		}
		seen[v] = true
	}
	return nil
}

// jumpClient returns a live client for the jump host alias. A cached handle
// is probed first, since a dead jump host would otherwise only surface as a
// confusing dial error on the tunnelled connection.
func (m *Multiplexer) jumpClient(ctx context.Context, alias string, chain []string) (*ssh.Client, error) {
	client, err := m.ensureConnectedLocked(ctx, alias, chain)
	if err != nil {
		return nil, err
	}
	if _, _, err := client.SendRequest("keepalive@openssh.com", true, nil); err != nil {
		m.discard(alias, client, fmt.Sprintf("jump host probe failed: %v", err))
		return m.ensureConnectedLocked(ctx, alias, chain)
	}
	return client, nil
}

// ensureConnected returns the live client of alias, reconnecting from cached
// credentials when the handle is gone.
func (m *Multiplexer) ensureConnected(ctx context.Context, alias string) (*ssh.Client, error) {
	if client := m.liveClient(alias); client != nil {
		return client, nil
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ensureConnectedLocked(ctx, alias, nil)
}

// ensureConnectedLocked is ensureConnected for callers holding m.mu.
func (m *Multiplexer) ensureConnectedLocked(ctx context.Context, alias string, chain []string) (*ssh.Client, error) {
	if client := m.liveClient(alias); client != nil {
		return client, nil
	}
	if _, ok := m.credentials(alias); !ok {
		return nil, fmt.Errorf("%w: no live connection and no saved credentials for alias %q", ErrNotConnected, alias)
	}
	log.Printf("[sshmux] connection %q is down, reconnecting", alias)
	if err := m.connectLocked(ctx, alias, false, chain); err != nil {
		return nil, err
	}
	return m.liveClient(alias), nil
}

// Disconnect closes alias and forgets its credentials. An empty alias
// disconnects everything.
func (m *Multiplexer) Disconnect(alias string) string {
	m.mu.Lock()
	defer m.mu.Unlock()

	if alias == "" {
		m.connsMu.Lock()
		conns := m.conns
		creds := m.creds
		m.conns = make(map[string]*liveConn)
		m.creds = make(map[string]Credentials)
		m.cwds = make(map[string]string)
		m.primary = ""
		m.connsMu.Unlock()

		for name, lc := range conns {
			m.closeConn(name, creds[name].Username, lc, "disconnected by caller")
		}
		log.Printf("[sshmux] disconnected all (%d) sessions", len(conns))
		return fmt.Sprintf("Disconnected all (%d) sessions.", len(conns))
	}

	m.connsMu.Lock()
	lc, live := m.conns[alias]
	creds := m.creds[alias]
	delete(m.conns, alias)
	delete(m.creds, alias)
	delete(m.cwds, alias)
	if m.primary == alias {
		m.primary = ""
		if remaining := m.aliasesLocked(); len(remaining) > 0 {
			m.primary = remaining[0]
		}
	}
	m.connsMu.Unlock()

	if !live {
		return fmt.Sprintf("No active connection for '%s'.", alias)
	}
	m.closeConn(alias, creds.Username, lc, "disconnected by caller")
	return fmt.Sprintf("Disconnected '%s'.", alias)
}

// discard drops the live handle of alias if it is still client. Credentials
// stay cached, so the next operation reconnects.
func (m *Multiplexer) discard(alias string, client *ssh.Client, reason string) {
	m.connsMu.Lock()
	lc, ok := m.conns[alias]
	if !ok || lc.client != client {
		m.connsMu.Unlock()
		return
	}
	delete(m.conns, alias)
	username := m.creds[alias].Username
	m.connsMu.Unlock()

	m.closeConn(alias, username, lc, reason)
}

func (m *Multiplexer) takeLive(alias string) *liveConn {
	m.connsMu.Lock()
	defer m.connsMu.Unlock()
	lc := m.conns[alias]
	delete(m.conns, alias)
	return lc
}

func (m *Multiplexer) closeConn(alias, username string, lc *liveConn, reason string) {
	lc.cancel()
	if err := lc.client.Close(); err != nil && !isConnectionLost(err) {
		log.Printf("[sshmux] closing %q: %v", alias, err)
	}
	m.states.setState(alias, StateDisconnected, reason)
	m.events.emit(alias, EventDisconnected, reason)
	if m.opts.Auditor != nil {
		m.opts.Auditor.ConnectionTerminated(alias, username, reason, time.Since(lc.connectedAt))
	}
	log.Printf("[sshmux] disconnected %q: %s", alias, reason)
}

func (m *Multiplexer) liveClient(alias string) *ssh.Client {
	m.connsMu.RLock()
	defer m.connsMu.RUnlock()
	if lc, ok := m.conns[alias]; ok {
		return lc.client
	}
	return nil
}

func (m *Multiplexer) credentials(alias string) (Credentials, bool) {
	m.connsMu.RLock()
	defer m.connsMu.RUnlock()
	c, ok := m.creds[alias]
	return c, ok
}

func (m *Multiplexer) cwd(alias string) string {
	m.connsMu.RLock()
	defer m.connsMu.RUnlock()
	return m.cwds[alias]
}

// setCwd is called with the alias lock held. An alias disconnected while
// its command was in flight has no credentials left and is not recorded.
func (m *Multiplexer) setCwd(alias, cwd string) {
	m.connsMu.Lock()
	defer m.connsMu.Unlock()
	if _, ok := m.creds[alias]; !ok {
		return
	}
	m.cwds[alias] = cwd
}

// resolveAlias picks the explicit target, else the primary alias.
func (m *Multiplexer) resolveAlias(target string) (string, error) {
	if target != "" {
		return target, nil
	}
	m.connsMu.RLock()
	defer m.connsMu.RUnlock()
	if m.primary != "" {
		return m.primary, nil
	}
	return "", fmt.Errorf("%w: no active connection and no target specified", ErrNotConnected)
}

// aliasesLocked returns the known aliases sorted. Caller holds connsMu.
func (m *Multiplexer) aliasesLocked() []string {
	names := make([]string, 0, len(m.creds))
	for name := range m.creds {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Aliases returns every alias with cached credentials, sorted.
func (m *Multiplexer) Aliases() []string {
	m.connsMu.RLock()
	defer m.connsMu.RUnlock()
	return m.aliasesLocked()
}

// Primary returns the current primary alias, or "" if none.
func (m *Multiplexer) Primary() string {
	m.connsMu.RLock()
	defer m.connsMu.RUnlock()
	return m.primary
}

// Cwd returns the tracked remote working directory of alias.
func (m *Multiplexer) Cwd(alias string) string {
	return m.cwd(alias)
}

// IsConnected reports whether alias has a live handle. It does not probe the
// network.
func (m *Multiplexer) IsConnected(alias string) bool {
	return m.liveClient(alias) != nil
}

// AliasStatus is a read-only snapshot of one alias.
type AliasStatus struct {
	Alias     string `json:"alias"`
	Host      string `json:"host"`
	Username  string `json:"username"`
	Port      int    `json:"port"`
	Via       string `json:"via,omitempty"`
	Connected bool   `json:"connected"`
	Primary   bool   `json:"primary"`
	Cwd       string `json:"cwd"`
	State     string `json:"state"`
}

// Status returns a snapshot of every known alias, sorted by name.
func (m *Multiplexer) Status() []AliasStatus {
	m.connsMu.RLock()
	names := m.aliasesLocked()
	out := make([]AliasStatus, 0, len(names))
	for _, name := range names {
		c := m.creds[name]
		_, live := m.conns[name]
		out = append(out, AliasStatus{
			Alias:     name,
			Host:      c.Host,
			Username:  c.Username,
			Port:      c.Port,
			Via:       c.Via,
			Connected: live,
			Primary:   name == m.primary,
			Cwd:       m.cwds[name],
		})
	}
	m.connsMu.RUnlock()

	for i := range out {
		out[i].State = m.states.getState(out[i].Alias).String()
	}
	return out
}

// Identity returns the system public key in authorized_keys format, or a
// human-readable explanation when no key pair has been generated.
func (m *Multiplexer) Identity() string {
	if m.opts.Keys == nil {
		return "Error: System key not generated yet. Check server logs."
	}
	pub, err := m.opts.Keys.PublicKey()
	if err != nil {
		log.Printf("[sshmux] read system public key: %v", err)
		return "Error: System key not generated yet. Check server logs."
	}
	return pub
}
