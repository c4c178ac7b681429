// Package sshfront is the SSH Front-end (spec.md §4.6): one listener per
// proxy IP, SSH server-side handshake with a stable host key, Policy
// Engine-gated admission, and channel fan-out (session, direct-tcpip,
// forwarded-tcpip) onto a genuine SSH connection to the resolved backend.
package sshfront

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/opsgateway/bastiongate/internal/audit"
	"github.com/opsgateway/bastiongate/internal/engine"
	"github.com/opsgateway/bastiongate/internal/expiry"
	"github.com/opsgateway/bastiongate/internal/registry"
	"github.com/opsgateway/bastiongate/internal/store"
)

// Config configures a Frontend. Timeouts default to the values spec.md
// §5 names when left zero.
type Config struct {
	ProxyIPs    []string
	Port        int
	HostKeyPath string
	DataDir     string

	Engine   *engine.Engine
	Registry *registry.Registry
	Audit    *audit.Sink
	LocalLog *audit.LocalLog

	// Ticker is consulted for shell channels' expiry warnings (spec.md
	// §4.5/§6). A nil Ticker just means no warnings are interleaved.
	Ticker *expiry.Ticker

	BackendConnectTimeout time.Duration
	BackendAuthTimeout    time.Duration
	IdleTimeout           time.Duration

	// HostKeyBits sizes the RSA host key generated the first time the
	// gateway boots with no key on disk yet. Ignored once a key exists.
	HostKeyBits int
}

const (
	defaultBackendConnectTimeout = 10 * time.Second
	defaultBackendAuthTimeout    = 15 * time.Second
	defaultIdleTimeout           = 60 * time.Minute
	defaultHostKeyBits           = 2048
)

// Frontend owns one listener per proxy IP and dispatches accepted
// connections through admission and channel handling.
type Frontend struct {
	cfg       Config
	sshConfig *ssh.ServerConfig

	mu        sync.Mutex
	listeners []net.Listener
	closed    bool

	fwdMu        sync.Mutex
	fwdListeners map[string]net.Listener // "proxyIP:port" -> listener, for cancel-tcpip-forward
}

// New constructs a Frontend and loads (or creates) its host key. It does
// not start listening; call Start.
func New(cfg Config) (*Frontend, error) {
	if len(cfg.ProxyIPs) == 0 {
		return nil, errors.New("sshfront: at least one proxy IP required")
	}
	if cfg.Port == 0 {
		cfg.Port = 22
	}
	if cfg.Engine == nil || cfg.Registry == nil || cfg.Audit == nil || cfg.LocalLog == nil {
		return nil, errors.New("sshfront: Engine, Registry, Audit, and LocalLog are required")
	}
	if cfg.BackendConnectTimeout == 0 {
		cfg.BackendConnectTimeout = defaultBackendConnectTimeout
	}
	if cfg.BackendAuthTimeout == 0 {
		cfg.BackendAuthTimeout = defaultBackendAuthTimeout
	}
	if cfg.IdleTimeout == 0 {
		cfg.IdleTimeout = defaultIdleTimeout
	}
	if cfg.HostKeyBits == 0 {
		cfg.HostKeyBits = defaultHostKeyBits
	}

	signer, err := loadOrCreateHostKey(cfg.HostKeyPath, cfg.HostKeyBits)
	if err != nil {
		return nil, fmt.Errorf("sshfront: load host key: %w", err)
	}

	sshConfig := &ssh.ServerConfig{
		// Identity is already established by source IP (spec.md §4.6); any
		// offered public key is accepted as a placeholder.
		PublicKeyCallback: func(conn ssh.ConnMetadata, key ssh.PublicKey) (*ssh.Permissions, error) {
			return &ssh.Permissions{Extensions: map[string]string{"login": conn.User()}}, nil
		},
		PasswordCallback: func(conn ssh.ConnMetadata, password []byte) (*ssh.Permissions, error) {
			return &ssh.Permissions{Extensions: map[string]string{
				"login":    conn.User(),
				"password": string(password),
			}}, nil
		},
	}
	sshConfig.AddHostKey(signer)

	return &Frontend{
		cfg:          cfg,
		sshConfig:    sshConfig,
		fwdListeners: make(map[string]net.Listener),
	}, nil
}

// Start binds a listener on every configured proxy IP and begins serving.
func (f *Frontend) Start() error {
	for _, ip := range f.cfg.ProxyIPs {
		addr := net.JoinHostPort(ip, strconv.Itoa(f.cfg.Port))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			f.Close()
			return fmt.Errorf("sshfront: listen %s: %w", addr, err)
		}
		f.mu.Lock()
		f.listeners = append(f.listeners, ln)
		f.mu.Unlock()
		go f.serve(ln)
	}
	return nil
}

// Close stops every listener. Live connections are not forcibly closed;
// they drain via their own termination paths.
func (f *Frontend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return nil
	}
	f.closed = true
	var firstErr error
	for _, ln := range f.listeners {
		if err := ln.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (f *Frontend) isClosed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func (f *Frontend) serve(ln net.Listener) {
	for {
		conn, err := ln.Accept()
		if err != nil {
			if f.isClosed() {
				return
			}
			log.Printf("sshfront: accept on %s: %v", ln.Addr(), err)
			continue
		}
		go f.handleConn(conn)
	}
}

// connState coordinates lazy Stay/Session creation across the goroutines
// handling a single client connection's channels: the first channel to
// arrive opens the Stay, later ones just add a Session to it.
type connState struct {
	mu         sync.Mutex
	stayID     string
	registry   *registry.Registry
	adm        registry.Admission
	termReason store.TerminationReason
}

// setTermReason records why the stay's ctx was canceled, so a shell
// channel's final broadcast line can name the real reason instead of
// guessing at a plain client disconnect.
func (cs *connState) setTermReason(reason store.TerminationReason) {
	cs.mu.Lock()
	cs.termReason = reason
	cs.mu.Unlock()
}

func (cs *connState) getTermReason() store.TerminationReason {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	return cs.termReason
}

func (cs *connState) openOrAddSession(kind store.SessionKind) (stayID, sessionID string, err error) {
	cs.mu.Lock()
	defer cs.mu.Unlock()
	if cs.stayID == "" {
		stayID, sessionID, err = cs.registry.Open(cs.adm, kind)
		if err != nil {
			return "", "", err
		}
		cs.stayID = stayID
		return stayID, sessionID, nil
	}
	sessionID, err = cs.registry.OpenSession(cs.stayID, kind)
	return cs.stayID, sessionID, err
}

func (f *Frontend) handleConn(netConn net.Conn) {
	defer netConn.Close()

	proxyIP, _, err := net.SplitHostPort(netConn.LocalAddr().String())
	if err != nil {
		log.Printf("sshfront: local addr %v: %v", netConn.LocalAddr(), err)
		return
	}
	srcIP, _, err := net.SplitHostPort(netConn.RemoteAddr().String())
	if err != nil {
		log.Printf("sshfront: remote addr %v: %v", netConn.RemoteAddr(), err)
		return
	}

	sshConn, chans, reqs, err := ssh.NewServerConn(netConn, f.sshConfig)
	if err != nil {
		log.Printf("sshfront: handshake failed from %s: %v", srcIP, err)
		return
	}
	defer sshConn.Close()

	login := sshConn.User()
	password := ""
	if sshConn.Permissions != nil {
		password = sshConn.Permissions.Extensions["password"]
	}

	decision, err := f.cfg.Engine.Decide(srcIP, proxyIP, store.ProtocolSSH, login)
	if err != nil {
		log.Printf("sshfront: decide error for %s: %v", srcIP, err)
		return
	}

	if !decision.Admit {
		_ = f.cfg.Audit.Decision(login, srcIP, "", store.ProtocolSSH, false, string(decision.Reason), "")
		go ssh.DiscardRequests(reqs)
		f.rejectAllChannels(chans, srcIP, decision.Reason)
		return
	}

	_ = f.cfg.Audit.Decision(decision.PersonID, srcIP, decision.Backend.ID, store.ProtocolSSH, true, "", "")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	cs := &connState{
		registry: f.cfg.Registry,
		adm: registry.Admission{
			PersonID:  decision.PersonID,
			PolicyID:  decision.PolicyID,
			BackendID: decision.Backend.ID,
			SourceIP:  srcIP,
			ProxyIP:   proxyIP,
			Protocol:  store.ProtocolSSH,
		},
	}

	var watchOnce sync.Once
	watchTermination := func(stayID string) {
		watchOnce.Do(func() {
			sub, err := f.cfg.Registry.Subscribe(stayID)
			if err != nil {
				return
			}
			go func() {
				sig := <-sub
				cs.setTermReason(sig.Reason)
				cancel()
			}()
		})
	}

	var wg sync.WaitGroup
	defer func() {
		wg.Wait()
		cs.mu.Lock()
		stayID := cs.stayID
		cs.mu.Unlock()
		if stayID != "" {
			_ = f.cfg.Registry.Close(stayID, store.TerminationClientClosed)
		}
	}()

	go f.handleGlobalRequests(ctx, sshConn, decision, cs, reqs)

	for newChannel := range chans {
		switch newChannel.ChannelType() {
		case "session":
			wg.Add(1)
			go func(nc ssh.NewChannel) {
				defer wg.Done()
				f.handleSession(ctx, sshConn, decision, cs, watchTermination, login, password, nc)
			}(newChannel)
		case "direct-tcpip":
			wg.Add(1)
			go func(nc ssh.NewChannel) {
				defer wg.Done()
				f.handleDirectTCPIP(ctx, decision, cs, watchTermination, nc)
			}(newChannel)
		default:
			newChannel.Reject(ssh.UnknownChannelType, "unsupported channel type")
		}
	}
}

// minDenyBannerWidth is spec.md §6's minimum width for the plain-text
// deny banner: "ACCESS DENIED", the source IP, and the reason enum
// value, padded with trailing spaces to at least this many columns.
const minDenyBannerWidth = 60

func denyBanner(srcIP string, reason engine.DenyReason) string {
	msg := fmt.Sprintf("ACCESS DENIED: source %s, reason %s", srcIP, reason)
	if len(msg) < minDenyBannerWidth {
		msg += strings.Repeat(" ", minDenyBannerWidth-len(msg))
	}
	return msg
}

func (f *Frontend) rejectAllChannels(chans <-chan ssh.NewChannel, srcIP string, reason engine.DenyReason) {
	msg := denyBanner(srcIP, reason)
	for newChannel := range chans {
		newChannel.Reject(ssh.Prohibited, msg)
	}
}
