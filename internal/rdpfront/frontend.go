package rdpfront

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log"
	"net"
	"path/filepath"
	"strconv"
	"sync"
	"time"

	"github.com/opsgateway/bastiongate/internal/audit"
	"github.com/opsgateway/bastiongate/internal/engine"
	"github.com/opsgateway/bastiongate/internal/gwerr"
	"github.com/opsgateway/bastiongate/internal/registry"
	"github.com/opsgateway/bastiongate/internal/store"
)

// Config configures a Frontend.
type Config struct {
	ProxyIPs []string
	Port     int
	DataDir  string

	Engine   *engine.Engine
	Registry *registry.Registry
	Audit    *audit.Sink
	LocalLog *audit.LocalLog

	// NewDriver constructs the MITM driver for one connection. Defaults
	// to a byte-transparent splice driver when nil.
	NewDriver func() MITMDriver

	BackendConnectTimeout time.Duration
}

const defaultBackendConnectTimeout = 10 * time.Second

// Frontend owns one listener per proxy IP and drives an MITMDriver per
// accepted connection (spec.md §4.7).
type Frontend struct {
	cfg Config

	mu        sync.Mutex
	listeners []net.Listener
	closed    bool
}

// New constructs a Frontend. It does not start listening; call Start.
func New(cfg Config) (*Frontend, error) {
	if len(cfg.ProxyIPs) == 0 {
		return nil, errors.New("rdpfront: at least one proxy IP required")
	}
	if cfg.Port == 0 {
		cfg.Port = 3389
	}
	if cfg.Engine == nil || cfg.Registry == nil || cfg.Audit == nil || cfg.LocalLog == nil {
		return nil, errors.New("rdpfront: Engine, Registry, Audit, and LocalLog are required")
	}
	if cfg.NewDriver == nil {
		cert, err := loadOrCreateTLSCert(filepath.Join(cfg.DataDir, "tls"))
		if err != nil {
			return nil, fmt.Errorf("rdpfront: load tls cert: %w", err)
		}
		serverConf := &tls.Config{Certificates: []tls.Certificate{cert}}
		cfg.NewDriver = func() MITMDriver { return newSpliceDriver(serverConf) }
	}
	if cfg.BackendConnectTimeout == 0 {
		cfg.BackendConnectTimeout = defaultBackendConnectTimeout
	}
	return &Frontend{cfg: cfg}, nil
}

// Start binds a listener on every configured proxy IP and begins serving.
func (f *Frontend) Start() error {
	for _, ip := range f.cfg.ProxyIPs {
		addr := net.JoinHostPort(ip, strconv.Itoa(f.cfg.Port))
		ln, err := net.Listen("tcp", addr)
		if err != nil {
			f.Close()
			return fmt.Errorf("rdpfront: listen %s: %w", addr, err)
		}
		f.mu.Lock()
		f.listeners = append(f.listeners, ln)
		f.mu.Unlock()
		go f.serve(ln)
	}
	return nil
}

// Close stops every listener. Live connections drain via their own
// termination paths.
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
			log.Printf("rdpfront: accept on %s: %v", ln.Addr(), err)
			continue
		}
		go f.handleConn(conn)
	}
}

// handleConn implements spec.md §4.7's deferred-routing MITM: the
// driver accepts the client leg immediately (its local address is
// already readable the instant Accept returns, so in this
// implementation there is no real delay between accept and routing),
// then admission decides whether SetTarget is ever called.
func (f *Frontend) handleConn(netConn net.Conn) {
	driver := f.cfg.NewDriver()
	if err := driver.Accept(netConn); err != nil {
		netConn.Close()
		return
	}

	proxyIP, _, err := net.SplitHostPort(netConn.LocalAddr().String())
	if err != nil {
		driver.Close()
		return
	}
	srcIP, _, err := net.SplitHostPort(netConn.RemoteAddr().String())
	if err != nil {
		driver.Close()
		return
	}

	decision, err := f.cfg.Engine.Decide(srcIP, proxyIP, store.ProtocolRDP, "")
	if err != nil {
		log.Printf("rdpfront: decide error for %s: %v", srcIP, err)
		driver.Close()
		return
	}
	if !decision.Admit {
		_ = f.cfg.Audit.Decision("", srcIP, "", store.ProtocolRDP, false, string(decision.Reason), "")
		driver.Close()
		return
	}

	// spec.md §4.6 step 3 / §7's backend_unreachable: the Stay is
	// created only once the backend leg actually connects. Dial first,
	// so an unreachable backend never opens a Stay at all.
	target := net.JoinHostPort(decision.Backend.Address, strconv.Itoa(decision.Backend.Port))
	connectCtx, connectCancel := context.WithTimeout(context.Background(), f.cfg.BackendConnectTimeout)
	err = driver.SetTarget(connectCtx, target)
	connectCancel()
	if err != nil {
		f.cfg.LocalLog.Record("", "rdp_backend_unreachable", target+": "+err.Error())
		_ = f.cfg.Audit.Decision(decision.PersonID, srcIP, decision.Backend.ID, store.ProtocolRDP, false, string(gwerr.BackendUnreachable), err.Error())
		driver.Close()
		return
	}

	adm := registry.Admission{
		PersonID:  decision.PersonID,
		PolicyID:  decision.PolicyID,
		BackendID: decision.Backend.ID,
		SourceIP:  srcIP,
		ProxyIP:   proxyIP,
		Protocol:  store.ProtocolRDP,
	}
	stayID, sessionID, err := f.cfg.Registry.Open(adm, store.SessionRDP)
	if err != nil {
		log.Printf("rdpfront: open stay failed for %s: %v", srcIP, err)
		driver.Close()
		return
	}
	_ = f.cfg.Audit.Decision(decision.PersonID, srcIP, decision.Backend.ID, store.ProtocolRDP, true, "", "")

	rec, err := newRecorder(f.cfg.DataDir, stayID)
	if err != nil {
		log.Printf("rdpfront: open replay file for %s: %v", stayID, err)
		rec = nil
	}

	ctx, cancel := context.WithCancel(context.Background())
	sub, err := f.cfg.Registry.Subscribe(stayID)
	if err == nil {
		go func() {
			<-sub
			cancel()
		}()
	}

	bytesIn, bytesOut := driver.Run(ctx, rec)
	cancel()
	_ = f.cfg.Registry.AddBytes(stayID, bytesIn, bytesOut)

	if rec != nil {
		path := rec.Path()
		rec.Close()
		_ = f.cfg.Registry.AttachRecording(stayID, path)
	}
	driver.Close()

	// CloseSession alone owns whether the Stay closes now: for RDP it
	// only starts the grace-window timer once the last live session on
	// the Stay ends, letting a concurrent connection's dedup cancel it
	// (spec.md §4.4). Calling Close here too would tear down the Stay,
	// and every other still-live connection's context, the moment any
	// one TCP connection disconnects.
	_ = f.cfg.Registry.CloseSession(stayID, sessionID)
}
