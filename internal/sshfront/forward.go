package sshfront

import (
	"context"
	"io"
	"log"
	"net"
	"strconv"
	"sync"

	"golang.org/x/crypto/ssh"

	"github.com/opsgateway/bastiongate/internal/engine"
	"github.com/opsgateway/bastiongate/internal/store"
)

// handleDirectTCPIP services a "direct-tcpip" channel: OpenSSH local
// forwarding (-L) and dynamic SOCKS forwarding, which manifests as a
// series of these (spec.md §4.6). Gated by the decision's
// allow_port_forwarding.
func (f *Frontend) handleDirectTCPIP(ctx context.Context, decision engine.Decision, cs *connState, watchTermination func(string), newChannel ssh.NewChannel) {
	var payload directTCPIPMsg
	if err := ssh.Unmarshal(newChannel.ExtraData(), &payload); err != nil {
		newChannel.Reject(ssh.Prohibited, "invalid direct-tcpip payload")
		return
	}
	if !decision.AllowPortForwarding {
		newChannel.Reject(ssh.Prohibited, "administratively prohibited")
		return
	}

	ch, reqs, err := newChannel.Accept()
	if err != nil {
		return
	}
	defer ch.Close()
	go ssh.DiscardRequests(reqs)

	// Mirrors the session/RDP ordering: the stay/session is opened only
	// once the target actually connects, so an unreachable forward
	// target never opens a stay on its own (spec.md §4.6 step 3).
	target := net.JoinHostPort(payload.DestAddr, strconv.Itoa(int(payload.DestPort)))
	targetConn, err := net.Dial("tcp", target)
	if err != nil {
		f.cfg.LocalLog.Record("", "forward_unreachable", target+": "+err.Error())
		return
	}
	defer targetConn.Close()

	stayID, sessionID, err := cs.openOrAddSession(store.SessionDirectTCPIP)
	if err != nil {
		return
	}
	watchTermination(stayID)
	defer f.cfg.Registry.CloseSession(stayID, sessionID)

	proxyBidirectional(ctx, ch, targetConn, func(in, out int64) {
		_ = f.cfg.Registry.AddBytes(stayID, in, out)
	})
}

// proxyBidirectional splices left and right until either side closes,
// an I/O error occurs, or ctx is canceled (grounded on the teacher's
// direct-tcpip splice, extended with a termination hook and byte
// counters the registry folds into the stay record).
func proxyBidirectional(ctx context.Context, left io.ReadWriteCloser, right io.ReadWriteCloser, onBytes func(in, out int64)) {
	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			left.Close()
			right.Close()
		case <-done:
		}
	}()
	defer close(done)

	var wg sync.WaitGroup
	wg.Add(2)
	var in, out int64
	go func() { defer wg.Done(); n, _ := io.Copy(left, right); out = n }()
	go func() { defer wg.Done(); n, _ := io.Copy(right, left); in = n }()
	wg.Wait()

	if onBytes != nil {
		onBytes(in, out)
	}
}

// handleGlobalRequests answers the client's connection-level requests:
// tcpip-forward (remote forward, -R) and cancel-tcpip-forward, with
// everything else discarded the way ssh.DiscardRequests would.
func (f *Frontend) handleGlobalRequests(ctx context.Context, sshConn *ssh.ServerConn, decision engine.Decision, cs *connState, reqs <-chan *ssh.Request) {
	for req := range reqs {
		switch req.Type {
		case "tcpip-forward":
			f.handleTCPIPForward(ctx, sshConn, decision, cs, req)
		case "cancel-tcpip-forward":
			f.handleCancelTCPIPForward(req)
		default:
			reply(req, false)
		}
	}
}

func (f *Frontend) handleTCPIPForward(ctx context.Context, sshConn *ssh.ServerConn, decision engine.Decision, cs *connState, req *ssh.Request) {
	if !decision.AllowPortForwarding {
		reply(req, false)
		return
	}

	var payload tcpipForwardMsg
	if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
		reply(req, false)
		return
	}

	// The listener binds to the proxy IP, not the client's requested bind
	// address, so multiple backends behind different proxy IPs can all
	// request the same remote port (spec.md §4.6).
	addr := net.JoinHostPort(cs.adm.ProxyIP, strconv.Itoa(int(payload.BindPort)))
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		reply(req, false)
		return
	}

	_, portStr, _ := net.SplitHostPort(ln.Addr().String())
	port, _ := strconv.Atoi(portStr)

	key := net.JoinHostPort(cs.adm.ProxyIP, portStr)
	f.fwdMu.Lock()
	f.fwdListeners[key] = ln
	f.fwdMu.Unlock()

	if req.WantReply {
		replyPayload := ssh.Marshal(&tcpipForwardReplyMsg{Port: uint32(port)})
		_ = req.Reply(true, replyPayload)
	}

	go f.acceptForwarded(ctx, sshConn, cs, ln, payload.BindAddr, uint32(port))
}

func (f *Frontend) handleCancelTCPIPForward(req *ssh.Request) {
	var payload tcpipForwardMsg
	if err := ssh.Unmarshal(req.Payload, &payload); err != nil {
		reply(req, false)
		return
	}
	f.fwdMu.Lock()
	var found net.Listener
	var foundKey string
	for k, ln := range f.fwdListeners {
		_, p, _ := net.SplitHostPort(k)
		if p == strconv.Itoa(int(payload.BindPort)) {
			found, foundKey = ln, k
			break
		}
	}
	if found != nil {
		delete(f.fwdListeners, foundKey)
	}
	f.fwdMu.Unlock()

	if found == nil {
		reply(req, false)
		return
	}
	found.Close()
	reply(req, true)
}

func (f *Frontend) acceptForwarded(ctx context.Context, sshConn *ssh.ServerConn, cs *connState, ln net.Listener, bindAddr string, boundPort uint32) {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		go f.relayForwarded(ctx, sshConn, cs, conn, bindAddr, boundPort)
	}
}

func (f *Frontend) relayForwarded(ctx context.Context, sshConn *ssh.ServerConn, cs *connState, conn net.Conn, bindAddr string, boundPort uint32) {
	defer conn.Close()

	originAddr, originPortStr, _ := net.SplitHostPort(conn.RemoteAddr().String())
	originPort, _ := strconv.Atoi(originPortStr)

	payload := ssh.Marshal(&forwardedTCPIPMsg{
		ConnectedAddr:  bindAddr,
		ConnectedPort:  boundPort,
		OriginatorAddr: originAddr,
		OriginatorPort: uint32(originPort),
	})

	ch, reqs, err := sshConn.OpenChannel("forwarded-tcpip", payload)
	if err != nil {
		log.Printf("sshfront: forwarded-tcpip open failed: %v", err)
		return
	}
	defer ch.Close()
	go ssh.DiscardRequests(reqs)

	stayID, sessionID, err := cs.openOrAddSession(store.SessionForwardedTCPIP)
	if err != nil {
		return
	}
	defer f.cfg.Registry.CloseSession(stayID, sessionID)

	proxyBidirectional(ctx, ch, conn, func(in, out int64) {
		_ = f.cfg.Registry.AddBytes(stayID, in, out)
	})
}
