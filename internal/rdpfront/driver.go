// Package rdpfront is the RDP Front-end (spec.md §4.7): one listener
// per proxy IP, deferred routing (the backend is unknown until the
// accepted connection's local address is readable), and an embedded
// MITM that relays and records a Stay's RDP traffic.
//
// spec.md §9 calls for the MITM to sit behind a small driver interface
// so the underlying RDP library can be swapped without patching it in
// place. MITMDriver is that seam; spliceDriver is the only
// implementation the front-end ships with, since neither live display
// synthesis nor protocol-level decoding is in scope (see DESIGN.md for
// why github.com/tomatome/grdp was dropped rather than wired here).
package rdpfront

import (
	"context"
	"crypto/tls"
	"io"
	"net"
	"sync"
)

// MITMDriver drives one RDP connection: it owns the client-facing half
// from Accept, opens a backend-facing half once the target is known,
// and relays between them while recording every byte to a replay file.
type MITMDriver interface {
	// Accept takes ownership of the client connection and begins
	// whatever client-facing handshake the driver performs.
	Accept(client net.Conn) error
	// SetTarget opens the outbound leg to addr. Called at most once,
	// and only after admission succeeds.
	SetTarget(ctx context.Context, addr string) error
	// Run relays both legs until either closes, an I/O error occurs, or
	// ctx is canceled, writing every byte crossing either direction to
	// rec. It returns once relaying has stopped.
	Run(ctx context.Context, rec *recorder) (bytesIn, bytesOut int64)
	// Close tears down both legs. Safe to call more than once.
	Close() error
}

// spliceDriver is a byte-transparent MITM: it does not parse the RDP
// wire protocol, so it can record and relay any RDP version without
// tracking the protocol's evolution. spec.md's non-goal "does not
// synthesize RDP display on its own" means nothing downstream needs a
// decoded view of the stream, only the raw bytes the external
// transcoder later turns into an .mp4. It does terminate TLS on both
// legs (spec.md §6), the way a client actually negotiates RDP security:
// the bytes it relays and records are plaintext RDP, not TLS ciphertext.
type spliceDriver struct {
	serverConf *tls.Config

	mu      sync.Mutex
	client  net.Conn
	backend net.Conn
}

func newSpliceDriver(serverConf *tls.Config) *spliceDriver {
	return &spliceDriver{serverConf: serverConf}
}

// Accept terminates the client-facing TLS leg, presenting the
// gateway's self-signed certificate the same way its SSH host key
// stands in for the real backend (spec.md §6).
func (d *spliceDriver) Accept(client net.Conn) error {
	tlsConn := tls.Server(client, d.serverConf)
	if err := tlsConn.Handshake(); err != nil {
		client.Close()
		return err
	}
	d.mu.Lock()
	d.client = tlsConn
	d.mu.Unlock()
	return nil
}

// SetTarget dials the backend and terminates a second, independent TLS
// leg against it. The backend's certificate is not validated against
// any CA: the gateway already authenticated and authorized the
// connection before reaching this point, the same trust model the SSH
// backend leg uses with ssh.InsecureIgnoreHostKey.
func (d *spliceDriver) SetTarget(ctx context.Context, addr string) error {
	dialer := net.Dialer{}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	tlsConn := tls.Client(conn, &tls.Config{InsecureSkipVerify: true})
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return err
	}
	d.mu.Lock()
	d.backend = tlsConn
	d.mu.Unlock()
	return nil
}

func (d *spliceDriver) Run(ctx context.Context, rec *recorder) (bytesIn, bytesOut int64) {
	d.mu.Lock()
	client, backend := d.client, d.backend
	d.mu.Unlock()
	if client == nil || backend == nil {
		return 0, 0
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			client.Close()
			backend.Close()
		case <-done:
		}
	}()
	defer close(done)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() { defer wg.Done(); bytesIn = copyRecorded(backend, client, rec, dirClientToBackend) }()
	go func() { defer wg.Done(); bytesOut = copyRecorded(client, backend, rec, dirBackendToClient) }()
	wg.Wait()
	return bytesIn, bytesOut
}

func (d *spliceDriver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	var firstErr error
	if d.client != nil {
		if err := d.client.Close(); err != nil {
			firstErr = err
		}
	}
	if d.backend != nil {
		if err := d.backend.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// copyRecorded copies src to dst 32KB at a time, tee-ing every chunk
// into rec under the given direction tag, and returns the byte count.
func copyRecorded(dst io.Writer, src io.Reader, rec *recorder, dir byte) int64 {
	buf := make([]byte, 32*1024)
	var total int64
	for {
		n, rerr := src.Read(buf)
		if n > 0 {
			if rec != nil {
				_ = rec.Write(dir, buf[:n])
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return total
			}
			total += int64(n)
		}
		if rerr != nil {
			return total
		}
	}
}
