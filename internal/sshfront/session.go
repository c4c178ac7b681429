package sshfront

import (
	"context"
	"io"
	"net"
	"strconv"
	"sync"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/agent"

	"github.com/opsgateway/bastiongate/internal/engine"
	"github.com/opsgateway/bastiongate/internal/expiry"
	"github.com/opsgateway/bastiongate/internal/gwerr"
	"github.com/opsgateway/bastiongate/internal/store"
)

// handleSession services one "session" channel: shell, exec, or
// subsystem (notably sftp). pty-req and env requests that precede the
// actual command are buffered and applied once a backend connection is
// established; a window-change is forwarded only if the backend session
// already exists, and is dropped otherwise.
func (f *Frontend) handleSession(
	ctx context.Context,
	sshConn *ssh.ServerConn,
	decision engine.Decision,
	cs *connState,
	watchTermination func(stayID string),
	login, password string,
	newChannel ssh.NewChannel,
) {
	ch, reqs, err := newChannel.Accept()
	if err != nil {
		return
	}
	defer ch.Close()

	var (
		backendClient  *ssh.Client
		backendSession *ssh.Session
		agentForward   bool
		ptyTerm        string
		ptyW, ptyH     int
		hasPty         bool
		env            = map[string]string{}
		started        bool
	)
	defer func() {
		if backendSession != nil {
			backendSession.Close()
		}
		if backendClient != nil {
			backendClient.Close()
		}
	}()

	ensureBackend := func() error {
		if backendClient != nil {
			return nil
		}
		client, err := f.dialBackend(sshConn, decision.Backend, login, password, agentForward)
		if err != nil {
			return err
		}
		session, err := client.NewSession()
		if err != nil {
			client.Close()
			return err
		}
		if hasPty {
			_ = session.RequestPty(ptyTerm, ptyH, ptyW, ssh.TerminalModes{})
		}
		for k, v := range env {
			_ = session.Setenv(k, v)
		}
		backendClient = client
		backendSession = session
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return
		case req, ok := <-reqs:
			if !ok {
				return
			}
			switch req.Type {
			case "pty-req":
				var payload ptyRequestMsg
				_ = ssh.Unmarshal(req.Payload, &payload)
				ptyTerm, ptyW, ptyH, hasPty = payload.Term, int(payload.Width), int(payload.Height), true
				reply(req, true)
			case "env":
				var payload envRequestMsg
				_ = ssh.Unmarshal(req.Payload, &payload)
				env[payload.Name] = payload.Value
				reply(req, true)
			case "window-change":
				var payload windowChangeMsg
				_ = ssh.Unmarshal(req.Payload, &payload)
				if backendSession != nil {
					_ = backendSession.WindowChange(int(payload.Height), int(payload.Width))
				}
			case "auth-agent-req@openssh.com":
				agentForward = true
				reply(req, true)
			case "shell", "exec", "subsystem":
				if started {
					reply(req, false)
					continue
				}
				started = true

				// spec.md §4.6 step 3 / §7's backend_unreachable: the
				// Stay (or, for a later channel on one already open, the
				// Session) is created only once the backend leg actually
				// connects — a failed dial/auth never opens a Stay.
				if err := ensureBackend(); err != nil {
					reply(req, false)
					f.cfg.LocalLog.Record("", "backend_unreachable", err.Error())
					_ = f.cfg.Audit.Decision(decision.PersonID, cs.adm.SourceIP, decision.Backend.ID, store.ProtocolSSH, false, string(gwerr.BackendUnreachable), err.Error())
					return
				}

				kind := sessionKindFor(req.Type, req.Payload)
				stayID, sessionID, err := cs.openOrAddSession(kind)
				if err != nil {
					reply(req, false)
					return
				}
				watchTermination(stayID)
				reply(req, true)

				f.runSessionIO(ctx, stayID, ch, backendSession, req.Type, req.Payload, decision, cs)
				_ = f.cfg.Registry.CloseSession(stayID, sessionID)
				return
			default:
				reply(req, false)
			}
		}
	}
}

func sessionKindFor(reqType string, payload []byte) store.SessionKind {
	switch reqType {
	case "shell":
		return store.SessionShell
	case "exec":
		return store.SessionExec
	case "subsystem":
		var m subsystemMsg
		_ = ssh.Unmarshal(payload, &m)
		if m.Subsystem == "sftp" {
			return store.SessionSFTP
		}
		return store.SessionExec
	default:
		return store.SessionExec
	}
}

func reply(req *ssh.Request, ok bool) {
	if req.WantReply {
		_ = req.Reply(ok, nil)
	}
}

// runSessionIO starts the backend command and splices it to the client
// channel. Shell channels are recorded byte-for-byte (spec.md §4.6); exec
// and subsystem channels are not. Shell channels also get the validity
// banner, interleaved expiry warnings, and a final termination line
// (spec.md §4.6/§6); other channel kinds carry no user-visible warning.
func (f *Frontend) runSessionIO(ctx context.Context, stayID string, ch ssh.Channel, bs *ssh.Session, reqType string, payload []byte, decision engine.Decision, cs *connState) {
	record := reqType == "shell"
	var rec *recorder
	if record {
		if r, err := newRecorder(f.cfg.DataDir, stayID, func() int64 { return time.Now().Unix() }); err == nil {
			rec = r
			defer rec.Close()
			_ = f.cfg.Registry.AttachRecording(stayID, rec.Path())
		}
	}

	stdin, err := bs.StdinPipe()
	if err != nil {
		return
	}
	stdout, err := bs.StdoutPipe()
	if err != nil {
		return
	}
	stderr, err := bs.StderrPipe()
	if err != nil {
		return
	}

	var startErr error
	switch reqType {
	case "exec":
		var m execMsg
		_ = ssh.Unmarshal(payload, &m)
		startErr = bs.Start(m.Command)
	case "subsystem":
		var m subsystemMsg
		_ = ssh.Unmarshal(payload, &m)
		startErr = bs.RequestSubsystem(m.Subsystem)
	default:
		startErr = bs.Shell()
	}
	if startErr != nil {
		return
	}

	scw := &syncChannelWriter{ch: ch}

	if reqType == "shell" {
		writeNotice(scw, rec, validityBanner(decision.PolicyEndsAt))
	}

	done := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
			if reqType == "shell" {
				writeNotice(scw, rec, terminationLine(cs.getTermReason()))
			}
			bs.Close()
			ch.Close()
		case <-done:
		}
	}()
	defer close(done)

	var warnings <-chan expiry.Warning
	if reqType == "shell" && f.cfg.Ticker != nil {
		warnings = f.cfg.Ticker.SubscribeWarnings(stayID)
		go watchWarnings(ctx, warnings, scw, rec)
	}

	var wg sync.WaitGroup
	wg.Add(3)
	go func() { defer wg.Done(); copyAndRecord(stdin, ch, rec, "c→s", record); stdin.Close() }()
	go func() { defer wg.Done(); copyAndRecord(scw, stdout, rec, "s→c", record) }()
	go func() { defer wg.Done(); copyAndRecord(ch.Stderr(), stderr, rec, "s→c", record) }()
	wg.Wait()

	_ = bs.Wait()
	_ = ch.CloseWrite()
}

// watchWarnings interleaves expiry warning lines into the channel's
// server-to-client stream until ctx is canceled or the warnings channel
// closes (the stay closed).
func watchWarnings(ctx context.Context, warnings <-chan expiry.Warning, w io.Writer, rec *recorder) {
	for {
		select {
		case <-ctx.Done():
			return
		case warning, ok := <-warnings:
			if !ok {
				return
			}
			writeNotice(w, rec, warningLine(warning.MinutesBefore))
		}
	}
}

func copyAndRecord(dst io.Writer, src io.Reader, rec *recorder, dir string, record bool) {
	buf := make([]byte, 32*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if record && rec != nil {
				_ = rec.Write(dir, buf[:n])
			}
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// dialBackend implements spec.md §4.6's backend authentication cascade:
// agent forwarding first, then a client-supplied password, against the
// SSH login the client requested.
func (f *Frontend) dialBackend(sshConn *ssh.ServerConn, backend store.Backend, login, password string, agentForward bool) (*ssh.Client, error) {
	var methods []ssh.AuthMethod

	if agentForward {
		agentCh, agentReqs, err := sshConn.OpenChannel("auth-agent@openssh.com", nil)
		if err != nil {
			return nil, gwerr.Wrap(gwerr.BackendUnreachable, "open agent channel", err)
		}
		go ssh.DiscardRequests(agentReqs)
		agentClient := agent.NewClient(agentCh)
		methods = append(methods, ssh.PublicKeysCallback(agentClient.Signers))
	}
	if password != "" {
		methods = append(methods, ssh.Password(password))
	}
	if len(methods) == 0 {
		return nil, gwerr.New(gwerr.BackendUnreachable, "no backend credential available")
	}

	addr := net.JoinHostPort(backend.Address, strconv.Itoa(backend.Port))
	conn, err := net.DialTimeout("tcp", addr, f.cfg.BackendConnectTimeout)
	if err != nil {
		return nil, gwerr.Wrap(gwerr.BackendUnreachable, "dial backend "+addr, err)
	}

	_ = conn.SetDeadline(time.Now().Add(f.cfg.BackendAuthTimeout))
	clientConn, chans, reqs, err := ssh.NewClientConn(conn, addr, &ssh.ClientConfig{
		User:            login,
		Auth:            methods,
		HostKeyCallback: ssh.InsecureIgnoreHostKey(),
		Timeout:         f.cfg.BackendAuthTimeout,
	})
	if err != nil {
		conn.Close()
		return nil, gwerr.Wrap(gwerr.BackendUnreachable, "backend auth", err)
	}
	_ = conn.SetDeadline(time.Time{})

	return ssh.NewClient(clientConn, chans, reqs), nil
}
