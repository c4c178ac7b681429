// Package gateway wires the Policy Store, Pool, Policy Engine, Session
// Registry, Expiry Ticker, SSH/RDP front-ends, Transcode Queue, and
// Audit Sink into one running process, the way the teacher's
// cmd/gateway/main.go wired bastion.Server + fleet.Store + rules.Engine
// before this module's domain replaced theirs.
package gateway

import (
	"context"
	"fmt"
	"log"
	"path/filepath"

	"github.com/opsgateway/bastiongate/internal/audit"
	"github.com/opsgateway/bastiongate/internal/config"
	"github.com/opsgateway/bastiongate/internal/engine"
	"github.com/opsgateway/bastiongate/internal/expiry"
	"github.com/opsgateway/bastiongate/internal/pool"
	"github.com/opsgateway/bastiongate/internal/rdpfront"
	"github.com/opsgateway/bastiongate/internal/registry"
	"github.com/opsgateway/bastiongate/internal/sshfront"
	"github.com/opsgateway/bastiongate/internal/store"
	"github.com/opsgateway/bastiongate/internal/transcode"
)

// Gateway owns every long-lived component and the store beneath them.
type Gateway struct {
	Store     *store.Store
	Pool      *pool.Pool
	Engine    *engine.Engine
	Registry  *registry.Registry
	Ticker    *expiry.Ticker
	Audit     *audit.Sink
	LocalLog  *audit.LocalLog
	SSH       *sshfront.Frontend
	RDP       *rdpfront.Frontend
	Transcode *transcode.Pool
}

// Open builds a Gateway from cfg but does not start any listener.
func Open(cfg config.Config) (*Gateway, error) {
	s, err := store.Open(cfg.DBURL)
	if err != nil {
		return nil, fmt.Errorf("gateway: open store: %w", err)
	}

	reg := registry.New(s.Stays, s.Sessions)
	pl, err := pool.New(s.Allocations, s.Backends, reg)
	if err != nil {
		return nil, fmt.Errorf("gateway: open pool: %w", err)
	}
	eng := engine.New(s.SourceIPs, s.Policies, s.Groups, s.Backends, pl)
	ticker := expiry.New(s.Policies, reg)
	auditSink := audit.New(s.Audits)
	localLog := audit.NewLocalLog(audit.DefaultLocalLogLimit)
	reg.SetAudit(auditSink)

	sshFront, err := sshfront.New(sshfront.Config{
		ProxyIPs:    cfg.ProxyIPs,
		Port:        cfg.SSHListenPort,
		HostKeyPath: filepath.Join(cfg.DataDir, "host_key"),
		DataDir:     cfg.DataDir,
		Engine:      eng,
		Registry:    reg,
		Audit:       auditSink,
		LocalLog:    localLog,
		Ticker:      ticker,
	})
	if err != nil {
		return nil, fmt.Errorf("gateway: open ssh front-end: %w", err)
	}

	rdpFront, err := rdpfront.New(rdpfront.Config{
		ProxyIPs: cfg.ProxyIPs,
		Port:     cfg.RDPListenPort,
		DataDir:  cfg.DataDir,
		Engine:   eng,
		Registry: reg,
		Audit:    auditSink,
		LocalLog: localLog,
	})
	if err != nil {
		return nil, fmt.Errorf("gateway: open rdp front-end: %w", err)
	}

	transcoder := &transcode.SubprocessTranscoder{
		Command:       "ffmpeg-replay",
		MaxCPUSeconds: cfg.TranscodeMaxCPUSeconds,
		MaxMemoryMB:   cfg.TranscodeMaxMemoryMB,
	}
	tc := transcode.New(s.Transcodes, transcoder, cfg.TranscodeWorkers, cfg.TranscodeQueueMax)

	return &Gateway{
		Store:     s,
		Pool:      pl,
		Engine:    eng,
		Registry:  reg,
		Ticker:    ticker,
		Audit:     auditSink,
		LocalLog:  localLog,
		SSH:       sshFront,
		RDP:       rdpFront,
		Transcode: tc,
	}, nil
}

// Run starts every listener and worker and blocks until ctx is canceled.
func (g *Gateway) Run(ctx context.Context) error {
	if err := g.SSH.Start(); err != nil {
		return fmt.Errorf("gateway: start ssh front-end: %w", err)
	}
	if err := g.RDP.Start(); err != nil {
		g.SSH.Close()
		return fmt.Errorf("gateway: start rdp front-end: %w", err)
	}

	go g.Ticker.Run(ctx)
	go g.Transcode.Run(ctx)

	<-ctx.Done()
	log.Println("gateway: shutting down")
	g.SSH.Close()
	g.RDP.Close()
	return nil
}
