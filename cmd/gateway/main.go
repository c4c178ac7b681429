// Command gateway runs the policy-enforcing SSH/RDP bastion: the serve
// verb starts the SSH and RDP front-ends plus their supporting workers;
// the remaining verbs are thin operator commands against the Policy
// Store (spec.md §6).
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/opsgateway/bastiongate/internal/audit"
	"github.com/opsgateway/bastiongate/internal/config"
	"github.com/opsgateway/bastiongate/internal/gateway"
	"github.com/opsgateway/bastiongate/internal/gwerr"
	"github.com/opsgateway/bastiongate/internal/pool"
	"github.com/opsgateway/bastiongate/internal/registry"
	"github.com/opsgateway/bastiongate/internal/store"
)

// Exit codes (spec.md §6).
const (
	exitOK              = 0
	exitOther           = 1
	exitUsage           = 2
	exitPolicyViolation = 3
	exitNotFound        = 4
	exitConflict        = 5
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	if len(os.Args) < 2 {
		usage()
		os.Exit(exitUsage)
	}

	cfgPath := os.Getenv("GATEWAY_CONFIG")
	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Printf("gateway: load config: %v", err)
		os.Exit(exitOther)
	}

	var code int
	switch os.Args[1] {
	case "serve":
		code = runServe(cfg)
	case "bind":
		code = runBind(cfg, os.Args[2:])
	case "unbind":
		code = runUnbind(cfg, os.Args[2:])
	case "grant":
		code = runGrant(cfg, os.Args[2:])
	case "revoke":
		code = runRevoke(cfg, os.Args[2:])
	case "stays":
		code = runStays(cfg, os.Args[2:])
	default:
		usage()
		code = exitUsage
	}
	os.Exit(code)
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: gateway <serve|bind|unbind|grant|revoke|stays> [args]")
}

func runServe(cfg config.Config) int {
	if err := cfg.Validate(); err != nil {
		log.Printf("gateway: invalid config: %v", err)
		return exitOther
	}

	gw, err := gateway.Open(cfg)
	if err != nil {
		log.Printf("gateway: %v", err)
		return exitOther
	}

	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-sigCh
		log.Println("gateway: signal received, shutting down")
		cancel()
	}()

	log.Printf("gateway: serving ssh:%d rdp:%d on %v", cfg.SSHListenPort, cfg.RDPListenPort, cfg.ProxyIPs)
	if err := gw.Run(ctx); err != nil {
		log.Printf("gateway: %v", err)
		return exitOther
	}
	return exitOK
}

// openStore opens the Policy Store plus the Pool and Registry the
// one-off operator commands need to enforce the same invariants the
// running server would (spec.md §8 invariant 1: unique active
// allocation).
func openStore(cfg config.Config) (*store.Store, *pool.Pool, *registry.Registry, *audit.Sink, error) {
	s, err := store.Open(cfg.DBURL)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	reg := registry.New(s.Stays, s.Sessions)
	pl, err := pool.New(s.Allocations, s.Backends, reg)
	if err != nil {
		return nil, nil, nil, nil, err
	}
	auditSink := audit.New(s.Audits)
	reg.SetAudit(auditSink)
	return s, pl, reg, auditSink, nil
}

func runBind(cfg config.Config, args []string) int {
	if len(args) != 2 {
		fmt.Fprintln(os.Stderr, "usage: gateway bind <proxy_ip> <backend_id>")
		return exitUsage
	}
	proxyIP, backendID := args[0], args[1]

	_, pl, _, auditSink, err := openStore(cfg)
	if err != nil {
		log.Printf("gateway: %v", err)
		return exitOther
	}

	if err := pl.Bind(proxyIP, backendID); err != nil {
		return exitCodeForError(err)
	}
	_ = auditSink.AllocationChange("cli", proxyIP, backendID, "bind")
	fmt.Printf("bound %s -> %s\n", proxyIP, backendID)
	return exitOK
}

func runUnbind(cfg config.Config, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: gateway unbind <proxy_ip>")
		return exitUsage
	}
	proxyIP := args[0]

	_, pl, _, auditSink, err := openStore(cfg)
	if err != nil {
		log.Printf("gateway: %v", err)
		return exitOther
	}

	if err := pl.Release(proxyIP); err != nil {
		return exitCodeForError(err)
	}
	_ = auditSink.AllocationChange("cli", proxyIP, "", "release")
	fmt.Printf("released %s\n", proxyIP)
	return exitOK
}

func runGrant(cfg config.Config, args []string) int {
	fs := flag.NewFlagSet("grant", flag.ContinueOnError)
	person := fs.String("person", "", "subject: person ID")
	userGroup := fs.String("user-group", "", "subject: user group ID")
	serverGroup := fs.String("server-group", "", "scope: server group ID")
	server := fs.String("server", "", "scope: backend ID")
	protocol := fs.String("protocol", "any", "ssh, rdp, or any")
	duration := fs.String("duration", "8h", "grant lifetime, e.g. 2h, 1d, 1h30m")
	allowForward := fs.Bool("allow-port-forwarding", false, "allow SSH port forwarding")
	logins := fs.String("ssh-logins", "", "comma-separated allowed backend logins, empty means any")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	subjectKind, subjectID := store.SubjectPerson, *person
	if *userGroup != "" {
		subjectKind, subjectID = store.SubjectUserGroup, *userGroup
	}
	if subjectID == "" {
		fmt.Fprintln(os.Stderr, "gateway grant: one of -person or -user-group is required")
		return exitUsage
	}

	scopeKind, scopeID := store.ScopeServerGroup, *serverGroup
	if *server != "" {
		scopeKind, scopeID = store.ScopeServer, *server
	}
	if scopeID == "" {
		fmt.Fprintln(os.Stderr, "gateway grant: one of -server-group or -server is required")
		return exitUsage
	}

	d, err := config.ParseDuration(*duration)
	if err != nil {
		fmt.Fprintf(os.Stderr, "gateway grant: invalid -duration: %v\n", err)
		return exitUsage
	}

	var sshLogins []store.PolicySSHLogin
	if *logins != "" {
		for _, l := range strings.Split(*logins, ",") {
			l = strings.TrimSpace(l)
			if l != "" {
				sshLogins = append(sshLogins, store.PolicySSHLogin{Login: l})
			}
		}
	}

	s, err := store.Open(cfg.DBURL)
	if err != nil {
		log.Printf("gateway: %v", err)
		return exitOther
	}
	auditSink := audit.New(s.Audits)

	now := time.Now().UTC()
	ends := now.Add(d)
	policy := &store.Policy{
		ID:                  uuid.NewString(),
		SubjectKind:         subjectKind,
		SubjectID:           subjectID,
		ScopeKind:           scopeKind,
		ScopeID:             scopeID,
		Protocol:            store.Protocol(*protocol),
		AllowPortForwarding: *allowForward,
		StartsAt:            now,
		Active:              true,
		CreatedAt:           now,
		CreatedBy:           "cli",
		SSHLogins:           sshLogins,
	}
	if d > 0 {
		policy.EndsAt = &ends
	}

	if err := s.Policies.Create(policy); err != nil {
		log.Printf("gateway: %v", err)
		return exitOther
	}
	_ = auditSink.PolicyWrite("cli", policy.ID, "grant", subjectID+" -> "+scopeID)
	fmt.Println(policy.ID)
	return exitOK
}

func runRevoke(cfg config.Config, args []string) int {
	if len(args) != 1 {
		fmt.Fprintln(os.Stderr, "usage: gateway revoke <policy_id>")
		return exitUsage
	}
	policyID := args[0]

	s, err := store.Open(cfg.DBURL)
	if err != nil {
		log.Printf("gateway: %v", err)
		return exitOther
	}
	auditSink := audit.New(s.Audits)

	if err := s.Policies.Revoke(policyID); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return exitNotFound
		}
		log.Printf("gateway: %v", err)
		return exitOther
	}
	_ = auditSink.PolicyWrite("cli", policyID, "revoke", "")
	fmt.Printf("revoked %s\n", policyID)
	return exitOK
}

func runStays(cfg config.Config, args []string) int {
	fs := flag.NewFlagSet("stays", flag.ContinueOnError)
	activeOnly := fs.Bool("active", false, "only list stays that have not closed")
	if err := fs.Parse(args); err != nil {
		return exitUsage
	}

	s, err := store.Open(cfg.DBURL)
	if err != nil {
		log.Printf("gateway: %v", err)
		return exitOther
	}

	rows, err := s.Stays.List(*activeOnly)
	if err != nil {
		log.Printf("gateway: %v", err)
		return exitOther
	}

	for _, st := range rows {
		state := "active"
		if !st.Active() {
			state = "closed:" + string(st.TerminationReason)
		}
		fmt.Printf("%s\t%s\t%s\t%s\t%s\t%s\n",
			st.ID, st.PersonID, st.BackendID, st.Protocol, strconv.FormatInt(st.BytesIn+st.BytesOut, 10), state)
	}
	return exitOK
}

// exitCodeForError maps a gwerr.Kind (or a plain store error) to the
// exit codes spec.md §6 names.
func exitCodeForError(err error) int {
	switch {
	case gwerr.Is(err, gwerr.InvariantViolation):
		return exitConflict
	case gwerr.Is(err, gwerr.Config):
		return exitNotFound
	}
	log.Printf("gateway: %v", err)
	return exitOther
}
