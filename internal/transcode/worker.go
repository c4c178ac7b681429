// Package transcode is the Transcode Queue (spec.md §4.8): a bounded
// worker pool that claims pending `.replay -> .mp4` jobs and drives an
// external transcoder process, polling no faster than once per second to
// bound database load.
package transcode

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"strconv"
	"strings"
	"sync/atomic"
	"syscall"
	"time"

	"golang.org/x/sys/unix"

	"github.com/google/uuid"
	"github.com/opsgateway/bastiongate/internal/store"
)

// ErrResourceExceeded marks a transcode that was killed for breaching its
// per-job CPU or memory ceiling (spec.md §4.8). claimAndRun recognizes it
// via errors.Is and fails the job with the "resource_exceeded" reason
// instead of the transcoder's raw exit error.
var ErrResourceExceeded = errors.New("transcode: resource ceiling exceeded")

// Transcoder runs one `.replay -> .mp4` conversion, reporting progress as
// (frame K of N) pairs on the returned channel and closing it when the
// process exits. A zero N means total frame count is not yet known.
type Transcoder interface {
	Run(ctx context.Context, inputPath, outputPath string) (<-chan Progress, error)
}

// Progress is one frame-count sample from a running transcode.
type Progress struct {
	Frame, Total int
	Err          error // set on the final value if the process failed
}

const defaultPollInterval = 2 * time.Second

// Pool runs W worker goroutines against the store's TranscodeRepo,
// respecting the running cap W and honoring rush() priority ordering,
// which Claim already encodes via its ORDER BY.
type Pool struct {
	jobs       *store.TranscodeRepo
	transcoder Transcoder
	workers    int
	pending    int
	poll       time.Duration
	now        func() time.Time
}

// New constructs a Pool with the default poll interval.
func New(jobs *store.TranscodeRepo, transcoder Transcoder, workers, pendingCap int) *Pool {
	return NewWithClock(jobs, transcoder, workers, pendingCap, defaultPollInterval, time.Now)
}

// NewWithClock is New with an injectable clock and poll interval, for
// deterministic tests.
func NewWithClock(jobs *store.TranscodeRepo, transcoder Transcoder, workers, pendingCap int, poll time.Duration, now func() time.Time) *Pool {
	return &Pool{jobs: jobs, transcoder: transcoder, workers: workers, pending: pendingCap, poll: poll, now: now}
}

// Enqueue submits a stay's recording for conversion, failing with
// gwerr.ResourceExhausted if the pending cap is already reached.
func (p *Pool) Enqueue(stayID, inputPath string) (*store.TranscodeJob, error) {
	job := &store.TranscodeJob{
		ID:        uuid.NewString(),
		StayID:    stayID,
		Status:    store.TranscodePending,
		CreatedAt: p.now(),
	}
	if err := p.jobs.Enqueue(job, p.pending); err != nil {
		return nil, err
	}
	return job, nil
}

// Rush moves a pending job to the front of the queue.
func (p *Pool) Rush(jobID string) error {
	return p.jobs.Rush(jobID)
}

// Run starts the worker pool; it blocks until ctx is canceled.
func (p *Pool) Run(ctx context.Context) {
	for i := 0; i < p.workers; i++ {
		go p.worker(ctx)
	}
	<-ctx.Done()
}

func (p *Pool) worker(ctx context.Context) {
	ticker := time.NewTicker(p.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.claimAndRun(ctx)
		}
	}
}

func (p *Pool) claimAndRun(ctx context.Context) {
	// Claim returns gwerr.ResourceExhausted when the running cap is
	// reached and gorm.ErrRecordNotFound when the queue is empty; either
	// way there is nothing to run this tick.
	job, err := p.jobs.Claim(p.workers)
	if err != nil {
		return
	}

	inputPath := job.StayID + ".replay"
	outputPath := job.StayID + ".mp4"

	started := p.now()
	progress, err := p.transcoder.Run(ctx, inputPath, outputPath)
	if err != nil {
		_ = p.jobs.Fail(job.ID, err.Error())
		return
	}

	var lastErr error
	for sample := range progress {
		if sample.Err != nil {
			lastErr = sample.Err
			continue
		}
		eta := etaSeconds(started, p.now(), sample.Frame, sample.Total)
		_ = p.jobs.Heartbeat(job.ID, sample.Frame, sample.Total, eta)
	}

	if lastErr != nil {
		if errors.Is(lastErr, ErrResourceExceeded) {
			_ = p.jobs.Fail(job.ID, "resource_exceeded")
		} else {
			_ = p.jobs.Fail(job.ID, lastErr.Error())
		}
		return
	}
	_ = p.jobs.Complete(job.ID, outputPath)
}

func etaSeconds(started, now time.Time, k, n int) int {
	if k <= 0 || n <= 0 || k > n {
		return 0
	}
	elapsed := now.Sub(started).Seconds()
	return int(elapsed * float64(n-k) / float64(k))
}

// SubprocessTranscoder drives an external `ffmpeg`-style transcoder,
// parsing "frame=<K> total=<N>" lines from its stdout as progress
// samples — the line format a wrapper script around the real codec
// would emit, since spec.md §1 treats the codec itself as external.
//
// MaxCPUSeconds and MaxMemoryMB, when set, enforce spec.md §4.8's
// per-job resource ceiling: the process is launched under a shell that
// sets matching rlimits (so a CPU breach is killed by the kernel with
// SIGXCPU) and is polled for RSS as a backstop for memory, since Linux
// does not kill a process for exceeding `ulimit -v` reliably once
// overcommit is involved.
type SubprocessTranscoder struct {
	Command       string
	Args          []string
	MaxCPUSeconds int
	MaxMemoryMB   int
}

func (t *SubprocessTranscoder) Run(ctx context.Context, inputPath, outputPath string) (<-chan Progress, error) {
	args := append(append([]string{}, t.Args...), inputPath, outputPath)

	var cmd *exec.Cmd
	if t.MaxCPUSeconds > 0 || t.MaxMemoryMB > 0 {
		cmd = exec.CommandContext(ctx, "sh", "-c", ulimitScript(t.MaxCPUSeconds, t.MaxMemoryMB), "transcode", t.Command)
		cmd.Args = append(cmd.Args, args...)
	} else {
		cmd = exec.CommandContext(ctx, t.Command, args...)
	}
	// Setpgid lets the RSS watchdog kill the whole process group, not
	// just the shell wrapper, on a memory breach.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setpgid: true}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, err
	}

	var exceeded atomic.Bool
	stop := make(chan struct{})
	go watchRSS(cmd.Process.Pid, t.MaxMemoryMB, &exceeded, stop)

	out := make(chan Progress)
	go func() {
		defer close(out)
		defer close(stop)
		scanner := bufio.NewScanner(stdout)
		var lastFrame, lastTotal int
		for scanner.Scan() {
			frame, total, ok := parseProgressLine(scanner.Text())
			if ok {
				lastFrame, lastTotal = frame, total
				out <- Progress{Frame: frame, Total: total}
			}
		}

		waitErr := cmd.Wait()

		var ru unix.Rusage
		_ = unix.Getrusage(unix.RUSAGE_CHILDREN, &ru)

		if waitErr == nil {
			return
		}
		if exceeded.Load() || killedByResourceLimit(waitErr) {
			out <- Progress{Frame: lastFrame, Total: lastTotal, Err: fmt.Errorf("transcode process exceeded resource ceiling: %w", ErrResourceExceeded)}
			return
		}
		out <- Progress{Frame: lastFrame, Total: lastTotal, Err: fmt.Errorf("transcode process: %w", waitErr)}
	}()
	return out, nil
}

// ulimitScript builds a shell fragment that sets the process's own CPU
// and address-space rlimits before exec'ing into the real command, so
// the limits are inherited by the transcoder itself rather than just
// measured from outside it.
func ulimitScript(cpuSeconds, memoryMB int) string {
	var b strings.Builder
	if cpuSeconds > 0 {
		fmt.Fprintf(&b, "ulimit -t %d; ", cpuSeconds)
	}
	if memoryMB > 0 {
		fmt.Fprintf(&b, "ulimit -v %d; ", memoryMB*1024)
	}
	b.WriteString(`exec "$@"`)
	return b.String()
}

// watchRSS polls /proc/<pid>/status for VmRSS and kills the process
// group if it breaches maxMemoryMB, as a backstop for workloads where
// the kernel doesn't enforce `ulimit -v` strictly (e.g. a transcoder
// that mmaps more address space than it resides in).
func watchRSS(pid, maxMemoryMB int, exceeded *atomic.Bool, stop <-chan struct{}) {
	if maxMemoryMB <= 0 {
		return
	}
	limitKB := int64(maxMemoryMB) * 1024
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			rss, err := readRSSKB(pid)
			if err != nil {
				continue
			}
			if rss > limitKB {
				exceeded.Store(true)
				_ = syscall.Kill(-pid, syscall.SIGKILL)
				return
			}
		}
	}
}

func readRSSKB(pid int) (int64, error) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return 0, err
	}
	for _, line := range strings.Split(string(data), "\n") {
		if strings.HasPrefix(line, "VmRSS:") {
			fields := strings.Fields(line)
			if len(fields) >= 2 {
				return strconv.ParseInt(fields[1], 10, 64)
			}
		}
	}
	return 0, fmt.Errorf("VmRSS not found in /proc/%d/status", pid)
}

// killedByResourceLimit reports whether err is an ExitError whose
// process died to a signal a breached rlimit raises: SIGXCPU for the
// `ulimit -t` ceiling, or SIGKILL for the RSS watchdog.
func killedByResourceLimit(err error) bool {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	if !ok {
		return false
	}
	return status.Signaled() && (status.Signal() == syscall.SIGXCPU || status.Signal() == syscall.SIGKILL)
}

func parseProgressLine(line string) (frame, total int, ok bool) {
	var frameStr, totalStr string
	for _, field := range strings.Fields(line) {
		if v, found := cutPrefix(field, "frame="); found {
			frameStr = v
		}
		if v, found := cutPrefix(field, "total="); found {
			totalStr = v
		}
	}
	if frameStr == "" || totalStr == "" {
		return 0, 0, false
	}
	f, err1 := strconv.Atoi(frameStr)
	n, err2 := strconv.Atoi(totalStr)
	if err1 != nil || err2 != nil {
		return 0, 0, false
	}
	return f, n, true
}

func cutPrefix(s, prefix string) (string, bool) {
	if strings.HasPrefix(s, prefix) {
		return s[len(prefix):], true
	}
	return "", false
}
