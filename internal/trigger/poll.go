package trigger

import (
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strconv"
	"strings"
	"sync"
	"time"

	gopsprocess "github.com/shirou/gopsutil/v3/process"
)

// ProcessSnapshot is one row of the process table, as returned by a
// TableReader (spec §4.1 "Polling backend").
type ProcessSnapshot struct {
	PID  int
	PPID int
	Comm string
	Argv []string
	Exe  string
}

// TableReader snapshots the full process table. The default implementation
// is backed by gopsutil; tests inject a fake, mirroring the teacher's
// ProcNetReader seam in network_watcher.go.
type TableReader interface {
	Snapshot() (map[int]ProcessSnapshot, error)
}

// gopsutilTableReader reads the process table via gopsutil/v3/process,
// falling back to `ps -p <pid> -o command=` when argv comes back empty
// (spec §4.1 "Argv is obtained from the table; if empty, queried via a
// platform-specific command").
type gopsutilTableReader struct{}

func (gopsutilTableReader) Snapshot() (map[int]ProcessSnapshot, error) {
	procs, err := gopsprocess.Processes()
	if err != nil {
		return nil, fmt.Errorf("trigger: list processes: %w", err)
	}

	out := make(map[int]ProcessSnapshot, len(procs))
	for _, p := range procs {
		pid := int(p.Pid)
		name, _ := p.Name()
		ppid, _ := p.Ppid()
		argv, _ := p.CmdlineSlice()
		exe, _ := p.Exe()

		if len(argv) == 0 {
			if cmd := queryCommandline(pid); cmd != "" {
				argv = strings.Fields(cmd)
			}
		}

		out[pid] = ProcessSnapshot{
			PID:  pid,
			PPID: int(ppid),
			Comm: name,
			Argv: argv,
			Exe:  exe,
		}
	}
	return out, nil
}

// queryCommandline shells out to `ps` for a pid's command line when the
// process table's own argv field came back empty.
func queryCommandline(pid int) string {
	out, err := exec.Command("ps", "-p", strconv.Itoa(pid), "-o", "command=").Output()
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(out))
}

// TablePoller is the fallback Trigger Source (spec §4.1 "Polling backend"),
// used on macOS/Windows/older Linux or whenever the kernel-probe backend's
// initialisation fails. On each tick it snapshots the process table and
// diffs it against the previous snapshot: pids present now but not before
// become Start triggers; pids present before but not now become End
// triggers with ExitUnknown (the poller cannot observe the true exit
// reason).
type TablePoller struct {
	reader   TableReader
	interval time.Duration
	logger   *slog.Logger

	events   chan Trigger
	cancel   context.CancelFunc
	stopOnce sync.Once
	wg       sync.WaitGroup
	mu       sync.Mutex
}

// NewTablePoller constructs a TablePoller. If logger is nil, slog.Default()
// is used. If interval is zero, a 1-second default is used.
func NewTablePoller(interval time.Duration, logger *slog.Logger) *TablePoller {
	if logger == nil {
		logger = slog.Default()
	}
	if interval <= 0 {
		interval = time.Second
	}
	return &TablePoller{
		reader:   gopsutilTableReader{},
		interval: interval,
		logger:   logger,
		events:   make(chan Trigger, 256),
	}
}

// WithTableReader overrides the default gopsutil-backed reader. Intended for
// tests.
func (p *TablePoller) WithTableReader(r TableReader) *TablePoller {
	p.reader = r
	return p
}

// Triggers implements Source.
func (p *TablePoller) Triggers() <-chan Trigger { return p.events }

// Start implements Source. Calling Start on an already-running poller is a
// no-op.
func (p *TablePoller) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cancel != nil {
		return nil
	}

	ctx, cancel := context.WithCancel(ctx)
	p.cancel = cancel

	p.wg.Add(1)
	go p.run(ctx)

	p.logger.Info("table poller started", slog.Duration("interval", p.interval))
	return nil
}

// Stop implements Source.
func (p *TablePoller) Stop() {
	p.stopOnce.Do(func() {
		p.mu.Lock()
		cancel := p.cancel
		p.mu.Unlock()
		if cancel != nil {
			cancel()
		}
		p.wg.Wait()
		close(p.events)
		p.logger.Info("table poller stopped")
	})
}

func (p *TablePoller) run(ctx context.Context) {
	defer p.wg.Done()

	prev := map[int]ProcessSnapshot{}
	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			cur, err := p.reader.Snapshot()
			if err != nil {
				p.logger.Warn("table poller: snapshot failed", slog.Any("error", err))
				continue
			}
			p.diff(prev, cur)
			prev = cur
		}
	}
}

func (p *TablePoller) diff(prev, cur map[int]ProcessSnapshot) {
	now := time.Now().UTC()

	for pid, snap := range cur {
		if _, existed := prev[pid]; !existed {
			p.emit(Trigger{
				Kind: KindStart,
				Start: ProcessStart{
					PID: pid, PPID: snap.PPID, Comm: snap.Comm,
					Argv: snap.Argv, Exe: snap.Exe, StartedAt: now,
				},
			})
		}
	}
	for pid := range prev {
		if _, stillPresent := cur[pid]; !stillPresent {
			p.emit(Trigger{
				Kind: KindEnd,
				End:  ProcessEnd{PID: pid, FinishedAt: now, Reason: ExitUnknown},
			})
		}
	}
}

func (p *TablePoller) emit(t Trigger) {
	select {
	case p.events <- t:
	default:
		p.logger.Warn("table poller: event channel full, dropping trigger")
	}
}
