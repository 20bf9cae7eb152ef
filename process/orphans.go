package process

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/omnimcp/omnimcp-core/exec"
	"github.com/omnimcp/omnimcp-core/logger"
)

// probeTimeout bounds each ps/tasklist/taskkill invocation.
const probeTimeout = 5 * time.Second

// pidFile is what the supervisor records for each running process. Files
// are named <owner>-<id>.pid so supervisors in concurrent platform runs never
// share one.
type pidFile struct {
	ID        string    `json:"id"`
	PID       int       `json:"pid"`
	Owner     int       `json:"owner"` // PID of the supervising platform process
	Command   string    `json:"command"`
	StartedAt time.Time `json:"startedAt"`
}

func pidFileName(owner int, id string) string {
	return fmt.Sprintf("%d-%s.pid", owner, id)
}

// OrphanedServer is a server process left behind by a previous platform run.
type OrphanedServer struct {
	ID      string // Server id from the PID file
	PID     int    // Process ID
	Owner   int    // PID of the platform run that started it
	Command string // Command line recorded at spawn
	path    string
}

func (s *Supervisor) pidFilePath(id string) string {
	return filepath.Join(s.opts.PIDDir, pidFileName(s.owner, id))
}

func (s *Supervisor) writePIDFile(mp *ManagedProcess) {
	if s.opts.PIDDir == "" {
		return
	}
	if err := os.MkdirAll(s.opts.PIDDir, 0755); err != nil {
		mp.log.Warn("failed to create pid directory", "error", err)
		return
	}
	data, err := json.Marshal(pidFile{
		ID:        mp.id,
		PID:       mp.cmd.Process.Pid,
		Owner:     s.owner,
		Command:   mp.cfg.CommandLine(),
		StartedAt: mp.startedAt,
	})
	if err != nil {
		return
	}
	if err := os.WriteFile(s.pidFilePath(mp.id), data, 0644); err != nil {
		mp.log.Warn("failed to write pid file", "error", err)
	}
}

func (s *Supervisor) removePIDFile(mp *ManagedProcess) {
	if s.opts.PIDDir == "" {
		return
	}
	path := s.pidFilePath(mp.id)
	// A respawn may already have replaced the file.
	if pf, err := readPIDFile(path); err == nil && pf.PID != mp.cmd.Process.Pid {
		return
	}
	os.Remove(path)
}

func readPIDFile(path string) (pidFile, error) {
	var pf pidFile
	data, err := os.ReadFile(path)
	if err != nil {
		return pf, err
	}
	if err := json.Unmarshal(data, &pf); err != nil {
		return pf, fmt.Errorf("parsing %s: %w", path, err)
	}
	return pf, nil
}

// FindOrphanedServers lists processes recorded in dir whose supervising
// platform process has exited but which are still alive and still running
// the recorded command. Files owned by a live platform process are left
// alone. PID files of processes that are gone are removed.
func FindOrphanedServers(dir string) ([]OrphanedServer, error) {
	log := logger.WithComponent("process")

	files, err := filepath.Glob(filepath.Join(dir, "*.pid"))
	if err != nil {
		return nil, err
	}

	var orphans []OrphanedServer
	for _, path := range files {
		pf, err := readPIDFile(path)
		if err != nil {
			log.Warn("removing unreadable pid file", "path", path, "error", err)
			os.Remove(path)
			continue
		}

		if pf.Owner != 0 {
			if _, ownerAlive := processCommandLine(pf.Owner); ownerAlive {
				// Still supervised by a running platform process
				continue
			}
		}

		cmdLine, alive := processCommandLine(pf.PID)
		if !alive || !matchesCommand(cmdLine, pf.Command) {
			// Gone, or the PID was reused by something else
			os.Remove(path)
			continue
		}

		orphans = append(orphans, OrphanedServer{ID: pf.ID, PID: pf.PID, Owner: pf.Owner, Command: pf.Command, path: path})
		log.Info("found orphaned server process", "pid", pf.PID, "serverID", pf.ID)
	}

	log.Debug("found orphaned server processes", "count", len(orphans))
	return orphans, nil
}

// CleanupOrphanedServers kills every orphan found in dir and removes its PID
// file. Returns the number of processes killed.
func CleanupOrphanedServers(dir string) (int, error) {
	orphans, err := FindOrphanedServers(dir)
	if err != nil {
		return 0, err
	}

	log := logger.WithComponent("process")
	killed := 0
	for _, o := range orphans {
		log.Info("killing orphaned server process", "pid", o.PID, "serverID", o.ID)
		if err := KillProcess(o.PID); err != nil {
			log.Error("failed to kill process", "pid", o.PID, "error", err)
			continue
		}
		os.Remove(o.path)
		killed++
	}

	return killed, nil
}

// processCommandLine returns the command line of pid and whether it is alive.
func processCommandLine(pid int) (string, bool) {
	return commandLineFor(runtime.GOOS, pid)
}

func commandLineFor(goos string, pid int) (string, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
	defer cancel()
	run := exec.GetDefaultExecutor()

	switch goos {
	case "darwin", "linux", "freebsd", "openbsd", "netbsd":
		out, err := run.Output(ctx, "ps", "-p", strconv.Itoa(pid), "-o", "args=")
		if err != nil {
			// ps exits 1 when the pid does not exist
			return "", false
		}
		cmdLine := strings.TrimSpace(string(out))
		return cmdLine, cmdLine != ""
	case "windows":
		out, err := run.Output(ctx, "tasklist", "/FI", "PID eq "+strconv.Itoa(pid), "/FO", "CSV", "/NH")
		if err != nil {
			return "", false
		}
		// tasklist prints an INFO line, not CSV, when nothing matches
		fields := strings.Split(strings.TrimSpace(string(out)), ",")
		if len(fields) < 2 {
			return "", false
		}
		return strings.Trim(fields[0], "\""), true
	}
	return "", false
}

// matchesCommand compares a live command line with the recorded one. ps
// reports the resolved argv, so only the executable's base name and the
// recorded arguments are compared.
func matchesCommand(live, recorded string) bool {
	liveFields := strings.Fields(live)
	recFields := strings.Fields(recorded)
	if len(liveFields) == 0 || len(recFields) == 0 {
		return false
	}
	liveExe := strings.TrimSuffix(filepath.Base(liveFields[0]), ".exe")
	recExe := strings.TrimSuffix(filepath.Base(recFields[0]), ".exe")
	if liveExe != recExe {
		// Interpreters rewrite argv[0] (e.g. npx → node); fall back to the arguments.
		return len(recFields) > 1 && strings.Contains(live, strings.Join(recFields[1:], " "))
	}
	return true
}

// KillProcess kills a process by PID.
func KillProcess(pid int) error {
	if runtime.GOOS == "windows" {
		ctx, cancel := context.WithTimeout(context.Background(), probeTimeout)
		defer cancel()
		return exec.GetDefaultExecutor().Run(ctx, "taskkill", "/F", "/PID", strconv.Itoa(pid))
	}
	p, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	return p.Kill()
}
