package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"time"

	"github.com/doomedramen/autopwn/internal/models"
	"github.com/doomedramen/autopwn/pkg/debug"
)

// Outcome classifies how a cracking run ended.
type Outcome int

const (
	// OutcomeCracked means hashcat recovered the plaintext.
	OutcomeCracked Outcome = iota
	// OutcomeExhausted means every dictionary was fully tried without a match.
	OutcomeExhausted
	// OutcomeError means an engine-level failure: non-zero exit unrelated to
	// exhaustion, device unavailable, or timeout. Drives the retry path.
	OutcomeError
)

// String returns a human-readable representation of the outcome
func (o Outcome) String() string {
	switch o {
	case OutcomeCracked:
		return "cracked"
	case OutcomeExhausted:
		return "exhausted"
	case OutcomeError:
		return "error"
	default:
		return "unknown"
	}
}

// Result is the classified outcome of one cracking invocation.
type Result struct {
	Outcome     Outcome
	Plaintext   string // set when Outcome is OutcomeCracked
	ErrorDetail string // set when Outcome is OutcomeError
}

// Engine runs one job's hash against its dictionaries on a device backend.
type Engine interface {
	Run(ctx context.Context, job *models.HashJob) (*Result, error)
}

// hashcat exit codes: 0 = at least one hash cracked, 1 = exhausted.
const (
	exitCracked   = 0
	exitExhausted = 1
)

// HashcatEngine invokes the hashcat binary. Each run writes the job's hash
// payload to a per-job file under the artifact root and collects the cracked
// plaintext from a per-job outfile. A hard wall-clock timeout kills the
// process; a stuck hashcat never holds its device slot past that.
type HashcatEngine struct {
	binary  string
	dataDir string
	timeout time.Duration
}

// NewHashcatEngine creates a hashcat-backed engine.
func NewHashcatEngine(binary, dataDir string, timeout time.Duration) *HashcatEngine {
	return &HashcatEngine{
		binary:  binary,
		dataDir: dataDir,
		timeout: timeout,
	}
}

// Run executes hashcat for the job and classifies the result. The error
// return is reserved for setup failures (artifact directory, hash file);
// engine-level failures come back as OutcomeError so the processor can apply
// the retry policy.
func (e *HashcatEngine) Run(ctx context.Context, job *models.HashJob) (*Result, error) {
	jobDir := filepath.Join(e.dataDir, "jobs", job.ID.String())
	if err := os.MkdirAll(jobDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create job directory: %w", err)
	}

	hashFile := filepath.Join(jobDir, "hash.hc22000")
	if err := os.WriteFile(hashFile, []byte(job.HashPayload+"\n"), 0644); err != nil {
		return nil, fmt.Errorf("failed to write hash file: %w", err)
	}
	outFile := filepath.Join(jobDir, "cracked.txt")

	runCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	args := []string{
		"-m", job.HashAlgo,
		"-a", "0",
		"--quiet",
		"--potfile-disable",
		"--outfile", outFile,
		"--outfile-format", "2",
		"-D", deviceSelector(job.DeviceClass),
		hashFile,
	}
	args = append(args, job.Dictionaries...)

	debug.Info("Starting hashcat for job %s (essid: %s, device: %s, dictionaries: %d)",
		job.ID, job.ESSID, job.DeviceClass, len(job.Dictionaries))
	debug.Debug("hashcat command: %s %s", e.binary, strings.Join(args, " "))

	cmd := exec.CommandContext(runCtx, e.binary, args...)
	output, runErr := cmd.CombinedOutput()

	// Timeout and external cancellation take precedence over whatever exit
	// code the killed process reported.
	if runCtx.Err() != nil {
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			debug.Warning("Job %s hit the %s timeout, hashcat killed", job.ID, e.timeout)
			return &Result{
				Outcome:     OutcomeError,
				ErrorDetail: fmt.Sprintf("timed out after %s", e.timeout),
			}, nil
		}
		debug.Info("Job %s cancelled, hashcat killed", job.ID)
		return &Result{
			Outcome:     OutcomeError,
			ErrorDetail: "cancelled",
		}, nil
	}

	exitCode := exitCracked
	if runErr != nil {
		var exitErr *exec.ExitError
		if errors.As(runErr, &exitErr) {
			exitCode = exitErr.ExitCode()
		} else {
			// Binary missing, not executable, etc.
			return &Result{
				Outcome:     OutcomeError,
				ErrorDetail: fmt.Sprintf("failed to run hashcat: %v", runErr),
			}, nil
		}
	}

	switch exitCode {
	case exitCracked:
		plaintext, err := readPlaintext(outFile)
		if err != nil {
			return &Result{
				Outcome:     OutcomeError,
				ErrorDetail: fmt.Sprintf("hashcat reported a crack but outfile is unreadable: %v", err),
			}, nil
		}
		debug.Info("Job %s cracked", job.ID)
		return &Result{Outcome: OutcomeCracked, Plaintext: plaintext}, nil

	case exitExhausted:
		debug.Info("Job %s exhausted all dictionaries without a match", job.ID)
		return &Result{Outcome: OutcomeExhausted}, nil

	default:
		detail := fmt.Sprintf("hashcat exited with code %d: %s", exitCode, tail(string(output), 500))
		debug.Warning("Job %s engine failure: %s", job.ID, detail)
		return &Result{Outcome: OutcomeError, ErrorDetail: detail}, nil
	}
}

// deviceSelector maps a device class to hashcat's -D OpenCL device type
// filter: 1 = CPU, 2 = GPU.
func deviceSelector(device models.DeviceClass) string {
	if device == models.DeviceGPU {
		return "2"
	}
	return "1"
}

// readPlaintext reads the recovered plaintext from a format-2 outfile.
func readPlaintext(outFile string) (string, error) {
	data, err := os.ReadFile(outFile)
	if err != nil {
		return "", err
	}
	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	if len(lines) == 0 || lines[0] == "" {
		return "", fmt.Errorf("outfile %s is empty", outFile)
	}
	return lines[0], nil
}

// tail returns at most n trailing bytes of s for error messages.
func tail(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
