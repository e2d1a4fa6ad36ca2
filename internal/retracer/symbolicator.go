package retracer

import (
	"bufio"
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"syscall"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
)

// Kind classifies the outcome of one symbolication run.
type Kind int

const (
	// KindResolved means the tool produced a stacktrace.
	KindResolved Kind = iota
	// KindFailed means retracing did not produce a usable stacktrace; the
	// job goes through the second-chance queue before the OOPS is marked.
	KindFailed
	// KindUnretraceable means the crash can never be retraced (executable
	// not shipped by any package, tool crash); the OOPS is marked and the
	// blob dropped without a second pass.
	KindUnretraceable
	// KindTransient means a download or mirror error; the job is requeued
	// without counting against the OOPS.
	KindTransient
	// KindInterrupted means the tool was terminated by a shutdown signal;
	// the message is left unacked for redelivery.
	KindInterrupted
)

// Job is the input to one symbolication run.
type Job struct {
	OopsID   string
	CorePath string
	Fields   map[string]string
}

// Result carries the classified outcome and, when resolved, the fields of the
// retraced report.
type Result struct {
	Kind             Kind
	Retraced         map[string]string
	FailureReason    string
	MissingPackages  []string
	OutdatedPackages []string
}

// Symbolicator turns a core dump plus report fields into a symbolic
// stacktrace. The one real implementation shells out to apport-retrace;
// tests substitute their own.
type Symbolicator interface {
	CheckCore(ctx context.Context, corePath string) (bool, error)
	Retrace(ctx context.Context, job Job) (*Result, error)
}

var (
	transientPattern = regexp.MustCompile(
		`(?i)(NO_PUBKEY|GPG error|Failed to fetch|not signed|Mirror sync in progress|Hash Sum mismatch)`)
	unshippedPattern = regexp.MustCompile(
		`Cannot find package which ships (ExecutablePath|InterpreterPath)`)
	toolCrashPattern = regexp.MustCompile(`failed with exit code -(9|11)`)
	invalidCoreText  = "Invalid core dump"

	missingDebugPattern = regexp.MustCompile(`no debug symbol package found for (\S+)`)
	outdatedPattern     = regexp.MustCompile(`outdated debug symbol package for (\S+):`)
)

// ApportRetracer runs apport-retrace inside a per-release sandbox.
type ApportRetracer struct {
	Executable      string
	GdbPath         string
	SandboxPath     string
	CachePath       string
	CoreStoragePath string
	Architecture    string
}

// CheckCore probes the decompressed file with gdb before committing to a full
// sandbox run; truncated uploads are common and a full retrace of one wastes
// minutes.
func (a *ApportRetracer) CheckCore(ctx context.Context, corePath string) (bool, error) {
	gdb := a.GdbPath
	if gdb == "" {
		gdb = "gdb"
	}
	out, err := exec.CommandContext(ctx, gdb, "--batch", "-ex", "info target", "--core", corePath).CombinedOutput()
	if err != nil {
		return false, nil
	}
	if strings.Contains(string(out), "is not a core dump") {
		return false, nil
	}
	return true, nil
}

func (a *ApportRetracer) Retrace(ctx context.Context, job Job) (*Result, error) {
	workDir, err := os.MkdirTemp("", "retrace-"+job.OopsID+"-")
	if err != nil {
		return nil, errors.Wrap(err, "creating retrace work dir")
	}
	defer os.RemoveAll(workDir)

	crashPath := filepath.Join(workDir, job.OopsID+".crash")
	if err := writeCrashFile(crashPath, job.Fields, job.CorePath); err != nil {
		return nil, err
	}
	outputPath := filepath.Join(workDir, job.OopsID+".retraced")

	release := job.Fields["DistroRelease"]
	args := []string{
		"-o", outputPath,
		"-S", filepath.Join(a.SandboxPath, release),
	}
	if a.CachePath != "" {
		args = append(args, "-C", a.CachePath)
	}
	if a.GdbPath != "" {
		args = append(args, "--gdb", a.GdbPath)
	}
	args = append(args, crashPath)

	cmd := exec.CommandContext(ctx, a.Executable, args...)
	output, err := cmd.CombinedOutput()
	return a.classify(job, crashPath, outputPath, output, err)
}

func (a *ApportRetracer) classify(job Job, crashPath, outputPath string, output []byte, runErr error) (*Result, error) {
	text := string(output)

	if runErr == nil {
		if strings.Contains(text, invalidCoreText) {
			return &Result{Kind: KindFailed, FailureReason: "invalid core dump"}, nil
		}
		retraced, err := parseCrashFile(outputPath)
		if err != nil {
			return &Result{
				Kind:             KindFailed,
				MissingPackages:  matchAll(missingDebugPattern, text),
				OutdatedPackages: matchAll(outdatedPattern, text),
			}, nil
		}
		return &Result{Kind: KindResolved, Retraced: retraced}, nil
	}

	if terminated(runErr) {
		return &Result{Kind: KindInterrupted}, nil
	}

	switch {
	case unshippedPattern.MatchString(text):
		return &Result{
			Kind:          KindUnretraceable,
			FailureReason: "executable path is not shipped by any package",
		}, nil
	case toolCrashPattern.MatchString(text):
		a.saveForTriage(job, crashPath)
		return &Result{
			Kind:          KindUnretraceable,
			FailureReason: "the symbolication tool crashed",
		}, nil
	case transientPattern.MatchString(text):
		return &Result{Kind: KindTransient}, nil
	}

	return &Result{
		Kind:             KindFailed,
		MissingPackages:  matchAll(missingDebugPattern, text),
		OutdatedPackages: matchAll(outdatedPattern, text),
	}, nil
}

func terminated(err error) bool {
	var exitErr *exec.ExitError
	if !errors.As(err, &exitErr) {
		return false
	}
	status, ok := exitErr.Sys().(syscall.WaitStatus)
	return ok && status.Signaled() && status.Signal() == syscall.SIGTERM
}

// saveForTriage keeps the crash file around when the tool itself crashed, so
// an operator can reproduce the gdb failure by hand.
func (a *ApportRetracer) saveForTriage(job Job, crashPath string) {
	if a.CoreStoragePath == "" {
		return
	}
	dest := filepath.Join(a.CoreStoragePath, job.OopsID+".crash")
	if err := copyFile(crashPath, dest); err != nil {
		log.WithError(err).WithField("oops", job.OopsID).Warn("could not save crash for triage")
	}
}

func copyFile(src, dest string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()
	out, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, in); err != nil {
		_ = out.Close()
		return err
	}
	return out.Close()
}

func matchAll(pattern *regexp.Regexp, text string) []string {
	var names []string
	seen := map[string]bool{}
	for _, m := range pattern.FindAllStringSubmatch(text, -1) {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	sort.Strings(names)
	return names
}

// writeCrashFile serialises the report in apport's text format: "Field:
// value" with continuation lines indented by one space, and the core attached
// as a line-wrapped base64 block.
func writeCrashFile(path string, fields map[string]string, corePath string) error {
	f, err := os.Create(path)
	if err != nil {
		return errors.Wrap(err, "creating crash file")
	}
	w := bufio.NewWriter(f)

	names := make([]string, 0, len(fields))
	for name := range fields {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		value := strings.ReplaceAll(fields[name], "\n", "\n ")
		fmt.Fprintf(w, "%s: %s\n", name, value)
	}

	if err := writeCoreDumpBlock(w, corePath); err != nil {
		_ = f.Close()
		return err
	}
	if err := w.Flush(); err != nil {
		_ = f.Close()
		return errors.Wrap(err, "writing crash file")
	}
	return f.Close()
}

func writeCoreDumpBlock(w *bufio.Writer, corePath string) error {
	core, err := os.Open(corePath)
	if err != nil {
		return errors.Wrap(err, "opening core file")
	}
	defer core.Close()

	if _, err := w.WriteString("CoreDump: base64\n"); err != nil {
		return err
	}
	buf := make([]byte, 3*1024)
	for {
		n, err := io.ReadFull(core, buf)
		if n > 0 {
			line := " " + base64.StdEncoding.EncodeToString(buf[:n]) + "\n"
			if _, err := w.WriteString(line); err != nil {
				return err
			}
		}
		if err == io.EOF || err == io.ErrUnexpectedEOF {
			return nil
		}
		if err != nil {
			return errors.Wrap(err, "reading core file")
		}
	}
}

// parseCrashFile reads the retraced report back. Continuation lines are
// joined with newlines; the CoreDump block is skipped.
func parseCrashFile(path string) (map[string]string, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrap(err, "opening retraced report")
	}
	defer f.Close()

	fields := map[string]string{}
	var name string
	var value strings.Builder

	flush := func() {
		if name != "" && name != "CoreDump" {
			fields[name] = value.String()
		}
		name = ""
		value.Reset()
	}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 16*1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, " ") {
			if name != "" {
				if value.Len() > 0 {
					value.WriteByte('\n')
				}
				value.WriteString(line[1:])
			}
			continue
		}
		flush()
		idx := strings.Index(line, ":")
		if idx < 0 {
			continue
		}
		name = line[:idx]
		rest := strings.TrimPrefix(line[idx+1:], " ")
		if rest == "base64" {
			// attachment block, value follows in continuation lines
			rest = ""
		}
		value.WriteString(rest)
	}
	flush()
	if err := scanner.Err(); err != nil {
		return nil, errors.Wrap(err, "reading retraced report")
	}
	return fields, nil
}
