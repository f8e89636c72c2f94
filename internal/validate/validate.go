// Package validate is the pre-build gate for staged customer deployments.
// Every check runs on every invocation so one report lists all problems.
package validate

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"time"

	"go.uber.org/zap"

	"mcpplane/internal/observability"
)

// Check names, in execution order.
const (
	CheckRequiredFiles       = "required_files"
	CheckImportHygiene       = "import_hygiene"
	CheckDependencyConflicts = "dependency_conflicts"
	CheckBuildArtifacts      = "build_artifacts"
	CheckPayloadSize         = "payload_size"
	CheckSourceSyntax        = "source_syntax"
	CheckSupervisorConfig    = "supervisor_config"
	CheckDockerfile          = "dockerfile"
)

type checkFunc func(ctx context.Context, m *Manifest, t *tree) CheckResult

var checks = []struct {
	name string
	fn   checkFunc
}{
	{CheckRequiredFiles, checkRequiredFiles},
	{CheckImportHygiene, checkImportHygiene},
	{CheckDependencyConflicts, checkDependencyConflicts},
	{CheckBuildArtifacts, checkBuildArtifacts},
	{CheckPayloadSize, checkPayloadSize},
	{CheckSourceSyntax, checkSourceSyntax},
	{CheckSupervisorConfig, checkSupervisorConfig},
	{CheckDockerfile, checkDockerfile},
}

// CheckNames lists the checks in the order they run.
func CheckNames() []string {
	out := make([]string, len(checks))
	for i, c := range checks {
		out[i] = c.name
	}
	return out
}

type Validator struct {
	Manifest *Manifest
	Logger   *zap.Logger
	Metrics  *observability.Metrics
	Now      func() time.Time
}

func New(m *Manifest) *Validator {
	return &Validator{Manifest: m, Logger: zap.NewNop(), Now: time.Now}
}

func (v *Validator) now() time.Time {
	if v.Now != nil {
		return v.Now()
	}
	return time.Now()
}

// Run validates dir. It never returns early: a missing directory or an
// unreadable file becomes a failed check rather than an error.
func (v *Validator) Run(ctx context.Context, dir string) Report {
	start := v.now()
	m := v.Manifest
	if m == nil {
		var err error
		if m, err = DefaultManifest(); err != nil {
			panic(fmt.Sprintf("embedded manifest: %v", err))
		}
	}
	t := scan(dir, m)

	results := make([]CheckResult, 0, len(checks))
	for _, c := range checks {
		if !m.enabled(c.name) {
			results = append(results, CheckResult{Name: c.name, Status: StatusPass, Message: "skipped by manifest"})
			continue
		}
		var res CheckResult
		switch {
		case ctx.Err() != nil:
			res = CheckResult{Status: StatusFail, Message: "validation cancelled: " + ctx.Err().Error()}
		case t.err != nil:
			res = CheckResult{Status: StatusFail, Message: t.err.Error()}
		default:
			res = runCheck(ctx, c.fn, m, t)
		}
		res.Name = c.name
		results = append(results, res)
	}

	r := newReport(dir, results)
	r.Duration = v.now().Sub(start)
	v.Metrics.RecordValidation(string(r.Verdict), r.Duration.Seconds())
	if v.Logger != nil {
		v.Logger.Info("build validated",
			zap.String("dir", dir),
			zap.String("verdict", string(r.Verdict)),
			zap.Strings("failed", r.FailedChecks()),
			zap.Duration("duration", r.Duration))
	}
	return r
}

func runCheck(ctx context.Context, fn checkFunc, m *Manifest, t *tree) (res CheckResult) {
	defer func() {
		if rec := recover(); rec != nil {
			res = CheckResult{Status: StatusFail, Message: fmt.Sprintf("check crashed: %v", rec)}
		}
	}()
	return fn(ctx, m, t)
}

// tree is one walk of the build directory shared by all checks.
type tree struct {
	root  string
	files []file
	err   error
}

type file struct {
	rel  string
	size int64
}

func scan(dir string, m *Manifest) *tree {
	t := &tree{root: dir}
	info, err := os.Stat(dir)
	switch {
	case errors.Is(err, fs.ErrNotExist):
		t.err = fmt.Errorf("build directory %s not found", dir)
		return t
	case err != nil:
		t.err = fmt.Errorf("build directory %s: %w", dir, err)
		return t
	case !info.IsDir():
		t.err = fmt.Errorf("build directory %s is not a directory", dir)
		return t
	}
	err = filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() {
			if path != dir && m.skipDir(d.Name()) {
				return filepath.SkipDir
			}
			return nil
		}
		if !d.Type().IsRegular() {
			return nil
		}
		fi, err := d.Info()
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		t.files = append(t.files, file{rel: filepath.ToSlash(rel), size: fi.Size()})
		return nil
	})
	if err != nil {
		t.err = fmt.Errorf("walk %s: %w", dir, err)
	}
	sort.Slice(t.files, func(i, j int) bool { return t.files[i].rel < t.files[j].rel })
	return t
}

func (t *tree) abs(rel string) string {
	return filepath.Join(t.root, filepath.FromSlash(rel))
}

func (t *tree) read(rel string) ([]byte, error) {
	return os.ReadFile(t.abs(rel))
}

// withExt returns files with one of exts, optionally limited to dirs.
func (t *tree) withExt(dirs []string, exts ...string) []file {
	var out []file
	for _, f := range t.files {
		ext := filepath.Ext(f.rel)
		match := false
		for _, e := range exts {
			if ext == e {
				match = true
				break
			}
		}
		if match && inDirs(f.rel, dirs) {
			out = append(out, f)
		}
	}
	return out
}

func inDirs(rel string, dirs []string) bool {
	if len(dirs) == 0 {
		return true
	}
	for _, d := range dirs {
		d = filepath.ToSlash(filepath.Clean(d))
		if d == "." || rel == d || len(rel) > len(d) && rel[:len(d)] == d && rel[len(d)] == '/' {
			return true
		}
	}
	return false
}
