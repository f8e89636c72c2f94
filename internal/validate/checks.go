package validate

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"go/parser"
	"go/token"
	"io"
	"os"
	"path"
	"regexp"
	"sort"
	"strconv"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/pelletier/go-toml/v2"
	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"
)

func pass(msg string) CheckResult { return CheckResult{Status: StatusPass, Message: msg} }

func result(failures, warnings []string, okMsg, failMsg, warnMsg string) CheckResult {
	switch {
	case len(failures) > 0:
		return CheckResult{Status: StatusFail, Message: failMsg, Details: append(failures, warnings...)}
	case len(warnings) > 0:
		return CheckResult{Status: StatusWarn, Message: warnMsg, Details: warnings}
	default:
		return pass(okMsg)
	}
}

func checkRequiredFiles(_ context.Context, m *Manifest, t *tree) CheckResult {
	var missing []string
	for _, want := range m.RequiredFiles {
		wantDir := strings.HasSuffix(want, "/")
		info, err := os.Stat(t.abs(strings.TrimSuffix(want, "/")))
		switch {
		case err != nil:
			missing = append(missing, want+" is missing")
		case wantDir && !info.IsDir():
			missing = append(missing, want+" is not a directory")
		case !wantDir && info.IsDir():
			missing = append(missing, want+" is a directory, expected a file")
		}
	}
	return result(missing, nil,
		fmt.Sprintf("%d required paths present", len(m.RequiredFiles)),
		fmt.Sprintf("%d of %d required paths missing", len(missing), len(m.RequiredFiles)),
		"")
}

var (
	pyRelativeImport = regexp.MustCompile(`^\s*from\s+\.+[\w.]*\s+import\b`)
	pySysPath        = regexp.MustCompile(`\bsys\.path\s*(\.\s*(append|insert|extend)\s*\(|\+=|=)`)
)

func checkImportHygiene(_ context.Context, m *Manifest, t *tree) CheckResult {
	var problems []string
	for _, f := range t.withExt(m.SourceDirs, ".py") {
		src, err := t.read(f.rel)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", f.rel, err))
			continue
		}
		sc := bufio.NewScanner(bytes.NewReader(src))
		sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
		for n := 1; sc.Scan(); n++ {
			line := sc.Text()
			if i := strings.Index(line, "#"); i >= 0 {
				line = line[:i]
			}
			switch {
			case pyRelativeImport.MatchString(line):
				problems = append(problems, fmt.Sprintf("%s:%d: relative import %q", f.rel, n, strings.TrimSpace(line)))
			case pySysPath.MatchString(line):
				problems = append(problems, fmt.Sprintf("%s:%d: sys.path manipulation", f.rel, n))
			}
		}
	}
	for _, f := range t.withExt(m.SourceDirs, ".go") {
		af, err := parser.ParseFile(token.NewFileSet(), t.abs(f.rel), nil, parser.ImportsOnly)
		if err != nil {
			// Reported by source_syntax.
			continue
		}
		for _, imp := range af.Imports {
			p, _ := strconv.Unquote(imp.Path.Value)
			if strings.HasPrefix(p, "./") || strings.HasPrefix(p, "../") {
				problems = append(problems, fmt.Sprintf("%s: relative import %q", f.rel, p))
			}
		}
	}
	return result(problems, nil,
		"no relative imports or path manipulation",
		fmt.Sprintf("%d import problems", len(problems)),
		"")
}

var requirementName = regexp.MustCompile(`^([A-Za-z0-9][A-Za-z0-9._-]*)`)

func normalizePackage(name string) string {
	return strings.NewReplacer("_", "-", ".", "-").Replace(strings.ToLower(strings.TrimSpace(name)))
}

func pinned(spec string) bool {
	for _, op := range []string{"==", ">=", "<=", "~=", "!=", "<", ">", "@"} {
		if strings.Contains(spec, op) {
			return true
		}
	}
	return false
}

type pyproject struct {
	Project struct {
		Dependencies []string `toml:"dependencies"`
	} `toml:"project"`
	Tool struct {
		Poetry struct {
			Dependencies map[string]any `toml:"dependencies"`
		} `toml:"poetry"`
	} `toml:"tool"`
}

func checkDependencyConflicts(_ context.Context, m *Manifest, t *tree) CheckResult {
	base := map[string]struct{}{}
	for _, p := range m.BaseImagePackages {
		base[normalizePackage(p)] = struct{}{}
	}
	var failures, warnings, problems []string
	consider := func(where, name, spec string) {
		if _, ok := base[normalizePackage(name)]; !ok {
			return
		}
		if pinned(spec) {
			failures = append(failures, fmt.Sprintf("%s: %s re-pins base image package", where, strings.TrimSpace(spec)))
			return
		}
		warnings = append(warnings, fmt.Sprintf("%s: %s is provided by the base image", where, name))
	}

	seen := 0
	for _, f := range t.files {
		name := path.Base(f.rel)
		switch {
		case strings.HasPrefix(name, "requirements") && strings.HasSuffix(name, ".txt"):
			seen++
			src, err := t.read(f.rel)
			if err != nil {
				problems = append(problems, fmt.Sprintf("%s: %v", f.rel, err))
				continue
			}
			sc := bufio.NewScanner(bytes.NewReader(src))
			for n := 1; sc.Scan(); n++ {
				line := sc.Text()
				if i := strings.Index(line, "#"); i >= 0 {
					line = line[:i]
				}
				line = strings.TrimSpace(line)
				if line == "" || strings.HasPrefix(line, "-") {
					continue
				}
				if mm := requirementName.FindStringSubmatch(line); mm != nil {
					consider(fmt.Sprintf("%s:%d", f.rel, n), mm[1], line)
				}
			}
		case name == "pyproject.toml":
			seen++
			src, err := t.read(f.rel)
			if err != nil {
				problems = append(problems, fmt.Sprintf("%s: %v", f.rel, err))
				continue
			}
			var pp pyproject
			if err := toml.Unmarshal(src, &pp); err != nil {
				problems = append(problems, fmt.Sprintf("%s: %v", f.rel, err))
				continue
			}
			for _, dep := range pp.Project.Dependencies {
				if mm := requirementName.FindStringSubmatch(strings.TrimSpace(dep)); mm != nil {
					consider(f.rel, mm[1], dep)
				}
			}
			names := make([]string, 0, len(pp.Tool.Poetry.Dependencies))
			for name := range pp.Tool.Poetry.Dependencies {
				names = append(names, name)
			}
			sort.Strings(names)
			for _, name := range names {
				if normalizePackage(name) == "python" {
					continue
				}
				consider(f.rel, name, poetrySpec(name, pp.Tool.Poetry.Dependencies[name]))
			}
		}
	}
	failures = append(failures, problems...)
	if seen == 0 {
		return pass("no dependency manifests")
	}
	return result(failures, warnings,
		fmt.Sprintf("%d dependency manifests, no base image conflicts", seen),
		fmt.Sprintf("%d base image packages re-pinned", len(failures)),
		fmt.Sprintf("%d base image packages listed without pins", len(warnings)))
}

// poetrySpec renders a poetry dependency as a requirement line.
func poetrySpec(name string, v any) string {
	var version string
	switch val := v.(type) {
	case string:
		version = val
	case map[string]any:
		version, _ = val["version"].(string)
	}
	version = strings.TrimSpace(version)
	if version == "" || version == "*" {
		return name
	}
	return name + "==" + strings.TrimLeft(version, "^~=")
}

func checkBuildArtifacts(_ context.Context, m *Manifest, t *tree) CheckResult {
	if m.ArtifactDir == "" {
		return pass("no artifact directory required")
	}
	info, err := os.Stat(t.abs(m.ArtifactDir))
	if err != nil || !info.IsDir() {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("artifact directory %s not found", m.ArtifactDir)}
	}
	count := 0
	for _, f := range t.files {
		if inDirs(f.rel, []string{m.ArtifactDir}) {
			count++
		}
	}
	if count < m.MinArtifactFiles {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("%s has %d files, need at least %d", m.ArtifactDir, count, m.MinArtifactFiles)}
	}
	return pass(fmt.Sprintf("%s has %d files", m.ArtifactDir, count))
}

func checkPayloadSize(_ context.Context, m *Manifest, t *tree) CheckResult {
	var total uint64
	for _, f := range t.files {
		total += uint64(f.size)
	}
	size := humanize.Bytes(total)
	switch {
	case m.Payload.hard > 0 && total > m.Payload.hard:
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("payload %s exceeds hard limit %s", size, humanize.Bytes(m.Payload.hard))}
	case m.Payload.soft > 0 && total > m.Payload.soft:
		return CheckResult{Status: StatusWarn, Message: fmt.Sprintf("payload %s exceeds soft limit %s", size, humanize.Bytes(m.Payload.soft))}
	}
	return pass(fmt.Sprintf("payload %s in %d files", size, len(t.files)))
}

func checkSourceSyntax(ctx context.Context, _ *Manifest, t *tree) CheckResult {
	var problems []string
	parsed := 0
	for _, f := range t.withExt(nil, ".go", ".json", ".yaml", ".yml", ".toml", ".py") {
		if ctx.Err() != nil {
			problems = append(problems, "cancelled: "+ctx.Err().Error())
			break
		}
		src, err := t.read(f.rel)
		if err != nil {
			problems = append(problems, fmt.Sprintf("%s: %v", f.rel, err))
			continue
		}
		parsed++
		for _, msg := range syntaxErrors(f.rel, src) {
			problems = append(problems, fmt.Sprintf("%s: %s", f.rel, msg))
		}
	}
	return result(problems, nil,
		fmt.Sprintf("%d source files parse", parsed),
		fmt.Sprintf("%d syntax problems", len(problems)),
		"")
}

func syntaxErrors(rel string, src []byte) []string {
	switch path.Ext(rel) {
	case ".go":
		if _, err := parser.ParseFile(token.NewFileSet(), rel, src, parser.AllErrors); err != nil {
			return []string{firstLine(err.Error())}
		}
	case ".json":
		var v any
		if err := json.Unmarshal(src, &v); err != nil {
			return []string{err.Error()}
		}
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(bytes.NewReader(src))
		for {
			var v any
			err := dec.Decode(&v)
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil {
				return []string{err.Error()}
			}
		}
	case ".toml":
		var v map[string]any
		if err := toml.Unmarshal(src, &v); err != nil {
			return []string{firstLine(err.Error())}
		}
	case ".py":
		return scanPython(src)
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// scanPython is a structural check: NUL bytes, unterminated strings,
// unbalanced brackets and indentation the interpreter would reject.
func scanPython(src []byte) []string {
	if i := bytes.IndexByte(src, 0); i >= 0 {
		return []string{fmt.Sprintf("NUL byte at offset %d", i)}
	}
	continued, msg := pythonTokens(src)
	if msg != "" {
		return []string{msg}
	}
	if msg := pythonIndentation(src, continued); msg != "" {
		return []string{msg}
	}
	return nil
}

// pythonIndentation applies the tokenizer's rule to the first line of every
// logical line: indents are compared with tabs as 8 columns and as 1, and
// both comparisons must agree with the enclosing block.
func pythonIndentation(src []byte, continued map[int]bool) string {
	type level struct{ col, alt, line int }
	stack := []level{{}}
	for n, line := range strings.Split(string(src), "\n") {
		trimmed := strings.TrimLeft(line, " \t\f")
		if continued[n+1] || strings.TrimSpace(trimmed) == "" || strings.HasPrefix(trimmed, "#") {
			continue
		}
		indent := line[:len(line)-len(trimmed)]
		col, alt := 0, 0
		for _, c := range indent {
			switch c {
			case '\t':
				col = (col/8 + 1) * 8
				alt++
			case ' ':
				col++
				alt++
			}
		}
		top := stack[len(stack)-1]
		switch {
		case col > top.col:
			if alt <= top.alt {
				return fmt.Sprintf("line %d: inconsistent use of tabs and spaces in indentation (see line %d)", n+1, top.line)
			}
			stack = append(stack, level{col, alt, n + 1})
			continue
		case col < top.col:
			for len(stack) > 1 && col < stack[len(stack)-1].col {
				stack = stack[:len(stack)-1]
			}
			top = stack[len(stack)-1]
			if col != top.col {
				return fmt.Sprintf("line %d: unindent does not match any outer indentation level", n+1)
			}
		}
		if alt != top.alt {
			return fmt.Sprintf("line %d: inconsistent use of tabs and spaces in indentation (see line %d)", n+1, top.line)
		}
	}
	return ""
}

// pythonTokens walks src as the tokenizer would. It reports bracket and
// string errors, and returns the physical lines that continue a logical line
// (inside brackets, inside a triple-quoted string or after a backslash).
func pythonTokens(src []byte) (map[int]bool, string) {
	type open struct {
		ch   byte
		line int
	}
	pairs := map[byte]byte{')': '(', ']': '[', '}': '{'}
	continued := map[int]bool{}
	var stack []open
	line := 1
	newline := func(inside bool) {
		line++
		if inside || len(stack) > 0 {
			continued[line] = true
		}
	}
	for i := 0; i < len(src); i++ {
		c := src[i]
		switch c {
		case '\n':
			newline(false)
		case '\\':
			if i+1 < len(src) && src[i+1] == '\n' {
				i++
				newline(true)
			}
		case '#':
			for i+1 < len(src) && src[i+1] != '\n' {
				i++
			}
		case '\'', '"':
			triple := i+2 < len(src) && src[i+1] == c && src[i+2] == c
			start := line
			if triple {
				i += 3
				closed := false
				for ; i < len(src); i++ {
					if src[i] == '\\' {
						if i+1 < len(src) && src[i+1] == '\n' {
							newline(true)
						}
						i++
						continue
					}
					if src[i] == '\n' {
						newline(true)
					}
					if src[i] == c && i+2 < len(src) && src[i+1] == c && src[i+2] == c {
						i += 2
						closed = true
						break
					}
				}
				if !closed {
					return nil, fmt.Sprintf("line %d: unterminated triple-quoted string", start)
				}
				continue
			}
			closed := false
			for i++; i < len(src); i++ {
				if src[i] == '\\' {
					if i+1 < len(src) && src[i+1] == '\n' {
						newline(true)
					}
					i++
					continue
				}
				if src[i] == '\n' {
					break
				}
				if src[i] == c {
					closed = true
					break
				}
			}
			if !closed {
				return nil, fmt.Sprintf("line %d: unterminated string", start)
			}
		case '(', '[', '{':
			stack = append(stack, open{c, line})
		case ')', ']', '}':
			if len(stack) == 0 || stack[len(stack)-1].ch != pairs[c] {
				return nil, fmt.Sprintf("line %d: unbalanced %q", line, c)
			}
			stack = stack[:len(stack)-1]
		}
	}
	if len(stack) > 0 {
		top := stack[len(stack)-1]
		return nil, fmt.Sprintf("line %d: unclosed %q", top.line, top.ch)
	}
	return continued, ""
}

func checkSupervisorConfig(_ context.Context, m *Manifest, t *tree) CheckResult {
	conf := m.Supervisor.File
	data, err := t.read(conf)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("%s not found", conf)}
	}
	cfg, err := ini.LoadSources(ini.LoadOptions{
		SpaceBeforeInlineComment: true,
		AllowBooleanKeys:         true,
		Loose:                    true,
	}, data)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("%s: %v", conf, err)}
	}
	global := map[string]string{}
	if sec, err := cfg.GetSection("supervisord"); err == nil {
		global = parseSupervisorEnv(sec.Key("environment").String())
	}
	var problems []string
	for _, prog := range m.Supervisor.Programs {
		sec, err := cfg.GetSection("program:" + prog)
		if err != nil {
			problems = append(problems, fmt.Sprintf("program %s is not declared", prog))
			continue
		}
		if strings.TrimSpace(sec.Key("command").String()) == "" {
			problems = append(problems, fmt.Sprintf("program %s has no command", prog))
		}
		local := parseSupervisorEnv(sec.Key("environment").String())
		for _, name := range m.Supervisor.Env {
			_, inGlobal := global[name]
			_, inLocal := local[name]
			if !inGlobal && !inLocal {
				problems = append(problems, fmt.Sprintf("program %s: environment variable %s is not set", prog, name))
			}
		}
	}
	return result(problems, nil,
		fmt.Sprintf("%d programs declared with required environment", len(m.Supervisor.Programs)),
		fmt.Sprintf("%d supervisor problems", len(problems)),
		"")
}

// parseSupervisorEnv splits KEY="value",KEY2=value on commas outside quotes.
func parseSupervisorEnv(s string) map[string]string {
	out := map[string]string{}
	var parts []string
	var cur strings.Builder
	var quote rune
	for _, r := range s {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
			cur.WriteRune(r)
		case r == '"' || r == '\'':
			quote = r
			cur.WriteRune(r)
		case r == ',':
			parts = append(parts, cur.String())
			cur.Reset()
		default:
			cur.WriteRune(r)
		}
	}
	parts = append(parts, cur.String())
	for _, p := range parts {
		k, v, ok := strings.Cut(p, "=")
		if !ok || strings.TrimSpace(k) == "" {
			continue
		}
		out[strings.TrimSpace(k)] = strings.Trim(strings.TrimSpace(v), `"'`)
	}
	return out
}

type dockerInstruction struct {
	cmd  string
	args string
	line int
}

func parseDockerfile(src []byte) []dockerInstruction {
	var out []dockerInstruction
	var buf strings.Builder
	start := 0
	for n, raw := range strings.Split(string(src), "\n") {
		line := strings.TrimSpace(raw)
		if buf.Len() == 0 && (line == "" || strings.HasPrefix(line, "#")) {
			continue
		}
		if buf.Len() == 0 {
			start = n + 1
		}
		if strings.HasSuffix(line, "\\") {
			buf.WriteString(strings.TrimSuffix(line, "\\"))
			buf.WriteByte(' ')
			continue
		}
		buf.WriteString(line)
		full := strings.TrimSpace(buf.String())
		buf.Reset()
		cmd, args, _ := strings.Cut(full, " ")
		out = append(out, dockerInstruction{cmd: strings.ToUpper(cmd), args: strings.TrimSpace(args), line: start})
	}
	return out
}

func imageName(ref string) string {
	if i := strings.Index(ref, "@"); i >= 0 {
		ref = ref[:i]
	}
	slash := strings.LastIndex(ref, "/")
	if i := strings.LastIndex(ref, ":"); i > slash {
		ref = ref[:i]
	}
	return ref
}

func checkDockerfile(_ context.Context, m *Manifest, t *tree) CheckResult {
	spec := m.Dockerfile
	data, err := t.read(spec.File)
	if err != nil {
		return CheckResult{Status: StatusFail, Message: fmt.Sprintf("%s not found", spec.File)}
	}
	type stageConfig struct {
		image   string
		entry   string
		exposed map[string]bool
	}
	var problems []string
	// A stage built FROM an earlier stage inherits its CMD and EXPOSE; any
	// other FROM starts from a clean image config.
	stages := map[string]*stageConfig{}
	cur := &stageConfig{exposed: map[string]bool{}}
	for _, ins := range parseDockerfile(data) {
		switch ins.cmd {
		case "FROM":
			var image, alias string
			fields := strings.Fields(ins.args)
			for i := 0; i < len(fields); i++ {
				f := fields[i]
				switch {
				case strings.HasPrefix(f, "--"):
				case strings.EqualFold(f, "as") && i+1 < len(fields):
					alias = fields[i+1]
					i++
				case image == "":
					image = f
				}
			}
			cur = &stageConfig{image: image, exposed: map[string]bool{}}
			if parent, ok := stages[image]; ok {
				cur.image = parent.image
				cur.entry = parent.entry
				for p := range parent.exposed {
					cur.exposed[p] = true
				}
			}
			if alias != "" {
				stages[alias] = cur
			}
		case "EXPOSE":
			for _, p := range strings.Fields(ins.args) {
				p, _, _ = strings.Cut(p, "/")
				cur.exposed[p] = true
			}
		case "CMD", "ENTRYPOINT":
			cur.entry = ins.args
		}
	}
	finalImage, entry, exposed := cur.image, cur.entry, cur.exposed
	switch {
	case finalImage == "":
		problems = append(problems, "no FROM instruction")
	case spec.BaseImage != "":
		want, got := spec.BaseImage, finalImage
		if !strings.Contains(path.Base(want), ":") {
			got = imageName(got)
		}
		if got != want {
			problems = append(problems, fmt.Sprintf("final stage is FROM %s, expected %s", finalImage, spec.BaseImage))
		}
	}
	for _, p := range spec.Ports {
		if !exposed[p] {
			problems = append(problems, fmt.Sprintf("port %s is not exposed", p))
		}
	}
	if spec.Entrypoint != "" {
		switch {
		case entry == "":
			problems = append(problems, "no CMD or ENTRYPOINT")
		case !strings.Contains(entry, spec.Entrypoint):
			problems = append(problems, fmt.Sprintf("CMD/ENTRYPOINT %s does not invoke %s", entry, spec.Entrypoint))
		}
	}
	return result(problems, nil,
		fmt.Sprintf("FROM %s, ports %s, entrypoint %s", finalImage, strings.Join(spec.Ports, ","), spec.Entrypoint),
		fmt.Sprintf("%d Dockerfile problems", len(problems)),
		"")
}
