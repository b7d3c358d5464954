// Package dockerfile parses Dockerfile text into an ordered sequence of
// typed build stages and instructions. Parsing is a pure transformation:
// it has no side effects and performs all structural validation (unknown
// keywords, malformed continuations, cross-stage references) up front so
// that a build never starts on a malformed input.
package dockerfile

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/Masterminds/semver/v3"
	fs "github.com/input-output-hk/catalyst-forge-libs/fs"
	"github.com/input-output-hk/catalyst-forge-libs/fs/billy"
)

// MaxSyntaxVersion is the maximum "# syntax=" directive version we
// support.
const MaxSyntaxVersion = "1"

// ParseError describes a malformed Dockerfile. It is fatal: no build
// starts when parsing fails.
type ParseError struct {
	// Line is the 1-based source line of the offending text, or 0 when
	// the error is not tied to a single line.
	Line int

	// Msg describes the problem.
	Msg string
}

// Error implements the error interface.
func (e *ParseError) Error() string {
	if e.Line > 0 {
		return fmt.Sprintf("dockerfile: line %d: %s", e.Line, e.Msg)
	}
	return fmt.Sprintf("dockerfile: %s", e.Msg)
}

func parseErrorf(line int, format string, args ...any) *ParseError {
	return &ParseError{Line: line, Msg: fmt.Sprintf(format, args...)}
}

// ParseOptions provides options for parsing Dockerfiles.
type ParseOptions struct {
	// BuildArgs are invocation-time key/value overrides. They take
	// precedence over ARG-declared defaults during variable expansion.
	BuildArgs map[string]string

	// Filesystem allows injecting a custom filesystem implementation.
	// If nil, defaults to billy.NewBaseOSFS().
	Filesystem fs.Filesystem
}

// Parse parses a Dockerfile from the given file path.
func Parse(path string) (*Dockerfile, error) {
	return ParseContext(context.Background(), path, nil)
}

// ParseContext parses a Dockerfile from a file path with custom options
// and cancellation support.
func ParseContext(ctx context.Context, path string, opts *ParseOptions) (*Dockerfile, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("context cancelled: %w", err)
	}

	if opts == nil {
		opts = &ParseOptions{}
	}
	filesystem := opts.Filesystem
	if filesystem == nil {
		filesystem = billy.NewBaseOSFS()
	}

	content, err := filesystem.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", path, err)
	}
	return parse(string(content), opts)
}

// ParseString parses a Dockerfile from a string.
func ParseString(content string) (*Dockerfile, error) {
	return ParseStringWithOptions(content, nil)
}

// ParseStringWithOptions parses a Dockerfile from a string with options.
func ParseStringWithOptions(content string, opts *ParseOptions) (*Dockerfile, error) {
	if opts == nil {
		opts = &ParseOptions{}
	}
	return parse(content, opts)
}

// ParseReader parses a Dockerfile from an io.Reader.
func ParseReader(reader io.Reader, opts *ParseOptions) (*Dockerfile, error) {
	content, err := io.ReadAll(reader)
	if err != nil {
		return nil, fmt.Errorf("failed to read from reader: %w", err)
	}
	if opts == nil {
		opts = &ParseOptions{}
	}
	return parse(string(content), opts)
}

// rawLine is one logical instruction line after continuation joining.
type rawLine struct {
	text string
	line int // 1-based line of first physical line
}

// parse is the single entry point all public Parse variants funnel into.
func parse(content string, opts *ParseOptions) (*Dockerfile, error) {
	syntaxVersion, err := parseDirectives(content)
	if err != nil {
		return nil, err
	}

	lines, err := logicalLines(content)
	if err != nil {
		return nil, err
	}

	df := &Dockerfile{
		SyntaxVersion: syntaxVersion,
		stagesByName:  make(map[string]*Stage),
	}

	expander := newArgExpander(opts.BuildArgs)

	var current *Stage
	for _, ln := range lines {
		keyword, rest := splitKeyword(ln.text)
		kind, ok := kindNames[keyword]
		if !ok {
			return nil, parseErrorf(ln.line, "unknown instruction %q", keyword)
		}

		if kind == KindFrom {
			stage, stageErr := parseFrom(df, rest, ln, expander)
			if stageErr != nil {
				return nil, stageErr
			}
			df.Stages = append(df.Stages, stage)
			if stage.Name != "" {
				df.stagesByName[stage.Name] = stage
			}
			current = stage
			continue
		}

		inst, instErr := parseInstruction(kind, keyword, rest, ln, expander)
		if instErr != nil {
			return nil, instErr
		}

		if current == nil {
			// Only ARG may appear before the first FROM.
			if kind != KindArg {
				return nil, parseErrorf(ln.line, "%s before first FROM", keyword)
			}
			expander.declare(inst)
			df.globalArgs = append(df.globalArgs, inst)
			continue
		}

		if kind == KindArg {
			expander.declare(inst)
		}

		if kind == KindCopy || kind == KindAdd {
			if err := validateCopyFrom(df, current, inst); err != nil {
				return nil, err
			}
		}

		current.Instructions = append(current.Instructions, inst)
	}

	if len(df.Stages) == 0 {
		return nil, parseErrorf(0, "no FROM instruction found")
	}

	df.resolvedArgs = expander.Values()
	return df, nil
}

// parseDirectives extracts and validates leading "# key=value" parser
// directives. Only "# syntax=" is recognized; its version component is
// checked against MaxSyntaxVersion.
func parseDirectives(content string) (string, error) {
	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var syntaxVersion string
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || !strings.HasPrefix(line, "#") {
			// Directives may only precede the first instruction.
			break
		}
		body := strings.TrimSpace(strings.TrimPrefix(line, "#"))
		key, value, found := strings.Cut(body, "=")
		if !found || !strings.EqualFold(strings.TrimSpace(key), "syntax") {
			continue // ordinary comment
		}

		ref := strings.TrimSpace(value)
		// The version trails the last colon, e.g. docker/dockerfile:1.4.
		idx := strings.LastIndex(ref, ":")
		if idx < 0 || idx == len(ref)-1 {
			continue
		}
		version := ref[idx+1:]
		v, err := semver.NewVersion(version)
		if err != nil {
			return "", parseErrorf(0, "invalid syntax directive version %q: %v", version, err)
		}
		maxVersion := semver.MustParse(MaxSyntaxVersion)
		if v.Major() > maxVersion.Major() {
			return "", parseErrorf(0, "syntax version %s is not supported (maximum supported version is %s)",
				version, MaxSyntaxVersion)
		}
		syntaxVersion = version
	}
	return syntaxVersion, nil
}

// logicalLines splits content into instruction lines, joining
// backslash continuations and dropping comments and blank lines.
func logicalLines(content string) ([]rawLine, error) {
	scanner := bufio.NewScanner(strings.NewReader(content))
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	var out []rawLine
	var pending strings.Builder
	pendingStart := 0
	lineNo := 0

	for scanner.Scan() {
		lineNo++
		line := scanner.Text()
		trimmed := strings.TrimSpace(line)

		if pending.Len() == 0 {
			if trimmed == "" || strings.HasPrefix(trimmed, "#") {
				continue
			}
			pendingStart = lineNo
		} else if strings.HasPrefix(trimmed, "#") {
			// Comments inside a continuation are dropped.
			continue
		}

		if strings.HasSuffix(trimmed, "\\") {
			joined := strings.TrimSpace(strings.TrimSuffix(trimmed, "\\"))
			if joined == "" && pending.Len() == 0 {
				return nil, parseErrorf(lineNo, "empty continuation line")
			}
			pending.WriteString(joined)
			pending.WriteString(" ")
			continue
		}

		pending.WriteString(trimmed)
		out = append(out, rawLine{
			text: strings.TrimSpace(pending.String()),
			line: pendingStart,
		})
		pending.Reset()
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to scan dockerfile: %w", err)
	}

	if pending.Len() > 0 {
		return nil, parseErrorf(pendingStart, "unterminated line continuation")
	}
	return out, nil
}

// splitKeyword separates the instruction keyword from the remainder.
func splitKeyword(text string) (keyword, rest string) {
	keyword, rest, _ = strings.Cut(text, " ")
	return strings.ToUpper(keyword), strings.TrimSpace(rest)
}

// parseFrom builds a Stage from a FROM line, resolving stage-as-base
// references against earlier declarations.
func parseFrom(df *Dockerfile, rest string, ln rawLine, exp *argExpander) (*Stage, error) {
	expanded := exp.expand(rest)
	fields, _, err := tokenize(expanded)
	if err != nil {
		return nil, parseErrorf(ln.line, "malformed FROM arguments: %v", err)
	}
	if len(fields) == 0 {
		return nil, parseErrorf(ln.line, "FROM requires a base reference")
	}

	stage := &Stage{
		Index:     len(df.Stages),
		BaseRef:   fields[0],
		BaseStage: -1,
		Line:      ln.line,
	}

	switch len(fields) {
	case 1:
		// unnamed stage
	case 3:
		if !strings.EqualFold(fields[1], "AS") {
			return nil, parseErrorf(ln.line, "expected AS in FROM, got %q", fields[1])
		}
		name := fields[2]
		if _, exists := df.stagesByName[name]; exists {
			return nil, parseErrorf(ln.line, "duplicate stage name %q", name)
		}
		stage.Name = name
	default:
		return nil, parseErrorf(ln.line, "malformed FROM instruction")
	}

	// A stage base may only name an earlier stage; anything else is an
	// external image reference.
	if base := resolveStageRef(df, stage.BaseRef, len(df.Stages)); base != nil {
		stage.BaseStage = base.Index
	}
	return stage, nil
}

// parseInstruction builds an Instruction from a non-FROM line.
func parseInstruction(kind InstructionKind, keyword, rest string, ln rawLine, exp *argExpander) (*Instruction, error) {
	inst := &Instruction{
		Kind: kind,
		Name: keyword,
		Raw:  keyword + " " + rest,
		Line: ln.line,
	}

	// ARG declarations are not expanded: their raw text carries the
	// default which the expander resolves against build-arg overrides.
	expanded := rest
	if kind != KindArg {
		expanded = exp.expand(rest)
	}

	if isJSONForm(expanded) {
		args, err := decodeJSONForm(expanded)
		if err != nil {
			return nil, parseErrorf(ln.line, "malformed exec-form arguments: %v", err)
		}
		inst.Args = args
		inst.JSONForm = true
		inst.Flags = map[string]string{}
		return inst, nil
	}

	switch kind {
	case KindRun, KindCmd, KindEntrypoint:
		// Shell form: the command line is preserved verbatim and later
		// wrapped in "/bin/sh -c".
		flags, remainder := splitFlags(expanded)
		inst.Flags = flags
		inst.Args = []string{remainder}
	default:
		tokens, flags, err := tokenize(expanded)
		if err != nil {
			return nil, parseErrorf(ln.line, "malformed %s arguments: %v", keyword, err)
		}
		inst.Args = tokens
		inst.Flags = flags
	}

	if len(inst.Args) == 0 || (len(inst.Args) == 1 && inst.Args[0] == "") {
		return nil, parseErrorf(ln.line, "%s requires arguments", keyword)
	}
	return inst, nil
}

// validateCopyFrom rejects COPY/ADD --from references to undeclared
// stages or to the current/later stages. Stages form a DAG by
// construction: only earlier declarations may be referenced.
func validateCopyFrom(df *Dockerfile, current *Stage, inst *Instruction) error {
	ref, ok := inst.Flag("from")
	if !ok {
		return nil
	}
	src := resolveStageRef(df, ref, current.Index)
	if src == nil {
		return parseErrorf(inst.Line, "%s --from=%q does not reference an earlier stage", inst.Name, ref)
	}
	return nil
}

// resolveStageRef resolves a stage name or decimal index against stages
// declared strictly before limit. Returns nil for external references.
func resolveStageRef(df *Dockerfile, ref string, limit int) *Stage {
	if s, ok := df.stagesByName[ref]; ok && s.Index < limit {
		return s
	}
	if idx, err := strconv.Atoi(ref); err == nil && idx >= 0 && idx < limit && idx < len(df.Stages) {
		return df.Stages[idx]
	}
	return nil
}
