package dockerfile

import (
	"strconv"
	"strings"
)

// Dockerfile represents a parsed Dockerfile with indexed access to its
// build stages.
type Dockerfile struct {
	// Stages in declaration order. The final stage is the default build
	// target.
	Stages []*Stage

	// SyntaxVersion is the version from a leading "# syntax=" directive,
	// or empty when no directive was present.
	SyntaxVersion string

	// Pre-computed map for O(1) stage lookups by name.
	stagesByName map[string]*Stage

	// ARG instructions declared before the first FROM. Their values are
	// available to FROM references and inherited by every stage that
	// re-declares them.
	globalArgs []*Instruction

	// Resolved ARG values after applying invocation-time overrides.
	resolvedArgs map[string]string
}

// Stage represents one FROM-delimited section of a multi-stage build
// with its own filesystem lineage.
type Stage struct {
	// Name is the AS alias, or empty for unnamed stages.
	Name string

	// Index is the zero-based declaration position.
	Index int

	// BaseRef is the raw base reference from the FROM instruction: an
	// image reference, "scratch", or the name/index of an earlier stage.
	BaseRef string

	// BaseStage is the index of the earlier stage BaseRef resolves to,
	// or -1 when the base is an external image or scratch.
	BaseStage int

	// Instructions in declaration order, excluding the FROM itself.
	Instructions []*Instruction

	// Line is the 1-based source line of the FROM instruction.
	Line int
}

// Instruction represents one build step. Instructions are immutable
// once parsed.
type Instruction struct {
	// Kind is the enumerated instruction type.
	Kind InstructionKind

	// Name is the uppercase keyword as written (e.g. "RUN").
	Name string

	// Args holds the positional arguments. For exec-array form this is
	// the decoded JSON array; for shell-form RUN/CMD/ENTRYPOINT it is a
	// single element holding the raw command line.
	Args []string

	// Flags holds leading --flag[=value] options (e.g. --from, --chown).
	Flags map[string]string

	// JSONForm is true when the arguments were written as a JSON array.
	JSONForm bool

	// Raw is the exact instruction text after continuation joining,
	// before any variable expansion. Cache fingerprints hash this.
	Raw string

	// Line is the 1-based source line the instruction starts on.
	Line int
}

// InstructionKind represents the type of a Dockerfile instruction.
type InstructionKind int

// Instruction kinds enumeration.
const (
	KindUnknown InstructionKind = iota
	KindFrom
	KindRun
	KindCopy
	KindAdd
	KindEnv
	KindWorkdir
	KindExpose
	KindCmd
	KindEntrypoint
	KindArg
	KindUser
	KindLabel
	KindStopsignal
)

// kindNames maps keywords to kinds. Anything absent is a parse error.
var kindNames = map[string]InstructionKind{
	"FROM":       KindFrom,
	"RUN":        KindRun,
	"COPY":       KindCopy,
	"ADD":        KindAdd,
	"ENV":        KindEnv,
	"WORKDIR":    KindWorkdir,
	"EXPOSE":     KindExpose,
	"CMD":        KindCmd,
	"ENTRYPOINT": KindEntrypoint,
	"ARG":        KindArg,
	"USER":       KindUser,
	"LABEL":      KindLabel,
	"STOPSIGNAL": KindStopsignal,
}

// String returns the keyword for the kind.
func (k InstructionKind) String() string {
	for name, kind := range kindNames {
		if kind == k {
			return name
		}
	}
	return "UNKNOWN"
}

// MutatesFilesystem reports whether the instruction kind changes the
// build filesystem. Everything else mutates image metadata only.
func (k InstructionKind) MutatesFilesystem() bool {
	switch k {
	case KindRun, KindCopy, KindAdd:
		return true
	default:
		return false
	}
}

// Flag returns the value of the named flag and whether it was present.
func (i *Instruction) Flag(name string) (string, bool) {
	v, ok := i.Flags[name]
	return v, ok
}

// ShellCommand returns the argv to execute for a RUN instruction:
// the JSON array as-is, or the shell form wrapped in "/bin/sh -c".
func (i *Instruction) ShellCommand() []string {
	if i.JSONForm {
		return i.Args
	}
	return []string{"/bin/sh", "-c", strings.Join(i.Args, " ")}
}

// StageByName returns the named stage, or nil if not declared.
func (d *Dockerfile) StageByName(name string) *Stage {
	return d.stagesByName[name]
}

// Target resolves the build target: the named stage when name is
// non-empty, otherwise the final stage. Returns nil when the name is
// unknown or the Dockerfile has no stages.
func (d *Dockerfile) Target(name string) *Stage {
	if name != "" {
		return d.stagesByName[name]
	}
	if len(d.Stages) == 0 {
		return nil
	}
	return d.Stages[len(d.Stages)-1]
}

// GlobalArgs returns the ARG instructions declared before the first
// FROM.
func (d *Dockerfile) GlobalArgs() []*Instruction {
	return d.globalArgs
}

// ResolvedArgs returns every ARG value after invocation-time overrides
// were applied. Cache fingerprints incorporate the full map so that any
// build-arg change conservatively invalidates downstream entries.
func (d *Dockerfile) ResolvedArgs() map[string]string {
	out := make(map[string]string, len(d.resolvedArgs))
	for k, v := range d.resolvedArgs {
		out[k] = v
	}
	return out
}

// DisplayName returns the stage's AS alias, or its decimal index for
// unnamed stages. This is the name used in errors and logs.
func (s *Stage) DisplayName() string {
	if s.Name != "" {
		return s.Name
	}
	return strconv.Itoa(s.Index)
}
