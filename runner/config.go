package runner

import (
	"fmt"
	"path"
	"strings"

	"github.com/input-output-hk/catalyst-forge-build/dockerfile"
)

// applyMetadata folds a metadata-only instruction into the accumulated
// image configuration. The filesystem is never touched here, so these
// instructions produce empty layers.
func (r *Runner) applyMetadata(inst *dockerfile.Instruction) error {
	cfg := &r.config.Config
	switch inst.Kind {
	case dockerfile.KindEnv:
		pairs, err := keyValuePairs(inst.Args)
		if err != nil {
			return fmt.Errorf("malformed ENV: %w", err)
		}
		for _, kv := range pairs {
			cfg.Env = setEnv(cfg.Env, kv[0], kv[1])
		}
	case dockerfile.KindWorkdir:
		dir := inst.Args[0]
		if !path.IsAbs(dir) {
			dir = path.Join(cfg.WorkingDir, dir)
		}
		cfg.WorkingDir = path.Clean(dir)
	case dockerfile.KindExpose:
		if cfg.ExposedPorts == nil {
			cfg.ExposedPorts = map[string]struct{}{}
		}
		for _, p := range inst.Args {
			if !strings.Contains(p, "/") {
				p += "/tcp"
			}
			cfg.ExposedPorts[p] = struct{}{}
		}
	case dockerfile.KindLabel:
		pairs, err := keyValuePairs(inst.Args)
		if err != nil {
			return fmt.Errorf("malformed LABEL: %w", err)
		}
		if cfg.Labels == nil {
			cfg.Labels = map[string]string{}
		}
		for _, kv := range pairs {
			cfg.Labels[kv[0]] = kv[1]
		}
	case dockerfile.KindUser:
		cfg.User = inst.Args[0]
	case dockerfile.KindStopsignal:
		cfg.StopSignal = inst.Args[0]
	case dockerfile.KindEntrypoint:
		cfg.Entrypoint = execForm(inst)
		// Setting ENTRYPOINT resets any inherited CMD.
		cfg.Cmd = nil
	case dockerfile.KindCmd:
		cfg.Cmd = execForm(inst)
	case dockerfile.KindArg:
		// Resolved at parse time; nothing to record.
	}
	return nil
}

// execForm returns the argv recorded in the config: the JSON array
// as-is, or the shell form wrapped in "/bin/sh -c".
func execForm(inst *dockerfile.Instruction) []string {
	if inst.JSONForm {
		return inst.Args
	}
	return []string{"/bin/sh", "-c", strings.Join(inst.Args, " ")}
}

// keyValuePairs parses "k=v" tokens, also accepting the legacy
// two-token "k v" form when no token contains '='.
func keyValuePairs(args []string) ([][2]string, error) {
	if len(args) == 2 && !strings.Contains(args[0], "=") {
		return [][2]string{{args[0], args[1]}}, nil
	}
	pairs := make([][2]string, 0, len(args))
	for _, arg := range args {
		k, v, found := strings.Cut(arg, "=")
		if !found || k == "" {
			return nil, fmt.Errorf("expected key=value, got %q", arg)
		}
		pairs = append(pairs, [2]string{k, v})
	}
	return pairs, nil
}

// setEnv sets or replaces one NAME=value entry.
func setEnv(env []string, name, value string) []string {
	prefix := name + "="
	for i, e := range env {
		if strings.HasPrefix(e, prefix) {
			env[i] = prefix + value
			return env
		}
	}
	return append(env, prefix+value)
}
