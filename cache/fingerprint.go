// Package cache maps instruction fingerprints to previously built
// layers so unchanged build steps are never re-executed. Fingerprints
// chain: each one folds in its parent, so any change to an instruction
// invalidates every later step in the same stage while leaving earlier
// steps untouched.
package cache

import (
	"encoding/json"
	"fmt"
	"sort"

	"github.com/opencontainers/go-digest"

	"github.com/input-output-hk/catalyst-forge-build/dockerfile"
)

// Fingerprinter computes the chained cache key for each instruction in
// a stage. It is stateful: Next advances the chain, so instructions
// must be fed in declaration order.
type Fingerprinter struct {
	current digest.Digest
}

// seedPayload binds the chain root to the stage's base identity and
// the complete build-arg set. Any ARG value change invalidates the
// whole stage, referenced or not.
type seedPayload struct {
	Version   int      `json:"version"`
	Base      string   `json:"base"`
	BuildArgs []string `json:"buildArgs"`
}

type stepPayload struct {
	Parent  string   `json:"parent"`
	Kind    string   `json:"kind"`
	Raw     string   `json:"raw"`
	Sources []string `json:"sources,omitempty"`
}

// NewFingerprinter seeds a fingerprint chain for one stage. base is
// the content identity of the stage's starting filesystem (the base
// image's manifest digest, an earlier stage's last fingerprint, or
// empty for scratch).
func NewFingerprinter(base digest.Digest, buildArgs map[string]string) *Fingerprinter {
	args := make([]string, 0, len(buildArgs))
	for k, v := range buildArgs {
		args = append(args, k+"="+v)
	}
	sort.Strings(args)

	return &Fingerprinter{
		current: hashPayload(seedPayload{
			Version:   1,
			Base:      base.String(),
			BuildArgs: args,
		}),
	}
}

// Current returns the chain's present value without advancing it.
func (f *Fingerprinter) Current() digest.Digest {
	return f.current
}

// Next folds one instruction into the chain and returns the resulting
// fingerprint. sources carry the content digests of every COPY/ADD
// source file, so context changes invalidate the step even when the
// instruction text is unchanged.
func (f *Fingerprinter) Next(inst *dockerfile.Instruction, sources []digest.Digest) digest.Digest {
	payload := stepPayload{
		Parent: f.current.String(),
		Kind:   inst.Kind.String(),
		Raw:    inst.Raw,
	}
	for _, s := range sources {
		payload.Sources = append(payload.Sources, s.String())
	}

	f.current = hashPayload(payload)
	return f.current
}

// hashPayload digests the JSON form of p. Struct field order is fixed
// at compile time, so the serialization is deterministic.
func hashPayload(p any) digest.Digest {
	data, err := json.Marshal(p)
	if err != nil {
		// Payload structs contain only strings and ints.
		panic(fmt.Sprintf("fingerprint payload not marshalable: %v", err))
	}
	return digest.FromBytes(data)
}
