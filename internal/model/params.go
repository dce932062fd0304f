// Package model defines the core domain types for Shiken.
//
// Types here are shared by the job server, the phase orchestrator and the
// history pipeline. They carry no behavior beyond validation and conversion.
package model

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"sort"
	"strings"
)

// Parameter names accepted on the wire.
const (
	ParamEmod      = "emod"
	ParamKratio    = "kratio"
	ParamPBEmod    = "pb_emod"
	ParamPBKratio  = "pb_kratio"
	ParamPBFric    = "pb_fric"
	ParamPBCoh     = "pb_coh"
	ParamPBTen     = "pb_ten"
	ParamPorosity  = "porosity"
	ParamRadiusMin = "radius_min"
	ParamRadiusMax = "radius_max"
)

var (
	// ErrMissingParameter is returned when a field required by the phase
	// procedure is absent from a ParameterSet.
	ErrMissingParameter = errors.New("model: missing parameter")

	// ErrUnknownParameter is returned when a request names a parameter
	// outside the known vocabulary.
	ErrUnknownParameter = errors.New("model: unknown parameter")

	// ErrMalformedRequest is returned when a request payload cannot be
	// decoded into a ParameterSet.
	ErrMalformedRequest = errors.New("model: malformed request")
)

// knownParams is the full wire vocabulary.
var knownParams = map[string]bool{
	ParamEmod:      true,
	ParamKratio:    true,
	ParamPBEmod:    true,
	ParamPBKratio:  true,
	ParamPBFric:    true,
	ParamPBCoh:     true,
	ParamPBTen:     true,
	ParamPorosity:  true,
	ParamRadiusMin: true,
	ParamRadiusMax: true,
}

// IsKnownParam reports whether name is part of the wire vocabulary.
func IsKnownParam(name string) bool {
	return knownParams[name]
}

// RequiredParams lists the fields that must be present before bonding.
var RequiredParams = []string{
	ParamEmod,
	ParamKratio,
	ParamPBEmod,
	ParamPBFric,
	ParamPBCoh,
	ParamPBTen,
}

// ParameterSet maps parameter names to values for one request.
// It is constructed once per request and never mutated afterwards.
type ParameterSet map[string]float64

// DecodeParameterSet decodes a JSON object of name → number.
// Unknown names, non-numeric values and non-finite numbers are malformed.
func DecodeParameterSet(data []byte) (ParameterSet, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	return parseRaw(raw)
}

// UnmarshalJSON implements json.Unmarshaler with the same rules as
// DecodeParameterSet, so a json.Decoder can read a ParameterSet directly.
func (p *ParameterSet) UnmarshalJSON(data []byte) error {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(data, &raw); err != nil {
		return fmt.Errorf("%w: %v", ErrMalformedRequest, err)
	}
	ps, err := parseRaw(raw)
	if err != nil {
		return err
	}
	*p = ps
	return nil
}

func parseRaw(raw map[string]json.RawMessage) (ParameterSet, error) {
	if raw == nil {
		return nil, fmt.Errorf("%w: payload must be a JSON object", ErrMalformedRequest)
	}
	ps := make(ParameterSet, len(raw))
	for name, msg := range raw {
		if !knownParams[name] {
			return nil, fmt.Errorf("%w: %w: %q", ErrMalformedRequest, ErrUnknownParameter, name)
		}
		var v float64
		if err := json.Unmarshal(msg, &v); err != nil {
			return nil, fmt.Errorf("%w: %s is not a number", ErrMalformedRequest, name)
		}
		if math.IsNaN(v) || math.IsInf(v, 0) {
			return nil, fmt.Errorf("%w: %s is not finite", ErrMalformedRequest, name)
		}
		ps[name] = v
	}
	return ps, nil
}

// Require returns the value for name or ErrMissingParameter.
func (p ParameterSet) Require(name string) (float64, error) {
	v, ok := p[name]
	if !ok {
		return 0, fmt.Errorf("%w: %s", ErrMissingParameter, name)
	}
	return v, nil
}

// Lookup returns the value for name and whether it was present.
func (p ParameterSet) Lookup(name string) (float64, bool) {
	v, ok := p[name]
	return v, ok
}

// Missing returns the sorted names of required fields absent from p.
func (p ParameterSet) Missing() []string {
	var out []string
	for _, name := range RequiredParams {
		if _, ok := p[name]; !ok {
			out = append(out, name)
		}
	}
	sort.Strings(out)
	return out
}

// Validate reports every missing required field in one error.
func (p ParameterSet) Validate() error {
	if missing := p.Missing(); len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrMissingParameter, strings.Join(missing, ", "))
	}
	return nil
}

// BondParams are the contact-model inputs applied in the bonding phase.
type BondParams struct {
	Emod     float64 // Linear (ball-ball) effective modulus, Pa.
	Kratio   float64 // Linear normal-to-shear stiffness ratio.
	PBEmod   float64 // Parallel-bond effective modulus, Pa.
	PBKratio float64 // Parallel-bond stiffness ratio.
	Fric     float64 // Friction coefficient.
	Coh      float64 // Parallel-bond cohesion, Pa.
	Ten      float64 // Parallel-bond tensile strength, Pa.
}

// BondParams resolves the bonding inputs. pb_kratio falls back to kratio,
// which is how the procedure derives it when a caller does not tune it.
func (p ParameterSet) BondParams() (BondParams, error) {
	if err := p.Validate(); err != nil {
		return BondParams{}, err
	}
	b := BondParams{
		Emod:   p[ParamEmod],
		Kratio: p[ParamKratio],
		PBEmod: p[ParamPBEmod],
		Fric:   p[ParamPBFric],
		Coh:    p[ParamPBCoh],
		Ten:    p[ParamPBTen],
	}
	if v, ok := p[ParamPBKratio]; ok {
		b.PBKratio = v
	} else {
		b.PBKratio = b.Kratio
	}
	return b, nil
}
