package model_test

import (
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashita-ai/shiken/internal/model"
)

func fullParams() model.ParameterSet {
	return model.ParameterSet{
		model.ParamEmod:   1e9,
		model.ParamKratio: 1.5,
		model.ParamPBEmod: 2e9,
		model.ParamPBFric: 0.5,
		model.ParamPBCoh:  1e7,
		model.ParamPBTen:  2e7,
	}
}

// ---- decoding ------------------------------------------------------------

func TestDecodeParameterSet_HappyPath(t *testing.T) {
	ps, err := model.DecodeParameterSet([]byte(`{"emod": 1e9, "kratio": 1.5, "pb_ten": 20000000}`))
	require.NoError(t, err)
	assert.Len(t, ps, 3)
	assert.Equal(t, 1e9, ps[model.ParamEmod])
	assert.Equal(t, 1.5, ps[model.ParamKratio])
	assert.Equal(t, 2e7, ps[model.ParamPBTen])
}

func TestDecodeParameterSet_EmptyObject(t *testing.T) {
	ps, err := model.DecodeParameterSet([]byte(`{}`))
	require.NoError(t, err)
	assert.Empty(t, ps)
	assert.Error(t, ps.Validate(), "an empty set decodes but cannot run")
}

func TestDecodeParameterSet_Malformed(t *testing.T) {
	tests := []struct {
		name    string
		payload string
		unknown bool
	}{
		{"not json", `{"emod": 1e9`, false},
		{"array", `[1, 2, 3]`, false},
		{"null", `null`, false},
		{"string value", `{"emod": "big"}`, false},
		{"nested object", `{"emod": {"value": 1}}`, false},
		{"unknown name", `{"emod": 1e9, "youngs": 3}`, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := model.DecodeParameterSet([]byte(tt.payload))
			require.Error(t, err)
			assert.ErrorIs(t, err, model.ErrMalformedRequest)
			assert.Equal(t, tt.unknown, errors.Is(err, model.ErrUnknownParameter))
		})
	}
}

func TestParameterSet_UnmarshalThroughDecoder(t *testing.T) {
	dec := json.NewDecoder(strings.NewReader(`{"emod": 5e8, "pb_coh": 1e6} trailing`))
	var ps model.ParameterSet
	require.NoError(t, dec.Decode(&ps))
	assert.Equal(t, model.ParameterSet{"emod": 5e8, "pb_coh": 1e6}, ps)
}

func TestParameterSet_MarshalRoundTripsAsPlainObject(t *testing.T) {
	data, err := json.Marshal(model.ParameterSet{"emod": 1e9})
	require.NoError(t, err)
	assert.JSONEq(t, `{"emod": 1e9}`, string(data))
}

// ---- validation ----------------------------------------------------------

func TestParameterSet_ValidateComplete(t *testing.T) {
	assert.NoError(t, fullParams().Validate())
	assert.Empty(t, fullParams().Missing())
}

func TestParameterSet_ValidateReportsEveryMissingField(t *testing.T) {
	ps := fullParams()
	delete(ps, model.ParamPBTen)
	delete(ps, model.ParamEmod)

	assert.Equal(t, []string{"emod", "pb_ten"}, ps.Missing())
	err := ps.Validate()
	require.Error(t, err)
	assert.ErrorIs(t, err, model.ErrMissingParameter)
	assert.Contains(t, err.Error(), "emod")
	assert.Contains(t, err.Error(), "pb_ten")
}

func TestIsKnownParam(t *testing.T) {
	assert.True(t, model.IsKnownParam(model.ParamEmod))
	assert.True(t, model.IsKnownParam(model.ParamRadiusMax))
	assert.False(t, model.IsKnownParam("youngs"))
	assert.False(t, model.IsKnownParam("EMOD"))
}

func TestParameterSet_Require(t *testing.T) {
	ps := fullParams()
	v, err := ps.Require(model.ParamPBCoh)
	require.NoError(t, err)
	assert.Equal(t, 1e7, v)

	_, err = ps.Require(model.ParamPorosity)
	assert.ErrorIs(t, err, model.ErrMissingParameter)
}

func TestParameterSet_Lookup(t *testing.T) {
	ps := fullParams()
	_, ok := ps.Lookup(model.ParamRadiusMin)
	assert.False(t, ok)
	ps[model.ParamRadiusMin] = 1e-3
	v, ok := ps.Lookup(model.ParamRadiusMin)
	assert.True(t, ok)
	assert.Equal(t, 1e-3, v)
}

// ---- BondParams ----------------------------------------------------------

func TestBondParams_PBKratioFallsBackToKratio(t *testing.T) {
	b, err := fullParams().BondParams()
	require.NoError(t, err)
	assert.Equal(t, model.BondParams{
		Emod:     1e9,
		Kratio:   1.5,
		PBEmod:   2e9,
		PBKratio: 1.5,
		Fric:     0.5,
		Coh:      1e7,
		Ten:      2e7,
	}, b)
}

func TestBondParams_ExplicitPBKratio(t *testing.T) {
	ps := fullParams()
	ps[model.ParamPBKratio] = 2.5
	b, err := ps.BondParams()
	require.NoError(t, err)
	assert.Equal(t, 2.5, b.PBKratio)
	assert.Equal(t, 1.5, b.Kratio)
}

func TestBondParams_MissingField(t *testing.T) {
	ps := fullParams()
	delete(ps, model.ParamPBFric)
	_, err := ps.BondParams()
	assert.ErrorIs(t, err, model.ErrMissingParameter)
}
