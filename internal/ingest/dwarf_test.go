package ingest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const dwarfSample = `{
  "Type": "DebugInfo",
  "Data": {
    "DIEs": [
      {"Offset": 1, "ParentOffset": 0, "Tag": "DW_TAG_subprogram", "Attributes": {"DW_AT_name": "f"}},
      {"Offset": 2, "ParentOffset": 1, "Tag": "DW_TAG_inlined_subroutine", "Attributes": {
        "DW_AT_name": "g", "DW_AT_low_pc": 100, "DW_AT_high_pc": "S_0_U_16"
      }}
    ],
    "LineInfoEntries": {},
    "LineInfoMap": {}
  }
}`

func TestParseDWARFJSON_RejectsWrongType(t *testing.T) {
	_, err := ParseDWARFJSON(strings.NewReader(`{"Type":"Other","Data":{}}`))
	assert.Error(t, err)
}

func TestParseDWARFJSON_DecodesDIEs(t *testing.T) {
	data, err := ParseDWARFJSON(strings.NewReader(dwarfSample))
	require.NoError(t, err)
	assert.Len(t, data.DIEs, 2)
}

func TestDecodeHighPC_AbsoluteNumericString(t *testing.T) {
	v, err := DecodeHighPC(100, "116")
	require.NoError(t, err)
	assert.Equal(t, uint64(116), v)
}

func TestDecodeHighPC_SignedUnsignedConstantIsOffsetFromLowPC(t *testing.T) {
	v, err := DecodeHighPC(100, "S_-1_U_16")
	require.NoError(t, err)
	assert.Equal(t, uint64(116), v)
}

func TestDecodeHighPC_MalformedAttributeIsError(t *testing.T) {
	_, err := DecodeHighPC(100, "not-a-number")
	assert.Error(t, err)
}

func TestInlinedSubroutineDIEs_ResolvesLowHighPCAndDepth(t *testing.T) {
	data, err := ParseDWARFJSON(strings.NewReader(dwarfSample))
	require.NoError(t, err)

	dies, err := InlinedSubroutineDIEs(data)
	require.NoError(t, err)
	require.Len(t, dies, 1)
	assert.Equal(t, "g", dies[0].Name)
	assert.Equal(t, uint64(100), dies[0].LowPC)
	assert.Equal(t, uint64(116), dies[0].HighPC)
	assert.Equal(t, 0, dies[0].Depth)
}

const dwarfLocalVarsSample = `{
  "Type": "DebugInfo",
  "Data": {
    "DIEs": [
      {"Offset": 1, "ParentOffset": 0, "Tag": "DW_TAG_subprogram", "Attributes": {"DW_AT_name": "f"}},
      {"Offset": 2, "ParentOffset": 1, "Tag": "DW_TAG_variable", "Attributes": {
        "DW_AT_name": "counter", "DW_AT_location": "[DW_OP_breg28: 12];", "DW_AT_type": 3
      }},
      {"Offset": 3, "Tag": "DW_TAG_base_type", "Attributes": {"DW_AT_name": "int", "DW_AT_byte_size": 2}},
      {"Offset": 4, "ParentOffset": 1, "Tag": "DW_TAG_variable", "Attributes": {
        "DW_AT_name": "flag", "DW_AT_location": "[DW_OP_reg18];", "DW_AT_type": 5
      }},
      {"Offset": 5, "Tag": "DW_TAG_base_type", "Attributes": {"DW_AT_name": "char", "DW_AT_byte_size": 1}}
    ],
    "LineInfoEntries": {},
    "LineInfoMap": {}
  }
}`

func TestFindSubprogramOffset_ResolvesByName(t *testing.T) {
	data, err := ParseDWARFJSON(strings.NewReader(dwarfLocalVarsSample))
	require.NoError(t, err)

	off, ok := FindSubprogramOffset(data, "f")
	require.True(t, ok)
	assert.Equal(t, int64(1), off)

	_, ok = FindSubprogramOffset(data, "missing")
	assert.False(t, ok)
}

func TestLocalVariableOffsets_ResolvesFrameRelativeVariablesOnly(t *testing.T) {
	data, err := ParseDWARFJSON(strings.NewReader(dwarfLocalVarsSample))
	require.NoError(t, err)

	offsets := LocalVariableOffsets(data, 1)
	require.Len(t, offsets, 1, "the register-allocated 'flag' variable must be skipped")
	assert.Equal(t, 2, offsets[12])
}
