package main

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestParseArgsRequiresBinary(t *testing.T) {
	_, err := parseArgs([]string{"fuzzrun"})
	require.Error(t, err)
}

func TestParseArgsDefaults(t *testing.T) {
	cfg, err := parseArgs([]string{"fuzzrun", "-binary", "/bin/true"})
	require.NoError(t, err)
	require.Equal(t, "/bin/true", cfg.binary)
	require.Equal(t, uint(64), cfg.memoryMB)
	require.Equal(t, uint64(0x400000), cfg.loadBase)
	require.False(t, cfg.useKVM)
	require.Equal(t, []string{""}, cfg.inputs)
}

func TestParseArgsLoadBaseAcceptsHex(t *testing.T) {
	cfg, err := parseArgs([]string{"fuzzrun", "-binary", "/bin/true", "-load-base", "0x10000"})
	require.NoError(t, err)
	require.Equal(t, uint64(0x10000), cfg.loadBase)
}

func TestParseArgsLoadBaseRejectsGarbage(t *testing.T) {
	_, err := parseArgs([]string{"fuzzrun", "-binary", "/bin/true", "-load-base", "not-a-number"})
	require.Error(t, err)
}

func TestParseArgsCollectsPositionalInputs(t *testing.T) {
	cfg, err := parseArgs([]string{"fuzzrun", "-binary", "/bin/true", "-kvm", "a.bin", "b.bin"})
	require.NoError(t, err)
	require.True(t, cfg.useKVM)
	require.Equal(t, []string{"a.bin", "b.bin"}, cfg.inputs)
}
