package main

import (
	"context"
	"debug/elf"
	"encoding/binary"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
)

// buildMinimalPIE hand-assembles the smallest ELF64 ET_DYN file
// debug/elf will accept, the same layout internal/elfview's own test
// helper uses, so a dry-run Runner has something real to load.
func buildMinimalPIE(t *testing.T, entry, vaddr uint64, payload []byte) string {
	t.Helper()

	const ehdrSize = 64
	const phdrSize = 56

	buf := make([]byte, ehdrSize+phdrSize+len(payload))
	copy(buf[0:4], []byte{0x7f, 'E', 'L', 'F'})
	buf[4] = 2
	buf[5] = 1
	buf[6] = 1
	buf[7] = byte(elf.ELFOSABI_LINUX)

	le := binary.LittleEndian
	le.PutUint16(buf[16:], uint16(elf.ET_DYN))
	le.PutUint16(buf[18:], uint16(elf.EM_X86_64))
	le.PutUint32(buf[20:], 1)
	le.PutUint64(buf[24:], entry)
	le.PutUint64(buf[32:], ehdrSize)
	le.PutUint16(buf[52:], ehdrSize)
	le.PutUint16(buf[54:], phdrSize)
	le.PutUint16(buf[56:], 1)

	ph := buf[ehdrSize:]
	le.PutUint32(ph[0:], uint32(elf.PT_LOAD))
	le.PutUint32(ph[4:], uint32(elf.PF_R|elf.PF_X))
	le.PutUint64(ph[8:], ehdrSize+phdrSize)
	le.PutUint64(ph[16:], vaddr)
	le.PutUint64(ph[24:], vaddr)
	le.PutUint64(ph[32:], uint64(len(payload)))
	le.PutUint64(ph[40:], uint64(len(payload)))
	le.PutUint64(ph[48:], 0x1000)

	copy(buf[ehdrSize+phdrSize:], payload)

	path := filepath.Join(t.TempDir(), "guest.bin")
	require.NoError(t, os.WriteFile(path, buf, 0o755))
	return path
}

func testLogger() *logrus.Logger {
	log := logrus.New()
	log.SetOutput(os.Stderr)
	return log
}

func TestNewRunnerDryRunMapsSegments(t *testing.T) {
	const loadBase = 0x400000
	path := buildMinimalPIE(t, loadBase+4, loadBase, []byte{0x90, 0x90, 0x90, 0xc3})

	cfg := &config{
		binary:   path,
		arch:     "amd64",
		memoryMB: 16,
		timeout:  time.Second,
		loadBase: loadBase,
		inputs:   []string{""},
	}

	r, err := NewRunner(cfg, testLogger(), "")
	require.NoError(t, err)
	defer r.Close()

	frame, perms, ok := r.as.Lookup(loadBase)
	require.True(t, ok)
	require.True(t, perms.Read)
	require.True(t, perms.Exec)
	require.Equal(t, byte(0x90), r.as.FrameBytes(frame)[0])
}

func TestNewRunnerPopulatesVmInfoFromElfAndArgv(t *testing.T) {
	const loadBase = 0x400000
	path := buildMinimalPIE(t, loadBase+4, loadBase, []byte{0x90, 0x90, 0x90, 0xc3})

	cfg := &config{
		binary:   path,
		arch:     "amd64",
		memoryMB: 16,
		timeout:  time.Second,
		loadBase: loadBase,
		inputs:   []string{""},
	}

	r, err := NewRunner(cfg, testLogger(), "")
	require.NoError(t, err)
	defer r.Close()

	info := r.dispatch.VmInfo()
	require.Equal(t, uint64(64), info.Phoff)
	require.Equal(t, uint64(56), info.Phentsize)
	require.Equal(t, uint64(1), info.Phnum)
	require.Equal(t, uint64(1), info.Argc)
	require.NotZero(t, info.ArgvOffset)
	require.Greater(t, info.EnvpOffset, info.ArgvOffset)

	argv0, err := r.marshaller.ReadCString(info.ArgvOffset, 4096)
	require.NoError(t, err)
	require.Equal(t, path, argv0)
}

func TestNewRunnerRejectsUnsupportedArch(t *testing.T) {
	path := buildMinimalPIE(t, 0x400004, 0x400000, []byte{0xc3})
	cfg := &config{binary: path, arch: "arm64", memoryMB: 16, timeout: time.Second, inputs: []string{""}}
	_, err := NewRunner(cfg, testLogger(), "")
	require.Error(t, err)
}

func TestNewRunnerDryRunProducesNoOpRun(t *testing.T) {
	const loadBase = 0x400000
	path := buildMinimalPIE(t, loadBase+4, loadBase, []byte{0x90, 0x90, 0x90, 0xc3})
	cfg := &config{binary: path, arch: "amd64", memoryMB: 16, timeout: time.Second, loadBase: loadBase, inputs: []string{""}}

	r, err := NewRunner(cfg, testLogger(), "")
	require.NoError(t, err)
	defer r.Close()

	res, err := r.Run(context.Background())
	require.NoError(t, err)
	require.Equal(t, RunResult{}, res)
}
