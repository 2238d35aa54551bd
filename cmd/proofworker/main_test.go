package main

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFlags(t *testing.T) {
	cmd := newRootCmd()
	for _, name := range []string{"config", "listen", "advertise", "name", "log-level", "circuit"} {
		assert.NotNil(t, cmd.Flags().Lookup(name), name)
	}
}

func TestInvalidConfigRejected(t *testing.T) {
	t.Setenv("PROOFRPC_PROBE_MAX_ATTEMPTS", "0")

	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{})

	err := cmd.Execute()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "probe.max_attempts")
}

func TestStdioJoinsStreams(t *testing.T) {
	var in bytes.Buffer
	var out bytes.Buffer
	in.WriteString("frame")

	rw := stdio{Reader: &in, Writer: &out}
	var _ io.ReadWriteCloser = rw

	got, err := io.ReadAll(rw)
	require.NoError(t, err)
	assert.Equal(t, "frame", string(got))

	_, err = rw.Write([]byte("reply"))
	require.NoError(t, err)
	assert.Equal(t, "reply", out.String())
}
