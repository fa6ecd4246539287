package main

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"contoso.com/enterprise-chat-agent/internal/config"
)

func TestVersionCmd(t *testing.T) {
	cmd := newRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"version"})

	require.NoError(t, cmd.Execute())
	assert.Equal(t, config.Version+"\n", out.String())
}

func TestRootCmd_Flags(t *testing.T) {
	cmd := newRootCmd()

	port := cmd.Flags().Lookup("port")
	require.NotNil(t, port)
	assert.Equal(t, "p", port.Shorthand)
	assert.NotNil(t, cmd.Flags().Lookup("env-file"))
}

func TestRootCmd_MissingEnvFile(t *testing.T) {
	cmd := newRootCmd()
	cmd.SetArgs([]string{"--env-file", t.TempDir() + "/missing.env"})

	assert.Error(t, cmd.Execute())
}
