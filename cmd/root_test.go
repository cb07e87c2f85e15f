package main

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sitetrace/changeflow/internal/model"
)

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"serve", "ingest", "candidates", "orders", "history", "verify", "config"} {
		assert.True(t, names[want], "command %s not registered", want)
	}
}

func TestIngestFileParsing(t *testing.T) {
	raw := `{
		"project_id": "proj-1",
		"channel": "mail",
		"external_id": "msg-42",
		"payload": {"body": "move the laundry hookups"},
		"proposals": [{"description": "relocate laundry hookups", "confidence": 0.83}]
	}`
	var in ingestFile
	require.NoError(t, json.Unmarshal([]byte(raw), &in))
	assert.Equal(t, model.ChannelMail, in.Channel)
	require.Len(t, in.Proposals, 1)
	assert.InDelta(t, 0.83, in.Proposals[0].Confidence, 1e-9)
}
