package main

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/partition-router/prouter/internal/discovery"
	"github.com/partition-router/prouter/internal/routing"
)

func TestBuildParticipant(t *testing.T) {
	p, err := buildParticipant("P1", "OUT", "Square", "ShapeType", []string{"A"})
	require.NoError(t, err)
	assert.Equal(t, routing.Participant{
		Handle:     "P1",
		Direction:  routing.DirectionOut,
		Topic:      "Square",
		Type:       "ShapeType",
		Partitions: []string{"A"},
	}, p)

	p, err = buildParticipant("", "in", "Square", "", nil)
	require.NoError(t, err)
	assert.NotEmpty(t, p.Handle)
	assert.Equal(t, routing.DirectionIn, p.Direction)

	_, err = buildParticipant("P1", "sideways", "Square", "", nil)
	assert.ErrorIs(t, err, routing.ErrUnknownDirection)
	_, err = buildParticipant("P1", "out", "", "", nil)
	assert.Error(t, err)
}

func TestListParticipants(t *testing.T) {
	ctx := context.Background()
	store := discovery.NewMemoryStore()
	defer store.Close()

	announcer, err := discovery.NewAnnouncer(store, discovery.DefaultPrefix)
	require.NoError(t, err)
	require.NoError(t, announcer.Announce(ctx, routing.Participant{Handle: "P2", Direction: routing.DirectionOut, Topic: "Square"}))
	require.NoError(t, announcer.Announce(ctx, routing.Participant{Handle: "P1", Direction: routing.DirectionOut, Topic: "Square"}))
	require.NoError(t, announcer.Announce(ctx, routing.Participant{Handle: "S1", Direction: routing.DirectionIn, Topic: "Square", Partitions: []string{"A", "B"}}))
	require.NoError(t, store.PutEphemeral(ctx, discovery.DefaultPrefix+"/in/broken", []byte("{")))

	participants, invalid, err := listParticipants(ctx, store, discovery.DefaultPrefix)
	require.NoError(t, err)
	assert.Equal(t, []string{discovery.DefaultPrefix + "/in/broken"}, invalid)

	handles := make([]routing.Handle, 0, len(participants))
	for _, p := range participants {
		handles = append(handles, p.Handle)
	}
	assert.Equal(t, []routing.Handle{"S1", "P1", "P2"}, handles)

	var table bytes.Buffer
	require.NoError(t, printParticipants(&table, participants, false))
	lines := strings.Split(strings.TrimSpace(table.String()), "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[0], "HANDLE"))
	assert.Contains(t, lines[1], "A,B")
	assert.Contains(t, lines[2], "(default)")

	var out bytes.Buffer
	require.NoError(t, printParticipants(&out, participants, true))
	var decoded []routing.Participant
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	assert.Equal(t, participants, decoded)
}

func TestPrintNoParticipantsAsJSON(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, printParticipants(&out, nil, true))
	assert.Equal(t, "[]\n", out.String())
}
