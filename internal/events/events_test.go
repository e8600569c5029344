package events

import (
	"testing"
	"time"

	"github.com/fyrsmithlabs/recalld/internal/config"
	"github.com/fyrsmithlabs/recalld/internal/events/eventstest"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSubjectToken(t *testing.T) {
	tests := map[string]string{
		"alice":           "alice",
		"alice@ex.com":    "alice@ex_com",
		"a*b>c":           "a_b_c",
		"":                "_",
		"user:42.voice 1": "user:42_voice_1",
	}
	for in, want := range tests {
		assert.Equal(t, want, SubjectToken(in), in)
	}
}

func TestSubjects(t *testing.T) {
	assert.Equal(t, "recalld.narratives.bob_smith.refreshed", NarrativeRefreshed("bob.smith"))
	assert.Equal(t, "recalld.jobs.alice.persist_memory.completed", JobFinished("alice", "persist_memory", "completed"))
}

func TestConnect_Disabled(t *testing.T) {
	nc, err := Connect(config.NATSConfig{}, nil)
	require.NoError(t, err)
	assert.Nil(t, nc)
}

func TestConnect_Embedded(t *testing.T) {
	server := eventstest.StartServer(t)

	nc, err := Connect(config.NATSConfig{Enabled: true, URL: server.ClientURL()}, nil)
	require.NoError(t, err)
	defer nc.Close()

	received := make(chan *nats.Msg, 1)
	sub, err := nc.Subscribe(NarrativeRefreshedAll, func(m *nats.Msg) { received <- m })
	require.NoError(t, err)
	defer func() { _ = sub.Unsubscribe() }()
	require.NoError(t, nc.Flush())

	var p Publisher = nc
	require.NoError(t, p.Publish(NarrativeRefreshed("alice"), []byte("x")))

	select {
	case m := <-received:
		assert.Equal(t, "recalld.narratives.alice.refreshed", m.Subject)
	case <-time.After(2 * time.Second):
		t.Fatal("no message received")
	}
}
