package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"net"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/lofi/internal/chat"
	"github.com/roach88/lofi/internal/client"
	"github.com/roach88/lofi/internal/store"
	"github.com/roach88/lofi/internal/transport/wsconn"
)

// startServe runs the serve command in the background and returns its
// address and a stop function that waits for it to exit.
func startServe(t *testing.T, journal string) (string, func()) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())

	addrs := make(chan net.Addr, 1)
	opts := &ServeOptions{
		RootOptions: &RootOptions{Format: "text"},
		Addr:        "127.0.0.1:0",
		Journal:     journal,
		OnListen:    func(a net.Addr) { addrs <- a },
	}
	cmd := &cobra.Command{}
	cmd.SetContext(ctx)
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	done := make(chan error, 1)
	go func() { done <- runServe(opts, cmd) }()

	select {
	case a := <-addrs:
		return a.String(), func() {
			cancel()
			select {
			case err := <-done:
				assert.NoError(t, err)
			case <-time.After(5 * time.Second):
				t.Error("serve did not stop")
			}
		}
	case err := <-done:
		cancel()
		t.Fatalf("serve exited early: %v", err)
	case <-time.After(5 * time.Second):
		cancel()
		t.Fatal("serve did not start listening")
	}
	return "", nil
}

func getJSON(t *testing.T, url string, v any) {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.NoError(t, json.NewDecoder(resp.Body).Decode(v))
}

func TestServe_SyncsOverWebsocket(t *testing.T) {
	journal := filepath.Join(t.TempDir(), "authority.db")
	addr, stop := startServe(t, journal)

	var health map[string]any
	getJSON(t, "http://"+addr+"/healthz", &health)
	assert.Equal(t, "ok", health["status"])

	sch, err := chat.Schema()
	require.NoError(t, err)
	ctx := context.Background()
	c, err := client.New(ctx, store.NewMemory(store.WithIndexes(sch.Indexes())),
		client.WithSchema(sch),
		client.WithDialer(&wsconn.Dialer{URL: "ws://" + addr + "/v1/sync"}),
	)
	require.NoError(t, err)
	require.NoError(t, c.Start(ctx))

	id, err := chat.CreateChat(ctx, c, "general")
	require.NoError(t, err)
	_, err = chat.SendMessage(ctx, c, id, "ann", "hello")
	require.NoError(t, err)

	assert.Equal(t, 0, waitDrained(ctx, c, 5*time.Second))
	require.NoError(t, c.Close(ctx))

	var chats []map[string]any
	getJSON(t, "http://"+addr+"/v1/entities/chats", &chats)
	require.Len(t, chats, 1)
	stop()

	// State survives a restart through the journal.
	addr, stop = startServe(t, journal)
	defer stop()
	var messages []map[string]any
	getJSON(t, "http://"+addr+"/v1/entities/messages", &messages)
	assert.Len(t, messages, 1)
	getJSON(t, "http://"+addr+"/healthz", &health)
	assert.EqualValues(t, 2, health["version"])
}

func TestServe_BadAddress(t *testing.T) {
	opts := &ServeOptions{RootOptions: &RootOptions{Format: "text"}, Addr: "not-an-address"}
	cmd := &cobra.Command{}
	cmd.SetContext(context.Background())
	cmd.SetOut(&bytes.Buffer{})
	cmd.SetErr(&bytes.Buffer{})

	err := runServe(opts, cmd)
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))
}
