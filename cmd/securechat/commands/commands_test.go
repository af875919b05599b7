package commands

import (
	"bytes"
	"context"
	"net/http/httptest"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"securechat/internal/chat"
	"securechat/internal/config"
)

func startRelay(t *testing.T) string {
	t.Helper()
	cfg := config.DefaultServerConfig()
	cfg.EnableHealthCheck = false
	srv := chat.NewServer(cfg, zaptest.NewLogger(t), chat.ServerOptions{})
	ctx, cancel := context.WithCancel(context.Background())
	srv.Start(ctx)
	ts := httptest.NewServer(srv.Routes())
	t.Cleanup(func() {
		ts.Close()
		cancel()
	})
	return ts.URL
}

func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	root := newRoot()
	out := new(bytes.Buffer)
	root.SetArgs(args)
	root.SetIn(strings.NewReader(stdin))
	root.SetOut(out)
	root.SetErr(out)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestCreateSaveResumeForget(t *testing.T) {
	relay := startRelay(t)
	home := t.TempDir()
	common := []string{"--relay", relay, "--home", home, "-p", "pw", "--log-level", "error"}

	out, err := run(t, "hello\n/quit\n", append([]string{"create", "Test", "-n", "Alice"}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "passkey:")
	assert.Contains(t, out, "room keys saved")

	roomID := regexp.MustCompile(`room:\s+(\S+)`).FindStringSubmatch(out)
	require.Len(t, roomID, 2)

	out, err = run(t, "", append([]string{"rooms"}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, roomID[1])
	assert.Contains(t, out, "Alice")

	out, err = run(t, "/quit\n", append([]string{"resume", roomID[1]}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "Alice: hello", "history is decrypted with the saved key")

	_, err = run(t, "", append([]string{"forget", roomID[1]}, common...)...)
	require.NoError(t, err)
	out, err = run(t, "", append([]string{"rooms"}, common...)...)
	require.NoError(t, err)
	assert.Contains(t, out, "no saved rooms")
}

func TestJoinWrongPasskey(t *testing.T) {
	relay := startRelay(t)
	home := t.TempDir()

	out, err := run(t, "/quit\n", "create", "Test", "-n", "Alice", "--relay", relay, "--home", home)
	require.NoError(t, err)
	roomID := regexp.MustCompile(`room:\s+(\S+)`).FindStringSubmatch(out)
	require.Len(t, roomID, 2)

	_, err = run(t, "", "join", roomID[1], "WRONGKEY", "-n", "Bob", "--relay", relay, "--home", home)
	assert.ErrorContains(t, err, "invalid passkey")
}
