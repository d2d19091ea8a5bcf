package main

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"
	"time"

	"vestnik/internal/api"
	"vestnik/internal/models"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"
)

const testAddr = "127.0.0.1:8891"

func TestIntegration(t *testing.T) {
	tmpDir := t.TempDir()

	_ = os.Setenv("VESTNIK_DB", filepath.Join(tmpDir, "vestnik.db"))
	_ = os.Setenv("VESTNIK_ATTACHMENTS_PATH", filepath.Join(tmpDir, "attachments"))
	_ = os.Setenv("VESTNIK_API_ADDR", testAddr)
	_ = os.Setenv("VESTNIK_SEED_DEMO", "false")
	defer func() {
		_ = os.Unsetenv("VESTNIK_DB")
		_ = os.Unsetenv("VESTNIK_ATTACHMENTS_PATH")
		_ = os.Unsetenv("VESTNIK_API_ADDR")
		_ = os.Unsetenv("VESTNIK_SEED_DEMO")
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := run(ctx); err != nil && err != context.Canceled {
			t.Errorf("Server error: %v", err)
		}
	}()

	waitForServer(t, fmt.Sprintf("http://%s/healthz", testAddr), 20)

	wsURL := fmt.Sprintf("ws://%s/ws", testAddr)
	conn1, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer func() { _ = conn1.Close() }()
	conn2, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	defer func() { _ = conn2.Close() }()

	// Step 1: both connections get their identity pushed immediately.
	connected := readUntil(t, conn1, models.ServerMessageTypeConnected)
	require.NotEmpty(t, connected.ConnectionID)
	connected2 := readUntil(t, conn2, models.ServerMessageTypeConnected)
	require.NotEqual(t, connected.ConnectionID, connected2.ConnectionID)

	// Step 2: register alice and bob on separate connections.
	require.NoError(t, conn1.WriteJSON(models.ClientMessage{
		ID: 1, Type: models.ClientMessageTypeRegister,
		UserName: "Alice", DisplayName: "Alice A",
	}))
	reply := readUntil(t, conn1, models.ServerMessageTypeRegister)
	require.NotNil(t, reply.Success)
	require.True(t, *reply.Success)
	require.Equal(t, int64(1), reply.ID)
	require.Equal(t, "alice", reply.User.UserName)

	require.NoError(t, conn2.WriteJSON(models.ClientMessage{
		ID: 1, Type: models.ClientMessageTypeRegister,
		UserName: "bob", DisplayName: "Bob",
	}))
	reply = readUntil(t, conn2, models.ServerMessageTypeRegister)
	require.NotNil(t, reply.Success)
	require.True(t, *reply.Success)

	// Step 3: both sides see the live user list converge.
	waitForUsers(t, conn2, "alice", "bob")

	// Step 4: alice messages bob; both connections get the message event
	// and a refreshed conversation list.
	require.NoError(t, conn1.WriteJSON(models.ClientMessage{
		ID: 2, Type: models.ClientMessageTypeSendMessage,
		From: "alice", To: "bob", Text: "Hi Bob!",
	}))
	reply = readUntil(t, conn1, models.ServerMessageTypeSendMessage)
	require.NotNil(t, reply.Success)
	require.True(t, *reply.Success)
	require.NotNil(t, reply.Message)
	require.Equal(t, "alice__bob", reply.Message.ConversationKey)

	for _, conn := range []*websocket.Conn{conn1, conn2} {
		ev := readUntil(t, conn, models.ServerMessageTypeMessage)
		require.Equal(t, "alice", ev.Message.From)
		require.Equal(t, "bob", ev.Message.To)
		require.Equal(t, "Hi Bob!", ev.Message.Text)

		convs := readUntil(t, conn, models.ServerMessageTypeConversations)
		require.Len(t, convs.Conversations, 1)
		require.Equal(t, 1, convs.Conversations[0].TotalMessages)
	}

	// Step 5: two more messages, then the full chat in order plus the
	// peer's registry entry.
	for i, text := range []string{"How are you?", "Long time no see"} {
		require.NoError(t, conn1.WriteJSON(models.ClientMessage{
			ID: int64(3 + i), Type: models.ClientMessageTypeSendMessage,
			From: "alice", To: "bob", Text: text,
		}))
		reply = readUntil(t, conn1, models.ServerMessageTypeSendMessage)
		require.NotNil(t, reply.Success)
		require.True(t, *reply.Success)
	}

	require.NoError(t, conn1.WriteJSON(models.ClientMessage{
		ID: 5, Type: models.ClientMessageTypeGetMessages,
		From: "alice", To: "bob",
	}))
	reply = readUntil(t, conn1, models.ServerMessageTypeGetMessages)
	require.NotNil(t, reply.Success)
	require.True(t, *reply.Success)
	require.Len(t, reply.Messages, 3)
	require.Equal(t, "Hi Bob!", reply.Messages[0].Text)
	require.Equal(t, "Long time no see", reply.Messages[2].Text)
	require.NotNil(t, reply.User)
	require.Equal(t, "bob", reply.User.UserName)

	// Step 6: validation failure leaves the connection usable.
	require.NoError(t, conn1.WriteJSON(models.ClientMessage{
		ID: 6, Type: models.ClientMessageTypeSendMessage,
		From: "alice", To: "bob", Text: "   ",
	}))
	reply = readUntil(t, conn1, models.ServerMessageTypeSendMessage)
	require.NotNil(t, reply.Success)
	require.False(t, *reply.Success)

	require.NoError(t, conn1.WriteJSON(models.ClientMessage{
		ID: 7, Type: models.ClientMessageTypeCheckUser, UserName: "BOB",
	}))
	reply = readUntil(t, conn1, models.ServerMessageTypeCheckUser)
	require.NotNil(t, reply.Success)
	require.True(t, *reply.Success)
	require.True(t, reply.Exists)
	require.Equal(t, "bob", reply.User.UserName)

	// Step 7: attachments round-trip through the HTTP surface.
	fileID := uploadAttachment(t)
	resp, err := http.Get(fmt.Sprintf("http://%s/api/attachments/%s", testAddr, fileID))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "image/png", resp.Header.Get("Content-Type"))

	// Step 8: alice disconnects; bob sees her leave the live list while
	// her history stays queryable.
	require.NoError(t, conn1.Close())
	waitForUsers(t, conn2, "bob")

	require.NoError(t, conn2.WriteJSON(models.ClientMessage{
		ID: 8, Type: models.ClientMessageTypeGetMessages,
		From: "bob", To: "alice",
	}))
	reply = readUntil(t, conn2, models.ServerMessageTypeGetMessages)
	require.NotNil(t, reply.Success)
	require.True(t, *reply.Success)
	require.Len(t, reply.Messages, 3)
}

// readUntil reads frames from the socket until one of the wanted type
// arrives, skipping unrelated pushes.
func readUntil(t *testing.T, conn *websocket.Conn, want models.ServerMessageType) models.ServerMessage {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		var msg models.ServerMessage
		require.NoError(t, conn.ReadJSON(&msg), "while waiting for %s", want)
		if msg.Type == want {
			return msg
		}
	}
}

// waitForUsers reads users events until the live list matches exactly the
// given userNames (the list is sorted by userName on the server).
func waitForUsers(t *testing.T, conn *websocket.Conn, userNames ...string) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		ev := readUntil(t, conn, models.ServerMessageTypeUsers)
		if len(ev.Users) != len(userNames) {
			continue
		}
		match := true
		for i, name := range userNames {
			if ev.Users[i].UserName != name {
				match = false
				break
			}
		}
		if match {
			return
		}
	}
	t.Fatalf("timeout waiting for users list %v", userNames)
}

func uploadAttachment(t *testing.T) string {
	t.Helper()

	// Minimal valid PNG, enough for content sniffing.
	pngBase64 := "iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAQAAAC1HAwCAAAAC0lEQVR42mNkYAAAAAYAAjCB0C8AAAAASUVORK5CYII="
	pngDecoded, err := base64.StdEncoding.DecodeString(pngBase64)
	require.NoError(t, err)

	url := fmt.Sprintf("http://%s/api/attachments?name=dot.png&owner=alice", testAddr)
	resp, err := http.Post(url, "image/png", bytes.NewReader(pngDecoded))
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	var uploadResp api.UploadResponse
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&uploadResp))
	require.NotEmpty(t, uploadResp.FileID)
	require.Equal(t, models.AttachmentTypeImage, uploadResp.Type)
	require.Equal(t, "image/png", uploadResp.MimeType)
	require.Equal(t, int64(len(pngDecoded)), uploadResp.Size)
	return uploadResp.FileID
}

func waitForServer(t *testing.T, urlStr string, retries int) {
	t.Helper()
	client := &http.Client{Timeout: 500 * time.Millisecond}
	for i := 0; i < retries; i++ {
		resp, err := client.Get(urlStr)
		if err == nil {
			_, _ = io.Copy(io.Discard, resp.Body)
			_ = resp.Body.Close()
			return
		}
		time.Sleep(100 * time.Millisecond)
	}
	t.Fatalf("Server failed to start at %s after %d retries", urlStr, retries)
}
