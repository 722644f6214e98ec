package telephony

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/lexiqai/call-coordinator/internal/audio"
	"github.com/lexiqai/call-coordinator/internal/session"
)

type fakeRegistry struct {
	mu       sync.Mutex
	startErr error
	started  []string
	cfgs     []session.CallConfig
	writer   session.MediaWriter
	frames   []audio.Frame
	ended    map[string]string
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{ended: make(map[string]string)}
}

func (r *fakeRegistry) CallStarted(_ context.Context, callID string, cfg session.CallConfig, writer session.MediaWriter) (*session.CallSession, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.startErr != nil {
		return nil, r.startErr
	}
	r.started = append(r.started, callID)
	r.cfgs = append(r.cfgs, cfg)
	r.writer = writer
	return nil, nil
}

func (r *fakeRegistry) CallEnded(callID, reason string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.ended[callID]; ok {
		return false
	}
	r.ended[callID] = reason
	return true
}

func (r *fakeRegistry) PushFrame(_ string, frame audio.Frame) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.frames = append(r.frames, frame)
	return true
}

func (r *fakeRegistry) frameCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.frames)
}

func (r *fakeRegistry) endReason(callID string) (string, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	reason, ok := r.ended[callID]
	return reason, ok
}

func (r *fakeRegistry) currentWriter() session.MediaWriter {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.writer
}

func dialStream(t *testing.T, reg CallRegistry, cfg StreamConfig) *websocket.Conn {
	t.Helper()
	srv := httptest.NewServer(NewStreamManager(reg, cfg))
	t.Cleanup(srv.Close)

	url := "ws" + strings.TrimPrefix(srv.URL, "http")
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendJSON(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

func startEvent(callSid string, params map[string]string) map[string]any {
	return map[string]any{
		"event":     "start",
		"streamSid": "MZ-" + callSid,
		"start": map[string]any{
			"callSid":          callSid,
			"streamSid":        "MZ-" + callSid,
			"tracks":           []string{"inbound"},
			"customParameters": params,
			"mediaFormat":      map[string]any{"encoding": "audio/x-mulaw", "sampleRate": 8000, "channels": 1},
		},
	}
}

func mediaEvent(tsMs int, payload []byte) map[string]any {
	return map[string]any{
		"event": "media",
		"media": map[string]any{
			"track":     "inbound",
			"timestamp": strconv.Itoa(tsMs),
			"payload":   base64.StdEncoding.EncodeToString(payload),
		},
	}
}

func TestStreamManager_StartMediaStop(t *testing.T) {
	reg := newFakeRegistry()
	conn := dialStream(t, reg, StreamConfig{})

	sendJSON(t, conn, map[string]any{"event": "connected", "protocol": "Call"})
	sendJSON(t, conn, startEvent("CA1", map[string]string{
		"stt":           "deepgram",
		"llm":           "gemini",
		"tts":           "cartesia",
		"tts_fallback":  "deepgram-aura",
		"language":      "es",
		"voice":         "v-1",
		"system_prompt": "be brief",
	}))
	frame := bytes.Repeat([]byte{0xFF}, 160)
	for i := 0; i < 3; i++ {
		sendJSON(t, conn, mediaEvent(i*20, frame))
	}
	sendJSON(t, conn, map[string]any{"event": "stop", "stop": map[string]any{"callSid": "CA1"}})

	require.Eventually(t, func() bool {
		_, ok := reg.endReason("CA1")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	reason, _ := reg.endReason("CA1")
	assert.Equal(t, session.ReasonCallEnded, reason)

	reg.mu.Lock()
	defer reg.mu.Unlock()
	require.Len(t, reg.cfgs, 1)
	cfg := reg.cfgs[0]
	assert.Equal(t, "deepgram", cfg.Selection.STT)
	assert.Equal(t, "gemini", cfg.Selection.LLM)
	assert.Equal(t, "cartesia", cfg.Selection.TTS)
	assert.Equal(t, "deepgram-aura", cfg.Selection.FallbackTTS)
	assert.Equal(t, "es", cfg.Language)
	assert.Equal(t, "v-1", cfg.VoiceID)
	assert.Equal(t, "be brief", cfg.SystemPrompt)
	assert.Equal(t, "MZ-CA1", cfg.StreamID)

	require.Len(t, reg.frames, 3)
	for i, f := range reg.frames {
		assert.Equal(t, frame, f.Data)
		assert.Equal(t, 20*time.Millisecond, f.Duration)
		if i > 0 {
			assert.Equal(t, 20*time.Millisecond, f.Timestamp.Sub(reg.frames[i-1].Timestamp))
		}
	}
}

func TestStreamManager_MediaBeforeStartDropped(t *testing.T) {
	reg := newFakeRegistry()
	conn := dialStream(t, reg, StreamConfig{})

	sendJSON(t, conn, mediaEvent(0, bytes.Repeat([]byte{0xFF}, 160)))
	sendJSON(t, conn, map[string]any{"event": "not-a-thing"})
	sendJSON(t, conn, startEvent("CA2", nil))
	sendJSON(t, conn, mediaEvent(20, bytes.Repeat([]byte{0xFF}, 160)))
	sendJSON(t, conn, map[string]any{"event": "stop"})

	require.Eventually(t, func() bool {
		_, ok := reg.endReason("CA2")
		return ok
	}, 2*time.Second, 5*time.Millisecond)
	assert.Equal(t, 1, reg.frameCount())
}

func TestStreamManager_MediaWithoutPayloadDropped(t *testing.T) {
	reg := newFakeRegistry()
	conn := dialStream(t, reg, StreamConfig{})

	sendJSON(t, conn, startEvent("CA8", nil))
	// chunk carries a sequence number that happens to be valid base64
	sendJSON(t, conn, map[string]any{
		"event": "media",
		"media": map[string]any{"track": "inbound", "chunk": "1234", "timestamp": "0"},
	})
	sendJSON(t, conn, mediaEvent(20, bytes.Repeat([]byte{0xFF}, 160)))
	sendJSON(t, conn, map[string]any{"event": "stop"})

	require.Eventually(t, func() bool {
		_, ok := reg.endReason("CA8")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	reg.mu.Lock()
	defer reg.mu.Unlock()
	require.Len(t, reg.frames, 1)
	assert.Equal(t, bytes.Repeat([]byte{0xFF}, 160), reg.frames[0].Data)
}

func TestStreamManager_ConnectionDropEndsCall(t *testing.T) {
	reg := newFakeRegistry()
	conn := dialStream(t, reg, StreamConfig{})

	sendJSON(t, conn, startEvent("CA3", nil))
	require.Eventually(t, func() bool { return reg.currentWriter() != nil }, 2*time.Second, 5*time.Millisecond)
	conn.Close()

	require.Eventually(t, func() bool {
		reason, ok := reg.endReason("CA3")
		return ok && reason == session.ReasonChannelClosed
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStreamManager_StartFailureClosesConnection(t *testing.T) {
	reg := newFakeRegistry()
	reg.startErr = errors.New("no such provider")
	conn := dialStream(t, reg, StreamConfig{})

	sendJSON(t, conn, startEvent("CA4", nil))
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
}

func TestStreamManager_FloodGuardDropsExcessMedia(t *testing.T) {
	reg := newFakeRegistry()
	conn := dialStream(t, reg, StreamConfig{InboundFramesPerSecond: 10})

	sendJSON(t, conn, startEvent("CA5", nil))
	frame := bytes.Repeat([]byte{0xFF}, 160)
	for i := 0; i < 50; i++ {
		sendJSON(t, conn, mediaEvent(i*20, frame))
	}
	sendJSON(t, conn, map[string]any{"event": "stop"})

	require.Eventually(t, func() bool {
		_, ok := reg.endReason("CA5")
		return ok
	}, 2*time.Second, 5*time.Millisecond)

	n := reg.frameCount()
	assert.Greater(t, n, 0)
	assert.Less(t, n, 50)
}

func TestTwilioWriter_SendsMediaAndClear(t *testing.T) {
	reg := newFakeRegistry()
	conn := dialStream(t, reg, StreamConfig{})

	sendJSON(t, conn, startEvent("CA6", nil))
	require.Eventually(t, func() bool { return reg.currentWriter() != nil }, 2*time.Second, 5*time.Millisecond)
	w := reg.currentWriter()

	payload := bytes.Repeat([]byte{0x7F}, 160)
	require.NoError(t, w.WriteFrame(payload))

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var got map[string]any
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "media", got["event"])
	assert.Equal(t, "MZ-CA6", got["streamSid"])
	media, ok := got["media"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, base64.StdEncoding.EncodeToString(payload), media["payload"])

	require.NoError(t, w.Clear())
	require.NoError(t, conn.ReadJSON(&got))
	assert.Equal(t, "clear", got["event"])
	assert.Equal(t, "MZ-CA6", got["streamSid"])
}

func TestTwilioWriter_CloseHangsUp(t *testing.T) {
	reg := newFakeRegistry()
	conn := dialStream(t, reg, StreamConfig{})

	sendJSON(t, conn, startEvent("CA7", nil))
	require.Eventually(t, func() bool { return reg.currentWriter() != nil }, 2*time.Second, 5*time.Millisecond)
	require.NoError(t, reg.currentWriter().Close())

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := conn.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), "got %v", err)

	assert.ErrorIs(t, reg.currentWriter().WriteFrame([]byte{1}), session.ErrChannelClosed)
}

func TestTwilioWriter_Backpressure(t *testing.T) {
	w := newTwilioWriter(nil, "MZ", 2, time.Second, zerolog.Nop())

	require.NoError(t, w.WriteFrame([]byte{1}))
	require.NoError(t, w.WriteFrame([]byte{2}))
	assert.ErrorIs(t, w.WriteFrame([]byte{3}), session.ErrBackpressure)

	require.NoError(t, w.Clear())
	require.NoError(t, w.WriteFrame([]byte{4}))

	require.NoError(t, w.Close())
	assert.ErrorIs(t, w.WriteFrame([]byte{5}), session.ErrChannelClosed)
	assert.ErrorIs(t, w.Clear(), session.ErrChannelClosed)
}

func TestOutboundMessage_JSON(t *testing.T) {
	data, err := json.Marshal(outboundMessage{Event: "clear", StreamSid: "MZ"})
	require.NoError(t, err)
	assert.JSONEq(t, `{"event":"clear","streamSid":"MZ"}`, string(data))
}
