package llm

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/lexiqai/call-coordinator/internal/config"
	"github.com/lexiqai/call-coordinator/internal/conversation"
)

// fakeOrchestrator answers ProcessText with canned chunks
type fakeOrchestrator struct {
	mu       sync.Mutex
	requests []*structpb.Struct
	chunks   []string
	failures int
}

func (f *fakeOrchestrator) processText(_ any, stream grpc.ServerStream) error {
	req := &structpb.Struct{}
	if err := stream.RecvMsg(req); err != nil {
		return err
	}

	f.mu.Lock()
	f.requests = append(f.requests, req)
	fail := f.failures > 0
	if fail {
		f.failures--
	}
	f.mu.Unlock()

	if fail {
		return status.Error(codes.Unavailable, "warming up")
	}

	for i, chunk := range f.chunks {
		msg, _ := structpb.NewStruct(map[string]any{
			"text_chunk": chunk,
			"language":   "en",
			"is_done":    i == len(f.chunks)-1,
		})
		if err := stream.SendMsg(msg); err != nil {
			return err
		}
	}
	return nil
}

func startOrchestrator(t *testing.T, fake *fakeOrchestrator) *OrchestratorClient {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	srv.RegisterService(&grpc.ServiceDesc{
		ServiceName: orchestratorService,
		HandlerType: (*any)(nil),
		Streams: []grpc.StreamDesc{{
			StreamName:    "ProcessText",
			Handler:       fake.processText,
			ServerStreams: true,
		}},
	}, fake)

	hs := health.NewServer()
	hs.SetServingStatus(orchestratorService, healthpb.HealthCheckResponse_SERVING)
	healthpb.RegisterHealthServer(srv, hs)

	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	cfg := &config.Config{OrchestratorURL: "passthrough:///bufnet", RetryMaxAttempts: 3, RetryInitialBackoff: 1}
	client, err := NewOrchestratorClient(cfg, grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))
	require.NoError(t, err)
	t.Cleanup(func() { client.Close() })
	return client
}

func TestOrchestratorClient_Generate(t *testing.T) {
	fake := &fakeOrchestrator{chunks: []string{"Sure, ", "I can help ", "with that."}}
	client := startOrchestrator(t, fake)

	history := []conversation.Turn{
		{Speaker: conversation.SpeakerAgent, Text: "Hi, how can I help?"},
		{Speaker: conversation.SpeakerCustomer, Text: "I need to move my appointment"},
	}
	resp, err := client.Generate(context.Background(), history, SystemContext{CallID: "CA1", Prompt: "be brief", Language: "en"})
	require.NoError(t, err)

	assert.Equal(t, "Sure, I can help with that.", resp.Text)
	assert.Equal(t, "en", resp.Language)

	require.Len(t, fake.requests, 1)
	fields := fake.requests[0].GetFields()
	assert.Equal(t, "CA1", fields["conversation_id"].GetStringValue())
	assert.Equal(t, "I need to move my appointment", fields["text"].GetStringValue())
	assert.Len(t, fields["history"].GetListValue().GetValues(), 2)
}

func TestOrchestratorClient_RetriesUnavailable(t *testing.T) {
	fake := &fakeOrchestrator{chunks: []string{"ok"}, failures: 1}
	client := startOrchestrator(t, fake)

	resp, err := client.Generate(context.Background(), nil, SystemContext{Greeting: true})
	require.NoError(t, err)
	assert.Equal(t, "ok", resp.Text)
	assert.Len(t, fake.requests, 2)
	assert.True(t, fake.requests[1].GetFields()["greeting"].GetBoolValue())
}

func TestOrchestratorClient_EmptyResponse(t *testing.T) {
	client := startOrchestrator(t, &fakeOrchestrator{})

	_, err := client.Generate(context.Background(), nil, SystemContext{Greeting: true})
	assert.Error(t, err)
}

func TestOrchestratorClient_HealthCheck(t *testing.T) {
	client := startOrchestrator(t, &fakeOrchestrator{})
	assert.NoError(t, client.HealthCheck(context.Background()))
	assert.Equal(t, "orchestrator", client.Name())
}

func TestGeminiClient_Generate(t *testing.T) {
	var body map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.True(t, strings.HasSuffix(r.URL.Path, "models/gemini-test:generateContent"), r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))

		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"candidates":[{"content":{"role":"model","parts":[{"text":"Happy to help. "}]}}]}`))
	}))
	defer srv.Close()

	g, err := NewGeminiClient(context.Background(), "key", "gemini-test", srv.URL)
	require.NoError(t, err)

	history := []conversation.Turn{
		{Speaker: conversation.SpeakerAgent, Text: "Hello"},
		{Speaker: conversation.SpeakerCustomer, Text: "Hi, I have a question"},
	}
	resp, err := g.Generate(context.Background(), history, SystemContext{Prompt: "be brief", Language: "en"})
	require.NoError(t, err)
	assert.Equal(t, "Happy to help.", resp.Text)
	assert.Equal(t, "gemini", g.Name())

	contents, ok := body["contents"].([]any)
	require.True(t, ok)
	assert.Len(t, contents, 2)
	assert.NotNil(t, body["systemInstruction"])
}
