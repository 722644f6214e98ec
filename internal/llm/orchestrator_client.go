package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/lexiqai/call-coordinator/internal/config"
	"github.com/lexiqai/call-coordinator/internal/conversation"
	"github.com/lexiqai/call-coordinator/internal/resilience"
)

const (
	orchestratorService = "lexiq.orchestrator.v1.CognitiveOrchestrator"
	processTextMethod   = "/" + orchestratorService + "/ProcessText"
)

var processTextStream = &grpc.StreamDesc{
	StreamName:    "ProcessText",
	ServerStreams: true,
}

// OrchestratorClient talks to the Cognitive Orchestrator over gRPC. Messages
// are google.protobuf.Struct so the coordinator carries no generated stubs.
type OrchestratorClient struct {
	conn  *grpc.ClientConn
	retry *resilience.RetryConfig
}

// NewOrchestratorClient creates a client. The connection is established
// lazily on the first call.
func NewOrchestratorClient(cfg *config.Config, opts ...grpc.DialOption) (*OrchestratorClient, error) {
	var creds credentials.TransportCredentials = insecure.NewCredentials()
	if cfg.OrchestratorTLSEnabled {
		creds = credentials.NewTLS(nil)
	}

	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(creds),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{
			Time:                10 * time.Second,
			Timeout:             3 * time.Second,
			PermitWithoutStream: true,
		}),
	}, opts...)

	conn, err := grpc.NewClient(cfg.OrchestratorURL, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create orchestrator client for %s: %w", cfg.OrchestratorURL, err)
	}

	return &OrchestratorClient{
		conn: conn,
		retry: &resilience.RetryConfig{
			MaxAttempts:       cfg.RetryMaxAttempts,
			InitialBackoff:    config.Millis(cfg.RetryInitialBackoff),
			MaxBackoff:        time.Second,
			BackoffMultiplier: 2.0,
			Jitter:            true,
		},
	}, nil
}

// Name returns the provider name
func (c *OrchestratorClient) Name() string {
	return "orchestrator"
}

// Generate streams ProcessText and concatenates the text chunks
func (c *OrchestratorClient) Generate(ctx context.Context, history []conversation.Turn, sc SystemContext) (*Response, error) {
	req, err := buildOrchestratorRequest(history, sc)
	if err != nil {
		return nil, err
	}

	var resp *Response
	err = resilience.Retry(ctx, func(ctx context.Context) error {
		r, err := c.processText(ctx, req)
		if err != nil {
			return err
		}
		resp = r
		return nil
	}, c.retry, resilience.IsRetryableGRPCError)
	if err != nil {
		return nil, fmt.Errorf("orchestrator ProcessText: %w", err)
	}
	if resp.Language == "" {
		resp.Language = sc.Language
	}
	return resp, nil
}

func (c *OrchestratorClient) processText(ctx context.Context, req *structpb.Struct) (*Response, error) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	stream, err := c.conn.NewStream(ctx, processTextStream, processTextMethod)
	if err != nil {
		return nil, err
	}
	if err := stream.SendMsg(req); err != nil {
		return nil, err
	}
	if err := stream.CloseSend(); err != nil {
		return nil, err
	}

	var text strings.Builder
	resp := &Response{}
	for {
		msg := &structpb.Struct{}
		err := stream.RecvMsg(msg)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}

		fields := msg.GetFields()
		if e := fields["error"].GetStructValue(); e != nil {
			return nil, fmt.Errorf("orchestrator error %s: %s",
				e.GetFields()["code"].GetStringValue(), e.GetFields()["message"].GetStringValue())
		}
		text.WriteString(fields["text_chunk"].GetStringValue())
		if lang := fields["language"].GetStringValue(); lang != "" {
			resp.Language = lang
		}
		if emotion := fields["emotion"].GetStringValue(); emotion != "" {
			resp.Emotion = emotion
		}
		if fields["is_done"].GetBoolValue() {
			break
		}
	}

	resp.Text = strings.TrimSpace(text.String())
	if resp.Text == "" {
		return nil, errors.New("orchestrator returned no text")
	}
	return resp, nil
}

func buildOrchestratorRequest(history []conversation.Turn, sc SystemContext) (*structpb.Struct, error) {
	turns := make([]any, 0, len(history))
	var lastCustomer string
	for _, t := range history {
		turns = append(turns, map[string]any{
			"speaker":     string(t.Speaker),
			"text":        t.Text,
			"interrupted": t.Interrupted,
		})
		if t.Speaker == conversation.SpeakerCustomer {
			lastCustomer = t.Text
		}
	}

	text := lastCustomer
	if sc.Greeting {
		text = greetingInstruction
	}

	req, err := structpb.NewStruct(map[string]any{
		"conversation_id": sc.CallID,
		"text":            text,
		"system_prompt":   sc.Prompt,
		"language":        sc.Language,
		"greeting":        sc.Greeting,
		"history":         turns,
		"include_rag":     true,
		"tools_enabled":   true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to build orchestrator request: %w", err)
	}
	return req, nil
}

// HealthCheck asks the standard gRPC health service for the orchestrator
func (c *OrchestratorClient) HealthCheck(ctx context.Context) error {
	resp, err := healthpb.NewHealthClient(c.conn).Check(ctx, &healthpb.HealthCheckRequest{Service: orchestratorService})
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return fmt.Errorf("orchestrator status %s", resp.GetStatus())
	}
	return nil
}

// Close closes the gRPC connection
func (c *OrchestratorClient) Close() error {
	if err := c.conn.Close(); err != nil {
		log.Warn().Err(err).Msg("Error closing orchestrator connection")
		return err
	}
	return nil
}
