package orchestrator

import (
	"context"
	"errors"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/lexiqai/companion-voice/internal/config"
	"github.com/lexiqai/companion-voice/internal/session"
)

// fakeOrchestrator answers every streaming call through the unknown service handler
func startFakeOrchestrator(t *testing.T, handler func(req *structpb.Struct, stream grpc.ServerStream) error) *OrchestratorClient {
	t.Helper()

	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer(grpc.UnknownServiceHandler(func(_ interface{}, stream grpc.ServerStream) error {
		method, _ := grpc.MethodFromServerStream(stream)
		if method != generateReplyMethod {
			return errors.New("unexpected method " + method)
		}
		req := &structpb.Struct{}
		if err := stream.RecvMsg(req); err != nil {
			return err
		}
		return handler(req, stream)
	}))
	healthSrv := health.NewServer()
	healthSrv.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	grpc_health_v1.RegisterHealthServer(srv, healthSrv)

	go srv.Serve(lis)
	t.Cleanup(srv.Stop)

	cfg := &config.Config{
		OrchestratorURL:            "passthrough:///bufnet",
		OrchestratorTimeout:        5,
		CircuitBreakerMaxFailures:  5,
		CircuitBreakerResetTimeout: 30,
		RetryMaxAttempts:           1,
		RetryInitialBackoff:        1,
	}
	client, err := newOrchestratorClient(cfg, zerolog.Nop(),
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	t.Cleanup(func() { client.Close() })
	return client
}

func chunk(t *testing.T, fields map[string]interface{}) *structpb.Struct {
	t.Helper()
	s, err := structpb.NewStruct(fields)
	if err != nil {
		t.Fatalf("struct: %v", err)
	}
	return s
}

func testPrompt() *Prompt {
	return &Prompt{
		SessionID: "sess-1",
		Kind:      KindReply,
		Utterance: "Hello",
		History: []session.Utterance{
			session.NewUserUtterance("Hello", 0.9, time.Now()),
		},
		Character: session.Character{ID: "luna", Name: "Luna", VoiceID: "voice-1"},
		Intensity: 0.4,
	}
}

func TestOrchestratorClient_GenerateReply(t *testing.T) {
	var got *structpb.Struct
	client := startFakeOrchestrator(t, func(req *structpb.Struct, stream grpc.ServerStream) error {
		got = req
		stream.SendMsg(chunk(t, map[string]interface{}{"text_chunk": "Hi Sam, "}))
		stream.SendMsg(chunk(t, map[string]interface{}{"text_chunk": "good to hear you!"}))
		return stream.SendMsg(chunk(t, map[string]interface{}{"is_done": true, "total_tokens": 12}))
	})

	reply, err := client.GenerateReply(context.Background(), testPrompt())
	if err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if reply != "Hi Sam, good to hear you!" {
		t.Errorf("Expected joined chunks, got %q", reply)
	}

	fields := got.GetFields()
	if fields["kind"].GetStringValue() != "reply" || fields["text"].GetStringValue() != "Hello" {
		t.Errorf("Unexpected request fields %v", fields)
	}
	if n := len(fields["history"].GetListValue().GetValues()); n != 1 {
		t.Errorf("Expected 1 history entry, got %d", n)
	}
	if fields["character"].GetStructValue().GetFields()["name"].GetStringValue() != "Luna" {
		t.Error("Expected character name in request")
	}
}

func TestOrchestratorClient_StreamError(t *testing.T) {
	client := startFakeOrchestrator(t, func(req *structpb.Struct, stream grpc.ServerStream) error {
		return stream.SendMsg(chunk(t, map[string]interface{}{
			"error": map[string]interface{}{"code": "LLM_FAILED", "message": "model overloaded"},
		}))
	})

	_, err := client.GenerateReply(context.Background(), testPrompt())
	if err == nil || !strings.Contains(err.Error(), "LLM_FAILED") {
		t.Errorf("Expected orchestrator error, got %v", err)
	}
}

func TestOrchestratorClient_EmptyReply(t *testing.T) {
	client := startFakeOrchestrator(t, func(req *structpb.Struct, stream grpc.ServerStream) error {
		return stream.SendMsg(chunk(t, map[string]interface{}{"is_done": true}))
	})

	if _, err := client.GenerateReply(context.Background(), testPrompt()); !errors.Is(err, ErrEmptyReply) {
		t.Errorf("Expected ErrEmptyReply, got %v", err)
	}
}

func TestOrchestratorClient_HealthCheck(t *testing.T) {
	client := startFakeOrchestrator(t, func(req *structpb.Struct, stream grpc.ServerStream) error { return nil })

	healthy, err := client.HealthCheck(context.Background())
	if err != nil || !healthy {
		t.Errorf("Expected healthy, got %v %v", healthy, err)
	}

	client.Close()
	if _, err := client.HealthCheck(context.Background()); err == nil {
		t.Error("Expected error after close")
	}
}

func TestSystemInstruction(t *testing.T) {
	p := testPrompt()
	if s := SystemInstruction(p); !strings.Contains(s, "Luna") || !strings.Contains(s, "Reply to what the user just said") {
		t.Errorf("Unexpected reply instruction %q", s)
	}

	p.Kind = KindFollowUp
	if s := SystemInstruction(p); !strings.Contains(s, "gone quiet") {
		t.Errorf("Expected follow-up cue, got %q", s)
	}

	p.Kind = KindFarewell
	if s := SystemInstruction(p); !strings.Contains(s, "goodbye") {
		t.Errorf("Expected farewell cue, got %q", s)
	}
}

func TestBuildContents(t *testing.T) {
	now := time.Now()
	p := &Prompt{
		Kind:      KindReply,
		Utterance: "Tell me a joke",
		History: []session.Utterance{
			session.NewUserUtterance("Hi", 0.9, now),
			session.NewAIUtterance("Hey!", now),
		},
	}

	contents := BuildContents(p)
	if len(contents) != 3 {
		t.Fatalf("Expected 3 contents, got %d", len(contents))
	}
	if contents[1].Role != "model" {
		t.Errorf("Expected AI turn mapped to model role, got %s", contents[1].Role)
	}
	if contents[2].Parts[0].Text != "Tell me a joke" {
		t.Errorf("Expected latest utterance appended, got %q", contents[2].Parts[0].Text)
	}

	// Utterance already at the end of history is not repeated
	p.History = append(p.History, session.NewUserUtterance("Tell me a joke", 0.8, now))
	if n := len(BuildContents(p)); n != 3 {
		t.Errorf("Expected 3 contents when utterance is already in history, got %d", n)
	}
}
