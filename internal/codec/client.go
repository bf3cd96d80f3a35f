package codec

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/protobuf/types/known/structpb"

	"github.com/danielpatrickdp/vowguard/internal/gate"
)

// Fully qualified RPC method names. Requests and responses are
// google.protobuf.Struct messages.
const (
	GenerateMethod = "/vowguard.v1.Generator/Generate"
	VerifyMethod   = "/vowguard.v1.Verifier/Verify"
)

// #region types
// GenerateResult holds the response from a Generate RPC call.
type GenerateResult struct {
	Text    string
	Latency time.Duration
}

// #endregion types

// #region client-struct
// conn is the shared plumbing behind both clients. cc is what calls go
// through; owned is closed by Close and is nil for injected connections.
type conn struct {
	owned *grpc.ClientConn
	cc    grpc.ClientConnInterface
}

func dial(addr string) (conn, error) {
	cc, err := grpc.NewClient(addr, grpc.WithTransportCredentials(insecure.NewCredentials()))
	if err != nil {
		return conn{}, fmt.Errorf("grpc dial %s: %w", addr, err)
	}
	return conn{owned: cc, cc: cc}, nil
}

// Close shuts down the gRPC connection if the client dialled it.
func (c conn) Close() error {
	if c.owned == nil {
		return nil
	}
	return c.owned.Close()
}

func (c conn) invoke(ctx context.Context, method string, req map[string]any) (*structpb.Struct, error) {
	in, err := structpb.NewStruct(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	out := &structpb.Struct{}
	if err := c.cc.Invoke(ctx, method, in, out); err != nil {
		return nil, err
	}
	return out, nil
}

// #endregion client-struct

// #region generator
// GeneratorClient calls the external text generator.
type GeneratorClient struct {
	conn
}

// NewGeneratorClient connects to the generator service at addr.
func NewGeneratorClient(addr string) (*GeneratorClient, error) {
	c, err := dial(addr)
	if err != nil {
		return nil, err
	}
	return &GeneratorClient{conn: c}, nil
}

// NewGeneratorClientWithConn wraps an existing connection. Close does not
// close cc.
func NewGeneratorClientWithConn(cc grpc.ClientConnInterface) *GeneratorClient {
	return &GeneratorClient{conn: conn{cc: cc}}
}

// Generate sends the prompt, the council's system context and temperature
// delta. Latency is the server-reported latency_ms when present, otherwise
// the measured round trip.
func (c *GeneratorClient) Generate(ctx context.Context, prompt, systemContext string, tempDelta float64) (GenerateResult, error) {
	start := time.Now()
	resp, err := c.invoke(ctx, GenerateMethod, map[string]any{
		"prompt":            prompt,
		"system_context":    systemContext,
		"temperature_delta": tempDelta,
	})
	if err != nil {
		return GenerateResult{}, fmt.Errorf("generate rpc: %w", err)
	}
	elapsed := time.Since(start)

	fields := resp.GetFields()
	text, ok := fields["text"]
	if !ok {
		return GenerateResult{}, fmt.Errorf("generate rpc: response has no text")
	}
	res := GenerateResult{Text: text.GetStringValue(), Latency: elapsed}
	if ms, ok := fields["latency_ms"]; ok {
		res.Latency = time.Duration(ms.GetNumberValue() * float64(time.Millisecond))
	}
	return res, nil
}

// #endregion generator

// #region verifier
// VerifierClient calls the optional external verification service.
type VerifierClient struct {
	conn
}

// NewVerifierClient connects to the verifier service at addr.
func NewVerifierClient(addr string) (*VerifierClient, error) {
	c, err := dial(addr)
	if err != nil {
		return nil, err
	}
	return &VerifierClient{conn: c}, nil
}

// NewVerifierClientWithConn wraps an existing connection. Close does not
// close cc.
func NewVerifierClientWithConn(cc grpc.ClientConnInterface) *VerifierClient {
	return &VerifierClient{conn: conn{cc: cc}}
}

// Verify returns the service's pass/fail verdict and explanation verbatim.
func (c *VerifierClient) Verify(ctx context.Context, text string) (gate.Verification, error) {
	resp, err := c.invoke(ctx, VerifyMethod, map[string]any{"text": text})
	if err != nil {
		return gate.Verification{}, fmt.Errorf("verify rpc: %w", err)
	}
	fields := resp.GetFields()
	passed, ok := fields["passed"]
	if !ok {
		return gate.Verification{}, fmt.Errorf("verify rpc: response has no verdict")
	}
	return gate.Verification{
		Passed:      passed.GetBoolValue(),
		Explanation: fields["explanation"].GetStringValue(),
	}, nil
}

// #endregion verifier
