package tcp

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"octopilot/internal/domain"
	"octopilot/internal/messaging"
)

func TestFrameRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	in, err := domain.NewEnvelope("arena-1", "rpi01", 7, domain.EnvelopeAck, domain.AckPayload{SeqNo: 3, Result: "ok"}, time.Now())
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	if err := WriteFrame(&buf, in); err != nil {
		t.Fatalf("write frame: %v", err)
	}

	var out domain.Envelope
	if err := ReadFrame(&buf, &out); err != nil {
		t.Fatalf("read frame: %v", err)
	}
	if out.SeqNo != 7 || out.Type != domain.EnvelopeAck || out.AgentID != "rpi01" {
		t.Fatalf("unexpected envelope: %+v", out)
	}
	var ack domain.AckPayload
	if err := out.Decode(&ack); err != nil || ack.SeqNo != 3 {
		t.Fatalf("decode ack: %+v err=%v", ack, err)
	}
}

func TestReadFrameRejectsOversize(t *testing.T) {
	raw := []byte{0xff, 0xff, 0xff, 0xff}
	err := ReadFrame(bytes.NewReader(raw), &domain.Envelope{})
	if err == nil || !strings.Contains(err.Error(), "frame too large") {
		t.Fatalf("expected frame too large, got %v", err)
	}
	if err := ReadFrame(bytes.NewReader(nil), &domain.Envelope{}); !errors.Is(err, io.EOF) {
		t.Fatalf("expected EOF, got %v", err)
	}
}

func TestClientServerExchange(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	logger := log.New(io.Discard, "", 0)

	server := NewServer("127.0.0.1:0", 8, logger)
	dispatcherCh := server.Register(messaging.DispatcherAddress("arena-1"))
	serveErr := make(chan error, 1)
	go func() { serveErr <- server.Serve(ctx) }()

	client := NewClient(server.Addr().String(), 8, logger)
	agentCh := client.Register(messaging.AgentAddress("arena-1", "rpi01"))
	client.OnConnect(func() (domain.Envelope, error) {
		return domain.NewEnvelope("arena-1", "rpi01", 1, domain.EnvelopeConnectionStatus,
			domain.ConnectionStatusPayload{Status: domain.LinkHello, Instance: "i-1"}, time.Now())
	})
	go func() { _ = client.Run(ctx) }()

	hello := receive(t, dispatcherCh)
	if hello.Type != domain.EnvelopeConnectionStatus {
		t.Fatalf("expected hello first, got %s", hello.Type)
	}

	cmd, err := domain.NewEnvelope("arena-1", "rpi01", 1, domain.EnvelopeCommand, domain.Arm(1, domain.ChannelLeft), time.Now())
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	if err := server.Publish(cmd); err != nil {
		t.Fatalf("publish command: %v", err)
	}
	got := receive(t, agentCh)
	var arm domain.Command
	if err := got.Decode(&arm); err != nil || arm.Type != domain.CommandArm || arm.Trial != 1 {
		t.Fatalf("unexpected command %+v err=%v", arm, err)
	}

	poke, err := domain.NewEnvelope("arena-1", "rpi01", 2, domain.EnvelopePokeEvent,
		domain.PokeEvent{AgentID: "rpi01", Channel: domain.ChannelLeft, Edge: domain.EdgeIn, Trial: 1, Timestamp: time.Now()}, time.Now())
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	if err := client.Publish(poke); err != nil {
		t.Fatalf("publish poke: %v", err)
	}
	if got := receive(t, dispatcherCh); got.Type != domain.EnvelopePokeEvent || got.SeqNo != 2 {
		t.Fatalf("unexpected upstream envelope %+v", got)
	}

	cancel()
	select {
	case err := <-serveErr:
		if err != nil {
			t.Fatalf("serve returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("server did not stop")
	}
}

func TestServerUnknownAgent(t *testing.T) {
	server := NewServer("127.0.0.1:0", 1, log.New(io.Discard, "", 0))
	env, _ := domain.NewEnvelope("arena-1", "rpi04", 1, domain.EnvelopeCommand, domain.Disarm(), time.Now())
	if err := server.Publish(env); !errors.Is(err, messaging.ErrAgentNotRegistered) {
		t.Fatalf("expected ErrAgentNotRegistered, got %v", err)
	}
}

func dialHello(t *testing.T, addr, instance string) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", addr)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	hello, err := domain.NewEnvelope("arena-1", "rpi01", 1, domain.EnvelopeConnectionStatus,
		domain.ConnectionStatusPayload{Status: domain.LinkHello, Instance: instance}, time.Now())
	if err != nil {
		t.Fatalf("new envelope: %v", err)
	}
	if err := WriteFrame(conn, hello); err != nil {
		t.Fatalf("write hello: %v", err)
	}
	return conn
}

func expectClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var env domain.Envelope
	if err := ReadFrame(conn, &env); err == nil {
		t.Fatalf("expected closed connection, read %+v", env)
	} else if errors.Is(err, os.ErrDeadlineExceeded) {
		t.Fatalf("connection was left open")
	}
}

func expectCommand(t *testing.T, server *Server, conn net.Conn, trial int) {
	t.Helper()
	cmd, _ := domain.NewEnvelope("arena-1", "rpi01", uint64(trial), domain.EnvelopeCommand, domain.Arm(trial, domain.ChannelLeft), time.Now())
	if err := server.Publish(cmd); err != nil {
		t.Fatalf("publish command: %v", err)
	}
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))
	var env domain.Envelope
	if err := ReadFrame(conn, &env); err != nil {
		t.Fatalf("read command: %v", err)
	}
	var arm domain.Command
	if err := env.Decode(&arm); err != nil || arm.Trial != trial {
		t.Fatalf("unexpected command %+v err=%v", arm, err)
	}
}

func TestServerRouteMovesOnlyToNewInstance(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	server := NewServer("127.0.0.1:0", 8, log.New(io.Discard, "", 0))
	dispatcherCh := server.Register(messaging.DispatcherAddress("arena-1"))
	go func() { _ = server.Serve(ctx) }()
	addr := server.Addr().String()

	first := dialHello(t, addr, "i-1")
	receive(t, dispatcherCh)

	// same instance while the first connection is alive: refused
	second := dialHello(t, addr, "i-1")
	expectClosed(t, second)
	select {
	case env := <-dispatcherCh:
		t.Fatalf("refused hello reached the dispatcher: %+v", env)
	case <-time.After(50 * time.Millisecond):
	}
	expectCommand(t, server, first, 1)

	// restarted agent announces a new instance and takes the route over
	third := dialHello(t, addr, "i-2")
	receive(t, dispatcherCh)
	expectClosed(t, first)
	expectCommand(t, server, third, 2)
}

func TestServerDropsTrafficBeforeHello(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	server := NewServer("127.0.0.1:0", 8, log.New(io.Discard, "", 0))
	dispatcherCh := server.Register(messaging.DispatcherAddress("arena-1"))
	go func() { _ = server.Serve(ctx) }()

	conn, err := net.Dial("tcp", server.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()
	poke, _ := domain.NewEnvelope("arena-1", "rpi01", 1, domain.EnvelopePokeEvent,
		domain.PokeEvent{AgentID: "rpi01", Channel: domain.ChannelLeft, Edge: domain.EdgeIn, Trial: 1, Timestamp: time.Now()}, time.Now())
	if err := WriteFrame(conn, poke); err != nil {
		t.Fatalf("write poke: %v", err)
	}
	select {
	case env := <-dispatcherCh:
		t.Fatalf("unbound connection reached the dispatcher: %+v", env)
	case <-time.After(100 * time.Millisecond):
	}
}

func receive(t *testing.T, ch <-chan domain.Envelope) domain.Envelope {
	t.Helper()
	select {
	case env := <-ch:
		return env
	case <-time.After(5 * time.Second):
		t.Fatalf("timed out waiting for envelope")
		return domain.Envelope{}
	}
}
