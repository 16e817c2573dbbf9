package stream

import (
	"bytes"
	"context"
	"net"
	"testing"
	"time"

	"google.golang.org/protobuf/types/known/structpb"

	"github.com/xtxerr/cistern/internal/errors"
	"github.com/xtxerr/cistern/internal/storage/types"
)

func TestWire_RoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := NewWriter(&buf)

	ts := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	f, err := NewInsert("water_levels", types.Row{"id": "a", "timestamp": ts, "volume": 4.5})
	if err != nil {
		t.Fatal(err)
	}
	if err := w.Write(f); err != nil {
		t.Fatal(err)
	}
	if err := w.Write(NewHello("secret")); err != nil {
		t.Fatal(err)
	}

	r := NewReader(&buf, 0)

	got, err := r.Read()
	if err != nil {
		t.Fatal(err)
	}
	topic, row, err := DecodeInsert(got)
	if err != nil {
		t.Fatal(err)
	}
	if topic != "water_levels" {
		t.Errorf("unexpected topic %s", topic)
	}

	w2, err := types.DecodeWaterLevel(topic, row)
	if err != nil {
		t.Fatalf("decoded row is not a valid sample: %v", err)
	}
	if w2.ID != "a" || w2.Volume != 4.5 || w2.TimestampMs != ts.UnixMilli() {
		t.Errorf("unexpected sample: %+v", w2)
	}

	hello, err := r.Read()
	if err != nil {
		t.Fatal(err)
	}
	if FrameType(hello) != FrameHello {
		t.Errorf("expected hello, got %s", FrameType(hello))
	}
}

func TestWire_MaxSize(t *testing.T) {
	var buf bytes.Buffer
	f, _ := NewInsert("t", types.Row{"id": string(make([]byte, 512))})
	NewWriter(&buf).Write(f)

	if _, err := NewReader(&buf, 64).Read(); err == nil {
		t.Error("expected oversize frame to be rejected")
	}
}

func TestDecodeInsert_Malformed(t *testing.T) {
	tests := []struct {
		name  string
		frame *structpb.Struct
	}{
		{"wrong type", NewHello("x")},
		{"no topic", &structpb.Struct{Fields: map[string]*structpb.Value{
			"type": structpb.NewStringValue(FrameInsert),
		}}},
		{"no row", &structpb.Struct{Fields: map[string]*structpb.Value{
			"type":  structpb.NewStringValue(FrameInsert),
			"topic": structpb.NewStringValue("t"),
		}}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, _, err := DecodeInsert(tt.frame); !errors.Is(err, errors.ErrMalformedEvent) {
				t.Errorf("expected ErrMalformedEvent, got %v", err)
			}
		})
	}
}

func startServer(t *testing.T, tokens ...string) *Server {
	t.Helper()
	s := NewServer(Config{Listen: "127.0.0.1:0", Tokens: tokens, AuthTimeout: time.Second})
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

func TestServer_PublishToSubscriber(t *testing.T) {
	s := startServer(t)

	rows := make(chan types.Row, 4)
	sub, err := s.Subscribe(context.Background(), "water_levels", func(r types.Row) { rows <- r }, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer sub.Unsubscribe()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	p, err := Dial(ctx, s.Addr().String(), "")
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	if err := p.Publish("water_levels", types.Row{"id": "1", "timestamp": 1000, "volume": 2}); err != nil {
		t.Fatal(err)
	}

	select {
	case r := <-rows:
		if r["id"] != "1" {
			t.Errorf("unexpected row %v", r)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("row not delivered")
	}
}

func TestServer_TokenAuth(t *testing.T) {
	s := startServer(t, "good")
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	if _, err := Dial(ctx, s.Addr().String(), "bad"); err == nil {
		t.Error("expected hello with wrong token to be rejected")
	}

	p, err := Dial(ctx, s.Addr().String(), "good")
	if err != nil {
		t.Fatalf("valid token rejected: %v", err)
	}
	p.Close()

	if n := s.limiter.FailureCount("127.0.0.1"); n != 0 {
		t.Errorf("successful hello should reset failures, got %d", n)
	}
}

func TestServer_CloseReportsLoss(t *testing.T) {
	s := NewServer(Config{Listen: "127.0.0.1:0"})
	if err := s.Start(); err != nil {
		t.Fatal(err)
	}

	lost := make(chan error, 1)
	if _, err := s.Subscribe(context.Background(), "t", func(types.Row) {}, func(err error) { lost <- err }); err != nil {
		t.Fatal(err)
	}

	s.Close()
	s.Close()

	select {
	case err := <-lost:
		if !errors.Is(err, errors.ErrSubscriptionLost) {
			t.Errorf("expected ErrSubscriptionLost, got %v", err)
		}
	default:
		t.Fatal("close did not report loss")
	}
}

func TestRateLimiter(t *testing.T) {
	rl := NewRateLimiter(2, time.Minute)
	now := time.Now()
	rl.now = func() time.Time { return now }

	rl.RecordFailure("1.2.3.4")
	if rl.IsBlocked("1.2.3.4") {
		t.Error("blocked after one failure")
	}
	rl.RecordFailure("1.2.3.4")
	if !rl.IsBlocked("1.2.3.4") {
		t.Error("not blocked at limit")
	}
	if rl.IsBlocked("5.6.7.8") {
		t.Error("unrelated ip blocked")
	}

	now = now.Add(2 * time.Minute)
	if rl.IsBlocked("1.2.3.4") || rl.FailureCount("1.2.3.4") != 0 {
		t.Error("window should have expired")
	}
	rl.Cleanup()
	if len(rl.failures) != 0 {
		t.Error("cleanup kept expired entries")
	}
}

func TestDial_KeepsCause(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}
	addr := ln.Addr().String()
	ln.Close()

	_, err = Dial(t.Context(), addr, "")
	if !errors.Is(err, errors.ErrConnectionFailed) {
		t.Fatalf("expected ErrConnectionFailed, got %v", err)
	}
	var opErr *net.OpError
	if !errors.As(err, &opErr) {
		t.Errorf("dial error lost from chain: %v", err)
	}
}
