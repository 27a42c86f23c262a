package notification

import (
	"context"
	"errors"
	"testing"

	"github.com/cklxx/deepresearch/internal/logging"
)

type stubChannel struct {
	name string
	err  error
	got  []string
}

func (s *stubChannel) Name() string { return s.name }

func (s *stubChannel) Send(_ context.Context, title, body string) error {
	s.got = append(s.got, title+": "+body)
	return s.err
}

func TestNotifyStopsAtFirstSuccess(t *testing.T) {
	primary := &stubChannel{name: "primary"}
	fallback := &stubChannel{name: "fallback"}
	n := NewWithChain(logging.NewComponentLogger("test"), primary, fallback)

	ok := n.Notify(context.Background(), "Done", "task finished")
	if !ok {
		t.Fatal("expected Notify to report success")
	}
	if len(primary.got) != 1 {
		t.Fatalf("expected primary to receive the notification, got %d sends", len(primary.got))
	}
	if len(fallback.got) != 0 {
		t.Fatalf("expected fallback untouched, got %d sends", len(fallback.got))
	}
}

func TestNotifyFallsThroughChain(t *testing.T) {
	primary := &stubChannel{name: "primary", err: errors.New("unreachable")}
	fallback := &stubChannel{name: "fallback"}
	n := NewWithChain(logging.NewComponentLogger("test"), primary, fallback)

	ok := n.Notify(context.Background(), "Done", "task finished")
	if !ok {
		t.Fatal("expected Notify to report success via fallback")
	}
	if len(fallback.got) != 1 {
		t.Fatalf("expected fallback to receive the notification, got %d sends", len(fallback.got))
	}
}

func TestNotifyAllChannelsFail(t *testing.T) {
	a := &stubChannel{name: "a", err: errors.New("fail")}
	b := &stubChannel{name: "b", err: errors.New("fail")}
	n := NewWithChain(logging.NewComponentLogger("test"), a, b)

	ok := n.Notify(context.Background(), "Done", "task finished")
	if ok {
		t.Fatal("expected Notify to report failure when every channel errors")
	}
}

func TestLogChannelNeverFails(t *testing.T) {
	ch := NewLogChannel(logging.NewComponentLogger("test"))
	if err := ch.Send(context.Background(), "T", "B"); err != nil {
		t.Fatalf("expected LogChannel.Send to never error, got %v", err)
	}
}
