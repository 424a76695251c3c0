package transport

import (
	"testing"
	"time"
)

func TestPublisherFansOut(t *testing.T) {
	p := NewPublisher(4, nil)
	a, stopA := p.Subscribe()
	b, stopB := p.Subscribe()
	defer stopB()

	p.Publish(Notice{Kind: NoticeAck, Ticker: "QNTX", Message: "ok"})

	for _, ch := range []<-chan Notice{a, b} {
		select {
		case n := <-ch:
			if n.Kind != NoticeAck || n.Message != "ok" || n.Time.IsZero() {
				t.Fatalf("unexpected notice %+v", n)
			}
		case <-time.After(time.Second):
			t.Fatal("notice not delivered")
		}
	}

	stopA()
	stopA()
	if _, ok := <-a; ok {
		t.Fatal("channel should be closed after unsubscribe")
	}
	p.Publish(Notice{Kind: NoticeError})
	select {
	case n := <-b:
		if n.Kind != NoticeError {
			t.Fatalf("unexpected notice %+v", n)
		}
	case <-time.After(time.Second):
		t.Fatal("remaining subscriber missed notice")
	}
}

func TestPublisherDropsForSlowSubscriber(t *testing.T) {
	p := NewPublisher(1, nil)
	ch, stop := p.Subscribe()
	defer stop()

	p.Publish(Notice{Message: "first"})
	p.Publish(Notice{Message: "second"})

	if n := <-ch; n.Message != "first" {
		t.Fatalf("expected first notice, got %q", n.Message)
	}
	select {
	case n := <-ch:
		t.Fatalf("expected drop, got %q", n.Message)
	default:
	}
}
