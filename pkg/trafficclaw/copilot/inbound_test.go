package copilot

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/channels"
	"github.com/jholhewres/trafficclaw/pkg/trafficclaw/llm"
)

// echoCompleter answers with the message it got. Early messages take
// longer so a handler that does not keep arrival order shows it.
type echoCompleter struct {
	mu    sync.Mutex
	calls int
}

func (e *echoCompleter) ProcessMessage(_ context.Context, message, _ string, _ []llm.Turn) (*llm.Reply, error) {
	e.mu.Lock()
	e.calls++
	delay := time.Duration(10-min(e.calls, 10)) * time.Millisecond
	e.mu.Unlock()
	time.Sleep(delay)
	return &llm.Reply{Text: "eco: " + message, ProviderUsed: "p"}, nil
}

type fakeChannel struct {
	in chan *channels.IncomingMessage

	mu      sync.Mutex
	replies []string
	sent    chan struct{}
}

func newFakeChannel() *fakeChannel {
	return &fakeChannel{in: make(chan *channels.IncomingMessage), sent: make(chan struct{}, 64)}
}

func (c *fakeChannel) Name() string { return "fake" }
func (c *fakeChannel) Connect(context.Context) error { return nil }
func (c *fakeChannel) Disconnect() error { return nil }
func (c *fakeChannel) Receive() <-chan *channels.IncomingMessage { return c.in }
func (c *fakeChannel) IsConnected() bool { return true }
func (c *fakeChannel) Health() channels.HealthStatus { return channels.HealthStatus{Connected: true} }

func (c *fakeChannel) Send(_ context.Context, _ string, msg *channels.OutgoingMessage) error {
	c.mu.Lock()
	c.replies = append(c.replies, msg.Content)
	c.mu.Unlock()
	c.sent <- struct{}{}
	return nil
}

func TestInboundKeepsArrivalOrder(t *testing.T) {
	_, h, hist := newTestAssistant(t, &fakeCompleter{})
	a := NewAssistant(&echoCompleter{}, h.store, h.dispatcher, h.confirmations, AssistantOptions{
		Name:     "Teste",
		Location: testLoc,
		History:  hist,
		Logger:   discardLogger(),
	})
	a.now = func() time.Time { return testNow }

	const ownerPhone = "5511999990000"
	owners := func(phone string) (OwnerConfig, bool) {
		if phone == ownerPhone {
			return OwnerConfig{ID: testActor, Phone: ownerPhone}, true
		}
		return OwnerConfig{}, false
	}

	ch := newFakeChannel()
	in := NewInbound(a, ch, owners, discardLogger())
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		in.Run(ctx)
		close(done)
	}()

	const n = 12
	ch.in <- &channels.IncomingMessage{ID: "x", From: "5511888880000@s.whatsapp.net", Content: "estranho"}
	for i := range n {
		ch.in <- &channels.IncomingMessage{
			ID:      fmt.Sprintf("m%02d", i),
			From:    ownerPhone + "@s.whatsapp.net",
			Content: fmt.Sprintf("mensagem %02d", i),
		}
	}

	for range n {
		select {
		case <-ch.sent:
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for replies")
		}
	}
	cancel()
	<-done

	ch.mu.Lock()
	defer ch.mu.Unlock()
	if len(ch.replies) != n {
		t.Fatalf("replies = %d, want %d (unknown sender must be ignored)", len(ch.replies), n)
	}
	for i, r := range ch.replies {
		if want := fmt.Sprintf("mensagem %02d", i); !strings.Contains(r, want) {
			t.Errorf("reply %d = %q, want it to answer %q", i, r, want)
		}
	}
}
