package messaging

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/glimte/buslink-go/contracts"
)

// discardLogger keeps expected-failure noise out of test output.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// fakeSenderLink is a scriptable SenderLink. By default every Send is
// settled as accepted; tests can queue dispositions or take over
// settlement entirely with manual = true.
type fakeSenderLink struct {
	mu           sync.Mutex
	open         bool
	sendable     bool
	manual       bool
	nextTag      uint64
	sent         []*contracts.WireMessage
	dispositions []contracts.Disposition
	sendErr      error
	settlements  chan Settlement
	faults       chan error
	closeCalls   atomic.Int32
}

func newFakeSenderLink() *fakeSenderLink {
	return &fakeSenderLink{
		open:        true,
		sendable:    true,
		settlements: make(chan Settlement, 16),
		faults:      make(chan error, 16),
	}
}

func (l *fakeSenderLink) IsOpen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.open
}

func (l *fakeSenderLink) Sendable() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.sendable
}

func (l *fakeSenderLink) Send(ctx context.Context, msg *contracts.WireMessage) (uint64, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.sendErr != nil {
		return 0, l.sendErr
	}
	l.nextTag++
	tag := l.nextTag
	l.sent = append(l.sent, msg)

	if !l.manual {
		disposition := contracts.DispositionAccepted
		if len(l.dispositions) > 0 {
			disposition = l.dispositions[0]
			l.dispositions = l.dispositions[1:]
		}
		l.settlements <- Settlement{Tag: tag, Disposition: disposition}
	}
	return tag, nil
}

func (l *fakeSenderLink) Settlements() <-chan Settlement { return l.settlements }

func (l *fakeSenderLink) Errors() <-chan error { return l.faults }

func (l *fakeSenderLink) Close(ctx context.Context) error {
	l.closeCalls.Add(1)
	l.mu.Lock()
	wasOpen := l.open
	l.open = false
	l.mu.Unlock()
	if wasOpen {
		close(l.settlements)
	}
	return nil
}

// settle resolves a tag out of band (manual mode).
func (l *fakeSenderLink) settle(tag uint64, d contracts.Disposition) {
	l.settlements <- Settlement{Tag: tag, Disposition: d}
}

// fault injects a link fault without closing the channels.
func (l *fakeSenderLink) fault(err error) {
	l.faults <- err
}

// detach simulates the broker dropping the link.
func (l *fakeSenderLink) detach() {
	l.mu.Lock()
	wasOpen := l.open
	l.open = false
	l.mu.Unlock()
	if wasOpen {
		close(l.settlements)
	}
}

func (l *fakeSenderLink) sentMessages() []*contracts.WireMessage {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*contracts.WireMessage, len(l.sent))
	copy(out, l.sent)
	return out
}

// fakeReceiverLink is a scriptable ReceiverLink fed by tests through
// deliver().
type fakeReceiverLink struct {
	mu         sync.Mutex
	open       bool
	deliveries chan *contracts.ReceivedMessage
	faults     chan error
	credits    []int
	creditErr  error
	drainCalls atomic.Int32
	closeCalls atomic.Int32
}

func newFakeReceiverLink() *fakeReceiverLink {
	return &fakeReceiverLink{
		open:       true,
		deliveries: make(chan *contracts.ReceivedMessage, 64),
		faults:     make(chan error, 16),
	}
}

func (l *fakeReceiverLink) IsOpen() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.open
}

func (l *fakeReceiverLink) Deliveries() <-chan *contracts.ReceivedMessage { return l.deliveries }

func (l *fakeReceiverLink) Errors() <-chan error { return l.faults }

func (l *fakeReceiverLink) IssueCredit(n int) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.creditErr != nil {
		return l.creditErr
	}
	l.credits = append(l.credits, n)
	return nil
}

func (l *fakeReceiverLink) Drain(ctx context.Context) error {
	l.drainCalls.Add(1)
	return nil
}

func (l *fakeReceiverLink) Close(ctx context.Context) error {
	l.closeCalls.Add(1)
	l.mu.Lock()
	wasOpen := l.open
	l.open = false
	l.mu.Unlock()
	if wasOpen {
		close(l.deliveries)
	}
	return nil
}

func (l *fakeReceiverLink) deliver(msg *contracts.ReceivedMessage) {
	l.deliveries <- msg
}

func (l *fakeReceiverLink) fault(err error) {
	l.faults <- err
}

func (l *fakeReceiverLink) issuedCredits() []int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]int, len(l.credits))
	copy(out, l.credits)
	return out
}

// fakeEngine hands out fake links and records claim negotiations. When a
// scripted link is present it is returned once; otherwise each open
// creates a fresh link.
type fakeEngine struct {
	mu            sync.Mutex
	senderLinks   []*fakeSenderLink
	receiverLinks []*fakeReceiverLink
	recvOpts      []ReceiverLinkOptions
	audiences     []string
	scriptSender  *fakeSenderLink
	scriptRecv    *fakeReceiverLink

	openSenderErr error
	openRecvErr   error
	claimErr      error
	claimExpiry   time.Time
	openDelay     time.Duration

	openSenderCalls atomic.Int32
	openRecvCalls   atomic.Int32
	claimCalls      atomic.Int32
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{}
}

func (e *fakeEngine) setClaimErr(err error) {
	e.mu.Lock()
	e.claimErr = err
	e.mu.Unlock()
}

func (e *fakeEngine) setClaimExpiry(expiry time.Time) {
	e.mu.Lock()
	e.claimExpiry = expiry
	e.mu.Unlock()
}

func (e *fakeEngine) OpenSenderLink(ctx context.Context, address string) (SenderLink, error) {
	e.openSenderCalls.Add(1)
	if e.openDelay > 0 {
		select {
		case <-time.After(e.openDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.openSenderErr != nil {
		return nil, e.openSenderErr
	}
	link := e.scriptSender
	e.scriptSender = nil
	if link == nil {
		link = newFakeSenderLink()
	}
	e.senderLinks = append(e.senderLinks, link)
	return link, nil
}

func (e *fakeEngine) OpenReceiverLink(ctx context.Context, address string, opts ReceiverLinkOptions) (ReceiverLink, error) {
	e.openRecvCalls.Add(1)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.openRecvErr != nil {
		return nil, e.openRecvErr
	}
	e.recvOpts = append(e.recvOpts, opts)
	link := e.scriptRecv
	e.scriptRecv = nil
	if link == nil {
		link = newFakeReceiverLink()
	}
	e.receiverLinks = append(e.receiverLinks, link)
	return link, nil
}

func (e *fakeEngine) NegotiateClaim(ctx context.Context, audience string, provider TokenProvider) (time.Time, error) {
	e.claimCalls.Add(1)
	e.mu.Lock()
	claimErr := e.claimErr
	override := e.claimExpiry
	e.mu.Unlock()
	if claimErr != nil {
		return time.Time{}, claimErr
	}
	token, err := provider.GetToken(ctx, audience)
	if err != nil {
		return time.Time{}, err
	}
	e.mu.Lock()
	e.audiences = append(e.audiences, audience)
	e.mu.Unlock()
	if !override.IsZero() {
		return override, nil
	}
	return token.ExpiresAt, nil
}

func (e *fakeEngine) Close() error { return nil }

func (e *fakeEngine) lastSenderLink() *fakeSenderLink {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.senderLinks) == 0 {
		return nil
	}
	return e.senderLinks[len(e.senderLinks)-1]
}

func (e *fakeEngine) lastReceiverLink() *fakeReceiverLink {
	e.mu.Lock()
	defer e.mu.Unlock()
	if len(e.receiverLinks) == 0 {
		return nil
	}
	return e.receiverLinks[len(e.receiverLinks)-1]
}

func (e *fakeEngine) openedReceiverOpts() []ReceiverLinkOptions {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]ReceiverLinkOptions, len(e.recvOpts))
	copy(out, e.recvOpts)
	return out
}

func (e *fakeEngine) claimedAudiences() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, len(e.audiences))
	copy(out, e.audiences)
	return out
}

// testSettler records settlements issued for received messages.
type testSettler struct {
	mu          sync.Mutex
	completes   int
	abandons    int
	deadLetters int
	err         error
}

func (s *testSettler) SettleComplete(ctx context.Context, tag uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.completes++
	return nil
}

func (s *testSettler) SettleAbandon(ctx context.Context, tag uint64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.abandons++
	return nil
}

func (s *testSettler) SettleDeadLetter(ctx context.Context, tag uint64, reason, description string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.deadLetters++
	return nil
}

func (s *testSettler) counts() (completes, abandons, deadLetters int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.completes, s.abandons, s.deadLetters
}

// testMessage builds a received message bound to the settler.
func testMessage(id string, tag uint64, settler *testSettler, mode contracts.ReceiveMode) *contracts.ReceivedMessage {
	msg := contracts.NewReceivedMessage(settler, tag, mode)
	msg.MessageID = id
	msg.Body = []byte(`{"n":1}`)
	return msg
}

// staticTokenProvider returns a fixed-lifetime token.
func staticTokenProvider(ttl time.Duration) TokenProvider {
	return TokenProviderFunc(func(ctx context.Context, audience string) (*Token, error) {
		return &Token{Value: "token", ExpiresAt: time.Now().Add(ttl)}, nil
	})
}

// mockTokenProvider asserts the exact audiences tokens are requested for.
type mockTokenProvider struct {
	mock.Mock
}

func (m *mockTokenProvider) GetToken(ctx context.Context, audience string) (*Token, error) {
	args := m.Called(ctx, audience)
	if token := args.Get(0); token != nil {
		return token.(*Token), args.Error(1)
	}
	return nil, args.Error(1)
}
