package command

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/config"
	"github.com/Waelalg/IoT-Fleet-Management-Tracking/internal/data"
)

type fakeRouter struct {
	mu        sync.Mutex
	err       error
	protocol  data.Protocol
	routed    []data.Command
	suppress  bool
	cancelled []string
}

func (f *fakeRouter) Route(_ context.Context, cmd data.Command) (data.Protocol, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.routed = append(f.routed, cmd)
	if f.err != nil {
		return "", f.err
	}
	return f.protocol, nil
}

func (f *fakeRouter) Cancel(_ context.Context, cmd data.Command) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, cmd.ID)
	return f.suppress
}

type memStore struct {
	mu    sync.Mutex
	saved []data.Command
}

func (m *memStore) SaveCommand(_ context.Context, cmd data.Command) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saved = append(m.saved, cmd)
	return nil
}

// gatedStore holds the write of a sent command until release is closed.
type gatedStore struct {
	memStore
	held    chan data.Command
	release chan struct{}
}

func (g *gatedStore) SaveCommand(ctx context.Context, cmd data.Command) error {
	if cmd.State == data.CommandSent {
		g.held <- cmd
		<-g.release
	}
	return g.memStore.SaveCommand(ctx, cmd)
}

func (g *gatedStore) last() data.Command {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.saved[len(g.saved)-1]
}

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *clock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newDispatcher(t *testing.T, r Router) (*Dispatcher, *clock) {
	t.Helper()
	clk := &clock{now: time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)}
	cfg := config.Default().Commands
	d := New(cfg, r, zap.NewNop()).WithClock(clk.Now).WithStrict(true)
	return d, clk
}

func TestIssueMarksSent(t *testing.T) {
	r := &fakeRouter{protocol: data.ProtocolMQTT}
	d, clk := newDispatcher(t, r)

	cmd, err := d.Issue(context.Background(), IssueRequest{DeviceID: "d1", Kind: "reboot"})
	require.NoError(t, err)
	assert.Equal(t, data.CommandSent, cmd.State)
	assert.Equal(t, data.ProtocolMQTT, cmd.Protocol)
	require.NotNil(t, cmd.SentAt)
	require.NotNil(t, cmd.Deadline)
	assert.Equal(t, clk.Now().Add(30*time.Second), *cmd.Deadline)
	assert.Len(t, r.routed, 1)

	got, err := d.Get(cmd.ID)
	require.NoError(t, err)
	assert.Equal(t, cmd, got)
}

func TestTimeoutResolution(t *testing.T) {
	d, _ := newDispatcher(t, &fakeRouter{})
	assert.Equal(t, 5*time.Second, d.Timeout("reboot", 5*time.Second))
	assert.Equal(t, 30*time.Minute, d.Timeout("firmware_update", 0))
	assert.Equal(t, 30*time.Second, d.Timeout("reboot", 0))
}

func TestIssueWithoutRouteStoresFailed(t *testing.T) {
	r := &fakeRouter{err: fmt.Errorf("%w: no reachable transport for d1", data.ErrNoRouteAvailable)}
	store := &memStore{}
	d, _ := newDispatcher(t, r)
	d.WithStore(store)

	cmd, err := d.Issue(context.Background(), IssueRequest{DeviceID: "d1", Kind: "reboot"})
	require.Error(t, err)
	assert.True(t, errors.Is(err, data.ErrNoRouteAvailable))
	assert.Equal(t, data.CommandFailed, cmd.State)
	assert.Equal(t, "no route available", cmd.FailureReason)
	require.NotNil(t, cmd.ResolvedAt)

	// pending then failed, never left pending
	require.Len(t, store.saved, 2)
	assert.Equal(t, data.CommandPending, store.saved[0].State)
	assert.Equal(t, data.CommandFailed, store.saved[1].State)
	assert.Equal(t, data.CommandFailed, d.List("d1")[0].State)
}

func TestIssueRejectsIncompleteRequest(t *testing.T) {
	d, _ := newDispatcher(t, &fakeRouter{})
	_, err := d.Issue(context.Background(), IssueRequest{DeviceID: "d1"})
	assert.ErrorIs(t, err, data.ErrMalformedMessage)
}

func TestAcknowledge(t *testing.T) {
	d, _ := newDispatcher(t, &fakeRouter{protocol: data.ProtocolHTTP})
	ok, err := d.Issue(context.Background(), IssueRequest{DeviceID: "d1", Kind: "reboot"})
	require.NoError(t, err)
	bad, err := d.Issue(context.Background(), IssueRequest{DeviceID: "d1", Kind: "reboot"})
	require.NoError(t, err)

	d.Acknowledge(data.CommandAck{CommandID: ok.ID, DeviceID: "d1", Result: "ok"})
	d.Acknowledge(data.CommandAck{CommandID: bad.ID, DeviceID: "d1", Result: "failed", Detail: "low battery"})

	got, _ := d.Get(ok.ID)
	assert.Equal(t, data.CommandAcknowledged, got.State)
	got, _ = d.Get(bad.ID)
	assert.Equal(t, data.CommandFailed, got.State)
	assert.Equal(t, "low battery", got.FailureReason)

	// a later ack cannot move a terminal command
	d.Acknowledge(data.CommandAck{CommandID: bad.ID, Result: "ok"})
	got, _ = d.Get(bad.ID)
	assert.Equal(t, data.CommandFailed, got.State)

	// unknown ids and foreign devices are ignored
	d.Acknowledge(data.CommandAck{CommandID: "nope", Result: "ok"})
	third, _ := d.Issue(context.Background(), IssueRequest{DeviceID: "d1", Kind: "reboot"})
	d.Acknowledge(data.CommandAck{CommandID: third.ID, DeviceID: "d2", Result: "ok"})
	got, _ = d.Get(third.ID)
	assert.Equal(t, data.CommandSent, got.State)
}

func TestSweepTimesOut(t *testing.T) {
	d, clk := newDispatcher(t, &fakeRouter{protocol: data.ProtocolMQTT})
	short, _ := d.Issue(context.Background(), IssueRequest{DeviceID: "d1", Kind: "reboot", Timeout: time.Second})
	long, _ := d.Issue(context.Background(), IssueRequest{DeviceID: "d1", Kind: "reboot", Timeout: time.Minute})

	clk.Advance(500 * time.Millisecond)
	assert.Empty(t, d.Sweep(clk.Now()))

	clk.Advance(time.Second)
	assert.Equal(t, []string{short.ID}, d.Sweep(clk.Now()))

	got, _ := d.Get(short.ID)
	assert.Equal(t, data.CommandTimedOut, got.State)
	got, _ = d.Get(long.ID)
	assert.Equal(t, data.CommandSent, got.State)

	// late ack after timeout is a no-op
	d.Acknowledge(data.CommandAck{CommandID: short.ID, Result: "ok"})
	got, _ = d.Get(short.ID)
	assert.Equal(t, data.CommandTimedOut, got.State)

	counts := d.Counts()
	assert.Equal(t, 1, counts[data.CommandTimedOut])
	assert.Equal(t, 1, counts[data.CommandSent])
}

func TestAckAndTimeoutRaceResolveOnce(t *testing.T) {
	store := &memStore{}
	d, clk := newDispatcher(t, &fakeRouter{protocol: data.ProtocolMQTT})
	d.WithStore(store)

	const n = 200
	ids := make([]string, n)
	for i := range ids {
		cmd, err := d.Issue(context.Background(), IssueRequest{DeviceID: "d1", Kind: "reboot", Timeout: time.Second})
		require.NoError(t, err)
		ids[i] = cmd.ID
	}
	clk.Advance(2 * time.Second)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for _, id := range ids {
			d.Acknowledge(data.CommandAck{CommandID: id, Result: "ok"})
		}
	}()
	go func() {
		defer wg.Done()
		d.Sweep(clk.Now())
	}()
	wg.Wait()

	terminal := make(map[string]int)
	store.mu.Lock()
	for _, c := range store.saved {
		if c.State.Terminal() {
			terminal[c.ID]++
		}
	}
	store.mu.Unlock()
	for _, id := range ids {
		assert.Equal(t, 1, terminal[id], "command %s resolved more than once", id)
		got, _ := d.Get(id)
		assert.True(t, got.State == data.CommandAcknowledged || got.State == data.CommandTimedOut)
	}
}

func TestStatesNeverRegress(t *testing.T) {
	store := &memStore{}
	d, clk := newDispatcher(t, &fakeRouter{protocol: data.ProtocolHTTP})
	d.WithStore(store)

	cmd, _ := d.Issue(context.Background(), IssueRequest{DeviceID: "d1", Kind: "reboot", Timeout: time.Second})
	d.Acknowledge(data.CommandAck{CommandID: cmd.ID, Result: "ok"})
	clk.Advance(time.Hour)
	d.Sweep(clk.Now())
	_, _, err := d.Cancel(context.Background(), cmd.ID)
	assert.ErrorIs(t, err, data.ErrInvalidTransition)

	rank := map[data.CommandState]int{data.CommandPending: 0, data.CommandSent: 1}
	last := -1
	for _, c := range store.saved {
		r, ok := rank[c.State]
		if !ok {
			r = 2
		}
		assert.GreaterOrEqual(t, r, last)
		last = r
	}
	assert.Equal(t, data.CommandAcknowledged, store.saved[len(store.saved)-1].State)
}

func TestPersistedStateFollowsTransitionOrder(t *testing.T) {
	store := &gatedStore{held: make(chan data.Command, 1), release: make(chan struct{})}
	d, _ := newDispatcher(t, &fakeRouter{protocol: data.ProtocolMQTT})
	d.WithStore(store)

	issued := make(chan error, 1)
	go func() {
		_, err := d.Issue(context.Background(), IssueRequest{DeviceID: "d1", Kind: "reboot"})
		issued <- err
	}()
	sent := <-store.held

	acked := make(chan struct{})
	go func() {
		d.Acknowledge(data.CommandAck{CommandID: sent.ID, DeviceID: "d1", Result: "ok"})
		close(acked)
	}()
	select {
	case <-acked:
		t.Fatal("acknowledgement applied while the sent write was still in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(store.release)
	require.NoError(t, <-issued)
	<-acked

	got, err := d.Get(sent.ID)
	require.NoError(t, err)
	assert.Equal(t, data.CommandAcknowledged, got.State)
	assert.Equal(t, data.CommandAcknowledged, store.last().State)
}

func TestCancel(t *testing.T) {
	r := &fakeRouter{protocol: data.ProtocolHTTP}
	d, _ := newDispatcher(t, r)

	cmd, _ := d.Issue(context.Background(), IssueRequest{DeviceID: "d1", Kind: "reboot"})
	got, ok, err := d.Cancel(context.Background(), cmd.ID)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, data.CommandSent, got.State)

	r.suppress = true
	got, ok, err = d.Cancel(context.Background(), cmd.ID)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, data.CommandFailed, got.State)
	assert.Equal(t, "cancelled", got.FailureReason)
	assert.Equal(t, []string{cmd.ID, cmd.ID}, r.cancelled)

	_, _, err = d.Cancel(context.Background(), "missing")
	assert.ErrorIs(t, err, data.ErrNotFound)
}

func TestListNewestFirst(t *testing.T) {
	d, clk := newDispatcher(t, &fakeRouter{protocol: data.ProtocolHTTP})
	first, _ := d.Issue(context.Background(), IssueRequest{DeviceID: "d1", Kind: "reboot"})
	clk.Advance(time.Second)
	second, _ := d.Issue(context.Background(), IssueRequest{DeviceID: "d1", Kind: "locate"})

	list := d.List("d1")
	require.Len(t, list, 2)
	assert.Equal(t, second.ID, list[0].ID)
	assert.Equal(t, first.ID, list[1].ID)
	assert.Empty(t, d.List("d2"))
}

func TestRunSweepsUntilCancelled(t *testing.T) {
	r := &fakeRouter{protocol: data.ProtocolHTTP}
	cfg := config.Default().Commands
	cfg.SweepInterval = 5 * time.Millisecond
	d := New(cfg, r, zap.NewNop())

	cmd, _ := d.Issue(context.Background(), IssueRequest{DeviceID: "d1", Kind: "reboot", Timeout: 10 * time.Millisecond})
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		d.Run(ctx)
		close(done)
	}()

	assert.Eventually(t, func() bool {
		got, _ := d.Get(cmd.ID)
		return got.State == data.CommandTimedOut
	}, time.Second, 5*time.Millisecond)
	cancel()
	<-done
}
