package transport

import (
	"bytes"
	"context"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ryandielhenn/cerebrate/pkg/lifecycle"
	"github.com/ryandielhenn/cerebrate/pkg/registry"
	"github.com/ryandielhenn/cerebrate/pkg/taskqueue"
	"github.com/ryandielhenn/cerebrate/pkg/wire"
)

type harness struct {
	sec *Secretary
	reg *registry.Registry
	lc  *lifecycle.Tracker
}

func start(t *testing.T, id string, d Dispatcher, tweak ...func(*Config)) *harness {
	t.Helper()
	log := zaptest.NewLogger(t)

	reg, err := registry.Open(filepath.Join(t.TempDir(), "peers.db"), id, nil)
	require.NoError(t, err)

	cfg := Config{
		ID:             id,
		BindHost:       "127.0.0.1",
		SessionTimeout: 2 * time.Second,
		ConnectTimeout: time.Second,
	}
	for _, f := range tweak {
		f(&cfg)
	}

	lc := lifecycle.New()
	q := taskqueue.New(log)
	queueDone := make(chan struct{})
	go func() {
		q.Run(context.Background(), lc)
		close(queueDone)
	}()

	sec := New(cfg, reg, lc, q, log)
	sec.SetDispatcher(d)
	require.NoError(t, sec.Listen(context.Background()))
	serveDone := make(chan struct{})
	go func() {
		_ = sec.Serve(context.Background())
		close(serveDone)
	}()

	t.Cleanup(func() {
		lc.Set(lifecycle.Terminating)
		ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = sec.Shutdown(ctx)
		<-serveDone
		<-queueDone
		_ = reg.Close()
	})
	return &harness{sec: sec, reg: reg, lc: lc}
}

// knows records other's addresses in h's registry.
func (h *harness) knows(t *testing.T, other *harness) {
	t.Helper()
	id := other.sec.Identity()
	_, err := h.reg.Update(id.ID, func(p *registry.PeerRecord) {
		p.Address = id.Address
		p.Control = id.Control
	})
	require.NoError(t, err)
}

func recorder(out chan<- wire.Message, outcome func(wire.Message) Outcome) Dispatcher {
	return DispatcherFunc(func(_ context.Context, m wire.Message) Outcome {
		out <- m
		return outcome(m)
	})
}

func closeWith(reason string) func(wire.Message) Outcome {
	return func(wire.Message) Outcome { return Close(reason) }
}

func receive(t *testing.T, ch <-chan wire.Message) wire.Message {
	t.Helper()
	select {
	case m := <-ch:
		return m
	case <-time.After(3 * time.Second):
		t.Fatal("no message received")
		return wire.Message{}
	}
}

func TestRequestReceivesCloseReason(t *testing.T) {
	gotB := make(chan wire.Message, 1)
	a := start(t, "A", DispatcherFunc(func(context.Context, wire.Message) Outcome { return Close(ReasonError) }))
	b := start(t, "B", recorder(gotB, closeWith(ReasonSuccess)))
	a.knows(t, b)

	msg, err := a.sec.Identity().NewMessage(nil, "ping")
	require.NoError(t, err)
	c, err := a.sec.Request(context.Background(), "B", msg)
	require.NoError(t, err)

	assert.Equal(t, ReasonSuccess, c.Reason)
	assert.True(t, c.Remote)
	assert.Equal(t, "B", c.Peer)
	assert.Equal(t, 0, a.sec.Active())

	m := receive(t, gotB)
	assert.Equal(t, "A", m.SenderID)
	assert.Equal(t, []string{"ping"}, m.Header)

	// B learned A's address and marked it awake
	rec, ok, err := b.reg.Get("A")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, a.sec.Identity().Address, rec.Address)
	assert.Equal(t, registry.StatusAwake, rec.Status)
	assert.False(t, rec.LastContact.IsZero())
}

func TestReplyIsDispatchedByInitiator(t *testing.T) {
	gotA := make(chan wire.Message, 1)
	a := start(t, "A", recorder(gotA, closeWith(ReasonSuccess)))
	var b *harness
	b = start(t, "B", DispatcherFunc(func(context.Context, wire.Message) Outcome {
		reply, _ := b.sec.Identity().NewMessage("world", "hello back")
		return Reply(reply)
	}))
	a.knows(t, b)

	msg, _ := a.sec.Identity().NewMessage("hello", "hello")
	c, err := a.sec.Request(context.Background(), "B", msg)
	require.NoError(t, err)
	assert.Equal(t, ReasonSuccess, c.Reason)
	assert.False(t, c.Remote)

	m := receive(t, gotA)
	text, _ := m.Text()
	assert.Equal(t, "world", text)
	assert.Equal(t, "B", m.SenderID)
}

func TestMessageFromSelfIsRejectedBeforeDispatch(t *testing.T) {
	got := make(chan wire.Message, 1)
	b := start(t, "B", recorder(got, closeWith(ReasonSuccess)))

	conn, err := net.Dial("tcp", b.sec.Identity().Address)
	require.NoError(t, err)
	defer conn.Close()

	forged, _ := wire.Identity{ID: "B", Address: "10.9.9.9:1"}.NewMessage(nil, "ping")
	require.NoError(t, wire.WriteMessage(conn, forged, wire.DefaultLimits()))

	_ = conn.SetReadDeadline(time.Now().Add(3 * time.Second))
	resp, err := wire.ReadMessage(conn, wire.DefaultLimits())
	require.NoError(t, err)
	assert.True(t, resp.Tagged(wire.TagCloseConnection))
	reason, _ := resp.Text()
	assert.Equal(t, ReasonSelfTalk, reason)

	select {
	case m := <-got:
		t.Fatalf("self-sent message reached dispatch: %v", m.Header)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestSilentPeerTimesOutAndBecomesUnknown(t *testing.T) {
	a := start(t, "A", DispatcherFunc(func(context.Context, wire.Message) Outcome { return Close(ReasonSuccess) }),
		func(c *Config) { c.SessionTimeout = 200 * time.Millisecond })

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		time.Sleep(2 * time.Second)
	}()

	_, err = a.reg.Update("silent", func(p *registry.PeerRecord) { p.Address = ln.Addr().String() })
	require.NoError(t, err)

	msg, _ := a.sec.Identity().NewMessage(nil, "ping")
	c, err := a.sec.Request(context.Background(), "silent", msg)
	require.NoError(t, err)
	assert.Equal(t, ReasonTimedOut, c.Reason)

	rec, _, err := a.reg.Get("silent")
	require.NoError(t, err)
	assert.Equal(t, registry.StatusUnknown, rec.Status)

	select {
	case <-a.sec.Drained():
	case <-time.After(time.Second):
		t.Fatal("active set not drained")
	}
}

func TestCommunicateErrors(t *testing.T) {
	a := start(t, "A", DispatcherFunc(func(context.Context, wire.Message) Outcome { return Close(ReasonSuccess) }))
	msg, _ := a.sec.Identity().NewMessage(nil, "ping")

	_, err := a.sec.Communicate(context.Background(), "A", msg)
	assert.ErrorIs(t, err, ErrSelf)

	_, err = a.sec.Communicate(context.Background(), "nobody", msg)
	assert.ErrorIs(t, err, ErrUnknownPeer)
}

func TestListenReportsBindFailure(t *testing.T) {
	a := start(t, "A", DispatcherFunc(func(context.Context, wire.Message) Outcome { return Close(ReasonSuccess) }))
	_, port, _ := net.SplitHostPort(a.sec.Identity().Address)

	reg, err := registry.Open(filepath.Join(t.TempDir(), "peers.db"), "C", nil)
	require.NoError(t, err)
	defer reg.Close()

	p, err := strconv.Atoi(port)
	require.NoError(t, err)
	sec := New(Config{ID: "C", BindHost: "127.0.0.1", TCPPort: p}, reg, lifecycle.New(), taskqueue.New(nil), nil)
	err = sec.Listen(context.Background())
	assert.ErrorIs(t, err, ErrBind)
}

func TestSendToAndBroadcastFanOut(t *testing.T) {
	gotB := make(chan wire.Message, 4)
	gotC := make(chan wire.Message, 4)
	a := start(t, "A", DispatcherFunc(func(context.Context, wire.Message) Outcome { return Close(ReasonSuccess) }))
	b := start(t, "B", recorder(gotB, closeWith(ReasonSuccess)))
	c := start(t, "C", recorder(gotC, closeWith(ReasonSuccess)))
	a.knows(t, b)
	a.knows(t, c)

	direct, _ := a.sec.Identity().NewMessage("hi", "display_message")
	require.NoError(t, a.sec.SendTo(context.Background(), "B", direct))
	m := receive(t, gotB)
	assert.Equal(t, []string{"display_message"}, m.Header)

	all, _ := a.sec.Identity().NewMessage(nil, "acknowledge")
	require.NoError(t, a.sec.Broadcast(context.Background(), all))
	assert.Equal(t, []string{"acknowledge"}, receive(t, gotB).Header)
	assert.Equal(t, []string{"acknowledge"}, receive(t, gotC).Header)
}

func TestDatagramFromSelfIsDropped(t *testing.T) {
	got := make(chan wire.Message, 4)
	b := start(t, "B", recorder(got, closeWith(ReasonSuccess)))

	self, _ := wire.Identity{ID: "B"}.NewMessage(nil, "self")
	other, _ := wire.Identity{ID: "X"}.NewMessage(nil, "other")
	for _, m := range []wire.Message{self, other} {
		raw, err := wire.Marshal(m)
		require.NoError(t, err)
		require.NoError(t, sendPacket(context.Background(), b.sec.Identity().Control, raw, false))
	}

	assert.Equal(t, []string{"other"}, receive(t, got).Header)
	select {
	case m := <-got:
		t.Fatalf("unexpected datagram dispatched: %v", m.Header)
	case <-time.After(150 * time.Millisecond):
	}
}

func TestTransferFilesWritesAndBacksUp(t *testing.T) {
	hiveA, hiveB := t.TempDir(), t.TempDir()
	a := start(t, "A", DispatcherFunc(func(context.Context, wire.Message) Outcome { return Close(ReasonSuccess) }),
		func(c *Config) { c.HiveDir = hiveA })
	b := start(t, "B", DispatcherFunc(func(context.Context, wire.Message) Outcome { return Close(ReasonSuccess) }),
		func(c *Config) { c.HiveDir = hiveB })
	a.knows(t, b)

	big := bytes.Repeat([]byte("0123456789abcdef"), 200) // several chunks
	require.NoError(t, os.MkdirAll(filepath.Join(hiveA, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(hiveA, "sub", "data.bin"), big, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(hiveA, "empty.txt"), nil, 0o644))

	require.NoError(t, os.MkdirAll(filepath.Join(hiveB, "sub"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(hiveB, "sub", "data.bin"), []byte("old"), 0o644))

	files := []string{filepath.Join(hiveA, "sub", "data.bin"), filepath.Join(hiveA, "empty.txt")}
	require.NoError(t, a.sec.TransferFiles(context.Background(), "B", files))

	require.Eventually(t, func() bool {
		got, err := os.ReadFile(filepath.Join(hiveB, "sub", "data.bin"))
		return err == nil && bytes.Equal(got, big)
	}, 3*time.Second, 20*time.Millisecond)

	backup, err := os.ReadFile(filepath.Join(hiveB, "sub", "backup", "data.bin"))
	require.NoError(t, err)
	assert.Equal(t, "old", string(backup))

	require.Eventually(t, func() bool {
		st, err := os.Stat(filepath.Join(hiveB, "empty.txt"))
		return err == nil && st.Size() == 0
	}, 3*time.Second, 20*time.Millisecond)
}

func TestRestoreIgnoresStaleBackup(t *testing.T) {
	dir := t.TempDir()
	p := filepath.Join(dir, "main.go")
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "backup"), 0o755))
	require.NoError(t, os.WriteFile(backupPath(p), []byte("stale"), 0o644))

	// p did not exist before this transfer, so a failure removes it.
	backedUp, err := backupFile(p)
	require.NoError(t, err)
	assert.False(t, backedUp)
	require.NoError(t, os.WriteFile(p, []byte("partial"), 0o644))
	require.NoError(t, restoreFile(p, backedUp))
	_, err = os.Stat(p)
	assert.True(t, os.IsNotExist(err))

	require.NoError(t, os.WriteFile(p, []byte("current"), 0o644))
	backedUp, err = backupFile(p)
	require.NoError(t, err)
	assert.True(t, backedUp)
	require.NoError(t, os.WriteFile(p, []byte("partial"), 0o644))
	require.NoError(t, restoreFile(p, backedUp))
	got, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, "current", string(got))
}

func TestDestinationIsConfined(t *testing.T) {
	hive := t.TempDir()
	s := New(Config{ID: "A", HiveDir: hive}, nil, lifecycle.New(), nil, nil)

	p, err := s.destination(fileHeader{Location: LocationHive, Name: "x/y.txt"})
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(hive, "x", "y.txt"), p)

	_, err = s.destination(fileHeader{Location: LocationHive, Name: "../escape"})
	assert.ErrorIs(t, err, ErrBadDestination)

	_, err = s.destination(fileHeader{Location: LocationSource, Name: "a"})
	assert.ErrorIs(t, err, ErrBadDestination)

	_, err = s.destination(fileHeader{Location: LocationAbsolute, Name: filepath.Join(os.TempDir(), "elsewhere")})
	assert.ErrorIs(t, err, ErrBadDestination)

	abs := filepath.Join(hive, "ok.txt")
	p, err = s.destination(fileHeader{Location: LocationAbsolute, Name: abs})
	require.NoError(t, err)
	assert.Equal(t, abs, p)
}

func TestMagicPacket(t *testing.T) {
	pkt, err := MagicPacket("01:23:45:67:89:ab")
	require.NoError(t, err)
	require.Len(t, pkt, 102)
	assert.Equal(t, bytes.Repeat([]byte{0xFF}, 6), pkt[:6])
	for i := range 16 {
		assert.Equal(t, []byte{0x01, 0x23, 0x45, 0x67, 0x89, 0xab}, pkt[6+i*6:12+i*6])
	}

	_, err = MagicPacket("not-a-mac")
	assert.Error(t, err)
}
