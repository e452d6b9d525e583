package server

import (
	"context"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"relaychat/client"
	"relaychat/db"
	"relaychat/directory"
	"relaychat/protocol"
	"relaychat/reliable"
	"relaychat/store"
	"relaychat/transport"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	testTimeout = 40 * time.Millisecond
	serverAddr  = transport.MemoryAddr("server")
)

// testEnv is a server running on an in-memory network.
type testEnv struct {
	t       *testing.T
	network *transport.MemoryNetwork
	backend *db.Memory
	srv     *Server

	mu   sync.Mutex
	drop func(from, to, payload string) bool
	sent []string
}

// setupTestServer starts a server on a lossy in-memory network. The server
// stops when the test ends.
func setupTestServer(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		t:       t,
		network: transport.NewMemoryNetwork(),
		backend: db.NewMemory(),
	}
	env.network.SetFilter(env.filter)

	conn, err := env.network.Listen(serverAddr.String(), testTimeout)
	require.NoError(t, err)

	env.srv = New(directory.New(env.backend), store.New(env.backend), &ServerConfig{
		Timeout:     testTimeout,
		BackoffUnit: time.Millisecond,
		BackoffCap:  4 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		done <- env.srv.Serve(ctx, conn)
	}()
	t.Cleanup(func() {
		cancel()
		assert.NoError(t, <-done)
		conn.Close()
	})
	return env
}

func (env *testEnv) filter(from, to net.Addr, payload []byte) bool {
	env.mu.Lock()
	defer env.mu.Unlock()
	record := from.String() + ">" + to.String() + ":" + string(payload)
	env.sent = append(env.sent, record)
	if env.drop != nil && env.drop(from.String(), to.String(), string(payload)) {
		return false
	}
	return true
}

func (env *testEnv) setDrop(drop func(from, to, payload string) bool) {
	env.mu.Lock()
	defer env.mu.Unlock()
	env.drop = drop
}

// count reports how many datagrams from -> to carried payload.
func (env *testEnv) count(from, to, payload string) int {
	env.mu.Lock()
	defer env.mu.Unlock()
	want := from + ">" + to + ":" + payload
	n := 0
	for _, s := range env.sent {
		if s == want {
			n++
		}
	}
	return n
}

func (env *testEnv) messenger(addr string) (*reliable.Messenger, *transport.MemoryConn) {
	env.t.Helper()
	conn, err := env.network.Listen(addr, testTimeout)
	require.NoError(env.t, err)
	env.t.Cleanup(func() { conn.Close() })

	m, err := reliable.New(conn,
		reliable.WithTimeout(testTimeout),
		reliable.WithBackoff(time.Millisecond, 4*time.Millisecond),
	)
	require.NoError(env.t, err)
	return m, conn
}

func (env *testEnv) client(addr string) *client.Client {
	m, _ := env.messenger(addr)
	return client.New(m, serverAddr)
}

// exchange sends one raw command and returns the raw reply.
func exchange(t *testing.T, m *reliable.Messenger, payload string) string {
	t.Helper()
	reply, err := m.Exchange(context.Background(), payload, serverAddr)
	require.NoError(t, err)
	return reply.Payload
}

func TestConnect(t *testing.T) {
	env := setupTestServer(t)
	alice, _ := env.messenger("alice")

	assert.Equal(t, "CONNECT|alice|Alice|True", exchange(t, alice, "CONNECT|alice|Alice"))

	users, err := env.backend.LoadUsers()
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "alice", users[0].Username)
	assert.Equal(t, "alice", users[0].Address)
	assert.True(t, users[0].Online)
}

func TestConnectTwiceKeepsOneRecord(t *testing.T) {
	env := setupTestServer(t)
	alice, _ := env.messenger("alice")
	laptop, _ := env.messenger("alice-laptop")

	exchange(t, alice, "CONNECT|alice|Alice")
	assert.Equal(t, "CONNECT|alice|Ali|True", exchange(t, laptop, "CONNECT|alice|Ali"))

	users, err := env.backend.LoadUsers()
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "Alice", users[0].FirstName)
	assert.Equal(t, "alice-laptop", users[0].Address)
}

func TestList(t *testing.T) {
	env := setupTestServer(t)
	alice, _ := env.messenger("alice")
	bob, _ := env.messenger("bob")

	assert.Equal(t, "LIST|"+protocol.NoOtherUsers, exchange(t, alice, "LIST|alice"))

	exchange(t, alice, "CONNECT|alice|Alice")
	exchange(t, bob, "CONNECT|bob|Bob")

	reply := exchange(t, bob, "LIST|bob")
	assert.Equal(t, "LIST|alice-Online-True", reply)
	assert.NotContains(t, reply, "bob-")
}

func TestListExcludesRequesterOnNewAddress(t *testing.T) {
	env := setupTestServer(t)
	alice, _ := env.messenger("alice")
	phone, _ := env.messenger("alice-phone")
	bob, _ := env.messenger("bob")

	exchange(t, alice, "CONNECT|alice|Alice")
	exchange(t, bob, "CONNECT|bob|Bob")

	// alice's record still points at her first address
	assert.Equal(t, "LIST|bob-Online-True", exchange(t, phone, "LIST|alice"))
	assert.Equal(t, "LIST|alice-Online-True", exchange(t, bob, "LIST|bob"))

	// an unknown name binds no session, so only the address rule applies
	assert.Equal(t, "LIST|alice-Online-True|bob-Online-True", exchange(t, phone, "LIST|mallory"))
}

func TestSendAndRetrieve(t *testing.T) {
	env := setupTestServer(t)
	alice, _ := env.messenger("alice")
	bob, _ := env.messenger("bob")

	assert.Equal(t, "SUCCESS|Message sent", exchange(t, alice, "SEND|alice|bob|Hello"))
	assert.Equal(t, "RETRIEVE|bob|alice|1|Hello", exchange(t, bob, "RETRIEVE|alice|bob"))
	assert.Equal(t, "RETRIEVE|bob|alice|0|", exchange(t, bob, "RETRIEVE|alice|bob"))

	messages, err := env.backend.LoadMessages()
	require.NoError(t, err)
	require.Len(t, messages, 1)
	assert.True(t, messages[0].Retrieved)
}

func TestRetrieveKeepsOrder(t *testing.T) {
	env := setupTestServer(t)
	alice, _ := env.messenger("alice")
	bob, _ := env.messenger("bob")

	for _, content := range []string{"one", "two", "three"} {
		exchange(t, alice, "SEND|alice|bob|"+content)
	}
	assert.Equal(t, "RETRIEVE|bob|alice|3|one|two|three", exchange(t, bob, "RETRIEVE|alice|bob"))
}

func TestLostAckDoesNotDuplicateMessage(t *testing.T) {
	env := setupTestServer(t)
	alice, _ := env.messenger("alice")
	bob, _ := env.messenger("bob")

	var once sync.Once
	env.setDrop(func(from, to, payload string) bool {
		dropped := false
		if from == "server" && to == "alice" && payload == protocol.TypeAck {
			once.Do(func() { dropped = true })
		}
		return dropped
	})

	assert.Equal(t, "SUCCESS|Message sent", exchange(t, alice, "SEND|alice|bob|Hello"))
	assert.Equal(t, 1, env.count("alice", "server", "SEND|alice|bob|Hello"))
	env.setDrop(nil)

	assert.Equal(t, "RETRIEVE|bob|alice|1|Hello", exchange(t, bob, "RETRIEVE|alice|bob"))
}

func TestDuplicateAcksAreNotDispatched(t *testing.T) {
	env := setupTestServer(t)
	env.network.SetDuplicator(func(_, _ net.Addr, payload []byte) bool {
		return protocol.IsAck(string(payload))
	})
	alice, _ := env.messenger("alice")
	bob, _ := env.messenger("bob")

	assert.Equal(t, "CONNECT|alice|Alice|True", exchange(t, alice, "CONNECT|alice|Alice"))
	assert.Equal(t, "SUCCESS|Message sent", exchange(t, alice, "SEND|alice|bob|Hello"))
	assert.Equal(t, "RETRIEVE|bob|alice|1|Hello", exchange(t, bob, "RETRIEVE|alice|bob"))

	assert.Equal(t, 1, env.count("server", "alice", "CONNECT|alice|Alice|True"))
	assert.Equal(t, 1, env.count("server", "alice", "SUCCESS|Message sent"))
	assert.Zero(t, env.count("server", "alice", "ERROR|Unknown command"))
}

func TestDuplicatedReplyIsNotTakenForNextReply(t *testing.T) {
	env := setupTestServer(t)
	env.network.SetDuplicator(func(from, to net.Addr, payload []byte) bool {
		return from.String() == "server" && to.String() == "alice" && !protocol.IsAck(string(payload))
	})
	ctx := context.Background()
	alice := env.client("alice")
	bob := env.client("bob")

	require.NoError(t, bob.Connect(ctx, "bob", "Bob"))
	require.NoError(t, alice.Connect(ctx, "alice", "Alice"))
	require.NoError(t, alice.SendMessage(ctx, "bob", "Hello"))

	users, err := alice.ListUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []protocol.Listing{{Username: "bob", Online: true}}, users)

	messages, err := alice.RetrieveMessages(ctx, "bob")
	require.NoError(t, err)
	assert.Empty(t, messages)

	assert.Equal(t, 1, env.count("alice", "server", "SEND|alice|bob|Hello"))
	assert.Zero(t, env.count("server", "alice", "ERROR|Unknown command"))
}

func TestRetransmittedReplyIsNotTakenForNextReply(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()
	alice := env.client("alice")
	bob := env.client("bob")

	require.NoError(t, bob.Connect(ctx, "bob", "Bob"))
	require.NoError(t, alice.Connect(ctx, "alice", "Alice"))

	// alice's ACK of the SEND reply is lost, so the server sends it again
	var once sync.Once
	env.setDrop(func(from, to, payload string) bool {
		dropped := false
		if from == "alice" && to == "server" && payload == protocol.TypeAck {
			once.Do(func() { dropped = true })
		}
		return dropped
	})
	require.NoError(t, alice.SendMessage(ctx, "bob", "Hello"))
	require.Eventually(t, func() bool {
		return env.count("server", "alice", "SUCCESS|Message sent") >= 2
	}, time.Second, testTimeout/4)

	users, err := alice.ListUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []protocol.Listing{{Username: "bob", Online: true}}, users)
	env.setDrop(nil)

	messages, err := bob.RetrieveMessages(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"Hello"}, messages)
}

func TestUnreachableServerFailsAfterRetries(t *testing.T) {
	env := setupTestServer(t)
	alice, _ := env.messenger("alice")
	env.setDrop(func(from, _, _ string) bool {
		return from == "server"
	})

	_, err := alice.Exchange(context.Background(), "LIST|alice", serverAddr)
	assert.True(t, errors.Is(err, reliable.ErrCommunication))
	assert.Equal(t, reliable.DefaultMaxRetries, env.count("alice", "server", "LIST|alice"))
}

func TestUnknownCommand(t *testing.T) {
	env := setupTestServer(t)
	alice, _ := env.messenger("alice")

	assert.Equal(t, "ERROR|Unknown command", exchange(t, alice, "DANCE|alice"))
	assert.Equal(t, "ERROR|Unknown command", exchange(t, alice, "  "))
}

func TestMalformedCommands(t *testing.T) {
	env := setupTestServer(t)
	alice, _ := env.messenger("alice")

	tests := map[string]string{
		"CONNECT|alice":           "ERROR|Connection failed",
		"CONNECT||Alice":          "ERROR|Connection failed",
		"LIST":                    "ERROR|Failed to retrieve user list",
		"SEND|alice|bob":          "ERROR|Failed to send message",
		"SEND|alice|bob|a|b":      "ERROR|Failed to send message",
		"SEND||bob|hi":            "ERROR|Failed to send message",
		"RETRIEVE|alice":          "ERROR|Failed to retrieve messages",
		"RETRIEVE|alice|bob|more": "ERROR|Failed to retrieve messages",
	}
	for cmd, want := range tests {
		assert.Equal(t, want, exchange(t, alice, cmd), cmd)
	}

	// the loop keeps serving
	assert.Equal(t, "CONNECT|alice|Alice|True", exchange(t, alice, "CONNECT|alice|Alice"))
}

func TestStrayAckIsIgnored(t *testing.T) {
	env := setupTestServer(t)
	alice, conn := env.messenger("alice")

	require.NoError(t, conn.Send([]byte(protocol.TypeAck), serverAddr))
	_, err := conn.Receive(context.Background())
	assert.True(t, transport.IsTimeout(err))

	assert.Equal(t, "CONNECT|alice|Alice|True", exchange(t, alice, "CONNECT|alice|Alice"))
	assert.Zero(t, env.count("server", "alice", "ERROR|Unknown command"))
}

func TestSaveFailureIsNotFatal(t *testing.T) {
	env := setupTestServer(t)
	env.backend.FailSaves(errors.New("disk full"))
	alice, _ := env.messenger("alice")
	bob, _ := env.messenger("bob")

	assert.Equal(t, "CONNECT|alice|Alice|True", exchange(t, alice, "CONNECT|alice|Alice"))
	assert.Equal(t, "SUCCESS|Message sent", exchange(t, alice, "SEND|alice|bob|Hello"))
	assert.Equal(t, "RETRIEVE|bob|alice|1|Hello", exchange(t, bob, "RETRIEVE|alice|bob"))
	assert.Positive(t, env.backend.Saves())
}

func TestClientSession(t *testing.T) {
	env := setupTestServer(t)
	ctx := context.Background()
	alice := env.client("alice")
	bob := env.client("bob")

	require.NoError(t, alice.Connect(ctx, "alice", "Alice"))
	require.NoError(t, bob.Connect(ctx, "bob", "Bob"))

	users, err := alice.ListUsers(ctx)
	require.NoError(t, err)
	assert.Equal(t, []protocol.Listing{{Username: "bob", Online: true}}, users)

	require.NoError(t, alice.SendMessage(ctx, "bob", "Hello"))
	require.NoError(t, alice.SendMessage(ctx, "bob", "how are you"))

	messages, err := bob.RetrieveMessages(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"Hello", "how are you"}, messages)

	messages, err = bob.RetrieveMessages(ctx, "alice")
	require.NoError(t, err)
	assert.Empty(t, messages)

	err = bob.SendMessage(ctx, "alice", "a|b")
	var remote *protocol.RemoteError
	require.True(t, errors.As(err, &remote))
	assert.Equal(t, protocol.ReasonSendFailed, remote.Reason)
}

func TestServeStopsOnCancel(t *testing.T) {
	network := transport.NewMemoryNetwork()
	conn, err := network.Listen("server", testTimeout)
	require.NoError(t, err)
	defer conn.Close()

	backend := db.NewMemory()
	srv := New(directory.New(backend), store.New(backend), &ServerConfig{Timeout: testTimeout})

	ctx, cancel := context.WithTimeout(context.Background(), 3*testTimeout)
	defer cancel()
	require.NoError(t, srv.Serve(ctx, conn))
	assert.True(t, strings.HasPrefix(srv.GetStats(), "connections=0,"))
}

func TestServeClosedConn(t *testing.T) {
	network := transport.NewMemoryNetwork()
	conn, err := network.Listen("server", testTimeout)
	require.NoError(t, err)
	require.NoError(t, conn.Close())

	backend := db.NewMemory()
	srv := New(directory.New(backend), store.New(backend), &ServerConfig{})
	err = srv.Serve(context.Background(), conn)
	assert.True(t, errors.Is(err, transport.ErrClosed))
}

func TestStartFailsOnBusyPort(t *testing.T) {
	busy, err := transport.ListenUDP("127.0.0.1:0", testTimeout, DefaultBufferSize)
	require.NoError(t, err)
	defer busy.Close()
	port := busy.LocalAddr().(*net.UDPAddr).Port

	backend := db.NewMemory()
	srv := New(directory.New(backend), store.New(backend), &ServerConfig{Host: "127.0.0.1", Port: port})
	assert.Error(t, srv.Start(context.Background()))
}

func TestDispatchBindsSessions(t *testing.T) {
	backend := db.NewMemory()
	srv := New(directory.New(backend), store.New(backend), &ServerConfig{})
	alice := transport.MemoryAddr("alice")

	assert.Equal(t, "CONNECT|alice|Alice|True", srv.Dispatch("CONNECT|alice|Alice", alice))
	addr, ok := srv.SessionAddr("alice")
	require.True(t, ok)
	assert.Equal(t, "alice", addr)

	// unknown senders get no session
	srv.Dispatch("SEND|mallory|alice|hi", transport.MemoryAddr("mallory"))
	_, ok = srv.SessionAddr("mallory")
	assert.False(t, ok)

	assert.Equal(t, "connections=1,users=alice,served=0", srv.GetStats())
}
