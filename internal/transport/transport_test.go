package transport

import (
	"context"
	"encoding/binary"
	"errors"
	"io"
	"net"
	"path/filepath"
	"testing"
	"time"

	"github.com/faize-ai/world/internal/config"
	"github.com/faize-ai/world/internal/errs"
	"github.com/faize-ai/world/internal/protocol"
	"github.com/sirupsen/logrus"
	"github.com/sirupsen/logrus/hooks/test"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testCaps = protocol.Capabilities{
	ProtocolVersion: protocol.Version,
	AgentVersion:    "test",
	Features:        []string{protocol.FeatureExecute},
	Backend:         "test",
	Platform:        "linux",
}

// serveEcho answers the capabilities handshake and then echoes every
// frame back until the peer hangs up.
func serveEcho(t *testing.T, ln net.Listener) {
	t.Helper()
	go func() {
		for {
			conn, err := ln.Accept()
			if err != nil {
				return
			}
			go func(conn net.Conn) {
				defer conn.Close()
				f, err := protocol.ReadFrame(conn)
				if err != nil || f.Type != protocol.TypeCapabilitiesRequest {
					return
				}
				resp, _ := protocol.Encode(protocol.TypeCapabilitiesResponse, testCaps)
				if protocol.WriteFrame(conn, resp) != nil {
					return
				}
				for {
					f, err := protocol.ReadFrame(conn)
					if err != nil {
						return
					}
					if protocol.WriteFrame(conn, f) != nil {
						return
					}
				}
			}(conn)
		}
	}()
}

func listenUnix(t *testing.T) (string, net.Listener) {
	t.Helper()
	path := filepath.Join(t.TempDir(), "a.sock")
	ln, err := net.Listen("unix", path)
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })
	return path, ln
}

func quietConnector(strategies ...Strategy) *Connector {
	logger, _ := test.NewNullLogger()
	return &Connector{
		Strategies:     strategies,
		AttemptTimeout: time.Second,
		Retry:          Retry{Attempts: 2, Initial: time.Millisecond, Max: 5 * time.Millisecond, Multiplier: 2},
		Client:         "test",
		Logger:         logger,
	}
}

func TestConnectUnixAndRoundTrip(t *testing.T) {
	path, ln := listenUnix(t)
	serveEcho(t, ln)

	sess, err := quietConnector(&Unix{Path: path}).Connect(context.Background())
	require.NoError(t, err)
	defer sess.Close()

	assert.Equal(t, KindUnix, sess.Kind)
	assert.NotEmpty(t, sess.ID)
	assert.NotEmpty(t, sess.ContextID)
	assert.Equal(t, "test", sess.Capabilities.AgentVersion)
	assert.True(t, sess.Capabilities.Has(protocol.FeatureExecute))
	require.Len(t, sess.Attempts, 1)
	assert.Empty(t, sess.Attempts[0].Error)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, sess.SendMessage(ctx, protocol.TypeCancel, protocol.Cancel{ID: "x"}))

	f, err := sess.Recv(ctx)
	require.NoError(t, err)
	var got protocol.Cancel
	require.NoError(t, protocol.Decode(f, protocol.TypeCancel, &got))
	assert.Equal(t, "x", got.ID)
}

func TestConnectFallsBack(t *testing.T) {
	path, ln := listenUnix(t)
	serveEcho(t, ln)
	missing := filepath.Join(t.TempDir(), "missing.sock")

	sess, err := quietConnector(&Unix{Path: missing}, &Unix{Path: path}).Connect(context.Background())
	require.NoError(t, err)
	defer sess.Close()

	require.Len(t, sess.Attempts, 2)
	assert.NotEmpty(t, sess.Attempts[0].Error)
	assert.Equal(t, missing, sess.Attempts[0].Endpoint)
	assert.Empty(t, sess.Attempts[1].Error)
	assert.Equal(t, path, sess.Endpoint)
}

func TestConnectReportsEveryAttempt(t *testing.T) {
	dir := t.TempDir()
	a := &Unix{Path: filepath.Join(dir, "a.sock")}
	b := &TCPBridge{Address: "127.0.0.1:1"}

	_, err := quietConnector(a, b).Connect(context.Background())
	require.Error(t, err)

	assert.True(t, errs.Is(err, errs.ClassTransport))
	assert.Equal(t, errs.KindDependencyUnavailable, errs.KindOf(err))
	assert.Equal(t, 3, errs.ExitCode(err))
	assert.Contains(t, err.Error(), "a.sock")
	assert.Contains(t, err.Error(), "127.0.0.1:1")

	e, ok := errs.As(err)
	require.True(t, ok)
	attempts, ok := e.Detail["attempts"].([]Attempt)
	require.True(t, ok)
	assert.Len(t, attempts, 4)
	assert.Equal(t, 2, attempts[3].Round)
}

func TestConnectNoStrategies(t *testing.T) {
	_, err := quietConnector().Connect(context.Background())
	assert.True(t, errs.Is(err, errs.ClassTransport))
}

func TestHandshakeRejectsVersion(t *testing.T) {
	path, ln := listenUnix(t)
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		protocol.ReadFrame(conn)
		var header [protocol.HeaderLength]byte
		header[0] = byte(protocol.TypeCapabilitiesResponse)
		header[1] = protocol.Version + 1
		binary.BigEndian.PutUint32(header[2:], 0)
		conn.Write(header[:])
		io.Copy(io.Discard, conn)
	}()

	_, err := quietConnector(&Unix{Path: path}).Connect(context.Background())
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ClassProtocol))
	assert.ErrorIs(t, err, protocol.ErrUnsupportedVersion)
}

func TestRecvAfterPeerClose(t *testing.T) {
	client, server := net.Pipe()
	c := NewConn(client)
	defer c.Close()
	server.Close()

	_, err := c.Recv(context.Background())
	require.Error(t, err)
	assert.True(t, errs.Is(err, errs.ClassTransport))
	assert.ErrorIs(t, err, io.EOF)
}

func TestRecvHonorsContext(t *testing.T) {
	client, server := net.Pipe()
	defer server.Close()
	c := NewConn(client)
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err := c.Recv(ctx)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
}

func TestRecvBadFrame(t *testing.T) {
	client, server := net.Pipe()
	c := NewConn(client)
	defer c.Close()

	go func() {
		server.Write([]byte{0xee, protocol.Version, 0, 0, 0, 0})
		server.Close()
	}()

	_, err := c.Recv(context.Background())
	assert.True(t, errs.Is(err, errs.ClassProtocol))
	assert.ErrorIs(t, err, protocol.ErrUnknownType)
}

func TestReconnectKeepsContext(t *testing.T) {
	path, ln := listenUnix(t)
	serveEcho(t, ln)
	c := quietConnector(&Unix{Path: path})

	first, err := c.Connect(context.Background())
	require.NoError(t, err)

	second, err := c.Reconnect(context.Background(), first)
	require.NoError(t, err)
	defer second.Close()

	assert.Equal(t, first.ContextID, second.ContextID)
	assert.NotEqual(t, first.ID, second.ID)
	<-first.Done()
}

func TestSSHForwardArgs(t *testing.T) {
	s := &SSHForward{
		Host:         "world-vm",
		ConfigFile:   "/tmp/ssh_config",
		RemoteSocket: "/run/world/agent.sock",
		LocalSocket:  "/tmp/fwd.sock",
	}
	args := s.Args()
	assert.Equal(t, []string{"-F", "/tmp/ssh_config"}, args[:2])
	assert.Contains(t, args, "ControlMaster=no")
	assert.Contains(t, args, "ControlPath=none")
	assert.Contains(t, args, "ExitOnForwardFailure=yes")
	assert.Contains(t, args, "StreamLocalBindUnlink=yes")
	assert.Contains(t, args, "/tmp/fwd.sock:/run/world/agent.sock")
	assert.Equal(t, "world-vm", args[len(args)-1])
}

func TestSSHForwardRequiresHost(t *testing.T) {
	_, err := (&SSHForward{}).Dial(context.Background())
	assert.Error(t, err)
}

func TestTCPBridgeDirect(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	serveEcho(t, ln)

	sess, err := quietConnector(&TCPBridge{Address: ln.Addr().String()}).Connect(context.Background())
	require.NoError(t, err)
	defer sess.Close()
	assert.Equal(t, KindTCPBridge, sess.Kind)
}

func TestFromConfig(t *testing.T) {
	cfg := config.Transport{
		Strategies: []string{config.StrategyUnix, config.StrategySSH, config.StrategyTCPBridge},
		Socket:     "/run/world/agent.sock",
		SSH:        config.SSH{Host: "vm", RemoteSocket: "/run/world/agent.sock", LocalSocket: "/tmp/f.sock"},
		TCP:        config.TCP{Address: "127.0.0.1:17788"},
	}
	got := FromConfig(cfg)
	require.Len(t, got, 3)
	assert.Equal(t, KindUnix, got[0].Kind())
	assert.Equal(t, KindSSH, got[1].Kind())
	bridge := got[2].(*TCPBridge)
	assert.Equal(t, "ssh", bridge.Relay[0])
	assert.Contains(t, bridge.Relay, "127.0.0.1:17788:/run/world/agent.sock")

	cfg.SSH.Host = ""
	got = FromConfig(cfg)
	require.Len(t, got, 2)
	assert.Empty(t, got[1].(*TCPBridge).Relay)
}

func TestConnectLogsAttempts(t *testing.T) {
	logger, hook := test.NewNullLogger()
	logger.SetLevel(logrus.DebugLevel)
	c := quietConnector(&Unix{Path: filepath.Join(t.TempDir(), "x.sock")})
	c.Retry.Attempts = 1
	c.Logger = logger

	_, err := c.Connect(context.Background())
	require.Error(t, err)
	require.NotEmpty(t, hook.Entries)
	assert.Equal(t, KindUnix, hook.Entries[0].Data["strategy"])
}
