//go:build integration

package integration

import (
	"context"
	"net"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"github.com/stretchr/testify/suite"
	"golang.org/x/sync/errgroup"

	"github.com/rocketbitz/fabric-echo/echo"
	"github.com/rocketbitz/fabric-echo/provider/sockets"
)

// TCPSuite runs both echo modes over real TCP sockets on the local host.
type TCPSuite struct {
	suite.Suite
	node string
}

func (s *TCPSuite) SetupSuite() {
	s.node = firstNonEmpty(os.Getenv("FABRIC_ECHO_E2E_NODE"), "127.0.0.1")
}

func (s *TCPSuite) config() echo.Config {
	return echo.Config{
		Backend: sockets.New(),
		Node:    s.node,
		Service: firstNonEmpty(os.Getenv("FABRIC_ECHO_E2E_SERVICE"), pickServicePort()),
		Timeout: 5 * time.Second,
	}
}

func (s *TCPSuite) TestMsgEndToEnd() {
	cfg := s.config()
	ln, err := echo.Listen(cfg)
	if err != nil {
		s.T().Skipf("MSG listener unavailable: %v", err)
	}
	s.T().Cleanup(func() { _ = ln.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		srv, err := ln.Accept(gctx)
		if err != nil {
			return err
		}
		defer srv.Close()
		msg, err := srv.Receive(gctx)
		if err != nil {
			return err
		}
		return srv.Send(gctx, append([]byte("ack:"), msg...))
	})

	conn, err := echo.Dial(ctx, cfg)
	require.NoError(s.T(), err)
	defer conn.Close()
	require.NoError(s.T(), conn.Send(ctx, []byte(echo.DefaultMessage)))
	reply, err := conn.Receive(ctx)
	require.NoError(s.T(), err)
	require.Equal(s.T(), "ack:"+echo.DefaultMessage, string(reply))
	require.NoError(s.T(), g.Wait())
}

func (s *TCPSuite) TestRMAEndToEnd() {
	cfg := s.config()
	server, err := echo.ListenPeer(cfg)
	if err != nil {
		s.T().Skipf("RDM peer unavailable: %v", err)
	}
	s.T().Cleanup(func() { _ = server.Close() })
	client, err := echo.DialPeer(cfg)
	require.NoError(s.T(), err)
	s.T().Cleanup(func() { _ = client.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var served *echo.Exchange
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		served, err = server.Serve(gctx)
		return err
	})

	reply, err := client.Ping(ctx, []byte(echo.DefaultPing))
	require.NoError(s.T(), err)
	require.NoError(s.T(), g.Wait())
	require.Equal(s.T(), echo.DefaultPing, string(reply.Payload))
	require.Equal(s.T(), echo.DefaultPing, string(served.Payload))
	require.Equal(s.T(), uint64(2), client.Counter())
}

func (s *TCPSuite) TestCommandEndToEnd() {
	if os.Getenv(examplesEnabled) == "" {
		s.T().Skipf("set %s=1 to run the command end to end", examplesEnabled)
	}
	root, err := moduleRoot()
	require.NoError(s.T(), err)
	port := pickServicePort()

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	server := goRun(ctx, root, "./cmd/fabric-echo", "--port", port)
	var serverOut strings.Builder
	server.Stdout = &serverOut
	require.NoError(s.T(), server.Start())

	var clientOut []byte
	require.Eventually(s.T(), func() bool {
		clientOut, err = goRun(ctx, root, "./cmd/fabric-echo", net.JoinHostPort(s.node, port)).CombinedOutput()
		return err == nil
	}, 45*time.Second, 500*time.Millisecond, "client never reached the server")

	require.NoError(s.T(), server.Wait())
	require.Contains(s.T(), string(clientOut), "Received: "+echo.DefaultMessage)
	require.Contains(s.T(), serverOut.String(), "Received: "+echo.DefaultMessage)
}

func TestTCP(t *testing.T) {
	suite.Run(t, new(TCPSuite))
}
