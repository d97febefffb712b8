package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/postalsys/relayfan/internal/config"
	"github.com/postalsys/relayfan/internal/dnsclient"
	"github.com/postalsys/relayfan/internal/logging"
	"github.com/postalsys/relayfan/internal/metrics"
	"github.com/postalsys/relayfan/internal/recovery"
	"github.com/postalsys/relayfan/internal/registry"
	"github.com/postalsys/relayfan/internal/relay"
)

// defaultListenPort is appended to cfg.Bind when it carries no port of
// its own, so a bare interface address like "0.0.0.0" is still usable
// rather than rejected outright.
const defaultListenPort = "1080"

func serveCmd() *cobra.Command {
	var configPath string

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Build the handler tree from config and forward inbound flows",
		RunE: func(cmd *cobra.Command, args []string) error {
			if configPath == "" {
				configPath = os.Getenv("RELAYFAN_CONFIG")
			}
			if configPath == "" {
				return errors.New("--config (or RELAYFAN_CONFIG) is required")
			}

			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}

			logger := logging.NewLogger(cfg.Log.Level, cfg.Log.Format)

			resolver := dnsclient.New(dnsclient.Config{
				Servers: cfg.DNS.Servers,
				Timeout: cfg.DNS.Timeout,
				Logger:  logger,
			})

			m := metrics.Default()

			_, root, err := registry.Build(cfg, resolver, logger, m)
			if err != nil {
				return fmt.Errorf("build handler tree: %w", err)
			}

			addr, err := listenAddr(cfg.Bind)
			if err != nil {
				return fmt.Errorf("bind address: %w", err)
			}

			s := &server{root: root, logger: logger, metrics: m}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()

			var wg sync.WaitGroup
			if tcpHandler, ok := root.(relay.TCPHandler); ok {
				ln, err := net.Listen("tcp", addr)
				if err != nil {
					return fmt.Errorf("listen tcp %s: %w", addr, err)
				}
				defer ln.Close()
				logger.Info("tcp listener started", logging.KeyAddress, addr)
				wg.Add(1)
				go func() {
					defer wg.Done()
					s.serveTCP(ctx, ln, tcpHandler)
				}()
			}

			if udpHandler, ok := root.(relay.UDPHandler); ok {
				conn, err := net.ListenPacket("udp", addr)
				if err != nil {
					return fmt.Errorf("listen udp %s: %w", addr, err)
				}
				defer conn.Close()
				logger.Info("udp listener started", logging.KeyAddress, addr)
				wg.Add(1)
				go func() {
					defer wg.Done()
					s.serveUDP(ctx, conn.(*net.UDPConn), udpHandler)
				}()
			}

			sigCh := make(chan os.Signal, 1)
			signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
			sig := <-sigCh
			logger.Info("shutting down", "signal", sig.String())
			cancel()

			done := make(chan struct{})
			go func() {
				wg.Wait()
				close(done)
			}()
			select {
			case <-done:
			case <-time.After(5 * time.Second):
				logger.Warn("shutdown timed out waiting for listeners to drain")
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&configPath, "config", "c", "", "path to the YAML config file")
	return cmd
}

// listenAddr appends defaultListenPort to bind if it has no port of its
// own, so a bare interface address like "0.0.0.0" is still usable.
func listenAddr(bind string) (string, error) {
	if bind == "" {
		return "", errors.New("bind address is empty")
	}
	if _, _, err := net.SplitHostPort(bind); err == nil {
		return bind, nil
	}
	return net.JoinHostPort(bind, defaultListenPort), nil
}

// server forwards accepted flows to root, the built handler tree's
// entry point.
type server struct {
	root    relay.Handler
	logger  *logging.Logger
	metrics *metrics.Metrics
}

// serveTCP accepts connections until ctx is cancelled, handing each one
// to handle in its own recovered goroutine.
func (s *server) serveTCP(ctx context.Context, ln net.Listener, handler relay.TCPHandler) {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("accept failed", logging.KeyError, err)
			continue
		}
		go func() {
			defer recovery.RecoverWithLog(s.logger, "serve.tcp.flow")
			s.handleTCP(ctx, conn, handler)
		}()
	}
}

// handleTCP builds a Session for one accepted connection, dispatches it
// to handler, and splices the two streams together until either side
// closes.
func (s *server) handleTCP(ctx context.Context, conn net.Conn, handler relay.TCPHandler) {
	defer conn.Close()

	sess := sessionFor(conn.RemoteAddr(), conn.LocalAddr())
	logger := s.logger.With(logging.KeyTraceID, sess.TraceID, logging.KeyDestination, sess.Destination.String())

	stream, err := handler.Handle(ctx, sess, nil)
	if err != nil {
		logger.Warn("dispatch failed", logging.KeyError, err)
		return
	}
	defer stream.Close()

	inbound := relay.NewConnStream(conn)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		io.Copy(stream, inbound)
		stream.CloseWrite()
	}()
	go func() {
		defer wg.Done()
		io.Copy(inbound, stream)
		inbound.CloseWrite()
	}()
	wg.Wait()
}

// udpAssociation tracks one client's live mapping onto an outbound
// datagram association, keyed by the client's source address.
type udpAssociation struct {
	send relay.DatagramSendHalf
}

// serveUDP reads inbound datagrams until ctx is cancelled, opening one
// outbound association per distinct client source address and pumping
// datagrams in both directions.
func (s *server) serveUDP(ctx context.Context, conn *net.UDPConn, handler relay.UDPHandler) {
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	var mu sync.Mutex
	associations := make(map[string]*udpAssociation)

	buf := make([]byte, 65535)
	for {
		n, clientAddr, err := conn.ReadFromUDP(buf)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			s.logger.Error("udp read failed", logging.KeyError, err)
			continue
		}
		payload := append([]byte(nil), buf[:n]...)

		mu.Lock()
		assoc, ok := associations[clientAddr.String()]
		mu.Unlock()
		if !ok {
			sess := sessionFor(clientAddr, conn.LocalAddr())
			datagram, err := handler.Connect(ctx, sess, nil, nil)
			if err != nil {
				s.logger.Warn("udp association failed", logging.KeyError, err, "client", clientAddr.String())
				continue
			}
			recv, send := datagram.Split()
			assoc = &udpAssociation{send: send}

			mu.Lock()
			associations[clientAddr.String()] = assoc
			mu.Unlock()

			go func() {
				defer recovery.RecoverWithLog(s.logger, "serve.udp.association")
				defer datagram.Close()
				defer func() {
					mu.Lock()
					delete(associations, clientAddr.String())
					mu.Unlock()
				}()
				pumpUDPReturn(ctx, conn, clientAddr, recv)
			}()
		}

		if _, err := assoc.send.SendTo(payload, clientAddr); err != nil {
			s.logger.Warn("udp send failed", logging.KeyError, err, "client", clientAddr.String())
		}
	}
}

// pumpUDPReturn copies datagrams from recv back to the original client
// until ctx is cancelled or a read fails.
func pumpUDPReturn(ctx context.Context, conn *net.UDPConn, clientAddr *net.UDPAddr, recv relay.DatagramRecvHalf) {
	buf := make([]byte, 65535)
	for {
		if ctx.Err() != nil {
			return
		}
		n, _, err := recv.RecvFrom(buf)
		if err != nil {
			return
		}
		if _, err := conn.WriteToUDP(buf[:n], clientAddr); err != nil {
			return
		}
	}
}

// sessionFor builds a Session for an inbound flow. Without a real TUN
// stack or NAT manager in front of this listener, the destination a
// handler dials is simply the address the client connected to.
func sessionFor(source net.Addr, local net.Addr) *relay.Session {
	destination := relay.NewIPAddr(net.IPv4zero, 0)
	if tcpAddr, ok := local.(*net.TCPAddr); ok {
		destination = relay.NewIPAddr(tcpAddr.IP, uint16(tcpAddr.Port))
	} else if udpAddr, ok := local.(*net.UDPAddr); ok {
		destination = relay.NewIPAddr(udpAddr.IP, uint16(udpAddr.Port))
	}
	return &relay.Session{
		Source:      source,
		Destination: destination,
		TraceID:     uuid.NewString(),
	}
}
