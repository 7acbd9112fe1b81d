// Package server implements the TCP policy delegation listener
// (spec.md §4.8), grounded on the teacher's endpoint/smtp accept-loop
// shape: one net.Listener per configured address, one goroutine per
// accepted connection, a graceful Close that stops accepting and waits
// for in-flight connections to drain.
package server

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net"
	"runtime"
	"sync"
	"time"

	"github.com/chapps-dev/chapps/framework/log"
	"github.com/chapps-dev/chapps/internal/metrics"
	"github.com/chapps-dev/chapps/internal/protocol"
	"github.com/chapps-dev/chapps/limiters"
)

// Handler is the narrow surface server needs from internal/handler.Handler.
type Handler interface {
	Approve(ctx context.Context, req *protocol.Request) (string, error)
}

// Server listens on one address and dispatches every request on every
// connection to a Handler.
type Server struct {
	addr    string
	handler Handler
	log     log.Logger

	requestBudget time.Duration
	sem           limiters.Semaphore

	mu       sync.Mutex
	listener net.Listener
	wg       sync.WaitGroup
	closing  bool
}

// New builds a Server for addr. workerPoolSize <= 0 defaults to
// max(4, 2*NumCPU) per spec.md §5's scheduling model.
func New(addr string, h Handler, requestBudget time.Duration, workerPoolSize int, logger log.Logger) *Server {
	if workerPoolSize <= 0 {
		workerPoolSize = runtime.NumCPU() * 2
		if workerPoolSize < 4 {
			workerPoolSize = 4
		}
	}
	if requestBudget <= 0 {
		requestBudget = 10 * time.Second
	}
	return &Server{
		addr:          addr,
		handler:       h,
		log:           logger,
		requestBudget: requestBudget,
		sem:           limiters.NewSemaphore(workerPoolSize),
	}
}

// ListenAndServe binds addr and serves connections until Close is
// called or the listener errors.
func (s *Server) ListenAndServe() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("server: listen %s: %w", s.addr, err)
	}
	s.mu.Lock()
	s.listener = ln
	s.mu.Unlock()

	s.log.Printf("listening on %s", s.addr)

	for {
		conn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closing := s.closing
			s.mu.Unlock()
			if closing {
				return nil
			}
			return fmt.Errorf("server: accept: %w", err)
		}
		s.wg.Add(1)
		go s.serveConn(conn)
	}
}

// Close stops accepting new connections and waits for in-flight
// connections to finish, per spec.md §5's resource-scoping requirement
// that every acquired resource is released on every exit path.
func (s *Server) Close() error {
	s.mu.Lock()
	s.closing = true
	ln := s.listener
	s.mu.Unlock()

	var err error
	if ln != nil {
		err = ln.Close()
	}
	s.wg.Wait()
	return err
}

func (s *Server) serveConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	if err := s.sem.TakeContext(context.Background()); err != nil {
		return
	}
	defer s.sem.Release()

	r := bufio.NewReader(conn)
	w := bufio.NewWriter(conn)

	// Requests on one connection are processed strictly in order
	// (spec.md §5's ordering invariant): this loop never dispatches the
	// next request before the previous one's response has been
	// written.
	for {
		req, err := protocol.Parse(r, protocol.MaxRequestSize)
		if err != nil {
			var incomplete *protocol.IncompleteRequestError
			if errors.As(err, &incomplete) && incomplete.BytesRead == 0 {
				// Postfix closed the connection between requests; not
				// an error worth a fallback write or a log line.
				return
			}
			s.log.Error("malformed request", err)
			s.writeFallback(w)
			return
		}

		start := time.Now()
		ctx, cancel := context.WithTimeout(context.Background(), s.requestBudget)
		action, herr := s.handler.Approve(ctx, req)
		cancel()
		metrics.RequestLatency.Observe(time.Since(start).Seconds())

		if herr != nil {
			s.log.Error("policy handler failed", herr, "instance", req.Instance)
			action = protocol.Dunno()
		}

		if _, err := fmt.Fprintf(w, "action=%s\n\n", action); err != nil {
			return
		}
		if err := w.Flush(); err != nil {
			return
		}
	}
}

func (s *Server) writeFallback(w *bufio.Writer) {
	fmt.Fprintf(w, "action=%s\n\n", protocol.Dunno())
	w.Flush()
}
