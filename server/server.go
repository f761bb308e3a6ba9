package server

import (
	"context"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/rs/zerolog"

	"chatcore/room"
	"chatcore/websocket"
)

// Server wraps the HTTP server carrying the WebSocket and job endpoints.
type Server struct {
	httpServer *http.Server
	log        zerolog.Logger
}

func New(addr string, mux http.Handler, log zerolog.Logger) *Server {
	return &Server{
		httpServer: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		log: log,
	}
}

// Start blocks serving requests until Shutdown is called.
func (s *Server) Start() error {
	err := s.httpServer.ListenAndServe()
	if err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server: stop accepting connections, close
// every live session, wait for in-flight publishes, then close the shared
// transports.
func (s *Server) Shutdown(reg *room.Registry, handler *websocket.Handler, closers ...io.Closer) {
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()

	s.log.Info().Msg("shutting down http server")
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		s.log.Warn().Err(err).Msg("http server shutdown error")
	}

	s.log.Info().Msg("closing websocket sessions")
	reg.CloseAll()

	s.log.Info().Msg("waiting for in-flight publishes")
	done := make(chan struct{})
	go func() {
		handler.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.log.Info().Msg("all publishes completed")
	case <-shutdownCtx.Done():
		s.log.Warn().Msg("shutdown timeout exceeded, forcing exit")
	}

	for _, c := range closers {
		if err := c.Close(); err != nil {
			s.log.Warn().Err(err).Msg("closer error during shutdown")
		}
	}

	s.log.Info().Msg("shutdown complete")
}
