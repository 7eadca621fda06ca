package rpc

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	"register/internal/config"
)

const (
	readHeaderTimeout = 10 * time.Second
	shutdownTimeout   = 5 * time.Second
)

// Serve accepts connections on ln until ctx is cancelled, then shuts down
// gracefully. Open streams observe ctx through their request context.
func (s *Server) Serve(ctx context.Context, ln net.Listener, cfg config.Service) error {
	srv := &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}
	errc := make(chan error, 1)
	go func() {
		if cfg.TLS {
			errc <- srv.ServeTLS(ln, cfg.Cert, cfg.Key)
			return
		}
		errc <- srv.Serve(ln)
	}()
	if cfg.TLS {
		s.logger.Info().Str("cert", cfg.Cert).Msg("use tls")
	}
	s.logger.Info().Str("addr", ln.Addr().String()).Msg("listening")

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}
	shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	s.logger.Info().Msg("server stopped")
	return nil
}

// ListenAndServe listens on cfg.Listen and serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context, cfg config.Service) error {
	var lc net.ListenConfig
	ln, err := lc.Listen(ctx, "tcp", cfg.Listen)
	if err != nil {
		return err
	}
	return s.Serve(ctx, ln, cfg)
}
