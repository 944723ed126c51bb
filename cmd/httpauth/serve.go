package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

const (
	defaultListenAddr = ":8080"
	readHeaderTimeout = 10 * time.Second
	authRealm         = "httpauth"
)

func newServeCommand() *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve a Basic-auth gateway backed by the configured resource",
		Long: "Serve GET /auth, which answers 200 when the request's Basic credentials\n" +
			"authenticate against the configured resource and 401 otherwise.\n" +
			"Prometheus metrics are exposed on /metrics.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return runServe(cmd, listen)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", defaultListenAddr, "Address to listen on")
	return cmd
}

func runServe(cmd *cobra.Command, listen string) (err error) {
	env, err := setup(cmd)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := env.Close(); closeErr != nil && err == nil {
			err = closeErr
		}
	}()

	ln, err := net.Listen("tcp", listen)
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	return serve(cmd.Context(), ln, env)
}

// serve answers on ln until ctx is done, then shuts the server down.
func serve(ctx context.Context, ln net.Listener, env *environment) error {
	srv := &http.Server{
		Handler:           newMux(env),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		env.logger.Info("listening", "addr", ln.Addr().String(), "node", env.node.ID)
		errCh <- srv.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	env.logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

func newMux(env *environment) *http.ServeMux {
	mux := http.NewServeMux()
	mux.Handle("GET /auth", authHandler(env))
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	return mux
}

// authHandler authenticates the request's Basic credentials on the next lane.
func authHandler(env *environment) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok || username == "" {
			challenge(w)
			return
		}

		res, err := env.authenticate(r.Context(), env.lanes.Next(), username, password)
		if err != nil {
			env.logger.Warn("authentication aborted", "user", username, "error", err)
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
			return
		}
		if !res.IsAuthenticated() {
			env.logger.Debug("authentication denied", "user", username)
			challenge(w)
			return
		}

		env.logger.Debug("authentication granted", slog.String("user", res.Identity.Username))
		w.Header().Set("X-Authenticated-User", res.Identity.Username)
		w.WriteHeader(http.StatusOK)
	})
}

func challenge(w http.ResponseWriter) {
	w.Header().Set("WWW-Authenticate", `Basic realm="`+authRealm+`"`)
	http.Error(w, http.StatusText(http.StatusUnauthorized), http.StatusUnauthorized)
}
