// Package statusapi is the daemon's local introspection surface: one JSON
// endpoint the status command reads. It is not part of the inter-node wire
// protocol and binds loopback by default.
package statusapi

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"processhub/internal/hub"
)

// shutdownGrace is 2s: the server only answers tiny local reads.
const shutdownGrace = 2 * time.Second

// Handler serves GET /v1/status from the snapshot function.
func Handler(snapshot func() hub.Info) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/status", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if err := json.NewEncoder(w).Encode(snapshot()); err != nil {
			slog.Warn("status encode failed", "err", err)
		}
	})
	return mux
}

// Serve exposes the status handler on addr until ctx ends.
func Serve(ctx context.Context, addr string, snapshot func() hub.Info) error {
	srv := &http.Server{Addr: addr, Handler: Handler(snapshot)}
	errs := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errs <- err
		}
	}()

	select {
	case err := <-errs:
		return fmt.Errorf("status api: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownGrace)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// Fetch reads the daemon's status snapshot.
func Fetch(ctx context.Context, addr string) (hub.Info, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, "http://"+addr+"/v1/status", nil)
	if err != nil {
		return hub.Info{}, err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return hub.Info{}, fmt.Errorf("fetch status: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return hub.Info{}, fmt.Errorf("status api returned %s", resp.Status)
	}

	var info hub.Info
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return hub.Info{}, fmt.Errorf("decode status: %w", err)
	}
	return info, nil
}
