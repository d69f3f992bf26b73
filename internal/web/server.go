package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"

	"kaitag-ally/internal/protocol"
	"kaitag-ally/internal/registry"
)

const maxBodyBytes = 64 << 10

// Deps are the collaborators a Handler serves. Registry is optional: without
// it only the operational /api endpoints are mounted (client agents).
type Deps struct {
	Service  string
	Registry *registry.Registry
	Status   *Status
	Logs     *LogBuffer
	// Heading, when set, exposes the tag heading at /api/heading and as a
	// websocket stream (client agents).
	Heading *HeadingBroadcaster
}

func Handler(d Deps) http.Handler {
	if d.Service == "" {
		d.Service = "ally-server"
	}
	if d.Status == nil {
		d.Status = NewStatus(d.Service)
	}
	mux := http.NewServeMux()
	var routes []string

	if d.Registry != nil {
		api := &clientsAPI{reg: d.Registry, status: d.Status}
		for _, prefix := range []string{"", protocol.AliasPrefix} {
			routes = append(routes, api.mount(mux, prefix)...)
		}
		d.Status.Provide("registry", func() any {
			cfg := d.Registry.Config()
			return map[string]any{
				"clients":     d.Registry.Len(),
				"stale_after": cfg.StaleAfter.String(),
				"sweep_every": cfg.SweepInterval.String(),
			}
		})
	}

	mux.HandleFunc("/api/status", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		writeJSON(w, http.StatusOK, d.Status.Snapshot(time.Now().UTC()))
	})
	routes = append(routes, "/api/status")

	if d.Heading != nil {
		mux.HandleFunc("/api/heading", func(w http.ResponseWriter, r *http.Request) {
			if !allowMethod(w, r, http.MethodGet) {
				return
			}
			last, _ := d.Heading.Last()
			writeJSON(w, http.StatusOK, last)
		})
		mux.HandleFunc("/api/heading/stream", headingStream(d.Heading, d.Status))
		routes = append(routes, "/api/heading", "/api/heading/stream")
	}

	if d.Logs != nil {
		mux.Handle("/api/logs", d.Logs.Handler())
		routes = append(routes, "/api/logs")
	}

	routes = append(routes, "/api/about")
	mux.Handle("/api/about", AboutHandler(d.Service, routes))

	mux.HandleFunc("/{$}", func(w http.ResponseWriter, r *http.Request) {
		if !allowMethod(w, r, http.MethodGet) {
			return
		}
		snap := d.Status.Snapshot(time.Now().UTC())
		w.Header().Set("Content-Type", "text/html; charset=utf-8")
		_, _ = fmt.Fprintf(w, "<!doctype html><html><head><meta charset=\"utf-8\"><title>%s</title></head><body>", snap.Service)
		_, _ = fmt.Fprintf(w, "<h1>%s</h1>", snap.Service)
		_, _ = fmt.Fprintf(w, "<p>See <a href=\"/api/status\">/api/status</a> and <a href=\"/api/about\">/api/about</a>.</p>")
		_, _ = fmt.Fprintf(w, "<pre>uptime_sec=%d\nrequests_total=%d\nstreams_open=%d</pre>", snap.UptimeSec, snap.RequestsTotal, snap.StreamsOpen)
		_, _ = fmt.Fprintf(w, "</body></html>")
	})

	return countRequests(d.Status, mux)
}

type clientsAPI struct {
	reg    *registry.Registry
	status *Status
}

func (a *clientsAPI) mount(mux *http.ServeMux, prefix string) []string {
	var out []string
	handle := func(p string, h http.HandlerFunc) {
		mux.HandleFunc(prefix+p, h)
		out = append(out, prefix+p)
	}
	handle(protocol.PathClients, a.list)
	handle(protocol.PathRegister, a.register)
	handle(protocol.PathStream, a.stream)
	handle(protocol.PathClients+"/{id}", a.unregister)
	handle(protocol.PathClients+"/{id}/state", a.updateState)
	handle(protocol.PathClients+"/{id}/bearing", a.updateBearing)
	return out
}

func (a *clientsAPI) list(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, a.reg.Snapshot())
}

func (a *clientsAPI) register(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	id, states := a.reg.Register()
	writeJSON(w, http.StatusOK, protocol.RegisterResponse{ClientID: id, States: states})
}

func (a *clientsAPI) unregister(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodDelete) {
		return
	}
	// Idempotent: an unknown id is still a success.
	a.reg.Unregister(r.PathValue("id"))
	writeJSON(w, http.StatusOK, protocol.Ack{Status: protocol.StatusSuccess})
}

func (a *clientsAPI) updateState(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var u protocol.StateUpdate
	if err := decodeBody(w, r, &u); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request data: "+err.Error())
		return
	}
	if _, err := a.reg.UpdateState(r.PathValue("id"), u); err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.Ack{Status: protocol.StatusSuccess, States: a.reg.Snapshot()})
}

func (a *clientsAPI) updateBearing(w http.ResponseWriter, r *http.Request) {
	if !allowMethod(w, r, http.MethodPost) {
		return
	}
	var u protocol.BearingUpdate
	if err := decodeBody(w, r, &u); err != nil {
		writeError(w, http.StatusBadRequest, "bearing must be a number")
		return
	}
	if u.Bearing == nil {
		writeError(w, http.StatusBadRequest, "missing bearing")
		return
	}
	if _, err := a.reg.UpdateBearing(r.PathValue("id"), *u.Bearing); err != nil {
		writeRegistryError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, protocol.Ack{Status: protocol.StatusSuccess})
}

func writeRegistryError(w http.ResponseWriter, err error) {
	if errors.Is(err, protocol.ErrUnknownClient) {
		writeError(w, http.StatusNotFound, protocol.MessageClientNotFound)
		return
	}
	writeError(w, http.StatusBadRequest, err.Error())
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		if errors.Is(err, io.EOF) {
			return errors.New("empty body")
		}
		return err
	}
	return nil
}

func allowMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method == method {
		return true
	}
	w.Header().Set("Allow", method)
	http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
	return false
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		http.Error(w, "marshal failed", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_, _ = w.Write(b)
	_, _ = w.Write([]byte("\n"))
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, protocol.Ack{Status: protocol.StatusError, Message: msg})
}

func countRequests(st *Status, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		st.MarkRequest()
		next.ServeHTTP(w, r)
	})
}

// Serve runs h on listenAddr until ctx is cancelled. Cleartext HTTP/2 (h2c)
// is accepted alongside HTTP/1.1.
func Serve(ctx context.Context, listenAddr string, h http.Handler) error {
	if strings.TrimSpace(listenAddr) == "" {
		return fmt.Errorf("web: listen address is empty")
	}
	srv := &http.Server{
		Addr:              listenAddr,
		Handler:           h2c.NewHandler(h, &http2.Server{}),
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20, // 1 MiB
	}

	errCh := make(chan error, 1)
	go func() {
		log.Printf("web listening addr=%s", listenAddr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	}
}
