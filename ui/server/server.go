// Copyright 2016-present Oliver Eilhard. All rights reserved.
// Use of this source code is governed by a MIT-license.
// See http://olivere.mit-license.org/license.txt for details.

package server

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/olivere/cabbage"
)

// Server is a simple web server to watch a manager. Events are streamed
// to browsers as Server-Sent Events.
type Server struct {
	logger log.Logger
	m      *cabbage.Manager
	public string
}

// New initializes a new Server. Static files are served from the
// public directory, if not empty.
func New(logger log.Logger, m *cabbage.Manager, public string) *Server {
	return &Server{
		logger: logger,
		m:      m,
		public: public,
	}
}

// Handler returns the routes of the server.
//
//	GET /stats           statistics of the manager
//	GET /events          stream of watch events
//	GET /results/{id}    stored record of an invocation
//	GET /dead?queue=q    messages in the dead queue
//	POST /revoke/{id}    revoke an invocation
func (srv *Server) Handler() http.Handler {
	r := http.NewServeMux()
	r.HandleFunc("/stats", srv.stats)
	r.HandleFunc("/events", srv.events)
	r.HandleFunc("/results/", srv.result)
	r.HandleFunc("/dead", srv.dead)
	r.HandleFunc("/revoke/", srv.revoke)
	if srv.public != "" {
		r.Handle("/", http.FileServer(http.Dir(srv.public)))
	}
	return r
}

// Serve initializes the mux and starts the web server at the given address.
func (srv *Server) Serve(addr string) error {
	return http.ListenAndServe(addr, srv.Handler())
}

func (srv *Server) stats(w http.ResponseWriter, r *http.Request) {
	st, err := srv.m.Stats()
	if err != nil {
		srv.fail(w, http.StatusServiceUnavailable, err)
		return
	}
	srv.json(w, http.StatusOK, st)
}

func (srv *Server) result(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimPrefix(r.URL.Path, "/results/")
	if id == "" {
		srv.fail(w, http.StatusBadRequest, fmt.Errorf("missing id"))
		return
	}
	rec, err := srv.m.AsyncResult(id).Record(r.Context())
	if err == cabbage.ErrResultNotFound {
		srv.fail(w, http.StatusNotFound, err)
		return
	}
	if err != nil {
		srv.fail(w, http.StatusServiceUnavailable, err)
		return
	}
	srv.json(w, http.StatusOK, rec)
}

func (srv *Server) dead(w http.ResponseWriter, r *http.Request) {
	queue := r.URL.Query().Get("queue")
	if queue == "" {
		queue = cabbage.DefaultQueue
	}
	msgs, err := srv.m.Broker().DeadLetters(r.Context(), queue)
	if err != nil {
		srv.fail(w, http.StatusServiceUnavailable, err)
		return
	}
	type deadLetter struct {
		ID     string `json:"id"`
		Reason string `json:"reason"`
		Size   int    `json:"size"`
	}
	out := make([]deadLetter, 0, len(msgs))
	for _, msg := range msgs {
		out = append(out, deadLetter{ID: msg.ID, Reason: msg.Reason, Size: len(msg.Body)})
	}
	srv.json(w, http.StatusOK, out)
}

func (srv *Server) revoke(w http.ResponseWriter, r *http.Request) {
	if r.Method != "POST" {
		srv.fail(w, http.StatusMethodNotAllowed, fmt.Errorf("method %s not allowed", r.Method))
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/revoke/")
	if id == "" {
		srv.fail(w, http.StatusBadRequest, fmt.Errorf("missing id"))
		return
	}
	if err := srv.m.Revoke(r.Context(), id); err != nil {
		srv.fail(w, http.StatusServiceUnavailable, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) events(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		srv.fail(w, http.StatusInternalServerError, fmt.Errorf("streaming unsupported"))
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	done := make(chan struct{})
	defer close(done)
	events := srv.m.Watch(done)
	for {
		select {
		case e, more := <-events:
			if !more {
				return
			}
			data, err := json.Marshal(e)
			if err != nil {
				level.Warn(srv.logger).Log("msg", "cannot encode event", "err", err)
				continue
			}
			if _, err := fmt.Fprintf(w, "event: %s\ndata: %s\n\n", e.Type, data); err != nil {
				return
			}
			flusher.Flush()
		case <-r.Context().Done():
			return
		}
	}
}

func (srv *Server) json(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		level.Warn(srv.logger).Log("msg", "cannot write response", "err", err)
	}
}

func (srv *Server) fail(w http.ResponseWriter, code int, err error) {
	level.Debug(srv.logger).Log("msg", "request failed", "code", code, "err", err)
	srv.json(w, code, map[string]string{"error": err.Error()})
}
