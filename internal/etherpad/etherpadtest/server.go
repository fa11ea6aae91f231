// Package etherpadtest runs an in-memory Etherpad Lite API for tests.
package etherpadtest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
)

const APIKey = "test-key"

type Server struct {
	*httptest.Server

	mu    sync.Mutex
	pads  map[string]string
	calls map[string]int
	fail  map[string]bool
}

func NewServer() *Server {
	s := &Server{
		pads:  make(map[string]string),
		calls: make(map[string]int),
		fail:  make(map[string]bool),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// SetPad creates or overwrites a pad directly.
func (s *Server) SetPad(id, text string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pads[id] = text
}

func (s *Server) Pad(id string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	text, ok := s.pads[id]
	return text, ok
}

func (s *Server) Calls(method string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[method]
}

// Fail makes method answer with a server error.
func (s *Server) Fail(method string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fail[method] = true
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(parts) != 3 || parts[0] != "api" {
		http.NotFound(w, r)
		return
	}
	method := parts[2]
	if err := r.ParseForm(); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[method]++

	if s.fail[method] {
		http.Error(w, "internal error", http.StatusInternalServerError)
		return
	}
	if r.Form.Get("apikey") != APIKey {
		reply(w, 4, "no or wrong API Key", nil)
		return
	}

	padID := r.Form.Get("padID")
	text, exists := s.pads[padID]
	switch method {
	case "checkToken":
		reply(w, 0, "ok", nil)
	case "getLastEdited":
		if !exists {
			reply(w, 1, "padID does not exist", nil)
			return
		}
		reply(w, 0, "ok", map[string]any{"lastEdited": 1700000000000})
	case "createPad":
		if exists {
			reply(w, 1, "padID does already exist", nil)
			return
		}
		s.pads[padID] = ""
		reply(w, 0, "ok", nil)
	case "setText":
		if !exists {
			reply(w, 1, "padID does not exist", nil)
			return
		}
		s.pads[padID] = r.Form.Get("text")
		reply(w, 0, "ok", nil)
	case "getText":
		if !exists {
			reply(w, 1, "padID does not exist", nil)
			return
		}
		reply(w, 0, "ok", map[string]any{"text": text})
	default:
		reply(w, 3, "no such function", nil)
	}
}

func reply(w http.ResponseWriter, code int, message string, data any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"code": code, "message": message, "data": data})
}
