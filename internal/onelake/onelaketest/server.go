// Package onelaketest provides an in-memory DFS endpoint for tests. It speaks
// the create, append, flush and HEAD subset the uploader uses and supports
// fault injection per request.
package onelaketest

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/goccy/go-json"
)

// Op names a protocol step.
type Op string

const (
	OpCreate Op = "create"
	OpHead   Op = "head"
	OpAppend Op = "append"
	OpFlush  Op = "flush"
)

// Request describes an incoming call handed to a FaultFunc.
type Request struct {
	Op    Op
	Key   string
	Token string
	Call  int // 1-based count of this op on this key, including this one
}

// Fault is an injected response. A zero Status with a Delay only slows the
// request down.
type Fault struct {
	Status int
	Code   string
	Delay  time.Duration
	Header map[string]string
}

// FaultFunc decides whether a request fails. Returning nil lets it through.
type FaultFunc func(r Request) *Fault

type file struct {
	data      []byte // appended, not yet flushed
	committed []byte
}

// Server is a fake store container rooted at Root.
type Server struct {
	*httptest.Server

	Root string // e.g. "/ws/lakehouse/Files"

	mu      sync.Mutex
	files   map[string]*file
	calls   map[string]int
	ops     map[Op]int
	tokens  map[string]bool
	fault   FaultFunc
	headers []http.Header
}

// NewServer starts a server accepting any bearer token.
func NewServer(root string) *Server {
	s := &Server{
		Root:  "/" + strings.Trim(root, "/"),
		files: make(map[string]*file),
		calls: make(map[string]int),
		ops:   make(map[Op]int),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// AcceptTokens limits valid bearer tokens to the given set.
func (s *Server) AcceptTokens(tokens ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tokens = make(map[string]bool, len(tokens))
	for _, t := range tokens {
		s.tokens[t] = true
	}
}

// SetFault installs a fault injector.
func (s *Server) SetFault(fn FaultFunc) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.fault = fn
}

// Put stores a committed file as if uploaded earlier.
func (s *Server) Put(key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.files[key] = &file{data: append([]byte{}, data...), committed: append([]byte{}, data...)}
}

// File returns the committed content of key.
func (s *Server) File(key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.files[key]
	if !ok || f.committed == nil {
		return nil, false
	}
	return append([]byte(nil), f.committed...), true
}

// Len returns the number of resources, committed or not.
func (s *Server) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.files)
}

// Calls returns how many times op was requested for key.
func (s *Server) Calls(op Op, key string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[string(op)+" "+key]
}

// Ops returns how many times op was requested over all keys.
func (s *Server) Ops(op Op) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ops[op]
}

// Headers returns the headers of every request seen so far.
func (s *Server) Headers() []http.Header {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]http.Header(nil), s.headers...)
}

func (s *Server) handle(w http.ResponseWriter, r *http.Request) {
	key, ok := strings.CutPrefix(r.URL.Path, s.Root+"/")
	if !ok || key == "" {
		writeError(w, http.StatusNotFound, "PathNotFound", "outside container")
		return
	}

	op, ok := opOf(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "InvalidQueryParameterValue", "unsupported operation")
		return
	}

	token := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")

	s.mu.Lock()
	s.headers = append(s.headers, r.Header.Clone())
	s.ops[op]++
	callKey := string(op) + " " + key
	s.calls[callKey]++
	request := Request{Op: op, Key: key, Token: token, Call: s.calls[callKey]}
	fault := s.fault
	tokens := s.tokens
	s.mu.Unlock()

	if token == "" || (tokens != nil && !tokens[token]) {
		writeError(w, http.StatusUnauthorized, "InvalidAuthenticationInfo", "token rejected")
		return
	}

	if fault != nil {
		if f := fault(request); f != nil {
			if f.Delay > 0 {
				select {
				case <-time.After(f.Delay):
				case <-r.Context().Done():
					return
				}
			}
			if f.Status != 0 {
				for k, v := range f.Header {
					w.Header().Set(k, v)
				}
				writeError(w, f.Status, f.Code, "injected fault")
				return
			}
		}
	}

	switch op {
	case OpCreate:
		s.create(w, r, key)
	case OpHead:
		s.head(w, key)
	case OpAppend:
		s.append(w, r, key)
	case OpFlush:
		s.flush(w, r, key)
	}
}

func opOf(r *http.Request) (Op, bool) {
	q := r.URL.Query()
	switch {
	case r.Method == http.MethodPut && q.Get("resource") == "file":
		return OpCreate, true
	case r.Method == http.MethodHead:
		return OpHead, true
	case r.Method == http.MethodPatch && q.Get("action") == "append":
		return OpAppend, true
	case r.Method == http.MethodPatch && q.Get("action") == "flush":
		return OpFlush, true
	}
	return "", false
}

func (s *Server) create(w http.ResponseWriter, r *http.Request, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.files[key]; exists && r.Header.Get("If-None-Match") == "*" {
		writeError(w, http.StatusConflict, "PathAlreadyExists", "The specified path already exists.")
		return
	}
	s.files[key] = &file{}
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) head(w http.ResponseWriter, key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[key]
	if !ok {
		w.WriteHeader(http.StatusNotFound)
		return
	}
	w.Header().Set("Content-Length", strconv.Itoa(len(f.committed)))
	w.WriteHeader(http.StatusOK)
}

func (s *Server) append(w http.ResponseWriter, r *http.Request, key string) {
	position, err := strconv.ParseInt(r.URL.Query().Get("position"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidQueryParameterValue", "bad position")
		return
	}
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return
	}
	if int64(len(body)) != r.ContentLength {
		writeError(w, http.StatusBadRequest, "InvalidHeaderValue", "content length mismatch")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[key]
	if !ok {
		writeError(w, http.StatusNotFound, "PathNotFound", "create the path first")
		return
	}
	if position != int64(len(f.data)) {
		writeError(w, http.StatusBadRequest, "InvalidFlushPosition", fmt.Sprintf("expected position %d", len(f.data)))
		return
	}
	f.data = append(f.data, body...)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) flush(w http.ResponseWriter, r *http.Request, key string) {
	position, err := strconv.ParseInt(r.URL.Query().Get("position"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, "InvalidQueryParameterValue", "bad position")
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	f, ok := s.files[key]
	if !ok {
		writeError(w, http.StatusNotFound, "PathNotFound", "create the path first")
		return
	}
	if position != int64(len(f.data)) {
		writeError(w, http.StatusBadRequest, "InvalidFlushPosition", fmt.Sprintf("expected position %d", len(f.data)))
		return
	}
	f.committed = append([]byte{}, f.data...)
	w.WriteHeader(http.StatusOK)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	if code != "" {
		w.Header().Set("x-ms-error-code", code)
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	body := map[string]map[string]string{"error": {"code": code, "message": message}}
	_ = json.NewEncoder(w).Encode(body)
}
