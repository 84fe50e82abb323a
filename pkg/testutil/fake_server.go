package testutil

import (
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"time"
)

// RecordedRequest is a request seen by FakeServer
type RecordedRequest struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
	Body   []byte
}

type jsonRoute struct {
	status int
	body   string
}

// FakeServer is an httptest server speaking the conversation backend
// protocol. Stream paths play queued scripts; other routes answer canned JSON.
type FakeServer struct {
	*httptest.Server

	mu       sync.Mutex
	requests []RecordedRequest
	streams  map[string][]ServerStream
	routes   map[string]jsonRoute
}

// ServerStream is a scripted streaming response
type ServerStream struct {
	// Status other than 0 or 200 answers with ErrorBody instead of a stream
	Status    int
	ErrorBody string

	Frames     []string
	ChunkDelay time.Duration

	// Abort drops the connection after the frames without ending the body
	Abort bool
	// Hold keeps the stream open until the client goes away
	Hold bool
}

func NewFakeServer() *FakeServer {
	s := &FakeServer{
		streams: make(map[string][]ServerStream),
		routes:  make(map[string]jsonRoute),
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.handle))
	return s
}

// EnqueueStream queues a streaming response for POST requests to path
func (s *FakeServer) EnqueueStream(path string, stream ServerStream) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.streams[path] = append(s.streams[path], stream)
}

// Respond answers every method+path request with status and a JSON body
func (s *FakeServer) Respond(method, path string, status int, body string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.routes[method+" "+path] = jsonRoute{status: status, body: body}
}

// Requests returns a copy of every recorded request
func (s *FakeServer) Requests() []RecordedRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]RecordedRequest(nil), s.requests...)
}

// LastRequest returns the most recent request to path
func (s *FakeServer) LastRequest(path string) (RecordedRequest, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i := len(s.requests) - 1; i >= 0; i-- {
		if s.requests[i].Path == path {
			return s.requests[i], true
		}
	}
	return RecordedRequest{}, false
}

func (s *FakeServer) handle(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)

	s.mu.Lock()
	s.requests = append(s.requests, RecordedRequest{
		Method: r.Method,
		Path:   r.URL.Path,
		Query:  r.URL.Query(),
		Header: r.Header.Clone(),
		Body:   body,
	})

	var stream *ServerStream
	if queue := s.streams[r.URL.Path]; r.Method == http.MethodPost && len(queue) > 0 {
		stream = &queue[0]
		s.streams[r.URL.Path] = queue[1:]
	}
	route, hasRoute := s.routes[r.Method+" "+r.URL.Path]
	s.mu.Unlock()

	switch {
	case stream != nil:
		s.serveStream(w, r, *stream)
	case hasRoute:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(route.status)
		fmt.Fprint(w, route.body)
	default:
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusNotFound)
		fmt.Fprint(w, `{"detail":"Not Found"}`)
	}
}

func (s *FakeServer) serveStream(w http.ResponseWriter, r *http.Request, stream ServerStream) {
	if stream.Status != 0 && stream.Status != http.StatusOK {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(stream.Status)
		fmt.Fprint(w, stream.ErrorBody)
		return
	}

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)

	for _, frame := range stream.Frames {
		if stream.ChunkDelay > 0 {
			time.Sleep(stream.ChunkDelay)
		}
		if _, err := io.WriteString(w, frame); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}

	if stream.Abort {
		if hijacker, ok := w.(http.Hijacker); ok {
			if conn, _, err := hijacker.Hijack(); err == nil {
				conn.Close()
			}
		}
		return
	}
	if stream.Hold {
		<-r.Context().Done()
	}
}
