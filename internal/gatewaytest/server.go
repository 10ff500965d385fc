// Package gatewaytest provides an in-memory ledger service for tests.
package gatewaytest

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/shopspring/decimal"
)

// Record is one stored JSON object.
type Record = map[string]any

// Server is a fake of the remote ledger service. Collections are created on
// first use and records keep insertion order, newest last.
type Server struct {
	mu       sync.Mutex
	records  map[string][]Record
	nextID   int
	down     bool
	envelope bool
	failures map[string]int
	calls    []string
}

// New creates an empty server.
func New() *Server {
	return &Server{
		records:  map[string][]Record{},
		failures: map[string]int{},
	}
}

// Start serves s on a local listener until the test ends.
func Start(t testing.TB) (*Server, *httptest.Server) {
	t.Helper()
	s := New()
	ts := httptest.NewServer(s.Handler())
	t.Cleanup(ts.Close)
	return s, ts
}

// Handler returns the chi router for s.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.track)

	r.Route("/api/{collection}", func(r chi.Router) {
		r.Get("/", s.list)
		r.Post("/", s.create)
		r.Delete("/{id}", s.remove)
		r.Post("/{id}/{action}", s.action)
	})
	return r
}

// SetDown makes every request fail with 503 while down is true.
func (s *Server) SetDown(down bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.down = down
}

// SetEnvelope wraps every response body as {"data": ...} while on is true.
func (s *Server) SetEnvelope(on bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.envelope = on
}

// FailNext makes the next n requests to collection fail with status 500.
func (s *Server) FailNext(collection string, n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures[collection] = n
}

// Seed stores records as if they had been created remotely. Records without
// an id get one.
func (s *Server) Seed(collection string, records ...Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		clone := cloneRecord(rec)
		if _, ok := clone["id"]; !ok && collection != "invitations" {
			clone["id"] = s.newID()
		}
		s.records[collection] = append(s.records[collection], clone)
	}
}

// Records returns a copy of the stored records of a collection.
func (s *Server) Records(collection string) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, 0, len(s.records[collection]))
	for _, rec := range s.records[collection] {
		out = append(out, cloneRecord(rec))
	}
	return out
}

// Calls returns every request seen so far as "METHOD /path".
func (s *Server) Calls() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.calls...)
}

func (s *Server) track(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls = append(s.calls, r.Method+" "+r.URL.Path)
		down := s.down
		s.mu.Unlock()

		if down {
			writeError(w, http.StatusServiceUnavailable, "service unavailable")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// injectFailure reports whether the request was answered with a scheduled
// failure. The caller must hold s.mu.
func (s *Server) injectFailure(w http.ResponseWriter, collection string) bool {
	if s.failures[collection] <= 0 {
		return false
	}
	s.failures[collection]--
	writeError(w, http.StatusInternalServerError, "scheduled failure")
	return true
}

func (s *Server) list(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.injectFailure(w, collection) {
		return
	}
	out := make([]Record, 0, len(s.records[collection]))
	for _, rec := range s.records[collection] {
		out = append(out, cloneRecord(rec))
	}
	s.writeJSON(w, http.StatusOK, out)
}

func (s *Server) create(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	rec, err := decodeRecord(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.injectFailure(w, collection) {
		return
	}
	if collection == "invitations" {
		if _, ok := rec["token"]; !ok {
			writeError(w, http.StatusBadRequest, "token is required")
			return
		}
	} else {
		rec["id"] = s.newID()
	}
	s.records[collection] = append(s.records[collection], rec)
	s.writeJSON(w, http.StatusCreated, cloneRecord(rec))
}

func (s *Server) remove(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	id := chi.URLParam(r, "id")

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.injectFailure(w, collection) {
		return
	}
	i := s.find(collection, id)
	if i < 0 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	recs := s.records[collection]
	s.records[collection] = append(recs[:i:i], recs[i+1:]...)
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) action(w http.ResponseWriter, r *http.Request) {
	collection := chi.URLParam(r, "collection")
	id := chi.URLParam(r, "id")
	name := chi.URLParam(r, "action")
	payload, err := decodeRecord(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.injectFailure(w, collection) {
		return
	}
	i := s.find(collection, id)
	if i < 0 {
		writeError(w, http.StatusNotFound, "not found")
		return
	}
	rec := s.records[collection][i]
	if err := applyAction(rec, name, payload); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	s.writeJSON(w, http.StatusOK, cloneRecord(rec))
}

func (s *Server) find(collection, id string) int {
	for i, rec := range s.records[collection] {
		if rec["id"] == id || rec["token"] == id {
			return i
		}
	}
	return -1
}

// newID returns the next server identity. The caller must hold s.mu.
func (s *Server) newID() string {
	s.nextID++
	return "srv-" + strconv.Itoa(s.nextID)
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	if s.envelope {
		payload = map[string]any{"data": payload}
	}
	writeJSON(w, status, payload)
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]any{"error": message})
}

func decodeRecord(r *http.Request) (Record, error) {
	rec := Record{}
	var buf bytes.Buffer
	if _, err := buf.ReadFrom(r.Body); err != nil {
		return nil, err
	}
	if buf.Len() == 0 {
		return rec, nil
	}
	dec := json.NewDecoder(&buf)
	dec.UseNumber()
	if err := dec.Decode(&rec); err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	return rec, nil
}

func cloneRecord(rec Record) Record {
	data, _ := json.Marshal(rec)
	out := Record{}
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()
	_ = dec.Decode(&out)
	return out
}

func addDecimal(rec Record, field string, delta any) error {
	d, err := toDecimal(delta)
	if err != nil {
		return fmt.Errorf("%s: %w", field, err)
	}
	cur, err := toDecimal(rec[field])
	if err != nil {
		cur = decimal.Zero
	}
	rec[field] = cur.Add(d).String()
	return nil
}

func toDecimal(v any) (decimal.Decimal, error) {
	switch x := v.(type) {
	case nil:
		return decimal.Zero, nil
	case string:
		return decimal.NewFromString(x)
	case json.Number:
		return decimal.NewFromString(x.String())
	case float64:
		return decimal.NewFromFloat(x), nil
	default:
		return decimal.Zero, fmt.Errorf("not a number: %v", v)
	}
}
