package sandbox

import (
	"io"
	"net/http"
	"strings"
	"sync"
)

// InstructionStoreCap bounds the transient instruction map. When full, the
// store evicts by clearing everything: entries are short-lived (one sandbox
// launch) and a full store means missions already drained them.
const InstructionStoreCap = 50

// InstructionStore is the transient keyed map bridging the manager and the
// provider at sandbox launch. The manager writes instructions; containerized
// sandboxes fetch them (and push output back) over the internal HTTP
// side-channel. Single writer per key.
type InstructionStore struct {
	mu           sync.RWMutex
	instructions map[string]string
	outputs      map[string]string
}

// NewInstructionStore creates an empty store.
func NewInstructionStore() *InstructionStore {
	return &InstructionStore{
		instructions: make(map[string]string),
		outputs:      make(map[string]string),
	}
}

// Put stores an instruction under key, evicting all entries first when the
// cap is reached.
func (s *InstructionStore) Put(key, instruction string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.instructions) >= InstructionStoreCap {
		s.instructions = make(map[string]string)
	}
	s.instructions[key] = instruction
}

// Get returns the instruction for key.
func (s *InstructionStore) Get(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.instructions[key]
	return v, ok
}

// Delete removes the instruction and any output for key.
func (s *InstructionStore) Delete(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.instructions, key)
	delete(s.outputs, key)
}

// PutOutput stores sandbox output pushed back through the side-channel.
func (s *InstructionStore) PutOutput(key, output string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.outputs[key] = output
}

// Output returns the pushed-back output for key.
func (s *InstructionStore) Output(key string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.outputs[key]
	return v, ok
}

// Len returns the number of stored instructions.
func (s *InstructionStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.instructions)
}

// Handler serves the container-side instruction-fetch contract:
//
//	GET /api/internal/instructions/<key>  -> instruction body
//	PUT /api/internal/output/<key>        <- sandbox output
func (s *InstructionStore) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/api/internal/instructions/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		key := strings.TrimPrefix(r.URL.Path, "/api/internal/instructions/")
		body, ok := s.Get(key)
		if !ok {
			http.NotFound(w, r)
			return
		}
		w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
		io.WriteString(w, body)
	})
	mux.HandleFunc("/api/internal/output/", func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		key := strings.TrimPrefix(r.URL.Path, "/api/internal/output/")
		body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
		if err != nil {
			http.Error(w, "read body", http.StatusBadRequest)
			return
		}
		s.PutOutput(key, string(body))
		w.WriteHeader(http.StatusNoContent)
	})
	return mux
}
