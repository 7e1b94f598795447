// Package testutil provides an httptest backend that stands in for the
// token, transcription and reasoning endpoints.
package testutil

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// Endpoint paths served by Backend.
const (
	TokenPath      = "/api/get-access-token"
	TranscribePath = "/api/transcribe"
	ReasoningPath  = "/api/ai"
)

// Backend is a scriptable mock of the three HTTP collaborators. Script it
// before the calls it should affect.
type Backend struct {
	Server *httptest.Server

	mu               sync.Mutex
	token            string
	transcript       string
	transcribeStatus int
	reply            string
	relatedQuery     bool
	askStatus        int
	askGate          chan struct{}
	askStarted       chan struct{}

	counts   map[string]int
	messages []string
	uploads  [][]byte
}

// NewBackend starts a backend that answers every call successfully with
// "hello" / "hi there". It is closed with the test.
func NewBackend(t *testing.T) *Backend {
	t.Helper()
	b := &Backend{
		token:            "test-token",
		transcript:       "hello",
		transcribeStatus: http.StatusOK,
		reply:            "hi there",
		askStatus:        http.StatusOK,
		counts:           make(map[string]int),
	}
	b.Server = httptest.NewServer(http.HandlerFunc(b.serve))
	t.Cleanup(b.Server.Close)
	return b
}

// URL returns the absolute URL of path on the backend.
func (b *Backend) URL(path string) string { return b.Server.URL + path }

// SetTranscript scripts the transcription response.
func (b *Backend) SetTranscript(text string, status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.transcript, b.transcribeStatus = text, status
}

// SetReply scripts the reasoning response.
func (b *Backend) SetReply(text string, relatedQuery bool, status int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.reply, b.relatedQuery, b.askStatus = text, relatedQuery, status
}

// HoldReasoning makes reasoning calls block until the returned release
// function is called. started receives once per call as it arrives.
func (b *Backend) HoldReasoning() (started <-chan struct{}, release func()) {
	b.mu.Lock()
	defer b.mu.Unlock()
	gate := make(chan struct{})
	b.askGate = gate
	b.askStarted = make(chan struct{}, 16)
	var once sync.Once
	return b.askStarted, func() { once.Do(func() { close(gate) }) }
}

// Calls returns how many requests hit path.
func (b *Backend) Calls(path string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.counts[path]
}

// Messages returns the reasoning messages received, in order.
func (b *Backend) Messages() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]string, len(b.messages))
	copy(out, b.messages)
	return out
}

// Uploads returns the audio files received by the transcription endpoint.
func (b *Backend) Uploads() [][]byte {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([][]byte, len(b.uploads))
	copy(out, b.uploads)
	return out
}

func (b *Backend) serve(w http.ResponseWriter, r *http.Request) {
	b.mu.Lock()
	b.counts[r.URL.Path]++
	b.mu.Unlock()

	if r.Method != http.MethodPost {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}

	switch r.URL.Path {
	case TokenPath:
		b.mu.Lock()
		token := b.token
		b.mu.Unlock()
		fmt.Fprint(w, token)

	case TranscribePath:
		if err := r.ParseMultipartForm(10 << 20); err != nil {
			http.Error(w, "failed to parse multipart form", http.StatusBadRequest)
			return
		}
		file, _, err := r.FormFile("file")
		if err != nil {
			http.Error(w, "file is required", http.StatusBadRequest)
			return
		}
		defer file.Close()
		data, _ := io.ReadAll(file)

		b.mu.Lock()
		b.uploads = append(b.uploads, data)
		text, status := b.transcript, b.transcribeStatus
		b.mu.Unlock()

		if status != http.StatusOK {
			http.Error(w, "Internal Server Error", status)
			return
		}
		fmt.Fprint(w, text)

	case ReasoningPath:
		var req struct {
			Message string `json:"message"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		b.mu.Lock()
		b.messages = append(b.messages, req.Message)
		gate, started := b.askGate, b.askStarted
		b.mu.Unlock()

		if gate != nil {
			started <- struct{}{}
			select {
			case <-gate:
			case <-r.Context().Done():
				return
			}
		}

		b.mu.Lock()
		reply, related, status := b.reply, b.relatedQuery, b.askStatus
		b.mu.Unlock()

		if status != http.StatusOK {
			http.Error(w, "Internal Server Error", status)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"response":     reply,
			"relatedquery": related,
		})

	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

// GenerateTestAudio returns placeholder audio bytes sized like duration of
// 16 kB/s compressed speech.
func GenerateTestAudio(t *testing.T, duration time.Duration) []byte {
	t.Helper()
	n := int(duration.Seconds() * 16000)
	audio := make([]byte, n)
	for i := range audio {
		audio[i] = byte(i % 251)
	}
	return audio
}
