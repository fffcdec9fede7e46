package discovery

import (
	"net/http"
	"sync"

	"github.com/emersion/go-webdav"
)

// StatusRecorder wraps an HTTP client and remembers the last error status
// the server returned. go-webdav errors do not expose it, and the error
// taxonomy needs it to tell a rejected login from a missing service.
type StatusRecorder struct {
	next webdav.HTTPClient

	mu     sync.Mutex
	status int
}

var _ webdav.HTTPClient = (*StatusRecorder)(nil)

// NewStatusRecorder wraps next.
func NewStatusRecorder(next webdav.HTTPClient) *StatusRecorder {
	return &StatusRecorder{next: next}
}

func (r *StatusRecorder) Do(req *http.Request) (*http.Response, error) {
	resp, err := r.next.Do(req)
	if err == nil && resp.StatusCode >= http.StatusBadRequest {
		r.mu.Lock()
		r.status = resp.StatusCode
		r.mu.Unlock()
	}
	return resp, err
}

// Last returns the recorded status, or 0 if no request failed.
func (r *StatusRecorder) Last() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.status
}

// Take returns and clears the recorded status.
func (r *StatusRecorder) Take() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	s := r.status
	r.status = 0
	return s
}
