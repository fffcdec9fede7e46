package discovery

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStatusRecorderKeepsLastErrorStatus(t *testing.T) {
	codes := []int{http.StatusMultiStatus, http.StatusUnauthorized, http.StatusOK}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		code := codes[0]
		codes = codes[1:]
		w.WriteHeader(code)
	}))
	t.Cleanup(srv.Close)

	rec := NewStatusRecorder(srv.Client())
	do := func() {
		req, err := http.NewRequest(http.MethodGet, srv.URL, nil)
		require.NoError(t, err)
		resp, err := rec.Do(req)
		require.NoError(t, err)
		_ = resp.Body.Close()
	}

	do()
	assert.Zero(t, rec.Last(), "success statuses are not recorded")

	do()
	do()
	assert.Equal(t, http.StatusUnauthorized, rec.Last(), "a later success keeps the failure")

	assert.Equal(t, http.StatusUnauthorized, rec.Take())
	assert.Zero(t, rec.Take())
	assert.Zero(t, rec.Last())
}
