package main

import (
	"bytes"
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/g960059/tabtime/internal/api"
	"github.com/g960059/tabtime/internal/appclient"
)

func runCLI(t *testing.T, mux *http.ServeMux, args ...string) (string, error) {
	t.Helper()
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	root := newRootCmd(func(string) *appclient.Client {
		return appclient.NewWithClient(srv.URL, srv.Client())
	})
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetErr(io.Discard)
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestSummaryPrintsTotals(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/summary", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "2026-03-01", r.URL.Query().Get("day"))
		_, _ = io.WriteString(w, `{"schema_version":"v1","day":"2026-03-01","total_seconds":150,"domains":[{"domain":"example.com","seconds":90,"sessions":2},{"domain":"go.dev","seconds":60,"sessions":1}]}`)
	})

	out, err := runCLI(t, mux, "summary", "--day", "2026-03-01")
	require.NoError(t, err)
	require.Contains(t, out, "example.com")
	require.Contains(t, out, "1m30s")
	require.Contains(t, out, "total")
	require.Contains(t, out, "2m30s")
}

func TestSessionsEmptyDay(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sessions", func(w http.ResponseWriter, r *http.Request) {
		assert.Empty(t, r.URL.RawQuery)
		_, _ = io.WriteString(w, `{"schema_version":"v1","day":"2026-03-01","sessions":[]}`)
	})

	out, err := runCLI(t, mux, "sessions")
	require.NoError(t, err)
	require.Equal(t, "no sessions on 2026-03-01\n", out)
}

func TestStatusJSONOutput(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/status", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"schema_version":"v1","state":"grace_paused","grace":[{"domain":"example.com","tab_id":3,"duration_seconds":12,"captured_at":"2026-03-01T10:00:00Z"}],"pending_events":1}`)
	})

	out, err := runCLI(t, mux, "--json", "status")
	require.NoError(t, err)
	var st api.StatusResponse
	require.NoError(t, json.Unmarshal([]byte(out), &st))
	require.Equal(t, "grace_paused", st.State)
	require.Len(t, st.Grace, 1)

	out, err = runCLI(t, mux, "status")
	require.NoError(t, err)
	require.Contains(t, out, "state: grace_paused")
	require.Contains(t, out, "grace: example.com (12s)")
}

func TestStopAndConsolidate(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/stop", func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		_, _ = io.WriteString(w, `{"schema_version":"v1","state":"idle"}`)
	})
	mux.HandleFunc("/v1/maintenance/consolidate", func(w http.ResponseWriter, _ *http.Request) {
		_, _ = io.WriteString(w, `{"schema_version":"v1","day":"2026-03-01","buckets":2,"removed":3}`)
	})

	out, err := runCLI(t, mux, "stop")
	require.NoError(t, err)
	require.Equal(t, "stopped, state: idle\n", out)

	out, err = runCLI(t, mux, "consolidate")
	require.NoError(t, err)
	require.Equal(t, "2026-03-01: merged 2 buckets, removed 3 records\n", out)
}

func TestDaemonErrorIsReturned(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/sessions", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = io.WriteString(w, `{"schema_version":"v1","error":{"code":"E_REF_INVALID","message":"day must be YYYY-MM-DD"}}`)
	})

	_, err := runCLI(t, mux, "sessions", "--day", "yesterday")
	require.EqualError(t, err, "E_REF_INVALID: day must be YYYY-MM-DD")
}

func TestWatchPrintsUntilDaemonCloses(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/notifications", func(w http.ResponseWriter, r *http.Request) {
		conn, err := (&websocket.Upgrader{}).Upgrade(w, r, nil)
		if !assert.NoError(t, err) {
			return
		}
		defer conn.Close() //nolint:errcheck
		at := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)
		assert.NoError(t, conn.WriteJSON(api.Notification{ID: "n1", Kind: "session_stopped", Domain: "example.com", At: at}))
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(time.Second))
	})

	out, err := runCLI(t, mux, "--json", "watch")
	require.NoError(t, err)
	var n api.Notification
	require.NoError(t, json.Unmarshal([]byte(out), &n))
	require.Equal(t, "example.com", n.Domain)
	require.Equal(t, "session_stopped", n.Kind)
}
