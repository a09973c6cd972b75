package okrlinesdk

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStartRunAndWait(t *testing.T) {
	var polls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		switch r.URL.Path {
		case "/v0/sessions/team-a/runs":
			var body map[string]string
			require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
			assert.Equal(t, "id,name\n1,A", body["csv"])
			w.WriteHeader(http.StatusAccepted)
			io.WriteString(w, `{"session_id":"team-a","state":"uploading","status":"Reading file…","in_flight":true}`)
		case "/v0/sessions/team-a/status":
			if polls.Add(1) < 3 {
				io.WriteString(w, `{"state":"extracting_structure","in_flight":true}`)
				return
			}
			io.WriteString(w, `{"state":"ready","count":1,"in_flight":false}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	c := New(srv.URL, "team-a")
	c.BearerToken = "tok"
	st, err := c.StartRun(context.Background(), "id,name\n1,A")
	require.NoError(t, err)
	assert.True(t, st.InFlight)
	assert.Equal(t, "Reading file…", st.Status)

	st, err = c.Wait(context.Background(), time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, "ready", st.State)
	assert.Equal(t, 1, st.Count)
	assert.EqualValues(t, 3, polls.Load())
}

func TestConflictSurfacesAsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusConflict)
		io.WriteString(w, `{"error":{"code":"run_in_progress","message":"a run is already in progress"}}`)
	}))
	defer srv.Close()

	_, err := New(srv.URL, "").StartRun(context.Background(), "x")
	var apiErr *APIError
	require.True(t, errors.As(err, &apiErr))
	assert.True(t, apiErr.Conflict())
	assert.Contains(t, apiErr.Body, "run_in_progress")
}

func TestListingsAndExport(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/v0/sessions/default/initiatives":
			assert.Equal(t, "at risk", r.URL.Query().Get("status"))
			io.WriteString(w, `{"status":{"state":"ready"},"items":[{"initiative_id":"INI-1","status":"At Risk","progress_percentage":35,"category":"warning"}],"summary":[{"status":"at risk","count":1}],"objects":["raw_initiatives"]}`)
		case "/v0/sessions/default/calls":
			assert.Equal(t, "2", r.URL.Query().Get("limit"))
			assert.Equal(t, "9", r.URL.Query().Get("cursor"))
			io.WriteString(w, `{"items":[{"id":"c1","seq":8,"endpoint":"/return_data","method":"POST","payload":{"object_name":"processed_initiatives"}}]}`)
		case "/v0/sessions/default/export":
			w.Header().Set("Content-Type", "text/csv")
			io.WriteString(w, "Initiative ID,Name\nINI-1,Launch\n")
		case "/v0/sessions/default/objects/reclaim":
			io.WriteString(w, `{"results":[{"name":"raw_initiatives"},{"name":"processed_initiatives","error":"boom"}],"failed":["processed_initiatives"]}`)
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()
	c := New(srv.URL, "")
	ctx := context.Background()

	dash, err := c.Initiatives(ctx, "at risk")
	require.NoError(t, err)
	require.Len(t, dash.Items, 1)
	assert.Equal(t, 35, dash.Items[0].Progress)
	assert.Equal(t, []string{"raw_initiatives"}, dash.Objects)

	page, err := c.CallsPage(ctx, 2, "9")
	require.NoError(t, err)
	require.Len(t, page.Items, 1)
	assert.JSONEq(t, `{"object_name":"processed_initiatives"}`, string(page.Items[0].Payload))

	csv, err := c.Export(ctx)
	require.NoError(t, err)
	assert.Equal(t, "Initiative ID,Name\nINI-1,Launch\n", string(csv))

	rec, err := c.Reclaim(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"processed_initiatives"}, rec.Failed)
}
