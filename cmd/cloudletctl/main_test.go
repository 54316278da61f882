package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestOverlayCommand(t *testing.T) {
	var gotPath string
	var gotBody map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotPath = r.URL.String()
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.WriteHeader(http.StatusAccepted)
		_, _ = w.Write([]byte(`{"operation":"finish_overlay"}`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	cmd := newRootCmd(zap.NewNop())
	cmd.SetOut(&out)
	cmd.SetArgs([]string{"--server", srv.URL, "overlay", "i1", "--name", "ov", "--overlay-id", "ov1", "--wait"})
	require.NoError(t, cmd.Execute())

	assert.Equal(t, "/instances/i1/overlay?wait=true", gotPath)
	assert.Equal(t, "ov1", gotBody["overlay_id"])
	assert.Contains(t, out.String(), "finish_overlay")
}

func TestServerErrorFailsCommand(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
		_, _ = w.Write([]byte(`{"error":"instance not found"}`))
	}))
	defer srv.Close()

	var out bytes.Buffer
	cmd := newRootCmd(zap.NewNop())
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs([]string{"--server", srv.URL, "get", "missing"})
	assert.Error(t, cmd.Execute())
	assert.Contains(t, out.String(), "instance not found")
}
