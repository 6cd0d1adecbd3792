package transform

import (
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/upscalarr/upscalarr/internal/node"
)

func TestDownloaderFetchesToFile(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("model-bytes"))
	}))
	defer server.Close()

	n, err := DownloaderFromParams(nil)
	require.NoError(t, err)

	target := filepath.Join(t.TempDir(), "models", "esrgan.onnx")
	outputs := execute(t, n, map[string]node.PortData{
		"url":         node.StrData(server.URL),
		"output_path": node.PathData(target),
	})
	assert.Equal(t, target, outputs["path"].Path)

	content, err := os.ReadFile(target)
	require.NoError(t, err)
	assert.Equal(t, "model-bytes", string(content))
}

func TestDownloaderRejectsErrorStatus(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer server.Close()

	n, err := DownloaderFromParams(nil)
	require.NoError(t, err)

	_, err = n.Execute(map[string]node.PortData{
		"url":         node.StrData(server.URL),
		"output_path": node.PathData(filepath.Join(t.TempDir(), "x")),
	}, node.NewExecutionContext())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "status 404")
}

func TestHTTPRequestGet(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodGet, r.Method)
		_, _ = w.Write([]byte(`{"ok": true}`))
	}))
	defer server.Close()

	n, err := HTTPRequestFromParams(nil)
	require.NoError(t, err)

	outputs := execute(t, n, map[string]node.PortData{
		"url": node.StrData(server.URL),
	})
	assert.Equal(t, `{"ok": true}`, outputs["response"].Str)
	assert.Equal(t, int64(200), outputs["status_code"].Int)
}

func TestHTTPRequestPostWithBody(t *testing.T) {
	var received string
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		buf := make([]byte, 64)
		n, _ := r.Body.Read(buf)
		received = string(buf[:n])
		w.WriteHeader(http.StatusCreated)
	}))
	defer server.Close()

	n, err := HTTPRequestFromParams(nil)
	require.NoError(t, err)

	outputs := execute(t, n, map[string]node.PortData{
		"url":    node.StrData(server.URL),
		"method": node.StrData("post"),
		"body":   node.StrData("payload"),
	})
	assert.Equal(t, int64(201), outputs["status_code"].Int)
	assert.Equal(t, "payload", received)
}

func TestHTTPRequestMissingURLFails(t *testing.T) {
	n, err := HTTPRequestFromParams(nil)
	require.NoError(t, err)
	_, err = n.Execute(nil, node.NewExecutionContext())
	assert.ErrorIs(t, err, node.ErrMissingRequired)
}
