package server

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/babelcloud/gbox/packages/recorder/internal/codec/codectest"
	"github.com/babelcloud/gbox/packages/recorder/internal/encoder"
	"github.com/babelcloud/gbox/packages/recorder/internal/media"
	"github.com/babelcloud/gbox/packages/recorder/internal/recorder"
	"github.com/babelcloud/gbox/packages/recorder/internal/util"
	"github.com/babelcloud/gbox/packages/recorder/internal/version"
)

func newRecorder() *recorder.Recorder {
	return recorder.New(recorder.Options{
		Factory: &codectest.Factory{},
		Encoder: encoder.Options{Logger: util.DiscardLogger()},
		Logger:  util.DiscardLogger(),
	})
}

func getStatus(t *testing.T, h http.Handler) StatusResponse {
	t.Helper()
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))

	var resp StatusResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	return resp
}

func TestStatusReportsRecording(t *testing.T) {
	r := newRecorder()
	router := NewStatusServer(":0", r).Router()

	resp := getStatus(t, router)
	assert.False(t, resp.Recording)
	assert.Nil(t, resp.Pipeline)

	r.OnVideoFrame(make([]byte, 16*16*3/2), 0, media.FormatYUV420P, 16, 16)
	done := make(chan struct{})
	cb := recorder.CallbackFuncs{
		Failed:    func(error) { close(done) },
		Completed: func(bool) { close(done) },
	}
	require.NoError(t, r.StartRecording(filepath.Join(t.TempDir(), "a.mp4"), cb))

	resp = getStatus(t, router)
	assert.True(t, resp.Recording)
	require.NotNil(t, resp.Pipeline)
	assert.NotEmpty(t, resp.Pipeline.ID)
	assert.Contains(t, resp.Formats, "16x16")

	r.StopRecording()
	<-done
	assert.False(t, getStatus(t, router).Recording)
}

func TestMetricsAndVersionRoutes(t *testing.T) {
	router := NewStatusServer(":0", newRecorder()).Router()

	rec := httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "gbox_recorder_recording_active")

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/version", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var info version.Info
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &info))
	assert.Equal(t, version.Version, info.Version)

	rec = httptest.NewRecorder()
	router.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/status", nil))
	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
}

func TestStartStop(t *testing.T) {
	s := NewStatusServer("127.0.0.1:0", newRecorder())
	require.NoError(t, s.Start())
	assert.Error(t, s.Start())

	resp, err := http.Get("http://" + s.Addr() + "/healthz")
	require.NoError(t, err)
	body, _ := io.ReadAll(resp.Body)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.JSONEq(t, `{"status":"ok"}`, string(body))

	require.NoError(t, s.Stop())
	require.NoError(t, s.Stop())
}
