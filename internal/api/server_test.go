package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/haven-labs/haven-audio/internal/assembly"
	"github.com/haven-labs/haven-audio/internal/blob"
	"github.com/haven-labs/haven-audio/internal/config"
	"github.com/haven-labs/haven-audio/internal/jobstore"
	"github.com/haven-labs/haven-audio/internal/synth"
)

func newTestServer(t *testing.T) (*httptest.Server, *jobstore.Store, *blob.Store) {
	t.Helper()
	log := slog.New(slog.NewTextHandler(io.Discard, nil))

	store, err := jobstore.Open(context.Background(), config.JobStoreConfig{
		Path: filepath.Join(t.TempDir(), "jobs.db"),
	}, log)
	if err != nil {
		t.Fatalf("open job store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	blobs, err := blob.Open(config.BlobConfig{
		Root:             t.TempDir(),
		URLSigningSecret: "test-secret",
		SignedURLTTLMin:  15,
	}, log)
	if err != nil {
		t.Fatalf("open blob store: %v", err)
	}

	manager := assembly.NewManager(context.Background(), config.AssemblyConfig{
		MaxConcurrency:  2,
		DefaultVoice:    "voice-default",
		SegmentDuration: 3.5,
		Components:      map[string]string{"greeting": "Hello there."},
	}, store, blobs, synth.NewMockSynth(), nil, log)
	t.Cleanup(manager.Close)

	ts := httptest.NewServer(NewServer(manager, store, blobs, log).Routes())
	t.Cleanup(ts.Close)
	return ts, store, blobs
}

func postJSON(t *testing.T, url string, body any) *http.Response {
	t.Helper()
	payload, err := json.Marshal(body)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		t.Fatalf("post %s: %v", url, err)
	}
	return resp
}

func decodeJSON(t *testing.T, resp *http.Response, into any) {
	t.Helper()
	defer resp.Body.Close()
	if err := json.NewDecoder(resp.Body).Decode(into); err != nil {
		t.Fatalf("decode response: %v", err)
	}
}

func waitCompleted(t *testing.T, store *jobstore.Store, id string) jobstore.Job {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		job, err := store.GetJob(context.Background(), id)
		if err != nil {
			t.Fatalf("get job: %v", err)
		}
		if job.Status.Terminal() {
			if job.Status != jobstore.StatusCompleted {
				t.Fatalf("job %s status = %s (error %q)", id, job.Status, job.ErrorMessage)
			}
			return job
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("job %s never completed", id)
	return jobstore.Job{}
}

func submitBody() map[string]any {
	return map[string]any{
		"userId": "user-1",
		"assemblyInstructions": map[string]any{
			"assemblySequence": []map[string]any{
				{"sequenceId": 1, "components": []string{"greeting"}},
			},
			"metadata": map[string]any{"sentimentCount": 0},
		},
	}
}

func TestSubmitAndPollJob(t *testing.T) {
	ts, store, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/assembly/jobs", submitBody())
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("submit status = %d, want 200", resp.StatusCode)
	}
	var accepted struct {
		Success           bool    `json:"success"`
		JobID             string  `json:"jobId"`
		EstimatedDuration float64 `json:"estimatedDuration"`
	}
	decodeJSON(t, resp, &accepted)
	if !accepted.Success {
		t.Fatal("submit response success = false")
	}
	if accepted.JobID == "" {
		t.Fatal("submit returned empty jobId")
	}
	if accepted.EstimatedDuration != 3.5 {
		t.Fatalf("estimated duration = %v, want 3.5", accepted.EstimatedDuration)
	}

	waitCompleted(t, store, accepted.JobID)

	getResp, err := http.Get(ts.URL + "/api/v1/assembly/jobs/" + accepted.JobID)
	if err != nil {
		t.Fatalf("get job: %v", err)
	}
	if getResp.StatusCode != http.StatusOK {
		t.Fatalf("get job status = %d", getResp.StatusCode)
	}
	var job jobstore.Job
	decodeJSON(t, getResp, &job)
	if job.Status != jobstore.StatusCompleted || job.Progress != 100 {
		t.Fatalf("polled job = %s/%d, want completed/100", job.Status, job.Progress)
	}
}

func TestSubmitRejectsBadPayloads(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/assembly/jobs", map[string]any{
		"userId":               "user-1",
		"assemblyInstructions": map[string]any{"assemblySequence": []any{}},
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("empty sequence status = %d, want 400", resp.StatusCode)
	}

	resp = postJSON(t, ts.URL+"/api/v1/assembly/jobs", map[string]any{
		"assemblyInstructions": submitBody()["assemblyInstructions"],
	})
	resp.Body.Close()
	if resp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing userId status = %d, want 400", resp.StatusCode)
	}
}

func TestSubmitStoreFailureIsInternalError(t *testing.T) {
	ts, store, _ := newTestServer(t)

	// A closed store makes job creation fail at the storage layer; that is not
	// the caller's fault and must not surface as a 4xx.
	store.Close()

	resp := postJSON(t, ts.URL+"/api/v1/assembly/jobs", submitBody())
	resp.Body.Close()
	if resp.StatusCode != http.StatusInternalServerError {
		t.Fatalf("status = %d, want 500", resp.StatusCode)
	}
}

func TestGetJobNotFound(t *testing.T) {
	ts, _, _ := newTestServer(t)

	resp, err := http.Get(ts.URL + "/api/v1/assembly/jobs/no-such-job")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("status = %d, want 404", resp.StatusCode)
	}
}

func TestListJobs(t *testing.T) {
	ts, store, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/assembly/jobs", submitBody())
	var accepted struct {
		JobID string `json:"jobId"`
	}
	decodeJSON(t, resp, &accepted)
	waitCompleted(t, store, accepted.JobID)

	listResp, err := http.Get(ts.URL + "/api/v1/assembly/jobs?user_id=user-1")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	var listing struct {
		Jobs []jobstore.Job `json:"jobs"`
	}
	decodeJSON(t, listResp, &listing)
	if len(listing.Jobs) != 1 || listing.Jobs[0].ID != accepted.JobID {
		t.Fatalf("listing = %+v, want one job %s", listing.Jobs, accepted.JobID)
	}

	emptyResp, err := http.Get(ts.URL + "/api/v1/assembly/jobs?user_id=user-other")
	if err != nil {
		t.Fatalf("list other: %v", err)
	}
	decodeJSON(t, emptyResp, &listing)
	if len(listing.Jobs) != 0 {
		t.Fatalf("other user listing = %+v, want empty", listing.Jobs)
	}

	missingResp, err := http.Get(ts.URL + "/api/v1/assembly/jobs")
	if err != nil {
		t.Fatalf("list without user_id: %v", err)
	}
	missingResp.Body.Close()
	if missingResp.StatusCode != http.StatusBadRequest {
		t.Fatalf("missing user_id status = %d, want 400", missingResp.StatusCode)
	}
}

func TestResultSignedURLAndDownload(t *testing.T) {
	ts, store, _ := newTestServer(t)

	resp := postJSON(t, ts.URL+"/api/v1/assembly/jobs", submitBody())
	var accepted struct {
		JobID string `json:"jobId"`
	}
	decodeJSON(t, resp, &accepted)
	job := waitCompleted(t, store, accepted.JobID)

	resultResp, err := http.Get(fmt.Sprintf("%s/api/v1/assembly/jobs/%s/result", ts.URL, accepted.JobID))
	if err != nil {
		t.Fatalf("get result: %v", err)
	}
	if resultResp.StatusCode != http.StatusOK {
		t.Fatalf("result status = %d", resultResp.StatusCode)
	}
	var result struct {
		URL string `json:"url"`
	}
	decodeJSON(t, resultResp, &result)
	if result.URL == "" {
		t.Fatal("result URL is empty")
	}

	dl, err := http.Get(ts.URL + result.URL)
	if err != nil {
		t.Fatalf("download: %v", err)
	}
	defer dl.Body.Close()
	if dl.StatusCode != http.StatusOK {
		t.Fatalf("download status = %d", dl.StatusCode)
	}
	if ct := dl.Header.Get("Content-Type"); ct != "audio/mpeg" {
		t.Fatalf("content type = %q", ct)
	}
	data, err := io.ReadAll(dl.Body)
	if err != nil {
		t.Fatalf("read download: %v", err)
	}
	if int64(len(data)) != job.TotalFileSizeBytes {
		t.Fatalf("downloaded %d bytes, row says %d", len(data), job.TotalFileSizeBytes)
	}

	// Tampering with the signature is rejected.
	tampered, err := http.Get(ts.URL + result.URL + "f")
	if err != nil {
		t.Fatalf("tampered download: %v", err)
	}
	tampered.Body.Close()
	if tampered.StatusCode != http.StatusForbidden {
		t.Fatalf("tampered status = %d, want 403", tampered.StatusCode)
	}
}

func TestResultBeforeCompletion(t *testing.T) {
	ts, store, _ := newTestServer(t)

	job := jobstore.Job{
		ID:               "pending-job",
		UserID:           "user-1",
		Status:           jobstore.StatusPending,
		Instructions:     []byte(`{}`),
		InstructionsHash: "h",
	}
	if err := store.CreateJob(context.Background(), job); err != nil {
		t.Fatalf("create job: %v", err)
	}

	resp, err := http.Get(ts.URL + "/api/v1/assembly/jobs/pending-job/result")
	if err != nil {
		t.Fatalf("get result: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("status = %d, want 409", resp.StatusCode)
	}
}

func TestVoiceRegistry(t *testing.T) {
	ts, _, _ := newTestServer(t)

	missing, err := http.Get(ts.URL + "/api/v1/users/user-1/voice")
	if err != nil {
		t.Fatalf("get voice: %v", err)
	}
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("unregistered voice status = %d, want 404", missing.StatusCode)
	}

	req, err := http.NewRequest(http.MethodPut, ts.URL+"/api/v1/users/user-1/voice",
		bytes.NewReader([]byte(`{"voice_id":"voice-cloned"}`)))
	if err != nil {
		t.Fatalf("build put: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	putResp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatalf("put voice: %v", err)
	}
	putResp.Body.Close()
	if putResp.StatusCode != http.StatusOK {
		t.Fatalf("put status = %d", putResp.StatusCode)
	}

	getResp, err := http.Get(ts.URL + "/api/v1/users/user-1/voice")
	if err != nil {
		t.Fatalf("get voice: %v", err)
	}
	var voice struct {
		VoiceID string `json:"voice_id"`
	}
	decodeJSON(t, getResp, &voice)
	if voice.VoiceID != "voice-cloned" {
		t.Fatalf("voice = %q, want voice-cloned", voice.VoiceID)
	}
}
