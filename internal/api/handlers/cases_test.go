package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/drfirst/go-pafill/internal/artifacts"
	"github.com/drfirst/go-pafill/internal/domain/pacase"
	"github.com/drfirst/go-pafill/internal/faults"
	"github.com/drfirst/go-pafill/internal/pipeline"
	"github.com/drfirst/go-pafill/pkg/workerpool"
)

type fakeRunner struct {
	got pipeline.CaseInput
	out *pipeline.Outcome
	err error
}

func (f *fakeRunner) Submit(ctx context.Context, in pipeline.CaseInput) (*pipeline.Outcome, error) {
	f.got = in
	return f.out, f.err
}

type fakeQueue struct {
	got []pipeline.CaseRequest
}

func (f *fakeQueue) Enqueue(ctx context.Context, req pipeline.CaseRequest) error {
	f.got = append(f.got, req)
	return nil
}

type env struct {
	runner  *fakeRunner
	queue   *fakeQueue
	repo    *pacase.MemoryRepository
	store   *artifacts.FSStore
	handler http.Handler
}

func newEnv(t *testing.T, withQueue bool) *env {
	t.Helper()
	store, err := artifacts.NewFSStore(t.TempDir(), 1, nil)
	require.NoError(t, err)
	e := &env{
		runner: &fakeRunner{out: &pipeline.Outcome{CaseID: "case-1", Stage: pacase.StageDone, Fingerprint: "fp"}},
		repo:   pacase.NewMemoryRepository(),
		store:  store,
	}
	var q CaseQueue
	if withQueue {
		e.queue = &fakeQueue{}
		q = e.queue
	}
	e.handler = NewCaseHandler(e.runner, q, e.repo, store, nil).Routes()
	return e
}

func multipartBody(t *testing.T, fields map[string]string, files map[string][]byte) (*bytes.Buffer, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	for k, v := range files {
		fw, err := mw.CreateFormFile(k, k+".pdf")
		require.NoError(t, err)
		_, err = fw.Write(v)
		require.NoError(t, err)
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

func (e *env) do(req *http.Request) *httptest.ResponseRecorder {
	rec := httptest.NewRecorder()
	e.handler.ServeHTTP(rec, req)
	return rec
}

func TestSubmit_Multipart(t *testing.T) {
	e := newEnv(t, false)
	body, contentType := multipartBody(t,
		map[string]string{"case_id": "case-1", "form_version": "humana-pa-2024"},
		map[string][]byte{"template": []byte("%PDF-form"), "referral": []byte("%PDF-referral")})

	req := httptest.NewRequest(http.MethodPost, "/", body)
	req.Header.Set("Content-Type", contentType)
	rec := e.do(req)

	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, []byte("%PDF-form"), e.runner.got.Template)
	assert.Equal(t, []byte("%PDF-referral"), e.runner.got.Referral)

	var resp CaseResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, pacase.StageDone, resp.Stage)
	assert.Equal(t, "humana-pa-2024", resp.FormVersion)
}

func TestSubmit_MissingFile(t *testing.T) {
	e := newEnv(t, false)
	body, contentType := multipartBody(t,
		map[string]string{"case_id": "case-1", "form_version": "v1"},
		map[string][]byte{"template": []byte("%PDF")})

	req := httptest.NewRequest(http.MethodPost, "/", body)
	req.Header.Set("Content-Type", contentType)
	rec := e.do(req)

	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, rec.Body.String(), "referral file is required")
}

func TestSubmit_JSONRejectsPaths(t *testing.T) {
	e := newEnv(t, false)
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(
		`{"case_id":"c","form_version":"v","template_path":"/etc/hosts","referral_path":"/etc/hosts"}`))
	req.Header.Set("Content-Type", "application/json")

	assert.Equal(t, http.StatusBadRequest, e.do(req).Code)
}

func TestSubmit_StageFailure(t *testing.T) {
	e := newEnv(t, false)
	e.runner.out = &pipeline.Outcome{CaseID: "case-1", Stage: pacase.StageFailed, FailedStage: pacase.StageFilled}
	e.runner.err = &faults.StageError{CaseID: "case-1", Stage: string(pacase.StageFilled), Err: errors.New("no such field")}

	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(
		`{"case_id":"case-1","form_version":"v","template":"e30=","referral":"aGVsbG8="}`))
	req.Header.Set("Content-Type", "application/json")
	rec := e.do(req)

	require.Equal(t, http.StatusUnprocessableEntity, rec.Code)
	var resp CaseResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, pacase.StageFilled, resp.FailedStage)
	assert.Contains(t, resp.Error, "no such field")
	assert.Equal(t, []byte("{}"), e.runner.got.Template)
}

func TestSubmit_RunErrors(t *testing.T) {
	tests := []struct {
		err  error
		code int
	}{
		{pipeline.ErrInvalidInput, http.StatusBadRequest},
		{pacase.ErrConcurrentUpdate, http.StatusConflict},
		{workerpool.ErrPoolClosed, http.StatusServiceUnavailable},
		{errors.New("disk on fire"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			e := newEnv(t, false)
			e.runner.out, e.runner.err = nil, tt.err
			req := httptest.NewRequest(http.MethodPost, "/", bytes.NewBufferString(
				`{"case_id":"c","form_version":"v","template":"e30=","referral":"aGVsbG8="}`))
			req.Header.Set("Content-Type", "application/json")
			assert.Equal(t, tt.code, e.do(req).Code)
		})
	}
}

func TestSubmit_Async(t *testing.T) {
	e := newEnv(t, true)
	req := httptest.NewRequest(http.MethodPost, "/?async=true", bytes.NewBufferString(
		`{"case_id":"case-7","form_version":"v","template":"e30=","referral":"aGVsbG8="}`))
	req.Header.Set("Content-Type", "application/json")
	rec := e.do(req)

	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Len(t, e.queue.got, 1)
	assert.Equal(t, "case-7", e.queue.got[0].CaseID)
}

func TestSubmit_AsyncDisabled(t *testing.T) {
	e := newEnv(t, false)
	req := httptest.NewRequest(http.MethodPost, "/?async=true", bytes.NewBufferString(
		`{"case_id":"case-7","form_version":"v"}`))
	req.Header.Set("Content-Type", "application/json")

	assert.Equal(t, http.StatusNotImplemented, e.do(req).Code)
}

func TestGet(t *testing.T) {
	e := newEnv(t, false)
	c := pacase.New("case-1")
	require.NoError(t, c.Start("humana-pa-2024", "fp-1"))
	require.NoError(t, c.Fail(pacase.StageSchemaExtracted, errors.New("no form")))
	require.NoError(t, e.repo.Save(context.Background(), c))

	rec := e.do(httptest.NewRequest(http.MethodGet, "/case-1", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var resp CaseResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, pacase.StageFailed, resp.Stage)
	assert.Equal(t, pacase.StageSchemaExtracted, resp.FailedStage)
	assert.Equal(t, "no form", resp.Error)
	assert.Equal(t, 2, resp.Version)

	rec = e.do(httptest.NewRequest(http.MethodGet, "/case-1/events", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var events []json.RawMessage
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &events))
	assert.Len(t, events, 2)

	assert.Equal(t, http.StatusNotFound, e.do(httptest.NewRequest(http.MethodGet, "/nope", nil)).Code)
	assert.Equal(t, http.StatusNotFound, e.do(httptest.NewRequest(http.MethodGet, "/nope/events", nil)).Code)
}

func TestArtifacts(t *testing.T) {
	e := newEnv(t, false)
	require.NoError(t, e.store.Publish(context.Background(), "case-1", artifacts.Manifest{Fingerprint: "fp"}, []artifacts.Artifact{
		{Name: artifacts.Editable, Data: []byte("%PDF-editable")},
		{Name: artifacts.ReportJSON, Data: []byte(`{"case_id":"case-1"}`)},
		{Name: artifacts.ReportText, Data: []byte("nothing missing")},
	}))

	rec := e.do(httptest.NewRequest(http.MethodGet, "/case-1/report", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"case_id":"case-1"}`, rec.Body.String())

	rec = e.do(httptest.NewRequest(http.MethodGet, "/case-1/report?format=txt", nil))
	assert.Equal(t, "nothing missing", rec.Body.String())
	assert.Equal(t, http.StatusBadRequest, e.do(httptest.NewRequest(http.MethodGet, "/case-1/report?format=xml", nil)).Code)
	assert.Equal(t, http.StatusNotFound, e.do(httptest.NewRequest(http.MethodGet, "/case-1/report?format=pdf", nil)).Code)

	rec = e.do(httptest.NewRequest(http.MethodGet, "/case-1/artifacts/editable.pdf", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "application/pdf", rec.Header().Get("Content-Type"))
	assert.Equal(t, "%PDF-editable", rec.Body.String())

	rec = e.do(httptest.NewRequest(http.MethodGet, "/case-1/manifest", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	var m artifacts.Manifest
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &m))
	assert.Equal(t, []string{artifacts.Editable, artifacts.ReportJSON, artifacts.ReportText}, m.Names())

	assert.Equal(t, http.StatusBadRequest, e.do(httptest.NewRequest(http.MethodGet, "/case-1/artifacts/secrets.txt", nil)).Code)
}
