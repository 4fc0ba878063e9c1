package handlers

import (
	"bufio"
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fieldsync/auth"
	"fieldsync/config"
	"fieldsync/connectivity"
	"fieldsync/db"
	"fieldsync/models"
	"fieldsync/reconcile"
	"fieldsync/repository"
	"fieldsync/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

var jpegBytes = []byte{0xff, 0xd8, 0xff, 0xe0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00}

type apiFixture struct {
	srv      *httptest.Server
	client   *http.Client
	backend  *db.MemoryBackend
	monitor  *connectivity.Monitor
	sessions *SessionManager
}

func newAPI(t *testing.T) *apiFixture {
	t.Helper()
	s, err := store.Open(filepath.Join(t.TempDir(), "api.db"), zap.NewNop())
	require.NoError(t, err)
	require.NoError(t, s.InitSchema(context.Background()))

	backend := db.NewMemoryBackend()
	backend.SeedCatalog(models.CatalogSnapshot{
		Projects:   []models.CatalogEntity{{ID: 1, Name: "Tacna"}},
		Fronts:     []models.CatalogEntity{{ID: 10, ParentID: 1, Name: "Frente Norte"}},
		Localities: []models.CatalogEntity{{ID: 100, ParentID: 10, Name: "Ciudad Nueva"}},
		SectorDetails: []models.CatalogEntity{
			{ID: 42, ParentID: 100, ActivityID: 7, Name: "Poste EX-02"},
			{ID: 43, ParentID: 100, ActivityID: 8, Name: "Poste EX-03"},
		},
		Activities: []models.CatalogEntity{{ID: 7, Name: "Armado A"}, {ID: 8, Name: "Tendido"}},
	})
	monitor := connectivity.NewMonitor(config.ConnectivityConfig{}, zap.NewNop())

	stores := repository.Stores{
		Catalog: store.NewCatalogCache(s),
		Queue:   store.NewPendingQueue(s),
		Records: store.NewRecordCache(s),
	}
	jwtManager := auth.NewJWTManager("test-secret", time.Hour)
	sessions := NewSessionManager(auth.DevVerifier{}, jwtManager, func(user models.User) (*repository.Repository, error) {
		return repository.New(user, stores, backend, monitor, repository.Options{
			Bucket: "field-evidence",
			Sync:   reconcile.Options{MaxAttempts: 3},
		}, zap.NewNop())
	}, zap.NewNop())

	srv := httptest.NewServer(NewRouter(RouterConfig{
		Sessions:       sessions,
		JWTManager:     jwtManager,
		Monitor:        monitor,
		AllowedOrigins: []string{"http://localhost:5173"},
		KeepAlive:      50 * time.Millisecond,
		Version:        "test",
	}))
	t.Cleanup(func() {
		srv.Close()
		sessions.Close()
		_ = s.Close()
	})
	return &apiFixture{srv: srv, client: srv.Client(), backend: backend, monitor: monitor, sessions: sessions}
}

func (f *apiFixture) do(t *testing.T, method, path, token string, body io.Reader, contentType string) *http.Response {
	t.Helper()
	req, err := http.NewRequest(method, f.srv.URL+path, body)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	resp, err := f.client.Do(req)
	require.NoError(t, err)
	return resp
}

func (f *apiFixture) call(t *testing.T, method, path, token string, body io.Reader, contentType string, out any) int {
	t.Helper()
	resp := f.do(t, method, path, token, body, contentType)
	defer resp.Body.Close()
	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp.StatusCode
}

func (f *apiFixture) postJSON(t *testing.T, path, token string, v any, out any) int {
	t.Helper()
	data, err := json.Marshal(v)
	require.NoError(t, err)
	return f.call(t, http.MethodPost, path, token, bytes.NewReader(data), "application/json", out)
}

func (f *apiFixture) login(t *testing.T, idToken string) string {
	t.Helper()
	var resp LoginResponse
	require.Equal(t, http.StatusOK, f.postJSON(t, "/api/session", "", LoginRequest{IDToken: idToken}, &resp))
	require.NotEmpty(t, resp.Token)
	return resp.Token
}

func (f *apiFixture) refresh(t *testing.T, token string) {
	t.Helper()
	var res repository.RefreshResult
	require.Equal(t, http.StatusOK, f.call(t, http.MethodPost, "/api/catalog/refresh", token, nil, "", &res))
	require.True(t, res.Refreshed)
}

func (f *apiFixture) setOnline(t *testing.T, online bool) {
	t.Helper()
	require.Equal(t, http.StatusOK, f.postJSON(t, "/api/connectivity", "", map[string]bool{"online": online}, nil))
}

func captureForm(t *testing.T, photo []byte, fields map[string]string) (io.Reader, string) {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if photo != nil {
		part, err := mw.CreateFormFile("photo", "capture.jpg")
		require.NoError(t, err)
		_, err = part.Write(photo)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, mw.WriteField(k, v))
	}
	require.NoError(t, mw.Close())
	return &buf, mw.FormDataContentType()
}

type pendingList struct {
	Pending []models.PendingSubmission `json:"pending"`
	Count   int                        `json:"count"`
}

func TestHealthAndAuthentication(t *testing.T) {
	f := newAPI(t)

	var health map[string]any
	require.Equal(t, http.StatusOK, f.call(t, http.MethodGet, "/health", "", nil, "", &health))
	assert.Equal(t, "healthy", health["status"])

	assert.Equal(t, http.StatusUnauthorized, f.call(t, http.MethodGet, "/api/records", "", nil, "", nil))
	assert.Equal(t, http.StatusUnauthorized, f.postJSON(t, "/api/session", "", LoginRequest{IDToken: "forged"}, nil))
	assert.Equal(t, http.StatusBadRequest, f.postJSON(t, "/api/session", "", LoginRequest{}, nil))
	assert.Equal(t, http.StatusMethodNotAllowed, f.call(t, http.MethodGet, "/api/session", "", nil, "", nil))
}

func TestSessionLifecycle(t *testing.T) {
	f := newAPI(t)

	first := f.login(t, "dev:u-1:tec@obra.pe")
	var status repository.SyncStatus
	require.Equal(t, http.StatusOK, f.call(t, http.MethodGet, "/api/sync/status", first, nil, "", &status))
	assert.True(t, status.Online)

	second := f.login(t, "dev:u-2")
	assert.Equal(t, http.StatusUnauthorized, f.call(t, http.MethodGet, "/api/sync/status", first, nil, "", nil), "a new login closes the previous session")
	assert.Equal(t, http.StatusOK, f.call(t, http.MethodGet, "/api/sync/status", second, nil, "", nil))

	assert.Equal(t, http.StatusOK, f.call(t, http.MethodPost, "/api/session/logout", second, nil, "", nil))
	assert.Equal(t, http.StatusUnauthorized, f.call(t, http.MethodGet, "/api/sync/status", second, nil, "", nil))
	_, open := f.sessions.Current()
	assert.False(t, open)
}

func TestCatalogEndpoints(t *testing.T) {
	f := newAPI(t)
	token := f.login(t, "dev:u-1")
	f.refresh(t, token)

	var view repository.CatalogView
	require.Equal(t, http.StatusOK, f.call(t, http.MethodGet, "/api/catalog?variant=front&parent_id=1", token, nil, "", &view))
	require.Len(t, view.Entities, 1)
	assert.Equal(t, "Frente Norte", view.Entities[0].Name)

	require.Equal(t, http.StatusOK, f.call(t, http.MethodGet, "/api/catalog/details?locality_id=100&q=tendido", token, nil, "", &view))
	require.Len(t, view.Entities, 1)
	assert.Equal(t, int64(43), view.Entities[0].ID)

	assert.Equal(t, http.StatusBadRequest, f.call(t, http.MethodGet, "/api/catalog?variant=bogus", token, nil, "", nil))
	assert.Equal(t, http.StatusBadRequest, f.call(t, http.MethodGet, "/api/catalog?variant=front&parent_id=x", token, nil, "", nil))
	assert.Equal(t, http.StatusBadRequest, f.call(t, http.MethodGet, "/api/catalog/details", token, nil, "", nil))

	f.setOnline(t, false)
	var res repository.RefreshResult
	require.Equal(t, http.StatusOK, f.call(t, http.MethodPost, "/api/catalog/refresh", token, nil, "", &res))
	assert.True(t, res.Offline)
}

func TestSubmitValidation(t *testing.T) {
	f := newAPI(t)
	token := f.login(t, "dev:u-1")
	f.refresh(t, token)

	cases := map[string]struct {
		photo  []byte
		fields map[string]string
	}{
		"missing photo":   {nil, map[string]string{"sector_detail_id": "42"}},
		"not an image":    {[]byte("plain text"), map[string]string{"sector_detail_id": "42"}},
		"bad detail":      {jpegBytes, map[string]string{"sector_detail_id": "x"}},
		"unknown detail":  {jpegBytes, map[string]string{"sector_detail_id": "999"}},
		"half coordinate": {jpegBytes, map[string]string{"sector_detail_id": "42", "lat": "-18.0"}},
		"bad timestamp":   {jpegBytes, map[string]string{"sector_detail_id": "42", "captured_at": "yesterday"}},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			body, ct := captureForm(t, tc.photo, tc.fields)
			assert.Equal(t, http.StatusBadRequest, f.call(t, http.MethodPost, "/api/submissions", token, body, ct, nil))
		})
	}

	assert.Equal(t, http.StatusBadRequest, f.call(t, http.MethodPost, "/api/submissions", token, strings.NewReader("{}"), "application/json", nil))
}

func TestOfflineSubmitSyncsOnReconnect(t *testing.T) {
	f := newAPI(t)
	token := f.login(t, "dev:u-1")
	f.refresh(t, token)
	f.setOnline(t, false)

	body, ct := captureForm(t, jpegBytes, map[string]string{
		"sector_detail_id": "42",
		"lat":              "-18.01",
		"lng":              "-70.25",
		"comment":          "base lista",
		"captured_at":      "1767225600123",
		"property_id":      "3",
		"property_value":   "12m",
	})
	var created map[string]int64
	require.Equal(t, http.StatusAccepted, f.call(t, http.MethodPost, "/api/submissions", token, body, ct, &created))
	assert.Positive(t, created["local_id"])

	var pending pendingList
	require.Equal(t, http.StatusOK, f.call(t, http.MethodGet, "/api/submissions/pending", token, nil, "", &pending))
	require.Equal(t, 1, pending.Count)
	assert.Equal(t, "tacna/frente_norte/ciudad_nueva/armado_a_42_u-1_1767225600123.jpg", pending.Pending[0].Metadata.Path)
	assert.Zero(t, f.backend.ObjectCount())

	var records repository.RecordsView
	require.Equal(t, http.StatusOK, f.call(t, http.MethodGet, "/api/records", token, nil, "", &records))
	assert.Equal(t, repository.SourceCache, records.Source)

	f.setOnline(t, true)
	require.Eventually(t, func() bool { return f.backend.RecordCount() == 1 }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, func() bool {
		var p pendingList
		return f.call(t, http.MethodGet, "/api/submissions/pending", token, nil, "", &p) == http.StatusOK && p.Count == 0
	}, 5*time.Second, 10*time.Millisecond)

	require.Equal(t, http.StatusOK, f.call(t, http.MethodGet, "/api/records", token, nil, "", &records))
	assert.Equal(t, repository.SourceRemote, records.Source)
	require.Len(t, records.Confirmed, 1)
	assert.Equal(t, "base lista", records.Confirmed[0].Comment)

	require.Equal(t, http.StatusOK, f.call(t, http.MethodGet, "/api/records/detail?detail_id=42", token, nil, "", &records))
	assert.Len(t, records.Confirmed, 1)
	assert.Len(t, f.backend.Attributes(records.Confirmed[0].ID), 1)

	resp := f.do(t, http.MethodGet, "/api/records/export", token, nil, "")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/csv", resp.Header.Get("Content-Type"))
	rows, err := csv.NewReader(resp.Body).ReadAll()
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "Tacna", rows[1][2])
	assert.Equal(t, "Poste EX-02", rows[1][5])
	assert.Equal(t, "base lista", rows[1][9])
}

func TestPendingCancelReplaceRequeue(t *testing.T) {
	f := newAPI(t)
	token := f.login(t, "dev:u-1")
	f.refresh(t, token)
	f.setOnline(t, false)

	body, ct := captureForm(t, jpegBytes, map[string]string{"sector_detail_id": "42"})
	var created map[string]int64
	require.Equal(t, http.StatusAccepted, f.call(t, http.MethodPost, "/api/submissions", token, body, ct, &created))
	oldID := created["local_id"]

	body, ct = captureForm(t, jpegBytes, map[string]string{"sector_detail_id": "43", "comment": "corregido"})
	var replaced map[string]int64
	require.Equal(t, http.StatusOK, f.call(t, http.MethodPost, fmt.Sprintf("/api/submissions/replace?id=%d", oldID), token, body, ct, &replaced))
	newID := replaced["local_id"]
	assert.NotEqual(t, oldID, newID)

	var pending pendingList
	require.Equal(t, http.StatusOK, f.call(t, http.MethodGet, "/api/submissions/pending", token, nil, "", &pending))
	require.Equal(t, 1, pending.Count)
	assert.Equal(t, int64(43), pending.Pending[0].Metadata.SectorDetailID)

	assert.Equal(t, http.StatusNotFound, f.call(t, http.MethodPost, fmt.Sprintf("/api/submissions/requeue?id=%d", oldID), token, nil, "", nil))
	assert.Equal(t, http.StatusOK, f.call(t, http.MethodPost, fmt.Sprintf("/api/submissions/cancel?id=%d", newID), token, nil, "", nil))
	assert.Equal(t, http.StatusNotFound, f.call(t, http.MethodPost, fmt.Sprintf("/api/submissions/cancel?id=%d", newID), token, nil, "", nil))
	assert.Equal(t, http.StatusBadRequest, f.call(t, http.MethodPost, "/api/submissions/cancel?id=abc", token, nil, "", nil))
}

func TestRecordUpdateAndDelete(t *testing.T) {
	f := newAPI(t)
	token := f.login(t, "dev:u-1")
	f.refresh(t, token)

	body, ct := captureForm(t, jpegBytes, map[string]string{"sector_detail_id": "42", "comment": "v1"})
	require.Equal(t, http.StatusAccepted, f.call(t, http.MethodPost, "/api/submissions", token, body, ct, nil))
	require.Eventually(t, func() bool { return f.backend.RecordCount() == 1 }, 5*time.Second, 10*time.Millisecond)

	var records repository.RecordsView
	require.Equal(t, http.StatusOK, f.call(t, http.MethodGet, "/api/records", token, nil, "", &records))
	require.Len(t, records.Confirmed, 1)
	id := records.Confirmed[0].ID

	f.setOnline(t, false)
	body, ct = captureForm(t, nil, map[string]string{"comment": "v2"})
	assert.Equal(t, http.StatusServiceUnavailable, f.call(t, http.MethodPost, fmt.Sprintf("/api/records/update?id=%d", id), token, body, ct, nil))
	assert.Equal(t, http.StatusServiceUnavailable, f.call(t, http.MethodPost, fmt.Sprintf("/api/records/delete?id=%d", id), token, nil, "", nil))

	f.setOnline(t, true)
	body, ct = captureForm(t, jpegBytes, map[string]string{"comment": "v2"})
	var updated models.RemoteRecord
	require.Equal(t, http.StatusOK, f.call(t, http.MethodPost, fmt.Sprintf("/api/records/update?id=%d", id), token, body, ct, &updated))
	assert.Equal(t, "v2", updated.Comment)
	assert.True(t, strings.HasPrefix(updated.FileName, "edit_"))
	assert.Equal(t, 1, f.backend.ObjectCount(), "old photo removed")

	assert.Equal(t, http.StatusOK, f.call(t, http.MethodPost, fmt.Sprintf("/api/records/delete?id=%d", id), token, nil, "", nil))
	assert.Equal(t, http.StatusNotFound, f.call(t, http.MethodPost, fmt.Sprintf("/api/records/delete?id=%d", id), token, nil, "", nil))
	assert.Zero(t, f.backend.RecordCount())
	assert.Zero(t, f.backend.ObjectCount())
}

func TestDrainAndConnectivity(t *testing.T) {
	f := newAPI(t)
	token := f.login(t, "dev:u-1")

	// The login pass may still hold the drain.
	drain := func() reconcile.Result {
		var res reconcile.Result
		require.Eventually(t, func() bool {
			res = reconcile.Result{}
			return f.call(t, http.MethodPost, "/api/sync/drain", token, nil, "", &res) == http.StatusOK
		}, 5*time.Second, 10*time.Millisecond)
		return res
	}
	assert.Zero(t, drain().Attempted)

	assert.Equal(t, http.StatusBadRequest, f.postJSON(t, "/api/connectivity", "", map[string]string{"state": "up"}, nil))

	f.setOnline(t, false)
	var conn map[string]connectivity.Status
	require.Equal(t, http.StatusOK, f.call(t, http.MethodGet, "/api/connectivity", "", nil, "", &conn))
	assert.Equal(t, connectivity.Offline, conn["status"])

	assert.True(t, drain().Offline)
}

func TestSyncEventStream(t *testing.T) {
	f := newAPI(t)
	token := f.login(t, "dev:u-1")
	f.refresh(t, token)

	resp := f.do(t, http.MethodGet, "/api/sync/events?access_token="+token, "", nil, "")
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	lines := make(chan string, 256)
	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(resp.Body)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
	}()

	waitFor := func(substr string) {
		t.Helper()
		timeout := time.After(5 * time.Second)
		for {
			select {
			case line, ok := <-lines:
				require.True(t, ok, "stream ended before %q", substr)
				if strings.Contains(line, substr) {
					return
				}
			case <-timeout:
				t.Fatalf("no %q on the stream", substr)
			}
		}
	}

	waitFor("event: status")

	body, ct := captureForm(t, jpegBytes, map[string]string{"sector_detail_id": "42"})
	require.Equal(t, http.StatusAccepted, f.call(t, http.MethodPost, "/api/submissions", token, body, ct, nil))
	waitFor(`"state":"confirmed"`)
	waitFor(": keep-alive")

	require.Equal(t, http.StatusOK, f.call(t, http.MethodPost, "/api/session/logout", token, nil, "", nil))
	waitFor("event: session_closed")
	for range lines {
	}
}
