package web

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
	_ "time/tzdata"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"groupcal/internal/aggregate"
	"groupcal/internal/calsync"
	"groupcal/internal/config"
	"groupcal/internal/directory"
	"groupcal/internal/ics"
	"groupcal/internal/importer"
	"groupcal/internal/metrics"
	"groupcal/internal/model"
	"groupcal/internal/store"
)

type failingPuts struct {
	*store.MemoryBackend
	fail bool
}

func (f *failingPuts) Put(ctx context.Context, key string, value []byte) error {
	if f.fail {
		return errors.New("read-only filesystem")
	}
	return f.MemoryBackend.Put(ctx, key, value)
}

type fixture struct {
	srv     *Server
	cal     *calsync.Controller
	backend *failingPuts
	cfg     *config.Config
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Timezone = "Asia/Seoul"
	cfg.Groups = []model.Group{{ID: "G1", Name: "Readers Club"}}
	if mutate != nil {
		mutate(cfg)
	}

	backend := &failingPuts{MemoryBackend: store.NewMemoryBackend()}
	rs := store.New(backend)
	m := metrics.New()
	agg := aggregate.New(rs, directory.NewStatic(cfg.Groups), aggregate.WithMetrics(m))
	cal := calsync.New(rs, agg, calsync.WithMetrics(m))
	cal.Start(context.Background())
	t.Cleanup(cal.Close)

	imp := importer.New(cal, ics.NewFetcher(t.TempDir(), nil))
	return &fixture{srv: NewServer(cfg, cal, imp, m), cal: cal, backend: backend, cfg: cfg}
}

func (f *fixture) do(t *testing.T, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, path, strings.NewReader(body))
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	return rec
}

func TestHealth(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodGet, "/health", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestCreateListDelete(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/groups/G1/events",
		`{"title":"Weekly Sync","scheduled_at":"2025-01-06T10:00:00Z","location":"Main Hall","description":"desc"}`)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var created model.GroupEvent
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &created))
	require.NotEmpty(t, created.ID)

	rec = f.do(t, http.MethodGet, "/api/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var resp eventsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Len(t, resp.Events, 1)
	assert.Equal(t, "Readers Club", resp.Events[0].GroupName)
	assert.Equal(t, "Asia/Seoul", resp.DisplayTimeZone)
	assert.Equal(t, 19, resp.Events[0].ScheduledAt.Hour())
	assert.Equal(t, aggregate.DefaultPalette[0], resp.Events[0].Color)

	rec = f.do(t, http.MethodGet, "/api/groups/G1/events", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), created.ID)

	rec = f.do(t, http.MethodDelete, "/api/groups/G1/events/"+created.ID, "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/events", "")
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Empty(t, resp.Events)
}

func TestCreateValidationAndBadBody(t *testing.T) {
	f := newFixture(t, nil)

	rec := f.do(t, http.MethodPost, "/api/groups/G1/events", `{"title":"","scheduled_at":"2025-01-06T10:00:00Z"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/groups/G1/events", `{"title":`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = f.do(t, http.MethodPost, "/api/groups/G1/events", `{"title":"x","when":"tomorrow"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestCreatePersistenceFailure(t *testing.T) {
	f := newFixture(t, nil)
	f.backend.fail = true

	rec := f.do(t, http.MethodPost, "/api/groups/G1/events", `{"title":"x","scheduled_at":"2025-01-06T10:00:00Z"}`)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "could not save changes to group G1")
}

func TestRefreshAndExport(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.cal.CreateEvent(context.Background(), "G1", model.EventInput{
		Title:       "Book swap",
		ScheduledAt: time.Date(2025, 2, 1, 15, 0, 0, 0, time.UTC),
	})
	require.NoError(t, err)

	rec := f.do(t, http.MethodPost, "/api/refresh", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/events?refresh=1", "")
	require.Equal(t, http.StatusOK, rec.Code)

	rec = f.do(t, http.MethodGet, "/api/events.ics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/calendar; charset=utf-8", rec.Header().Get("Content-Type"))
	body := rec.Body.String()
	assert.Contains(t, body, "SUMMARY:Book swap")
	assert.Contains(t, body, "CATEGORIES:Readers Club")
	assert.Contains(t, body, "X-GROUPCAL-GROUP-ID:G1")
}

func TestBasicAuth(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.BasicAuth = &config.BasicAuthConfig{Username: "admin", Password: "pw"}
	})

	assert.Equal(t, http.StatusOK, f.do(t, http.MethodGet, "/health", "").Code)
	assert.Equal(t, http.StatusUnauthorized, f.do(t, http.MethodGet, "/api/events", "").Code)

	req := httptest.NewRequest(http.MethodGet, "/api/events", nil)
	req.SetBasicAuth("admin", "pw")
	rec := httptest.NewRecorder()
	f.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	f := newFixture(t, nil)
	_, err := f.cal.Refresh(context.Background())
	require.NoError(t, err)

	rec := f.do(t, http.MethodGet, "/metrics", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "groupcal_refreshes_total")
}

func TestImportRejectsLocalPaths(t *testing.T) {
	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/api/groups/G1/import", `{"url":"/etc/passwd"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestImportFromURL(t *testing.T) {
	feed := "BEGIN:VCALENDAR\r\nVERSION:2.0\r\nPRODID:-//t//t\r\n" +
		"BEGIN:VEVENT\r\nUID:x\r\nDTSTAMP:20250101T000000Z\r\nDTSTART:20250401T100000Z\r\nSUMMARY:Imported\r\nEND:VEVENT\r\n" +
		"END:VCALENDAR\r\n"
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(feed))
	}))
	defer upstream.Close()

	f := newFixture(t, nil)
	rec := f.do(t, http.MethodPost, "/api/groups/G1/import", `{"url":"`+upstream.URL+`/club.ics"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var res importer.Result
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &res))
	assert.Equal(t, 1, res.Imported)
	assert.Len(t, f.cal.GetAllEvents(), 1)
}

func TestStream(t *testing.T) {
	f := newFixture(t, nil)
	ts := httptest.NewServer(f.srv.Handler())
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ts.URL+"/api/stream", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	reader := bufio.NewReader(resp.Body)
	readEvent := func() eventsResponse {
		var data string
		for {
			line, err := reader.ReadString('\n')
			require.NoError(t, err)
			line = strings.TrimRight(line, "\n")
			if line == "" && data != "" {
				break
			}
			if strings.HasPrefix(line, "data: ") {
				data = strings.TrimPrefix(line, "data: ")
			}
		}
		var er eventsResponse
		require.NoError(t, json.Unmarshal([]byte(data), &er))
		return er
	}

	first := readEvent()
	assert.Empty(t, first.Events)

	_, err = f.cal.CreateEvent(context.Background(), "G1", model.EventInput{Title: "Live", ScheduledAt: time.Now()})
	require.NoError(t, err)

	second := readEvent()
	require.Len(t, second.Events, 1)
	assert.Equal(t, "Live", second.Events[0].Title)
}

func TestServeStopsWithOpenStream(t *testing.T) {
	f := newFixture(t, nil)
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	errCh := make(chan error, 1)
	go func() { errCh <- f.srv.Serve(ctx, ln) }()

	resp, err := http.Get("http://" + ln.Addr().String() + "/api/stream")
	require.NoError(t, err)
	defer resp.Body.Close()
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, "event: snapshot\n", line)

	start := time.Now()
	cancel()
	select {
	case err := <-errCh:
		require.NoError(t, err)
		assert.Less(t, time.Since(start), 3*time.Second)
	case <-time.After(4 * time.Second):
		t.Fatal("server did not stop while a stream was open")
	}
}
