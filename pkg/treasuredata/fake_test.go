package treasuredata

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/klauspost/compress/gzip"
)

// fakeAPI is an in-process stand-in for the REST API serving one job.
type fakeAPI struct {
	t *testing.T

	mu            sync.Mutex
	runningPolls  int // status polls answered with "running" before the final status
	finalStatus   string
	numRecords    string
	schema        string
	resultLines   []string
	gzipResult    bool
	issued        []string
	statusPolls   int
	killed        bool
	authHeaders   []string
	issueStatus   int
	resultStarted bool
}

func newFakeAPI(t *testing.T) *fakeAPI {
	return &fakeAPI{
		t:           t,
		finalStatus: StatusSuccess,
		numRecords:  "0",
		schema:      `"[[\"id\",\"bigint\"],[\"name\",\"varchar\"]]"`,
	}
}

func (f *fakeAPI) server() *httptest.Server {
	srv := httptest.NewServer(http.HandlerFunc(f.handle))
	f.t.Cleanup(srv.Close)
	return srv
}

func (f *fakeAPI) handle(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.authHeaders = append(f.authHeaders, r.Header.Get("Authorization"))

	switch {
	case strings.HasPrefix(r.URL.Path, "/v3/job/issue/"):
		if f.issueStatus != 0 {
			w.WriteHeader(f.issueStatus)
			_, _ = w.Write([]byte(`{"message":"Database not found"}`))
			return
		}
		if err := r.ParseForm(); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		f.issued = append(f.issued, r.URL.Path+"|"+r.PostForm.Get("query"))
		_, _ = w.Write([]byte(`{"job":"42","job_id":"42","database":"db"}`))
	case r.URL.Path == "/v3/job/status/42":
		f.statusPolls++
		status := f.finalStatus
		if f.statusPolls <= f.runningPolls {
			status = StatusRunning
		}
		_, _ = w.Write([]byte(`{"job_id":"42","status":"` + status + `"}`))
	case r.URL.Path == "/v3/job/show/42":
		_, _ = w.Write([]byte(`{"job_id":"42","status":"` + f.finalStatus + `","num_records":` + f.numRecords +
			`,"hive_result_schema":` + f.schema + `,"debug":{"stderr":"line 1: syntax error"}}`))
	case r.URL.Path == "/v3/job/kill/42":
		f.killed = true
		_, _ = w.Write([]byte(`{"job_id":"42","former_status":"running"}`))
	case r.URL.Path == "/v3/job/result/42":
		f.resultStarted = true
		if r.URL.Query().Get("format") != "json" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		body := strings.Join(f.resultLines, "\n")
		if f.gzipResult && strings.Contains(r.Header.Get("Accept-Encoding"), "gzip") {
			w.Header().Set("Content-Encoding", "gzip")
			zw := gzip.NewWriter(w)
			_, _ = zw.Write([]byte(body))
			_ = zw.Close()
			return
		}
		_, _ = w.Write([]byte(body))
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func (f *fakeAPI) wasKilled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.killed
}
