package export_test

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zip"
	"github.com/m-mizutani/convsync/pkg/adapter"
	"github.com/m-mizutani/convsync/pkg/export"
	"github.com/m-mizutani/convsync/pkg/model"
	"github.com/m-mizutani/gt"
)

const sampleCSV = "conversation_id,conversation_started_at,ai_cx_score_rating\n500,1700000000,92\n501,1731398400,4.2\n"

func gzipBytes(t *testing.T, data string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write([]byte(data))
	gt.NoError(t, err)
	gt.NoError(t, w.Close())
	return buf.Bytes()
}

func zipBytes(t *testing.T, name, data string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	_, err := w.Create("reports/")
	gt.NoError(t, err)
	f, err := w.Create(name)
	gt.NoError(t, err)
	_, err = f.Write([]byte(data))
	gt.NoError(t, err)
	gt.NoError(t, w.Close())
	return buf.Bytes()
}

// fakeAPI serves the export endpoints. statusFn receives the 1-based poll
// number and writes the status response.
type fakeAPI struct {
	polls    atomic.Int32
	statusFn func(w http.ResponseWriter, r *http.Request, poll int)
	mux      *http.ServeMux
	srv      *httptest.Server
}

func newFakeAPI(t *testing.T, statusFn func(w http.ResponseWriter, r *http.Request, poll int)) *fakeAPI {
	api := &fakeAPI{statusFn: statusFn, mux: http.NewServeMux()}
	api.mux.HandleFunc("/export/reporting_data/enqueue", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"job_identifier": "job-1", "status": "pending"}`))
	})
	api.mux.HandleFunc("/export/reporting_data/job-1", func(w http.ResponseWriter, r *http.Request) {
		api.statusFn(w, r, int(api.polls.Add(1)))
	})
	api.srv = httptest.NewServer(api.mux)
	t.Cleanup(api.srv.Close)
	return api
}

func (a *fakeAPI) client(t *testing.T, opts ...export.Option) *export.Client {
	t.Helper()
	intercom, err := adapter.NewIntercom("token", adapter.WithIntercomBaseURL(a.srv.URL))
	gt.NoError(t, err)

	defaults := []export.Option{
		export.WithPollInterval(time.Millisecond, 2*time.Millisecond),
		export.WithTimeout(5 * time.Second),
	}
	return export.New(intercom, append(defaults, opts...)...)
}

func testWindow() model.Window {
	return model.Window{
		Start: time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC),
		End:   time.Date(2025, 1, 2, 0, 0, 0, 0, time.UTC),
	}
}

func TestStateOf(t *testing.T) {
	gt.Equal(t, export.StateOf(&adapter.ExportStatus{Status: "COMPLETED"}), export.StateComplete)
	gt.Equal(t, export.StateOf(&adapter.ExportStatus{Status: "success"}), export.StateComplete)
	gt.Equal(t, export.StateOf(&adapter.ExportStatus{Status: "pending", DownloadURL: "https://x"}), export.StateComplete)
	gt.Equal(t, export.StateOf(&adapter.ExportStatus{Status: "Error"}), export.StateFailed)
	gt.Equal(t, export.StateOf(&adapter.ExportStatus{Status: "failed"}), export.StateFailed)
	gt.Equal(t, export.StateOf(&adapter.ExportStatus{Status: "running"}), export.StateRunning)
	gt.Equal(t, export.StateOf(&adapter.ExportStatus{}), export.StateRunning)
}

func TestRunCompletes(t *testing.T) {
	var api *fakeAPI
	api = newFakeAPI(t, func(w http.ResponseWriter, r *http.Request, poll int) {
		if poll < 3 {
			_, _ = w.Write([]byte(`{"status": "running"}`))
			return
		}
		_, _ = w.Write([]byte(`{"status": "completed", "download_url": "` + api.srv.URL + `/files/export.csv.gz"}`))
	})
	api.mux.HandleFunc("/files/export.csv.gz", func(w http.ResponseWriter, r *http.Request) {
		gt.Equal(t, r.Header.Get("Authorization"), "")
		_, _ = w.Write(gzipBytes(t, sampleCSV))
	})

	result, err := api.client(t).Run(context.Background(), testWindow(), []string{"conversation_id"})
	gt.NoError(t, err)
	gt.Equal(t, result.JobID, "job-1")
	gt.Equal(t, int(api.polls.Load()), 3)
	gt.A(t, result.Rows).Length(2)
	gt.Equal(t, result.Rows[0]["conversation_id"], "500")
	gt.Equal(t, result.Rows[1]["ai_cx_score_rating"], "4.2")
	gt.Equal(t, export.Sniff(result.Payload), export.EncodingGzip)
}

func TestAwaitFailedStopsPolling(t *testing.T) {
	api := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request, poll int) {
		_, _ = w.Write([]byte(`{"status": "failed", "reason": "dataset unavailable"}`))
	})
	client := api.client(t)

	_, err := client.Await(context.Background(), "job-1")
	gt.Error(t, err)
	gt.True(t, errors.Is(err, model.ErrJobFailed))
	gt.False(t, errors.Is(err, model.ErrJobTimeout))

	time.Sleep(20 * time.Millisecond)
	gt.Equal(t, int(api.polls.Load()), 1)
}

func TestAwaitTimeout(t *testing.T) {
	api := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request, poll int) {
		_, _ = w.Write([]byte(`{"status": "running"}`))
	})
	client := api.client(t, export.WithTimeout(30*time.Millisecond))

	_, err := client.Await(context.Background(), "job-1")
	gt.Error(t, err)
	gt.True(t, errors.Is(err, model.ErrJobTimeout))
	gt.False(t, errors.Is(err, model.ErrJobFailed))
	gt.True(t, api.polls.Load() > 1)
}

func TestAwaitRetriesTransientErrors(t *testing.T) {
	api := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request, poll int) {
		if poll == 1 {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		_, _ = w.Write([]byte(`{"status": "complete"}`))
	})

	status, err := api.client(t).Await(context.Background(), "job-1")
	gt.NoError(t, err)
	gt.Equal(t, status.Status, "complete")
	gt.Equal(t, int(api.polls.Load()), 2)
}

func TestAwaitAuthErrorIsFatal(t *testing.T) {
	api := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request, poll int) {
		w.WriteHeader(http.StatusUnauthorized)
	})

	_, err := api.client(t).Await(context.Background(), "job-1")
	gt.Error(t, err)
	gt.True(t, errors.Is(err, model.ErrAuth))
	gt.Equal(t, int(api.polls.Load()), 1)
}

func TestAwaitCanceled(t *testing.T) {
	api := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request, poll int) {
		_, _ = w.Write([]byte(`{"status": "running"}`))
	})
	client := api.client(t, export.WithPollInterval(10*time.Millisecond, 10*time.Millisecond))

	ctx, cancel := context.WithTimeout(context.Background(), 25*time.Millisecond)
	defer cancel()

	_, err := client.Await(ctx, "job-1")
	gt.Error(t, err)
	gt.True(t, errors.Is(err, context.DeadlineExceeded))
	gt.False(t, errors.Is(err, model.ErrJobTimeout))
}

func TestDownloadChain(t *testing.T) {
	t.Run("presigned with auth", func(t *testing.T) {
		api := newFakeAPI(t, nil)
		api.mux.HandleFunc("/files/signed.csv", func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Authorization") == "" {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			_, _ = w.Write([]byte(sampleCSV))
		})

		payload, err := api.client(t).Download(context.Background(), &adapter.ExportStatus{
			JobID:       "job-1",
			DownloadURL: api.srv.URL + "/files/signed.csv",
		})
		gt.NoError(t, err)
		gt.Equal(t, string(payload), sampleCSV)
	})

	t.Run("fallback endpoint", func(t *testing.T) {
		api := newFakeAPI(t, nil)
		var presigned atomic.Int32
		api.mux.HandleFunc("/files/broken.csv", func(w http.ResponseWriter, r *http.Request) {
			presigned.Add(1)
			w.WriteHeader(http.StatusInternalServerError)
		})
		api.mux.HandleFunc("/download/reporting_data/job-1", func(w http.ResponseWriter, r *http.Request) {
			gt.Equal(t, r.URL.Query().Get("job_identifier"), "job-1")
			_, _ = w.Write(zipBytes(t, "export.csv", sampleCSV))
		})

		payload, err := api.client(t).Download(context.Background(), &adapter.ExportStatus{
			JobID:       "job-1",
			DownloadURL: api.srv.URL + "/files/broken.csv",
		})
		gt.NoError(t, err)
		gt.Equal(t, int(presigned.Load()), 2)
		gt.Equal(t, export.Sniff(payload), export.EncodingZip)
	})

	t.Run("no reference goes straight to the endpoint", func(t *testing.T) {
		api := newFakeAPI(t, nil)
		api.mux.HandleFunc("/download/reporting_data/job-1", func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(sampleCSV))
		})

		payload, err := api.client(t).Download(context.Background(), &adapter.ExportStatus{JobID: "job-1"})
		gt.NoError(t, err)
		gt.Equal(t, string(payload), sampleCSV)
	})

	t.Run("all attempts fail", func(t *testing.T) {
		api := newFakeAPI(t, nil)
		api.mux.HandleFunc("/files/broken.csv", func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusBadRequest)
		})

		_, err := api.client(t).Download(context.Background(), &adapter.ExportStatus{
			JobID:       "job-1",
			DownloadURL: api.srv.URL + "/files/broken.csv",
		})
		gt.Error(t, err)
		// the dedicated endpoint is not registered, so the last failure is a 404
		gt.True(t, errors.Is(err, model.ErrNotFound))
	})
}

func TestDecode(t *testing.T) {
	t.Run("plain csv with bom", func(t *testing.T) {
		rows, err := export.Decode(append([]byte{0xef, 0xbb, 0xbf}, []byte(sampleCSV)...))
		gt.NoError(t, err)
		gt.A(t, rows).Length(2)
		gt.Equal(t, rows[0]["conversation_id"], "500")
	})

	t.Run("gzip", func(t *testing.T) {
		rows, err := export.Decode(gzipBytes(t, sampleCSV))
		gt.NoError(t, err)
		gt.A(t, rows).Length(2)
	})

	t.Run("zip first file member", func(t *testing.T) {
		rows, err := export.Decode(zipBytes(t, "export.csv", sampleCSV))
		gt.NoError(t, err)
		gt.A(t, rows).Length(2)
		gt.Equal(t, rows[1]["conversation_id"], "501")
	})

	t.Run("empty payload", func(t *testing.T) {
		rows, err := export.Decode(nil)
		gt.NoError(t, err)
		gt.A(t, rows).Length(0)
	})

	t.Run("header only", func(t *testing.T) {
		rows, err := export.Decode([]byte("conversation_id,tags\n"))
		gt.NoError(t, err)
		gt.A(t, rows).Length(0)
	})

	t.Run("ragged rows", func(t *testing.T) {
		rows, err := export.Decode([]byte("a,b,c\n1,2\n3,4,5,6\n"))
		gt.NoError(t, err)
		gt.A(t, rows).Length(2)
		gt.Equal(t, rows[0], model.RawRow{"a": "1", "b": "2"})
		gt.Equal(t, rows[1], model.RawRow{"a": "3", "b": "4", "c": "5"})
	})

	t.Run("quoted values", func(t *testing.T) {
		rows, err := export.Decode([]byte("conversation_id,ai_cx_score_explanation\n1,\"slow, but \"\"fine\"\"\"\n"))
		gt.NoError(t, err)
		gt.Equal(t, rows[0]["ai_cx_score_explanation"], `slow, but "fine"`)
	})

	t.Run("corrupt gzip", func(t *testing.T) {
		_, err := export.Decode([]byte{0x1f, 0x8b, 0x00, 0x01, 0x02})
		gt.Error(t, err)
		gt.True(t, errors.Is(err, model.ErrDecode))
	})

	t.Run("corrupt zip", func(t *testing.T) {
		_, err := export.Decode([]byte{0x50, 0x4b, 0x03, 0x04, 0x00, 0x00})
		gt.Error(t, err)
		gt.True(t, errors.Is(err, model.ErrDecode))
	})

	t.Run("not utf-8", func(t *testing.T) {
		_, err := export.Decode([]byte{0xff, 0xfe, 0x00, 0x41, 0xc3, 0x28})
		gt.Error(t, err)
		gt.True(t, errors.Is(err, model.ErrDecode))
	})

	t.Run("malformed csv", func(t *testing.T) {
		_, err := export.Decode([]byte("a,b\n\"unterminated,2\n"))
		gt.Error(t, err)
		gt.True(t, errors.Is(err, model.ErrDecode))
	})
}

func TestEncodingExtension(t *testing.T) {
	gt.Equal(t, export.EncodingGzip.Extension(), "csv.gz")
	gt.Equal(t, export.EncodingZip.Extension(), "zip")
	gt.Equal(t, export.EncodingCSV.Extension(), "csv")
	gt.S(t, export.DetectMIME([]byte(sampleCSV))).Contains("text/")
}

func TestRunKeepsPayloadOnDecodeFailure(t *testing.T) {
	var api *fakeAPI
	api = newFakeAPI(t, func(w http.ResponseWriter, r *http.Request, poll int) {
		_, _ = w.Write([]byte(`{"status": "completed", "download_url": "` + api.srv.URL + `/files/broken.gz"}`))
	})
	api.mux.HandleFunc("/files/broken.gz", func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte("\x1f\x8bnot really gzip"))
	})

	result, err := api.client(t).Run(context.Background(), testWindow(), []string{"conversation_id"})
	gt.True(t, errors.Is(err, model.ErrDecode))
	gt.Equal(t, result.JobID, "job-1")
	gt.Equal(t, string(result.Payload), "\x1f\x8bnot really gzip")
	gt.A(t, result.Rows).Length(0)
}

func TestRunReturnsJobIDWhenJobFails(t *testing.T) {
	api := newFakeAPI(t, func(w http.ResponseWriter, r *http.Request, poll int) {
		_, _ = w.Write([]byte(`{"status": "failed"}`))
	})

	result, err := api.client(t).Run(context.Background(), testWindow(), []string{"conversation_id"})
	gt.True(t, errors.Is(err, model.ErrJobFailed))
	gt.Equal(t, result.JobID, "job-1")
	gt.A(t, result.Payload).Length(0)
}
