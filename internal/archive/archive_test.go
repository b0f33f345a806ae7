package archive_test

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kingrea/labflow/internal/archive"
	"github.com/kingrea/labflow/internal/journal"
	"github.com/kingrea/labflow/internal/operator"
	"github.com/kingrea/labflow/internal/protocol"
	"github.com/kingrea/labflow/internal/robot"
	"github.com/kingrea/labflow/internal/robot/sim"
	"github.com/kingrea/labflow/internal/sequencer"
	"github.com/kingrea/labflow/internal/stages"
)

// fakeS3 answers the handful of path-style S3 calls the store makes.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (f *fakeS3) RoundTrip(req *http.Request) (*http.Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	parts := strings.SplitN(strings.TrimPrefix(req.URL.Path, "/"), "/", 2)
	key := ""
	if len(parts) == 2 {
		key = parts[1]
	}
	if req.Method == http.MethodGet && req.URL.Query().Get("list-type") == "2" {
		prefix := req.URL.Query().Get("prefix")
		var keys []string
		for k := range f.objects {
			if strings.HasPrefix(k, prefix) {
				keys = append(keys, k)
			}
		}
		sort.Strings(keys)
		var b strings.Builder
		b.WriteString(`<?xml version="1.0" encoding="UTF-8"?><ListBucketResult><IsTruncated>false</IsTruncated>`)
		for _, k := range keys {
			fmt.Fprintf(&b, "<Contents><Key>%s</Key><Size>%d</Size></Contents>", k, len(f.objects[k]))
		}
		b.WriteString("</ListBucketResult>")
		return respond(http.StatusOK, b.String(), "application/xml"), nil
	}
	switch req.Method {
	case http.MethodPut:
		body, err := io.ReadAll(req.Body)
		if err != nil {
			return nil, err
		}
		f.objects[key] = body
		return respond(http.StatusOK, "", ""), nil
	case http.MethodGet:
		body, ok := f.objects[key]
		if !ok {
			return respond(http.StatusNotFound,
				`<?xml version="1.0" encoding="UTF-8"?><Error><Code>NoSuchKey</Code><Message>missing</Message></Error>`,
				"application/xml"), nil
		}
		return respond(http.StatusOK, string(body), "application/octet-stream"), nil
	}
	return respond(http.StatusNotImplemented, "", ""), nil
}

func respond(status int, body, contentType string) *http.Response {
	h := http.Header{}
	if contentType != "" {
		h.Set("Content-Type", contentType)
	}
	return &http.Response{
		StatusCode:    status,
		Header:        h,
		Body:          io.NopCloser(bytes.NewReader([]byte(body))),
		ContentLength: int64(len(body)),
	}
}

func newS3(t *testing.T) (*archive.S3Store, *fakeS3) {
	t.Helper()
	fake := &fakeS3{objects: map[string][]byte{}}
	store, err := archive.NewS3Store(context.Background(), archive.S3Config{
		Bucket:    "runs-bucket",
		Region:    "eu-west-1",
		Endpoint:  "https://s3.lab.local",
		Prefix:    "labflow/",
		PathStyle: true,
	},
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider("AKID", "SECRET", "")),
		config.WithHTTPClient(&http.Client{Transport: fake}),
	)
	require.NoError(t, err)
	return store, fake
}

func stores(t *testing.T) map[string]archive.Store {
	t.Helper()
	fsStore, err := archive.NewFSStore(t.TempDir())
	require.NoError(t, err)
	s3Store, _ := newS3(t)
	return map[string]archive.Store{
		"memory": archive.NewMemoryStore(),
		"fs":     fsStore,
		"s3":     s3Store,
	}
}

func TestStoresPutGetList(t *testing.T) {
	for name, store := range stores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			require.NoError(t, store.Put(ctx, "runs/b/report.json", []byte(`{"run_id":"b"}`), "application/json"))
			require.NoError(t, store.Put(ctx, "runs/a/report.json", []byte(`{"run_id":"a"}`), "application/json"))
			require.NoError(t, store.Put(ctx, "notes/readme.txt", []byte("hi"), "text/plain"))

			data, err := store.Get(ctx, "runs/a/report.json")
			require.NoError(t, err)
			assert.JSONEq(t, `{"run_id":"a"}`, string(data))

			keys, err := store.List(ctx, "runs/")
			require.NoError(t, err)
			assert.Equal(t, []string{"runs/a/report.json", "runs/b/report.json"}, keys)

			_, err = store.Get(ctx, "runs/zzz/report.json")
			assert.ErrorIs(t, err, archive.ErrNotFound)

			assert.Error(t, store.Put(ctx, "../escape", nil, ""))
			assert.Error(t, store.Put(ctx, "/abs", nil, ""))
		})
	}
}

func TestS3StoreUsesPrefix(t *testing.T) {
	store, fake := newS3(t)
	require.NoError(t, store.Put(context.Background(), "runs/x/report.json", []byte("{}"), "application/json"))
	_, ok := fake.objects["labflow/runs/x/report.json"]
	assert.True(t, ok)
}

func TestOpenDrivers(t *testing.T) {
	ctx := context.Background()
	store, err := archive.Open(ctx, archive.Options{Driver: archive.DriverNone})
	require.NoError(t, err)
	assert.Nil(t, store)

	store, err = archive.Open(ctx, archive.Options{Driver: archive.DriverFS, Root: t.TempDir()})
	require.NoError(t, err)
	assert.IsType(t, &archive.FSStore{}, store)

	_, err = archive.Open(ctx, archive.Options{Driver: archive.DriverS3})
	assert.Error(t, err)
	_, err = archive.Open(ctx, archive.Options{Driver: "ftp"})
	assert.Error(t, err)
}

func TestArchiverSavesFinishedRuns(t *testing.T) {
	store := archive.NewMemoryStore()
	j := journal.NewMemoryStore()
	rec := journal.NewRecorder(j)
	arch := archive.NewArchiver(store, archive.WithJournal(j))

	exec := sim.New()
	ctl, err := robot.NewController(robot.Chain(exec, rec.Middleware()),
		robot.WithOperator(operator.AutoConfirm()), robot.WithSleeper(&operator.Skip{}))
	require.NoError(t, err)
	seq, err := sequencer.New(stages.NewRegistry(), ctl, sequencer.WithObservers(rec, arch))
	require.NoError(t, err)
	lib, err := protocol.NewLibrary("")
	require.NoError(t, err)
	def, err := lib.Lookup("media-change-without-wash")
	require.NoError(t, err)

	ctx := context.Background()
	rep, err := seq.Run(ctx, def)
	require.NoError(t, err)
	require.NoError(t, arch.Err())

	saved, err := archive.LoadReport(ctx, store, rep.RunID)
	require.NoError(t, err)
	assert.Equal(t, rep.RunID, saved.RunID)
	assert.Equal(t, sequencer.StatusCompleted, saved.Status)
	assert.Equal(t, rep.Totals.TotalDispensed(), saved.Totals.TotalDispensed())

	lines, err := store.Get(ctx, archive.CommandsKey(rep.RunID))
	require.NoError(t, err)
	assert.Equal(t, len(exec.Commands()), strings.Count(string(lines), "\n"))

	ids, err := archive.RunIDs(ctx, store)
	require.NoError(t, err)
	assert.Equal(t, []string{rep.RunID}, ids)
}
