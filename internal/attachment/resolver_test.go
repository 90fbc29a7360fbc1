package attachment

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

const longID = "N7Aibhtm0opQdgxXoNccIwvDnwh"

// fakeOpenAPI records every request URI it receives.
type fakeOpenAPI struct {
	*httptest.Server
	mux *http.ServeMux

	mu   sync.Mutex
	hits []string
	auth []string
}

func newFakeOpenAPI(t *testing.T) *fakeOpenAPI {
	t.Helper()
	f := &fakeOpenAPI{mux: http.NewServeMux()}
	f.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		f.mu.Lock()
		f.hits = append(f.hits, r.URL.RequestURI())
		f.auth = append(f.auth, r.Header.Get("Authorization"))
		f.mu.Unlock()
		f.mux.ServeHTTP(w, r)
	}))
	t.Cleanup(f.Close)
	return f
}

func (f *fakeOpenAPI) requests() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.hits...)
}

func servePNG(data []byte) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "image/png")
		w.Write(data)
	}
}

func TestResolve_LongFormWithRecordContextTriesRecordFirst(t *testing.T) {
	api := newFakeOpenAPI(t)
	img := noisyPNG(t, 40, 30)

	api.mux.HandleFunc("GET /open-apis/bitable/v1/apps/app1/tables/tbl1/records/rec1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"code":0,"data":{"record":{"record_id":"rec1","fields":{
			"昵称":"Ann",
			"微信二维码":[{"file_token":%q,"name":"qr.png","url":"%s/attachments/qr.png"}]}}}}`, longID, api.URL)
	})
	api.mux.HandleFunc("GET /attachments/qr.png", servePNG(img))

	r := New(api.URL)
	got, err := r.Resolve(context.Background(), "t-123", longID, RecordContext{AppToken: "app1", TableID: "tbl1", RecordID: "rec1"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Width != 40 || got.Height != 30 {
		t.Errorf("size = %dx%d, want 40x30", got.Width, got.Height)
	}
	if got.Endpoint != familyAttachment || got.Token != longID {
		t.Errorf("endpoint/token = %s/%s", got.Endpoint, got.Token)
	}

	reqs := api.requests()
	if len(reqs) == 0 || !strings.HasPrefix(reqs[0], "/open-apis/bitable/v1/apps/app1/tables/tbl1/records/rec1") {
		t.Fatalf("first request = %v, want record lookup", reqs)
	}
	for _, req := range reqs {
		if strings.Contains(req, "/drive/v1/medias/"+longID+"/download") && !strings.Contains(req, "extra=") {
			t.Errorf("direct media download attempted before record lookup succeeded: %s", req)
		}
	}
	for i, a := range api.auth {
		if a != "Bearer t-123" {
			t.Errorf("request %d auth = %q", i, a)
		}
	}
}

func TestResolve_RecordTokensSkipCollectionScan(t *testing.T) {
	api := newFakeOpenAPI(t)
	img := noisyPNG(t, 20, 20)
	const canonical = "boxcnCanonicalToken0000000001"

	api.mux.HandleFunc("GET /open-apis/bitable/v1/apps/app1/tables/tbl1/records/rec1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"code":0,"data":{"record":{"fields":{"att":[{"file_token":%q,"name":"a.png"}]}}}}`, canonical)
	})
	api.mux.HandleFunc("GET /open-apis/bitable/v1/apps/app1/tables/tbl1/records", func(w http.ResponseWriter, r *http.Request) {
		t.Error("collection scan ran although the record yielded tokens")
	})
	api.mux.HandleFunc("GET /open-apis/drive/v1/files/{token}/download", func(w http.ResponseWriter, r *http.Request) {
		if r.PathValue("token") != canonical {
			http.NotFound(w, r)
			return
		}
		servePNG(img)(w, r)
	})

	got, err := New(api.URL).Resolve(context.Background(), "t", "short1", RecordContext{AppToken: "app1", TableID: "tbl1", RecordID: "rec1"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Token != canonical || got.Endpoint != familyFile {
		t.Errorf("token/endpoint = %s/%s, want canonical/file", got.Token, got.Endpoint)
	}
}

func TestResolve_CollectionScanWhenRecordHasNoAttachments(t *testing.T) {
	api := newFakeOpenAPI(t)
	img := noisyPNG(t, 25, 25)

	api.mux.HandleFunc("GET /open-apis/bitable/v1/apps/app1/tables/tbl1/records/rec1", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprint(w, `{"code":0,"data":{"record":{"fields":{"昵称":"Ann"}}}}`)
	})
	api.mux.HandleFunc("GET /open-apis/bitable/v1/apps/app1/tables/tbl1/records", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("page_size") != "100" {
			t.Errorf("page_size = %q", r.URL.Query().Get("page_size"))
		}
		if r.URL.Query().Get("page_token") == "" {
			fmt.Fprint(w, `{"code":0,"data":{"has_more":true,"page_token":"p2","items":[{"record_id":"x","fields":{"att":[{"file_token":"other"}]}}]}}`)
			return
		}
		fmt.Fprintf(w, `{"code":0,"data":{"has_more":false,"items":[{"record_id":"y","fields":{"att":[{"file_token":%q,"url":"%s/att/y"}]}}]}}`, longID, api.URL)
	})
	api.mux.HandleFunc("GET /att/y", servePNG(img))

	got, err := New(api.URL).Resolve(context.Background(), "t", longID, RecordContext{AppToken: "app1", TableID: "tbl1", RecordID: "rec1"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Width != 25 {
		t.Errorf("width = %d, want 25", got.Width)
	}
	scans := 0
	for _, req := range api.requests() {
		if strings.HasPrefix(req, "/open-apis/bitable/v1/apps/app1/tables/tbl1/records?") {
			scans++
		}
	}
	if scans != 2 {
		t.Errorf("scan pages = %d, want 2", scans)
	}
}

func TestResolve_FallsThroughToNextFamily(t *testing.T) {
	api := newFakeOpenAPI(t)
	img := noisyPNG(t, 50, 10)

	api.mux.HandleFunc("GET /open-apis/im/v1/images/{key}", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusBadRequest)
		fmt.Fprint(w, `{"code":234001,"msg":"invalid image key"}`)
	})
	api.mux.HandleFunc("GET /open-apis/drive/v1/medias/{token}/download", servePNG(noisyPNG(t, 1, 1)))
	api.mux.HandleFunc("GET /open-apis/drive/v1/files/{token}/download", servePNG(img))

	got, err := New(api.URL).Resolve(context.Background(), "t", "img_v3_abc", RecordContext{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Endpoint != familyFile || got.Width != 50 || got.Height != 10 {
		t.Errorf("got %s %dx%d", got.Endpoint, got.Width, got.Height)
	}
	want := []string{
		"/open-apis/im/v1/images/img_v3_abc",
		"/open-apis/drive/v1/medias/img_v3_abc/download",
		"/open-apis/drive/v1/files/img_v3_abc/download",
	}
	if diff := cmp.Diff(want, api.requests()); diff != "" {
		t.Errorf("requests mismatch (-want +got):\n%s", diff)
	}
}

func TestResolve_TmpDownloadURL(t *testing.T) {
	api := newFakeOpenAPI(t)
	img := noisyPNG(t, 64, 48)

	api.mux.HandleFunc("GET /open-apis/drive/v1/medias/{token}/download", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
	})
	api.mux.HandleFunc("GET /open-apis/drive/v1/medias/batch_get_tmp_download_url", func(w http.ResponseWriter, r *http.Request) {
		fmt.Fprintf(w, `{"code":0,"data":{"tmp_download_urls":[{"file_token":%q,"tmp_download_url":"%s/signed/abc"}]}}`,
			r.URL.Query().Get("file_tokens"), api.URL)
	})
	api.mux.HandleFunc("GET /signed/abc", servePNG(img))

	got, err := New(api.URL).Resolve(context.Background(), "t", longID, RecordContext{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Endpoint != familyMediaTmp {
		t.Errorf("endpoint = %s, want %s", got.Endpoint, familyMediaTmp)
	}
	reqs := api.requests()
	if last := api.auth[len(api.auth)-1]; last != "" {
		t.Errorf("signed url request carried auth %q (requests %v)", last, reqs)
	}
}

func TestResolve_FailureReport(t *testing.T) {
	api := newFakeOpenAPI(t)

	_, err := New(api.URL).Resolve(context.Background(), "t", "abc123", RecordContext{})
	if !errors.Is(err, ErrUnresolved) {
		t.Fatalf("err = %v, want ErrUnresolved", err)
	}
	var rf *ResolutionFailure
	if !errors.As(err, &rf) {
		t.Fatalf("err = %T, want *ResolutionFailure", err)
	}
	if rf.Class != ClassShort || rf.Attempts != 2 {
		t.Errorf("class/attempts = %s/%d, want short/2", rf.Class, rf.Attempts)
	}
	want := map[string]int{familyMedia: 404, familyFile: 404}
	if diff := cmp.Diff(want, rf.LastStatus); diff != "" {
		t.Errorf("LastStatus mismatch (-want +got):\n%s", diff)
	}
	if !strings.Contains(rf.Error(), "file=404") {
		t.Errorf("Error() = %q", rf.Error())
	}
}

func TestResolve_NeverRequestsSameURLTwice(t *testing.T) {
	api := newFakeOpenAPI(t)
	api.mux.HandleFunc("GET /open-apis/bitable/v1/apps/app1/tables/tbl1/records/rec1", func(w http.ResponseWriter, r *http.Request) {
		// The attachment url coincides with the direct media endpoint.
		fmt.Fprintf(w, `{"code":0,"data":{"record":{"fields":{"att":[{"file_token":%q,"url":"%s/open-apis/drive/v1/medias/%s/download"}]}}}}`,
			longID, api.URL, longID)
	})

	_, err := New(api.URL).Resolve(context.Background(), "t", longID, RecordContext{AppToken: "app1", TableID: "tbl1", RecordID: "rec1"})
	if !errors.Is(err, ErrUnresolved) {
		t.Fatalf("err = %v, want ErrUnresolved", err)
	}
	counts := map[string]int{}
	for _, req := range api.requests() {
		counts[req]++
		if counts[req] > 1 {
			t.Errorf("requested %s twice", req)
		}
	}
}

func TestResolve_TimeoutPerAttempt(t *testing.T) {
	api := newFakeOpenAPI(t)
	img := noisyPNG(t, 64, 48)
	api.mux.HandleFunc("GET /open-apis/drive/v1/medias/{token}/download", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	})
	api.mux.HandleFunc("GET /open-apis/drive/v1/files/{token}/download", servePNG(img))

	got, err := New(api.URL, WithTimeout(50*time.Millisecond)).Resolve(context.Background(), "t", "abc123", RecordContext{})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Endpoint != familyFile {
		t.Errorf("endpoint = %s, want file", got.Endpoint)
	}
}

func TestResolve_EmptyID(t *testing.T) {
	_, err := New("http://unused").Resolve(context.Background(), "t", "  ", RecordContext{})
	if !errors.Is(err, ErrNoAttachment) {
		t.Errorf("err = %v, want ErrNoAttachment", err)
	}
}

func TestPlan_Ranking(t *testing.T) {
	families := func(ss []Strategy) []string {
		out := make([]string, len(ss))
		for i, s := range ss {
			out[i] = s.Family
		}
		return out
	}
	r := New("http://unused")
	rc := RecordContext{AppToken: "a", TableID: "t", RecordID: "r"}

	tests := []struct {
		name string
		id   string
		rc   RecordContext
		want []string
	}{
		{"image key", "img_x", RecordContext{}, []string{"im_image", "media", "file"}},
		{"file key", "file_x", RecordContext{}, []string{"file", "media"}},
		{"long form", longID, RecordContext{}, []string{"media", "media_tmp_url", "file"}},
		{"short", "abc", RecordContext{}, []string{"media", "file"}},
		{"long form with record", longID, rc, []string{"record", "collection", "media", "media_tmp_url", "file"}},
		{"table only", "abc", RecordContext{AppToken: "a", TableID: "t"}, []string{"collection", "media", "file"}},
		{"plain url", "https://cdn.example.com/a.png", RecordContext{}, []string{"plain_url"}},
		{"plain url with record", "https://cdn.example.com/a.png", rc, []string{"plain_url", "record", "collection"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if diff := cmp.Diff(tt.want, families(r.Plan(tt.id, tt.rc))); diff != "" {
				t.Errorf("plan mismatch (-want +got):\n%s", diff)
			}
		})
	}
}

func TestResolve_PlainURLFetchedFirstWithoutAuth(t *testing.T) {
	api := newFakeOpenAPI(t)
	img := noisyPNG(t, 64, 48)

	var avatarAuth string
	avatars := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		avatarAuth = r.Header.Get("Authorization")
		servePNG(img)(w, r)
	}))
	defer avatars.Close()

	link := avatars.URL + "/u/42.png"
	got, err := New(api.URL).Resolve(context.Background(), "t-secret", link, RecordContext{AppToken: "app1", TableID: "tbl1", RecordID: "rec1"})
	if err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got.Endpoint != familyPlainURL || got.Width != 64 || got.Height != 48 {
		t.Errorf("got %s %dx%d", got.Endpoint, got.Width, got.Height)
	}
	if avatarAuth != "" {
		t.Errorf("third-party host received Authorization %q", avatarAuth)
	}
	if reqs := api.requests(); len(reqs) != 0 {
		t.Errorf("open api requested before plain url: %v", reqs)
	}
}

func TestResolve_PlainURLOnAPIHostCarriesAuth(t *testing.T) {
	api := newFakeOpenAPI(t)
	api.mux.HandleFunc("GET /avatars/a.png", servePNG(noisyPNG(t, 64, 48)))

	if _, err := New(api.URL).Resolve(context.Background(), "t-1", api.URL+"/avatars/a.png", RecordContext{}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	if got := api.auth[0]; got != "Bearer t-1" {
		t.Errorf("auth = %q, want bearer token", got)
	}
}

func TestResolve_PlainURLFailureSkipsTokenEndpoints(t *testing.T) {
	api := newFakeOpenAPI(t)
	avatars := httptest.NewServer(http.NotFoundHandler())
	defer avatars.Close()

	_, err := New(api.URL).Resolve(context.Background(), "t", avatars.URL+"/gone.png", RecordContext{})
	var rf *ResolutionFailure
	if !errors.As(err, &rf) {
		t.Fatalf("err = %v, want *ResolutionFailure", err)
	}
	if rf.Class != ClassURL || rf.Attempts != 1 {
		t.Errorf("class/attempts = %s/%d, want url/1", rf.Class, rf.Attempts)
	}
	if diff := cmp.Diff(map[string]int{familyPlainURL: 404}, rf.LastStatus); diff != "" {
		t.Errorf("LastStatus mismatch (-want +got):\n%s", diff)
	}
	if reqs := api.requests(); len(reqs) != 0 {
		t.Errorf("url was sent to token endpoints: %v", reqs)
	}
}

func TestResolve_RejectsOversizedBody(t *testing.T) {
	api := newFakeOpenAPI(t)
	big := noisyPNG(t, 64, 48)
	api.mux.HandleFunc("GET /open-apis/drive/v1/medias/{token}/download", servePNG(big))
	api.mux.HandleFunc("GET /open-apis/drive/v1/files/{token}/download", servePNG(big))

	_, err := New(api.URL, WithMaxBytes(int64(len(big)-1))).Resolve(context.Background(), "t", "abc123", RecordContext{})
	if !errors.Is(err, ErrUnresolved) {
		t.Fatalf("err = %v, want ErrUnresolved", err)
	}
	if !errors.Is(err, errTooLarge) {
		t.Errorf("err = %v, want it to report the oversized body", err)
	}

	// A body of exactly the cap is still accepted.
	if _, err := New(api.URL, WithMaxBytes(int64(len(big)))).Resolve(context.Background(), "t", "abc123", RecordContext{}); err != nil {
		t.Errorf("body at the cap: %v", err)
	}
}
