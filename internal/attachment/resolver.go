package attachment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	// DefaultMinBytes is the smallest body accepted as an image. Error
	// envelopes and placeholder files sit below it.
	DefaultMinBytes = 1024
	// DefaultTimeout bounds a single HTTP attempt.
	DefaultTimeout = 15 * time.Second

	defaultScanPages = 5
	// DefaultMaxBytes caps a downloaded body.
	DefaultMaxBytes = 20 << 20
)

// RecordContext identifies the Bitable record an attachment id came from.
type RecordContext struct {
	AppToken string
	TableID  string
	RecordID string
}

func (rc RecordContext) hasTable() bool  { return rc.AppToken != "" && rc.TableID != "" }
func (rc RecordContext) hasRecord() bool { return rc.hasTable() && rc.RecordID != "" }

// Resolver turns an opaque attachment id into decoded image bytes by trying
// every endpoint that might serve it, in ranked order.
type Resolver struct {
	baseURL    string
	httpClient *http.Client
	timeout    time.Duration
	minBytes   int
	maxBytes   int64
	scanPages  int
	logger     *slog.Logger
}

// Option configures a Resolver.
type Option func(*Resolver)

func WithTimeout(d time.Duration) Option {
	return func(r *Resolver) {
		if d > 0 {
			r.timeout = d
		}
	}
}

func WithMinBytes(n int) Option {
	return func(r *Resolver) {
		if n >= 0 {
			r.minBytes = n
		}
	}
}

func WithMaxBytes(n int64) Option {
	return func(r *Resolver) {
		if n > 0 {
			r.maxBytes = n
		}
	}
}

func WithHTTPClient(c *http.Client) Option {
	return func(r *Resolver) { r.httpClient = c }
}

func WithLogger(l *slog.Logger) Option {
	return func(r *Resolver) { r.logger = l }
}

// New creates a resolver against the Open API rooted at baseURL.
func New(baseURL string, opts ...Option) *Resolver {
	r := &Resolver{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{},
		timeout:    DefaultTimeout,
		minBytes:   DefaultMinBytes,
		maxBytes:   DefaultMaxBytes,
		scanPages:  defaultScanPages,
		logger:     slog.Default(),
	}
	for _, o := range opts {
		o(r)
	}
	return r
}

// Plan returns the strategies Resolve would try for id before any lookup
// has discovered canonical tokens.
func (r *Resolver) Plan(id string, rc RecordContext) []Strategy {
	s := r.newSession(strings.TrimSpace(id))
	plan := s.urlStrategies()
	plan = append(plan, s.lookupStrategies(rc)...)
	return append(plan, s.directStrategies(nil)...)
}

// Resolve fetches the image behind id. cred is a tenant access token. A
// returned error is either ErrNoAttachment, a context error, or a
// *ResolutionFailure.
func (r *Resolver) Resolve(ctx context.Context, cred, id string, rc RecordContext) (*Image, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, ErrNoAttachment
	}
	s := r.newSession(id)

	var lastErr error
	if plain := s.urlStrategies(); len(plain) > 0 {
		img, err := FirstSuccess(ctx, cred, plain, s.accept, s.observe)
		if err == nil {
			return img, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
	}
	for _, st := range s.lookupStrategies(rc) {
		if st.Kind == CollectionScan && len(s.tokens) > 0 {
			break
		}
		img, err := FirstSuccess(ctx, cred, []Strategy{st}, s.accept, s.observe)
		if err == nil {
			return img, nil
		}
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		lastErr = err
	}

	img, err := FirstSuccess(ctx, cred, s.directStrategies(s.tokens), s.accept, s.observe)
	if err == nil {
		return img, nil
	}
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if errors.Is(err, errNoImage) && lastErr != nil {
		err = lastErr
	}
	return nil, &ResolutionFailure{
		ID:         id,
		Class:      s.class,
		Attempts:   s.attempts,
		LastStatus: s.lastStatus,
		Err:        err,
	}
}

// session is the per-call state: which URLs were requested, how many
// attempts were made and what each family last answered.
type session struct {
	r          *Resolver
	id         string
	class      Class
	accept     Acceptor
	seen       map[string]bool
	attempts   int
	lastStatus map[string]int
	tokens     []string
}

func (r *Resolver) newSession(id string) *session {
	return &session{
		r:          r,
		id:         id,
		class:      Classify(id),
		accept:     NewAcceptor(r.minBytes),
		seen:       make(map[string]bool),
		lastStatus: make(map[string]int),
	}
}

func (s *session) observe(st Strategy, step Step) {
	for _, t := range step.Tokens {
		s.addToken(t)
	}
	s.r.logger.Debug("attachment attempt",
		"id", s.id, "kind", st.Kind.String(), "family", st.Family, "token", st.Token,
		"status", step.Status, "bytes", len(step.Data), "error", step.Err)
}

func (s *session) addToken(t string) {
	if t == "" {
		return
	}
	for _, have := range s.tokens {
		if have == t {
			return
		}
	}
	s.tokens = append(s.tokens, t)
}

// urlStrategies fetches an id that is itself a link. The bearer token is
// only sent when the link points at the Open API host.
func (s *session) urlStrategies() []Strategy {
	if s.class != ClassURL {
		return nil
	}
	return []Strategy{{
		Kind:   PlainURLDownload,
		Family: familyPlainURL,
		Token:  s.id,
		Run: func(ctx context.Context, cred string) Step {
			return s.fetch(ctx, cred, familyPlainURL, s.id, s.r.onAPIHost(s.id))
		},
	}}
}

func (r *Resolver) onAPIHost(link string) bool {
	u, err := url.Parse(link)
	if err != nil {
		return false
	}
	base, err := url.Parse(r.baseURL)
	return err == nil && strings.EqualFold(u.Host, base.Host)
}

func (s *session) lookupStrategies(rc RecordContext) []Strategy {
	var out []Strategy
	if rc.hasRecord() {
		out = append(out, Strategy{
			Kind:   RecordFieldLookup,
			Family: familyRecord,
			Token:  s.id,
			Run: func(ctx context.Context, cred string) Step {
				return s.lookupRecord(ctx, cred, rc)
			},
		})
	}
	if rc.hasTable() {
		out = append(out, Strategy{
			Kind:   CollectionScan,
			Family: familyCollection,
			Token:  s.id,
			Run: func(ctx context.Context, cred string) Step {
				return s.scanCollection(ctx, cred, rc)
			},
		})
	}
	return out
}

// directStrategies ranks direct downloads: every discovered token first, the
// literal id last, each against the families its class favours.
func (s *session) directStrategies(tokens []string) []Strategy {
	candidates := make([]string, 0, len(tokens)+1)
	seen := make(map[string]bool)
	for _, t := range append(append([]string{}, tokens...), s.id) {
		if t == "" || seen[t] {
			continue
		}
		seen[t] = true
		candidates = append(candidates, t)
	}

	var out []Strategy
	for _, tok := range candidates {
		for _, fam := range directOrder[Classify(tok)] {
			out = append(out, Strategy{
				Kind:   familyKind(fam),
				Family: fam,
				Token:  tok,
				Run: func(ctx context.Context, cred string) Step {
					return s.direct(ctx, cred, fam, tok)
				},
			})
		}
	}
	return out
}

func (s *session) direct(ctx context.Context, cred, family, token string) Step {
	esc := url.PathEscape(token)
	switch family {
	case familyIMImage:
		return s.fetch(ctx, cred, family, s.r.baseURL+"/open-apis/im/v1/images/"+esc, true)
	case familyMedia:
		return s.fetch(ctx, cred, family, s.r.baseURL+"/open-apis/drive/v1/medias/"+esc+"/download", true)
	case familyFile:
		return s.fetch(ctx, cred, family, s.r.baseURL+"/open-apis/drive/v1/files/"+esc+"/download", true)
	case familyMediaTmp:
		return s.viaTmpURL(ctx, cred, token)
	default:
		return Step{Err: fmt.Errorf("unknown endpoint family %q", family)}
	}
}

func (s *session) viaTmpURL(ctx context.Context, cred, token string) Step {
	u := s.r.baseURL + "/open-apis/drive/v1/medias/batch_get_tmp_download_url?file_tokens=" + url.QueryEscape(token)
	step := s.fetch(ctx, cred, familyMediaTmp, u, true)
	if step.Err != nil {
		return step
	}
	var resp tmpURLResponse
	if err := json.Unmarshal(step.Data, &resp); err != nil {
		return Step{Status: step.Status, Err: fmt.Errorf("decoding tmp url response: %w", err)}
	}
	if resp.Code != 0 {
		return Step{Status: step.Status, Err: fmt.Errorf("tmp url: code %d: %s", resp.Code, resp.Msg)}
	}
	for _, t := range resp.Data.TmpDownloadURLs {
		if t.TmpDownloadURL == "" {
			continue
		}
		// Pre-signed; no bearer header.
		return s.fetch(ctx, cred, familyMediaTmp, t.TmpDownloadURL, false)
	}
	return Step{Status: step.Status, Err: errNoImage}
}

func (s *session) lookupRecord(ctx context.Context, cred string, rc RecordContext) Step {
	u := fmt.Sprintf("%s/open-apis/bitable/v1/apps/%s/tables/%s/records/%s",
		s.r.baseURL, url.PathEscape(rc.AppToken), url.PathEscape(rc.TableID), url.PathEscape(rc.RecordID))
	step := s.fetch(ctx, cred, familyRecord, u, true)
	if step.Err != nil {
		return step
	}
	var resp recordResponse
	if err := json.Unmarshal(step.Data, &resp); err != nil {
		return Step{Status: step.Status, Err: fmt.Errorf("decoding record: %w", err)}
	}
	if resp.Code != 0 {
		return Step{Status: step.Status, Err: fmt.Errorf("record lookup: code %d: %s", resp.Code, resp.Msg)}
	}
	refs := selectAttachments(attachmentsIn(resp.Data.Record), s.id, true)
	return s.downloadRefs(ctx, cred, rc, refs, step.Status)
}

func (s *session) scanCollection(ctx context.Context, cred string, rc RecordContext) Step {
	base := fmt.Sprintf("%s/open-apis/bitable/v1/apps/%s/tables/%s/records?page_size=100",
		s.r.baseURL, url.PathEscape(rc.AppToken), url.PathEscape(rc.TableID))
	var refs []attachmentRef
	status := 0
	pageToken := ""
	for page := 0; page < s.r.scanPages; page++ {
		u := base
		if pageToken != "" {
			u += "&page_token=" + url.QueryEscape(pageToken)
		}
		step := s.fetch(ctx, cred, familyCollection, u, true)
		status = step.Status
		if step.Err != nil {
			if len(refs) == 0 {
				return step
			}
			break
		}
		var resp recordListResponse
		if err := json.Unmarshal(step.Data, &resp); err != nil {
			return Step{Status: status, Err: fmt.Errorf("decoding records page: %w", err)}
		}
		if resp.Code != 0 {
			return Step{Status: status, Err: fmt.Errorf("collection scan: code %d: %s", resp.Code, resp.Msg)}
		}
		for _, rec := range resp.Data.Items {
			refs = append(refs, selectAttachments(attachmentsIn(rec), s.id, false)...)
		}
		if len(refs) > 0 || !resp.Data.HasMore || resp.Data.PageToken == "" {
			break
		}
		pageToken = resp.Data.PageToken
	}
	return s.downloadRefs(ctx, cred, rc, refs, status)
}

// downloadRefs tries each attachment's own url, then the media endpoint with
// table permission attached. The canonical tokens are always reported so
// the direct phase can reuse them.
func (s *session) downloadRefs(ctx context.Context, cred string, rc RecordContext, refs []attachmentRef, status int) Step {
	var tokens []string
	for _, ref := range refs {
		if t := ref.token(); t != "" {
			tokens = append(tokens, t)
		}
	}
	if len(refs) == 0 {
		return Step{Status: status, Err: errNoImage}
	}

	var lastErr error = errNoImage
	for _, ref := range refs {
		var urls []string
		if ref.URL != "" {
			urls = append(urls, ref.URL)
		}
		if t := ref.token(); t != "" {
			urls = append(urls, s.r.baseURL+"/open-apis/drive/v1/medias/"+url.PathEscape(t)+"/download?extra="+url.QueryEscape(bitablePerm(rc)))
		}
		for _, u := range urls {
			step := s.fetch(ctx, cred, familyAttachment, u, true)
			img, err := s.accept(step)
			if err == nil {
				img.Token = ref.token()
				img.Endpoint = familyAttachment
				return Step{Status: step.Status, Tokens: tokens, Image: img}
			}
			if !errors.Is(err, errDuplicate) {
				lastErr = err
			}
		}
	}
	return Step{Status: status, Tokens: tokens, Err: lastErr}
}

func bitablePerm(rc RecordContext) string {
	extra := map[string]any{
		"bitablePerm": map[string]any{"tableId": rc.TableID, "rev": 0},
	}
	b, _ := json.Marshal(extra)
	return string(b)
}

// fetch performs one bounded GET. URLs already requested in this session
// are skipped.
func (s *session) fetch(ctx context.Context, cred, family, u string, auth bool) Step {
	if s.seen[u] {
		return Step{Err: errDuplicate}
	}
	s.seen[u] = true
	s.attempts++

	ctx, cancel := context.WithTimeout(ctx, s.r.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		s.lastStatus[family] = 0
		return Step{Err: fmt.Errorf("creating request: %w", err)}
	}
	if auth && cred != "" {
		req.Header.Set("Authorization", "Bearer "+cred)
	}

	resp, err := s.r.httpClient.Do(req)
	if err != nil {
		s.lastStatus[family] = 0
		return Step{Err: fmt.Errorf("requesting %s: %w", family, err)}
	}
	defer resp.Body.Close()
	s.lastStatus[family] = resp.StatusCode

	data, err := io.ReadAll(io.LimitReader(resp.Body, s.r.maxBytes+1))
	if err != nil {
		return Step{Status: resp.StatusCode, Err: fmt.Errorf("reading %s body: %w", family, err)}
	}
	if int64(len(data)) > s.r.maxBytes {
		return Step{Status: resp.StatusCode, Err: fmt.Errorf("%s: %w (over %d bytes)", family, errTooLarge, s.r.maxBytes)}
	}
	step := Step{Data: data, ContentType: resp.Header.Get("Content-Type"), Status: resp.StatusCode}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		step.Err = fmt.Errorf("%s returned status %d", family, resp.StatusCode)
	}
	return step
}
