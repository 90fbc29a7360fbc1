package pipeline

import (
	"context"
	"fmt"
	"image"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/VecSil/feishu-card-bot/internal/attachment"
	"github.com/VecSil/feishu-card-bot/internal/card"
	"github.com/VecSil/feishu-card-bot/internal/feishu"
	"github.com/VecSil/feishu-card-bot/internal/profile"
	"github.com/VecSil/feishu-card-bot/internal/storage"
)

// Status values written back into the source table.
const (
	WritebackCompleted = "✅ 已完成"
	WritebackFailed    = "❌ 失败"
)

// DefaultResolveDeadline bounds the whole attachment resolution of one request.
const DefaultResolveDeadline = 45 * time.Second

// Composer renders a profile into a card.
type Composer interface {
	Compose(p profile.Profile, img image.Image) (*card.Rendered, error)
}

// Resolver fetches attachment images.
type Resolver interface {
	Resolve(ctx context.Context, cred, id string, rc attachment.RecordContext) (*attachment.Image, error)
}

// Credentials hands out the tenant token shared by resolver and delivery.
type Credentials interface {
	Configured() bool
	Get(ctx context.Context) (feishu.Credential, error)
}

// Deliverer pushes finished cards to the platform.
type Deliverer interface {
	UploadImage(ctx context.Context, png []byte) (string, error)
	LookupOpenID(ctx context.Context, email, mobile string) (string, error)
	SendImage(ctx context.Context, openID, imageKey string) error
	UpdateRecord(ctx context.Context, appToken, tableID, recordID string, fields map[string]any) error
}

// Recorder persists the render log.
type Recorder interface {
	SaveCard(c storage.Card) error
	UpdateDelivery(id, status, imageKey string, warnings []string) error
}

// Config wires a Service. Only Composer is required; a nil dependency
// disables its stage.
type Config struct {
	Composer    Composer
	Resolver    Resolver
	Credentials Credentials
	Delivery    Deliverer
	Store       Recorder

	ResolveDeadline      time.Duration
	DebugOpenID          string
	SendEnabled          bool
	WritebackField       string
	WritebackStatusField string

	Logger *slog.Logger
}

// Outcome is the status of one non-fatal stage.
type Outcome struct {
	Status string `json:"status"`
	Detail string `json:"detail,omitempty"`
}

// Result describes one processed payload.
type Result struct {
	CardID     string
	Profile    profile.Profile
	Legacy     bool
	Rendered   *card.Rendered
	Attachment Outcome
	Delivery   Outcome
	ImageKey   string
	Warnings   []string
}

func (r *Result) warn(format string, args ...any) {
	r.Warnings = append(r.Warnings, fmt.Sprintf(format, args...))
}

// Service turns webhook payloads into delivered cards.
type Service struct {
	cfg    Config
	logger *slog.Logger
}

// New creates a Service.
func New(cfg Config) *Service {
	if cfg.ResolveDeadline <= 0 {
		cfg.ResolveDeadline = DefaultResolveDeadline
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{cfg: cfg, logger: logger}
}

// Process normalizes payload, renders its card and delivers it. raw is the
// original request body when available; it only labels legacy payloads.
// Attachment, storage and delivery problems are reported as warnings. The
// only returned error wraps card.ErrRenderFailed.
func (s *Service) Process(ctx context.Context, payload map[string]any, raw []byte) (*Result, error) {
	p := profile.Normalize(payload)
	res := &Result{
		CardID:   uuid.NewString(),
		Profile:  p,
		Legacy:   raw != nil && profile.MatchesFinalSchema(raw) != nil,
		Warnings: []string{},
	}
	log := s.logger.With("card_id", res.CardID, "shape", p.Shape)
	if res.Legacy {
		log.Debug("legacy payload shape")
	}

	img := s.resolve(ctx, p, res, log)

	rendered, err := s.cfg.Composer.Compose(p, img)
	if err != nil {
		log.Error("render failed", "error", err)
		return nil, err
	}
	res.Rendered = rendered
	if rendered.GeneratedQR {
		res.Attachment.Status = storage.AttachmentGenerated
	}

	s.record(res, log)
	s.deliver(ctx, p, res, log)

	if s.cfg.Store != nil {
		if err := s.cfg.Store.UpdateDelivery(res.CardID, res.Delivery.Status, res.ImageKey, res.Warnings); err != nil {
			log.Warn("updating render log", "error", err)
		}
	}
	log.Info("card processed",
		"tag", rendered.Tag, "file", rendered.FileName,
		"attachment", res.Attachment.Status, "delivery", res.Delivery.Status,
		"warnings", len(res.Warnings))
	return res, nil
}

func (s *Service) resolve(ctx context.Context, p profile.Profile, res *Result, log *slog.Logger) image.Image {
	if p.AttachmentID == "" {
		res.Attachment = Outcome{Status: storage.AttachmentAbsent}
		return nil
	}
	fail := func(detail string) image.Image {
		res.Attachment = Outcome{Status: storage.AttachmentFailed, Detail: detail}
		res.warn("attachment: %s", detail)
		return nil
	}
	configured := s.cfg.Credentials != nil && s.cfg.Credentials.Configured()
	// Plain links need no tenant token.
	plainURL := attachment.Classify(p.AttachmentID) == attachment.ClassURL
	if s.cfg.Resolver == nil || (!configured && !plainURL) {
		return fail("app credentials not configured")
	}

	ctx, cancel := context.WithTimeout(ctx, s.cfg.ResolveDeadline)
	defer cancel()

	var token string
	if configured {
		cred, err := s.cfg.Credentials.Get(ctx)
		if err != nil {
			return fail(fmt.Sprintf("fetching credentials: %v", err))
		}
		token = cred.Token
	}
	rc := attachment.RecordContext{AppToken: p.ContainerID, TableID: p.CollectionID, RecordID: p.EntryID}
	got, err := s.cfg.Resolver.Resolve(ctx, token, p.AttachmentID, rc)
	if err != nil {
		// A timed-out attempt inside err is only one failed candidate; the
		// overall budget is spent only when ctx itself is done.
		switch ctx.Err() {
		case context.DeadlineExceeded:
			return fail("resolution deadline exceeded")
		case context.Canceled:
			return fail("resolution canceled")
		}
		log.Warn("attachment unresolved", "attachment_id", p.AttachmentID, "error", err)
		return fail(err.Error())
	}
	res.Attachment = Outcome{Status: storage.AttachmentEmbedded, Detail: got.Endpoint}
	return got.Image
}

func (s *Service) record(res *Result, log *slog.Logger) {
	if s.cfg.Store == nil {
		return
	}
	p, r := res.Profile, res.Rendered
	err := s.cfg.Store.SaveCard(storage.Card{
		ID:               res.CardID,
		CreatedAt:        time.Now(),
		FileName:         r.FileName,
		Path:             r.Path,
		Nickname:         p.Nickname,
		Personality:      string(r.Tag),
		PayloadShape:     string(p.Shape),
		LegacyPayload:    res.Legacy,
		AttachmentID:     p.AttachmentID,
		AttachmentStatus: res.Attachment.Status,
		DeliveryStatus:   storage.DeliverySkipped,
		ContainerID:      p.ContainerID,
		CollectionID:     p.CollectionID,
		EntryID:          p.EntryID,
		Warnings:         res.Warnings,
	})
	if err != nil {
		log.Warn("saving render log", "error", err)
		res.warn("render log: %v", err)
	}
}

func (s *Service) deliver(ctx context.Context, p profile.Profile, res *Result, log *slog.Logger) {
	if s.cfg.Delivery == nil || s.cfg.Credentials == nil || !s.cfg.Credentials.Configured() {
		res.Delivery = Outcome{Status: storage.DeliverySkipped, Detail: "delivery not configured"}
		return
	}
	fail := func(format string, args ...any) {
		detail := fmt.Sprintf(format, args...)
		res.Delivery = Outcome{Status: storage.DeliveryFailed, Detail: detail}
		res.warn("delivery: %s", detail)
		log.Warn("delivery failed", "detail", detail)
	}

	key, err := s.cfg.Delivery.UploadImage(ctx, res.Rendered.PNG)
	if err != nil {
		fail("uploading image: %v", err)
		s.writeback(ctx, p, res, "", log)
		return
	}
	res.ImageKey = key
	res.Delivery = Outcome{Status: storage.DeliveryUploaded}

	if s.cfg.SendEnabled {
		recipient := s.cfg.DebugOpenID
		if recipient == "" {
			recipient = p.OpenID
		}
		if recipient == "" && (p.Email != "" || p.Mobile != "") {
			recipient, err = s.cfg.Delivery.LookupOpenID(ctx, p.Email, p.Mobile)
			if err != nil {
				fail("looking up recipient: %v", err)
			}
		}
		switch {
		case recipient == "" && err == nil:
			res.Delivery.Detail = "no recipient"
		case recipient != "":
			if err := s.cfg.Delivery.SendImage(ctx, recipient, key); err != nil {
				fail("sending message: %v", err)
			} else {
				res.Delivery = Outcome{Status: storage.DeliverySent, Detail: recipient}
			}
		}
	}

	s.writeback(ctx, p, res, key, log)
}

// writeback stores the image key and status in the source record.
func (s *Service) writeback(ctx context.Context, p profile.Profile, res *Result, imageKey string, log *slog.Logger) {
	if !p.HasRecordContext() || p.EntryID == "" {
		return
	}
	fields := map[string]any{}
	if imageKey != "" && s.cfg.WritebackField != "" {
		fields[s.cfg.WritebackField] = imageKey
	}
	if s.cfg.WritebackStatusField != "" {
		status := WritebackCompleted
		if imageKey == "" {
			status = WritebackFailed
		}
		fields[s.cfg.WritebackStatusField] = status
	}
	if len(fields) == 0 {
		return
	}
	if err := s.cfg.Delivery.UpdateRecord(ctx, p.ContainerID, p.CollectionID, p.EntryID, fields); err != nil {
		log.Warn("record writeback failed", "error", err)
		res.warn("writeback: %v", err)
	}
}
