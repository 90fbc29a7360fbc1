package profile

import (
	"fmt"
	"strconv"
	"strings"
)

// Keys per field in priority order: English, localized, then aliases.
var (
	nicknameKeys     = []string{"nickname", "昵称", "name", "姓名"}
	genderKeys       = []string{"gender", "性别", "sex"}
	professionKeys   = []string{"profession", "职业", "title", "职位"}
	interestsKeys    = []string{"interests", "兴趣爱好", "hobbies", "爱好"}
	introductionKeys = []string{"introduction", "一句话介绍", "intro", "bio"}
	personalityKeys  = []string{"mbti", "MBTI类型", "MBTI", "personality", "personalityTag"}
	attachmentKeys   = []string{"wechatQrAttachmentId", "微信二维码", "attachmentId", "attachment_id", "avatar", "头像", "avatar_url", "avatarUrl"}
	containerKeys    = []string{"app_token", "appToken", "base_token"}
	collectionKeys   = []string{"table_id", "tableId"}
	entryKeys        = []string{"record_id", "recordId"}
	openIDKeys       = []string{"open_id", "user_open_id", "openId"}
	emailKeys        = []string{"email", "邮箱", "user_email"}
	mobileKeys       = []string{"mobile", "phone", "电话", "手机"}
	qrTextKeys       = []string{"qrcode_text", "qrcode_url", "二维码"}
)

// Normalize maps an arbitrarily shaped payload onto a Profile. It never fails:
// unknown keys are ignored and missing fields become empty strings.
func Normalize(payload map[string]any) Profile {
	sources, shape := collectSources(payload)
	event := asMap(payload["event"])

	p := Profile{
		Nickname:     firstString(sources, nicknameKeys),
		Gender:       firstString(sources, genderKeys),
		Profession:   firstString(sources, professionKeys),
		Interests:    firstString(sources, interestsKeys),
		Introduction: firstString(sources, introductionKeys),
		AttachmentID: firstAttachment(sources, attachmentKeys),
		ContainerID:  firstString(sources, containerKeys),
		CollectionID: firstString(sources, collectionKeys),
		EntryID:      firstString(sources, entryKeys),
		OpenID:       firstString(sources, openIDKeys),
		Email:        firstString(sources, emailKeys),
		Mobile:       firstString(sources, mobileKeys),
		QRText:       firstString(sources, qrTextKeys),
		Shape:        shape,
	}
	p.Personality, _ = ParseTag(firstString(sources, personalityKeys))

	if event != nil {
		if p.ContainerID == "" {
			p.ContainerID = firstString([]map[string]any{event}, []string{"app_token", "file_token"})
		}
		if p.CollectionID == "" {
			p.CollectionID = stringValue(event["table_id"])
		}
		if p.EntryID == "" {
			p.EntryID = eventRecordID(event)
		}
		if p.OpenID == "" {
			p.OpenID = operatorOpenID(event)
		}
	}
	return p
}

// collectSources returns the maps to search, highest priority first.
func collectSources(payload map[string]any) ([]map[string]any, Shape) {
	var sources []map[string]any
	shape := ShapeFlat

	if event := asMap(payload["event"]); event != nil {
		if after := asMap(asMap(event["after_change"])["fields"]); after != nil {
			sources = append(sources, after)
			shape = ShapeEvent
		} else if event["operator"] != nil || event["table_id"] != nil {
			shape = ShapeEvent
		}
	}
	if fields := asMap(payload["fields"]); fields != nil {
		sources = append(sources, fields)
		if shape == ShapeFlat {
			shape = ShapeFields
		}
	}
	sources = append(sources, payload)
	return sources, shape
}

func firstString(sources []map[string]any, keys []string) string {
	for _, k := range keys {
		for _, src := range sources {
			if s := stringValue(src[k]); s != "" {
				return s
			}
		}
	}
	return ""
}

func firstAttachment(sources []map[string]any, keys []string) string {
	for _, k := range keys {
		for _, src := range sources {
			if s := attachmentValue(src[k]); s != "" {
				return s
			}
		}
	}
	return ""
}

func eventRecordID(event map[string]any) string {
	if id := stringValue(event["record_id"]); id != "" {
		return id
	}
	if actions, ok := event["action_list"].([]any); ok && len(actions) > 0 {
		return stringValue(asMap(actions[0])["record_id"])
	}
	return ""
}

func operatorOpenID(event map[string]any) string {
	op := asMap(event["operator"])
	if id := stringValue(op["open_id"]); id != "" {
		return id
	}
	return stringValue(asMap(op["operator_id"])["open_id"])
}

// stringValue coerces a JSON value into a trimmed string.
func stringValue(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case int:
		return strconv.Itoa(t)
	case int64:
		return strconv.FormatInt(t, 10)
	case bool:
		return strconv.FormatBool(t)
	case map[string]any:
		for _, k := range []string{"text", "name", "id"} {
			if s := stringValue(t[k]); s != "" {
				return s
			}
		}
		return ""
	case []any:
		return joinList(t)
	case []string:
		parts := make([]string, 0, len(t))
		for _, s := range t {
			if s = strings.TrimSpace(s); s != "" {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, ", ")
	default:
		return strings.TrimSpace(fmt.Sprint(t))
	}
}

// joinList flattens Bitable values: rich-text segments are concatenated,
// plain option lists are comma-joined.
func joinList(items []any) string {
	if len(items) == 0 {
		return ""
	}
	if seg := asMap(items[0]); seg != nil && seg["text"] != nil {
		var b strings.Builder
		for _, it := range items {
			if m := asMap(it); m != nil {
				if s, ok := m["text"].(string); ok {
					b.WriteString(s)
				}
			}
		}
		return strings.TrimSpace(b.String())
	}
	parts := make([]string, 0, len(items))
	for _, it := range items {
		if s := stringValue(it); s != "" {
			parts = append(parts, s)
		}
	}
	return strings.Join(parts, ", ")
}

// attachmentValue extracts a token from an attachment field. Bitable sends a
// list of attachment objects; flat payloads send the id as a string.
func attachmentValue(v any) string {
	switch t := v.(type) {
	case []any:
		if len(t) == 0 {
			return ""
		}
		return attachmentValue(t[0])
	case map[string]any:
		for _, k := range []string{"file_token", "token", "attachmentToken", "id"} {
			if s := stringValue(t[k]); s != "" {
				return s
			}
		}
		return ""
	default:
		return stringValue(t)
	}
}

func asMap(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}
