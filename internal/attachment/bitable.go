package attachment

import "encoding/json"

// attachmentRef is one entry of a Bitable attachment field.
type attachmentRef struct {
	FileToken string `json:"file_token"`
	Token     string `json:"token"`
	ID        string `json:"id"`
	Name      string `json:"name"`
	Type      string `json:"type"`
	Size      int64  `json:"size"`
	URL       string `json:"url"`
	TmpURL    string `json:"tmp_url"`
}

func (a attachmentRef) token() string {
	if a.FileToken != "" {
		return a.FileToken
	}
	return a.Token
}

func (a attachmentRef) matches(id string) bool {
	return id != "" && (a.FileToken == id || a.Token == id || a.ID == id || a.Name == id)
}

type bitableRecord struct {
	RecordID string                     `json:"record_id"`
	Fields   map[string]json.RawMessage `json:"fields"`
}

type recordResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		Record bitableRecord `json:"record"`
	} `json:"data"`
}

type recordListResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		HasMore   bool            `json:"has_more"`
		PageToken string          `json:"page_token"`
		Items     []bitableRecord `json:"items"`
	} `json:"data"`
}

type tmpURLResponse struct {
	Code int    `json:"code"`
	Msg  string `json:"msg"`
	Data struct {
		TmpDownloadURLs []struct {
			FileToken      string `json:"file_token"`
			TmpDownloadURL string `json:"tmp_download_url"`
		} `json:"tmp_download_urls"`
	} `json:"data"`
}

// attachmentsIn returns every attachment-shaped value across all fields of
// a record. Fields that are not attachment lists are skipped.
func attachmentsIn(rec bitableRecord) []attachmentRef {
	var out []attachmentRef
	for _, raw := range rec.Fields {
		var refs []attachmentRef
		if err := json.Unmarshal(raw, &refs); err != nil {
			continue
		}
		for _, r := range refs {
			if r.token() != "" || r.URL != "" {
				out = append(out, r)
			}
		}
	}
	return out
}

// selectAttachments prefers attachments matching id. When none match, every
// attachment in the record is a candidate: ids relayed by form automations
// are often not the storage token itself.
func selectAttachments(refs []attachmentRef, id string, fallbackAll bool) []attachmentRef {
	var matched []attachmentRef
	for _, r := range refs {
		if r.matches(id) {
			matched = append(matched, r)
		}
	}
	if len(matched) > 0 || !fallbackAll {
		return matched
	}
	return refs
}
