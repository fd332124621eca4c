package poller

import (
	"encoding/json"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// record is the per-job entry returned by either status query shape.
type record struct {
	Status          *int              `json:"status"`
	FailCode        json.RawMessage   `json:"fail_code"`
	FailMsg         string            `json:"fail_msg"`
	HistoryRecordID json.RawMessage   `json:"history_record_id"`
	ItemList        []json.RawMessage `json:"item_list"`
}

func (r *record) failCode() string {
	return rawString(r.FailCode)
}

func (r *record) id() string {
	return rawString(r.HistoryRecordID)
}

// rawString renders a JSON string or number as a plain string.
func rawString(raw json.RawMessage) string {
	s := strings.TrimSpace(string(raw))
	if s == "" || s == "null" {
		return ""
	}
	if unq, err := strconv.Unquote(s); err == nil {
		return unq
	}
	return s
}

type item struct {
	Video *struct {
		TranscodedVideo struct {
			Origin struct {
				VideoURL string `json:"video_url"`
			} `json:"origin"`
		} `json:"transcoded_video"`
		PlayURL     string `json:"play_url"`
		DownloadURL string `json:"download_url"`
		URL         string `json:"url"`
	} `json:"video"`
	Image *struct {
		LargeImages []struct {
			ImageURL string `json:"image_url"`
		} `json:"large_images"`
	} `json:"image"`
	CommonAttr struct {
		CoverURL string `json:"cover_url"`
	} `json:"common_attr"`
}

// mediaURL picks the best URL for one result item. Video items prefer the
// transcoded origin, then play, download and generic URLs. Image items
// prefer the first large image, then the cover.
func (it *item) mediaURL() string {
	if v := it.Video; v != nil {
		return firstNonEmpty(v.TranscodedVideo.Origin.VideoURL, v.PlayURL, v.DownloadURL, v.URL)
	}
	var large string
	if it.Image != nil && len(it.Image.LargeImages) > 0 {
		large = it.Image.LargeImages[0].ImageURL
	}
	return firstNonEmpty(large, it.CommonAttr.CoverURL)
}

// ExtractMedia returns one URL per result item, in item order.
//
// The upstream sometimes omits the structured URL fields while the URL is
// still present elsewhere in the record. Only when no item yields a URL
// from its structured fields is the record scanned for media URLs.
func ExtractMedia(items []json.RawMessage) []string {
	var media []string
	for _, raw := range items {
		var it item
		if err := json.Unmarshal(raw, &it); err != nil {
			continue
		}
		if u := it.mediaURL(); u != "" {
			media = append(media, u)
		}
	}
	if len(media) > 0 {
		return media
	}
	for _, raw := range items {
		media = append(media, scanMediaURLs(raw)...)
	}
	return dedupe(media)
}

var mediaURLPattern = regexp.MustCompile(`^https?://\S+(?:\.(?:mp4|jpe?g|png|webp)|mime_type=video_mp4)\S*$`)

// scanMediaURLs walks every string in a decoded JSON value and keeps those
// that look like generated media URLs.
func scanMediaURLs(raw json.RawMessage) []string {
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return nil
	}
	var out []string
	var walk func(any)
	walk = func(v any) {
		switch t := v.(type) {
		case string:
			if mediaURLPattern.MatchString(t) {
				out = append(out, t)
			}
		case []any:
			for _, e := range t {
				walk(e)
			}
		case map[string]any:
			// Sorted keys keep the scan deterministic.
			keys := make([]string, 0, len(t))
			for k := range t {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				walk(t[k])
			}
		}
	}
	walk(v)
	return out
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}

func dedupe(in []string) []string {
	seen := make(map[string]bool, len(in))
	out := in[:0]
	for _, s := range in {
		if !seen[s] {
			seen[s] = true
			out = append(out, s)
		}
	}
	return out
}
