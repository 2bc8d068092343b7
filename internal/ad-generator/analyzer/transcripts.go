package analyzer

import (
	"context"
	"encoding/json"
	"encoding/xml"
	"fmt"
	"html"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Transcript is the caption text of one video.
type Transcript struct {
	Text     string
	Language string
	Title    string
	Channel  string
}

type TranscriptFetcher interface {
	Fetch(ctx context.Context, videoID string) (Transcript, error)
}

// YouTubeTranscripts reads captions from the timedtext endpoint, trying
// each language in order, and the title from oEmbed.
type YouTubeTranscripts struct {
	BaseURL   string
	Languages []string
	client    *http.Client
	logger    *slog.Logger
}

func NewYouTubeTranscripts(timeout time.Duration, logger *slog.Logger) *YouTubeTranscripts {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &YouTubeTranscripts{
		BaseURL:   "https://www.youtube.com",
		Languages: []string{"pt", "en"},
		client:    &http.Client{Timeout: timeout},
		logger:    logger.With("component", "youtube_transcripts"),
	}
}

type timedText struct {
	Lines []struct {
		Text string `xml:",chardata"`
	} `xml:"text"`
}

// Fetch returns an empty transcript, not an error, when the video has no
// captions in any configured language.
func (y *YouTubeTranscripts) Fetch(ctx context.Context, videoID string) (Transcript, error) {
	var out Transcript
	for _, lang := range y.Languages {
		text, err := y.captions(ctx, videoID, lang)
		if err != nil {
			if ctx.Err() != nil {
				return out, ctx.Err()
			}
			y.logger.Warn("transcript unavailable", "video_id", videoID, "lang", lang, "error", err)
			continue
		}
		if text != "" {
			out.Text = text
			out.Language = lang
			break
		}
	}

	if out.Text != "" {
		out.Title, out.Channel = y.metadata(ctx, videoID)
	}
	return out, nil
}

func (y *YouTubeTranscripts) captions(ctx context.Context, videoID, lang string) (string, error) {
	q := url.Values{"v": {videoID}, "lang": {lang}}
	body, err := y.get(ctx, y.BaseURL+"/api/timedtext?"+q.Encode())
	if err != nil {
		return "", err
	}
	if len(strings.TrimSpace(string(body))) == 0 {
		return "", nil
	}

	var tt timedText
	if err := xml.Unmarshal(body, &tt); err != nil {
		return "", fmt.Errorf("failed to decode captions: %w", err)
	}

	parts := make([]string, 0, len(tt.Lines))
	for _, l := range tt.Lines {
		if t := strings.TrimSpace(html.UnescapeString(l.Text)); t != "" {
			parts = append(parts, strings.Join(strings.Fields(t), " "))
		}
	}
	return strings.Join(parts, " "), nil
}

func (y *YouTubeTranscripts) metadata(ctx context.Context, videoID string) (title, channel string) {
	q := url.Values{"url": {"https://www.youtube.com/watch?v=" + videoID}, "format": {"json"}}
	body, err := y.get(ctx, y.BaseURL+"/oembed?"+q.Encode())
	if err != nil {
		y.logger.Debug("oembed lookup failed", "video_id", videoID, "error", err)
		return "", ""
	}

	var meta struct {
		Title      string `json:"title"`
		AuthorName string `json:"author_name"`
	}
	if err := json.Unmarshal(body, &meta); err != nil {
		return "", ""
	}
	return meta.Title, meta.AuthorName
}

func (y *YouTubeTranscripts) get(ctx context.Context, u string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := y.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 4<<20))
}
