package models

import (
	"fmt"
	"math"
	"time"
)

type Sentiment string

const (
	SentimentPositive Sentiment = "positive"
	SentimentNegative Sentiment = "negative"
	SentimentNeutral  Sentiment = "neutral"
	SentimentMixed    Sentiment = "mixed"
)

type EntityType string

const (
	EntityBrand   EntityType = "BRAND"
	EntityProduct EntityType = "PRODUCT"
)

type Entity struct {
	Text          string     `json:"text"`
	Type          EntityType `json:"entity_type"`
	Confidence    float64    `json:"confidence"`
	MentionsCount int        `json:"mentions_count"`
}

type TopicSegment struct {
	Topic      string    `json:"topic"`
	Sentiment  Sentiment `json:"sentiment"`
	Confidence float64   `json:"confidence"`
	Quote      string    `json:"quote,omitempty"`
}

// VideoAnalysis holds the signals derived from a review transcript.
type VideoAnalysis struct {
	VideoID           string         `json:"video_id"`
	VideoURL          string         `json:"video_url"`
	VideoTitle        string         `json:"video_title,omitempty"`
	ChannelName       string         `json:"channel_name,omitempty"`
	OverallSentiment  Sentiment      `json:"overall_sentiment"`
	SentimentScore    float64        `json:"sentiment_score"`
	Confidence        float64        `json:"confidence"`
	Entities          []Entity       `json:"entities"`
	BrandsMentioned   []string       `json:"brands_mentioned"`
	ProductsMentioned []string       `json:"products_mentioned"`
	Topics            []TopicSegment `json:"topics"`
	Transcript        string         `json:"transcript"`
	Language          string         `json:"language"`
	PositiveAspects   []string       `json:"positive_aspects"`
	NegativeAspects   []string       `json:"negative_aspects"`
	Recommendations   []string       `json:"recommendations"`
	AnalyzedAt        time.Time      `json:"analyzed_at"`
	ModelVersion      string         `json:"model_version"`
	ProcessingTime    time.Duration  `json:"processing_time"`
}

// IsHighQuality reports whether the analysis is reliable enough to quote.
func (a *VideoAnalysis) IsHighQuality() bool {
	return a.Confidence >= 0.75 && len(a.Transcript) > 100
}

// EngagementScore combines sentiment strength, topic and entity coverage into [0,1].
func (a *VideoAnalysis) EngagementScore() float64 {
	score := math.Abs(a.SentimentScore)
	score += math.Min(float64(len(a.Topics))/10, 0.3)
	score += math.Min(float64(len(a.Entities))/20, 0.2)
	return math.Min(score, 1)
}

func (a *VideoAnalysis) CacheKey() string {
	return fmt.Sprintf("yt_analysis:%s", a.VideoID)
}
