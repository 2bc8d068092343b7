package analyzer

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/infinityad/internal/models"
)

const (
	positiveReview = "Adorei: a bateria dura muito. O produto é excelente e recomendo. A entrega chegou rápido."
	mixedReview    = "O produto é bom mas tem um defeito."
	negativeReview = "Problema: a tela quebrou. Péssimo e horrível, não recomendo."
)

func TestCalculateSentimentScore(t *testing.T) {
	tests := []struct {
		name       string
		text       string
		lang       string
		score      float64
		confidence float64
	}{
		{"empty", "", "pt", 0, 0.3},
		{"no lexicon words", "o céu está azul hoje", "pt", 0, 0.3},
		{"positive", positiveReview, "pt", 1, 0.15},
		{"balanced", mixedReview, "pt", 0, 0.1},
		{"negative with overlap", negativeReview, "pt", -0.6, 0.25},
		{"english", "Great phone, I love it", "en", 1, 0.1},
		{"unknown language uses portuguese", "muito bom", "fr", 1, 0.05},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			score, confidence := CalculateSentimentScore(tt.text, tt.lang)
			assert.InDelta(t, tt.score, score, 0.0001)
			assert.InDelta(t, tt.confidence, confidence, 0.0001)
		})
	}
}

func TestCalculateSentimentScoreBounds(t *testing.T) {
	all := strings.Join(append(append([]string{}, positiveWords["pt"]...), negativeWords["pt"]...), " ")
	texts := []string{"", positiveReview, mixedReview, negativeReview, all, strings.Repeat("ruim ", 100)}

	for _, text := range texts {
		score, confidence := CalculateSentimentScore(text, "pt")
		assert.GreaterOrEqual(t, score, -1.0)
		assert.LessOrEqual(t, score, 1.0)
		assert.GreaterOrEqual(t, confidence, 0.0)
		assert.LessOrEqual(t, confidence, 1.0)
	}

	_, confidence := CalculateSentimentScore(all, "pt")
	assert.Equal(t, 1.0, confidence)
}

func TestOverallSentiment(t *testing.T) {
	tests := []struct {
		score    float64
		pos, neg int
		want     models.Sentiment
	}{
		{1, 3, 0, models.SentimentPositive},
		{-0.6, 1, 4, models.SentimentNegative},
		{0, 1, 1, models.SentimentMixed},
		{0.2, 3, 2, models.SentimentMixed},
		{0, 0, 0, models.SentimentNeutral},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, overallSentiment(tt.score, tt.pos, tt.neg))
	}
}

func TestExtractTopics(t *testing.T) {
	segments := ExtractTopics(positiveReview, "pt")
	require.Len(t, segments, 2)

	assert.Equal(t, "Entrega", segments[0].Topic)
	assert.Equal(t, models.SentimentNeutral, segments[0].Sentiment)
	assert.Equal(t, "A entrega chegou rápido", segments[0].Quote)

	assert.Equal(t, "Produto", segments[1].Topic)
	assert.Equal(t, models.SentimentPositive, segments[1].Sentiment)
	assert.Equal(t, "O produto é excelente e recomendo", segments[1].Quote)

	long := "A qualidade " + strings.Repeat("muito ", 40) + "boa."
	segments = ExtractTopics(long, "pt")
	require.NotEmpty(t, segments)
	assert.Equal(t, 100, len([]rune(segments[0].Quote)))
}

func TestExtractEntities(t *testing.T) {
	text := "Comprei da Samsung, não da Apple. A Samsung é boa. Produto: Galaxy S23 Ultra. Item: capinha"

	entities := ExtractEntities(text)
	require.Len(t, entities, 4)

	assert.Equal(t, models.Entity{Text: "Samsung", Type: models.EntityBrand, Confidence: 0.95, MentionsCount: 2}, entities[0])
	assert.Equal(t, models.Entity{Text: "Apple", Type: models.EntityBrand, Confidence: 0.95, MentionsCount: 1}, entities[1])
	assert.Equal(t, models.Entity{Text: "Galaxy S23 Ultra", Type: models.EntityProduct, Confidence: 0.80, MentionsCount: 1}, entities[2])
	assert.Equal(t, "capinha", entities[3].Text)

	assert.Empty(t, ExtractEntities("nada aqui"))
}

func TestAspects(t *testing.T) {
	assert.Equal(t, []string{"a bateria dura muito"}, positiveAspects(positiveReview))
	assert.Empty(t, negativeAspects(positiveReview))

	assert.Equal(t, []string{"a tela quebrou"}, negativeAspects(negativeReview))

	assert.Equal(t, []string{"O produto é bom mas tem um defeito"}, positiveAspects(mixedReview))
	assert.Equal(t, []string{"O produto é bom mas tem um defeito"}, negativeAspects(mixedReview))

	many := strings.Repeat("Adorei: item bonito. ", 8)
	assert.Len(t, positiveAspects(many), 5)
}

func TestRecommendations(t *testing.T) {
	segments := ExtractTopics(positiveReview, "pt")
	assert.Equal(t, []string{
		"✓ Foco em recomendações entusiastas",
		"✓ Destaque satisfação do cliente",
		"⚠ Melhorar entrega",
		"✓ Destacar produto: O produto é excelente e recomendo",
	}, recommendations(models.SentimentPositive, segments))

	assert.Equal(t, []string{
		"⚠ Abordar objeções principais",
		"⚠ Enfatizar melhorias/soluções",
	}, recommendations(models.SentimentNegative, nil))

	many := []models.TopicSegment{
		{Topic: "Qualidade", Sentiment: models.SentimentPositive, Quote: strings.Repeat("q", 80)},
		{Topic: "Preço", Sentiment: models.SentimentNegative},
		{Topic: "Entrega", Sentiment: models.SentimentNeutral},
		{Topic: "Produto", Sentiment: models.SentimentPositive},
	}
	recs := recommendations(models.SentimentMixed, many)
	require.Len(t, recs, 5)
	assert.Equal(t, "✓ Destacar qualidade: "+strings.Repeat("q", 50), recs[2])
	assert.Equal(t, "⚠ Melhorar preço", recs[3])
}
