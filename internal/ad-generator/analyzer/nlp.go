package analyzer

import (
	"regexp"
	"strings"

	"github.com/maltedev/infinityad/internal/models"
)

const (
	DefaultLanguage = "pt"

	polarityThreshold         = 0.2
	maxAspects                = 5
	maxRecommendations        = 5
	maxQuoteLength            = 100
	recommendationQuoteLength = 50
	topicsForRecommendations  = 3

	brandConfidence   = 0.95
	productConfidence = 0.80
)

var positiveWords = map[string][]string{
	"pt": {"ótimo", "bom", "excelente", "adorei", "perfeito", "recomendo",
		"amei", "sensacional", "maravilhoso", "qualidade", "legal", "show",
		"incrível", "fantástico", "lindo", "surpreendente", "vale muito a pena"},
	"en": {"great", "excellent", "amazing", "perfect", "love", "recommend",
		"awesome", "wonderful", "best", "fantastic", "incredible"},
}

var negativeWords = map[string][]string{
	"pt": {"ruim", "péssimo", "horrível", "fraco", "problema", "defeito",
		"decepcionante", "não gostei", "falha", "não recomendo", "caro",
		"decepção", "pior", "prejudicial", "odeio", "terrível"},
	"en": {"bad", "terrible", "horrible", "awful", "problem", "defect",
		"disappointing", "not recommended", "fail", "worse", "hate"},
}

type topicKeywords struct {
	name     string
	keywords []string
}

// Topics are checked in this order; the first three found drive the
// recommendations.
var topics = []topicKeywords{
	{"Qualidade", []string{"qualidade", "durável", "resistente", "acabamento", "confecção"}},
	{"Preço", []string{"preço", "caro", "barato", "valor", "custa", "investimento"}},
	{"Entrega", []string{"entrega", "rápido", "demora", "embalagem", "chegou"}},
	{"Produto", []string{"produto", "item", "coisa", "artigo", "objeto"}},
	{"Atendimento", []string{"atendimento", "vendedor", "suporte", "resposta", "contato"}},
	{"Aparência", []string{"aparência", "cores", "design", "visual", "esteticamente"}},
	{"Funcionalidade", []string{"funciona", "funcional", "prático", "útil", "serve"}},
}

var (
	sentenceSplit   = regexp.MustCompile(`[.!?]+`)
	brandPattern    = regexp.MustCompile(`(?i)\b(?:Apple|Samsung|LG|Sony|Nike|Adidas|Coca|Pepsi|Amazon|Shopee|Shein|AliExpress)\b`)
	productPattern  = regexp.MustCompile(`(?i)(?:produto|item|coisa|artigo):\s*([^.,\n]+)`)
	positivePattern = regexp.MustCompile(`(?i)(?:adorei|gostei|excelente|ótimo):\s*([^.!?]+)`)
	negativePattern = regexp.MustCompile(`(?i)(?:problema|falha|ruim|decepcionante):\s*([^.!?]+)`)
)

func lexicon(words map[string][]string, lang string) []string {
	if w, ok := words[lang]; ok {
		return w
	}
	return words[DefaultLanguage]
}

// countPolarity counts lexicon words present in text. Each word counts
// once no matter how often it appears.
func countPolarity(text, lang string) (positive, negative int) {
	lower := strings.ToLower(text)
	for _, w := range lexicon(positiveWords, lang) {
		if strings.Contains(lower, w) {
			positive++
		}
	}
	for _, w := range lexicon(negativeWords, lang) {
		if strings.Contains(lower, w) {
			negative++
		}
	}
	return positive, negative
}

// CalculateSentimentScore returns a score in [-1,1] and a confidence in
// [0,1]. Text without lexicon words scores 0 with confidence 0.3.
func CalculateSentimentScore(text, lang string) (score, confidence float64) {
	positive, negative := countPolarity(text, lang)
	return scoreCounts(positive, negative)
}

func scoreCounts(positive, negative int) (float64, float64) {
	total := positive + negative
	if total == 0 {
		return 0, 0.3
	}
	score := float64(positive-negative) / float64(total)
	confidence := float64(total) / 20
	if confidence > 1 {
		confidence = 1
	}
	return score, confidence
}

func classify(score float64) models.Sentiment {
	switch {
	case score > polarityThreshold:
		return models.SentimentPositive
	case score < -polarityThreshold:
		return models.SentimentNegative
	}
	return models.SentimentNeutral
}

// overallSentiment is classify plus mixed: both polarities present but
// neither dominating.
func overallSentiment(score float64, positive, negative int) models.Sentiment {
	s := classify(score)
	if s == models.SentimentNeutral && positive > 0 && negative > 0 {
		return models.SentimentMixed
	}
	return s
}

func splitSentences(text string) []string {
	parts := sentenceSplit.Split(text, -1)
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func containsAny(s string, keywords []string) bool {
	lower := strings.ToLower(s)
	for _, kw := range keywords {
		if strings.Contains(lower, kw) {
			return true
		}
	}
	return false
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) > n {
		return string(r[:n])
	}
	return s
}

// ExtractTopics returns one segment per topic whose keywords appear in
// the text, scored on the sentences that mention it.
func ExtractTopics(text, lang string) []models.TopicSegment {
	sentences := splitSentences(text)
	var segments []models.TopicSegment

	for _, t := range topics {
		var matched []string
		for _, s := range sentences {
			if containsAny(s, t.keywords) {
				matched = append(matched, s)
			}
		}
		if len(matched) == 0 {
			continue
		}

		score, confidence := CalculateSentimentScore(strings.Join(matched, " "), lang)
		segments = append(segments, models.TopicSegment{
			Topic:      t.name,
			Sentiment:  classify(score),
			Confidence: confidence,
			Quote:      truncate(matched[0], maxQuoteLength),
		})
	}
	return segments
}

// ExtractEntities finds known brands and "produto: ..." style mentions,
// in order of first appearance.
func ExtractEntities(text string) []models.Entity {
	var entities []models.Entity

	brands := brandPattern.FindAllString(text, -1)
	for _, b := range uniqueCounts(brands) {
		entities = append(entities, models.Entity{
			Text: b.text, Type: models.EntityBrand, Confidence: brandConfidence, MentionsCount: b.count,
		})
	}

	var products []string
	for _, m := range productPattern.FindAllStringSubmatch(text, -1) {
		if p := strings.TrimSpace(m[1]); p != "" {
			products = append(products, p)
		}
	}
	for _, p := range uniqueCounts(products) {
		entities = append(entities, models.Entity{
			Text: p.text, Type: models.EntityProduct, Confidence: productConfidence, MentionsCount: p.count,
		})
	}
	return entities
}

type counted struct {
	text  string
	count int
}

func uniqueCounts(values []string) []counted {
	index := make(map[string]int)
	var out []counted
	for _, v := range values {
		if i, ok := index[v]; ok {
			out[i].count++
			continue
		}
		index[v] = len(out)
		out = append(out, counted{text: v, count: 1})
	}
	return out
}

// extractAspects prefers explicit "adorei: ..." phrases and falls back
// to whole sentences containing polarity words.
func extractAspects(text string, pattern *regexp.Regexp, fallback []string) []string {
	var aspects []string
	for _, m := range pattern.FindAllStringSubmatch(text, -1) {
		if a := strings.TrimSpace(m[1]); a != "" {
			aspects = append(aspects, a)
		}
	}
	if len(aspects) == 0 {
		for _, s := range splitSentences(text) {
			if containsAny(s, fallback) {
				aspects = append(aspects, s)
			}
		}
	}
	if len(aspects) > maxAspects {
		aspects = aspects[:maxAspects]
	}
	return aspects
}

func positiveAspects(text string) []string {
	return extractAspects(text, positivePattern, positiveWords[DefaultLanguage])
}

func negativeAspects(text string) []string {
	return extractAspects(text, negativePattern, negativeWords[DefaultLanguage])
}

func recommendations(overall models.Sentiment, segments []models.TopicSegment) []string {
	var recs []string
	if overall == models.SentimentPositive {
		recs = append(recs, "✓ Foco em recomendações entusiastas", "✓ Destaque satisfação do cliente")
	} else {
		recs = append(recs, "⚠ Abordar objeções principais", "⚠ Enfatizar melhorias/soluções")
	}

	for i, t := range segments {
		if i == topicsForRecommendations {
			break
		}
		topic := strings.ToLower(t.Topic)
		if t.Sentiment == models.SentimentPositive {
			recs = append(recs, "✓ Destacar "+topic+": "+truncate(t.Quote, recommendationQuoteLength))
		} else {
			recs = append(recs, "⚠ Melhorar "+topic)
		}
	}

	if len(recs) > maxRecommendations {
		recs = recs[:maxRecommendations]
	}
	return recs
}
