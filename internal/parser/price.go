package parser

import (
	"regexp"
	"strconv"
	"strings"
)

var numberPattern = regexp.MustCompile(`\d[\d.,]*`)

// commaDecimal lists currencies written with a decimal comma, where a lone
// dot groups thousands.
var commaDecimal = map[string]bool{"BRL": true, "EUR": true, "ARS": true}

// ParsePrice reads the first number in s, accepting both "1.299,90" and
// "1,299.90" grouping. The currency is guessed from s. It returns 0 when
// nothing parses.
func ParsePrice(s string) float64 {
	return ParsePriceIn(s, currencyFromText(s))
}

// ParsePriceIn is ParsePrice for a known currency code. In decimal-comma
// currencies "1.299" reads as 1299.
func ParsePriceIn(s, currency string) float64 {
	token := strings.TrimRight(numberPattern.FindString(s), ".,")
	if token == "" {
		return 0
	}

	lastDot := strings.LastIndex(token, ".")
	lastComma := strings.LastIndex(token, ",")

	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			token = strings.ReplaceAll(token, ".", "")
			token = strings.Replace(token, ",", ".", 1)
		} else {
			token = strings.ReplaceAll(token, ",", "")
		}
	case lastComma >= 0:
		if strings.Count(token, ",") == 1 && len(token)-lastComma-1 <= 2 {
			token = strings.Replace(token, ",", ".", 1)
		} else {
			token = strings.ReplaceAll(token, ",", "")
		}
	case strings.Count(token, ".") > 1:
		token = strings.ReplaceAll(token, ".", "")
	case lastDot >= 0 && commaDecimal[strings.ToUpper(currency)] && len(token)-lastDot-1 == 3:
		token = strings.ReplaceAll(token, ".", "")
	}

	v, err := strconv.ParseFloat(token, 64)
	if err != nil || v < 0 {
		return 0
	}
	return v
}

// currencyFromText guesses an ISO code from a rendered price.
func currencyFromText(s string) string {
	switch {
	case strings.Contains(s, "R$"):
		return "BRL"
	case strings.Contains(s, "€"):
		return "EUR"
	case strings.Contains(s, "US$"), strings.Contains(s, "$"):
		return "USD"
	}
	return ""
}

// toFloat accepts the shapes prices take in embedded JSON: numbers,
// numeric strings and objects carrying a value.
func toFloat(v any) float64 {
	switch t := v.(type) {
	case float64:
		return t
	case string:
		return ParsePrice(t)
	case map[string]any:
		for _, k := range []string{"value", "amount", "minAmount", "formatedAmount"} {
			if inner, ok := t[k]; ok {
				if f := toFloat(inner); f > 0 {
					return f
				}
			}
		}
	}
	return 0
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return strings.TrimSpace(t)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case map[string]any:
		if name, ok := t["name"].(string); ok {
			return strings.TrimSpace(name)
		}
	}
	return ""
}

func toInt(v any) int {
	switch t := v.(type) {
	case float64:
		return int(t)
	case string:
		n, _ := strconv.Atoi(strings.TrimSpace(strings.ReplaceAll(strings.ReplaceAll(t, ".", ""), ",", "")))
		return n
	}
	return 0
}

// toStrings flattens a string, list of strings, or list of objects with a url.
func toStrings(v any) []string {
	switch t := v.(type) {
	case string:
		if s := strings.TrimSpace(t); s != "" {
			return []string{s}
		}
	case []any:
		var out []string
		for _, item := range t {
			out = append(out, toStrings(item)...)
		}
		return out
	case map[string]any:
		for _, k := range []string{"url", "contentUrl", "src"} {
			if s, ok := t[k].(string); ok && s != "" {
				return []string{s}
			}
		}
	}
	return nil
}
