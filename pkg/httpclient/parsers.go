package httpclient

import (
	"net/http"
	"strconv"
	"time"
)

// RetryAfter parses the Retry-After header, accepting both delta-seconds
// and HTTP-date forms.
func RetryAfter(headers http.Header) time.Duration {
	retryAfter := headers.Get("Retry-After")
	if retryAfter == "" {
		return 0
	}
	if seconds, err := strconv.Atoi(retryAfter); err == nil {
		return time.Duration(seconds) * time.Second
	}
	// HTTP-date form
	if t, err := http.ParseTime(retryAfter); err == nil {
		if d := time.Until(t); d > 0 {
			return d
		}
	}
	return 0
}

// ParseOpenAIRateLimitHeaders extracts rate limit info from OpenAI-style
// headers. OpenRouter uses the same scheme.
func ParseOpenAIRateLimitHeaders(headers http.Header) RateLimitInfo {
	info := RateLimitInfo{RetryAfter: RetryAfter(headers)}

	if resetStr := headers.Get("x-ratelimit-reset-requests"); resetStr != "" {
		if resetTime, err := strconv.ParseInt(resetStr, 10, 64); err == nil {
			info.ResetTime = resetTime
		}
	}
	if remaining := headers.Get("x-ratelimit-remaining-requests"); remaining != "" {
		info.RequestsRemaining, _ = strconv.Atoi(remaining)
	}
	if remaining := headers.Get("x-ratelimit-remaining-tokens"); remaining != "" {
		info.TokensRemaining, _ = strconv.Atoi(remaining)
	}

	return info
}

// ParseAnthropicRateLimitHeaders extracts rate limit info from Anthropic
// API headers. Reset headers are RFC3339.
func ParseAnthropicRateLimitHeaders(headers http.Header) RateLimitInfo {
	info := RateLimitInfo{RetryAfter: RetryAfter(headers)}

	resetHeaders := []string{
		"anthropic-ratelimit-requests-reset",
		"anthropic-ratelimit-input-tokens-reset",
		"anthropic-ratelimit-output-tokens-reset",
	}
	for _, header := range resetHeaders {
		if resetStr := headers.Get(header); resetStr != "" {
			if resetTime, err := time.Parse(time.RFC3339, resetStr); err == nil {
				info.ResetTime = resetTime.Unix()
				break
			}
		}
	}

	if remaining := headers.Get("anthropic-ratelimit-requests-remaining"); remaining != "" {
		info.RequestsRemaining, _ = strconv.Atoi(remaining)
	}
	if remaining := headers.Get("anthropic-ratelimit-input-tokens-remaining"); remaining != "" {
		info.TokensRemaining, _ = strconv.Atoi(remaining)
	}

	return info
}

// ParseGeminiRateLimitHeaders extracts rate limit info from Gemini API
// headers. Gemini only sends Retry-After.
func ParseGeminiRateLimitHeaders(headers http.Header) RateLimitInfo {
	return RateLimitInfo{RetryAfter: RetryAfter(headers)}
}
