package common

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestSanitizerRedactsQueryCredentials(t *testing.T) {
	a := assert.New(t)
	s := NewWeatherFlickLogSanitizer()

	testCases := map[string]string{
		// KTO style serviceKey in a query string
		"GET /areaBasedList2?serviceKey=AbC123%3D%3D&pageNo=1": "GET /areaBasedList2?serviceKey=-REDACTED-&pageNo=1",
		// OpenWeatherMap appid
		"request failed: https://api.openweathermap.org/data/2.5/weather?q=Seoul&appid=deadbeef": "request failed: https://api.openweathermap.org/data/2.5/weather?q=Seoul&appid=-REDACTED-",
		// mixed case key still matches, rest of message keeps its case
		"retrying with ServiceKey=XYZ for Seoul": "retrying with ServiceKey=-REDACTED- for Seoul",
		// header style with colon delimiter
		"x-api-key: super-secret": "x-api-key: -REDACTED-",
	}

	for input, expected := range testCases {
		a.Equal(expected, s.SanitizeLogMessage(input))
	}
}

func TestSanitizerRedactsAuthorizationScheme(t *testing.T) {
	a := assert.New(t)
	s := NewWeatherFlickLogSanitizer()

	a.Equal("Authorization: -REDACTED-", s.SanitizeLogMessage("Authorization: Bearer abc.def.ghi"))
	a.Equal("authorization=-REDACTED-", s.SanitizeLogMessage("authorization=Basic dXNlcjpwYXNz"))
}

func TestSanitizerLeavesCleanMessagesAlone(t *testing.T) {
	a := assert.New(t)
	s := NewWeatherFlickLogSanitizer()

	testCases := []string{
		"collected 120 attractions for area 11",
		"token bucket pacer started", // the word alone, with no delimiter, is not a credential
		"weather snapshot stored",
	}
	for _, msg := range testCases {
		a.Equal(msg, s.SanitizeLogMessage(msg))
	}
}
