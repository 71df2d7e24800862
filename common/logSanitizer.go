// Copyright © 2025 Weather Flick <dev@weatherflick.io>
//
// Permission is hereby granted, free of charge, to any person obtaining a copy
// of this software and associated documentation files (the "Software"), to deal
// in the Software without restriction, including without limitation the rights
// to use, copy, modify, merge, publish, distribute, sublicense, and/or sell
// copies of the Software, and to permit persons to whom the Software is
// furnished to do so, subject to the following conditions:
//
// The above copyright notice and this permission notice shall be included in
// all copies or substantial portions of the Software.
//
// THE SOFTWARE IS PROVIDED "AS IS", WITHOUT WARRANTY OF ANY KIND, EXPRESS OR
// IMPLIED, INCLUDING BUT NOT LIMITED TO THE WARRANTIES OF MERCHANTABILITY,
// FITNESS FOR A PARTICULAR PURPOSE AND NONINFRINGEMENT. IN NO EVENT SHALL THE
// AUTHORS OR COPYRIGHT HOLDERS BE LIABLE FOR ANY CLAIM, DAMAGES OR OTHER
// LIABILITY, WHETHER IN AN ACTION OF CONTRACT, TORT OR OTHERWISE, ARISING FROM,
// OUT OF OR IN CONNECTION WITH THE SOFTWARE OR THE USE OR OTHER DEALINGS IN
// THE SOFTWARE.

package common

import (
	"regexp"
	"strings"
)

type LogSanitizer interface {
	SanitizeLogMessage(msg string) string
}

// weatherFlickLogSanitizer performs string-replacement based log redaction.
// This serves as a backstop, to help make sure that secrets don't get logged.
// Upstream weather and tourism APIs authenticate with credentials embedded in
// query strings (serviceKey, appid), so any logged URL or HTTP error can leak
// a key. Request sites redact what they know about; this catches the rest,
// e.g. credentials surfacing inside wrapped error chains.
type weatherFlickLogSanitizer struct {
}

func NewWeatherFlickLogSanitizer() LogSanitizer {
	return &weatherFlickLogSanitizer{}
}

var sensitiveQueryStringKeys = []string{
	"servicekey", // KTO and KMA query credential
	"appid",      // OpenWeatherMap query credential
	"apikey",
	"api_key",
	"x-api-key",
	"authorization",
	"token",
	"password",
	"signature",
}

// SanitizeLogMessage removes credentials and credential-like strings from a
// message before it reaches a log file.
// The implementation uses a 'to lower' of the raw string, because the
// alternative (of using case-insensitive regexes on every message) measured
// far slower for the common case of no match.
func (s *weatherFlickLogSanitizer) SanitizeLogMessage(msg string) string {
	lowerMsg := strings.ToLower(msg)

	for _, key := range sensitiveQueryStringKeys {
		// take a quick look, using contains, and then get fancy only if we
		// find something in the quick look
		if strings.Contains(lowerMsg, key) {
			msg = s.redact(msg, key) // must redact from the real (original case) msg, not lowerMsg
		}
	}

	return msg
}

func (s *weatherFlickLogSanitizer) redact(msg, key string) string {
	const redacted = "-REDACTED-"

	return sensitiveRegexMap[key].ReplaceAllString(msg, "$1"+redacted)
}

// as per https://groups.google.com/forum/#!topic/golang-nuts/3FVAs9dPR8k, this map should be
// safe for concurrent reads
var sensitiveRegexMap = make(map[string]*regexp.Regexp)

// init a map of pre-prepared regexes, one for each key
func init() {
	mapContainsServiceKey := false
	for _, key := range sensitiveQueryStringKeys {
		// We don't care what's before the key (in a query string it will always be ? or &, but that's not
		// the case in say, an auth header).
		// Also, for flexibility and robustness we allow : or = as the delimiter, and allow space around it.
		// We do ASSUME that the value to be redacted will never contain a &. Without that
		// assumption, we'd have to redact query strings all the way to the end of the whole query string.
		// Regex has two groups: first gets key and delimiter.
		// Second group gets as many chars as possible that do not terminate the value.
		sensitiveRegexMap[key] = regexp.MustCompile("(?i)(?P<key>" + key + "[ \t]*[:=][ \t]*)(?P<value>[^& ,;\t\n\r]+)")

		if key == "servicekey" {
			mapContainsServiceKey = true
		}
	}

	// Authorization headers carry a scheme word before the secret; swallow it
	// together with the value.
	sensitiveRegexMap["authorization"] = regexp.MustCompile(`(?i)(?P<key>authorization[ \t]*[:=][ \t]*)(?:(?:bearer|basic)[ \t]+)?(?P<value>[^& ,;\t\n\r]+)`)

	// Double check that the credential this application handles most is covered.
	if !mapContainsServiceKey {
		panic("sensitiveQueryStringKeys is misconfigured and does not cover serviceKey")
	}
}
