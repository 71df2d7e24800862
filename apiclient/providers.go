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

package apiclient

import (
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/aicc6/weather-flick-batch-sub002/common"
)

// Per-provider wiring: endpoints, auth and retention. Base URLs here are the
// published defaults; Settings.Providers.BaseURLs overrides them.
var defaultBaseURLs = map[common.Provider]string{
	common.EProvider.KTO():     "http://apis.data.go.kr/B551011/KorService2",
	common.EProvider.KMA():     "http://apis.data.go.kr/1360000/VilageFcstInfoService_2.0",
	common.EProvider.Weather(): "http://api.openweathermap.org/data/2.5",
}

// authParam names the query parameter that carries the credential. data.go.kr
// services share serviceKey; OpenWeatherMap uses appid.
func authParam(p common.Provider) string {
	if p == common.EProvider.Weather() {
		return "appid"
	}
	return "serviceKey"
}

// rawExpiry is how long a captured raw response stays useful. Weather
// observations go stale within hours; tourism content lives for days.
func rawExpiry(p common.Provider) time.Duration {
	switch p {
	case common.EProvider.KTO():
		return 7 * 24 * time.Hour
	case common.EProvider.KMA():
		return 6 * time.Hour
	case common.EProvider.Weather():
		return 24 * time.Hour
	}
	return 24 * time.Hour
}

// CacheKey derives the shared cache key for one logical request:
// api_cache:<provider-lower>:<md5 of "PROVIDER:endpoint:sorted query">.
// url.Values.Encode sorts by key, so equal parameter sets collide as intended.
func CacheKey(provider common.Provider, endpoint string, params url.Values) string {
	sum := md5.Sum([]byte(provider.String() + ":" + endpoint + ":" + params.Encode()))
	return fmt.Sprintf("api_cache:%s:%s",
		strings.ToLower(provider.String()), hex.EncodeToString(sum[:]))
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// dataGoKrEnvelope covers both reply shapes of the data.go.kr gateway: the
// regular {response:{header,body}} envelope and the bare {resultCode,
// resultMsg} document some gateway failures arrive as.
type dataGoKrEnvelope struct {
	Response struct {
		Header struct {
			ResultCode string `json:"resultCode"`
			ResultMsg  string `json:"resultMsg"`
		} `json:"header"`
		Body json.RawMessage `json:"body"`
	} `json:"response"`
	ResultCode string `json:"resultCode"`
	ResultMsg  string `json:"resultMsg"`
}

// extractPayload validates a 200 reply and returns the part callers parse.
// KTO/KMA replies unwrap to response.body; OpenWeatherMap replies pass through
// whole once cod checks out.
func extractPayload(provider common.Provider, body []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, common.KindErrorf(common.EErrorKind.ParseFailure(),
			"%s returned an empty body", provider)
	}
	// data.go.kr reports gateway trouble (bad key, quota) as XML even when
	// JSON was requested.
	if trimmed[0] == '<' {
		return nil, common.KindErrorf(common.EErrorKind.ParseFailure(),
			"%s returned an XML error response: %.200s", provider, trimmed)
	}
	if provider == common.EProvider.Weather() {
		return extractOpenWeather(trimmed)
	}
	return extractDataGoKr(provider, trimmed)
}

func extractDataGoKr(provider common.Provider, body []byte) (json.RawMessage, error) {
	var env dataGoKrEnvelope
	if err := json.Unmarshal(body, &env); err != nil {
		return nil, common.KindErrorf(common.EErrorKind.ParseFailure(),
			"%s returned malformed JSON: %v", provider, err)
	}
	code, msg := env.Response.Header.ResultCode, env.Response.Header.ResultMsg
	if code == "" {
		code, msg = env.ResultCode, env.ResultMsg
	}
	if code == "" {
		return nil, common.KindErrorf(common.EErrorKind.ParseFailure(),
			"%s response carries no result header", provider)
	}
	if code != "00" && code != "0000" {
		return nil, common.KindErrorf(kindForResultCode(code),
			"%s reported %s: %s", provider, code, msg)
	}
	if len(env.Response.Body) == 0 || bytes.Equal(env.Response.Body, []byte("null")) {
		return json.RawMessage("{}"), nil
	}
	return env.Response.Body, nil
}

func extractOpenWeather(body []byte) (json.RawMessage, error) {
	var probe struct {
		Cod     json.RawMessage `json:"cod"`
		Message string          `json:"message"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, common.KindErrorf(common.EErrorKind.ParseFailure(),
			"%s returned malformed JSON: %v", common.EProvider.Weather(), err)
	}
	// cod is a number on success and usually a quoted string on errors.
	if len(probe.Cod) > 0 {
		raw := strings.Trim(string(probe.Cod), `"`)
		if cod, err := strconv.Atoi(raw); err == nil && cod != 200 {
			return nil, common.KindErrorf(kindForHTTPStatus(cod),
				"%s reported %d: %s", common.EProvider.Weather(), cod, probe.Message)
		}
	}
	return body, nil
}

// kindForResultCode maps data.go.kr gateway result codes onto error kinds.
// 22 is the daily quota, 30/31/32 are key registration problems; everything
// else is an application error the key is not to blame for.
func kindForResultCode(code string) common.ErrorKind {
	switch code {
	case "22":
		return common.EErrorKind.RateLimited()
	case "30", "31", "32":
		return common.EErrorKind.AuthFailed()
	}
	return common.EErrorKind.FailProvider()
}

func kindForHTTPStatus(status int) common.ErrorKind {
	switch {
	case status == 401 || status == 403:
		return common.EErrorKind.AuthFailed()
	case status == 429:
		return common.EErrorKind.RateLimited()
	case status >= 500:
		return common.EErrorKind.Transport()
	}
	return common.EErrorKind.FailProvider()
}
