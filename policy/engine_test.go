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

package policy

import (
	"math"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/aicc6/weather-flick-batch-sub002/common"
)

func testLogger() common.ILogger {
	return common.NewAppLogger(common.ELogLevel.None(), "policy-test")
}

func newDefaultEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine("", testLogger())
	if err != nil {
		t.Fatal(err)
	}
	return e
}

func rec(p common.Provider, endpoint string, sizeBytes int64, status int) *common.RawRecord {
	return &common.RawRecord{
		Provider:     p,
		Endpoint:     endpoint,
		ResponseSize: sizeBytes,
		StatusCode:   status,
	}
}

func mbOf(f float64) int64 { return int64(f * (1 << 20)) }

func writePolicy(t *testing.T, dir, body string) string {
	t.Helper()
	path := filepath.Join(dir, "storage_policies.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestDecideApprovesWithinCaps(t *testing.T) {
	a := assert.New(t)
	e := newDefaultEngine(t)

	d := e.Decide(rec(common.EProvider.KTO(), "areaBasedList2", mbOf(1), 200))
	a.True(d.Store)
	a.Equal("all storage gates passed", d.Reason)
	if a.NotNil(d.Metadata) {
		a.Equal(180, d.Metadata.TTLDays)
		a.Equal(1, d.Metadata.Priority)
		a.True(d.Metadata.Compression)
		a.Equal("1.0", d.Metadata.PolicyVersion)
		a.WithinDuration(time.Now().UTC().Add(180*24*time.Hour), d.Metadata.ExpiresAt, time.Minute)
	}

	st := e.Stats()
	a.Equal(int64(1), st.Decisions)
	a.Equal(int64(1), st.Approved)
	a.InDelta(100, st.ApprovalRate, 1e-9)
}

func TestDecideExpiryCountsFromCaptureTime(t *testing.T) {
	a := assert.New(t)
	e := newDefaultEngine(t)

	captured := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	r := rec(common.EProvider.KTO(), "areaBasedList2", mbOf(1), 200)
	r.CreatedAt = captured

	d := e.Decide(r)
	a.True(d.Store)
	if a.NotNil(d.Metadata) {
		// A record that sat in the queue still expires relative to capture.
		a.Equal(captured.Add(180*24*time.Hour), d.Metadata.ExpiresAt)
	}
}

func TestDecideAppliesEndpointSizeCap(t *testing.T) {
	a := assert.New(t)
	e := newDefaultEngine(t)

	d := e.Decide(rec(common.EProvider.KTO(), "areaBasedList2", mbOf(16), 200))
	a.False(d.Store)
	a.Contains(d.Reason, "endpoint cap is 15MB")

	// detailImage2 allows far larger bodies than its siblings
	d = e.Decide(rec(common.EProvider.KTO(), "detailImage2", mbOf(16), 200))
	a.True(d.Store)

	st := e.Stats()
	a.Equal(int64(1), st.SizeRejected)
	a.Equal(int64(1), st.RejectedByReason[ReasonSizeExceeded])
}

func TestDecideFallsBackToProviderCap(t *testing.T) {
	a := assert.New(t)
	e := newDefaultEngine(t)
	kma := common.EProvider.KMA()

	d := e.Decide(rec(kma, "someNewEndpoint", mbOf(6), 200))
	a.False(d.Store)
	a.Contains(d.Reason, "provider cap is 5MB")

	d = e.Decide(rec(kma, "someNewEndpoint", mbOf(4), 200))
	a.True(d.Store)
	a.Equal(90, d.Metadata.TTLDays) // provider defaults
	a.Equal(2, d.Metadata.Priority)
}

func TestDecideEndpointOptOut(t *testing.T) {
	a := assert.New(t)
	e := newDefaultEngine(t)

	d := e.Decide(rec(common.EProvider.KMA(), "health", 128, 200))
	a.False(d.Store)
	a.Contains(d.Reason, "opted out")
	a.Equal(int64(1), e.Stats().RejectedByReason[ReasonEndpointDisabled])
}

func TestDecideKeepsErrorResponses(t *testing.T) {
	a := assert.New(t)
	e := newDefaultEngine(t)

	d := e.Decide(rec(common.EProvider.KTO(), "areaBasedList2", 512, 502))
	a.True(d.Store)
	a.Contains(d.Reason, "status 502")

	// error responses skip the size gates
	d = e.Decide(rec(common.EProvider.KTO(), "areaBasedList2", mbOf(100), 500))
	a.True(d.Store)

	st := e.Stats()
	a.Equal(int64(2), st.ErrorsStored)
	a.Equal(int64(2), st.Approved)
}

func TestDecideUnknownProviderRejected(t *testing.T) {
	a := assert.New(t)
	e := newDefaultEngine(t)

	d := e.Decide(rec(common.EProvider.Google(), "places", 128, 200))
	a.False(d.Store)
	a.Contains(d.Reason, "GOOGLE")
	a.Equal(int64(1), e.Stats().PolicyDisabled)
	a.Equal(int64(1), e.Stats().RejectedByReason[ReasonProviderDisabled])
}

func TestDecideEmergencyModeAdmitsOnlyTopPriority(t *testing.T) {
	a := assert.New(t)
	e := newDefaultEngine(t)
	kto := common.EProvider.KTO()

	e.SetEmergency(true)
	a.True(e.Emergency())

	d := e.Decide(rec(kto, "detailCommon2", mbOf(1), 200)) // priority 2
	a.False(d.Store)
	a.Contains(d.Reason, "emergency")

	d = e.Decide(rec(kto, "areaCode2", 1024, 200)) // priority 1
	a.True(d.Store)

	e.SetEmergency(false)
	d = e.Decide(rec(kto, "detailCommon2", mbOf(1), 200))
	a.True(d.Store)
}

func TestDecideIsDeterministic(t *testing.T) {
	a := assert.New(t)
	e := newDefaultEngine(t)
	r := rec(common.EProvider.KTO(), "areaBasedList2", mbOf(2), 200)

	first := e.Decide(r)
	second := e.Decide(r) // second lookup is served from the memo
	a.Equal(first.Store, second.Store)
	a.Equal(first.Reason, second.Reason)
}

func TestCountersSaturateAtMax(t *testing.T) {
	a := assert.New(t)
	e := newDefaultEngine(t)

	e.seen.Store(math.MaxInt64)
	e.Decide(rec(common.EProvider.KTO(), "areaCode2", 128, 200))
	a.Equal(int64(math.MaxInt64), e.Stats().Decisions)
}

func TestStatsRatesAndReset(t *testing.T) {
	a := assert.New(t)
	e := newDefaultEngine(t)
	kto := common.EProvider.KTO()

	e.Decide(rec(kto, "areaCode2", 128, 200))
	e.Decide(rec(kto, "areaCode2", 256, 200))
	e.Decide(rec(kto, "areaBasedList2", mbOf(16), 200))

	st := e.Stats()
	a.Equal(int64(3), st.Decisions)
	a.InDelta(66.67, st.ApprovalRate, 0.001)
	a.InDelta(33.33, st.RejectionRate, 0.001)

	e.ResetStats()
	st = e.Stats()
	a.Zero(st.Decisions)
	a.Zero(st.Approved)
	a.Empty(st.RejectedByReason)
}

func TestDecisionApplyStampsMetadataDocument(t *testing.T) {
	a := assert.New(t)
	e := newDefaultEngine(t)

	r := rec(common.EProvider.KTO(), "areaBasedList2", mbOf(1), 200)
	d := e.Decide(r)
	d.Apply(r)

	a.Equal(180, r.StorageMetadata.GetInt("ttl_days", 0))
	a.Equal(1, r.StorageMetadata.GetInt("priority", 0))
	a.True(r.StorageMetadata.GetBool("compression", false))
	a.Equal("1.0", r.StorageMetadata.GetString("policy_version", ""))
	_, err := time.Parse(time.RFC3339, r.StorageMetadata.GetString("expires_at", ""))
	a.NoError(err)

	// rejections leave the record untouched
	r2 := rec(common.EProvider.KMA(), "health", 128, 200)
	e.Decide(r2).Apply(r2)
	a.Nil(r2.StorageMetadata)
}

func TestFileOverridesReplaceProviderWholly(t *testing.T) {
	a := assert.New(t)
	path := writePolicy(t, t.TempDir(), `
providers:
  KTO:
    default_ttl_days: 14
    max_response_size_mb: 2
    store_errors: false
`)
	e, err := NewEngine(path, testLogger())
	a.NoError(err)
	defer e.Close()
	kto := common.EProvider.KTO()

	// endpoint overrides from the defaults are gone with the old entry
	d := e.Decide(rec(kto, "areaBasedList2", mbOf(1), 200))
	a.True(d.Store)
	a.Equal(14, d.Metadata.TTLDays)
	a.Equal(2, d.Metadata.Priority)

	d = e.Decide(rec(kto, "areaBasedList2", mbOf(1), 500))
	a.False(d.Store)

	d = e.Decide(rec(kto, "anything", mbOf(3), 200))
	a.False(d.Store)
	a.Contains(d.Reason, "provider cap is 2MB")

	// providers the file does not name keep their defaults
	d = e.Decide(rec(common.EProvider.KMA(), "getVilageFcst", mbOf(1), 200))
	a.True(d.Store)
	a.Equal(60, d.Metadata.TTLDays)
}

func TestGlobalKillSwitch(t *testing.T) {
	a := assert.New(t)
	path := writePolicy(t, t.TempDir(), "storage_enabled: false\n")
	e, err := NewEngine(path, testLogger())
	a.NoError(err)
	defer e.Close()

	d := e.Decide(rec(common.EProvider.KMA(), "getVilageFcst", 128, 200))
	a.False(d.Store)
	a.Contains(d.Reason, "globally disabled")
	a.Equal(int64(1), e.Stats().PolicyDisabled)
}

func TestNeverPolicyRejects(t *testing.T) {
	a := assert.New(t)
	path := writePolicy(t, t.TempDir(), `
providers:
  WEATHER:
    default_policy: NEVER
`)
	e, err := NewEngine(path, testLogger())
	a.NoError(err)
	defer e.Close()

	d := e.Decide(rec(common.EProvider.Weather(), "weather", 128, 200))
	a.False(d.Store)
	a.Contains(d.Reason, "never")
	a.Equal(int64(1), e.Stats().RejectedByReason[ReasonPolicyNever])
}

func TestReloadSwapsRulesAndKeepsOldOnError(t *testing.T) {
	a := assert.New(t)
	dir := t.TempDir()
	path := writePolicy(t, dir, "providers:\n  KTO:\n    default_ttl_days: 10\n")

	e, err := NewEngine(path, testLogger())
	a.NoError(err)
	defer e.Close()
	kto := common.EProvider.KTO()
	a.Equal(10, e.Metadata(kto, "unlisted").TTLDays)

	writePolicy(t, dir, "providers:\n  KTO:\n    default_ttl_days: 20\n")
	a.NoError(e.Reload())
	a.Equal(20, e.Metadata(kto, "unlisted").TTLDays)

	// a broken file leaves the active rules alone
	writePolicy(t, dir, "providers:\n  KTO:\n    default_ttl_days: -5\n")
	err = e.Reload()
	a.Error(err)
	a.Equal(common.EErrorKind.Config(), common.ClassifyError(err))
	a.Equal(20, e.Metadata(kto, "unlisted").TTLDays)
}

func TestWatcherPicksUpEdits(t *testing.T) {
	a := assert.New(t)
	dir := t.TempDir()
	path := writePolicy(t, dir, "providers:\n  KTO:\n    default_ttl_days: 10\n")

	e, err := NewEngine(path, testLogger())
	a.NoError(err)
	defer e.Close()

	writePolicy(t, dir, "providers:\n  KTO:\n    default_ttl_days: 44\n")
	a.Eventually(func() bool {
		return e.Metadata(common.EProvider.KTO(), "unlisted").TTLDays == 44
	}, 5*time.Second, 50*time.Millisecond)
}
