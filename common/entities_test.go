package common

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestOpaqueBagValueAndScan(t *testing.T) {
	a := assert.New(t)

	var empty OpaqueBag
	v, err := empty.Value()
	a.NoError(err)
	a.Equal("{}", string(v.([]byte)))

	bag := OpaqueBag{"area_code": "1", "batch": float64(3)}
	v, err = bag.Value()
	a.NoError(err)

	var scanned OpaqueBag
	a.NoError(scanned.Scan(v))
	a.Equal("1", scanned.GetString("area_code", ""))
	a.Equal(3, scanned.GetInt("batch", 0))
}

func TestOpaqueBagGetters(t *testing.T) {
	a := assert.New(t)
	bag := OpaqueBag{
		"name":    "seoul",
		"count":   float64(12), // numbers arrive as float64 after JSON decoding
		"ratio":   0.25,
		"enabled": true,
		"regions": []interface{}{"11", "26"},
	}

	a.Equal("seoul", bag.GetString("name", "x"))
	a.Equal("x", bag.GetString("missing", "x"))
	a.Equal(12, bag.GetInt("count", 0))
	a.Equal(0.25, bag.GetFloat("ratio", 0))
	a.True(bag.GetBool("enabled", false))
	a.Equal([]string{"11", "26"}, bag.GetStrings("regions"))
	a.Nil(bag.GetStrings("missing"))
}

func TestOpaqueBagClone(t *testing.T) {
	a := assert.New(t)
	orig := OpaqueBag{"a": "1"}
	dup := orig.Clone()
	dup["a"] = "2"
	a.Equal("1", orig.GetString("a", ""))
}

func TestKindListContains(t *testing.T) {
	a := assert.New(t)

	var all KindList // empty matches every kind
	a.True(all.Contains(EErrorKind.Timeout()))
	a.True(all.Contains(EErrorKind.ParseFailure()))

	some := KindList{EErrorKind.Timeout(), EErrorKind.RateLimited()}
	a.True(some.Contains(EErrorKind.Timeout()))
	a.False(some.Contains(EErrorKind.ParseFailure()))
}

func TestKindListRoundTrip(t *testing.T) {
	a := assert.New(t)
	orig := KindList{EErrorKind.Timeout(), EErrorKind.Database()}

	v, err := orig.Value()
	a.NoError(err)

	var scanned KindList
	a.NoError(scanned.Scan(v))
	a.Equal(orig, scanned)
}

func TestEventListContains(t *testing.T) {
	a := assert.New(t)

	var all EventList
	a.True(all.Contains(ENotificationEvent.JobFailed()))

	some := EventList{ENotificationEvent.JobFailed(), ENotificationEvent.JobRetryMaxAttempts()}
	a.True(some.Contains(ENotificationEvent.JobFailed()))
	a.False(some.Contains(ENotificationEvent.JobStarted()))
}

func TestJobDuration(t *testing.T) {
	a := assert.New(t)

	var job Job
	a.Equal(time.Duration(0), job.Duration())

	start := time.Date(2025, 7, 1, 2, 0, 0, 0, time.UTC)
	end := start.Add(5 * time.Second)
	job.StartedAt = &start
	job.CompletedAt = &end
	a.Equal(5*time.Second, job.Duration())
}

func TestBackupRecordCompressionRatio(t *testing.T) {
	a := assert.New(t)

	rec := BackupRecord{OriginalSize: 1000, CompressedSize: 250}
	a.InDelta(75.0, rec.CompressionRatio(), 1e-9)

	rec = BackupRecord{OriginalSize: 0, CompressedSize: 10}
	a.Equal(float64(0), rec.CompressionRatio())
}
