package common

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func setMinimalEnv(t *testing.T) {
	t.Setenv("WFBATCH_DATABASE_URL", "postgres://wf:wf@localhost:5432/weather_flick?sslmode=disable")
	t.Setenv("KTO_API_KEY", "ktoKeyA, ktoKeyB")
	t.Setenv("KMA_API_KEY", "kmaKey")
	t.Setenv("WEATHER_API_KEY", "owmKey")
}

func TestLoadSettingsDefaults(t *testing.T) {
	a := assert.New(t)
	setMinimalEnv(t)

	s, err := LoadSettings()
	a.NoError(err)

	a.Equal("0.0.0.0", s.Server.Host)
	a.Equal(9090, s.Server.Port)
	a.NotEmpty(s.Server.APIKey)

	a.Equal([]string{"ktoKeyA", "ktoKeyB"}, s.Providers.Keys[EProvider.KTO()])
	a.Equal(1000, s.Providers.DailyLimit[EProvider.KTO()])
	a.Contains(s.Providers.BaseURLs[EProvider.KMA()], "VilageFcstInfoService")

	a.Equal(3, s.Scheduler.MaxConcurrentJobs)
	a.Equal(time.Hour, s.Scheduler.JobTimeout)
	a.Equal("KST", s.Scheduler.Location.String())

	a.Equal(1000, s.Storage.QueueCapacity)
	a.Equal(30*time.Second, s.Monitor.Interval)
	a.Equal(ELogLevel.Info(), s.Log.MinLevel)
	a.True(s.Backup.S3UseSSL)
	a.Equal("azure", s.Backup.CloudProvider)
}

func TestLoadSettingsFiltersPlaceholderKeys(t *testing.T) {
	a := assert.New(t)
	setMinimalEnv(t)
	t.Setenv("KTO_API_KEY", "realKey,your_api_key_here, ,test_key_123")

	s, err := LoadSettings()
	a.NoError(err)
	a.Equal([]string{"realKey"}, s.Providers.Keys[EProvider.KTO()])
}

func TestLoadSettingsRejectsMalformedInt(t *testing.T) {
	a := assert.New(t)
	setMinimalEnv(t)
	t.Setenv("WFBATCH_LISTEN_PORT", "ninety-ninety")

	_, err := LoadSettings()
	a.Error(err)
	a.Equal(EErrorKind.Config(), ClassifyError(err))
}

func TestLoadSettingsRejectsUnknownLogLevel(t *testing.T) {
	a := assert.New(t)
	setMinimalEnv(t)
	t.Setenv("WFBATCH_LOG_LEVEL", "LOUD")

	_, err := LoadSettings()
	a.Error(err)
	a.Equal(EErrorKind.Config(), ClassifyError(err))
}

func TestLoadSettingsRequiresDatabaseURL(t *testing.T) {
	a := assert.New(t)
	setMinimalEnv(t)
	t.Setenv("WFBATCH_DATABASE_URL", "")

	_, err := LoadSettings()
	a.Error(err)
}

func TestSplitKeyList(t *testing.T) {
	a := assert.New(t)

	a.Nil(SplitKeyList(""))
	a.Equal([]string{"a", "b"}, SplitKeyList(" a ,b,,"))
	a.Equal([]string{"k"}, SplitKeyList("your_key,k,example-key"))
}

func TestIsPlaceholderKey(t *testing.T) {
	a := assert.New(t)

	a.True(IsPlaceholderKey("your_api_key_here"))
	a.True(IsPlaceholderKey("TEST_abc"))
	a.True(IsPlaceholderKey("example123"))
	a.False(IsPlaceholderKey("AbC123realkey"))
}
