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
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/pkg/errors"
)

// Settings is the one configuration bag handed to every subsystem at startup.
// Nothing reads the environment after LoadSettings returns.
type Settings struct {
	Server    ServerSettings
	Database  DatabaseSettings
	Redis     RedisSettings
	Providers ProviderSettings
	Cache     CacheSettings
	Storage   StorageSettings
	Scheduler SchedulerSettings
	Notify    NotifySettings
	Backup    BackupSettings
	Monitor   MonitorSettings
	Log       LogSettings
}

type ServerSettings struct {
	Host   string `validate:"required"`
	Port   int    `validate:"min=1,max=65535"`
	APIKey string `validate:"required"`
}

type DatabaseSettings struct {
	URL          string `validate:"required"`
	MaxOpenConns int    `validate:"min=1"`
	MaxIdleConns int    `validate:"min=0"`
}

type RedisSettings struct {
	Addr     string
	Password string
	DB       int `validate:"min=0,max=15"`
}

type ProviderSettings struct {
	Keys       map[Provider][]string
	DailyLimit map[Provider]int
	BaseURLs   map[Provider]string
}

type CacheSettings struct {
	DefaultTTL       time.Duration
	RefreshThreshold float64 `validate:"gt=0,lt=1"`
	WarmWorkers      int     `validate:"min=1"`
}

type StorageSettings struct {
	QueueCapacity int `validate:"min=10"`
	QueueWorkers  int `validate:"min=1"`
	BatchSize     int `validate:"min=1"`
	FlushInterval time.Duration
	PolicyFile    string
}

type SchedulerSettings struct {
	MaxConcurrentJobs int           `validate:"min=1"`
	JobTimeout        time.Duration `validate:"min=1s"`
	SubmitQueueCap    int           `validate:"min=1"`
	Location          *time.Location
}

type NotifySettings struct {
	SlackWebhookURL string
	SlackChannel    string
	SMTPHost        string
	SMTPPort        int
	SMTPUsername    string
	SMTPPassword    string
	SMTPFrom        string
	AdminEmails     []string
	PerMinuteLimit  int `validate:"min=1"`
}

type BackupSettings struct {
	Dir             string `validate:"required"`
	S3Endpoint      string
	S3AccessKey     string
	S3SecretKey     string
	S3Bucket        string
	S3UseSSL        bool
	CloudProvider   string `validate:"oneof=azure gcs"`
	AzureConnString string
	AzureContainer  string
	GCSBucket       string
	VerifyWrites    bool
}

type MonitorSettings struct {
	Interval            time.Duration `validate:"min=1s"`
	CPUWarnPercent      float64
	CPUCritPercent      float64
	MemWarnMB           float64
	MemCritMB           float64
	DiskWarnPercent     float64
	KeyUsageWarn        float64
	KeyUsageCrit        float64
	ConsecutiveFailures int
	AlertCooldown       time.Duration
	MaxAlertsPerHour    int
	EscalationAfter     time.Duration
}

type LogSettings struct {
	Location string
	MinLevel LogLevel
}

// LoadSettings assembles Settings from the environment and validates it.
// Malformed or out-of-range values abort startup.
func LoadSettings() (*Settings, error) {
	port, err := envInt(EEnvironmentVariable.ListenPort())
	if err != nil {
		return nil, err
	}
	redisDB, err := envInt(EEnvironmentVariable.RedisDB())
	if err != nil {
		return nil, err
	}
	maxJobs, err := envInt(EEnvironmentVariable.MaxConcurrentJobs())
	if err != nil {
		return nil, err
	}
	jobTimeoutSecs, err := envInt(EEnvironmentVariable.JobTimeoutSeconds())
	if err != nil {
		return nil, err
	}
	queueCap, err := envInt(EEnvironmentVariable.QueueCapacity())
	if err != nil {
		return nil, err
	}
	monitorSecs, err := envInt(EEnvironmentVariable.MonitorIntervalSeconds())
	if err != nil {
		return nil, err
	}
	smtpPort, err := envInt(EEnvironmentVariable.SMTPPort())
	if err != nil {
		return nil, err
	}

	keys := map[Provider][]string{}
	limits := map[Provider]int{}
	for _, p := range AllProviders() {
		var keyVar, limitVar EnvironmentVariable
		switch p {
		case EProvider.KTO():
			keyVar, limitVar = EEnvironmentVariable.KTOAPIKey(), EEnvironmentVariable.KTODailyLimit()
		case EProvider.KMA():
			keyVar, limitVar = EEnvironmentVariable.KMAAPIKey(), EEnvironmentVariable.KMADailyLimit()
		case EProvider.Weather():
			keyVar, limitVar = EEnvironmentVariable.WeatherAPIKey(), EEnvironmentVariable.WeatherDailyLimit()
		}
		keys[p] = SplitKeyList(GetEnvironmentVariable(keyVar))
		limits[p], err = envInt(limitVar)
		if err != nil {
			return nil, err
		}
	}

	var minLevel LogLevel
	if err := minLevel.Parse(GetEnvironmentVariable(EEnvironmentVariable.LogLevel())); err != nil {
		return nil, WithKind(EErrorKind.Config(), err)
	}

	s := &Settings{
		Server: ServerSettings{
			Host:   GetEnvironmentVariable(EEnvironmentVariable.ListenHost()),
			Port:   port,
			APIKey: GetEnvironmentVariable(EEnvironmentVariable.APIKey()),
		},
		Database: DatabaseSettings{
			URL:          GetEnvironmentVariable(EEnvironmentVariable.DatabaseURL()),
			MaxOpenConns: 20,
			MaxIdleConns: 5,
		},
		Redis: RedisSettings{
			Addr:     GetEnvironmentVariable(EEnvironmentVariable.RedisAddr()),
			Password: GetEnvironmentVariable(EEnvironmentVariable.RedisPassword()),
			DB:       redisDB,
		},
		Providers: ProviderSettings{
			Keys:       keys,
			DailyLimit: limits,
			BaseURLs: map[Provider]string{
				EProvider.KTO():     GetEnvironmentVariable(EEnvironmentVariable.KTOBaseURL()),
				EProvider.KMA():     GetEnvironmentVariable(EEnvironmentVariable.KMABaseURL()),
				EProvider.Weather(): GetEnvironmentVariable(EEnvironmentVariable.WeatherBaseURL()),
			},
		},
		Cache: CacheSettings{
			DefaultTTL:       30 * time.Minute,
			RefreshThreshold: 0.2,
			WarmWorkers:      5,
		},
		Storage: StorageSettings{
			QueueCapacity: queueCap,
			QueueWorkers:  2,
			BatchSize:     50,
			FlushInterval: 10 * time.Second,
			PolicyFile:    GetEnvironmentVariable(EEnvironmentVariable.PolicyFile()),
		},
		Scheduler: SchedulerSettings{
			MaxConcurrentJobs: maxJobs,
			JobTimeout:        time.Duration(jobTimeoutSecs) * time.Second,
			SubmitQueueCap:    100,
			Location:          kstZone,
		},
		Notify: NotifySettings{
			SlackWebhookURL: GetEnvironmentVariable(EEnvironmentVariable.SlackWebhookURL()),
			SlackChannel:    GetEnvironmentVariable(EEnvironmentVariable.SlackChannel()),
			SMTPHost:        GetEnvironmentVariable(EEnvironmentVariable.SMTPHost()),
			SMTPPort:        smtpPort,
			SMTPUsername:    GetEnvironmentVariable(EEnvironmentVariable.SMTPUsername()),
			SMTPPassword:    GetEnvironmentVariable(EEnvironmentVariable.SMTPPassword()),
			SMTPFrom:        GetEnvironmentVariable(EEnvironmentVariable.SMTPFrom()),
			AdminEmails:     SplitKeyList(GetEnvironmentVariable(EEnvironmentVariable.AdminEmails())),
			PerMinuteLimit:  60,
		},
		Backup: BackupSettings{
			Dir:             GetEnvironmentVariable(EEnvironmentVariable.BackupDir()),
			S3Endpoint:      GetEnvironmentVariable(EEnvironmentVariable.S3Endpoint()),
			S3AccessKey:     GetEnvironmentVariable(EEnvironmentVariable.S3AccessKey()),
			S3SecretKey:     GetEnvironmentVariable(EEnvironmentVariable.S3SecretKey()),
			S3Bucket:        GetEnvironmentVariable(EEnvironmentVariable.S3Bucket()),
			S3UseSSL:        strings.EqualFold(GetEnvironmentVariable(EEnvironmentVariable.S3UseSSL()), "true"),
			CloudProvider:   strings.ToLower(GetEnvironmentVariable(EEnvironmentVariable.CloudBackupProvider())),
			AzureConnString: GetEnvironmentVariable(EEnvironmentVariable.AzureBlobConnectionString()),
			AzureContainer:  GetEnvironmentVariable(EEnvironmentVariable.AzureBlobContainer()),
			GCSBucket:       GetEnvironmentVariable(EEnvironmentVariable.GCSBucket()),
			VerifyWrites:    true,
		},
		Monitor: MonitorSettings{
			Interval:            time.Duration(monitorSecs) * time.Second,
			CPUWarnPercent:      70,
			CPUCritPercent:      90,
			MemWarnMB:           500,
			MemCritMB:           1000,
			DiskWarnPercent:     80,
			KeyUsageWarn:        0.8,
			KeyUsageCrit:        0.95,
			ConsecutiveFailures: 3,
			AlertCooldown:       5 * time.Minute,
			MaxAlertsPerHour:    20,
			EscalationAfter:     5 * time.Minute,
		},
		Log: LogSettings{
			Location: GetEnvironmentVariable(EEnvironmentVariable.LogLocation()),
			MinLevel: minLevel,
		},
	}

	if err := validator.New().Struct(s); err != nil {
		return nil, WithKind(EErrorKind.Config(), errors.Wrap(err, "invalid settings"))
	}
	return s, nil
}

// SplitKeyList splits a comma separated value, trimming whitespace and
// dropping blanks and obvious placeholders.
func SplitKeyList(raw string) []string {
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" || IsPlaceholderKey(p) {
			continue
		}
		out = append(out, p)
	}
	return out
}

// IsPlaceholderKey filters sample values that leak in from .env templates.
func IsPlaceholderKey(key string) bool {
	lower := strings.ToLower(key)
	return strings.HasPrefix(lower, "your_") ||
		strings.HasPrefix(lower, "test_") ||
		strings.HasPrefix(lower, "example")
}

func envInt(env EnvironmentVariable) (int, error) {
	raw := GetEnvironmentVariable(env)
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, KindErrorf(EErrorKind.Config(), "%s: expected integer, got %q", env.Name, raw)
	}
	return n, nil
}
