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

import "os"

// EnvironmentVariable describes one recognized variable. Hidden entries hold
// credentials and are excluded from `wfbatch env` output values.
type EnvironmentVariable struct {
	Name         string
	DefaultValue string
	Description  string
	Hidden       bool
}

// This array of environment variables is used by the env command to print out
// the names and descriptions of every recognized variable.
var VisibleEnvironmentVariables = []EnvironmentVariable{
	EEnvironmentVariable.ListenHost(),
	EEnvironmentVariable.ListenPort(),
	EEnvironmentVariable.APIKey(),
	EEnvironmentVariable.DatabaseURL(),
	EEnvironmentVariable.RedisAddr(),
	EEnvironmentVariable.RedisPassword(),
	EEnvironmentVariable.RedisDB(),
	EEnvironmentVariable.KTOAPIKey(),
	EEnvironmentVariable.KMAAPIKey(),
	EEnvironmentVariable.WeatherAPIKey(),
	EEnvironmentVariable.KTODailyLimit(),
	EEnvironmentVariable.KMADailyLimit(),
	EEnvironmentVariable.WeatherDailyLimit(),
	EEnvironmentVariable.KTOBaseURL(),
	EEnvironmentVariable.KMABaseURL(),
	EEnvironmentVariable.WeatherBaseURL(),
	EEnvironmentVariable.LogLocation(),
	EEnvironmentVariable.LogLevel(),
	EEnvironmentVariable.PolicyFile(),
	EEnvironmentVariable.MaxConcurrentJobs(),
	EEnvironmentVariable.JobTimeoutSeconds(),
	EEnvironmentVariable.QueueCapacity(),
	EEnvironmentVariable.MonitorIntervalSeconds(),
	EEnvironmentVariable.BackupDir(),
	EEnvironmentVariable.S3Endpoint(),
	EEnvironmentVariable.S3AccessKey(),
	EEnvironmentVariable.S3SecretKey(),
	EEnvironmentVariable.S3Bucket(),
	EEnvironmentVariable.S3UseSSL(),
	EEnvironmentVariable.CloudBackupProvider(),
	EEnvironmentVariable.AzureBlobConnectionString(),
	EEnvironmentVariable.AzureBlobContainer(),
	EEnvironmentVariable.GCSBucket(),
	EEnvironmentVariable.SlackWebhookURL(),
	EEnvironmentVariable.SlackChannel(),
	EEnvironmentVariable.SMTPHost(),
	EEnvironmentVariable.SMTPPort(),
	EEnvironmentVariable.SMTPUsername(),
	EEnvironmentVariable.SMTPPassword(),
	EEnvironmentVariable.SMTPFrom(),
	EEnvironmentVariable.AdminEmails(),
}

var EEnvironmentVariable = EnvironmentVariable{}

func (EnvironmentVariable) ListenHost() EnvironmentVariable {
	return EnvironmentVariable{
		Name:         "WFBATCH_LISTEN_HOST",
		DefaultValue: "0.0.0.0",
		Description:  "Address the API server binds to.",
	}
}

func (EnvironmentVariable) ListenPort() EnvironmentVariable {
	return EnvironmentVariable{
		Name:         "WFBATCH_LISTEN_PORT",
		DefaultValue: "9090",
		Description:  "Port the API server binds to.",
	}
}

func (EnvironmentVariable) APIKey() EnvironmentVariable {
	return EnvironmentVariable{
		Name:         "BATCH_API_KEY",
		DefaultValue: "batch-api-secret-key",
		Description:  "Shared key every API request must present in X-API-Key.",
		Hidden:       true,
	}
}

func (EnvironmentVariable) DatabaseURL() EnvironmentVariable {
	return EnvironmentVariable{
		Name:        "WFBATCH_DATABASE_URL",
		Description: "Postgres connection string.",
		Hidden:      true,
	}
}

func (EnvironmentVariable) RedisAddr() EnvironmentVariable {
	return EnvironmentVariable{
		Name:         "WFBATCH_REDIS_ADDR",
		DefaultValue: "localhost:6379",
		Description:  "Redis host:port. Blank disables caching.",
	}
}

func (EnvironmentVariable) RedisPassword() EnvironmentVariable {
	return EnvironmentVariable{
		Name:        "WFBATCH_REDIS_PASSWORD",
		Description: "Redis AUTH password, if required.",
		Hidden:      true,
	}
}

func (EnvironmentVariable) RedisDB() EnvironmentVariable {
	return EnvironmentVariable{
		Name:         "WFBATCH_REDIS_DB",
		DefaultValue: "0",
		Description:  "Redis logical database number.",
	}
}

func (EnvironmentVariable) KTOAPIKey() EnvironmentVariable {
	return EnvironmentVariable{
		Name:        "KTO_API_KEY",
		Description: "Comma separated Korea Tourism Organization service keys.",
		Hidden:      true,
	}
}

func (EnvironmentVariable) KMAAPIKey() EnvironmentVariable {
	return EnvironmentVariable{
		Name:        "KMA_API_KEY",
		Description: "Comma separated Korea Meteorological Administration service keys.",
		Hidden:      true,
	}
}

func (EnvironmentVariable) WeatherAPIKey() EnvironmentVariable {
	return EnvironmentVariable{
		Name:        "WEATHER_API_KEY",
		Description: "Comma separated global weather API keys.",
		Hidden:      true,
	}
}

func (EnvironmentVariable) KTODailyLimit() EnvironmentVariable {
	return EnvironmentVariable{
		Name:         "KTO_API_DAILY_LIMIT",
		DefaultValue: "1000",
		Description:  "Daily call quota per KTO key.",
	}
}

func (EnvironmentVariable) KMADailyLimit() EnvironmentVariable {
	return EnvironmentVariable{
		Name:         "KMA_API_DAILY_LIMIT",
		DefaultValue: "1000",
		Description:  "Daily call quota per KMA key.",
	}
}

func (EnvironmentVariable) WeatherDailyLimit() EnvironmentVariable {
	return EnvironmentVariable{
		Name:         "WEATHER_API_DAILY_LIMIT",
		DefaultValue: "1000",
		Description:  "Daily call quota per weather key.",
	}
}

func (EnvironmentVariable) KTOBaseURL() EnvironmentVariable {
	return EnvironmentVariable{
		Name:         "KTO_BASE_URL",
		DefaultValue: "http://apis.data.go.kr/B551011/KorService2",
		Description:  "Korea Tourism Organization API base URL.",
	}
}

func (EnvironmentVariable) KMABaseURL() EnvironmentVariable {
	return EnvironmentVariable{
		Name:         "KMA_BASE_URL",
		DefaultValue: "http://apis.data.go.kr/1360000/VilageFcstInfoService_2.0",
		Description:  "Korea Meteorological Administration API base URL.",
	}
}

func (EnvironmentVariable) WeatherBaseURL() EnvironmentVariable {
	return EnvironmentVariable{
		Name:         "WEATHER_BASE_URL",
		DefaultValue: "http://api.openweathermap.org/data/2.5",
		Description:  "Global weather API base URL.",
	}
}

func (EnvironmentVariable) LogLocation() EnvironmentVariable {
	return EnvironmentVariable{
		Name:         "WFBATCH_LOG_LOCATION",
		DefaultValue: "logs",
		Description:  "Directory for per-job log files.",
	}
}

func (EnvironmentVariable) LogLevel() EnvironmentVariable {
	return EnvironmentVariable{
		Name:         "WFBATCH_LOG_LEVEL",
		DefaultValue: "INFO",
		Description:  "Minimum level written to logs (DEBUG..CRITICAL).",
	}
}

func (EnvironmentVariable) PolicyFile() EnvironmentVariable {
	return EnvironmentVariable{
		Name:        "WFBATCH_POLICY_FILE",
		Description: "Optional YAML file merged over the built-in storage policies.",
	}
}

func (EnvironmentVariable) MaxConcurrentJobs() EnvironmentVariable {
	return EnvironmentVariable{
		Name:         "MAX_CONCURRENT_JOBS",
		DefaultValue: "3",
		Description:  "Worker pool size for job execution.",
	}
}

func (EnvironmentVariable) JobTimeoutSeconds() EnvironmentVariable {
	return EnvironmentVariable{
		Name:         "JOB_TIMEOUT_SECONDS",
		DefaultValue: "3600",
		Description:  "Hard deadline applied to every job body.",
	}
}

func (EnvironmentVariable) QueueCapacity() EnvironmentVariable {
	return EnvironmentVariable{
		Name:         "WFBATCH_STORAGE_QUEUE_CAPACITY",
		DefaultValue: "1000",
		Description:  "Total capacity of the async raw-data storage queue.",
	}
}

func (EnvironmentVariable) MonitorIntervalSeconds() EnvironmentVariable {
	return EnvironmentVariable{
		Name:         "WFBATCH_MONITOR_INTERVAL_SECONDS",
		DefaultValue: "30",
		Description:  "Seconds between monitor check sweeps.",
	}
}

func (EnvironmentVariable) BackupDir() EnvironmentVariable {
	return EnvironmentVariable{
		Name:         "WFBATCH_BACKUP_DIR",
		DefaultValue: "backups",
		Description:  "Root directory for LOCAL_DISK archive backups.",
	}
}

func (EnvironmentVariable) S3Endpoint() EnvironmentVariable {
	return EnvironmentVariable{
		Name:        "WFBATCH_S3_ENDPOINT",
		Description: "S3/MinIO endpoint for DISTRIBUTED_STORAGE backups.",
	}
}

func (EnvironmentVariable) S3AccessKey() EnvironmentVariable {
	return EnvironmentVariable{
		Name:        "WFBATCH_S3_ACCESS_KEY",
		Description: "S3/MinIO access key.",
		Hidden:      true,
	}
}

func (EnvironmentVariable) S3SecretKey() EnvironmentVariable {
	return EnvironmentVariable{
		Name:        "WFBATCH_S3_SECRET_KEY",
		Description: "S3/MinIO secret key.",
		Hidden:      true,
	}
}

func (EnvironmentVariable) S3Bucket() EnvironmentVariable {
	return EnvironmentVariable{
		Name:         "WFBATCH_S3_BUCKET",
		DefaultValue: "weather-flick-backups",
		Description:  "Bucket for DISTRIBUTED_STORAGE backups.",
	}
}

func (EnvironmentVariable) S3UseSSL() EnvironmentVariable {
	return EnvironmentVariable{
		Name:         "WFBATCH_S3_USE_SSL",
		DefaultValue: "true",
		Description:  "Whether the S3/MinIO endpoint uses TLS.",
	}
}

func (EnvironmentVariable) CloudBackupProvider() EnvironmentVariable {
	return EnvironmentVariable{
		Name:         "WFBATCH_CLOUD_BACKUP_PROVIDER",
		DefaultValue: "azure",
		Description:  "CLOUD_STORAGE backend: azure or gcs.",
	}
}

func (EnvironmentVariable) AzureBlobConnectionString() EnvironmentVariable {
	return EnvironmentVariable{
		Name:        "WFBATCH_AZURE_BLOB_CONNECTION_STRING",
		Description: "Azure Blob connection string for CLOUD_STORAGE backups.",
		Hidden:      true,
	}
}

func (EnvironmentVariable) AzureBlobContainer() EnvironmentVariable {
	return EnvironmentVariable{
		Name:         "WFBATCH_AZURE_BLOB_CONTAINER",
		DefaultValue: "weather-flick-backups",
		Description:  "Azure Blob container for CLOUD_STORAGE backups.",
	}
}

func (EnvironmentVariable) GCSBucket() EnvironmentVariable {
	return EnvironmentVariable{
		Name:        "WFBATCH_GCS_BUCKET",
		Description: "GCS bucket for CLOUD_STORAGE backups (credentials via ADC).",
	}
}

func (EnvironmentVariable) SlackWebhookURL() EnvironmentVariable {
	return EnvironmentVariable{
		Name:        "SLACK_WEBHOOK_URL",
		Description: "Default Slack incoming webhook for notifications.",
		Hidden:      true,
	}
}

func (EnvironmentVariable) SlackChannel() EnvironmentVariable {
	return EnvironmentVariable{
		Name:         "SLACK_CHANNEL",
		DefaultValue: "#weather-flick-batch",
		Description:  "Default Slack channel for notifications.",
	}
}

func (EnvironmentVariable) SMTPHost() EnvironmentVariable {
	return EnvironmentVariable{
		Name:        "SMTP_HOST",
		Description: "SMTP server for email notifications.",
	}
}

func (EnvironmentVariable) SMTPPort() EnvironmentVariable {
	return EnvironmentVariable{
		Name:         "SMTP_PORT",
		DefaultValue: "587",
		Description:  "SMTP server port.",
	}
}

func (EnvironmentVariable) SMTPUsername() EnvironmentVariable {
	return EnvironmentVariable{
		Name:        "SMTP_USERNAME",
		Description: "SMTP auth username.",
	}
}

func (EnvironmentVariable) SMTPPassword() EnvironmentVariable {
	return EnvironmentVariable{
		Name:        "SMTP_PASSWORD",
		Description: "SMTP auth password.",
		Hidden:      true,
	}
}

func (EnvironmentVariable) SMTPFrom() EnvironmentVariable {
	return EnvironmentVariable{
		Name:         "SMTP_FROM",
		DefaultValue: "weather-flick-batch@weatherflick.io",
		Description:  "From address for email notifications.",
	}
}

func (EnvironmentVariable) AdminEmails() EnvironmentVariable {
	return EnvironmentVariable{
		Name:        "ADMIN_EMAILS",
		Description: "Comma separated recipients for critical alert email.",
	}
}

// GetEnvironmentVariable returns the value of the variable, or its default if
// unset or blank.
func GetEnvironmentVariable(env EnvironmentVariable) string {
	value := os.Getenv(env.Name)
	if value == "" {
		return env.DefaultValue
	}
	return value
}
