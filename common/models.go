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
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"sync/atomic"
	"time"

	"github.com/JeffreyRichter/enum/enum"
	"gopkg.in/yaml.v3"
)

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

var EExitCode = ExitCode(0)

type ExitCode uint32

func (ExitCode) Success() ExitCode { return ExitCode(0) }
func (ExitCode) Error() ExitCode   { return ExitCode(1) }

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

var EJobType = JobType(0)

// JobType identifies which executor body a job runs. Every type is exclusive:
// at most one non-terminal job of a given type exists at a time.
type JobType uint32

func (JobType) SystemHealthCheck() JobType         { return JobType(0) }
func (JobType) KTODataCollection() JobType         { return JobType(1) }
func (JobType) WeatherDataCollection() JobType     { return JobType(2) }
func (JobType) RecommendationCalculation() JobType { return JobType(3) }
func (JobType) DataQualityCheck() JobType          { return JobType(4) }
func (JobType) ArchiveBackup() JobType             { return JobType(5) }
func (JobType) WeatherChangeNotification() JobType { return JobType(6) }

var jobTypeNames = map[JobType]string{
	EJobType.SystemHealthCheck():         "SYSTEM_HEALTH_CHECK",
	EJobType.KTODataCollection():         "KTO_DATA_COLLECTION",
	EJobType.WeatherDataCollection():     "WEATHER_DATA_COLLECTION",
	EJobType.RecommendationCalculation(): "RECOMMENDATION_CALCULATION",
	EJobType.DataQualityCheck():          "DATA_QUALITY_CHECK",
	EJobType.ArchiveBackup():             "ARCHIVE_BACKUP",
	EJobType.WeatherChangeNotification(): "WEATHER_CHANGE_NOTIFICATION",
}

// AllJobTypes returns every registered job type in a stable order.
func AllJobTypes() []JobType {
	return []JobType{
		EJobType.SystemHealthCheck(),
		EJobType.KTODataCollection(),
		EJobType.WeatherDataCollection(),
		EJobType.RecommendationCalculation(),
		EJobType.DataQualityCheck(),
		EJobType.ArchiveBackup(),
		EJobType.WeatherChangeNotification(),
	}
}

func (t JobType) String() string {
	if s, ok := jobTypeNames[t]; ok {
		return s
	}
	return fmt.Sprintf("JobType(%d)", uint32(t))
}

func (t *JobType) Parse(s string) error {
	for v, name := range jobTypeNames {
		if strings.EqualFold(name, s) {
			*t = v
			return nil
		}
	}
	return fmt.Errorf("invalid job type %q", s)
}

func (t JobType) MarshalJSON() ([]byte, error) { return json.Marshal(t.String()) }

func (t *JobType) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return t.Parse(s)
}

func (t JobType) Value() (driver.Value, error) { return t.String(), nil }

func (t *JobType) Scan(src interface{}) error { return scanEnum(t.Parse, src) }

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

var EJobStatus = JobStatus(0)

// JobStatus is the lifecycle state of a job execution.
// COMPLETED is the single success terminal; rows written as SUCCESS by older
// builds alias to COMPLETED when parsed.
type JobStatus uint32 // Must be 32-bit for atomic operations

func (JobStatus) Pending() JobStatus   { return JobStatus(0) }
func (JobStatus) Running() JobStatus   { return JobStatus(1) }
func (JobStatus) Completed() JobStatus { return JobStatus(2) }
func (JobStatus) Failed() JobStatus    { return JobStatus(3) }
func (JobStatus) Stopped() JobStatus   { return JobStatus(4) }

func (j *JobStatus) AtomicLoad() JobStatus {
	return JobStatus(atomic.LoadUint32((*uint32)(j)))
}

func (j *JobStatus) AtomicStore(newJobStatus JobStatus) {
	atomic.StoreUint32((*uint32)(j), uint32(newJobStatus))
}

func (j JobStatus) IsTerminal() bool {
	return j == EJobStatus.Completed() || j == EJobStatus.Failed() || j == EJobStatus.Stopped()
}

func (j *JobStatus) Parse(s string) error {
	if strings.EqualFold(s, "SUCCESS") { // legacy rows
		*j = EJobStatus.Completed()
		return nil
	}
	val, err := enum.ParseInt(reflect.TypeOf(j), s, true, true)
	if err == nil {
		*j = val.(JobStatus)
	}
	return err
}

func (j JobStatus) String() string {
	return strings.ToUpper(enum.StringInt(j, reflect.TypeOf(j)))
}

func (j JobStatus) MarshalJSON() ([]byte, error) { return json.Marshal(j.String()) }

func (j *JobStatus) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return j.Parse(s)
}

func (j JobStatus) Value() (driver.Value, error) { return j.String(), nil }

func (j *JobStatus) Scan(src interface{}) error { return scanEnum(j.Parse, src) }

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

var ELogLevel = LogLevel(0)

// LogLevel orders severities the way the log writers compare them: lower value
// means more severe, None disables logging entirely.
type LogLevel uint8

func (LogLevel) None() LogLevel     { return LogLevel(0) }
func (LogLevel) Critical() LogLevel { return LogLevel(1) }
func (LogLevel) Error() LogLevel    { return LogLevel(2) }
func (LogLevel) Warning() LogLevel  { return LogLevel(3) }
func (LogLevel) Info() LogLevel     { return LogLevel(4) }
func (LogLevel) Debug() LogLevel    { return LogLevel(5) }

func (l *LogLevel) Parse(s string) error {
	switch {
	case strings.EqualFold(s, "FATAL"):
		*l = ELogLevel.Critical()
		return nil
	case strings.EqualFold(s, "WARN"):
		*l = ELogLevel.Warning()
		return nil
	}
	val, err := enum.ParseInt(reflect.TypeOf(l), s, true, true)
	if err == nil {
		*l = val.(LogLevel)
	}
	return err
}

func (l LogLevel) String() string {
	return strings.ToUpper(enum.StringInt(l, reflect.TypeOf(l)))
}

func (l LogLevel) MarshalJSON() ([]byte, error) { return json.Marshal(l.String()) }

func (l *LogLevel) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return l.Parse(s)
}

func (l LogLevel) Value() (driver.Value, error) { return l.String(), nil }

func (l *LogLevel) Scan(src interface{}) error { return scanEnum(l.Parse, src) }

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

var EProvider = Provider(0)

// Provider names an upstream API family. GOOGLE and NAVER parse but no key
// pool ships for them yet.
type Provider uint32

func (Provider) KTO() Provider     { return Provider(0) }
func (Provider) KMA() Provider     { return Provider(1) }
func (Provider) Weather() Provider { return Provider(2) }
func (Provider) Google() Provider  { return Provider(3) }
func (Provider) Naver() Provider   { return Provider(4) }

// AllProviders returns the providers that carry key pools.
func AllProviders() []Provider {
	return []Provider{EProvider.KTO(), EProvider.KMA(), EProvider.Weather()}
}

func (p *Provider) Parse(s string) error {
	val, err := enum.ParseInt(reflect.TypeOf(p), s, true, true)
	if err == nil {
		*p = val.(Provider)
	}
	return err
}

func (p Provider) String() string {
	return strings.ToUpper(enum.StringInt(p, reflect.TypeOf(p)))
}

// Local returns the location whose midnight resets the provider's daily
// quotas. Korean public APIs account by KST; KST has no DST so a fixed zone
// is exact.
func (p Provider) Local() *time.Location {
	switch p {
	case EProvider.KTO(), EProvider.KMA():
		return kstZone
	default:
		return time.UTC
	}
}

var kstZone = time.FixedZone("KST", 9*60*60)

func (p Provider) MarshalJSON() ([]byte, error) { return json.Marshal(p.String()) }

func (p *Provider) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return p.Parse(s)
}

func (p Provider) Value() (driver.Value, error) { return p.String(), nil }

func (p *Provider) Scan(src interface{}) error { return scanEnum(p.Parse, src) }

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

var EErrorKind = ErrorKind(0)

// ErrorKind classifies a failure for retry decisions and reporting. Consumers
// branch on kinds, never on concrete error types.
type ErrorKind uint32

func (ErrorKind) Unknown() ErrorKind      { return ErrorKind(0) }
func (ErrorKind) Transport() ErrorKind    { return ErrorKind(1) }
func (ErrorKind) Timeout() ErrorKind      { return ErrorKind(2) }
func (ErrorKind) AuthFailed() ErrorKind   { return ErrorKind(3) }
func (ErrorKind) RateLimited() ErrorKind  { return ErrorKind(4) }
func (ErrorKind) ParseFailure() ErrorKind { return ErrorKind(5) }
func (ErrorKind) PolicyReject() ErrorKind { return ErrorKind(6) }
func (ErrorKind) QueueFull() ErrorKind    { return ErrorKind(7) }
func (ErrorKind) Cancelled() ErrorKind    { return ErrorKind(8) }
func (ErrorKind) JobTimeout() ErrorKind   { return ErrorKind(9) }
func (ErrorKind) Config() ErrorKind       { return ErrorKind(10) }
func (ErrorKind) Database() ErrorKind     { return ErrorKind(11) }
func (ErrorKind) NoKey() ErrorKind        { return ErrorKind(12) }

// FailProvider marks a well-formed provider reply that reports an application
// level error, such as a KTO resultCode other than 00.
func (ErrorKind) FailProvider() ErrorKind { return ErrorKind(13) }

var errorKindNames = map[ErrorKind]string{
	EErrorKind.Unknown():      "UNKNOWN",
	EErrorKind.Transport():    "TRANSPORT",
	EErrorKind.Timeout():      "TIMEOUT",
	EErrorKind.AuthFailed():   "AUTH_FAILED",
	EErrorKind.RateLimited():  "RATE_LIMITED",
	EErrorKind.ParseFailure(): "PARSE",
	EErrorKind.PolicyReject(): "POLICY_REJECT",
	EErrorKind.QueueFull():    "QUEUE_FULL",
	EErrorKind.Cancelled():    "CANCELLED",
	EErrorKind.JobTimeout():   "JOB_TIMEOUT",
	EErrorKind.Config():       "CONFIG",
	EErrorKind.Database():     "DATABASE",
	EErrorKind.NoKey():        "NO_KEY",
	EErrorKind.FailProvider(): "PROVIDER",
}

// Retryable reports whether a failure of this kind may succeed on a later
// attempt. Parse, config, policy, provider and cancellation failures never do.
func (k ErrorKind) Retryable() bool {
	switch k {
	case EErrorKind.Unknown(), EErrorKind.Transport(), EErrorKind.Timeout(),
		EErrorKind.RateLimited(), EErrorKind.Database(), EErrorKind.JobTimeout(),
		EErrorKind.NoKey(), EErrorKind.QueueFull():
		return true
	}
	return false
}

func (k ErrorKind) String() string {
	if s, ok := errorKindNames[k]; ok {
		return s
	}
	return fmt.Sprintf("ErrorKind(%d)", uint32(k))
}

func (k *ErrorKind) Parse(s string) error {
	for v, name := range errorKindNames {
		if strings.EqualFold(name, s) {
			*k = v
			return nil
		}
	}
	return fmt.Errorf("invalid error kind %q", s)
}

func (k ErrorKind) MarshalJSON() ([]byte, error) { return json.Marshal(k.String()) }

func (k *ErrorKind) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return k.Parse(s)
}

func (k ErrorKind) Value() (driver.Value, error) { return k.String(), nil }

func (k *ErrorKind) Scan(src interface{}) error { return scanEnum(k.Parse, src) }

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

var EStoragePolicy = StoragePolicy(0)

// StoragePolicy decides which raw responses a provider persists.
type StoragePolicy uint8

func (StoragePolicy) Always() StoragePolicy    { return StoragePolicy(0) }
func (StoragePolicy) Selective() StoragePolicy { return StoragePolicy(1) }
func (StoragePolicy) ErrorOnly() StoragePolicy { return StoragePolicy(2) }
func (StoragePolicy) Never() StoragePolicy     { return StoragePolicy(3) }

var storagePolicyNames = map[StoragePolicy]string{
	EStoragePolicy.Always():    "ALWAYS",
	EStoragePolicy.Selective(): "SELECTIVE",
	EStoragePolicy.ErrorOnly(): "ERROR_ONLY",
	EStoragePolicy.Never():     "NEVER",
}

func (sp StoragePolicy) String() string {
	if s, ok := storagePolicyNames[sp]; ok {
		return s
	}
	return fmt.Sprintf("StoragePolicy(%d)", uint8(sp))
}

func (sp *StoragePolicy) Parse(s string) error {
	for v, name := range storagePolicyNames {
		if strings.EqualFold(name, s) {
			*sp = v
			return nil
		}
	}
	return fmt.Errorf("invalid storage policy %q", s)
}

func (sp StoragePolicy) MarshalJSON() ([]byte, error) { return json.Marshal(sp.String()) }

func (sp *StoragePolicy) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return sp.Parse(s)
}

func (sp *StoragePolicy) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return sp.Parse(s)
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

var EArchiveTrigger = ArchiveTrigger(0)

type ArchiveTrigger uint8

func (ArchiveTrigger) AgeBased() ArchiveTrigger   { return ArchiveTrigger(0) }
func (ArchiveTrigger) SizeBased() ArchiveTrigger  { return ArchiveTrigger(1) }
func (ArchiveTrigger) UsageBased() ArchiveTrigger { return ArchiveTrigger(2) }
func (ArchiveTrigger) Manual() ArchiveTrigger     { return ArchiveTrigger(3) }

var archiveTriggerNames = map[ArchiveTrigger]string{
	EArchiveTrigger.AgeBased():   "AGE_BASED",
	EArchiveTrigger.SizeBased():  "SIZE_BASED",
	EArchiveTrigger.UsageBased(): "USAGE_BASED",
	EArchiveTrigger.Manual():     "MANUAL",
}

func (at ArchiveTrigger) String() string {
	if s, ok := archiveTriggerNames[at]; ok {
		return s
	}
	return fmt.Sprintf("ArchiveTrigger(%d)", uint8(at))
}

func (at *ArchiveTrigger) Parse(s string) error {
	for v, name := range archiveTriggerNames {
		if strings.EqualFold(name, s) {
			*at = v
			return nil
		}
	}
	return fmt.Errorf("invalid archive trigger %q", s)
}

func (at ArchiveTrigger) MarshalJSON() ([]byte, error) { return json.Marshal(at.String()) }

func (at *ArchiveTrigger) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return at.Parse(s)
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

var ECompressionType = CompressionType(0)

type CompressionType uint8

func (CompressionType) None() CompressionType { return CompressionType(0) }
func (CompressionType) Gzip() CompressionType { return CompressionType(1) }
func (CompressionType) Zstd() CompressionType { return CompressionType(2) }

func (ct CompressionType) String() string {
	return strings.ToUpper(enum.StringInt(ct, reflect.TypeOf(ct)))
}

func (ct *CompressionType) Parse(s string) error {
	val, err := enum.ParseInt(reflect.TypeOf(ct), s, true, true)
	if err == nil {
		*ct = val.(CompressionType)
	}
	return err
}

// Ext is the filename suffix appended after ".json" for archived payloads.
func (ct CompressionType) Ext() string {
	switch ct {
	case ECompressionType.Gzip():
		return ".gz"
	case ECompressionType.Zstd():
		return ".zst"
	default:
		return ""
	}
}

func (ct CompressionType) MarshalJSON() ([]byte, error) { return json.Marshal(ct.String()) }

func (ct *CompressionType) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return ct.Parse(s)
}

func (ct *CompressionType) UnmarshalYAML(node *yaml.Node) error {
	var s string
	if err := node.Decode(&s); err != nil {
		return err
	}
	return ct.Parse(s)
}

func (ct CompressionType) Value() (driver.Value, error) { return ct.String(), nil }

func (ct *CompressionType) Scan(src interface{}) error { return scanEnum(ct.Parse, src) }

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

var EStorageLocation = StorageLocation(0)

type StorageLocation uint8

func (StorageLocation) LocalDisk() StorageLocation          { return StorageLocation(0) }
func (StorageLocation) CloudStorage() StorageLocation       { return StorageLocation(1) }
func (StorageLocation) DistributedStorage() StorageLocation { return StorageLocation(2) }
func (StorageLocation) TapeBackup() StorageLocation         { return StorageLocation(3) }

var storageLocationNames = map[StorageLocation]string{
	EStorageLocation.LocalDisk():          "LOCAL_DISK",
	EStorageLocation.CloudStorage():       "CLOUD_STORAGE",
	EStorageLocation.DistributedStorage(): "DISTRIBUTED_STORAGE",
	EStorageLocation.TapeBackup():         "TAPE_BACKUP",
}

func (sl StorageLocation) String() string {
	if s, ok := storageLocationNames[sl]; ok {
		return s
	}
	return fmt.Sprintf("StorageLocation(%d)", uint8(sl))
}

func (sl *StorageLocation) Parse(s string) error {
	for v, name := range storageLocationNames {
		if strings.EqualFold(name, s) {
			*sl = v
			return nil
		}
	}
	return fmt.Errorf("invalid storage location %q", s)
}

func (sl StorageLocation) MarshalJSON() ([]byte, error) { return json.Marshal(sl.String()) }

func (sl *StorageLocation) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return sl.Parse(s)
}

func (sl StorageLocation) Value() (driver.Value, error) { return sl.String(), nil }

func (sl *StorageLocation) Scan(src interface{}) error { return scanEnum(sl.Parse, src) }

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

var EBackupStatus = BackupStatus(0)

type BackupStatus uint8

func (BackupStatus) Pending() BackupStatus    { return BackupStatus(0) }
func (BackupStatus) InProgress() BackupStatus { return BackupStatus(1) }
func (BackupStatus) Completed() BackupStatus  { return BackupStatus(2) }
func (BackupStatus) Failed() BackupStatus     { return BackupStatus(3) }
func (BackupStatus) Corrupted() BackupStatus  { return BackupStatus(4) }

var backupStatusNames = map[BackupStatus]string{
	EBackupStatus.Pending():    "PENDING",
	EBackupStatus.InProgress(): "IN_PROGRESS",
	EBackupStatus.Completed():  "COMPLETED",
	EBackupStatus.Failed():     "FAILED",
	EBackupStatus.Corrupted():  "CORRUPTED",
}

func (bs BackupStatus) String() string {
	if s, ok := backupStatusNames[bs]; ok {
		return s
	}
	return fmt.Sprintf("BackupStatus(%d)", uint8(bs))
}

func (bs *BackupStatus) Parse(s string) error {
	for v, name := range backupStatusNames {
		if strings.EqualFold(name, s) {
			*bs = v
			return nil
		}
	}
	return fmt.Errorf("invalid backup status %q", s)
}

func (bs BackupStatus) MarshalJSON() ([]byte, error) { return json.Marshal(bs.String()) }

func (bs *BackupStatus) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return bs.Parse(s)
}

func (bs BackupStatus) Value() (driver.Value, error) { return bs.String(), nil }

func (bs *BackupStatus) Scan(src interface{}) error { return scanEnum(bs.Parse, src) }

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

var EScheduleStatus = ScheduleStatus(0)

type ScheduleStatus uint8

func (ScheduleStatus) Pending() ScheduleStatus   { return ScheduleStatus(0) }
func (ScheduleStatus) Scheduled() ScheduleStatus { return ScheduleStatus(1) }
func (ScheduleStatus) Running() ScheduleStatus   { return ScheduleStatus(2) }
func (ScheduleStatus) Completed() ScheduleStatus { return ScheduleStatus(3) }
func (ScheduleStatus) Failed() ScheduleStatus    { return ScheduleStatus(4) }

func (ss ScheduleStatus) String() string {
	return strings.ToUpper(enum.StringInt(ss, reflect.TypeOf(ss)))
}

func (ss *ScheduleStatus) Parse(s string) error {
	val, err := enum.ParseInt(reflect.TypeOf(ss), s, true, true)
	if err == nil {
		*ss = val.(ScheduleStatus)
	}
	return err
}

func (ss ScheduleStatus) MarshalJSON() ([]byte, error) { return json.Marshal(ss.String()) }

func (ss *ScheduleStatus) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return ss.Parse(s)
}

func (ss ScheduleStatus) Value() (driver.Value, error) { return ss.String(), nil }

func (ss *ScheduleStatus) Scan(src interface{}) error { return scanEnum(ss.Parse, src) }

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

var ERetryStrategy = RetryStrategy(0)

type RetryStrategy uint8

func (RetryStrategy) Exponential() RetryStrategy { return RetryStrategy(0) }
func (RetryStrategy) Linear() RetryStrategy      { return RetryStrategy(1) }
func (RetryStrategy) Immediate() RetryStrategy   { return RetryStrategy(2) }
func (RetryStrategy) Custom() RetryStrategy      { return RetryStrategy(3) }

func (rs RetryStrategy) String() string {
	return strings.ToUpper(enum.StringInt(rs, reflect.TypeOf(rs)))
}

func (rs *RetryStrategy) Parse(s string) error {
	val, err := enum.ParseInt(reflect.TypeOf(rs), s, true, true)
	if err == nil {
		*rs = val.(RetryStrategy)
	}
	return err
}

func (rs RetryStrategy) MarshalJSON() ([]byte, error) { return json.Marshal(rs.String()) }

func (rs *RetryStrategy) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return rs.Parse(s)
}

func (rs RetryStrategy) Value() (driver.Value, error) { return rs.String(), nil }

func (rs *RetryStrategy) Scan(src interface{}) error { return scanEnum(rs.Parse, src) }

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

var ERetryAttemptStatus = RetryAttemptStatus(0)

type RetryAttemptStatus uint8

func (RetryAttemptStatus) Pending() RetryAttemptStatus    { return RetryAttemptStatus(0) }
func (RetryAttemptStatus) InProgress() RetryAttemptStatus { return RetryAttemptStatus(1) }
func (RetryAttemptStatus) Success() RetryAttemptStatus    { return RetryAttemptStatus(2) }
func (RetryAttemptStatus) Failed() RetryAttemptStatus     { return RetryAttemptStatus(3) }
func (RetryAttemptStatus) Cancelled() RetryAttemptStatus  { return RetryAttemptStatus(4) }

var retryAttemptStatusNames = map[RetryAttemptStatus]string{
	ERetryAttemptStatus.Pending():    "PENDING",
	ERetryAttemptStatus.InProgress(): "IN_PROGRESS",
	ERetryAttemptStatus.Success():    "SUCCESS",
	ERetryAttemptStatus.Failed():     "FAILED",
	ERetryAttemptStatus.Cancelled():  "CANCELLED",
}

func (ras RetryAttemptStatus) String() string {
	if s, ok := retryAttemptStatusNames[ras]; ok {
		return s
	}
	return fmt.Sprintf("RetryAttemptStatus(%d)", uint8(ras))
}

func (ras *RetryAttemptStatus) Parse(s string) error {
	for v, name := range retryAttemptStatusNames {
		if strings.EqualFold(name, s) {
			*ras = v
			return nil
		}
	}
	return fmt.Errorf("invalid retry attempt status %q", s)
}

func (ras RetryAttemptStatus) MarshalJSON() ([]byte, error) { return json.Marshal(ras.String()) }

func (ras *RetryAttemptStatus) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return ras.Parse(s)
}

func (ras RetryAttemptStatus) Value() (driver.Value, error) { return ras.String(), nil }

func (ras *RetryAttemptStatus) Scan(src interface{}) error { return scanEnum(ras.Parse, src) }

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

var ERetryMarker = RetryMarker(0)

// RetryMarker is the job row's retry annotation. The job record is the sole
// owner of retry accounting; the bridge never counts on its own.
type RetryMarker uint8

func (RetryMarker) None() RetryMarker               { return RetryMarker(0) }
func (RetryMarker) Scheduled() RetryMarker          { return RetryMarker(1) }
func (RetryMarker) MaxAttemptsReached() RetryMarker { return RetryMarker(2) }

var retryMarkerNames = map[RetryMarker]string{
	ERetryMarker.None():               "",
	ERetryMarker.Scheduled():          "SCHEDULED",
	ERetryMarker.MaxAttemptsReached(): "MAX_ATTEMPTS_REACHED",
}

func (rm RetryMarker) String() string {
	if s, ok := retryMarkerNames[rm]; ok {
		return s
	}
	return fmt.Sprintf("RetryMarker(%d)", uint8(rm))
}

func (rm *RetryMarker) Parse(s string) error {
	for v, name := range retryMarkerNames {
		if strings.EqualFold(name, s) {
			*rm = v
			return nil
		}
	}
	return fmt.Errorf("invalid retry marker %q", s)
}

func (rm RetryMarker) MarshalJSON() ([]byte, error) { return json.Marshal(rm.String()) }

func (rm *RetryMarker) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return rm.Parse(s)
}

func (rm RetryMarker) Value() (driver.Value, error) { return rm.String(), nil }

func (rm *RetryMarker) Scan(src interface{}) error { return scanEnum(rm.Parse, src) }

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

var ENotificationChannel = NotificationChannel(0)

type NotificationChannel uint8

func (NotificationChannel) Slack() NotificationChannel   { return NotificationChannel(0) }
func (NotificationChannel) Email() NotificationChannel   { return NotificationChannel(1) }
func (NotificationChannel) Webhook() NotificationChannel { return NotificationChannel(2) }

func (nc NotificationChannel) String() string {
	return strings.ToUpper(enum.StringInt(nc, reflect.TypeOf(nc)))
}

func (nc *NotificationChannel) Parse(s string) error {
	val, err := enum.ParseInt(reflect.TypeOf(nc), s, true, true)
	if err == nil {
		*nc = val.(NotificationChannel)
	}
	return err
}

func (nc NotificationChannel) MarshalJSON() ([]byte, error) { return json.Marshal(nc.String()) }

func (nc *NotificationChannel) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return nc.Parse(s)
}

func (nc NotificationChannel) Value() (driver.Value, error) { return nc.String(), nil }

func (nc *NotificationChannel) Scan(src interface{}) error { return scanEnum(nc.Parse, src) }

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

var ENotificationEvent = NotificationEvent(0)

// NotificationEvent uses lowercase wire names because subscriptions created
// by earlier builds stored them that way.
type NotificationEvent uint8

func (NotificationEvent) JobStarted() NotificationEvent        { return NotificationEvent(0) }
func (NotificationEvent) JobCompleted() NotificationEvent      { return NotificationEvent(1) }
func (NotificationEvent) JobFailed() NotificationEvent         { return NotificationEvent(2) }
func (NotificationEvent) JobRetryScheduled() NotificationEvent { return NotificationEvent(3) }
func (NotificationEvent) JobRetryMaxAttempts() NotificationEvent {
	return NotificationEvent(4)
}

var notificationEventNames = map[NotificationEvent]string{
	ENotificationEvent.JobStarted():          "job_started",
	ENotificationEvent.JobCompleted():        "job_completed",
	ENotificationEvent.JobFailed():           "job_failed",
	ENotificationEvent.JobRetryScheduled():   "job_retry_scheduled",
	ENotificationEvent.JobRetryMaxAttempts(): "job_retry_max_attempts",
}

// DefaultLevel is the alert level a notification for this event carries when
// the subscription does not override it.
func (ne NotificationEvent) DefaultLevel() AlertLevel {
	switch ne {
	case ENotificationEvent.JobFailed():
		return EAlertLevel.Error()
	case ENotificationEvent.JobRetryMaxAttempts():
		return EAlertLevel.Critical()
	default:
		return EAlertLevel.Info()
	}
}

func (ne NotificationEvent) String() string {
	if s, ok := notificationEventNames[ne]; ok {
		return s
	}
	return fmt.Sprintf("NotificationEvent(%d)", uint8(ne))
}

func (ne *NotificationEvent) Parse(s string) error {
	for v, name := range notificationEventNames {
		if strings.EqualFold(name, s) {
			*ne = v
			return nil
		}
	}
	return fmt.Errorf("invalid notification event %q", s)
}

func (ne NotificationEvent) MarshalJSON() ([]byte, error) { return json.Marshal(ne.String()) }

func (ne *NotificationEvent) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return ne.Parse(s)
}

func (ne NotificationEvent) Value() (driver.Value, error) { return ne.String(), nil }

func (ne *NotificationEvent) Scan(src interface{}) error { return scanEnum(ne.Parse, src) }

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

var EAlertLevel = AlertLevel(0)

// AlertLevel severity increases with the numeric value, so escalation is a
// plain increment.
type AlertLevel uint8

func (AlertLevel) Info() AlertLevel     { return AlertLevel(0) }
func (AlertLevel) Warning() AlertLevel  { return AlertLevel(1) }
func (AlertLevel) Error() AlertLevel    { return AlertLevel(2) }
func (AlertLevel) Critical() AlertLevel { return AlertLevel(3) }

// Escalated returns the next level up, saturating at Critical.
func (al AlertLevel) Escalated() AlertLevel {
	if al >= EAlertLevel.Critical() {
		return EAlertLevel.Critical()
	}
	return al + 1
}

// LogLevel maps the alert severity onto the log writer's scale.
func (al AlertLevel) LogLevel() LogLevel {
	switch al {
	case EAlertLevel.Critical():
		return ELogLevel.Critical()
	case EAlertLevel.Error():
		return ELogLevel.Error()
	case EAlertLevel.Warning():
		return ELogLevel.Warning()
	default:
		return ELogLevel.Info()
	}
}

// Explicit names: Escalated is variant-shaped, so the reflective namer would
// misreport every non-zero level.
var alertLevelNames = map[AlertLevel]string{
	EAlertLevel.Info():     "INFO",
	EAlertLevel.Warning():  "WARNING",
	EAlertLevel.Error():    "ERROR",
	EAlertLevel.Critical(): "CRITICAL",
}

func (al AlertLevel) String() string {
	if s, ok := alertLevelNames[al]; ok {
		return s
	}
	return fmt.Sprintf("AlertLevel(%d)", uint8(al))
}

func (al *AlertLevel) Parse(s string) error {
	for v, name := range alertLevelNames {
		if strings.EqualFold(name, s) {
			*al = v
			return nil
		}
	}
	return fmt.Errorf("invalid alert level %q", s)
}

func (al AlertLevel) MarshalJSON() ([]byte, error) { return json.Marshal(al.String()) }

func (al *AlertLevel) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return al.Parse(s)
}

func (al AlertLevel) Value() (driver.Value, error) { return al.String(), nil }

func (al *AlertLevel) Scan(src interface{}) error { return scanEnum(al.Parse, src) }

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

var EAlertComponent = AlertComponent(0)

type AlertComponent uint8

func (AlertComponent) System() AlertComponent    { return AlertComponent(0) }
func (AlertComponent) APIKeys() AlertComponent   { return AlertComponent(1) }
func (AlertComponent) Database() AlertComponent  { return AlertComponent(2) }
func (AlertComponent) BatchJobs() AlertComponent { return AlertComponent(3) }

var alertComponentNames = map[AlertComponent]string{
	EAlertComponent.System():    "SYSTEM",
	EAlertComponent.APIKeys():   "API_KEYS",
	EAlertComponent.Database():  "DATABASE",
	EAlertComponent.BatchJobs(): "BATCH_JOBS",
}

func (ac AlertComponent) String() string {
	if s, ok := alertComponentNames[ac]; ok {
		return s
	}
	return fmt.Sprintf("AlertComponent(%d)", uint8(ac))
}

func (ac *AlertComponent) Parse(s string) error {
	for v, name := range alertComponentNames {
		if strings.EqualFold(name, s) {
			*ac = v
			return nil
		}
	}
	return fmt.Errorf("invalid alert component %q", s)
}

func (ac AlertComponent) MarshalJSON() ([]byte, error) { return json.Marshal(ac.String()) }

func (ac *AlertComponent) UnmarshalJSON(b []byte) error {
	var s string
	if err := json.Unmarshal(b, &s); err != nil {
		return err
	}
	return ac.Parse(s)
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

var ECleanupClass = CleanupClass(0)

// CleanupClass orders deletion candidates; lower classes are deleted first.
type CleanupClass uint8

func (CleanupClass) Expired() CleanupClass     { return CleanupClass(0) }
func (CleanupClass) LowPriority() CleanupClass { return CleanupClass(1) }
func (CleanupClass) Oversized() CleanupClass   { return CleanupClass(2) }
func (CleanupClass) Emergency() CleanupClass   { return CleanupClass(3) }

var cleanupClassNames = map[CleanupClass]string{
	ECleanupClass.Expired():     "EXPIRED",
	ECleanupClass.LowPriority(): "LOW_PRIORITY",
	ECleanupClass.Oversized():   "LARGE_SIZE",
	ECleanupClass.Emergency():   "EMERGENCY",
}

func (cc CleanupClass) String() string {
	if s, ok := cleanupClassNames[cc]; ok {
		return s
	}
	return fmt.Sprintf("CleanupClass(%d)", uint8(cc))
}

func (cc CleanupClass) MarshalJSON() ([]byte, error) { return json.Marshal(cc.String()) }

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// scanEnum adapts an enum's Parse method to database/sql scanning.
func scanEnum(parse func(string) error, src interface{}) error {
	switch v := src.(type) {
	case nil:
		return nil
	case string:
		return parse(v)
	case []byte:
		return parse(string(v))
	default:
		return fmt.Errorf("cannot scan %T into enum", src)
	}
}
