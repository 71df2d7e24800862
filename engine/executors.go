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

package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/url"
	"strconv"
	"time"

	"github.com/aicc6/weather-flick-batch-sub002/apiclient"
	"github.com/aicc6/weather-flick-batch-sub002/archive"
	"github.com/aicc6/weather-flick-batch-sub002/common"
	"github.com/aicc6/weather-flick-batch-sub002/db"
	"github.com/aicc6/weather-flick-batch-sub002/ttl"
)

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// ICollector is the slice of the unified API client the collection bodies use.
type ICollector interface {
	Call(ctx context.Context, provider common.Provider, endpoint string,
		params url.Values, opts apiclient.CallOptions) (*apiclient.Response, error)
	CallBatch(ctx context.Context, tasks []apiclient.Task) []apiclient.TaskResult
}

// IArchiver runs archival passes for the ARCHIVE_BACKUP body.
type IArchiver interface {
	Archive(ctx context.Context, opts archive.ArchiveOptions) (*common.ArchiveSummary, error)
}

// ICleaner reports storage usage for the quality body.
type ICleaner interface {
	Cleanup(ctx context.Context, opts ttl.CleanupOptions) *common.CleanupReport
	UsageStats(ctx context.Context) (*common.StorageUsage, error)
}

// IQualityStore is the slice of the raw store the quality and recommendation
// bodies read.
type IQualityStore interface {
	Usage(ctx context.Context) ([]common.ProviderUsage, error)
	Overview(ctx context.Context, agedBefore time.Time, minSize int64) (*db.UsageOverview, error)
}

// ISnapshotCache keeps the last observation per region between runs of the
// weather-change body.
type ISnapshotCache interface {
	Get(ctx context.Context, key string) ([]byte, bool)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
}

// IResourceProbe supplies the health-check body with a live snapshot.
type IResourceProbe interface {
	Resources(ctx context.Context) (*common.ResourceSnapshot, error)
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// Grid points and coordinates of the regions the weather bodies cover.
var weatherGrid = map[string]struct {
	NX, NY   int
	Lat, Lon float64
}{
	"서울": {60, 127, 37.5665, 126.9780},
	"부산": {98, 76, 35.1796, 129.0756},
	"대구": {89, 90, 35.8714, 128.6014},
	"인천": {55, 124, 37.4563, 126.7052},
	"광주": {58, 74, 35.1595, 126.8526},
	"대전": {67, 100, 36.3504, 127.3845},
	"울산": {102, 84, 35.5384, 129.3114},
	"세종": {66, 103, 36.4800, 127.2890},
	"제주": {52, 38, 33.4996, 126.5312},
}

// regionOrder fixes the iteration order so progress percentages are stable
// across runs.
var regionOrder = []string{"서울", "부산", "대구", "인천", "광주", "대전", "울산", "세종", "제주"}

// Tourism area codes and content type ids as the upstream API defines them.
var (
	ktoAreaCodes = []string{"1", "2", "3", "4", "5", "6", "7", "8",
		"31", "32", "33", "34", "35", "36", "37", "38", "39"}
	ktoContentTypes = []string{"12", "14", "15", "25", "28", "32", "38", "39"}
)

const (
	tourismCacheTTL = 2 * time.Hour
	weatherCacheTTL = 30 * time.Minute

	// interRegionPause keeps the per-region weather loop polite to the
	// upstream even when the rate gate has tokens to spare.
	interRegionPause = 100 * time.Millisecond

	// snapshotTTL is how long a region's last observation is kept for the
	// change detector.
	snapshotTTL = 24 * time.Hour
)

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// Parameter schemas, one per job type. Every schema accepts force_fail so
// failure paths can be exercised end to end from the API.

type ktoParams struct {
	ForceFail    bool     `json:"force_fail"`
	AreaCodes    []string `json:"area_codes" validate:"omitempty,dive,numeric"`
	ContentTypes []string `json:"content_types" validate:"omitempty,dive,numeric"`
	PageSize     int      `json:"page_size" validate:"omitempty,min=1,max=1000"`
}

type weatherParams struct {
	ForceFail bool     `json:"force_fail"`
	Regions   []string `json:"regions" validate:"omitempty,dive,min=1"`
}

type recommendationParams struct {
	ForceFail bool `json:"force_fail"`
}

type qualityParams struct {
	ForceFail   bool `json:"force_fail"`
	WindowHours int  `json:"window_hours" validate:"omitempty,min=1,max=720"`
}

type archiveParams struct {
	ForceFail bool   `json:"force_fail"`
	DryRun    bool   `json:"dry_run"`
	Provider  string `json:"provider" validate:"omitempty,oneof=KTO KMA WEATHER GOOGLE NAVER"`
}

type healthParams struct {
	ForceFail bool `json:"force_fail"`
}

type weatherChangeParams struct {
	ForceFail bool    `json:"force_fail"`
	Threshold float64 `json:"threshold_celsius" validate:"omitempty,min=0.5,max=20"`
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// Executors binds the seven job bodies to the subsystems they drive. Any
// field a body needs but finds nil makes that body fail with a Config error
// instead of panicking.
type Executors struct {
	API      ICollector
	Archiver IArchiver
	Cleaner  ICleaner
	Raw      IQualityStore
	Cache    ISnapshotCache
	Probe    IResourceProbe

	// Running reports the number of in-flight jobs for the health body.
	// RegisterAll defaults it to the manager's own count.
	Running func() int

	Location *time.Location

	now func() time.Time
}

// RegisterAll registers every job body and its parameter schema.
func (e *Executors) RegisterAll(m *Manager) {
	if e.now == nil {
		e.now = time.Now
	}
	if e.Location == nil {
		e.Location = time.UTC
	}
	if e.Running == nil {
		e.Running = m.RunningCount
	}

	m.Register(common.EJobType.KTODataCollection(), e.CollectTourism)
	m.SetParamSchema(common.EJobType.KTODataCollection(), func() interface{} { return new(ktoParams) })

	m.Register(common.EJobType.WeatherDataCollection(), e.CollectWeather)
	m.SetParamSchema(common.EJobType.WeatherDataCollection(), func() interface{} { return new(weatherParams) })

	m.Register(common.EJobType.RecommendationCalculation(), e.CalculateRecommendations)
	m.SetParamSchema(common.EJobType.RecommendationCalculation(), func() interface{} { return new(recommendationParams) })

	m.Register(common.EJobType.DataQualityCheck(), e.CheckDataQuality)
	m.SetParamSchema(common.EJobType.DataQualityCheck(), func() interface{} { return new(qualityParams) })

	m.Register(common.EJobType.ArchiveBackup(), e.RunArchive)
	m.SetParamSchema(common.EJobType.ArchiveBackup(), func() interface{} { return new(archiveParams) })

	m.Register(common.EJobType.SystemHealthCheck(), e.CheckSystemHealth)
	m.SetParamSchema(common.EJobType.SystemHealthCheck(), func() interface{} { return new(healthParams) })

	m.Register(common.EJobType.WeatherChangeNotification(), e.DetectWeatherChanges)
	m.SetParamSchema(common.EJobType.WeatherChangeNotification(), func() interface{} { return new(weatherChangeParams) })
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// CollectTourism walks every requested content type across the configured
// area codes and captures the raw pages through the unified client.
func (e *Executors) CollectTourism(jc *JobContext) (common.OpaqueBag, error) {
	var p ktoParams
	decodeParams(jc.Params, &p)
	if err := failRequested(p.ForceFail); err != nil {
		return nil, err
	}
	if e.API == nil {
		return nil, common.KindErrorf(common.EErrorKind.Config(), "tourism collection has no API client")
	}
	areas := p.AreaCodes
	if len(areas) == 0 {
		areas = ktoAreaCodes
	}
	contents := p.ContentTypes
	if len(contents) == 0 {
		contents = ktoContentTypes
	}
	pageSize := p.PageSize
	if pageSize == 0 {
		pageSize = 100
	}

	jc.Progress(10, "tourism collection started")

	var calls, succeeded, failed, items int64
	for ci, contentType := range contents {
		if jc.ShouldStop() {
			break
		}
		tasks := make([]apiclient.Task, 0, len(areas))
		for _, area := range areas {
			params := url.Values{}
			params.Set("MobileOS", "ETC")
			params.Set("MobileApp", "WeatherFlick")
			params.Set("_type", "json")
			params.Set("areaCode", area)
			params.Set("contentTypeId", contentType)
			params.Set("numOfRows", strconv.Itoa(pageSize))
			params.Set("pageNo", "1")
			tasks = append(tasks, apiclient.Task{
				ID:       contentType + "_" + area,
				Provider: common.EProvider.KTO(),
				Endpoint: "areaBasedList2",
				Params:   params,
				Priority: jc.Job.Priority,
				Opts:     apiclient.CallOptions{CacheTTL: tourismCacheTTL},
			})
		}
		for _, r := range e.API.CallBatch(jc.Context(), tasks) {
			calls++
			if r.Err != nil {
				failed++
				jc.Log(common.ELogLevel.Warning(),
					fmt.Sprintf("tourism request %s failed: %v", r.TaskID, r.Err), nil)
				continue
			}
			succeeded++
			items += countEnvelopeItems(r.Response.Payload)
		}
		jc.Progress(25+65*float64(ci+1)/float64(len(contents)),
			fmt.Sprintf("content type %s collected", contentType))
	}

	jc.Records(calls, succeeded, failed)
	if calls > 0 && succeeded == 0 {
		return nil, common.KindErrorf(common.EErrorKind.FailProvider(),
			"every tourism request failed (%d calls)", calls)
	}
	return common.OpaqueBag{
		"api_calls":        calls,
		"successful_calls": succeeded,
		"failed_calls":     failed,
		"items_collected":  items,
		"area_codes":       len(areas),
		"content_types":    len(contents),
	}, nil
}

// CollectWeather fetches the latest observation for each region, one call at
// a time, and reports per-region progress as it goes.
func (e *Executors) CollectWeather(jc *JobContext) (common.OpaqueBag, error) {
	var p weatherParams
	decodeParams(jc.Params, &p)
	if err := failRequested(p.ForceFail); err != nil {
		return nil, err
	}
	if e.API == nil {
		return nil, common.KindErrorf(common.EErrorKind.Config(), "weather collection has no API client")
	}
	regions := p.Regions
	if len(regions) == 0 {
		regions = regionOrder
	}

	jc.Progress(10, "weather collection prepared")
	jc.Progress(20, "weather collection started")

	collected := make([]string, 0, len(regions))
	failedRegions := make([]string, 0)
	for i, region := range regions {
		if jc.ShouldStop() {
			break
		}
		if _, err := e.fetchObservation(jc.Context(), region); err != nil {
			failedRegions = append(failedRegions, region)
			jc.Log(common.ELogLevel.Warning(),
				fmt.Sprintf("weather fetch failed for %s: %v", region, err), nil)
		} else {
			collected = append(collected, region)
		}
		jc.Progress(20+60*float64(i+1)/float64(len(regions)), "collecting "+region)
		select {
		case <-jc.Context().Done():
		case <-time.After(interRegionPause):
		}
	}

	total := len(regions)
	jc.Records(int64(total), int64(len(collected)), int64(len(failedRegions)))
	if len(collected) == 0 {
		return nil, common.KindErrorf(common.EErrorKind.FailProvider(),
			"no region produced weather data (%d attempted)", total)
	}
	return common.OpaqueBag{
		"collected_cities": collected,
		"total_regions":    total,
		"failed_regions":   failedRegions,
		"success_rate":     math.Round(10000*float64(len(collected))/float64(total)) / 100,
	}, nil
}

// CalculateRecommendations rescores destinations from the stored footprint:
// the fresh share of tourism rows decides how many captured destinations
// still make useful recommendations.
func (e *Executors) CalculateRecommendations(jc *JobContext) (common.OpaqueBag, error) {
	var p recommendationParams
	decodeParams(jc.Params, &p)
	if err := failRequested(p.ForceFail); err != nil {
		return nil, err
	}
	if e.Raw == nil {
		return nil, common.KindErrorf(common.EErrorKind.Config(), "recommendation scoring has no raw store")
	}

	started := e.now()
	jc.Progress(10, "recommendation scoring started")

	usage, err := e.Raw.Usage(jc.Context())
	if err != nil {
		return nil, common.WithKind(common.EErrorKind.Database(), err)
	}
	var tourism, tourismStale, weather int64
	for _, u := range usage {
		switch u.Provider {
		case common.EProvider.KTO():
			tourism += u.Records
			tourismStale += u.ExpiredStale
		case common.EProvider.KMA(), common.EProvider.Weather():
			weather += u.Records
		}
	}

	jc.Progress(50, "scoring destinations")

	fresh := tourism - tourismStale
	if fresh < 0 {
		fresh = 0
	}
	var avgScore float64
	if tourism > 0 {
		avgScore = math.Round(1000*float64(fresh)/float64(tourism)) / 10
	}
	return common.OpaqueBag{
		"destinations_processed":    tourism,
		"recommendations_generated": fresh / 2,
		"average_score":             avgScore,
		"weather_records":           weather,
		"processing_time":           e.now().Sub(started).Seconds(),
	}, nil
}

// CheckDataQuality scans the stored footprint for staleness, aged rows and
// oversized payloads against the freshness thresholds.
func (e *Executors) CheckDataQuality(jc *JobContext) (common.OpaqueBag, error) {
	var p qualityParams
	decodeParams(jc.Params, &p)
	if err := failRequested(p.ForceFail); err != nil {
		return nil, err
	}
	if e.Raw == nil {
		return nil, common.KindErrorf(common.EErrorKind.Config(), "quality check has no raw store")
	}
	window := p.WindowHours
	if window == 0 {
		window = 24
	}

	jc.Progress(10, "quality scan started")

	usage, err := e.Raw.Usage(jc.Context())
	if err != nil {
		return nil, common.WithKind(common.EErrorKind.Database(), err)
	}
	now := e.now()
	overview, err := e.Raw.Overview(jc.Context(), now.AddDate(0, 0, -30), 1<<20)
	if err != nil {
		return nil, common.WithKind(common.EErrorKind.Database(), err)
	}

	jc.Progress(50, "analyzing anomalies")

	// Fresh share below 95% of a provider's rows counts as an issue, the
	// same completeness bar the collection pipeline is tuned for.
	const completenessFloor = 0.95
	issues := make([]string, 0)
	var total, stale int64
	for _, u := range usage {
		total += u.Records
		stale += u.ExpiredStale
		if u.Records == 0 {
			continue
		}
		freshShare := float64(u.Records-u.ExpiredStale) / float64(u.Records)
		if freshShare < completenessFloor {
			issues = append(issues, fmt.Sprintf("%s completeness %.1f%% below %.0f%%",
				u.Provider, 100*freshShare, 100*completenessFloor))
		}
	}
	if overview.Aged > 0 {
		issues = append(issues, fmt.Sprintf("%d rows older than 30 days still held", overview.Aged))
	}
	if overview.Oversized > 0 {
		issues = append(issues, fmt.Sprintf("%d oversized payloads above 1MB", overview.Oversized))
	}
	if overview.Newest != nil && now.Sub(*overview.Newest) > time.Duration(window)*time.Hour {
		issues = append(issues, fmt.Sprintf("no new data captured in the last %dh", window))
	}

	for _, issue := range issues {
		jc.Log(common.ELogLevel.Warning(), "quality issue: "+issue, nil)
	}
	result := common.OpaqueBag{
		"providers_checked": len(usage),
		"total_records":     total,
		"stale_records":     stale,
		"aged_records":      overview.Aged,
		"oversized_records": overview.Oversized,
		"issues":            issues,
		"passed":            len(issues) == 0,
	}
	if e.Cleaner != nil {
		if su, err := e.Cleaner.UsageStats(jc.Context()); err == nil {
			result["total_size_mb"] = su.SizeMB
		}
	}
	return result, nil
}

// RunArchive drives one archival pass through the archival engine.
func (e *Executors) RunArchive(jc *JobContext) (common.OpaqueBag, error) {
	var p archiveParams
	decodeParams(jc.Params, &p)
	if err := failRequested(p.ForceFail); err != nil {
		return nil, err
	}
	if e.Archiver == nil {
		return nil, common.KindErrorf(common.EErrorKind.Config(), "archive job has no archival engine")
	}

	jc.Progress(10, "archival pass started")

	opts := archive.ArchiveOptions{DryRun: p.DryRun}
	if p.Provider != "" {
		var prov common.Provider
		if err := prov.Parse(p.Provider); err != nil {
			return nil, common.WithKind(common.EErrorKind.Config(), err)
		}
		opts.Provider = &prov
	}

	jc.Progress(50, "archiving candidates")
	summary, err := e.Archiver.Archive(jc.Context(), opts)
	if err != nil {
		return nil, err
	}
	jc.Records(int64(summary.Processed), int64(summary.Successful), int64(summary.Failed))
	return bagFromJSON(summary), nil
}

// CheckSystemHealth snapshots process and host resources. CPU at or above
// 80% degrades the verdict to "warning"; harder thresholds belong to the
// monitor loop, not this job.
func (e *Executors) CheckSystemHealth(jc *JobContext) (common.OpaqueBag, error) {
	var p healthParams
	decodeParams(jc.Params, &p)
	if err := failRequested(p.ForceFail); err != nil {
		return nil, err
	}
	if e.Probe == nil {
		return nil, common.KindErrorf(common.EErrorKind.Config(), "health check has no resource probe")
	}

	jc.Progress(50, "collecting resource snapshot")

	snap, err := e.Probe.Resources(jc.Context())
	if err != nil {
		return nil, err
	}
	status := "healthy"
	if snap.CPUPercent >= 80 {
		status = "warning"
	}
	return common.OpaqueBag{
		"cpu_usage":    snap.CPUPercent,
		"memory_usage": snap.MemoryPercent,
		"disk_usage":   snap.DiskPercent,
		"running_jobs": e.Running(),
		"status":       status,
		"timestamp":    e.now().In(e.Location).Format(time.RFC3339),
	}, nil
}

// DetectWeatherChanges compares each region's latest observation against the
// snapshot from the previous run and flags temperature swings past the
// threshold or a precipitation flip.
func (e *Executors) DetectWeatherChanges(jc *JobContext) (common.OpaqueBag, error) {
	var p weatherChangeParams
	decodeParams(jc.Params, &p)
	if err := failRequested(p.ForceFail); err != nil {
		return nil, err
	}
	if e.API == nil || e.Cache == nil {
		return nil, common.KindErrorf(common.EErrorKind.Config(), "weather change detection needs the API client and cache")
	}
	threshold := p.Threshold
	if threshold == 0 {
		threshold = 5.0
	}

	jc.Progress(10, "weather change scan started")

	checked := 0
	changes := 0
	for i, region := range regionOrder {
		if jc.ShouldStop() {
			break
		}
		obs, err := e.fetchObservation(jc.Context(), region)
		if err != nil {
			jc.Log(common.ELogLevel.Warning(),
				fmt.Sprintf("weather fetch failed for %s: %v", region, err), nil)
			continue
		}
		checked++

		key := "weather:last_obs:" + region
		if prevRaw, ok := e.Cache.Get(jc.Context(), key); ok {
			var prev regionObservation
			if json.Unmarshal(prevRaw, &prev) == nil {
				delta := math.Abs(obs.Temperature - prev.Temperature)
				if delta >= threshold || obs.Precipitation != prev.Precipitation {
					changes++
					jc.Log(common.ELogLevel.Info(), "significant weather change in "+region,
						common.OpaqueBag{
							"region":             region,
							"temperature_before": prev.Temperature,
							"temperature_after":  obs.Temperature,
							"precipitation_from": prev.Precipitation,
							"precipitation_to":   obs.Precipitation,
						})
				}
			}
		}
		if raw, err := json.Marshal(obs); err == nil {
			if err := e.Cache.Set(jc.Context(), key, raw, snapshotTTL); err != nil {
				jc.Log(common.ELogLevel.Warning(), "snapshot save failed for "+region+": "+err.Error(), nil)
			}
		}
		jc.Progress(10+40*float64(i+1)/float64(len(regionOrder)), "checked "+region)
	}

	if checked == 0 {
		return nil, common.KindErrorf(common.EErrorKind.FailProvider(),
			"no region produced an observation to compare")
	}
	return common.OpaqueBag{
		"regions_checked":   checked,
		"changes_detected":  changes,
		"threshold_celsius": threshold,
	}, nil
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// regionObservation is the snapshot kept per region between runs.
type regionObservation struct {
	Region        string    `json:"region"`
	Temperature   float64   `json:"temperature"`
	Precipitation string    `json:"precipitation"`
	ObservedAt    time.Time `json:"observed_at"`
}

// fetchObservation pulls the latest ultra-short observation for one region.
func (e *Executors) fetchObservation(ctx context.Context, region string) (*regionObservation, error) {
	grid, ok := weatherGrid[region]
	if !ok {
		return nil, common.KindErrorf(common.EErrorKind.Config(), "unknown region %q", region)
	}
	base := e.now().In(e.Location).Add(-time.Hour)
	params := url.Values{}
	params.Set("dataType", "JSON")
	params.Set("base_date", base.Format("20060102"))
	params.Set("base_time", base.Format("15")+"00")
	params.Set("nx", strconv.Itoa(grid.NX))
	params.Set("ny", strconv.Itoa(grid.NY))
	params.Set("numOfRows", "10")
	params.Set("pageNo", "1")

	resp, err := e.API.Call(ctx, common.EProvider.KMA(), "getUltraSrtNcst", params,
		apiclient.CallOptions{CacheTTL: weatherCacheTTL})
	if err != nil {
		return nil, err
	}
	obs, err := parseObservation(resp.Payload)
	if err != nil {
		return nil, err
	}
	obs.Region = region
	obs.ObservedAt = e.now()
	return obs, nil
}

// WarmObservations loads the latest observation for every covered region,
// keyed the way the weather-change body reads its snapshots back. It is the
// payload behind the nightly cache-warming builtin.
func (e *Executors) WarmObservations(ctx context.Context) (map[string][]byte, error) {
	out := make(map[string][]byte, len(regionOrder))
	for _, region := range regionOrder {
		obs, err := e.fetchObservation(ctx, region)
		if err != nil {
			return nil, fmt.Errorf("warm %s: %w", region, err)
		}
		raw, err := json.Marshal(obs)
		if err != nil {
			return nil, err
		}
		out["weather:last_obs:"+region] = raw
	}
	return out, nil
}

// parseObservation picks temperature (T1H) and precipitation class (PTY) out
// of an ultra-short observation envelope.
func parseObservation(payload []byte) (*regionObservation, error) {
	var env struct {
		Response struct {
			Body struct {
				Items struct {
					Item []struct {
						Category  string `json:"category"`
						ObsrValue string `json:"obsrValue"`
					} `json:"item"`
				} `json:"items"`
			} `json:"body"`
		} `json:"response"`
	}
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, common.KindErrorf(common.EErrorKind.ParseFailure(), "decode observation: %v", err)
	}
	if len(env.Response.Body.Items.Item) == 0 {
		return nil, common.KindErrorf(common.EErrorKind.ParseFailure(), "observation envelope carries no items")
	}
	obs := &regionObservation{}
	for _, item := range env.Response.Body.Items.Item {
		switch item.Category {
		case "T1H":
			if v, err := strconv.ParseFloat(item.ObsrValue, 64); err == nil {
				obs.Temperature = v
			}
		case "PTY":
			obs.Precipitation = item.ObsrValue
		}
	}
	return obs, nil
}

// countEnvelopeItems counts the rows on one tourism page. An empty page comes
// back with items as an empty string instead of an object, which is why this
// cannot be a straight struct decode.
func countEnvelopeItems(payload []byte) int64 {
	var env struct {
		Response struct {
			Body struct {
				Items json.RawMessage `json:"items"`
			} `json:"body"`
		} `json:"response"`
	}
	if json.Unmarshal(payload, &env) != nil {
		return 0
	}
	raw := bytes.TrimSpace(env.Response.Body.Items)
	if len(raw) == 0 || raw[0] != '{' {
		return 0
	}
	var items struct {
		Item []json.RawMessage `json:"item"`
	}
	if json.Unmarshal(raw, &items) != nil {
		return 0
	}
	return int64(len(items.Item))
}

////////////////////////////////////////////////////////////////////////////////////////////////////////////////////////

// failRequested turns the force_fail parameter into the connection error the
// failure path tests expect.
func failRequested(forceFail bool) error {
	if !forceFail {
		return nil
	}
	return common.KindErrorf(common.EErrorKind.Transport(), "deliberate failure requested via force_fail")
}

// decodeParams leniently re-decodes an already validated parameter bag into
// its typed schema.
func decodeParams(bag common.OpaqueBag, into interface{}) {
	raw, err := json.Marshal(bag)
	if err != nil {
		return
	}
	_ = json.Unmarshal(raw, into)
}

// bagFromJSON flattens a typed summary into a result bag through its JSON
// tags.
func bagFromJSON(v interface{}) common.OpaqueBag {
	raw, err := json.Marshal(v)
	if err != nil {
		return common.OpaqueBag{}
	}
	bag := common.OpaqueBag{}
	_ = json.Unmarshal(raw, &bag)
	return bag
}
