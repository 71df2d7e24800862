package common

const AppVersion = "1.0.0"

const AppName = "wfbatch"

// UserAgent is sent on every outbound provider request.
const UserAgent = "WeatherFlick-Batch/1.0 (Weather Travel Recommendation Service)"
