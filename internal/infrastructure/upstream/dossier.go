package upstream

import (
	"net/url"
	"strconv"
)

// Browser identity presented to the upstream. The antibot layer checks these
// for rough consistency, not exactness, so one stable Chromium profile works.
const (
	defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/140.0.0.0 Safari/537.36"
	defaultFEVersion = "prod-fe-1.0.70"
)

// browserQuery builds the ~35 browser-style query parameters the completion
// endpoint expects alongside the signed identity fields. Values mimic what
// the web frontend would report for a desktop Chromium session.
func browserQuery(baseURL, requestID string, timestampMS int64, userID, token string, sigTimestamp int64) url.Values {
	host := "chat.z.ai"
	if u, err := url.Parse(baseURL); err == nil && u.Host != "" {
		host = u.Host
	}

	q := url.Values{}
	q.Set("requestId", requestID)
	q.Set("timestamp", strconv.FormatInt(timestampMS, 10))
	q.Set("user_id", userID)
	q.Set("token", token)
	q.Set("signature_timestamp", strconv.FormatInt(sigTimestamp, 10))

	q.Set("current_url", baseURL+"/")
	q.Set("pathname", "/")
	q.Set("search", "")
	q.Set("hash", "")
	q.Set("host", host)
	q.Set("hostname", host)
	q.Set("protocol", "https")
	q.Set("referrer", "")
	q.Set("title", "Z.ai Chat")

	q.Set("timezone", "America/New_York")
	q.Set("timezone_offset", "240")
	q.Set("language", "en-US")
	q.Set("languages", "en-US,en")
	q.Set("cookie_enabled", "true")

	q.Set("screen_width", "1920")
	q.Set("screen_height", "1080")
	q.Set("screen_color_depth", "24")
	q.Set("screen_pixel_depth", "24")
	q.Set("viewport_width", "1536")
	q.Set("viewport_height", "864")
	q.Set("device_pixel_ratio", "1.25")

	q.Set("user_agent", defaultUserAgent)
	q.Set("browser_name", "Chrome")
	q.Set("browser_version", "140.0.0.0")
	q.Set("os_name", "Windows")
	q.Set("os_version", "10")
	q.Set("platform", "Win32")
	q.Set("do_not_track", "unspecified")
	q.Set("hardware_concurrency", "16")
	q.Set("device_memory", "8")

	q.Set("connection_type", "4g")
	q.Set("effective_type", "4g")
	q.Set("round_trip_time", "50")
	q.Set("downlink", "10")
	q.Set("save_data", "false")

	return q
}
