package streams

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"math"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"streambridge/pkg/config"
	"streambridge/pkg/httpclient"
	"streambridge/pkg/interfaces"
	"streambridge/pkg/logging"
	"streambridge/pkg/types"
	"streambridge/pkg/urlutil"
)

// defaultDVRWindow applies when a dynamic MPD omits timeShiftBufferDepth.
const defaultDVRWindow = 180.0

// holdBackSegments is the number of live-edge segments withheld so the
// player never requests a file the origin is still writing.
const holdBackSegments = 3

// mpdDocument is the subset of a DASH manifest the converter consumes.
type mpdDocument struct {
	XMLName                   xml.Name     `xml:"MPD"`
	Type                      string       `xml:"type,attr"`
	AvailabilityStartTime     string       `xml:"availabilityStartTime,attr"`
	TimeShiftBufferDepth      string       `xml:"timeShiftBufferDepth,attr"`
	MediaPresentationDuration string       `xml:"mediaPresentationDuration,attr"`
	BaseURL                   string       `xml:"BaseURL"`
	Periods                   []mpdPeriod  `xml:"Period"`
}

type mpdPeriod struct {
	Duration       string             `xml:"duration,attr"`
	BaseURL        string             `xml:"BaseURL"`
	AdaptationSets []mpdAdaptationSet `xml:"AdaptationSet"`
}

type mpdAdaptationSet struct {
	MimeType        string              `xml:"mimeType,attr"`
	ContentType     string              `xml:"contentType,attr"`
	Lang            string              `xml:"lang,attr"`
	Codecs          string              `xml:"codecs,attr"`
	SegmentTemplate *mpdSegmentTemplate `xml:"SegmentTemplate"`
	Representations []mpdRepresentation `xml:"Representation"`
}

type mpdRepresentation struct {
	ID              string              `xml:"id,attr"`
	Bandwidth       int                 `xml:"bandwidth,attr"`
	Width           int                 `xml:"width,attr"`
	Height          int                 `xml:"height,attr"`
	FrameRate       string              `xml:"frameRate,attr"`
	Codecs          string              `xml:"codecs,attr"`
	MimeType        string              `xml:"mimeType,attr"`
	SegmentTemplate *mpdSegmentTemplate `xml:"SegmentTemplate"`
}

type mpdSegmentTemplate struct {
	Timescale      uint64           `xml:"timescale,attr"`
	Media          string           `xml:"media,attr"`
	Initialization string           `xml:"initialization,attr"`
	StartNumber    *uint64          `xml:"startNumber,attr"`
	Duration       uint64           `xml:"duration,attr"`
	Timeline       *mpdTimeline     `xml:"SegmentTimeline"`
}

type mpdTimeline struct {
	Entries []mpdTimelineEntry `xml:"S"`
}

type mpdTimelineEntry struct {
	T *uint64 `xml:"t,attr"`
	D uint64  `xml:"d,attr"`
	R int     `xml:"r,attr"`
}

// mediaSegment is one expanded playlist entry.
type mediaSegment struct {
	number   uint64
	time     uint64
	duration float64
	pdt      time.Time
	hasPDT   bool
}

// MPDHandler converts DASH manifests to HLS playlists.
type MPDHandler struct {
	client      *httpclient.Client
	log         *logging.Logger
	proxyBase   string
	apiPassword string
	mode        string
}

// NewMPDHandler creates the DASH stream handler.
func NewMPDHandler(client *httpclient.Client, log *logging.Logger, proxyBase, apiPassword, mode string) *MPDHandler {
	return &MPDHandler{
		client:      client,
		log:         log.WithComponent("mpd-handler"),
		proxyBase:   proxyBase,
		apiPassword: apiPassword,
		mode:        mode,
	}
}

// Type returns the stream type.
func (h *MPDHandler) Type() types.StreamType {
	return types.StreamTypeMPD
}

// CanHandle returns true for DASH manifest URLs.
func (h *MPDHandler) CanHandle(urlStr string) bool {
	lower := strings.ToLower(urlStr)
	return strings.Contains(lower, ".mpd") || strings.Contains(lower, "format=mpd")
}

// HandleManifest fetches the MPD and returns either the HLS master
// playlist (no rep_id) or the media playlist for one representation.
func (h *MPDHandler) HandleManifest(ctx context.Context, req *types.StreamRequest, proxyBase string) (*types.StreamResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpclient.ApplyHeaders(httpReq, req.Headers)

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch mpd: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("read mpd: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return &types.StreamResponse{
			ContentType: resp.Header.Get("Content-Type"),
			Body:        io.NopCloser(bytes.NewReader(body)),
			StatusCode:  resp.StatusCode,
		}, nil
	}

	// Children resolve against the post-redirect URL.
	finalURL := req.URL
	if resp.Request != nil && resp.Request.URL != nil {
		finalURL = resp.Request.URL.String()
	}

	if h.mode == config.MPDModeFFmpeg {
		rewritten := h.rewriteMPDBaseURL(body, finalURL)
		return &types.StreamResponse{
			ContentType: "application/dash+xml",
			Body:        io.NopCloser(bytes.NewReader(rewritten)),
			StatusCode:  http.StatusOK,
		}, nil
	}

	var playlist string
	if req.RepID == "" {
		playlist, err = h.ConvertMaster(body, finalURL, req)
	} else {
		playlist, err = h.ConvertMedia(body, finalURL, req)
	}
	if err != nil {
		return nil, err
	}

	return &types.StreamResponse{
		ContentType: "application/vnd.apple.mpegurl",
		Body:        io.NopCloser(strings.NewReader(playlist)),
		StatusCode:  http.StatusOK,
		Headers: map[string]string{
			"Cache-Control": "no-cache, no-store, must-revalidate",
		},
	}, nil
}

// HandleSegment proxies a DASH media segment unchanged.
func (h *MPDHandler) HandleSegment(ctx context.Context, req *types.StreamRequest) (*types.StreamResponse, error) {
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, req.URL, nil)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	httpclient.ApplyHeaders(httpReq, req.Headers)

	resp, err := h.client.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("fetch segment: %w", err)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = "video/mp4"
	}

	return &types.StreamResponse{
		ContentType: contentType,
		Body:        resp.Body,
		StatusCode:  resp.StatusCode,
	}, nil
}

// ConvertMaster builds the HLS master playlist: EXT-X-MEDIA per audio and
// subtitle representation, EXT-X-STREAM-INF per video representation.
func (h *MPDHandler) ConvertMaster(manifest []byte, mpdURL string, req *types.StreamRequest) (string, error) {
	doc, err := parseMPD(manifest)
	if err != nil {
		return "", fmt.Errorf("parse mpd: %w", err)
	}

	lines := []string{"#EXTM3U", "#EXT-X-VERSION:6"}

	var videoSets, audioSets, subtitleSets []mpdAdaptationSet
	for _, period := range doc.Periods {
		for _, aset := range period.AdaptationSets {
			switch classifyAdaptationSet(aset) {
			case "video":
				videoSets = append(videoSets, aset)
			case "audio":
				audioSets = append(audioSets, aset)
			case "subtitle":
				subtitleSets = append(subtitleSets, aset)
			}
		}
	}

	hasAudio := false
	for i, aset := range audioSets {
		if len(aset.Representations) == 0 {
			continue
		}
		rep := aset.Representations[0]
		lang := aset.Lang
		if lang == "" {
			lang = "und"
		}
		isDefault := "NO"
		if i == 0 {
			isDefault = "YES"
		}
		uri := h.variantURL(mpdURL, rep.ID, req)
		lines = append(lines, fmt.Sprintf(
			`#EXT-X-MEDIA:TYPE=AUDIO,GROUP-ID="audio",NAME="Audio %s",LANGUAGE="%s",DEFAULT=%s,AUTOSELECT=YES,URI="%s"`,
			lang, lang, isDefault, uri))
		hasAudio = true
	}

	hasSubtitles := false
	for i, aset := range subtitleSets {
		if len(aset.Representations) == 0 {
			continue
		}
		rep := aset.Representations[0]
		lang := aset.Lang
		if lang == "" {
			lang = "und"
		}
		isDefault := "NO"
		if i == 0 {
			isDefault = "YES"
		}
		uri := h.variantURL(mpdURL, rep.ID, req)
		lines = append(lines, fmt.Sprintf(
			`#EXT-X-MEDIA:TYPE=SUBTITLES,GROUP-ID="subs",NAME="Subs %s",LANGUAGE="%s",DEFAULT=%s,AUTOSELECT=YES,URI="%s"`,
			lang, lang, isDefault, uri))
		hasSubtitles = true
	}

	for _, aset := range videoSets {
		for _, rep := range aset.Representations {
			attrs := []string{fmt.Sprintf("BANDWIDTH=%d", rep.Bandwidth)}
			if rep.Width > 0 && rep.Height > 0 {
				attrs = append(attrs, fmt.Sprintf("RESOLUTION=%dx%d", rep.Width, rep.Height))
			}
			if fps := hlsFrameRate(rep.FrameRate); fps != "" {
				attrs = append(attrs, "FRAME-RATE="+fps)
			}
			codecs := rep.Codecs
			if codecs == "" {
				codecs = aset.Codecs
			}
			if codecs != "" {
				attrs = append(attrs, fmt.Sprintf("CODECS=%q", codecs))
			}
			if hasAudio {
				attrs = append(attrs, `AUDIO="audio"`)
			}
			if hasSubtitles {
				attrs = append(attrs, `SUBTITLES="subs"`)
			}

			lines = append(lines, "#EXT-X-STREAM-INF:"+strings.Join(attrs, ","))
			lines = append(lines, h.variantURL(mpdURL, rep.ID, req))
		}
	}

	return strings.Join(lines, "\n") + "\n", nil
}

// ConvertMedia builds the HLS media playlist for req.RepID, applying the
// live DVR window, the edge hold-back, and per-segment program-date-time.
func (h *MPDHandler) ConvertMedia(manifest []byte, mpdURL string, req *types.StreamRequest) (string, error) {
	doc, err := parseMPD(manifest)
	if err != nil {
		return "", fmt.Errorf("parse mpd: %w", err)
	}

	isLive := strings.EqualFold(doc.Type, "dynamic")
	ast := parseISODateTime(doc.AvailabilityStartTime)

	rep, aset, period, found := findRepresentation(doc, req.RepID)
	if !found {
		return "", fmt.Errorf("representation %q not found", req.RepID)
	}

	tmpl := rep.SegmentTemplate
	if tmpl == nil {
		tmpl = aset.SegmentTemplate
	}
	if tmpl == nil {
		return "", fmt.Errorf("representation %q has no segment template", req.RepID)
	}

	timescale := tmpl.Timescale
	if timescale == 0 {
		timescale = 1
	}
	startNumber := uint64(1)
	if tmpl.StartNumber != nil {
		startNumber = *tmpl.StartNumber
	}

	baseURL := resolveBaseURL(doc, period, mpdURL)

	keyID, key := req.KeyID, req.Key
	if req.ClearKey != "" {
		if kid, k, ok := strings.Cut(req.ClearKey, ":"); ok {
			keyID, key = kid, k
		}
	}
	decrypt := keyID != "" && key != ""

	var mapLine string
	if tmpl.Initialization != "" {
		initURL := urlutil.Resolve(expandTemplate(tmpl.Initialization, rep.ID, rep.Bandwidth, nil, nil), baseURL)
		var uri string
		if decrypt {
			uri = h.decryptURL(initURL, "", keyID, key, req)
		} else {
			uri = h.segmentURL(initURL, req)
		}
		mapLine = fmt.Sprintf(`#EXT-X-MAP:URI="%s"`, uri)
	}

	segments := expandSegments(tmpl, timescale, startNumber, ast, isLive, period)

	mediaSequence := ""
	if isLive && len(segments) > 0 {
		segments = applyDVRWindow(segments, dvrWindow(doc))
		if len(segments) > holdBackSegments {
			segments = segments[:len(segments)-holdBackSegments]
		}
		if len(segments) > 0 {
			mediaSequence = fmt.Sprintf("#EXT-X-MEDIA-SEQUENCE:%d", segments[0].number)
		}
	}

	targetDuration := 6
	if len(segments) > 0 {
		maxDur := 0.0
		for _, s := range segments {
			if s.duration > maxDur {
				maxDur = s.duration
			}
		}
		targetDuration = int(math.Ceil(maxDur))
	}

	lines := []string{
		"#EXTM3U",
		"#EXT-X-VERSION:6",
		fmt.Sprintf("#EXT-X-TARGETDURATION:%d", targetDuration),
		"#EXT-X-INDEPENDENT-SEGMENTS",
	}
	if mapLine != "" {
		lines = append(lines, mapLine)
	}
	if mediaSequence != "" {
		lines = append(lines, mediaSequence)
	}
	if !isLive {
		lines = append(lines, "#EXT-X-PLAYLIST-TYPE:VOD")
	}

	var encodedInit string
	if decrypt && tmpl.Initialization != "" {
		encodedInit = urlutil.Resolve(expandTemplate(tmpl.Initialization, rep.ID, rep.Bandwidth, nil, nil), baseURL)
	}

	for _, seg := range segments {
		if seg.hasPDT {
			lines = append(lines, "#EXT-X-PROGRAM-DATE-TIME:"+seg.pdt.UTC().Format("2006-01-02T15:04:05.000000Z"))
		}

		number, segTime := seg.number, seg.time
		segURL := urlutil.Resolve(expandTemplate(tmpl.Media, rep.ID, rep.Bandwidth, &number, &segTime), baseURL)

		var uri string
		if decrypt {
			uri = h.decryptURL(segURL, encodedInit, keyID, key, req)
		} else {
			uri = h.segmentURL(segURL, req)
		}

		lines = append(lines, fmt.Sprintf("#EXTINF:%.5f,", seg.duration))
		lines = append(lines, uri)
	}

	if !isLive {
		lines = append(lines, "#EXT-X-ENDLIST")
	}

	return strings.Join(lines, "\n") + "\n", nil
}

// expandSegments walks the SegmentTimeline, or falls back to the fixed
// duration attribute when the manifest has no timeline.
func expandSegments(tmpl *mpdSegmentTemplate, timescale, startNumber uint64, ast time.Time, isLive bool, period mpdPeriod) []mediaSegment {
	var segments []mediaSegment

	if tmpl.Timeline != nil {
		currentTime := uint64(0)
		number := startNumber

		for _, s := range tmpl.Timeline.Entries {
			if s.T != nil {
				currentTime = *s.T
			}
			duration := float64(s.D) / float64(timescale)

			for i := 0; i <= s.R; i++ {
				segments = append(segments, mediaSegment{
					number:   number,
					time:     currentTime,
					duration: duration,
					pdt:      ast.Add(time.Duration(float64(currentTime) / float64(timescale) * float64(time.Second))),
					hasPDT:   !ast.IsZero(),
				})
				currentTime += s.D
				number++
			}
		}
		return segments
	}

	if tmpl.Duration == 0 {
		return nil
	}

	duration := float64(tmpl.Duration) / float64(timescale)
	count := 100 // live best effort
	if !isLive {
		if total := parseISODuration(period.Duration); total > 0 {
			count = int(total / duration)
		}
	}

	for i := 0; i < count; i++ {
		n := startNumber + uint64(i)
		segments = append(segments, mediaSegment{
			number:   n,
			time:     n * tmpl.Duration,
			duration: duration,
		})
	}
	return segments
}

// applyDVRWindow keeps the newest segments whose cumulative duration
// first reaches the window, dropping everything older.
func applyDVRWindow(segments []mediaSegment, window float64) []mediaSegment {
	total := 0.0
	for _, s := range segments {
		total += s.duration
	}
	if total <= window {
		return segments
	}

	acc := 0.0
	for i := len(segments) - 1; i >= 0; i-- {
		acc += segments[i].duration
		if acc >= window {
			return segments[i:]
		}
	}
	return segments
}

// dvrWindow is timeShiftBufferDepth in seconds, defaulting to 3 minutes.
func dvrWindow(doc *mpdDocument) float64 {
	if w := parseISODuration(doc.TimeShiftBufferDepth); w > 0 {
		return w
	}
	return defaultDVRWindow
}

func parseMPD(manifest []byte) (*mpdDocument, error) {
	var doc mpdDocument
	if err := xml.Unmarshal(manifest, &doc); err != nil {
		return nil, err
	}
	return &doc, nil
}

func classifyAdaptationSet(aset mpdAdaptationSet) string {
	hint := aset.MimeType + " " + aset.ContentType
	switch {
	case strings.Contains(hint, "video"):
		return "video"
	case strings.Contains(hint, "audio"):
		return "audio"
	case strings.Contains(hint, "text") || strings.Contains(hint, "ttml") || strings.Contains(hint, "vtt"):
		return "subtitle"
	}

	// Sparse manifests only type their Representations.
	for _, rep := range aset.Representations {
		if strings.Contains(rep.MimeType, "video") {
			return "video"
		}
		if strings.Contains(rep.MimeType, "audio") {
			return "audio"
		}
	}
	return ""
}

func findRepresentation(doc *mpdDocument, repID string) (mpdRepresentation, mpdAdaptationSet, mpdPeriod, bool) {
	for _, period := range doc.Periods {
		for _, aset := range period.AdaptationSets {
			for _, rep := range aset.Representations {
				if rep.ID == repID {
					return rep, aset, period, true
				}
			}
		}
	}
	return mpdRepresentation{}, mpdAdaptationSet{}, mpdPeriod{}, false
}

// resolveBaseURL resolves the effective segment base: the Period BaseURL
// wins over the MPD one, both resolved against the manifest URL.
func resolveBaseURL(doc *mpdDocument, period mpdPeriod, mpdURL string) string {
	base := urlutil.BaseDirectory(mpdURL)
	if doc.BaseURL != "" {
		base = urlutil.Resolve(strings.TrimSpace(doc.BaseURL), mpdURL)
	}
	if period.BaseURL != "" {
		base = urlutil.Resolve(strings.TrimSpace(period.BaseURL), base)
	}
	if !strings.HasSuffix(base, "/") {
		base += "/"
	}
	return base
}

var (
	reTemplateBandwidth = regexp.MustCompile(`\$Bandwidth(%[^$]+)?\$`)
	reTemplateRepID     = regexp.MustCompile(`\$RepresentationID(%[^$]+)?\$`)
	reTemplateNumber    = regexp.MustCompile(`\$Number(%[^$]+)?\$`)
	reTemplateTime      = regexp.MustCompile(`\$Time(%[^$]+)?\$`)
)

// expandTemplate substitutes the DASH template placeholders, honoring an
// optional printf conversion such as $Number%05d$.
func expandTemplate(template, repID string, bandwidth int, number, segTime *uint64) string {
	out := reTemplateBandwidth.ReplaceAllStringFunc(template, func(m string) string {
		return formatPlaceholder(m, "$Bandwidth", uint64(bandwidth))
	})
	// ReplaceAllStringFunc so $ and % in the representation ID stay
	// literal instead of triggering group expansion.
	out = reTemplateRepID.ReplaceAllStringFunc(out, func(string) string {
		return repID
	})
	if number != nil {
		out = reTemplateNumber.ReplaceAllStringFunc(out, func(m string) string {
			return formatPlaceholder(m, "$Number", *number)
		})
	}
	if segTime != nil {
		out = reTemplateTime.ReplaceAllStringFunc(out, func(m string) string {
			return formatPlaceholder(m, "$Time", *segTime)
		})
	}
	return out
}

// formatPlaceholder applies the embedded %fmt of one matched placeholder,
// falling back to plain decimal.
func formatPlaceholder(match, prefix string, value uint64) string {
	spec := strings.TrimSuffix(strings.TrimPrefix(match, prefix), "$")
	if spec == "" {
		return strconv.FormatUint(value, 10)
	}
	return fmt.Sprintf(spec, value)
}

var reISODuration = regexp.MustCompile(`^PT(?:(\d+)H)?(?:(\d+)M)?(?:(\d+(?:\.\d+)?)S)?$`)

// parseISODuration converts PT#H#M#S to seconds; 0 on anything else.
func parseISODuration(s string) float64 {
	m := reISODuration.FindStringSubmatch(strings.TrimSpace(s))
	if m == nil {
		return 0
	}
	hours, _ := strconv.ParseFloat(zeroIfEmpty(m[1]), 64)
	mins, _ := strconv.ParseFloat(zeroIfEmpty(m[2]), 64)
	secs, _ := strconv.ParseFloat(zeroIfEmpty(m[3]), 64)
	return hours*3600 + mins*60 + secs
}

func zeroIfEmpty(s string) string {
	if s == "" {
		return "0"
	}
	return s
}

// parseISODateTime parses availabilityStartTime; zero time when absent.
func parseISODateTime(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05.999999", "2006-01-02T15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t
		}
	}
	return time.Time{}
}

// hlsFrameRate renders a DASH frameRate (possibly fractional, 30000/1001)
// as an HLS decimal attribute.
func hlsFrameRate(fps string) string {
	if fps == "" {
		return ""
	}
	if num, den, ok := strings.Cut(fps, "/"); ok {
		n, err1 := strconv.ParseFloat(num, 64)
		d, err2 := strconv.ParseFloat(den, 64)
		if err1 != nil || err2 != nil || d == 0 {
			return ""
		}
		return strconv.FormatFloat(n/d, 'f', 3, 64)
	}
	return fps
}

// variantURL is the recursive request back into this converter for one
// representation's media playlist.
func (h *MPDHandler) variantURL(mpdURL, repID string, req *types.StreamRequest) string {
	query := url.Values{}
	query.Set("d", mpdURL)
	query.Set("rep_id", repID)
	if req.ClearKey != "" {
		query.Set("clearkey", req.ClearKey)
	}
	if req.KeyID != "" {
		query.Set("key_id", req.KeyID)
	}
	if req.Key != "" {
		query.Set("key", req.Key)
	}
	h.addCommonParams(query, req)
	return h.proxyBase + "/proxy/mpd/manifest.m3u8?" + query.Encode()
}

// segmentURL routes one clear segment through the segment relay.
func (h *MPDHandler) segmentURL(segURL string, req *types.StreamRequest) string {
	query := url.Values{}
	query.Set("base_url", segURL)
	h.addCommonParams(query, req)
	return h.proxyBase + "/segment/" + urlutil.FileName(segURL) + "?" + query.Encode()
}

// decryptURL routes one protected segment through the decrypt pipeline.
// initURL is empty for the init segment itself.
func (h *MPDHandler) decryptURL(segURL, initURL, keyID, key string, req *types.StreamRequest) string {
	query := url.Values{}
	query.Set("url", segURL)
	if initURL != "" {
		query.Set("init_url", initURL)
	}
	query.Set("key_id", keyID)
	query.Set("key", key)
	h.addCommonParams(query, req)
	return h.proxyBase + "/decrypt/segment.mp4?" + query.Encode()
}

func (h *MPDHandler) addCommonParams(query url.Values, req *types.StreamRequest) {
	for name, value := range req.Headers {
		query.Set("h_"+strings.ReplaceAll(name, "-", "_"), value)
	}
	if h.apiPassword != "" {
		query.Set("api_password", h.apiPassword)
	}
}

// rewriteMPDBaseURL injects a BaseURL pointing segment fetches back
// through the proxy, used by the ffmpeg pass-through mode.
func (h *MPDHandler) rewriteMPDBaseURL(manifest []byte, mpdURL string) []byte {
	base := urlutil.BaseDirectory(mpdURL)
	baseTag := "<BaseURL>" + base + "</BaseURL>"

	text := string(manifest)
	if strings.Contains(text, "<BaseURL>") {
		return manifest
	}
	if idx := strings.Index(text, ">"); idx > 0 && strings.Contains(text[:idx+1], "<MPD") {
		return []byte(text[:idx+1] + baseTag + text[idx+1:])
	}
	return manifest
}

var _ interfaces.StreamHandler = (*MPDHandler)(nil)
