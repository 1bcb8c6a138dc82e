package macman

import (
	"context"
	"strings"
	"time"

	"go.uber.org/zap"

	"okuma-bridge/internal/opcuaclient"
)

// watermarkFormat is the first-preference write format for LastProcessed
// nodes: local time, millisecond precision.
const watermarkFormat = "2006-01-02T15:04:05.000"

// epoch is what absent or unreadable watermarks collapse to.
var epoch = time.Date(1970, 1, 1, 0, 0, 0, 0, time.Local)

// readWatermark reads and interprets a LastProcessed.<SCREEN> node. Native
// timestamps are taken as-is, integer Unix seconds are interpreted as UTC
// then converted to local, and strings are parsed; anything else collapses
// to the epoch.
func (c *Collector) readWatermark(ctx context.Context, nodeID string) time.Time {
	v, err := c.control.Read(ctx, nodeID)
	if err != nil || v == nil {
		return epoch
	}
	switch v.Kind {
	case opcuaclient.KindDateTime:
		return v.DateTime.Local()
	case opcuaclient.KindInt32:
		return time.Unix(int64(v.Int32), 0)
	case opcuaclient.KindInt64:
		return time.Unix(v.Int64, 0)
	case opcuaclient.KindDouble:
		return time.Unix(int64(v.Double), 0)
	case opcuaclient.KindString:
		if t, ok := parseWatermarkString(v.String); ok {
			return t
		}
		return epoch
	default:
		return epoch
	}
}

func parseWatermarkString(s string) (time.Time, bool) {
	s = strings.TrimSpace(s)
	for _, layout := range []string{
		watermarkFormat,
		"2006-01-02T15:04:05",
		"2006-01-02 15:04:05",
		"2006/01/02 15:04:05",
		time.RFC3339,
	} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// writeWatermark advances a LastProcessed node with the typed-fallback
// cascade: formatted local-time string, native timestamp, Unix seconds as
// 64-bit, Unix seconds as 32-bit — in that order, until the server accepts
// one.
func (c *Collector) writeWatermark(ctx context.Context, nodeID string, t time.Time) {
	candidates := []opcuaclient.Value{
		opcuaclient.StringValue(t.Local().Format(watermarkFormat)),
		opcuaclient.DateTimeValue(t),
		opcuaclient.Int64Value(t.Unix()),
		opcuaclient.Int32Value(int32(t.Unix())),
	}
	for _, v := range candidates {
		ok, err := c.control.Write(ctx, nodeID, v)
		if err == nil && ok {
			return
		}
	}
	c.logger.Warn("macman: watermark write rejected in every representation", zap.String("node", nodeID))
}

// parseRecordTime parses a record's date and time strings. Attempts, in
// order: yyyyMMdd+HHmmss, yyyy/MM/dd HH:mm:ss, yyyy-MM-dd HH:mm:ss, then a
// general parse. timeRaw may be empty for screens whose date field carries
// the full timestamp.
func parseRecordTime(dateRaw, timeRaw string) (time.Time, bool) {
	dateRaw = strings.TrimSpace(dateRaw)
	timeRaw = strings.TrimSpace(timeRaw)
	if dateRaw == "" {
		return time.Time{}, false
	}

	if timeRaw != "" {
		if t, err := time.ParseInLocation("20060102150405", dateRaw+padTime(timeRaw), time.Local); err == nil {
			return t, true
		}
		combined := dateRaw + " " + timeRaw
		for _, layout := range []string{"2006/01/02 15:04:05", "2006-01-02 15:04:05"} {
			if t, err := time.ParseInLocation(layout, combined, time.Local); err == nil {
				return t, true
			}
		}
		return generalParse(combined)
	}

	if t, err := time.ParseInLocation("20060102", dateRaw, time.Local); err == nil {
		return t, true
	}
	for _, layout := range []string{"2006/01/02 15:04:05", "2006-01-02 15:04:05", "2006/01/02", "2006-01-02"} {
		if t, err := time.ParseInLocation(layout, dateRaw, time.Local); err == nil {
			return t, true
		}
	}
	return generalParse(dateRaw)
}

// padTime left-pads a HHmmss time that lost leading zeros ("83000" for
// 08:30:00).
func padTime(s string) string {
	for len(s) < 6 {
		s = "0" + s
	}
	return s
}

func generalParse(s string) (time.Time, bool) {
	for _, layout := range []string{
		time.RFC3339,
		"2006-01-02T15:04:05",
		"2006-01-02T15:04:05.000",
	} {
		if t, err := time.ParseInLocation(layout, s, time.Local); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}
