package httpapi

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/relaycore/scheduled/pkg/types"
)

// triggerRequest is the wire form of a trigger. The three kinds share one
// struct; parseTrigger picks the fields that belong to the declared type and
// rejects anything malformed.
type triggerRequest struct {
	Type string `json:"type"`

	// date
	RunDate json.RawMessage `json:"run_date,omitempty"`

	// interval
	Seconds   float64 `json:"seconds,omitempty"`
	Minutes   float64 `json:"minutes,omitempty"`
	Hours     float64 `json:"hours,omitempty"`
	Days      float64 `json:"days,omitempty"`
	Weeks     float64 `json:"weeks,omitempty"`
	StartTime string  `json:"start_time,omitempty"`
	EndTime   string  `json:"end_time,omitempty"`

	// cron
	Second    string `json:"second,omitempty"`
	Minute    string `json:"minute,omitempty"`
	Hour      string `json:"hour,omitempty"`
	Day       string `json:"day,omitempty"`
	Month     string `json:"month,omitempty"`
	DayOfWeek string `json:"day_of_week,omitempty"`
	Timezone  string `json:"timezone,omitempty"`
}

// parseTrigger converts the JSON trigger form into the domain Trigger.
func parseTrigger(tr triggerRequest) (types.Trigger, error) {
	switch tr.Type {
	case "date":
		return parseDateTrigger(tr)
	case "interval":
		return parseIntervalTrigger(tr)
	case "cron":
		return parseCronTrigger(tr)
	default:
		return types.Trigger{}, fmt.Errorf("unknown trigger type %q", tr.Type)
	}
}

// parseTimestamp accepts either an ISO-8601 string or seconds-since-epoch.
func parseTimestamp(raw json.RawMessage) (time.Time, error) {
	var epoch float64
	if err := json.Unmarshal(raw, &epoch); err == nil {
		sec := int64(epoch)
		nsec := int64((epoch - float64(sec)) * 1e9)
		return time.Unix(sec, nsec).UTC(), nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return time.Time{}, fmt.Errorf("run_date must be an ISO-8601 string or epoch seconds")
	}
	return parseTimeString(s)
}

func parseTimeString(s string) (time.Time, error) {
	for _, layout := range []string{time.RFC3339Nano, time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("unrecognized time format %q", s)
}

func parseDateTrigger(tr triggerRequest) (types.Trigger, error) {
	if len(tr.RunDate) == 0 {
		return types.Trigger{}, fmt.Errorf("date trigger requires run_date")
	}
	runDate, err := parseTimestamp(tr.RunDate)
	if err != nil {
		return types.Trigger{}, err
	}
	return types.Trigger{Kind: types.TriggerDate, RunDate: runDate}, nil
}

func parseIntervalTrigger(tr triggerRequest) (types.Trigger, error) {
	period := time.Duration(tr.Seconds*float64(time.Second)) +
		time.Duration(tr.Minutes*float64(time.Minute)) +
		time.Duration(tr.Hours*float64(time.Hour)) +
		time.Duration(tr.Days*24*float64(time.Hour)) +
		time.Duration(tr.Weeks*7*24*float64(time.Hour))
	if period <= 0 {
		return types.Trigger{}, fmt.Errorf("interval trigger requires a positive period")
	}

	t := types.Trigger{Kind: types.TriggerInterval, Period: period}
	if tr.StartTime != "" {
		start, err := parseTimeString(tr.StartTime)
		if err != nil {
			return types.Trigger{}, fmt.Errorf("invalid start_time: %w", err)
		}
		t.Start = &start
	}
	if tr.EndTime != "" {
		end, err := parseTimeString(tr.EndTime)
		if err != nil {
			return types.Trigger{}, fmt.Errorf("invalid end_time: %w", err)
		}
		t.End = &end
	}
	return t, nil
}

// parseCronTrigger assembles the per-field cron form into a single
// expression: five fields normally, six when a second field is present.
func parseCronTrigger(tr triggerRequest) (types.Trigger, error) {
	field := func(v string) string {
		if v == "" {
			return "*"
		}
		return v
	}

	fields := []string{
		field(tr.Minute), field(tr.Hour), field(tr.Day), field(tr.Month), field(tr.DayOfWeek),
	}
	if tr.Second != "" {
		fields = append([]string{tr.Second}, fields...)
	}
	expr := strings.Join(fields, " ")

	t := types.Trigger{Kind: types.TriggerCron, CronExpr: expr, Timezone: tr.Timezone}
	return t, nil
}

// triggerView renders a stored Trigger back into its wire form for list
// responses.
func triggerView(t types.Trigger) map[string]any {
	view := map[string]any{"type": string(t.Kind)}
	switch t.Kind {
	case types.TriggerDate:
		view["run_date"] = t.RunDate.Format(time.RFC3339)
	case types.TriggerInterval:
		view["seconds"] = t.Period.Seconds()
		if t.Start != nil {
			view["start_time"] = t.Start.Format(time.RFC3339)
		}
		if t.End != nil {
			view["end_time"] = t.End.Format(time.RFC3339)
		}
	case types.TriggerCron:
		view["expression"] = t.CronExpr
		if t.Timezone != "" {
			view["timezone"] = t.Timezone
		}
	}
	return view
}

// parseLimit reads a query-string limit. An empty, invalid or non-positive
// value gives def; a value above max is clamped to max.
func parseLimit(raw string, def, max int) int {
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return def
	}
	if n > max {
		return max
	}
	return n
}
