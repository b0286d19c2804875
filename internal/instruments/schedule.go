package instruments

import (
	"context"
	"fmt"
	"time"

	"github.com/johnayoung/go-ohlcv-gateway/internal/models"
)

// Schedule is the regular trading hours of an exchange in its local time zone.
// When Open is later than Close the session starts on the previous calendar day.
type Schedule struct {
	Timezone string `json:"timezone"`
	Open     string `json:"open"`  // HHMM
	Close    string `json:"close"` // HHMM
}

// Session returns the hours in "HHMM-HHMM" form.
func (s Schedule) Session() string {
	return s.Open + "-" + s.Close
}

// Overnight reports whether a session spans midnight.
func (s Schedule) Overnight() bool {
	return s.Open > s.Close
}

var schedules = map[models.Exchange]Schedule{
	models.ExchangeNYSE:   {Timezone: "America/New_York", Open: "0930", Close: "1600"},
	models.ExchangeNASDAQ: {Timezone: "America/New_York", Open: "0930", Close: "1600"},
	models.ExchangeNYMEX:  {Timezone: "America/New_York", Open: "1800", Close: "1700"},
	models.ExchangeGLOBEX: {Timezone: "America/Chicago", Open: "1700", Close: "1600"},
	models.ExchangeECBOT:  {Timezone: "America/Chicago", Open: "1900", Close: "1320"},
}

// ScheduleFor returns the regular trading hours of exchange.
func ScheduleFor(exchange models.Exchange) (Schedule, error) {
	s, ok := schedules[exchange]
	if !ok {
		return Schedule{}, fmt.Errorf("no trading schedule for exchange %q", exchange)
	}
	return s, nil
}

// ScheduleSource derives sessions from the exchange calendar: Monday to
// Friday sessions, overnight sessions opening the evening before. Exchange
// holidays are not modelled.
type ScheduleSource struct{}

// NewScheduleSource creates a session source backed by exchange schedules.
func NewScheduleSource() *ScheduleSource {
	return &ScheduleSource{}
}

// NearestSession returns the first session ending after now.
func (ScheduleSource) NearestSession(_ context.Context, inst models.Instrument, now time.Time) (models.TradingSession, error) {
	sched, err := ScheduleFor(inst.Exchange)
	if err != nil {
		return models.TradingSession{}, err
	}
	return NextSession(sched, now)
}

// NextSession returns the first session of sched that ends after now.
func NextSession(sched Schedule, now time.Time) (models.TradingSession, error) {
	loc, err := time.LoadLocation(sched.Timezone)
	if err != nil {
		return models.TradingSession{}, fmt.Errorf("load time zone %s: %w", sched.Timezone, err)
	}
	openH, openM, err := parseHHMM(sched.Open)
	if err != nil {
		return models.TradingSession{}, err
	}
	closeH, closeM, err := parseHHMM(sched.Close)
	if err != nil {
		return models.TradingSession{}, err
	}

	local := now.In(loc)
	day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)

	// A session is named after the day it closes on.
	for i := 0; i < 8; i++ {
		d := day.AddDate(0, 0, i)
		if d.Weekday() == time.Saturday || d.Weekday() == time.Sunday {
			continue
		}

		end := time.Date(d.Year(), d.Month(), d.Day(), closeH, closeM, 0, 0, loc)
		openDay := d
		if sched.Overnight() {
			openDay = d.AddDate(0, 0, -1)
		}
		start := time.Date(openDay.Year(), openDay.Month(), openDay.Day(), openH, openM, 0, 0, loc)

		if end.After(now) {
			return models.TradingSession{Start: start.UTC(), End: end.UTC()}, nil
		}
	}
	return models.TradingSession{}, fmt.Errorf("no session found after %s", now.UTC().Format(time.RFC3339))
}

func parseHHMM(s string) (int, int, error) {
	t, err := time.Parse("1504", s)
	if err != nil {
		return 0, 0, fmt.Errorf("invalid session time %q: %w", s, err)
	}
	return t.Hour(), t.Minute(), nil
}
