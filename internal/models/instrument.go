package models

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Exchange is a listing venue supported by the gateway.
type Exchange string

const (
	ExchangeNYSE   Exchange = "NYSE"
	ExchangeNASDAQ Exchange = "NASDAQ"
	ExchangeGLOBEX Exchange = "GLOBEX"
	ExchangeNYMEX  Exchange = "NYMEX"
	ExchangeECBOT  Exchange = "ECBOT"
)

// ParseExchange validates an exchange code (case-insensitive).
func ParseExchange(s string) (Exchange, error) {
	switch ex := Exchange(strings.ToUpper(strings.TrimSpace(s))); ex {
	case ExchangeNYSE, ExchangeNASDAQ, ExchangeGLOBEX, ExchangeNYMEX, ExchangeECBOT:
		return ex, nil
	default:
		return "", fmt.Errorf("unknown exchange %q", s)
	}
}

// InstrumentType distinguishes stocks from futures.
type InstrumentType string

const (
	InstrumentTypeStock  InstrumentType = "STK"
	InstrumentTypeFuture InstrumentType = "FUT"
)

// TypeForExchange derives the instrument type from its listing venue.
func TypeForExchange(ex Exchange) (InstrumentType, error) {
	switch ex {
	case ExchangeNYSE, ExchangeNASDAQ:
		return InstrumentTypeStock, nil
	case ExchangeGLOBEX, ExchangeECBOT, ExchangeNYMEX:
		return InstrumentTypeFuture, nil
	default:
		return "", fmt.Errorf("cannot derive instrument type for exchange %q", ex)
	}
}

// Instrument is the metadata the bar cache needs about a tradable symbol.
type Instrument struct {
	Symbol       string          `json:"symbol"`
	BrokerSymbol string          `json:"broker_symbol,omitempty"`
	Exchange     Exchange        `json:"exchange"`
	Type         InstrumentType  `json:"type"`
	Description  string          `json:"description"`
	TickSize     decimal.Decimal `json:"tick_size"`
	Multiplier   decimal.Decimal `json:"multiplier"`
}

// Ticker returns the "EXCHANGE:SYMBOL" identifier used as the series key.
func (i Instrument) Ticker() string {
	return string(i.Exchange) + ":" + i.Symbol
}

// Series returns the series key for this instrument at tf.
func (i Instrument) Series(tf Timeframe) Series {
	return NewSeries(i.Ticker(), tf)
}

// TradingSession is the nearest regular trading session of an instrument.
type TradingSession struct {
	Start time.Time `json:"start"`
	End   time.Time `json:"end"`
}

// Interval returns the session bounds as an Interval.
func (s TradingSession) Interval() Interval {
	return Interval{Start: s.Start, End: s.End}
}

// IsOpenAt reports whether t falls inside [Start, End).
func (s TradingSession) IsOpenAt(t time.Time) bool {
	return !t.Before(s.Start) && t.Before(s.End)
}

// IsStaleAt reports whether the session has ended at t and must be refreshed.
func (s TradingSession) IsStaleAt(t time.Time) bool {
	return !t.Before(s.End)
}
