package domain

import "time"

// Signal is one (symbol, trigger price) pair extracted from a screener alert.
type Signal struct {
	Symbol       string  `json:"symbol"`
	TriggerPrice float64 `json:"trigger_price"`
}

// Alert is a parsed inbound payload. It is never persisted.
type Alert struct {
	Signals    []Signal
	Source     string
	ReceivedAt time.Time
}

// Bar is an OHLCV candle over a fixed interval starting at Time.
type Bar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume int64     `json:"volume"`
}

// BotStatus is a summary of the relay's current operational state.
type BotStatus struct {
	Mode          string `json:"mode"`
	TradingMode   string `json:"trading_mode"`
	OpenPositions int    `json:"open_positions"`
	UptimeSeconds int64  `json:"uptime_seconds"`
}
