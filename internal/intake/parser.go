// Package intake turns inbound screener alert payloads into trading signals.
package intake

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"

	"github.com/alanyoungcy/screenerbot/internal/domain"
	"github.com/kaptinlin/jsonrepair"
	"github.com/shopspring/decimal"
)

// Drop reasons reported through the drop handler.
const (
	DropMissingSymbol = "missing_symbol"
	DropMissingPrice  = "missing_price"
	DropInvalidPrice  = "invalid_price"
	DropNonPositive   = "non_positive_price"
	DropUnpaired      = "unpaired"
	DropDuplicate     = "duplicate"
	DropNotAnObject   = "not_an_object"
)

// Drop describes one entry that was discarded during parsing.
type Drop struct {
	Symbol string
	Price  string
	Reason string
}

type options struct {
	prefix string
	suffix string
	onDrop func(Drop)
}

// Option customises Parse.
type Option func(*options)

// WithExchange qualifies bare symbols as prefix+SYMBOL+suffix.
func WithExchange(prefix, suffix string) Option {
	return func(o *options) {
		o.prefix = prefix
		o.suffix = suffix
	}
}

// WithDropHandler registers fn to be called for every discarded entry.
func WithDropHandler(fn func(Drop)) Option {
	return func(o *options) { o.onDrop = fn }
}

var (
	symbolListKeys = []string{"stocks", "symbols"}
	priceListKeys  = []string{"trigger_prices", "prices"}
	symbolKeys     = []string{"symbol", "stock"}
	priceKeys      = []string{"price", "trigger_price"}
)

// Parse extracts signals from body. It accepts a comma-separated pair of
// lists, an array of {symbol, price} objects, or a single such object.
// Malformed entries are dropped one at a time; an empty result is not an
// error. Only a body that cannot be read as JSON even after repair returns
// domain.ErrMalformedPayload.
func Parse(body []byte, opts ...Option) ([]domain.Signal, error) {
	o := options{prefix: "NSE:", suffix: "-EQ"}
	for _, opt := range opts {
		opt(&o)
	}

	raw, err := decode(body)
	if err != nil {
		return nil, err
	}

	p := &parser{opts: o, seen: make(map[string]bool)}
	switch v := raw.(type) {
	case map[string]any:
		if list, ok := lookup(v, symbolListKeys); ok {
			prices, _ := lookup(v, priceListKeys)
			p.parseLists(list, prices)
		} else {
			p.parseEntry(v)
		}
	case []any:
		for _, item := range v {
			obj, ok := item.(map[string]any)
			if !ok {
				p.drop("", fmt.Sprint(item), DropNotAnObject)
				continue
			}
			p.parseEntry(obj)
		}
	default:
		return nil, fmt.Errorf("intake: parse: %w: unexpected top-level %T", domain.ErrMalformedPayload, raw)
	}
	return p.out, nil
}

func decode(body []byte) (any, error) {
	trimmed := bytes.TrimSpace(body)
	if len(trimmed) == 0 {
		return nil, fmt.Errorf("intake: parse: %w: empty body", domain.ErrMalformedPayload)
	}

	raw, err := unmarshal(trimmed)
	if err == nil {
		return raw, nil
	}

	// Screener templates often carry trailing commas or single quotes.
	repaired, rerr := jsonrepair.JSONRepair(string(trimmed))
	if rerr != nil {
		return nil, fmt.Errorf("intake: parse: %w: %v", domain.ErrMalformedPayload, err)
	}
	raw, err = unmarshal([]byte(repaired))
	if err != nil {
		return nil, fmt.Errorf("intake: parse: %w: %v", domain.ErrMalformedPayload, err)
	}
	return raw, nil
}

func unmarshal(b []byte) (any, error) {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.UseNumber()
	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}
	if dec.More() {
		return nil, fmt.Errorf("trailing data after JSON value")
	}
	return raw, nil
}

type parser struct {
	opts options
	seen map[string]bool
	out  []domain.Signal
}

func (p *parser) parseLists(symbols, prices any) {
	syms := splitList(symbols)
	pxs := splitList(prices)

	for i, sym := range syms {
		if i >= len(pxs) {
			p.drop(sym, "", DropUnpaired)
			continue
		}
		p.add(sym, pxs[i])
	}
	for i := len(syms); i < len(pxs); i++ {
		p.drop("", pxs[i], DropUnpaired)
	}
}

func (p *parser) parseEntry(obj map[string]any) {
	sym, _ := lookup(obj, symbolKeys)
	px, _ := lookup(obj, priceKeys)
	p.add(scalar(sym), scalar(px))
}

func (p *parser) add(rawSymbol, rawPrice string) {
	sym := strings.ToUpper(strings.TrimSpace(rawSymbol))
	if sym == "" {
		p.drop(rawSymbol, rawPrice, DropMissingSymbol)
		return
	}
	rawPrice = strings.TrimSpace(rawPrice)
	if rawPrice == "" {
		p.drop(sym, rawPrice, DropMissingPrice)
		return
	}
	price, err := parsePrice(rawPrice)
	if err != nil {
		p.drop(sym, rawPrice, DropInvalidPrice)
		return
	}
	if !price.IsPositive() {
		p.drop(sym, rawPrice, DropNonPositive)
		return
	}
	f, _ := price.Float64()
	if math.IsInf(f, 0) || math.IsNaN(f) || f == 0 {
		p.drop(sym, rawPrice, DropInvalidPrice)
		return
	}

	sym = qualify(sym, p.opts.prefix, p.opts.suffix)
	if p.seen[sym] {
		p.drop(sym, rawPrice, DropDuplicate)
		return
	}
	p.seen[sym] = true

	p.out = append(p.out, domain.Signal{Symbol: sym, TriggerPrice: f})
}

func (p *parser) drop(sym, price, reason string) {
	if p.opts.onDrop != nil {
		p.opts.onDrop(Drop{Symbol: sym, Price: price, Reason: reason})
	}
}

// parsePrice reads a decimal price, ignoring thousands separators.
func parsePrice(s string) (decimal.Decimal, error) {
	s = strings.ReplaceAll(s, ",", "")
	s = strings.ReplaceAll(s, "_", "")
	return decimal.NewFromString(s)
}

// Qualify upper-cases sym and maps "sbin" to "NSE:SBIN-EQ". Symbols that
// already carry an exchange prefix are returned unchanged.
func Qualify(sym, prefix, suffix string) string {
	return qualify(strings.ToUpper(strings.TrimSpace(sym)), prefix, suffix)
}

func qualify(sym, prefix, suffix string) string {
	if strings.Contains(sym, ":") {
		return sym
	}
	if suffix != "" && !strings.HasSuffix(sym, suffix) {
		sym += suffix
	}
	return prefix + sym
}

func lookup(m map[string]any, keys []string) (any, bool) {
	for _, k := range keys {
		if v, ok := m[k]; ok && v != nil {
			return v, true
		}
	}
	return nil, false
}

// splitList accepts "A, B" strings as well as JSON arrays.
func splitList(v any) []string {
	switch t := v.(type) {
	case nil:
		return nil
	case string:
		if strings.TrimSpace(t) == "" {
			return nil
		}
		parts := strings.Split(t, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		return parts
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			out = append(out, scalar(item))
		}
		return out
	default:
		return []string{scalar(t)}
	}
}

func scalar(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return t
	case json.Number:
		return t.String()
	case bool:
		return ""
	default:
		return fmt.Sprint(t)
	}
}
