package models

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Readings maps asset name to data point name to numeric value.
type Readings map[string]map[string]float64

// Decoding errors
var (
	ErrEmptyDocument   = errors.New("readings document is empty")
	ErrInvalidDocument = errors.New("readings document must be a JSON object")
)

// DecodeReadings parses a readings document of the form
//
//	{"asset": {"datapoint": 1, "other": 2.5}}
//
// Integer and floating-point values are kept; any other value, and any asset
// whose body is not an object, is skipped and counted in skipped.
func DecodeReadings(doc []byte) (readings Readings, skipped int, err error) {
	doc = bytes.TrimSpace(doc)
	if len(doc) == 0 {
		return nil, 0, ErrEmptyDocument
	}

	var assets map[string]json.RawMessage
	if err := json.Unmarshal(doc, &assets); err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrInvalidDocument, err)
	}
	if assets == nil {
		return nil, 0, ErrInvalidDocument
	}

	readings = make(Readings, len(assets))
	for asset, body := range assets {
		var points map[string]json.RawMessage
		if err := json.Unmarshal(body, &points); err != nil {
			skipped++
			continue
		}
		values := make(map[string]float64, len(points))
		for name, raw := range points {
			v, ok := numericValue(raw)
			if !ok {
				skipped++
				continue
			}
			values[name] = v
		}
		readings[asset] = values
	}
	return readings, skipped, nil
}

// numericValue decodes raw as a JSON number. Integers that fit in int64 are
// converted exactly; larger ones go through float64.
func numericValue(raw json.RawMessage) (float64, bool) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return 0, false
	}
	n, ok := v.(json.Number)
	if !ok {
		return 0, false
	}
	if i, err := n.Int64(); err == nil {
		return float64(i), true
	}
	f, err := n.Float64()
	if err != nil {
		return 0, false
	}
	return f, true
}

// Count returns the number of data point values across all assets.
func (r Readings) Count() int {
	n := 0
	for _, points := range r {
		n += len(points)
	}
	return n
}
