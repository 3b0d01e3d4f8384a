package feed

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"sigflow/internal/signal"
)

// Parser turns a raw feed message into the structured classification the
// normalizer consumes.
type Parser interface {
	Parse(ctx context.Context, msg RawMessage) (signal.ParseResult, error)
}

// parseResultSchema constrains what the parser service may hand us. The
// parser is an external process; its output is untrusted until validated.
const parseResultSchema = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "required": ["message_type"],
  "properties": {
    "message_type": {
      "type": "string",
      "enum": ["new_signal", "entry_hit", "tp_hit", "sl_modified",
               "partial_close", "full_close", "risk_free",
               "position_closed", "info"]
    },
    "symbol": {"type": ["string", "null"]},
    "direction": {"type": ["string", "null"], "enum": ["long", "short", null]},
    "entry_price_low": {"type": ["number", "null"], "exclusiveMinimum": 0},
    "entry_price_high": {"type": ["number", "null"], "exclusiveMinimum": 0},
    "stop_loss": {"type": ["number", "null"], "exclusiveMinimum": 0},
    "take_profits": {"type": "array", "items": {"type": "number", "exclusiveMinimum": 0}},
    "risk_percent": {"type": ["number", "null"], "minimum": 0, "maximum": 100},
    "leverage": {"type": ["integer", "null"], "minimum": 1},
    "margin_type": {"type": ["string", "null"], "enum": ["isolated", "cross", null]},
    "tp_number": {"type": ["integer", "null"], "minimum": 1},
    "profit_percent": {"type": ["number", "null"]},
    "close_percentage": {"type": ["integer", "null"], "minimum": 1, "maximum": 100},
    "new_stop_loss": {"type": ["number", "null"], "exclusiveMinimum": 0},
    "confidence": {"type": ["number", "null"], "minimum": 0, "maximum": 1}
  }
}`

var compiledSchema = jsonschema.MustCompileString("parse_result.json", parseResultSchema)

// ValidateParseResult checks raw parser output against the schema before it
// is decoded into a ParseResult.
func ValidateParseResult(raw []byte) error {
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return fmt.Errorf("parser output is not JSON: %w", err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return fmt.Errorf("parser output rejected: %w", err)
	}
	return nil
}

// HTTPParser calls the external parser service: POST the raw message, get
// the classification JSON back.
type HTTPParser struct {
	url    string
	client *http.Client
}

func NewHTTPParser(url string, timeout time.Duration) *HTTPParser {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &HTTPParser{
		url:    strings.TrimRight(url, "/"),
		client: &http.Client{Timeout: timeout},
	}
}

func (p *HTTPParser) Parse(ctx context.Context, msg RawMessage) (signal.ParseResult, error) {
	var res signal.ParseResult

	payload, err := json.Marshal(map[string]string{"id": msg.ID, "text": msg.Text})
	if err != nil {
		return res, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(payload))
	if err != nil {
		return res, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := p.client.Do(req)
	if err != nil {
		return res, fmt.Errorf("parser request: %w", err)
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return res, fmt.Errorf("parser response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return res, fmt.Errorf("parser returned %d: %s", resp.StatusCode, body)
	}

	if err := ValidateParseResult(body); err != nil {
		return res, err
	}
	if err := json.Unmarshal(body, &res); err != nil {
		return res, fmt.Errorf("decode parser output: %w", err)
	}
	return res, nil
}
