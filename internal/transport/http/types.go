package collecthttp

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"optcollect/internal/collector"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// createRequest is the POST /api/collect payload.
type createRequest struct {
	Instruments []string `json:"instruments"`
	Expiries    []string `json:"expiries,omitempty"`
	Interval    string   `json:"interval,omitempty"`
	Workers     int      `json:"workers,omitempty"`
}

// refetchRequest is the POST /api/collect/refetch payload.
type refetchRequest struct {
	InstrumentKey string `json:"instrument_key" binding:"required"`
	Expiry        string `json:"expiry" binding:"required"`
}

const createSchemaJSON = `{
	"type": "object",
	"required": ["instruments"],
	"properties": {
		"instruments": {
			"type": "array",
			"minItems": 1,
			"items": {"type": "string", "minLength": 1}
		},
		"expiries": {
			"type": "array",
			"items": {"type": "string", "pattern": "^\\d{4}-\\d{2}-\\d{2}$"}
		},
		"interval": {"type": "string"},
		"workers": {"type": "integer", "minimum": 0, "maximum": 16}
	},
	"additionalProperties": false
}`

var createSchema = jsonschema.MustCompileString("collect.json", createSchemaJSON)

// parseCreateRequest validates the raw body against the schema before
// decoding, so shape errors surface with a schema message instead of a
// half-populated struct.
func parseCreateRequest(body []byte) (createRequest, error) {
	var req createRequest
	var doc any
	if err := json.Unmarshal(body, &doc); err != nil {
		return req, fmt.Errorf("body is not valid JSON: %w", err)
	}
	if err := createSchema.Validate(doc); err != nil {
		return req, fmt.Errorf("invalid request: %w", err)
	}
	if err := json.Unmarshal(body, &req); err != nil {
		return req, err
	}
	return req, nil
}

func (r createRequest) toParams() (collector.Params, error) {
	params := collector.Params{
		Interval: strings.TrimSpace(r.Interval),
		Workers:  r.Workers,
	}
	for _, key := range r.Instruments {
		params.InstrumentKeys = append(params.InstrumentKeys, strings.TrimSpace(key))
	}
	for _, raw := range r.Expiries {
		d, err := time.Parse("2006-01-02", raw)
		if err != nil {
			return params, fmt.Errorf("invalid expiry %q", raw)
		}
		params.Expiries = append(params.Expiries, d)
	}
	return params, nil
}
