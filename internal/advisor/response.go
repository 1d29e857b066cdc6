package advisor

import (
	"fmt"
	"strings"
	"time"

	"fib-pocket-bot-go/internal/models"

	"github.com/santhosh-tekuri/jsonschema/v5"
	"github.com/tidwall/gjson"
)

// Decision is the advisor's verdict. Anything outside the allow-list is a schema error.
type Decision string

const (
	DecisionApprove       Decision = "APPROVE"
	DecisionAdjust        Decision = "ADJUST"
	DecisionReject        Decision = "REJECT"
	DecisionHold          Decision = "HOLD"
	DecisionAdd           Decision = "ADD"
	DecisionReduce        Decision = "REDUCE"
	DecisionEmergencyExit Decision = "EMERGENCY_EXIT"
)

// Response is a validated advisor reply. SizeOrAmount is always a fraction in [0,1].
type Response struct {
	Decision     Decision `json:"decision"`
	SizeOrAmount float64  `json:"size_or_amount"`
	Reasoning    string   `json:"reasoning"`
	Confidence   float64  `json:"confidence"`
}

// TimeoutError is returned when the advisor did not answer within the bound.
type TimeoutError struct {
	Trigger models.Trigger
	After   time.Duration
}

func (e *TimeoutError) Error() string {
	return fmt.Sprintf("advisor timed out after %s on %s", e.After, e.Trigger)
}

// SchemaError is returned for replies that are not valid JSON or fail the schema.
type SchemaError struct {
	Reason string
	Raw    string
}

func (e *SchemaError) Error() string {
	return "advisor reply rejected: " + e.Reason
}

const responseSchema = `{
  "type": "object",
  "required": ["decision", "size_or_amount", "reasoning", "confidence"],
  "properties": {
    "decision": {"enum": ["APPROVE", "ADJUST", "REJECT", "HOLD", "ADD", "REDUCE", "EMERGENCY_EXIT"]},
    "size_or_amount": {"type": "number", "minimum": 0, "maximum": 100},
    "reasoning": {"type": "string", "minLength": 1},
    "confidence": {"type": "number", "minimum": 0, "maximum": 1}
  }
}`

var compiledSchema = mustCompile(responseSchema)

func mustCompile(raw string) *jsonschema.Schema {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("advisor_response.json", strings.NewReader(raw)); err != nil {
		panic(err)
	}
	s, err := c.Compile("advisor_response.json")
	if err != nil {
		panic(err)
	}
	return s
}

// ParseResponse extracts the JSON object from the advisor text and validates it.
// Amounts above 1 are read as percentages.
func ParseResponse(text string) (Response, error) {
	raw := extractJSON(text)
	if raw == "" || !gjson.Valid(raw) {
		return Response{}, &SchemaError{Reason: "no JSON object in reply", Raw: text}
	}
	parsed := gjson.Parse(raw)
	if !parsed.IsObject() {
		return Response{}, &SchemaError{Reason: "reply is not an object", Raw: raw}
	}
	if err := compiledSchema.Validate(parsed.Value()); err != nil {
		return Response{}, &SchemaError{Reason: err.Error(), Raw: raw}
	}

	resp := Response{
		Decision:     Decision(parsed.Get("decision").String()),
		SizeOrAmount: parsed.Get("size_or_amount").Float(),
		Reasoning:    strings.TrimSpace(parsed.Get("reasoning").String()),
		Confidence:   parsed.Get("confidence").Float(),
	}
	if resp.SizeOrAmount > 1 {
		resp.SizeOrAmount /= 100
	}
	return resp, nil
}

// extractJSON strips a ```json fence or surrounding prose and returns the outermost object.
func extractJSON(text string) string {
	s := strings.TrimSpace(text)
	if i := strings.Index(s, "```json"); i >= 0 {
		s = s[i+len("```json"):]
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	} else if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end <= start {
		return ""
	}
	return s[start : end+1]
}
