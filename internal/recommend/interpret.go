package recommend

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"mime"
	"strings"
)

var errNoRecommendations = errors.New(`body has no "recommendations" array`)

// Interpret maps a completed HTTP exchange to an Outcome. The order is fixed:
// a body declared as JSON must decode, an undeclared body that decodes is
// still a success, and anything else is surfaced verbatim as the message.
func Interpret(status int, contentType string, body []byte) Outcome {
	if status < 200 || status > 299 {
		reason := string(body)
		if strings.TrimSpace(reason) == "" {
			reason = fmt.Sprintf("server returned status %d", status)
		}
		o := Failure(KindServerError, reason)
		o.Status = status
		return o
	}

	if declaresJSON(contentType) {
		result, err := decodeResult(body)
		if err != nil {
			o := Failure(KindMalformedResponse, "could not parse recommendations: "+err.Error())
			o.Status = status
			o.cause = err
			return o
		}
		return Success(result, status)
	}

	if result, err := decodeResult(body); err == nil {
		return Success(result, status)
	}

	text := string(body)
	if strings.TrimSpace(text) == "" {
		o := Failure(KindMalformedResponse, "empty response")
		o.Status = status
		return o
	}
	o := Failure(KindMessage, text)
	o.Status = status
	return o
}

func declaresJSON(contentType string) bool {
	if contentType == "" {
		return false
	}
	mediaType, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return false
	}
	return mediaType == "application/json" || strings.HasSuffix(mediaType, "+json")
}

// decodeResult accepts only objects that carry a recommendations array, so a
// stray JSON string or an unrelated object is never reported as a result.
func decodeResult(body []byte) (*Result, error) {
	var probe struct {
		Recommendations json.RawMessage `json:"recommendations"`
	}
	if err := json.Unmarshal(body, &probe); err != nil {
		return nil, err
	}
	raw := bytes.TrimSpace(probe.Recommendations)
	if len(raw) == 0 || raw[0] != '[' {
		return nil, errNoRecommendations
	}
	var result Result
	if err := json.Unmarshal(body, &result); err != nil {
		return nil, err
	}
	return &result, nil
}
