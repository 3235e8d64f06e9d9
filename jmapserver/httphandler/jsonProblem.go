package httphandler

import (
	"encoding/json"
	"fmt"
	"net/http"
)

const (
	HeaderContentType        = "Content-Type"
	HeaderContentTypeJSON    = "application/json"
	HeaderContentTypeProblem = "application/problem+json"
)

// JSONProblem is a request-level error response conforming to RFC 7807,
// served with the application/problem+json content type. The type urns for
// JMAP request-level errors come from RFC 8620 section 3.6.1.
type JSONProblem struct {
	Type   string `json:"type"`
	Title  string `json:"title,omitempty"`
	Detail string `json:"detail,omitempty"`
	Status int    `json:"status,omitempty"`

	// Limit names the violated limit for urn:ietf:params:jmap:error:limit.
	Limit string `json:"limit,omitempty"`
}

func (jp *JSONProblem) Error() string {
	s := fmt.Sprintf("request level error %s", jp.Type)
	if jp.Detail != "" {
		s += " (" + jp.Detail + ")"
	}
	return s
}

func NewRequestLevelErrorNotFound() *JSONProblem {
	return &JSONProblem{
		Type:   "about:blank",
		Title:  "not found",
		Status: http.StatusNotFound,
	}
}

func NewRequestLevelErrorNotJSON(detail string) *JSONProblem {
	return &JSONProblem{
		Type:   "urn:ietf:params:jmap:error:notJSON",
		Title:  "request did not parse as json",
		Detail: detail,
		Status: http.StatusBadRequest,
	}
}

func NewRequestLevelErrorNotRequest(detail string) *JSONProblem {
	return &JSONProblem{
		Type:   "urn:ietf:params:jmap:error:notRequest",
		Title:  "json is not a valid jmap request",
		Detail: detail,
		Status: http.StatusBadRequest,
	}
}

func NewRequestLevelErrorUnknownCapability(detail string) *JSONProblem {
	return &JSONProblem{
		Type:   "urn:ietf:params:jmap:error:unknownCapability",
		Title:  "unknown capability",
		Detail: detail,
		Status: http.StatusBadRequest,
	}
}

func NewRequestLevelErrorLimit(limit, detail string) *JSONProblem {
	return &JSONProblem{
		Type:   "urn:ietf:params:jmap:error:limit",
		Title:  "request exceeds a server limit",
		Detail: detail,
		Status: http.StatusBadRequest,
		Limit:  limit,
	}
}

// writeProblem sends a request-level error. Success responses use
// application/json, errors are distinguishable by content type alone.
func writeProblem(w http.ResponseWriter, p *JSONProblem) {
	status := p.Status
	if status == 0 {
		status = http.StatusBadRequest
	}
	w.Header().Set(HeaderContentType, HeaderContentTypeProblem)
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(p); err != nil {
		// Hardcoded fallback if marshalling fails.
		fmt.Fprintf(w, `{"type":"about:blank","title":"internal server error"}`)
	}
}
