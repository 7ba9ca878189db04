package core

import (
	"errors"
	"net/http"
)

// Problem captures the information returned in an RFC 7807 error response.
type Problem struct {
	Type     string
	Title    string
	Status   int
	Detail   string
	Instance string
	Extras   map[string]any
}

// NormalizeProblem ensures the provided problem includes canonical defaults.
func NormalizeProblem(problem *Problem) *Problem {
	if problem == nil {
		problem = &Problem{}
	}
	if problem.Status == 0 {
		problem.Status = http.StatusInternalServerError
	}
	if problem.Title == "" {
		problem.Title = http.StatusText(problem.Status)
	}
	if problem.Type == "" {
		problem.Type = "about:blank"
	}
	return problem
}

// BuildProblemBody assembles the serialized representation of the problem.
func BuildProblemBody(problem *Problem) map[string]any {
	body := map[string]any{
		"status": problem.Status,
		"error":  problem.Title,
	}
	if problem.Detail != "" {
		body["details"] = problem.Detail
	}
	if problem.Type != "" {
		body["type"] = problem.Type
	}
	if problem.Instance != "" {
		body["instance"] = problem.Instance
	}
	for key, value := range problem.Extras {
		if !isReservedProblemKey(key) {
			body[key] = value
		}
	}
	if code, ok := problem.Extras["code"]; ok {
		body["code"] = code
	}
	return body
}

func isReservedProblemKey(key string) bool {
	switch key {
	case "status", "error", "details", "code", "type", "instance":
		return true
	default:
		return false
	}
}

// ProblemFromError maps a typed engine error onto a problem document.
func ProblemFromError(err error) *Problem {
	code := CodeOf(err)
	status := statusForCode(code)
	detail := ""
	if err != nil {
		detail = err.Error()
	}
	problem := &Problem{
		Status: status,
		Title:  http.StatusText(status),
		Detail: detail,
		Extras: map[string]any{"code": code},
	}
	var typed *Error
	if errors.As(err, &typed) {
		problem.Detail = typed.Message
		for key, value := range typed.Details {
			if problem.Extras == nil {
				problem.Extras = map[string]any{}
			}
			if key != "code" {
				problem.Extras[key] = value
			}
		}
	}
	return NormalizeProblem(problem)
}

func statusForCode(code string) int {
	switch code {
	case CodeNoProfileFound, CodeAmbiguous, CodeFormattingFailed, CodeInvalidArgument:
		return http.StatusUnprocessableEntity
	case CodeSourceFetch:
		return http.StatusBadGateway
	case CodeTimedOut:
		return http.StatusGatewayTimeout
	case CodeJobNotFound:
		return http.StatusNotFound
	case CodeQueueFull:
		return http.StatusTooManyRequests
	case CodeAdapterConfig, CodeCacheIO, CodeInternal:
		return http.StatusInternalServerError
	default:
		return http.StatusInternalServerError
	}
}
