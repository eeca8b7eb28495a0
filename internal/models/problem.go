package models

import (
	"encoding/json"
	"net/http"
)

// Problem — тело ошибки в стиле RFC 7807 (application/problem+json).
type Problem struct {
	Title  string            `json:"title"`
	Detail string            `json:"detail,omitempty"`
	Status int               `json:"status"`
	Fields map[string]string `json:"fields,omitempty"`
}

func WriteProblem(w http.ResponseWriter, status int, title, detail string, fields map[string]string) {
	w.Header().Set("Content-Type", "application/problem+json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(Problem{
		Title:  title,
		Detail: detail,
		Status: status,
		Fields: fields,
	})
}

// WriteStatus — протокольный ответ устройствам и CLI: {success, status}.
// Доменные отказы едут с HTTP 200, как того ждут агенты на устройствах.
func WriteStatus(w http.ResponseWriter, success bool, status string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"success": success,
		"status":  status,
	})
}
