package api

import (
	"encoding/json"
	"net/http"
)

// problem is an RFC 7807 problem document
type problem struct {
	Status int    `json:"status"`
	Title  string `json:"title"`
}

func writeProblem(w http.ResponseWriter, status int, title string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(problem{Status: status, Title: title})
}
