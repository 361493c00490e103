package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/alanyoungcy/booklots/internal/domain"
)

// writeJSON marshals v as JSON and writes it with the given status. A
// marshal failure falls back to a plain 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_, _ = w.Write(data)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// parseListOpts reads limit/offset from the query string.
// Defaults: limit=50 (max 500), offset=0.
func parseListOpts(r *http.Request) domain.ListOpts {
	q := r.URL.Query()

	limit := 50
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	if limit > 500 {
		limit = 500
	}

	offset := 0
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			offset = n
		}
	}

	return domain.ListOpts{Limit: limit, Offset: offset}
}

// parseTimeWindow fills opts.Since and opts.Until from the RFC3339 "since"
// and "until" query parameters.
func parseTimeWindow(r *http.Request, opts *domain.ListOpts) error {
	q := r.URL.Query()
	for _, p := range []struct {
		name string
		dst  **time.Time
	}{
		{"since", &opts.Since},
		{"until", &opts.Until},
	} {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return fmt.Errorf("%s must be an RFC3339 timestamp", p.name)
		}
		*p.dst = &t
	}
	if opts.Since != nil && opts.Until != nil && opts.Until.Before(*opts.Since) {
		return fmt.Errorf("until must not be before since")
	}
	return nil
}
