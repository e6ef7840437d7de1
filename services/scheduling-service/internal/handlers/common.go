package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const dateLayout = "2006-01-02"

// shopIDFromRequest trusts the gateway-verified tenant header, with a query
// parameter fallback for direct/dev calls.
func shopIDFromRequest(r *http.Request) string {
	if shop := strings.TrimSpace(r.Header.Get("X-Shop-Id")); shop != "" {
		return shop
	}
	return strings.TrimSpace(r.URL.Query().Get("shop_id"))
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	payload, err := json.Marshal(body)
	if err != nil {
		http.Error(w, "failed to build response", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_, _ = w.Write(payload)
}

func parseDate(raw string) (time.Time, error) {
	return time.ParseInLocation(dateLayout, strings.TrimSpace(raw), time.UTC)
}

func minuteClock(minute int) string {
	return fmt.Sprintf("%02d:%02d", minute/60, minute%60)
}
