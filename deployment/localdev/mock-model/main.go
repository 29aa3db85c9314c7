// mock-model imitates an OpenAI-compatible chat completion endpoint so the
// model engine path can be exercised without real credentials.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"strings"
)

type chatRequest struct {
	Model    string `json:"model"`
	Messages []struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	} `json:"messages"`
}

type payloadEntry struct {
	Suite    string `json:"suite"`
	Case     string `json:"case"`
	Metric   string `json:"metric"`
	Kind     string `json:"kind"`
	Severity string `json:"provisional_severity"`
}

func main() {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /v1/chat/completions", func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad request", http.StatusBadRequest)
			return
		}

		entries := extractEntries(req)
		anomalies := make([]map[string]any, 0, len(entries))
		for _, entry := range entries {
			anomalies = append(anomalies, map[string]any{
				"suite":          entry.Suite,
				"case":           entry.Case,
				"metric":         entry.Metric,
				"severity":       entry.Severity,
				"confidence":     0.82,
				"primary_reason": fmt.Sprintf("sustained shift in %s/%s beyond its baseline noise band", entry.Suite, entry.Case),
				"root_causes": []map[string]any{
					{"cause": "recent toolchain or kernel change affecting this workload", "likelihood": 0.6},
					{"cause": "host contention during the measurement window", "likelihood": 0.3},
				},
				"suggested_next_checks": []string{
					"re-run the suite on the same host to confirm the shift",
					"diff kernel config and compiler flags against the previous run",
					"check dmesg and system load during the run window",
				},
			})
		}

		content, _ := json.Marshal(map[string]any{"anomalies": anomalies})
		writeJSON(w, map[string]any{
			"choices": []map[string]any{
				{"message": map[string]any{"role": "assistant", "content": string(content)}},
			},
		})
	})

	addr := ":9096"
	log.Printf("mock model endpoint listening on %s", addr)
	log.Fatal(http.ListenAndServe(addr, mux))
}

// extractEntries pulls the candidate list out of the user message payload.
func extractEntries(req chatRequest) []payloadEntry {
	for _, message := range req.Messages {
		if message.Role != "user" {
			continue
		}
		var payload struct {
			Entries []payloadEntry `json:"entries"`
		}
		if err := json.Unmarshal([]byte(strings.TrimSpace(message.Content)), &payload); err == nil {
			return payload.Entries
		}
	}
	return nil
}

func writeJSON(w http.ResponseWriter, value any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(value); err != nil {
		log.Printf("encode response: %v", err)
	}
}
