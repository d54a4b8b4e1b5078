package main

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
)

func main() {
	if len(os.Args) < 2 {
		log.Fatalf("Usage: go run ./cmd/make-call <number> [client_name]")
	}

	baseURL := "http://localhost:8080"
	if url := os.Getenv("API_URL"); url != "" {
		baseURL = url
	}

	payload := map[string]string{"number": os.Args[1]}
	if len(os.Args) > 2 {
		payload["client_name"] = os.Args[2]
	}

	fmt.Println("========================================")
	fmt.Printf("Making Call to %s\n", payload["number"])
	fmt.Println("========================================")

	req := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30 * time.Second).
		R().
		SetBody(payload)
	if token := os.Getenv("API_TOKEN"); token != "" {
		req.SetAuthToken(token)
	}

	resp, err := req.Post("/api/initiate_call")
	if err != nil {
		log.Fatalf("Failed to initiate call: %v", err)
	}
	if resp.IsError() {
		log.Fatalf("Call initiation failed (Status: %d)\nResponse: %s", resp.StatusCode(), resp.String())
	}

	var result struct {
		CallSID string `json:"call_sid"`
		Message string `json:"message"`
	}
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		log.Fatalf("Failed to parse response: %v\nResponse: %s", err, resp.String())
	}

	fmt.Println("✅ Call initiated")
	fmt.Printf("   Call SID: %s\n", result.CallSID)
	fmt.Println()
	fmt.Println("The call record appears once the conversation ends. Look it up with:")
	fmt.Println("   go run ./cmd/check-call <conversation_id>")
}
