package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/go-resty/resty/v2"
)

func main() {
	if len(os.Args) < 2 {
		log.Fatalf("Usage: go run ./cmd/check-call <call_id>")
	}
	callID := os.Args[1]

	baseURL := "http://localhost:8080"
	if url := os.Getenv("API_URL"); url != "" {
		baseURL = url
	}

	fmt.Println("========================================")
	fmt.Printf("Checking Call: %s\n", callID)
	fmt.Println("========================================")

	req := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(30*time.Second).
		R().
		SetPathParam("call_id", callID)
	if token := os.Getenv("API_TOKEN"); token != "" {
		req.SetAuthToken(token)
	}

	resp, err := req.Get("/api/call/{call_id}")
	if err != nil {
		log.Fatalf("Failed to fetch call: %v", err)
	}
	if resp.StatusCode() == http.StatusNotFound {
		fmt.Println("❌ No record for this call yet. Records are written when the post-call webhook arrives.")
		os.Exit(1)
	}
	if resp.IsError() {
		log.Fatalf("Lookup failed (Status: %d)\nResponse: %s", resp.StatusCode(), resp.String())
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, resp.Body(), "", "  "); err != nil {
		fmt.Println(resp.String())
		return
	}
	fmt.Println(pretty.String())
}
