// Package main implements a mock agent binary for exercising the
// orchestrator end to end. It pretends to work by writing activity lines
// to stdout (which the exec runtime redirects to the watched log file),
// then reports completion back to the admin API with a structured output
// map, exactly as a real agent wrapper would.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"net/http"
	"os"
	"time"
)

func main() {
	var (
		apiURL   = flag.String("api", "http://127.0.0.1:8080", "admin API base URL")
		issue    = flag.String("issue", os.Getenv("NEXUS_ISSUE_NUMBER"), "issue number")
		agent    = flag.String("agent", os.Getenv("NEXUS_AGENT_TYPE"), "agent type")
		work     = flag.Duration("work", 2*time.Second, "simulated work duration")
		failWith = flag.String("fail", "", "report failure with this error instead of success")
		next     = flag.String("next", "", "next agent hint placed in outputs")
	)
	flag.Parse()

	if *issue == "" || *agent == "" {
		fmt.Fprintln(os.Stderr, "mock-agent: --issue and --agent are required (or NEXUS_ISSUE_NUMBER / NEXUS_AGENT_TYPE)")
		os.Exit(2)
	}

	fmt.Printf("mock-agent %s starting on issue %s\n", *agent, *issue)

	// Periodic activity keeps the log mtime fresh so the monitor does not
	// count us as stuck.
	deadline := time.Now().Add(*work)
	for time.Now().Before(deadline) {
		fmt.Printf("mock-agent %s working...\n", *agent)
		time.Sleep(500 * time.Millisecond)
	}

	outputs := map[string]any{
		"summary": fmt.Sprintf("%s finished issue %s", *agent, *issue),
	}
	if *next != "" {
		outputs["next_agent"] = *next
	}
	if *failWith != "" {
		outputs["status"] = "failed"
		outputs["error"] = *failWith
	}

	if err := reportCompletion(*apiURL, *issue, *agent, outputs); err != nil {
		fmt.Fprintf(os.Stderr, "mock-agent: completion report failed: %v\n", err)
		os.Exit(1)
	}
	fmt.Printf("mock-agent %s done\n", *agent)
}

func reportCompletion(apiURL, issue, agent string, outputs map[string]any) error {
	body, err := json.Marshal(map[string]any{
		"agent_type": agent,
		"outputs":    outputs,
		"event_id":   fmt.Sprintf("mock-%s-%s-%d", issue, agent, time.Now().UnixNano()),
	})
	if err != nil {
		return err
	}

	url := fmt.Sprintf("%s/api/v1/workflows/%s/complete", apiURL, issue)
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Post(url, "application/json", bytes.NewReader(body))
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("admin API returned status %d", resp.StatusCode)
	}
	return nil
}
