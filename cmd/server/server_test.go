//go:build integration

package main

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	_ "github.com/lib/pq"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// setupTestDB creates a PostgreSQL testcontainer and runs migrations
func setupTestDB(t *testing.T) (*sql.DB, func()) {
	ctx := context.Background()

	req := testcontainers.ContainerRequest{
		Image:        "postgres:16-alpine",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_PASSWORD": "password",
			"POSTGRES_DB":       "testdb",
		},
		WaitingFor: wait.ForLog("database system is ready to accept connections").
			WithOccurrence(2).
			WithStartupTimeout(60 * time.Second),
	}

	postgres, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: req,
		Started:          true,
	})
	if err != nil {
		t.Fatalf("Failed to start postgres container: %v", err)
	}

	host, err := postgres.Host(ctx)
	if err != nil {
		t.Fatalf("Failed to get container host: %v", err)
	}

	port, err := postgres.MappedPort(ctx, "5432")
	if err != nil {
		t.Fatalf("Failed to get container port: %v", err)
	}

	connStr := fmt.Sprintf("postgres://postgres:password@%s:%s/testdb?sslmode=disable", host, port.Port())

	db, err := sql.Open("postgres", connStr)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}

	// Wait for database to be ready
	for i := 0; i < 30; i++ {
		if err := db.Ping(); err == nil {
			break
		}
		time.Sleep(100 * time.Millisecond)
	}

	// Run migrations
	migrationSQL, err := os.ReadFile("../../migrations/000001_initial_schema.up.sql")
	if err != nil {
		t.Fatalf("Failed to read migration file: %v", err)
	}

	if _, err := db.Exec(string(migrationSQL)); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}

	cleanup := func() {
		db.Close()
		postgres.Terminate(ctx)
	}

	return db, cleanup
}

// TestEndToEnd_ChangeDrivenExecution tests the complete workflow:
// 1. Create a rule
// 2. Seed a case and its template
// 3. Post the classified change
// 4. Replay the change and verify no duplicate
// 5. Inspect the execution history and audit trail
func TestEndToEnd_ChangeDrivenExecution(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	server, err := NewServerWithDB(context.Background(), db, slog.Default())
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}

	go func() {
		if err := http.ListenAndServe(":8090", server); err != nil && err != http.ErrServerClosed {
			t.Logf("Server error: %v", err)
		}
	}()

	time.Sleep(500 * time.Millisecond)

	baseURL := "http://localhost:8090/api/v1"

	// Seed the template and the case the rule will act on.
	if _, err := db.Exec(`INSERT INTO templates (key, subject, body) VALUES
		('quote_followup', 'Your quote {{.Reference}}', 'Hello {{.ClientName}}, any questions?')`); err != nil {
		t.Fatalf("Failed to seed template: %v", err)
	}
	caseID := uuid.NewString()
	if _, err := db.Exec(`INSERT INTO cases (id, reference, status, client_name, email, passengers, total_amount)
		VALUES ($1, 'DOS-2025-0001', 'quoted', 'Marie Dupont', 'marie@example.com', 30, 4500)`, caseID); err != nil {
		t.Fatalf("Failed to seed case: %v", err)
	}

	// Step 1: Create rule
	t.Log("Step 1: Creating rule...")
	createRuleReq := map[string]interface{}{
		"name":         "quote follow-up",
		"triggerEvent": "quote_accepted",
		"actionType":   "send_notification",
		"actionConfig": map[string]interface{}{
			"template": "quote_followup",
		},
		"maxRepeats": 1,
		"active":     true,
	}
	ruleResp := makeRequest(t, "POST", baseURL+"/rules/", createRuleReq)
	ruleID := ruleResp["id"].(string)
	t.Logf("Created rule: %s", ruleID)

	// Step 2: Post the change
	t.Log("Step 2: Posting quote-accepted change...")
	changeReq := map[string]interface{}{
		"table":         "quotes",
		"operationType": "update",
		"record":        map[string]interface{}{"case_id": caseID, "status": "accepted"},
		"oldRecord":     map[string]interface{}{"case_id": caseID, "status": "sent"},
	}
	report := makeRequest(t, "POST", baseURL+"/automation/change", changeReq)
	if executions, ok := report["executions"].(float64); !ok || executions != 1 {
		t.Fatalf("Expected 1 execution, got %v", report)
	}

	// Step 3: Replay the same change; the execution record blocks a rerun.
	t.Log("Step 3: Replaying the change...")
	report = makeRequest(t, "POST", baseURL+"/automation/change", changeReq)
	if executions, ok := report["executions"].(float64); !ok || executions != 0 {
		t.Errorf("Replay produced executions: %v", report)
	}
	if skipped, ok := report["skipped"].(float64); !ok || skipped != 1 {
		t.Errorf("Expected replay to skip, got %v", report)
	}

	// Step 4: Execution history shows one completed record.
	t.Log("Step 4: Checking execution history...")
	execResp := makeRequestNoBody(t, "GET", baseURL+"/cases/"+caseID+"/executions")
	executions, ok := execResp["executions"].([]interface{})
	if !ok || len(executions) != 1 {
		t.Fatalf("Expected 1 execution record, got %v", execResp)
	}
	rec := executions[0].(map[string]interface{})
	if rec["ruleId"].(string) != ruleID {
		t.Errorf("Execution ruleId = %v, want %s", rec["ruleId"], ruleID)
	}
	if rec["status"].(string) != "completed" {
		t.Errorf("Execution status = %v, want completed", rec["status"])
	}
	if rec["executionCount"].(float64) != 1 {
		t.Errorf("Execution count = %v, want 1", rec["executionCount"])
	}

	// Step 5: Audit trail recorded the dispatch.
	t.Log("Step 5: Checking audit trail...")
	auditResp := makeRequestNoBody(t, "GET", baseURL+"/cases/"+caseID+"/audit")
	entries, ok := auditResp["entries"].([]interface{})
	if !ok || len(entries) != 1 {
		t.Fatalf("Expected 1 audit entry, got %v", auditResp)
	}

	t.Log("End-to-end test completed successfully!")
}

// TestEndToEnd_SweepAndStop exercises the sweep pass and the operator stop.
func TestEndToEnd_SweepAndStop(t *testing.T) {
	db, cleanup := setupTestDB(t)
	defer cleanup()

	server, err := NewServerWithDB(context.Background(), db, slog.Default())
	if err != nil {
		t.Fatalf("Failed to create server: %v", err)
	}

	go func() {
		if err := http.ListenAndServe(":8091", server); err != nil && err != http.ErrServerClosed {
			t.Logf("Server error: %v", err)
		}
	}()

	time.Sleep(500 * time.Millisecond)

	baseURL := "http://localhost:8091/api/v1"

	caseID := uuid.NewString()
	if _, err := db.Exec(`INSERT INTO cases (id, reference, status, client_name, email, departure_date, total_amount)
		VALUES ($1, 'DOS-2025-0002', 'confirmed', 'Paul Martin', 'paul@example.com', NOW() + INTERVAL '10 days', 2000)`, caseID); err != nil {
		t.Fatalf("Failed to seed case: %v", err)
	}

	// A repeating reminder that stays eligible while the balance is unpaid.
	createRuleReq := map[string]interface{}{
		"name":         "balance chase",
		"triggerEvent": "departure_reminder",
		"conditions": map[string]interface{}{
			"daysBefore":     30,
			"balancePending": true,
		},
		"actionType": "notify_operator",
		"actionConfig": map[string]interface{}{
			"message": "Balance still pending close to departure",
		},
		"repeatIntervalHours": 72,
		"maxRepeats":          3,
		"active":              true,
	}
	makeRequest(t, "POST", baseURL+"/rules/", createRuleReq)

	// Step 1: A sweep fires the reminder once.
	t.Log("Step 1: Running sweep...")
	report := makeRequest(t, "POST", baseURL+"/automation/sweep", nil)
	if executions, ok := report["executions"].(float64); !ok || executions != 1 {
		t.Fatalf("Expected 1 execution from sweep, got %v", report)
	}

	// Step 2: A second sweep is inside the repeat interval.
	t.Log("Step 2: Running second sweep...")
	report = makeRequest(t, "POST", baseURL+"/automation/sweep", nil)
	if executions, ok := report["executions"].(float64); !ok || executions != 0 {
		t.Errorf("Second sweep fired again: %v", report)
	}

	// Step 3: Stop the pending execution.
	t.Log("Step 3: Stopping the execution...")
	execResp := makeRequestNoBody(t, "GET", baseURL+"/cases/"+caseID+"/executions")
	executions := execResp["executions"].([]interface{})
	if len(executions) != 1 {
		t.Fatalf("Expected 1 execution record, got %v", execResp)
	}
	executionID := executions[0].(map[string]interface{})["id"].(string)

	stopped := makeRequest(t, "POST", baseURL+"/executions/"+executionID+"/stop", nil)
	if stopped["status"].(string) != "stopped" {
		t.Errorf("Stop returned status %v, want stopped", stopped["status"])
	}

	// Step 4: Later sweeps leave the stopped pair alone even after a forced
	// next-execution time in the past.
	if _, err := db.Exec(`UPDATE executions SET next_execution_at = NOW() - INTERVAL '1 hour' WHERE id = $1`, executionID); err != nil {
		t.Fatalf("Failed to backdate execution: %v", err)
	}
	report = makeRequest(t, "POST", baseURL+"/automation/sweep", nil)
	if executions, ok := report["executions"].(float64); !ok || executions != 0 {
		t.Errorf("Sweep fired a stopped execution: %v", report)
	}

	t.Log("Sweep-and-stop test completed successfully!")
}

// Helper function to make HTTP requests with JSON body
func makeRequest(t *testing.T, method, url string, body interface{}) map[string]interface{} {
	resp, err := makeHTTPRequest(method, url, body)
	if err != nil {
		t.Fatalf("Failed to make %s request to %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		t.Fatalf("Request failed with status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	return result
}

// Helper function to make HTTP requests without body
func makeRequestNoBody(t *testing.T, method, url string) map[string]interface{} {
	req, err := http.NewRequest(method, url, nil)
	if err != nil {
		t.Fatalf("Failed to create request: %v", err)
	}

	client := &http.Client{Timeout: 5 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		t.Fatalf("Failed to make %s request to %s: %v", method, url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		t.Fatalf("Request failed with status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	var result map[string]interface{}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		t.Fatalf("Failed to decode response: %v", err)
	}

	return result
}

// Helper function to make raw HTTP requests
func makeHTTPRequest(method, url string, body interface{}) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBytes, err := json.Marshal(body)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal body: %w", err)
		}
		bodyReader = bytes.NewReader(jsonBytes)
	}

	req, err := http.NewRequest(method, url, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 5 * time.Second}
	return client.Do(req)
}
