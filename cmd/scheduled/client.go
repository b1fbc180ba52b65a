package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"
)

var apiBase string

func init() {
	for _, cmd := range []*cobra.Command{scheduleCmd, handlerCmd, runNowCmd, executionsCmd} {
		cmd.PersistentFlags().StringVar(&apiBase, "api", "http://127.0.0.1:8080", "Coordinator API base URL")
	}

	scheduleAddCmd.Flags().String("handler", "", "Target handler id (required)")
	scheduleAddCmd.Flags().String("method", "", "Method to invoke (required)")
	scheduleAddCmd.Flags().String("params", "{}", "Method params as a JSON object")
	scheduleAddCmd.Flags().String("trigger", "", "Trigger as JSON, e.g. '{\"type\":\"interval\",\"seconds\":60}' (required)")
	scheduleAddCmd.Flags().String("id", "", "Schedule id (generated if omitted)")
	scheduleAddCmd.Flags().Float64("misfire-grace", 0, "Misfire grace time in seconds")
	scheduleAddCmd.Flags().String("coalesce", "", "Coalesce policy: latest, earliest, or all")
	scheduleAddCmd.MarkFlagRequired("handler")
	scheduleAddCmd.MarkFlagRequired("method")
	scheduleAddCmd.MarkFlagRequired("trigger")

	scheduleListCmd.Flags().Int("limit", 100, "Maximum schedules to return")
	scheduleListCmd.Flags().Int("offset", 0, "Pagination offset")

	runNowCmd.Flags().String("handler", "", "Target handler id (required)")
	runNowCmd.Flags().String("method", "", "Method to invoke (required)")
	runNowCmd.Flags().String("params", "{}", "Method params as a JSON object")
	runNowCmd.MarkFlagRequired("handler")
	runNowCmd.MarkFlagRequired("method")

	executionsListCmd.Flags().Int("limit", 100, "Maximum records to return")
	executionsListCmd.Flags().String("handler", "", "Filter by handler id")
	executionsListCmd.Flags().String("job", "", "Filter by job id")
	executionsListCmd.Flags().String("status", "", "Filter by status")
	executionsErrorsCmd.Flags().Int("limit", 100, "Maximum error records to return")

	scheduleCmd.AddCommand(scheduleAddCmd, scheduleListCmd, scheduleRemoveCmd)
	handlerCmd.AddCommand(handlerListCmd)
	executionsCmd.AddCommand(executionsListCmd, executionsStatsCmd, executionsErrorsCmd, executionsClearCmd)
}

// apiDo issues one request against the coordinator API and pretty-prints
// the JSON response. Non-2xx responses become errors carrying the server's
// error message.
func apiDo(method, path string, body any) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return err
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, apiBase+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := &http.Client{Timeout: 60 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	if resp.StatusCode >= 300 {
		var env struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if json.Unmarshal(raw, &env) == nil && env.Error.Message != "" {
			return fmt.Errorf("%s (HTTP %d)", env.Error.Message, resp.StatusCode)
		}
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, string(raw))
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, raw, "", "  "); err != nil {
		fmt.Println(string(raw))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}

var scheduleCmd = &cobra.Command{
	Use:   "schedule",
	Short: "Manage schedules",
}

var scheduleAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Add a schedule",
	RunE: func(cmd *cobra.Command, args []string) error {
		handler, _ := cmd.Flags().GetString("handler")
		method, _ := cmd.Flags().GetString("method")
		paramsRaw, _ := cmd.Flags().GetString("params")
		triggerRaw, _ := cmd.Flags().GetString("trigger")
		id, _ := cmd.Flags().GetString("id")
		grace, _ := cmd.Flags().GetFloat64("misfire-grace")
		coalesce, _ := cmd.Flags().GetString("coalesce")

		var params map[string]any
		if err := json.Unmarshal([]byte(paramsRaw), &params); err != nil {
			return fmt.Errorf("--params must be a JSON object: %w", err)
		}
		var trigger map[string]any
		if err := json.Unmarshal([]byte(triggerRaw), &trigger); err != nil {
			return fmt.Errorf("--trigger must be a JSON object: %w", err)
		}

		body := map[string]any{
			"handler_id": handler,
			"job_method": method,
			"job_params": params,
			"trigger":    trigger,
		}
		if id != "" {
			body["job_id"] = id
		}
		if grace > 0 {
			body["misfire_grace_time"] = grace
		}
		if coalesce != "" {
			body["coalesce"] = coalesce
		}
		return apiDo(http.MethodPost, "/api/schedule", body)
	},
}

var scheduleListCmd = &cobra.Command{
	Use:   "list",
	Short: "List schedules",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		offset, _ := cmd.Flags().GetInt("offset")
		return apiDo(http.MethodGet, fmt.Sprintf("/api/schedules?limit=%d&offset=%d", limit, offset), nil)
	},
}

var scheduleRemoveCmd = &cobra.Command{
	Use:   "remove ID",
	Short: "Remove a schedule",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		return apiDo(http.MethodDelete, "/api/schedules/"+args[0], nil)
	},
}

var handlerCmd = &cobra.Command{
	Use:   "handler",
	Short: "Inspect registered handlers",
}

var handlerListCmd = &cobra.Command{
	Use:   "list",
	Short: "List registered handlers with connectivity status",
	RunE: func(cmd *cobra.Command, args []string) error {
		return apiDo(http.MethodGet, "/api/handlers", nil)
	},
}

var runNowCmd = &cobra.Command{
	Use:   "run-now",
	Short: "Invoke a handler method immediately, bypassing the schedule store",
	RunE: func(cmd *cobra.Command, args []string) error {
		handler, _ := cmd.Flags().GetString("handler")
		method, _ := cmd.Flags().GetString("method")
		paramsRaw, _ := cmd.Flags().GetString("params")

		var params map[string]any
		if err := json.Unmarshal([]byte(paramsRaw), &params); err != nil {
			return fmt.Errorf("--params must be a JSON object: %w", err)
		}
		return apiDo(http.MethodPost, "/api/run_now", map[string]any{
			"handler_id": handler,
			"job_method": method,
			"job_params": params,
		})
	},
}

var executionsCmd = &cobra.Command{
	Use:   "executions",
	Short: "Query the execution log",
}

var executionsListCmd = &cobra.Command{
	Use:   "list",
	Short: "List recent execution records",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		handler, _ := cmd.Flags().GetString("handler")
		job, _ := cmd.Flags().GetString("job")
		status, _ := cmd.Flags().GetString("status")

		path := fmt.Sprintf("/api/executions?limit=%d", limit)
		if handler != "" {
			path += "&handler_id=" + handler
		}
		if job != "" {
			path += "&job_id=" + job
		}
		if status != "" {
			path += "&status=" + status
		}
		return apiDo(http.MethodGet, path, nil)
	},
}

var executionsStatsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show aggregate execution statistics",
	RunE: func(cmd *cobra.Command, args []string) error {
		return apiDo(http.MethodGet, "/api/executions/stats", nil)
	},
}

var executionsErrorsCmd = &cobra.Command{
	Use:   "errors",
	Short: "List recent failed executions",
	RunE: func(cmd *cobra.Command, args []string) error {
		limit, _ := cmd.Flags().GetInt("limit")
		return apiDo(http.MethodGet, fmt.Sprintf("/api/executions/errors?limit=%d", limit), nil)
	},
}

var executionsClearCmd = &cobra.Command{
	Use:   "clear",
	Short: "Clear the execution log",
	RunE: func(cmd *cobra.Command, args []string) error {
		return apiDo(http.MethodPost, "/api/executions/clear", nil)
	},
}
