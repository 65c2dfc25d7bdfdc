// Command schedctl is the operator CLI: submit tasks, check status, and
// manage the dead-letter queue against a running schedd instance.
package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}

	baseURL := os.Getenv("SCHED_SERVER_URL")
	if baseURL == "" {
		baseURL = "http://localhost:8080"
	}

	switch os.Args[1] {
	case "submit":
		cmdSubmit(baseURL, os.Args[2:])
	case "status":
		cmdStatus(baseURL, os.Args[2:])
	case "list":
		cmdList(baseURL)
	case "dlq":
		cmdDLQ(baseURL, os.Args[2:])
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  schedctl submit -type T -priority P [-deps 1,2,3] [-max-attempts N] '{"json":"payload"}'
  schedctl status <id>
  schedctl list
  schedctl dlq list
  schedctl dlq retry <id>`)
}

func cmdSubmit(baseURL string, args []string) {
	var typ, priority, deps, payload string
	var maxAttempts *int
	i := 0
	for i < len(args) {
		switch args[i] {
		case "-type":
			i++
			typ = args[i]
		case "-priority":
			i++
			priority = args[i]
		case "-deps":
			i++
			deps = args[i]
		case "-max-attempts":
			i++
			n, _ := strconv.Atoi(args[i])
			maxAttempts = &n
		default:
			payload = args[i]
		}
		i++
	}

	var data map[string]any
	if payload != "" {
		if err := json.Unmarshal([]byte(payload), &data); err != nil {
			fail(fmt.Errorf("invalid json payload: %w", err))
		}
	}

	dependencies := parseIDList(deps)

	body, _ := json.Marshal(map[string]any{
		"type":         typ,
		"data":         data,
		"priority":     priority,
		"dependencies": dependencies,
		"max_retries":  maxAttempts,
	})
	resp, err := http.Post(baseURL+"/v1/tasks", "application/json", bytes.NewReader(body))
	if err != nil {
		fail(err)
	}
	defer resp.Body.Close()
	printBody(resp)
}

func cmdStatus(baseURL string, args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	resp, err := http.Get(fmt.Sprintf("%s/v1/tasks/%s", baseURL, args[0]))
	if err != nil {
		fail(err)
	}
	defer resp.Body.Close()
	printBody(resp)
}

func cmdList(baseURL string) {
	resp, err := http.Get(baseURL + "/v1/tasks")
	if err != nil {
		fail(err)
	}
	defer resp.Body.Close()
	printBody(resp)
}

func cmdDLQ(baseURL string, args []string) {
	if len(args) < 1 {
		usage()
		os.Exit(1)
	}
	switch args[0] {
	case "list":
		resp, err := http.Get(baseURL + "/v1/dlq")
		if err != nil {
			fail(err)
		}
		defer resp.Body.Close()
		printBody(resp)
	case "retry":
		if len(args) < 2 {
			usage()
			os.Exit(1)
		}
		resp, err := http.Post(fmt.Sprintf("%s/v1/dlq/%s/requeue", baseURL, args[1]), "application/json", nil)
		if err != nil {
			fail(err)
		}
		defer resp.Body.Close()
		printBody(resp)
	default:
		usage()
		os.Exit(1)
	}
}

func parseIDList(s string) []int64 {
	if s == "" {
		return nil
	}
	out := make([]int64, 0)
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == ',' {
			if i > start {
				n, err := strconv.ParseInt(s[start:i], 10, 64)
				if err == nil {
					out = append(out, n)
				}
			}
			start = i + 1
		}
	}
	return out
}

func printBody(resp *http.Response) {
	data, _ := io.ReadAll(resp.Body)
	var pretty bytes.Buffer
	if json.Indent(&pretty, data, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(data))
	}
}

func fail(err error) {
	fmt.Fprintln(os.Stderr, "error:", err)
	os.Exit(1)
}
