// verify-cli is a small operator tool against a running verifyd: query a
// subject's verification standing, start methods, and revoke completions.
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"

	"github.com/google/uuid"
)

func main() {
	base := flag.String("addr", envOr("VERIFYD_ADDR", "http://localhost:8080"), "verifyd base URL")
	flag.Parse()

	args := flag.Args()
	if len(args) < 2 {
		usage()
		os.Exit(2)
	}
	cmd, subjectID := args[0], args[1]
	client := &http.Client{Timeout: 10 * time.Second}

	var err error
	switch cmd {
	case "status":
		err = get(client, *base+"/v1/subjects/"+subjectID+"/verification")
	case "next-level":
		err = get(client, *base+"/v1/subjects/"+subjectID+"/next-level")
	case "method":
		if len(args) < 3 {
			usage()
			os.Exit(2)
		}
		err = get(client, *base+"/v1/subjects/"+subjectID+"/methods/"+args[2])
	case "start":
		if len(args) < 3 {
			usage()
			os.Exit(2)
		}
		body := map[string]interface{}{"command_id": uuid.New().String()}
		if len(args) > 3 {
			params := map[string]interface{}{}
			if err := json.Unmarshal([]byte(args[3]), &params); err != nil {
				fmt.Fprintf(os.Stderr, "bad params JSON: %v\n", err)
				os.Exit(2)
			}
			body["params"] = params
		}
		err = post(client, *base+"/v1/subjects/"+subjectID+"/methods/"+args[2]+"/start", body)
	case "revoke":
		if len(args) < 4 {
			usage()
			os.Exit(2)
		}
		err = post(client, *base+"/v1/subjects/"+subjectID+"/methods/"+args[2]+"/revoke", map[string]interface{}{
			"reason":     args[3],
			"actor_id":   envOr("VERIFYD_ACTOR", "cli"),
			"command_id": uuid.New().String(),
		})
	case "stuck":
		err = get(client, *base+"/v1/ops/stuck-runs")
	default:
		usage()
		os.Exit(2)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `usage:
  verify-cli status <subject-id>
  verify-cli next-level <subject-id>
  verify-cli method <subject-id> <method>
  verify-cli start <subject-id> <method> [params-json]
  verify-cli revoke <subject-id> <method> <reason>
  verify-cli stuck <any>`)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func get(client *http.Client, url string) error {
	resp, err := client.Get(url)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return dump(resp)
}

func post(client *http.Client, url string, body map[string]interface{}) error {
	raw, err := json.Marshal(body)
	if err != nil {
		return err
	}
	resp, err := client.Post(url, "application/json", bytes.NewReader(raw))
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	return dump(resp)
}

func dump(resp *http.Response) error {
	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, raw, "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(string(raw))
	}
	if resp.StatusCode >= 400 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}
