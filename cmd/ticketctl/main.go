package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/spf13/pflag"
)

const usage = `ticketctl <command> [flags]

commands:
  submit       --contact --description [--issue-type]
  status       <ticket_id>
  transitions  <ticket_id>
  requests     <ticket_id>
  respond      <ticket_id> (--confirm | --rows rows.json) [--request-id]
  upload       <ticket_id> --file correction.xlsx [--request-id]
  template     <ticket_id> [--out file.xlsx]
  load         --users --c
`

// Result 记录单次请求的 HTTP 结果，便于聚合统计。
type Result struct {
	Status int
	Body   string
	Err    error
}

type client struct {
	http     *http.Client
	base     string
	opsToken string
}

func main() {
	if len(os.Args) < 2 {
		fmt.Fprint(os.Stderr, usage)
		os.Exit(2)
	}
	if err := run(os.Args[1], os.Args[2:]); err != nil {
		if errors.Is(err, pflag.ErrHelp) {
			return
		}
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

func run(cmd string, args []string) error {
	fs := pflag.NewFlagSet("ticketctl "+cmd, pflag.ContinueOnError)
	base := fs.String("base", envOr("WMS_BASE_URL", "http://localhost:8080"), "server base url")
	token := fs.String("ops-token", envOr("OPS_TOKEN", "dev-ops-token"), "token for external response endpoints")
	timeout := fs.Duration("timeout", 10*time.Second, "http timeout")

	contact := fs.String("contact", "", "user contact (submit)")
	description := fs.String("description", "", "ticket description (submit)")
	issueType := fs.String("issue-type", "", "explicit issue type (submit)")
	requestID := fs.String("request-id", "", "outstanding request id (respond/upload)")
	confirm := fs.Bool("confirm", false, "confirm data was fixed at the source (respond)")
	rowsFile := fs.String("rows", "", "JSON file with correction rows (respond)")
	file := fs.String("file", "", "xlsx correction file (upload)")
	out := fs.String("out", "", "output file (template)")
	nUsers := fs.Int("users", 50, "distinct users (load)")
	concurrency := fs.IntP("concurrency", "c", 10, "max concurrency (load)")

	if err := fs.Parse(args); err != nil {
		return err
	}
	c := &client{http: &http.Client{Timeout: *timeout}, base: *base, opsToken: *token}

	ticketArg := func() (string, error) {
		if fs.NArg() < 1 {
			return "", fmt.Errorf("%s: ticket id required", cmd)
		}
		return fs.Arg(0), nil
	}

	switch cmd {
	case "submit":
		body := map[string]any{"user_contact": *contact, "description": *description}
		if *issueType != "" {
			body["issue_type"] = *issueType
		}
		return c.print(c.postJSON("/api/tickets", body, false))
	case "status", "transitions", "requests":
		id, err := ticketArg()
		if err != nil {
			return err
		}
		path := "/api/tickets/" + id
		if cmd != "status" {
			path += "/" + cmd
		}
		return c.print(c.get(path))
	case "respond":
		id, err := ticketArg()
		if err != nil {
			return err
		}
		body := map[string]any{"request_id": *requestID, "confirmed": *confirm}
		if *rowsFile != "" {
			raw, err := os.ReadFile(*rowsFile)
			if err != nil {
				return err
			}
			var rows []map[string]any
			if err := json.Unmarshal(raw, &rows); err != nil {
				return fmt.Errorf("parse %s: %w", *rowsFile, err)
			}
			body["rows"] = rows
		}
		return c.print(c.postJSON("/api/tickets/"+id+"/response", body, true))
	case "upload":
		id, err := ticketArg()
		if err != nil {
			return err
		}
		if *file == "" {
			return errors.New("upload: --file required")
		}
		return c.print(c.upload("/api/tickets/"+id+"/reconciliation", *file, *requestID))
	case "template":
		id, err := ticketArg()
		if err != nil {
			return err
		}
		dest := *out
		if dest == "" {
			dest = id + "_correction.xlsx"
		}
		return c.download("/api/tickets/"+id+"/reconciliation/template", dest)
	case "load":
		fmt.Printf("start submit load: users=%d concurrency=%d\n", *nUsers, *concurrency)
		printSummary("distinct_users", c.runSubmit(*nUsers, *concurrency, false))
		// 同一用户重复提交，触发提交限流
		printSummary("rate_limit", c.runSubmit(*nUsers, *concurrency, true))
		return nil
	case "help", "-h", "--help":
		fmt.Print(usage)
		return nil
	default:
		return fmt.Errorf("unknown command %q\n%s", cmd, usage)
	}
}

func (c *client) runSubmit(total, concurrency int, sameUser bool) []Result {
	sem := make(chan struct{}, concurrency)
	var wg sync.WaitGroup
	results := make([]Result, total)

	for i := 0; i < total; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(idx int) {
			defer wg.Done()
			defer func() { <-sem }()

			contact := "load-" + strconv.Itoa(idx) + "@company.com"
			if sameUser {
				contact = "load-same@company.com"
			}
			results[idx] = c.postJSON("/api/tickets", map[string]any{
				"user_contact": contact,
				"description":  fmt.Sprintf("ASN 0%04d is missing from our system", idx%10000),
			}, false)
		}(i)
	}
	wg.Wait()
	return results
}

func (c *client) get(path string) Result {
	req, _ := http.NewRequest(http.MethodGet, c.base+path, nil)
	return c.do(req)
}

func (c *client) postJSON(path string, body any, ops bool) Result {
	b, err := json.Marshal(body)
	if err != nil {
		return Result{Err: err}
	}
	req, _ := http.NewRequest(http.MethodPost, c.base+path, bytes.NewReader(b))
	req.Header.Set("Content-Type", "application/json")
	if ops {
		req.Header.Set("X-Ops-Token", c.opsToken)
	}
	return c.do(req)
}

func (c *client) upload(path, file, requestID string) Result {
	f, err := os.Open(file)
	if err != nil {
		return Result{Err: err}
	}
	defer f.Close()

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if requestID != "" {
		_ = mw.WriteField("request_id", requestID)
	}
	fw, err := mw.CreateFormFile("file", filepath.Base(file))
	if err != nil {
		return Result{Err: err}
	}
	if _, err := io.Copy(fw, f); err != nil {
		return Result{Err: err}
	}
	if err := mw.Close(); err != nil {
		return Result{Err: err}
	}
	req, _ := http.NewRequest(http.MethodPost, c.base+path, &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("X-Ops-Token", c.opsToken)
	return c.do(req)
}

func (c *client) download(path, dest string) error {
	req, _ := http.NewRequest(http.MethodGet, c.base+path, nil)
	req.Header.Set("X-Ops-Token", c.opsToken)
	resp, err := c.http.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		b, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("status=%d body=%s", resp.StatusCode, string(b))
	}
	f, err := os.Create(dest)
	if err != nil {
		return err
	}
	if _, err := io.Copy(f, resp.Body); err != nil {
		f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	fmt.Println("wrote", dest)
	return nil
}

func (c *client) do(req *http.Request) Result {
	resp, err := c.http.Do(req)
	if err != nil {
		return Result{Err: err}
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(resp.Body)
	return Result{Status: resp.StatusCode, Body: string(body)}
}

// print 输出格式化后的响应体，非 2xx 视为错误。
func (c *client) print(r Result) error {
	if r.Err != nil {
		return r.Err
	}
	var pretty bytes.Buffer
	if json.Indent(&pretty, []byte(r.Body), "", "  ") == nil {
		fmt.Println(pretty.String())
	} else {
		fmt.Println(r.Body)
	}
	if r.Status >= 300 {
		return fmt.Errorf("status=%d", r.Status)
	}
	return nil
}

// printSummary 聚合输出不同状态码分布。
func printSummary(name string, results []Result) {
	count := map[int]int{}
	errCount := 0
	for _, r := range results {
		if r.Err != nil {
			errCount++
			continue
		}
		count[r.Status]++
	}
	codes := make([]int, 0, len(count))
	for code := range count {
		codes = append(codes, code)
	}
	sort.Ints(codes)
	fmt.Printf("[%s] http status summary:\n", name)
	for _, code := range codes {
		fmt.Printf("  %d -> %d\n", code, count[code])
	}
	if errCount > 0 {
		fmt.Printf("  errors -> %d\n", errCount)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
