package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"math/rand"
	"net/http"
	"os"
	"os/exec"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"text/template"
	"time"

	"github.com/nulzo/model-gateway/pkg/api"
	vegeta "github.com/tsenart/vegeta/v12/lib"
)

const (
	mockPort  = 9091
	appPort   = 8081
	benchKey  = "bench-key-12345"
	hotKey    = "upstream-hot"
	spareKey  = "upstream-spare"
	chatModel = "mock/gpt-4o-mini"
	imgModel  = "mock/dall-e-3"
)

// scenario is one load profile against the gateway.
type scenario struct {
	path string
	body string
	// limits applied to the gateway config for this run
	chatLimit  int64
	imageLimit int64
	// every n-th upstream call on the hot credential answers 429
	failEvery int
}

var scenarios = map[string]scenario{
	"chat": {
		path: "/v1/chat/completions",
		body: `{"model":"` + chatModel + `","messages":[{"role":"user","content":"Hello"}]}`,
	},
	"stream": {
		path: "/v1/chat/completions",
		body: `{"model":"` + chatModel + `","stream":true,"stream_options":{"include_usage":true},"messages":[{"role":"user","content":"Hello"}]}`,
	},
	"image": {
		path: "/v1/images/generations",
		body: `{"model":"` + imgModel + `","prompt":"a lighthouse","n":1,"size":"1024x1024","response_format":"b64_json"}`,
	},
	"rotation": {
		path:      "/v1/chat/completions",
		body:      `{"model":"` + chatModel + `","messages":[{"role":"user","content":"Hello"}]}`,
		failEvery: 3,
	},
	"admission": {
		path:       "/v1/chat/completions",
		body:       `{"model":"` + chatModel + `","messages":[{"role":"user","content":"Hello"}]}`,
		chatLimit:  20,
		imageLimit: 5,
	},
}

func main() {
	duration := flag.Duration("duration", 10*time.Second, "Duration of the test")
	rate := flag.Int("rate", 50, "Requests per second")
	name := flag.String("scenario", "chat", "One of chat, stream, image, rotation, admission")
	chaos := flag.Bool("chaos", false, "Abort random streaming requests mid-flight")
	flag.Parse()

	sc, ok := scenarios[*name]
	if !ok {
		log.Fatalf("unknown scenario %q", *name)
	}

	upstream := newMockUpstream(sc.failEvery)
	go upstream.serve()

	fmt.Println("Building gateway...")
	build := exec.Command("go", "build", "-o", "bin/gateway", "./cmd/gateway")
	build.Stdout = os.Stdout
	build.Stderr = os.Stderr
	if err := build.Run(); err != nil {
		log.Fatalf("Failed to build gateway: %v", err)
	}

	configFile := "bench_config.yaml"
	if err := writeConfig(configFile, sc); err != nil {
		log.Fatalf("Failed to write config: %v", err)
	}
	defer os.Remove(configFile)
	defer os.Remove("bench.db")

	logFile, _ := os.Create("bench_server.log")
	defer logFile.Close()

	gw := exec.Command("./bin/gateway", "-config", configFile)
	gw.Env = append(os.Environ(), fmt.Sprintf("SERVER_PORT=%d", appPort), "LOG_LEVEL=error")
	gw.Stdout = logFile
	gw.Stderr = logFile
	if err := gw.Start(); err != nil {
		log.Fatalf("Failed to start gateway: %v", err)
	}
	defer func() {
		if gw.Process != nil {
			_ = gw.Process.Kill()
		}
	}()

	base := fmt.Sprintf("http://localhost:%d", appPort)
	waitForReady(base + "/ready")

	done := make(chan struct{})
	go monitorResources(gw.Process.Pid, done)
	if *chaos {
		go disrupt(base+"/v1/chat/completions", *rate/10+1, done)
	}

	fmt.Printf("Running %s: %s at %d req/s\n", *name, *duration, *rate)
	metrics := attack(base+sc.path, sc.body, *rate, *duration)
	close(done)

	report(metrics, upstream)
	// the usage writer flushes on an interval
	time.Sleep(2 * time.Second)
	reportUsage(base)
}

func attack(url, body string, rate int, duration time.Duration) *vegeta.Metrics {
	targeter := vegeta.NewStaticTargeter(vegeta.Target{
		Method: http.MethodPost,
		URL:    url,
		Body:   []byte(body),
		Header: http.Header{
			"Content-Type":  []string{"application/json"},
			"Authorization": []string{"Bearer " + benchKey},
		},
	})

	attacker := vegeta.NewAttacker(vegeta.KeepAlive(true))
	var metrics vegeta.Metrics
	for res := range attacker.Attack(targeter, vegeta.Rate{Freq: rate, Per: time.Second}, duration, "gateway") {
		metrics.Add(res)
	}
	metrics.Close()
	return &metrics
}

func report(m *vegeta.Metrics, upstream *mockUpstream) {
	fmt.Println("--------------------------------------------------")
	fmt.Println("p99:        ", m.Latencies.P99)
	fmt.Println("mean:       ", m.Latencies.Mean)
	fmt.Println("max:        ", m.Latencies.Max)
	fmt.Printf("success:     %.2f%%\n", m.Success*100)
	fmt.Printf("throughput:  %.2f req/s\n", m.Throughput)

	codes := make([]string, 0, len(m.StatusCodes))
	for code := range m.StatusCodes {
		codes = append(codes, code)
	}
	sort.Strings(codes)
	fmt.Println("gateway status codes:")
	for _, code := range codes {
		fmt.Printf("  %s  %d\n", code, m.StatusCodes[code])
	}

	fmt.Println("upstream calls per credential:")
	for key, n := range upstream.snapshot() {
		fmt.Printf("  %-16s %d\n", key, n)
	}
	fmt.Printf("upstream 429s served: %d\n", upstream.rejected.Load())
	fmt.Println("--------------------------------------------------")

	seen := make(map[string]bool)
	for _, msg := range m.Errors {
		if len(seen) == 5 {
			break
		}
		if !seen[msg] {
			seen[msg] = true
			fmt.Println("error:", msg)
		}
	}
}

// reportUsage prints what the gateway billed the benchmark key for.
func reportUsage(base string) {
	req, _ := http.NewRequest(http.MethodGet, base+"/v1/usage?days=1", nil)
	req.Header.Set("Authorization", "Bearer "+benchKey)
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		fmt.Println("usage unavailable:", err)
		return
	}
	defer resp.Body.Close()

	var summary api.UsageSummary
	if err := json.NewDecoder(resp.Body).Decode(&summary); err != nil {
		fmt.Println("usage unreadable:", err)
		return
	}
	fmt.Printf("recorded: %d requests, %d failed, %d prompt + %d completion tokens, cost %.6f\n",
		summary.TotalRequests, summary.FailedRequests, summary.PromptTokens, summary.CompletionTokens, summary.TotalCost)
}

// disrupt opens streams and drops them after a random delay so the gateway
// records client cancellations under load.
func disrupt(url string, workers int, done chan struct{}) {
	if workers > 50 {
		workers = 50
	}
	payload := `{"model":"` + chatModel + `","stream":true,"messages":[{"role":"user","content":"Chaos"}]}`

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-done:
					return
				default:
				}
				ctx, cancel := context.WithTimeout(context.Background(), time.Duration(rand.Intn(200)+1)*time.Millisecond)
				req, _ := http.NewRequestWithContext(ctx, http.MethodPost, url, strings.NewReader(payload))
				req.Header.Set("Content-Type", "application/json")
				req.Header.Set("Authorization", "Bearer "+benchKey)
				if resp, err := http.DefaultClient.Do(req); err == nil {
					_ = resp.Body.Close()
				}
				cancel()
				time.Sleep(time.Duration(rand.Intn(50)) * time.Millisecond)
			}
		}()
	}
	wg.Wait()
}

// mockUpstream is an OpenAI compatible upstream that counts calls per
// credential and rate limits the hot credential on demand.
type mockUpstream struct {
	failEvery int
	hotCalls  atomic.Int64
	rejected  atomic.Int64

	mu   sync.Mutex
	hits map[string]int
}

func newMockUpstream(failEvery int) *mockUpstream {
	return &mockUpstream{failEvery: failEvery, hits: make(map[string]int)}
}

func (m *mockUpstream) snapshot() map[string]int {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[string]int, len(m.hits))
	for k, v := range m.hits {
		out[k] = v
	}
	return out
}

// admit counts the call and reports whether the credential is throttled.
func (m *mockUpstream) admit(r *http.Request) bool {
	key := strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer ")
	m.mu.Lock()
	m.hits[key]++
	m.mu.Unlock()

	if key != hotKey || m.failEvery == 0 {
		return true
	}
	if m.hotCalls.Add(1)%int64(m.failEvery) == 0 {
		m.rejected.Add(1)
		return false
	}
	return true
}

func (m *mockUpstream) serve() {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/models", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"object":"list","data":[{"id":"gpt-4o-mini","object":"model"},{"id":"dall-e-3","object":"model"}]}`))
	})
	mux.HandleFunc("/v1/chat/completions", m.chat)
	mux.HandleFunc("/v1/images/generations", m.image)
	_ = http.ListenAndServe(fmt.Sprintf(":%d", mockPort), mux)
}

func (m *mockUpstream) throttle(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusTooManyRequests)
	_, _ = w.Write([]byte(`{"error":{"message":"rate limited","type":"rate_limit_error"}}`))
}

func (m *mockUpstream) chat(w http.ResponseWriter, r *http.Request) {
	if !m.admit(r) {
		m.throttle(w)
		return
	}

	var req api.ChatRequest
	_ = json.NewDecoder(r.Body).Decode(&req)

	if !req.Stream {
		time.Sleep(10 * time.Millisecond)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"id":"bench-1","object":"chat.completion","created":1,"model":"gpt-4o-mini",` +
			`"choices":[{"index":0,"message":{"role":"assistant","content":"Hello"},"finish_reason":"stop"}],` +
			`"usage":{"prompt_tokens":3,"completion_tokens":1,"total_tokens":4}}`))
		return
	}

	w.Header().Set("Content-Type", "text/event-stream")
	flusher, _ := w.(http.Flusher)
	words := []string{"Bench", "mark", " streamed", " reply"}
	for i, word := range words {
		finish := "null"
		if i == len(words)-1 {
			finish = `"stop"`
		}
		time.Sleep(50 * time.Millisecond)
		fmt.Fprintf(w, "data: {\"id\":\"bench-1\",\"object\":\"chat.completion.chunk\",\"created\":1,\"model\":\"gpt-4o-mini\","+
			"\"choices\":[{\"index\":0,\"delta\":{\"content\":%q},\"finish_reason\":%s}]}\n\n", word, finish)
		flusher.Flush()
	}
	// deliberately wrong; the gateway bills from the assembled text
	if req.StreamOptions != nil && req.StreamOptions.IncludeUsage {
		_, _ = w.Write([]byte("data: {\"id\":\"bench-1\",\"object\":\"chat.completion.chunk\",\"choices\":[],\"usage\":{\"prompt_tokens\":1,\"completion_tokens\":999,\"total_tokens\":1000}}\n\n"))
	}
	_, _ = w.Write([]byte("data: [DONE]\n\n"))
	flusher.Flush()
}

func (m *mockUpstream) image(w http.ResponseWriter, r *http.Request) {
	if !m.admit(r) {
		m.throttle(w)
		return
	}
	time.Sleep(100 * time.Millisecond)

	w.Header().Set("Content-Type", "application/json")
	_, _ = w.Write([]byte(`{"created":1,"data":[{"b64_json":"iVBORw0KGgo="}]}`))
}

func monitorResources(pid int, done chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	fmt.Printf("%-10s %-10s %-10s\n", "time", "rss(MB)", "cpu(%)")
	for {
		select {
		case <-done:
			return
		case <-ticker.C:
			out, err := exec.Command("ps", "-p", strconv.Itoa(pid), "-o", "rss=,%cpu=").Output()
			if err != nil {
				continue
			}
			fields := strings.Fields(string(out))
			if len(fields) < 2 {
				continue
			}
			rss, _ := strconv.ParseFloat(fields[0], 64)
			cpu, _ := strconv.ParseFloat(fields[1], 64)
			fmt.Printf("%-10s %-10.2f %-10.2f\n", time.Now().Format("15:04:05"), rss/1024, cpu)
		}
	}
}

func waitForReady(url string) {
	for i := 0; i < 40; i++ {
		resp, err := http.Get(url)
		if err == nil {
			_ = resp.Body.Close()
			if resp.StatusCode == http.StatusOK {
				return
			}
		}
		time.Sleep(250 * time.Millisecond)
	}
	log.Fatal("gateway never became ready")
}

var configTemplate = template.Must(template.New("config").Parse(`
server:
  port: "{{.AppPort}}"
  env: development
logging:
  level: error
database:
  dsn: "file:bench.db?cache=shared&_journal_mode=WAL&_busy_timeout=5000"
auth:
  static_keys: ["{{.BenchKey}}"]
rate_limit:
  chat:
    limit: {{.ChatLimit}}
    window: 1s
  image:
    limit: {{.ImageLimit}}
    window: 1s
usage:
  buffer_size: 100000
  flush_interval: 1s
providers:
  - id: mock
    type: openai
    name: Mock
    api_keys: ["{{.HotKey}}", "{{.SpareKey}}"]
    rotate_on: ["429"]
    base_url: "http://localhost:{{.MockPort}}/v1"
    enabled: true
models:
  - id: {{.ChatModel}}
    provider: mock
    upstream: gpt-4o-mini
    capability: chat
    max_input_tokens: 128000
    max_output_tokens: 4096
    cost_per_million_tokens: 0.6
  - id: {{.ImageModel}}
    provider: mock
    upstream: dall-e-3
    capability: image
`))

func writeConfig(path string, sc scenario) error {
	chatLimit, imageLimit := sc.chatLimit, sc.imageLimit
	if chatLimit == 0 {
		chatLimit = 1000000
	}
	if imageLimit == 0 {
		imageLimit = 1000000
	}

	var buf bytes.Buffer
	err := configTemplate.Execute(&buf, map[string]interface{}{
		"AppPort":    appPort,
		"MockPort":   mockPort,
		"BenchKey":   benchKey,
		"HotKey":     hotKey,
		"SpareKey":   spareKey,
		"ChatModel":  chatModel,
		"ImageModel": imgModel,
		"ChatLimit":  chatLimit,
		"ImageLimit": imageLimit,
	})
	if err != nil {
		return err
	}
	return os.WriteFile(path, buf.Bytes(), 0o644)
}
