package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

func main() {
	addr := flag.String("addr", "http://localhost:8080", "node admin address")
	section := flag.String("section", "bench", "resource section to write")
	n := flag.Int("n", 5000, "requests")
	conc := flag.Int("c", 32, "concurrency")
	valSize := flag.Int("val", 128, "value size bytes")
	flag.Parse()

	base := strings.TrimRight(*addr, "/") + "/resources/" + *section
	client := &http.Client{Timeout: 5 * time.Second}
	wg := sync.WaitGroup{}
	start := time.Now()
	ch := make(chan int, *conc)
	var failed atomic.Int64

	for i := 0; i < *n; i++ {
		wg.Add(1)
		ch <- 1
		go func(i int) {
			defer wg.Done()
			defer func() { <-ch }()

			key := fmt.Sprintf("k%d", i%512)
			body, _ := json.Marshal(map[string]string{
				key: strings.Repeat(string(rune('a'+rand.Intn(26))), *valSize),
			})
			resp, err := client.Post(base, "application/json", bytes.NewReader(body))
			if err != nil || resp.StatusCode != http.StatusOK {
				failed.Add(1)
			}
			if resp != nil {
				io.Copy(io.Discard, resp.Body)
				resp.Body.Close()
			}
			resp, err = client.Get(base)
			if err != nil {
				failed.Add(1)
				return
			}
			io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
		}(i)
	}
	wg.Wait()
	dur := time.Since(start)
	fmt.Printf("Completed %d ops in %s (%.2f ops/s, %d failed)\n", *n*2, dur, float64(*n*2)/dur.Seconds(), failed.Load())
}
