package main

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"flag"
	"log"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"nhooyr.io/websocket"

	"xpledger/client"
	"xpledger/crypto"
)

const (
	defaultDuration = 2 * time.Minute
	// The ledger enforces a global write cooldown, so the useful ceiling is
	// roughly two awards per minute; anything above it only grows the
	// pending count.
	defaultRate = 2
)

type awardStreamPayload struct {
	Sequence     uint64 `json:"sequence"`
	Cursor       string `json:"cursor"`
	User         string `json:"user"`
	Amount       uint64 `json:"amount"`
	NewTotal     uint64 `json:"newTotal"`
	OpID         string `json:"opId"`
	Timestamp    uint64 `json:"timestamp"`
	EnvelopeHash string `json:"envelopeHash"`
}

type latencyTracker struct {
	mu        sync.Mutex
	pending   map[string]time.Time
	latencies []time.Duration
}

func newLatencyTracker() *latencyTracker {
	return &latencyTracker{pending: make(map[string]time.Time)}
}

func (lt *latencyTracker) track(hash string, at time.Time) {
	lt.mu.Lock()
	lt.pending[strings.ToLower(hash)] = at
	lt.mu.Unlock()
}

func (lt *latencyTracker) finalize(hash string, at time.Time) {
	key := strings.ToLower(hash)
	lt.mu.Lock()
	start, ok := lt.pending[key]
	if ok {
		lt.latencies = append(lt.latencies, at.Sub(start))
		delete(lt.pending, key)
	}
	lt.mu.Unlock()
}

func (lt *latencyTracker) snapshot() (latencies []time.Duration, pending int) {
	lt.mu.Lock()
	defer lt.mu.Unlock()
	latencies = append([]time.Duration(nil), lt.latencies...)
	pending = len(lt.pending)
	return latencies, pending
}

func (lt *latencyTracker) waitForEmpty(ctx context.Context) bool {
	ticker := time.NewTicker(50 * time.Millisecond)
	defer ticker.Stop()
	for {
		lt.mu.Lock()
		remaining := len(lt.pending)
		lt.mu.Unlock()
		if remaining == 0 {
			return true
		}
		select {
		case <-ctx.Done():
			return false
		case <-ticker.C:
		}
	}
}

func main() {
	var (
		rpcURL       string
		privateHex   string
		recipientRaw string
		awardRate    int
		durationFlag time.Duration
		amount       uint64
		fee          uint64
	)
	flag.StringVar(&rpcURL, "rpc", "http://127.0.0.1:8080", "RPC endpoint for submitting awards")
	flag.StringVar(&privateHex, "key", "", "hex-encoded secp256k1 private key of the ledger owner (overrides AWARDLOADER_KEY)")
	flag.StringVar(&recipientRaw, "to", "", "recipient address (a throwaway recipient is generated when empty)")
	flag.IntVar(&awardRate, "rate", defaultRate, "target rate of awards per minute")
	flag.DurationVar(&durationFlag, "duration", defaultDuration, "load duration")
	flag.Uint64Var(&amount, "amount", 1, "XP amount per award")
	flag.Uint64Var(&fee, "fee", 1, "fee attached to each envelope")
	flag.Parse()

	if privateHex == "" {
		privateHex = os.Getenv("AWARDLOADER_KEY")
	}
	privateHex = strings.TrimSpace(privateHex)
	if privateHex == "" {
		log.Fatal("missing private key: provide --key or AWARDLOADER_KEY")
	}

	keyBytes, err := hex.DecodeString(strings.TrimPrefix(privateHex, "0x"))
	if err != nil {
		log.Fatalf("decode private key: %v", err)
	}
	signer, err := crypto.PrivateKeyFromBytes(keyBytes)
	if err != nil {
		log.Fatalf("load private key: %v", err)
	}

	token := strings.TrimSpace(os.Getenv("XPL_RPC_TOKEN"))
	if token == "" {
		log.Fatal("missing XPL_RPC_TOKEN for RPC authentication")
	}
	parsed, err := url.Parse(rpcURL)
	if err != nil {
		log.Fatalf("parse rpc url: %v", err)
	}
	if parsed.Scheme == "" {
		parsed.Scheme = "http"
	}

	var recipient crypto.Address
	if strings.TrimSpace(recipientRaw) != "" {
		recipient, err = crypto.DecodeAddress(recipientRaw)
		if err != nil {
			log.Fatalf("decode recipient: %v", err)
		}
	} else {
		throwaway, err := crypto.GeneratePrivateKey()
		if err != nil {
			log.Fatalf("generate recipient: %v", err)
		}
		recipient = throwaway.PubKey().Address()
		log.Printf("awarding to generated recipient %s", recipient.String())
	}

	if awardRate <= 0 {
		log.Fatalf("rate must be positive, got %d", awardRate)
	}
	if durationFlag <= 0 {
		durationFlag = defaultDuration
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	rpcClient := client.New(client.Config{URL: parsed.String(), AuthToken: token, Timeout: 10 * time.Second})
	tracker := newLatencyTracker()

	wsURL := *parsed
	switch strings.ToLower(parsed.Scheme) {
	case "https":
		wsURL.Scheme = "wss"
	default:
		wsURL.Scheme = "ws"
	}
	wsURL.Path = "/ws/awards"
	wsURL.RawQuery = ""

	wsCtx, wsCancel := context.WithTimeout(ctx, 5*time.Second)
	conn, _, err := websocket.Dial(wsCtx, wsURL.String(), nil)
	wsCancel()
	if err != nil {
		log.Fatalf("connect award stream: %v", err)
	}
	defer conn.Close(websocket.StatusNormalClosure, "load complete")

	streamCtx, streamCancel := context.WithCancel(ctx)
	defer streamCancel()
	go consumeAwards(streamCtx, conn, tracker)

	interval := time.Minute / time.Duration(awardRate)
	if interval <= 0 {
		interval = time.Millisecond
	}
	deadline := time.Now().Add(durationFlag)
	var submitted int
	for time.Now().Before(deadline) {
		select {
		case <-ctx.Done():
			log.Printf("context cancelled: %v", ctx.Err())
			return
		default:
		}
		hash, err := rpcClient.SubmitAward(ctx, signer, recipient, amount, fee)
		if err != nil {
			log.Printf("submit award %d failed: %v", submitted, err)
		} else {
			tracker.track("0x"+hex.EncodeToString(hash[:]), time.Now())
			submitted++
		}
		time.Sleep(interval)
	}

	waitCtx, waitCancel := context.WithTimeout(context.Background(), 45*time.Second)
	defer waitCancel()
	if !tracker.waitForEmpty(waitCtx) {
		log.Printf("still pending application for %d awards", trackerPending(tracker))
	}

	streamCancel()

	latencies, pending := tracker.snapshot()
	reportLoadSummary(latencies, pending, submitted)
}

func consumeAwards(ctx context.Context, conn *websocket.Conn, tracker *latencyTracker) {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return
		}
		var payload awardStreamPayload
		if err := json.Unmarshal(data, &payload); err != nil {
			log.Printf("decode award payload: %v", err)
			continue
		}
		tracker.finalize(payload.EnvelopeHash, time.Now())
	}
}

func trackerPending(t *latencyTracker) int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.pending)
}

func reportLoadSummary(latencies []time.Duration, pending int, submitted int) {
	var max time.Duration
	var total time.Duration
	for _, latency := range latencies {
		if latency > max {
			max = latency
		}
		total += latency
	}
	avg := time.Duration(0)
	if len(latencies) > 0 {
		avg = time.Duration(int64(total) / int64(len(latencies)))
	}
	log.Printf("Award loader submitted %d envelopes", submitted)
	log.Printf("Applied %d awards (pending or dropped: %d)", len(latencies), pending)
	log.Printf("Submit-to-stream latency avg=%s max=%s", avg, max)
}
