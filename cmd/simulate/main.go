package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"math/rand"
	"net/http"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/CodingBot000/teleconsult/internal/config"
	"github.com/CodingBot000/teleconsult/internal/db"
)

type SimConfig struct {
	APIBaseURL   string
	Duration     time.Duration
	Workers      int
	RequestRatio float64
	ProposeRatio float64
	RespondRatio float64
	ReadRatio    float64
	PatientLimit int
	ProviderLim  int
	PostgresDSN  string
}

// negotiation tracks a reservation together with the two actors allowed
// to drive it, so workers can send the right identity headers.
type negotiation struct {
	ReservationID uuid.UUID
	PatientID     uuid.UUID
	ProviderID    uuid.UUID
}

type DataPool struct {
	Patients  []uuid.UUID
	Providers []uuid.UUID
	mu        sync.RWMutex
	active    []negotiation
}

func (dp *DataPool) Add(n negotiation) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.active = append(dp.active, n)
}

func (dp *DataPool) Random() (negotiation, bool) {
	dp.mu.RLock()
	defer dp.mu.RUnlock()
	if len(dp.active) == 0 {
		return negotiation{}, false
	}
	return dp.active[rand.Intn(len(dp.active))], true
}

type OperationMetrics struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationMetrics) Record(latency time.Duration, success bool, conflict bool) {
	atomic.AddInt64(&om.Total, 1)
	if success {
		atomic.AddInt64(&om.Success, 1)
	} else if conflict {
		atomic.AddInt64(&om.Conflict, 1)
	} else {
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationMetrics) Stats() (avg, min, max, p50, p95 time.Duration) {
	om.mu.Lock()
	defer om.mu.Unlock()

	if len(om.Latencies) == 0 {
		return 0, 0, 0, 0, 0
	}

	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)

	sort.Slice(latencies, func(i, j int) bool {
		return latencies[i] < latencies[j]
	})

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}

	avg = sum / time.Duration(len(latencies))
	min = latencies[0]
	max = latencies[len(latencies)-1]

	p50Idx := len(latencies) * 50 / 100
	if p50Idx >= len(latencies) {
		p50Idx = len(latencies) - 1
	}
	p50 = latencies[p50Idx]

	p95Idx := len(latencies) * 95 / 100
	if p95Idx >= len(latencies) {
		p95Idx = len(latencies) - 1
	}
	p95 = latencies[p95Idx]

	return avg, min, max, p50, p95
}

type Metrics struct {
	Request  OperationMetrics
	Propose  OperationMetrics
	Respond  OperationMetrics
	Contend  OperationMetrics
	ReadByID OperationMetrics
	Inbox    OperationMetrics
}

type Simulator struct {
	config  SimConfig
	pool    *DataPool
	client  *http.Client
	metrics Metrics
}

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)
	log.Println("simulator starting")

	cfg := loadConfig()
	if err := validateConfig(cfg); err != nil {
		log.Fatalf("invalid config: %v", err)
	}

	log.Printf("config: duration=%s workers=%d request=%.2f propose=%.2f respond=%.2f read=%.2f",
		cfg.Duration, cfg.Workers, cfg.RequestRatio, cfg.ProposeRatio, cfg.RespondRatio, cfg.ReadRatio)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		log.Fatalf("connect postgres: %v", err)
	}
	defer pgPool.Close()

	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	if err != nil {
		log.Fatalf("load data pool: %v", err)
	}

	log.Printf("loaded: %d patients, %d providers", len(dataPool.Patients), len(dataPool.Providers))

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{
			Timeout: 10 * time.Second,
		},
	}

	sim.Run()
	sim.PrintReport()
}

func loadConfig() SimConfig {
	baseCfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load base config: %v", err)
	}

	cfg := SimConfig{
		APIBaseURL:   getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Duration:     getDuration("SIM_DURATION", 30*time.Second),
		Workers:      getInt("SIM_WORKERS", 10),
		RequestRatio: getFloat("SIM_REQUEST_RATIO", 0.3),
		ProposeRatio: getFloat("SIM_PROPOSE_RATIO", 0.2),
		RespondRatio: getFloat("SIM_RESPOND_RATIO", 0.2),
		ReadRatio:    getFloat("SIM_READ_RATIO", 0.3),
		PatientLimit: getInt("SIM_PATIENT_LIMIT", 500),
		ProviderLim:  getInt("SIM_PROVIDER_LIMIT", 50),
		PostgresDSN:  baseCfg.PostgresDSN,
	}

	// Normalize ratios
	total := cfg.RequestRatio + cfg.ProposeRatio + cfg.RespondRatio + cfg.ReadRatio
	if total > 0 {
		cfg.RequestRatio /= total
		cfg.ProposeRatio /= total
		cfg.RespondRatio /= total
		cfg.ReadRatio /= total
	}

	return cfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.PostgresDSN == "" {
		return fmt.Errorf("POSTGRES_DSN is required (set in .env or environment)")
	}
	if cfg.Workers <= 0 {
		return fmt.Errorf("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return fmt.Errorf("SIM_DURATION must be > 0")
	}
	return nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dataPool := &DataPool{}

	rows, err := pool.Query(ctx, `SELECT id FROM patients LIMIT $1`, cfg.PatientLimit)
	if err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		dataPool.Patients = append(dataPool.Patients, id)
	}

	rows, err = pool.Query(ctx, `SELECT id FROM providers LIMIT $1`, cfg.ProviderLim)
	if err != nil {
		return nil, fmt.Errorf("load providers: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		dataPool.Providers = append(dataPool.Providers, id)
	}

	if len(dataPool.Patients) == 0 {
		return nil, fmt.Errorf("no patients loaded")
	}
	if len(dataPool.Providers) == 0 {
		return nil, fmt.Errorf("no providers loaded")
	}

	return dataPool, nil
}

func (s *Simulator) Run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.config.Duration)
	defer cancel()

	log.Printf("starting simulation for %s with %d workers", s.config.Duration, s.config.Workers)

	var wg sync.WaitGroup
	for i := 0; i < s.config.Workers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			s.worker(ctx, workerID)
		}(i)
	}

	wg.Wait()
	log.Println("simulation complete")
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for {
		select {
		case <-ctx.Done():
			return
		default:
			r := rng.Float64()
			switch {
			case r < s.config.RequestRatio:
				s.doRequest(ctx, rng)
			case r < s.config.RequestRatio+s.config.ProposeRatio:
				s.doPropose(ctx, rng)
			case r < s.config.RequestRatio+s.config.ProposeRatio+s.config.RespondRatio:
				// One in ten responses races an accept against a cancel
				// to exercise the optimistic status check under load.
				if rng.Intn(10) == 0 {
					s.doContend(ctx, rng)
				} else {
					s.doRespond(ctx, rng)
				}
			default:
				if rng.Intn(2) == 0 {
					s.doReadByID(ctx, rng)
				} else {
					s.doInbox(ctx, rng)
				}
			}
		}
	}
}

// send issues a JSON request with the actor identity headers and reports
// (status, body, err). A nil body means an empty request body.
func (s *Simulator) send(ctx context.Context, method, url string, actorID uuid.UUID, role string, payload any) (int, []byte, error) {
	var body io.Reader
	if payload != nil {
		raw, _ := json.Marshal(payload)
		body = bytes.NewReader(raw)
	}

	req, _ := http.NewRequestWithContext(ctx, method, url, body)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor-Id", actorID.String())
	req.Header.Set("X-Actor-Role", role)

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, nil, err
	}
	defer resp.Body.Close()

	raw, _ := io.ReadAll(resp.Body)
	return resp.StatusCode, raw, nil
}

func (s *Simulator) doRequest(ctx context.Context, rng *rand.Rand) {
	patientID := s.pool.Patients[rng.Intn(len(s.pool.Patients))]
	providerID := s.pool.Providers[rng.Intn(len(s.pool.Providers))]

	start := time.Now()

	tz := simTimezones[rng.Intn(len(simTimezones))]
	payload := map[string]any{
		"provider_id":     providerID.String(),
		"consultation_id": uuid.New().String(),
		"timezone":        tz,
		"slots":           randomSlots(rng, tz),
	}

	status, raw, err := s.send(ctx, "POST", s.config.APIBaseURL+"/reservations", patientID, "patient", payload)
	latency := time.Since(start)

	success := false
	conflict := false

	if err == nil {
		if status == http.StatusCreated {
			success = true
			var created struct {
				ID uuid.UUID `json:"id"`
			}
			json.Unmarshal(raw, &created)
			if created.ID != uuid.Nil {
				s.pool.Add(negotiation{
					ReservationID: created.ID,
					PatientID:     patientID,
					ProviderID:    providerID,
				})
			}
		} else if status == http.StatusConflict {
			conflict = true
		}
	}

	s.metrics.Request.Record(latency, success, conflict)
}

func (s *Simulator) doPropose(ctx context.Context, rng *rand.Rand) {
	n, ok := s.pool.Random()
	if !ok {
		return
	}

	start := time.Now()

	tz := simTimezones[rng.Intn(len(simTimezones))]
	payload := map[string]any{"timezone": tz, "slots": randomSlots(rng, tz)}
	url := fmt.Sprintf("%s/reservations/%s/proposals", s.config.APIBaseURL, n.ReservationID)
	status, _, err := s.send(ctx, "POST", url, n.ProviderID, "provider", payload)
	latency := time.Since(start)

	success := err == nil && status == http.StatusOK
	conflict := err == nil && status == http.StatusConflict

	s.metrics.Propose.Record(latency, success, conflict)
}

func (s *Simulator) doRespond(ctx context.Context, rng *rand.Rand) {
	n, ok := s.pool.Random()
	if !ok {
		return
	}

	start := time.Now()

	var payload map[string]any
	if rng.Intn(3) == 0 {
		payload = map[string]any{"action": "reject"}
	} else {
		payload = map[string]any{"action": "accept", "selected_rank": rng.Intn(3) + 1}
	}

	url := fmt.Sprintf("%s/reservations/%s/response", s.config.APIBaseURL, n.ReservationID)
	status, _, err := s.send(ctx, "POST", url, n.PatientID, "patient", payload)
	latency := time.Since(start)

	success := err == nil && status == http.StatusOK
	conflict := err == nil && status == http.StatusConflict

	s.metrics.Respond.Record(latency, success, conflict)
}

// doContend fires an accept and a cancel at the same reservation
// concurrently. Exactly one side may win; the loser must see a 409.
func (s *Simulator) doContend(ctx context.Context, rng *rand.Rand) {
	n, ok := s.pool.Random()
	if !ok {
		return
	}

	rank := rng.Intn(3) + 1

	var wg sync.WaitGroup
	wg.Add(2)

	go func() {
		defer wg.Done()
		start := time.Now()
		url := fmt.Sprintf("%s/reservations/%s/response", s.config.APIBaseURL, n.ReservationID)
		status, _, err := s.send(ctx, "POST", url, n.PatientID, "patient",
			map[string]any{"action": "accept", "selected_rank": rank})
		s.metrics.Contend.Record(time.Since(start),
			err == nil && status == http.StatusOK,
			err == nil && status == http.StatusConflict)
	}()

	go func() {
		defer wg.Done()
		start := time.Now()
		url := fmt.Sprintf("%s/reservations/%s/cancel", s.config.APIBaseURL, n.ReservationID)
		status, _, err := s.send(ctx, "POST", url, n.ProviderID, "provider",
			map[string]any{"reason": "schedule change"})
		s.metrics.Contend.Record(time.Since(start),
			err == nil && status == http.StatusOK,
			err == nil && status == http.StatusConflict)
	}()

	wg.Wait()
}

func (s *Simulator) doReadByID(ctx context.Context, rng *rand.Rand) {
	n, ok := s.pool.Random()
	if !ok {
		return
	}

	start := time.Now()

	url := fmt.Sprintf("%s/reservations/%s", s.config.APIBaseURL, n.ReservationID)
	status, _, err := s.send(ctx, "GET", url, n.PatientID, "patient", nil)
	latency := time.Since(start)

	s.metrics.ReadByID.Record(latency, err == nil && status == http.StatusOK, false)
}

func (s *Simulator) doInbox(ctx context.Context, rng *rand.Rand) {
	providerID := s.pool.Providers[rng.Intn(len(s.pool.Providers))]

	start := time.Now()

	url := fmt.Sprintf("%s/reservations?sort=priority&page_size=20", s.config.APIBaseURL)
	status, _, err := s.send(ctx, "GET", url, providerID, "provider", nil)
	latency := time.Since(start)

	s.metrics.Inbox.Record(latency, err == nil && status == http.StatusOK, false)
}

var simTimezones = []string{"Asia/Seoul", "Asia/Tokyo", "America/New_York", "Europe/London"}

func randomSlots(rng *rand.Rand, tz string) []map[string]any {
	count := rng.Intn(3) + 1
	slots := make([]map[string]any, 0, count)
	for i := 0; i < count; i++ {
		day := time.Now().AddDate(0, 0, rng.Intn(14)+1)
		slots = append(slots, map[string]any{
			"rank":     i + 1,
			"date":     day.Format("2006-01-02"),
			"time":     fmt.Sprintf("%02d:%02d", 9+rng.Intn(9), 30*rng.Intn(2)),
			"timezone": tz,
		})
	}
	return slots
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(repeat("=", 80))
	fmt.Printf("Duration: %s\n", s.config.Duration)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Request", &s.metrics.Request)
	printOperationReport("Propose", &s.metrics.Propose)
	printOperationReport("Respond", &s.metrics.Respond)
	printOperationReport("Contend (accept vs cancel)", &s.metrics.Contend)
	printOperationReport("Read by ID", &s.metrics.ReadByID)
	printOperationReport("Provider Inbox", &s.metrics.Inbox)
}

func printOperationReport(name string, om *OperationMetrics) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	error := atomic.LoadInt64(&om.Error)

	avg, min, max, p50, p95 := om.Stats()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if error > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", error, float64(error)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s min=%s max=%s p50=%s p95=%s\n",
		avg.Round(time.Millisecond), min.Round(time.Millisecond), max.Round(time.Millisecond),
		p50.Round(time.Millisecond), p95.Round(time.Millisecond))
	fmt.Println()
}

// Helper functions

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}

func getInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func getFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func repeat(s string, n int) string {
	return strings.Repeat(s, n)
}
