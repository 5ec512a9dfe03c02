package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
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
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"

	"github.com/hackgods/clinic-booking/internal/api"
	"github.com/hackgods/clinic-booking/internal/config"
	"github.com/hackgods/clinic-booking/internal/db"
	"github.com/hackgods/clinic-booking/internal/logging"
)

type SimConfig struct {
	APIBaseURL   string
	Mode         string // mixed or burst
	Duration     time.Duration
	Workers      int
	BookingRatio float64
	CancelRatio  float64
	ReadRatio    float64
	PatientLimit int
	SlotLimit    int
	BurstSlots   int
	PostgresDSN  string
	JWTSecret    string
}

type simPatient struct {
	IDNumber  string
	BirthDate time.Time
	Token     string // bearer token, empty when auth is disabled
}

type booked struct {
	ID      uuid.UUID
	Patient *simPatient
}

type DataPool struct {
	Patients []*simPatient
	Slots    []uuid.UUID

	mu           sync.Mutex
	appointments []booked
}

func (dp *DataPool) AddAppointment(b booked) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	dp.appointments = append(dp.appointments, b)
}

// TakeAppointment removes and returns a random booked appointment.
func (dp *DataPool) TakeAppointment(rng *rand.Rand) (booked, bool) {
	dp.mu.Lock()
	defer dp.mu.Unlock()
	if len(dp.appointments) == 0 {
		return booked{}, false
	}
	idx := rng.Intn(len(dp.appointments))
	b := dp.appointments[idx]
	dp.appointments[idx] = dp.appointments[len(dp.appointments)-1]
	dp.appointments = dp.appointments[:len(dp.appointments)-1]
	return b, true
}

type OperationStats struct {
	Total     int64
	Success   int64
	Conflict  int64
	Error     int64
	Latencies []time.Duration
	mu        sync.Mutex
}

func (om *OperationStats) Record(latency time.Duration, status int, err error) {
	atomic.AddInt64(&om.Total, 1)
	switch {
	case err == nil && status < 300:
		atomic.AddInt64(&om.Success, 1)
	case err == nil && status == http.StatusConflict:
		atomic.AddInt64(&om.Conflict, 1)
	default:
		atomic.AddInt64(&om.Error, 1)
	}

	om.mu.Lock()
	om.Latencies = append(om.Latencies, latency)
	om.mu.Unlock()
}

func (om *OperationStats) Percentiles() (avg, p50, p95, p99, max time.Duration) {
	om.mu.Lock()
	latencies := make([]time.Duration, len(om.Latencies))
	copy(latencies, om.Latencies)
	om.mu.Unlock()

	if len(latencies) == 0 {
		return 0, 0, 0, 0, 0
	}
	sort.Slice(latencies, func(i, j int) bool { return latencies[i] < latencies[j] })

	var sum time.Duration
	for _, l := range latencies {
		sum += l
	}
	at := func(pct int) time.Duration {
		idx := len(latencies) * pct / 100
		if idx >= len(latencies) {
			idx = len(latencies) - 1
		}
		return latencies[idx]
	}
	return sum / time.Duration(len(latencies)), at(50), at(95), at(99), latencies[len(latencies)-1]
}

type Stats struct {
	Booking       OperationStats
	Cancel        OperationStats
	ListByPatient OperationStats
	SlotStatus    OperationStats
}

type Simulator struct {
	config SimConfig
	pool   *DataPool
	client *http.Client
	stats  Stats
	logger zerolog.Logger
}

func main() {
	cfg, baseCfg := loadConfig()
	logger := logging.New(baseCfg.Env, baseCfg.LogLevel)

	if err := validateConfig(cfg); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}

	logger.Info().
		Str("mode", cfg.Mode).
		Dur("duration", cfg.Duration).
		Int("workers", cfg.Workers).
		Float64("booking", cfg.BookingRatio).
		Float64("cancel", cfg.CancelRatio).
		Float64("read", cfg.ReadRatio).
		Msg("simulator starting")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	pgPool, err := db.ConnectPostgres(ctx, cfg.PostgresDSN)
	if err != nil {
		cancel()
		logger.Fatal().Err(err).Msg("connect postgres")
	}
	dataPool, err := loadDataPool(ctx, pgPool, cfg)
	cancel()
	pgPool.Close()
	if err != nil {
		logger.Fatal().Err(err).Msg("load data pool")
	}

	logger.Info().Int("patients", len(dataPool.Patients)).Int("slots", len(dataPool.Slots)).Msg("data pool loaded")

	sim := &Simulator{
		config: cfg,
		pool:   dataPool,
		client: &http.Client{Timeout: 10 * time.Second},
		logger: logger,
	}

	switch cfg.Mode {
	case "burst":
		err = sim.RunBurst(context.Background())
	default:
		err = sim.RunMixed(context.Background())
	}
	sim.PrintReport()
	if err != nil {
		logger.Error().Err(err).Msg("simulation failed")
		os.Exit(1)
	}
}

func loadConfig() (SimConfig, config.Config) {
	baseCfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load base config: %v\n", err)
		os.Exit(1)
	}

	cfg := SimConfig{
		APIBaseURL:   getEnv("SIM_API_BASE_URL", "http://localhost:8080"),
		Mode:         getEnv("SIM_MODE", "mixed"),
		Duration:     getDuration("SIM_DURATION", 30*time.Second),
		Workers:      getInt("SIM_WORKERS", 20),
		BookingRatio: getFloat("SIM_BOOKING_RATIO", 0.6),
		CancelRatio:  getFloat("SIM_CANCEL_RATIO", 0.1),
		ReadRatio:    getFloat("SIM_READ_RATIO", 0.3),
		PatientLimit: getInt("SIM_PATIENT_LIMIT", 2000),
		SlotLimit:    getInt("SIM_SLOT_LIMIT", 200),
		BurstSlots:   getInt("SIM_BURST_SLOTS", 5),
		PostgresDSN:  baseCfg.PostgresDSN,
		JWTSecret:    baseCfg.AuthJWTSecret,
	}

	// Normalize ratios
	total := cfg.BookingRatio + cfg.CancelRatio + cfg.ReadRatio
	if total > 0 {
		cfg.BookingRatio /= total
		cfg.CancelRatio /= total
		cfg.ReadRatio /= total
	}

	return cfg, baseCfg
}

func validateConfig(cfg SimConfig) error {
	if cfg.PostgresDSN == "" {
		return errors.New("POSTGRES_DSN is required (set in .env or environment)")
	}
	if cfg.Workers <= 0 {
		return errors.New("SIM_WORKERS must be > 0")
	}
	if cfg.Duration <= 0 {
		return errors.New("SIM_DURATION must be > 0")
	}
	if cfg.Mode != "mixed" && cfg.Mode != "burst" {
		return fmt.Errorf("SIM_MODE must be mixed or burst, got %q", cfg.Mode)
	}
	return nil
}

func loadDataPool(ctx context.Context, pool *pgxpool.Pool, cfg SimConfig) (*DataPool, error) {
	dataPool := &DataPool{}

	rows, err := pool.Query(ctx, `SELECT id_number, birth_date FROM patients ORDER BY random() LIMIT $1`, cfg.PatientLimit)
	if err != nil {
		return nil, fmt.Errorf("load patients: %w", err)
	}
	for rows.Next() {
		p := &simPatient{}
		if err := rows.Scan(&p.IDNumber, &p.BirthDate); err != nil {
			rows.Close()
			return nil, err
		}
		if cfg.JWTSecret != "" {
			p.Token, err = api.SignToken([]byte(cfg.JWTSecret), p.IDNumber, p.BirthDate, "patient", cfg.Duration+time.Hour)
			if err != nil {
				rows.Close()
				return nil, err
			}
		}
		dataPool.Patients = append(dataPool.Patients, p)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	rows, err = pool.Query(ctx, `
		SELECT id FROM doctor_schedules
		WHERE status = 'AVAILABLE' AND date >= current_date
		ORDER BY date
		LIMIT $1
	`, cfg.SlotLimit)
	if err != nil {
		return nil, fmt.Errorf("load slots: %w", err)
	}
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return nil, err
		}
		dataPool.Slots = append(dataPool.Slots, id)
	}
	rows.Close()

	if len(dataPool.Patients) == 0 {
		return nil, errors.New("no patients loaded, run seed first")
	}
	if len(dataPool.Slots) == 0 {
		return nil, errors.New("no open slots loaded, run seed first")
	}

	return dataPool, nil
}

// RunMixed drives a steady mix of bookings, cancellations and reads.
func (s *Simulator) RunMixed(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, s.config.Duration)
	defer cancel()

	g, ctx := errgroup.WithContext(ctx)
	for i := 0; i < s.config.Workers; i++ {
		workerID := i
		g.Go(func() error {
			s.worker(ctx, workerID)
			return nil
		})
	}
	err := g.Wait()
	s.logger.Info().Msg("simulation complete")
	return err
}

func (s *Simulator) worker(ctx context.Context, workerID int) {
	rng := rand.New(rand.NewSource(time.Now().UnixNano() + int64(workerID)))

	for ctx.Err() == nil {
		r := rng.Float64()
		switch {
		case r < s.config.BookingRatio:
			s.doBooking(ctx, s.pool.Slots[rng.Intn(len(s.pool.Slots))], s.randomPatient(rng))
		case r < s.config.BookingRatio+s.config.CancelRatio:
			s.doCancel(ctx, rng)
		default:
			if rng.Intn(2) == 0 {
				s.doListByPatient(ctx, s.randomPatient(rng))
			} else {
				s.doSlotStatus(ctx, s.pool.Slots[rng.Intn(len(s.pool.Slots))])
			}
		}
	}
}

// RunBurst points every worker at the same few slots at once and then checks
// that no slot ended up with more confirmed bookings than seats.
func (s *Simulator) RunBurst(ctx context.Context) error {
	slots := s.pool.Slots
	if len(slots) > s.config.BurstSlots {
		slots = slots[:s.config.BurstSlots]
	}

	for _, slotID := range slots {
		start := make(chan struct{})
		g, gctx := errgroup.WithContext(ctx)
		for i := 0; i < s.config.Workers; i++ {
			p := s.pool.Patients[i%len(s.pool.Patients)]
			g.Go(func() error {
				<-start
				s.doBooking(gctx, slotID, p)
				return nil
			})
		}
		close(start)
		if err := g.Wait(); err != nil {
			return err
		}

		st, err := s.fetchStatus(ctx, slotID)
		if err != nil {
			return fmt.Errorf("status for %s: %w", slotID, err)
		}
		evt := s.logger.Info()
		if st.BookedCount > st.MaxAppointments {
			evt = s.logger.Error()
		}
		evt.
			Str("schedule_id", slotID.String()).
			Int("booked", st.BookedCount).
			Int("max", st.MaxAppointments).
			Str("status", st.Status).
			Msg("burst finished")
		if st.BookedCount > st.MaxAppointments {
			return fmt.Errorf("schedule %s overbooked: %d > %d", slotID, st.BookedCount, st.MaxAppointments)
		}
	}
	return nil
}

func (s *Simulator) randomPatient(rng *rand.Rand) *simPatient {
	return s.pool.Patients[rng.Intn(len(s.pool.Patients))]
}

// identityBody fills the identity fields an anonymous caller must send.
// Without AUTH_JWT_SECRET the server runs in dev captcha mode, which accepts
// any non-empty token.
func identityBody(p *simPatient, body map[string]any) map[string]any {
	if p.Token == "" {
		body["id_number"] = p.IDNumber
		body["birth_date"] = p.BirthDate.Format(time.DateOnly)
		body["captcha_token"] = "simulate"
	}
	return body
}

func (s *Simulator) do(ctx context.Context, method, path string, p *simPatient, body any, out any) (int, error) {
	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			return 0, err
		}
	}

	req, err := http.NewRequestWithContext(ctx, method, s.config.APIBaseURL+path, &buf)
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")
	if p != nil && p.Token != "" {
		req.Header.Set("Authorization", "Bearer "+p.Token)
	}

	resp, err := s.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer resp.Body.Close()

	if out != nil && resp.StatusCode < 300 {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return resp.StatusCode, err
		}
	}
	return resp.StatusCode, nil
}

func (s *Simulator) doBooking(ctx context.Context, slotID uuid.UUID, p *simPatient) {
	start := time.Now()

	var appt api.AppointmentResponse
	status, err := s.do(ctx, http.MethodPost, "/api/v1/appointments", p,
		identityBody(p, map[string]any{"schedule_id": slotID.String()}), &appt)

	if ctx.Err() != nil {
		return
	}
	s.stats.Booking.Record(time.Since(start), status, err)
	if err == nil && status == http.StatusCreated {
		s.pool.AddAppointment(booked{ID: appt.AppointmentID, Patient: p})
	}
}

func (s *Simulator) doCancel(ctx context.Context, rng *rand.Rand) {
	b, ok := s.pool.TakeAppointment(rng)
	if !ok {
		return
	}

	start := time.Now()
	status, err := s.do(ctx, http.MethodPost, "/api/v1/appointments/"+b.ID.String()+"/cancel", b.Patient,
		identityBody(b.Patient, map[string]any{}), nil)
	if ctx.Err() != nil {
		return
	}
	s.stats.Cancel.Record(time.Since(start), status, err)
}

func (s *Simulator) doListByPatient(ctx context.Context, p *simPatient) {
	start := time.Now()
	status, err := s.do(ctx, http.MethodPost, "/api/v1/appointments/by-patient", p,
		identityBody(p, map[string]any{"limit": 20}), nil)
	if ctx.Err() != nil {
		return
	}
	s.stats.ListByPatient.Record(time.Since(start), status, err)
}

func (s *Simulator) doSlotStatus(ctx context.Context, slotID uuid.UUID) {
	start := time.Now()
	status, err := s.do(ctx, http.MethodGet, "/api/v1/schedules/"+slotID.String()+"/status", nil, nil, nil)
	if ctx.Err() != nil {
		return
	}
	s.stats.SlotStatus.Record(time.Since(start), status, err)
}

func (s *Simulator) fetchStatus(ctx context.Context, slotID uuid.UUID) (*api.ScheduleStatusResponse, error) {
	var st api.ScheduleStatusResponse
	code, err := s.do(ctx, http.MethodGet, "/api/v1/schedules/"+slotID.String()+"/status", nil, nil, &st)
	if err != nil {
		return nil, err
	}
	if code != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d", code)
	}
	return &st, nil
}

func (s *Simulator) PrintReport() {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("SIMULATION REPORT")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf("Mode: %s\n", s.config.Mode)
	fmt.Printf("Workers: %d\n", s.config.Workers)
	fmt.Println()

	printOperationReport("Booking", &s.stats.Booking)
	printOperationReport("Cancel", &s.stats.Cancel)
	printOperationReport("List by Patient", &s.stats.ListByPatient)
	printOperationReport("Slot Status", &s.stats.SlotStatus)
}

func printOperationReport(name string, om *OperationStats) {
	total := atomic.LoadInt64(&om.Total)
	if total == 0 {
		return
	}

	success := atomic.LoadInt64(&om.Success)
	conflict := atomic.LoadInt64(&om.Conflict)
	failed := atomic.LoadInt64(&om.Error)

	avg, p50, p95, p99, max := om.Percentiles()

	fmt.Printf("%s:\n", name)
	fmt.Printf("  Total: %d\n", total)
	fmt.Printf("  Success: %d (%.1f%%)\n", success, float64(success)/float64(total)*100)
	if conflict > 0 {
		fmt.Printf("  Conflicts: %d (%.1f%%)\n", conflict, float64(conflict)/float64(total)*100)
	}
	if failed > 0 {
		fmt.Printf("  Errors: %d (%.1f%%)\n", failed, float64(failed)/float64(total)*100)
	}
	fmt.Printf("  Latency: avg=%s p50=%s p95=%s p99=%s max=%s\n",
		avg.Round(time.Millisecond), p50.Round(time.Millisecond), p95.Round(time.Millisecond),
		p99.Round(time.Millisecond), max.Round(time.Millisecond))
	fmt.Println()
}

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
