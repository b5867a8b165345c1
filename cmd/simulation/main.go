package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/ksred/paysync-api/internal/auth"
	"github.com/ksred/paysync-api/internal/config"
	"github.com/ksred/paysync-api/internal/database"
	"github.com/ksred/paysync-api/internal/idempotency"
	"github.com/ksred/paysync-api/internal/notify"
	"github.com/ksred/paysync-api/internal/orders"
	"github.com/ksred/paysync-api/internal/payments"
	"github.com/ksred/paysync-api/internal/provider"
	"github.com/ksred/paysync-api/internal/reconcile"
	"github.com/ksred/paysync-api/internal/scheduler"
	"github.com/ksred/paysync-api/internal/webhook"
	"github.com/ksred/paysync-api/pkg/middleware"
)

const (
	minIntents      = 15
	maxIntents      = 80
	numWorkers      = 8
	maxRedeliveries = 3
	numScheduled    = 10
	serverPort      = 8081
	signingSecret   = "whsec_simulation"
	jwtSecret       = "paysync-simulation-secret"
)

var (
	serverAddress = fmt.Sprintf("http://localhost:%d", serverPort)
	products      = []string{"prod_print", "prod_frame", "prod_canvas", "prod_poster"}
)

// init configures the logger for the simulation with pretty printing and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger().Level(zerolog.InfoLevel)
	gin.SetMode(gin.ReleaseMode)
}

// routeStats tracks performance statistics for an API endpoint
type routeStats struct {
	mu         sync.Mutex
	name       string
	durations  []time.Duration
	totalCalls int
	failures   int
}

func (rs *routeStats) addDuration(d time.Duration, failed bool) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.durations = append(rs.durations, d)
	rs.totalCalls++
	if failed {
		rs.failures++
	}
}

// calculate returns min, max, mean, median, p95 and p99 of the recorded durations
func (rs *routeStats) calculate() (min, max, mean, median, p95, p99 time.Duration) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	if len(rs.durations) == 0 {
		return 0, 0, 0, 0, 0, 0
	}

	sort.Slice(rs.durations, func(i, j int) bool {
		return rs.durations[i] < rs.durations[j]
	})

	min = rs.durations[0]
	max = rs.durations[len(rs.durations)-1]

	var sum time.Duration
	for _, d := range rs.durations {
		sum += d
	}
	mean = sum / time.Duration(len(rs.durations))
	median = rs.durations[len(rs.durations)/2]

	p95idx := int(math.Ceil(float64(len(rs.durations))*0.95)) - 1
	p99idx := int(math.Ceil(float64(len(rs.durations))*0.99)) - 1
	p95 = rs.durations[p95idx]
	p99 = rs.durations[p99idx]
	return
}

// delivery is one HTTP delivery of a signed event. Redeliveries share the body.
type delivery struct {
	eventID string
	intent  string
	body    []byte
}

// intentPlan is the set of events the simulated provider emits for one intent
type intentPlan struct {
	ref     string
	session string
	email   string
	product string
	amount  int64
	failure bool // a failed attempt precedes the success
}

// simulationClient delivers webhooks and queries the admin API
type simulationClient struct {
	baseURL   string
	authToken string
	client    *http.Client
	stats     map[string]*routeStats
}

func newSimulationClient(authService *auth.Service) (*simulationClient, error) {
	token, err := authService.IssueToken("simulation")
	if err != nil {
		return nil, fmt.Errorf("failed to mint admin token: %w", err)
	}

	return &simulationClient{
		baseURL:   serverAddress,
		authToken: token.Token,
		client:    &http.Client{Timeout: 10 * time.Second},
		stats: map[string]*routeStats{
			"webhook":  {name: "Webhook Delivery"},
			"orders":   {name: "List Orders"},
			"schedule": {name: "Schedule Payment"},
			"run":      {name: "Scheduler Run"},
		},
	}, nil
}

// deliver posts a signed webhook and returns the dispatcher outcome
func (sc *simulationClient) deliver(d delivery) (string, error) {
	start := time.Now()
	failed := true
	defer func() {
		sc.stats["webhook"].addDuration(time.Since(start), failed)
	}()

	req, err := http.NewRequest(http.MethodPost, sc.baseURL+"/api/v1/webhooks/payments", bytes.NewReader(d.body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(webhook.SignatureHeader, webhook.Sign(d.body, signingSecret, time.Now()))

	resp, err := sc.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", fmt.Errorf("failed to read response body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("webhook %s failed with status %d: %s", d.eventID, resp.StatusCode, string(respBody))
	}

	var result struct {
		Outcome string `json:"outcome"`
	}
	if err := json.Unmarshal(respBody, &result); err != nil {
		return "", fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	failed = false
	return result.Outcome, nil
}

func (sc *simulationClient) adminRequest(stat, method, path string, payload interface{}, out interface{}) error {
	start := time.Now()
	failed := true
	defer func() {
		sc.stats[stat].addDuration(time.Since(start), failed)
	}()

	var body io.Reader
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(raw)
	}

	req, err := http.NewRequest(method, sc.baseURL+path, body)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", fmt.Sprintf("Bearer %s", sc.authToken))
	req.Header.Set("Content-Type", "application/json")

	resp, err := sc.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}
	log.Debug().Str("path", path).Str("response", string(respBody)).Msg("Admin response")

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("%s %s failed with status %d: %s", method, path, resp.StatusCode, string(respBody))
	}

	envelope := struct {
		Data interface{} `json:"data"`
	}{Data: out}
	if err := json.Unmarshal(respBody, &envelope); err != nil {
		return fmt.Errorf("failed to decode response: %w, body: %s", err, string(respBody))
	}
	failed = false
	return nil
}

func (sc *simulationClient) ordersFor(ref string) ([]orders.Order, error) {
	var out []orders.Order
	err := sc.adminRequest("orders", http.MethodGet, "/api/v1/admin/orders?payment_intent="+ref, nil, &out)
	return out, err
}

func (sc *simulationClient) printPerformanceStats() {
	fmt.Println("\nAPI Performance Statistics")
	fmt.Println(strings.Repeat("-", 100))
	fmt.Printf("%-20s %10s %10s %10s %10s %10s %10s %10s %10s\n",
		"Endpoint", "Calls", "Errors", "Min", "Max", "Mean", "Median", "P95", "P99")
	fmt.Println(strings.Repeat("-", 100))

	for _, key := range []string{"webhook", "orders", "schedule", "run"} {
		stats := sc.stats[key]
		min, max, mean, median, p95, p99 := stats.calculate()
		fmt.Printf("%-20s %10d %10d %10s %10s %10s %10s %10s %10s\n",
			stats.name,
			stats.totalCalls,
			stats.failures,
			min.Round(time.Millisecond),
			max.Round(time.Millisecond),
			mean.Round(time.Millisecond),
			median.Round(time.Millisecond),
			p95.Round(time.Millisecond),
			p99.Round(time.Millisecond))
	}
	fmt.Println(strings.Repeat("-", 100))
}

// main starts an in-process server, replays a duplicate-heavy, out-of-order
// webhook storm against it and checks that every intent ended up with exactly
// one settled order
func main() {
	dir, err := os.MkdirTemp("", "paysync-simulation")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create work directory")
	}
	defer os.RemoveAll(dir)

	authService := auth.NewService(jwtSecret, time.Hour)
	simProvider := provider.NewSimulated(provider.SimulatedConfig{
		MinLatency:     5 * time.Millisecond,
		MaxLatency:     40 * time.Millisecond,
		SuccessRate:    0.8,
		ProcessingRate: 0.1,
	})

	go func() {
		if err := startServer(filepath.Join(dir, "simulation.db"), authService, simProvider); err != nil {
			log.Fatal().Err(err).Msg("Failed to start server")
		}
	}()

	// Wait for server to start
	time.Sleep(2 * time.Second)

	simClient, err := newSimulationClient(authService)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize simulation client")
	}

	numIntents := rand.Intn(maxIntents-minIntents) + minIntents
	plans := make([]intentPlan, numIntents)
	for i := range plans {
		plans[i] = intentPlan{
			ref:     "pi_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24],
			session: "cs_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24],
			email:   fmt.Sprintf("guest%d@example.com", i),
			product: products[rand.Intn(len(products))],
			amount:  int64(rand.Intn(20000) + 500),
			failure: rand.Intn(4) == 0,
		}
	}

	deliveries := buildDeliveries(plans)
	log.Info().
		Int("intents", numIntents).
		Int("deliveries", len(deliveries)).
		Msg("Starting webhook storm")

	stats := struct {
		sync.Mutex
		Outcomes  map[string]int
		Errors    int
		StartTime time.Time
	}{
		Outcomes:  make(map[string]int),
		StartTime: time.Now(),
	}

	work := make(chan delivery)
	var wg sync.WaitGroup
	for i := 0; i < numWorkers; i++ {
		wg.Add(1)
		go func(workerID int) {
			defer wg.Done()
			for d := range work {
				outcome, err := simClient.deliver(d)
				stats.Lock()
				if err != nil {
					stats.Errors++
					log.Error().Err(err).Int("worker_id", workerID).Str("event_id", d.eventID).Str("payment_intent", d.intent).Msg("Delivery failed")
				} else {
					stats.Outcomes[outcome]++
				}
				stats.Unlock()
			}
		}(i)
	}
	for _, d := range deliveries {
		work <- d
	}
	close(work)
	wg.Wait()
	stormDuration := time.Since(stats.StartTime)

	// Verify one settled order per intent
	var verified, missing, duplicated, unsettled int
	for _, plan := range plans {
		found, err := simClient.ordersFor(plan.ref)
		if err != nil {
			log.Error().Err(err).Str("payment_intent", plan.ref).Msg("Failed to list orders")
			missing++
			continue
		}
		switch {
		case len(found) == 0:
			missing++
		case len(found) > 1:
			duplicated++
			log.Error().Str("payment_intent", plan.ref).Int("orders", len(found)).Msg("Duplicate orders for intent")
		case found[0].PaymentStatus != "succeeded":
			unsettled++
			log.Error().Str("payment_intent", plan.ref).Str("payment_status", string(found[0].PaymentStatus)).Msg("Order not settled")
		default:
			verified++
		}
	}

	summary := runScheduledPayments(simClient, simProvider)

	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("WEBHOOK RECONCILIATION SIMULATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))
	fmt.Printf(`
Webhook Storm
------------------
Intents:          %d
Deliveries:       %d
Handled:          %d
Duplicates:       %d
Ignored:          %d
Delivery Errors:  %d
Duration:         %v

Verification
------------------
One order, paid:  %d
Missing:          %d
Duplicated:       %d
Unsettled:        %d

Scheduled Payments
------------------
Processed:        %d
Succeeded:        %d
Pending:          %d
Failed:           %d
`, numIntents, len(deliveries),
		stats.Outcomes[string(webhook.Handled)], stats.Outcomes[string(webhook.Duplicate)], stats.Outcomes[string(webhook.Ignored)],
		stats.Errors, stormDuration.Round(time.Millisecond),
		verified, missing, duplicated, unsettled,
		summary.Processed, summary.Succeeded, summary.Pending, summary.Failed)
	fmt.Println("\n" + strings.Repeat("=", 80))

	simClient.printPerformanceStats()

	if missing+duplicated+unsettled > 0 {
		log.Fatal().
			Int("missing", missing).
			Int("duplicated", duplicated).
			Int("unsettled", unsettled).
			Msg("Simulation found inconsistent orders")
	}
	log.Info().Int("verified", verified).Msg("Simulation completed")
}

// buildDeliveries expands every plan into its events, redelivers each one a
// random number of times and shuffles the lot so failures can race successes
func buildDeliveries(plans []intentPlan) []delivery {
	var out []delivery
	for _, plan := range plans {
		metadata := map[string]string{
			"productId":  plan.product,
			"guestEmail": plan.email,
			"quantity":   "1",
		}

		events := []struct {
			typ    webhook.EventType
			object interface{}
		}{
			{webhook.PaymentIntentSucceeded, webhook.PaymentIntentObject{
				ID: plan.ref, Amount: plan.amount, Currency: "usd", Status: "succeeded",
				LatestCharge: "ch_" + plan.ref[3:], ReceiptEmail: plan.email, Metadata: metadata,
			}},
			{webhook.CheckoutSessionCompleted, webhook.CheckoutSessionObject{
				ID: plan.session, PaymentIntent: plan.ref, PaymentStatus: "paid", AmountTotal: plan.amount,
				Currency: "usd", CustomerEmail: plan.email, Metadata: metadata,
			}},
		}
		if plan.failure {
			events = append(events, struct {
				typ    webhook.EventType
				object interface{}
			}{webhook.PaymentIntentPaymentFailed, webhook.PaymentIntentObject{
				ID: plan.ref, Amount: plan.amount, Currency: "usd", Status: "requires_payment_method",
				Metadata: metadata, LastPaymentError: &webhook.PaymentError{Code: "card_declined"},
			}})
		}

		for _, e := range events {
			object, err := json.Marshal(e.object)
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to encode event object")
			}
			evt := webhook.Event{
				ID:      "evt_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24],
				Type:    e.typ,
				Created: time.Now().Unix(),
				Data:    webhook.EventData{Object: object},
			}
			body, err := json.Marshal(evt)
			if err != nil {
				log.Fatal().Err(err).Msg("Failed to encode event")
			}
			for i := rand.Intn(maxRedeliveries) + 1; i > 0; i-- {
				out = append(out, delivery{eventID: evt.ID, intent: plan.ref, body: body})
			}
		}
	}

	rand.Shuffle(len(out), func(i, j int) { out[i], out[j] = out[j], out[i] })
	return out
}

// runScheduledPayments schedules due payments through the admin API and
// triggers one executor run
func runScheduledPayments(sc *simulationClient, simProvider *provider.Simulated) scheduler.Summary {
	for i := 0; i < numScheduled; i++ {
		customer := fmt.Sprintf("cus_sim_%d", i)
		// every third customer has no card on file
		if i%3 != 2 {
			simProvider.AddPaymentMethod(customer, true)
		}
		req := payments.ScheduleRequest{
			CustomerID:    customer,
			Amount:        int64(rand.Intn(5000) + 100),
			Currency:      "usd",
			ScheduledDate: time.Now().Add(-time.Minute),
		}
		var created payments.Payment
		if err := sc.adminRequest("schedule", http.MethodPost, "/api/v1/admin/payments/scheduled", req, &created); err != nil {
			log.Error().Err(err).Str("customer_id", customer).Msg("Failed to schedule payment")
		}
	}

	var summary scheduler.Summary
	if err := sc.adminRequest("run", http.MethodPost, "/api/v1/admin/scheduler/run", nil, &summary); err != nil {
		log.Error().Err(err).Msg("Scheduler run failed")
	}
	return summary
}

// startServer wires the reconciliation service against a fresh sqlite file
func startServer(dbPath string, authService *auth.Service, client provider.Client) error {
	db, err := database.NewDatabase(config.DatabaseConfig{Driver: "sqlite", SQLitePath: dbPath}, false)
	if err != nil {
		return fmt.Errorf("failed to initialize database: %w", err)
	}

	guard := idempotency.NewGuard(idempotency.NewMemorySet(time.Hour), idempotency.NewDatabase(db), 24*time.Hour)
	machine := orders.NewStateMachine(db, true)
	reconciler := reconcile.New(db, machine, orders.NewNumberGenerator(db, orders.DefaultNumberAttempts), notify.NewLogNotifier())

	dispatcher := webhook.NewDispatcher(webhook.NewRegistry(reconciler), guard)
	webhookHandlers := webhook.NewGinHandlers(dispatcher, webhook.ReceiverConfig{
		SigningSecret: signingSecret,
		Tolerance:     5 * time.Minute,
	})
	orderHandlers := orders.NewGinHandlers(orders.NewService(db, machine))
	paymentHandlers := payments.NewGinHandlers(payments.NewService(db, client))
	executor := scheduler.NewExecutor(db, client, reconciler, scheduler.ExecutorConfig{ProviderTimeout: 2 * time.Second})
	schedulerHandlers := scheduler.NewGinHandlers(scheduler.NewProcessor(executor, guard, time.Minute))

	router := gin.New()
	router.Use(gin.Recovery())

	v1 := router.Group("/api/v1")
	{
		v1.POST("/webhooks/payments", webhookHandlers.ReceiveHandler())

		admin := v1.Group("/admin")
		admin.Use(middleware.AdminAuth(authService))
		{
			admin.GET("/orders", orderHandlers.ListOrdersHandler())
			admin.POST("/payments/scheduled", paymentHandlers.SchedulePaymentHandler())
			admin.POST("/scheduler/run", schedulerHandlers.RunHandler())
		}
	}

	return router.Run(fmt.Sprintf(":%d", serverPort))
}
