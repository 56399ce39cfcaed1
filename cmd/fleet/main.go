package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"gorm.io/gorm"

	"github.com/Themath93/stock-manager-sub000/internal/database"
	"github.com/Themath93/stock-manager-sub000/internal/gateway/sim"
	"github.com/Themath93/stock-manager-sub000/internal/lifecycle"
	"github.com/Themath93/stock-manager-sub000/internal/locks"
	"github.com/Themath93/stock-manager-sub000/internal/notify"
	"github.com/Themath93/stock-manager-sub000/internal/orders"
	"github.com/Themath93/stock-manager-sub000/internal/recovery"
	"github.com/Themath93/stock-manager-sub000/internal/signal"
	"github.com/Themath93/stock-manager-sub000/internal/types"
	"github.com/Themath93/stock-manager-sub000/internal/worker"
)

const (
	numWorkers  = 5
	runDuration = 30 * time.Second
	accountID   = "sub000"
)

var watchlist = []string{"005930", "000660", "035420", "005380", "068270", "051910", "035720"}

// init configures the logger for the fleet simulation with pretty printing
// and timestamp
func init() {
	output := zerolog.ConsoleWriter{
		Out:        os.Stdout,
		TimeFormat: time.RFC3339,
	}
	log.Logger = zerolog.New(output).With().Timestamp().Logger()
}

// fleetStats aggregates the post-run numbers pulled from the shared store.
type fleetStats struct {
	OrdersByStatus map[string]int64
	FillsBySymbol  map[string]int64
	RecordsByKind  map[string]int64
	HaltedWorkers  []string
	LocksLeft      int
	WorkersLeft    int
}

// main runs an in-process fleet of workers against the simulated brokerage
// and reports how the coordination layer held up.
func main() {
	db, err := database.NewDatabase("file:fleetsim?mode=memory&cache=shared")
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize database")
	}

	broker := sim.NewBroker()
	broker.RejectRate = 0.05
	broker.AmbiguousRate = 0.02
	broker.PartialChance = 0.3
	for _, symbol := range watchlist {
		broker.SeedPrice(symbol, 100+rand.Float64()*100)
	}

	lockService := locks.NewService(db, 10*time.Second)
	lifecycleService := lifecycle.NewService(db, lockService)
	orderService := orders.NewService(db, broker)
	recoveryService := recovery.NewService(db, orderService, broker)
	recoveryService.SetNotifier(notify.NewLogSink())

	ctx, cancel := context.WithTimeout(context.Background(), runDuration)
	defer cancel()

	if err := recoveryService.RunUntilReady(ctx, accountID, time.Second); err != nil {
		log.Fatal().Err(err).Msg("State recovery failed, not starting the fleet")
	}

	go locks.NewSweeper(lockService, time.Second).Start(ctx)
	go lifecycle.NewSweeper(lifecycleService, time.Second, 5*time.Second).Start(ctx)

	var (
		wg     sync.WaitGroup
		mu     sync.Mutex
		halted []string
	)
	start := time.Now()
	for i := 1; i <= numWorkers; i++ {
		workerID := fmt.Sprintf("worker-%d", i)
		w := worker.New(worker.Config{
			WorkerID:          workerID,
			AccountID:         accountID,
			LockTTL:           10 * time.Second,
			HeartbeatInterval: time.Second,
			HeartbeatGrace:    3,
			LoopInterval:      200 * time.Millisecond,
			FillPollInterval:  50 * time.Millisecond,
			FillPollTimeout:   3 * time.Second,
			OrderQuantity:     float64(rand.Intn(90) + 10),
			TargetGainPct:     0.003,
			StopLossPct:       0.002,
		}, lockService, lifecycleService, orderService,
			signal.NewWatchlist(watchlist), broker, notify.NewLogSink())

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := w.Run(ctx); err != nil {
				if errors.Is(err, worker.ErrHalted) {
					mu.Lock()
					halted = append(halted, workerID)
					mu.Unlock()
				}
				log.Error().Err(err).Str("worker_id", workerID).Msg("Worker stopped with error")
			}
		}()

		// Stagger startups a little
		time.Sleep(time.Duration(rand.Intn(200)) * time.Millisecond)
	}

	wg.Wait()
	duration := time.Since(start)

	stats := collectStats(db, halted)
	printSummary(stats, duration)
}

// collectStats pulls the end-of-run numbers straight from the shared store.
func collectStats(db *gorm.DB, halted []string) *fleetStats {
	stats := &fleetStats{
		OrdersByStatus: make(map[string]int64),
		FillsBySymbol:  make(map[string]int64),
		RecordsByKind:  make(map[string]int64),
		HaltedWorkers:  halted,
	}

	for _, status := range []string{
		types.OrderStatusNew, types.OrderStatusSent, types.OrderStatusPartial,
		types.OrderStatusFilled, types.OrderStatusCanceled, types.OrderStatusRejected,
	} {
		var count int64
		db.Model(&types.Order{}).Where("status = ?", status).Count(&count)
		stats.OrdersByStatus[status] = count
	}

	type symbolCount struct {
		Symbol string
		Count  int64
	}
	var perSymbol []symbolCount
	db.Table("fills").
		Select("orders.symbol as symbol, count(*) as count").
		Joins("join orders on orders.order_id = fills.order_id").
		Group("orders.symbol").
		Scan(&perSymbol)
	for _, sc := range perSymbol {
		stats.FillsBySymbol[sc.Symbol] = sc.Count
	}

	recoveryDB := recovery.NewDatabase(db)
	for _, kind := range []string{
		recovery.KindUnconfirmedSubmit, recovery.KindUnknownBrokerOrder,
		recovery.KindFillMismatch, recovery.KindStatusMismatch,
		recovery.KindOrphanPosition,
	} {
		if count, err := recoveryDB.CountByKind(kind); err == nil && count > 0 {
			stats.RecordsByKind[kind] = count
		}
	}

	var lockCount, workerCount int64
	db.Model(&locks.Lock{}).Count(&lockCount)
	db.Model(&lifecycle.WorkerRecord{}).Count(&workerCount)
	stats.LocksLeft = int(lockCount)
	stats.WorkersLeft = int(workerCount)

	return stats
}

// printSummary renders the run report
func printSummary(stats *fleetStats, duration time.Duration) {
	fmt.Println("\n" + strings.Repeat("=", 80))
	fmt.Println("FLEET COORDINATION SUMMARY")
	fmt.Println(strings.Repeat("=", 80))

	fmt.Printf(`
Order Statistics
----------------
Filled:    %d
Partial:   %d
Canceled:  %d
Rejected:  %d
In flight: %d
Duration:  %v

Fills per Symbol
----------------
`, stats.OrdersByStatus[types.OrderStatusFilled],
		stats.OrdersByStatus[types.OrderStatusPartial],
		stats.OrdersByStatus[types.OrderStatusCanceled],
		stats.OrdersByStatus[types.OrderStatusRejected],
		stats.OrdersByStatus[types.OrderStatusNew]+stats.OrdersByStatus[types.OrderStatusSent],
		duration.Round(time.Millisecond))

	var maxCount int64
	for _, count := range stats.FillsBySymbol {
		if count > maxCount {
			maxCount = count
		}
	}
	for symbol, count := range stats.FillsBySymbol {
		barLength := int(float64(count) / float64(maxCount) * 20)
		bar := strings.Repeat("#", barLength)
		fmt.Printf("%-8s: %s (%d)\n", symbol, bar, count)
	}

	fmt.Println("\nDivergence Records")
	fmt.Println("------------------")
	if len(stats.RecordsByKind) == 0 {
		fmt.Println("none")
	}
	for kind, count := range stats.RecordsByKind {
		fmt.Printf("%-24s: %d\n", kind, count)
	}

	fmt.Println("\nCoordination State")
	fmt.Println("------------------")
	fmt.Printf("Halted workers:    %d %v\n", len(stats.HaltedWorkers), stats.HaltedWorkers)
	fmt.Printf("Leases left:       %d (halted workers keep theirs)\n", stats.LocksLeft)
	fmt.Printf("Workers registered:%d\n", stats.WorkersLeft)
	fmt.Println(strings.Repeat("=", 80))

	log.Info().
		Int("halted_workers", len(stats.HaltedWorkers)).
		Int("leases_left", stats.LocksLeft).
		Int64("orders_filled", stats.OrdersByStatus[types.OrderStatusFilled]).
		Dur("duration", duration).
		Msg("Fleet simulation completed")
}
