package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/ethereum/go-ethereum/common"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"ammscope/internal/config"
	"ammscope/internal/ledger"
	"ammscope/internal/model"
	"ammscope/internal/oracle"
	"ammscope/internal/registry"
	"ammscope/internal/router"
	"ammscope/internal/storage"
	"ammscope/internal/storage/postgres"
)

// scriptOp is one line of the simulation script.
type scriptOp struct {
	Op           string   `json:"op"`
	From         string   `json:"from,omitempty"`
	To           string   `json:"to,omitempty"`
	Token        string   `json:"token,omitempty"`
	TokenA       string   `json:"token_a,omitempty"`
	TokenB       string   `json:"token_b,omitempty"`
	Amount       string   `json:"amount,omitempty"`
	AmountA      string   `json:"amount_a,omitempty"`
	AmountB      string   `json:"amount_b,omitempty"`
	AmountAMin   string   `json:"amount_a_min,omitempty"`
	AmountBMin   string   `json:"amount_b_min,omitempty"`
	AmountOutMin string   `json:"amount_out_min,omitempty"`
	AmountInMax  string   `json:"amount_in_max,omitempty"`
	Shares       string   `json:"shares,omitempty"`
	Path         []string `json:"path,omitempty"`
	Deadline     uint64   `json:"deadline,omitempty"`
	Seconds      uint64   `json:"seconds,omitempty"`
	Window       uint64   `json:"window,omitempty"`
}

// bufferSink tees events into an inner sink while keeping a copy for batched
// Postgres persistence at the end of the run.
type bufferSink struct {
	mu     sync.Mutex
	inner  storage.Sink
	events []model.Event
}

func (s *bufferSink) PutEventBatch(events []model.Event) error {
	s.mu.Lock()
	s.events = append(s.events, events...)
	s.mu.Unlock()
	if s.inner == nil {
		return nil
	}
	return s.inner.PutEventBatch(events)
}

type bufferObservationSink struct {
	mu           sync.Mutex
	inner        storage.ObservationSink
	observations []model.Observation
}

func (s *bufferObservationSink) PutObservationBatch(observations []model.Observation) error {
	s.mu.Lock()
	s.observations = append(s.observations, observations...)
	s.mu.Unlock()
	if s.inner == nil {
		return nil
	}
	return s.inner.PutObservationBatch(observations)
}

func runSimulate(cmd *cobra.Command, _ []string) error {
	cfgFile, _ := cmd.Flags().GetString("config")
	cfg, err := config.Load(cfgFile, cmd.Flags())
	if err != nil {
		return err
	}

	logger, err := newLogger(cfg.LogLevel)
	if err != nil {
		return err
	}
	defer logger.Sync()

	if cfg.ScriptPath == "" {
		return fmt.Errorf("script path is required")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var clock uint64
	now := func() uint64 { return clock }

	eventSink := &bufferSink{inner: storage.NewJsonlSink(cfg.OutPath)}
	obsSink := &bufferObservationSink{inner: storage.NewJsonlObservationSink(cfg.ObservationsOut)}

	book := ledger.New()
	pools := registry.New(registry.Config{
		Ledger: book,
		Sink:   eventSink,
		Logger: logger,
		Now:    now,
	})
	routerAddr := common.HexToAddress("0x00000000000000000000000000000000000000aa")
	vaultAddr := common.HexToAddress("0x00000000000000000000000000000000000000ee")
	wrapped := common.HexToAddress("0x00000000000000000000000000000000000000ef")
	vault := ledger.NewNativeVault(book, wrapped, vaultAddr)
	hops := router.New(router.Config{
		Address:  routerAddr,
		Registry: pools,
		Ledger:   book,
		Vault:    vault,
		Logger:   logger,
		Now:      now,
	})
	sampler := oracle.New(oracle.Config{
		MinWindow: cfg.OracleMinWindow,
		Sink:      obsSink,
		Logger:    logger,
		Now:       now,
	})

	file, err := os.Open(cfg.ScriptPath)
	if err != nil {
		return fmt.Errorf("open script: %w", err)
	}
	defer file.Close()

	logger.Info("simulation start",
		zap.String("script", cfg.ScriptPath),
		zap.String("out", cfg.OutPath),
		zap.String("observations_out", cfg.ObservationsOut),
	)

	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 1024*1024), 1024*1024)
	lineNo := 0
	applied, failed := 0, 0
	for scanner.Scan() {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		lineNo++
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		var op scriptOp
		if err := json.Unmarshal(line, &op); err != nil {
			return fmt.Errorf("parse script line %d: %w", lineNo, err)
		}

		if err := applyOp(op, &clock, book, pools, hops, sampler, logger); err != nil {
			failed++
			logger.Warn("operation failed",
				zap.Int("line", lineNo),
				zap.String("op", op.Op),
				zap.Error(err),
			)
		} else {
			applied++
		}
		// Each script line is one committed transaction.
		book.Discard()
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("read script: %w", err)
	}

	logger.Info("simulation done",
		zap.Int("applied", applied),
		zap.Int("failed", failed),
		zap.Int("events", len(eventSink.events)),
		zap.Int("observations", len(obsSink.observations)),
	)

	if cfg.PgDSN == "" {
		return nil
	}

	store, err := postgres.NewStore(ctx, cfg.PgDSN)
	if err != nil {
		return fmt.Errorf("connect postgres: %w", err)
	}
	defer store.Close()

	if err := storage.WithRetry(ctx, cfg.MaxRetries, cfg.RetryBackoff, func(ctx context.Context) error {
		return store.InsertEvents(ctx, eventSink.events)
	}); err != nil {
		return fmt.Errorf("persist events: %w", err)
	}
	if err := storage.WithRetry(ctx, cfg.MaxRetries, cfg.RetryBackoff, func(ctx context.Context) error {
		return store.UpsertObservations(ctx, obsSink.observations)
	}); err != nil {
		return fmt.Errorf("persist observations: %w", err)
	}
	return nil
}

func applyOp(op scriptOp, clock *uint64, book *ledger.Ledger, pools *registry.Registry, hops *router.Router, sampler *oracle.Oracle, logger *zap.Logger) error {
	deadline := op.Deadline
	if deadline == 0 {
		deadline = *clock
	}

	switch op.Op {
	case "advance":
		*clock += op.Seconds
		return nil

	case "fund":
		return book.Mint(addr(op.Token), addr(op.To), amount(op.Amount))

	case "fund-native":
		return book.Mint(ledger.NativeAsset, addr(op.To), amount(op.Amount))

	case "approve":
		return book.Approve(addr(op.Token), addr(op.From), hops.Address(), amount(op.Amount))

	case "transfer":
		return book.Transfer(addr(op.Token), addr(op.From), addr(op.To), amount(op.Amount))

	case "create":
		_, err := pools.Create(addr(op.From), addr(op.TokenA), addr(op.TokenB))
		return err

	case "add-liquidity":
		_, _, _, err := hops.AddLiquidity(addr(op.From), addr(op.TokenA), addr(op.TokenB),
			amount(op.AmountA), amount(op.AmountB), amount(op.AmountAMin), amount(op.AmountBMin),
			addr(op.To), deadline)
		return err

	case "remove-liquidity":
		_, _, err := hops.RemoveLiquidity(addr(op.From), addr(op.TokenA), addr(op.TokenB),
			amount(op.Shares), amount(op.AmountAMin), amount(op.AmountBMin), addr(op.To), deadline)
		return err

	case "swap-exact-in":
		_, err := hops.SwapExactInput(addr(op.From), amount(op.Amount), amount(op.AmountOutMin),
			path(op.Path), addr(op.To), deadline)
		return err

	case "swap-exact-out":
		_, err := hops.SwapExactOutput(addr(op.From), amount(op.Amount), amount(op.AmountInMax),
			path(op.Path), addr(op.To), deadline)
		return err

	case "deposit":
		p, err := pools.Get(addr(op.TokenA), addr(op.TokenB))
		if err != nil {
			return err
		}
		_, err = p.Deposit(addr(op.From), addr(op.To))
		return err

	case "withdraw":
		p, err := pools.Get(addr(op.TokenA), addr(op.TokenB))
		if err != nil {
			return err
		}
		_, _, err = p.Withdraw(addr(op.From), addr(op.To))
		return err

	case "skim":
		p, err := pools.Get(addr(op.TokenA), addr(op.TokenB))
		if err != nil {
			return err
		}
		return p.Skim(addr(op.From), addr(op.To))

	case "sync":
		p, err := pools.Get(addr(op.TokenA), addr(op.TokenB))
		if err != nil {
			return err
		}
		return p.Sync()

	case "oracle-update":
		p, err := pools.Get(addr(op.TokenA), addr(op.TokenB))
		if err != nil {
			return err
		}
		return sampler.Update(p)

	case "consult":
		p, err := pools.Get(addr(op.TokenA), addr(op.TokenB))
		if err != nil {
			return err
		}
		twap, err := sampler.Consult(p, op.Window)
		if err != nil {
			return err
		}
		logger.Info("twap",
			zap.String("pool", p.Address().Hex()),
			zap.Uint64("window", op.Window),
			zap.Uint64("elapsed", twap.Elapsed),
			zap.String("price_low_q112", twap.PriceLow.String()),
			zap.String("price_high_q112", twap.PriceHigh.String()),
		)
		return nil

	default:
		return fmt.Errorf("unknown op %q", op.Op)
	}
}

func addr(raw string) common.Address {
	return common.HexToAddress(raw)
}

func amount(raw string) *big.Int {
	if raw == "" {
		return new(big.Int)
	}
	value, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return new(big.Int)
	}
	return value
}

func path(raw []string) []common.Address {
	out := make([]common.Address, len(raw))
	for i, item := range raw {
		out[i] = common.HexToAddress(item)
	}
	return out
}
