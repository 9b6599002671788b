// Command noded runs a nodekit service node.
//
// The node announces its tools on the event bus, dispatches tool invocations
// to the built-in effect executor, and drains gracefully on SIGTERM/SIGINT.
//
// # Configuration
//
// A YAML config file (see runtime/config) supplies the defaults; environment
// variables override the connection settings:
//
//	NODE_ID         - Node identifier (default: generated)
//	NODE_NAME       - Node display name (default: "node")
//	REDIS_URL       - Redis address for the Pulse bus (default: in-memory bus)
//	REDIS_PASSWORD  - Redis password (optional)
//	MONGO_URI       - MongoDB URI for the catalog registry (optional)
//	CATALOG_CACHE   - Signed catalog cache path (default: "catalog.json")
//
// # Example
//
// Single in-process node:
//
//	go run ./cmd/noded
//
// Node on a shared Redis bus with a Mongo-backed catalog:
//
//	REDIS_URL=localhost:6379 MONGO_URI=mongodb://localhost:27017 ./noded
package main

import (
	"context"
	"flag"
	"fmt"
	"os"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/v2/mongo"
	mongooptions "go.mongodb.org/mongo-driver/v2/mongo/options"
	"goa.design/clue/log"

	pulsebus "goa.design/nodekit/features/bus/pulse"
	clientspulse "goa.design/nodekit/features/bus/pulse/clients/pulse"
	catalogmongo "goa.design/nodekit/features/catalog/mongo"
	clientsmongo "goa.design/nodekit/features/catalog/mongo/clients/mongo"
	"goa.design/nodekit/runtime/breaker"
	"goa.design/nodekit/runtime/bus"
	"goa.design/nodekit/runtime/cache"
	"goa.design/nodekit/runtime/catalog"
	"goa.design/nodekit/runtime/config"
	"goa.design/nodekit/runtime/effect"
	"goa.design/nodekit/runtime/manifest"
	"goa.design/nodekit/runtime/node"
	"goa.design/nodekit/runtime/reducer"
	"goa.design/nodekit/runtime/registry"
	"goa.design/nodekit/runtime/telemetry"
)

func main() {
	var (
		configF = flag.String("config", "", "Path to YAML config file")
		dbgF    = flag.Bool("debug", false, "Enable debug logs")
	)
	flag.Parse()

	format := log.FormatJSON
	if log.IsTerminal() {
		format = log.FormatTerminal
	}
	ctx := log.Context(context.Background(), log.WithFormat(format))
	if *dbgF {
		ctx = log.Context(ctx, log.WithDebug())
		log.Debugf(ctx, "debug logs enabled")
	}

	if err := run(ctx, *configF); err != nil {
		log.Fatal(ctx, err)
	}
}

func run(ctx context.Context, configPath string) error {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return err
		}
		cfg = loaded
	}

	// Environment overrides for connection settings.
	cfg.Node.ID = envOr("NODE_ID", cfg.Node.ID)
	cfg.Node.Name = envOr("NODE_NAME", cfg.Node.Name)
	cfg.Redis.URL = envOr("REDIS_URL", cfg.Redis.URL)
	cfg.Redis.Password = envOr("REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Mongo.URI = envOr("MONGO_URI", cfg.Mongo.URI)
	cfg.Catalog.CachePath = envOr("CATALOG_CACHE", cfg.Catalog.CachePath)
	if cfg.Node.ID == "" {
		cfg.Node.ID = uuid.NewString()
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	logger := telemetry.NewClueLogger()
	metrics := telemetry.NewClueMetrics()

	// Event bus: Pulse over Redis when configured, in-memory otherwise.
	var eventBus bus.Bus
	if cfg.Redis.URL != "" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.URL,
			Password: cfg.Redis.Password,
		})
		defer func() {
			if err := rdb.Close(); err != nil {
				log.Errorf(ctx, err, "close redis")
			}
		}()
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("connect to redis: %w", err)
		}
		client, err := clientspulse.New(clientspulse.Options{Redis: rdb})
		if err != nil {
			return fmt.Errorf("create pulse client: %w", err)
		}
		eventBus, err = pulsebus.New(client,
			pulsebus.WithConsumerGroup(cfg.Node.Name),
			pulsebus.WithLogger(logger),
		)
		if err != nil {
			return fmt.Errorf("create pulse bus: %w", err)
		}
		log.Printf(ctx, "using pulse bus on %s", cfg.Redis.URL)
	} else {
		eventBus = bus.NewInMemory(bus.WithLogger(logger))
		log.Printf(ctx, "using in-memory bus")
	}

	// Signed command catalog, refreshed from Mongo when configured.
	catOpts := []catalog.Option{
		catalog.WithPolicy(cfg.Catalog.Policy),
		catalog.WithLogger(logger),
	}
	if cfg.Mongo.URI != "" {
		mclient, err := mongo.Connect(mongooptions.Client().ApplyURI(cfg.Mongo.URI))
		if err != nil {
			return fmt.Errorf("connect to mongo: %w", err)
		}
		defer func() {
			if err := mclient.Disconnect(ctx); err != nil {
				log.Errorf(ctx, err, "disconnect mongo")
			}
		}()
		mc, err := clientsmongo.New(clientsmongo.Options{
			Client:     mclient,
			Database:   cfg.Mongo.Database,
			Collection: cfg.Mongo.Collection,
		})
		if err != nil {
			return fmt.Errorf("create catalog mongo client: %w", err)
		}
		reg, err := catalogmongo.NewRegistry(mc)
		if err != nil {
			return err
		}
		catOpts = append(catOpts, catalog.WithRegistry(reg))
	}
	cat := catalog.NewManager(cfg.Catalog.CachePath, catOpts...)
	if cfg.Mongo.URI != "" {
		diff, err := cat.Refresh(ctx)
		if err != nil {
			log.Errorf(ctx, err, "catalog refresh failed, falling back to cache")
			if lerr := cat.Load(ctx); lerr != nil {
				log.Errorf(ctx, lerr, "catalog cache load failed")
			}
		} else {
			log.Printf(ctx, "catalog refreshed: %d added, %d updated, %d removed",
				len(diff.Added), len(diff.Updated), len(diff.Removed))
		}
	} else if err := cat.Load(ctx); err != nil {
		log.Printf(ctx, "no catalog cache loaded: %v", err)
	}

	// Service container: the node resolves the bus from it at start.
	container := registry.New(registry.WithLogger(logger))
	if _, err := container.RegisterInstance(ctx, node.BusInterface, eventBus, registry.ScopeGlobal, nil); err != nil {
		return fmt.Errorf("register event bus: %w", err)
	}

	// Effect executor with the built-in handlers.
	breakers := breaker.NewManager(breaker.WithSettings(breaker.Settings{
		FailureThreshold:    cfg.Breaker.FailureThreshold,
		RecoveryTimeout:     cfg.Breaker.RecoveryTimeout.Std(),
		HalfOpenMaxAttempts: cfg.Breaker.HalfOpenMaxAttempts,
	}))
	exec := effect.New(
		effect.WithMaxConcurrent(int64(cfg.Effect.MaxConcurrent)),
		effect.WithBreakerManager(breakers),
		effect.WithLogger(logger),
		effect.WithMetrics(metrics),
	)
	exec.RegisterHandler(effect.TypeFile, effect.NewFileHandler())
	exec.RegisterHandler(effect.TypeEvent, effect.NewEventHandler(eventBus))

	// Reducer core backing the system.reduce tool. Its fingerprint cache is
	// controlled by the cache config.
	redOpts := []reducer.Option{reducer.WithLogger(logger)}
	if cfg.Cache.Enabled {
		redOpts = append(redOpts, reducer.WithCache(cache.New(cache.WithLogger(logger))))
		log.Printf(ctx, "reducer fingerprint cache enabled")
	}
	core := reducer.NewCore(itemCountReducer{}, redOpts...)

	n := node.New(cfg.Node.ID, cfg.Node.Name, dispatchTool(exec, core, cfg),
		node.WithRegistry(container),
		node.WithTools(
			bus.ToolDescriptor{
				Name:        "system.effect",
				Description: "Execute a side effect through the transactional executor",
				Actions:     []string{"execute"},
			},
			bus.ToolDescriptor{
				Name:        "system.reduce",
				Description: "Fold a batch of items into the node's reducer state",
				Actions:     []string{"reduce"},
			},
		),
		node.WithEffectExecutor(exec),
		node.WithManifests(func(correlationID string) *manifest.Generator {
			return manifest.NewGenerator(cfg.Node.ID,
				manifest.WithCorrelationID(correlationID),
				manifest.WithLogger(logger),
			)
		}),
		node.WithDrainTimeout(cfg.Node.DrainTimeout.Std()),
		node.WithHealthInterval(cfg.Node.HealthInterval.Std()),
		node.WithLogger(logger),
		node.WithMetrics(metrics),
	)
	done := make(chan struct{})
	n.OnShutdown(func(context.Context) error {
		close(done)
		return nil
	})
	if err := n.Start(ctx); err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	log.Printf(ctx, "node %s (%s) running", cfg.Node.Name, cfg.Node.ID)

	// The node's signal handler owns shutdown; wait until it completes.
	<-done
	return nil
}

// dispatchTool routes invocations by action: "reduce" feeds the reducer
// core, anything else goes through the transactional effect executor.
func dispatchTool(exec *effect.Executor, core *reducer.Core, cfg config.Config) node.Handler {
	return node.HandlerFunc(func(ctx context.Context, input map[string]any) (any, error) {
		action, _ := input["action"].(string)
		if action == "reduce" {
			corr, _ := input["correlation_id"].(string)
			out, err := core.Process(ctx, reducer.Input{
				Action:        action,
				Items:         toItems(input["items"]),
				CorrelationID: corr,
			})
			if err != nil {
				return nil, err
			}
			return out.Result, nil
		}
		effectType, _ := input["effect_type"].(string)
		operation, _ := input["operation"].(map[string]any)
		out, err := exec.Execute(ctx, &effect.Input{
			EffectType:            effect.Type(effectType),
			Operation:             operation,
			TransactionEnabled:    true,
			RetryEnabled:          true,
			MaxRetries:            cfg.Effect.MaxRetries,
			RetryDelay:            cfg.Effect.RetryDelay.Std(),
			CircuitBreakerEnabled: true,
		})
		if err != nil {
			return nil, err
		}
		return out.Result, nil
	})
}

// itemCountReducer folds batches into a running item count kept in state
// data. Every applied batch advances the epoch.
type itemCountReducer struct{}

func (itemCountReducer) Reduce(state reducer.State, in reducer.Input) (reducer.State, []reducer.Intent, error) {
	data := make(map[string]any, len(state.Data)+1)
	for k, v := range state.Data {
		data[k] = v
	}
	count, _ := data["items_total"].(float64)
	data["items_total"] = count + float64(len(in.Items))
	return reducer.State{Phase: "aggregating", Epoch: state.Epoch + 1, Data: data}, nil, nil
}

// toItems converts the JSON-decoded items list into reducer input items.
func toItems(v any) []map[string]any {
	raw, _ := v.([]any)
	items := make([]map[string]any, 0, len(raw))
	for _, it := range raw {
		if m, ok := it.(map[string]any); ok {
			items = append(items, m)
		}
	}
	return items
}

// envOr returns the environment variable value or a default.
func envOr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}
