// Command ai-core runs the streaming skill-orchestrator service: it
// accepts one HTTP request per user turn, drives the tool-calling loop
// against the configured LLM provider, dispatches skill calls to the app
// microservices, and streams the assistant reply over Redis pub/sub while
// the HTTP response carries the final, settled Outcome.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/redis/go-redis/v9"

	"github.com/openmates/ai-core/internal/cache"
	"github.com/openmates/ai-core/internal/config"
	"github.com/openmates/ai-core/internal/datetime"
	"github.com/openmates/ai-core/internal/dispatch"
	"github.com/openmates/ai-core/internal/embeds"
	"github.com/openmates/ai-core/internal/focusmode"
	"github.com/openmates/ai-core/internal/observability"

	agentpkg "github.com/openmates/ai-core/internal/agent"
	"github.com/openmates/ai-core/internal/providers/venice"
	"github.com/openmates/ai-core/internal/pubsub"
	"github.com/openmates/ai-core/internal/session"
	"github.com/openmates/ai-core/internal/urlvalidate"
	"github.com/openmates/ai-core/internal/usage"
	"github.com/openmates/ai-core/pkg/models"
)

// envKeyResolver resolves a vault key id to its raw key material from an
// environment variable named VAULT_KEY_<id>, base64-free 32-byte hex not
// being worth inventing a format for: operators set one var per key id.
// Grounded on internal/focusmode/focusmode_test.go's fixedKeyResolver
// shape, generalized from a single fixed key to an id-keyed lookup.
type envKeyResolver struct{}

func (envKeyResolver) ResolveKey(keyID string) ([32]byte, error) {
	var key [32]byte
	raw := os.Getenv("VAULT_KEY_" + keyID)
	if raw == "" {
		return key, errors.New("main: no VAULT_KEY_" + keyID + " set")
	}
	copy(key[:], raw)
	return key, nil
}

func mustDuration(env string, fallback time.Duration) time.Duration {
	raw := os.Getenv(env)
	if raw == "" {
		return fallback
	}
	secs, err := strconv.Atoi(raw)
	if err != nil {
		return fallback
	}
	return time.Duration(secs) * time.Second
}

func loadRuntimeConfig() *config.RuntimeConfig {
	appsDir := os.Getenv("APP_MANIFESTS_DIR")
	if appsDir == "" {
		appsDir = "./apps"
	}
	apps, err := config.LoadAppManifests(appsDir)
	if err != nil {
		slog.Warn("main: failed to load app manifests, starting with an empty registry", "dir", appsDir, "error", err)
		apps = config.NewAppRegistry()
	}

	modelRegistry := config.NewModelRegistry([]config.ModelInfo{
		{ID: "claude-opus-45", DisplayName: "Claude Opus 4.5 (via Venice)", Provider: "venice", ContextSize: 202752, PerMillionInput: 5_000_000, PerMillionOutput: 25_000_000},
		{ID: "openai-gpt-52", DisplayName: "GPT-5.2 (via Venice)", Provider: "venice", ContextSize: 262144, PerMillionInput: 3_000_000, PerMillionOutput: 15_000_000},
	})

	mates := config.NewMateRegistry(nil)

	return &config.RuntimeConfig{
		BaseInstructions: config.PromptSnippets{
			FollowUpEncouragement: os.Getenv("PROMPT_FOLLOWUP_ENCOURAGEMENT"),
			LinkEncouragement:     os.Getenv("PROMPT_LINK_ENCOURAGEMENT"),
			CodeFormatting:        os.Getenv("PROMPT_CODE_FORMATTING"),
			CapabilitiesBanner:    os.Getenv("PROMPT_CAPABILITIES_BANNER"),
		},
		Models: modelRegistry,
		Apps:   *apps,
		Mates:  mates,
		Budget: config.DefaultBudgetConfig(),
		InternalAPI: config.InternalAPIConfig{
			BaseURL:            envOr("INTERNAL_API_BASE_URL", "http://localhost:8090"),
			SharedServiceToken: os.Getenv("INTERNAL_SERVICE_TOKEN"),
			Timeout:            mustDuration("INTERNAL_API_TIMEOUT_SECONDS", 10*time.Second),
		},
		FocusConfirmDelay: mustDuration("FOCUS_CONFIRM_DELAY_SECONDS", focusmode.DefaultConfirmDelay),
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

// turnRequest is the wire shape of one POST /v1/turns body. It mirrors
// session.Input/agent.RunParams closely enough to build both without a
// second translation layer downstream owning the actual field semantics.
type turnRequest struct {
	ChatID        string                    `json:"chat_id"`
	MessageID     string                    `json:"message_id"`
	UserID        string                    `json:"user_id"`
	UserIDHash    string                    `json:"user_id_hash"`
	VaultKeyID    string                    `json:"vault_key_id"`
	UserMessage   string                    `json:"user_message"`
	UserTimeZone  string                    `json:"user_time_zone"`
	TimeFormat    string                    `json:"time_format"` // "12" or "24"
	Mate          models.MateConfig         `json:"mate"`
	Preprocessing *models.PreprocessingResult `json:"preprocessing"`
	History       []agentpkg.CompletionMessage `json:"history"`
}

func (r turnRequest) toRunInput(apps []config.AppDefinition) session.Input {
	timeFormat := datetime.Resolved24Hour
	if r.TimeFormat == string(datetime.Resolved12Hour) {
		timeFormat = datetime.Resolved12Hour
	}
	return session.Input{
		Turn: &models.TurnSession{
			ChatID:        r.ChatID,
			MessageID:     r.MessageID,
			UserID:        r.UserID,
			UserIDHash:    r.UserIDHash,
			VaultKeyID:    r.VaultKeyID,
			Mate:          r.Mate,
			Preprocessing: r.Preprocessing,
			CreatedAt:     time.Now(),
		},
		Apps:        apps,
		History:     r.History,
		UserMessage: r.UserMessage,
		Prompt: agentpkg.PromptInputs{
			Now:          time.Now(),
			UserTimeZone: r.UserTimeZone,
			TimeFormat:   timeFormat,
			Mate:         r.Mate,
		},
	}
}

func newTurnsHandler(consumer *session.Consumer, apps *config.AppRegistry, metrics *observability.Metrics, tracer *observability.Tracer, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		start := time.Now()
		if req.Method != http.MethodPost {
			http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
			return
		}
		var body turnRequest
		if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
			http.Error(w, "invalid request body", http.StatusBadRequest)
			return
		}

		ctx, span := tracer.Start(req.Context(), "turn")
		defer span.End()
		tracer.SetAttributes(span, "chat_id", body.ChatID)

		eligible := apps.All()
		if body.Mate.AssignedAppIDs != nil {
			allowed := make(map[string]bool, len(body.Mate.AssignedAppIDs))
			for _, id := range body.Mate.AssignedAppIDs {
				allowed[id] = true
			}
			filtered := eligible[:0:0]
			for _, app := range eligible {
				if allowed[app.ID] {
					filtered = append(filtered, app)
				}
			}
			eligible = filtered
		}

		outcome, err := consumer.Run(ctx, body.toRunInput(eligible))
		status := http.StatusOK
		if err != nil {
			status = http.StatusInternalServerError
			logger.Error("main: turn failed", "chat_id", body.ChatID, "error", err)
			tracer.RecordError(span, err)
			metrics.RecordError("turn", "run_failed")
			metrics.RecordHTTPRequest(req.Method, "/v1/turns", strconv.Itoa(status), time.Since(start).Seconds())
			http.Error(w, "turn failed", status)
			return
		}

		metrics.RecordHTTPRequest(req.Method, "/v1/turns", strconv.Itoa(status), time.Since(start).Seconds())
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(outcome)
	}
}

func main() {
	logger := slog.New(slog.NewJSONHandler(os.Stdout, nil))
	slog.SetDefault(logger)

	metrics := observability.NewMetrics()

	tracer, shutdownTracer := observability.NewTracer(observability.TraceConfig{
		ServiceName: "ai-core",
		Endpoint:    envOr("OTEL_ENDPOINT", "localhost:4317"),
	})
	defer func() {
		if err := shutdownTracer(context.Background()); err != nil {
			logger.Warn("main: tracer shutdown failed", "error", err)
		}
	}()

	cfg := loadRuntimeConfig()

	redisClient := redis.NewClient(&redis.Options{
		Addr:     envOr("REDIS_ADDR", "localhost:6379"),
		Password: os.Getenv("REDIS_PASSWORD"),
	})
	defer redisClient.Close()

	embedCache := cache.NewEmbedCache(redisClient)
	publisher := pubsub.NewPublisher(redisClient)

	vaultEncryptor := embeds.NewAESGCMEncryptor(envKeyResolver{})
	embedSvc := embeds.NewService(embedCache, vaultEncryptor, publisherAdapter{publisher}, logger)

	dispatcher := dispatch.NewDispatcher(logger)

	configClient := usage.NewHTTPConfigClient(cfg.InternalAPI)
	chargeClient := usage.NewHTTPChargeClient(cfg.InternalAPI)
	billingDriver := usage.NewDriver(&cfg.Apps, cfg.Models, configClient, chargeClient, logger)

	focusMgr := focusmode.NewManager(
		embedSvc,
		embedCache,
		focusmode.NewHTTPPersistenceClient(cfg.InternalAPI),
		focusmode.NewHTTPSessionLauncher(cfg.InternalAPI),
		cfg.FocusConfirmDelay,
		logger,
	)

	veniceProvider, err := venice.NewVeniceProvider(venice.VeniceConfig{
		APIKey:       os.Getenv("VENICE_API_KEY"),
		DefaultModel: envOr("VENICE_DEFAULT_MODEL", "llama-3.3-70b"),
	})
	if err != nil {
		logger.Error("main: failed to construct venice provider", "error", err)
		os.Exit(1)
	}

	loop := agentpkg.NewToolCallingLoop(
		veniceProvider,
		dispatcher,
		embedCache,
		embedSvc,
		focusMgr,
		billingDriver,
		publisher,
		&cfg.Apps,
		cfg,
		logger,
	)

	messageStore := session.NewHTTPMessageStore(cfg.InternalAPI)
	checker := urlvalidate.NewChecker(urlvalidate.DefaultTimeout)

	consumer := session.NewConsumer(loop, veniceProvider, publisher, billingDriver, messageStore, vaultEncryptor, checker, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("/v1/turns", newTurnsHandler(consumer, &cfg.Apps, metrics, tracer, logger))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	mux.Handle("/metrics", promhttp.Handler())

	addr := envOr("LISTEN_ADDR", ":8080")
	server := &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 0, // streaming responses fan out over pub/sub, not this connection
	}

	logger.Info("main: listening", "addr", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Error("main: server exited", "error", err)
		os.Exit(1)
	}
}

// publisherAdapter narrows internal/pubsub.Publisher down to
// internal/embeds.Publisher's single PublishEmbedUpdate method.
type publisherAdapter struct {
	pub *pubsub.Publisher
}

func (a publisherAdapter) PublishEmbedUpdate(ctx context.Context, chatID string, payload map[string]any) error {
	return a.pub.PublishEmbedUpdate(ctx, chatID, payload)
}
