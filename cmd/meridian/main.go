package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"meridian/internal/config"
	"meridian/internal/controller"
	"meridian/internal/embedding"
	"meridian/internal/events"
	"meridian/internal/llm"
	"meridian/internal/mission"
	"meridian/internal/observability"
	"meridian/internal/queryprep"
	"meridian/internal/rerank"
	"meridian/internal/retriever"
	"meridian/internal/tools"
	"meridian/internal/vectorstore"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}
	observability.InitLogging(cfg.LogLevel, cfg.LogPath)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if cfg.Obs.OTLP != "" {
		shutdown, err := observability.InitOTel(ctx, cfg.Obs)
		if err != nil {
			log.Warn().Err(err).Msg("otel init failed, continuing without observability")
		} else {
			defer func() { _ = shutdown(context.Background()) }()
		}
	}

	sink, err := newSink(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("init event sink")
	}
	defer sink.Close()

	store, err := mission.NewStore(ctx, cfg.Mission)
	if err != nil {
		log.Fatal().Err(err).Msg("init mission store")
	}
	defer store.Close()
	missions := mission.NewManager(store, sink, cfg.Research.ThoughtPadContextLimit)

	var rdb *redis.Client
	if cfg.Redis.Addr != "" {
		rdb = redis.NewClient(&redis.Options{Addr: cfg.Redis.Addr, Password: cfg.Redis.Password, DB: cfg.Redis.DB})
		defer rdb.Close()
	}

	prices := llm.NewPriceTable(cfg.LLM.PricingBaseURL, nil, rdb)
	dispatcher, err := llm.NewDispatcher(&cfg, nil, prices, missions.StatusFunc(), sink)
	if err != nil {
		log.Fatal().Err(err).Msg("init model dispatcher")
	}

	embedClient := embedding.NewClient(cfg.Embedding, nil, cfg.Embedding.Dimensions)
	embedder := embedding.NewBounded(embedClient, cfg.Embedding.MaxConcurrentQueries)

	vstore, err := vectorstore.NewFromConfig(cfg.Vector, embedder.Dimension(), cfg.Embedding.SparseDimension)
	if err != nil {
		log.Fatal().Err(err).Msg("init vector store")
	}
	defer vstore.Close()

	var reranker rerank.Reranker
	if cfg.Reranker.URL != "" {
		reranker = rerank.NewClient(cfg.Reranker, nil)
	}
	retr := retriever.New(embedder, vstore, reranker)

	ctl := newController(&cfg, missions, dispatcher, retr, sink)

	log.Info().Str("vector_backend", cfg.Vector.Backend).Str("mission_backend", cfg.Mission.Backend).
		Msg("meridian ready")
	runREPL(ctx, ctl)
}

func newSink(cfg config.Config) (events.Sink, error) {
	if cfg.Events.Backend == "kafka" {
		return events.NewKafkaSink(cfg.Events.Brokers, cfg.Events.Topic), nil
	}
	return events.NewMemorySink(256), nil
}

func newController(cfg *config.Config, missions *mission.Manager, dispatcher *llm.Dispatcher, retr *retriever.Retriever, sink events.Sink) *controller.Controller {
	// The web tool shares the dispatcher through the query preparer to keep
	// queries under the provider length limit.
	prep := queryprep.New(dispatcher, 3)
	registry := tools.NewRegistry(sink)
	registry.Register(tools.NewDocumentSearch(retr, cfg.Research.MainResearchDocResults))
	registry.Register(tools.NewWebSearch(cfg.Web, nil, prep))
	registry.Register(tools.NewFetchWebPage(nil))
	registry.Register(tools.NewReadFullDocument(cfg.Documents.AllowedBasePath,
		time.Duration(cfg.Documents.ReadTimeoutSeconds)*time.Second))
	return controller.New(cfg, missions, dispatcher, registry, sink)
}

// runREPL drives missions from stdin: each line is one user message. The
// transport layer proper (HTTP, chat persistence) is out of scope; this loop
// is the minimal interactive surface.
func runREPL(ctx context.Context, ctl *controller.Controller) {
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)
	missionID := ""
	var history []string
	fmt.Println("meridian> describe the research you need (ctrl-d to exit)")
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
		reply, err := ctl.HandleUserMessage(ctx, missionID, line, history, nil)
		if err != nil {
			log.Error().Err(err).Msg("handle message")
			continue
		}
		missionID = reply.MissionID
		history = append(history, "user: "+line, "assistant: "+reply.Response)
		fmt.Println(reply.Response)
		if reply.ResearchStarted {
			if err := ctl.RunMission(ctx, missionID); err != nil {
				log.Error().Err(err).Msg("mission run failed")
			}
		}
	}
}
