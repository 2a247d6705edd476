package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/fathom-kg/fathom/internal/util"
	"github.com/fathom-kg/fathom/pkg/ai"
	oai "github.com/fathom-kg/fathom/pkg/ai/ollama"
	gai "github.com/fathom-kg/fathom/pkg/ai/openai"
	"github.com/fathom-kg/fathom/pkg/common"
	"github.com/fathom-kg/fathom/pkg/engine"
	"github.com/fathom-kg/fathom/pkg/logger"
	"github.com/fathom-kg/fathom/pkg/logger/console"
	"github.com/fathom-kg/fathom/pkg/store"

	// Store backends register themselves at init.
	_ "github.com/fathom-kg/fathom/pkg/store/memory"
	_ "github.com/fathom-kg/fathom/pkg/store/neo4j"
	_ "github.com/fathom-kg/fathom/pkg/store/postgres"
	_ "github.com/fathom-kg/fathom/pkg/store/qdrant"
)

const usage = `usage:
  fathom ingest <file>...
  fathom query <question> [mode]

modes: naive, local, global, hybrid (default: hybrid)`

func main() {
	util.LoadEnv()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// logger
	debug := util.GetEnvBool("DEBUG", false)
	consoleLogger := console.NewConsoleLogger(console.ConsoleLoggerParams{
		Debug: debug,
	})
	logger.Init(consoleLogger)

	if len(os.Args) < 3 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	// GraphAiClient
	adapter := util.GetEnv("AI_ADAPTER")
	var aiClient ai.GraphAIClient

	switch adapter {
	case "ollama":
		client, err := oai.NewGraphOllamaClient(oai.NewGraphOllamaClientParams{
			EmbeddingModel:  util.GetEnv("AI_EMBED_MODEL"),
			CompletionModel: util.GetEnv("AI_CHAT_MODEL"),
			EmbeddingDims:   util.GetEnvInt("AI_EMBED_DIMS", 1024),

			BaseURL: util.GetEnv("AI_CHAT_URL"),
			ApiKey:  util.GetEnv("AI_CHAT_KEY"),
		})
		if err != nil {
			logger.Fatal("Could not create Ollama client", "err", err)
		}
		aiClient = client
	default:
		aiClient = gai.NewGraphOpenAIClient(gai.NewGraphOpenAIClientParams{
			EmbeddingModel:  util.GetEnvString("AI_EMBED_MODEL", "text-embedding-3-small"),
			CompletionModel: util.GetEnvString("AI_CHAT_MODEL", "gpt-4o-mini"),
			EmbeddingDims:   util.GetEnvInt("AI_EMBED_DIMS", 1536),

			EmbeddingURL: util.GetEnv("AI_EMBED_URL"),
			EmbeddingKey: util.GetEnv("AI_EMBED_KEY"),
			ChatURL:      util.GetEnv("AI_CHAT_URL"),
			ChatKey:      util.GetEnv("AI_CHAT_KEY"),
		})
	}

	// Stores
	dims := strconv.Itoa(aiClient.EmbeddingDimensions())
	graphStore, err := store.OpenGraphStore(ctx, util.GetEnvString("GRAPH_STORE", "memory"), map[string]string{
		"url":      util.GetEnv("DATABASE_URL"),
		"uri":      util.GetEnv("NEO4J_URI"),
		"username": util.GetEnv("NEO4J_USERNAME"),
		"password": util.GetEnv("NEO4J_PASSWORD"),
		"dims":     dims,
	})
	if err != nil {
		logger.Fatal("Could not open graph store", "err", err)
	}
	vectorStore, err := store.OpenVectorStore(ctx, util.GetEnvString("VECTOR_STORE", "memory"), map[string]string{
		"url":     util.GetEnv("DATABASE_URL"),
		"host":    util.GetEnv("QDRANT_HOST"),
		"port":    util.GetEnv("QDRANT_PORT"),
		"api_key": util.GetEnv("QDRANT_API_KEY"),
		"use_tls": util.GetEnv("QDRANT_USE_TLS"),
		"dims":    dims,
	})
	if err != nil {
		logger.Fatal("Could not open vector store", "err", err)
	}

	eng, err := engine.New(engine.NewEngineParams{
		Client:             aiClient,
		Graph:              graphStore,
		Vectors:            vectorStore,
		Workspace:          util.GetEnvString("WORKSPACE", "default"),
		Encoder:            util.GetEnvString("TOKEN_ENCODER", "cl100k_base"),
		ChunkMaxTokens:     util.GetEnvInt("CHUNK_MAX_TOKENS", 1200),
		ChunkOverlapTokens: util.GetEnvInt("CHUNK_OVERLAP_TOKENS", 100),
		MaxGleanRounds:     util.GetEnvInt("MAX_GLEAN_ROUNDS", 1),
		MaxParallelChunks:  util.GetEnvInt("MAX_PARALLEL_CHUNKS", 4),
	})
	if err != nil {
		logger.Fatal("Could not create engine", "err", err)
	}

	switch os.Args[1] {
	case "ingest":
		runIngest(ctx, eng, os.Args[2:])
	case "query":
		runQuery(ctx, eng, os.Args[2:])
	default:
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
}

func runIngest(ctx context.Context, eng *engine.Engine, files []string) {
	for _, file := range files {
		text, err := os.ReadFile(file)
		if err != nil {
			logger.Fatal("Could not read file", "file", file, "err", err)
		}

		summary, err := eng.Ingest(ctx, string(text))
		if err != nil {
			logger.Fatal("Ingest failed", "file", file, "err", err)
		}

		logger.Info("Ingested",
			"file", file,
			"document", summary.DocumentID,
			"chunks", summary.ChunksCreated,
			"chunksSkipped", summary.ChunksSkipped,
			"entities", summary.EntitiesWritten,
			"relationships", summary.RelationshipsWritten,
			"vectors", summary.VectorsWritten,
			"skipped", len(summary.Skipped),
		)
	}
}

func runQuery(ctx context.Context, eng *engine.Engine, args []string) {
	question := args[0]
	mode := common.ModeHybrid
	if len(args) > 1 {
		mode = common.QueryMode(args[1])
	}

	bundle, err := eng.Query(ctx, question, mode, util.GetEnvInt("QUERY_TOKEN_BUDGET", 4000))
	if err != nil {
		logger.Fatal("Query failed", "err", err)
	}
	if bundle.Empty() {
		logger.Warn("No evidence found for the question", "mode", mode)
		return
	}

	fmt.Println(bundle.Text)
	logger.Info("Context assembled",
		"mode", bundle.Mode,
		"entities", len(bundle.Entities),
		"relationships", len(bundle.Relationships),
		"chunks", len(bundle.Chunks),
		"tokens", bundle.TokenCount,
	)
}
