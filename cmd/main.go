package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"

	"ivf-rag/internal/api"
	"ivf-rag/internal/chunker"
	"ivf-rag/internal/config"
	"ivf-rag/internal/embedding"
	"ivf-rag/internal/helper"
	"ivf-rag/internal/ingest"
	"ivf-rag/internal/models"
	"ivf-rag/internal/vectorindex"
)

const configFilePath = "./configs/config.yaml"

var (
	cfgFile string
	cfg     *config.Config
)

var rootCmd = &cobra.Command{
	Use:           "ivf-rag",
	Short:         "Answer IVF questions from a local document corpus",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		// .env is optional
		_ = godotenv.Load()
		c, err := config.LoadConfig(cfgFile)
		if err != nil {
			return err
		}
		cfg = c
		helper.SetupLogger(cfg.Log.Level, cfg.Log.Format, os.Stdout)
		log.Debug().Interface("config", cfg).Msg("Loaded config")
		return nil
	},
}

var ingestCmd = &cobra.Command{
	Use:   "ingest",
	Short: "Build the vector index from the source documents",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		embedder, err := embedding.New(&cfg.EmbedLLM)
		if err != nil {
			return fmt.Errorf("initialize embedder: %w", err)
		}
		codec, err := vectorindex.CodecByName(cfg.Index.Codec)
		if err != nil {
			return err
		}
		opts := ingest.Options{
			SourceDir:  cfg.Data.SourceDir,
			Extensions: cfg.Data.Extensions,
			Chunking:   chunker.Config{Size: cfg.RAG.ChunkSize, Overlap: cfg.RAG.ChunkOverlap},
			IndexPath:  cfg.Index.Path,
			Codec:      codec,
			BatchSize:  cfg.RAG.EmbedBatchSize,
		}
		if cfg.Database.Enabled {
			mirror, closeDB, err := openMirror()
			if err != nil {
				return err
			}
			defer closeDB()
			opts.Publisher = mirror
		}

		ix, err := ingest.Ingest(ctx, opts, embedder)
		if ix != nil {
			log.Info().Str("path", cfg.Index.Path).Str("build_id", ix.Meta().BuildID).Int("entries", ix.Len()).Msg("Index ready")
		}
		return err
	},
}

var (
	askContext      string
	askK            int
	askRetrieveOnly bool
)

var askCmd = &cobra.Command{
	Use:   "ask [question]",
	Short: "Answer one question from the index",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		pipeline, closeFn, err := newPipeline()
		if err != nil {
			return err
		}
		defer closeFn()

		question := strings.Join(args, " ")
		if askRetrieveOnly {
			results, err := pipeline.Retrieve(ctx, question, askK)
			if err != nil {
				return err
			}
			helper.PrettyPrint(results)
			return nil
		}

		answer, err := pipeline.Answer(ctx, models.Query{Text: question, Context: askContext, K: askK})
		if err != nil {
			return err
		}

		log.Info().Msg("Query: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
		fmt.Printf("%s\n\n", question)

		log.Info().Msg("Source: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
		for _, s := range answer.Sources {
			fmt.Printf("[%.3f] %s (page %d)\n", s.Score, s.Entry.Chunk.Source, s.Entry.Chunk.Page)
		}
		fmt.Println()

		log.Info().Msg("Assistant: ~~~~~~~~~~~~~~~~~~~~~~~~~>>>>>")
		fmt.Printf("%s\n\n", answer.Content)
		return nil
	},
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the answer API over HTTP",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pipeline, closeFn, err := newPipeline()
		if err != nil {
			return err
		}
		defer closeFn()
		return api.NewServer(pipeline).ListenAndServe(cmd.Context(), cfg.Server.Addr)
	},
}

var inspectCmd = &cobra.Command{
	Use:   "inspect",
	Short: "Print the metadata of the persisted index",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		codec, err := vectorindex.CodecByName(cfg.Index.Codec)
		if err != nil {
			return err
		}
		meta, err := vectorindex.ReadMeta(cfg.Index.Path, codec)
		if err != nil {
			return err
		}
		helper.PrettyPrint(meta)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&cfgFile, "config", "c", configFilePath, "config file")
	askCmd.Flags().StringVar(&askContext, "context", "", "extra context about the asker")
	askCmd.Flags().IntVar(&askK, "k", 0, "number of chunks to retrieve (default rag.top_k)")
	askCmd.Flags().BoolVar(&askRetrieveOnly, "retrieve-only", false, "print the retrieved chunks without asking the model")
	rootCmd.AddCommand(ingestCmd, askCmd, serveCmd, inspectCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Fatal().Err(err).Msg("Command failed")
	}
}
