package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"golang.org/x/crypto/bcrypt"

	"github.com/pavelanni/omrgrade/internal/geometry"
	"github.com/pavelanni/omrgrade/internal/handler"
	appI18n "github.com/pavelanni/omrgrade/internal/i18n"
	"github.com/pavelanni/omrgrade/internal/imaging"
	"github.com/pavelanni/omrgrade/internal/match"
	"github.com/pavelanni/omrgrade/internal/metrics"
	"github.com/pavelanni/omrgrade/internal/model"
	"github.com/pavelanni/omrgrade/internal/omr"
	"github.com/pavelanni/omrgrade/internal/pipeline"
	"github.com/pavelanni/omrgrade/internal/results"
	"github.com/pavelanni/omrgrade/internal/scan"
	"github.com/pavelanni/omrgrade/internal/store"
	"github.com/pavelanni/omrgrade/internal/vision"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := rootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "omrgrade",
		Short: "Batch grading of scanned multiple-choice answer sheets",
	}

	serve := serveCmd()
	root.AddCommand(serve, scanCmd(), exportCmd())

	// Make "serve" the default when no subcommand is given.
	root.RunE = serve.RunE
	root.Flags().AddFlagSet(serve.Flags())

	return root
}

func addCommonFlags(f *pflag.FlagSet) {
	f.String("db-driver", store.DriverSQLite, "Database driver (sqlite, postgres)")
	f.String("db", "omrgrade.db", "SQLite database path or PostgreSQL connection string")
	f.String("log-level", "info", "Log level (debug, info, warn, error)")
	f.String("log-format", "text", "Log format (text, json)")
}

func addPipelineFlags(f *pflag.FlagSet) {
	f.String("geometry", "", "Bubble template JSON file (empty = built-in 45-question sheet)")
	f.Float64("threshold", omr.DefaultThreshold, "Minimum bubble darkness counted as a mark")
	f.Float64("margin", omr.DefaultMargin, "Minimum darkness lead over the runner-up choice")
	f.Duration("page-timeout", vision.DefaultTimeout, "Time limit for recognising one page")
	f.String("vision-backend", "", "Vision backend for vision mode (openai, gemini; empty disables)")
	f.String("vision-url", "https://api.openai.com/v1", "OpenAI-compatible API base URL")
	f.String("vision-key", "", "API key for the vision backend")
	f.String("vision-model", "gpt-4o", "Vision model name")
	f.Float64("vision-rps", 1, "Maximum vision requests per second (0 = unlimited)")
	f.Int("vision-max-side", vision.DefaultMaxSide, "Longest image side sent to the vision backend")
	f.Int("vision-quality", 85, "JPEG quality for re-encoded vision uploads")
	f.String("persist-mode", string(results.ModeAppend), "Result persistence (append, upsert)")
	f.Bool("reject-ambiguous", false, "Leave names matching several roster entries unresolved")
	f.StringP("lang", "l", appI18n.DefaultLanguage, "Status message language (en, ko)")
}

func serveCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the grading HTTP API",
		RunE:  runServe,
	}
	f := cmd.Flags()
	f.StringP("addr", "a", ":8080", "HTTP listen address")
	f.String("admin-password", "", "Initial operator password (or set OMRGRADE_ADMIN_PASSWORD)")
	f.Int64("max-upload", handler.DefaultMaxUpload, "Maximum scan upload size in bytes")
	addCommonFlags(f)
	addPipelineFlags(f)
	return cmd
}

func scanCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "scan [flags] page-image...",
		Short: "Grade a batch of page images from disk",
		Args:  cobra.MinimumNArgs(1),
		RunE:  runScan,
	}
	f := cmd.Flags()
	f.Int64("exam-id", 0, "Exam to grade against (required)")
	f.String("mode", string(model.ModeCoordinate), "Scan mode (coordinate, vision)")
	f.StringToString("assign", nil, "Manual page assignment as index=studentID (repeatable)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addCommonFlags(f)
	addPipelineFlags(f)
	_ = cmd.MarkFlagRequired("exam-id")
	return cmd
}

func exportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Export graded results as JSON",
		RunE:  runExport,
	}
	f := cmd.Flags()
	f.Int64("exam-id", 0, "Exam to export (0 = all exams)")
	f.StringP("output", "o", "-", "Output file path (- for stdout)")
	addCommonFlags(f)
	return cmd
}

func setupLogging(cmd *cobra.Command) {
	v := viperForCmd(cmd)

	var logLevel slog.Level
	switch strings.ToLower(v.GetString("log-level")) {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	handlerOpts := &slog.HandlerOptions{Level: logLevel}
	var logHandler slog.Handler
	switch strings.ToLower(v.GetString("log-format")) {
	case "json":
		logHandler = slog.NewJSONHandler(os.Stderr, handlerOpts)
	default:
		logHandler = slog.NewTextHandler(os.Stderr, handlerOpts)
	}
	slog.SetDefault(slog.New(logHandler))
}

// viperForCmd binds a command's flags and environment to a fresh viper instance.
func viperForCmd(cmd *cobra.Command) *viper.Viper {
	v := viper.New()
	_ = v.BindPFlags(cmd.Flags())

	v.SetEnvPrefix("OMRGRADE")
	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	v.SetConfigName("omrgrade")
	v.AddConfigPath(".")
	v.AddConfigPath("$HOME/.config/omrgrade")
	v.AddConfigPath("/etc/omrgrade")
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			slog.Warn("error reading config file", "error", err)
		}
	} else {
		slog.Debug("loaded config file", "path", v.ConfigFileUsed())
	}

	return v
}

func openStore(v *viper.Viper) (*store.Store, error) {
	db, err := store.New(v.GetString("db-driver"), v.GetString("db"))
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	return db, nil
}

// buildPipeline wires recognizers, matcher and persistence from config. The
// returned cleanup releases the vision backend.
func buildPipeline(ctx context.Context, v *viper.Viper, db *store.Store, m *metrics.Metrics) (*pipeline.Pipeline, match.Matcher, func(), error) {
	cleanup := func() {}

	geom, err := geometry.Load(v.GetString("geometry"))
	if err != nil {
		return nil, match.Matcher{}, cleanup, fmt.Errorf("load geometry: %w", err)
	}
	recognizers := map[model.ScanMode]scan.PageRecognizer{
		model.ModeCoordinate: scan.Coordinate{
			Recognizer: omr.New(v.GetFloat64("threshold"), v.GetFloat64("margin")),
			Geometry:   geom,
		},
	}

	client, closeClient, err := newVisionClient(ctx, v)
	if err != nil {
		return nil, match.Matcher{}, cleanup, err
	}
	if client != nil {
		cleanup = closeClient
		if m != nil {
			client = m.InstrumentClient(client)
		}
		recognizers[model.ModeVision] = vision.New(client, vision.Options{
			Timeout:           v.GetDuration("page-timeout"),
			RequestsPerSecond: v.GetFloat64("vision-rps"),
			MaxSide:           v.GetInt("vision-max-side"),
			JPEGQuality:       v.GetInt("vision-quality"),
		})
	}

	mode, err := results.ParseMode(v.GetString("persist-mode"))
	if err != nil {
		cleanup()
		return nil, match.Matcher{}, func() {}, err
	}
	matcher := match.Matcher{RejectAmbiguous: v.GetBool("reject-ambiguous")}

	// The vision recognizer enforces its own per-page limit, which includes
	// the rate limiter wait; the orchestrator bound is a backstop.
	orch := scan.New(recognizers, v.GetDuration("page-timeout")+5*time.Second)
	p := pipeline.New(orch, db, matcher, results.New(db, mode), db, m)

	slog.Info("pipeline ready",
		"geometry", geom.Name,
		"questions", geom.TotalQuestions,
		"vision", client != nil,
		"persist_mode", mode,
		"reject_ambiguous", matcher.RejectAmbiguous,
	)
	return p, matcher, cleanup, nil
}

func newVisionClient(ctx context.Context, v *viper.Viper) (vision.Client, func(), error) {
	backend := strings.ToLower(strings.TrimSpace(v.GetString("vision-backend")))
	modelName := v.GetString("vision-model")
	switch backend {
	case "", "none":
		return nil, func() {}, nil
	case "openai":
		c := vision.NewOpenAI(v.GetString("vision-url"), v.GetString("vision-key"), modelName)
		if err := c.Ping(ctx); err != nil {
			return nil, nil, fmt.Errorf("vision health check: %w", err)
		}
		slog.Info("vision endpoint OK", "url", v.GetString("vision-url"), "model", modelName)
		return c, func() {}, nil
	case "gemini":
		c, err := vision.NewGemini(ctx, v.GetString("vision-key"), modelName)
		if err != nil {
			return nil, nil, fmt.Errorf("create gemini client: %w", err)
		}
		return c, func() { _ = c.Close() }, nil
	}
	return nil, nil, fmt.Errorf("unknown vision backend %q", backend)
}

func runServe(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	if err := seedOperator(ctx, db, v.GetString("admin-password")); err != nil {
		return fmt.Errorf("seed operator: %w", err)
	}

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	m := metrics.New()
	p, matcher, cleanup, err := buildPipeline(ctx, v, db, m)
	if err != nil {
		return err
	}
	defer cleanup()

	h := handler.New(db, p, matcher)
	h.SetMaxUpload(v.GetInt64("max-upload"))

	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(m.Middleware)
	r.Use(appI18n.Middleware(lang))
	r.Handle("/metrics", m.Handler())
	h.Routes(r)

	addr := v.GetString("addr")
	srv := &http.Server{Addr: addr, Handler: r, ReadHeaderTimeout: 10 * time.Second}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("starting server", "addr", addr, "db_driver", v.GetString("db-driver"), "lang", lang)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	slog.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	if err := <-errCh; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func runScan(cmd *cobra.Command, args []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)
	ctx := cmd.Context()

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	lang := v.GetString("lang")
	if err := appI18n.Init(lang); err != nil {
		return fmt.Errorf("init i18n: %w", err)
	}

	exam, err := db.GetExam(ctx, v.GetInt64("exam-id"))
	if err != nil {
		return fmt.Errorf("get exam %d: %w", v.GetInt64("exam-id"), err)
	}

	mode := model.ScanMode(v.GetString("mode"))
	if !mode.IsValid() {
		return fmt.Errorf("invalid scan mode %q", mode)
	}

	// StringToString flags do not round-trip through viper.
	rawAssign, err := cmd.Flags().GetStringToString("assign")
	if err != nil {
		return err
	}
	assign, err := parseAssign(rawAssign)
	if err != nil {
		return err
	}

	p, _, cleanup, err := buildPipeline(ctx, v, db, nil)
	if err != nil {
		return err
	}
	defer cleanup()

	pages := make([]model.PageImage, 0, len(args))
	for i, path := range args {
		pages = append(pages, readPageFile(path, i))
	}

	ctx = appI18n.WithLocalizer(ctx, appI18n.NewLocalizer(lang))
	report, runErr := p.Run(ctx, pipeline.Batch{
		Exam:   exam,
		Mode:   mode,
		Pages:  pages,
		Assign: assign,
		Progress: func(current, total int) {
			slog.Info("scanned page", "page", current, "of", total)
		},
	})
	if runErr != nil && !report.Cancelled {
		return fmt.Errorf("scan batch: %w", runErr)
	}

	if err := writeJSONOutput(v.GetString("output"), report); err != nil {
		return err
	}
	slog.Info(appI18n.BatchSummary(ctx, report), "batch", report.BatchID)
	return runErr
}

func readPageFile(path string, index int) model.PageImage {
	data, err := os.ReadFile(path)
	if err != nil {
		slog.Warn("failed to read page image", "path", path, "error", err)
		return model.PageImage{Index: index, SourcePage: index + 1}
	}
	page, err := imaging.Decode(data, index, index+1)
	if err != nil {
		slog.Warn("failed to decode page image", "path", path, "error", err)
		return model.PageImage{Index: index, SourcePage: index + 1}
	}
	return page
}

func parseAssign(raw map[string]string) (map[int]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	assign := make(map[int]string, len(raw))
	for k, id := range raw {
		i, err := strconv.Atoi(k)
		if err != nil || i < 0 {
			return nil, fmt.Errorf("invalid page index %q in --assign", k)
		}
		assign[i] = id
	}
	return assign, nil
}

func runExport(cmd *cobra.Command, _ []string) error {
	setupLogging(cmd)
	v := viperForCmd(cmd)

	db, err := openStore(v)
	if err != nil {
		return err
	}
	defer db.Close()

	export, err := db.ExportResults(cmd.Context(), v.GetInt64("exam-id"))
	if err != nil {
		return fmt.Errorf("export results: %w", err)
	}
	return writeJSONOutput(v.GetString("output"), export)
}

func writeJSONOutput(outPath string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal JSON: %w", err)
	}

	var w io.Writer
	if outPath == "" || outPath == "-" {
		w = os.Stdout
	} else {
		f, err := os.Create(outPath)
		if err != nil {
			return fmt.Errorf("create output file: %w", err)
		}
		defer f.Close()
		w = f
	}

	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	// Ensure trailing newline.
	_, _ = fmt.Fprintln(w)
	return nil
}

func seedOperator(ctx context.Context, db *store.Store, password string) error {
	count, err := db.OperatorCount(ctx)
	if err != nil {
		return err
	}
	if count > 0 {
		return nil
	}

	if password == "" {
		return fmt.Errorf("admin password is required: set --admin-password flag or OMRGRADE_ADMIN_PASSWORD env var")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	_, err = db.CreateOperator(ctx, model.Operator{
		Username:     "admin",
		PasswordHash: string(hash),
		Active:       true,
	})
	if err != nil {
		return fmt.Errorf("create admin operator: %w", err)
	}

	slog.Info("seeded default operator", "username", "admin")
	return nil
}
