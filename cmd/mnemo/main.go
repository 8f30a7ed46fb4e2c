package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"mnemo/internal/config"
	"mnemo/internal/memory"
	"mnemo/internal/types"
)

var (
	// Global flags
	verbose   bool
	workspace string
	userID    string
	convID    string
	timeout   time.Duration
	asJSON    bool

	// Logger
	logger *zap.Logger
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "mnemo",
	Short: "mnemo - hierarchical conversational memory engine",
	Long: `mnemo manages layered conversational memory for assistants and agents.

Messages enter a working tier, an importance scorer decides what matters,
and a background consolidation pipeline promotes material through semantic,
episodic, and procedural tiers. Retrieval plans each query and assembles a
token-bounded context from the relevant tiers.

State lives under the workspace's .mnemo/ directory.`,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		config := zap.NewProductionConfig()
		if verbose {
			config.Level = zap.NewAtomicLevelAt(zapcore.DebugLevel)
		}
		var err error
		logger, err = config.Build()
		if err != nil {
			return fmt.Errorf("failed to initialize logger: %w", err)
		}
		return nil
	},
	PersistentPostRun: func(cmd *cobra.Command, args []string) {
		if logger != nil {
			_ = logger.Sync()
		}
	},
}

// initCmd seeds the workspace
var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize mnemo in the current workspace",
	Long: `Creates the .mnemo/ directory and writes a default config.json.

Edit .mnemo/config.json to select a storage provider (embedded-file,
networked-sql, networked-kv, in-process) and a model backend (ollama,
genai). Environment overrides use the MNEMO_ prefix.`,
	RunE: runInit,
}

// addCmd ingests a message
var addCmd = &cobra.Command{
	Use:   "add [content]",
	Short: "Add a message to a conversation's working memory",
	Long: `Scores the message for importance and appends it to the working tier.
Crossing the conversation's message threshold requests a consolidation
cycle in the background.

Example:
  mnemo add --user alice --conversation c1 --role user "I prefer dark mode"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runAdd,
}

// messagesCmd lists working memory
var messagesCmd = &cobra.Command{
	Use:   "messages",
	Short: "Show recent working-memory messages for a conversation",
	RunE:  runMessages,
}

// queryCmd retrieves context and answers
var queryCmd = &cobra.Command{
	Use:   "query [question]",
	Short: "Retrieve memory context for a question",
	Long: `Plans the question, reads the relevant memory tiers in parallel, and
prints the assembled context. With a model backend configured the answer
is generated grounded in that context; without one the rendered context
is printed as-is.

Examples:
  mnemo query --user alice "what editor do I use?"
  mnemo query --user alice --json "remind me what we decided"`,
	Args: cobra.MinimumNArgs(1),
	RunE: runQuery,
}

// consolidateCmd forces a cycle
var consolidateCmd = &cobra.Command{
	Use:   "consolidate",
	Short: "Run a consolidation cycle for a user immediately",
	Long: `Runs promotion, clustering, pattern mining, and eviction for the user
without waiting for the periodic worker. Concurrent runs for the same
user coalesce.`,
	RunE: runConsolidate,
}

// patternsCmd manages procedural patterns
var patternsCmd = &cobra.Command{
	Use:   "patterns",
	Short: "List a user's procedural patterns",
	RunE:  runPatterns,
}

var patternAddCmd = &cobra.Command{
	Use:   "add [name]",
	Short: "Register a procedural pattern",
	Long: `Registers a pattern that injects its instructions into retrieved
context whenever a trigger matches a query.

Examples:
  mnemo patterns add "schema review" --keyword database --keyword schema \
    --instruct "Check indexes before suggesting schema changes."
  mnemo patterns add rollback --regex 'roll\s*back' --instruct "Confirm the target version first."`,
	Args: cobra.MinimumNArgs(1),
	RunE: runPatternAdd,
}

var patternOutcomeCmd = &cobra.Command{
	Use:   "outcome [pattern-id] [success|failure]",
	Short: "Record whether an applied pattern helped",
	Args:  cobra.ExactArgs(2),
	RunE:  runPatternOutcome,
}

// conversationsCmd manages conversation threads
var conversationsCmd = &cobra.Command{
	Use:   "conversations",
	Short: "List a user's conversations",
	RunE:  runConversations,
}

var conversationNewCmd = &cobra.Command{
	Use:   "new [title]",
	Short: "Create a conversation thread",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runConversationNew,
}

// forgetCmd removes a working message
var forgetCmd = &cobra.Command{
	Use:   "forget [message-id]",
	Short: "Remove a message from working memory",
	Args:  cobra.ExactArgs(1),
	RunE:  runForget,
}

// deleteUserCmd erases a user
var deleteUserCmd = &cobra.Command{
	Use:   "delete-user",
	Short: "Erase every trace of a user across all memory tiers",
	RunE:  runDeleteUser,
}

// statsCmd shows footprint and latencies
var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show a user's memory footprint and engine latencies",
	RunE:  runStats,
}

var (
	addRole string
	addTags []string
	msgN    int

	patKeywords  []string
	patRegexes   []string
	patInstruct  string
	patDescribe  string
	patThreshold float64
)

func init() {
	// Global flags
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose logging")
	rootCmd.PersistentFlags().StringVarP(&workspace, "workspace", "w", "", "Workspace directory (default: current)")
	rootCmd.PersistentFlags().StringVarP(&userID, "user", "u", "", "User ID")
	rootCmd.PersistentFlags().StringVarP(&convID, "conversation", "c", "", "Conversation ID")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", time.Minute, "Operation timeout")
	rootCmd.PersistentFlags().BoolVar(&asJSON, "json", false, "Print results as JSON")

	addCmd.Flags().StringVar(&addRole, "role", "user", "Message role (user, assistant, system)")
	addCmd.Flags().StringSliceVar(&addTags, "tag", nil, "Tag the message (repeatable)")

	messagesCmd.Flags().IntVarP(&msgN, "limit", "n", 0, "Number of messages (default: config recent window)")

	patternAddCmd.Flags().StringSliceVar(&patKeywords, "keyword", nil, "Keyword trigger (repeatable)")
	patternAddCmd.Flags().StringSliceVar(&patRegexes, "regex", nil, "Regex trigger (repeatable)")
	patternAddCmd.Flags().StringVar(&patInstruct, "instruct", "", "Instruction template injected on match")
	patternAddCmd.Flags().StringVar(&patDescribe, "describe", "", "Pattern description")
	patternAddCmd.Flags().Float64Var(&patThreshold, "threshold", 0, "Match confidence threshold (default 0.5)")

	patternsCmd.AddCommand(patternAddCmd)
	patternsCmd.AddCommand(patternOutcomeCmd)
	conversationsCmd.AddCommand(conversationNewCmd)

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(addCmd)
	rootCmd.AddCommand(messagesCmd)
	rootCmd.AddCommand(queryCmd)
	rootCmd.AddCommand(consolidateCmd)
	rootCmd.AddCommand(patternsCmd)
	rootCmd.AddCommand(conversationsCmd)
	rootCmd.AddCommand(forgetCmd)
	rootCmd.AddCommand(deleteUserCmd)
	rootCmd.AddCommand(statsCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// withEngine opens the engine for the workspace, runs fn, and closes it.
// SIGINT/SIGTERM cancel the context so in-flight work unwinds cleanly.
func withEngine(fn func(ctx context.Context, eng *memory.Engine) error) error {
	ws, err := resolveWorkspace()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	defer signal.Stop(sigCh)
	go func() {
		select {
		case <-sigCh:
			logger.Info("Received shutdown signal")
			cancel()
		case <-ctx.Done():
		}
	}()

	eng, err := memory.Open(ctx, ws)
	if err != nil {
		return fmt.Errorf("failed to open memory engine: %w", err)
	}
	defer func() {
		if cerr := eng.Close(); cerr != nil {
			logger.Warn("engine close", zap.Error(cerr))
		}
	}()

	return fn(ctx, eng)
}

func resolveWorkspace() (string, error) {
	if workspace != "" {
		return workspace, nil
	}
	return os.Getwd()
}

func requireUser() error {
	if userID == "" {
		return fmt.Errorf("--user is required")
	}
	return nil
}

func requireConversation() error {
	if convID == "" {
		return fmt.Errorf("--conversation is required")
	}
	return nil
}

func printJSON(v interface{}) error {
	out, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(out))
	return nil
}

func runInit(cmd *cobra.Command, args []string) error {
	ws, err := resolveWorkspace()
	if err != nil {
		return err
	}
	dir := filepath.Join(ws, ".mnemo")
	if err := os.MkdirAll(filepath.Join(dir, "logs"), 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}

	path := filepath.Join(dir, "config.json")
	if _, err := os.Stat(path); err == nil {
		fmt.Printf("Already initialized: %s\n", path)
		return nil
	}

	cfg := config.Default()
	out, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, append(out, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	fmt.Printf("Initialized mnemo workspace\n")
	fmt.Printf("  Config:  %s\n", path)
	fmt.Printf("  Storage: %s (%s)\n", cfg.Storage.Provider, filepath.Join(dir, "memory.db"))
	fmt.Printf("\nSet a model backend in config.json (provider.backend: ollama or genai)\n")
	fmt.Printf("to enable embeddings, entity extraction, and grounded answers.\n")
	return nil
}

func runAdd(cmd *cobra.Command, args []string) error {
	if err := requireUser(); err != nil {
		return err
	}
	if err := requireConversation(); err != nil {
		return err
	}
	content := strings.Join(args, " ")

	return withEngine(func(ctx context.Context, eng *memory.Engine) error {
		msg, err := eng.AddMessage(ctx, userID, convID, types.Role(addRole), content, addTags)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(msg)
		}
		fmt.Printf("Added %s (importance %.2f)\n", msg.ID, msg.Importance)
		return nil
	})
}

func runMessages(cmd *cobra.Command, args []string) error {
	if err := requireUser(); err != nil {
		return err
	}
	if err := requireConversation(); err != nil {
		return err
	}
	return withEngine(func(ctx context.Context, eng *memory.Engine) error {
		msgs, err := eng.GetMessages(ctx, userID, convID, msgN)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(msgs)
		}
		if len(msgs) == 0 {
			fmt.Println("No messages in working memory.")
			return nil
		}
		for _, m := range msgs {
			fmt.Printf("[%s] %-9s %s\n", m.Timestamp.Format("2006-01-02 15:04:05"), m.Role, m.Content)
			fmt.Printf("    id=%s importance=%.2f access=%d\n", m.ID, m.Importance, m.AccessCount)
		}
		return nil
	})
}

func runQuery(cmd *cobra.Command, args []string) error {
	if err := requireUser(); err != nil {
		return err
	}
	question := strings.Join(args, " ")

	return withEngine(func(ctx context.Context, eng *memory.Engine) error {
		answer, mc, err := eng.Query(ctx, userID, convID, question)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(struct {
				Answer  string              `json:"answer"`
				Context types.MemoryContext `json:"context"`
			}{answer, mc})
		}

		fmt.Printf("Plan: %s (layers %v, budget %d tokens)\n", mc.Plan.Kind, mc.Plan.Layers, mc.Plan.EstimatedTokens)
		if mc.AppliedPattern != nil {
			fmt.Printf("Applied pattern: %s\n", mc.AppliedPattern.Name)
		}
		for _, w := range mc.Warnings {
			fmt.Printf("Warning: %s\n", w)
		}
		fmt.Println()
		fmt.Println(answer)
		return nil
	})
}

func runConsolidate(cmd *cobra.Command, args []string) error {
	if err := requireUser(); err != nil {
		return err
	}
	return withEngine(func(ctx context.Context, eng *memory.Engine) error {
		res, err := eng.Consolidate(ctx, userID)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(res)
		}
		fmt.Printf("Consolidated %s in %v\n", userID, res.Duration.Round(time.Millisecond))
		fmt.Printf("  Promoted facts:    %d\n", res.PromotedFacts)
		fmt.Printf("  Clustered events:  %d\n", res.ClusteredEvents)
		fmt.Printf("  Mined patterns:    %d\n", res.MinedPatterns)
		fmt.Printf("  Expired messages:  %d\n", res.ExpiredMessages)
		fmt.Printf("  Evicted facts:     %d\n", res.EvictedFacts)
		return nil
	})
}

func runPatterns(cmd *cobra.Command, args []string) error {
	if err := requireUser(); err != nil {
		return err
	}
	return withEngine(func(ctx context.Context, eng *memory.Engine) error {
		patterns, err := eng.ListPatterns(ctx, userID)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(patterns)
		}
		if len(patterns) == 0 {
			fmt.Println("No procedural patterns yet.")
			return nil
		}
		for _, p := range patterns {
			rate := 0.0
			if outcomes := p.SuccessCount + p.FailureCount; outcomes > 0 {
				rate = float64(p.SuccessCount) / float64(outcomes)
			}
			fmt.Printf("%s  %s\n", p.ID, p.Name)
			fmt.Printf("    %s\n", p.Description)
			fmt.Printf("    used=%d success=%.0f%% threshold=%.2f\n", p.UsageCount, rate*100, p.ConfidenceThreshold)
		}
		return nil
	})
}

func runPatternAdd(cmd *cobra.Command, args []string) error {
	if err := requireUser(); err != nil {
		return err
	}
	var triggers []types.Trigger
	for _, k := range patKeywords {
		triggers = append(triggers, types.Trigger{Kind: types.TriggerKeyword, Pattern: k})
	}
	for _, r := range patRegexes {
		triggers = append(triggers, types.Trigger{Kind: types.TriggerRegex, Pattern: r})
	}
	return withEngine(func(ctx context.Context, eng *memory.Engine) error {
		pat, err := eng.SavePattern(ctx, types.ProceduralPattern{
			UserID:              userID,
			Name:                strings.Join(args, " "),
			Description:         patDescribe,
			Triggers:            triggers,
			InstructionTemplate: patInstruct,
			ConfidenceThreshold: patThreshold,
		})
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(pat)
		}
		fmt.Printf("Saved pattern %s (%s)\n", pat.Name, pat.ID)
		return nil
	})
}

func runPatternOutcome(cmd *cobra.Command, args []string) error {
	if err := requireUser(); err != nil {
		return err
	}
	var success bool
	switch args[1] {
	case "success":
		success = true
	case "failure":
		success = false
	default:
		return fmt.Errorf("outcome must be success or failure, got %q", args[1])
	}
	return withEngine(func(ctx context.Context, eng *memory.Engine) error {
		if err := eng.RecordPatternOutcome(ctx, userID, args[0], success); err != nil {
			return err
		}
		fmt.Printf("Recorded %s for pattern %s\n", args[1], args[0])
		return nil
	})
}

func runConversations(cmd *cobra.Command, args []string) error {
	if err := requireUser(); err != nil {
		return err
	}
	return withEngine(func(ctx context.Context, eng *memory.Engine) error {
		convs, err := eng.ListConversations(ctx, userID)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(convs)
		}
		if len(convs) == 0 {
			fmt.Println("No conversations.")
			return nil
		}
		for _, c := range convs {
			fmt.Printf("%s  %s  (%s)\n", c.ID, c.Title, c.CreatedAt.Format("2006-01-02 15:04"))
		}
		return nil
	})
}

func runConversationNew(cmd *cobra.Command, args []string) error {
	if err := requireUser(); err != nil {
		return err
	}
	title := strings.Join(args, " ")
	return withEngine(func(ctx context.Context, eng *memory.Engine) error {
		conv, err := eng.CreateConversation(ctx, userID, title, nil)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(conv)
		}
		fmt.Printf("Created conversation %s\n", conv.ID)
		return nil
	})
}

func runForget(cmd *cobra.Command, args []string) error {
	if err := requireUser(); err != nil {
		return err
	}
	return withEngine(func(ctx context.Context, eng *memory.Engine) error {
		if err := eng.ForgetMessage(ctx, userID, args[0]); err != nil {
			return err
		}
		fmt.Printf("Forgot message %s\n", args[0])
		return nil
	})
}

func runDeleteUser(cmd *cobra.Command, args []string) error {
	if err := requireUser(); err != nil {
		return err
	}
	return withEngine(func(ctx context.Context, eng *memory.Engine) error {
		if err := eng.DeleteUser(ctx, userID); err != nil {
			return err
		}
		fmt.Printf("Erased all memory for user %s\n", userID)
		return nil
	})
}

func runStats(cmd *cobra.Command, args []string) error {
	if err := requireUser(); err != nil {
		return err
	}
	return withEngine(func(ctx context.Context, eng *memory.Engine) error {
		s, err := eng.Stats(ctx, userID)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(s)
		}
		fmt.Printf("Storage: %s (native ANN: %v)\n", s.StorageProvider, s.NativeANN)
		fmt.Printf("  Working messages: %d\n", s.WorkingMessages)
		fmt.Printf("  Semantic facts:   %d\n", s.Facts)
		fmt.Printf("  Episodic events:  %d\n", s.Events)
		fmt.Printf("  Patterns:         %d\n", s.Patterns)
		fmt.Printf("  Conversations:    %d\n", s.Conversations)
		if len(s.Operations) > 0 {
			fmt.Println("\nOperation latencies:")
			for _, op := range s.Operations {
				fmt.Printf("  %-28s n=%-6d err=%-4d p50=%-10v p95=%-10v p99=%v\n",
					op.Op, op.Count, op.Errors, op.P50.Round(time.Microsecond),
					op.P95.Round(time.Microsecond), op.P99.Round(time.Microsecond))
			}
		}
		return nil
	})
}
