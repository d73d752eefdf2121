package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/fang"
	"github.com/charmbracelet/huh"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/lipgloss/table"
	"github.com/mattn/go-isatty"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/petr-muller/incident-live/internal/config"
	"github.com/petr-muller/incident-live/internal/flagutil"
	"github.com/petr-muller/incident-live/internal/livewatch/admission"
	"github.com/petr-muller/incident-live/internal/livewatch/jira"
	"github.com/petr-muller/incident-live/internal/livewatch/metrics"
	"github.com/petr-muller/incident-live/internal/livewatch/model"
	"github.com/petr-muller/incident-live/internal/livewatch/service"
	"github.com/petr-muller/incident-live/internal/livewatch/storage"
	"github.com/petr-muller/incident-live/internal/livewatch/ui"
	"github.com/petr-muller/incident-live/internal/settings"
)

const logFileName = "incident-live.log"

var (
	jiraOptions  flagutil.JiraOptions
	queryOptions flagutil.QueryOptions
	settingsPath string
	logLevel     string
	presetName   string
	headless     bool
	assumeYes    bool
	metricsAddr  string
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "incident-live",
		Short: "Mirror live incidents into a local, filterable view",
		Long: `incident-live keeps a local view of the incidents matching a query fresh by polling
the incident source and reconciling the changes into the view.

Queries larger than the configured limit are only executed after a confirmation.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			level, err := logrus.ParseLevel(logLevel)
			if err != nil {
				return fmt.Errorf("invalid --log-level: %w", err)
			}
			logrus.SetLevel(level)
			return nil
		},
	}

	jiraOptions.AddPFlags(rootCmd.PersistentFlags())
	rootCmd.PersistentFlags().StringVar(&settingsPath, "settings", settings.DefaultPath(), "Path to the settings file")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level")

	rootCmd.AddCommand(
		newWatchCmd(),
		newCountCmd(),
		newFetchCmd(),
		newPresetsCmd(),
		newSettingsCmd(),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := fang.Execute(ctx, rootCmd); err != nil {
		logrus.WithError(err).Fatal("command failed")
	}
}

func addQueryFlags(cmd *cobra.Command) {
	queryOptions.AddPFlags(cmd.Flags())
	cmd.Flags().StringVar(&presetName, "preset", "", "Start from a saved query preset; explicit flags override it")
}

func newWatchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Watch incidents matching a query",
		Long: `Execute a query and keep its incidents fresh.

By default an interactive console is shown and logs go to a file in the data directory.
With --headless, changes are logged instead.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runWatch(cmd)
		},
	}

	addQueryFlags(cmd)
	cmd.Flags().BoolVar(&headless, "headless", false, "Log changes instead of showing the console")
	cmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "In headless mode, run queries over the limit without confirmation")
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")

	return cmd
}

func newCountCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "count",
		Short: "Count incidents matching a query without fetching them",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCount(cmd)
		},
	}

	addQueryFlags(cmd)

	return cmd
}

func newFetchCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "fetch",
		Short: "Fetch incidents matching a query once and print them",
		Long: `Fetch incidents matching a query once and print them.

Queries over the limit ask for confirmation when running in a terminal, and are refused
otherwise unless --yes is given.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runFetch(cmd)
		},
	}

	addQueryFlags(cmd)
	cmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "Run queries over the limit without confirmation")

	return cmd
}

func loadSettings() (*settings.Store, error) {
	s, err := settings.Load(settingsPath)
	if err != nil {
		return nil, fmt.Errorf("cannot load settings: %w", err)
	}
	return settings.NewStore(s), nil
}

func createService(store *settings.Store, m *metrics.Metrics) (*service.Service, error) {
	if err := jiraOptions.Validate(); err != nil {
		return nil, fmt.Errorf("invalid JIRA options: %w", err)
	}

	source, err := jira.NewClient(jiraOptions)
	if err != nil {
		return nil, fmt.Errorf("cannot create incident source: %w", err)
	}

	return service.NewService(source, store, m, logrus.NewEntry(logrus.StandardLogger())), nil
}

func buildQuery(cmd *cobra.Command, store *settings.Store) (model.Query, error) {
	if presetName != "" {
		dir, err := storage.PresetsDir()
		if err != nil {
			return model.Query{}, err
		}
		preset, err := storage.NewStore(dir).LoadPreset(presetName)
		if err != nil {
			return model.Query{}, fmt.Errorf("cannot load preset: %w", err)
		}
		if err := queryOptions.ApplyPreset(cmd.Flags(), preset); err != nil {
			return model.Query{}, err
		}
	}
	if err := queryOptions.Validate(); err != nil {
		return model.Query{}, err
	}
	return queryOptions.Query(time.Now(), store.Current().DefaultSinceDuration())
}

// logToFile sends logs to a file in the data directory, so they do not corrupt the console
func logToFile() (func(), error) {
	dataDir, err := config.DataDir()
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("cannot create data directory: %w", err)
	}
	f, err := os.OpenFile(filepath.Join(dataDir, logFileName), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("cannot open log file: %w", err)
	}
	logrus.SetOutput(f)
	return func() { _ = f.Close() }, nil
}

func serveMetrics(ctx context.Context, addr string) *metrics.Metrics {
	registry := prometheus.NewRegistry()
	m := metrics.New(registry)

	server := &http.Server{Addr: addr, Handler: metrics.Handler(registry)}
	go func() {
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Error("Metrics server failed")
		}
	}()
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	logrus.WithField("addr", addr).Info("Serving metrics")
	return m
}

func runWatch(cmd *cobra.Command) error {
	ctx := cmd.Context()

	if !headless {
		closeLog, err := logToFile()
		if err != nil {
			return err
		}
		defer closeLog()
	}

	store, err := loadSettings()
	if err != nil {
		return err
	}

	var m *metrics.Metrics
	if metricsAddr != "" {
		m = serveMetrics(ctx, metricsAddr)
	}

	svc, err := createService(store, m)
	if err != nil {
		return err
	}

	query, err := buildQuery(cmd, store)
	if err != nil {
		return err
	}

	settingsLogger := logrus.WithField("component", "settings")
	if err := settings.Watch(ctx, settingsPath, store, settingsLogger); err != nil {
		settingsLogger.WithError(err).Warn("Settings changes will not be picked up until restart")
	}

	if headless {
		return svc.RunHeadless(ctx, query, assumeYes)
	}

	program := tea.NewProgram(ui.NewModel(ctx, svc, query), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("cannot run TUI: %w", err)
	}

	return nil
}

func runCount(cmd *cobra.Command) error {
	ctx := cmd.Context()

	store, err := loadSettings()
	if err != nil {
		return err
	}
	svc, err := createService(store, nil)
	if err != nil {
		return err
	}
	query, err := buildQuery(cmd, store)
	if err != nil {
		return err
	}

	if err := svc.Connect(ctx); err != nil {
		return fmt.Errorf("cannot connect: %w", err)
	}
	result, err := svc.Count(ctx, query)
	if err != nil {
		return err
	}

	fmt.Printf("Matching incidents: %d\n", result.Total)
	fmt.Printf("Limit: %d\n", result.Limit)
	if result.WithinLimit {
		fmt.Println("The query is within the limit")
	} else {
		fmt.Println("The query exceeds the limit and needs confirmation")
	}
	return nil
}

func confirmLargeQuery(result admission.Result) (bool, error) {
	if assumeYes {
		return true, nil
	}
	if !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()) {
		return false, nil
	}

	var confirmed bool
	err := huh.NewConfirm().
		Title(fmt.Sprintf("The query matches %d incidents, more than the limit of %d.", result.Total, result.Limit)).
		Description("Fetch them anyway?").
		Affirmative("Fetch").
		Negative("Cancel").
		Value(&confirmed).
		Run()
	if err != nil {
		return false, fmt.Errorf("cannot ask for confirmation: %w", err)
	}
	return confirmed, nil
}

func runFetch(cmd *cobra.Command) error {
	ctx := cmd.Context()

	store, err := loadSettings()
	if err != nil {
		return err
	}
	svc, err := createService(store, nil)
	if err != nil {
		return err
	}
	query, err := buildQuery(cmd, store)
	if err != nil {
		return err
	}

	if err := svc.Connect(ctx); err != nil {
		return fmt.Errorf("cannot connect: %w", err)
	}
	snapshot, err := svc.Fetch(ctx, query, confirmLargeQuery)
	if err != nil {
		return err
	}

	if snapshot.Len() == 0 {
		fmt.Println("No incidents found matching the query")
		return nil
	}

	t := table.New().
		Border(lipgloss.NormalBorder()).
		Headers("ID", "STATUS", "URGENCY", "SERVICE", "ASSIGNEES", "UPDATED", "TITLE")
	for _, incident := range snapshot.Incidents() {
		assignees := ""
		if len(incident.Assignees) > 0 {
			assignees = incident.Assignees[0]
			if len(incident.Assignees) > 1 {
				assignees += fmt.Sprintf(" +%d", len(incident.Assignees)-1)
			}
		}
		t.Row(incident.ID, string(incident.Status), string(incident.Urgency), incident.ServiceID, assignees, incident.UpdatedAt.Format("2006-01-02 15:04"), incident.Title)
	}
	fmt.Println(t.Render())
	fmt.Printf("%d incidents\n", snapshot.Len())

	return nil
}
