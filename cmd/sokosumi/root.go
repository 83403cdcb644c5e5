package main

import (
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"

	"Sokosumi-Chain/internal/config"
	"Sokosumi-Chain/internal/hire"
	"Sokosumi-Chain/internal/masumi"
	"Sokosumi-Chain/internal/sokosumi"
	"Sokosumi-Chain/internal/tracking"
	"Sokosumi-Chain/pkg/logger"
)

// app holds the state shared by every subcommand. Clients are built lazily
// so commands that only touch one service do not require the other.
type app struct {
	configPath string
	envFile    string
	logLevel   string

	cfg      *config.Config
	market   *sokosumi.Client
	payments *masumi.Client
	store    tracking.Store
	svc      *hire.Service
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "sokosumi",
		Short: "Hire agents on the Sokosumi marketplace",
		Long: `Command line client for the Sokosumi agent marketplace.

Lists and hires agents, tracks hired jobs in a local state store and checks
the Masumi payment backing each job.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.init()
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}

	flags := root.PersistentFlags()
	flags.StringVarP(&a.configPath, "config", "c", "", "config file path (defaults to $SOKOSUMI_CONFIG)")
	flags.StringVar(&a.envFile, "env-file", ".env", "dotenv file loaded before reading the config")
	flags.StringVar(&a.logLevel, "log-level", "", "override the configured log level")

	root.AddCommand(
		newListCmd(a),
		newAgentCmd(a),
		newOrgsCmd(a),
		newStatusCmd(a),
		newResultCmd(a),
		newHireCmd(a),
		newMonitorCmd(a),
		newStatusAllCmd(a),
		newCleanupCmd(a),
		newCreatePaymentCmd(a),
		newPaymentStatusCmd(a),
		newWaitPaymentCmd(a),
		newSubmitResultCmd(a),
	)
	return root
}

func (a *app) init() error {
	_ = godotenv.Load(a.envFile)

	path := a.configPath
	if path == "" {
		path = os.Getenv("SOKOSUMI_CONFIG")
	}
	var err error
	if path == "" {
		a.cfg, err = config.Default()
	} else {
		a.cfg, err = config.Load(path)
	}
	if err != nil {
		return err
	}

	logCfg := a.cfg.LoggerConfig()
	if len(logCfg.OutputPaths) == 0 {
		logCfg.OutputPaths = []string{"stderr"}
	}
	if a.logLevel != "" {
		logCfg.Level = a.logLevel
	}
	return logger.Init(logCfg)
}

func (a *app) close() error {
	var err error
	if a.store != nil {
		err = a.store.Close()
		a.store = nil
	}
	return errors.Join(err, logger.Sync())
}

func (a *app) marketClient() (*sokosumi.Client, error) {
	if a.market != nil {
		return a.market, nil
	}
	client, err := sokosumi.NewClient(a.cfg.Sokosumi.APIEndpoint, a.cfg.Sokosumi.APIKey, &http.Client{Timeout: a.cfg.SokosumiTimeout()})
	if errors.Is(err, sokosumi.ErrMissingAPIKey) {
		return nil, errors.New("SOKOSUMI_API_KEY is not set")
	}
	if err != nil {
		return nil, fmt.Errorf("create marketplace client: %w", err)
	}
	a.market = client
	return client, nil
}

func (a *app) paymentClient() (*masumi.Client, error) {
	if a.payments != nil {
		return a.payments, nil
	}
	if !a.cfg.PaymentConfigured() {
		return nil, errors.New("MASUMI_SERVICE_URL and MASUMI_ADMIN_API_KEY must be set")
	}
	mc := a.cfg.MasumiClientConfig()
	mc.Logger = logger.Named("masumi")
	client, err := masumi.NewClient(mc)
	if err != nil {
		return nil, err
	}
	a.payments = client
	return client, nil
}

// openStore keeps job state across invocations. The in-memory driver is
// replaced by a sqlite file under the data directory.
func (a *app) openStore() (tracking.Store, error) {
	if a.store != nil {
		return a.store, nil
	}
	driver, dsn := a.cfg.Storage.Driver, a.cfg.Storage.DSN
	if driver == "memory" {
		driver, dsn = "sqlite", a.cfg.Runtime.StateFile
		if err := os.MkdirAll(filepath.Dir(dsn), 0o755); err != nil {
			return nil, err
		}
	}
	store, err := tracking.Open(driver, dsn)
	if err != nil {
		return nil, err
	}
	a.store = store
	return store, nil
}

func (a *app) service() (*hire.Service, error) {
	if a.svc != nil {
		return a.svc, nil
	}
	market, err := a.marketClient()
	if err != nil {
		return nil, err
	}
	store, err := a.openStore()
	if err != nil {
		return nil, err
	}
	var payments hire.Payments
	if a.cfg.PaymentConfigured() {
		client, err := a.paymentClient()
		if err != nil {
			return nil, err
		}
		payments = client
	}
	a.svc = hire.NewService(market, payments, store,
		hire.WithWaitOptions(a.cfg.WaitOptions()),
		hire.WithMaxChecks(a.cfg.Storage.MaxChecks),
		hire.WithMaxHistory(a.cfg.Storage.MaxHistory),
		hire.WithLogger(logger.Named("hire")),
	)
	return a.svc, nil
}
