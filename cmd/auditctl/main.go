// Command auditctl checks the audit ledger of a geoprep deployment offline.
//
//	auditctl [-config path] verify-all [-limit n]
//	auditctl [-config path] verify <audit_id>
//	auditctl [-config path] stats
//
// It exits with status 2 when tampering is detected.
package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"

	"github.com/sisrua/geoprep/internal/audit"
	"github.com/sisrua/geoprep/internal/config"
	"github.com/sisrua/geoprep/shared/database"
	"github.com/sisrua/geoprep/shared/logger"
)

// errTampered makes the process exit with status 2
var errTampered = errors.New("audit ledger integrity check failed")

func main() {
	err := run(os.Args[1:], os.Stdout)
	switch {
	case errors.Is(err, errTampered):
		fmt.Fprintln(os.Stderr, err)
		os.Exit(2)
	case err != nil:
		log.Fatal(err)
	}
}

func run(args []string, out io.Writer) error {
	_ = godotenv.Load()

	fs := flag.NewFlagSet("auditctl", flag.ContinueOnError)
	defaultConfigPath := os.Getenv("API_SERVICE_CONFIG_PATH")
	if defaultConfigPath == "" {
		defaultConfigPath = "configs/api-service/config.yaml"
	}
	configPath := fs.String("config", defaultConfigPath, "Path to configuration file")
	timeout := fs.Duration("timeout", time.Minute, "Overall command timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if fs.NArg() == 0 {
		return errors.New("usage: auditctl [-config path] verify-all|verify|stats")
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}

	appLogger, err := logger.New(&logger.Config{
		Level:  "warn",
		Format: cfg.Logging.Format,
		Output: "stderr",
	})
	if err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	defer appLogger.Close()

	ledger, closeDB, err := openLedger(cfg, appLogger)
	if err != nil {
		return err
	}
	defer closeDB()

	ctx, cancel := context.WithTimeout(context.Background(), *timeout)
	defer cancel()

	return dispatch(ctx, ledger, fs.Arg(0), fs.Args()[1:], out)
}

func openLedger(cfg *config.Config, appLogger *logger.Logger) (*audit.Ledger, func(), error) {
	dbClient, err := database.Open(&database.Config{
		Driver:   cfg.Database.Driver,
		Path:     cfg.Database.Path,
		Host:     cfg.Database.Host,
		Port:     cfg.Database.Port,
		User:     cfg.Database.User,
		Password: cfg.Database.Password,
		Database: cfg.Database.Database,
		SSLMode:  cfg.Database.SSLMode,
	}, appLogger.Component("database"))
	if err != nil {
		return nil, nil, fmt.Errorf("failed to initialize database: %w", err)
	}

	// unlike the service, a missing secret is an error here
	secret, err := audit.ReadSecret(cfg.Audit.DataDir)
	if err != nil {
		dbClient.Close()
		return nil, nil, fmt.Errorf("failed to read audit secret: %w", err)
	}

	ledger, err := audit.NewLedger(dbClient.GetDB(), secret, nil, appLogger.Component("audit"))
	if err != nil {
		dbClient.Close()
		return nil, nil, err
	}
	return ledger, func() { dbClient.Close() }, nil
}

// dispatch runs one subcommand and prints its JSON result
func dispatch(ctx context.Context, ledger *audit.Ledger, cmd string, args []string, out io.Writer) error {
	enc := json.NewEncoder(out)
	enc.SetIndent("", "  ")

	switch cmd {
	case "verify-all":
		fs := flag.NewFlagSet("verify-all", flag.ContinueOnError)
		limit := fs.Int("limit", 1000, "Number of most recent records to check")
		if err := fs.Parse(args); err != nil {
			return err
		}
		summary, err := ledger.VerifyAll(ctx, *limit)
		if err != nil {
			return err
		}
		if err := enc.Encode(summary); err != nil {
			return err
		}
		if summary.Invalid > 0 {
			return fmt.Errorf("%w: %d of %d records invalid", errTampered, summary.Invalid, summary.Total)
		}
		return nil

	case "verify":
		if len(args) != 1 {
			return errors.New("usage: auditctl verify <audit_id>")
		}
		id, err := strconv.ParseInt(args[0], 10, 64)
		if err != nil {
			return fmt.Errorf("invalid audit id %q: %w", args[0], err)
		}
		valid, err := ledger.Verify(ctx, id)
		if err != nil {
			return err
		}
		if err := enc.Encode(map[string]any{"audit_id": id, "valid": valid}); err != nil {
			return err
		}
		if !valid {
			return fmt.Errorf("%w: record %d", errTampered, id)
		}
		return nil

	case "stats":
		stats, err := ledger.Stats(ctx)
		if err != nil {
			return err
		}
		return enc.Encode(stats)

	default:
		return fmt.Errorf("unknown command %q", cmd)
	}
}
