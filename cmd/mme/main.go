package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/your-org/lte-mme/common/metrics"
	"github.com/your-org/lte-mme/internal/audit"
	"github.com/your-org/lte-mme/internal/config"
	"github.com/your-org/lte-mme/internal/dispatch"
	"github.com/your-org/lte-mme/internal/emm/attach"
	emmcontext "github.com/your-org/lte-mme/internal/emm/context"
	"github.com/your-org/lte-mme/internal/emm/identifier"
	"github.com/your-org/lte-mme/internal/emm/nas"
	"github.com/your-org/lte-mme/internal/emm/sap"
	"github.com/your-org/lte-mme/internal/esm"
	"github.com/your-org/lte-mme/internal/hss"
	"github.com/your-org/lte-mme/internal/mmeapi"
	"github.com/your-org/lte-mme/internal/server"
	"github.com/your-org/lte-mme/internal/timer"
)

var (
	Version   = "dev"
	BuildTime = "unknown"
)

func main() {
	configPath := flag.String("config", "cmd/mme/config/mme.yaml", "path to configuration file")
	flag.Parse()

	logger := createLogger("info")
	defer logger.Sync()

	logger.Info("starting MME (Mobility Management Entity)",
		zap.String("version", Version),
		zap.String("build_time", BuildTime),
	)

	cfg, err := config.Load(*configPath)
	if err != nil {
		logger.Fatal("failed to load configuration", zap.Error(err))
	}

	logger.Info("configuration loaded",
		zap.String("sbi_bind", cfg.BindAddress()),
		zap.String("plmn", fmt.Sprintf("%s/%s", cfg.PLMN.MCC, cfg.PLMN.MNC)),
		zap.Uint16("mme_group_id", cfg.PLMN.MMEGroupID),
		zap.Uint8("mme_code", cfg.PLMN.MMECode),
	)

	identifiers := identifier.New()
	timers := timer.NewManager()
	disp := dispatch.New(1024, logger, nil)
	disp.Start(8)
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := disp.Shutdown(shutdownCtx); err != nil {
			logger.Warn("dispatcher shutdown did not finish cleanly", zap.Error(err))
		}
	}()

	mme := mmeapi.NewLocalAPI(mmeapi.Config{
		PLMN:       nas.PLMNID{MCC: cfg.PLMN.MCC, MNC: cfg.PLMN.MNC},
		MMEGroupID: cfg.PLMN.MMEGroupID,
		MMECode:    cfg.PLMN.MMECode,
	}, identifiers, logger)

	var hssClient hss.Client
	if cfg.HSS.Deterministic {
		hssClient = hss.NewDeterministic(logger)
	} else {
		hssClient = hss.NewHTTPClient(cfg.HSS.URL, cfg.HSS.Timeout, logger)
	}

	esmSAP := esm.NewInMemory(30*time.Second, logger)

	sinks := []sap.Sink{metrics.NewSink()}
	if cfg.Audit.Enabled {
		auditCfg := audit.DefaultConfig()
		if cfg.Audit.Table != "" {
			auditCfg.Table = cfg.Audit.Table
		}
		if cfg.Audit.Database != "" {
			auditCfg.Database = cfg.Audit.Database
		}
		if cfg.Audit.DSN != "" {
			auditCfg.Addresses = strings.Split(cfg.Audit.DSN, ",")
		}
		auditSink, err := audit.NewSink(auditCfg, logger)
		if err != nil {
			logger.Error("failed to initialize audit sink, continuing without it", zap.Error(err))
		} else {
			sinks = append(sinks, auditSink)
			defer auditSink.Close()
		}
	}
	sapDispatcher := sap.New(logger, sinks...)

	access := &loggingAccessLayer{logger: logger}

	attachCfg := attach.DefaultConfig()
	attachCfg.PLMN = nas.PLMNID{MCC: cfg.PLMN.MCC, MNC: cfg.PLMN.MNC}
	attachCfg.T3450 = cfg.Timers.T3450
	attachCfg.T3460 = cfg.Timers.T3460
	attachCfg.T3470 = cfg.Timers.T3470
	attachCfg.T3402 = cfg.Timers.T3402
	attachCfg.IntegrityAlgorithm = firstAlgorithm(cfg.Security.IntegrityAlgorithms)
	attachCfg.CipheringAlgorithm = firstAlgorithm(cfg.Security.CipheringAlgorithms)
	attachCfg.EmergencyAttachSupported = cfg.Security.EmergencyAttach

	machine := attach.New(attach.Collaborators{
		Identifiers: identifiers,
		MME:         mme,
		ESM:         esmSAP,
		HSS:         hssClient,
		Access:      access,
		Timers:      timers,
		Logger:      logger,
		SAP:         sapDispatcher,
		Dispatch:    disp,
	}, attachCfg)

	srv := server.New(cfg.SBI, machine, identifiers, logger)

	metricsServer := metrics.NewMetricsServer(cfg.Observability.Metrics.Port, logger)
	if cfg.Observability.Metrics.Enabled {
		go func() {
			logger.Info("starting metrics server", zap.Int("port", cfg.Observability.Metrics.Port))
			if err := metricsServer.Start(); err != nil {
				logger.Error("metrics server error", zap.Error(err))
			}
		}()
		defer metricsServer.Stop()
	}

	cleanupTicker := time.NewTicker(30 * time.Second)
	defer cleanupTicker.Stop()
	stopCleanup := make(chan struct{})
	defer close(stopCleanup)
	go func() {
		for {
			select {
			case <-cleanupTicker.C:
				if n := esmSAP.CleanupExpired(); n > 0 {
					logger.Debug("purged expired esm sessions", zap.Int("count", n))
				}
				metrics.SetIdentifierIndexSize(identifiers.Len())
			case <-stopCleanup:
				return
			}
		}
	}()

	metrics.SetServiceUp(true)
	defer metrics.SetServiceUp(false)

	serverErrors := make(chan error, 1)
	go func() {
		logger.Info("mme started successfully", zap.String("address", cfg.BindAddress()))
		serverErrors <- srv.Start(context.Background())
	}()

	shutdown := make(chan os.Signal, 1)
	signal.Notify(shutdown, os.Interrupt, syscall.SIGTERM)

	select {
	case err := <-serverErrors:
		logger.Fatal("server error", zap.Error(err))
	case sig := <-shutdown:
		logger.Info("shutdown signal received", zap.String("signal", sig.String()))

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()

		if err := srv.Stop(shutdownCtx); err != nil {
			logger.Error("failed to gracefully shutdown server", zap.Error(err))
		}
		logger.Info("mme shutdown complete")
	}
}

// createLogger builds a zap production logger at the given level, the way
// every teacher NF's cmd/main.go does.
func createLogger(level string) *zap.Logger {
	var zapLevel zapcore.Level
	switch level {
	case "debug":
		zapLevel = zapcore.DebugLevel
	case "warn":
		zapLevel = zapcore.WarnLevel
	case "error":
		zapLevel = zapcore.ErrorLevel
	default:
		zapLevel = zapcore.InfoLevel
	}

	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapLevel)
	cfg.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder

	logger, err := cfg.Build()
	if err != nil {
		panic(fmt.Sprintf("failed to create logger: %v", err))
	}
	return logger
}

// algorithmIDs maps the 3GPP TS 33.401 algorithm names to their 4-bit
// identifiers; index 0 of a configured preference list is strongest.
var algorithmIDs = map[string]emmcontext.SecurityAlgorithm{
	"EIA0": 0, "EIA1": 1, "EIA2": 2, "EIA3": 3,
	"EEA0": 0, "EEA1": 1, "EEA2": 2, "EEA3": 3,
}

func firstAlgorithm(names []string) emmcontext.SecurityAlgorithm {
	if len(names) == 0 {
		return 0
	}
	return algorithmIDs[names[0]]
}

// loggingAccessLayer is a placeholder AccessLayer that logs every downlink
// primitive instead of round-tripping it over a real S1AP transport; a
// deployment wires a real one in its place (spec.md §1 "Out of scope").
type loggingAccessLayer struct {
	logger *zap.Logger
}

func (l *loggingAccessLayer) EstablishCnf(ctx context.Context, ranID uint32, accept attach.AttachAccept) error {
	l.logger.Info("EMMAS_ESTABLISH_CNF", zap.Uint32("ran_id", ranID))
	return nil
}

func (l *loggingAccessLayer) EstablishRej(ctx context.Context, ranID uint32, reject attach.AttachReject) error {
	l.logger.Info("EMMAS_ESTABLISH_REJ", zap.Uint32("ran_id", ranID), zap.Uint8("cause", uint8(reject.Cause)))
	return nil
}

func (l *loggingAccessLayer) IdentityRequest(ctx context.Context, ranID uint32, idType string) error {
	l.logger.Info("identity request", zap.Uint32("ran_id", ranID), zap.String("id_type", idType))
	return nil
}

func (l *loggingAccessLayer) AuthenticationRequest(ctx context.Context, ranID uint32, vec *emmcontext.AuthenticationVector, ksi uint8) error {
	l.logger.Info("authentication request", zap.Uint32("ran_id", ranID), zap.Uint8("ksi", ksi))
	return nil
}

func (l *loggingAccessLayer) SecurityModeCommand(ctx context.Context, ranID uint32, integrity, ciphering emmcontext.SecurityAlgorithm) error {
	l.logger.Info("security mode command", zap.Uint32("ran_id", ranID))
	return nil
}

var _ attach.AccessLayer = (*loggingAccessLayer)(nil)
