// Command dealcore runs the negotiation core in lite mode: a SQLite-backed
// event log seeded with a small syndicated-loan negotiation, replayed at a
// few points in history to show time travel.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/lendware/dealcore/pkg/config"
	"github.com/lendware/dealcore/pkg/event"
	"github.com/lendware/dealcore/pkg/negotiation"
	"github.com/lendware/dealcore/pkg/observability"
	"github.com/lendware/dealcore/pkg/store"
	"github.com/lendware/dealcore/pkg/timetravel"
	"github.com/lendware/dealcore/pkg/transition"

	_ "modernc.org/sqlite"
)

func main() {
	if err := run(context.Background()); err != nil {
		slog.Error("dealcore failed", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	db, err := openDatabase(cfg)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	log, err := store.NewSQLiteEventLog(db)
	if err != nil {
		return fmt.Errorf("failed to init event log: %w", err)
	}

	opts := []negotiation.Option{}
	if cfg.RedisAddr != "" {
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		opts = append(opts, negotiation.WithProjectionCache(timetravel.NewRedisCache(client, 10*time.Minute)))
	}
	if cfg.TelemetryEnabled {
		obsCfg := observability.DefaultConfig()
		obsCfg.OTLPEndpoint = cfg.OTLPEndpoint
		provider, err := observability.New(ctx, obsCfg)
		if err != nil {
			return fmt.Errorf("failed to init observability: %w", err)
		}
		defer func() { _ = provider.Shutdown(ctx) }()
		opts = append(opts, negotiation.WithObservability(provider))
	}
	if cfg.AppendRatePerSecond > 0 {
		opts = append(opts, negotiation.WithRateLimit(cfg.AppendRatePerSecond, cfg.AppendBurst))
	}

	svc := negotiation.NewService("org-demo", log, opts...)

	dealID := fmt.Sprintf("deal-%d", time.Now().Unix())
	if err := seedDeal(ctx, svc, dealID); err != nil {
		return err
	}

	for _, seq := range []uint64{2, 4, 0} {
		asOf := timetravel.AsOf{}
		label := "latest"
		if seq > 0 {
			asOf.Sequence = &seq
			label = fmt.Sprintf("sequence %d", seq)
		}
		state, err := svc.Reconstruct(ctx, dealID, asOf, timetravel.Options{IncludeStats: true})
		if err != nil {
			return fmt.Errorf("failed to reconstruct at %s: %w", label, err)
		}
		raw, _ := json.MarshalIndent(state, "", "  ")
		fmt.Printf("--- %s as of %s ---\n%s\n", dealID, label, raw)
	}

	if err := svc.Verify(ctx, dealID); err != nil {
		return fmt.Errorf("hash chain verification failed: %w", err)
	}
	slog.Info("hash chain verified", "deal_id", dealID)
	return nil
}

func setupLogging(level string) {
	var lvl slog.Level
	switch strings.ToUpper(level) {
	case "DEBUG":
		lvl = slog.LevelDebug
	case "WARN":
		lvl = slog.LevelWarn
	case "ERROR":
		lvl = slog.LevelError
	default:
		lvl = slog.LevelInfo
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: lvl})))
}

func openDatabase(cfg *config.Config) (*sql.DB, error) {
	if err := os.MkdirAll(filepath.Dir(cfg.SQLitePath), 0750); err != nil {
		return nil, fmt.Errorf("failed to create data dir: %w", err)
	}
	slog.Info("lite mode: using sqlite", "path", cfg.SQLitePath)
	db, err := sql.Open("sqlite", cfg.SQLitePath)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite: %w", err)
	}
	return db, nil
}

func seedDeal(ctx context.Context, svc *negotiation.Service, dealID string) error {
	lead := event.Actor{ID: "agent-1", Name: "Meridian Capital", PartyType: "agent"}
	lender := event.Actor{ID: "lender-1", Name: "Northbridge Bank", PartyType: "lender"}
	leadCtx := negotiation.WithActorContext(negotiation.ActorContext{IsDealLead: true, CanApprove: true})

	steps := []struct {
		actor   event.Actor
		t       event.Type
		payload any
		opts    []negotiation.AppendOption
	}{
		{lead, event.TypeDealCreated, event.DealCreatedPayload{Name: "Project Aurora Term Loan B", NegotiationMode: "collaborative"}, nil},
		{lead, event.TypeParticipantJoined, event.ParticipantJoinedPayload{ParticipantID: "p-agent", PartyName: "Meridian Capital", PartyType: "agent", DealRole: "lead"}, nil},
		{lead, event.TypeParticipantJoined, event.ParticipantJoinedPayload{ParticipantID: "p-northbridge", PartyName: "Northbridge Bank", PartyType: "lender", DealRole: "participant"}, nil},
		{lead, event.TypeTermCreated, event.TermCreatedPayload{TermID: "t-margin", Label: "Interest Margin", CurrentValueText: "SOFR + 425bps"}, nil},
		{lead, event.TypeTermCreated, event.TermCreatedPayload{TermID: "t-leverage", Label: "Leverage Covenant", CurrentValueText: "4.5x", Impacts: []string{"t-margin"}}, nil},
		{lender, event.TypeTermStatusChanged, event.TermStatusChangedPayload{TermID: "t-margin", NewStatus: "proposed"}, nil},
		{lender, event.TypeCommentAdded, event.CommentAddedPayload{TermID: "t-margin", CommentID: "c-1", Body: "Margin looks rich for this rating."}, nil},
		{lender, event.TypeTermStatusChanged, event.TermStatusChangedPayload{TermID: "t-margin", NewStatus: "under_discussion"}, nil},
		{lead, event.TypeTermStatusChanged, event.TermStatusChangedPayload{TermID: "t-margin", NewStatus: "agreed"}, []negotiation.AppendOption{leadCtx}},
		{lead, event.TypeTermLocked, event.TermLockedPayload{TermID: "t-margin", CurrentValueText: "SOFR + 400bps"}, []negotiation.AppendOption{leadCtx}},
	}

	for _, step := range steps {
		if _, err := svc.AppendEvent(ctx, dealID, step.t, step.actor, step.payload, step.opts...); err != nil {
			return fmt.Errorf("seed append %s failed: %w", step.t, err)
		}
	}

	// A locked term refuses further status changes; show the denial.
	_, err := svc.AppendEvent(ctx, dealID, event.TypeTermStatusChanged, lender,
		event.TermStatusChangedPayload{TermID: "t-margin", NewStatus: "proposed"})
	var denied *negotiation.TransitionDeniedError
	if !errors.As(err, &denied) {
		return fmt.Errorf("expected a transition denial, got %v", err)
	}
	slog.Info("denial demonstrated", "reason", denied.Decision.Reason)

	impacted, err := svc.Impacted(ctx, dealID, "t-leverage")
	if err != nil {
		return err
	}
	slog.Info("impact analysis", "term_id", "t-leverage", "impacts", impacted)

	targets := svc.AllowedTargets(transition.StatusAgreed, transition.Context{IsDealLead: true, CanApprove: true})
	slog.Info("allowed targets for an agreed term as lead", "targets", targets)
	return nil
}
