package cmd

import (
	"recurring-payments-engine/cmd/recurring/config"
	"recurring-payments-engine/internal/effects"
	"recurring-payments-engine/internal/fingerprint"
	"recurring-payments-engine/internal/integrity"
	"recurring-payments-engine/internal/match"
	"recurring-payments-engine/internal/period"
	"recurring-payments-engine/internal/scheduler"
	"recurring-payments-engine/internal/store"
	"recurring-payments-engine/internal/templates"
	"recurring-payments-engine/pkg/logger"
)

// engine bundles the wired components behind one CLI invocation.
type engine struct {
	config    *config.Config
	store     *store.SQLiteStore
	periods   *period.Service
	templates *templates.Service
	scheduler *scheduler.Scheduler
	matcher   *match.Matcher
	integrity *integrity.Service
	log       logger.Logger
}

// buildEngine resolves configuration, opens the database, and wires every
// component. The caller must call close when done.
func buildEngine() (*engine, error) {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	log, err := logger.New(cfg.LoggerConfig())
	if err != nil {
		return nil, err
	}
	logger.SetGlobal(log)

	periods, err := period.NewService(cfg.Timezone)
	if err != nil {
		return nil, err
	}

	db, err := store.OpenSQLite(cfg.DatabasePath)
	if err != nil {
		return nil, err
	}

	// The CLI has no reminder or calendar backends; the dispatcher degrades
	// to no-ops for those intents.
	dispatcher := effects.NewDispatcher(nil, nil, log)
	engineFP := fingerprint.NewEngine(nil)

	templateService, err := templates.NewService(cfg.TemplatesConfig(), db, engineFP, periods, dispatcher, log, nil)
	if err != nil {
		db.Close()
		return nil, err
	}
	sched, err := scheduler.New(cfg.SchedulerConfig(), db, periods, dispatcher, log, nil)
	if err != nil {
		db.Close()
		return nil, err
	}
	integritySvc, err := integrity.New(nil, db, engineFP, dispatcher, log)
	if err != nil {
		db.Close()
		return nil, err
	}

	return &engine{
		config:    cfg,
		store:     db,
		periods:   periods,
		templates: templateService,
		scheduler: sched,
		matcher:   match.New(db, templateService, sched, periods, engineFP, log, nil),
		integrity: integritySvc,
		log:       log.WithComponent("cli"),
	}, nil
}

func (e *engine) close() {
	if err := e.store.Close(); err != nil {
		e.log.WithError(err).Warn("failed to close database")
	}
}
