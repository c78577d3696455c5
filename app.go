package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net/http"
	"time"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

// App is built once at startup and owns every external collaborator.
// Lifecycle: NewApp, Run, Close.
type App struct {
	cfg     *Config
	loc     *time.Location
	now     func() time.Time
	logger  *zap.Logger
	metrics *Metrics
	guard   *guard
	router  *Router

	calendar   CalendarProvider
	calendarID string
	ledger     LedgerStore
	weather    WeatherProvider // nil when no API key is configured
	birthdays  BirthdayStore
	messenger  Messenger

	db        *sql.DB
	bot       *telegramMessenger
	scheduler *Scheduler
}

func NewApp(ctx context.Context, cfg *Config, logger *zap.Logger) (*App, error) {
	client := &http.Client{Timeout: cfg.RemoteTimeout}
	a := &App{
		cfg:       cfg,
		loc:       cfg.location(),
		now:       time.Now,
		logger:    logger,
		metrics:   newMetrics(),
		scheduler: NewScheduler(cfg.location()),
	}
	a.guard = newGuard(cfg.RemoteTimeout, a.metrics, logger)

	db, err := openDB(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("error opening database: %w", err)
	}
	a.db = db
	if err := dbInit(ctx, db); err != nil {
		a.Close()
		return nil, err
	}
	a.birthdays = newSQLiteBirthdays(db)

	factory := NewCalendarFactory(&cfg.Calendar, newFileTokenStore(cfg.Calendar.TokenFile), client, logger)
	a.calendar, a.calendarID, err = factory.CreateCalendarProvider(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}

	a.ledger, err = NewSheetsLedger(ctx, []byte(cfg.SheetsCredentials), cfg.SpreadsheetID)
	if err != nil {
		a.Close()
		return nil, err
	}

	if cfg.OWMAPIKey == "" {
		logger.Warn("OWM_API_KEY is not set, weather command is disabled")
	} else {
		a.weather = newOWMProvider(cfg.OWMAPIKey, client)
	}

	// Long polling holds the request open for pollTimeout seconds.
	a.bot, err = newTelegramMessenger(cfg.BotToken, &http.Client{Timeout: cfg.RemoteTimeout + pollTimeout*time.Second})
	if err != nil {
		a.Close()
		return nil, err
	}
	a.messenger = a.bot

	a.router = newRouter(a)
	return a, nil
}

// Run handles updates and scheduler fires one at a time until ctx is done.
func (a *App) Run(ctx context.Context) error {
	fires, err := a.scheduler.Start(ctx)
	if err != nil {
		return err
	}

	if a.cfg.MetricsAddr != "" {
		go func() {
			if err := serveMetrics(ctx, a.cfg.MetricsAddr, a.metrics, a.logger); err != nil {
				a.logger.Error("metrics server", zap.Error(err))
			}
		}()
	}

	updates := a.bot.updates()
	defer a.bot.stop()
	a.logger.Info("bot started", zap.String("username", a.bot.username()))

	for {
		select {
		case <-ctx.Done():
			a.logger.Info("shutdown")
			return nil
		case day, ok := <-fires:
			if !ok {
				fires = nil
				continue
			}
			if err := a.scanBirthdays(ctx, day); err != nil {
				a.logger.Error("birthday scan", zap.Error(err))
			}
		case upd, ok := <-updates:
			if !ok {
				return errors.New("update channel closed")
			}
			a.handleUpdate(ctx, upd)
		}
	}
}

func (a *App) handleUpdate(ctx context.Context, upd tgbotapi.Update) {
	msg, ok := toMessage(upd)
	if !ok {
		return
	}
	logger := a.logger.With(zap.Int("update_id", upd.UpdateID), zap.String("trace", uuid.NewString()))

	reply, ok := a.dispatch(ctx, logger, msg)
	if !ok {
		return
	}
	if err := a.send(ctx, msg.ChatID, reply); err != nil {
		logger.Error("send reply", zap.Error(err))
	}
}

func (a *App) send(ctx context.Context, chatID int64, text string) error {
	return a.guard.call(ctx, "telegram", func(ctx context.Context) error {
		return a.messenger.Send(ctx, chatID, text)
	})
}

func (a *App) Close() error {
	if a.db != nil {
		return a.db.Close()
	}
	return nil
}
