// Package app wires every component into a running process: config,
// logging, persistence, cache, MQTT transport, router, presence engine,
// consultation coordinator, fan-out, the operator HTTP surface, and the
// System Coordinator that supervises all of it.
package app

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gonzalop/mq"
	"github.com/jmoiron/sqlx"

	"github.com/Rjrtgarcia/consultease/internal/cache"
	"github.com/Rjrtgarcia/consultease/internal/config"
	"github.com/Rjrtgarcia/consultease/internal/consultation"
	"github.com/Rjrtgarcia/consultease/internal/fanout"
	"github.com/Rjrtgarcia/consultease/internal/httpapi"
	"github.com/Rjrtgarcia/consultease/internal/model"
	mqtttransport "github.com/Rjrtgarcia/consultease/internal/mqtt"
	"github.com/Rjrtgarcia/consultease/internal/persistence"
	"github.com/Rjrtgarcia/consultease/internal/platform"
	"github.com/Rjrtgarcia/consultease/internal/presence"
	"github.com/Rjrtgarcia/consultease/internal/router"
	"github.com/Rjrtgarcia/consultease/internal/syscoord"
	"github.com/Rjrtgarcia/consultease/internal/telemetry"
)

// Run builds every component from cfg and blocks until ctx is cancelled
// or a service exhausts its restart budget.
func Run(ctx context.Context, cfg *config.Config) error {
	log := telemetry.NewLogger(cfg.LogFormat, cfg.LogLevel)

	sqliteBackend := cfg.IsSQLite()
	if err := platform.RunMigrations(cfg.DBURL, cfg.MigrationsDir, sqliteBackend); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	var db *sqlx.DB
	var err error
	if sqliteBackend {
		db, err = platform.NewSQLitePool(ctx, cfg.DBURL)
	} else {
		db, err = platform.NewPostgresPool(ctx, cfg.DBURL, cfg.DBPoolSize, cfg.DBMaxOverflow)
	}
	if err != nil {
		return fmt.Errorf("opening persistence pool: %w", err)
	}

	store := persistence.New(db, sqliteBackend)
	defer store.Close()

	rebuild := func(ctx context.Context) (*sqlx.DB, error) {
		if sqliteBackend {
			return platform.NewSQLitePool(ctx, cfg.DBURL)
		}
		return platform.NewPostgresPool(ctx, cfg.DBURL, cfg.DBPoolSize, cfg.DBMaxOverflow)
	}
	health := persistence.NewHealthMonitor(store,
		time.Duration(cfg.DBHealthIntervalSec)*time.Second,
		time.Duration(cfg.DBRestartCooldownSec)*time.Second,
		rebuild, log)

	rdb, err := platform.NewRedisClient(ctx, cfg.RedisURL)
	if err != nil {
		return fmt.Errorf("connecting redis: %w", err)
	}
	cacheCoord := cache.New(rdb)

	registry := telemetry.NewRegistry(telemetry.All()...)

	fanoutReg := fanout.New(log)

	transport := mqtttransport.New(mqtttransport.Config{
		BrokerURL:        cfg.BrokerURL(),
		ClientID:         "consultease-core-" + uuid.NewString(),
		Username:         cfg.MQTTUsername,
		Password:         cfg.MQTTPassword,
		BatchSize:        cfg.MQTTBatchSize,
		BatchTimeout:     time.Duration(cfg.MQTTBatchTimeoutMs) * time.Millisecond,
		OfflineQueueSize: cfg.MQTTOfflineQueueSize,
	}, log)

	presenceEngine := presence.New(store, cacheCoord, fanoutReg, health, log)
	consultCoord := consultation.New(store, fanoutReg, log)

	msgRouter := router.New(log)
	wireRoutes(msgRouter, presenceEngine, consultCoord)

	fanoutReg.SubscribeConsultation(func(evt model.ConsultationEvent) {
		publishNotification(transport, log, "consultation."+evt.Kind, evt.Consultation)
		if evt.Kind != "created" {
			return
		}
		publishConsultationRequest(ctx, transport, store, log, evt.Consultation)
	})
	fanoutReg.SubscribeStatusChange(func(evt model.StatusChangeEvent) {
		publishNotification(transport, log, "faculty.status_changed", evt)
	})

	syscoordinator := syscoord.New(log, cfg.ServiceRestartBudget, time.Duration(cfg.DBHealthIntervalSec)*time.Second)
	syscoordinator.OnPersistenceRecovery(func(ctx context.Context) {
		presenceEngine.ReplayPending(ctx)
	})

	httpSrv := httpapi.New(cfg.ListenAddr(), cfg.MetricsPath, registry, func() bool {
		return health.Healthy()
	})

	syscoordinator.Register(syscoord.Service{
		Name: "persistence-health",
		Start: func(ctx context.Context) error {
			health.Run(ctx)
			return nil
		},
	})

	syscoordinator.Register(syscoord.Service{
		Name:      "mqtt-transport",
		DependsOn: []string{"persistence-health"},
		Start: func(ctx context.Context) error {
			if err := transport.Start(ctx); err != nil {
				return err
			}
			for _, topic := range msgRouter.Topics() {
				if err := transport.Subscribe(topic, mq.AtLeastOnce, func(topic string, payload []byte) {
					msgRouter.Dispatch(ctx, topic, payload)
				}); err != nil {
					return err
				}
			}
			<-ctx.Done()
			return transport.Stop()
		},
		Healthy: transport.Connected,
	})

	syscoordinator.Register(syscoord.Service{
		Name:      "consultation-sweep",
		DependsOn: []string{"persistence-health"},
		Start: func(ctx context.Context) error {
			interval := time.Duration(cfg.ConsultationSweepIntervalSec) * time.Second
			return runTicker(ctx, interval, func() { _ = consultCoord.SweepExpired(ctx) })
		},
	})

	syscoordinator.Register(syscoord.Service{
		Name: "http-api",
		Start: func(ctx context.Context) error {
			return httpSrv.Start(ctx)
		},
	})

	go func() {
		ticker := time.NewTicker(time.Duration(cfg.DBHealthIntervalSec) * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				syscoordinator.SetPersistenceHealthy(health.Healthy())
			}
		}
	}()

	log.Info("consultease starting", "backend", backendName(sqliteBackend), "addr", cfg.ListenAddr())
	return syscoordinator.Run(ctx)
}

func backendName(sqlite bool) string {
	if sqlite {
		return "sqlite"
	}
	return "postgres"
}

func runTicker(ctx context.Context, interval time.Duration, fn func()) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fn()
		}
	}
}

// statusPayload is the JSON body desk units publish on
// consultease/faculty/{id}/status (§6).
type statusPayload struct {
	FacultyID     int64               `json:"faculty_id"`
	Present       bool                `json:"present"`
	NTPSyncStatus model.NTPSyncStatus `json:"ntp_sync_status"`
	InGracePeriod bool                `json:"in_grace_period"`
}

// macStatusPayload is the JSON body desk units publish on
// consultease/faculty/{id}/mac_status (§6).
type macStatusPayload struct {
	Status string `json:"status"`
	MAC    string `json:"mac"`
}

// responsePayload is the JSON body desk units publish on
// consultease/faculty/{id}/responses (§6).
type responsePayload struct {
	ResponseType string `json:"response_type"`
	MessageID    string `json:"message_id"`
}

// heartbeatPayload is the JSON body desk units publish on
// consultease/faculty/{id}/heartbeat (§6).
type heartbeatPayload struct {
	NTPSyncStatus model.NTPSyncStatus `json:"ntp_sync_status"`
}

// facultyRequestPayload is the JSON body published back to a desk unit
// on consultease/faculty/{id}/requests (§6).
type facultyRequestPayload struct {
	MessageID      string `json:"message_id"`
	StudentName    string `json:"student_name"`
	CourseCode     string `json:"course_code"`
	RequestMessage string `json:"request_message"`
	Timestamp      string `json:"timestamp"`
}

// systemNotification is the JSON body published on
// consultease/system/notifications (§6) for any operator-console
// subscriber.
type systemNotification struct {
	Kind string `json:"kind"`
	Data any    `json:"data"`
}

func wireRoutes(r *router.Router, presenceEngine *presence.Engine, consultCoord *consultation.Coordinator) {
	_ = r.Register(router.Route{
		Pattern:       "consultease/faculty/{id}/status",
		RatePerSecond: 20,
		Burst:         40,
		Handler: func(ctx context.Context, topic string, params map[string]string, body json.RawMessage) error {
			facultyID, err := facultyIDParam(params)
			if err != nil {
				return err
			}
			var p statusPayload
			if err := json.Unmarshal(body, &p); err != nil {
				return err
			}
			_, err = presenceEngine.HandleStatusUpdate(ctx, facultyID, p.Present, p.InGracePeriod, p.NTPSyncStatus, "status")
			return err
		},
	})

	_ = r.Register(router.Route{
		Pattern:       "consultease/faculty/{id}/mac_status",
		RatePerSecond: 20,
		Burst:         40,
		Handler: func(ctx context.Context, topic string, params map[string]string, body json.RawMessage) error {
			facultyID, err := facultyIDParam(params)
			if err != nil {
				return err
			}
			var p macStatusPayload
			if err := json.Unmarshal(body, &p); err != nil {
				return err
			}
			_, err = presenceEngine.HandleMacStatus(ctx, facultyID, p.MAC, p.Status == "faculty_present")
			return err
		},
	})

	_ = r.Register(router.Route{
		Pattern:       "consultease/faculty/{id}/responses",
		RatePerSecond: 10,
		Burst:         20,
		Handler: func(ctx context.Context, topic string, params map[string]string, body json.RawMessage) error {
			var p responsePayload
			if err := json.Unmarshal(body, &p); err != nil {
				return err
			}
			status := model.StatusBusy
			if p.ResponseType == "ACKNOWLEDGE" {
				status = model.StatusAccepted
			}
			_, err := consultCoord.OnResponse(ctx, p.MessageID, status)
			return err
		},
	})

	_ = r.Register(router.Route{
		Pattern:       "consultease/faculty/{id}/heartbeat",
		RatePerSecond: 10,
		Burst:         20,
		Handler: func(ctx context.Context, topic string, params map[string]string, body json.RawMessage) error {
			facultyID, err := facultyIDParam(params)
			if err != nil {
				return err
			}
			var p heartbeatPayload
			if err := json.Unmarshal(body, &p); err != nil {
				return err
			}
			return presenceEngine.HandleHeartbeat(ctx, facultyID, p.NTPSyncStatus)
		},
	})

	// Legacy synonym: plain-string keychain_connected/keychain_disconnected
	// payload on a per-faculty topic, mapped to the same presence handler
	// as the canonical JSON route (spec.md §6's migration note).
	_ = r.Register(router.Route{
		Pattern:       "professor/{id}/status",
		RatePerSecond: 20,
		Burst:         40,
		Handler: func(ctx context.Context, topic string, params map[string]string, body json.RawMessage) error {
			facultyID, err := facultyIDParam(params)
			if err != nil {
				return err
			}
			raw := strings.Trim(strings.TrimSpace(string(body)), `"`)
			present := raw == "keychain_connected"
			_, err = presenceEngine.HandleStatusUpdate(ctx, facultyID, present, false, model.NTPSynced, "legacy_professor_status")
			return err
		},
	})
}

func facultyIDParam(params map[string]string) (int64, error) {
	id, err := strconv.ParseInt(params["id"], 10, 64)
	if err != nil {
		return 0, fmt.Errorf("router: invalid faculty id %q: %w", params["id"], err)
	}
	return id, nil
}

// publishNotification publishes kind/data to consultease/system/notifications
// (§6) for any operator-console subscriber. Best-effort: a marshal or
// publish failure is logged, never propagated back into the fan-out
// callback that triggered it.
func publishNotification(transport *mqtttransport.Transport, log *slog.Logger, kind string, data any) {
	payload, err := json.Marshal(systemNotification{Kind: kind, Data: data})
	if err != nil {
		if log != nil {
			log.Warn("marshaling system notification failed", "kind", kind, "error", err)
		}
		return
	}
	if err := transport.Publish("consultease/system/notifications", payload, mq.AtLeastOnce, false, false); err != nil && log != nil {
		log.Warn("publishing system notification failed", "kind", kind, "error", err)
	}
}

// publishConsultationRequest publishes the newly-created consultation to
// the target desk unit's consultease/faculty/{id}/requests topic (§6),
// resolving the student's display name for the payload.
func publishConsultationRequest(ctx context.Context, transport *mqtttransport.Transport, store *persistence.Store, log *slog.Logger, c model.Consultation) {
	student, err := store.GetStudent(ctx, c.StudentID)
	if err != nil {
		if log != nil {
			log.Warn("resolving student for consultation request failed", "student_id", c.StudentID, "error", err)
		}
		return
	}

	payload, err := json.Marshal(facultyRequestPayload{
		MessageID:      c.MessageID,
		StudentName:    student.Name,
		CourseCode:     c.Course,
		RequestMessage: c.Message,
		Timestamp:      c.RequestedAt.Format(time.RFC3339),
	})
	if err != nil {
		if log != nil {
			log.Warn("marshaling consultation request failed", "message_id", c.MessageID, "error", err)
		}
		return
	}

	topic := fmt.Sprintf("consultease/faculty/%d/requests", c.FacultyID)
	if err := transport.Publish(topic, payload, mq.AtLeastOnce, false, true); err != nil && log != nil {
		log.Warn("publishing consultation request failed", "message_id", c.MessageID, "error", err)
	}
}
